package pipeline

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/corpusd/internal/pipeline"

// Metrics holds ingestion pipeline instruments.
type Metrics struct {
	meter         metric.Meter
	logger        *zap.Logger
	documents     metric.Int64Counter
	stageDuration metric.Float64Histogram
}

// NewMetrics creates a Metrics instance for the ingestion pipeline.
func NewMetrics(logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{
		meter:  otel.Meter(instrumentationName),
		logger: logger,
	}
	m.init()
	return m
}

func (m *Metrics) init() {
	var err error

	m.documents, err = m.meter.Int64Counter(
		"corpusd.pipeline.documents_total",
		metric.WithDescription("Documents handled by ingestion, labeled by outcome (processed, skipped, failed)"),
		metric.WithUnit("{document}"),
	)
	if err != nil {
		m.logger.Warn("failed to create documents counter", zap.Error(err))
	}

	m.stageDuration, err = m.meter.Float64Histogram(
		"corpusd.pipeline.stage_duration_seconds",
		metric.WithDescription("Duration of pipeline stages, labeled by stage (extract, chunk, embed, stage, commit)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 15.0, 60.0),
	)
	if err != nil {
		m.logger.Warn("failed to create stage duration histogram", zap.Error(err))
	}
}

// RecordOutcome counts one document's final state.
func (m *Metrics) RecordOutcome(ctx context.Context, outcome string) {
	if m.documents == nil {
		return
	}
	m.documents.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordStage records one pipeline stage duration.
func (m *Metrics) RecordStage(ctx context.Context, stage string, elapsed time.Duration) {
	if m.stageDuration == nil {
		return
	}
	m.stageDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("stage", stage)))
}
