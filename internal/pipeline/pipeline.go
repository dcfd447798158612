// Package pipeline orchestrates batch document ingestion.
//
// Each document is an independent atomic unit moving through extract, chunk,
// embed, stage and commit. All intermediate state lives in memory or in
// staged files that retrieval cannot see; the registry commit is the single
// write that makes a document visible, and it is the last write of the run.
// A sibling's failure never aborts the batch.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/corpusd/internal/chunker"
	"github.com/fyrsmithlabs/corpusd/internal/docstore"
	"github.com/fyrsmithlabs/corpusd/internal/embeddings"
	"github.com/fyrsmithlabs/corpusd/internal/registry"
	"github.com/fyrsmithlabs/corpusd/internal/vectorindex"
)

var tracer = otel.Tracer("corpusd.pipeline")

// ErrNoDocuments indicates a batch request with no ingestible files.
var ErrNoDocuments = errors.New("no documents to process")

// Outcome is the final state of one document within a batch run.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
)

// DocumentResult reports one document's path through the pipeline.
type DocumentResult struct {
	Filename   string  `json:"filename"`
	DocumentID string  `json:"document_id,omitempty"`
	Outcome    Outcome `json:"outcome"`
	ChunkCount int     `json:"chunk_count,omitempty"`
	Reason     string  `json:"reason,omitempty"`
}

// BatchResult summarizes a batch run. Counts include every attempt: skipped
// and failed documents are part of the batch record, not erased from it.
type BatchResult struct {
	BatchID       string           `json:"batch_id"`
	EffectiveDate string           `json:"effective_date"`
	Processed     int              `json:"processed"`
	Skipped       int              `json:"skipped"`
	Failed        int              `json:"failed"`
	Documents     []DocumentResult `json:"documents"`
}

// Config controls batch execution.
type Config struct {
	// Workers bounds how many documents are processed concurrently.
	Workers int
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Workers == 0 {
		c.Workers = 4
	}
}

// Service runs the ingestion pipeline against the shared stores.
type Service struct {
	cfg       Config
	registry  *registry.Registry
	store     *docstore.Store
	index     *vectorindex.Index
	chunker   *chunker.Chunker
	extractor Extractor
	metadata  chunker.MetadataExtractor
	embedder  embeddings.Embedder
	logger    *zap.Logger
	metrics   *Metrics
}

// New creates the pipeline service. All collaborators are required except the
// logger, which defaults to a no-op.
func New(cfg Config, reg *registry.Registry, store *docstore.Store, index *vectorindex.Index,
	ck *chunker.Chunker, extractor Extractor, embedder embeddings.Embedder, logger *zap.Logger) (*Service, error) {
	cfg.ApplyDefaults()
	if cfg.Workers < 1 {
		return nil, errors.New("pipeline workers must be positive")
	}
	if reg == nil || store == nil || index == nil || ck == nil || extractor == nil || embedder == nil {
		return nil, errors.New("pipeline requires registry, store, index, chunker, extractor and embedder")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:       cfg,
		registry:  reg,
		store:     store,
		index:     index,
		chunker:   ck,
		extractor: extractor,
		metadata:  chunker.NewHeuristicExtractor(),
		embedder:  embedder,
		logger:    logger,
		metrics:   NewMetrics(logger),
	}, nil
}

// ProcessBatch ingests the given files under one batch and effective date.
// Documents run in parallel as independent atomic units; the returned result
// reports every attempt. The error is non-nil only for batch-level failures
// (no inputs, batch creation), never for per-document ones.
func (s *Service) ProcessBatch(ctx context.Context, paths []string, effectiveDate string) (*BatchResult, error) {
	ctx, span := tracer.Start(ctx, "pipeline.ProcessBatch")
	defer span.End()
	span.SetAttributes(attribute.Int("documents", len(paths)))

	if len(paths) == 0 {
		return nil, ErrNoDocuments
	}

	batch, err := s.registry.CreateBatch(effectiveDate)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("creating batch: %w", err)
	}
	s.logger.Info("batch started",
		zap.String("batch_id", batch.BatchID),
		zap.String("effective_date", effectiveDate),
		zap.Int("documents", len(paths)))

	results := make([]DocumentResult, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for i, path := range paths {
		g.Go(func() error {
			results[i] = s.processDocument(gctx, path, batch.BatchID)
			return nil
		})
	}
	// Workers report per-document failures through results, never as errors.
	_ = g.Wait()

	out := &BatchResult{
		BatchID:       batch.BatchID,
		EffectiveDate: batch.EffectiveDate,
		Documents:     results,
	}
	for _, res := range results {
		switch res.Outcome {
		case OutcomeProcessed:
			out.Processed++
		case OutcomeSkipped:
			out.Skipped++
		default:
			out.Failed++
		}
		s.metrics.RecordOutcome(ctx, string(res.Outcome))
	}

	// A batch that no document was ever counted against (every attempt
	// died before reaching the registry) leaves no record behind.
	if err := s.registry.DeleteEmptyBatch(batch.BatchID); err == nil {
		s.logger.Info("removed empty batch", zap.String("batch_id", batch.BatchID))
	} else if !errors.Is(err, registry.ErrBatchNotEmpty) {
		s.logger.Warn("empty-batch cleanup failed", zap.Error(err))
	}

	s.logger.Info("batch finished",
		zap.String("batch_id", batch.BatchID),
		zap.Int("processed", out.Processed),
		zap.Int("skipped", out.Skipped),
		zap.Int("failed", out.Failed))
	return out, nil
}

// processDocument moves one file through the whole pipeline. Any error short
// of the registry commit aborts the document and discards its in-memory
// state; staged files left behind are invisible to retrieval.
func (s *Service) processDocument(ctx context.Context, path, batchID string) DocumentResult {
	ctx, span := tracer.Start(ctx, "pipeline.processDocument")
	defer span.End()

	filename := filepath.Base(path)
	res := DocumentResult{Filename: filename}
	log := s.logger.With(zap.String("filename", filename), zap.String("batch_id", batchID))

	hash, err := hashFile(path)
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Reason = err.Error()
		span.SetStatus(codes.Error, err.Error())
		log.Error("hashing failed", zap.Error(err))
		return res
	}

	token, err := s.registry.Begin(filename, hash, batchID)
	if errors.Is(err, registry.ErrAlreadyProcessed) {
		res.Outcome = OutcomeSkipped
		res.Reason = "identical content already processed"
		// Skips are attempts and count toward the batch record.
		if skipErr := s.registry.RecordSkip(batchID); skipErr != nil {
			log.Error("recording skip failed", zap.Error(skipErr))
		}
		log.Info("document skipped, content unchanged")
		return res
	}
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Reason = err.Error()
		span.SetStatus(codes.Error, err.Error())
		log.Error("begin failed", zap.Error(err))
		return res
	}
	res.DocumentID = token.DocumentID
	span.SetAttributes(attribute.String("document_id", token.DocumentID))

	chunkCount, err := s.runStages(ctx, path, token)
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Reason = err.Error()
		span.SetStatus(codes.Error, err.Error())
		log.Error("document failed", zap.String("document_id", token.DocumentID), zap.Error(err))
		if abortErr := s.registry.Abort(token, err.Error()); abortErr != nil {
			log.Error("abort failed", zap.Error(abortErr))
		}
		return res
	}

	res.Outcome = OutcomeProcessed
	res.ChunkCount = chunkCount
	log.Info("document committed",
		zap.String("document_id", token.DocumentID),
		zap.Int("chunks", chunkCount))
	return res
}

// runStages executes extract, chunk, embed, stage and commit for one
// in-flight document, returning its final chunk count.
func (s *Service) runStages(ctx context.Context, path string, token *registry.Token) (int, error) {
	start := time.Now()
	text, err := s.extractor.Extract(ctx, path)
	s.metrics.RecordStage(ctx, "extract", time.Since(start))
	if err != nil {
		return 0, err
	}

	title := s.metadata.Title(text, token.Filename)

	start = time.Now()
	chunks, err := s.chunker.Chunk(chunker.Source{
		DocumentID:    token.DocumentID,
		Text:          text,
		Title:         title,
		BatchID:       token.BatchID,
		EffectiveDate: token.EffectiveDate,
		Filename:      token.Filename,
	})
	s.metrics.RecordStage(ctx, "chunk", time.Since(start))
	if err != nil {
		return 0, err
	}

	texts := make([]string, len(chunks))
	ids := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
		ids[i] = ch.ChunkID
	}

	// A document's chunks are embedded in a single request so either the
	// whole vector set exists or none of it does.
	start = time.Now()
	vectors, err := s.embedder.EmbedDocuments(ctx, texts)
	s.metrics.RecordStage(ctx, "embed", time.Since(start))
	if err != nil {
		return 0, err
	}

	start = time.Now()
	if token.PreviousHash != "" {
		if err := s.supersede(token, len(chunks)); err != nil {
			return 0, err
		}
	}
	if err := s.store.PutFullText(token.DocumentID, text); err != nil {
		return 0, err
	}
	if err := s.store.PutChunks(chunks); err != nil {
		return 0, err
	}
	if _, err := s.index.AddBatch(ctx, ids, vectors); err != nil {
		return 0, err
	}
	if err := s.index.Save(); err != nil {
		return 0, err
	}
	s.metrics.RecordStage(ctx, "stage", time.Since(start))

	start = time.Now()
	if err := s.registry.Commit(token, title, len(chunks)); err != nil {
		return 0, fmt.Errorf("registry commit: %w", err)
	}
	s.metrics.RecordStage(ctx, "commit", time.Since(start))
	return len(chunks), nil
}

// supersede clears the previous version of a reprocessed document: its index
// rows are tombstoned and chunk records beyond the new count removed, so the
// old and new version never answer queries side by side.
func (s *Service) supersede(token *registry.Token, newCount int) error {
	doc, ok := s.registry.Lookup(token.DocumentID)
	if !ok {
		return fmt.Errorf("%w: %s", registry.ErrDocumentNotFound, token.DocumentID)
	}

	for i := 0; i < doc.ChunkCount; i++ {
		chunkID := chunker.ChunkID(token.DocumentID, i)
		if err := s.index.Remove(chunkID); err != nil && !errors.Is(err, vectorindex.ErrChunkNotFound) {
			return err
		}
		if i >= newCount {
			if err := s.store.DeleteChunk(chunkID); err != nil {
				return err
			}
		}
	}
	s.logger.Info("superseding previous version",
		zap.String("document_id", token.DocumentID),
		zap.Int("previous_chunks", doc.ChunkCount),
		zap.Int("new_chunks", newCount))
	return nil
}

func hashFile(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Supports reports whether the pipeline can ingest the file at path.
func (s *Service) Supports(path string) bool {
	return s.extractor.Supports(path)
}

// DiscoverFiles lists the ingestible files directly under dir, sorted by
// name. Unsupported formats are reported so the operator sees what was left
// behind.
func (s *Service) DiscoverFiles(dir string) (supported, unsupported []string, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("reading document directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if s.extractor.Supports(path) {
			supported = append(supported, path)
		} else {
			unsupported = append(unsupported, path)
		}
	}
	sort.Strings(supported)
	sort.Strings(unsupported)
	return supported, unsupported, nil
}

// liveChunks returns the set of chunk IDs reachable from processed registry
// entries. Everything else on disk or in the index is staged residue.
func (s *Service) liveChunks() map[string]struct{} {
	live := make(map[string]struct{})
	for _, doc := range s.registry.List(registry.StatusProcessed) {
		for i := 0; i < doc.ChunkCount; i++ {
			live[chunker.ChunkID(doc.DocumentID, i)] = struct{}{}
		}
	}
	return live
}

// Recover reports staged-but-uncommitted chunk records left by interrupted
// runs. Stale processing entries were already demoted when the registry
// opened; the orphans listed here are inert until Cleanup reclaims them.
func (s *Service) Recover() ([]string, error) {
	stored, err := s.store.ChunkIDs()
	if err != nil {
		return nil, err
	}

	live := s.liveChunks()
	var orphans []string
	for _, id := range stored {
		if _, ok := live[id]; !ok {
			orphans = append(orphans, id)
		}
	}
	for _, id := range s.index.Rows() {
		if _, ok := live[id]; !ok && !containsString(orphans, id) {
			orphans = append(orphans, id)
		}
	}
	sort.Strings(orphans)

	if len(orphans) > 0 {
		s.logger.Warn("staged artifacts from interrupted runs detected",
			zap.Int("count", len(orphans)))
	}
	return orphans, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Cleanup removes staged-but-uncommitted artifacts: orphaned chunk records
// are deleted and orphaned index rows tombstoned and compacted away.
func (s *Service) Cleanup() error {
	orphans, err := s.Recover()
	if err != nil {
		return err
	}
	if len(orphans) == 0 {
		return nil
	}

	for _, id := range orphans {
		if err := s.store.DeleteChunk(id); err != nil {
			return err
		}
		if err := s.index.Remove(id); err != nil && !errors.Is(err, vectorindex.ErrChunkNotFound) {
			return err
		}
	}
	if err := s.index.Compact(); err != nil {
		return err
	}
	if err := s.index.Save(); err != nil {
		return err
	}
	s.logger.Info("reclaimed staged artifacts", zap.Int("count", len(orphans)))
	return nil
}

// artifactChecker adapts the document store and vector index to the
// registry's verification contract.
type artifactChecker struct {
	store *docstore.Store
	index *vectorindex.Index
}

func (a artifactChecker) HasChunks(documentID string, n int) bool {
	return a.store.HasChunks(documentID, n)
}

func (a artifactChecker) HasVectors(documentID string, n int) bool {
	for i := 0; i < n; i++ {
		if !a.index.Contains(chunker.ChunkID(documentID, i)) {
			return false
		}
	}
	return true
}

// Verify cross-checks the registry against stored chunks and index rows in
// both directions. Inconsistencies surface as errors, never auto-repair.
func (s *Service) Verify() error {
	if err := s.registry.Verify(artifactChecker{store: s.store, index: s.index}); err != nil {
		return err
	}
	live := s.liveChunks()
	return s.index.Verify(func(chunkID string) bool {
		_, ok := live[chunkID]
		return ok
	})
}

// Reset wipes the registry, document store and vector index together.
// Partial deletion is forbidden; this is the only sanctioned full wipe.
func (s *Service) Reset() error {
	if err := s.store.Reset(); err != nil {
		return err
	}
	if err := s.index.Reset(); err != nil {
		return err
	}
	if err := s.registry.Reset(); err != nil {
		return err
	}
	s.logger.Warn("all stores reset")
	return nil
}
