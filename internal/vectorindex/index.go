// Package vectorindex implements the incremental nearest-neighbor index
// over chunk vectors.
//
// Rows are allocated append-only in an arena; the row-to-chunk-ID map is
// persisted alongside the vectors so the index is rebuild-verifiable: every
// chunk ID referenced by a processed registry entry must resolve to exactly
// one live row, and no live row may point at a missing chunk. Removal only
// tombstones a row; Compact reclaims the space.
//
// The distance metric is fixed when the index is created. Opening an
// existing index with a different metric or dimension is a configuration
// error, not a silent corruption.
package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("corpusd.vectorindex")

// Errors for vector index operations.
var (
	ErrInvalidConfig     = errors.New("invalid index configuration")
	ErrMetricMismatch    = errors.New("index metric/dimension mismatch with existing index")
	ErrDimensionMismatch = errors.New("vector dimension does not match index")
	ErrDuplicateChunk    = errors.New("chunk already indexed")
	ErrChunkNotFound     = errors.New("chunk not indexed")
	ErrIndexCorrupted    = errors.New("index corrupted: row/chunk mapping mismatch")
)

// Metric is the distance function of an index.
type Metric string

const (
	// MetricL2 is squared Euclidean distance (smaller is closer).
	MetricL2 Metric = "l2"
	// MetricIP is inner product, negated so smaller is closer.
	MetricIP Metric = "ip"
)

// Config describes an index at creation time.
type Config struct {
	Metric    Metric
	Dimension int
}

// Validate validates the configuration.
func (c Config) Validate() error {
	switch c.Metric {
	case MetricL2, MetricIP:
	default:
		return fmt.Errorf("%w: unknown metric %q", ErrInvalidConfig, c.Metric)
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}
	return nil
}

// Hit is one search result.
type Hit struct {
	ChunkID  string
	Row      int64
	Distance float32
}

// Index is a flat vector index with a stable row-to-chunk-ID mapping.
type Index struct {
	mu sync.RWMutex

	dir    string
	cfg    Config
	logger *zap.Logger

	vectors    [][]float32      // arena; slice index == row
	rowToChunk map[int64]string // live rows only
	chunkToRow map[string]int64
	tombstones map[int64]struct{}
	dirty      bool
}

// Open loads the index in dir, creating an empty one if absent.
func Open(dir string, cfg Config, logger *zap.Logger) (*Index, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	idx := &Index{
		dir:        dir,
		cfg:        cfg,
		logger:     logger,
		rowToChunk: make(map[int64]string),
		chunkToRow: make(map[string]int64),
		tombstones: make(map[int64]struct{}),
	}
	if err := idx.load(); err != nil {
		return nil, err
	}
	return idx, nil
}

// Add inserts one vector and returns its row.
func (x *Index) Add(chunkID string, vec []float32) (int64, error) {
	rows, err := x.AddBatch(context.Background(), []string{chunkID}, [][]float32{vec})
	if err != nil {
		return 0, err
	}
	return rows[0], nil
}

// AddBatch inserts vectors for several chunks in one append, returning their
// rows in input order. Safe to call from concurrent ingestion workers.
func (x *Index) AddBatch(ctx context.Context, chunkIDs []string, vecs [][]float32) ([]int64, error) {
	_, span := tracer.Start(ctx, "vectorindex.AddBatch")
	defer span.End()
	span.SetAttributes(attribute.Int("vectors", len(vecs)))

	if len(chunkIDs) != len(vecs) {
		err := fmt.Errorf("%w: %d chunk IDs for %d vectors", ErrInvalidConfig, len(chunkIDs), len(vecs))
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	for i, id := range chunkIDs {
		if len(vecs[i]) != x.cfg.Dimension {
			err := fmt.Errorf("%w: got %d, index has %d", ErrDimensionMismatch, len(vecs[i]), x.cfg.Dimension)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if _, dup := x.chunkToRow[id]; dup {
			err := fmt.Errorf("%w: %s", ErrDuplicateChunk, id)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}

	rows := make([]int64, len(chunkIDs))
	for i, id := range chunkIDs {
		row := int64(len(x.vectors))
		vec := make([]float32, len(vecs[i]))
		copy(vec, vecs[i])
		x.vectors = append(x.vectors, vec)
		x.rowToChunk[row] = id
		x.chunkToRow[id] = row
		rows[i] = row
	}
	x.dirty = true
	return rows, nil
}

// Search returns up to k live chunks ordered by ascending distance.
// Concurrent with writes; a search observes either the pre- or post-write
// state of any record, never a torn vector.
func (x *Index) Search(ctx context.Context, query []float32, k int) ([]Hit, error) {
	_, span := tracer.Start(ctx, "vectorindex.Search")
	defer span.End()

	if len(query) != x.cfg.Dimension {
		err := fmt.Errorf("%w: query has %d, index has %d", ErrDimensionMismatch, len(query), x.cfg.Dimension)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	hits := make([]Hit, 0, len(x.rowToChunk))
	for row, chunkID := range x.rowToChunk {
		hits = append(hits, Hit{
			ChunkID:  chunkID,
			Row:      row,
			Distance: x.distance(query, x.vectors[row]),
		})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return hits[i].Row < hits[j].Row
	})

	if len(hits) > k {
		hits = hits[:k]
	}
	span.SetAttributes(attribute.Int("hits", len(hits)))
	return hits, nil
}

func (x *Index) distance(a, b []float32) float32 {
	switch x.cfg.Metric {
	case MetricIP:
		var dot float32
		for i := range a {
			dot += a[i] * b[i]
		}
		return -dot
	default: // MetricL2
		var sum float32
		for i := range a {
			d := a[i] - b[i]
			sum += d * d
		}
		return sum
	}
}

// Remove tombstones a chunk's row. Used by supersede and manual reset, not
// by normal ingestion.
func (x *Index) Remove(chunkID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	row, ok := x.chunkToRow[chunkID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrChunkNotFound, chunkID)
	}
	delete(x.chunkToRow, chunkID)
	delete(x.rowToChunk, row)
	x.tombstones[row] = struct{}{}
	x.dirty = true
	return nil
}

// Contains reports whether a chunk resolves to a live row.
func (x *Index) Contains(chunkID string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.chunkToRow[chunkID]
	return ok
}

// Size returns the number of live vectors.
func (x *Index) Size() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.chunkToRow)
}

// Rows returns a copy of the live row-to-chunk-ID mapping.
func (x *Index) Rows() map[int64]string {
	x.mu.RLock()
	defer x.mu.RUnlock()

	out := make(map[int64]string, len(x.rowToChunk))
	for row, id := range x.rowToChunk {
		out[row] = id
	}
	return out
}

// ChunkIDs returns the live chunk IDs in sorted order.
func (x *Index) ChunkIDs() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()

	out := make([]string, 0, len(x.chunkToRow))
	for id := range x.chunkToRow {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Verify checks structural integrity: every live row must hold a vector of
// the right dimension and point at a chunk the caller recognizes. Failures
// surface as ErrIndexCorrupted; they are never repaired silently.
func (x *Index) Verify(isLiveChunk func(chunkID string) bool) error {
	x.mu.RLock()
	defer x.mu.RUnlock()

	for row, chunkID := range x.rowToChunk {
		if row < 0 || row >= int64(len(x.vectors)) {
			return fmt.Errorf("%w: row %d out of range", ErrIndexCorrupted, row)
		}
		if len(x.vectors[row]) != x.cfg.Dimension {
			return fmt.Errorf("%w: row %d has dimension %d", ErrIndexCorrupted, row, len(x.vectors[row]))
		}
		if back, ok := x.chunkToRow[chunkID]; !ok || back != row {
			return fmt.Errorf("%w: row %d and chunk %s disagree", ErrIndexCorrupted, row, chunkID)
		}
		if isLiveChunk != nil && !isLiveChunk(chunkID) {
			return fmt.Errorf("%w: orphaned row %d points at unknown chunk %s", ErrIndexCorrupted, row, chunkID)
		}
	}
	return nil
}

// Compact rewrites the arena without tombstoned rows, reassigning rows but
// preserving the chunk-ID mapping.
func (x *Index) Compact() error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if len(x.tombstones) == 0 {
		return nil
	}

	// Rewrite in ascending row order so relative ordering is stable.
	oldRows := make([]int64, 0, len(x.rowToChunk))
	for row := range x.rowToChunk {
		oldRows = append(oldRows, row)
	}
	sort.Slice(oldRows, func(i, j int) bool { return oldRows[i] < oldRows[j] })

	vectors := make([][]float32, 0, len(oldRows))
	rowToChunk := make(map[int64]string, len(oldRows))
	chunkToRow := make(map[string]int64, len(oldRows))
	for newRow, oldRow := range oldRows {
		chunkID := x.rowToChunk[oldRow]
		vectors = append(vectors, x.vectors[oldRow])
		rowToChunk[int64(newRow)] = chunkID
		chunkToRow[chunkID] = int64(newRow)
	}

	x.vectors = vectors
	x.rowToChunk = rowToChunk
	x.chunkToRow = chunkToRow
	x.tombstones = make(map[int64]struct{})
	x.dirty = true
	return nil
}

// Reset drops all vectors and mappings. Only the manual all-stores reset may
// call this.
func (x *Index) Reset() error {
	x.mu.Lock()
	x.vectors = nil
	x.rowToChunk = make(map[int64]string)
	x.chunkToRow = make(map[string]int64)
	x.tombstones = make(map[int64]struct{})
	x.dirty = true
	x.mu.Unlock()
	return x.Save()
}
