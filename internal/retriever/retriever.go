// Package retriever answers queries over the committed corpus with hybrid
// semantic and lexical ranking.
//
// Retrieval is read-only: it never mutates the registry, the document store
// or the vector index. Only chunks reachable from a processed registry entry
// are candidates; staged artifacts of interrupted runs are invisible here.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/corpusd/internal/chunker"
	"github.com/fyrsmithlabs/corpusd/internal/config"
	"github.com/fyrsmithlabs/corpusd/internal/docstore"
	"github.com/fyrsmithlabs/corpusd/internal/embeddings"
	"github.com/fyrsmithlabs/corpusd/internal/registry"
	"github.com/fyrsmithlabs/corpusd/internal/vectorindex"
)

var tracer = otel.Tracer("corpusd.retriever")

// Errors for retrieval operations.
var (
	ErrRetrievalFailed = errors.New("retrieval failed")
	ErrInvalidQuery    = errors.New("invalid query")
)

// Options tunes a single retrieval call.
type Options struct {
	// TopK overrides the configured result count when positive.
	TopK int

	// AsOf drops chunks whose effective date is after this ISO date
	// (YYYY-MM-DD). Empty disables the filter.
	AsOf string
}

// Citation points the reader at the source of a retrieved passage.
type Citation struct {
	Title         string `json:"title"`
	Section       string `json:"section,omitempty"`
	EffectiveDate string `json:"effective_date,omitempty"`
	Filename      string `json:"filename"`
}

// ScoredChunk is one ranked retrieval result.
type ScoredChunk struct {
	Chunk         chunker.Chunk `json:"chunk"`
	Score         float64       `json:"score"`
	SemanticScore float64       `json:"semantic_score"`
	LexicalScore  float64       `json:"lexical_score"`
	Degraded      bool          `json:"degraded,omitempty"`
	Citation      Citation      `json:"citation"`
}

// Retriever runs hybrid retrieval against the shared stores.
type Retriever struct {
	cfg      config.RetrievalConfig
	registry *registry.Registry
	store    *docstore.Store
	index    *vectorindex.Index
	embedder embeddings.Embedder
	logger   *zap.Logger

	mu          sync.Mutex
	lexical     *lexicalIndex
	fingerprint string
}

// New creates the retriever.
func New(cfg config.RetrievalConfig, reg *registry.Registry, store *docstore.Store,
	index *vectorindex.Index, embedder embeddings.Embedder, logger *zap.Logger) (*Retriever, error) {
	if reg == nil || store == nil || index == nil || embedder == nil {
		return nil, errors.New("retriever requires registry, store, index and embedder")
	}
	if cfg.TopK <= 0 || cfg.OverfetchFactor <= 0 {
		return nil, fmt.Errorf("%w: top_k and overfetch_factor must be positive", config.ErrInvalidConfig)
	}
	if cfg.SemanticWeight+cfg.LexicalWeight <= 0 {
		return nil, fmt.Errorf("%w: retrieval weights must sum to a positive value", config.ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{
		cfg:      cfg,
		registry: reg,
		store:    store,
		index:    index,
		embedder: embedder,
		logger:   logger,
		lexical:  newLexicalIndex(),
	}, nil
}

// candidate accumulates the two ranking signals for one chunk.
type candidate struct {
	semantic float64
	lexical  float64
}

// Retrieve returns the TopK best chunks for the query with citations.
//
// An empty committed corpus yields an empty result and no error. A failing
// embedding provider fails the whole call unless lexical fallback is
// configured, in which case a degraded lexical-only ranking is returned and
// the degradation logged.
func (r *Retriever) Retrieve(ctx context.Context, query string, opts Options) ([]ScoredChunk, error) {
	ctx, span := tracer.Start(ctx, "retriever.Retrieve")
	defer span.End()

	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: empty query", ErrInvalidQuery)
	}
	asOf := opts.AsOf
	if asOf != "" {
		if _, err := time.Parse("2006-01-02", asOf); err != nil {
			return nil, fmt.Errorf("%w: as-of date %q is not YYYY-MM-DD", ErrInvalidQuery, asOf)
		}
	}
	topK := opts.TopK
	if topK <= 0 {
		topK = r.cfg.TopK
	}

	live, err := r.refreshLexical()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRetrievalFailed, err)
	}
	if len(live) == 0 {
		return nil, nil
	}

	overfetch := topK * r.cfg.OverfetchFactor
	candidates := make(map[string]*candidate)
	degraded := false

	hits, semErr := r.semanticSearch(ctx, query, overfetch)
	if semErr != nil {
		if !r.cfg.LexicalFallback {
			span.SetStatus(codes.Error, semErr.Error())
			return nil, fmt.Errorf("%w: %v", ErrRetrievalFailed, semErr)
		}
		degraded = true
		r.logger.Warn("semantic search unavailable, serving lexical-only results",
			zap.Error(semErr))
	}
	// Distances are shifted so the best candidate sits at zero before the
	// 1/(1+d) mapping. Inner-product distances are negated dot products and
	// can be negative; the shift keeps every score in (0,1] with the best
	// match at exactly 1 under either metric.
	liveHits := make([]vectorindex.Hit, 0, len(hits))
	minDist := 0.0
	for _, hit := range hits {
		if _, ok := live[hit.ChunkID]; !ok {
			continue
		}
		if len(liveHits) == 0 || float64(hit.Distance) < minDist {
			minDist = float64(hit.Distance)
		}
		liveHits = append(liveHits, hit)
	}
	for _, hit := range liveHits {
		candidates[hit.ChunkID] = &candidate{semantic: 1.0 / (1.0 + float64(hit.Distance) - minDist)}
	}

	r.mu.Lock()
	lexHits := r.lexical.search(query, overfetch)
	r.mu.Unlock()
	var maxLex float64
	for _, lh := range lexHits {
		if lh.score > maxLex {
			maxLex = lh.score
		}
	}
	for _, lh := range lexHits {
		c, ok := candidates[lh.chunkID]
		if !ok {
			c = &candidate{}
			candidates[lh.chunkID] = c
		}
		if maxLex > 0 {
			c.lexical = lh.score / maxLex
		}
	}

	results, err := r.rank(candidates, asOf, degraded)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: %v", ErrRetrievalFailed, err)
	}
	if len(results) > topK {
		results = results[:topK]
	}
	span.SetAttributes(
		attribute.Int("results", len(results)),
		attribute.Bool("degraded", degraded))
	return results, nil
}

func (r *Retriever) semanticSearch(ctx context.Context, query string, k int) ([]vectorindex.Hit, error) {
	vec, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	return r.index.Search(ctx, vec, k)
}

// rank loads candidate chunk records, applies the effective-date filter and
// orders by combined score with deterministic tie-breaking.
func (r *Retriever) rank(candidates map[string]*candidate, asOf string, degraded bool) ([]ScoredChunk, error) {
	out := make([]ScoredChunk, 0, len(candidates))
	for chunkID, c := range candidates {
		ch, err := r.store.Chunk(chunkID)
		if err != nil {
			return nil, err
		}
		if asOf != "" && ch.Metadata.EffectiveDate != "" && ch.Metadata.EffectiveDate > asOf {
			continue
		}
		out = append(out, ScoredChunk{
			Chunk:         *ch,
			Score:         r.cfg.SemanticWeight*c.semantic + r.cfg.LexicalWeight*c.lexical,
			SemanticScore: c.semantic,
			LexicalScore:  c.lexical,
			Degraded:      degraded,
			Citation: Citation{
				Title:         ch.Metadata.Title,
				Section:       ch.Metadata.Section,
				EffectiveDate: ch.Metadata.EffectiveDate,
				Filename:      ch.Metadata.Filename,
			},
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		mi, mj := out[i].Chunk.Metadata, out[j].Chunk.Metadata
		if mi.DocumentID == mj.DocumentID {
			return mi.ChunkNum < mj.ChunkNum
		}
		return mi.DocumentID < mj.DocumentID
	})
	return out, nil
}

// refreshLexical rebuilds the in-memory lexical index when the set of
// processed documents has changed, and returns the live chunk-ID set.
func (r *Retriever) refreshLexical() (map[string]struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	docs := r.registry.List(registry.StatusProcessed)
	var fp strings.Builder
	live := make(map[string]struct{})
	for _, doc := range docs {
		fmt.Fprintf(&fp, "%s:%s:%d;", doc.DocumentID, doc.ContentHash, doc.ChunkCount)
		for i := 0; i < doc.ChunkCount; i++ {
			live[chunker.ChunkID(doc.DocumentID, i)] = struct{}{}
		}
	}

	if fp.String() == r.fingerprint {
		return live, nil
	}

	idx := newLexicalIndex()
	for _, doc := range docs {
		chunks, err := r.store.ChunksForDocument(doc.DocumentID, doc.ChunkCount)
		if err != nil {
			return nil, fmt.Errorf("loading chunks of %s: %w", doc.DocumentID, err)
		}
		for _, ch := range chunks {
			idx.add(ch.ChunkID, ch.Text)
		}
	}
	r.lexical = idx
	r.fingerprint = fp.String()
	r.logger.Debug("lexical index rebuilt",
		zap.Int("documents", len(docs)),
		zap.Int("chunks", len(live)))
	return live, nil
}
