package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/corpusd/internal/chunker"
	"github.com/fyrsmithlabs/corpusd/internal/docstore"
	"github.com/fyrsmithlabs/corpusd/internal/embeddings"
	"github.com/fyrsmithlabs/corpusd/internal/registry"
	"github.com/fyrsmithlabs/corpusd/internal/vectorindex"
)

const testDim = 3

// fakeEmbedder returns deterministic vectors derived from text length.
type fakeEmbedder struct {
	failMatching string // texts containing this substring fail
}

func (f *fakeEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, embeddings.ErrEmptyInput
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if f.failMatching != "" && strings.Contains(text, f.failMatching) {
			return nil, fmt.Errorf("%w: provider unavailable", embeddings.ErrEmbeddingFailed)
		}
		out[i] = []float32{float32(len(text)), float32(i), 1}
	}
	return out, nil
}

func (f *fakeEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := f.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

type harness struct {
	svc      *Service
	registry *registry.Registry
	store    *docstore.Store
	index    *vectorindex.Index
	dataDir  string
	rawDir   string
	embedder *fakeEmbedder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	dataDir := t.TempDir()

	reg, err := registry.Open(dataDir, logger)
	require.NoError(t, err)
	store, err := docstore.Open(filepath.Join(dataDir, "processed"), logger)
	require.NoError(t, err)
	idx, err := vectorindex.Open(filepath.Join(dataDir, "index"),
		vectorindex.Config{Metric: vectorindex.MetricL2, Dimension: testDim}, logger)
	require.NoError(t, err)
	ck, err := chunker.New(chunker.Config{ChunkSize: 80, ChunkOverlap: 20})
	require.NoError(t, err)

	emb := &fakeEmbedder{}
	svc, err := New(Config{Workers: 2}, reg, store, idx, ck, NewFileExtractor(), emb, logger)
	require.NoError(t, err)

	return &harness{
		svc:      svc,
		registry: reg,
		store:    store,
		index:    idx,
		dataDir:  dataDir,
		rawDir:   t.TempDir(),
		embedder: emb,
	}
}

func (h *harness) writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(h.rawDir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func policyText(marker string) string {
	return "PAYMENT TERMS\n\nInvoices are due within thirty days of receipt. " + marker + "\n\n" +
		"REFUNDS\n\nRefund requests must be submitted in writing within fourteen days. " +
		"Approved refunds are issued to the original payment method."
}

func TestProcessBatchCommitsDocuments(t *testing.T) {
	h := newHarness(t)
	paths := []string{
		h.writeFile(t, "payments.txt", policyText("alpha")),
		h.writeFile(t, "shipping.md", "# Shipping Policy\n\nOrders ship within two business days."),
	}

	res, err := h.svc.ProcessBatch(context.Background(), paths, "2024-01-15")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 0, res.Failed)
	assert.NotEmpty(t, res.BatchID)

	doc, ok := h.registry.LookupFilename("payments.txt")
	require.True(t, ok)
	assert.Equal(t, registry.StatusProcessed, doc.Status)
	assert.Equal(t, "2024-01-15", doc.EffectiveDate)
	assert.Positive(t, doc.ChunkCount)
	assert.True(t, h.store.HasChunks(doc.DocumentID, doc.ChunkCount))
	assert.True(t, h.index.Contains(chunker.ChunkID(doc.DocumentID, 0)))

	batch, ok := h.registry.Batch(res.BatchID)
	require.True(t, ok)
	assert.Equal(t, 2, batch.DocumentCount)

	assert.NoError(t, h.svc.Verify())
}

func TestProcessBatchIdempotent(t *testing.T) {
	h := newHarness(t)
	paths := []string{h.writeFile(t, "payments.txt", policyText("alpha"))}

	first, err := h.svc.ProcessBatch(context.Background(), paths, "2024-01-15")
	require.NoError(t, err)
	require.Equal(t, 1, first.Processed)

	docs, chunks := h.registry.Totals()
	indexSize := h.index.Size()

	second, err := h.svc.ProcessBatch(context.Background(), paths, "2024-02-01")
	require.NoError(t, err)
	assert.Equal(t, 0, second.Processed)
	assert.Equal(t, 1, second.Skipped)

	docsAfter, chunksAfter := h.registry.Totals()
	assert.Equal(t, docs, docsAfter)
	assert.Equal(t, chunks, chunksAfter)
	assert.Equal(t, indexSize, h.index.Size())

	// The skip still counts as an attempt against the second batch.
	batch, ok := h.registry.Batch(second.BatchID)
	require.True(t, ok)
	assert.Equal(t, 1, batch.DocumentCount)
}

func TestProcessBatchRemovesEmptyBatch(t *testing.T) {
	h := newHarness(t)
	// The only document fails before it ever reaches the registry, so the
	// batch ends with zero counted attempts and is not kept.
	missing := filepath.Join(h.rawDir, "missing.txt")

	res, err := h.svc.ProcessBatch(context.Background(), []string{missing}, "2024-01-15")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	_, ok := h.registry.Batch(res.BatchID)
	assert.False(t, ok)
}

func TestProcessBatchSiblingFailureIsIsolated(t *testing.T) {
	h := newHarness(t)
	h.embedder.failMatching = "POISON"
	paths := []string{
		h.writeFile(t, "a.txt", policyText("alpha")),
		h.writeFile(t, "b.txt", "POISON clause that the embedding provider rejects."),
		h.writeFile(t, "c.txt", policyText("gamma")),
	}

	res, err := h.svc.ProcessBatch(context.Background(), paths, "2024-01-15")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 1, res.Failed)

	failed, ok := h.registry.LookupFilename("b.txt")
	require.True(t, ok)
	assert.Equal(t, registry.StatusFailed, failed.Status)
	assert.Contains(t, failed.FailureReason, "embedding generation failed")
	// No partial artifacts became reachable for the failed document.
	assert.False(t, h.index.Contains(chunker.ChunkID(failed.DocumentID, 0)))

	batch, ok := h.registry.Batch(res.BatchID)
	require.True(t, ok)
	assert.Equal(t, 3, batch.DocumentCount)

	assert.NoError(t, h.svc.Verify())
}

func TestProcessBatchUnsupportedFormatFails(t *testing.T) {
	h := newHarness(t)
	paths := []string{h.writeFile(t, "contract.pdf", "%PDF-1.4 binary")}

	res, err := h.svc.ProcessBatch(context.Background(), paths, "2024-01-15")
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)
	assert.ErrorContains(t, errors.New(res.Documents[0].Reason), "text extraction failed")
}

func TestProcessBatchNoDocuments(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.ProcessBatch(context.Background(), nil, "2024-01-15")
	assert.ErrorIs(t, err, ErrNoDocuments)
}

func TestSupersedeReplacesPreviousVersion(t *testing.T) {
	h := newHarness(t)
	path := h.writeFile(t, "payments.txt", policyText("alpha"))

	first, err := h.svc.ProcessBatch(context.Background(), []string{path}, "2024-01-15")
	require.NoError(t, err)
	require.Equal(t, 1, first.Processed)

	doc, ok := h.registry.LookupFilename("payments.txt")
	require.True(t, ok)
	oldChunks := doc.ChunkCount

	// Shorter revision of the same file: same document_id, fewer chunks.
	h.writeFile(t, "payments.txt", "PAYMENT TERMS\n\nAll invoices are due on receipt.")
	second, err := h.svc.ProcessBatch(context.Background(), []string{path}, "2024-03-01")
	require.NoError(t, err)
	require.Equal(t, 1, second.Processed)

	updated, ok := h.registry.LookupFilename("payments.txt")
	require.True(t, ok)
	assert.Equal(t, doc.DocumentID, updated.DocumentID)
	assert.Equal(t, "2024-03-01", updated.EffectiveDate)
	assert.Less(t, updated.ChunkCount, oldChunks)

	// Stale chunk records beyond the new count are gone, and only the new
	// version's rows are live.
	for i := updated.ChunkCount; i < oldChunks; i++ {
		id := chunker.ChunkID(updated.DocumentID, i)
		assert.False(t, h.index.Contains(id))
		_, err := h.store.Chunk(id)
		assert.ErrorIs(t, err, docstore.ErrChunkNotFound)
	}
	assert.Equal(t, updated.ChunkCount, h.index.Size())
	assert.NoError(t, h.svc.Verify())
}

func TestRecoverAndCleanupReclaimStagedArtifacts(t *testing.T) {
	h := newHarness(t)
	path := h.writeFile(t, "payments.txt", policyText("alpha"))
	_, err := h.svc.ProcessBatch(context.Background(), []string{path}, "2024-01-15")
	require.NoError(t, err)

	// Simulate a crash between staging and commit: artifacts exist for a
	// document the registry never flipped to processed.
	staged := []chunker.Chunk{{
		ChunkID:  "doc_099_chunk_000",
		Text:     "staged but never committed",
		Metadata: chunker.Metadata{DocumentID: "doc_099", Filename: "ghost.txt"},
	}}
	require.NoError(t, h.store.PutChunks(staged))
	_, err = h.index.Add("doc_099_chunk_000", []float32{1, 2, 3})
	require.NoError(t, err)

	orphans, err := h.svc.Recover()
	require.NoError(t, err)
	assert.Equal(t, []string{"doc_099_chunk_000"}, orphans)

	require.NoError(t, h.svc.Cleanup())

	orphans, err = h.svc.Recover()
	require.NoError(t, err)
	assert.Empty(t, orphans)
	assert.False(t, h.index.Contains("doc_099_chunk_000"))
	assert.NoError(t, h.svc.Verify())
}

func TestVerifyDetectsMissingArtifacts(t *testing.T) {
	h := newHarness(t)
	path := h.writeFile(t, "payments.txt", policyText("alpha"))
	_, err := h.svc.ProcessBatch(context.Background(), []string{path}, "2024-01-15")
	require.NoError(t, err)

	doc, ok := h.registry.LookupFilename("payments.txt")
	require.True(t, ok)
	require.NoError(t, h.store.DeleteChunk(chunker.ChunkID(doc.DocumentID, 0)))

	assert.ErrorIs(t, h.svc.Verify(), registry.ErrRegistryInconsistent)
}

func TestResetWipesAllStores(t *testing.T) {
	h := newHarness(t)
	path := h.writeFile(t, "payments.txt", policyText("alpha"))
	_, err := h.svc.ProcessBatch(context.Background(), []string{path}, "2024-01-15")
	require.NoError(t, err)

	require.NoError(t, h.svc.Reset())

	docs, chunks := h.registry.Totals()
	assert.Zero(t, docs)
	assert.Zero(t, chunks)
	assert.Zero(t, h.index.Size())
	ids, err := h.store.ChunkIDs()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestDiscoverFiles(t *testing.T) {
	h := newHarness(t)
	h.writeFile(t, "b.txt", "text")
	h.writeFile(t, "a.md", "# doc")
	h.writeFile(t, "scan.pdf", "binary")

	supported, unsupported, err := h.svc.DiscoverFiles(h.rawDir)
	require.NoError(t, err)
	require.Len(t, supported, 2)
	assert.Equal(t, "a.md", filepath.Base(supported[0]))
	assert.Equal(t, "b.txt", filepath.Base(supported[1]))
	require.Len(t, unsupported, 1)
	assert.Equal(t, "scan.pdf", filepath.Base(unsupported[0]))
}
