package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/corpusd/internal/logging"
)

func openTestRegistry(t *testing.T, dir string) *Registry {
	t.Helper()
	r, err := Open(dir, logging.NewTestLogger(t))
	require.NoError(t, err)
	return r
}

func beginDoc(t *testing.T, r *Registry, filename, hash string) (*Token, *Batch) {
	t.Helper()
	batch, err := r.CreateBatch("2024-01-01")
	require.NoError(t, err)
	token, err := r.Begin(filename, hash, batch.BatchID)
	require.NoError(t, err)
	return token, batch
}

func TestBeginCommitLifecycle(t *testing.T) {
	r := openTestRegistry(t, t.TempDir())

	token, batch := beginDoc(t, r, "msa.pdf", "hash-1")
	assert.Equal(t, "doc_001", token.DocumentID)
	assert.Equal(t, "2024-01-01", token.EffectiveDate)

	doc, ok := r.LookupFilename("msa.pdf")
	require.True(t, ok)
	assert.Equal(t, StatusProcessing, doc.Status)

	require.NoError(t, r.Commit(token, "Master Services Agreement", 7))

	doc, ok = r.Lookup("doc_001")
	require.True(t, ok)
	assert.Equal(t, StatusProcessed, doc.Status)
	assert.Equal(t, 7, doc.ChunkCount)
	assert.Equal(t, "Master Services Agreement", doc.Title)
	assert.NotNil(t, doc.LastProcessed)

	got, ok := r.Batch(batch.BatchID)
	require.True(t, ok)
	assert.Equal(t, 1, got.DocumentCount)

	docs, chunks := r.Totals()
	assert.Equal(t, 1, docs)
	assert.Equal(t, 7, chunks)
}

func TestBeginSkipsIdenticalProcessedHash(t *testing.T) {
	r := openTestRegistry(t, t.TempDir())

	token, batch := beginDoc(t, r, "msa.pdf", "hash-1")
	require.NoError(t, r.Commit(token, "MSA", 3))

	_, err := r.Begin("msa.pdf", "hash-1", batch.BatchID)
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
}

func TestBeginReusesDocumentIDOnChangedHash(t *testing.T) {
	r := openTestRegistry(t, t.TempDir())

	token, batch := beginDoc(t, r, "msa.pdf", "hash-1")
	require.NoError(t, r.Commit(token, "MSA", 3))

	token2, err := r.Begin("msa.pdf", "hash-2", batch.BatchID)
	require.NoError(t, err)
	assert.Equal(t, "doc_001", token2.DocumentID)
	assert.Equal(t, "hash-1", token2.PreviousHash)

	require.NoError(t, r.Commit(token2, "MSA v2", 5))
	_, chunks := r.Totals()
	assert.Equal(t, 5, chunks) // superseded chunks are not double counted
}

func TestAbortRecordsReason(t *testing.T) {
	r := openTestRegistry(t, t.TempDir())

	token, batch := beginDoc(t, r, "nda.docx", "hash-9")
	require.NoError(t, r.Abort(token, "embedding provider unavailable"))

	doc, ok := r.LookupFilename("nda.docx")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, doc.Status)
	assert.Equal(t, "embedding provider unavailable", doc.FailureReason)

	// Failed attempts still count toward the batch's attempted documents.
	got, ok := r.Batch(batch.BatchID)
	require.True(t, ok)
	assert.Equal(t, 1, got.DocumentCount)
}

func TestRecordSkipCountsTowardBatch(t *testing.T) {
	r := openTestRegistry(t, t.TempDir())

	batch, err := r.CreateBatch("2024-01-01")
	require.NoError(t, err)
	require.NoError(t, r.RecordSkip(batch.BatchID))
	require.NoError(t, r.RecordSkip(batch.BatchID))

	got, ok := r.Batch(batch.BatchID)
	require.True(t, ok)
	assert.Equal(t, 2, got.DocumentCount)

	assert.ErrorIs(t, r.RecordSkip("no-such-batch"), ErrBatchNotFound)
}

func TestDeleteEmptyBatch(t *testing.T) {
	r := openTestRegistry(t, t.TempDir())

	empty, err := r.CreateBatch("2024-01-01")
	require.NoError(t, err)
	require.NoError(t, r.DeleteEmptyBatch(empty.BatchID))
	_, ok := r.Batch(empty.BatchID)
	assert.False(t, ok)

	token, nonEmpty := beginDoc(t, r, "msa.pdf", "hash-1")
	require.NoError(t, r.Commit(token, "MSA", 2))
	assert.ErrorIs(t, r.DeleteEmptyBatch(nonEmpty.BatchID), ErrBatchNotEmpty)
	_, ok = r.Batch(nonEmpty.BatchID)
	assert.True(t, ok)

	assert.ErrorIs(t, r.DeleteEmptyBatch("no-such-batch"), ErrBatchNotFound)
}

func TestTokenBecomesStaleAfterUse(t *testing.T) {
	r := openTestRegistry(t, t.TempDir())

	token, _ := beginDoc(t, r, "msa.pdf", "hash-1")
	require.NoError(t, r.Commit(token, "MSA", 3))

	assert.ErrorIs(t, r.Commit(token, "MSA", 3), ErrStaleToken)
	assert.ErrorIs(t, r.Abort(token, "late abort"), ErrStaleToken)
}

func TestConcurrentBeginRejected(t *testing.T) {
	r := openTestRegistry(t, t.TempDir())

	_, batch := beginDoc(t, r, "msa.pdf", "hash-1")
	_, err := r.Begin("msa.pdf", "hash-2", batch.BatchID)
	assert.ErrorIs(t, err, ErrInFlight)
}

func TestReloadDemotesProcessingEntries(t *testing.T) {
	dir := t.TempDir()
	r := openTestRegistry(t, dir)

	// Simulate a crash: Begin persists StatusProcessing and the process
	// dies before Commit or Abort.
	_, _ = beginDoc(t, r, "msa.pdf", "hash-1")

	reopened := openTestRegistry(t, dir)
	doc, ok := reopened.LookupFilename("msa.pdf")
	require.True(t, ok)
	assert.Equal(t, StatusUnprocessed, doc.Status)
	assert.NotEmpty(t, doc.FailureReason)
}

func TestPersistedFileIsReplacedAtomically(t *testing.T) {
	dir := t.TempDir()
	r := openTestRegistry(t, dir)

	token, _ := beginDoc(t, r, "msa.pdf", "hash-1")
	require.NoError(t, r.Commit(token, "MSA", 2))

	// No temp file left behind, and the live file parses.
	_, err := os.Stat(filepath.Join(dir, "registry.json.tmp"))
	assert.True(t, os.IsNotExist(err))

	raw, err := os.ReadFile(filepath.Join(dir, "registry.json"))
	require.NoError(t, err)
	var d data
	require.NoError(t, json.Unmarshal(raw, &d))
	assert.Equal(t, StatusProcessed, d.Documents["msa.pdf"].Status)
}

func TestLookupByHash(t *testing.T) {
	r := openTestRegistry(t, t.TempDir())

	token, _ := beginDoc(t, r, "msa.pdf", "hash-1")
	require.NoError(t, r.Commit(token, "MSA", 2))

	doc, ok := r.Lookup("hash-1")
	require.True(t, ok)
	assert.Equal(t, "doc_001", doc.DocumentID)
}

func TestListFiltersByStatus(t *testing.T) {
	r := openTestRegistry(t, t.TempDir())
	batch, err := r.CreateBatch("2024-06-01")
	require.NoError(t, err)

	tok1, err := r.Begin("a.pdf", "h-a", batch.BatchID)
	require.NoError(t, err)
	require.NoError(t, r.Commit(tok1, "A", 1))

	tok2, err := r.Begin("b.pdf", "h-b", batch.BatchID)
	require.NoError(t, err)
	require.NoError(t, r.Abort(tok2, "boom"))

	processed := r.List(StatusProcessed)
	require.Len(t, processed, 1)
	assert.Equal(t, "doc_001", processed[0].DocumentID)

	failed := r.List(StatusFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "doc_002", failed[0].DocumentID)

	assert.Len(t, r.List(""), 2)
}

type fakeArtifacts struct {
	chunks  bool
	vectors bool
}

func (f fakeArtifacts) HasChunks(string, int) bool  { return f.chunks }
func (f fakeArtifacts) HasVectors(string, int) bool { return f.vectors }

func TestVerify(t *testing.T) {
	r := openTestRegistry(t, t.TempDir())
	token, _ := beginDoc(t, r, "msa.pdf", "hash-1")
	require.NoError(t, r.Commit(token, "MSA", 2))

	assert.NoError(t, r.Verify(fakeArtifacts{chunks: true, vectors: true}))
	assert.ErrorIs(t, r.Verify(fakeArtifacts{chunks: false, vectors: true}), ErrRegistryInconsistent)
	assert.ErrorIs(t, r.Verify(fakeArtifacts{chunks: true, vectors: false}), ErrRegistryInconsistent)
}

func TestReset(t *testing.T) {
	r := openTestRegistry(t, t.TempDir())
	token, _ := beginDoc(t, r, "msa.pdf", "hash-1")
	require.NoError(t, r.Commit(token, "MSA", 2))

	require.NoError(t, r.Reset())
	assert.Empty(t, r.List(""))
	docs, chunks := r.Totals()
	assert.Zero(t, docs)
	assert.Zero(t, chunks)
}
