// Package registry is the durable record of documents, batches and
// processing status.
//
// The registry is the single source of truth for what is visible to
// retrieval: a document's chunks and vectors only count as live once its
// entry reads StatusProcessed, and that transition is the last write of the
// whole ingestion pipeline. Persistence is a single JSON file replaced
// atomically (write temp, rename), so a crash at any point leaves either the
// old or the new registry on disk, never a torn one.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Errors for registry operations.
var (
	ErrDocumentNotFound     = errors.New("document not found")
	ErrBatchNotFound        = errors.New("batch not found")
	ErrBatchNotEmpty        = errors.New("batch still has documents")
	ErrAlreadyProcessed     = errors.New("document already processed with identical content")
	ErrInFlight             = errors.New("document is already being processed")
	ErrStaleToken           = errors.New("processing token is stale")
	ErrRegistryCorrupted    = errors.New("registry file corrupted")
	ErrRegistryInconsistent = errors.New("registry inconsistent: processed entry without matching artifacts")
)

// Status is the processing state of a document.
type Status string

const (
	StatusUnprocessed Status = "unprocessed"
	StatusProcessing  Status = "processing"
	StatusProcessed   Status = "processed"
	StatusFailed      Status = "failed"
)

// Document is a registry entry for one document.
type Document struct {
	DocumentID    string     `json:"document_id"`
	Filename      string     `json:"filename"`
	Title         string     `json:"title,omitempty"`
	ContentHash   string     `json:"content_hash"`
	Status        Status     `json:"status"`
	ChunkCount    int        `json:"chunk_count"`
	BatchID       string     `json:"batch_id,omitempty"`
	EffectiveDate string     `json:"effective_date,omitempty"`
	LastProcessed *time.Time `json:"last_processed,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
}

// Batch groups documents registered together under one effective date.
// Batch metadata is append-only once documents have committed against it.
type Batch struct {
	BatchID       string    `json:"batch_id"`
	CreatedAt     time.Time `json:"created_at"`
	EffectiveDate string    `json:"effective_date"`
	DocumentCount int       `json:"document_count"`
}

// data is the persisted registry structure.
type data struct {
	Version        int                  `json:"version"`
	Documents      map[string]*Document `json:"documents"` // key: filename
	Batches        map[string]*Batch    `json:"batches"`   // key: batch_id
	TotalDocuments int                  `json:"total_documents"`
	TotalChunks    int                  `json:"total_chunks"`
	LastUpdate     time.Time            `json:"last_update"`
}

// Token marks a document as in-flight between Begin and Commit/Abort.
type Token struct {
	DocumentID    string
	Filename      string
	ContentHash   string
	BatchID       string
	EffectiveDate string
	PreviousHash  string // hash of the superseded version, empty for new documents
	seq           uint64
}

// ArtifactChecker reports whether a processed document's derived artifacts
// actually exist. Used by Verify to detect registry inconsistencies.
type ArtifactChecker interface {
	// HasChunks reports whether all n chunk records of the document exist.
	HasChunks(documentID string, n int) bool
	// HasVectors reports whether all n chunk vectors of the document are
	// resolvable in the vector index.
	HasVectors(documentID string, n int) bool
}

// Registry manages document and batch state with an atomic commit
// discipline. The commit path is mutex-serialized: it is the single
// synchronization point for documents processed in parallel.
type Registry struct {
	mu       sync.RWMutex
	filePath string
	logger   *zap.Logger
	data     *data
	inFlight map[string]uint64 // document_id -> token seq
	nextSeq  uint64
}

// Open loads the registry at dir/registry.json, creating it if absent.
//
// Crash recovery: any entry persisted as StatusProcessing belongs to a run
// that never completed; it is demoted to StatusUnprocessed rather than
// trusted.
func Open(dir string, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating registry directory: %w", err)
	}

	r := &Registry{
		filePath: filepath.Join(dir, "registry.json"),
		logger:   logger,
		data: &data{
			Version:   1,
			Documents: make(map[string]*Document),
			Batches:   make(map[string]*Batch),
		},
		inFlight: make(map[string]uint64),
	}

	if err := r.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		if err := r.save(); err != nil {
			return nil, err
		}
	}

	r.recoverStale()
	return r, nil
}

func (r *Registry) load() error {
	raw, err := os.ReadFile(r.filePath)
	if err != nil {
		return err
	}
	var d data
	if err := json.Unmarshal(raw, &d); err != nil {
		return fmt.Errorf("%w: %v", ErrRegistryCorrupted, err)
	}
	if d.Documents == nil {
		d.Documents = make(map[string]*Document)
	}
	if d.Batches == nil {
		d.Batches = make(map[string]*Batch)
	}
	r.data = &d
	return nil
}

// recoverStale demotes entries left in StatusProcessing by a crashed run.
func (r *Registry) recoverStale() {
	demoted := 0
	for _, doc := range r.data.Documents {
		if doc.Status == StatusProcessing {
			doc.Status = StatusUnprocessed
			doc.FailureReason = "interrupted: previous run did not complete"
			demoted++
		}
	}
	if demoted > 0 {
		r.logger.Warn("demoted stale in-flight documents from previous run",
			zap.Int("count", demoted))
		if err := r.save(); err != nil {
			r.logger.Error("persisting stale-entry recovery failed", zap.Error(err))
		}
	}
}

// save persists the registry atomically: write a temp file, then rename it
// over the live one. Callers must hold r.mu.
func (r *Registry) save() error {
	r.data.LastUpdate = time.Now().UTC()

	raw, err := json.MarshalIndent(r.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling registry: %w", err)
	}

	tmpPath := r.filePath + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o600); err != nil {
		return fmt.Errorf("writing registry temp file: %w", err)
	}
	if err := os.Rename(tmpPath, r.filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing registry file: %w", err)
	}
	return nil
}

// CreateBatch registers a new batch carrying one effective date.
func (r *Registry) CreateBatch(effectiveDate string) (*Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := &Batch{
		BatchID:       uuid.NewString(),
		CreatedAt:     time.Now().UTC(),
		EffectiveDate: effectiveDate,
	}
	r.data.Batches[b.BatchID] = b
	if err := r.save(); err != nil {
		delete(r.data.Batches, b.BatchID)
		return nil, err
	}
	copied := *b
	return &copied, nil
}

// RecordSkip counts an idempotent skip against the batch. Skipped documents
// are attempts too; the batch record reports what was attempted, not only
// what changed.
func (r *Registry) RecordSkip(batchID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.data.Batches[batchID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
	}
	b.DocumentCount++
	if err := r.save(); err != nil {
		b.DocumentCount--
		return err
	}
	return nil
}

// DeleteEmptyBatch removes a batch that no document was ever counted
// against. Batches with documents are append-only and cannot be deleted.
func (r *Registry) DeleteEmptyBatch(batchID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.data.Batches[batchID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
	}
	if b.DocumentCount != 0 {
		return fmt.Errorf("%w: %s has %d documents", ErrBatchNotEmpty, batchID, b.DocumentCount)
	}
	delete(r.data.Batches, batchID)
	if err := r.save(); err != nil {
		r.data.Batches[batchID] = b
		return err
	}
	return nil
}

// Begin marks a document as in-flight and returns a token for Commit/Abort.
//
// A filename seen for the first time is assigned a fresh document ID; a
// known filename keeps its ID so that chunk IDs stay stable. If the same
// content hash is already processed, Begin returns ErrAlreadyProcessed and
// the caller skips the document (idempotent reprocessing).
func (r *Registry) Begin(filename, contentHash, batchID string) (*Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	batch, ok := r.data.Batches[batchID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
	}

	doc, known := r.data.Documents[filename]
	if known {
		if doc.Status == StatusProcessed && doc.ContentHash == contentHash {
			return nil, ErrAlreadyProcessed
		}
		if _, busy := r.inFlight[doc.DocumentID]; busy {
			return nil, fmt.Errorf("%w: %s", ErrInFlight, doc.DocumentID)
		}
	}

	var docID, prevHash string
	if known {
		docID = doc.DocumentID
		if doc.Status == StatusProcessed {
			prevHash = doc.ContentHash
		}
	} else {
		docID = fmt.Sprintf("doc_%03d", len(r.data.Documents)+1)
		doc = &Document{DocumentID: docID, Filename: filename}
		r.data.Documents[filename] = doc
	}

	doc.Status = StatusProcessing
	doc.ContentHash = contentHash
	doc.BatchID = batchID
	doc.EffectiveDate = batch.EffectiveDate
	doc.FailureReason = ""

	if err := r.save(); err != nil {
		if !known {
			delete(r.data.Documents, filename)
		}
		return nil, err
	}

	r.nextSeq++
	r.inFlight[docID] = r.nextSeq
	return &Token{
		DocumentID:    docID,
		Filename:      filename,
		ContentHash:   contentHash,
		BatchID:       batchID,
		EffectiveDate: batch.EffectiveDate,
		PreviousHash:  prevHash,
		seq:           r.nextSeq,
	}, nil
}

// Commit atomically transitions the document to StatusProcessed and records
// final counts. This must be the last write of the whole pipeline for the
// document: once it returns, the document is visible to retrieval; until it
// returns, staged artifacts are inert.
func (r *Registry) Commit(token *Token, title string, chunkCount int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkToken(token); err != nil {
		return err
	}

	doc := r.data.Documents[token.Filename]
	prevChunks := 0
	if token.PreviousHash != "" {
		prevChunks = doc.ChunkCount
	}

	now := time.Now().UTC()
	doc.Status = StatusProcessed
	doc.Title = title
	doc.ChunkCount = chunkCount
	doc.LastProcessed = &now
	doc.FailureReason = ""

	r.data.Batches[token.BatchID].DocumentCount++
	r.data.TotalChunks += chunkCount - prevChunks
	r.data.TotalDocuments = len(r.data.Documents)

	if err := r.save(); err != nil {
		// The in-memory flip is rolled back so a failed durable write can
		// never be observed as processed.
		doc.Status = StatusFailed
		doc.FailureReason = fmt.Sprintf("registry commit failed: %v", err)
		r.data.Batches[token.BatchID].DocumentCount--
		r.data.TotalChunks -= chunkCount - prevChunks
		delete(r.inFlight, token.DocumentID)
		return err
	}

	delete(r.inFlight, token.DocumentID)
	return nil
}

// Abort transitions the document to StatusFailed with a reason. No partial
// chunk or vector references remain reachable because the entry never read
// StatusProcessed.
func (r *Registry) Abort(token *Token, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkToken(token); err != nil {
		return err
	}

	doc := r.data.Documents[token.Filename]
	doc.Status = StatusFailed
	doc.FailureReason = reason
	r.data.Batches[token.BatchID].DocumentCount++
	r.data.TotalDocuments = len(r.data.Documents)

	delete(r.inFlight, token.DocumentID)
	return r.save()
}

func (r *Registry) checkToken(token *Token) error {
	if token == nil {
		return ErrStaleToken
	}
	seq, ok := r.inFlight[token.DocumentID]
	if !ok || seq != token.seq {
		return fmt.Errorf("%w: %s", ErrStaleToken, token.DocumentID)
	}
	doc, ok := r.data.Documents[token.Filename]
	if !ok || doc.DocumentID != token.DocumentID {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, token.DocumentID)
	}
	return nil
}

// Lookup finds a document entry by document ID or content hash.
func (r *Registry) Lookup(idOrHash string) (*Document, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, doc := range r.data.Documents {
		if doc.DocumentID == idOrHash || doc.ContentHash == idOrHash {
			copied := *doc
			return &copied, true
		}
	}
	return nil, false
}

// LookupFilename finds a document entry by filename.
func (r *Registry) LookupFilename(filename string) (*Document, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	doc, ok := r.data.Documents[filename]
	if !ok {
		return nil, false
	}
	copied := *doc
	return &copied, true
}

// List returns document entries, optionally filtered by status. The empty
// status returns everything. Results are ordered by document ID for
// deterministic output.
func (r *Registry) List(filter Status) []Document {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Document, 0, len(r.data.Documents))
	for _, doc := range r.data.Documents {
		if filter != "" && doc.Status != filter {
			continue
		}
		out = append(out, *doc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocumentID < out[j].DocumentID })
	return out
}

// Batches returns all batches ordered by creation time.
func (r *Registry) Batches() []Batch {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Batch, 0, len(r.data.Batches))
	for _, b := range r.data.Batches {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Batch returns one batch by ID.
func (r *Registry) Batch(batchID string) (*Batch, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.data.Batches[batchID]
	if !ok {
		return nil, false
	}
	copied := *b
	return &copied, true
}

// Totals returns the aggregate document and chunk counters.
func (r *Registry) Totals() (documents, chunks int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.data.TotalDocuments, r.data.TotalChunks
}

// Verify checks every processed entry against its artifacts. A processed
// entry with missing chunks or vectors is a bug, never expected; it is
// surfaced as ErrRegistryInconsistent and not repaired.
func (r *Registry) Verify(artifacts ArtifactChecker) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var problems []string
	for _, doc := range r.data.Documents {
		if doc.Status != StatusProcessed {
			continue
		}
		if !artifacts.HasChunks(doc.DocumentID, doc.ChunkCount) {
			problems = append(problems, fmt.Sprintf("%s: chunk records missing", doc.DocumentID))
		}
		if !artifacts.HasVectors(doc.DocumentID, doc.ChunkCount) {
			problems = append(problems, fmt.Sprintf("%s: vectors missing", doc.DocumentID))
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("%w: %v", ErrRegistryInconsistent, problems)
	}
	return nil
}

// Reset wipes the registry. Only the manual all-stores reset may call this;
// wiping the registry while keeping chunks or vectors is forbidden.
func (r *Registry) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.data = &data{
		Version:   1,
		Documents: make(map[string]*Document),
		Batches:   make(map[string]*Batch),
	}
	r.inFlight = make(map[string]uint64)
	return r.save()
}
