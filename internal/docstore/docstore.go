// Package docstore persists extracted document text and chunk records on the
// local filesystem.
//
// Layout under the store root:
//
//	full_text/{document_id}_full.txt
//	chunks/{chunk_id}.json
//
// Writes go through a temp file and rename, so a crash mid-write leaves the
// previous version intact. Chunk records staged here are inert until the
// registry marks their document processed.
package docstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/corpusd/internal/chunker"
)

// Errors for document store operations.
var (
	ErrChunkNotFound    = errors.New("chunk record not found")
	ErrFullTextNotFound = errors.New("full text not found")
	ErrChunkCorrupted   = errors.New("chunk record corrupted")
)

const (
	fullTextDir = "full_text"
	chunksDir   = "chunks"
)

// Store reads and writes full text and chunk records under a root directory.
type Store struct {
	mu     sync.RWMutex
	root   string
	logger *zap.Logger
}

// Open prepares the store directories under root.
func Open(root string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, dir := range []string{fullTextDir, chunksDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o700); err != nil {
			return nil, fmt.Errorf("creating store directory %s: %w", dir, err)
		}
	}
	return &Store{root: root, logger: logger}, nil
}

func (s *Store) fullTextPath(documentID string) string {
	return filepath.Join(s.root, fullTextDir, documentID+"_full.txt")
}

func (s *Store) chunkPath(chunkID string) string {
	return filepath.Join(s.root, chunksDir, chunkID+".json")
}

// writeAtomic writes data to path via a temp file and rename.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing %s: %w", filepath.Base(path), err)
	}
	return nil
}

// PutFullText stores the extracted text of a document.
func (s *Store) PutFullText(documentID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeAtomic(s.fullTextPath(documentID), []byte(text))
}

// FullText returns the stored extracted text of a document.
func (s *Store) FullText(documentID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := os.ReadFile(s.fullTextPath(documentID))
	if os.IsNotExist(err) {
		return "", fmt.Errorf("%w: %s", ErrFullTextNotFound, documentID)
	}
	if err != nil {
		return "", fmt.Errorf("reading full text: %w", err)
	}
	return string(raw), nil
}

// PutChunks stages the chunk records of one document. Each record is written
// atomically; records for the same chunk ID from a superseded version are
// overwritten.
func (s *Store) PutChunks(chunks []chunker.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ch := range chunks {
		raw, err := json.MarshalIndent(ch, "", "  ")
		if err != nil {
			return fmt.Errorf("marshaling chunk %s: %w", ch.ChunkID, err)
		}
		if err := writeAtomic(s.chunkPath(ch.ChunkID), raw); err != nil {
			return err
		}
	}
	return nil
}

// Chunk loads one chunk record by ID.
func (s *Store) Chunk(chunkID string) (*chunker.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readChunk(chunkID)
}

func (s *Store) readChunk(chunkID string) (*chunker.Chunk, error) {
	raw, err := os.ReadFile(s.chunkPath(chunkID))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrChunkNotFound, chunkID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading chunk record: %w", err)
	}
	var ch chunker.Chunk
	if err := json.Unmarshal(raw, &ch); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrChunkCorrupted, chunkID, err)
	}
	return &ch, nil
}

// ChunksForDocument loads all n chunk records of a document in ordinal order.
func (s *Store) ChunksForDocument(documentID string, n int) ([]chunker.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]chunker.Chunk, 0, n)
	for i := 0; i < n; i++ {
		ch, err := s.readChunk(chunker.ChunkID(documentID, i))
		if err != nil {
			return nil, err
		}
		out = append(out, *ch)
	}
	return out, nil
}

// HasChunks reports whether all n chunk records of a document exist. It is
// part of the registry's artifact verification.
func (s *Store) HasChunks(documentID string, n int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := 0; i < n; i++ {
		if _, err := os.Stat(s.chunkPath(chunker.ChunkID(documentID, i))); err != nil {
			return false
		}
	}
	return true
}

// ChunkIDs lists every stored chunk ID, sorted. Superseded leftovers show up
// here too, which is what makes orphan detection possible.
func (s *Store) ChunkIDs() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(s.root, chunksDir))
	if err != nil {
		return nil, fmt.Errorf("listing chunk records: %w", err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		out = append(out, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(out)
	return out, nil
}

// DeleteChunk removes one chunk record. Missing files are ignored.
func (s *Store) DeleteChunk(chunkID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.chunkPath(chunkID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing chunk record: %w", err)
	}
	return nil
}

// DeleteDocument removes the full text and chunk records [0, n) of a
// document. Missing files are ignored so superseding a partially-staged
// version cannot fail.
func (s *Store) DeleteDocument(documentID string, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < n; i++ {
		path := s.chunkPath(chunker.ChunkID(documentID, i))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing chunk record: %w", err)
		}
	}
	if err := os.Remove(s.fullTextPath(documentID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing full text: %w", err)
	}
	return nil
}

// Reset wipes all stored text and chunk records. Only the manual all-stores
// reset may call this.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, dir := range []string{fullTextDir, chunksDir} {
		path := filepath.Join(s.root, dir)
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("removing %s: %w", dir, err)
		}
		if err := os.MkdirAll(path, 0o700); err != nil {
			return fmt.Errorf("recreating %s: %w", dir, err)
		}
	}
	s.logger.Info("document store reset")
	return nil
}
