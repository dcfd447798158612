// Package chunker splits cleaned document text into overlapping chunks with
// citation metadata.
//
// Chunking is deterministic: identical text and configuration always yield
// identical chunk IDs and boundaries, which is what makes reprocessing
// idempotent further up the pipeline.
package chunker

import (
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyText indicates a document with no text to chunk.
var ErrEmptyText = errors.New("document text is empty")

// Config controls chunk sizing.
type Config struct {
	// ChunkSize is the target chunk length in characters (runes).
	ChunkSize int

	// ChunkOverlap is the number of characters shared by consecutive
	// chunks. Must be positive and smaller than ChunkSize so context
	// spanning a boundary survives in at least one chunk.
	ChunkOverlap int

	// SectionScanWindow bounds how far into a chunk a heading may still
	// claim the chunk's section label.
	SectionScanWindow int
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.ChunkSize == 0 {
		c.ChunkSize = 1000
	}
	if c.ChunkOverlap == 0 {
		c.ChunkOverlap = 200
	}
	if c.SectionScanWindow == 0 {
		c.SectionScanWindow = 200
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.ChunkSize <= 0 {
		return errors.New("chunk size must be positive")
	}
	if c.ChunkOverlap <= 0 || c.ChunkOverlap >= c.ChunkSize {
		return errors.New("chunk overlap must be positive and smaller than chunk size")
	}
	return nil
}

// Metadata is the citation metadata attached to every chunk.
type Metadata struct {
	DocumentID    string `json:"document_id"`
	Title         string `json:"title"`
	Section       string `json:"section,omitempty"`
	ChunkNum      int    `json:"chunk_num"`
	BatchID       string `json:"batch_id,omitempty"`
	EffectiveDate string `json:"effective_date,omitempty"`
	Filename      string `json:"filename"`
}

// Chunk is the smallest unit of retrieval.
type Chunk struct {
	ChunkID  string   `json:"chunk_id"`
	Text     string   `json:"text"`
	Start    int      `json:"start"`
	End      int      `json:"end"`
	Metadata Metadata `json:"metadata"`
}

// Source describes one document to be chunked.
type Source struct {
	DocumentID    string
	Text          string
	Title         string
	BatchID       string
	EffectiveDate string
	Filename      string
}

// ChunkID derives the deterministic chunk identifier for a document ordinal.
// The scheme is shared with the vector index verification pass.
func ChunkID(documentID string, ordinal int) string {
	return fmt.Sprintf("%s_chunk_%03d", documentID, ordinal)
}

// Chunker splits text into overlapping chunks.
type Chunker struct {
	cfg Config
}

// New creates a Chunker with the given configuration.
func New(cfg Config) (*Chunker, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid chunker config: %w", err)
	}
	return &Chunker{cfg: cfg}, nil
}

// Chunk splits the source text into an ordered sequence of chunks.
//
// Split points prefer paragraph boundaries, then sentence ends, falling back
// to hard cuts at the size limit. The section label is the nearest preceding
// heading-like line; a document without headings produces chunks with no
// section, which is a valid state.
func (c *Chunker) Chunk(src Source) ([]Chunk, error) {
	text := []rune(src.Text)
	if len(strings.TrimSpace(src.Text)) == 0 {
		return nil, fmt.Errorf("%s: %w", src.DocumentID, ErrEmptyText)
	}

	headings := scanHeadings(src.Text)

	var chunks []Chunk
	start := 0
	for num := 0; start < len(text); num++ {
		end := start + c.cfg.ChunkSize
		if end >= len(text) {
			end = len(text)
		} else {
			end = c.splitPoint(text, start, end)
		}

		chunkText := string(text[start:end])
		chunks = append(chunks, Chunk{
			ChunkID: ChunkID(src.DocumentID, num),
			Text:    chunkText,
			Start:   start,
			End:     end,
			Metadata: Metadata{
				DocumentID:    src.DocumentID,
				Title:         src.Title,
				Section:       headings.sectionFor(start, c.cfg.SectionScanWindow),
				ChunkNum:      num,
				BatchID:       src.BatchID,
				EffectiveDate: src.EffectiveDate,
				Filename:      src.Filename,
			},
		})

		if end == len(text) {
			break
		}
		next := end - c.cfg.ChunkOverlap
		if next <= start {
			// Guarantee forward progress when a split point landed
			// inside the overlap window.
			next = start + 1
		}
		start = next
	}

	return chunks, nil
}

// splitPoint finds the best cut position in text[start:limit], preferring a
// paragraph break, then a sentence end, then the hard limit. Cuts in the
// first half of the window are rejected so chunks do not degenerate.
func (c *Chunker) splitPoint(text []rune, start, limit int) int {
	minCut := start + c.cfg.ChunkSize/2
	window := string(text[start:limit])

	if i := strings.LastIndex(window, "\n\n"); i >= 0 {
		cut := start + len([]rune(window[:i])) + 2
		if cut > minCut {
			return cut
		}
	}

	best := -1
	for _, sep := range []string{". ", ".\n", "? ", "! ", "?\n", "!\n"} {
		if i := strings.LastIndex(window, sep); i >= 0 {
			cut := start + len([]rune(window[:i])) + len([]rune(sep))
			if cut > best {
				best = cut
			}
		}
	}
	if best > minCut {
		return best
	}

	return limit
}
