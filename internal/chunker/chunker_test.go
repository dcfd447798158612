package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSource(text string) Source {
	return Source{
		DocumentID:    "doc_001",
		Text:          text,
		Title:         "Test Agreement",
		BatchID:       "batch-1",
		EffectiveDate: "2024-01-01",
		Filename:      "test.md",
	}
}

func newTestChunker(t *testing.T, size, overlap int) *Chunker {
	t.Helper()
	c, err := New(Config{ChunkSize: size, ChunkOverlap: overlap})
	require.NoError(t, err)
	return c
}

func TestChunkIDFormat(t *testing.T) {
	assert.Equal(t, "doc_001_chunk_000", ChunkID("doc_001", 0))
	assert.Equal(t, "doc_042_chunk_017", ChunkID("doc_042", 17))
}

func TestChunkEmptyText(t *testing.T) {
	c := newTestChunker(t, 100, 20)
	_, err := c.Chunk(testSource("   \n\n  "))
	assert.ErrorIs(t, err, ErrEmptyText)
}

func TestChunkShortTextSingleChunk(t *testing.T) {
	c := newTestChunker(t, 1000, 200)
	chunks, err := c.Chunk(testSource("A short agreement between two parties."))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "doc_001_chunk_000", chunks[0].ChunkID)
	assert.Equal(t, 0, chunks[0].Start)
	assert.Equal(t, "Test Agreement", chunks[0].Metadata.Title)
	assert.Equal(t, "batch-1", chunks[0].Metadata.BatchID)
	assert.Equal(t, "2024-01-01", chunks[0].Metadata.EffectiveDate)
}

func TestChunkOverlapAndOrdering(t *testing.T) {
	text := strings.Repeat("word ", 200) // 1000 chars, no natural boundaries
	c := newTestChunker(t, 300, 60)

	chunks, err := c.Chunk(testSource(text))
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)

	for i, ch := range chunks {
		assert.Equal(t, i, ch.Metadata.ChunkNum)
		assert.Equal(t, ChunkID("doc_001", i), ch.ChunkID)
		if i > 0 {
			prev := chunks[i-1]
			assert.Less(t, ch.Start, prev.End, "consecutive chunks must overlap")
			assert.Greater(t, ch.Start, prev.Start, "chunks must make forward progress")
		}
	}
	last := chunks[len(chunks)-1]
	assert.Equal(t, len([]rune(text)), last.End)
}

func TestChunkDeterminism(t *testing.T) {
	text := strings.Repeat("The party of the first part shall indemnify the party of the second part. ", 40)
	c := newTestChunker(t, 400, 80)

	first, err := c.Chunk(testSource(text))
	require.NoError(t, err)
	second, err := c.Chunk(testSource(text))
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].ChunkID, second[i].ChunkID)
		assert.Equal(t, first[i].Start, second[i].Start)
		assert.Equal(t, first[i].End, second[i].End)
		assert.Equal(t, first[i].Text, second[i].Text)
	}
}

func TestChunkPrefersParagraphBoundary(t *testing.T) {
	para1 := strings.Repeat("alpha ", 40) // 240 chars
	para2 := strings.Repeat("beta ", 60)
	text := para1 + "\n\n" + para2
	c := newTestChunker(t, 300, 50)

	chunks, err := c.Chunk(testSource(text))
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)
	assert.True(t, strings.HasSuffix(chunks[0].Text, "\n\n"),
		"first chunk should end at the paragraph break, got %q", chunks[0].Text[len(chunks[0].Text)-10:])
}

func TestChunkFallsBackToSentenceBoundary(t *testing.T) {
	text := strings.Repeat("This is a sentence about obligations. ", 30)
	c := newTestChunker(t, 300, 50)

	chunks, err := c.Chunk(testSource(text))
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)
	assert.True(t, strings.HasSuffix(chunks[0].Text, ". "),
		"first chunk should end at a sentence boundary")
}

func TestSectionFromPrecedingHeading(t *testing.T) {
	text := "# Master Agreement\n\nPreamble text here.\n\n## Termination\n\n" +
		strings.Repeat("Either party may terminate with notice. ", 30)
	c := newTestChunker(t, 300, 50)

	chunks, err := c.Chunk(testSource(text))
	require.NoError(t, err)

	assert.Equal(t, "Master Agreement", chunks[0].Metadata.Section)
	last := chunks[len(chunks)-1]
	assert.Equal(t, "Termination", last.Metadata.Section)
}

func TestSectionAbsentIsValid(t *testing.T) {
	c := newTestChunker(t, 200, 40)
	chunks, err := c.Chunk(testSource("no headings anywhere in this text, just prose that continues for a while"))
	require.NoError(t, err)
	assert.Empty(t, chunks[0].Metadata.Section)
}

func TestScanHeadings(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
		ok   bool
	}{
		{"markdown h1", "# Introduction", "Introduction", true},
		{"markdown h2", "## Payment Terms", "Payment Terms", true},
		{"numbered", "2.1 Confidentiality obligations", "2.1 Confidentiality obligations", true},
		{"all caps", "ARTICLE IV TERMINATION", "ARTICLE IV TERMINATION", true},
		{"plain prose", "the parties agree as follows", "", false},
		{"empty", "   ", "", false},
		{"bare hashes", "###", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := headingLabel(tt.line)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestHeuristicExtractorTitle(t *testing.T) {
	e := NewHeuristicExtractor()

	assert.Equal(t, "Service Agreement", e.Title("# Service Agreement\n\nBody.", "x.md"))
	assert.Equal(t, "Plain first line", e.Title("Plain first line\nmore text", "x.md"))
	assert.Equal(t, "fallback.pdf", e.Title("", "fallback.pdf"))
}
