package chunker

import "strings"

// MetadataExtractor derives document-level metadata from cleaned text. The
// pipeline depends only on this capability, not on concrete formats, so
// format-specific heuristics stay swappable.
type MetadataExtractor interface {
	// Title returns a human title for the document, falling back to the
	// filename when the text offers nothing better.
	Title(text, filename string) string
}

// HeuristicExtractor extracts a title from markdown-ish text: the first
// heading line wins, then the first non-empty line, then the filename.
type HeuristicExtractor struct{}

// NewHeuristicExtractor creates the default metadata extractor.
func NewHeuristicExtractor() *HeuristicExtractor {
	return &HeuristicExtractor{}
}

// Title implements MetadataExtractor.
func (e *HeuristicExtractor) Title(text, filename string) string {
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if label, ok := headingLabel(trimmed); ok && label != "" {
			return label
		}
		if len(trimmed) > 120 {
			trimmed = strings.TrimSpace(trimmed[:120])
		}
		return trimmed
	}
	return filename
}
