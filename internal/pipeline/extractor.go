package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// ErrExtractionFailed indicates text extraction failure. Unsupported formats
// and unreadable files both wrap it; the document is recorded as failed and
// the batch moves on.
var ErrExtractionFailed = errors.New("text extraction failed")

// Extractor turns a raw document file into cleaned text. PDF and DOCX
// conversion happens outside the core; this contract only covers what the
// pipeline consumes.
type Extractor interface {
	// Extract returns the cleaned text of the file at path.
	Extract(ctx context.Context, path string) (string, error)

	// Supports reports whether the extractor handles the file extension.
	Supports(path string) bool
}

// FileExtractor extracts plain text and markdown files.
type FileExtractor struct{}

// NewFileExtractor creates the default extractor for .txt and .md files.
func NewFileExtractor() *FileExtractor {
	return &FileExtractor{}
}

// Supports implements Extractor.
func (e *FileExtractor) Supports(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".md", ".markdown":
		return true
	}
	return false
}

// Extract implements Extractor. Line endings are normalized and a UTF-8 BOM
// is stripped so chunk boundaries do not depend on the file's origin.
func (e *FileExtractor) Extract(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !e.Supports(path) {
		return "", fmt.Errorf("%w: unsupported format %s", ErrExtractionFailed, filepath.Ext(path))
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}
	if !utf8.Valid(raw) {
		return "", fmt.Errorf("%w: %s is not valid UTF-8", ErrExtractionFailed, filepath.Base(path))
	}

	text := string(raw)
	text = strings.TrimPrefix(text, "\ufeff")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return text, nil
}
