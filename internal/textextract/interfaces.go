// Package textextract turns raw document bytes into plain text ahead of
// chunking. It dispatches by MIME type to a small set of format-specific
// extractors (PDF, spreadsheet, HTML, plain text) and normalizes their
// output to a single text stream with runs of blank lines collapsed and
// trailing whitespace trimmed, the shape the chunking stage expects.
package textextract

import (
	"context"
	"fmt"
	"strings"
)

// Extractor turns a document's raw bytes into plain text.
type Extractor interface {
	// Accepts reports whether this extractor handles the given MIME type.
	Accepts(mimeType string) bool
	// Extract returns the plain-text content of data.
	Extract(ctx context.Context, data []byte) (string, error)
}

// Registry dispatches Extract calls to the first registered Extractor that
// accepts the document's MIME type.
type Registry struct {
	extractors []Extractor
}

// NewRegistry returns a Registry preloaded with the standard extractors:
// PDF, spreadsheet (xlsx/xls), HTML, and a plain-text passthrough, last in
// line, that accepts any MIME type, empty or unknown ones included.
func NewRegistry() *Registry {
	return &Registry{extractors: []Extractor{
		pdfExtractor{},
		spreadsheetExtractor{},
		htmlExtractor{},
		plainTextExtractor{},
	}}
}

// Extract finds the first extractor accepting mimeType and runs it.
func (r *Registry) Extract(ctx context.Context, mimeType string, data []byte) (string, error) {
	for _, e := range r.extractors {
		if e.Accepts(mimeType) {
			text, err := e.Extract(ctx, data)
			if err != nil {
				return "", err
			}
			return normalize(text), nil
		}
	}
	return "", fmt.Errorf("textextract: no extractor registered for mime type %q", mimeType)
}

// normalize collapses runs of blank lines and trims trailing whitespace per
// line, without altering paragraph structure that the chunker relies on.
func normalize(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	blankRun := 0
	for _, l := range lines {
		trimmed := strings.TrimRight(l, " \t\r")
		if trimmed == "" {
			blankRun++
			if blankRun > 1 {
				continue
			}
		} else {
			blankRun = 0
		}
		out = append(out, trimmed)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
