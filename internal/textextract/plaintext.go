package textextract

import (
	"context"
)

// plainTextExtractor passes raw bytes through as text. It is the fallback
// for text/plain, text/markdown and any MIME type no other extractor
// claimed, including an empty MIME type.
type plainTextExtractor struct{}

func (plainTextExtractor) Accepts(mimeType string) bool {
	return true
}

func (plainTextExtractor) Extract(ctx context.Context, data []byte) (string, error) {
	return string(data), nil
}
