package textextract

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistry_PlainTextPassthrough(t *testing.T) {
	r := NewRegistry()
	text, err := r.Extract(context.Background(), "text/plain", []byte("hello\n\n\n\nworld  "))
	require.NoError(t, err)
	require.Equal(t, "hello\n\nworld", text)
}

func TestRegistry_UnknownMimeFallsBackToPlainText(t *testing.T) {
	r := NewRegistry()
	text, err := r.Extract(context.Background(), "", []byte("raw bytes"))
	require.NoError(t, err)
	require.Equal(t, "raw bytes", text)
}

func TestRegistry_HTMLConvertsToMarkdown(t *testing.T) {
	r := NewRegistry()
	html := `<html><body><article><h1>Title</h1><p>Some body text that is long enough for readability to treat it as the main article content of the page.</p></article></body></html>`
	text, err := r.Extract(context.Background(), "text/html", []byte(html))
	require.NoError(t, err)
	require.Contains(t, text, "Some body text")
}

func TestRegistry_NoExtractorMatches(t *testing.T) {
	r := &Registry{}
	_, err := r.Extract(context.Background(), "application/octet-stream", []byte("x"))
	require.Error(t, err)
}
