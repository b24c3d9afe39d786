// Package embedding provides the batched text-embedding client contract
// (C1): an OpenAI-compatible HTTP backend with caching and retry, and a
// deterministic fallback usable in tests and as a mock mode.
package embedding

import (
	"context"
)

// Embedder converts text into embedding vectors.
type Embedder interface {
	// EmbedBatch returns one embedding vector per input text, in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Name returns a model identifier string.
	Name() string
	// Dimension returns the embedding dimensionality.
	Dimension() int
	// Ping checks whether the embedding backend is reachable.
	Ping(ctx context.Context) error
}
