package embedding

import (
	"context"
	"time"

	"ingestgraph/internal/apperror"
)

// retryingEmbedder retries a transient-failing call up to maxAttempts times
// with exponential backoff, following the 3-retry pattern in
// internal/sefii.execWithRetry.
type retryingEmbedder struct {
	inner       Embedder
	maxAttempts int
	baseDelay   time.Duration
}

// WithRetry wraps inner so EmbedBatch retries retryable failures.
func WithRetry(inner Embedder, maxAttempts int) Embedder {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &retryingEmbedder{inner: inner, maxAttempts: maxAttempts, baseDelay: 200 * time.Millisecond}
}

func (r *retryingEmbedder) Name() string                   { return r.inner.Name() }
func (r *retryingEmbedder) Dimension() int                 { return r.inner.Dimension() }
func (r *retryingEmbedder) Ping(ctx context.Context) error  { return r.inner.Ping(ctx) }

func (r *retryingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		vecs, err := r.inner.EmbedBatch(ctx, texts)
		if err == nil {
			return vecs, nil
		}
		lastErr = err
		if !apperror.Retryable(err) || attempt == r.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.baseDelay * time.Duration(1<<(attempt-1))):
		}
	}
	return nil, lastErr
}
