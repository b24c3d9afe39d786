package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// cachedEmbedder wraps an Embedder with a bounded-TTL cache keyed by text
// hash, following the query-embedding cache in internal/sefii/engine.go
// (queryEmbeddingCache + cacheMutex).
type cachedEmbedder struct {
	inner Embedder
	ttl   time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	vec       []float32
	expiresAt time.Time
}

// WithCache wraps inner with an in-memory cache of embeddings, valid for ttl.
func WithCache(inner Embedder, ttl time.Duration) Embedder {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &cachedEmbedder{inner: inner, ttl: ttl, cache: map[string]cacheEntry{}}
}

func (c *cachedEmbedder) Name() string      { return c.inner.Name() }
func (c *cachedEmbedder) Dimension() int    { return c.inner.Dimension() }
func (c *cachedEmbedder) Ping(ctx context.Context) error { return c.inner.Ping(ctx) }

func hashText(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func (c *cachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	missIdx := make([]int, 0, len(texts))
	missTexts := make([]string, 0, len(texts))

	now := time.Now()
	c.mu.Lock()
	for i, t := range texts {
		key := hashText(t)
		if e, ok := c.cache[key]; ok && now.Before(e.expiresAt) {
			out[i] = e.vec
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}
	c.mu.Unlock()

	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := c.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	for j, idx := range missIdx {
		out[idx] = vecs[j]
		c.cache[hashText(texts[idx])] = cacheEntry{vec: vecs[j], expiresAt: now.Add(c.ttl)}
	}
	c.mu.Unlock()
	return out, nil
}
