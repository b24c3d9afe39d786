package embedding

import (
	"ingestgraph/internal/config"
)

// New builds the configured Embedder, wrapped with caching and retry.
func New(cfg *config.Config) Embedder {
	var base Embedder
	switch cfg.EmbeddingProvider {
	case "openai":
		base = NewOpenAI(cfg.EmbeddingAPIKey, cfg.EmbeddingBaseURL, cfg.EmbeddingModel, cfg.EmbeddingDim)
	default:
		base = NewDeterministic(cfg.EmbeddingDim, true, 0)
	}
	return WithCache(WithRetry(base, 3), cfg.EmbeddingCacheTTL)
}
