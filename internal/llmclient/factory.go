package llmclient

import (
	"context"
	"fmt"

	"ingestgraph/internal/config"
)

// New builds the configured Provider (anthropic|openai|google).
func New(ctx context.Context, cfg *config.Config) (Provider, error) {
	switch cfg.LLMProvider {
	case "anthropic":
		return NewAnthropic(cfg.AnthropicAPIKey, cfg.AnthropicModel), nil
	case "openai":
		return NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel), nil
	case "google":
		return NewGoogle(ctx, cfg.GoogleAPIKey, cfg.GoogleModel)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLMProvider)
	}
}
