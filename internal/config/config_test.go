package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "anthropic", cfg.LLMProvider)
	require.Equal(t, "memory", cfg.VectorBackend)
	require.Equal(t, 500, cfg.ChunkTargetTokens)
	require.InDelta(t, 1.0, cfg.SimilarityWeightSemantic+cfg.SimilarityWeightLexical+cfg.SimilarityWeightContextual, 1e-9)
}

func TestLoad_MissingAnthropicKey(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "anthropic")
	t.Setenv("ANTHROPIC_API_KEY", "")
	_, err := Load()
	require.Error(t, err)
}

func TestLoad_PostgresRequiresDSN(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	t.Setenv("VECTOR_BACKEND", "postgres")
	t.Setenv("POSTGRES_DSN", "")
	_, err := Load()
	require.Error(t, err)
}
