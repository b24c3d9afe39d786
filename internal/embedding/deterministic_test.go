package embedding

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeterministicEmbedder_Stable(t *testing.T) {
	e := NewDeterministic(32, true, 0)
	v1, err := e.EmbedBatch(context.Background(), []string{"hello world"})
	require.NoError(t, err)
	v2, err := e.EmbedBatch(context.Background(), []string{"hello world"})
	require.NoError(t, err)
	require.Equal(t, v1, v2)
	require.Len(t, v1[0], 32)
}

func TestDeterministicEmbedder_DistinctInputsDiffer(t *testing.T) {
	e := NewDeterministic(32, true, 0)
	out, err := e.EmbedBatch(context.Background(), []string{"alpha", "beta"})
	require.NoError(t, err)
	require.NotEqual(t, out[0], out[1])
}

func TestCachedEmbedder_ServesFromCache(t *testing.T) {
	calls := 0
	inner := &countingEmbedder{Embedder: NewDeterministic(8, false, 0), calls: &calls}
	cached := WithCache(inner, 0)

	_, err := cached.EmbedBatch(context.Background(), []string{"x"})
	require.NoError(t, err)
	_, err = cached.EmbedBatch(context.Background(), []string{"x"})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

type countingEmbedder struct {
	Embedder
	calls *int
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	*c.calls++
	return c.Embedder.EmbedBatch(ctx, texts)
}
