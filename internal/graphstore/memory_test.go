package graphstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryVector_KNNRanksByCosine(t *testing.T) {
	ctx := context.Background()
	v := NewMemoryVector(3)
	require.NoError(t, v.Upsert(ctx, "a", []float32{1, 0, 0}, map[string]string{"kind": "entity"}))
	require.NoError(t, v.Upsert(ctx, "b", []float32{0, 1, 0}, map[string]string{"kind": "entity"}))
	require.NoError(t, v.Upsert(ctx, "c", []float32{0.9, 0.1, 0}, map[string]string{"kind": "chunk"}))

	res, err := v.VectorKNN(ctx, []float32{1, 0, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, res, 2)
	require.Equal(t, "a", res[0].ID)
	require.Equal(t, "c", res[1].ID)
}

func TestMemoryVector_KNNFiltersByMetadata(t *testing.T) {
	ctx := context.Background()
	v := NewMemoryVector(2)
	require.NoError(t, v.Upsert(ctx, "a", []float32{1, 0}, map[string]string{"kind": "entity"}))
	require.NoError(t, v.Upsert(ctx, "b", []float32{1, 0}, map[string]string{"kind": "chunk"}))

	res, err := v.VectorKNN(ctx, []float32{1, 0}, 10, map[string]string{"kind": "chunk"})
	require.NoError(t, err)
	require.Len(t, res, 1)
	require.Equal(t, "b", res[0].ID)
}

func TestMemoryGraph_TraverseStopsAtMaxHops(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGraph()
	require.NoError(t, g.CreateNode(ctx, "a", nil, nil))
	require.NoError(t, g.CreateNode(ctx, "b", nil, nil))
	require.NoError(t, g.CreateNode(ctx, "c", nil, nil))
	require.NoError(t, g.CreateEdge(ctx, "a", "links_to", "b", nil))
	require.NoError(t, g.CreateEdge(ctx, "b", "links_to", "c", nil))

	nodes, edges, err := g.Traverse(ctx, "a", 1, nil)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	ids := map[string]bool{}
	for _, n := range nodes {
		ids[n.ID] = true
	}
	require.True(t, ids["a"])
	require.True(t, ids["b"])
	require.False(t, ids["c"])
}

func TestMemoryGraph_DeleteNodeRemovesIncomingEdges(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGraph()
	require.NoError(t, g.CreateNode(ctx, "a", nil, nil))
	require.NoError(t, g.CreateNode(ctx, "b", nil, nil))
	require.NoError(t, g.CreateEdge(ctx, "a", "links_to", "b", nil))

	require.NoError(t, g.DeleteNode(ctx, "b"))
	neighbors, err := g.Neighbors(ctx, "a", "links_to")
	require.NoError(t, err)
	require.Empty(t, neighbors)
}

func TestMemorySearch_ScoresByTermFrequency(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySearch()
	require.NoError(t, s.Index(ctx, "doc1", "graph graph database", nil))
	require.NoError(t, s.Index(ctx, "doc2", "graph theory", nil))

	res, err := s.Search(ctx, "graph", 10)
	require.NoError(t, err)
	require.Len(t, res, 2)
	require.Equal(t, "doc1", res[0].ID)
}
