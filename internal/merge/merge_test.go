package merge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"ingestgraph/internal/graphstore"
)

func TestApply_UpdatesPrimaryAliasesAndMergeCounter(t *testing.T) {
	ctx := context.Background()
	g := graphstore.NewMemoryGraph()

	require.NoError(t, g.CreateNode(ctx, "entity_aaa", []string{"Entity"}, map[string]any{"name": "Marie Curie"}))
	require.NoError(t, g.CreateNode(ctx, "entity_bbb", []string{"Entity"}, map[string]any{"name": "Marie Sklodowska-Curie", "aliases": "MSC"}))

	m := New(g, 20)
	err := m.Apply(ctx, Operation{Primary: "entity_aaa", Duplicates: []string{"entity_bbb"}, MergedName: "Marie Curie"})
	require.NoError(t, err)

	node, found, err := g.GetNode(ctx, "entity_aaa")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "Marie Curie", node.Props["name"])
	require.Equal(t, "1", node.Props["merge_count"])
	require.Contains(t, node.Props["aliases"], "MSC")

	_, found, err = g.GetNode(ctx, "entity_bbb")
	require.NoError(t, err)
	require.False(t, found)
}

func TestApply_RewiresEdgesFromDuplicateToPrimary(t *testing.T) {
	ctx := context.Background()
	g := graphstore.NewMemoryGraph()

	require.NoError(t, g.CreateNode(ctx, "entity_primary", nil, map[string]any{"name": "Acme"}))
	require.NoError(t, g.CreateNode(ctx, "entity_dup", nil, map[string]any{"name": "Acme Inc"}))
	require.NoError(t, g.CreateNode(ctx, "entity_other", nil, map[string]any{"name": "Widget"}))
	require.NoError(t, g.CreateEdge(ctx, "entity_dup", "RELATIONSHIP", "entity_other", nil))
	require.NoError(t, g.CreateEdge(ctx, "entity_other", "RELATIONSHIP", "entity_dup", nil))

	m := New(g, 20)
	require.NoError(t, m.Apply(ctx, Operation{Primary: "entity_primary", Duplicates: []string{"entity_dup"}}))

	neighbors, err := g.Neighbors(ctx, "entity_primary", "RELATIONSHIP")
	require.NoError(t, err)
	require.Contains(t, neighbors, "entity_other")

	edges, err := g.EdgesOf(ctx, "entity_other")
	require.NoError(t, err)
	foundIncoming := false
	for _, e := range edges {
		if e.SourceID == "entity_primary" && e.TargetID == "entity_other" {
			foundIncoming = true
		}
	}
	require.True(t, foundIncoming)
}

func TestApply_IdempotentOnAlreadyMergedDuplicate(t *testing.T) {
	ctx := context.Background()
	g := graphstore.NewMemoryGraph()
	require.NoError(t, g.CreateNode(ctx, "entity_primary", nil, map[string]any{"name": "Acme"}))

	m := New(g, 20)
	err := m.Apply(ctx, Operation{Primary: "entity_primary", Duplicates: []string{"entity_already_gone"}})
	require.NoError(t, err)
}

func TestMergeAliases_CapsAndSortsByLength(t *testing.T) {
	out := mergeAliases([]string{"Long Canonical Name"}, []string{"Short", "A", "Medium One"}, 2)
	require.Len(t, out, 2)
	require.Equal(t, "A", out[0])
}
