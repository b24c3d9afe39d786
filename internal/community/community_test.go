package community

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"ingestgraph/internal/config"
	"ingestgraph/internal/graphstore"
	"ingestgraph/internal/llmclient"
)

type fakeEmbedder struct{ dim int }

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, f.dim)
	}
	return out, nil
}
func (f *fakeEmbedder) Name() string               { return "fake" }
func (f *fakeEmbedder) Dimension() int             { return f.dim }
func (f *fakeEmbedder) Ping(context.Context) error { return nil }

func testCfg() *config.Config {
	return &config.Config{
		CommunityMaxLevels:      3,
		CommunityWorkerPoolSize: 2,
		CommunityMinClusterSize: 0,
	}
}

func seedGraph(t *testing.T, g graphstore.GraphDB) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, g.CreateNode(ctx, "entity_a", []string{"Entity"}, map[string]any{"name": "Acme", "type": "organization", "description": "a company"}))
	require.NoError(t, g.CreateNode(ctx, "entity_b", []string{"Entity"}, map[string]any{"name": "Widget", "type": "product", "description": "a gadget"}))
	require.NoError(t, g.CreateNode(ctx, "entity_c", []string{"Entity"}, map[string]any{"name": "Loner", "type": "person", "description": "unrelated"}))

	require.NoError(t, g.CreateEdge(ctx, "entity_a", "RELATIONSHIP", "entity_b", map[string]any{"weight": 3.0}))

	require.NoError(t, g.CreateEdge(ctx, "chunk_1", "HAS_ENTITY", "entity_a", nil))
	require.NoError(t, g.CreateEdge(ctx, "chunk_1", "HAS_ENTITY", "entity_b", nil))
	require.NoError(t, g.CreateEdge(ctx, "chunk_2", "HAS_ENTITY", "entity_a", nil))
	require.NoError(t, g.CreateEdge(ctx, "chunk_1", "PART_OF", "doc_1", nil))
	require.NoError(t, g.CreateEdge(ctx, "chunk_2", "PART_OF", "doc_1", nil))
}

func TestRefresh_ClustersLinksAndSummarizes(t *testing.T) {
	ctx := context.Background()
	g := graphstore.NewMemoryGraph()
	seedGraph(t, g)

	vector := graphstore.NewMemoryVector(4)
	search := graphstore.NewMemorySearch()
	llm := &llmclient.MockProvider{Responses: []llmclient.Message{
		{Content: `{"title":"Acme And Widget","summary":"Acme makes the Widget product."}`},
	}}
	embedder := &fakeEmbedder{dim: 4}

	d := New(g, vector, search, llm, embedder, "m", testCfg())
	res, err := d.Refresh(ctx, false)
	require.NoError(t, err)
	require.Len(t, res.Communities, 2)
	require.Equal(t, 3, res.EntitiesClustered)
	require.Empty(t, res.SummaryFailures)

	var pairCommunity, soloCommunity string
	for _, c := range res.Communities {
		if len(c.NodeIDs) == 2 {
			pairCommunity = c.ID
			require.ElementsMatch(t, []string{"entity_a", "entity_b"}, c.NodeIDs)
			require.Equal(t, "Acme And Widget", c.Title)
		} else {
			soloCommunity = c.ID
			require.ElementsMatch(t, []string{"entity_c"}, c.NodeIDs)
			require.Empty(t, c.Title)
		}
	}
	require.NotEmpty(t, pairCommunity)
	require.NotEmpty(t, soloCommunity)

	node, found, err := g.GetNode(ctx, pairCommunity)
	require.NoError(t, err)
	require.True(t, found)
	require.Contains(t, node.Labels, "Community")
	require.Equal(t, 2, node.Props["weight"])
	require.Equal(t, 1, node.Props["rank"])

	neighbors, err := g.Neighbors(ctx, "entity_a", "IN_COMMUNITY")
	require.NoError(t, err)
	require.Contains(t, neighbors, pairCommunity)

	entityA, _, err := g.GetNode(ctx, "entity_a")
	require.NoError(t, err)
	require.Contains(t, entityA.Props["communities"], pairCommunity)

	results, err := vector.VectorKNN(ctx, make([]float32, 4), 5, nil)
	require.NoError(t, err)
	found = false
	for _, r := range results {
		if r.ID == "community:"+pairCommunity {
			found = true
		}
	}
	require.True(t, found)
}

func TestRefresh_DryRunComputesWithoutWriting(t *testing.T) {
	ctx := context.Background()
	g := graphstore.NewMemoryGraph()
	seedGraph(t, g)

	llm := &llmclient.MockProvider{Responses: []llmclient.Message{
		{Content: `{"title":"Acme And Widget","summary":"..."}`},
	}}
	d := New(g, graphstore.NewMemoryVector(4), graphstore.NewMemorySearch(), llm, &fakeEmbedder{dim: 4}, "m", testCfg())

	res, err := d.Refresh(ctx, true)
	require.NoError(t, err)
	require.Len(t, res.Communities, 2)

	communities, err := g.AllNodes(ctx, []string{"Community"})
	require.NoError(t, err)
	require.Empty(t, communities)
}

func TestRefresh_SecondPassProducesIsomorphicPartition(t *testing.T) {
	ctx := context.Background()
	g := graphstore.NewMemoryGraph()
	seedGraph(t, g)

	llm := &llmclient.MockProvider{Responses: []llmclient.Message{
		{Content: `{"title":"Acme And Widget","summary":"first"}`},
		{Content: `{"title":"Acme And Widget","summary":"second"}`},
	}}
	embedder := &fakeEmbedder{dim: 4}
	vector := graphstore.NewMemoryVector(4)
	search := graphstore.NewMemorySearch()
	d := New(g, vector, search, llm, embedder, "m", testCfg())

	first, err := d.Refresh(ctx, false)
	require.NoError(t, err)
	second, err := d.Refresh(ctx, false)
	require.NoError(t, err)

	require.Equal(t, len(first.Communities), len(second.Communities))
	firstGroups := map[int]bool{}
	for _, c := range first.Communities {
		firstGroups[len(c.NodeIDs)] = true
	}
	secondGroups := map[int]bool{}
	for _, c := range second.Communities {
		secondGroups[len(c.NodeIDs)] = true
	}
	require.Equal(t, firstGroups, secondGroups)

	communities, err := g.AllNodes(ctx, []string{"Community"})
	require.NoError(t, err)
	require.Len(t, communities, 2)
}

func TestRefresh_EmptyGraphReturnsNoCommunities(t *testing.T) {
	ctx := context.Background()
	g := graphstore.NewMemoryGraph()
	d := New(g, graphstore.NewMemoryVector(4), graphstore.NewMemorySearch(), &llmclient.MockProvider{}, &fakeEmbedder{dim: 4}, "m", testCfg())

	res, err := d.Refresh(ctx, false)
	require.NoError(t, err)
	require.Empty(t, res.Communities)
}

func TestRefresh_SummaryFailureIsIsolatedNotFatal(t *testing.T) {
	ctx := context.Background()
	g := graphstore.NewMemoryGraph()
	seedGraph(t, g)

	llm := &llmclient.MockProvider{Responses: []llmclient.Message{
		{Content: "not json at all"},
	}}
	d := New(g, graphstore.NewMemoryVector(4), graphstore.NewMemorySearch(), llm, &fakeEmbedder{dim: 4}, "m", testCfg())

	res, err := d.Refresh(ctx, false)
	require.NoError(t, err)
	require.Len(t, res.Communities, 2)
	require.Len(t, res.SummaryFailures, 1)
}
