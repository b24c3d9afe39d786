package community

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComputeHierarchy_GroupsTwoDenseCliquesApart(t *testing.T) {
	entities := []string{"a1", "a2", "a3", "b1", "b2", "b3"}
	edges := map[[2]string]float64{
		edgeKey("a1", "a2"): 5,
		edgeKey("a2", "a3"): 5,
		edgeKey("a1", "a3"): 5,
		edgeKey("b1", "b2"): 5,
		edgeKey("b2", "b3"): 5,
		edgeKey("b1", "b3"): 5,
		edgeKey("a1", "b1"): 1,
	}

	levels := computeHierarchy(entities, edges, 3, 0)
	require.NotEmpty(t, levels)

	level0 := levels[0].membersByCluster
	clusterOf := map[string]int{}
	for id, members := range level0 {
		for _, e := range members {
			clusterOf[e] = id
		}
	}
	require.Equal(t, clusterOf["a1"], clusterOf["a2"])
	require.Equal(t, clusterOf["a2"], clusterOf["a3"])
	require.Equal(t, clusterOf["b1"], clusterOf["b2"])
	require.Equal(t, clusterOf["b2"], clusterOf["b3"])
	require.NotEqual(t, clusterOf["a1"], clusterOf["b1"])
}

func TestComputeHierarchy_DeterministicAcrossRuns(t *testing.T) {
	entities := []string{"a1", "a2", "a3", "b1", "b2", "b3", "c1", "c2"}
	edges := map[[2]string]float64{
		edgeKey("a1", "a2"): 4,
		edgeKey("a2", "a3"): 4,
		edgeKey("a1", "a3"): 4,
		edgeKey("b1", "b2"): 4,
		edgeKey("b2", "b3"): 4,
		edgeKey("b1", "b3"): 4,
		edgeKey("c1", "c2"): 3,
		edgeKey("a1", "c1"): 1,
		edgeKey("b1", "c2"): 1,
	}

	first := computeHierarchy(entities, edges, 3, 0)
	second := computeHierarchy(entities, edges, 3, 0)

	require.Equal(t, len(first), len(second))
	for level := range first {
		require.Equal(t, partitionSignature(first[level]), partitionSignature(second[level]))
	}
}

// partitionSignature reduces a level's clustering to a canonical form
// (sorted list of sorted member groups) so two structurally identical
// partitions compare equal regardless of which cluster id each group landed
// on.
func partitionSignature(lvl levelResult) [][]string {
	var groups [][]string
	for _, members := range lvl.membersByCluster {
		cp := append([]string{}, members...)
		groups = append(groups, cp)
	}
	for i := 0; i < len(groups); i++ {
		for j := i + 1; j < len(groups); j++ {
			if joinGroup(groups[j]) < joinGroup(groups[i]) {
				groups[i], groups[j] = groups[j], groups[i]
			}
		}
	}
	return groups
}

func joinGroup(g []string) string {
	out := ""
	for _, s := range g {
		out += s + ","
	}
	return out
}

func TestMergeSmallClusters_FoldsSingletonIntoStrongestNeighbor(t *testing.T) {
	g := newClusterGraph([]string{"a", "b", "c", "iso"})
	g.addEdge("a", "b", 5)
	g.addEdge("b", "c", 5)
	g.addEdge("a", "c", 5)
	g.addEdge("c", "iso", 1)

	comm := map[string]string{"a": "a", "b": "a", "c": "a", "iso": "iso"}
	merged := mergeSmallClusters(g, comm, 2)
	require.Equal(t, merged["a"], merged["iso"])
}

func TestMergeSmallClusters_NoOpWhenOnlyOneCluster(t *testing.T) {
	g := newClusterGraph([]string{"a", "b"})
	g.addEdge("a", "b", 1)
	comm := map[string]string{"a": "a", "b": "a"}
	merged := mergeSmallClusters(g, comm, 5)
	require.Equal(t, comm, merged)
}

func TestRelabelLevel_AssignsStableSequentialIDs(t *testing.T) {
	comm := map[string]string{"x": "z", "y": "z", "w": "a"}
	labelToID, membersByID := relabelLevel([]string{"x", "y", "w"}, comm)
	require.Equal(t, 0, labelToID["a"])
	require.Equal(t, 1, labelToID["z"])
	require.ElementsMatch(t, []string{"w"}, membersByID[0])
	require.ElementsMatch(t, []string{"x", "y"}, membersByID[1])
}
