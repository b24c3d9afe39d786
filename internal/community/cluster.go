package community

import "sort"

// clusterGraph is a weighted undirected projection of the entity graph: node
// labels are stable strings (entity ids at level 0, synthetic cluster labels
// at coarser levels) with symmetric edge weights.
type clusterGraph struct {
	nodes []string
	adj   map[string]map[string]float64
}

func newClusterGraph(nodes []string) *clusterGraph {
	g := &clusterGraph{nodes: append([]string{}, nodes...), adj: make(map[string]map[string]float64, len(nodes))}
	for _, n := range nodes {
		g.adj[n] = map[string]float64{}
	}
	return g
}

func (g *clusterGraph) addEdge(a, b string, w float64) {
	if a == b || w <= 0 {
		return
	}
	if g.adj[a] == nil {
		g.adj[a] = map[string]float64{}
	}
	if g.adj[b] == nil {
		g.adj[b] = map[string]float64{}
	}
	g.adj[a][b] += w
	g.adj[b][a] += w
}

func (g *clusterGraph) totalWeight() float64 {
	var m float64
	for _, edges := range g.adj {
		for _, w := range edges {
			m += w
		}
	}
	return m / 2
}

func (g *clusterGraph) degree(n string) float64 {
	var d float64
	for _, w := range g.adj[n] {
		d += w
	}
	return d
}

// levelResult is one level of the hierarchy: the partition of that level's
// nodes into clusters, keyed by a stable relabeled integer cluster id.
type levelResult struct {
	membersByCluster map[int][]string
}

// computeHierarchy runs local-moving modularity optimization followed by
// aggregation, up to maxLevels times, stopping early once a pass produces no
// further coarsening (every node already in its own cluster, or the
// aggregated graph has the same node count as its input). Sort order is
// deterministic throughout so two runs over an identical graph produce an
// isomorphic partition at every level.
func computeHierarchy(entityIDs []string, edges map[[2]string]float64, maxLevels, minClusterSize int) []levelResult {
	if maxLevels <= 0 {
		maxLevels = 1
	}
	g := newClusterGraph(entityIDs)
	for pair, w := range edges {
		g.addEdge(pair[0], pair[1], w)
	}

	var levels []levelResult
	// cursor[entityID] is that entity's current representative label in the
	// graph about to be clustered at this level.
	cursor := make(map[string]string, len(entityIDs))
	for _, id := range entityIDs {
		cursor[id] = id
	}

	current := g
	for level := 0; level < maxLevels; level++ {
		if len(current.nodes) == 0 {
			break
		}
		// A level beyond the first with no edges left to optimize over would
		// only reproduce the prior level's grouping verbatim (local-moving
		// on an edgeless graph is the identity partition); stop instead of
		// emitting a redundant hierarchy level.
		if level > 0 && current.totalWeight() == 0 {
			break
		}
		comm := localMove(current)
		if minClusterSize > 1 {
			comm = mergeSmallClusters(current, comm, minClusterSize)
		}

		_, membersByID := relabelLevel(current.nodes, comm)
		byCluster := make(map[int][]string, len(membersByID))
		for clusterID, members := range membersByID {
			var entityMembers []string
			for entityID, label := range cursor {
				if contains(members, label) {
					entityMembers = append(entityMembers, entityID)
				}
			}
			sort.Strings(entityMembers)
			byCluster[clusterID] = entityMembers
		}
		levels = append(levels, levelResult{membersByCluster: byCluster})

		next := aggregate(current, comm)
		if len(next.nodes) >= len(current.nodes) {
			break
		}
		for entityID, label := range cursor {
			cursor[entityID] = comm[label]
		}
		current = next
	}
	return levels
}

// mergeSmallClusters folds every cluster with fewer than minSize members into
// the neighboring cluster it shares the most edge weight with, to curb the
// fragmentation into low-quality singleton/pair clusters that local-moving
// leaves behind on sparse graphs. Clusters with no outside neighbor (an
// isolated cluster, or the only cluster in the graph) are left as-is.
func mergeSmallClusters(g *clusterGraph, comm map[string]string, minSize int) map[string]string {
	byLabel := map[string][]string{}
	for n, l := range comm {
		byLabel[l] = append(byLabel[l], n)
	}
	if len(byLabel) <= 1 {
		return comm
	}

	var smallLabels []string
	for l, members := range byLabel {
		if len(members) < minSize {
			smallLabels = append(smallLabels, l)
		}
	}
	sort.Strings(smallLabels)

	out := make(map[string]string, len(comm))
	for n, l := range comm {
		out[n] = l
	}

	for _, l := range smallLabels {
		members := byLabel[l]
		neighborWeight := map[string]float64{}
		for _, n := range members {
			for other, w := range g.adj[n] {
				oc := out[other]
				if oc != l {
					neighborWeight[oc] += w
				}
			}
		}
		if len(neighborWeight) == 0 {
			continue
		}
		var candidates []string
		for c := range neighborWeight {
			candidates = append(candidates, c)
		}
		sort.Strings(candidates)
		best := candidates[0]
		for _, c := range candidates[1:] {
			if neighborWeight[c] > neighborWeight[best] {
				best = c
			}
		}
		for _, n := range members {
			out[n] = best
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// localMove assigns every node in g to a cluster, returning node -> cluster
// label (the chosen cluster is represented by one of its member node names).
// It repeatedly moves each node (visited in sorted order for determinism) to
// the neighboring cluster that yields the largest modularity gain, stopping
// after no node moves in a full pass or after 50 passes.
func localMove(g *clusterGraph) map[string]string {
	comm := make(map[string]string, len(g.nodes))
	for _, n := range g.nodes {
		comm[n] = n
	}
	m2 := g.totalWeight() * 2
	if m2 == 0 {
		return comm
	}

	sorted := append([]string{}, g.nodes...)
	sort.Strings(sorted)

	commDegree := make(map[string]float64, len(g.nodes))
	for _, n := range g.nodes {
		commDegree[comm[n]] += g.degree(n)
	}

	for pass := 0; pass < 50; pass++ {
		moved := false
		for _, n := range sorted {
			ownComm := comm[n]
			deg := g.degree(n)
			commDegree[ownComm] -= deg

			neighborWeight := map[string]float64{}
			for other, w := range g.adj[n] {
				neighborWeight[comm[other]] += w
			}

			bestComm := ownComm
			bestGain := neighborWeight[ownComm] - commDegree[ownComm]*deg/m2
			var candidates []string
			for c := range neighborWeight {
				candidates = append(candidates, c)
			}
			sort.Strings(candidates)
			for _, c := range candidates {
				gain := neighborWeight[c] - commDegree[c]*deg/m2
				if gain > bestGain {
					bestGain = gain
					bestComm = c
				}
			}

			comm[n] = bestComm
			commDegree[bestComm] += deg
			if bestComm != ownComm {
				moved = true
			}
		}
		if !moved {
			break
		}
	}
	return comm
}

// aggregate builds the next coarser graph: one node per distinct cluster
// label in comm, with edge weight equal to the summed weight of inter-cluster
// edges in g (self-loops from intra-cluster edges are dropped; they do not
// affect which cluster a coarse node joins next).
func aggregate(g *clusterGraph, comm map[string]string) *clusterGraph {
	labels := map[string]bool{}
	for _, c := range comm {
		labels[c] = true
	}
	var nodeList []string
	for l := range labels {
		nodeList = append(nodeList, l)
	}
	sort.Strings(nodeList)

	next := newClusterGraph(nodeList)
	seen := map[[2]string]bool{}
	for _, n := range g.nodes {
		for other, w := range g.adj[n] {
			a, b := comm[n], comm[other]
			if a == b {
				continue
			}
			key := edgeKey(n, other)
			if seen[key] {
				continue
			}
			seen[key] = true
			next.addEdge(a, b, w)
		}
	}
	return next
}

func edgeKey(a, b string) [2]string {
	if a < b {
		return [2]string{a, b}
	}
	return [2]string{b, a}
}

// relabelLevel assigns stable sequential integer cluster ids (0, 1, 2, ...)
// to the distinct labels in comm, ordered by the sorted label string, since
// the raw labels produced by local-moving are arbitrary node names and the
// community id scheme only needs the partition, not these labels, to be
// deterministic.
func relabelLevel(nodes []string, comm map[string]string) (map[string]int, map[int][]string) {
	byLabel := map[string][]string{}
	for _, n := range nodes {
		l := comm[n]
		byLabel[l] = append(byLabel[l], n)
	}
	var labels []string
	for l := range byLabel {
		labels = append(labels, l)
	}
	sort.Strings(labels)

	labelToID := make(map[string]int, len(labels))
	membersByID := make(map[int][]string, len(labels))
	for i, l := range labels {
		labelToID[l] = i
		sort.Strings(byLabel[l])
		membersByID[i] = byLabel[l]
	}
	return labelToID, membersByID
}
