package graphstore

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
)

// memorySearch is a naive in-memory full text search backend, used for tests
// and as the default whenever the vector backend is not Postgres.
type memorySearch struct {
	mu   sync.RWMutex
	docs map[string]searchDoc
}

type searchDoc struct {
	text     string
	metadata map[string]string
}

// NewMemorySearch returns an in-process FullTextSearch backend.
func NewMemorySearch() FullTextSearch { return &memorySearch{docs: make(map[string]searchDoc)} }

func (m *memorySearch) Index(_ context.Context, id, text string, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[id] = searchDoc{text: text, metadata: copyStrMap(metadata)}
	return nil
}

func (m *memorySearch) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, id)
	return nil
}

func (m *memorySearch) Search(_ context.Context, query string, limit int) ([]SearchResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 10
	}
	terms := strings.Fields(strings.ToLower(query))
	out := make([]SearchResult, 0, limit)
	for id, d := range m.docs {
		lt := strings.ToLower(d.text)
		var score float64
		for _, t := range terms {
			if t == "" {
				continue
			}
			if c := strings.Count(lt, t); c > 0 {
				score += float64(c)
			}
		}
		if score == 0 {
			continue
		}
		snippet := d.text
		if len(snippet) > 160 {
			snippet = snippet[:160]
		}
		out = append(out, SearchResult{ID: id, Score: score, Snippet: snippet, Metadata: copyStrMap(d.metadata)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// memoryVector is an in-process VectorStore doing brute-force cosine scans.
// Fine for test suites and small single-node deployments; the postgres and
// qdrant backends are what production ingestion runs against.
type memoryVector struct {
	mu      sync.RWMutex
	vectors map[string]vecEntry
	dim     int
}

type vecEntry struct {
	v        []float32
	metadata map[string]string
}

// NewMemoryVector returns an in-process VectorStore of the given dimension.
func NewMemoryVector(dim int) VectorStore {
	return &memoryVector{vectors: make(map[string]vecEntry), dim: dim}
}

func (m *memoryVector) Upsert(_ context.Context, id string, vector []float32, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]float32, len(vector))
	copy(cp, vector)
	m.vectors[id] = vecEntry{v: cp, metadata: copyStrMap(metadata)}
	return nil
}

func (m *memoryVector) BatchUpsert(ctx context.Context, items []VectorItem) error {
	for _, it := range items {
		if err := m.Upsert(ctx, it.ID, it.Vector, it.Metadata); err != nil {
			return err
		}
	}
	return nil
}

func (m *memoryVector) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.vectors, id)
	return nil
}

func (m *memoryVector) VectorKNN(_ context.Context, vector []float32, k int, filter map[string]string) ([]VectorResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if k <= 0 {
		k = 10
	}
	qnorm := l2norm(vector)
	out := make([]VectorResult, 0, len(m.vectors))
	for id, v := range m.vectors {
		if !matchesAllFilter(v.metadata, filter) {
			continue
		}
		out = append(out, VectorResult{ID: id, Score: cosine(vector, v.v, qnorm), Metadata: copyStrMap(v.metadata)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (m *memoryVector) Dimension() int { return m.dim }

func matchesAllFilter(md, filter map[string]string) bool {
	for k, v := range filter {
		if md[k] != v {
			return false
		}
	}
	return true
}

func l2norm(a []float32) float64 {
	var s float64
	for _, x := range a {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func cosine(a, b []float32, anorm float64) float64 {
	if anorm == 0 {
		anorm = l2norm(a)
	}
	bnorm := l2norm(b)
	if anorm == 0 || bnorm == 0 {
		return 0
	}
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (anorm * bnorm)
}

// memoryGraph is an in-process GraphDB over adjacency maps.
type memoryGraph struct {
	mu    sync.RWMutex
	nodes map[string]Node
	out   map[string][]Edge // source id -> outgoing edges
}

// NewMemoryGraph returns an in-process GraphDB.
func NewMemoryGraph() GraphDB {
	return &memoryGraph{nodes: make(map[string]Node), out: make(map[string][]Edge)}
}

func (g *memoryGraph) CreateNode(ctx context.Context, id string, labels []string, props map[string]any) error {
	return g.UpsertNode(ctx, id, labels, props)
}

func (g *memoryGraph) UpsertNode(_ context.Context, id string, labels []string, props map[string]any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes[id] = Node{ID: id, Labels: append([]string{}, labels...), Props: copyAnyMap(props)}
	return nil
}

func (g *memoryGraph) BatchCreateNodes(ctx context.Context, nodes []Node) error {
	for _, n := range nodes {
		if err := g.UpsertNode(ctx, n.ID, n.Labels, n.Props); err != nil {
			return err
		}
	}
	return nil
}

func (g *memoryGraph) CreateEdge(_ context.Context, srcID, rel, dstID string, props map[string]any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, e := range g.out[srcID] {
		if e.Type == rel && e.TargetID == dstID {
			return nil
		}
	}
	g.out[srcID] = append(g.out[srcID], Edge{SourceID: srcID, Type: rel, TargetID: dstID, Props: copyAnyMap(props)})
	return nil
}

func (g *memoryGraph) BatchCreateEdges(ctx context.Context, edges []Edge) error {
	for _, e := range edges {
		if err := g.CreateEdge(ctx, e.SourceID, e.Type, e.TargetID, e.Props); err != nil {
			return err
		}
	}
	return nil
}

func (g *memoryGraph) GetNode(_ context.Context, id string) (Node, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	return n, ok, nil
}

func (g *memoryGraph) DeleteNode(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.nodes, id)
	delete(g.out, id)
	for src, edges := range g.out {
		kept := edges[:0]
		for _, e := range edges {
			if e.TargetID != id {
				kept = append(kept, e)
			}
		}
		g.out[src] = kept
	}
	return nil
}

func (g *memoryGraph) Neighbors(_ context.Context, id string, rel string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []string
	for _, e := range g.out[id] {
		if rel == "" || e.Type == rel {
			out = append(out, e.TargetID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (g *memoryGraph) EdgesOf(_ context.Context, id string) ([]Edge, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []Edge
	out = append(out, g.out[id]...)
	for src, edges := range g.out {
		if src == id {
			continue
		}
		for _, e := range edges {
			if e.TargetID == id {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

func (g *memoryGraph) AllNodes(_ context.Context, labels []string) ([]Node, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	allowed := make(map[string]bool, len(labels))
	for _, l := range labels {
		allowed[l] = true
	}
	var out []Node
	for _, n := range g.nodes {
		if len(allowed) == 0 || hasAnyLabel(n.Labels, allowed) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (g *memoryGraph) AllEdges(_ context.Context, types []string) ([]Edge, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	allowed := make(map[string]bool, len(types))
	for _, t := range types {
		allowed[t] = true
	}
	var out []Edge
	for _, edges := range g.out {
		for _, e := range edges {
			if len(allowed) == 0 || allowed[e.Type] {
				out = append(out, e)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceID != out[j].SourceID {
			return out[i].SourceID < out[j].SourceID
		}
		return out[i].TargetID < out[j].TargetID
	})
	return out, nil
}

func hasAnyLabel(labels []string, allowed map[string]bool) bool {
	for _, l := range labels {
		if allowed[l] {
			return true
		}
	}
	return false
}

func (g *memoryGraph) Traverse(_ context.Context, start string, maxHops int, relTypes []string) ([]Node, []Edge, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	allowed := make(map[string]bool, len(relTypes))
	for _, t := range relTypes {
		allowed[t] = true
	}
	visited := map[string]bool{start: true}
	var nodes []Node
	var edges []Edge
	if n, ok := g.nodes[start]; ok {
		nodes = append(nodes, n)
	}
	frontier := []string{start}
	for hop := 0; hop < maxHops && len(frontier) > 0; hop++ {
		var next []string
		for _, id := range frontier {
			for _, e := range g.out[id] {
				if len(allowed) > 0 && !allowed[e.Type] {
					continue
				}
				edges = append(edges, e)
				if !visited[e.TargetID] {
					visited[e.TargetID] = true
					if n, ok := g.nodes[e.TargetID]; ok {
						nodes = append(nodes, n)
					}
					next = append(next, e.TargetID)
				}
			}
		}
		frontier = next
	}
	return nodes, edges, nil
}

func copyStrMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

func copyAnyMap(m map[string]any) map[string]any {
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
