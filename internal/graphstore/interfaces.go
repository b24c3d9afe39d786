// Package graphstore provides the vector+graph store adapter (C3): a
// pluggable VectorStore for chunk/entity/community embeddings, a pluggable
// GraphDB for the shared knowledge graph, and a FullTextSearch backend,
// adapted from the internal/persistence/databases package layout.
package graphstore

import "context"

// SearchResult is a single hit from the full-text search backend.
type SearchResult struct {
	ID       string
	Score    float64
	Snippet  string
	Metadata map[string]string
}

// FullTextSearch is a pluggable full-text search backend.
type FullTextSearch interface {
	Index(ctx context.Context, id string, text string, metadata map[string]string) error
	Remove(ctx context.Context, id string) error
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
}

// VectorResult is a single nearest-neighbor lookup result. Score is higher
// for closer matches.
type VectorResult struct {
	ID       string
	Score    float64
	Metadata map[string]string
}

// VectorItem is one vector to upsert in a batch.
type VectorItem struct {
	ID       string
	Vector   []float32
	Metadata map[string]string
}

// VectorStore is a pluggable nearest-neighbor vector index, shared by chunk,
// entity and community embeddings (each given its own id namespace by the
// caller, e.g. "chunk:" / "entity:" / "community:" prefixes).
type VectorStore interface {
	Upsert(ctx context.Context, id string, vector []float32, metadata map[string]string) error
	BatchUpsert(ctx context.Context, items []VectorItem) error
	Delete(ctx context.Context, id string) error
	VectorKNN(ctx context.Context, vector []float32, k int, filter map[string]string) ([]VectorResult, error)
	Dimension() int
}

// Node is a minimal graph node: id, labels (types) and free-form props.
type Node struct {
	ID     string
	Labels []string
	Props  map[string]any
}

// Edge is a minimal graph edge.
type Edge struct {
	SourceID string
	Type     string
	TargetID string
	Props    map[string]any
}

// GraphDB is a pluggable backend for the shared knowledge graph.
type GraphDB interface {
	CreateNode(ctx context.Context, id string, labels []string, props map[string]any) error
	UpsertNode(ctx context.Context, id string, labels []string, props map[string]any) error
	BatchCreateNodes(ctx context.Context, nodes []Node) error
	CreateEdge(ctx context.Context, srcID, rel, dstID string, props map[string]any) error
	BatchCreateEdges(ctx context.Context, edges []Edge) error
	GetNode(ctx context.Context, id string) (Node, bool, error)
	DeleteNode(ctx context.Context, id string) error
	Neighbors(ctx context.Context, id string, rel string) ([]string, error)
	// EdgesOf returns every edge with id as either endpoint, in either
	// direction. Used by the graph merger to rewire a duplicate node's
	// edges onto its primary before deleting it.
	EdgesOf(ctx context.Context, id string) ([]Edge, error)
	// AllNodes returns every node carrying at least one of labels (nil or
	// empty matches every node). Used by the community detector to
	// enumerate the entity graph it projects and clusters.
	AllNodes(ctx context.Context, labels []string) ([]Node, error)
	// AllEdges returns every edge whose type is in types (nil or empty
	// matches every type).
	AllEdges(ctx context.Context, types []string) ([]Edge, error)
	// Traverse walks up to maxHops edges outward from start, optionally
	// restricted to relTypes (nil/empty means any type), and returns the
	// visited nodes and traversed edges.
	Traverse(ctx context.Context, start string, maxHops int, relTypes []string) ([]Node, []Edge, error)
}

// Manager holds the concrete backends resolved from configuration.
type Manager struct {
	Search FullTextSearch
	Vector VectorStore
	Graph  GraphDB
}

// Close releases any underlying connection pools. No-op for memory backends.
func (m Manager) Close() {
	if c, ok := any(m.Search).(interface{ Close() }); ok {
		c.Close()
	}
	if c, ok := any(m.Vector).(interface{ Close() }); ok {
		c.Close()
	}
	if c, ok := any(m.Graph).(interface{ Close() }); ok {
		c.Close()
	}
}
