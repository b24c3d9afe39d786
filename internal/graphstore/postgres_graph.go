package graphstore

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type pgGraph struct{ pool *pgxpool.Pool }

// NewPostgresGraph bootstraps the nodes/edges tables and returns a GraphDB
// backed by pool.
func NewPostgresGraph(ctx context.Context, pool *pgxpool.Pool) (GraphDB, error) {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS graph_nodes (
			id TEXT PRIMARY KEY,
			labels TEXT[] NOT NULL DEFAULT '{}',
			props JSONB NOT NULL DEFAULT '{}'::jsonb
		)`,
		`CREATE TABLE IF NOT EXISTS graph_edges (
			id BIGSERIAL PRIMARY KEY,
			source TEXT NOT NULL,
			rel TEXT NOT NULL,
			target TEXT NOT NULL,
			props JSONB NOT NULL DEFAULT '{}'::jsonb,
			UNIQUE(source, rel, target)
		)`,
		`CREATE INDEX IF NOT EXISTS graph_edges_src_rel ON graph_edges(source, rel)`,
		`CREATE INDEX IF NOT EXISTS graph_edges_dst_rel ON graph_edges(target, rel)`,
	}
	for _, s := range stmts {
		if _, err := pool.Exec(ctx, s); err != nil {
			return nil, err
		}
	}
	return &pgGraph{pool: pool}, nil
}

func (g *pgGraph) CreateNode(ctx context.Context, id string, labels []string, props map[string]any) error {
	return g.UpsertNode(ctx, id, labels, props)
}

func (g *pgGraph) UpsertNode(ctx context.Context, id string, labels []string, props map[string]any) error {
	if props == nil {
		props = map[string]any{}
	}
	_, err := g.pool.Exec(ctx, `
INSERT INTO graph_nodes(id, labels, props) VALUES($1,$2,$3)
ON CONFLICT (id) DO UPDATE SET labels=EXCLUDED.labels, props=EXCLUDED.props
`, id, labels, props)
	return err
}

func (g *pgGraph) BatchCreateNodes(ctx context.Context, nodes []Node) error {
	batch := make([][]any, 0, len(nodes))
	for _, n := range nodes {
		props := n.Props
		if props == nil {
			props = map[string]any{}
		}
		batch = append(batch, []any{n.ID, n.Labels, props})
	}
	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	for _, row := range batch {
		if _, err := tx.Exec(ctx, `
INSERT INTO graph_nodes(id, labels, props) VALUES($1,$2,$3)
ON CONFLICT (id) DO UPDATE SET labels=EXCLUDED.labels, props=EXCLUDED.props
`, row[0], row[1], row[2]); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (g *pgGraph) CreateEdge(ctx context.Context, srcID, rel, dstID string, props map[string]any) error {
	if props == nil {
		props = map[string]any{}
	}
	_, err := g.pool.Exec(ctx, `
INSERT INTO graph_edges(source, rel, target, props) VALUES($1,$2,$3,$4)
ON CONFLICT (source, rel, target) DO UPDATE SET props=EXCLUDED.props
`, srcID, rel, dstID, props)
	return err
}

func (g *pgGraph) BatchCreateEdges(ctx context.Context, edges []Edge) error {
	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	for _, e := range edges {
		props := e.Props
		if props == nil {
			props = map[string]any{}
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO graph_edges(source, rel, target, props) VALUES($1,$2,$3,$4)
ON CONFLICT (source, rel, target) DO UPDATE SET props=EXCLUDED.props
`, e.SourceID, e.Type, e.TargetID, props); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (g *pgGraph) GetNode(ctx context.Context, id string) (Node, bool, error) {
	row := g.pool.QueryRow(ctx, `SELECT labels, props FROM graph_nodes WHERE id=$1`, id)
	var labels []string
	var props map[string]any
	if err := row.Scan(&labels, &props); err != nil {
		return Node{}, false, nil
	}
	return Node{ID: id, Labels: labels, Props: props}, true, nil
}

func (g *pgGraph) DeleteNode(ctx context.Context, id string) error {
	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `DELETE FROM graph_edges WHERE source=$1 OR target=$1`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM graph_nodes WHERE id=$1`, id); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (g *pgGraph) Neighbors(ctx context.Context, id string, rel string) ([]string, error) {
	var rows pgx.Rows
	var err error
	if rel == "" {
		rows, err = g.pool.Query(ctx, `SELECT target FROM graph_edges WHERE source=$1 ORDER BY target`, id)
	} else {
		rows, err = g.pool.Query(ctx, `SELECT target FROM graph_edges WHERE source=$1 AND rel=$2 ORDER BY target`, id, rel)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (g *pgGraph) EdgesOf(ctx context.Context, id string) ([]Edge, error) {
	rows, err := g.pool.Query(ctx, `SELECT source, rel, target, props FROM graph_edges WHERE source=$1 OR target=$1`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Edge
	for rows.Next() {
		var source, rel, target string
		var props map[string]any
		if err := rows.Scan(&source, &rel, &target, &props); err != nil {
			return nil, err
		}
		out = append(out, Edge{SourceID: source, Type: rel, TargetID: target, Props: props})
	}
	return out, rows.Err()
}

func (g *pgGraph) AllNodes(ctx context.Context, labels []string) ([]Node, error) {
	var rows pgx.Rows
	var err error
	if len(labels) == 0 {
		rows, err = g.pool.Query(ctx, `SELECT id, labels, props FROM graph_nodes ORDER BY id`)
	} else {
		rows, err = g.pool.Query(ctx, `SELECT id, labels, props FROM graph_nodes WHERE labels && $1 ORDER BY id`, labels)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Node
	for rows.Next() {
		var id string
		var nodeLabels []string
		var props map[string]any
		if err := rows.Scan(&id, &nodeLabels, &props); err != nil {
			return nil, err
		}
		out = append(out, Node{ID: id, Labels: nodeLabels, Props: props})
	}
	return out, rows.Err()
}

func (g *pgGraph) AllEdges(ctx context.Context, types []string) ([]Edge, error) {
	var rows pgx.Rows
	var err error
	if len(types) == 0 {
		rows, err = g.pool.Query(ctx, `SELECT source, rel, target, props FROM graph_edges ORDER BY source, target`)
	} else {
		rows, err = g.pool.Query(ctx, `SELECT source, rel, target, props FROM graph_edges WHERE rel=ANY($1) ORDER BY source, target`, types)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Edge
	for rows.Next() {
		var source, rel, target string
		var props map[string]any
		if err := rows.Scan(&source, &rel, &target, &props); err != nil {
			return nil, err
		}
		out = append(out, Edge{SourceID: source, Type: rel, TargetID: target, Props: props})
	}
	return out, rows.Err()
}

// Traverse performs a bounded BFS using repeated Neighbors-style queries. It
// is not recursive SQL (no CTE) to keep behavior identical across backends.
func (g *pgGraph) Traverse(ctx context.Context, start string, maxHops int, relTypes []string) ([]Node, []Edge, error) {
	visited := map[string]bool{start: true}
	var nodes []Node
	var edges []Edge
	if n, ok, err := g.GetNode(ctx, start); err == nil && ok {
		nodes = append(nodes, n)
	}
	frontier := []string{start}
	for hop := 0; hop < maxHops && len(frontier) > 0; hop++ {
		var next []string
		for _, id := range frontier {
			rows, err := g.edgesFrom(ctx, id, relTypes)
			if err != nil {
				return nil, nil, err
			}
			for _, e := range rows {
				edges = append(edges, e)
				if !visited[e.TargetID] {
					visited[e.TargetID] = true
					if n, ok, _ := g.GetNode(ctx, e.TargetID); ok {
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

func (g *pgGraph) edgesFrom(ctx context.Context, id string, relTypes []string) ([]Edge, error) {
	var rows pgx.Rows
	var err error
	if len(relTypes) == 0 {
		rows, err = g.pool.Query(ctx, `SELECT rel, target, props FROM graph_edges WHERE source=$1`, id)
	} else {
		rows, err = g.pool.Query(ctx, `SELECT rel, target, props FROM graph_edges WHERE source=$1 AND rel=ANY($2)`, id, relTypes)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Edge
	for rows.Next() {
		var rel, target string
		var props map[string]any
		if err := rows.Scan(&rel, &target, &props); err != nil {
			return nil, err
		}
		out = append(out, Edge{SourceID: id, Type: rel, TargetID: target, Props: props})
	}
	return out, rows.Err()
}
