package graphstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"ingestgraph/internal/config"
)

// New resolves the configured search, vector and graph backends into a
// Manager. VectorBackend/GraphBackend select "memory", "postgres" or
// "qdrant" (vector only); search runs on Postgres full text search when
// VectorBackend is "postgres" or "pgvector", memory otherwise.
func New(ctx context.Context, cfg *config.Config) (*Manager, error) {
	m := &Manager{}

	switch cfg.VectorBackend {
	case "", "memory":
		m.Vector = NewMemoryVector(cfg.EmbeddingDim)
	case "postgres", "pgvector":
		pool, err := newPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres (vector): %w", err)
		}
		m.Vector, err = NewPostgresVector(ctx, pool, cfg.EmbeddingDim, "cosine")
		if err != nil {
			return nil, err
		}
	case "qdrant":
		v, err := NewQdrantVector(ctx, cfg.QdrantDSN, cfg.QdrantCollection, cfg.EmbeddingDim, "cosine")
		if err != nil {
			return nil, err
		}
		m.Vector = v
	default:
		return nil, fmt.Errorf("unsupported vector backend: %s", cfg.VectorBackend)
	}

	switch cfg.GraphBackend {
	case "", "memory":
		m.Graph = NewMemoryGraph()
	case "postgres":
		pool, err := newPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres (graph): %w", err)
		}
		m.Graph, err = NewPostgresGraph(ctx, pool)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported graph backend: %s", cfg.GraphBackend)
	}

	switch cfg.VectorBackend {
	case "postgres", "pgvector":
		pool, err := newPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres (search): %w", err)
		}
		m.Search = NewPostgresSearch(ctx, pool)
	default:
		m.Search = NewMemorySearch()
	}

	return m, nil
}

func newPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is empty")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pcfg.MaxConns = 8
	pcfg.MinConns = 0
	pcfg.MaxConnLifetime = time.Hour
	pcfg.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(cctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
