package metadatastore

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"ingestgraph/internal/config"
)

// New resolves the configured backend (memory when no Postgres DSN is set,
// Postgres otherwise) and initializes its schema.
func New(ctx context.Context, cfg *config.Config) (Store, error) {
	if cfg.PostgresDSN == "" {
		return NewMemory(), nil
	}
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	store := NewPostgres(pool)
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	return store, nil
}
