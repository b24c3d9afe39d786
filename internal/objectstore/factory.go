package objectstore

import (
	"context"
	"fmt"

	"ingestgraph/internal/config"
)

// New builds the configured ObjectStore backend (s3 or memory).
func New(ctx context.Context, cfg *config.Config) (ObjectStore, error) {
	switch cfg.ObjectStoreBackend {
	case "s3":
		store, err := NewS3Store(ctx, S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
		})
		if err != nil {
			return nil, fmt.Errorf("new s3 store: %w", err)
		}
		return store, nil
	case "memory", "":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown object store backend %q", cfg.ObjectStoreBackend)
	}
}
