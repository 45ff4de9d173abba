package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smm/portfolio-engine/internal/model"
)

// Factory opens backends from a StorageConfig.
type Factory struct {
	// Redis serves the key-value backend. Nil means the key-value backend
	// is not available in this deployment.
	Redis *redis.Client

	// KeyPrefix namespaces Redis keys; DefaultKeyPrefix when empty.
	KeyPrefix string

	// Postgres is used when a postgresql config carries no credentials.
	Postgres *model.PostgresConfig

	// Now stamps the seeded quotes. time.Now when nil.
	Now func() time.Time
}

// Open connects to the backend named by cfg and initialises it. Backends
// with no opener in this deployment yield ErrNotImplemented.
func (f *Factory) Open(ctx context.Context, cfg model.StorageConfig) (Store, error) {
	now := time.Now
	if f.Now != nil {
		now = f.Now
	}

	switch cfg.Type {
	case model.StorageMemory, "":
		return NewMemoryStore(now()), nil

	case model.StorageKV:
		if f.Redis == nil {
			return nil, fmt.Errorf("%s backend without redis: %w", cfg.Type, ErrNotImplemented)
		}
		s, err := NewRedisStore(ctx, f.Redis, f.KeyPrefix, now())
		if err != nil {
			return nil, err
		}
		return s, nil

	case model.StoragePostgres:
		pg := cfg.Postgres
		if pg == nil {
			pg = f.Postgres
		}
		if pg == nil {
			return nil, errors.New("store: postgresql backend requires connection settings")
		}
		s, err := OpenPostgres(ctx, *pg, now())
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("storage type %q: %w", cfg.Type, ErrNotImplemented)
}
