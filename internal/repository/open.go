package repository

import (
	"context"
	"fmt"

	"github.com/equivault/enclave-worker/internal/config"
)

// Open selects and connects the configured backend.
func Open(ctx context.Context, cfg config.RepositoryConfig) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		return NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisDB)
	case "postgres":
		return NewPostgresStore(ctx, cfg.DatabaseURL)
	case "supabase":
		return NewSupabaseStore(cfg.SupabaseURL, cfg.SupabaseKey)
	default:
		return nil, fmt.Errorf("unknown repository backend %q", cfg.Backend)
	}
}
