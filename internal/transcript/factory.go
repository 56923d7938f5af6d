package transcript

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config selects and connects a transcript backend.
type Config struct {
	Kind          string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTTL      time.Duration
}

// NewStore builds the configured store: memory (default), postgres, redis or none.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "", "memory":
		return NewInMemoryStore(), nil
	case "none", "off":
		return NopStore{}, nil
	case "postgres":
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return nil, errors.New("DATABASE_URL is required for postgres transcript store")
		}
		return NewPostgresStore(ctx, cfg.DatabaseURL)
	case "redis":
		return NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisTTL)
	default:
		return nil, fmt.Errorf("unsupported transcript store %q", cfg.Kind)
	}
}

// Kind labels a store for startup logs.
func Kind(s Store) string {
	switch s.(type) {
	case *InMemoryStore:
		return "memory"
	case NopStore:
		return "none"
	case *PostgresStore:
		return "postgres"
	case *RedisStore:
		return "redis"
	default:
		return "custom"
	}
}
