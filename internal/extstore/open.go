package extstore

import (
	"context"
	"fmt"
)

// Store kinds
const (
	KindNone     = "none"
	KindMemory   = "memory"
	KindPostgres = "postgres"
	KindRedis    = "redis"
)

// Config selects and configures the external store
type Config struct {
	Kind        string         `mapstructure:"kind" yaml:"kind"`
	ReadThrough bool           `mapstructure:"read_through" yaml:"read_through"`
	Postgres    PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
	Redis       RedisConfig    `mapstructure:"redis" yaml:"redis"`
}

// Open builds the configured store. It returns nil for kind "none".
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Kind {
	case "", KindNone:
		return nil, nil
	case KindMemory:
		return NewMemoryStore(), nil
	case KindPostgres:
		if cfg.Postgres.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, cfg.Postgres.Timeout)
			defer cancel()
		}
		s, err := NewPostgresStore(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		return s, nil
	case KindRedis:
		s, err := NewRedisStore(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store kind %q", cfg.Kind)
	}
}
