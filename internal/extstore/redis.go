package extstore

import (
	"context"
	"errors"
	"fmt"

	cerrors "github.com/devrev/pairdb/gridcache/internal/errors"
	"github.com/devrev/pairdb/gridcache/internal/model"
	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr      string `mapstructure:"addr" yaml:"addr"`
	Password  string `mapstructure:"password" yaml:"password"`
	DB        int    `mapstructure:"db" yaml:"db"`
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix"`
}

// RedisStore keeps entries as plain Redis strings under a key prefix
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to Redis
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "gridcache:"
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) redisKey(key model.Key) string {
	return s.prefix + string(key)
}

// Load returns the value for key
func (s *RedisStore) Load(ctx context.Context, key model.Key) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, cerrors.StoreUnavailable("redis load failed", err)
	}
	return data, true, nil
}

// LoadAll returns the values of the keys that exist
func (s *RedisStore) LoadAll(ctx context.Context, keys []model.Key) (map[model.Key][]byte, error) {
	out := make(map[model.Key][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	redisKeys := make([]string, len(keys))
	for i, k := range keys {
		redisKeys[i] = s.redisKey(k)
	}
	values, err := s.client.MGet(ctx, redisKeys...).Result()
	if err != nil {
		return nil, cerrors.StoreUnavailable("redis load failed", err)
	}
	for i, v := range values {
		if str, ok := v.(string); ok {
			out[keys[i]] = []byte(str)
		}
	}
	return out, nil
}

// WriteAll sets every key in one MULTI/EXEC block
func (s *RedisStore) WriteAll(ctx context.Context, writes []Write) error {
	if len(writes) == 0 {
		return nil
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, w := range writes {
			pipe.Set(ctx, s.redisKey(w.Key), w.Value, 0)
		}
		return nil
	})
	if err != nil {
		return cerrors.StoreUnavailable("redis write failed", err)
	}
	return nil
}

// DeleteAll removes every key
func (s *RedisStore) DeleteAll(ctx context.Context, keys []model.Key) error {
	if len(keys) == 0 {
		return nil
	}
	redisKeys := make([]string, len(keys))
	for i, k := range keys {
		redisKeys[i] = s.redisKey(k)
	}
	if err := s.client.Del(ctx, redisKeys...).Err(); err != nil {
		return cerrors.StoreUnavailable("redis delete failed", err)
	}
	return nil
}

// Close closes the client
func (s *RedisStore) Close() error {
	return s.client.Close()
}
