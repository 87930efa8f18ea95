package extstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	cerrors "github.com/devrev/pairdb/gridcache/internal/errors"
	"github.com/devrev/pairdb/gridcache/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConfig holds PostgreSQL connection settings
type PostgresConfig struct {
	DSN      string        `mapstructure:"dsn" yaml:"dsn"`
	Table    string        `mapstructure:"table" yaml:"table"`
	MaxConns int32         `mapstructure:"max_conns" yaml:"max_conns"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// PostgresStore keeps entries in a two column table (key text primary key,
// value bytea)
type PostgresStore struct {
	pool  *pgxpool.Pool
	table string
}

// NewPostgresStore connects and creates the table if needed
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	table := cfg.Table
	if table == "" {
		table = "cache_entries"
	}
	s := &PostgresStore{pool: pool, table: pgx.Identifier{table}.Sanitize()}

	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key   TEXT PRIMARY KEY,
			value BYTEA NOT NULL
		)
	`, s.table)
	if _, err := pool.Exec(ctx, query); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	return s, nil
}

// Load returns the value for key
func (s *PostgresStore) Load(ctx context.Context, key model.Key) ([]byte, bool, error) {
	query := fmt.Sprintf(`SELECT value FROM %s WHERE key = $1`, s.table)

	var value []byte
	err := s.pool.QueryRow(ctx, query, string(key)).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, cerrors.StoreUnavailable("postgres load failed", err)
	}
	return value, true, nil
}

// LoadAll returns the values of the keys that exist
func (s *PostgresStore) LoadAll(ctx context.Context, keys []model.Key) (map[model.Key][]byte, error) {
	query := fmt.Sprintf(`SELECT key, value FROM %s WHERE key = ANY($1)`, s.table)

	rows, err := s.pool.Query(ctx, query, keyStrings(keys))
	if err != nil {
		return nil, cerrors.StoreUnavailable("postgres load failed", err)
	}
	defer rows.Close()

	out := make(map[model.Key][]byte, len(keys))
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, cerrors.StoreUnavailable("postgres scan failed", err)
		}
		out[model.Key(key)] = value
	}
	if err := rows.Err(); err != nil {
		return nil, cerrors.StoreUnavailable("postgres load failed", err)
	}
	return out, nil
}

// WriteAll upserts every write in one transaction
func (s *PostgresStore) WriteAll(ctx context.Context, writes []Write) error {
	if len(writes) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, s.table)

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, w := range writes {
			batch.Queue(query, string(w.Key), w.Value)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return cerrors.StoreUnavailable("postgres write failed", err)
	}
	return nil
}

// DeleteAll removes every key
func (s *PostgresStore) DeleteAll(ctx context.Context, keys []model.Key) error {
	if len(keys) == 0 {
		return nil
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE key = ANY($1)`, s.table)
	if _, err := s.pool.Exec(ctx, query, keyStrings(keys)); err != nil {
		return cerrors.StoreUnavailable("postgres delete failed", err)
	}
	return nil
}

// Close closes the pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func keyStrings(keys []model.Key) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = string(k)
	}
	return out
}
