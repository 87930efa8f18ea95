package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/devrev/pairdb/gridcache/internal/extstore"
	"github.com/devrev/pairdb/gridcache/internal/model"
	"github.com/devrev/pairdb/gridcache/internal/node"
	"github.com/devrev/pairdb/gridcache/internal/rebalance"
	"github.com/devrev/pairdb/gridcache/internal/storage"
	"github.com/devrev/pairdb/gridcache/internal/txn"
	"github.com/devrev/pairdb/gridcache/internal/writebehind"
	"gopkg.in/yaml.v3"
)

// Discovery modes
const (
	DiscoveryMemberlist = "memberlist"
	DiscoveryStandalone = "standalone"
)

// Config represents the grid node configuration
type Config struct {
	Node        NodeConfig         `mapstructure:"node" yaml:"node"`
	Cluster     ClusterConfig      `mapstructure:"cluster" yaml:"cluster"`
	Transaction txn.Config         `mapstructure:"transaction" yaml:"transaction"`
	Storage     StorageConfig      `mapstructure:"storage" yaml:"storage"`
	Rebalance   rebalance.Config   `mapstructure:"rebalance" yaml:"rebalance"`
	WriteBehind writebehind.Config `mapstructure:"write_behind" yaml:"write_behind"`
	Store       extstore.Config    `mapstructure:"store" yaml:"store"`
	Workers     node.WorkersConfig `mapstructure:"workers" yaml:"workers"`
	HTTP        HTTPConfig         `mapstructure:"http" yaml:"http"`
	Logging     LoggingConfig      `mapstructure:"logging" yaml:"logging"`
}

// NodeConfig identifies the node and its peer endpoint
type NodeConfig struct {
	ID      string `mapstructure:"id" yaml:"id"`
	Host    string `mapstructure:"host" yaml:"host"`
	Port    int    `mapstructure:"port" yaml:"port"`
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
}

// ClusterConfig represents partitioning and membership configuration
type ClusterConfig struct {
	Partitions      int           `mapstructure:"partitions" yaml:"partitions"`
	Backups         int           `mapstructure:"backups" yaml:"backups"`
	Discovery       string        `mapstructure:"discovery" yaml:"discovery"`
	GossipPort      int           `mapstructure:"gossip_port" yaml:"gossip_port"`
	Seeds           []string      `mapstructure:"seeds" yaml:"seeds"`
	ExchangeTimeout time.Duration `mapstructure:"exchange_timeout" yaml:"exchange_timeout"`
	RecoveryPeriod  time.Duration `mapstructure:"recovery_period" yaml:"recovery_period"`
}

// StorageConfig represents the tier bounds of every partition
type StorageConfig struct {
	MemoryMode       string `mapstructure:"memory_mode" yaml:"memory_mode"`
	OnHeapMaxEntries int    `mapstructure:"onheap_max_entries" yaml:"onheap_max_entries"`
	OffHeapMaxBytes  int64  `mapstructure:"offheap_max_bytes" yaml:"offheap_max_bytes"`
	SwapEnabled      bool   `mapstructure:"swap_enabled" yaml:"swap_enabled"`
	SwapMaxBytes     int64  `mapstructure:"swap_max_bytes" yaml:"swap_max_bytes"`
}

// HTTPConfig represents the admin API configuration
type HTTPConfig struct {
	Enabled           bool          `mapstructure:"enabled" yaml:"enabled"`
	Host              string        `mapstructure:"host" yaml:"host"`
	Port              int           `mapstructure:"port" yaml:"port"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst             int           `mapstructure:"burst" yaml:"burst"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	Development bool   `mapstructure:"development" yaml:"development"`
}

// Validate validates the configuration and fills derived defaults
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return errors.New("node.id is required")
	}
	if c.Node.Port < 0 || c.Node.Port > 65535 {
		return errors.New("node.port must be between 0 and 65535")
	}
	if c.Cluster.Partitions <= 0 {
		return errors.New("cluster.partitions must be positive")
	}
	if c.Cluster.Backups < 0 {
		return errors.New("cluster.backups must not be negative")
	}
	switch c.Cluster.Discovery {
	case DiscoveryMemberlist, DiscoveryStandalone:
	case "":
		c.Cluster.Discovery = DiscoveryMemberlist
	default:
		return fmt.Errorf("cluster.discovery must be one of: %s, %s", DiscoveryMemberlist, DiscoveryStandalone)
	}
	if c.Cluster.ExchangeTimeout <= 0 {
		return errors.New("cluster.exchange_timeout must be positive")
	}

	switch storage.MemoryMode(c.Storage.MemoryMode) {
	case storage.OnHeapTiered, storage.OffHeapTiered:
	case "":
		c.Storage.MemoryMode = string(storage.OnHeapTiered)
	default:
		return fmt.Errorf("storage.memory_mode must be one of: %s, %s", storage.OnHeapTiered, storage.OffHeapTiered)
	}
	if c.Storage.SwapEnabled && c.Node.DataDir == "" {
		return errors.New("node.data_dir is required when storage.swap_enabled is set")
	}

	if c.Transaction.LockTimeout <= 0 {
		return errors.New("transaction.lock_timeout must be positive")
	}
	if c.Transaction.MaxAttempts <= 0 {
		return errors.New("transaction.max_attempts must be positive")
	}

	switch c.Store.Kind {
	case "", extstore.KindNone, extstore.KindMemory:
	case extstore.KindPostgres:
		if c.Store.Postgres.DSN == "" {
			return errors.New("store.postgres.dsn is required")
		}
	case extstore.KindRedis:
		if c.Store.Redis.Addr == "" {
			return errors.New("store.redis.addr is required")
		}
	default:
		return fmt.Errorf("store.kind %q is not supported", c.Store.Kind)
	}
	if c.Store.ReadThrough && (c.Store.Kind == "" || c.Store.Kind == extstore.KindNone) {
		return errors.New("store.read_through requires store.kind")
	}

	if c.HTTP.Enabled && (c.HTTP.Port <= 0 || c.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// PeerAddr is the address the peer transport listens on
func (c *Config) PeerAddr() string {
	return fmt.Sprintf("%s:%d", c.Node.Host, c.Node.Port)
}

// HTTPAddr is the address the admin API listens on
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}

// NodeConfig converts the file layout into the node's settings
func (c *Config) NodeConfig() node.Config {
	rb := c.Rebalance
	rb.ExchangeTimeout = c.Cluster.ExchangeTimeout

	st := storage.Config{
		MemoryMode:       storage.MemoryMode(c.Storage.MemoryMode),
		OnHeapMaxEntries: c.Storage.OnHeapMaxEntries,
		OffHeapMaxBytes:  c.Storage.OffHeapMaxBytes,
		SwapEnabled:      c.Storage.SwapEnabled,
		SwapMaxBytes:     c.Storage.SwapMaxBytes,
	}
	if st.SwapEnabled {
		st.SwapPath = filepath.Join(c.Node.DataDir, "swap.db")
	}

	return node.Config{
		ID:               model.NodeID(c.Node.ID),
		Partitions:       c.Cluster.Partitions,
		Backups:          c.Cluster.Backups,
		ReadThrough:      c.Store.ReadThrough,
		RecoveryInterval: c.Cluster.RecoveryPeriod,
		Storage:          st,
		Transaction:      c.Transaction,
		Rebalance:        rb,
		WriteBehind:      c.WriteBehind,
		Workers:          c.Workers,
	}
}

// Dump renders the configuration as YAML
func (c *Config) Dump() ([]byte, error) {
	return yaml.Marshal(c)
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			ID:      "node-1",
			Host:    "0.0.0.0",
			Port:    47100,
			DataDir: "/var/lib/gridcache",
		},
		Cluster: ClusterConfig{
			Partitions:      1024,
			Backups:         1,
			Discovery:       DiscoveryMemberlist,
			GossipPort:      47500,
			ExchangeTimeout: 10 * time.Second,
			RecoveryPeriod:  time.Second,
		},
		Transaction: txn.DefaultConfig(),
		Storage: StorageConfig{
			MemoryMode:       string(storage.OnHeapTiered),
			OnHeapMaxEntries: 100000,
			OffHeapMaxBytes:  64 << 20,
			SwapEnabled:      false,
			SwapMaxBytes:     1 << 30,
		},
		Rebalance:   rebalance.DefaultConfig(),
		WriteBehind: writebehind.DefaultConfig(),
		Store: extstore.Config{
			Kind: extstore.KindNone,
			Postgres: extstore.PostgresConfig{
				Table:    "grid_entries",
				MaxConns: 10,
				Timeout:  5 * time.Second,
			},
			Redis: extstore.RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "grid:",
			},
		},
		Workers: node.WorkersConfig{
			Peer:            64,
			PeerQueue:       1024,
			System:          16,
			Background:      4,
			BackgroundQueue: 256,
		},
		HTTP: HTTPConfig{
			Enabled:           true,
			Host:              "0.0.0.0",
			Port:              8080,
			RequestsPerSecond: 1000,
			Burst:             100,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
