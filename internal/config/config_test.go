package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/devrev/pairdb/gridcache/internal/model"
	"github.com/devrev/pairdb/gridcache/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gridnode.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DiscoveryMemberlist, cfg.Cluster.Discovery)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	def := DefaultConfig()
	assert.Equal(t, def.Node, cfg.Node)
	assert.Equal(t, def.Cluster.Partitions, cfg.Cluster.Partitions)
	assert.Equal(t, def.Transaction, cfg.Transaction)
	assert.Equal(t, def.WriteBehind, cfg.WriteBehind)
	assert.Equal(t, def.Rebalance.TransferTimeout, cfg.Rebalance.TransferTimeout)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
node:
  id: grid-a
  port: 47101
cluster:
  partitions: 64
  backups: 2
  seeds:
    - 10.0.0.1:47500
    - 10.0.0.2:47500
transaction:
  lock_timeout: 750ms
store:
  kind: memory
  read_through: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "grid-a", cfg.Node.ID)
	assert.Equal(t, 47101, cfg.Node.Port)
	assert.Equal(t, 64, cfg.Cluster.Partitions)
	assert.Equal(t, 2, cfg.Cluster.Backups)
	assert.Equal(t, []string{"10.0.0.1:47500", "10.0.0.2:47500"}, cfg.Cluster.Seeds)
	assert.Equal(t, 750*time.Millisecond, cfg.Transaction.LockTimeout)
	assert.True(t, cfg.Store.ReadThrough)

	// keys the file leaves out keep their defaults
	assert.Equal(t, DefaultConfig().Transaction.CommitTimeout, cfg.Transaction.CommitTimeout)
	assert.Equal(t, DefaultConfig().HTTP.Port, cfg.HTTP.Port)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeFile(t, `
node:
  id: from-file
cluster:
  partitions: 64
`)
	t.Setenv("GRIDCACHE_NODE_ID", "from-env")
	t.Setenv("GRIDCACHE_CLUSTER_PARTITIONS", "128")
	t.Setenv("GRIDCACHE_TRANSACTION_RETRY_MAX_DELAY", "3s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Node.ID)
	assert.Equal(t, 128, cfg.Cluster.Partitions)
	assert.Equal(t, 3*time.Second, cfg.Transaction.RetryMaxDelay)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateRejectsBadSettings(t *testing.T) {
	cases := map[string]func(c *Config){
		"empty node id":          func(c *Config) { c.Node.ID = "" },
		"no partitions":          func(c *Config) { c.Cluster.Partitions = 0 },
		"negative backups":       func(c *Config) { c.Cluster.Backups = -1 },
		"unknown discovery":      func(c *Config) { c.Cluster.Discovery = "dns" },
		"unknown memory mode":    func(c *Config) { c.Storage.MemoryMode = "SWAP_ONLY" },
		"swap without data dir":  func(c *Config) { c.Storage.SwapEnabled = true; c.Node.DataDir = "" },
		"postgres without dsn":   func(c *Config) { c.Store.Kind = "postgres" },
		"unknown store":          func(c *Config) { c.Store.Kind = "mongo" },
		"read-through, no store": func(c *Config) { c.Store.ReadThrough = true },
		"zero lock timeout":      func(c *Config) { c.Transaction.LockTimeout = 0 },
		"http port out of range": func(c *Config) { c.HTTP.Port = 70000 },
		"zero exchange timeout":  func(c *Config) { c.Cluster.ExchangeTimeout = 0 },
		"zero transaction tries": func(c *Config) { c.Transaction.MaxAttempts = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestNodeConfigConversion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Node.ID = "grid-b"
	cfg.Node.DataDir = "/data/grid-b"
	cfg.Storage.SwapEnabled = true
	cfg.Storage.MemoryMode = string(storage.OffHeapTiered)
	cfg.Cluster.ExchangeTimeout = 4 * time.Second
	cfg.Store.Kind = "memory"
	cfg.Store.ReadThrough = true
	require.NoError(t, cfg.Validate())

	nc := cfg.NodeConfig()
	assert.Equal(t, model.NodeID("grid-b"), nc.ID)
	assert.Equal(t, cfg.Cluster.Partitions, nc.Partitions)
	assert.Equal(t, filepath.Join("/data/grid-b", "swap.db"), nc.Storage.SwapPath)
	assert.Equal(t, storage.OffHeapTiered, nc.Storage.MemoryMode)
	assert.Equal(t, 4*time.Second, nc.Rebalance.ExchangeTimeout)
	assert.True(t, nc.ReadThrough)
	assert.Equal(t, cfg.Workers, nc.Workers)
}
