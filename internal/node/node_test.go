package node

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/devrev/pairdb/gridcache/internal/affinity"
	"github.com/devrev/pairdb/gridcache/internal/discovery"
	cerrors "github.com/devrev/pairdb/gridcache/internal/errors"
	"github.com/devrev/pairdb/gridcache/internal/extstore"
	"github.com/devrev/pairdb/gridcache/internal/model"
	"github.com/devrev/pairdb/gridcache/internal/rebalance"
	"github.com/devrev/pairdb/gridcache/internal/storage"
	"github.com/devrev/pairdb/gridcache/internal/transport"
	"github.com/devrev/pairdb/gridcache/internal/txn"
	"github.com/devrev/pairdb/gridcache/internal/writebehind"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig(id model.NodeID, partitions, backups int) Config {
	return Config{
		ID:               id,
		Partitions:       partitions,
		Backups:          backups,
		RecoveryInterval: 50 * time.Millisecond,
		Transaction: txn.Config{
			LockTimeout:       200 * time.Millisecond,
			PrepareTimeout:    2 * time.Second,
			CommitTimeout:     5 * time.Second,
			MaxAttempts:       10,
			RetryBaseDelay:    5 * time.Millisecond,
			RetryMaxDelay:     200 * time.Millisecond,
			RecoveryTimeout:   time.Hour,
			DecisionRetention: time.Hour,
		},
		Rebalance: rebalance.Config{
			BatchSize:       16,
			TransferTimeout: 5 * time.Second,
			MaxAttempts:     3,
			RetryBaseDelay:  10 * time.Millisecond,
			ExchangeTimeout: 2 * time.Second,
		},
		WriteBehind: writebehind.Config{
			Enabled:        true,
			FlushSize:      1024,
			FlushInterval:  20 * time.Millisecond,
			BatchSize:      64,
			CriticalSize:   4096,
			MaxRetries:     2,
			RetryBaseDelay: 5 * time.Millisecond,
		},
		Workers: WorkersConfig{Peer: 8, PeerQueue: 64, System: 4, Background: 4, BackgroundQueue: 64},
	}
}

// testCluster runs nodes in process over hub discovery and the loopback
// network
type testCluster struct {
	t          *testing.T
	hub        *discovery.Hub
	net        *transport.Network
	aff        *affinity.Function
	partitions int
	backups    int
	store      extstore.Store
	configure  func(*Config)
	nodes      map[model.NodeID]*Node
	killed     map[model.NodeID]bool
}

func newTestCluster(t *testing.T, partitions, backups int) *testCluster {
	return &testCluster{
		t:          t,
		hub:        discovery.NewHub(),
		net:        transport.NewNetwork(),
		aff:        affinity.New(partitions, backups),
		partitions: partitions,
		backups:    backups,
		nodes:      make(map[model.NodeID]*Node),
		killed:     make(map[model.NodeID]bool),
	}
}

func (c *testCluster) start(id model.NodeID) *Node {
	t := c.t
	member, err := c.hub.Join(id, "")
	require.NoError(t, err)

	cfg := testConfig(id, c.partitions, c.backups)
	if c.configure != nil {
		c.configure(&cfg)
	}
	n, err := New(cfg, Deps{Discovery: member, Transport: c.net.Endpoint(id), Store: c.store}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = n.Stop(ctx)
	})
	c.nodes[id] = n
	return n
}

// kill cuts a node off the network without telling discovery
func (c *testCluster) kill(id model.NodeID) {
	c.net.Kill(id)
	c.killed[id] = true
}

func (c *testCluster) alive() []*Node {
	var out []*Node
	for id, n := range c.nodes {
		if !c.killed[id] {
			out = append(out, n)
		}
	}
	return out
}

// converged reports whether every live node installed the ideal map of the
// hub's latest topology and finished moving partitions
func (c *testCluster) converged() bool {
	version := c.hub.Version()
	for _, n := range c.alive() {
		if !n.Ready() {
			return false
		}
		topo := n.routing.Topology()
		if topo.Version != version || n.routing.Version().Topology != version {
			return false
		}
		if !assert.ObjectsAreEqual(c.aff.AssignAll(topo), n.routing.AllOwners()) {
			return false
		}
		if out, in := n.supervisor.Transfers(); out > 0 || in > 0 {
			return false
		}
	}
	return true
}

func (c *testCluster) waitConverged() {
	c.t.Helper()
	require.Eventually(c.t, c.converged, 15*time.Second, 10*time.Millisecond)
}

// keyWithPrimary finds a key whose partition the routing table of n assigns
// to primary
func keyWithPrimary(t *testing.T, n *Node, primary model.NodeID, skip ...model.Key) model.Key {
	t.Helper()
	for i := 0; i < 10000; i++ {
		k := model.Key(fmt.Sprintf("key-%d", i))
		if p, ok := n.routing.Primary(n.aff.PartitionOf(k)); ok && p == primary && !contains(skip, k) {
			return k
		}
	}
	t.Fatalf("no key with primary %s", primary)
	return ""
}

func contains(keys []model.Key, k model.Key) bool {
	for _, x := range keys {
		if x == k {
			return true
		}
	}
	return false
}

func TestPutVisibleFromEveryNode(t *testing.T) {
	c := newTestCluster(t, 4, 1)
	a := c.start("a")
	b := c.start("b")
	c.waitConverged()

	ctx := context.Background()
	require.NoError(t, a.Cache().Put(ctx, "7", []byte("x")))

	for _, n := range []*Node{a, b} {
		v, ok, err := n.Cache().Get(ctx, "7")
		require.NoError(t, err)
		require.True(t, ok, "node %s", n.id)
		assert.Equal(t, "x", string(v))

		// two nodes with one backup hold every partition
		v, ok, err = n.Cache().LocalPeek("7", storage.TierAll)
		require.NoError(t, err)
		require.True(t, ok, "node %s", n.id)
		assert.Equal(t, "x", string(v))
	}
}

func TestPrimaryLostBeforePrepareRollsBack(t *testing.T) {
	c := newTestCluster(t, 16, 1)
	a := c.start("a")
	c.start("b")
	c.start("cc")
	c.waitConverged()

	k1 := keyWithPrimary(t, a, "b")
	k2 := keyWithPrimary(t, a, "cc")

	ctx := context.Background()
	tx := a.Cache().Begin()
	require.NoError(t, tx.Put(k1, []byte("one")))
	require.NoError(t, tx.Put(k2, []byte("two")))

	c.kill("cc")
	err := tx.Commit(ctx)
	require.Error(t, err)
	assert.True(t, cerrors.HasCode(err, cerrors.ErrCodeParticipantUnreachable), "got %v", err)
	assert.Equal(t, model.TxnRolledBack, tx.State())

	_, ok, err := a.Cache().Get(ctx, k1)
	require.NoError(t, err)
	assert.False(t, ok)
	for _, n := range c.alive() {
		_, ok, err := n.Cache().LocalPeek(k1, storage.TierAll)
		require.NoError(t, err)
		assert.False(t, ok, "partial write on %s", n.id)
	}
	assert.Equal(t, int64(1), a.Metrics().TxRollbacks)
}

func TestReadOnlyTransactionLeavesNoBackupLocks(t *testing.T) {
	c := newTestCluster(t, 8, 1)
	a := c.start("a")
	b := c.start("b")
	c.waitConverged()

	ctx := context.Background()
	ka := keyWithPrimary(t, a, "a")
	kb := keyWithPrimary(t, a, "b")
	require.NoError(t, a.Cache().Put(ctx, ka, []byte("x")))

	err := b.Cache().Transact(ctx, func(tx *txn.Txn) error {
		for _, k := range []model.Key{ka, kb} {
			if _, _, err := tx.Get(ctx, k); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	for _, n := range []*Node{a, b} {
		assert.Equal(t, 0, n.locks.Len(), "node %s", n.id)
		assert.Equal(t, 0, n.participant.Prepared(), "node %s", n.id)
	}

	require.NoError(t, b.Cache().Put(ctx, ka, []byte("y")))
	require.NoError(t, a.Cache().Put(ctx, kb, []byte("z")))
	for _, n := range []*Node{a, b} {
		v, ok, err := n.Cache().LocalPeek(ka, storage.TierAll)
		require.NoError(t, err)
		require.True(t, ok, "node %s", n.id)
		assert.Equal(t, "y", string(v))
	}
	assert.Zero(t, a.Metrics().TxConflicts+b.Metrics().TxConflicts)
}

func TestWriteDuringTransferReachesNewOwner(t *testing.T) {
	c := newTestCluster(t, 8, 0)
	a := c.start("a")
	c.waitConverged()

	ctx := context.Background()
	for i := 0; i < 50; i++ {
		require.NoError(t, a.Cache().Put(ctx, model.Key(fmt.Sprintf("seed-%d", i)), []byte("seed")))
	}

	next := model.NewTopology(2, []model.Member{{ID: "a", Order: 1}, {ID: "b", Order: 2}})
	var key model.Key
	for i := 0; i < 10000; i++ {
		k := model.Key(fmt.Sprintf("moving-%d", i))
		if c.aff.Assign(next, c.aff.PartitionOf(k))[0] == "b" {
			key = k
			break
		}
	}
	require.NotEmpty(t, key)

	const writes = 100
	errs := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= writes; i++ {
			if err := a.Cache().Put(ctx, key, []byte(fmt.Sprintf("v-%d", i))); err != nil {
				errs <- err
				return
			}
			time.Sleep(3 * time.Millisecond)
		}
	}()

	b := c.start("b")
	wg.Wait()
	close(errs)
	require.NoError(t, <-errs)
	c.waitConverged()

	primary, ok := b.routing.Primary(b.aff.PartitionOf(key))
	require.True(t, ok)
	require.Equal(t, model.NodeID("b"), primary)

	v, ok, err := b.Cache().LocalPeek(key, storage.TierAll)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, fmt.Sprintf("v-%d", writes), string(v))

	_, ok, err = a.Cache().LocalPeek(key, storage.TierAll)
	require.NoError(t, err)
	assert.False(t, ok, "old owner keeps no copy without backups")

	size, err := a.Cache().Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 51, size)
}

func TestSizeCountsEachKeyOnce(t *testing.T) {
	c := newTestCluster(t, 16, 1)
	a := c.start("a")
	c.start("b")
	c.start("cc")
	c.waitConverged()

	ctx := context.Background()
	for i := 0; i < 30; i++ {
		require.NoError(t, a.Cache().Put(ctx, model.Key(fmt.Sprintf("k%d", i)), []byte("v")))
	}

	local := 0
	for _, n := range c.alive() {
		size, err := n.Cache().Size(ctx)
		require.NoError(t, err)
		assert.Equal(t, 30, size, "node %s", n.id)
		local += n.Cache().LocalSize()
	}
	assert.Equal(t, 60, local, "one primary and one backup copy per key")
}

func TestReadThroughLoadsMissOnce(t *testing.T) {
	store := extstore.NewMemoryStore()
	require.NoError(t, store.WriteAll(context.Background(), []extstore.Write{{Key: "k", Value: []byte("stored")}}))

	c := newTestCluster(t, 8, 0)
	c.store = store
	c.configure = func(cfg *Config) { cfg.ReadThrough = true }
	a := c.start("a")
	c.waitConverged()

	ctx := context.Background()
	v, ok, err := a.Cache().Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "stored", string(v))

	v, ok, err = a.Cache().LocalPeek("k", storage.TierAll)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "stored", string(v))

	_, _, err = a.Cache().Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 1, store.Loads())

	_, ok, err = a.Cache().WithSkipStore().Get(ctx, "absent")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, store.Loads())
}

func TestReadThroughFailureSurfaces(t *testing.T) {
	store := extstore.NewMemoryStore()
	store.SetFailure(fmt.Errorf("connection refused"))

	c := newTestCluster(t, 8, 0)
	c.store = store
	c.configure = func(cfg *Config) { cfg.ReadThrough = true }
	a := c.start("a")
	c.waitConverged()

	_, _, err := a.Cache().Get(context.Background(), "k")
	assert.True(t, cerrors.HasCode(err, cerrors.ErrCodeStoreUnavailable), "got %v", err)
}

func TestRemovedKeyIsNotReloaded(t *testing.T) {
	store := extstore.NewMemoryStore()
	require.NoError(t, store.WriteAll(context.Background(), []extstore.Write{{Key: "k", Value: []byte("old")}}))

	c := newTestCluster(t, 8, 0)
	c.store = store
	c.configure = func(cfg *Config) {
		cfg.ReadThrough = true
		cfg.WriteBehind.FlushInterval = time.Hour
	}
	a := c.start("a")
	c.waitConverged()

	ctx := context.Background()
	require.NoError(t, a.Cache().Put(ctx, "k", []byte("new")))
	require.NoError(t, a.Cache().Remove(ctx, "k"))

	_, ok, err := a.Cache().Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, store.Loads())
}

func TestWriteBehindReachesStore(t *testing.T) {
	store := extstore.NewMemoryStore()
	c := newTestCluster(t, 8, 0)
	c.store = store
	a := c.start("a")
	c.waitConverged()

	ctx := context.Background()
	require.NoError(t, a.Cache().WithSkipStore().Put(ctx, "skipped", []byte("s")))
	require.NoError(t, a.Cache().Put(ctx, "stored", []byte("v")))

	require.Eventually(t, func() bool {
		v, ok := store.Get("stored")
		return ok && string(v) == "v"
	}, 5*time.Second, 10*time.Millisecond)
	_, ok := store.Get("skipped")
	assert.False(t, ok)
	assert.Greater(t, a.Metrics().WriteBehindFlushes, int64(0))
}

func TestTTLExpiresEntry(t *testing.T) {
	c := newTestCluster(t, 8, 0)
	a := c.start("a")
	c.waitConverged()

	ctx := context.Background()
	require.NoError(t, a.Cache().PutWithTTL(ctx, "k", []byte("v"), 50*time.Millisecond))
	_, ok, err := a.Cache().Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	require.Eventually(t, func() bool {
		_, ok, err := a.Cache().Get(ctx, "k")
		return err == nil && !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMetricsSnapshotAndExporter(t *testing.T) {
	hub := discovery.NewHub()
	member, err := hub.Join("a", "")
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	n, err := New(testConfig("a", 8, 0), Deps{
		Discovery: member,
		Transport: transport.NewNetwork().Endpoint("a"),
		Registry:  reg,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Stop(context.Background()) })
	require.Eventually(t, n.Ready, 5*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, n.Cache().Put(ctx, "k", []byte("v")))
	_, _, err = n.Cache().Get(ctx, "k")
	require.NoError(t, err)
	_, _, err = n.Cache().Get(ctx, "missing")
	require.NoError(t, err)

	snap := n.Cache().Metrics()
	assert.Equal(t, int64(1), snap.Puts)
	assert.Equal(t, int64(2), snap.Reads)
	assert.Equal(t, int64(1), snap.Hits)
	assert.Equal(t, int64(1), snap.Misses)
	assert.Equal(t, int64(1), snap.TxCommits)
	assert.Equal(t, int64(1), snap.Gauges.Size)
	assert.Equal(t, int64(8), snap.Gauges.OwnedPartitions)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["gridcache_cache_puts_total"])
	assert.True(t, names["gridcache_cache_operation_duration_seconds"])

	status := n.Status()
	assert.True(t, status.Ready)
	assert.Equal(t, 8, status.OwnedPartitions)
	assert.Equal(t, 8, status.PrimaryPartitions)
	assert.Equal(t, 1, status.Members)
}

// scriptedDiscovery delivers events pushed by the test
type scriptedDiscovery struct {
	ch   chan model.TopologyEvent
	once sync.Once
}

func (d *scriptedDiscovery) Events() <-chan model.TopologyEvent { return d.ch }

func (d *scriptedDiscovery) Leave() error {
	d.once.Do(func() { close(d.ch) })
	return nil
}

func TestTopologyGapStopsMembershipProcessing(t *testing.T) {
	d := &scriptedDiscovery{ch: make(chan model.TopologyEvent, 4)}
	n, err := New(testConfig("a", 8, 0), Deps{Discovery: d, Transport: transport.NewNetwork().Endpoint("a")}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Stop(context.Background()) })

	members := []model.Member{{ID: "a", Order: 1}}
	d.ch <- model.TopologyEvent{Version: 1, Type: model.EventJoined, Node: "a", Members: members}
	require.Eventually(t, n.Ready, 5*time.Second, 10*time.Millisecond)

	d.ch <- model.TopologyEvent{Version: 3, Type: model.EventJoined, Node: "b", Members: members}
	require.Eventually(t, func() bool { return n.Err() != nil }, 5*time.Second, 10*time.Millisecond)
	assert.True(t, cerrors.HasCode(n.Err(), cerrors.ErrCodeTopologyGap))
	assert.False(t, n.Ready())
	assert.NotEmpty(t, n.Status().Error)
}
