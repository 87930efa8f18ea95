package txn

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/devrev/pairdb/gridcache/internal/affinity"
	cerrors "github.com/devrev/pairdb/gridcache/internal/errors"
	"github.com/devrev/pairdb/gridcache/internal/lock"
	"github.com/devrev/pairdb/gridcache/internal/metrics"
	"github.com/devrev/pairdb/gridcache/internal/model"
	"github.com/devrev/pairdb/gridcache/internal/routing"
	"github.com/devrev/pairdb/gridcache/internal/storage"
	"github.com/devrev/pairdb/gridcache/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingWriter struct {
	mu   sync.Mutex
	keys []model.Key
}

func (w *recordingWriter) Enqueue(_ context.Context, _ int, key model.Key, _ []byte, _ bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.keys = append(w.keys, key)
	return nil
}

func (w *recordingWriter) Keys() []model.Key {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]model.Key(nil), w.keys...)
}

type testNode struct {
	id       model.NodeID
	store    *storage.Store
	locks    *lock.Table
	routing  *routing.Table
	part     *Participant
	coord    *Coordinator
	writer   *recordingWriter
	counters *metrics.Counters
}

type cluster struct {
	net     *transport.Network
	aff     *affinity.Function
	version model.AffinityVersion
	nodes   map[model.NodeID]*testNode
}

func testConfig() Config {
	return Config{
		LockTimeout:       100 * time.Millisecond,
		PrepareTimeout:    2 * time.Second,
		CommitTimeout:     5 * time.Second,
		MaxAttempts:       3,
		RetryBaseDelay:    5 * time.Millisecond,
		RetryMaxDelay:     50 * time.Millisecond,
		RecoveryTimeout:   time.Hour,
		DecisionRetention: time.Hour,
	}
}

// newCluster wires participants and coordinators over an in-process network
// with a fixed routing map
func newCluster(t *testing.T, cfg Config, backups int, owners [][]model.NodeID, ids ...model.NodeID) *cluster {
	t.Helper()
	c := &cluster{
		net:     transport.NewNetwork(),
		aff:     affinity.New(len(owners), backups),
		version: model.AffinityVersion{Topology: 1},
		nodes:   make(map[model.NodeID]*testNode),
	}
	members := make([]model.Member, len(ids))
	for i, id := range ids {
		members[i] = model.Member{ID: id, Order: uint64(i + 1)}
	}
	topo := model.NewTopology(1, members)

	for _, id := range ids {
		counters := metrics.NewCounters()
		store, err := storage.NewStore(&storage.Config{}, c.aff.PartitionOf, nil, counters, zap.NewNop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		locks := lock.NewTable(cfg.LockTimeout, store.Unlocked)
		store.SetLocks(locks)

		rt := routing.New(len(owners))
		rt.SetTopology(topo)
		require.True(t, rt.Install(c.version, owners))
		for p, list := range owners {
			for _, o := range list {
				if o == id {
					store.Ensure(p, model.PartitionOwning, 1)
				}
			}
		}

		ep := c.net.Endpoint(id)
		writer := &recordingWriter{}
		part := NewParticipant(id, cfg, store, locks, rt, ep, writer, counters, zap.NewNop())
		coord := NewCoordinator(id, cfg, rt, c.aff.PartitionOf, ep, counters, zap.NewNop())
		require.NoError(t, ep.Serve(NewHandler(part, coord).Handle))

		c.nodes[id] = &testNode{
			id:       id,
			store:    store,
			locks:    locks,
			routing:  rt,
			part:     part,
			coord:    coord,
			writer:   writer,
			counters: counters,
		}
	}
	return c
}

// reroute installs a newer map on every node
func (c *cluster) reroute(owners [][]model.NodeID) {
	c.version.Minor++
	for _, n := range c.nodes {
		n.routing.Install(c.version, owners)
	}
}

func (c *cluster) keyIn(partition int, skip int) model.Key {
	for i := 0; ; i++ {
		k := model.Key(fmt.Sprintf("key-%d", i))
		if c.aff.PartitionOf(k) != partition {
			continue
		}
		if skip == 0 {
			return k
		}
		skip--
	}
}

func (n *testNode) peek(t *testing.T, key model.Key) *model.Entry {
	t.Helper()
	part, ok := n.store.PartitionFor(key)
	require.True(t, ok)
	e, _, err := part.LocalPeek(key, storage.TierAll)
	require.NoError(t, err)
	if e == nil || !e.Live(time.Now()) {
		return nil
	}
	return e
}

func put(t *testing.T, c *Coordinator, key model.Key, value string) {
	t.Helper()
	require.NoError(t, c.Run(context.Background(), func(tx *Txn) error {
		return tx.Put(key, []byte(value))
	}))
}

func replicated() [][]model.NodeID {
	return [][]model.NodeID{{"a", "b"}, {"b", "a"}, {"a", "b"}, {"b", "a"}}
}

func solo() [][]model.NodeID {
	return [][]model.NodeID{{"a"}, {"a"}, {"a"}, {"a"}}
}

func TestCommitAcrossPrimaries(t *testing.T) {
	c := newCluster(t, testConfig(), 1, replicated(), "a", "b")
	a, b := c.nodes["a"], c.nodes["b"]
	k0, k1 := c.keyIn(0, 0), c.keyIn(1, 0)

	err := a.coord.Run(context.Background(), func(tx *Txn) error {
		require.NoError(t, tx.Put(k0, []byte("x")))
		return tx.Put(k1, []byte("y"))
	})
	require.NoError(t, err)

	for _, n := range []*testNode{a, b} {
		e0, e1 := n.peek(t, k0), n.peek(t, k1)
		require.NotNil(t, e0, "node %s", n.id)
		require.NotNil(t, e1, "node %s", n.id)
		assert.Equal(t, "x", string(e0.Value))
		assert.Equal(t, "y", string(e1.Value))
		assert.Equal(t, 0, n.locks.Len())
		assert.Equal(t, 0, n.part.Prepared())
	}
	assert.Equal(t, a.peek(t, k0).Version, b.peek(t, k0).Version)

	// only primaries hand writes to the external store
	assert.Equal(t, []model.Key{k0}, a.writer.Keys())
	assert.Equal(t, []model.Key{k1}, b.writer.Keys())
	assert.Equal(t, int64(1), a.counters.TxCommits.Load())
	assert.Equal(t, 0, a.coord.Active())

	entry, found, err := b.coord.Get(context.Background(), k0)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "x", string(entry.Value))
}

func TestSkipStoreBypassesWriteBehind(t *testing.T) {
	c := newCluster(t, testConfig(), 0, solo(), "a")
	a := c.nodes["a"]
	k := c.keyIn(2, 0)

	err := a.coord.Run(context.Background(), func(tx *Txn) error {
		return tx.Put(k, []byte("v"))
	}, WithSkipStore())
	require.NoError(t, err)
	assert.Empty(t, a.writer.Keys())
	require.NotNil(t, a.peek(t, k))
}

func TestReadYourWrites(t *testing.T) {
	c := newCluster(t, testConfig(), 0, solo(), "a")
	a := c.nodes["a"]
	ctx := context.Background()
	k := c.keyIn(0, 0)
	put(t, a.coord, k, "committed")

	tx := a.coord.Begin()
	v, found, err := tx.Get(ctx, k)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "committed", string(v))

	require.NoError(t, tx.Put(k, []byte("buffered")))
	v, found, err = tx.Get(ctx, k)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "buffered", string(v))

	require.NoError(t, tx.Remove(k))
	_, found, err = tx.Get(ctx, k)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, model.TxnCommitted, tx.State())
	assert.Nil(t, a.peek(t, k))
}

func TestEmptyCommit(t *testing.T) {
	c := newCluster(t, testConfig(), 0, solo(), "a")
	tx := c.nodes["a"].coord.Begin()
	require.NoError(t, tx.Commit(context.Background()))
	assert.Equal(t, model.TxnCommitted, tx.State())
}

func TestPrepareFailureRollsBackEveryParticipant(t *testing.T) {
	owners := [][]model.NodeID{{"a"}, {"b"}, {"a"}, {"b"}}
	c := newCluster(t, testConfig(), 0, owners, "a", "b")
	a, b := c.nodes["a"], c.nodes["b"]
	k0, k1 := c.keyIn(0, 0), c.keyIn(1, 0)
	ctx := context.Background()

	tx := a.coord.Begin()
	require.NoError(t, tx.Put(k0, []byte("x")))
	require.NoError(t, tx.Put(k1, []byte("y")))

	c.net.Kill("b")
	err := tx.Commit(ctx)
	require.Error(t, err)
	assert.True(t, cerrors.HasCode(err, cerrors.ErrCodeParticipantUnreachable))
	assert.Equal(t, model.TxnRolledBack, tx.State())

	assert.Nil(t, a.peek(t, k0))
	assert.Eventually(t, func() bool {
		return a.locks.Len() == 0 && a.part.Prepared() == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), a.counters.TxRollbacks.Load())

	c.net.Heal("b")
	assert.Nil(t, b.peek(t, k1))

	// a rolled back transaction cannot be committed afterwards
	err = tx.Commit(ctx)
	assert.True(t, cerrors.HasCode(err, cerrors.ErrCodeInvalidState))
}

func TestStaleReadFailsValidation(t *testing.T) {
	c := newCluster(t, testConfig(), 0, solo(), "a")
	a := c.nodes["a"]
	ctx := context.Background()
	k := c.keyIn(1, 0)
	put(t, a.coord, k, "v0")

	tx := a.coord.Begin()
	_, _, err := tx.Get(ctx, k)
	require.NoError(t, err)

	put(t, a.coord, k, "v1")

	require.NoError(t, tx.Put(k, []byte("v2")))
	err = tx.Commit(ctx)
	require.Error(t, err)
	assert.True(t, cerrors.HasCode(err, cerrors.ErrCodeConflict))
	assert.Equal(t, model.TxnRolledBack, tx.State())
	assert.Equal(t, int64(1), a.counters.TxConflicts.Load())
	assert.Equal(t, "v1", string(a.peek(t, k).Value))
	assert.Equal(t, 0, a.locks.Len())
}

func TestReadOnlyCommitReleasesBackupLocks(t *testing.T) {
	c := newCluster(t, testConfig(), 1, replicated(), "a", "b")
	a, b := c.nodes["a"], c.nodes["b"]
	ctx := context.Background()
	k := c.keyIn(0, 0)
	put(t, a.coord, k, "v0")

	err := a.coord.Run(ctx, func(tx *Txn) error {
		v, found, err := tx.Get(ctx, k)
		if err != nil {
			return err
		}
		assert.True(t, found)
		assert.Equal(t, "v0", string(v))
		return nil
	})
	require.NoError(t, err)

	for _, n := range []*testNode{a, b} {
		assert.Equal(t, 0, n.locks.Len(), "node %s", n.id)
		assert.Equal(t, 0, n.part.Prepared(), "node %s", n.id)
	}

	// a lingering backup lock would time the next writer out
	put(t, a.coord, k, "v1")
	put(t, b.coord, k, "v2")
	assert.Equal(t, "v2", string(b.peek(t, k).Value))
	assert.Equal(t, int64(0), a.counters.TxConflicts.Load())
}

func TestReadThenWriteWithBackups(t *testing.T) {
	c := newCluster(t, testConfig(), 1, replicated(), "a", "b")
	a, b := c.nodes["a"], c.nodes["b"]
	ctx := context.Background()
	k0, k1 := c.keyIn(0, 0), c.keyIn(1, 0)
	put(t, a.coord, k0, "v0")

	// k1 is only read and lives on the other primary
	tx := a.coord.Begin()
	v, found, err := tx.Get(ctx, k0)
	require.NoError(t, err)
	require.True(t, found)
	_, _, err = tx.Get(ctx, k1)
	require.NoError(t, err)
	require.NoError(t, tx.Put(k0, append(v, '+')))
	require.NoError(t, tx.Commit(ctx))

	for _, n := range []*testNode{a, b} {
		assert.Equal(t, "v0+", string(n.peek(t, k0).Value), "node %s", n.id)
		assert.Equal(t, 0, n.locks.Len(), "node %s", n.id)
		assert.Equal(t, 0, n.part.Prepared(), "node %s", n.id)
	}

	// a stale read with backups rolls back on every copy
	stale := a.coord.Begin()
	_, _, err = stale.Get(ctx, k0)
	require.NoError(t, err)
	put(t, b.coord, k0, "v1")
	require.NoError(t, stale.Put(k0, []byte("v2")))
	err = stale.Commit(ctx)
	assert.True(t, cerrors.HasCode(err, cerrors.ErrCodeConflict))

	for _, n := range []*testNode{a, b} {
		assert.Equal(t, "v1", string(n.peek(t, k0).Value), "node %s", n.id)
		assert.Equal(t, 0, n.locks.Len(), "node %s", n.id)
		assert.Equal(t, 0, n.part.Prepared(), "node %s", n.id)
	}

	put(t, a.coord, k1, "w")
	assert.Equal(t, "w", string(b.peek(t, k1).Value))
}

func TestAbsentReadConflictsWithInsert(t *testing.T) {
	c := newCluster(t, testConfig(), 0, solo(), "a")
	a := c.nodes["a"]
	ctx := context.Background()
	k := c.keyIn(3, 0)

	tx := a.coord.Begin()
	_, found, err := tx.Get(ctx, k)
	require.NoError(t, err)
	require.False(t, found)

	put(t, a.coord, k, "inserted")

	require.NoError(t, tx.Put(k, []byte("mine")))
	err = tx.Commit(ctx)
	assert.True(t, cerrors.HasCode(err, cerrors.ErrCodeConflict))
}

func TestRunRetriesConflicts(t *testing.T) {
	c := newCluster(t, testConfig(), 0, solo(), "a")
	a := c.nodes["a"]
	ctx := context.Background()
	k := c.keyIn(0, 0)
	put(t, a.coord, k, "v0")

	attempts := 0
	err := a.coord.Run(ctx, func(tx *Txn) error {
		attempts++
		if _, _, err := tx.Get(ctx, k); err != nil {
			return err
		}
		if attempts == 1 {
			put(t, a.coord, k, "concurrent")
		}
		return tx.Put(k, []byte("final"))
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, int64(1), a.counters.TxRetries.Load())
	assert.Equal(t, "final", string(a.peek(t, k).Value))
}

func TestRunExhaustsAttempts(t *testing.T) {
	c := newCluster(t, testConfig(), 0, solo(), "a")
	a := c.nodes["a"]

	attempts := 0
	err := a.coord.Run(context.Background(), func(tx *Txn) error {
		attempts++
		return cerrors.Conflict("k", "forced")
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, cerrors.ErrCodeConflict, cerrors.GetCode(err))
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, 0, a.coord.Active())
}

func TestRunReturnsPermanentErrors(t *testing.T) {
	c := newCluster(t, testConfig(), 0, solo(), "a")
	attempts := 0
	err := c.nodes["a"].coord.Run(context.Background(), func(tx *Txn) error {
		attempts++
		return cerrors.InvalidArgument("bad input", nil)
	})
	assert.True(t, cerrors.HasCode(err, cerrors.ErrCodeInvalidArgument))
	assert.Equal(t, 1, attempts)
}

func TestLockedKeyTimesOutAsConflict(t *testing.T) {
	c := newCluster(t, testConfig(), 0, solo(), "a")
	a := c.nodes["a"]
	ctx := context.Background()
	k := c.keyIn(2, 0)
	require.NoError(t, a.locks.Acquire(ctx, k, "intruder"))

	tx := a.coord.Begin()
	require.NoError(t, tx.Put(k, []byte("v")))
	err := tx.Commit(ctx)
	assert.True(t, cerrors.HasCode(err, cerrors.ErrCodeConflict))
	assert.Equal(t, model.TxnRolledBack, tx.State())

	a.locks.Release(k, "intruder")
	assert.Equal(t, 0, a.locks.Len())
}

func TestCommitFencedOnAffinityVersion(t *testing.T) {
	c := newCluster(t, testConfig(), 0, solo(), "a")
	a := c.nodes["a"]
	ctx := context.Background()
	k := c.keyIn(0, 0)
	stale := c.version

	tx := a.coord.Begin()
	require.NoError(t, tx.Put(k, []byte("v")))
	c.reroute(solo())

	err := tx.Commit(ctx)
	assert.True(t, cerrors.HasCode(err, cerrors.ErrCodeTopologyChanged))
	assert.True(t, cerrors.IsRetryable(err))

	// primaries fence as well
	err = a.part.Prepare(ctx, &PrepareRequest{
		TxnID:       "stale",
		Coordinator: "a",
		Version:     stale,
		Writes:      []model.TxnWrite{{Key: k, Partition: 0, Op: model.OpPut, Value: []byte("v")}},
	})
	assert.True(t, cerrors.HasCode(err, cerrors.ErrCodeTopologyChanged))
}

func TestFrozenPartitionRejectsPrepare(t *testing.T) {
	c := newCluster(t, testConfig(), 0, solo(), "a")
	a := c.nodes["a"]
	k := c.keyIn(1, 0)
	part, ok := a.store.Partition(1)
	require.True(t, ok)
	part.Freeze()

	tx := a.coord.Begin()
	require.NoError(t, tx.Put(k, []byte("v")))
	err := tx.Commit(context.Background())
	assert.True(t, cerrors.HasCode(err, cerrors.ErrCodeTopologyChanged))
	assert.Equal(t, 0, part.InFlight())

	part.Unfreeze()
	put(t, a.coord, k, "v")
	assert.Equal(t, 0, part.InFlight())
}

func TestCommitDeliveredToPromotedBackup(t *testing.T) {
	c := newCluster(t, testConfig(), 1, replicated(), "a", "b")
	a := c.nodes["a"]
	k := c.keyIn(1, 0)

	// b prepares as primary and replicates to a, then never sees the commit
	c.net.SetDrop(func(from, to model.NodeID, kind string) bool {
		return kind == KindCommit && to == "b"
	})
	go func() {
		time.Sleep(100 * time.Millisecond)
		c.reroute([][]model.NodeID{{"a", "b"}, {"a"}, {"a", "b"}, {"b", "a"}})
	}()

	err := a.coord.Run(context.Background(), func(tx *Txn) error {
		return tx.Put(k, []byte("v"))
	})
	require.NoError(t, err)

	e := a.peek(t, k)
	require.NotNil(t, e)
	assert.Equal(t, "v", string(e.Value))
	assert.Equal(t, 0, a.locks.Len())
	assert.Equal(t, 0, a.part.Prepared())
}

func TestRollbackActiveTransaction(t *testing.T) {
	c := newCluster(t, testConfig(), 0, solo(), "a")
	a := c.nodes["a"]
	ctx := context.Background()
	k := c.keyIn(0, 0)

	tx := a.coord.Begin()
	assert.Equal(t, 1, a.coord.Active())
	require.NoError(t, tx.Put(k, []byte("v")))
	require.NoError(t, tx.Rollback(ctx))
	assert.Equal(t, model.TxnRolledBack, tx.State())
	assert.Equal(t, 0, a.coord.Active())

	err := tx.Put(k, []byte("again"))
	assert.True(t, cerrors.HasCode(err, cerrors.ErrCodeInvalidState))
	require.NoError(t, tx.Rollback(ctx))
	assert.Nil(t, a.peek(t, k))
}

func TestPutWithTTL(t *testing.T) {
	c := newCluster(t, testConfig(), 0, solo(), "a")
	a := c.nodes["a"]
	ctx := context.Background()
	k := c.keyIn(2, 0)

	tx := a.coord.Begin()
	err := tx.PutWithTTL(k, []byte("v"), 0)
	assert.True(t, cerrors.HasCode(err, cerrors.ErrCodeInvalidArgument))

	require.NoError(t, tx.PutWithTTL(k, []byte("v"), 50*time.Millisecond))
	require.NoError(t, tx.Commit(ctx))

	_, found, err := a.coord.Get(ctx, k)
	require.NoError(t, err)
	assert.True(t, found)

	time.Sleep(100 * time.Millisecond)
	_, found, err = a.coord.Get(ctx, k)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDecisionArbitratesAbort(t *testing.T) {
	c := newCluster(t, testConfig(), 0, solo(), "a")
	coord := c.nodes["a"].coord

	coord.record("t1", model.TxnPreparing)
	assert.Equal(t, model.TxnPreparing, coord.Decision(&DecisionRequest{TxnID: "t1"}).State)
	assert.Equal(t, model.TxnRolledBack, coord.Decision(&DecisionRequest{TxnID: "t1", Resolve: true}).State)
	assert.False(t, coord.decide("t1"))

	coord.record("t2", model.TxnPreparing)
	require.True(t, coord.decide("t2"))
	assert.False(t, coord.requestAbort("t2"))
	assert.Equal(t, model.TxnCommitting, coord.Decision(&DecisionRequest{TxnID: "t2", Resolve: true}).State)

	assert.Equal(t, model.TxnUnknown, coord.Decision(&DecisionRequest{TxnID: "t3"}).State)

	coord.record("t2", model.TxnCommitted)
	assert.Equal(t, 0, coord.Prune(time.Now()))
	assert.Equal(t, 2, coord.Prune(time.Now().Add(2*time.Hour)))
}

func prepareOn(t *testing.T, c *cluster, n *testNode, id model.TxnID, coordinator model.NodeID, key model.Key) {
	t.Helper()
	err := n.part.Prepare(context.Background(), &PrepareRequest{
		TxnID:        id,
		Coordinator:  coordinator,
		Version:      c.version,
		Writes:       []model.TxnWrite{{Key: key, Partition: c.aff.PartitionOf(key), Op: model.OpPut, Value: []byte("recovered")}},
		Participants: []model.NodeID{n.id},
	})
	require.NoError(t, err)
	require.Equal(t, 1, n.part.Prepared())
}

func TestRecoveryCommitsWhenCoordinatorLeft(t *testing.T) {
	owners := [][]model.NodeID{{"b"}, {"a"}, {"b"}, {"a"}}
	c := newCluster(t, testConfig(), 0, owners, "a", "b")
	b := c.nodes["b"]
	k := c.keyIn(0, 0)

	prepareOn(t, c, b, "t1", "gone", k)
	assert.Equal(t, 1, b.part.Recover(context.Background()))

	e := b.peek(t, k)
	require.NotNil(t, e)
	assert.Equal(t, "recovered", string(e.Value))
	assert.Equal(t, 0, b.part.Prepared())
	assert.Equal(t, 0, b.locks.Len())
	assert.Equal(t, model.TxnCommitted, b.part.Status(&StatusRequest{TxnID: "t1"}).State)
	assert.Equal(t, int64(1), b.counters.TxRecovered.Load())
}

func TestRecoveryRollsBackUndecided(t *testing.T) {
	cfg := testConfig()
	cfg.RecoveryTimeout = 10 * time.Millisecond
	owners := [][]model.NodeID{{"b"}, {"a"}, {"b"}, {"a"}}
	c := newCluster(t, cfg, 0, owners, "a", "b")
	b := c.nodes["b"]
	k := c.keyIn(2, 0)

	prepareOn(t, c, b, "t1", "a", k)
	assert.Equal(t, 0, b.part.Recover(context.Background()), "coordinator alive and timeout not reached")
	assert.Equal(t, 1, b.part.Prepared())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, b.part.Recover(context.Background()))
	assert.Nil(t, b.peek(t, k))
	assert.Equal(t, 0, b.locks.Len())
	assert.Equal(t, model.TxnRolledBack, b.part.Status(&StatusRequest{TxnID: "t1"}).State)
}

func TestRecoveryFollowsCoordinatorDecision(t *testing.T) {
	cfg := testConfig()
	cfg.RecoveryTimeout = 10 * time.Millisecond
	owners := [][]model.NodeID{{"b"}, {"a"}, {"b"}, {"a"}}
	c := newCluster(t, cfg, 0, owners, "a", "b")
	a, b := c.nodes["a"], c.nodes["b"]
	k := c.keyIn(0, 1)

	a.coord.record("t1", model.TxnPreparing)
	require.True(t, a.coord.decide("t1"))
	prepareOn(t, c, b, "t1", "a", k)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, b.part.Recover(context.Background()))
	e := b.peek(t, k)
	require.NotNil(t, e)
	assert.Equal(t, "recovered", string(e.Value))
}

func TestCommitAfterRollbackIsRejected(t *testing.T) {
	owners := [][]model.NodeID{{"b"}, {"a"}, {"b"}, {"a"}}
	c := newCluster(t, testConfig(), 0, owners, "a", "b")
	b := c.nodes["b"]
	ctx := context.Background()
	k := c.keyIn(0, 0)

	prepareOn(t, c, b, "t1", "a", k)
	require.NoError(t, b.part.Rollback(ctx, &RollbackRequest{TxnID: "t1"}))
	assert.Equal(t, 0, b.locks.Len())

	err := b.part.Commit(ctx, &CommitRequest{TxnID: "t1", Keys: []model.Key{k}})
	assert.True(t, cerrors.HasCode(err, cerrors.ErrCodeInvalidState))

	// a late prepare of the same transaction is refused
	err = b.part.Prepare(ctx, &PrepareRequest{
		TxnID:       "t1",
		Coordinator: "a",
		Version:     c.version,
		Writes:      []model.TxnWrite{{Key: k, Partition: 0, Op: model.OpPut}},
	})
	assert.True(t, cerrors.HasCode(err, cerrors.ErrCodeInvalidState))
	assert.Nil(t, b.peek(t, k))
}
