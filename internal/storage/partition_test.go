package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	cerrors "github.com/devrev/pairdb/gridcache/internal/errors"
	"github.com/devrev/pairdb/gridcache/internal/metrics"
	"github.com/devrev/pairdb/gridcache/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeLocks struct {
	mu     sync.Mutex
	locked map[model.Key]bool
}

func newFakeLocks() *fakeLocks {
	return &fakeLocks{locked: make(map[model.Key]bool)}
}

func (f *fakeLocks) IsLocked(key model.Key) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locked[key]
}

func (f *fakeLocks) set(key model.Key, locked bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locked[key] = locked
}

func newTestStore(t *testing.T, cfg Config, locks LockChecker) (*Store, *metrics.Counters) {
	t.Helper()
	if cfg.SwapEnabled && cfg.SwapPath == "" {
		cfg.SwapPath = filepath.Join(t.TempDir(), "swap.db")
	}
	counters := metrics.NewCounters()
	store, err := NewStore(&cfg, func(model.Key) int { return 0 }, locks, counters, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, counters
}

func entry(key string, value string, order uint64) *model.Entry {
	return &model.Entry{
		Key:     model.Key(key),
		Value:   []byte(value),
		Version: model.Version{Topology: 1, Order: order, Node: "n1"},
	}
}

func TestLeastRecentlyUsedEntryIsDemotedOffHeap(t *testing.T) {
	const bound = 4
	store, counters := newTestStore(t, Config{OnHeapMaxEntries: bound}, newFakeLocks())
	p, _ := store.Ensure(0, model.PartitionOwning, 1)

	for i := 0; i < bound; i++ {
		_, err := p.Put(entry(fmt.Sprintf("k%d", i), "v", uint64(i+1)), false)
		require.NoError(t, err)
	}
	// touch k0 so k1 becomes the least recently used
	_, found, err := p.Get("k0")
	require.NoError(t, err)
	require.True(t, found)

	_, err = p.Put(entry("k-new", "v", 100), false)
	require.NoError(t, err)

	e, tier, err := p.LocalPeek("k1", TierOffHeap)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, TierOffHeap, tier)
	assert.Equal(t, []byte("v"), e.Value)

	e, _, err = p.LocalPeek("k1", TierOnHeap)
	require.NoError(t, err)
	assert.Nil(t, e)

	stats := p.Stats()
	assert.Equal(t, bound, stats.OnHeapEntries)
	assert.Equal(t, 1, stats.OffHeapEntries)
	assert.Equal(t, int64(1), counters.Evictions.Load())
}

func TestGetPromotesAndStaysInOneTier(t *testing.T) {
	store, counters := newTestStore(t, Config{OnHeapMaxEntries: 1}, newFakeLocks())
	p, _ := store.Ensure(0, model.PartitionOwning, 1)

	_, err := p.Put(entry("a", "1", 1), false)
	require.NoError(t, err)
	_, err = p.Put(entry("b", "2", 2), false)
	require.NoError(t, err)

	e, found, err := p.Get("a")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("1"), e.Value)

	onheap, _, _ := p.LocalPeek("a", TierOnHeap)
	offheap, _, _ := p.LocalPeek("a", TierOffHeap)
	assert.NotNil(t, onheap)
	assert.Nil(t, offheap)

	demoted, _, _ := p.LocalPeek("b", TierOffHeap)
	assert.NotNil(t, demoted)
	assert.Equal(t, int64(1), counters.Promotions.Load())
	assert.Equal(t, 2, p.Size())
}

func TestOffHeapTieredPinsEntriesOffHeap(t *testing.T) {
	store, _ := newTestStore(t, Config{MemoryMode: OffHeapTiered, OnHeapMaxEntries: 10}, newFakeLocks())
	p, _ := store.Ensure(0, model.PartitionOwning, 1)

	_, err := p.Put(entry("k", "5", 1), false)
	require.NoError(t, err)

	_, found, err := p.Get("k")
	require.NoError(t, err)
	require.True(t, found)

	onheap, _, _ := p.LocalPeek("k", TierOnHeap)
	assert.Nil(t, onheap)
	offheap, _, _ := p.LocalPeek("k", TierOffHeap)
	require.NotNil(t, offheap)
	assert.Equal(t, []byte("5"), offheap.Value)
}

func TestOffHeapOverflowSpillsToSwap(t *testing.T) {
	e := EncodeEntry(entry("k0", "value", 1))
	store, counters := newTestStore(t, Config{
		OnHeapMaxEntries: 1,
		OffHeapMaxBytes:  int64(len(e)),
		SwapEnabled:      true,
	}, newFakeLocks())
	p, _ := store.Ensure(0, model.PartitionOwning, 1)

	for i := 0; i < 3; i++ {
		_, err := p.Put(entry(fmt.Sprintf("k%d", i), "value", uint64(i+1)), false)
		require.NoError(t, err)
	}

	swapped, tier, err := p.LocalPeek("k0", TierSwap)
	require.NoError(t, err)
	require.NotNil(t, swapped)
	assert.Equal(t, TierSwap, tier)
	assert.Equal(t, int64(1), counters.OffHeapEvictions.Load())

	got, found, err := p.Get("k0")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("value"), got.Value)

	stillSwapped, _, _ := p.LocalPeek("k0", TierSwap)
	assert.Nil(t, stillSwapped)
	assert.Equal(t, 3, p.Size())
}

func TestEvictionSkipsLockedKeysAndResumesOnUnlock(t *testing.T) {
	locks := newFakeLocks()
	store, counters := newTestStore(t, Config{OnHeapMaxEntries: 2}, locks)
	p, _ := store.Ensure(0, model.PartitionOwning, 1)

	locks.set("a", true)
	locks.set("b", true)
	_, err := p.Put(entry("a", "1", 1), false)
	require.NoError(t, err)
	_, err = p.Put(entry("b", "2", 2), false)
	require.NoError(t, err)

	locks.set("c", true)
	_, err = p.Put(entry("c", "3", 3), false)
	require.NoError(t, err)

	// every candidate is locked so the tier stays over its bound
	assert.Equal(t, 3, p.Stats().OnHeapEntries)
	assert.Equal(t, int64(1), counters.DeferredEvicts.Load())

	locks.set("a", false)
	p.OnUnlock("a")

	assert.Equal(t, 2, p.Stats().OnHeapEntries)
	demoted, _, _ := p.LocalPeek("a", TierOffHeap)
	assert.NotNil(t, demoted)
}

func TestReplayOfOlderVersionIsNoop(t *testing.T) {
	store, _ := newTestStore(t, Config{}, nil)
	p, _ := store.Ensure(0, model.PartitionOwning, 1)

	applied, err := p.Put(entry("k", "new", 5), false)
	require.NoError(t, err)
	assert.True(t, applied)

	for _, order := range []uint64{5, 4} {
		applied, err = p.Put(entry("k", "old", order), false)
		require.NoError(t, err)
		assert.False(t, applied)
	}

	e, _, _ := p.Get("k")
	assert.Equal(t, []byte("new"), e.Value)
}

func TestRemoveWritesTombstone(t *testing.T) {
	store, _ := newTestStore(t, Config{}, nil)
	p, _ := store.Ensure(0, model.PartitionOwning, 1)

	_, err := p.Put(entry("k", "v", 1), false)
	require.NoError(t, err)
	applied, err := p.Remove("k", model.Version{Topology: 1, Order: 2, Node: "n1"}, false)
	require.NoError(t, err)
	assert.True(t, applied)

	e, found, err := p.Get("k")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, e.Tombstone)
	assert.Equal(t, 0, p.Size())

	// a stale put must not resurrect the key
	applied, err = p.Put(entry("k", "v", 1), false)
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestEvictedTombstoneBlocksOlderReplay(t *testing.T) {
	tombstone := EncodeEntry(&model.Entry{Key: "k", Version: model.Version{Topology: 1, Order: 2, Node: "n1"}, Tombstone: true})
	tests := []struct {
		name string
		cfg  Config
		tier TierMask
	}{
		{"off-heap", Config{OnHeapMaxEntries: 1}, TierOffHeap},
		{"swap", Config{OnHeapMaxEntries: 1, OffHeapMaxBytes: int64(len(tombstone)), SwapEnabled: true}, TierSwap},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, _ := newTestStore(t, tt.cfg, newFakeLocks())
			p, _ := store.Ensure(0, model.PartitionOwning, 1)

			_, err := p.Put(entry("k", "v", 1), false)
			require.NoError(t, err)
			_, err = p.Remove("k", model.Version{Topology: 1, Order: 2, Node: "n1"}, false)
			require.NoError(t, err)
			for i, key := range []string{"other", "another"} {
				_, err = p.Put(entry(key, "v", uint64(3+i)), false)
				require.NoError(t, err)
			}

			e, tier, err := p.LocalPeek("k", TierAll)
			require.NoError(t, err)
			require.NotNil(t, e)
			assert.True(t, e.Tombstone)
			assert.Equal(t, tt.tier, tier)
			assert.Equal(t, 1, p.Stats().Tombstones)
			assert.Equal(t, 2, p.Size())

			applied, err := p.Put(entry("k", "v", 1), false)
			require.NoError(t, err)
			assert.False(t, applied)

			got, found, err := p.Get("k")
			require.NoError(t, err)
			require.True(t, found)
			assert.True(t, got.Tombstone)
			assert.False(t, got.Live(time.Now()))
			assert.Equal(t, 2, p.Size())
		})
	}
}

func TestNextVersionIsStrictlyNewer(t *testing.T) {
	store, _ := newTestStore(t, Config{}, nil)
	p, _ := store.Ensure(0, model.PartitionOwning, 1)

	_, err := p.Put(&model.Entry{Key: "k", Version: model.Version{Topology: 7, Order: 40, Node: "n2"}}, false)
	require.NoError(t, err)

	v := p.NextVersion(3, "n1")
	assert.True(t, model.Version{Topology: 7, Order: 40, Node: "n2"}.Less(v))
	assert.True(t, v.Less(p.NextVersion(3, "n1")))
}

func TestCapacityExceededWithoutSwap(t *testing.T) {
	store, _ := newTestStore(t, Config{OnHeapMaxEntries: 1, OffHeapMaxBytes: 10}, nil)
	p, _ := store.Ensure(0, model.PartitionOwning, 1)

	require.NoError(t, p.CheckCapacity(100))
	_, err := p.Put(entry("a", "value-a", 1), false)
	require.NoError(t, err)
	_, err = p.Put(entry("b", "value-b", 2), false)
	require.NoError(t, err)

	err = p.CheckCapacity(100)
	require.Error(t, err)
	assert.True(t, cerrors.HasCode(err, cerrors.ErrCodeCapacityExceeded))
}

func TestTransferSnapshotAndChangeLog(t *testing.T) {
	store, _ := newTestStore(t, Config{}, nil)
	p, _ := store.Ensure(0, model.PartitionOwning, 1)

	_, err := p.Put(entry("a", "1", 1), false)
	require.NoError(t, err)

	records, log, err := p.StartTransfer("n2")
	require.NoError(t, err)
	require.Len(t, records, 1)

	_, err = p.Put(entry("b", "2", 2), true)
	require.NoError(t, err)

	changes := log.Drain()
	require.Len(t, changes, 1)
	assert.Equal(t, model.Key("b"), changes[0].Key)
	assert.True(t, changes[0].Pending)
	assert.Zero(t, log.Len())

	p.StopTransfer("n2")
	_, err = p.Put(entry("c", "3", 3), false)
	require.NoError(t, err)
	assert.Zero(t, log.Len())
}

func TestApplyRecordsTracksPending(t *testing.T) {
	store, _ := newTestStore(t, Config{}, nil)
	p, _ := store.Ensure(0, model.PartitionMovingIn, 2)

	records := []model.Record{
		{Entry: *entry("a", "1", 1), Pending: true},
		{Entry: *entry("a", "2", 2)},
		{Entry: *entry("a", "0", 1)},
	}
	applied, err := p.ApplyRecords(records)
	require.NoError(t, err)
	assert.Equal(t, 2, applied)

	e, _, _ := p.Get("a")
	assert.Equal(t, []byte("2"), e.Value)
	assert.Equal(t, []model.Key{"a"}, p.TakePending())
	assert.Empty(t, p.TakePending())
}

func TestFreezeWaitsForInFlight(t *testing.T) {
	store, _ := newTestStore(t, Config{}, nil)
	p, _ := store.Ensure(0, model.PartitionOwning, 1)

	require.True(t, p.EnterTxn())
	p.Freeze()
	assert.False(t, p.EnterTxn())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, p.WaitIdle(ctx))

	done := make(chan error, 1)
	go func() { done <- p.WaitIdle(context.Background()) }()
	p.ExitTxn()
	require.NoError(t, <-done)

	p.Unfreeze()
	assert.True(t, p.EnterTxn())
}

func TestStoreResetAndDiscard(t *testing.T) {
	store, _ := newTestStore(t, Config{SwapEnabled: true}, nil)
	p, created := store.Ensure(3, model.PartitionOwning, 1)
	require.True(t, created)
	_, err := p.Put(entry("k", "v", 1), false)
	require.NoError(t, err)

	p, err = store.Reset(3, model.PartitionMovingIn, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Size())
	assert.Equal(t, model.PartitionMovingIn, p.State())
	assert.Equal(t, uint64(2), p.Generation())

	require.NoError(t, store.Discard(3))
	_, ok := store.Partition(3)
	assert.False(t, ok)
	assert.NoError(t, store.Discard(3))
}

func TestCodecRoundTrip(t *testing.T) {
	in := &model.Entry{
		Key:       "key",
		Value:     []byte("value"),
		Version:   model.Version{Topology: 2, Order: 9, Node: "node-1"},
		ExpireAt:  12345,
		Tombstone: false,
	}
	out, err := DecodeEntry(EncodeEntry(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = DecodeEntry([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestParseTierMask(t *testing.T) {
	mask, err := ParseTierMask("onheap, swap")
	require.NoError(t, err)
	assert.True(t, mask.Has(TierOnHeap))
	assert.False(t, mask.Has(TierOffHeap))
	assert.True(t, mask.Has(TierSwap))
	assert.Equal(t, "onheap,swap", mask.String())

	_, err = ParseTierMask("disk")
	assert.Error(t, err)
}
