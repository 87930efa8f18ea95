package node

import (
	"context"
	"fmt"
	"sort"
	"time"

	cerrors "github.com/devrev/pairdb/gridcache/internal/errors"
	"github.com/devrev/pairdb/gridcache/internal/metrics"
	"github.com/devrev/pairdb/gridcache/internal/model"
	"github.com/devrev/pairdb/gridcache/internal/storage"
	"github.com/devrev/pairdb/gridcache/internal/txn"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Cache is the key/value API of a node. Every write is a transaction
// coordinated from this node.
type Cache struct {
	n         *Node
	skipStore bool
}

// Cache returns the node's cache API
func (n *Node) Cache() *Cache {
	return &Cache{n: n}
}

// WithSkipStore returns a view whose writes bypass write-behind and whose
// misses are not loaded from the external store
func (c *Cache) WithSkipStore() *Cache {
	return &Cache{n: c.n, skipStore: true}
}

func (c *Cache) options() []txn.Option {
	if c.skipStore {
		return []txn.Option{txn.WithSkipStore()}
	}
	return nil
}

func (c *Cache) observe(op string, start time.Time) {
	if c.n.exporter != nil {
		c.n.exporter.OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

// Get returns the value of key. A miss on the primary is loaded from the
// external store when read-through is enabled; the loaded value is installed
// on every owner before it is returned.
func (c *Cache) Get(ctx context.Context, key model.Key) ([]byte, bool, error) {
	start := time.Now()
	defer c.observe("get", start)

	entry, found, err := c.n.coordinator.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if found {
		c.n.counters.ObserveGet(true, time.Since(start))
		return entry.Value, true, nil
	}

	// a tombstone or expired entry is a definite miss
	if entry != nil || !c.readThrough(key) {
		c.n.counters.ObserveGet(false, time.Since(start))
		return nil, false, nil
	}

	value, ok, err := c.n.extStore.Load(ctx, key)
	if err != nil {
		c.n.counters.ObserveGet(false, time.Since(start))
		return nil, false, cerrors.StoreUnavailable(fmt.Sprintf("read-through of key %q failed", key), err)
	}
	c.n.counters.ObserveGet(false, time.Since(start))
	if !ok {
		return nil, false, nil
	}

	installed, err := c.install(ctx, key, value)
	if err != nil {
		c.n.logger.Warn("Failed to install read-through value",
			zap.String("key", string(key)),
			zap.Error(err))
		return value, true, nil
	}
	return installed, true, nil
}

func (c *Cache) readThrough(key model.Key) bool {
	n := c.n
	if c.skipStore || !n.cfg.ReadThrough || n.extStore == nil {
		return false
	}
	// the store still holds the previous value of a key awaiting flush
	return n.writer == nil || !n.writer.IsPending(key)
}

// install writes a loaded value unless the key was written meanwhile, and
// returns the value the cache now holds
func (c *Cache) install(ctx context.Context, key model.Key, loaded []byte) ([]byte, error) {
	var current []byte
	err := c.n.coordinator.Run(ctx, func(tx *txn.Txn) error {
		v, found, err := tx.Get(ctx, key)
		if err != nil {
			return err
		}
		if found {
			current = v
			return nil
		}
		current = loaded
		return tx.Put(key, loaded)
	}, txn.WithSkipStore())
	return current, err
}

// Put stores value under key
func (c *Cache) Put(ctx context.Context, key model.Key, value []byte) error {
	start := time.Now()
	defer c.observe("put", start)

	err := c.n.coordinator.Run(ctx, func(tx *txn.Txn) error {
		return tx.Put(key, value)
	}, c.options()...)
	if err == nil {
		c.n.counters.ObservePut(time.Since(start))
	}
	return err
}

// PutWithTTL stores value under key until ttl elapses
func (c *Cache) PutWithTTL(ctx context.Context, key model.Key, value []byte, ttl time.Duration) error {
	start := time.Now()
	defer c.observe("put", start)

	err := c.n.coordinator.Run(ctx, func(tx *txn.Txn) error {
		return tx.PutWithTTL(key, value, ttl)
	}, c.options()...)
	if err == nil {
		c.n.counters.ObservePut(time.Since(start))
	}
	return err
}

// Remove deletes key
func (c *Cache) Remove(ctx context.Context, key model.Key) error {
	start := time.Now()
	defer c.observe("remove", start)

	err := c.n.coordinator.Run(ctx, func(tx *txn.Txn) error {
		return tx.Remove(key)
	}, c.options()...)
	if err == nil {
		c.n.counters.ObserveRemove(time.Since(start))
	}
	return err
}

// Begin starts an explicit transaction
func (c *Cache) Begin() *txn.Txn {
	return c.n.coordinator.Begin(c.options()...)
}

// Transact runs fn in a transaction and commits it, re-running fn on
// retryable failures
func (c *Cache) Transact(ctx context.Context, fn func(tx *txn.Txn) error) error {
	start := time.Now()
	defer c.observe("transaction", start)
	return c.n.coordinator.Run(ctx, fn, c.options()...)
}

// Size counts the live entries of the cluster. Every partition is counted
// once, on the primary the local routing table names.
func (c *Cache) Size(ctx context.Context) (int, error) {
	n := c.n
	byNode := make(map[model.NodeID][]int)
	for p := 0; p < n.routing.Partitions(); p++ {
		primary, ok := n.routing.Primary(p)
		if !ok {
			continue
		}
		byNode[primary] = append(byNode[primary], p)
	}

	nodes := make([]model.NodeID, 0, len(byNode))
	for id := range byNode {
		nodes = append(nodes, id)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })

	counts := make([]int, len(nodes))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range nodes {
		i, id := i, id
		g.Go(func() error {
			if id == n.id {
				counts[i] = n.countPartitions(byNode[id])
				return nil
			}
			var resp SizeResponse
			if err := n.transport.Call(gctx, id, KindSize, &SizeRequest{Partitions: byNode[id]}, &resp); err != nil {
				return err
			}
			counts[i] = resp.Count
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	total := 0
	for _, count := range counts {
		total += count
	}
	return total, nil
}

// LocalSize counts the entries of every complete copy on this node, primary
// and backup
func (c *Cache) LocalSize() int {
	total := 0
	for _, part := range c.n.store.Partitions() {
		if part.State().Complete() {
			total += part.Size()
		}
	}
	return total
}

// LocalPeek returns the local value of key from the tiers in mask without
// moving it between tiers
func (c *Cache) LocalPeek(key model.Key, mask storage.TierMask) ([]byte, bool, error) {
	part, ok := c.n.store.PartitionFor(key)
	if !ok {
		return nil, false, nil
	}
	e, _, err := part.LocalPeek(key, mask)
	if err != nil || e == nil || !e.Live(time.Now()) {
		return nil, false, err
	}
	return e.Value, true, nil
}

// Metrics returns a snapshot of the node's counters and gauges
func (c *Cache) Metrics() metrics.Snapshot {
	return c.n.Metrics()
}

// Metrics returns a snapshot of the node's counters and gauges
func (n *Node) Metrics() metrics.Snapshot {
	return n.counters.Snapshot(n.gauges())
}

func (n *Node) gauges() metrics.Gauges {
	stats := n.store.Stats()
	out, in := n.supervisor.Transfers()

	var primary []int
	owned := 0
	for _, part := range n.store.Partitions() {
		if !part.State().Complete() {
			continue
		}
		owned++
		if n.routing.IsPrimary(part.ID(), n.id) {
			primary = append(primary, part.ID())
		}
	}

	g := metrics.Gauges{
		Size:                 int64(n.countPartitions(primary)),
		KeySize:              int64(stats.Entries),
		OnHeapEntries:        int64(stats.OnHeapEntries),
		OffHeapEntries:       int64(stats.OffHeapEntries),
		OffHeapAllocatedSize: stats.OffHeapBytes,
		SwapEntries:          int64(stats.SwapEntries),
		SwapSize:             stats.SwapBytes,
		LockedKeys:           int64(n.locks.Len()),
		ActiveTransactions:   int64(n.coordinator.Active()),
		OwnedPartitions:      int64(owned),
		MovingPartitions:     int64(out + in),
	}
	if n.writer != nil {
		wb := n.writer.Stats()
		g.WriteBehindBufferSize = int64(wb.BufferSize)
		g.WriteBehindFlushSize = int64(wb.FlushSize)
		g.WriteBehindCriticalCount = n.counters.WriteBehindCriticalOverflow.Load()
		g.WriteBehindFlushThreads = 1
		g.WriteBehindStoreBatchSize = int64(wb.BatchSize)
	}
	return g
}
