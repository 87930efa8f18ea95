package storage

import (
	"context"
	"math"
	"sync"
	"time"

	cerrors "github.com/devrev/pairdb/gridcache/internal/errors"
	"github.com/devrev/pairdb/gridcache/internal/metrics"
	"github.com/devrev/pairdb/gridcache/internal/model"
	"github.com/hashicorp/golang-lru/simplelru"
	"go.uber.org/zap"
)

// LockChecker reports whether a transaction holds a key
type LockChecker interface {
	IsLocked(key model.Key) bool
}

// ChangeLog collects records applied to a partition while it is being
// transferred, so the receiver can catch up after the snapshot.
type ChangeLog struct {
	mu      sync.Mutex
	records []model.Record
}

func (l *ChangeLog) append(r model.Record) {
	l.mu.Lock()
	l.records = append(l.records, r)
	l.mu.Unlock()
}

// Drain returns and clears the buffered records
func (l *ChangeLog) Drain() []model.Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.records
	l.records = nil
	return out
}

// Len returns the number of buffered records
func (l *ChangeLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// PartitionStats is a point-in-time view of one partition
type PartitionStats struct {
	ID             int
	State          model.PartitionState
	Generation     uint64
	OnHeapEntries  int
	OffHeapEntries int
	OffHeapBytes   int64
	SwapEntries    int
	SwapBytes      int64
	Tombstones     int
	Transfers      int
}

// Entries returns the number of stored entries including tombstones
func (s PartitionStats) Entries() int {
	return s.OnHeapEntries + s.OffHeapEntries + s.SwapEntries
}

// Partition stores the entries of one partition across the on-heap, off-heap
// and swap tiers. mu is the structural lock: it serializes tier mutation and
// is independent of the per-key transaction locks.
type Partition struct {
	id       int
	cfg      *Config
	locks    LockChecker
	counters *metrics.Counters
	logger   *zap.Logger

	mu           sync.Mutex
	state        model.PartitionState
	generation   uint64
	counter      uint64
	maxTopology  uint64
	onheap       *simplelru.LRU
	offheap      *simplelru.LRU
	offBytes     int64
	swap         *swapBucket
	tombstones   int
	evictPending bool
	changeLogs   map[model.NodeID]*ChangeLog
	pending      map[model.Key]struct{}

	barrier  sync.Mutex
	frozen   bool
	inflight int
	idle     chan struct{}
}

func newLRU() *simplelru.LRU {
	// capacity is enforced by the partition, not by the list
	l, err := simplelru.NewLRU(math.MaxInt32, nil)
	if err != nil {
		panic(err)
	}
	return l
}

func newPartition(id int, state model.PartitionState, generation uint64, cfg *Config, swap *Swap,
	locks LockChecker, counters *metrics.Counters, logger *zap.Logger) *Partition {
	p := &Partition{
		id:         id,
		cfg:        cfg,
		locks:      locks,
		counters:   counters,
		logger:     logger,
		state:      state,
		generation: generation,
		onheap:     newLRU(),
		offheap:    newLRU(),
		changeLogs: make(map[model.NodeID]*ChangeLog),
		pending:    make(map[model.Key]struct{}),
	}
	if swap != nil {
		p.swap = swap.bucket(id)
	}
	return p
}

// ID returns the partition index
func (p *Partition) ID() int {
	return p.id
}

// State returns the partition state
func (p *Partition) State() model.PartitionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SetState changes the partition state
func (p *Partition) SetState(state model.PartitionState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = state
}

// Generation returns the topology version that created this copy
func (p *Partition) Generation() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generation
}

// Get returns the entry for key from whichever tier holds it. Entries found
// below the on-heap tier are promoted unless the memory mode pins them
// off-heap. The returned entry may be a tombstone and must not be modified.
func (p *Partition) Get(key model.Key) (*model.Entry, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if v, ok := p.onheap.Get(key); ok {
		return v.(*model.Entry), true, nil
	}

	if v, ok := p.offheap.Get(key); ok {
		data := v.([]byte)
		e, err := DecodeEntry(data)
		if err != nil {
			return nil, false, cerrors.InternalError("decode off-heap entry", err)
		}
		if p.cfg.MemoryMode != OffHeapTiered {
			p.removeLocked(key, TierOffHeap)
			p.addOnHeapLocked(e)
			p.counters.Promotions.Add(1)
			p.evictLocked()
		}
		return e, true, nil
	}

	if p.swap != nil {
		data, ok, err := p.swap.take(key)
		if err != nil {
			return nil, false, cerrors.InternalError("read swap", err)
		}
		if !ok {
			return nil, false, nil
		}
		e, err := DecodeEntry(data)
		if err != nil {
			return nil, false, cerrors.InternalError("decode swap entry", err)
		}
		if e.Tombstone {
			p.tombstones--
		}
		p.counters.Promotions.Add(1)
		if p.cfg.MemoryMode == OffHeapTiered {
			p.addOffHeapLocked(key, data)
		} else {
			p.addOnHeapLocked(e)
		}
		p.evictLocked()
		return e, true, nil
	}

	return nil, false, nil
}

// LocalPeek inspects the selected tiers without promoting or demoting
func (p *Partition) LocalPeek(key model.Key, mask TierMask) (*model.Entry, TierMask, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if mask.Has(TierOnHeap) {
		if v, ok := p.onheap.Peek(key); ok {
			return v.(*model.Entry), TierOnHeap, nil
		}
	}
	if mask.Has(TierOffHeap) {
		if v, ok := p.offheap.Peek(key); ok {
			e, err := DecodeEntry(v.([]byte))
			return e, TierOffHeap, err
		}
	}
	if mask.Has(TierSwap) && p.swap != nil {
		data, ok, err := p.swap.get(key)
		if err != nil || !ok {
			return nil, 0, err
		}
		e, err := DecodeEntry(data)
		return e, TierSwap, err
	}
	return nil, 0, nil
}

// Put stores e unless the stored version is equal or newer. It reports
// whether the entry was applied. pending marks store-bound writes in the
// change log of any running transfer.
func (p *Partition) Put(e *model.Entry, pending bool) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.applyLocked(e, pending)
}

// Remove writes a tombstone for key at version
func (p *Partition) Remove(key model.Key, version model.Version, pending bool) (bool, error) {
	return p.Put(&model.Entry{Key: key, Version: version, Tombstone: true}, pending)
}

// ApplyRecords applies transferred records in order. Records flagged pending
// are remembered so the write-behind work can be resumed if this copy is
// promoted to primary.
func (p *Partition) ApplyRecords(records []model.Record) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	applied := 0
	for i := range records {
		r := records[i]
		entry := r.Entry
		ok, err := p.applyLocked(&entry, r.Pending)
		if err != nil {
			return applied, err
		}
		if ok {
			applied++
		}
		if r.Pending {
			p.pending[r.Key] = struct{}{}
		}
	}
	return applied, nil
}

func (p *Partition) applyLocked(e *model.Entry, pending bool) (bool, error) {
	cur, tier, err := p.locateLocked(e.Key)
	if err != nil {
		return false, err
	}
	if cur != nil && !cur.Version.Less(e.Version) {
		return false, nil
	}
	if cur != nil {
		p.removeLocked(e.Key, tier)
	}

	p.observeVersionLocked(e.Version)
	p.insertLocked(e)

	if len(p.changeLogs) > 0 {
		rec := model.Record{Entry: *e, Pending: pending}
		for _, log := range p.changeLogs {
			log.append(rec)
		}
	}
	return true, nil
}

// NextVersion returns a version strictly newer than every version stored in
// this partition
func (p *Partition) NextVersion(topology uint64, node model.NodeID) model.Version {
	p.mu.Lock()
	defer p.mu.Unlock()

	if topology < p.maxTopology {
		topology = p.maxTopology
	}
	p.counter++
	v := model.Version{Topology: topology, Order: p.counter, Node: node}
	p.observeVersionLocked(v)
	return v
}

func (p *Partition) observeVersionLocked(v model.Version) {
	if v.Order > p.counter {
		p.counter = v.Order
	}
	if v.Topology > p.maxTopology {
		p.maxTopology = v.Topology
	}
}

// CheckCapacity fails when no configured tier has room for incoming bytes
func (p *Partition) CheckCapacity(incoming int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var available int64
	if p.cfg.MemoryMode != OffHeapTiered {
		if p.cfg.OnHeapMaxEntries <= 0 || p.onheap.Len() < p.cfg.OnHeapMaxEntries {
			return nil
		}
	}
	if p.cfg.OffHeapMaxBytes <= 0 {
		return nil
	}
	if free := p.cfg.OffHeapMaxBytes - p.offBytes; free >= incoming {
		return nil
	} else if free > 0 {
		available += free
	}
	if p.swap != nil {
		if p.cfg.SwapMaxBytes <= 0 {
			return nil
		}
		_, swapBytes := p.swap.stats()
		if free := p.cfg.SwapMaxBytes - swapBytes; free >= incoming {
			return nil
		} else if free > 0 {
			available += free
		}
	}
	return cerrors.CapacityExceeded(p.id, incoming, available)
}

// OnUnlock runs an eviction that was deferred because every candidate was locked
func (p *Partition) OnUnlock(key model.Key) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.evictPending {
		return
	}
	p.evictPending = false
	p.evictLocked()
}

// StartTransfer snapshots every record and opens a change log for target in
// one step, so each later write is either in the snapshot or in the log.
func (p *Partition) StartTransfer(target model.NodeID) ([]model.Record, *ChangeLog, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	records, err := p.recordsLocked()
	if err != nil {
		return nil, nil, err
	}
	log := &ChangeLog{}
	p.changeLogs[target] = log
	return records, log, nil
}

// StopTransfer closes the change log for target
func (p *Partition) StopTransfer(target model.NodeID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.changeLogs, target)
}

// Records returns every stored record, tombstones included
func (p *Partition) Records() ([]model.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recordsLocked()
}

func (p *Partition) recordsLocked() ([]model.Record, error) {
	records := make([]model.Record, 0, p.onheap.Len()+p.offheap.Len())
	for _, k := range p.onheap.Keys() {
		v, _ := p.onheap.Peek(k)
		e := v.(*model.Entry)
		records = append(records, p.recordLocked(e))
	}
	for _, k := range p.offheap.Keys() {
		v, _ := p.offheap.Peek(k)
		e, err := DecodeEntry(v.([]byte))
		if err != nil {
			return nil, cerrors.InternalError("decode off-heap entry", err)
		}
		records = append(records, p.recordLocked(e))
	}
	if p.swap != nil {
		err := p.swap.forEach(func(_ model.Key, data []byte) error {
			e, err := DecodeEntry(data)
			if err != nil {
				return err
			}
			records = append(records, p.recordLocked(e))
			return nil
		})
		if err != nil {
			return nil, cerrors.InternalError("iterate swap", err)
		}
	}
	return records, nil
}

func (p *Partition) recordLocked(e *model.Entry) model.Record {
	_, pending := p.pending[e.Key]
	return model.Record{Entry: *e.Clone(), Pending: pending}
}

// TakePending returns and clears the keys flagged with unflushed
// write-behind work by a previous owner
func (p *Partition) TakePending() []model.Key {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]model.Key, 0, len(p.pending))
	for k := range p.pending {
		keys = append(keys, k)
	}
	p.pending = make(map[model.Key]struct{})
	return keys
}

// Size returns the number of live entries. Expired entries count until read.
func (p *Partition) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.onheap.Len() + p.offheap.Len() - p.tombstones
	if p.swap != nil {
		count, _ := p.swap.stats()
		n += count
	}
	return n
}

// LiveKeys returns the keys holding readable values at now
func (p *Partition) LiveKeys(now time.Time) ([]model.Key, error) {
	records, err := p.Records()
	if err != nil {
		return nil, err
	}
	keys := make([]model.Key, 0, len(records))
	for i := range records {
		if records[i].Live(now) {
			keys = append(keys, records[i].Key)
		}
	}
	return keys, nil
}

// Stats returns tier statistics
func (p *Partition) Stats() PartitionStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := PartitionStats{
		ID:             p.id,
		State:          p.state,
		Generation:     p.generation,
		OnHeapEntries:  p.onheap.Len(),
		OffHeapEntries: p.offheap.Len(),
		OffHeapBytes:   p.offBytes,
		Tombstones:     p.tombstones,
		Transfers:      len(p.changeLogs),
	}
	if p.swap != nil {
		s.SwapEntries, s.SwapBytes = p.swap.stats()
	}
	return s
}

// reset empties the partition and relabels it
func (p *Partition) reset(state model.PartitionState, generation uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.onheap.Purge()
	p.offheap.Purge()
	p.offBytes = 0
	p.tombstones = 0
	p.evictPending = false
	p.pending = make(map[model.Key]struct{})
	p.changeLogs = make(map[model.NodeID]*ChangeLog)
	p.state = state
	p.generation = generation
	if p.swap != nil {
		return p.swap.drop()
	}
	return nil
}

// EnterTxn registers an in-flight transaction. It fails while the partition
// is frozen for an ownership handoff.
func (p *Partition) EnterTxn() bool {
	p.barrier.Lock()
	defer p.barrier.Unlock()
	if p.frozen {
		return false
	}
	p.inflight++
	return true
}

// ExitTxn unregisters an in-flight transaction
func (p *Partition) ExitTxn() {
	p.barrier.Lock()
	defer p.barrier.Unlock()
	if p.inflight > 0 {
		p.inflight--
	}
	if p.inflight == 0 && p.idle != nil {
		close(p.idle)
		p.idle = nil
	}
}

// Freeze stops new transactions from entering the partition
func (p *Partition) Freeze() {
	p.barrier.Lock()
	p.frozen = true
	p.barrier.Unlock()
}

// Unfreeze lets transactions enter again
func (p *Partition) Unfreeze() {
	p.barrier.Lock()
	p.frozen = false
	p.barrier.Unlock()
}

// Frozen reports whether the partition is frozen
func (p *Partition) Frozen() bool {
	p.barrier.Lock()
	defer p.barrier.Unlock()
	return p.frozen
}

// InFlight returns the number of registered transactions
func (p *Partition) InFlight() int {
	p.barrier.Lock()
	defer p.barrier.Unlock()
	return p.inflight
}

// WaitIdle blocks until no transaction is registered
func (p *Partition) WaitIdle(ctx context.Context) error {
	p.barrier.Lock()
	if p.inflight == 0 {
		p.barrier.Unlock()
		return nil
	}
	if p.idle == nil {
		p.idle = make(chan struct{})
	}
	ch := p.idle
	p.barrier.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tier bookkeeping. Callers hold p.mu.

func (p *Partition) locateLocked(key model.Key) (*model.Entry, TierMask, error) {
	if v, ok := p.onheap.Peek(key); ok {
		return v.(*model.Entry), TierOnHeap, nil
	}
	if v, ok := p.offheap.Peek(key); ok {
		e, err := DecodeEntry(v.([]byte))
		if err != nil {
			return nil, 0, cerrors.InternalError("decode off-heap entry", err)
		}
		return e, TierOffHeap, nil
	}
	if p.swap != nil {
		data, ok, err := p.swap.get(key)
		if err != nil {
			return nil, 0, cerrors.InternalError("read swap", err)
		}
		if ok {
			e, err := DecodeEntry(data)
			if err != nil {
				return nil, 0, cerrors.InternalError("decode swap entry", err)
			}
			return e, TierSwap, nil
		}
	}
	return nil, 0, nil
}

func (p *Partition) insertLocked(e *model.Entry) {
	if p.cfg.MemoryMode == OffHeapTiered {
		p.addOffHeapLocked(e.Key, EncodeEntry(e))
	} else {
		p.addOnHeapLocked(e)
	}
	p.evictLocked()
}

func (p *Partition) removeLocked(key model.Key, tier TierMask) {
	switch tier {
	case TierOnHeap:
		if v, ok := p.onheap.Peek(key); ok {
			p.onheap.Remove(key)
			if v.(*model.Entry).Tombstone {
				p.tombstones--
			}
		}
	case TierOffHeap:
		if v, ok := p.offheap.Peek(key); ok {
			data := v.([]byte)
			p.offheap.Remove(key)
			p.offBytes -= int64(len(data))
			if isTombstone(data) {
				p.tombstones--
			}
		}
	case TierSwap:
		data, ok, err := p.swap.take(key)
		if err != nil {
			p.logger.Error("Failed to remove swapped entry",
				zap.Int("partition", p.id),
				zap.String("key", string(key)),
				zap.Error(err))
			return
		}
		if ok && isTombstone(data) {
			p.tombstones--
		}
	}
}

func (p *Partition) addOnHeapLocked(e *model.Entry) {
	p.onheap.Add(e.Key, e)
	if e.Tombstone {
		p.tombstones++
	}
}

func (p *Partition) addOffHeapLocked(key model.Key, data []byte) {
	p.offheap.Add(key, data)
	p.offBytes += int64(len(data))
	if isTombstone(data) {
		p.tombstones++
	}
}

func (p *Partition) evictLocked() {
	p.evictOnHeapLocked()
	p.evictOffHeapLocked()
}

func (p *Partition) deferEvictionLocked() {
	if !p.evictPending {
		p.counters.DeferredEvicts.Add(1)
	}
	p.evictPending = true
}

func (p *Partition) evictOnHeapLocked() {
	limit := p.cfg.OnHeapMaxEntries
	if limit <= 0 {
		return
	}
	for p.onheap.Len() > limit {
		key, ok := p.oldestUnlockedLocked(p.onheap)
		if !ok {
			p.deferEvictionLocked()
			return
		}
		v, _ := p.onheap.Peek(key)
		e := v.(*model.Entry)
		p.onheap.Remove(key)
		p.counters.Evictions.Add(1)

		// tombstones move down like values so an older replay cannot
		// resurrect the key
		if e.Tombstone {
			p.tombstones--
		}
		p.addOffHeapLocked(key, EncodeEntry(e))
	}
}

func (p *Partition) evictOffHeapLocked() {
	limit := p.cfg.OffHeapMaxBytes
	if limit <= 0 || p.swap == nil {
		// without swap the off-heap bound is enforced at prepare time
		return
	}
	for p.offBytes > limit {
		key, ok := p.oldestUnlockedLocked(p.offheap)
		if !ok {
			p.deferEvictionLocked()
			return
		}
		v, _ := p.offheap.Peek(key)
		data := v.([]byte)
		p.offheap.Remove(key)
		p.offBytes -= int64(len(data))

		// a swapped tombstone stays counted in tombstones
		if err := p.swap.put(key, data); err != nil {
			p.logger.Error("Failed to swap out entry",
				zap.Int("partition", p.id),
				zap.String("key", string(key)),
				zap.Error(err))
			p.offheap.Add(key, data)
			p.offBytes += int64(len(data))
			return
		}
		p.counters.OffHeapEvictions.Add(1)
	}
}

func (p *Partition) oldestUnlockedLocked(l *simplelru.LRU) (model.Key, bool) {
	k, _, ok := l.GetOldest()
	if !ok {
		return "", false
	}
	if p.locks == nil || !p.locks.IsLocked(k.(model.Key)) {
		return k.(model.Key), true
	}
	for _, k := range l.Keys() {
		key := k.(model.Key)
		if !p.locks.IsLocked(key) {
			return key, true
		}
	}
	return "", false
}
