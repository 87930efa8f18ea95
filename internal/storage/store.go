// Package storage implements the tiered partition store of a cache node.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/devrev/pairdb/gridcache/internal/metrics"
	"github.com/devrev/pairdb/gridcache/internal/model"
	"go.uber.org/zap"
)

// Store owns every partition copy held by one node
type Store struct {
	cfg         *Config
	partitionOf func(model.Key) int
	locks       LockChecker
	counters    *metrics.Counters
	logger      *zap.Logger
	swap        *Swap

	mu         sync.RWMutex
	partitions map[int]*Partition
}

// Stats aggregates partition statistics for a node
type Stats struct {
	Partitions     map[model.PartitionState]int
	Entries        int
	Tombstones     int
	OnHeapEntries  int
	OffHeapEntries int
	OffHeapBytes   int64
	SwapEntries    int
	SwapBytes      int64
}

// NewStore creates a store. partitionOf maps keys to partitions for deferred
// eviction callbacks.
func NewStore(cfg *Config, partitionOf func(model.Key) int, locks LockChecker,
	counters *metrics.Counters, logger *zap.Logger) (*Store, error) {
	if cfg.MemoryMode == "" {
		cfg.MemoryMode = OnHeapTiered
	}
	if counters == nil {
		counters = metrics.NewCounters()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Store{
		cfg:         cfg,
		partitionOf: partitionOf,
		locks:       locks,
		counters:    counters,
		logger:      logger,
		partitions:  make(map[int]*Partition),
	}

	if cfg.SwapEnabled {
		if err := os.MkdirAll(filepath.Dir(cfg.SwapPath), 0755); err != nil {
			return nil, fmt.Errorf("create swap directory: %w", err)
		}
		swap, err := OpenSwap(cfg.SwapPath)
		if err != nil {
			return nil, err
		}
		s.swap = swap
	}

	logger.Info("Partition store initialized",
		zap.String("memory_mode", string(cfg.MemoryMode)),
		zap.Int("onheap_max_entries", cfg.OnHeapMaxEntries),
		zap.Int64("offheap_max_bytes", cfg.OffHeapMaxBytes),
		zap.Bool("swap_enabled", cfg.SwapEnabled))

	return s, nil
}

// SetLocks installs the lock checker consulted by eviction
func (s *Store) SetLocks(locks LockChecker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locks = locks
	for _, p := range s.partitions {
		p.mu.Lock()
		p.locks = locks
		p.mu.Unlock()
	}
}

// Partition returns the local copy of a partition
func (s *Store) Partition(id int) (*Partition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.partitions[id]
	return p, ok
}

// PartitionFor returns the local copy holding key
func (s *Store) PartitionFor(key model.Key) (*Partition, bool) {
	return s.Partition(s.partitionOf(key))
}

// Ensure returns the partition, creating it with state and generation if absent
func (s *Store) Ensure(id int, state model.PartitionState, generation uint64) (*Partition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.partitions[id]; ok {
		return p, false
	}
	p := newPartition(id, state, generation, s.cfg, s.swap, s.locks, s.counters, s.logger)
	s.partitions[id] = p
	return p, true
}

// Reset empties the partition (creating it if needed) and relabels it
func (s *Store) Reset(id int, state model.PartitionState, generation uint64) (*Partition, error) {
	p, created := s.Ensure(id, state, generation)
	if created {
		return p, nil
	}
	if err := p.reset(state, generation); err != nil {
		return nil, err
	}
	return p, nil
}

// Discard drops the local copy of a partition
func (s *Store) Discard(id int) error {
	s.mu.Lock()
	p, ok := s.partitions[id]
	delete(s.partitions, id)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	return p.reset(model.PartitionMovingOut, p.Generation())
}

// Partitions returns local partitions ordered by index
func (s *Store) Partitions() []*Partition {
	s.mu.RLock()
	out := make([]*Partition, 0, len(s.partitions))
	for _, p := range s.partitions {
		out = append(out, p)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Unlocked runs deferred eviction for the partition holding key
func (s *Store) Unlocked(key model.Key) {
	if p, ok := s.PartitionFor(key); ok {
		p.OnUnlock(key)
	}
}

// Stats aggregates statistics over every local partition
func (s *Store) Stats() Stats {
	stats := Stats{Partitions: make(map[model.PartitionState]int)}
	for _, p := range s.Partitions() {
		ps := p.Stats()
		stats.Partitions[ps.State]++
		stats.Entries += ps.Entries()
		stats.Tombstones += ps.Tombstones
		stats.OnHeapEntries += ps.OnHeapEntries
		stats.OffHeapEntries += ps.OffHeapEntries
		stats.OffHeapBytes += ps.OffHeapBytes
		stats.SwapEntries += ps.SwapEntries
		stats.SwapBytes += ps.SwapBytes
	}
	return stats
}

// Close releases the swap file
func (s *Store) Close() error {
	if s.swap != nil {
		return s.swap.Close()
	}
	return nil
}
