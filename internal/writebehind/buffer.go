// Package writebehind buffers committed writes on the primary and flushes
// them to the external store asynchronously.
package writebehind

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	cerrors "github.com/devrev/pairdb/gridcache/internal/errors"
	"github.com/devrev/pairdb/gridcache/internal/extstore"
	"github.com/devrev/pairdb/gridcache/internal/metrics"
	"github.com/devrev/pairdb/gridcache/internal/model"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Config holds write-behind settings
type Config struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	FlushSize      int           `mapstructure:"flush_size" yaml:"flush_size"`
	FlushInterval  time.Duration `mapstructure:"flush_interval" yaml:"flush_interval"`
	BatchSize      int           `mapstructure:"batch_size" yaml:"batch_size"`
	CriticalSize   int           `mapstructure:"critical_size" yaml:"critical_size"`
	MaxRetries     int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay" yaml:"retry_base_delay"`
}

// DefaultConfig returns the settings used when none are configured
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		FlushSize:      10240,
		FlushInterval:  5 * time.Second,
		BatchSize:      512,
		CriticalSize:   15360,
		MaxRetries:     3,
		RetryBaseDelay: 50 * time.Millisecond,
	}
}

type pendingWrite struct {
	partition int
	key       model.Key
	value     []byte
	tombstone bool
}

// Buffer coalesces writes per key until they are flushed. Without Enabled
// every enqueue is written through synchronously.
type Buffer struct {
	cfg      Config
	store    extstore.Store
	counters *metrics.Counters
	logger   *zap.Logger

	mu          sync.Mutex
	entries     map[model.Key]*pendingWrite
	byPartition map[int]map[model.Key]struct{}
	inflight    map[model.Key]*pendingWrite

	flushMu  sync.Mutex
	kick     chan struct{}
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// Stats is a point-in-time view of the buffer
type Stats struct {
	BufferSize    int
	InFlight      int
	FlushSize     int
	CriticalSize  int
	FlushInterval time.Duration
	BatchSize     int
}

// New creates a buffer and starts its flusher
func New(cfg Config, store extstore.Store, counters *metrics.Counters, logger *zap.Logger) *Buffer {
	def := DefaultConfig()
	if cfg.FlushSize <= 0 {
		cfg.FlushSize = def.FlushSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = def.RetryBaseDelay
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if counters == nil {
		counters = metrics.NewCounters()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &Buffer{
		cfg:         cfg,
		store:       store,
		counters:    counters,
		logger:      logger,
		entries:     make(map[model.Key]*pendingWrite),
		byPartition: make(map[int]map[model.Key]struct{}),
		inflight:    make(map[model.Key]*pendingWrite),
		kick:        make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}
	go b.flushLoop()
	return b
}

// Enqueue records a write for key, replacing any buffered write of the same
// key. It returns once buffered unless the buffer reached its critical size,
// in which case the caller flushes synchronously.
func (b *Buffer) Enqueue(ctx context.Context, partition int, key model.Key, value []byte, tombstone bool) error {
	w := &pendingWrite{
		partition: partition,
		key:       key,
		value:     value,
		tombstone: tombstone,
	}

	b.mu.Lock()
	if prev, ok := b.entries[key]; ok && prev.partition != partition {
		b.unindexLocked(prev)
	}
	b.entries[key] = w
	b.indexLocked(w)
	size := len(b.entries)
	b.mu.Unlock()

	switch {
	case !b.cfg.Enabled:
		return b.Flush(ctx)
	case b.cfg.CriticalSize > 0 && size >= b.cfg.CriticalSize:
		b.counters.WriteBehindCriticalOverflow.Add(1)
		return b.Flush(ctx)
	case size >= b.cfg.FlushSize:
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

// IsPending reports whether key has a write not yet acknowledged by the store
func (b *Buffer) IsPending(key model.Key) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entries[key]; ok {
		return true
	}
	_, ok := b.inflight[key]
	return ok
}

// PendingKeys returns the buffered keys of a partition in sorted order
func (b *Buffer) PendingKeys(partition int) []model.Key {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]model.Key, 0, len(b.byPartition[partition]))
	for k := range b.byPartition[partition] {
		keys = append(keys, k)
	}
	for k, w := range b.inflight {
		if w.partition != partition {
			continue
		}
		if _, ok := b.byPartition[partition][k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Drop discards every buffered write of a partition this node no longer
// owns. The new primary takes over the work.
func (b *Buffer) Drop(partition int) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := 0
	for k := range b.byPartition[partition] {
		delete(b.entries, k)
		dropped++
	}
	delete(b.byPartition, partition)
	for k, w := range b.inflight {
		if w.partition == partition {
			delete(b.inflight, k)
		}
	}
	if dropped > 0 {
		b.logger.Info("Dropped write-behind entries for partition",
			zap.Int("partition", partition),
			zap.Int("entries", dropped))
	}
	return dropped
}

// Resolve discards buffered writes for keys, typically after they failed
// permanently and an operator gave up on them
func (b *Buffer) Resolve(keys ...model.Key) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range keys {
		if w, ok := b.entries[k]; ok {
			delete(b.entries, k)
			b.unindexLocked(w)
		}
		delete(b.inflight, k)
	}
}

// Flush writes every buffered entry to the store. Entries that still fail
// after retries stay buffered.
func (b *Buffer) Flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	var errs error
	for {
		batch := b.takeBatch()
		if len(batch) == 0 {
			return errs
		}
		if err := b.flushBatch(ctx, batch); err != nil {
			errs = multierr.Append(errs, err)
			// failed entries are back in the buffer; stop so the loop ends
			return errs
		}
	}
}

func (b *Buffer) takeBatch() []*pendingWrite {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) == 0 {
		return nil
	}
	batch := make([]*pendingWrite, 0, min(len(b.entries), b.cfg.BatchSize))
	for k, w := range b.entries {
		if len(batch) == b.cfg.BatchSize {
			break
		}
		delete(b.entries, k)
		b.unindexLocked(w)
		b.inflight[k] = w
		batch = append(batch, w)
	}
	return batch
}

func (b *Buffer) flushBatch(ctx context.Context, batch []*pendingWrite) error {
	var writes []extstore.Write
	var deletes []model.Key
	for _, w := range batch {
		if w.tombstone {
			deletes = append(deletes, w.key)
		} else {
			writes = append(writes, extstore.Write{Key: w.key, Value: w.value})
		}
	}

	var err error
	if len(writes) > 0 {
		err = multierr.Append(err, b.retry(ctx, func() error {
			return b.store.WriteAll(ctx, writes)
		}))
	}
	if len(deletes) > 0 {
		err = multierr.Append(err, b.retry(ctx, func() error {
			return b.store.DeleteAll(ctx, deletes)
		}))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	failed := 0
	for _, w := range batch {
		cur, ok := b.inflight[w.key]
		if !ok || cur != w {
			// dropped or resolved while flushing
			continue
		}
		delete(b.inflight, w.key)
		if err == nil {
			continue
		}
		if _, newer := b.entries[w.key]; newer {
			continue
		}
		b.entries[w.key] = w
		b.indexLocked(w)
		failed++
	}

	if err != nil {
		b.counters.WriteBehindFailedEntries.Add(int64(failed))
		b.logger.Warn("Write-behind flush failed, entries kept for next flush",
			zap.Int("entries", failed),
			zap.Error(err))
		return cerrors.StoreUnavailable("write-behind flush failed", err)
	}

	b.counters.WriteBehindFlushes.Add(1)
	b.counters.WriteBehindFlushedEntries.Add(int64(len(batch)))
	return nil
}

func (b *Buffer) retry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.cfg.RetryBaseDelay
	policy.MaxInterval = 20 * b.cfg.RetryBaseDelay
	policy.MaxElapsedTime = 0

	return backoff.RetryNotify(op,
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(b.cfg.MaxRetries)), ctx),
		func(err error, next time.Duration) {
			b.counters.WriteBehindErrorRetries.Add(1)
			b.logger.Debug("Retrying write-behind flush",
				zap.Duration("next", next),
				zap.Error(err))
		})
}

func (b *Buffer) flushLoop() {
	defer close(b.done)

	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
		case <-b.kick:
		}
		if b.Len() == 0 {
			continue
		}
		if err := b.Flush(context.Background()); err != nil {
			b.logger.Warn("Background write-behind flush failed", zap.Error(err))
		}
	}
}

// Len returns the number of buffered entries not currently being flushed
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Stats returns buffer sizes and settings
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		BufferSize:    len(b.entries) + len(b.inflight),
		InFlight:      len(b.inflight),
		FlushSize:     b.cfg.FlushSize,
		CriticalSize:  b.cfg.CriticalSize,
		FlushInterval: b.cfg.FlushInterval,
		BatchSize:     b.cfg.BatchSize,
	}
}

// Stop halts the flusher and makes a final flush attempt
func (b *Buffer) Stop(ctx context.Context) error {
	var err error
	b.stopOnce.Do(func() {
		close(b.stopCh)
		<-b.done
		err = b.Flush(ctx)
		if err != nil {
			b.logger.Warn("Final write-behind flush incomplete",
				zap.Int("remaining", b.Len()),
				zap.Error(err))
		}
	})
	return err
}

func (b *Buffer) indexLocked(w *pendingWrite) {
	keys, ok := b.byPartition[w.partition]
	if !ok {
		keys = make(map[model.Key]struct{})
		b.byPartition[w.partition] = keys
	}
	keys[w.key] = struct{}{}
}

func (b *Buffer) unindexLocked(w *pendingWrite) {
	keys, ok := b.byPartition[w.partition]
	if !ok {
		return
	}
	delete(keys, w.key)
	if len(keys) == 0 {
		delete(b.byPartition, w.partition)
	}
}
