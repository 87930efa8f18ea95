// Package metrics holds the live counters of a cache node and produces
// immutable point-in-time snapshots of them.
package metrics

import (
	"sync/atomic"
	"time"
)

// Counters is the live, lock-free counter set shared by all components of a
// node. Components only ever add to it; readers take a Snapshot.
type Counters struct {
	Reads    atomic.Int64
	Hits     atomic.Int64
	Misses   atomic.Int64
	Puts     atomic.Int64
	Removals atomic.Int64

	Evictions        atomic.Int64
	OffHeapEvictions atomic.Int64
	Promotions       atomic.Int64
	DeferredEvicts   atomic.Int64

	TxCommits   atomic.Int64
	TxRollbacks atomic.Int64
	TxConflicts atomic.Int64
	TxRetries   atomic.Int64
	TxRecovered atomic.Int64

	GetTimeNanos      atomic.Int64
	PutTimeNanos      atomic.Int64
	RemoveTimeNanos   atomic.Int64
	CommitTimeNanos   atomic.Int64
	RollbackTimeNanos atomic.Int64

	WriteBehindFlushes          atomic.Int64
	WriteBehindFlushedEntries   atomic.Int64
	WriteBehindErrorRetries     atomic.Int64
	WriteBehindFailedEntries    atomic.Int64
	WriteBehindCriticalOverflow atomic.Int64

	Exchanges        atomic.Int64
	PartitionsMoved  atomic.Int64
	RecordsSent      atomic.Int64
	RecordsReceived  atomic.Int64
	TransferFailures atomic.Int64
	PartitionsLost   atomic.Int64
}

// NewCounters creates an empty counter set
func NewCounters() *Counters {
	return &Counters{}
}

// ObserveGet records a get and its latency
func (c *Counters) ObserveGet(hit bool, d time.Duration) {
	c.Reads.Add(1)
	if hit {
		c.Hits.Add(1)
	} else {
		c.Misses.Add(1)
	}
	c.GetTimeNanos.Add(d.Nanoseconds())
}

// ObservePut records a put and its latency
func (c *Counters) ObservePut(d time.Duration) {
	c.Puts.Add(1)
	c.PutTimeNanos.Add(d.Nanoseconds())
}

// ObserveRemove records a remove and its latency
func (c *Counters) ObserveRemove(d time.Duration) {
	c.Removals.Add(1)
	c.RemoveTimeNanos.Add(d.Nanoseconds())
}

// ObserveCommit records a committed transaction
func (c *Counters) ObserveCommit(d time.Duration) {
	c.TxCommits.Add(1)
	c.CommitTimeNanos.Add(d.Nanoseconds())
}

// ObserveRollback records a rolled back transaction
func (c *Counters) ObserveRollback(d time.Duration) {
	c.TxRollbacks.Add(1)
	c.RollbackTimeNanos.Add(d.Nanoseconds())
}

// Gauges are point-in-time values sampled from components when a snapshot is
// taken rather than accumulated.
type Gauges struct {
	Size                 int64
	KeySize              int64
	OnHeapEntries        int64
	OffHeapEntries       int64
	OffHeapAllocatedSize int64
	SwapEntries          int64
	SwapSize             int64
	LockedKeys           int64
	ActiveTransactions   int64
	OwnedPartitions      int64
	MovingPartitions     int64

	WriteBehindBufferSize     int64
	WriteBehindFlushSize      int64
	WriteBehindCriticalCount  int64
	WriteBehindFlushThreads   int64
	WriteBehindStoreBatchSize int64
}

// Snapshot is an immutable copy of every counter and gauge
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`

	Reads    int64 `json:"reads"`
	Hits     int64 `json:"hits"`
	Misses   int64 `json:"misses"`
	Puts     int64 `json:"puts"`
	Removals int64 `json:"removals"`

	Evictions        int64 `json:"evictions"`
	OffHeapEvictions int64 `json:"offheap_evictions"`
	Promotions       int64 `json:"promotions"`
	DeferredEvicts   int64 `json:"deferred_evictions"`

	TxCommits   int64 `json:"tx_commits"`
	TxRollbacks int64 `json:"tx_rollbacks"`
	TxConflicts int64 `json:"tx_conflicts"`
	TxRetries   int64 `json:"tx_retries"`
	TxRecovered int64 `json:"tx_recovered"`

	AverageGetTime      time.Duration `json:"avg_get_time"`
	AveragePutTime      time.Duration `json:"avg_put_time"`
	AverageRemoveTime   time.Duration `json:"avg_remove_time"`
	AverageCommitTime   time.Duration `json:"avg_commit_time"`
	AverageRollbackTime time.Duration `json:"avg_rollback_time"`

	WriteBehindFlushes          int64 `json:"write_behind_flushes"`
	WriteBehindFlushedEntries   int64 `json:"write_behind_flushed_entries"`
	WriteBehindErrorRetries     int64 `json:"write_behind_error_retries"`
	WriteBehindFailedEntries    int64 `json:"write_behind_failed_entries"`
	WriteBehindCriticalOverflow int64 `json:"write_behind_critical_overflow"`

	Exchanges        int64 `json:"exchanges"`
	PartitionsMoved  int64 `json:"partitions_moved"`
	RecordsSent      int64 `json:"records_sent"`
	RecordsReceived  int64 `json:"records_received"`
	TransferFailures int64 `json:"transfer_failures"`
	PartitionsLost   int64 `json:"partitions_lost"`

	Gauges Gauges `json:"gauges"`
}

// Snapshot copies the counters and combines them with sampled gauges
func (c *Counters) Snapshot(g Gauges) Snapshot {
	s := Snapshot{
		Timestamp: time.Now(),

		Reads:    c.Reads.Load(),
		Hits:     c.Hits.Load(),
		Misses:   c.Misses.Load(),
		Puts:     c.Puts.Load(),
		Removals: c.Removals.Load(),

		Evictions:        c.Evictions.Load(),
		OffHeapEvictions: c.OffHeapEvictions.Load(),
		Promotions:       c.Promotions.Load(),
		DeferredEvicts:   c.DeferredEvicts.Load(),

		TxCommits:   c.TxCommits.Load(),
		TxRollbacks: c.TxRollbacks.Load(),
		TxConflicts: c.TxConflicts.Load(),
		TxRetries:   c.TxRetries.Load(),
		TxRecovered: c.TxRecovered.Load(),

		WriteBehindFlushes:          c.WriteBehindFlushes.Load(),
		WriteBehindFlushedEntries:   c.WriteBehindFlushedEntries.Load(),
		WriteBehindErrorRetries:     c.WriteBehindErrorRetries.Load(),
		WriteBehindFailedEntries:    c.WriteBehindFailedEntries.Load(),
		WriteBehindCriticalOverflow: c.WriteBehindCriticalOverflow.Load(),

		Exchanges:        c.Exchanges.Load(),
		PartitionsMoved:  c.PartitionsMoved.Load(),
		RecordsSent:      c.RecordsSent.Load(),
		RecordsReceived:  c.RecordsReceived.Load(),
		TransferFailures: c.TransferFailures.Load(),
		PartitionsLost:   c.PartitionsLost.Load(),

		Gauges: g,
	}

	s.AverageGetTime = average(c.GetTimeNanos.Load(), s.Reads)
	s.AveragePutTime = average(c.PutTimeNanos.Load(), s.Puts)
	s.AverageRemoveTime = average(c.RemoveTimeNanos.Load(), s.Removals)
	s.AverageCommitTime = average(c.CommitTimeNanos.Load(), s.TxCommits)
	s.AverageRollbackTime = average(c.RollbackTimeNanos.Load(), s.TxRollbacks)
	return s
}

// HitPercentage returns hits as a percentage of reads
func (s Snapshot) HitPercentage() float64 {
	if s.Reads == 0 {
		return 0
	}
	return float64(s.Hits) / float64(s.Reads) * 100.0
}

// MissPercentage returns misses as a percentage of reads
func (s Snapshot) MissPercentage() float64 {
	if s.Reads == 0 {
		return 0
	}
	return float64(s.Misses) / float64(s.Reads) * 100.0
}

func average(totalNanos, count int64) time.Duration {
	if count == 0 {
		return 0
	}
	return time.Duration(totalNanos / count)
}
