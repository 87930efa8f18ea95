package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gridcache"

// Exporter publishes node metrics to Prometheus. Counter values come from one
// Snapshot per scrape; operation latencies are recorded directly as histograms.
type Exporter struct {
	snapshot func() Snapshot
	descs    map[string]*prometheus.Desc

	OpDuration      *prometheus.HistogramVec
	PeerRequests    *prometheus.CounterVec
	TransferSeconds prometheus.Histogram
}

type snapshotMetric struct {
	name      string
	help      string
	valueType prometheus.ValueType
	value     func(Snapshot) float64
}

var snapshotMetrics = []snapshotMetric{
	{"reads_total", "Total number of cache reads", prometheus.CounterValue, func(s Snapshot) float64 { return float64(s.Reads) }},
	{"hits_total", "Total number of cache hits", prometheus.CounterValue, func(s Snapshot) float64 { return float64(s.Hits) }},
	{"misses_total", "Total number of cache misses", prometheus.CounterValue, func(s Snapshot) float64 { return float64(s.Misses) }},
	{"puts_total", "Total number of cache puts", prometheus.CounterValue, func(s Snapshot) float64 { return float64(s.Puts) }},
	{"removals_total", "Total number of cache removals", prometheus.CounterValue, func(s Snapshot) float64 { return float64(s.Removals) }},
	{"evictions_total", "Entries demoted from the on-heap tier", prometheus.CounterValue, func(s Snapshot) float64 { return float64(s.Evictions) }},
	{"offheap_evictions_total", "Entries demoted from the off-heap tier to swap", prometheus.CounterValue, func(s Snapshot) float64 { return float64(s.OffHeapEvictions) }},
	{"tx_commits_total", "Committed transactions", prometheus.CounterValue, func(s Snapshot) float64 { return float64(s.TxCommits) }},
	{"tx_rollbacks_total", "Rolled back transactions", prometheus.CounterValue, func(s Snapshot) float64 { return float64(s.TxRollbacks) }},
	{"tx_conflicts_total", "Transactions aborted by conflicts", prometheus.CounterValue, func(s Snapshot) float64 { return float64(s.TxConflicts) }},
	{"tx_retries_total", "Transparent transaction retries", prometheus.CounterValue, func(s Snapshot) float64 { return float64(s.TxRetries) }},
	{"write_behind_flushes_total", "Write-behind flushes", prometheus.CounterValue, func(s Snapshot) float64 { return float64(s.WriteBehindFlushes) }},
	{"write_behind_error_retries_total", "Write-behind store write retries", prometheus.CounterValue, func(s Snapshot) float64 { return float64(s.WriteBehindErrorRetries) }},
	{"write_behind_critical_overflow_total", "Synchronous flushes forced by buffer overflow", prometheus.CounterValue, func(s Snapshot) float64 { return float64(s.WriteBehindCriticalOverflow) }},
	{"partitions_moved_total", "Partitions transferred to this node", prometheus.CounterValue, func(s Snapshot) float64 { return float64(s.PartitionsMoved) }},
	{"partitions_lost_total", "Partitions recreated after losing every owner", prometheus.CounterValue, func(s Snapshot) float64 { return float64(s.PartitionsLost) }},
	{"size", "Primary entries held by this node", prometheus.GaugeValue, func(s Snapshot) float64 { return float64(s.Gauges.Size) }},
	{"onheap_entries", "Entries in the on-heap tier", prometheus.GaugeValue, func(s Snapshot) float64 { return float64(s.Gauges.OnHeapEntries) }},
	{"offheap_entries", "Entries in the off-heap tier", prometheus.GaugeValue, func(s Snapshot) float64 { return float64(s.Gauges.OffHeapEntries) }},
	{"offheap_allocated_bytes", "Bytes held by the off-heap tier", prometheus.GaugeValue, func(s Snapshot) float64 { return float64(s.Gauges.OffHeapAllocatedSize) }},
	{"swap_entries", "Entries in the swap tier", prometheus.GaugeValue, func(s Snapshot) float64 { return float64(s.Gauges.SwapEntries) }},
	{"locked_keys", "Keys currently locked by transactions", prometheus.GaugeValue, func(s Snapshot) float64 { return float64(s.Gauges.LockedKeys) }},
	{"write_behind_buffer_size", "Entries waiting in the write-behind buffer", prometheus.GaugeValue, func(s Snapshot) float64 { return float64(s.Gauges.WriteBehindBufferSize) }},
}

// NewExporter registers node metrics on reg. Each node gets its own registry
// so several nodes can live in one process.
func NewExporter(reg *prometheus.Registry, nodeID string, snapshot func() Snapshot) *Exporter {
	labels := prometheus.Labels{"node_id": nodeID}
	factory := promauto.With(reg)

	e := &Exporter{
		snapshot: snapshot,
		descs:    make(map[string]*prometheus.Desc, len(snapshotMetrics)),
		OpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "cache",
			Name:        "operation_duration_seconds",
			Help:        "Latency of cache operations",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0001, 2, 16),
		}, []string{"operation"}),
		PeerRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "transport",
			Name:        "peer_requests_total",
			Help:        "Peer requests handled by kind and outcome",
			ConstLabels: labels,
		}, []string{"kind", "outcome"}),
		TransferSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "rebalance",
			Name:        "transfer_duration_seconds",
			Help:        "Duration of partition transfers",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
	}

	for _, m := range snapshotMetrics {
		e.descs[m.name] = prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "cache", m.name), m.help, nil, labels)
	}
	reg.MustRegister(e)
	return e
}

// Describe implements prometheus.Collector
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range snapshotMetrics {
		ch <- e.descs[m.name]
	}
}

// Collect implements prometheus.Collector
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	s := e.snapshot()
	for _, m := range snapshotMetrics {
		ch <- prometheus.MustNewConstMetric(e.descs[m.name], m.valueType, m.value(s))
	}
}
