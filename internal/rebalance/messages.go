package rebalance

import (
	"sort"
	"time"

	"github.com/devrev/pairdb/gridcache/internal/model"
)

// Message kinds served by the supervisor
const (
	KindReport        = "rebalance.report"
	KindFullMap       = "rebalance.fullmap"
	KindTransferStart = "rebalance.transfer_start"
	KindBatch         = "rebalance.batch"
	KindTransferDone  = "rebalance.transfer_done"
)

// Config holds rebalance settings
type Config struct {
	BatchSize        int           `mapstructure:"batch_size" yaml:"batch_size"`
	RecordsPerSecond int           `mapstructure:"records_per_second" yaml:"records_per_second"`
	TransferTimeout  time.Duration `mapstructure:"transfer_timeout" yaml:"transfer_timeout"`
	MaxAttempts      int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	RetryBaseDelay   time.Duration `mapstructure:"retry_base_delay" yaml:"retry_base_delay"`
	// ExchangeTimeout bounds how long the coordinator waits for reports
	ExchangeTimeout time.Duration `mapstructure:"-" yaml:"-"`
}

// DefaultConfig returns the settings used when none are configured
func DefaultConfig() Config {
	return Config{
		BatchSize:        512,
		RecordsPerSecond: 0,
		TransferTimeout:  30 * time.Second,
		MaxAttempts:      3,
		RetryBaseDelay:   100 * time.Millisecond,
		ExchangeTimeout:  10 * time.Second,
	}
}

// PartitionReport lists the partitions a node holds completely
type PartitionReport struct {
	Topology uint64       `json:"topology"`
	Node     model.NodeID `json:"node"`
	Owning   []int        `json:"owning"`
}

// Transfer moves one partition copy from a holder to a new owner
type Transfer struct {
	Partition int          `json:"partition"`
	Source    model.NodeID `json:"source"`
	Target    model.NodeID `json:"target"`
}

// FullMap is the exchange coordinator's routing decision. Owners lists the
// primary first. Lost partitions were recreated empty.
type FullMap struct {
	Version   model.AffinityVersion `json:"version"`
	Owners    [][]model.NodeID      `json:"owners"`
	Transfers []Transfer            `json:"transfers,omitempty"`
	Lost      []int                 `json:"lost,omitempty"`
}

func (m *FullMap) transfers() map[int]Transfer {
	out := make(map[int]Transfer, len(m.Transfers))
	for _, t := range m.Transfers {
		out[t.Partition] = t
	}
	return out
}

func (m *FullMap) lost() map[int]bool {
	out := make(map[int]bool, len(m.Lost))
	for _, p := range m.Lost {
		out[p] = true
	}
	return out
}

// TransferStart asks the target to open an empty MOVING_IN copy
type TransferStart struct {
	Version    model.AffinityVersion `json:"version"`
	Partition  int                   `json:"partition"`
	Source     model.NodeID          `json:"source"`
	TransferID string                `json:"transfer_id"`
}

// Batch carries framed records of one transfer in order
type Batch struct {
	TransferID string `json:"transfer_id"`
	Partition  int    `json:"partition"`
	Seq        int    `json:"seq"`
	Frames     []byte `json:"frames"`
}

// TransferDone reports a completed transfer to the exchange coordinator
type TransferDone struct {
	Partition int          `json:"partition"`
	Source    model.NodeID `json:"source"`
	Target    model.NodeID `json:"target"`
}

func sortedTransfers(in map[int]Transfer) []Transfer {
	out := make([]Transfer, 0, len(in))
	for _, t := range in {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Partition < out[j].Partition })
	return out
}
