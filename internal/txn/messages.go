// Package txn implements the near/DHT two-phase commit protocol. The near
// side (Coordinator, Txn) buffers writes on the node that began the
// transaction; the DHT side (Participant) runs on partition owners.
package txn

import (
	"time"

	"github.com/devrev/pairdb/gridcache/internal/model"
)

// Peer message kinds. Primary-facing kinds may fan out to backups and run on
// the peer pool; backup and status kinds never call other nodes.
const (
	KindRead           = "txn.read"
	KindPrepare        = "txn.prepare"
	KindCommit         = "txn.commit"
	KindRollback       = "txn.rollback"
	KindBackupPrepare  = "txn.backup_prepare"
	KindBackupCommit   = "txn.backup_commit"
	KindBackupRollback = "txn.backup_rollback"
	KindStatus         = "txn.status"
	KindDecision       = "txn.decision"
)

// Config holds transaction timeouts and retry policy
type Config struct {
	LockTimeout       time.Duration `mapstructure:"lock_timeout" yaml:"lock_timeout"`
	PrepareTimeout    time.Duration `mapstructure:"prepare_timeout" yaml:"prepare_timeout"`
	CommitTimeout     time.Duration `mapstructure:"commit_timeout" yaml:"commit_timeout"`
	MaxAttempts       int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	RetryBaseDelay    time.Duration `mapstructure:"retry_base_delay" yaml:"retry_base_delay"`
	RetryMaxDelay     time.Duration `mapstructure:"retry_max_delay" yaml:"retry_max_delay"`
	RecoveryTimeout   time.Duration `mapstructure:"recovery_timeout" yaml:"recovery_timeout"`
	DecisionRetention time.Duration `mapstructure:"decision_retention" yaml:"decision_retention"`
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		LockTimeout:       2 * time.Second,
		PrepareTimeout:    5 * time.Second,
		CommitTimeout:     30 * time.Second,
		MaxAttempts:       5,
		RetryBaseDelay:    20 * time.Millisecond,
		RetryMaxDelay:     time.Second,
		RecoveryTimeout:   30 * time.Second,
		DecisionRetention: 10 * time.Minute,
	}
}

// ReadRequest asks a primary for the committed entry of a key
type ReadRequest struct {
	Key       model.Key             `json:"key"`
	Partition int                   `json:"partition"`
	Version   model.AffinityVersion `json:"version"`
}

// ReadResponse carries the stored entry, which may be a tombstone
type ReadResponse struct {
	Entry *model.Entry `json:"entry,omitempty"`
	Found bool         `json:"found"`
}

// PrepareRequest enlists a primary's share of a transaction
type PrepareRequest struct {
	TxnID        model.TxnID           `json:"txn_id"`
	Coordinator  model.NodeID          `json:"coordinator"`
	Version      model.AffinityVersion `json:"version"`
	Writes       []model.TxnWrite      `json:"writes"`
	Participants []model.NodeID        `json:"participants"`
}

// BackupPrepareRequest replicates a primary's prepared state
type BackupPrepareRequest struct {
	TxnID        model.TxnID      `json:"txn_id"`
	Coordinator  model.NodeID     `json:"coordinator"`
	Primary      model.NodeID     `json:"primary"`
	Writes       []model.TxnWrite `json:"writes"`
	Participants []model.NodeID   `json:"participants"`
}

// CommitRequest commits the listed prepared keys on the receiving primary
type CommitRequest struct {
	TxnID model.TxnID `json:"txn_id"`
	Keys  []model.Key `json:"keys"`
}

// BackupCommitRequest carries records already applied by the primary.
// Released lists read keys the backup locked at prepare.
type BackupCommitRequest struct {
	TxnID    model.TxnID    `json:"txn_id"`
	Records  []model.Record `json:"records"`
	Released []model.Key    `json:"released,omitempty"`
}

// RollbackRequest releases prepared keys. An empty key list releases every
// key the receiver prepared as primary.
type RollbackRequest struct {
	TxnID model.TxnID `json:"txn_id"`
	Keys  []model.Key `json:"keys,omitempty"`
}

// StatusRequest asks a participant what it knows about a transaction
type StatusRequest struct {
	TxnID model.TxnID `json:"txn_id"`
}

// DecisionRequest asks a coordinator for its decision. With Resolve set, an
// undecided transaction is decided as rolled back.
type DecisionRequest struct {
	TxnID   model.TxnID `json:"txn_id"`
	Resolve bool        `json:"resolve"`
}

// StatusResponse answers StatusRequest and DecisionRequest
type StatusResponse struct {
	State model.TxnState `json:"state"`
}
