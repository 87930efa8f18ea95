package model

// TxnID identifies a distributed transaction
type TxnID string

// TxnState represents the lifecycle state of a transaction
type TxnState string

const (
	TxnActive      TxnState = "ACTIVE"
	TxnPreparing   TxnState = "PREPARING"
	TxnPrepared    TxnState = "PREPARED"
	TxnCommitting  TxnState = "COMMITTING"
	TxnCommitted   TxnState = "COMMITTED"
	TxnRollingBack TxnState = "ROLLING_BACK"
	TxnRolledBack  TxnState = "ROLLED_BACK"
	// TxnUnknown is reported by participants that never saw a transaction
	TxnUnknown TxnState = "UNKNOWN"
)

var txnTransitions = map[TxnState][]TxnState{
	TxnActive:      {TxnPreparing, TxnRollingBack},
	TxnPreparing:   {TxnPrepared, TxnRollingBack},
	TxnPrepared:    {TxnCommitting, TxnRollingBack},
	TxnCommitting:  {TxnCommitted},
	TxnRollingBack: {TxnRolledBack},
}

// CanTransition reports whether moving from s to next is legal
func (s TxnState) CanTransition(next TxnState) bool {
	for _, allowed := range txnTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the state is final
func (s TxnState) Terminal() bool {
	return s == TxnCommitted || s == TxnRolledBack
}

// OpKind is the kind of access a transaction made to a key
type OpKind string

const (
	OpRead   OpKind = "read"
	OpPut    OpKind = "put"
	OpDelete OpKind = "delete"
)

// TxnWrite is one enlisted key as shipped to its owners at prepare time.
// ReadVersion is set when the transaction observed the key before writing it.
type TxnWrite struct {
	Key         Key     `json:"key"`
	Partition   int     `json:"partition"`
	Op          OpKind  `json:"op"`
	Value       []byte  `json:"value,omitempty"`
	ExpireAt    int64   `json:"expire_at,omitempty"`
	Checked     bool    `json:"checked,omitempty"`
	ReadVersion Version `json:"read_version"`
	ReadFound   bool    `json:"read_found,omitempty"`
	SkipStore   bool    `json:"skip_store,omitempty"`
}
