package txn

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	cerrors "github.com/devrev/pairdb/gridcache/internal/errors"
	"github.com/devrev/pairdb/gridcache/internal/model"
	"go.uber.org/zap"
)

type readResult struct {
	value []byte
	found bool
}

// Txn is a near transaction. Writes are buffered until Commit; reads go to
// the current primary and record the observed version for validation.
// A Txn may be used from several goroutines.
type Txn struct {
	id        model.TxnID
	c         *Coordinator
	version   model.AffinityVersion
	skipStore bool
	started   time.Time

	mu     sync.Mutex
	state  model.TxnState
	writes map[model.Key]*model.TxnWrite
	reads  map[model.Key]readResult
}

// ID returns the transaction id
func (t *Txn) ID() model.TxnID {
	return t.id
}

// Version returns the affinity version the transaction is fenced on
func (t *Txn) Version() model.AffinityVersion {
	return t.version
}

// State returns the current state
func (t *Txn) State() model.TxnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Get returns the value of key as seen by the transaction
func (t *Txn) Get(ctx context.Context, key model.Key) ([]byte, bool, error) {
	t.mu.Lock()
	if t.state != model.TxnActive {
		defer t.mu.Unlock()
		return nil, false, t.inactiveLocked("read")
	}
	if w, ok := t.writes[key]; ok {
		switch w.Op {
		case model.OpPut:
			v := clone(w.Value)
			t.mu.Unlock()
			return v, true, nil
		case model.OpDelete:
			t.mu.Unlock()
			return nil, false, nil
		}
	}
	if r, ok := t.reads[key]; ok {
		t.mu.Unlock()
		return clone(r.value), r.found, nil
	}
	t.mu.Unlock()

	entry, found, err := t.c.Read(ctx, key, t.version)
	if err != nil {
		return nil, false, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	w := t.enlistLocked(key)
	if !w.Checked {
		w.Checked = true
		w.ReadFound = found
		if entry != nil {
			w.ReadVersion = entry.Version
		}
	}
	var value []byte
	if found {
		value = entry.Value
	}
	t.reads[key] = readResult{value: value, found: found}
	return clone(value), found, nil
}

// Put buffers a write of key
func (t *Txn) Put(key model.Key, value []byte) error {
	return t.write(key, model.OpPut, value, 0)
}

// PutWithTTL buffers a write of key that expires after ttl
func (t *Txn) PutWithTTL(key model.Key, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return cerrors.InvalidArgument(fmt.Sprintf("ttl must be positive, got %v", ttl), nil)
	}
	return t.write(key, model.OpPut, value, time.Now().Add(ttl).UnixNano())
}

// Remove buffers a delete of key
func (t *Txn) Remove(key model.Key) error {
	return t.write(key, model.OpDelete, nil, 0)
}

func (t *Txn) write(key model.Key, op model.OpKind, value []byte, expireAt int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != model.TxnActive {
		return t.inactiveLocked("write")
	}
	w := t.enlistLocked(key)
	w.Op = op
	w.Value = clone(value)
	w.ExpireAt = expireAt
	return nil
}

func (t *Txn) enlistLocked(key model.Key) *model.TxnWrite {
	if w, ok := t.writes[key]; ok {
		return w
	}
	w := &model.TxnWrite{
		Key:       key,
		Partition: t.c.partitionOf(key),
		Op:        model.OpRead,
		SkipStore: t.skipStore,
	}
	t.writes[key] = w
	return w
}

func (t *Txn) inactiveLocked(op string) error {
	return cerrors.InvalidState(fmt.Sprintf("cannot %s in transaction %s: state %s", op, t.id, t.state))
}

// transition moves the state along the transaction graph
func (t *Txn) transition(next model.TxnState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.state.CanTransition(next) {
		t.c.logger.Error("Illegal transaction state transition",
			zap.String("txn_id", string(t.id)),
			zap.String("from", string(t.state)),
			zap.String("to", string(next)))
		return
	}
	t.state = next
}

// Commit runs two-phase commit over every enlisted key. A failed prepare
// rolls every participant back and returns the failure; once the commit
// decision is taken delivery is retried until it succeeds or the commit
// timeout elapses.
func (t *Txn) Commit(ctx context.Context) error {
	start := time.Now()
	c := t.c

	t.mu.Lock()
	if t.state != model.TxnActive {
		defer t.mu.Unlock()
		return t.inactiveLocked("commit")
	}
	t.state = model.TxnPreparing
	writes := make([]model.TxnWrite, 0, len(t.writes))
	for _, w := range t.writes {
		writes = append(writes, *w)
	}
	t.mu.Unlock()
	defer c.done()

	sort.Slice(writes, func(i, j int) bool { return writes[i].Key < writes[j].Key })
	c.record(t.id, model.TxnPreparing)

	if len(writes) == 0 {
		t.transition(model.TxnPrepared)
		t.transition(model.TxnCommitting)
		t.transition(model.TxnCommitted)
		c.record(t.id, model.TxnCommitted)
		c.counters.ObserveCommit(time.Since(start))
		return nil
	}

	groups, err := c.group(writes, t.version)
	if err != nil {
		return t.abort(ctx, nil, err, start)
	}
	if err := c.prepare(ctx, t.id, t.version, groups); err != nil {
		return t.abort(ctx, groups, err, start)
	}
	if !c.decide(t.id) {
		return t.abort(ctx, groups, cerrors.InvalidState(fmt.Sprintf("transaction %s rolled back while preparing", t.id)), start)
	}

	t.transition(model.TxnPrepared)
	t.transition(model.TxnCommitting)
	err = c.deliver(ctx, t.id, groups)
	t.transition(model.TxnCommitted)
	c.record(t.id, model.TxnCommitted)
	c.counters.ObserveCommit(time.Since(start))

	if err != nil {
		c.logger.Error("Commit not delivered to every participant",
			zap.String("txn_id", string(t.id)),
			zap.Error(err))
		return cerrors.InternalError(fmt.Sprintf("transaction %s committed but delivery incomplete", t.id), err)
	}
	return nil
}

func (t *Txn) abort(ctx context.Context, groups map[model.NodeID][]model.TxnWrite, cause error, start time.Time) error {
	c := t.c
	t.transition(model.TxnRollingBack)
	if len(groups) > 0 {
		c.rollback(ctx, t.id, groups)
	}
	t.transition(model.TxnRolledBack)
	c.record(t.id, model.TxnRolledBack)
	c.counters.ObserveRollback(time.Since(start))
	if cerrors.HasCode(cause, cerrors.ErrCodeConflict) {
		c.counters.TxConflicts.Add(1)
	}
	c.logger.Debug("Transaction rolled back",
		zap.String("txn_id", string(t.id)),
		zap.Error(cause))
	return cause
}

// Rollback abandons the transaction. While a commit is preparing the
// rollback is honoured before the decision; after it, rollback fails.
func (t *Txn) Rollback(ctx context.Context) error {
	start := time.Now()
	t.mu.Lock()
	switch t.state {
	case model.TxnActive:
		t.state = model.TxnRolledBack
		t.mu.Unlock()
		t.c.done()
		t.c.counters.ObserveRollback(time.Since(start))
		return nil
	case model.TxnPreparing:
		t.mu.Unlock()
		if t.c.requestAbort(t.id) {
			return nil
		}
		return cerrors.InvalidState(fmt.Sprintf("transaction %s already decided to commit", t.id))
	case model.TxnRollingBack, model.TxnRolledBack:
		t.mu.Unlock()
		return nil
	default:
		defer t.mu.Unlock()
		return t.inactiveLocked("roll back")
	}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
