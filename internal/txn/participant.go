package txn

import (
	"context"
	"fmt"
	"sync"
	"time"

	cerrors "github.com/devrev/pairdb/gridcache/internal/errors"
	"github.com/devrev/pairdb/gridcache/internal/lock"
	"github.com/devrev/pairdb/gridcache/internal/metrics"
	"github.com/devrev/pairdb/gridcache/internal/model"
	"github.com/devrev/pairdb/gridcache/internal/routing"
	"github.com/devrev/pairdb/gridcache/internal/storage"
	"github.com/devrev/pairdb/gridcache/internal/transport"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// StoreWriter receives committed writes bound for the external store
type StoreWriter interface {
	Enqueue(ctx context.Context, partition int, key model.Key, value []byte, tombstone bool) error
}

// preparedWrite is a locked key awaiting the decision. primary is the node
// that prepared it as primary; it equals the local node for primary copies.
type preparedWrite struct {
	model.TxnWrite
	primary model.NodeID
}

type preparedTxn struct {
	id           model.TxnID
	coordinator  model.NodeID
	participants []model.NodeID
	at           time.Time
	writes       map[model.Key]*preparedWrite
	entered      map[int]*storage.Partition
}

func (t *preparedTxn) holdsPrimary(partition int, self model.NodeID) bool {
	for _, w := range t.writes {
		if w.Partition == partition && w.primary == self {
			return true
		}
	}
	return false
}

type outcome struct {
	state model.TxnState
	at    time.Time
}

// applied is a committed record and the partition it went to
type applied struct {
	partition int
	record    model.Record
}

// Participant is the DHT side of the protocol on one node. It validates and
// locks prepared keys, applies committed writes and replicates them to
// backups.
type Participant struct {
	self      model.NodeID
	cfg       Config
	store     *storage.Store
	locks     *lock.Table
	routing   *routing.Table
	transport transport.Transport
	writer    StoreWriter
	counters  *metrics.Counters
	logger    *zap.Logger

	// applyMu makes the writes of one commit visible to readers at once
	applyMu sync.RWMutex

	mu       sync.Mutex
	prepared map[model.TxnID]*preparedTxn
	outcomes map[model.TxnID]outcome
}

// NewParticipant creates the DHT side. writer may be nil when no external
// store is configured.
func NewParticipant(
	self model.NodeID,
	cfg Config,
	store *storage.Store,
	locks *lock.Table,
	routingTable *routing.Table,
	tr transport.Transport,
	writer StoreWriter,
	counters *metrics.Counters,
	logger *zap.Logger,
) *Participant {
	return &Participant{
		self:      self,
		cfg:       cfg,
		store:     store,
		locks:     locks,
		routing:   routingTable,
		transport: tr,
		writer:    writer,
		counters:  counters,
		logger:    logger,
		prepared:  make(map[model.TxnID]*preparedTxn),
		outcomes:  make(map[model.TxnID]outcome),
	}
}

// primaryCopy fences version and returns the local complete copy of a
// partition this node is primary for
func (p *Participant) primaryCopy(partition int, version model.AffinityVersion) (*storage.Partition, error) {
	if err := p.routing.Fence(partition, version); err != nil {
		return nil, err
	}
	if !p.routing.IsPrimary(partition, p.self) {
		return nil, cerrors.NotPrimary(partition, string(p.self))
	}
	part, ok := p.store.Partition(partition)
	if !ok || !part.State().Complete() {
		return nil, cerrors.NotPrimary(partition, string(p.self))
	}
	return part, nil
}

// Read returns the committed entry of a key on its primary
func (p *Participant) Read(ctx context.Context, req *ReadRequest) (*ReadResponse, error) {
	part, err := p.primaryCopy(req.Partition, req.Version)
	if err != nil {
		return nil, err
	}

	p.applyMu.RLock()
	e, ok, err := part.Get(req.Key)
	p.applyMu.RUnlock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return &ReadResponse{}, nil
	}
	return &ReadResponse{Entry: e.Clone(), Found: e.Live(time.Now())}, nil
}

// Prepare enlists the primary's share of a transaction: fence, handoff
// barrier, capacity, sorted locks, read validation, then synchronous
// replication of the prepared state to backups.
func (p *Participant) Prepare(ctx context.Context, req *PrepareRequest) error {
	if len(req.Writes) == 0 {
		return nil
	}

	parts := make(map[int]*storage.Partition)
	incoming := make(map[int]int64)
	for i := range req.Writes {
		w := &req.Writes[i]
		if _, ok := parts[w.Partition]; !ok {
			part, err := p.primaryCopy(w.Partition, req.Version)
			if err != nil {
				return err
			}
			parts[w.Partition] = part
		}
		if w.Op == model.OpPut {
			incoming[w.Partition] += int64(writeSize(w))
		}
	}

	p.mu.Lock()
	if o, ok := p.outcomes[req.TxnID]; ok {
		p.mu.Unlock()
		return cerrors.InvalidState(fmt.Sprintf("transaction %s already %s", req.TxnID, o.state))
	}
	if st, ok := p.prepared[req.TxnID]; ok && st.holdsAll(req.Writes) {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	entered := make(map[int]*storage.Partition, len(parts))
	exit := func() {
		for _, part := range entered {
			part.ExitTxn()
		}
	}
	for id, part := range parts {
		if !part.EnterTxn() {
			exit()
			return cerrors.TopologyChanged(id, req.Version.String(), "frozen for handoff")
		}
		entered[id] = part
	}
	for id, n := range incoming {
		if err := parts[id].CheckCapacity(n); err != nil {
			exit()
			return err
		}
	}

	keys := writeKeys(req.Writes)
	if err := p.locks.AcquireAll(ctx, keys, req.TxnID); err != nil {
		exit()
		return err
	}
	if err := p.validate(parts, req.Writes); err != nil {
		p.locks.ReleaseAll(keys, req.TxnID)
		exit()
		return err
	}
	if err := p.register(req.TxnID, req.Coordinator, req.Participants, req.Writes, p.self, entered); err != nil {
		p.locks.ReleaseAll(keys, req.TxnID)
		exit()
		return err
	}

	if err := p.replicatePrepare(ctx, req); err != nil {
		p.logger.Warn("Backup prepare failed, releasing transaction",
			zap.String("txn_id", string(req.TxnID)),
			zap.Error(err))
		writes := p.claim(req.TxnID, keys)
		p.finish(req.TxnID, writes, "")
		p.forwardRollback(ctx, req.TxnID, writes)
		return err
	}
	return nil
}

func (t *preparedTxn) holdsAll(writes []model.TxnWrite) bool {
	for i := range writes {
		if _, ok := t.writes[writes[i].Key]; !ok {
			return false
		}
	}
	return true
}

// validate fails when a key read by the transaction changed since the read
func (p *Participant) validate(parts map[int]*storage.Partition, writes []model.TxnWrite) error {
	now := time.Now()
	for i := range writes {
		w := &writes[i]
		if !w.Checked {
			continue
		}
		cur, _, err := parts[w.Partition].LocalPeek(w.Key, storage.TierAll)
		if err != nil {
			return err
		}
		found := cur != nil && cur.Live(now)
		if found != w.ReadFound {
			return cerrors.Conflict(string(w.Key), "key was written after it was read")
		}
		if found && cur.Version.Compare(w.ReadVersion) != 0 {
			return cerrors.Conflict(string(w.Key),
				fmt.Sprintf("read version %s replaced by %s", w.ReadVersion, cur.Version))
		}
	}
	return nil
}

func (p *Participant) register(id model.TxnID, coordinator model.NodeID, participants []model.NodeID,
	writes []model.TxnWrite, primary model.NodeID, entered map[int]*storage.Partition) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if o, ok := p.outcomes[id]; ok && o.state == model.TxnRolledBack {
		return cerrors.InvalidState(fmt.Sprintf("transaction %s already rolled back", id))
	}
	st, ok := p.prepared[id]
	if !ok {
		st = &preparedTxn{
			id:           id,
			coordinator:  coordinator,
			participants: participants,
			at:           time.Now(),
			writes:       make(map[model.Key]*preparedWrite),
			entered:      make(map[int]*storage.Partition),
		}
		p.prepared[id] = st
	}
	for i := range writes {
		st.writes[writes[i].Key] = &preparedWrite{TxnWrite: writes[i], primary: primary}
	}
	for partition, part := range entered {
		st.entered[partition] = part
	}
	return nil
}

func (p *Participant) replicatePrepare(ctx context.Context, req *PrepareRequest) error {
	byNode := make(map[model.NodeID][]model.TxnWrite)
	for _, w := range req.Writes {
		for _, node := range p.routing.Backups(w.Partition) {
			byNode[node] = append(byNode[node], w)
		}
	}
	if len(byNode) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for node, writes := range byNode {
		node, writes := node, writes
		g.Go(func() error {
			err := p.transport.Call(gctx, node, KindBackupPrepare, &BackupPrepareRequest{
				TxnID:        req.TxnID,
				Coordinator:  req.Coordinator,
				Primary:      p.self,
				Writes:       writes,
				Participants: req.Participants,
			}, nil)
			if cerrors.HasCode(err, cerrors.ErrCodeParticipantUnreachable) && gctx.Err() == nil {
				// a failed backup leaves the topology; the partition keeps serving
				p.logger.Warn("Backup unreachable during prepare",
					zap.String("txn_id", string(req.TxnID)),
					zap.String("backup", string(node)),
					zap.Error(err))
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

// BackupPrepare locks a primary's prepared keys on a backup
func (p *Participant) BackupPrepare(ctx context.Context, req *BackupPrepareRequest) error {
	keys := writeKeys(req.Writes)
	if err := p.locks.AcquireAll(ctx, keys, req.TxnID); err != nil {
		return err
	}
	if err := p.register(req.TxnID, req.Coordinator, req.Participants, req.Writes, req.Primary, nil); err != nil {
		p.locks.ReleaseAll(keys, req.TxnID)
		return err
	}
	return nil
}

// Commit applies the listed prepared keys as primary. A backup promoted after
// its primary failed commits its prepared copy the same way.
func (p *Participant) Commit(ctx context.Context, req *CommitRequest) error {
	p.mu.Lock()
	_, ok := p.prepared[req.TxnID]
	o, decided := p.outcomes[req.TxnID]
	p.mu.Unlock()

	if decided && o.state == model.TxnRolledBack {
		return cerrors.InvalidState(fmt.Sprintf("transaction %s was rolled back", req.TxnID))
	}
	if !ok {
		if decided && o.state == model.TxnCommitted {
			return nil
		}
		return cerrors.InvalidState(fmt.Sprintf("transaction %s is not prepared on %s", req.TxnID, p.self))
	}

	writes := p.claim(req.TxnID, req.Keys)
	if len(writes) == 0 {
		p.finish(req.TxnID, nil, model.TxnCommitted)
		return nil
	}

	records, err := p.apply(writes)
	p.enqueue(ctx, records)
	p.replicateCommit(ctx, req.TxnID, records, writes)
	p.finish(req.TxnID, writes, model.TxnCommitted)

	if err != nil {
		p.logger.Error("Failed to apply committed writes",
			zap.String("txn_id", string(req.TxnID)),
			zap.Error(err))
		return err
	}
	return nil
}

// apply assigns versions and writes every key of one commit under the
// apply barrier
func (p *Participant) apply(writes []*preparedWrite) ([]applied, error) {
	topology := p.routing.Version().Topology
	storeBound := p.writer != nil

	p.applyMu.Lock()
	defer p.applyMu.Unlock()

	out := make([]applied, 0, len(writes))
	var errs error
	for _, w := range writes {
		if w.Op == model.OpRead {
			continue
		}
		part, ok := p.store.Partition(w.Partition)
		if !ok {
			errs = multierr.Append(errs, cerrors.NotPrimary(w.Partition, string(p.self)))
			continue
		}
		e := &model.Entry{Key: w.Key, Version: part.NextVersion(topology, p.self)}
		if w.Op == model.OpDelete {
			e.Tombstone = true
		} else {
			e.Value = w.Value
			e.ExpireAt = w.ExpireAt
		}
		pending := storeBound && !w.SkipStore
		if _, err := part.Put(e, pending); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		out = append(out, applied{partition: w.Partition, record: model.Record{Entry: *e, Pending: pending}})
	}
	return out, errs
}

// enqueue hands store-bound writes to write-behind outside the apply barrier,
// since a critical flush blocks the caller
func (p *Participant) enqueue(ctx context.Context, records []applied) {
	if p.writer == nil {
		return
	}
	for _, a := range records {
		if !a.record.Pending {
			continue
		}
		r := a.record
		if err := p.writer.Enqueue(ctx, a.partition, r.Key, r.Value, r.Tombstone); err != nil {
			p.logger.Warn("Failed to enqueue write-behind",
				zap.String("key", string(r.Key)),
				zap.Int("partition", a.partition),
				zap.Error(err))
		}
	}
}

func (p *Participant) replicateCommit(ctx context.Context, id model.TxnID, records []applied, writes []*preparedWrite) {
	byNode := make(map[model.NodeID]*BackupCommitRequest)
	forNode := func(node model.NodeID) *BackupCommitRequest {
		req, ok := byNode[node]
		if !ok {
			req = &BackupCommitRequest{TxnID: id}
			byNode[node] = req
		}
		return req
	}
	for _, a := range records {
		for _, node := range p.routing.Backups(a.partition) {
			req := forNode(node)
			req.Records = append(req.Records, a.record)
		}
	}
	// backups lock read keys at prepare too; they carry no record
	for _, w := range writes {
		if w.Op != model.OpRead {
			continue
		}
		for _, node := range p.routing.Backups(w.Partition) {
			req := forNode(node)
			req.Released = append(req.Released, w.Key)
		}
	}
	if len(byNode) == 0 {
		return
	}

	// backups must see the commit even if the coordinator stopped waiting
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.PrepareTimeout)
	defer cancel()

	var g errgroup.Group
	for node, req := range byNode {
		node, req := node, req
		g.Go(func() error {
			err := p.transport.Call(ctx, node, KindBackupCommit, req, nil)
			if err != nil {
				p.logger.Warn("Failed to replicate commit to backup",
					zap.String("txn_id", string(id)),
					zap.String("backup", string(node)),
					zap.Int("records", len(req.Records)),
					zap.Int("released", len(req.Released)),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// BackupCommit applies records committed by the primary and releases the
// backup's locks on them and on the transaction's read keys
func (p *Participant) BackupCommit(ctx context.Context, req *BackupCommitRequest) error {
	byPartition := make(map[*storage.Partition][]model.Record)
	keys := make([]model.Key, 0, len(req.Records)+len(req.Released))
	keys = append(keys, req.Released...)
	for _, r := range req.Records {
		keys = append(keys, r.Key)
		if part, ok := p.store.PartitionFor(r.Key); ok {
			byPartition[part] = append(byPartition[part], r)
		}
	}

	var errs error
	for part, recs := range byPartition {
		if _, err := part.ApplyRecords(recs); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	writes := p.claim(req.TxnID, keys)
	p.finish(req.TxnID, writes, model.TxnCommitted)
	return errs
}

// Rollback releases prepared keys and forwards the rollback to backups
func (p *Participant) Rollback(ctx context.Context, req *RollbackRequest) error {
	keys := req.Keys
	if len(keys) == 0 {
		keys = p.primaryKeys(req.TxnID)
	}
	writes := p.claim(req.TxnID, keys)
	p.finish(req.TxnID, writes, model.TxnRolledBack)
	p.forwardRollback(ctx, req.TxnID, writes)
	return nil
}

// BackupRollback releases a backup's locks
func (p *Participant) BackupRollback(ctx context.Context, req *RollbackRequest) error {
	writes := p.claim(req.TxnID, req.Keys)
	p.finish(req.TxnID, writes, model.TxnRolledBack)
	return nil
}

func (p *Participant) forwardRollback(ctx context.Context, id model.TxnID, writes []*preparedWrite) {
	byNode := make(map[model.NodeID][]model.Key)
	for _, w := range writes {
		if w.primary != p.self {
			continue
		}
		for _, node := range p.routing.Backups(w.Partition) {
			byNode[node] = append(byNode[node], w.Key)
		}
	}
	if len(byNode) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.PrepareTimeout)
	defer cancel()

	var g errgroup.Group
	for node, keys := range byNode {
		node, keys := node, keys
		g.Go(func() error {
			if err := p.transport.Call(ctx, node, KindBackupRollback, &RollbackRequest{TxnID: id, Keys: keys}, nil); err != nil {
				p.logger.Debug("Failed to forward rollback to backup",
					zap.String("txn_id", string(id)),
					zap.String("backup", string(node)),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Status reports what this node knows about a transaction
func (p *Participant) Status(req *StatusRequest) *StatusResponse {
	p.mu.Lock()
	defer p.mu.Unlock()
	if o, ok := p.outcomes[req.TxnID]; ok {
		return &StatusResponse{State: o.state}
	}
	if _, ok := p.prepared[req.TxnID]; ok {
		return &StatusResponse{State: model.TxnPrepared}
	}
	return &StatusResponse{State: model.TxnUnknown}
}

// Prepared returns the number of transactions holding prepared keys here
func (p *Participant) Prepared() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.prepared)
}

func (p *Participant) primaryKeys(id model.TxnID) []model.Key {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.prepared[id]
	if !ok {
		return nil
	}
	var keys []model.Key
	for k, w := range st.writes {
		if w.primary == p.self {
			keys = append(keys, k)
		}
	}
	return keys
}

// claim removes keys from the prepared set so exactly one caller finishes them
func (p *Participant) claim(id model.TxnID, keys []model.Key) []*preparedWrite {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.prepared[id]
	if !ok {
		return nil
	}
	out := make([]*preparedWrite, 0, len(keys))
	for _, k := range keys {
		if w, ok := st.writes[k]; ok {
			out = append(out, w)
			delete(st.writes, k)
		}
	}
	return out
}

// finish releases claimed keys, leaves partitions that no longer hold
// primary keys of the transaction and records the outcome. An empty state
// records nothing.
func (p *Participant) finish(id model.TxnID, writes []*preparedWrite, state model.TxnState) {
	keys := make([]model.Key, len(writes))
	for i, w := range writes {
		keys[i] = w.Key
	}
	p.locks.ReleaseAll(keys, id)

	var exits []*storage.Partition
	p.mu.Lock()
	if state != "" {
		if o, ok := p.outcomes[id]; !ok || o.state != model.TxnCommitted {
			p.outcomes[id] = outcome{state: state, at: time.Now()}
		}
	}
	if st, ok := p.prepared[id]; ok {
		for partition, part := range st.entered {
			if !st.holdsPrimary(partition, p.self) {
				exits = append(exits, part)
				delete(st.entered, partition)
			}
		}
		if len(st.writes) == 0 {
			delete(p.prepared, id)
		}
	}
	p.mu.Unlock()

	for _, part := range exits {
		part.ExitTxn()
	}
}

func writeKeys(writes []model.TxnWrite) []model.Key {
	keys := make([]model.Key, len(writes))
	for i := range writes {
		keys[i] = writes[i].Key
	}
	return lock.SortedUnique(keys)
}

func writeSize(w *model.TxnWrite) int {
	e := model.Entry{Key: w.Key, Value: w.Value}
	return e.Size()
}
