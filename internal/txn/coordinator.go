package txn

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	cerrors "github.com/devrev/pairdb/gridcache/internal/errors"
	"github.com/devrev/pairdb/gridcache/internal/metrics"
	"github.com/devrev/pairdb/gridcache/internal/model"
	"github.com/devrev/pairdb/gridcache/internal/routing"
	"github.com/devrev/pairdb/gridcache/internal/transport"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// decision is the coordinator's log entry for one transaction
type decision struct {
	state   model.TxnState
	aborted bool
	at      time.Time
}

// Coordinator is the near side of the protocol. It starts transactions,
// drives prepare and commit against partition primaries and keeps the
// decision log participants consult during recovery.
type Coordinator struct {
	self        model.NodeID
	cfg         Config
	routing     *routing.Table
	partitionOf func(model.Key) int
	transport   transport.Transport
	counters    *metrics.Counters
	logger      *zap.Logger

	mu        sync.Mutex
	decisions map[model.TxnID]*decision
	active    int
}

// NewCoordinator creates the near side
func NewCoordinator(
	self model.NodeID,
	cfg Config,
	routingTable *routing.Table,
	partitionOf func(model.Key) int,
	tr transport.Transport,
	counters *metrics.Counters,
	logger *zap.Logger,
) *Coordinator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Coordinator{
		self:        self,
		cfg:         cfg,
		routing:     routingTable,
		partitionOf: partitionOf,
		transport:   tr,
		counters:    counters,
		logger:      logger,
		decisions:   make(map[model.TxnID]*decision),
	}
}

// Option customizes a transaction
type Option func(*Txn)

// WithSkipStore keeps the transaction's writes out of the external store
func WithSkipStore() Option {
	return func(t *Txn) { t.skipStore = true }
}

// Begin starts a transaction fenced on the current affinity version
func (c *Coordinator) Begin(opts ...Option) *Txn {
	t := &Txn{
		id:      model.TxnID(uuid.NewString()),
		c:       c,
		version: c.routing.Version(),
		started: time.Now(),
		state:   model.TxnActive,
		writes:  make(map[model.Key]*model.TxnWrite),
		reads:   make(map[model.Key]readResult),
	}
	for _, opt := range opts {
		opt(t)
	}
	c.mu.Lock()
	c.active++
	c.mu.Unlock()
	return t
}

// Active returns the number of transactions not yet finished
func (c *Coordinator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Read fetches the committed entry of key from its primary
func (c *Coordinator) Read(ctx context.Context, key model.Key, version model.AffinityVersion) (*model.Entry, bool, error) {
	partition := c.partitionOf(key)
	primary, ok := c.routing.Primary(partition)
	if !ok {
		return nil, false, cerrors.TopologyChanged(partition, version.String(), "no owner")
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.PrepareTimeout)
	defer cancel()

	var resp ReadResponse
	req := &ReadRequest{Key: key, Partition: partition, Version: version}
	if err := c.transport.Call(ctx, primary, KindRead, req, &resp); err != nil {
		return nil, false, err
	}
	return resp.Entry, resp.Found, nil
}

// Get reads key outside a transaction, retrying routing failures
func (c *Coordinator) Get(ctx context.Context, key model.Key) (*model.Entry, bool, error) {
	var (
		entry *model.Entry
		found bool
	)
	err := c.retry(ctx, func(int) error {
		var err error
		entry, found, err = c.Read(ctx, key, c.routing.Version())
		return err
	})
	return entry, found, err
}

// Run executes fn in a transaction and commits it. Conflicts, topology
// changes and unreachable participants re-run fn in a new transaction up to
// max_attempts; exhaustion returns one error carrying the last cause.
func (c *Coordinator) Run(ctx context.Context, fn func(*Txn) error, opts ...Option) error {
	return c.retry(ctx, func(attempt int) error {
		if attempt > 1 {
			c.counters.TxRetries.Add(1)
		}
		tx := c.Begin(opts...)
		if err := fn(tx); err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				c.logger.Warn("Failed to roll back transaction",
					zap.String("txn_id", string(tx.id)),
					zap.Error(rbErr))
			}
			return err
		}
		return tx.Commit(ctx)
	})
}

func (c *Coordinator) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryBaseDelay
	b.MaxInterval = c.cfg.RetryMaxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// retry runs op until it succeeds, fails with a permanent error or runs out
// of attempts
func (c *Coordinator) retry(ctx context.Context, op func(attempt int) error) error {
	b := c.newBackOff()
	var last error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		version := c.routing.Version()
		err := op(attempt)
		if err == nil {
			return nil
		}
		if !cerrors.IsRetryable(err) {
			return err
		}
		last = err
		if attempt == c.cfg.MaxAttempts {
			break
		}
		c.logger.Debug("Retrying operation",
			zap.Int("attempt", attempt),
			zap.Error(err))
		if err := c.pause(ctx, version, b.NextBackOff(), err); err != nil {
			return err
		}
	}
	return cerrors.NewCacheError(cerrors.GetCode(last),
		fmt.Sprintf("operation failed after %d attempts", c.cfg.MaxAttempts), last)
}

// pause waits before a retry. Routing failures return as soon as a newer map
// is installed.
func (c *Coordinator) pause(ctx context.Context, version model.AffinityVersion, delay time.Duration, cause error) error {
	if cerrors.HasCode(cause, cerrors.ErrCodeTopologyChanged) || cerrors.HasCode(cause, cerrors.ErrCodeParticipantUnreachable) {
		if delay < c.cfg.RetryMaxDelay {
			delay = c.cfg.RetryMaxDelay
		}
		wctx, cancel := context.WithTimeout(ctx, delay)
		defer cancel()
		if err := c.routing.WaitNewer(wctx, version); err == nil {
			return nil
		}
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// group maps enlisted keys to their primaries, fencing on version
func (c *Coordinator) group(writes []model.TxnWrite, version model.AffinityVersion) (map[model.NodeID][]model.TxnWrite, error) {
	groups := make(map[model.NodeID][]model.TxnWrite)
	for _, w := range writes {
		if err := c.routing.Fence(w.Partition, version); err != nil {
			return nil, err
		}
		primary, ok := c.routing.Primary(w.Partition)
		if !ok {
			return nil, cerrors.TopologyChanged(w.Partition, version.String(), "no owner")
		}
		groups[primary] = append(groups[primary], w)
	}
	return groups, nil
}

func participants(groups map[model.NodeID][]model.TxnWrite) []model.NodeID {
	nodes := make([]model.NodeID, 0, len(groups))
	for node := range groups {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })
	return nodes
}

// prepare sends every group to its primary in parallel
func (c *Coordinator) prepare(ctx context.Context, id model.TxnID, version model.AffinityVersion,
	groups map[model.NodeID][]model.TxnWrite) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.PrepareTimeout)
	defer cancel()

	nodes := participants(groups)
	g, gctx := errgroup.WithContext(ctx)
	for node, writes := range groups {
		node, writes := node, writes
		g.Go(func() error {
			req := &PrepareRequest{
				TxnID:        id,
				Coordinator:  c.self,
				Version:      version,
				Writes:       writes,
				Participants: nodes,
			}
			if err := c.transport.Call(gctx, node, KindPrepare, req, nil); err != nil {
				c.logger.Debug("Prepare failed",
					zap.String("txn_id", string(id)),
					zap.String("participant", string(node)),
					zap.Error(err))
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// rollback releases every group, best effort
func (c *Coordinator) rollback(ctx context.Context, id model.TxnID, groups map[model.NodeID][]model.TxnWrite) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.PrepareTimeout)
	defer cancel()

	var g errgroup.Group
	for node := range groups {
		node := node
		g.Go(func() error {
			if err := c.transport.Call(ctx, node, KindRollback, &RollbackRequest{TxnID: id}, nil); err != nil {
				c.logger.Debug("Rollback not delivered",
					zap.String("txn_id", string(id)),
					zap.String("participant", string(node)),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// deliver sends the commit decision to every group
func (c *Coordinator) deliver(ctx context.Context, id model.TxnID, groups map[model.NodeID][]model.TxnWrite) error {
	var (
		mu   sync.Mutex
		errs error
		g    errgroup.Group
	)
	for node, writes := range groups {
		node, writes := node, writes
		g.Go(func() error {
			if err := c.commitGroup(ctx, id, node, writes); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// commitGroup delivers one primary's commit with backoff. Keys of an
// unreachable primary are regrouped by the primary of the next map, which is
// a backup holding the prepared copy.
func (c *Coordinator) commitGroup(ctx context.Context, id model.TxnID, node model.NodeID, writes []model.TxnWrite) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CommitTimeout)
	defer cancel()

	pending := map[model.NodeID][]model.TxnWrite{node: writes}
	op := func() error {
		var failed error
		for target, ws := range pending {
			keys := make([]model.Key, len(ws))
			for i := range ws {
				keys[i] = ws[i].Key
			}
			err := c.transport.Call(ctx, target, KindCommit, &CommitRequest{TxnID: id, Keys: keys}, nil)
			if err == nil {
				delete(pending, target)
				continue
			}
			if !cerrors.IsRetryable(err) && !cerrors.HasCode(err, cerrors.ErrCodeStopped) {
				return backoff.Permanent(err)
			}
			failed = multierr.Append(failed, err)
		}
		if len(pending) == 0 {
			return nil
		}

		version := c.routing.Version()
		wctx, wcancel := context.WithTimeout(ctx, c.cfg.RetryMaxDelay)
		_ = c.routing.WaitNewer(wctx, version)
		wcancel()

		regrouped := make(map[model.NodeID][]model.TxnWrite)
		for target, ws := range pending {
			for _, w := range ws {
				primary, ok := c.routing.Primary(w.Partition)
				if !ok {
					primary = target
				}
				regrouped[primary] = append(regrouped[primary], w)
			}
		}
		pending = regrouped
		return failed
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Warn("Commit delivery failed, retrying",
			zap.String("txn_id", string(id)),
			zap.Duration("backoff", wait),
			zap.Error(err))
	}
	return backoff.RetryNotify(op, backoff.WithContext(c.newBackOff(), ctx), notify)
}

// record writes the decision log
func (c *Coordinator) record(id model.TxnID, state model.TxnState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.decisions[id]
	if !ok {
		d = &decision{}
		c.decisions[id] = d
	}
	d.state = state
	d.at = time.Now()
}

// decide moves a prepared transaction to COMMITTING unless an abort was
// requested first
func (c *Coordinator) decide(id model.TxnID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.decisions[id]
	if !ok {
		d = &decision{}
		c.decisions[id] = d
	}
	if d.aborted {
		return false
	}
	d.state = model.TxnCommitting
	d.at = time.Now()
	return true
}

// requestAbort flags an undecided transaction for rollback. It fails once
// the commit decision was taken.
func (c *Coordinator) requestAbort(id model.TxnID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.decisions[id]
	if !ok {
		d = &decision{state: model.TxnPreparing, at: time.Now()}
		c.decisions[id] = d
	}
	if d.state == model.TxnCommitting || d.state == model.TxnCommitted {
		return false
	}
	d.aborted = true
	return true
}

// Decision answers a participant's recovery query. With Resolve set, an
// undecided transaction is aborted so the participant may roll back safely.
func (c *Coordinator) Decision(req *DecisionRequest) *StatusResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.decisions[req.TxnID]
	if !ok {
		return &StatusResponse{State: model.TxnUnknown}
	}
	if d.aborted {
		return &StatusResponse{State: model.TxnRolledBack}
	}
	if (d.state == model.TxnActive || d.state == model.TxnPreparing) && req.Resolve {
		d.aborted = true
		return &StatusResponse{State: model.TxnRolledBack}
	}
	return &StatusResponse{State: d.state}
}

// Prune drops finished decisions older than the retention
func (c *Coordinator) Prune(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, d := range c.decisions {
		if (d.state.Terminal() || d.aborted) && now.Sub(d.at) > c.cfg.DecisionRetention {
			delete(c.decisions, id)
			n++
		}
	}
	return n
}

func (c *Coordinator) done() {
	c.mu.Lock()
	if c.active > 0 {
		c.active--
	}
	c.mu.Unlock()
}
