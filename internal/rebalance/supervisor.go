// Package rebalance moves partition copies between nodes after topology
// changes. The oldest member runs the exchange: it collects what every node
// holds, publishes the owner map and schedules transfers one partition at a
// time until every partition sits on its ideal owners.
package rebalance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/devrev/pairdb/gridcache/internal/affinity"
	cerrors "github.com/devrev/pairdb/gridcache/internal/errors"
	"github.com/devrev/pairdb/gridcache/internal/metrics"
	"github.com/devrev/pairdb/gridcache/internal/model"
	"github.com/devrev/pairdb/gridcache/internal/routing"
	"github.com/devrev/pairdb/gridcache/internal/storage"
	"github.com/devrev/pairdb/gridcache/internal/transport"
	"github.com/devrev/pairdb/gridcache/internal/workerpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// PendingWriter is the write-behind buffer as seen by rebalancing
type PendingWriter interface {
	Enqueue(ctx context.Context, partition int, key model.Key, value []byte, tombstone bool) error
	IsPending(key model.Key) bool
	Drop(partition int) int
}

type transferState int

const (
	transferRunning transferState = iota
	// transferDone waits frozen for the map that hands the partition over
	transferDone
	transferFailed
)

// outgoing is a transfer this node sends
type outgoing struct {
	Transfer
	version model.AffinityVersion
	cancel  context.CancelFunc
	state   transferState
}

// incoming is a transfer this node receives
type incoming struct {
	id     string
	source model.NodeID
	next   int
}

// Supervisor runs rebalancing on one node
type Supervisor struct {
	self       model.NodeID
	cfg        Config
	aff        *affinity.Function
	store      *storage.Store
	routing    *routing.Table
	transport  transport.Transport
	writer     PendingWriter
	background *workerpool.Pool
	counters   *metrics.Counters
	logger     *zap.Logger
	limiter    *rate.Limiter
	onTransfer func(partition int, d time.Duration)

	ctx    context.Context
	cancel context.CancelFunc

	// mu guards the node side
	mu       sync.Mutex
	topology *model.Topology
	outgoing map[int]*outgoing
	incoming map[int]*incoming
	targets  map[int]Transfer

	// xmu guards the coordinator side
	xmu     sync.Mutex
	ex      *exchange
	early   map[uint64][]PartitionReport
	stopped bool
}

// New creates a supervisor. writer may be nil when no external store is
// configured.
func New(
	cfg Config,
	self model.NodeID,
	aff *affinity.Function,
	store *storage.Store,
	routingTable *routing.Table,
	tr transport.Transport,
	writer PendingWriter,
	background *workerpool.Pool,
	counters *metrics.Counters,
	logger *zap.Logger,
) *Supervisor {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.TransferTimeout <= 0 {
		cfg.TransferTimeout = def.TransferTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = def.RetryBaseDelay
	}
	if cfg.ExchangeTimeout <= 0 {
		cfg.ExchangeTimeout = def.ExchangeTimeout
	}

	limit := rate.Inf
	if cfg.RecordsPerSecond > 0 {
		limit = rate.Limit(cfg.RecordsPerSecond)
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Supervisor{
		self:       self,
		cfg:        cfg,
		aff:        aff,
		store:      store,
		routing:    routingTable,
		transport:  tr,
		writer:     writer,
		background: background,
		counters:   counters,
		logger:     logger,
		limiter:    rate.NewLimiter(limit, cfg.BatchSize),
		ctx:        ctx,
		cancel:     cancel,
		outgoing:   make(map[int]*outgoing),
		incoming:   make(map[int]*incoming),
		targets:    make(map[int]Transfer),
		early:      make(map[uint64][]PartitionReport),
	}
}

// OnTransferComplete registers fn to be called after every partition this
// node sent successfully. It must be set before the first topology event.
func (s *Supervisor) OnTransferComplete(fn func(partition int, d time.Duration)) {
	s.onTransfer = fn
}

// OnTopology starts the exchange for a new topology version. Events must be
// delivered in version order.
func (s *Supervisor) OnTopology(topo *model.Topology) {
	s.routing.SetTopology(topo)

	s.mu.Lock()
	s.topology = topo
	s.mu.Unlock()

	coordinator, ok := topo.Oldest()
	if !ok {
		return
	}
	if coordinator == s.self {
		s.startExchange(topo)
	} else {
		s.xmu.Lock()
		if s.ex != nil && s.ex.timer != nil {
			s.ex.timer.Stop()
		}
		s.ex = nil
		s.xmu.Unlock()
	}

	report := s.report(topo.Version)
	go s.sendReport(coordinator, report)
}

// report lists the partitions held completely by this node
func (s *Supervisor) report(version uint64) PartitionReport {
	r := PartitionReport{Topology: version, Node: s.self, Owning: []int{}}
	for _, part := range s.store.Partitions() {
		if part.State().Complete() {
			r.Owning = append(r.Owning, part.ID())
		}
	}
	return r
}

func (s *Supervisor) sendReport(coordinator model.NodeID, r PartitionReport) {
	if coordinator == s.self {
		s.onReport(r)
		return
	}
	op := func() error {
		if s.currentTopology() > r.Topology {
			return backoff.Permanent(cerrors.InvalidState(fmt.Sprintf("topology %d superseded", r.Topology)))
		}
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ExchangeTimeout)
		defer cancel()
		return s.transport.Call(ctx, coordinator, KindReport, &r, nil)
	}
	if err := backoff.Retry(op, backoff.WithContext(s.newBackOff(), s.ctx)); err != nil {
		s.logger.Warn("Failed to send partition report",
			zap.String("coordinator", string(coordinator)),
			zap.Uint64("topology", r.Topology),
			zap.Error(err))
	}
}

func (s *Supervisor) currentTopology() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.topology == nil {
		return 0
	}
	return s.topology.Version
}

func (s *Supervisor) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryBaseDelay
	b.MaxElapsedTime = s.cfg.ExchangeTimeout * 3
	b.Reset()
	return b
}

func (s *Supervisor) startExchange(topo *model.Topology) {
	s.xmu.Lock()
	defer s.xmu.Unlock()
	if s.stopped {
		return
	}
	if s.ex != nil {
		if s.ex.topology.Version >= topo.Version {
			return
		}
		if s.ex.timer != nil {
			s.ex.timer.Stop()
		}
	}

	x := newExchange(topo, s.aff.Partitions())
	s.ex = x
	for version, reports := range s.early {
		if version == topo.Version {
			for _, r := range reports {
				x.add(r)
			}
		}
		if version <= topo.Version {
			delete(s.early, version)
		}
	}
	s.logger.Info("Partition exchange started",
		zap.Uint64("topology", topo.Version),
		zap.Int("members", topo.Size()))

	if x.complete() {
		s.buildLocked(x)
		return
	}
	x.timer = time.AfterFunc(s.cfg.ExchangeTimeout, func() {
		s.xmu.Lock()
		defer s.xmu.Unlock()
		if s.ex != x || x.built {
			return
		}
		s.logger.Warn("Partition exchange timed out, building map from received reports",
			zap.Uint64("topology", topo.Version),
			zap.Any("missing", x.missing()))
		s.buildLocked(x)
	})
}

// onReport is the coordinator side of a report
func (s *Supervisor) onReport(r PartitionReport) {
	s.xmu.Lock()
	defer s.xmu.Unlock()

	x := s.ex
	switch {
	case x == nil || r.Topology > x.topology.Version:
		s.early[r.Topology] = append(s.early[r.Topology], r)
		return
	case r.Topology < x.topology.Version || x.built:
		return
	}
	if x.add(r) {
		if x.timer != nil {
			x.timer.Stop()
		}
		s.buildLocked(x)
	}
}

func (s *Supervisor) buildLocked(x *exchange) {
	x.build(s.aff, func(p int) bool { return len(s.routing.Owners(p)) > 0 })
	s.counters.Exchanges.Add(1)
	if len(x.lost) > 0 {
		s.counters.PartitionsLost.Add(int64(len(x.lost)))
		s.logger.Error("Partitions lost with every owner, recreating empty",
			zap.Uint64("topology", x.topology.Version),
			zap.Ints("partitions", x.lost))
	}
	m := x.fullMap()
	s.logger.Info("Partition exchange complete",
		zap.String("version", m.Version.String()),
		zap.Int("transfers", len(m.Transfers)))
	go s.broadcast(x.topology, m)
}

// onTransferDone is the coordinator side of a finished transfer
func (s *Supervisor) onTransferDone(d TransferDone) error {
	s.xmu.Lock()
	defer s.xmu.Unlock()

	x := s.ex
	if x == nil || !x.built || !x.finish(s.aff, d) {
		return cerrors.InvalidState(fmt.Sprintf("no scheduled transfer of partition %d from %s to %s",
			d.Partition, d.Source, d.Target))
	}
	m := x.fullMap()
	s.logger.Debug("Transfer complete, publishing map",
		zap.Int("partition", d.Partition),
		zap.String("target", string(d.Target)),
		zap.String("version", m.Version.String()))
	go s.broadcast(x.topology, m)
	return nil
}

// broadcast sends the map to every member, applying it locally last
func (s *Supervisor) broadcast(topo *model.Topology, m *FullMap) {
	var g errgroup.Group
	for _, id := range topo.IDs() {
		id := id
		if id == s.self {
			continue
		}
		g.Go(func() error {
			op := func() error {
				if s.currentTopology() > topo.Version {
					return backoff.Permanent(cerrors.InvalidState("map " + m.Version.String() + " superseded"))
				}
				ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ExchangeTimeout)
				defer cancel()
				return s.transport.Call(ctx, id, KindFullMap, m, nil)
			}
			if err := backoff.Retry(op, backoff.WithContext(s.newBackOff(), s.ctx)); err != nil {
				s.logger.Warn("Failed to deliver partition map",
					zap.String("node_id", string(id)),
					zap.String("version", m.Version.String()),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	s.ApplyFullMap(m)
}

// ApplyFullMap installs a map from the exchange coordinator. Maps that are
// not newer than the installed one are ignored.
func (s *Supervisor) ApplyFullMap(m *FullMap) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.routing.AllOwners()
	if !s.routing.Install(m.Version, m.Owners) {
		return
	}
	transfers := m.transfers()
	lost := m.lost()
	s.targets = transfers

	for p, owners := range m.Owners {
		wasPrimary := p < len(previous) && len(previous[p]) > 0 && previous[p][0] == s.self
		if indexOf(owners, s.self) >= 0 {
			s.own(p, owners[0] == s.self, wasPrimary, lost[p], m.Version)
			continue
		}
		if t, ok := transfers[p]; ok && t.Target == s.self {
			continue
		}
		s.release(p, wasPrimary)
	}
	s.reconcileTransfers(transfers, m.Version)

	s.logger.Info("Partition map installed",
		zap.String("version", m.Version.String()),
		zap.Int("transfers", len(m.Transfers)))
}

// own makes sure this node holds a complete copy of p and moves write-behind
// duties along with the primary role
func (s *Supervisor) own(p int, primary, wasPrimary, lost bool, version model.AffinityVersion) {
	part, ok := s.store.Partition(p)
	if !ok || !part.State().Complete() {
		state := model.PartitionOwning
		if lost {
			state = model.PartitionLost
		}
		var err error
		part, err = s.store.Reset(p, state, version.Topology)
		if err != nil {
			s.logger.Error("Failed to create partition copy", zap.Int("partition", p), zap.Error(err))
			return
		}
		delete(s.incoming, p)
	}

	switch {
	case primary && !wasPrimary:
		s.promote(p, part)
	case !primary && wasPrimary && s.writer != nil:
		s.writer.Drop(p)
	}
}

// promote resumes write-behind work the previous primary may not have
// flushed
func (s *Supervisor) promote(p int, part *storage.Partition) {
	keys := part.TakePending()
	if s.writer == nil || len(keys) == 0 {
		return
	}
	for _, k := range keys {
		e, _, err := part.LocalPeek(k, storage.TierAll)
		if err != nil || e == nil {
			continue
		}
		if err := s.writer.Enqueue(s.ctx, p, k, e.Value, e.Tombstone); err != nil {
			s.logger.Warn("Failed to resume write-behind after promotion",
				zap.Int("partition", p),
				zap.String("key", string(k)),
				zap.Error(err))
		}
	}
	s.logger.Info("Resumed write-behind after promotion",
		zap.Int("partition", p),
		zap.Int("keys", len(keys)))
}

// release drops a copy this node no longer owns
func (s *Supervisor) release(p int, wasPrimary bool) {
	if wasPrimary && s.writer != nil {
		s.writer.Drop(p)
	}
	if o, ok := s.outgoing[p]; ok {
		o.cancel()
		delete(s.outgoing, p)
	}
	delete(s.incoming, p)

	part, ok := s.store.Partition(p)
	if !ok {
		return
	}
	part.SetState(model.PartitionMovingOut)
	part.Unfreeze()
	if err := s.store.Discard(p); err != nil {
		s.logger.Warn("Failed to discard partition copy", zap.Int("partition", p), zap.Error(err))
	}
}

// reconcileTransfers starts transfers this node must send and stops the ones
// the map no longer lists
func (s *Supervisor) reconcileTransfers(transfers map[int]Transfer, version model.AffinityVersion) {
	for p, o := range s.outgoing {
		t, ok := transfers[p]
		if ok && t == o.Transfer && o.state != transferFailed {
			continue
		}
		o.cancel()
		delete(s.outgoing, p)
		if part, ok := s.store.Partition(p); ok {
			part.Unfreeze()
		}
	}
	for _, t := range sortedTransfers(transfers) {
		if t.Source != s.self {
			continue
		}
		if _, ok := s.outgoing[t.Partition]; ok {
			continue
		}
		s.startTransfer(t, version)
	}
}

func indexOf(ids []model.NodeID, id model.NodeID) int {
	for i, x := range ids {
		if x == id {
			return i
		}
	}
	return -1
}

// Transfers returns the number of outgoing and incoming transfers in
// progress
func (s *Supervisor) Transfers() (out, in int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.outgoing {
		if o.state == transferRunning {
			out++
		}
	}
	return out, len(s.incoming)
}

// Stop cancels every transfer and the exchange
func (s *Supervisor) Stop() {
	s.xmu.Lock()
	s.stopped = true
	if s.ex != nil && s.ex.timer != nil {
		s.ex.timer.Stop()
	}
	s.xmu.Unlock()

	s.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	for p, o := range s.outgoing {
		o.cancel()
		delete(s.outgoing, p)
	}
}
