// Package node assembles the components of one cache node: partition store,
// lock table, transaction protocol, rebalancing and write-behind, driven by
// discovery events and peer messages.
package node

import (
	"context"
	"sync"
	"time"

	"github.com/devrev/pairdb/gridcache/internal/affinity"
	"github.com/devrev/pairdb/gridcache/internal/discovery"
	cerrors "github.com/devrev/pairdb/gridcache/internal/errors"
	"github.com/devrev/pairdb/gridcache/internal/extstore"
	"github.com/devrev/pairdb/gridcache/internal/lock"
	"github.com/devrev/pairdb/gridcache/internal/metrics"
	"github.com/devrev/pairdb/gridcache/internal/model"
	"github.com/devrev/pairdb/gridcache/internal/rebalance"
	"github.com/devrev/pairdb/gridcache/internal/routing"
	"github.com/devrev/pairdb/gridcache/internal/storage"
	"github.com/devrev/pairdb/gridcache/internal/transport"
	"github.com/devrev/pairdb/gridcache/internal/txn"
	"github.com/devrev/pairdb/gridcache/internal/workerpool"
	"github.com/devrev/pairdb/gridcache/internal/writebehind"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// WorkersConfig sizes the node's worker pools
type WorkersConfig struct {
	Peer            int `mapstructure:"peer" yaml:"peer"`
	PeerQueue       int `mapstructure:"peer_queue" yaml:"peer_queue"`
	System          int `mapstructure:"system" yaml:"system"`
	Background      int `mapstructure:"background" yaml:"background"`
	BackgroundQueue int `mapstructure:"background_queue" yaml:"background_queue"`
}

// Config holds everything a node needs besides its collaborators
type Config struct {
	ID               model.NodeID
	Partitions       int
	Backups          int
	ReadThrough      bool
	RecoveryInterval time.Duration
	Storage          storage.Config
	Transaction      txn.Config
	Rebalance        rebalance.Config
	WriteBehind      writebehind.Config
	Workers          WorkersConfig
}

// Deps are the collaborators a node is built on. Store and Registry are
// optional.
type Deps struct {
	Discovery discovery.Discovery
	Transport transport.Transport
	Store     extstore.Store
	Registry  *prometheus.Registry
}

// Node is one member of the cache cluster
type Node struct {
	id     model.NodeID
	cfg    Config
	logger *zap.Logger

	aff       *affinity.Function
	store     *storage.Store
	locks     *lock.Table
	routing   *routing.Table
	transport transport.Transport
	discovery discovery.Discovery
	extStore  extstore.Store
	writer    *writebehind.Buffer

	participant *txn.Participant
	coordinator *txn.Coordinator
	txnHandler  *txn.Handler
	supervisor  *rebalance.Supervisor

	peerPool   *workerpool.Pool
	systemPool *workerpool.Pool
	background *workerpool.Pool

	counters *metrics.Counters
	registry *prometheus.Registry
	exporter *metrics.Exporter

	seq discovery.Sequence

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	fatal    error
	stopped  bool
	stopOnce sync.Once
}

// New builds a node, starts serving peer messages and begins consuming
// discovery events
func New(cfg Config, deps Deps, logger *zap.Logger) (*Node, error) {
	if cfg.ID == "" {
		return nil, cerrors.InvalidArgument("node id is required", nil)
	}
	if cfg.Partitions <= 0 {
		return nil, cerrors.InvalidArgument("partition count must be positive", nil)
	}
	if deps.Discovery == nil || deps.Transport == nil {
		return nil, cerrors.InvalidArgument("discovery and transport are required", nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RecoveryInterval <= 0 {
		cfg.RecoveryInterval = time.Second
	}
	logger = logger.With(zap.String("node_id", string(cfg.ID)))

	n := &Node{
		id:        cfg.ID,
		cfg:       cfg,
		logger:    logger,
		aff:       affinity.New(cfg.Partitions, cfg.Backups),
		routing:   routing.New(cfg.Partitions),
		transport: deps.Transport,
		discovery: deps.Discovery,
		extStore:  deps.Store,
		counters:  metrics.NewCounters(),
		registry:  deps.Registry,
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())

	store, err := storage.NewStore(&cfg.Storage, n.aff.PartitionOf, nil, n.counters, logger)
	if err != nil {
		return nil, err
	}
	n.store = store
	n.locks = lock.NewTable(cfg.Transaction.LockTimeout, store.Unlocked)
	store.SetLocks(n.locks)

	n.peerPool = workerpool.New(workerpool.Config{
		Name: "peer", MaxWorkers: cfg.Workers.Peer, QueueSize: cfg.Workers.PeerQueue, Logger: logger})
	n.systemPool = workerpool.New(workerpool.Config{
		Name: "system", MaxWorkers: cfg.Workers.System, QueueSize: cfg.Workers.PeerQueue, Logger: logger})
	n.background = workerpool.New(workerpool.Config{
		Name: "background", MaxWorkers: cfg.Workers.Background, QueueSize: cfg.Workers.BackgroundQueue, Logger: logger})

	// a nil *Buffer must not reach the interfaces below
	var (
		storeWriter   txn.StoreWriter
		pendingWriter rebalance.PendingWriter
	)
	if deps.Store != nil {
		n.writer = writebehind.New(cfg.WriteBehind, deps.Store, n.counters, logger)
		storeWriter = n.writer
		pendingWriter = n.writer
	}

	n.participant = txn.NewParticipant(cfg.ID, cfg.Transaction, store, n.locks, n.routing,
		deps.Transport, storeWriter, n.counters, logger)
	n.coordinator = txn.NewCoordinator(cfg.ID, cfg.Transaction, n.routing, n.aff.PartitionOf,
		deps.Transport, n.counters, logger)
	n.txnHandler = txn.NewHandler(n.participant, n.coordinator)
	n.supervisor = rebalance.New(cfg.Rebalance, cfg.ID, n.aff, store, n.routing,
		deps.Transport, pendingWriter, n.background, n.counters, logger)

	if n.registry != nil {
		n.exporter = metrics.NewExporter(n.registry, string(cfg.ID), n.Metrics)
		n.supervisor.OnTransferComplete(func(_ int, d time.Duration) {
			n.exporter.TransferSeconds.Observe(d.Seconds())
		})
	}

	if err := deps.Transport.Serve(n.handle); err != nil {
		n.cancel()
		return nil, multierr.Append(err, n.shutdown(context.Background()))
	}

	n.wg.Add(2)
	go n.watch()
	go n.maintain()

	logger.Info("Cache node started",
		zap.Int("partitions", cfg.Partitions),
		zap.Int("backups", cfg.Backups),
		zap.Bool("external_store", deps.Store != nil),
		zap.Bool("read_through", cfg.ReadThrough))
	return n, nil
}

// ID returns the node id
func (n *Node) ID() model.NodeID {
	return n.id
}

// Registry returns the node's metrics registry, nil when metrics are not
// exported
func (n *Node) Registry() *prometheus.Registry {
	return n.registry
}

// Addr resolves a member's RPC address from the current topology
func (n *Node) Addr(id model.NodeID) (string, bool) {
	return n.routing.Addr(id)
}

// watch feeds discovery events to rebalancing in version order. A gap in
// the sequence stops event processing for good.
func (n *Node) watch() {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			return
		case ev, ok := <-n.discovery.Events():
			if !ok {
				return
			}
			accept, err := n.seq.Accept(ev)
			if err != nil {
				n.setFatal(err)
				n.logger.Error("Topology event sequence broken, no longer processing membership",
					zap.Uint64("last_version", n.seq.Last()),
					zap.Uint64("version", ev.Version),
					zap.Error(err))
				return
			}
			if !accept {
				continue
			}
			topo := model.NewTopology(ev.Version, ev.Members)
			if !topo.Contains(n.id) {
				n.logger.Warn("Local node missing from topology, ignoring event",
					zap.Uint64("version", ev.Version))
				continue
			}
			n.logger.Info("Topology changed",
				zap.Uint64("version", ev.Version),
				zap.String("event", string(ev.Type)),
				zap.String("node", string(ev.Node)),
				zap.Int("members", topo.Size()))
			n.supervisor.OnTopology(topo)
		}
	}
}

// maintain periodically resolves orphaned prepared transactions and prunes
// the decision log
func (n *Node) maintain() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			err := n.background.Submit(workerpool.Task{
				ID:  "txn-recovery",
				Ctx: n.ctx,
				Fn: func(ctx context.Context) error {
					if recovered := n.participant.Recover(ctx); recovered > 0 {
						n.logger.Info("Recovered orphaned transactions", zap.Int("count", recovered))
					}
					n.coordinator.Prune(time.Now())
					return nil
				},
			})
			if err != nil {
				n.logger.Debug("Skipped transaction recovery round", zap.Error(err))
			}
		}
	}
}

func (n *Node) setFatal(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fatal == nil {
		n.fatal = err
	}
}

// Err returns the error that stopped membership processing, if any
func (n *Node) Err() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.fatal
}

// Stop leaves the cluster, flushes write-behind and releases every resource
func (n *Node) Stop(ctx context.Context) error {
	var err error
	n.stopOnce.Do(func() {
		n.mu.Lock()
		n.stopped = true
		n.mu.Unlock()

		n.logger.Info("Stopping cache node")
		err = multierr.Append(err, n.discovery.Leave())
		n.cancel()
		n.wg.Wait()
		err = multierr.Append(err, n.shutdown(ctx))
	})
	return err
}

func (n *Node) shutdown(ctx context.Context) error {
	var err error
	n.supervisor.Stop()
	if n.writer != nil {
		err = multierr.Append(err, n.writer.Stop(ctx))
	}
	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	err = multierr.Append(err, n.peerPool.Stop(timeout))
	err = multierr.Append(err, n.systemPool.Stop(timeout))
	err = multierr.Append(err, n.background.Stop(timeout))
	err = multierr.Append(err, n.transport.Close())
	if n.extStore != nil {
		err = multierr.Append(err, n.extStore.Close())
	}
	err = multierr.Append(err, n.store.Close())
	return err
}

// Status describes the node for health and admin endpoints
type Status struct {
	NodeID            model.NodeID `json:"node_id"`
	Ready             bool         `json:"ready"`
	Error             string       `json:"error,omitempty"`
	Topology          uint64       `json:"topology"`
	AffinityVersion   string       `json:"affinity_version"`
	Members           int          `json:"members"`
	OwnedPartitions   int          `json:"owned_partitions"`
	PrimaryPartitions int          `json:"primary_partitions"`
	OutgoingTransfers int          `json:"outgoing_transfers"`
	IncomingTransfers int          `json:"incoming_transfers"`
}

// Ready reports whether the node installed a partition map and still
// follows membership
func (n *Node) Ready() bool {
	return n.routing.Ready() && n.Err() == nil
}

// Status returns the node's current view of the cluster
func (n *Node) Status() Status {
	out, in := n.supervisor.Transfers()
	s := Status{
		NodeID:            n.id,
		Ready:             n.Ready(),
		AffinityVersion:   n.routing.Version().String(),
		PrimaryPartitions: len(n.routing.PrimaryPartitions(n.id)),
		OutgoingTransfers: out,
		IncomingTransfers: in,
	}
	if err := n.Err(); err != nil {
		s.Error = err.Error()
	}
	if topo := n.routing.Topology(); topo != nil {
		s.Topology = topo.Version
		s.Members = topo.Size()
	}
	for _, part := range n.store.Partitions() {
		if part.State().Complete() {
			s.OwnedPartitions++
		}
	}
	return s
}
