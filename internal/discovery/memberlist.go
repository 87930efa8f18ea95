package discovery

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/devrev/pairdb/gridcache/internal/model"
	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// MemberlistConfig configures gossip based discovery
type MemberlistConfig struct {
	NodeID         model.NodeID
	RPCAddr        string
	BindAddr       string
	BindPort       int
	Seeds          []string
	GossipInterval time.Duration
	ProbeInterval  time.Duration
	ProbeTimeout   time.Duration
}

// nodeMeta travels in memberlist node metadata
type nodeMeta struct {
	RPCAddr string `json:"rpc_addr"`
}

// Memberlist discovers peers with hashicorp/memberlist. Failure detection is
// memberlist's; event ordering is imposed by the oldest member, which
// numbers every membership change and sends it to all members as a reliable
// user message.
type Memberlist struct {
	cfg    MemberlistConfig
	ml     *memberlist.Memberlist
	logger *zap.Logger
	queue  *eventQueue
	meta   []byte

	changes chan memberChange
	stop    chan struct{}
	done    chan struct{}

	mu        sync.Mutex
	version   uint64
	order     uint64
	members   map[model.NodeID]model.Member
	sequencer bool
}

// memberChange is a memberlist notification handled off the gossip goroutine,
// since memberlist holds its node lock while notifying
type memberChange struct {
	node  memberlist.Node
	leave bool
}

// NewMemberlist starts gossip and joins the seeds. A node without reachable
// seeds bootstraps a new cluster and sequences its events.
func NewMemberlist(cfg MemberlistConfig, logger *zap.Logger) (*Memberlist, error) {
	meta, err := json.Marshal(nodeMeta{RPCAddr: cfg.RPCAddr})
	if err != nil {
		return nil, fmt.Errorf("failed to encode node meta: %w", err)
	}

	d := &Memberlist{
		cfg:     cfg,
		logger:  logger,
		queue:   newEventQueue(),
		meta:    meta,
		members: make(map[model.NodeID]model.Member),
		changes: make(chan memberChange, 256),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = string(cfg.NodeID)
	if cfg.BindAddr != "" {
		mlConfig.BindAddr = cfg.BindAddr
	}
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	mlConfig.Delegate = d
	mlConfig.Events = &memberEvents{d: d}
	mlConfig.LogOutput = nil
	mlConfig.Logger = zap.NewStdLog(logger.Named("memberlist"))

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	d.ml = ml
	go d.processChanges()

	joined := 0
	if len(cfg.Seeds) > 0 {
		joined, err = ml.Join(cfg.Seeds)
		if err != nil {
			logger.Warn("Failed to join some seed nodes", zap.Error(err))
		}
	}
	if joined == 0 {
		d.bootstrap()
	}

	logger.Info("Discovery started",
		zap.String("node_id", string(cfg.NodeID)),
		zap.Int("bind_port", int(ml.LocalNode().Port)),
		zap.Bool("bootstrapped", joined == 0))
	return d, nil
}

// BindPort returns the gossip port actually bound
func (d *Memberlist) BindPort() int {
	return int(d.ml.LocalNode().Port)
}

// Events returns the ordered event stream
func (d *Memberlist) Events() <-chan model.TopologyEvent {
	return d.queue.out
}

// Leave announces departure and shuts gossip down
func (d *Memberlist) Leave() error {
	defer d.queue.close()
	if err := d.ml.Leave(5 * time.Second); err != nil {
		d.logger.Warn("Failed to leave cluster cleanly", zap.Error(err))
	}
	err := d.ml.Shutdown()
	close(d.stop)
	<-d.done
	return err
}

func (d *Memberlist) processChanges() {
	defer close(d.done)
	for {
		select {
		case <-d.stop:
			return
		case c := <-d.changes:
			if c.leave {
				d.onLeave(&c.node)
			} else {
				d.onJoin(&c.node)
			}
		}
	}
}

func (d *Memberlist) enqueueChange(n *memberlist.Node, leave bool) {
	select {
	case d.changes <- memberChange{node: *n, leave: leave}:
	case <-d.stop:
	}
}

func (d *Memberlist) bootstrap() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sequencer = true
	d.order++
	d.members[d.cfg.NodeID] = model.Member{ID: d.cfg.NodeID, Addr: d.cfg.RPCAddr, Order: d.order}
	d.publishLocked(model.EventJoined, d.cfg.NodeID)
}

// publishLocked numbers a change and sends it to every member
func (d *Memberlist) publishLocked(typ model.EventType, node model.NodeID) {
	d.version++
	members := make([]model.Member, 0, len(d.members))
	for _, m := range d.members {
		members = append(members, m)
	}
	topo := model.NewTopology(d.version, members)
	ev := model.TopologyEvent{Version: d.version, Type: typ, Node: node, Members: topo.Members}

	d.queue.push(ev)

	data, err := json.Marshal(ev)
	if err != nil {
		d.logger.Error("Failed to encode topology event", zap.Error(err))
		return
	}
	for _, n := range d.ml.Members() {
		if n.Name == string(d.cfg.NodeID) {
			continue
		}
		if _, ok := d.members[model.NodeID(n.Name)]; !ok {
			continue
		}
		if err := d.ml.SendReliable(n, data); err != nil {
			d.logger.Warn("Failed to send topology event",
				zap.String("node_id", n.Name),
				zap.Uint64("version", ev.Version),
				zap.Error(err))
		}
	}
}

func (d *Memberlist) onJoin(n *memberlist.Node) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.sequencer || n.Name == string(d.cfg.NodeID) {
		return
	}
	id := model.NodeID(n.Name)
	if _, ok := d.members[id]; ok {
		return
	}
	var meta nodeMeta
	if err := json.Unmarshal(n.Meta, &meta); err != nil {
		d.logger.Warn("Ignoring node with unreadable meta", zap.String("node_id", n.Name), zap.Error(err))
		return
	}
	d.order++
	d.members[id] = model.Member{ID: id, Addr: meta.RPCAddr, Order: d.order}
	d.publishLocked(model.EventJoined, id)
}

func (d *Memberlist) onLeave(n *memberlist.Node) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := model.NodeID(n.Name)
	if _, ok := d.members[id]; !ok {
		return
	}
	if !d.sequencer {
		// only the departure of the sequencer concerns other members; the
		// next oldest takes over numbering
		if d.oldestLocked("") != id || d.oldestLocked(id) != d.cfg.NodeID {
			return
		}
		d.sequencer = true
		d.logger.Info("Taking over topology sequencing",
			zap.String("previous", string(id)),
			zap.Uint64("version", d.version))
	}
	delete(d.members, id)

	typ := model.EventFailed
	if n.State == memberlist.StateLeft {
		typ = model.EventLeft
	}
	d.publishLocked(typ, id)
}

// oldestLocked returns the oldest member other than skip
func (d *Memberlist) oldestLocked(skip model.NodeID) model.NodeID {
	var oldest model.Member
	for _, m := range d.members {
		if m.ID == skip {
			continue
		}
		if oldest.ID == "" || m.Order < oldest.Order {
			oldest = m
		}
	}
	return oldest.ID
}

// receive applies an event sequenced by another member
func (d *Memberlist) receive(ev model.TopologyEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ev.Version <= d.version {
		return
	}
	d.version = ev.Version
	d.members = make(map[model.NodeID]model.Member, len(ev.Members))
	for _, m := range ev.Members {
		d.members[m.ID] = m
		if m.Order > d.order {
			d.order = m.Order
		}
	}
	d.queue.push(ev)
}

// NodeMeta implements memberlist.Delegate
func (d *Memberlist) NodeMeta(limit int) []byte {
	if len(d.meta) > limit {
		return nil
	}
	return d.meta
}

// NotifyMsg implements memberlist.Delegate
func (d *Memberlist) NotifyMsg(data []byte) {
	var ev model.TopologyEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		d.logger.Warn("Failed to decode topology event", zap.Error(err))
		return
	}
	d.receive(ev)
}

// GetBroadcasts implements memberlist.Delegate
func (d *Memberlist) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (d *Memberlist) LocalState(join bool) []byte {
	return nil
}

// MergeRemoteState implements memberlist.Delegate
func (d *Memberlist) MergeRemoteState(buf []byte, join bool) {}

// memberEvents forwards memberlist notifications
type memberEvents struct {
	d *Memberlist
}

func (e *memberEvents) NotifyJoin(n *memberlist.Node) {
	e.d.logger.Debug("Gossip member joined", zap.String("node_id", n.Name))
	e.d.enqueueChange(n, false)
}

func (e *memberEvents) NotifyLeave(n *memberlist.Node) {
	e.d.logger.Info("Gossip member left", zap.String("node_id", n.Name))
	e.d.enqueueChange(n, true)
}

func (e *memberEvents) NotifyUpdate(n *memberlist.Node) {}
