package discovery

import (
	"fmt"
	"sync"

	"github.com/devrev/pairdb/gridcache/internal/model"
)

// Hub is in-process discovery for embedded clusters and tests. It sequences
// every membership change and delivers it to each member in order.
type Hub struct {
	mu        sync.Mutex
	version   uint64
	order     uint64
	members   map[model.NodeID]model.Member
	listeners map[model.NodeID]*eventQueue
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		members:   make(map[model.NodeID]model.Member),
		listeners: make(map[model.NodeID]*eventQueue),
	}
}

// Join adds a node and returns its discovery handle. The first event on the
// handle is the node's own join.
func (h *Hub) Join(id model.NodeID, addr string) (*HubMember, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.members[id]; ok {
		return nil, fmt.Errorf("node %s already joined", id)
	}
	h.order++
	h.members[id] = model.Member{ID: id, Addr: addr, Order: h.order}
	q := newEventQueue()
	h.listeners[id] = q

	h.publishLocked(model.EventJoined, id)
	return &HubMember{hub: h, id: id, queue: q}, nil
}

// Leave removes a node gracefully
func (h *Hub) Leave(id model.NodeID) {
	h.remove(id, model.EventLeft)
}

// Fail removes a node as if it crashed
func (h *Hub) Fail(id model.NodeID) {
	h.remove(id, model.EventFailed)
}

func (h *Hub) remove(id model.NodeID, typ model.EventType) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.members[id]; !ok {
		return
	}
	delete(h.members, id)
	if q, ok := h.listeners[id]; ok {
		q.close()
		delete(h.listeners, id)
	}
	h.publishLocked(typ, id)
}

// Version returns the current topology version
func (h *Hub) Version() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.version
}

func (h *Hub) publishLocked(typ model.EventType, node model.NodeID) {
	h.version++
	members := make([]model.Member, 0, len(h.members))
	for _, m := range h.members {
		members = append(members, m)
	}
	topo := model.NewTopology(h.version, members)
	ev := model.TopologyEvent{
		Version: h.version,
		Type:    typ,
		Node:    node,
		Members: topo.Members,
	}
	for _, q := range h.listeners {
		q.push(ev)
	}
}

// HubMember is one node's subscription to a Hub
type HubMember struct {
	hub   *Hub
	id    model.NodeID
	queue *eventQueue
}

// Events returns the ordered event stream
func (m *HubMember) Events() <-chan model.TopologyEvent {
	return m.queue.out
}

// Leave departs gracefully
func (m *HubMember) Leave() error {
	m.hub.Leave(m.id)
	return nil
}
