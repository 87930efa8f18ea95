package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	cerrors "github.com/devrev/pairdb/gridcache/internal/errors"
	"github.com/devrev/pairdb/gridcache/internal/model"
)

// DropFunc decides whether a message is lost in flight
type DropFunc func(from, to model.NodeID, kind string) bool

// Network is an in-process network connecting local endpoints. Messages are
// serialized as they would be on the wire. Nodes can be killed and healed to
// inject faults.
type Network struct {
	mu        sync.RWMutex
	endpoints map[model.NodeID]*LocalTransport
	down      map[model.NodeID]bool
	drop      DropFunc
}

// NewNetwork creates an empty network
func NewNetwork() *Network {
	return &Network{
		endpoints: make(map[model.NodeID]*LocalTransport),
		down:      make(map[model.NodeID]bool),
	}
}

// Endpoint attaches a node to the network
func (n *Network) Endpoint(id model.NodeID) *LocalTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	t := &LocalTransport{net: n, self: id}
	n.endpoints[id] = t
	delete(n.down, id)
	return t
}

// Kill makes a node unreachable in both directions
func (n *Network) Kill(id model.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[id] = true
}

// Heal makes a killed node reachable again
func (n *Network) Heal(id model.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.down, id)
}

// SetDrop installs a filter that loses matching messages; nil clears it
func (n *Network) SetDrop(fn DropFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.drop = fn
}

func (n *Network) route(from, to model.NodeID, kind string) (Handler, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.down[from] || n.down[to] {
		return nil, cerrors.ParticipantUnreachable(string(to), fmt.Errorf("node down"))
	}
	if n.drop != nil && n.drop(from, to, kind) {
		return nil, cerrors.ParticipantUnreachable(string(to), fmt.Errorf("message dropped"))
	}
	ep, ok := n.endpoints[to]
	if !ok {
		return nil, cerrors.ParticipantUnreachable(string(to), fmt.Errorf("no such endpoint"))
	}
	h := ep.handler()
	if h == nil {
		return nil, cerrors.ParticipantUnreachable(string(to), fmt.Errorf("endpoint not serving"))
	}
	return h, nil
}

func (n *Network) alive(id model.NodeID) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return !n.down[id]
}

// LocalTransport is one node's attachment to a Network
type LocalTransport struct {
	net  *Network
	self model.NodeID

	mu sync.RWMutex
	h  Handler
}

// Serve installs the inbound handler
func (t *LocalTransport) Serve(h Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.h = h
	return nil
}

func (t *LocalTransport) handler() Handler {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.h
}

// Call delivers the request to the target's handler on a new goroutine and
// waits for the reply or ctx
func (t *LocalTransport) Call(ctx context.Context, to model.NodeID, kind string, req, resp interface{}) error {
	h, err := t.net.route(t.self, to, kind)
	if err != nil {
		return err
	}
	env, err := NewRequest(t.self, kind, req)
	if err != nil {
		return err
	}
	wire, err := json.Marshal(env)
	if err != nil {
		return cerrors.InternalError("encode envelope", err)
	}

	done := make(chan *Envelope, 1)
	go func() {
		var in Envelope
		if err := json.Unmarshal(wire, &in); err != nil {
			done <- reply(env, nil, cerrors.InternalError("decode envelope", err))
			return
		}
		body, err := h(ctx, &in)
		done <- reply(&in, body, err)
	}()

	select {
	case out := <-done:
		if ctx.Err() != nil {
			return cerrors.ParticipantUnreachable(string(to), ctx.Err())
		}
		// a node killed while handling loses its reply
		if !t.net.alive(to) || !t.net.alive(t.self) {
			return cerrors.ParticipantUnreachable(string(to), fmt.Errorf("node down"))
		}
		data, err := json.Marshal(out)
		if err != nil {
			return cerrors.InternalError("encode reply", err)
		}
		var decoded Envelope
		if err := json.Unmarshal(data, &decoded); err != nil {
			return cerrors.InternalError("decode reply", err)
		}
		return result(&decoded, resp)
	case <-ctx.Done():
		return cerrors.ParticipantUnreachable(string(to), ctx.Err())
	}
}

// Close detaches the handler
func (t *LocalTransport) Close() error {
	return t.Serve(nil)
}
