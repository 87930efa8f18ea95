package node

import (
	"context"

	cerrors "github.com/devrev/pairdb/gridcache/internal/errors"
	"github.com/devrev/pairdb/gridcache/internal/rebalance"
	"github.com/devrev/pairdb/gridcache/internal/transport"
	"github.com/devrev/pairdb/gridcache/internal/txn"
	"github.com/devrev/pairdb/gridcache/internal/workerpool"
)

// KindSize asks a node to count the primary entries of some partitions
const KindSize = "node.size"

// SizeRequest lists the partitions the caller routes to the receiver as
// primary
type SizeRequest struct {
	Partitions []int `json:"partitions"`
}

// SizeResponse is the entry count over the requested partitions
type SizeResponse struct {
	Count int `json:"count"`
}

// handle runs an inbound peer message on its pool. Messages that never call
// other nodes use the system pool so they cannot starve behind peer workers
// waiting on them.
func (n *Node) handle(ctx context.Context, env *transport.Envelope) (interface{}, error) {
	n.mu.Lock()
	stopped := n.stopped
	n.mu.Unlock()
	if stopped {
		return nil, cerrors.Stopped("node " + string(n.id))
	}

	pool := n.poolFor(env.Kind)
	var resp interface{}
	err := pool.Do(ctx, env.Kind, func(ctx context.Context) error {
		var err error
		resp, err = n.dispatch(ctx, env)
		return err
	})

	if n.exporter != nil {
		outcome := "ok"
		if err != nil {
			outcome = cerrors.GetCode(err).String()
		}
		n.exporter.PeerRequests.WithLabelValues(env.Kind, outcome).Inc()
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (n *Node) poolFor(kind string) *workerpool.Pool {
	if rebalance.Owns(kind) || txn.System(kind) || kind == KindSize {
		return n.systemPool
	}
	return n.peerPool
}

func (n *Node) dispatch(ctx context.Context, env *transport.Envelope) (interface{}, error) {
	switch {
	case txn.Owns(env.Kind):
		return n.txnHandler.Handle(ctx, env)
	case rebalance.Owns(env.Kind):
		return n.supervisor.Handle(ctx, env)
	case env.Kind == KindSize:
		var req SizeRequest
		if err := env.Decode(&req); err != nil {
			return nil, err
		}
		return &SizeResponse{Count: n.countPartitions(req.Partitions)}, nil
	}
	return nil, cerrors.InvalidArgument("unknown message kind "+env.Kind, nil)
}

// countPartitions sums the entries of the complete local copies of
// partitions
func (n *Node) countPartitions(partitions []int) int {
	count := 0
	for _, p := range partitions {
		part, ok := n.store.Partition(p)
		if !ok || !part.State().Complete() {
			continue
		}
		count += part.Size()
	}
	return count
}
