// Package routing holds a node's current view of partition ownership: the
// last full map installed by the rebalance exchange and the member addresses
// of the topology it was computed for.
package routing

import (
	"context"
	"sync"

	cerrors "github.com/devrev/pairdb/gridcache/internal/errors"
	"github.com/devrev/pairdb/gridcache/internal/model"
)

// Table is the routing table of one node. Owners lists are ordered primary
// first and only name nodes holding a complete copy.
type Table struct {
	partitions int

	mu       sync.RWMutex
	version  model.AffinityVersion
	topology *model.Topology
	addrs    map[model.NodeID]string
	owners   [][]model.NodeID
	changed  chan struct{}
}

// New creates an empty table
func New(partitions int) *Table {
	return &Table{
		partitions: partitions,
		topology:   model.NewTopology(0, nil),
		addrs:      make(map[model.NodeID]string),
		owners:     make([][]model.NodeID, partitions),
		changed:    make(chan struct{}),
	}
}

// Partitions returns the partition count
func (t *Table) Partitions() int {
	return t.partitions
}

// SetTopology records the membership of a newer topology. Ownership is
// unchanged until the matching full map is installed.
func (t *Table) SetTopology(topo *model.Topology) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if topo.Version <= t.topology.Version {
		return
	}
	t.topology = topo
	for _, m := range topo.Members {
		if m.Addr != "" {
			t.addrs[m.ID] = m.Addr
		}
	}
}

// Install replaces the owner lists if version is newer than the current one.
// It reports whether the table changed.
func (t *Table) Install(version model.AffinityVersion, owners [][]model.NodeID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if version.Compare(t.version) <= 0 {
		return false
	}
	if len(owners) != t.partitions {
		return false
	}
	next := make([][]model.NodeID, t.partitions)
	for p, list := range owners {
		next[p] = append([]model.NodeID(nil), list...)
	}
	t.version = version
	t.owners = next

	close(t.changed)
	t.changed = make(chan struct{})
	return true
}

// Version returns the affinity version of the installed map
func (t *Table) Version() model.AffinityVersion {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version
}

// Ready reports whether any full map has been installed
func (t *Table) Ready() bool {
	return t.Version().Topology > 0
}

// Topology returns the latest known topology
func (t *Table) Topology() *model.Topology {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.topology
}

// Owners returns a copy of the owner list of partition
func (t *Table) Owners(partition int) []model.NodeID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if partition < 0 || partition >= t.partitions {
		return nil
	}
	return append([]model.NodeID(nil), t.owners[partition]...)
}

// AllOwners returns a copy of every owner list
func (t *Table) AllOwners() [][]model.NodeID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([][]model.NodeID, t.partitions)
	for p, list := range t.owners {
		out[p] = append([]model.NodeID(nil), list...)
	}
	return out
}

// Primary returns the primary of partition
func (t *Table) Primary(partition int) (model.NodeID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if partition < 0 || partition >= t.partitions || len(t.owners[partition]) == 0 {
		return "", false
	}
	return t.owners[partition][0], true
}

// Backups returns the backup owners of partition
func (t *Table) Backups(partition int) []model.NodeID {
	owners := t.Owners(partition)
	if len(owners) <= 1 {
		return nil
	}
	return owners[1:]
}

// IsPrimary reports whether node is the primary of partition
func (t *Table) IsPrimary(partition int, node model.NodeID) bool {
	p, ok := t.Primary(partition)
	return ok && p == node
}

// IsOwner reports whether node holds partition under the installed map
func (t *Table) IsOwner(partition int, node model.NodeID) bool {
	for _, id := range t.Owners(partition) {
		if id == node {
			return true
		}
	}
	return false
}

// PrimaryPartitions returns the partitions node is primary for
func (t *Table) PrimaryPartitions(node model.NodeID) []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []int
	for p, list := range t.owners {
		if len(list) > 0 && list[0] == node {
			out = append(out, p)
		}
	}
	return out
}

// Addr resolves a member's RPC address
func (t *Table) Addr(node model.NodeID) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	addr, ok := t.addrs[node]
	return addr, ok
}

// Fence fails with TopologyChanged unless the installed version equals
// expected
func (t *Table) Fence(partition int, expected model.AffinityVersion) error {
	current := t.Version()
	if current.Compare(expected) != 0 {
		return cerrors.TopologyChanged(partition, expected.String(), current.String())
	}
	return nil
}

// WaitNewer blocks until a map newer than version is installed or ctx is done
func (t *Table) WaitNewer(ctx context.Context, version model.AffinityVersion) error {
	for {
		t.mu.RLock()
		if t.version.Compare(version) > 0 {
			t.mu.RUnlock()
			return nil
		}
		ch := t.changed
		t.mu.RUnlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
