// Package affinity maps keys to partitions and partitions to ordered owner
// lists. Everything here is a pure function of its inputs so every node
// computes the same assignment for the same topology.
package affinity

import (
	"encoding/binary"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/devrev/pairdb/gridcache/internal/model"
)

// DefaultPartitions is the cluster-wide partition count when none is configured
const DefaultPartitions = 1024

// Function is a rendezvous-hashing affinity function. For each partition every
// member gets a weight; the heaviest member is primary and the next ones are
// backups. Adding or removing a member only changes the owner lists in which
// that member ranks high enough to matter.
type Function struct {
	partitions int
	backups    int
}

// New creates an affinity function
func New(partitions, backups int) *Function {
	if partitions <= 0 {
		partitions = DefaultPartitions
	}
	if backups < 0 {
		backups = 0
	}
	return &Function{partitions: partitions, backups: backups}
}

// Partitions returns the partition count
func (f *Function) Partitions() int {
	return f.partitions
}

// Backups returns the configured backup factor
func (f *Function) Backups() int {
	return f.backups
}

// PartitionOf returns the partition a key belongs to
func (f *Function) PartitionOf(key model.Key) int {
	return int(xxhash.Sum64String(string(key)) % uint64(f.partitions))
}

type candidate struct {
	id     model.NodeID
	weight uint64
}

// Assign returns the ordered owner list for a partition: primary first, then
// at most Backups() backups, capped at the topology size.
func (f *Function) Assign(topo *model.Topology, partition int) []model.NodeID {
	if topo == nil || len(topo.Members) == 0 {
		return nil
	}

	candidates := make([]candidate, 0, len(topo.Members))
	seen := make(map[model.NodeID]bool, len(topo.Members))
	for _, m := range topo.Members {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		candidates = append(candidates, candidate{id: m.ID, weight: weight(m.ID, partition)})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].weight != candidates[j].weight {
			return candidates[i].weight > candidates[j].weight
		}
		return candidates[i].id < candidates[j].id
	})

	n := f.backups + 1
	if n > len(candidates) {
		n = len(candidates)
	}

	owners := make([]model.NodeID, n)
	for i := 0; i < n; i++ {
		owners[i] = candidates[i].id
	}
	return owners
}

// AssignAll computes owner lists for every partition
func (f *Function) AssignAll(topo *model.Topology) [][]model.NodeID {
	out := make([][]model.NodeID, f.partitions)
	for p := 0; p < f.partitions; p++ {
		out[p] = f.Assign(topo, p)
	}
	return out
}

// Diff returns the partitions whose owner lists differ between two assignments
func Diff(prev, next [][]model.NodeID) []int {
	n := len(next)
	if len(prev) > n {
		n = len(prev)
	}

	var changed []int
	for p := 0; p < n; p++ {
		var a, b []model.NodeID
		if p < len(prev) {
			a = prev[p]
		}
		if p < len(next) {
			b = next[p]
		}
		if !equalOwners(a, b) {
			changed = append(changed, p)
		}
	}
	return changed
}

func equalOwners(a, b []model.NodeID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func weight(id model.NodeID, partition int) uint64 {
	buf := make([]byte, 8+len(id))
	binary.LittleEndian.PutUint64(buf, uint64(partition))
	copy(buf[8:], id)
	return xxhash.Sum64(buf)
}
