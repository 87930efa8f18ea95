package rebalance

import (
	"time"

	"github.com/devrev/pairdb/gridcache/internal/affinity"
	"github.com/devrev/pairdb/gridcache/internal/model"
)

// exchange is the coordinator's state for one topology version. It lives
// only on the oldest member.
type exchange struct {
	topology  *model.Topology
	reports   map[model.NodeID][]int
	holders   []map[model.NodeID]bool
	owners    [][]model.NodeID
	transfers map[int]Transfer
	lost      []int
	minor     uint64
	built     bool
	timer     *time.Timer
}

func newExchange(topo *model.Topology, partitions int) *exchange {
	holders := make([]map[model.NodeID]bool, partitions)
	for i := range holders {
		holders[i] = make(map[model.NodeID]bool)
	}
	return &exchange{
		topology:  topo,
		reports:   make(map[model.NodeID][]int),
		holders:   holders,
		owners:    make([][]model.NodeID, partitions),
		transfers: make(map[int]Transfer),
	}
}

// add records a report and returns true once every member reported
func (x *exchange) add(r PartitionReport) bool {
	if !x.topology.Contains(r.Node) {
		return x.complete()
	}
	x.reports[r.Node] = r.Owning
	return x.complete()
}

func (x *exchange) complete() bool {
	for _, m := range x.topology.Members {
		if _, ok := x.reports[m.ID]; !ok {
			return false
		}
	}
	return true
}

// missing returns the members that have not reported
func (x *exchange) missing() []model.NodeID {
	var out []model.NodeID
	for _, m := range x.topology.Members {
		if _, ok := x.reports[m.ID]; !ok {
			out = append(out, m.ID)
		}
	}
	return out
}

// build computes the first map of the exchange. everOwned reports whether a
// partition had owners before, which separates lost partitions from a fresh
// cluster.
func (x *exchange) build(aff *affinity.Function, everOwned func(partition int) bool) {
	for node, owning := range x.reports {
		for _, p := range owning {
			if p >= 0 && p < len(x.holders) {
				x.holders[p][node] = true
			}
		}
	}

	members := x.topology.IDs()
	for p := range x.owners {
		ideal := aff.Assign(x.topology, p)
		owners, t := planPartition(p, ideal, x.holders[p], members)
		if len(owners) == 0 {
			owners = ideal
			for _, id := range ideal {
				x.holders[p][id] = true
			}
			if everOwned(p) {
				x.lost = append(x.lost, p)
			}
		}
		x.owners[p] = owners
		if t != nil {
			x.transfers[p] = *t
		}
	}
	x.built = true
}

// finish applies a completed transfer and schedules the next one for the
// partition. It returns false for transfers the exchange never scheduled.
func (x *exchange) finish(aff *affinity.Function, d TransferDone) bool {
	t, ok := x.transfers[d.Partition]
	if !ok || t.Source != d.Source || t.Target != d.Target {
		return false
	}
	delete(x.transfers, d.Partition)
	x.holders[d.Partition][d.Target] = true

	ideal := aff.Assign(x.topology, d.Partition)
	owners, next := planPartition(d.Partition, ideal, x.holders[d.Partition], x.topology.IDs())
	x.owners[d.Partition] = owners
	if next != nil {
		x.transfers[d.Partition] = *next
	}
	x.minor++
	return true
}

func (x *exchange) fullMap() *FullMap {
	owners := make([][]model.NodeID, len(x.owners))
	for i, o := range x.owners {
		owners[i] = append([]model.NodeID(nil), o...)
	}
	return &FullMap{
		Version:   model.AffinityVersion{Topology: x.topology.Version, Minor: x.minor},
		Owners:    owners,
		Transfers: sortedTransfers(x.transfers),
		Lost:      append([]int(nil), x.lost...),
	}
}

// planPartition orders the holders of one partition. Ideal holders come
// first in affinity order; other holders keep serving until every ideal owner
// holds a copy. The transfer, if any, copies from the primary to the first
// ideal owner without a copy. No owners means no member holds the partition.
func planPartition(partition int, ideal []model.NodeID, holders map[model.NodeID]bool,
	members []model.NodeID) ([]model.NodeID, *Transfer) {
	var (
		owners  []model.NodeID
		missing model.NodeID
	)
	isIdeal := make(map[model.NodeID]bool, len(ideal))
	for _, id := range ideal {
		isIdeal[id] = true
		switch {
		case holders[id]:
			owners = append(owners, id)
		case missing == "":
			missing = id
		}
	}
	if missing == "" {
		return owners, nil
	}
	for _, id := range members {
		if holders[id] && !isIdeal[id] {
			owners = append(owners, id)
		}
	}
	if len(owners) == 0 {
		return nil, nil
	}
	return owners, &Transfer{Partition: partition, Source: owners[0], Target: missing}
}
