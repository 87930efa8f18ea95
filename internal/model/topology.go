package model

import "sort"

// EventType is the kind of membership change
type EventType string

const (
	EventJoined EventType = "JOINED"
	EventLeft   EventType = "LEFT"
	EventFailed EventType = "FAILED"
)

// Member is a node in the topology. Order is the join sequence; the member
// with the smallest order is the oldest.
type Member struct {
	ID    NodeID `json:"id"`
	Addr  string `json:"addr,omitempty"`
	Order uint64 `json:"order"`
}

// TopologyEvent is delivered by discovery with strictly increasing versions.
// Members is the membership after the event.
type TopologyEvent struct {
	Version uint64    `json:"version"`
	Type    EventType `json:"type"`
	Node    NodeID    `json:"node"`
	Members []Member  `json:"members"`
}

// Topology is a versioned membership snapshot
type Topology struct {
	Version uint64
	Members []Member
}

// NewTopology builds a topology with members sorted by join order
func NewTopology(version uint64, members []Member) *Topology {
	sorted := append([]Member(nil), members...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Order != sorted[j].Order {
			return sorted[i].Order < sorted[j].Order
		}
		return sorted[i].ID < sorted[j].ID
	})
	return &Topology{Version: version, Members: sorted}
}

// IDs returns member ids in join order
func (t *Topology) IDs() []NodeID {
	ids := make([]NodeID, len(t.Members))
	for i, m := range t.Members {
		ids[i] = m.ID
	}
	return ids
}

// Contains reports whether id is a member
func (t *Topology) Contains(id NodeID) bool {
	for _, m := range t.Members {
		if m.ID == id {
			return true
		}
	}
	return false
}

// Oldest returns the member that joined first
func (t *Topology) Oldest() (NodeID, bool) {
	if len(t.Members) == 0 {
		return "", false
	}
	return t.Members[0].ID, true
}

// Size returns the number of members
func (t *Topology) Size() int {
	return len(t.Members)
}
