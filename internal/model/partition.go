package model

import "fmt"

// PartitionState represents the lifecycle state of a partition on one node
type PartitionState string

const (
	// PartitionOwning indicates a complete, serving copy
	PartitionOwning PartitionState = "OWNING"
	// PartitionMovingOut indicates a copy that is about to be discarded
	PartitionMovingOut PartitionState = "MOVING_OUT"
	// PartitionMovingIn indicates a copy still receiving its snapshot
	PartitionMovingIn PartitionState = "MOVING_IN"
	// PartitionLost indicates a partition recreated empty after all owners failed
	PartitionLost PartitionState = "LOST"
)

// Complete reports whether a copy in this state holds every committed key
func (s PartitionState) Complete() bool {
	return s == PartitionOwning || s == PartitionLost
}

// AffinityVersion identifies one routing decision: the topology version plus a
// minor counter bumped every time a rebalance moves a partition to a new owner.
type AffinityVersion struct {
	Topology uint64 `json:"topology"`
	Minor    uint64 `json:"minor"`
}

// Compare returns -1, 0 or 1
func (v AffinityVersion) Compare(o AffinityVersion) int {
	switch {
	case v.Topology < o.Topology:
		return -1
	case v.Topology > o.Topology:
		return 1
	case v.Minor < o.Minor:
		return -1
	case v.Minor > o.Minor:
		return 1
	}
	return 0
}

func (v AffinityVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Topology, v.Minor)
}
