package model

import (
	"fmt"
	"time"
)

// Key identifies a cache entry. Keys are opaque and compared for equality.
type Key string

// NodeID identifies a cluster member
type NodeID string

// Version orders concurrent writes to the same key.
// Versions compare by topology version, then per-partition counter, then node.
type Version struct {
	Topology uint64 `json:"topology"`
	Order    uint64 `json:"order"`
	Node     NodeID `json:"node"`
}

// Compare returns -1, 0 or 1
func (v Version) Compare(o Version) int {
	switch {
	case v.Topology < o.Topology:
		return -1
	case v.Topology > o.Topology:
		return 1
	case v.Order < o.Order:
		return -1
	case v.Order > o.Order:
		return 1
	case v.Node < o.Node:
		return -1
	case v.Node > o.Node:
		return 1
	}
	return 0
}

// Less reports whether v orders before o
func (v Version) Less(o Version) bool {
	return v.Compare(o) < 0
}

// IsZero reports whether the version was never assigned
func (v Version) IsZero() bool {
	return v.Topology == 0 && v.Order == 0 && v.Node == ""
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d@%s", v.Topology, v.Order, v.Node)
}

// Entry is a versioned cache entry. A tombstone marks a deleted key that has
// not been compacted yet.
type Entry struct {
	Key       Key     `json:"key"`
	Value     []byte  `json:"value,omitempty"`
	Version   Version `json:"version"`
	ExpireAt  int64   `json:"expire_at,omitempty"`
	Tombstone bool    `json:"tombstone,omitempty"`
}

// entryOverhead approximates the fixed per-entry footprint in bytes
const entryOverhead = 48

// Expired reports whether the entry TTL elapsed
func (e *Entry) Expired(now time.Time) bool {
	return e.ExpireAt > 0 && now.UnixNano() >= e.ExpireAt
}

// Live reports whether the entry holds a readable value
func (e *Entry) Live(now time.Time) bool {
	return !e.Tombstone && !e.Expired(now)
}

// Size returns the approximate memory footprint of the entry
func (e *Entry) Size() int {
	return entryOverhead + len(e.Key) + len(e.Value) + len(e.Version.Node)
}

// Clone returns a deep copy
func (e *Entry) Clone() *Entry {
	c := *e
	if e.Value != nil {
		c.Value = append([]byte(nil), e.Value...)
	}
	return &c
}

// Record is an entry as it travels between nodes during replication and
// rebalancing. Pending marks keys with unflushed write-behind work.
type Record struct {
	Entry
	Pending bool `json:"pending,omitempty"`
}
