package storage

import (
	"fmt"
	"strings"
)

// TierMask selects storage tiers for peeking
type TierMask uint8

const (
	TierOnHeap TierMask = 1 << iota
	TierOffHeap
	TierSwap

	TierAll = TierOnHeap | TierOffHeap | TierSwap
)

// Has reports whether the mask includes t
func (m TierMask) Has(t TierMask) bool {
	return m&t != 0
}

func (m TierMask) String() string {
	var parts []string
	if m.Has(TierOnHeap) {
		parts = append(parts, "onheap")
	}
	if m.Has(TierOffHeap) {
		parts = append(parts, "offheap")
	}
	if m.Has(TierSwap) {
		parts = append(parts, "swap")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

// ParseTierMask parses a comma separated list such as "onheap,swap" or "all"
func ParseTierMask(s string) (TierMask, error) {
	var mask TierMask
	for _, part := range strings.Split(s, ",") {
		switch strings.ToLower(strings.TrimSpace(part)) {
		case "", "all":
			mask |= TierAll
		case "onheap":
			mask |= TierOnHeap
		case "offheap":
			mask |= TierOffHeap
		case "swap":
			mask |= TierSwap
		default:
			return 0, fmt.Errorf("unknown tier %q", part)
		}
	}
	return mask, nil
}

// MemoryMode selects where new entries live
type MemoryMode string

const (
	// OnHeapTiered stores entries on-heap and demotes under pressure
	OnHeapTiered MemoryMode = "ONHEAP_TIERED"
	// OffHeapTiered pins entries off-heap; the on-heap tier is unused
	OffHeapTiered MemoryMode = "OFFHEAP_TIERED"
)

// Config holds tier bounds. Bounds apply per partition; zero means unbounded.
type Config struct {
	MemoryMode       MemoryMode
	OnHeapMaxEntries int
	OffHeapMaxBytes  int64
	SwapEnabled      bool
	SwapPath         string
	SwapMaxBytes     int64
}
