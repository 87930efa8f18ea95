// Package lock implements the per-key transaction lock table. Each key is held
// by at most one transaction; contenders queue in arrival order.
package lock

import (
	"context"
	"sort"
	"sync"
	"time"

	cerrors "github.com/devrev/pairdb/gridcache/internal/errors"
	"github.com/devrev/pairdb/gridcache/internal/model"
)

type waiter struct {
	owner model.TxnID
	ready chan struct{}
}

type keyLock struct {
	owner   model.TxnID
	waiters []*waiter
}

// Table is a node-local lock table
type Table struct {
	mu       sync.Mutex
	locks    map[model.Key]*keyLock
	timeout  time.Duration
	onUnlock func(model.Key)
}

// NewTable creates a lock table. onUnlock, if set, is invoked outside the
// table mutex every time a key becomes free.
func NewTable(timeout time.Duration, onUnlock func(model.Key)) *Table {
	return &Table{
		locks:    make(map[model.Key]*keyLock),
		timeout:  timeout,
		onUnlock: onUnlock,
	}
}

// Acquire blocks until owner holds key, the lock timeout elapses, or ctx is
// done. Acquiring a key the owner already holds succeeds immediately.
func (t *Table) Acquire(ctx context.Context, key model.Key, owner model.TxnID) error {
	_, err := t.acquire(ctx, key, owner)
	return err
}

func (t *Table) acquire(ctx context.Context, key model.Key, owner model.TxnID) (bool, error) {
	t.mu.Lock()
	kl, ok := t.locks[key]
	if !ok {
		t.locks[key] = &keyLock{owner: owner}
		t.mu.Unlock()
		return true, nil
	}
	if kl.owner == owner {
		t.mu.Unlock()
		return false, nil
	}
	w := &waiter{owner: owner, ready: make(chan struct{})}
	kl.waiters = append(kl.waiters, w)
	t.mu.Unlock()

	var timeoutC <-chan time.Time
	if t.timeout > 0 {
		timer := time.NewTimer(t.timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	var err error
	select {
	case <-w.ready:
		return true, nil
	case <-timeoutC:
		err = cerrors.LockTimeout(string(key), t.timeout)
	case <-ctx.Done():
		err = cerrors.NewCacheError(cerrors.ErrCodeConflict, "lock wait on key "+string(key)+" cancelled", ctx.Err())
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// ownership may have been handed over while we were giving up
	select {
	case <-w.ready:
		return true, nil
	default:
	}
	if kl, ok := t.locks[key]; ok {
		for i, candidate := range kl.waiters {
			if candidate == w {
				kl.waiters = append(kl.waiters[:i], kl.waiters[i+1:]...)
				break
			}
		}
	}
	return false, err
}

// AcquireAll locks keys in sorted order. On failure every key newly locked by
// this call is released before returning.
func (t *Table) AcquireAll(ctx context.Context, keys []model.Key, owner model.TxnID) error {
	sorted := SortedUnique(keys)

	acquired := make([]model.Key, 0, len(sorted))
	for _, key := range sorted {
		fresh, err := t.acquire(ctx, key, owner)
		if err != nil {
			t.ReleaseAll(acquired, owner)
			return err
		}
		if fresh {
			acquired = append(acquired, key)
		}
	}
	return nil
}

// Release frees key if owner holds it, handing it to the next waiter in
// arrival order. It reports whether owner held the lock.
func (t *Table) Release(key model.Key, owner model.TxnID) bool {
	t.mu.Lock()
	kl, ok := t.locks[key]
	if !ok || kl.owner != owner {
		t.mu.Unlock()
		return false
	}

	freed := false
	if len(kl.waiters) > 0 {
		next := kl.waiters[0]
		kl.waiters = kl.waiters[1:]
		kl.owner = next.owner
		close(next.ready)
	} else {
		delete(t.locks, key)
		freed = true
	}
	t.mu.Unlock()

	if freed && t.onUnlock != nil {
		t.onUnlock(key)
	}
	return true
}

// ReleaseAll releases every key held by owner among keys
func (t *Table) ReleaseAll(keys []model.Key, owner model.TxnID) {
	for _, key := range keys {
		t.Release(key, owner)
	}
}

// IsLocked reports whether any transaction holds key
func (t *Table) IsLocked(key model.Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.locks[key]
	return ok
}

// Owner returns the transaction holding key
func (t *Table) Owner(key model.Key) (model.TxnID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	kl, ok := t.locks[key]
	if !ok {
		return "", false
	}
	return kl.owner, true
}

// Len returns the number of locked keys
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}

// SortedUnique returns keys deduplicated in the global lock order
func SortedUnique(keys []model.Key) []model.Key {
	out := make([]model.Key, 0, len(keys))
	seen := make(map[model.Key]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
