// Package extstore defines the external store behind write-behind and
// read-through, with in-memory, PostgreSQL and Redis implementations.
package extstore

import (
	"context"
	"sync"

	cerrors "github.com/devrev/pairdb/gridcache/internal/errors"
	"github.com/devrev/pairdb/gridcache/internal/model"
)

// Write is one value written to the external store
type Write struct {
	Key   model.Key
	Value []byte
}

// Store is the persistent system of record behind the cache
type Store interface {
	// Load returns the value for key and whether it exists
	Load(ctx context.Context, key model.Key) ([]byte, bool, error)
	// LoadAll returns the values of the keys that exist
	LoadAll(ctx context.Context, keys []model.Key) (map[model.Key][]byte, error)
	// WriteAll upserts every write
	WriteAll(ctx context.Context, writes []Write) error
	// DeleteAll removes every key; missing keys are ignored
	DeleteAll(ctx context.Context, keys []model.Key) error
	Close() error
}

// MemoryStore keeps values in a map. It can be told to fail for tests and
// embedded clusters.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[model.Key][]byte
	fail   error
	writes int
	loads  int
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[model.Key][]byte)}
}

// SetFailure makes every later call fail with err until cleared with nil
func (s *MemoryStore) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

func (s *MemoryStore) failure() error {
	if s.fail != nil {
		return cerrors.StoreUnavailable("memory store failure", s.fail)
	}
	return nil
}

// Load returns the stored value
func (s *MemoryStore) Load(_ context.Context, key model.Key) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(); err != nil {
		return nil, false, err
	}
	s.loads++
	v, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// LoadAll returns the stored values of keys
func (s *MemoryStore) LoadAll(_ context.Context, keys []model.Key) (map[model.Key][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(); err != nil {
		return nil, err
	}
	s.loads++
	out := make(map[model.Key][]byte, len(keys))
	for _, k := range keys {
		if v, ok := s.data[k]; ok {
			out[k] = append([]byte(nil), v...)
		}
	}
	return out, nil
}

// WriteAll upserts the writes
func (s *MemoryStore) WriteAll(_ context.Context, writes []Write) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(); err != nil {
		return err
	}
	for _, w := range writes {
		s.data[w.Key] = append([]byte(nil), w.Value...)
	}
	s.writes += len(writes)
	return nil
}

// DeleteAll removes the keys
func (s *MemoryStore) DeleteAll(_ context.Context, keys []model.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(); err != nil {
		return err
	}
	for _, k := range keys {
		delete(s.data, k)
	}
	s.writes += len(keys)
	return nil
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}

// Get returns the stored value without counting a load
func (s *MemoryStore) Get(key model.Key) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

// Len returns the number of stored keys
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Writes returns the number of keys written or deleted so far
func (s *MemoryStore) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

// Loads returns the number of load calls served
func (s *MemoryStore) Loads() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loads
}
