package storage

import (
	"fmt"
	"sync"
	"time"

	"github.com/devrev/pairdb/gridcache/internal/model"
	bolt "go.etcd.io/bbolt"
)

// Swap is the bbolt file backing the swap tier of every partition on a node.
// Swap contents do not survive a restart; the file is truncated on open.
type Swap struct {
	db   *bolt.DB
	path string
}

// OpenSwap opens (and truncates) the swap file
func OpenSwap(path string) (*Swap, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout:        time.Second,
		NoSync:         true,
		NoFreelistSync: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open swap file %s: %w", path, err)
	}

	// drop leftovers from a previous run
	err = db.Update(func(tx *bolt.Tx) error {
		var names [][]byte
		if err := tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			names = append(names, append([]byte(nil), name...))
			return nil
		}); err != nil {
			return err
		}
		for _, name := range names {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("reset swap file: %w", err)
	}

	return &Swap{db: db, path: path}, nil
}

// Close closes the swap file
func (s *Swap) Close() error {
	return s.db.Close()
}

func (s *Swap) bucket(partition int) *swapBucket {
	return &swapBucket{db: s.db, name: []byte(fmt.Sprintf("p-%05d", partition))}
}

// swapBucket is one partition's slice of the swap file. Counts are tracked in
// memory so stats never touch disk.
type swapBucket struct {
	db   *bolt.DB
	name []byte

	mu    sync.Mutex
	count int
	bytes int64
}

func (b *swapBucket) put(key model.Key, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var previous int
	existed := false
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(b.name)
		if err != nil {
			return err
		}
		if old := bucket.Get([]byte(key)); old != nil {
			existed = true
			previous = len(old)
		}
		return bucket.Put([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("swap put: %w", err)
	}

	if !existed {
		b.count++
	}
	b.bytes += int64(len(data) - previous)
	return nil
}

func (b *swapBucket) get(key model.Key) ([]byte, bool, error) {
	var data []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(b.name)
		if bucket == nil {
			return nil
		}
		if v := bucket.Get([]byte(key)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("swap get: %w", err)
	}
	return data, data != nil, nil
}

// take removes key and returns its bytes
func (b *swapBucket) take(key model.Key) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var data []byte
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(b.name)
		if bucket == nil {
			return nil
		}
		v := bucket.Get([]byte(key))
		if v == nil {
			return nil
		}
		data = append([]byte(nil), v...)
		return bucket.Delete([]byte(key))
	})
	if err != nil {
		return nil, false, fmt.Errorf("swap delete: %w", err)
	}
	if data == nil {
		return nil, false, nil
	}

	b.count--
	b.bytes -= int64(len(data))
	return data, true, nil
}

func (b *swapBucket) forEach(fn func(key model.Key, data []byte) error) error {
	return b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(b.name)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			return fn(model.Key(k), append([]byte(nil), v...))
		})
	})
}

func (b *swapBucket) drop() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(b.name) == nil {
			return nil
		}
		return tx.DeleteBucket(b.name)
	})
	if err != nil {
		return fmt.Errorf("swap drop: %w", err)
	}
	b.count = 0
	b.bytes = 0
	return nil
}

func (b *swapBucket) stats() (int, int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count, b.bytes
}
