// Package discovery delivers ordered topology events to a node
package discovery

import (
	"sync"

	cerrors "github.com/devrev/pairdb/gridcache/internal/errors"
	"github.com/devrev/pairdb/gridcache/internal/model"
)

// Discovery is a node's view of cluster membership. Events arrive with
// strictly increasing versions; the first event includes the local node.
type Discovery interface {
	Events() <-chan model.TopologyEvent
	// Leave announces a graceful departure and closes the event channel
	Leave() error
}

// Sequence validates event ordering on the consumer side
type Sequence struct {
	last    uint64
	started bool
}

// Accept reports whether ev should be processed. Replayed versions are
// skipped; a missing version is a TopologyGap error.
func (s *Sequence) Accept(ev model.TopologyEvent) (bool, error) {
	if !s.started {
		s.started = true
		s.last = ev.Version
		return true, nil
	}
	switch {
	case ev.Version <= s.last:
		return false, nil
	case ev.Version != s.last+1:
		return false, cerrors.TopologyGap(s.last+1, ev.Version)
	}
	s.last = ev.Version
	return true, nil
}

// Last returns the last accepted version
func (s *Sequence) Last() uint64 {
	return s.last
}

// eventQueue is an unbounded FIFO that never blocks producers
type eventQueue struct {
	mu     sync.Mutex
	items  []model.TopologyEvent
	signal chan struct{}
	out    chan model.TopologyEvent
	stop   chan struct{}
	once   sync.Once
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		signal: make(chan struct{}, 1),
		out:    make(chan model.TopologyEvent),
		stop:   make(chan struct{}),
	}
	go q.pump()
	return q
}

func (q *eventQueue) push(ev model.TopologyEvent) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *eventQueue) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			select {
			case <-q.signal:
				continue
			case <-q.stop:
				return
			}
		}
		ev := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- ev:
		case <-q.stop:
			return
		}
	}
}

func (q *eventQueue) close() {
	q.once.Do(func() { close(q.stop) })
}
