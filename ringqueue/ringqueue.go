// Package ringqueue
// Author: momentics <momentics@gmail.com>
//
// Bounded FIFO of message references with a fixed capacity and a
// drop-oldest-on-full policy (spec.md §4.2), documented there as a
// placeholder — production use may demand bounded-wait or reject-new
// instead. Wraps github.com/eapache/queue.Queue, an unbounded ring-based
// deque already used by the teacher, and layers the capacity bound and
// drop policy on top of it.

package ringqueue

import (
	"sync"

	"github.com/eapache/queue"
)

// Entry is one FIFO slot. Owned indicates the queue holds the only
// reference to Value and is responsible for releasing it on drop.
type Entry struct {
	Value  any
	Owned  bool
	Release func()
}

// Ring is a capacity-bounded FIFO. Safe for concurrent use.
type Ring struct {
	mu       sync.Mutex
	q        *queue.Queue
	capacity int
}

// New creates a Ring with the given fixed capacity.
func New(capacity int) *Ring {
	if capacity <= 0 {
		panic("ringqueue: capacity must be positive")
	}
	return &Ring{q: queue.New(), capacity: capacity}
}

// Store appends e. If the ring is already at capacity, the oldest entry is
// dropped (its Release hook is invoked if the entry is Owned) to make room, and Store
// reports that a drop occurred.
func (r *Ring) Store(e Entry) (dropped bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.q.Length() >= r.capacity {
		r.dropOldestLocked()
		dropped = true
	}
	r.q.Add(e)
	return dropped
}

// PeekOldest returns the oldest entry without removing it.
func (r *Ring) PeekOldest() (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.q.Length() == 0 {
		return Entry{}, false
	}
	return r.q.Peek().(Entry), true
}

// PeekNewest returns the most recently stored entry without removing it.
func (r *Ring) PeekNewest() (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.q.Length()
	if n == 0 {
		return Entry{}, false
	}
	return r.q.Get(n - 1).(Entry), true
}

// DropOldest removes and returns the oldest entry; its Release hook is not
// invoked, ownership passes to the caller.
func (r *Ring) DropOldest() (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.q.Length() == 0 {
		return Entry{}, false
	}
	e := r.q.Remove().(Entry)
	return e, true
}

// DropNewest removes and returns the most recently stored entry; its Release
// hook is not invoked, ownership passes to the caller. This is
// O(n) in the current eapache/queue-backed implementation since the deque
// only exposes Remove-from-front; acceptable because drop-newest is a rare
// explicit operation, not the hot path.
func (r *Ring) DropNewest() (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.q.Length()
	if n == 0 {
		return Entry{}, false
	}
	rebuilt := queue.New()
	var newest Entry
	for i := 0; i < n; i++ {
		v := r.q.Remove().(Entry)
		if i == n-1 {
			newest = v
		} else {
			rebuilt.Add(v)
		}
	}
	r.q = rebuilt
	return newest, true
}

// Size returns the current entry count, always in [0, capacity].
func (r *Ring) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.q.Length()
}

// Capacity returns the fixed capacity this ring was created with.
func (r *Ring) Capacity() int {
	return r.capacity
}

func (r *Ring) dropOldestLocked() {
	e := r.q.Remove().(Entry)
	if e.Owned && e.Release != nil {
		e.Release()
	}
}
