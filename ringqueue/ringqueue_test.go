package ringqueue

import (
	"math/rand"
	"testing"
)

// TestSizeInvariant checks that Size() stays within [0, capacity] and that
// after Store on a full queue, the oldest entry is gone and the newest is
// the just-stored one (spec.md §8).
func TestSizeInvariant(t *testing.T) {
	const capacity = 16
	r := New(capacity)
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 5000; i++ {
		switch rng.Intn(3) {
		case 0, 1:
			wasFull := r.Size() == capacity
			var oldestBefore Entry
			var hadOldest bool
			if wasFull {
				oldestBefore, hadOldest = r.PeekOldest()
			}
			r.Store(Entry{Value: i})
			if wasFull && hadOldest {
				newOldest, ok := r.PeekOldest()
				if !ok {
					t.Fatalf("expected an oldest entry after store on full queue")
				}
				if newOldest.Value == oldestBefore.Value {
					t.Fatalf("oldest entry was not dropped on full store")
				}
			}
			newest, ok := r.PeekNewest()
			if !ok || newest.Value != i {
				t.Fatalf("newest entry after Store(%d) = %+v, ok=%v", i, newest, ok)
			}
		case 2:
			r.DropOldest()
		}
		if sz := r.Size(); sz < 0 || sz > capacity {
			t.Fatalf("size invariant violated: %d not in [0, %d]", sz, capacity)
		}
	}
}

func TestDropOldestEmpty(t *testing.T) {
	r := New(4)
	if _, ok := r.DropOldest(); ok {
		t.Fatalf("DropOldest on empty ring should report ok=false")
	}
}

func TestDropOldestReleasesOwned(t *testing.T) {
	r := New(1)
	released := false
	r.Store(Entry{Value: "first", Owned: true, Release: func() { released = true }})
	r.Store(Entry{Value: "second"}) // forces drop of "first"
	if !released {
		t.Fatalf("expected Release hook to fire when oldest owned entry is dropped")
	}
	newest, _ := r.PeekNewest()
	if newest.Value != "second" {
		t.Fatalf("expected newest to be 'second', got %v", newest.Value)
	}
}
