package codec

import (
	"math/rand"
	"testing"

	"github.com/momentics/vtx/vtxbuf"
)

func newTestCodec() *Codec {
	return New(100, 8192, 64)
}

func randMsg(rng *rand.Rand) ([]byte, bool) {
	small := rng.Intn(100) < 80
	var n int
	if small {
		n = rng.Intn(64) // <= VSM cutoff
	} else {
		n = 64 + rng.Intn(2000)
	}
	buf := make([]byte, n)
	rng.Read(buf)
	return buf, rng.Intn(2) == 0
}

// TestCodecSelfTest mirrors spec.md §8 scenario 5: insert random messages
// until Put fails, pipe through BinGet/BinTick into a second codec's
// BinPut, then extract everything and compare.
func TestCodecSelfTest(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	src := newTestCodec()

	type inserted struct {
		body []byte
		more bool
	}
	var all []inserted
	for {
		body, more := randMsg(rng)
		err := src.Put(vtxbuf.Buffer{Data: body}, more)
		if err != nil {
			break
		}
		all = append(all, inserted{body, more})
	}
	if len(all) == 0 {
		t.Fatalf("expected at least one message to be inserted before exhaustion")
	}

	// By-reference bodies arrive in dst as inline bytes, so dst's data ring
	// must hold the whole stream: src's inline bytes plus every large body.
	dst := New(100, 1<<17, 64)
	for {
		chunk, ok := src.BinGet()
		if !ok {
			break
		}
		n, err := dst.BinPut(chunk)
		if err != nil && n == 0 {
			t.Fatalf("dst.BinPut failed unexpectedly: %v", err)
		}
		src.BinTick(n)
		if n < len(chunk) {
			break // dst ran out of room; stop draining src
		}
	}

	var got []inserted
	for {
		body, more, ok, err := dst.Get()
		if err != nil {
			t.Fatalf("unexpected decode error: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, inserted{body, more})
	}

	if len(got) != len(all) {
		t.Fatalf("extracted %d messages, expected %d", len(got), len(all))
	}
	for i := range all {
		if string(got[i].body) != string(all[i].body) || got[i].more != all[i].more {
			t.Fatalf("message %d mismatch: want (%q,%v) got (%q,%v)", i, all[i].body, all[i].more, got[i].body, got[i].more)
		}
	}
	if src.Active() != 0 {
		t.Fatalf("src.Active() = %d, want 0 after full drain", src.Active())
	}
	if dst.Active() != 0 {
		t.Fatalf("dst.Active() = %d, want 0 after full extraction", dst.Active())
	}
}

// TestPutNoPartialCommit verifies spec.md §8: after a failing Put, Active()
// equals its value before the call.
func TestPutNoPartialCommit(t *testing.T) {
	c := New(4, 256, 32)
	// Fill to near capacity with small messages.
	var lastErr error
	for i := 0; i < 1000; i++ {
		body := make([]byte, 16)
		lastErr = c.Put(vtxbuf.Buffer{Data: body}, false)
		if lastErr != nil {
			break
		}
	}
	if lastErr == nil {
		t.Fatalf("expected eventual exhaustion")
	}
	before := c.Active()
	// A by-reference body still needs its header in the data ring: 300 bytes
	// takes a 10-byte extended header, more than the 4 bytes left free.
	err := c.Put(vtxbuf.Buffer{Data: make([]byte, 300)}, false)
	if err == nil {
		t.Fatalf("expected Put to fail on an already-exhausted codec")
	}
	if c.Active() != before {
		t.Fatalf("Active() changed on failed Put: before=%d after=%d", before, c.Active())
	}
}

// TestGetOrderPreserved checks extraction order equals insertion order for
// a straightforward sequence with no exhaustion.
func TestGetOrderPreserved(t *testing.T) {
	c := New(50, 4096, 64)
	msgs := [][]byte{[]byte("a"), []byte("bb"), make([]byte, 500), []byte("ccc"), make([]byte, 900)}
	for i, m := range msgs {
		if err := c.Put(vtxbuf.Buffer{Data: m}, i%2 == 0); err != nil {
			t.Fatalf("put %d failed: %v", i, err)
		}
	}
	for i, want := range msgs {
		body, more, ok, err := c.Get()
		if err != nil || !ok {
			t.Fatalf("get %d failed: ok=%v err=%v", i, ok, err)
		}
		if string(body) != string(want) {
			t.Fatalf("message %d mismatch", i)
		}
		if more != (i%2 == 0) {
			t.Fatalf("more flag mismatch at %d", i)
		}
	}
	if c.Active() != 0 {
		t.Fatalf("Active() = %d, want 0", c.Active())
	}
}

// TestPutByReferenceRejectsWhenWrapNeedsTwoSlotsButOnlyOneIsFree reproduces
// a case where the tail batch is inline and one slot is free (so a naive
// pre-reserve slot estimate assumes the new header will extend the tail),
// but the data-ring reservation actually wraps (physical offset resets to
// 0), which breaks the contiguity the extension requires. putByReference
// must re-check after reserving and fail cleanly instead of pushing two
// batches against one free slot.
func TestPutByReferenceRejectsWhenWrapNeedsTwoSlotsButOnlyOneIsFree(t *testing.T) {
	c := New(2, 10, 3)

	// Batch A: consumed immediately so the data ring's read cursor advances
	// without freeing a batch slot ambiguity.
	if err := c.Put(vtxbuf.Buffer{Data: []byte{1, 2, 3}}, false); err != nil {
		t.Fatalf("put A: %v", err)
	}
	if _, _, ok, err := c.Get(); !ok || err != nil {
		t.Fatalf("get A: ok=%v err=%v", ok, err)
	}

	// Batch B: the sole remaining inline tail batch, landing at an offset
	// that leaves only 1 contiguous byte before the ring's physical end.
	if err := c.Put(vtxbuf.Buffer{Data: []byte{4, 5}}, false); err != nil {
		t.Fatalf("put B: %v", err)
	}

	if c.count != 1 || !c.tailIsInline() || c.freeSlots() != 1 {
		t.Fatalf("unexpected pre-condition: count=%d tailInline=%v freeSlots=%d", c.count, c.tailIsInline(), c.freeSlots())
	}
	activeBefore := c.Active()
	countBefore := c.count

	// A by-reference put whose 2-byte header reservation must wrap (only 1
	// contiguous byte remains) and therefore cannot extend the tail batch:
	// committing it needs 2 free slots, but only 1 is free.
	big := make([]byte, 8)
	err := c.Put(vtxbuf.Buffer{Data: big}, false)
	if err == nil {
		t.Fatalf("expected ErrStoreFull, codec accepted a put that needs 2 slots with only 1 free")
	}
	if c.count != countBefore {
		t.Fatalf("batch count changed on a rejected put: before=%d after=%d", countBefore, c.count)
	}
	if c.count > c.batchCap() {
		t.Fatalf("batch ring corrupted: count=%d exceeds capacity=%d", c.count, c.batchCap())
	}
	if c.Active() != activeBefore {
		t.Fatalf("Active() changed on a rejected put: before=%d after=%d", activeBefore, c.Active())
	}
}
