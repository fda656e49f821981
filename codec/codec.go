// Package codec implements the batching codec (spec.md §4.1, C1): a
// ring-buffered encoder/decoder that frames small messages inline and large
// messages by reference, amortizing small-message overhead while avoiding a
// copy for large bodies.
//
// Author: momentics <momentics@gmail.com>
//
// Grounded on the teacher's pool.RingBuffer[T] (lock-free ring mechanics,
// generalized here to variable-length byte runs in dataring.go) and on
// api.Buffer/api.Releaser (zero-copy by-reference payloads, adapted as
// vtxbuf.Buffer) from core/protocol/frame_codec.go's header-then-body
// framing style.
package codec

import (
	"github.com/momentics/vtx/vtxbuf"
	"github.com/momentics/vtx/vtxerr"
)

type batchKind int

const (
	kindInline batchKind = iota
	kindRef
)

type batchEntry struct {
	kind     batchKind
	offset   int // dataRing physical offset (inline only)
	length   int // total bytes reserved for this run (inline only)
	consumed int // bytes already returned to callers from this run (inline only)
	ref      vtxbuf.Buffer
}

// Codec is a ring of batches plus a byte ring, implementing put/get and the
// zero-copy bin_get/bin_tick/bin_put streaming operations (spec.md §4.1).
type Codec struct {
	data      *dataRing
	batches   []batchEntry
	head      int // index of oldest batch
	count     int // number of live batches
	vsmCutoff int

	streamPos int // bytes already ticked off the head batch via BinGet/BinTick
}

// New creates a Codec with the given batch-ring slot count, data-ring byte
// capacity, and very-small-message cutoff (spec.md's VSM_CUTOFF).
func New(batchSlots, dataBytes, vsmCutoff int) *Codec {
	if batchSlots <= 0 || dataBytes <= 0 {
		panic("codec: batchSlots and dataBytes must be positive")
	}
	return &Codec{
		data:      newDataRing(dataBytes),
		batches:   make([]batchEntry, batchSlots),
		vsmCutoff: vsmCutoff,
	}
}

func (c *Codec) batchCap() int { return len(c.batches) }

func (c *Codec) tailIndex() int {
	return (c.head + c.count) % c.batchCap()
}

func (c *Codec) at(i int) *batchEntry {
	return &c.batches[(c.head+i)%c.batchCap()]
}

func (c *Codec) hasFreeSlot() bool { return c.count < c.batchCap() }

func (c *Codec) pushBatch(e batchEntry) {
	c.batches[c.tailIndex()] = e
	c.count++
}

func (c *Codec) popHead() batchEntry {
	e := c.batches[c.head]
	c.batches[c.head] = batchEntry{}
	c.head = (c.head + 1) % c.batchCap()
	c.count--
	c.streamPos = 0
	return e
}

// Active returns the total message-bearing byte count currently held
// (frame headers + inline bodies + by-reference body lengths).
func (c *Codec) Active() int {
	total := 0
	for i := 0; i < c.count; i++ {
		e := c.at(i)
		if e.kind == kindInline {
			total += e.length - e.consumed
		} else {
			total += len(e.ref.Data)
		}
	}
	return total
}

// Space reports the data ring's remaining byte capacity for inline content;
// by-reference messages don't consume it.
func (c *Codec) Space() int {
	return c.data.space()
}

// Put encodes a frame header for msg and stores the body either inline
// (copied into the data ring, if no larger than the VSM cutoff) or by
// reference (no copy, using buf). buf.Pool may be nil if the caller has no
// pool to release back to. Put never commits a partial write: on failure,
// Active() is unchanged.
func (c *Codec) Put(buf vtxbuf.Buffer, more bool) error {
	msg := buf.Data
	var hdr [10]byte
	hdrLen := EncodeFrameHeader(hdr[:], len(msg), more)

	if len(msg) <= c.vsmCutoff {
		return c.putInline(hdr[:hdrLen], msg)
	}
	return c.putByReference(hdr[:hdrLen], buf)
}

// putInline appends header+body as one contiguous run, extending the
// current open inline batch when possible, otherwise opening a new one.
func (c *Codec) putInline(hdr, body []byte) error {
	need := len(hdr) + len(body)

	if !c.hasFreeSlot() && !c.tailIsInline() {
		return vtxerr.ErrStoreFull
	}

	offset, wasted, ok := c.data.reserve(need)
	if !ok {
		return vtxerr.ErrStoreFull
	}

	extended := false
	if c.count > 0 {
		tail := c.at(c.count - 1)
		if tail.kind == kindInline && wasted == 0 && offset == tail.offset+tail.length {
			tail.length += need
			extended = true
		}
	}
	if !extended {
		if !c.hasFreeSlot() {
			c.data.unreserve(need, wasted)
			return vtxerr.ErrStoreFull
		}
		c.pushBatch(batchEntry{kind: kindInline, offset: offset, length: need})
	}

	c.data.writeAt(offset, hdr)
	c.data.writeAt(offset+len(hdr), body)
	return nil
}

// putByReference stores the header inline and the body as a new
// by-reference batch. Both must succeed or neither is committed.
func (c *Codec) putByReference(hdr []byte, buf vtxbuf.Buffer) error {
	// A cheap pre-check: even in the best case (header extends the
	// existing tail batch) we still need one free slot for the ref batch.
	if !c.hasFreeSlot() {
		return vtxerr.ErrStoreFull
	}

	offset, wasted, ok := c.data.reserve(len(hdr))
	if !ok {
		return vtxerr.ErrStoreFull
	}

	// Whether the header extends the current tail batch depends on the
	// reserve's actual physical placement (wasted>0 means it wrapped),
	// not just on the pre-reserve tail-inline state, so re-check here —
	// the same way putInline does — before committing any batch slot.
	extended := false
	if c.count > 0 {
		tail := c.at(c.count - 1)
		if tail.kind == kindInline && wasted == 0 && offset == tail.offset+tail.length {
			extended = true
		}
	}

	needSlots := 1 // the ref batch
	if !extended {
		needSlots = 2 // a fresh inline batch for the header, plus the ref batch
	}
	if c.freeSlots() < needSlots {
		c.data.unreserve(len(hdr), wasted)
		return vtxerr.ErrStoreFull
	}

	if extended {
		c.at(c.count - 1).length += len(hdr)
	} else {
		c.pushBatch(batchEntry{kind: kindInline, offset: offset, length: len(hdr)})
	}
	c.data.writeAt(offset, hdr)

	c.pushBatch(batchEntry{kind: kindRef, ref: buf})
	return nil
}

func (c *Codec) freeSlots() int { return c.batchCap() - c.count }

func (c *Codec) tailIsInline() bool {
	return c.count > 0 && c.at(c.count-1).kind == kindInline
}

// Get extracts the next frame in insertion order, returning its body (an
// owned copy, safe to retain) and the more flag. It returns ok=false when no
// complete frame is currently buffered.
func (c *Codec) Get() (body []byte, more bool, ok bool, err error) {
	if c.count == 0 {
		return nil, false, false, nil
	}
	head := &c.batches[c.head]
	if head.kind != kindInline {
		return nil, false, false, vtxerr.New(vtxerr.KindFatal, "codec corrupted: frame must begin with an inline header")
	}

	raw := c.data.bytesAt(head.offset+head.consumed, head.length-head.consumed)
	if len(raw) < 2 || (raw[0] == extendedSentinel && len(raw) < 10) {
		return nil, false, false, nil // header not fully buffered yet
	}
	dh, derr := DecodeFrameHeader(raw)
	if derr != nil {
		return nil, false, false, derr
	}

	// The body follows its header inside this batch when it is small, when
	// BinPut delivered it inline, or while no by-reference batch follows.
	avail := len(raw) - dh.HeaderLen
	inline := dh.BodySize <= c.vsmCutoff || avail > 0 || c.count == 1
	if inline && avail < dh.BodySize {
		return nil, false, false, nil // body not fully buffered yet
	}

	head.consumed += dh.HeaderLen
	if head.consumed > head.length {
		return nil, false, false, vtxerr.New(vtxerr.KindFatal, "codec corrupted: header overruns its batch")
	}

	if inline {
		bodyStart := head.offset + head.consumed
		bodyBytes := c.data.bytesAt(bodyStart, dh.BodySize)
		out := make([]byte, dh.BodySize)
		copy(out, bodyBytes)
		head.consumed += dh.BodySize

		if head.consumed == head.length {
			e := c.popHead()
			c.data.release(e.length)
		}
		return out, dh.More, true, nil
	}

	if head.consumed == head.length {
		e := c.popHead()
		c.data.release(e.length)
	}

	if c.count == 0 || c.batches[c.head].kind != kindRef {
		return nil, false, false, vtxerr.New(vtxerr.KindFatal, "codec corrupted: expected by-reference batch after large header")
	}
	ref := c.popHead()
	out := make([]byte, len(ref.ref.Data))
	copy(out, ref.ref.Data)
	ref.ref.Release()
	return out, dh.More, true, nil
}

// BinGet returns a zero-copy view of the next contiguous chunk of raw wire
// bytes ready to be written out (header and/or body bytes, not necessarily
// frame-aligned), without releasing anything. The caller must follow up
// with BinTick reporting how many of these bytes were actually written.
func (c *Codec) BinGet() ([]byte, bool) {
	if c.count == 0 {
		return nil, false
	}
	head := &c.batches[c.head]
	if head.kind == kindInline {
		remaining := head.length - c.streamPos
		if remaining <= 0 {
			return nil, false
		}
		return c.data.bytesAt(head.offset+c.streamPos, remaining), true
	}
	remaining := head.ref.Data[c.streamPos:]
	if len(remaining) == 0 {
		return nil, false
	}
	return remaining, true
}

// BinTick reports that n bytes of the chunk last returned by BinGet were
// consumed by the writer. When a batch is fully consumed its slot is
// released; by-reference batches release their backing message.
func (c *Codec) BinTick(n int) {
	if c.count == 0 || n <= 0 {
		return
	}
	head := &c.batches[c.head]
	c.streamPos += n

	if head.kind == kindInline {
		if c.streamPos >= head.length {
			e := c.popHead()
			c.data.release(e.length)
		}
		return
	}
	if c.streamPos >= len(head.ref.Data) {
		e := c.popHead()
		e.ref.Release()
	}
}

// BinPut inserts opaque bytes directly into the data ring as inline
// content, without any frame-header interpretation — used to pipe one
// codec's BinGet/BinTick output into another codec's input (spec.md §8's
// codec self-test relies on this for round-trip verification). It returns
// the number of bytes actually accepted; fewer than len(data) means the
// codec ran out of room.
func (c *Codec) BinPut(data []byte) (int, error) {
	accepted := 0
	for len(data) > 0 {
		if !c.hasFreeSlot() && !c.tailIsInline() {
			break
		}
		chunk := data
		offset, wasted, ok := c.data.reserve(len(chunk))
		if !ok {
			// try a smaller chunk that might still fit contiguously.
			space := c.data.space()
			if space <= 0 {
				break
			}
			if space > len(chunk) {
				space = len(chunk)
			}
			chunk = chunk[:space]
			offset, wasted, ok = c.data.reserve(len(chunk))
			if !ok {
				break
			}
		}

		extended := false
		if c.count > 0 {
			tail := c.at(c.count - 1)
			if tail.kind == kindInline && wasted == 0 && offset == tail.offset+tail.length {
				tail.length += len(chunk)
				extended = true
			}
		}
		if !extended {
			if !c.hasFreeSlot() {
				c.data.unreserve(len(chunk), wasted)
				break
			}
			c.pushBatch(batchEntry{kind: kindInline, offset: offset, length: len(chunk)})
		}
		c.data.writeAt(offset, chunk)

		accepted += len(chunk)
		data = data[len(chunk):]
	}
	if accepted == 0 && len(data) > 0 {
		return 0, vtxerr.ErrStoreFull
	}
	return accepted, nil
}
