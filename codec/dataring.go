// Package codec
// Author: momentics <momentics@gmail.com>
//
// dataRing is the fixed-capacity byte ring backing inline batches. It is
// adapted from the teacher's pool.RingBuffer[T] (monotonic head/tail
// counters, modulo index lookup) generalized from a slice of fixed-size
// items to variable-length byte runs, with the invariant that a run never
// straddles the physical end of the backing array — a run that would is
// instead placed at offset 0, and the skipped tail bytes are immediately
// and silently reclaimed (spec.md §3: "a wrap starts a new batch").

package codec

type dataRing struct {
	buf   []byte
	cap   int
	write uint64 // monotonic count of bytes ever reserved (including wasted tail bytes)
	read  uint64 // monotonic count of bytes ever released (including wasted tail bytes)
}

func newDataRing(capacity int) *dataRing {
	return &dataRing{buf: make([]byte, capacity), cap: capacity}
}

// active returns the number of live (unreleased) bytes currently reserved.
func (d *dataRing) active() int {
	return int(d.write - d.read)
}

// space returns the number of bytes that could still be reserved.
func (d *dataRing) space() int {
	return d.cap - d.active()
}

// reserve finds room for n contiguous bytes, wrapping to offset 0 (and
// wasting the unused tail) if the bytes would otherwise straddle the end of
// the backing array. On success it returns the physical offset to write at
// and the number of tail bytes wasted (0 if no wrap occurred); the ring's
// internal cursors are only mutated on success, so a failed reserve never
// partially commits (spec.md §8 "Codec exhaustion").
func (d *dataRing) reserve(n int) (offset int, wasted int, ok bool) {
	if n < 0 || n > d.cap {
		return 0, 0, false
	}
	free := d.space()
	tailIdx := int(d.write % uint64(d.cap))
	contiguous := d.cap - tailIdx

	if n <= contiguous {
		if n > free {
			return 0, 0, false
		}
		offset = tailIdx
		d.write += uint64(n)
		return offset, 0, true
	}

	waste := contiguous
	if waste+n > free {
		return 0, 0, false
	}
	d.write += uint64(waste)
	d.read += uint64(waste) // wasted bytes are never delivered; free them immediately
	d.write += uint64(n)
	return 0, waste, true
}

// unreserve rolls back a reservation that could not be registered in the
// batch ring, restoring active()/space() to their pre-reserve values.
func (d *dataRing) unreserve(n, wasted int) {
	d.write -= uint64(n)
	if wasted > 0 {
		d.write -= uint64(wasted)
		d.read -= uint64(wasted)
	}
}

// release frees n bytes from the head of the ring once a batch has been
// fully consumed.
func (d *dataRing) release(n int) {
	d.read += uint64(n)
}

// bytesAt returns a slice view of n bytes starting at the given physical
// offset. The caller must already know (from batch bookkeeping) that this
// range was reserved as one contiguous run.
func (d *dataRing) bytesAt(offset, n int) []byte {
	return d.buf[offset : offset+n]
}

// writeAt copies src into the ring starting at offset (offset+len(src) must
// not exceed cap: guaranteed by reserve's contiguity check).
func (d *dataRing) writeAt(offset int, src []byte) {
	copy(d.buf[offset:], src)
}
