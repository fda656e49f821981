// Package vtxbuf
// Author: momentics <momentics@gmail.com>
//
// Zero-copy message buffers, adapted from the teacher's api.Buffer /
// api.Releaser / api.BufferPool, generalized from WebSocket frame payloads
// to codec by-reference batches (spec.md §3, §4.1): a large application
// message is held by reference here instead of being copied into the
// codec's inline data ring.

package vtxbuf

import "sync"

// Releaser decouples Buffer from any particular pool implementation.
type Releaser interface {
	Put(Buffer)
}

// Buffer is a zero-copy memory slice, pool-releasable, with a Source field
// for the sender/recipient address. Slice copies Source; no other code in
// this module sets or reads it.
type Buffer struct {
	Data   []byte
	Pool   Releaser
	Source string // "host:port" the driver read this buffer from, if any
}

// Bytes returns the full byte slice backing this Buffer.
func (b Buffer) Bytes() []byte { return b.Data }

// Len is the buffer's logical length.
func (b Buffer) Len() int { return len(b.Data) }

// Copy returns an owned copy of the buffer data, safe to retain past Release.
func (b Buffer) Copy() []byte {
	dup := make([]byte, len(b.Data))
	copy(dup, b.Data)
	return dup
}

// Slice returns a new Buffer view sharing the same underlying memory.
func (b Buffer) Slice(from, to int) Buffer {
	if from < 0 || to > len(b.Data) || from > to {
		return Buffer{Pool: b.Pool, Source: b.Source}
	}
	return Buffer{Data: b.Data[from:to], Pool: b.Pool, Source: b.Source}
}

// Release returns the buffer to its owning pool, if any.
func (b Buffer) Release() {
	if b.Pool != nil {
		b.Pool.Put(b)
	}
}

// Pool is a simple sync.Pool-backed allocator of fixed-capacity byte slices,
// replacing the teacher's NUMA-segmented pool.BufferPoolManager: vtx runs
// one reactor per scheme with no NUMA pinning requirement, so a single
// class-sized pool per driver is sufficient (see DESIGN.md for the dropped
// NUMA affinity machinery).
type Pool struct {
	class int
	pool  sync.Pool
}

// NewPool creates a Pool of class-sized slices. Get returns a buffer of
// cap == class unless asked for more than class bytes, in which case it
// allocates an unpooled slice of the requested size.
func NewPool(class int) *Pool {
	p := &Pool{class: class}
	p.pool.New = func() any {
		return make([]byte, class)
	}
	return p
}

// Get obtains a Buffer truncated to size (size must be <= class).
func (p *Pool) Get(size int) Buffer {
	raw := p.pool.Get().([]byte)
	if size > cap(raw) {
		raw = make([]byte, size)
	}
	return Buffer{Data: raw[:size], Pool: p}
}

// Put returns a buffer's backing array to the pool.
func (p *Pool) Put(b Buffer) {
	if cap(b.Data) != p.class {
		return // foreign-sized buffer, let GC reclaim it
	}
	p.pool.Put(b.Data[:cap(b.Data)])
}
