// Package pipe implements the inproc, single-frame application<->vocket
// message pipe (spec.md §2 "Application pipe semantics", §6): the only
// object ever shared between the application goroutine and a driver's
// reactor goroutine, used here as the synchronization primitive in place of
// locks (spec.md §5).
//
// Author: momentics <momentics@gmail.com>
package pipe

import (
	"context"

	"github.com/momentics/vtx/vtxerr"
)

// MaxBodySize is the default cap on a single pipe frame; drivers may
// enforce a smaller scheme-specific maximum (spec.md §6, e.g. 512 for UDP).
const MaxBodySize = 512

// Pipe is a bounded, bidirectional single-frame channel pair between one
// application-facing vocket handle and its owning driver.
type Pipe struct {
	toDriver chan []byte // application Send -> driver PollOutbound
	toApp    chan []byte // driver DeliverInbound -> application Recv
	closed   chan struct{}
}

// New creates a Pipe with the given per-direction buffer depth.
func New(capacity int) *Pipe {
	if capacity <= 0 {
		capacity = 1
	}
	return &Pipe{
		toDriver: make(chan []byte, capacity),
		toApp:    make(chan []byte, capacity),
		closed:   make(chan struct{}),
	}
}

// Send is the application-side blocking outbound call. It applies
// backpressure naturally: once the driver stops polling (because
// live_count < min_peerings, spec.md §3), this blocks until either the
// driver resumes polling or ctx is cancelled.
func (p *Pipe) Send(ctx context.Context, msg []byte) error {
	if len(msg) > MaxBodySize {
		return vtxerr.New(vtxerr.KindConfig, "message exceeds pipe frame size").With("size", len(msg))
	}
	select {
	case p.toDriver <- msg:
		return nil
	case <-p.closed:
		return vtxerr.New(vtxerr.KindFatal, "pipe closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv is the application-side blocking inbound call.
func (p *Pipe) Recv(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-p.toApp:
		return msg, nil
	case <-p.closed:
		return nil, vtxerr.New(vtxerr.KindFatal, "pipe closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PollOutbound is the driver-side non-blocking pop of the next application
// message, called only from within the reactor loop. ok is false if there
// is nothing pending right now.
func (p *Pipe) PollOutbound() (msg []byte, ok bool) {
	select {
	case msg = <-p.toDriver:
		return msg, true
	default:
		return nil, false
	}
}

// DeliverInbound is the driver-side non-blocking push of a received message
// to the application. It returns false (and drops the message) if the
// application isn't currently reading — the reactor must never block on
// this call.
func (p *Pipe) DeliverInbound(msg []byte) bool {
	select {
	case p.toApp <- msg:
		return true
	default:
		return false
	}
}

// Close releases the pipe; pending Send/Recv calls return an error.
func (p *Pipe) Close() {
	select {
	case <-p.closed:
		// already closed
	default:
		close(p.closed)
	}
}
