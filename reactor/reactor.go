// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package reactor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/momentics/vtx/vtxlog"
)

// Kind tags the origin of an Event for dispatch (spec.md §4.6: control pipe,
// network I/O, and timer are the three source kinds every driver mixes).
type Kind int

const (
	KindControl Kind = iota
	KindNetwork
	KindTimer
)

func (k Kind) String() string {
	switch k {
	case KindControl:
		return "control"
	case KindNetwork:
		return "network"
	case KindTimer:
		return "timer"
	default:
		return "unknown"
	}
}

// Event is one unit of work handed to the reactor's callback. Source is the
// key the event's producer was Registered under; Payload carries whatever
// that source produces (a decoded datagram, a control command, nothing for
// a bare timer tick).
type Event struct {
	Kind    Kind
	Source  string
	Payload any
}

// Source is anything that can feed events into a reactor: a control pipe
// reader, a UDP/TCP binding's read loop, or a ticker. Run must return
// promptly once ctx is cancelled; Close additionally releases the
// underlying resource (socket, timer) so Unregister can be synchronous.
//
// Sources run in their own goroutine (there is no portable way to multiplex
// net.PacketConn/net.Listener reads without per-platform raw-fd plumbing, so
// unlike the teacher's raw epoll model this reactor fans blocking reads in
// over a channel instead); the reactor's own Run loop is the single
// goroutine that ever touches driver/vocket/peering state, preserving the
// "no locks needed across the reactor boundary" property (spec.md §5).
type Source interface {
	Run(ctx context.Context, out chan<- Event)
	Close() error
}

// Callback processes one Event. It must not block for long: the reactor
// drains its queue strictly in order from a single goroutine.
type Callback func(Event)

// Reactor is the single-threaded event loop for one driver.
//
// Grounded on the teacher's epoll_reactor.go: a registry of named sources,
// a bounded event queue, and per-callback panic recovery so one bad handler
// cannot kill the loop — generalized from raw epoll file descriptors to
// named Source implementations, since Go's net package does not expose a
// portable raw handle for net.PacketConn/net.Listener across platforms.
type Reactor struct {
	cb     Callback
	events chan Event
	log    *slog.Logger

	mu      sync.Mutex
	sources map[string]sourceHandle
}

type sourceHandle struct {
	src    Source
	cancel context.CancelFunc
}

// New creates a Reactor with the given callback and event queue depth.
func New(cb Callback, queueDepth int) *Reactor {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	return &Reactor{
		cb:      cb,
		events:  make(chan Event, queueDepth),
		log:     vtxlog.For("reactor"),
		sources: make(map[string]sourceHandle),
	}
}

// Register starts src in its own goroutine, feeding events into the
// reactor's shared queue under the given key. Registering a key that's
// already present replaces it, closing the previous source first.
func (r *Reactor) Register(key string, src Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.sources[key]; ok {
		prev.cancel()
		_ = prev.src.Close()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.sources[key] = sourceHandle{src: src, cancel: cancel}
	go src.Run(ctx, r.events)
}

// Unregister stops and closes the source registered under key.
func (r *Reactor) Unregister(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.sources[key]
	if !ok {
		return
	}
	delete(r.sources, key)
	h.cancel()
	_ = h.src.Close()
}

// Run drains the event queue until ctx is cancelled, dispatching each Event
// to the callback with panic isolation (spec.md §4.6 "panics in a source
// handler are recovered and logged, not propagated").
func (r *Reactor) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-r.events:
			r.dispatch(ev)
		case <-ctx.Done():
			r.closeAll()
			return nil
		}
	}
}

func (r *Reactor) dispatch(ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("recovered panic in reactor callback", "source", ev.Source, "kind", ev.Kind, "panic", rec)
		}
	}()
	r.cb(ev)
}

func (r *Reactor) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, h := range r.sources {
		h.cancel()
		_ = h.src.Close()
		delete(r.sources, key)
	}
}

// TimerSource is a Source that emits a KindTimer event on every tick,
// driving peering.Tick calls and liveness sweeps (spec.md §4.3/§4.6).
type TimerSource struct {
	interval time.Duration
	key      string
	stop     chan struct{}
	once     sync.Once
}

// NewTimerSource creates a periodic timer source keyed by name.
func NewTimerSource(key string, interval time.Duration) *TimerSource {
	return &TimerSource{interval: interval, key: key, stop: make(chan struct{})}
}

func (t *TimerSource) Run(ctx context.Context, out chan<- Event) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			select {
			case out <- Event{Kind: KindTimer, Source: t.key, Payload: now}:
			case <-ctx.Done():
				return
			}
		case <-t.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (t *TimerSource) Close() error {
	t.once.Do(func() { close(t.stop) })
	return nil
}
