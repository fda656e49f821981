// Package binding implements a vocket's locally bound listening endpoint
// (spec.md §3, C5): one per "host:port" per vocket, owning exactly one
// network handle, destroyed when its vocket is destroyed.
//
// Author: momentics <momentics@gmail.com>
package binding

// Handle is the network resource a Binding owns: a UDP PacketConn wrapper or
// a TCP Listener wrapper, depending on scheme. Kept minimal here; the udp
// and tcp driver packages supply the concrete implementations since read
// and accept semantics differ by transport.
type Handle interface {
	Close() error
}

// Binding is one locally bound endpoint.
type Binding struct {
	Key    string // canonical "host:port" this binding listens on
	Handle Handle
}

// New wraps a network handle as a Binding.
func New(key string, h Handle) *Binding {
	return &Binding{Key: key, Handle: h}
}

// Close releases the underlying network handle.
func (b *Binding) Close() error {
	if b.Handle == nil {
		return nil
	}
	return b.Handle.Close()
}
