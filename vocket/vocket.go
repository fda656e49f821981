// Package vocket implements the virtual socket (spec.md §3/§4.4, C6): the
// application-facing object that owns bindings, peerings and the routing
// policy for one messaging pattern, and dispatches outbound/inbound traffic
// accordingly.
//
// Author: momentics <momentics@gmail.com>
//
// Grounded on the teacher's polymorphism-by-table approach in
// protocol/frame_types.go (a discriminant enum mapped to fixed per-type
// behavior instead of subclassing), generalized from wire frame kinds to
// messaging-socket patterns, per spec.md §9 "Polymorphism over socket
// patterns".
package vocket

import (
	"context"
	"log/slog"
	"math"
	"sync"

	"github.com/google/uuid"

	"github.com/momentics/vtx/peering"
	"github.com/momentics/vtx/pipe"
	"github.com/momentics/vtx/ringqueue"
	"github.com/momentics/vtx/vtxaddr"
	"github.com/momentics/vtx/vtxconfig"
	"github.com/momentics/vtx/vtxerr"
	"github.com/momentics/vtx/vtxlog"
	"github.com/momentics/vtx/vtxmetrics"
)

// Kind is a messaging socket pattern (spec.md §3).
type Kind int

const (
	KindRequest Kind = iota
	KindReply
	KindRouter
	KindDealer
	KindPublish
	KindSubscribe
	KindPush
	KindPull
	KindPair
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "REQUEST"
	case KindReply:
		return "REPLY"
	case KindRouter:
		return "ROUTER"
	case KindDealer:
		return "DEALER"
	case KindPublish:
		return "PUBLISH"
	case KindSubscribe:
		return "SUBSCRIBE"
	case KindPush:
		return "PUSH"
	case KindPull:
		return "PULL"
	case KindPair:
		return "PAIR"
	default:
		return "UNKNOWN"
	}
}

// Policy is the routing behavior a Kind is dispatched through (spec.md §4.4).
// Several Kinds share a Policy (e.g. PUSH reuses DEALER's round-robin send).
type Policy int

const (
	PolicyRequest Policy = iota
	PolicyReply
	PolicyRouter
	PolicyDealer
	PolicyPublish
	PolicyNone   // cannot send outbound application traffic
	PolicySingle // exactly one peering (PAIR)
)

func (p Policy) String() string {
	switch p {
	case PolicyRequest:
		return "REQUEST"
	case PolicyReply:
		return "REPLY"
	case PolicyRouter:
		return "ROUTER"
	case PolicyDealer:
		return "DEALER"
	case PolicyPublish:
		return "PUBLISH"
	case PolicyNone:
		return "NONE"
	case PolicySingle:
		return "SINGLE"
	default:
		return "UNKNOWN"
	}
}

// MaxPeerings is the "MAX" bound referenced throughout spec.md §3/§4.4.
const MaxPeerings = math.MaxInt32

// traits captures the four kind-derived attributes from spec.md §3:
// routing policy, whether inbound data is accepted, and live-peer bounds.
type traits struct {
	policy             Policy
	nomnom             bool
	minPeerings        int
	maxPeerings        int
	sendsByReplyTarget bool // true only for REPLY (uses reply_to, not round-robin)
}

var kindTraits = map[Kind]traits{
	KindRequest:   {policy: PolicyRequest, nomnom: true, minPeerings: 1, maxPeerings: MaxPeerings},
	KindReply:     {policy: PolicyReply, nomnom: true, minPeerings: 1, maxPeerings: MaxPeerings, sendsByReplyTarget: true},
	KindRouter:    {policy: PolicyRouter, nomnom: true, minPeerings: 0, maxPeerings: MaxPeerings},
	KindDealer:    {policy: PolicyDealer, nomnom: true, minPeerings: 1, maxPeerings: MaxPeerings},
	KindPublish:   {policy: PolicyPublish, nomnom: false, minPeerings: 0, maxPeerings: MaxPeerings},
	KindSubscribe: {policy: PolicyNone, nomnom: true, minPeerings: 1, maxPeerings: MaxPeerings},
	KindPush:      {policy: PolicyDealer, nomnom: false, minPeerings: 1, maxPeerings: MaxPeerings},
	KindPull:      {policy: PolicyNone, nomnom: true, minPeerings: 1, maxPeerings: MaxPeerings},
	KindPair:      {policy: PolicySingle, nomnom: true, minPeerings: 1, maxPeerings: 1},
}

// Outbound is a routed, scheme-addressed NOM ready for a driver to send.
type Outbound struct {
	PeeringKey string
	Body       []byte
}

// Vocket is one application-facing virtual socket.
type Vocket struct {
	Handle uuid.UUID
	Kind   Kind
	Scheme string
	traits traits

	Pipe *pipe.Pipe

	cfg vtxconfig.DriverConfig
	log *slog.Logger
	met *vtxmetrics.Registry

	mu       sync.Mutex
	bindings map[string]struct{} // set of bound "host:port" keys (C5 lives in driver/*)
	peerings map[string]*peering.Peering
	order    []string // round-robin order of peering keys
	live     map[string]struct{}
	replyTo  string // REPLY: peering key to answer next
	rrCursor int
}

// New creates a vocket of the given kind for scheme (e.g. "udp", "tcp").
func New(kind Kind, scheme string, cfg vtxconfig.DriverConfig, met *vtxmetrics.Registry) (*Vocket, error) {
	t, ok := kindTraits[kind]
	if !ok {
		return nil, vtxerr.New(vtxerr.KindConfig, "unknown socket kind").With("kind", int(kind))
	}
	v := &Vocket{
		Handle:   uuid.New(),
		Kind:     kind,
		Scheme:   scheme,
		traits:   t,
		Pipe:     pipe.New(64),
		cfg:      cfg,
		log:      vtxlog.ForScheme("vocket", scheme),
		met:      met,
		bindings: make(map[string]struct{}),
		peerings: make(map[string]*peering.Peering),
		live:     make(map[string]struct{}),
	}
	return v, nil
}

// Policy, Nomnom, MinPeerings, MaxPeerings expose the kind-derived traits.
func (v *Vocket) Policy() Policy    { return v.traits.policy }
func (v *Vocket) Nomnom() bool      { return v.traits.nomnom }
func (v *Vocket) MinPeerings() int  { return v.traits.minPeerings }
func (v *Vocket) MaxPeerings() int  { return v.traits.maxPeerings }
func (v *Vocket) LiveCount() int    { v.mu.Lock(); defer v.mu.Unlock(); return len(v.live) }
func (v *Vocket) PollEnabled() bool { v.mu.Lock(); defer v.mu.Unlock(); return v.pollEnabledLocked() }

func (v *Vocket) pollEnabledLocked() bool {
	if v.traits.minPeerings == 0 {
		return true
	}
	return len(v.live) >= v.traits.minPeerings
}

// AddPeering registers a new peering under key, enforcing max_peerings
// (spec.md §3 "peerings ≤ max_peerings"; ROTFL rejection per §4.6).
func (v *Vocket) AddPeering(p *peering.Peering) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.peerings) >= v.traits.maxPeerings {
		return vtxerr.ErrMaxPeerings
	}
	v.peerings[p.Key] = p
	v.order = append(v.order, p.Key)
	return nil
}

// RemovePeering deletes a peering and updates the live list/round-robin
// order, grounded on spec.md §8's "Live-list consistency" property.
func (v *Vocket) RemovePeering(key string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.peerings, key)
	delete(v.live, key)
	for i, k := range v.order {
		if k == key {
			v.order = append(v.order[:i], v.order[i+1:]...)
			break
		}
	}
	if v.replyTo == key {
		v.replyTo = ""
	}
}

// RekeyPeering updates bookkeeping when a peering's key changes (focus /
// unfocus). Must be called by the caller that already mutated p.Key.
func (v *Vocket) RekeyPeering(oldKey, newKey string, p *peering.Peering) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.peerings, oldKey)
	v.peerings[newKey] = p
	for i, k := range v.order {
		if k == oldKey {
			v.order[i] = newKey
		}
	}
	if _, wasLive := v.live[oldKey]; wasLive {
		delete(v.live, oldKey)
		v.live[newKey] = struct{}{}
	}
	if v.replyTo == oldKey {
		v.replyTo = newKey
	}
}

// PeeringKeys returns a snapshot of the current round-robin peering order,
// safe for a caller to range over while the vocket continues to mutate.
func (v *Vocket) PeeringKeys() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	keys := make([]string, len(v.order))
	copy(keys, v.order)
	return keys
}

// Peering looks up a peering by key.
func (v *Vocket) Peering(key string) (*peering.Peering, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	p, ok := v.peerings[key]
	return p, ok
}

// MarkLive/MarkNotLive maintain the live-peering set that gates application
// pipe polling (spec.md §4.3 "Liveness side effects").
func (v *Vocket) MarkLive(key string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.live[key] = struct{}{}
}

func (v *Vocket) MarkNotLive(key string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.live, key)
}

// RouteOutbound decides where a pending application message should go,
// dispatching by routing policy (spec.md §4.4 outbound table). It does not
// perform I/O; it returns the NOM payload and destination peering key(s) for
// the driver to send, along with any peering-side bookkeeping already
// applied (sequence bump, cached request/reply).
func (v *Vocket) RouteOutbound(msg []byte) ([]Outbound, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch v.traits.policy {
	case PolicyRequest:
		key, err := v.nextRoundRobinLocked()
		if err != nil {
			return nil, err
		}
		p := v.peerings[key]
		if p.Request != nil {
			v.log.Warn("send without recv", "peering", key)
			return nil, vtxerr.ErrSendNoRecv
		}
		p.NextSequence()
		p.Request = msg
		return []Outbound{{PeeringKey: key, Body: msg}}, nil

	case PolicyReply:
		if v.replyTo == "" {
			return nil, vtxerr.New(vtxerr.KindProtocol, "no pending request to reply to")
		}
		key := v.replyTo
		p := v.peerings[key]
		p.Reply = msg
		v.replyTo = ""
		return []Outbound{{PeeringKey: key, Body: msg}}, nil

	case PolicyDealer:
		key, err := v.nextRoundRobinLocked()
		if err != nil {
			return nil, err
		}
		return []Outbound{{PeeringKey: key, Body: msg}}, nil

	case PolicyRouter:
		identity, body, err := splitIdentityFrame(msg)
		if err != nil {
			return nil, err
		}
		key := vtxaddr.StripScheme(identity)
		p, ok := v.peerings[key]
		if !ok || !p.Alive() {
			v.log.Warn("router destination not alive, dropping", "identity", key)
			return nil, nil
		}
		return []Outbound{{PeeringKey: key, Body: body}}, nil

	case PolicyPublish:
		out := make([]Outbound, 0, len(v.live))
		for key, p := range v.peerings {
			if _, alive := v.live[key]; alive {
				out = append(out, Outbound{PeeringKey: key, Body: msg})
				continue
			}
			// Not live yet (subscriber mid-handshake): queue for delivery
			// once it goes live instead of dropping it outright.
			p.Backlog.Store(peeringBacklogEntry(msg))
		}
		return out, nil

	case PolicySingle:
		if len(v.peerings) != 1 {
			return nil, vtxerr.New(vtxerr.KindProtocol, "pair socket requires exactly one peering")
		}
		for key, p := range v.peerings {
			if !p.Alive() {
				return nil, vtxerr.ErrPeerGone
			}
			return []Outbound{{PeeringKey: key, Body: msg}}, nil
		}
		return nil, vtxerr.ErrPeerGone

	default: // PolicyNone
		return nil, vtxerr.New(vtxerr.KindConfig, "kind cannot send outbound messages").With("kind", v.Kind.String())
	}
}

func peeringBacklogEntry(msg []byte) ringqueue.Entry {
	return ringqueue.Entry{Value: msg, Owned: true}
}

// DrainBacklog pops every PUBLISH message queued for peerKey while it
// wasn't yet live and returns them ready to send, oldest first. Call this
// right after marking a peering live (spec.md §4.2 C2).
func (v *Vocket) DrainBacklog(peerKey string) []Outbound {
	v.mu.Lock()
	p, ok := v.peerings[peerKey]
	v.mu.Unlock()
	if !ok || p.Backlog == nil {
		return nil
	}
	var out []Outbound
	for {
		e, ok := p.Backlog.DropOldest()
		if !ok {
			break
		}
		body, _ := e.Value.([]byte)
		out = append(out, Outbound{PeeringKey: peerKey, Body: body})
	}
	return out
}

func (v *Vocket) nextRoundRobinLocked() (string, error) {
	if len(v.order) == 0 {
		return "", vtxerr.ErrPeerGone
	}
	for i := 0; i < len(v.order); i++ {
		idx := (v.rrCursor + i) % len(v.order)
		key := v.order[idx]
		if p, ok := v.peerings[key]; ok && p.Alive() {
			v.rrCursor = (idx + 1) % len(v.order)
			return key, nil
		}
	}
	return "", vtxerr.ErrPeerGone
}

// DeliverInbound handles one inbound NOM body from the peering keyed by
// peerKey, dispatching by routing policy (spec.md §4.4 inbound table) and
// delivering to the application pipe when appropriate. It returns
// (delivered, resend): delivered is true if the message was accepted
// (handed to the application or recognized as a duplicate); resend is
// non-nil when the caller must write resend back to peerKey on the wire
// itself — the idempotent-REPLY case, where the cached reply has to go out
// again instead of being re-delivered to the application (spec.md §4.4,
// §8 "REQ/REP idempotence").
func (v *Vocket) DeliverInbound(peerKey string, body []byte, sequence byte) (delivered bool, resend []byte) {
	v.mu.Lock()
	p, ok := v.peerings[peerKey]
	if !ok {
		v.mu.Unlock()
		return false, nil
	}

	switch v.traits.policy {
	case PolicyRequest:
		p.Request = nil
		v.mu.Unlock()
		return v.Pipe.DeliverInbound(body), nil

	case PolicyReply:
		if p.Reply != nil && p.Sequence == sequence {
			cached := p.Reply
			v.mu.Unlock()
			v.log.Debug("duplicate request, resending cached reply", "peering", peerKey)
			return true, cached
		}
		p.Sequence = sequence
		v.replyTo = peerKey
		v.mu.Unlock()
		return v.Pipe.DeliverInbound(body), nil

	case PolicyRouter:
		identity := v.Scheme + "://" + peerKey
		framed := append([]byte(identity+"\x00"), body...)
		v.mu.Unlock()
		return v.Pipe.DeliverInbound(framed), nil

	default:
		nomnom := v.traits.nomnom
		v.mu.Unlock()
		if !nomnom {
			v.log.Debug("nomnom disabled, dropping inbound", "peering", peerKey)
			return false, nil
		}
		return v.Pipe.DeliverInbound(body), nil
	}
}

// PollOutboundIfEnabled returns the next pending application message only
// when live_count satisfies min_peerings, applying the backpressure
// described in spec.md §3/§4.3.
func (v *Vocket) PollOutboundIfEnabled() ([]byte, bool) {
	v.mu.Lock()
	enabled := v.pollEnabledLocked()
	v.mu.Unlock()
	if !enabled {
		return nil, false
	}
	return v.Pipe.PollOutbound()
}

// Close tears down the application pipe. Bindings and peerings are owned
// by the driver; Close does not remove them.
func (v *Vocket) Close() {
	v.Pipe.Close()
}

// Send is the application-facing blocking send entry point.
func (v *Vocket) Send(ctx context.Context, msg []byte) error {
	return v.Pipe.Send(ctx, msg)
}

// Recv is the application-facing blocking receive entry point.
func (v *Vocket) Recv(ctx context.Context) ([]byte, error) {
	return v.Pipe.Recv(ctx)
}

func splitIdentityFrame(msg []byte) (identity string, body []byte, err error) {
	for i, b := range msg {
		if b == 0 {
			return string(msg[:i]), msg[i+1:], nil
		}
	}
	return "", nil, vtxerr.New(vtxerr.KindProtocol, "router message missing identity frame")
}
