// Package peering implements the NOM-1 peering state machine (spec.md §4.3,
// C4): the lifecycle of one peer relationship, driven by reactor timers and
// inbound packets, including broadcast focusing/unfocusing.
//
// Author: momentics <momentics@gmail.com>
//
// Grounded on the teacher's handshake state handling in
// core/protocol/handshake.go (a small, explicit state-transition function
// per inbound event) and on api/events.go's Open/Close event shape,
// generalized from a one-shot HTTP upgrade to a recurring liveness protocol.
package peering

import (
	"time"

	"github.com/momentics/vtx/ringqueue"
	"github.com/momentics/vtx/vtxconfig"
)

// backlogCapacity bounds how many PUBLISH messages queue up for one
// not-yet-live subscriber peering before the oldest is dropped (spec.md
// §4.2 C2's documented placeholder policy).
const backlogCapacity = 16

// State is one point in the peering lifecycle (spec.md §4.3).
type State int

const (
	StateInitial State = iota
	StateConnecting
	StateLive
	StateSilent
	StateDead
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "INITIAL"
	case StateConnecting:
		return "CONNECTING"
	case StateLive:
		return "LIVE"
	case StateSilent:
		return "SILENT"
	case StateDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// Action tells the driver what to do as a side effect of a transition.
type Action int

const (
	ActionNone Action = iota
	ActionSendOHAI
	ActionSendOHAIOK
	ActionSendHUGZ
	ActionRemove // peering is DEAD and should be deleted from the vocket
)

// Peering is one (possibly virtual) connection between a local vocket and a
// remote peer (spec.md §3).
//
// The key invariant upheld by this package: peerings[Key].Remote == Key at
// all times (spec.md §8 "Peering key invariant") — focusing
// (OnOhaiOkReceived) and unfocusing (OnSilentRetry) change both together,
// never one without the other.
type Peering struct {
	Key    string // current lookup key: Remote, kept in sync on focus/unfocus
	Remote string

	Outgoing  bool
	Broadcast bool

	BroadcastKey string // saved broadcast key, restored by OnSilentRetry

	State State

	Sequence byte // 4-bit REQ/REP counter
	Request  []byte
	Reply    []byte

	// EchoBody is the most recent OHAI's body, verbatim: spec.md §4.3 says
	// an OHAI-OK "echoes the OHAI address", i.e. whatever the sender of the
	// OHAI claimed it was trying to reach, not our own view of their key.
	EchoBody []byte

	Expiry time.Time // LIVE deadline; silence past this drops to SILENT
	Silent time.Time // next proactive-heartbeat deadline while LIVE

	// Backlog holds PUBLISH messages addressed to this peering while it
	// isn't yet LIVE (a fresh subscriber mid-handshake), drained once it
	// goes live (spec.md §4.2 C2, wired from PolicyPublish).
	Backlog *ringqueue.Ring

	cfg vtxconfig.DriverConfig
}

// New constructs a peering in its INITIAL state and immediately applies the
// "created" transition (spec.md §4.3 row 1/2).
func New(key string, outgoing, broadcast bool, cfg vtxconfig.DriverConfig, now time.Time) (*Peering, Action) {
	p := &Peering{
		Key:       key,
		Remote:    key,
		Outgoing:  outgoing,
		Broadcast: broadcast,
		State:     StateInitial,
		Backlog:   ringqueue.New(backlogCapacity),
		cfg:       cfg,
	}
	if broadcast {
		p.BroadcastKey = key
	}
	return p, p.onCreated(now)
}

// onCreated applies the INITIAL->CONNECTING transition. Both outgoing and
// incoming peerings schedule periodic OHAI while CONNECTING: the spec's
// transition table only states this explicitly for the outgoing case, but
// without it an incoming-only peering (one that merely accepted an OHAI and
// replied OHAI-OK) could never itself receive an OHAI-OK and would remain
// CONNECTING forever, deadlocking the liveness protocol for the side that
// never initiates. See DESIGN.md for this resolution.
func (p *Peering) onCreated(now time.Time) Action {
	p.State = StateConnecting
	if p.Outgoing {
		return ActionSendOHAI
	}
	return ActionSendOHAIOK
}

// OnOhaiReceived handles an inbound OHAI while CONNECTING or LIVE: always
// reply OHAI-OK, echoing body (the address the peer addressed us by)
// verbatim.
func (p *Peering) OnOhaiReceived(now time.Time, body []byte) Action {
	if p.State == StateInitial {
		p.State = StateConnecting
	}
	p.EchoBody = append([]byte(nil), body...)
	return ActionSendOHAIOK
}

// OnOhaiOkReceived handles an inbound OHAI-OK: transitions CONNECTING->LIVE.
// If echoedAddr (the body of the OHAI-OK, i.e. the address we originally
// tried to reach) differs from observedSource (the actual address the
// datagram came from), the peering is focused: rekeyed from its broadcast
// key to the concrete source key. Returns the new key if a rekey occurred,
// or "" if the key is unchanged.
func (p *Peering) OnOhaiOkReceived(now time.Time, echoedAddr, observedSource string) (focusedKey string) {
	p.State = StateLive
	p.bumpExpiry(now)
	p.scheduleHugz(now)

	if echoedAddr != observedSource && p.Broadcast {
		p.Key = observedSource
		p.Remote = observedSource
		return observedSource
	}
	return ""
}

// OnInbound handles any inbound traffic on an already-LIVE peering: bump
// the liveness deadline (spec.md §4.3 "LIVE any inbound -> LIVE").
func (p *Peering) OnInbound(now time.Time) {
	if p.State == StateLive {
		p.bumpExpiry(now)
	}
}

// Tick evaluates the time-driven transitions: proactive heartbeat when
// Silent has passed, and LIVE->SILENT when Expiry has passed.
func (p *Peering) Tick(now time.Time) Action {
	switch p.State {
	case StateLive:
		if now.After(p.Expiry) {
			p.State = StateSilent
			return ActionNone
		}
		if now.After(p.Silent) {
			p.scheduleHugz(now)
			return ActionSendHUGZ
		}
	case StateConnecting:
		// Periodic OHAI retry while CONNECTING, for both outgoing and
		// incoming peerings: an incoming peering only ever replies OHAI-OK
		// to the OHAI that created it, so without also re-sending its own
		// OHAI it could never itself receive an OHAI-OK and would stay
		// CONNECTING forever (see the note on onCreated). OnOhaiReceived
		// always answers any inbound OHAI with OHAI-OK regardless of
		// current state, so this closes the loop: the remote peering
		// treats our retry as a fresh OHAI and answers it, bringing us to
		// LIVE.
		return ActionSendOHAI
	}
	return ActionNone
}

// OnSilentRetry applies the SILENT-state outgoing transitions: a broadcast
// peering reverts (unfocuses) to its saved broadcast key and resumes
// OHAIing; a non-broadcast peering simply keeps retrying from its current
// key. Returns the key the peering now has (unchanged unless unfocused).
func (p *Peering) OnSilentRetry(now time.Time) (key string, action Action) {
	if p.State != StateSilent || !p.Outgoing {
		return p.Key, ActionNone
	}
	if p.Broadcast && p.Key != p.BroadcastKey {
		p.Key = p.BroadcastKey
		p.Remote = p.BroadcastKey
	}
	p.State = StateConnecting
	return p.Key, ActionSendOHAI
}

// OnSilentIncoming applies the SILENT-state incoming transition: the
// peering is destroyed (spec.md §4.3 "SILENT incoming -> (destroyed)").
func (p *Peering) OnSilentIncoming() Action {
	if p.State == StateSilent && !p.Outgoing {
		p.State = StateDead
		return ActionRemove
	}
	return ActionNone
}

// Alive reports whether this peering belongs in its vocket's live list.
func (p *Peering) Alive() bool { return p.State == StateLive }

func (p *Peering) bumpExpiry(now time.Time) {
	p.Expiry = now.Add(p.cfg.Timeout)
}

func (p *Peering) scheduleHugz(now time.Time) {
	p.Silent = now.Add(p.cfg.SilentThreshold())
}

// NextSequence increments and returns the 4-bit request/reply counter.
func (p *Peering) NextSequence() byte {
	p.Sequence = (p.Sequence + 1) & 0x0F
	return p.Sequence
}
