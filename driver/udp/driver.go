// Package udp implements the UDP driver (spec.md §4.1-§4.7): one reactor
// multiplexing NOM-1 datagram I/O, the peering state machine, and the
// engine's control pipe, for every vocket bound or connected on scheme
// "udp".
//
// Author: momentics <momentics@gmail.com>
//
// Grounded on the teacher's reactor/epoll_reactor.go dispatch loop
// (generalized in package reactor) and on control/config.go's
// Config-driven construction, adapted from a WebSocket transport driver to
// a connectionless NOM-1 one.
package udp

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/momentics/vtx/binding"
	"github.com/momentics/vtx/engine"
	"github.com/momentics/vtx/nom1"
	"github.com/momentics/vtx/peering"
	"github.com/momentics/vtx/reactor"
	"github.com/momentics/vtx/vocket"
	"github.com/momentics/vtx/vtxaddr"
	"github.com/momentics/vtx/vtxconfig"
	"github.com/momentics/vtx/vtxerr"
	"github.com/momentics/vtx/vtxlog"
	"github.com/momentics/vtx/vtxmetrics"
)

// controlRequest pairs one engine.Command with the channel its issuer
// blocks on, the Go-native shape of spec.md §4.6's "blocking command pipe".
type controlRequest struct {
	cmd   engine.Command
	reply chan engine.CommandReply
}

// entry is everything the driver keeps about one vocket: its handle to the
// vocket object, its one network socket (spec.md §4.6 "one outgoing handle
// per vocket"), and metadata needed for getmeta().
type entry struct {
	v          *vocket.Vocket
	conn       *net.UDPConn
	binding    *binding.Binding // owns conn's lifecycle (spec.md §3, C5)
	localKey   string
	lastSender string
}

// Driver is the UDP scheme driver.
type Driver struct {
	cfg      vtxconfig.DriverConfig
	met      *vtxmetrics.Registry
	log      *slog.Logger
	resolver vtxaddr.BroadcastResolver

	reactor *reactor.Reactor
	control chan controlRequest

	mu      sync.Mutex
	vockets map[string]*entry // keyed by vocket.Handle.String()
}

// New constructs a UDP driver. resolver may be nil to use the platform
// default (tests substitute a fake BroadcastResolver, spec.md §9).
func New(cfg vtxconfig.DriverConfig, met *vtxmetrics.Registry, resolver vtxaddr.BroadcastResolver) *Driver {
	if resolver == nil {
		resolver = vtxaddr.DefaultBroadcastResolver
	}
	return &Driver{
		cfg:      cfg,
		met:      met,
		log:      vtxlog.ForScheme("driver", "udp"),
		resolver: resolver,
		control:  make(chan controlRequest, 64),
		vockets:  make(map[string]*entry),
	}
}

func (d *Driver) Scheme() string { return "udp" }

// NewVocket creates a vocket of kind and tracks it under the driver.
func (d *Driver) NewVocket(kind vocket.Kind) (*vocket.Vocket, error) {
	v, err := vocket.New(kind, "udp", d.cfg, d.met)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.vockets[v.Handle.String()] = &entry{v: v}
	d.mu.Unlock()
	return v, nil
}

// Submit delivers a Command over the control pipe and blocks for its reply.
func (d *Driver) Submit(ctx context.Context, cmd engine.Command) (engine.CommandReply, error) {
	req := controlRequest{cmd: cmd, reply: make(chan engine.CommandReply, 1)}
	select {
	case d.control <- req:
	case <-ctx.Done():
		return engine.CommandReply{}, ctx.Err()
	}
	select {
	case r := <-req.reply:
		return r, nil
	case <-ctx.Done():
		return engine.CommandReply{}, ctx.Err()
	}
}

// Start launches the reactor: a control source draining the command pipe
// and a timer source sweeping peering liveness and application pipes
// (spec.md §4.6 sources 1, 3, 4 — source 2, per-binding handles, are
// registered dynamically as vockets bind/connect).
func (d *Driver) Start(ctx context.Context) error {
	d.reactor = reactor.New(d.dispatch, 256)
	d.reactor.Register("control", &controlSource{ch: d.control})
	tickInterval := d.cfg.OhaiInterval
	if tickInterval <= 0 {
		tickInterval = time.Second
	}
	if tickInterval > 200*time.Millisecond {
		tickInterval = 200 * time.Millisecond
	}
	d.reactor.Register("tick", reactor.NewTimerSource("tick", tickInterval))
	go func() {
		if err := d.reactor.Run(ctx); err != nil {
			d.log.Error("reactor stopped with error", "err", err)
		}
	}()
	return nil
}

// Close closes every vocket's bindings (which ends their network sources)
// and the vockets; the control and timer sources run until the context ends.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, e := range d.vockets {
		if e.binding != nil {
			_ = e.binding.Close()
		}
		e.v.Close()
		delete(d.vockets, key)
	}
	return nil
}

func (d *Driver) dispatch(ev reactor.Event) {
	switch ev.Kind {
	case reactor.KindControl:
		req, ok := ev.Payload.(controlRequest)
		if !ok {
			return
		}
		req.reply <- d.handleControl(req.cmd)
	case reactor.KindNetwork:
		pkt, ok := ev.Payload.(inboundPacket)
		if !ok {
			return
		}
		d.handleInbound(ev.Source, pkt)
	case reactor.KindTimer:
		d.sweep()
	}
}

func (d *Driver) handleControl(cmd engine.Command) engine.CommandReply {
	switch cmd.Kind {
	case engine.CmdBind:
		return d.handleBind(cmd)
	case engine.CmdConnect:
		return d.handleConnect(cmd)
	case engine.CmdClose:
		return d.handleClose(cmd)
	case engine.CmdGetMeta:
		return d.handleGetMeta(cmd)
	default:
		return engine.CommandReply{Err: vtxerr.New(vtxerr.KindConfig, "unknown control command")}
	}
}

func (d *Driver) lookup(v *vocket.Vocket) (*entry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.vockets[v.Handle.String()]
	return e, ok
}

func (d *Driver) handleBind(cmd engine.Command) engine.CommandReply {
	e, ok := d.lookup(cmd.Vocket)
	if !ok {
		return engine.CommandReply{Err: vtxerr.New(vtxerr.KindConfig, "unknown vocket")}
	}
	if e.conn != nil {
		return engine.CommandReply{Err: vtxerr.ErrSocketBound}
	}
	host, err := vtxaddr.ResolveWildcard(cmd.Endpoint.Host, false, d.resolver)
	if err != nil {
		return engine.CommandReply{Err: err}
	}
	addr := &net.UDPAddr{IP: net.ParseIP(host), Port: cmd.Endpoint.Port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return engine.CommandReply{Err: vtxerr.Wrap(vtxerr.KindTransientIO, err, "listen udp")}
	}
	d.attachConn(e, conn)
	return engine.CommandReply{}
}

func (d *Driver) handleConnect(cmd engine.Command) engine.CommandReply {
	e, ok := d.lookup(cmd.Vocket)
	if !ok {
		return engine.CommandReply{Err: vtxerr.New(vtxerr.KindConfig, "unknown vocket")}
	}
	if e.conn == nil {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
		if err != nil {
			return engine.CommandReply{Err: vtxerr.Wrap(vtxerr.KindTransientIO, err, "ephemeral listen udp")}
		}
		d.attachConn(e, conn)
	}

	host, err := vtxaddr.ResolveWildcard(cmd.Endpoint.Host, true, d.resolver)
	if err != nil {
		return engine.CommandReply{Err: err}
	}
	key := vtxaddr.Key(host, cmd.Endpoint.Port)

	p, action := peering.New(key, true, cmd.Endpoint.Wildcard, d.cfg, time.Now())
	if err := e.v.AddPeering(p); err != nil {
		return engine.CommandReply{Err: err}
	}
	d.applyAction(e, p, action)
	return engine.CommandReply{}
}

func (d *Driver) handleClose(cmd engine.Command) engine.CommandReply {
	d.mu.Lock()
	e, ok := d.vockets[cmd.Vocket.Handle.String()]
	if ok {
		delete(d.vockets, cmd.Vocket.Handle.String())
	}
	d.mu.Unlock()
	if !ok {
		return engine.CommandReply{Err: vtxerr.New(vtxerr.KindConfig, "unknown vocket")}
	}
	if e.binding != nil {
		d.reactor.Unregister("net:" + cmd.Vocket.Handle.String())
		_ = e.binding.Close()
	}
	e.v.Close()
	return engine.CommandReply{}
}

func (d *Driver) handleGetMeta(cmd engine.Command) engine.CommandReply {
	e, ok := d.lookup(cmd.Vocket)
	if !ok {
		return engine.CommandReply{Err: vtxerr.New(vtxerr.KindConfig, "unknown vocket")}
	}
	switch cmd.MetaKey {
	case "sender":
		d.mu.Lock()
		sender := e.lastSender
		d.mu.Unlock()
		return engine.CommandReply{MetaValue: sender, MetaOK: sender != ""}
	case "local":
		d.mu.Lock()
		local := e.localKey
		d.mu.Unlock()
		return engine.CommandReply{MetaValue: local, MetaOK: local != ""}
	default:
		return engine.CommandReply{MetaOK: false}
	}
}

func (d *Driver) attachConn(e *entry, conn *net.UDPConn) {
	e.conn = conn
	if local, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		e.localKey = vtxaddr.KeyFromUDPAddr(local)
	}
	e.binding = binding.New(e.localKey, conn)
	src := &networkSource{conn: conn, key: e.v.Handle.String(), maxDatagram: d.maxDatagramSize()}
	d.reactor.Register("net:"+e.v.Handle.String(), src)
}

func (d *Driver) maxDatagramSize() int {
	if d.cfg.MaxDatagram <= 0 {
		return 512
	}
	return d.cfg.MaxDatagram
}

// applyAction performs the side-effecting send implied by a peering.Action.
func (d *Driver) applyAction(e *entry, p *peering.Peering, action peering.Action) {
	switch action {
	case peering.ActionSendOHAI:
		d.sendCommand(e, p.Key, nom1.CmdOHAI, p.Sequence, []byte(p.Key))
	case peering.ActionSendOHAIOK:
		d.sendCommand(e, p.Key, nom1.CmdOHAIOK, p.Sequence, p.EchoBody)
	case peering.ActionSendHUGZ:
		d.sendCommand(e, p.Key, nom1.CmdHUGZ, p.Sequence, nil)
	case peering.ActionRemove:
		e.v.RemovePeering(p.Key)
	}
}

func (d *Driver) sendCommand(e *entry, peerKey string, cmd nom1.Command, seq byte, body []byte) {
	if e.conn == nil {
		return
	}
	addr, err := net.ResolveUDPAddr("udp", peerKey)
	if err != nil {
		d.log.Warn("resolve peer address failed", "peer", peerKey, "err", err)
		return
	}
	datagram := nom1.Encode(nom1.Header{Version: nom1.Version, Command: cmd, Sequence: seq & 0x0F}, body)
	if _, err := e.conn.WriteToUDP(datagram, addr); err != nil {
		if d.met != nil {
			d.met.Errors.WithLabelValues("udp", "io").Inc()
		}
		d.log.Debug("write udp failed", "peer", peerKey, "err", err)
		return
	}
	if d.met != nil {
		d.met.Sends.WithLabelValues("udp").Inc()
	}
}

// inboundPacket is what a networkSource decodes off the wire and hands to
// the reactor; NOM-1 header parsing happens here in the single reactor
// goroutine, not in the reading goroutine, keeping all protocol state
// single-threaded (spec.md §5).
type inboundPacket struct {
	addr *net.UDPAddr
	data []byte
}

func (d *Driver) handleInbound(sourceKey string, pkt inboundPacket) {
	d.mu.Lock()
	e, ok := d.vockets[sourceKey]
	d.mu.Unlock()
	if !ok {
		return
	}

	header, body, err := nom1.Decode(pkt.data)
	if err != nil {
		if d.met != nil {
			d.met.Errors.WithLabelValues("udp", "protocol").Inc()
		}
		d.log.Debug("malformed or unsupported datagram dropped", "from", pkt.addr, "err", err)
		return
	}

	now := time.Now()
	peerKey := vtxaddr.KeyFromUDPAddr(pkt.addr)

	d.mu.Lock()
	e.lastSender = peerKey
	d.mu.Unlock()

	switch header.Command {
	case nom1.CmdOHAI:
		d.handleOhai(e, peerKey, now, body)
	case nom1.CmdOHAIOK:
		d.handleOhaiOk(e, peerKey, now, body)
	case nom1.CmdHUGZ, nom1.CmdHUGZOK:
		if p, ok := e.v.Peering(peerKey); ok {
			p.OnInbound(now)
		}
	case nom1.CmdNOM:
		if p, ok := e.v.Peering(peerKey); ok {
			p.OnInbound(now)
			if _, resend := e.v.DeliverInbound(peerKey, body, header.Sequence); resend != nil {
				d.sendCommand(e, peerKey, nom1.CmdNOM, header.Sequence, resend)
			}
		}
	case nom1.CmdROTFL:
		d.log.Warn("peer rejected us", "peer", peerKey, "reason", string(body))
	}

	if d.met != nil {
		d.met.Recvs.WithLabelValues("udp").Inc()
	}
}

func (d *Driver) handleOhai(e *entry, peerKey string, now time.Time, body []byte) {
	p, ok := e.v.Peering(peerKey)
	if !ok {
		var err error
		p, _ = peering.New(peerKey, false, false, d.cfg, now)
		if err = e.v.AddPeering(p); err != nil {
			d.sendRejection(e, peerKey, err)
			return
		}
	}
	action := p.OnOhaiReceived(now, body)
	d.applyAction(e, p, action)
}

func (d *Driver) handleOhaiOk(e *entry, peerKey string, now time.Time, echoedAddr []byte) {
	// An OHAI-OK is looked up by the address it echoes back (the address we
	// originally dialed), not by its source address: a broadcast-connected
	// peering is still keyed on the broadcast address until this very call
	// focuses it, so the packet's concrete source never matches an existing
	// key on the first reply.
	p, ok := e.v.Peering(string(echoedAddr))
	if !ok {
		d.log.Debug("ohai-ok echoes unknown address, dropping", "echoed", string(echoedAddr), "from", peerKey)
		return
	}
	wasLive := p.Alive()
	oldKey := p.Key
	focusedKey := p.OnOhaiOkReceived(now, string(echoedAddr), peerKey)
	if focusedKey != "" {
		e.v.RekeyPeering(oldKey, focusedKey, p)
	}
	if !wasLive {
		e.v.MarkLive(p.Key)
		d.reportLiveCount(e)
		for _, out := range e.v.DrainBacklog(p.Key) {
			d.sendCommand(e, out.PeeringKey, nom1.CmdNOM, p.Sequence, out.Body)
		}
	}
}

func (d *Driver) reportLiveCount(e *entry) {
	if d.met == nil {
		return
	}
	d.met.LivePeer.WithLabelValues("udp", e.v.Handle.String()).Set(float64(e.v.LiveCount()))
}

func (d *Driver) sendRejection(e *entry, peerKey string, err error) {
	d.sendCommand(e, peerKey, nom1.CmdROTFL, 0, []byte(err.Error()))
}

// sweep is the shared timer tick: advance every vocket's peerings and drain
// any pending outbound application messages (spec.md §4.6 sources 3 and 4).
func (d *Driver) sweep() {
	d.mu.Lock()
	entries := make([]*entry, 0, len(d.vockets))
	for _, e := range d.vockets {
		entries = append(entries, e)
	}
	d.mu.Unlock()

	now := time.Now()
	for _, e := range entries {
		d.sweepPeerings(e, now)
		d.drainOutbound(e)
	}
}

func (d *Driver) sweepPeerings(e *entry, now time.Time) {
	for _, key := range e.v.PeeringKeys() {
		p, ok := e.v.Peering(key)
		if !ok {
			continue
		}
		wasAlive := p.Alive()
		action := p.Tick(now)
		if wasAlive && !p.Alive() {
			e.v.MarkNotLive(key)
			d.reportLiveCount(e)
		}
		d.applyAction(e, p, action)

		if p.State == peering.StateSilent {
			if p.Outgoing {
				newKey, retryAction := p.OnSilentRetry(now)
				if newKey != key {
					e.v.RekeyPeering(key, newKey, p)
				}
				d.applyAction(e, p, retryAction)
			} else if action := p.OnSilentIncoming(); action == peering.ActionRemove {
				e.v.RemovePeering(key)
			}
		}
	}
}

func (d *Driver) drainOutbound(e *entry) {
	for {
		msg, ok := e.v.PollOutboundIfEnabled()
		if !ok {
			return
		}
		outs, err := e.v.RouteOutbound(msg)
		if err != nil {
			d.log.Debug("route outbound failed", "err", err)
			continue
		}
		for _, out := range outs {
			p, ok := e.v.Peering(out.PeeringKey)
			seq := byte(0)
			if ok {
				seq = p.Sequence
			}
			d.sendCommand(e, out.PeeringKey, nom1.CmdNOM, seq, out.Body)
		}
	}
}

// controlSource feeds the reactor from the driver's control channel.
type controlSource struct {
	ch chan controlRequest
}

func (s *controlSource) Run(ctx context.Context, out chan<- reactor.Event) {
	for {
		select {
		case req := <-s.ch:
			select {
			case out <- reactor.Event{Kind: reactor.KindControl, Source: "control", Payload: req}:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *controlSource) Close() error { return nil }

// networkSource reads datagrams off one vocket's UDP socket and feeds
// raw (undecoded) inboundPacket events, keyed by the owning vocket's handle.
type networkSource struct {
	conn        *net.UDPConn
	key         string
	maxDatagram int
}

func (s *networkSource) Run(ctx context.Context, out chan<- reactor.Event) {
	buf := make([]byte, s.maxDatagram)
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, addr, err := s.conn.ReadFromUDP(buf)
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case out <- reactor.Event{Kind: reactor.KindNetwork, Source: s.key, Payload: inboundPacket{addr: addr, data: data}}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *networkSource) Close() error {
	return s.conn.Close()
}
