// Package tcp implements the TCP driver (spec.md §4.1, §9 open question b):
// one reactor multiplexing the batching codec over a set of stream
// connections, the peering state machine, and the engine's control pipe,
// for every vocket bound or connected on scheme "tcp".
//
// Unlike the udp driver, there is no NOM-1 handshake here: a TCP peering
// becomes LIVE the instant its connection completes (Dial succeeds, or
// Accept hands us a conn), since the transport's own three-way handshake
// already establishes reachability. Liveness afterwards is read off the
// connection itself — PeerGoneError on EPIPE/ECONNRESET tears the peering
// down immediately (spec.md §7 "PeerGoneError") — with a HUGZ-equivalent
// empty-body frame standing in for NOM-1's heartbeat so an idle peering
// doesn't time out while the socket is still healthy.
//
// Author: momentics <momentics@gmail.com>
//
// Grounded on the teacher's reactor/epoll_reactor.go dispatch loop
// (generalized in package reactor, as in driver/udp) and on
// core/protocol/frame_codec.go's read-then-decode loop, adapted here to
// drive codec.Codec per connection instead of a single WebSocket frame
// buffer.
package tcp

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/momentics/vtx/binding"
	"github.com/momentics/vtx/codec"
	"github.com/momentics/vtx/engine"
	"github.com/momentics/vtx/peering"
	"github.com/momentics/vtx/reactor"
	"github.com/momentics/vtx/vocket"
	"github.com/momentics/vtx/vtxaddr"
	"github.com/momentics/vtx/vtxbuf"
	"github.com/momentics/vtx/vtxconfig"
	"github.com/momentics/vtx/vtxerr"
	"github.com/momentics/vtx/vtxlog"
	"github.com/momentics/vtx/vtxmetrics"
)

// controlRequest pairs one engine.Command with the channel its issuer
// blocks on, same shape as driver/udp's.
type controlRequest struct {
	cmd   engine.Command
	reply chan engine.CommandReply
}

// tcpPeer is one live stream connection plus its per-direction codec.
type tcpPeer struct {
	conn net.Conn
	out  *codec.Codec
	in   *codec.Codec

	pending []byte // partial message accumulated across more=true frames
}

// entry is everything the driver keeps about one vocket.
type entry struct {
	v           *vocket.Vocket
	listener    net.Listener
	listenerBnd *binding.Binding // owns listener's lifecycle (spec.md §3, C5)
	localKey    string

	peers map[string]*tcpPeer // keyed by peering key (remote "host:port")
}

// Driver is the TCP scheme driver.
type Driver struct {
	cfg vtxconfig.DriverConfig
	met *vtxmetrics.Registry
	log *slog.Logger

	reactor *reactor.Reactor
	control chan controlRequest

	mu      sync.Mutex
	vockets map[string]*entry // keyed by vocket.Handle.String()
}

// New constructs a TCP driver.
func New(cfg vtxconfig.DriverConfig, met *vtxmetrics.Registry) *Driver {
	return &Driver{
		cfg:     cfg,
		met:     met,
		log:     vtxlog.ForScheme("driver", "tcp"),
		control: make(chan controlRequest, 64),
		vockets: make(map[string]*entry),
	}
}

func (d *Driver) Scheme() string { return "tcp" }

// NewVocket creates a vocket of kind and tracks it under the driver.
func (d *Driver) NewVocket(kind vocket.Kind) (*vocket.Vocket, error) {
	v, err := vocket.New(kind, "tcp", d.cfg, d.met)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.vockets[v.Handle.String()] = &entry{v: v, peers: make(map[string]*tcpPeer)}
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
// and a timer source sweeping peering liveness and application pipes.
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

// Close tears down every vocket's listener and connections.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, e := range d.vockets {
		if e.listenerBnd != nil {
			_ = e.listenerBnd.Close()
		}
		for _, p := range e.peers {
			_ = p.conn.Close()
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
		switch p := ev.Payload.(type) {
		case acceptedConn:
			d.handleAccepted(p.handle, p.conn)
		case tcpData:
			d.handleData(p.handle, p.peerKey, p.data)
		case tcpClosed:
			d.handleClosed(p.handle, p.peerKey, p.err)
		}
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
	if e.listener != nil {
		return engine.CommandReply{Err: vtxerr.ErrSocketBound}
	}
	host, err := vtxaddr.ResolveWildcard(cmd.Endpoint.Host, false, nil)
	if err != nil {
		return engine.CommandReply{Err: err}
	}
	addr := net.JoinHostPort(host, portString(cmd.Endpoint.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return engine.CommandReply{Err: vtxerr.Wrap(vtxerr.KindTransientIO, err, "listen tcp")}
	}
	e.listener = ln
	e.listenerBnd = binding.New(e.v.Handle.String(), ln)
	if local, ok := ln.Addr().(*net.TCPAddr); ok {
		e.localKey = vtxaddr.KeyFromTCPAddr(local)
	}
	d.reactor.Register("accept:"+e.v.Handle.String(), &acceptSource{listener: ln, handle: e.v.Handle.String()})
	return engine.CommandReply{}
}

func (d *Driver) handleConnect(cmd engine.Command) engine.CommandReply {
	e, ok := d.lookup(cmd.Vocket)
	if !ok {
		return engine.CommandReply{Err: vtxerr.New(vtxerr.KindConfig, "unknown vocket")}
	}
	addr := net.JoinHostPort(cmd.Endpoint.Host, portString(cmd.Endpoint.Port))
	conn, err := net.DialTimeout("tcp", addr, d.dialTimeout())
	if err != nil {
		return engine.CommandReply{Err: vtxerr.Wrap(vtxerr.KindTransientIO, err, "dial tcp")}
	}
	peerKey := vtxaddr.Key(cmd.Endpoint.Host, cmd.Endpoint.Port)
	if err := d.attachPeer(e, peerKey, conn, true); err != nil {
		_ = conn.Close()
		return engine.CommandReply{Err: err}
	}
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
	if e.listenerBnd != nil {
		d.reactor.Unregister("accept:" + cmd.Vocket.Handle.String())
		_ = e.listenerBnd.Close()
	}
	for key, p := range e.peers {
		d.reactor.Unregister("conn:" + cmd.Vocket.Handle.String() + ":" + key)
		_ = p.conn.Close()
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
	case "local":
		d.mu.Lock()
		local := e.localKey
		d.mu.Unlock()
		return engine.CommandReply{MetaValue: local, MetaOK: local != ""}
	default:
		return engine.CommandReply{MetaOK: false}
	}
}

func (d *Driver) dialTimeout() time.Duration {
	if d.cfg.Timeout <= 0 {
		return 10 * time.Second
	}
	return d.cfg.Timeout
}

func (d *Driver) ringSizes() (batches, bytes_, vsm int) {
	batches, bytes_, vsm = d.cfg.RingBatches, d.cfg.RingBytes, d.cfg.VSMCutoff
	if batches <= 0 {
		batches = 256
	}
	if bytes_ <= 0 {
		bytes_ = 64 * 1024
	}
	if vsm <= 0 {
		vsm = 64
	}
	return
}

// attachPeer registers a new, immediately-LIVE peering: the TCP handshake
// that produced conn already proves reachability, so there is no NOM-1
// OHAI/OHAI-OK exchange to wait for (spec.md §9 open question b).
func (d *Driver) attachPeer(e *entry, peerKey string, conn net.Conn, outgoing bool) error {
	now := time.Now()
	p, _ := peering.New(peerKey, outgoing, false, d.cfg, now)
	p.OnOhaiOkReceived(now, peerKey, peerKey)
	if err := e.v.AddPeering(p); err != nil {
		return err
	}

	batches, bytes_, vsm := d.ringSizes()
	tp := &tcpPeer{
		conn: conn,
		out:  codec.New(batches, bytes_, vsm),
		in:   codec.New(batches, bytes_, vsm),
	}
	d.mu.Lock()
	e.peers[peerKey] = tp
	d.mu.Unlock()

	e.v.MarkLive(peerKey)
	d.reportLiveCount(e)

	d.reactor.Register("conn:"+e.v.Handle.String()+":"+peerKey, &connSource{
		conn: conn, handle: e.v.Handle.String(), peerKey: peerKey,
	})

	for _, out := range e.v.DrainBacklog(peerKey) {
		if err := tp.out.Put(vtxbuf.Buffer{Data: out.Body}, false); err == nil {
			d.flush(e, peerKey, tp)
		}
	}
	return nil
}

func (d *Driver) handleAccepted(handle string, conn net.Conn) {
	d.mu.Lock()
	e, ok := d.vockets[handle]
	d.mu.Unlock()
	if !ok {
		_ = conn.Close()
		return
	}
	peerKey := vtxaddr.KeyFromTCPAddr(conn.RemoteAddr().(*net.TCPAddr))
	if err := d.attachPeer(e, peerKey, conn, false); err != nil {
		d.log.Debug("reject inbound connection", "peer", peerKey, "err", err)
		_ = conn.Close()
	}
}

func (d *Driver) handleData(handle, peerKey string, data []byte) {
	d.mu.Lock()
	e, eok := d.vockets[handle]
	d.mu.Unlock()
	if !eok {
		return
	}
	d.mu.Lock()
	tp, pok := e.peers[peerKey]
	d.mu.Unlock()
	if !pok {
		return
	}

	if _, err := tp.in.BinPut(data); err != nil {
		d.teardownPeer(e, peerKey, vtxerr.Wrap(vtxerr.KindProtocol, err, "inbound codec exhausted"))
		return
	}

	p, ok := e.v.Peering(peerKey)
	now := time.Now()
	for {
		body, more, ok2, err := tp.in.Get()
		if err != nil {
			d.teardownPeer(e, peerKey, vtxerr.Wrap(vtxerr.KindProtocol, err, "malformed tcp frame"))
			return
		}
		if !ok2 {
			break
		}
		if ok {
			p.OnInbound(now)
		}
		if more {
			tp.pending = append(tp.pending, body...)
			continue
		}
		full := body
		if len(tp.pending) > 0 {
			full = append(tp.pending, body...)
			tp.pending = nil
		}
		if len(full) == 0 {
			continue // empty frame is a HUGZ-equivalent heartbeat, not an app message
		}
		if _, resend := e.v.DeliverInbound(peerKey, full, 0); resend != nil {
			if err := tp.out.Put(vtxbuf.Buffer{Data: resend}, false); err == nil {
				d.flush(e, peerKey, tp)
			}
		}
	}

	if d.met != nil {
		d.met.Recvs.WithLabelValues("tcp").Inc()
	}
}

func (d *Driver) handleClosed(handle, peerKey string, err error) {
	d.mu.Lock()
	e, ok := d.vockets[handle]
	d.mu.Unlock()
	if !ok {
		return
	}
	d.teardownPeer(e, peerKey, vtxerr.Wrap(vtxerr.KindPeerGone, err, "connection closed"))
}

// teardownPeer implements spec.md §7's PeerGoneError handling: the peering
// is torn down and the vocket's routing list updated.
func (d *Driver) teardownPeer(e *entry, peerKey string, cause error) {
	d.mu.Lock()
	tp, ok := e.peers[peerKey]
	if ok {
		delete(e.peers, peerKey)
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	d.reactor.Unregister("conn:" + e.v.Handle.String() + ":" + peerKey)
	_ = tp.conn.Close()
	wasLive := false
	if p, ok := e.v.Peering(peerKey); ok {
		wasLive = p.Alive()
	}
	e.v.RemovePeering(peerKey)
	if wasLive {
		d.reportLiveCount(e)
	}
	if d.met != nil {
		d.met.Errors.WithLabelValues("tcp", "peer_gone").Inc()
	}
	d.log.Debug("peering torn down", "peer", peerKey, "err", cause)
}

func (d *Driver) reportLiveCount(e *entry) {
	if d.met == nil {
		return
	}
	d.met.LivePeer.WithLabelValues("tcp", e.v.Handle.String()).Set(float64(e.v.LiveCount()))
}

// sweep advances every vocket's peerings (HUGZ heartbeats while idle-LIVE,
// SILENT/DEAD timeouts on a truly stuck connection) and flushes any pending
// outbound application messages.
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
			d.teardownPeer(e, key, vtxerr.New(vtxerr.KindPeerGone, "liveness timeout"))
			continue
		}
		if action == peering.ActionSendHUGZ {
			d.sendHeartbeat(e, key)
		}
	}
}

// sendHeartbeat writes a zero-length frame through the codec, the TCP
// driver's stand-in for NOM-1's HUGZ: it resets the peer's read-side
// liveness clock without carrying an application payload.
func (d *Driver) sendHeartbeat(e *entry, peerKey string) {
	d.mu.Lock()
	tp, ok := e.peers[peerKey]
	d.mu.Unlock()
	if !ok {
		return
	}
	if err := tp.out.Put(vtxbuf.Buffer{}, false); err != nil {
		return
	}
	d.flush(e, peerKey, tp)
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
			d.mu.Lock()
			tp, ok := e.peers[out.PeeringKey]
			d.mu.Unlock()
			if !ok {
				continue
			}
			if err := tp.out.Put(vtxbuf.Buffer{Data: out.Body}, false); err != nil {
				if d.met != nil {
					d.met.Errors.WithLabelValues("tcp", "io").Inc()
				}
				continue
			}
			d.flush(e, out.PeeringKey, tp)
		}
	}
}

// flush writes every currently-ready chunk of tp's outbound codec to its
// connection. A write timeout leaves the remainder queued for the next
// call; any other error tears the peering down as peer-gone.
func (d *Driver) flush(e *entry, peerKey string, tp *tcpPeer) {
	for {
		chunk, ok := tp.out.BinGet()
		if !ok {
			return
		}
		_ = tp.conn.SetWriteDeadline(time.Now().Add(200 * time.Millisecond))
		n, err := tp.conn.Write(chunk)
		if n > 0 {
			tp.out.BinTick(n)
			if d.met != nil {
				d.met.Sends.WithLabelValues("tcp").Inc()
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return
			}
			d.teardownPeer(e, peerKey, vtxerr.Wrap(vtxerr.KindPeerGone, err, "write tcp"))
			return
		}
	}
}

func portString(port int) string {
	return strconv.Itoa(port)
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

type acceptedConn struct {
	handle string
	conn   net.Conn
}

// acceptSource loops Accept() on one vocket's listener, handing each new
// connection to the reactor as an acceptedConn event.
type acceptSource struct {
	listener net.Listener
	handle   string
}

func (s *acceptSource) Run(ctx context.Context, out chan<- reactor.Event) {
	for {
		conn, err := s.listener.Accept()
		select {
		case <-ctx.Done():
			if conn != nil {
				_ = conn.Close()
			}
			return
		default:
		}
		if err != nil {
			return
		}
		select {
		case out <- reactor.Event{Kind: reactor.KindNetwork, Source: s.handle, Payload: acceptedConn{handle: s.handle, conn: conn}}:
		case <-ctx.Done():
			_ = conn.Close()
			return
		}
	}
}

func (s *acceptSource) Close() error { return s.listener.Close() }

type tcpData struct {
	handle  string
	peerKey string
	data    []byte
}

type tcpClosed struct {
	handle  string
	peerKey string
	err     error
}

// connSource reads raw bytes off one peering's connection and feeds the
// reactor tcpData/tcpClosed events; frame decoding happens in the single
// reactor goroutine via the peer's codec, keeping all protocol state
// single-threaded (spec.md §5).
type connSource struct {
	conn    net.Conn
	handle  string
	peerKey string
}

func (s *connSource) Run(ctx context.Context, out chan<- reactor.Event) {
	buf := make([]byte, 4096)
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, err := s.conn.Read(buf)
		select {
		case <-ctx.Done():
			return
		default:
		}
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case out <- reactor.Event{Kind: reactor.KindNetwork, Source: s.handle, Payload: tcpData{handle: s.handle, peerKey: s.peerKey, data: data}}:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case out <- reactor.Event{Kind: reactor.KindNetwork, Source: s.handle, Payload: tcpClosed{handle: s.handle, peerKey: s.peerKey, err: err}}:
			case <-ctx.Done():
			}
			return
		}
	}
}

func (s *connSource) Close() error { return s.conn.Close() }
