package udp

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/momentics/vtx/engine"
	"github.com/momentics/vtx/vocket"
	"github.com/momentics/vtx/vtxaddr"
	"github.com/momentics/vtx/vtxconfig"
)

func bindCmd(v *vocket.Vocket, scheme, host string, port int) engine.Command {
	return engine.Command{Kind: engine.CmdBind, Vocket: v, Endpoint: vtxaddr.Endpoint{Scheme: scheme, Host: host, Port: port, Wildcard: host == "*"}}
}

func connectCmd(v *vocket.Vocket, scheme, host, portStr string) engine.Command {
	port, _ := strconv.Atoi(portStr)
	return engine.Command{Kind: engine.CmdConnect, Vocket: v, Endpoint: vtxaddr.Endpoint{Scheme: scheme, Host: host, Port: port, Wildcard: host == "*"}}
}

func metaCmd(v *vocket.Vocket, key string) engine.Command {
	return engine.Command{Kind: engine.CmdGetMeta, Vocket: v, MetaKey: key}
}

// loopbackResolver always reports 127.255.255.255 so broadcast-dependent
// tests don't depend on the host's real network interfaces.
type loopbackResolver struct{}

func (loopbackResolver) ResolveBroadcast() (net.IP, error) {
	return net.ParseIP("127.255.255.255"), nil
}

func fastConfig() vtxconfig.DriverConfig {
	cfg := vtxconfig.DefaultUDPConfig()
	cfg.Timeout = 2 * time.Second
	cfg.OhaiInterval = 50 * time.Millisecond
	return cfg
}

func TestRequestReplyOverLoopback(t *testing.T) {
	cfg := fastConfig()

	repDriver := New(cfg, nil, loopbackResolver{})
	reqDriver := New(cfg, nil, loopbackResolver{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := repDriver.Start(ctx); err != nil {
		t.Fatalf("repDriver.Start: %v", err)
	}
	if err := reqDriver.Start(ctx); err != nil {
		t.Fatalf("reqDriver.Start: %v", err)
	}
	defer repDriver.Close()
	defer reqDriver.Close()

	repV, err := repDriver.NewVocket(vocket.KindReply)
	if err != nil {
		t.Fatalf("NewVocket(REPLY): %v", err)
	}
	reply, err := repDriver.Submit(ctx, bindCmd(repV, "udp", "127.0.0.1", 0))
	_ = reply
	if err != nil {
		t.Fatalf("submit bind: %v", err)
	}

	// Discover the ephemeral port we actually bound.
	metaReply, err := repDriver.Submit(ctx, metaCmd(repV, "local"))
	if err != nil || !metaReply.MetaOK {
		t.Fatalf("getmeta(local) failed: reply=%v err=%v", metaReply, err)
	}
	_, portStr, err := net.SplitHostPort(metaReply.MetaValue)
	if err != nil {
		t.Fatalf("split host port %q: %v", metaReply.MetaValue, err)
	}

	reqV, err := reqDriver.NewVocket(vocket.KindRequest)
	if err != nil {
		t.Fatalf("NewVocket(REQUEST): %v", err)
	}
	if _, err := reqDriver.Submit(ctx, connectCmd(reqV, "udp", "127.0.0.1", portStr)); err != nil {
		t.Fatalf("submit connect: %v", err)
	}

	if err := reqV.Send(ctx, []byte("ping")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	repCtx, repCancel := context.WithTimeout(ctx, 3*time.Second)
	defer repCancel()
	req, err := repV.Recv(repCtx)
	if err != nil || string(req) != "ping" {
		t.Fatalf("REPLY side Recv: body=%q err=%v", req, err)
	}
	if err := repV.Send(ctx, []byte("pong")); err != nil {
		t.Fatalf("REPLY side Send: %v", err)
	}

	reqCtx, reqCancel := context.WithTimeout(ctx, 3*time.Second)
	defer reqCancel()
	resp, err := reqV.Recv(reqCtx)
	if err != nil || string(resp) != "pong" {
		t.Fatalf("REQUEST side Recv: body=%q err=%v", resp, err)
	}
}
