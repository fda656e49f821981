package tcp

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

func bindCmd(v *vocket.Vocket, host string, port int) engine.Command {
	return engine.Command{Kind: engine.CmdBind, Vocket: v, Endpoint: vtxaddr.Endpoint{Scheme: "tcp", Host: host, Port: port}}
}

func connectCmd(v *vocket.Vocket, host, portStr string) engine.Command {
	port, _ := strconv.Atoi(portStr)
	return engine.Command{Kind: engine.CmdConnect, Vocket: v, Endpoint: vtxaddr.Endpoint{Scheme: "tcp", Host: host, Port: port}}
}

func metaCmd(v *vocket.Vocket, key string) engine.Command {
	return engine.Command{Kind: engine.CmdGetMeta, Vocket: v, MetaKey: key}
}

func fastConfig() vtxconfig.DriverConfig {
	cfg := vtxconfig.DefaultTCPConfig()
	cfg.Timeout = 2 * time.Second
	cfg.OhaiInterval = 50 * time.Millisecond
	return cfg
}

func TestPushPullOverLoopback(t *testing.T) {
	cfg := fastConfig()

	pullDriver := New(cfg, nil)
	pushDriver := New(cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := pullDriver.Start(ctx); err != nil {
		t.Fatalf("pullDriver.Start: %v", err)
	}
	if err := pushDriver.Start(ctx); err != nil {
		t.Fatalf("pushDriver.Start: %v", err)
	}
	defer pullDriver.Close()
	defer pushDriver.Close()

	pullV, err := pullDriver.NewVocket(vocket.KindPull)
	if err != nil {
		t.Fatalf("NewVocket(PULL): %v", err)
	}
	if _, err := pullDriver.Submit(ctx, bindCmd(pullV, "127.0.0.1", 0)); err != nil {
		t.Fatalf("submit bind: %v", err)
	}

	metaReply, err := pullDriver.Submit(ctx, metaCmd(pullV, "local"))
	if err != nil || !metaReply.MetaOK {
		t.Fatalf("getmeta(local) failed: reply=%v err=%v", metaReply, err)
	}
	_, portStr, err := net.SplitHostPort(metaReply.MetaValue)
	if err != nil {
		t.Fatalf("split host port %q: %v", metaReply.MetaValue, err)
	}

	pushV, err := pushDriver.NewVocket(vocket.KindPush)
	if err != nil {
		t.Fatalf("NewVocket(PUSH): %v", err)
	}
	if _, err := pushDriver.Submit(ctx, connectCmd(pushV, "127.0.0.1", portStr)); err != nil {
		t.Fatalf("submit connect: %v", err)
	}

	// PUSH requires a live peering before it will poll the pipe; give the
	// accept+attach path a moment to run on the reactor goroutine.
	deadline := time.Now().Add(2 * time.Second)
	for pushV.LiveCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if pushV.LiveCount() == 0 {
		t.Fatalf("PUSH side never reached live")
	}

	if err := pushV.Send(ctx, []byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	recvCtx, recvCancel := context.WithTimeout(ctx, 3*time.Second)
	defer recvCancel()
	msg, err := pullV.Recv(recvCtx)
	if err != nil || string(msg) != "hello" {
		t.Fatalf("PULL side Recv: body=%q err=%v", msg, err)
	}
}

func TestPeerGoneTearsDownOnClose(t *testing.T) {
	cfg := fastConfig()
	d1 := New(cfg, nil)
	d2 := New(cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d1.Start(ctx); err != nil {
		t.Fatalf("d1.Start: %v", err)
	}
	if err := d2.Start(ctx); err != nil {
		t.Fatalf("d2.Start: %v", err)
	}
	defer d1.Close()
	defer d2.Close()

	pairA, err := d1.NewVocket(vocket.KindPair)
	if err != nil {
		t.Fatalf("NewVocket(PAIR a): %v", err)
	}
	if _, err := d1.Submit(ctx, bindCmd(pairA, "127.0.0.1", 0)); err != nil {
		t.Fatalf("submit bind: %v", err)
	}
	metaReply, err := d1.Submit(ctx, metaCmd(pairA, "local"))
	if err != nil || !metaReply.MetaOK {
		t.Fatalf("getmeta(local) failed: reply=%v err=%v", metaReply, err)
	}
	_, portStr, _ := net.SplitHostPort(metaReply.MetaValue)

	pairB, err := d2.NewVocket(vocket.KindPair)
	if err != nil {
		t.Fatalf("NewVocket(PAIR b): %v", err)
	}
	if _, err := d2.Submit(ctx, connectCmd(pairB, "127.0.0.1", portStr)); err != nil {
		t.Fatalf("submit connect: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for pairA.LiveCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if pairA.LiveCount() == 0 {
		t.Fatalf("accepted PAIR side never reached live")
	}

	if _, err := d2.Submit(ctx, engine.Command{Kind: engine.CmdClose, Vocket: pairB}); err != nil {
		t.Fatalf("submit close: %v", err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for pairA.LiveCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if pairA.LiveCount() != 0 {
		t.Fatalf("expected accepting side to detect peer gone and drop to 0 live peerings, got %d", pairA.LiveCount())
	}
}
