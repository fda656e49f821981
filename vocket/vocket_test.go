package vocket

import (
	"context"
	"testing"
	"time"

	"github.com/momentics/vtx/peering"
	"github.com/momentics/vtx/vtxconfig"
)

func testCfg() vtxconfig.DriverConfig {
	return vtxconfig.DefaultUDPConfig()
}

func liveUp(t *testing.T, v *Vocket, key string, outgoing bool) *peering.Peering {
	t.Helper()
	now := time.Now()
	p, _ := peering.New(key, outgoing, false, testCfg(), now)
	if err := v.AddPeering(p); err != nil {
		t.Fatalf("AddPeering: %v", err)
	}
	p.OnOhaiOkReceived(now, key, key)
	v.MarkLive(key)
	return p
}

func TestRequestRejectsSendWithoutRecvThenDelivers(t *testing.T) {
	req, err := New(KindRequest, "udp", testCfg(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	liveUp(t, req, "10.0.0.1:1", true)

	outs, err := req.RouteOutbound([]byte("hello"))
	if err != nil || len(outs) != 1 {
		t.Fatalf("RouteOutbound: outs=%v err=%v", outs, err)
	}

	// A second send before a reply arrives must fail (send without recv).
	if _, err := req.RouteOutbound([]byte("again")); err == nil {
		t.Fatalf("expected send-without-recv error")
	}

	if delivered, _ := req.DeliverInbound(outs[0].PeeringKey, []byte("world"), 1); !delivered {
		t.Fatalf("expected inbound delivery to succeed")
	}
	got, err := req.Recv(context.Background())
	if err != nil || string(got) != "world" {
		t.Fatalf("Recv: got=%q err=%v", got, err)
	}
}

func TestReplyUsesReplyToAndClearsIt(t *testing.T) {
	rep, err := New(KindReply, "udp", testCfg(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	liveUp(t, rep, "10.0.0.2:1", false)

	if delivered, _ := rep.DeliverInbound("10.0.0.2:1", []byte("req"), 3); !delivered {
		t.Fatalf("expected request delivery to succeed")
	}
	outs, err := rep.RouteOutbound([]byte("resp"))
	if err != nil || len(outs) != 1 || outs[0].PeeringKey != "10.0.0.2:1" {
		t.Fatalf("RouteOutbound: outs=%v err=%v", outs, err)
	}
	if _, err := rep.RouteOutbound([]byte("resp2")); err == nil {
		t.Fatalf("expected error: no pending request after reply_to cleared")
	}
}

func TestReplyResendsCachedReplyOnDuplicateRequest(t *testing.T) {
	rep, err := New(KindReply, "udp", testCfg(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	liveUp(t, rep, "10.0.0.11:1", false)

	if delivered, resend := rep.DeliverInbound("10.0.0.11:1", []byte("req"), 5); !delivered || resend != nil {
		t.Fatalf("expected first request delivered with no resend, got delivered=%v resend=%v", delivered, resend)
	}
	outs, err := rep.RouteOutbound([]byte("resp"))
	if err != nil || len(outs) != 1 {
		t.Fatalf("RouteOutbound: outs=%v err=%v", outs, err)
	}

	// A retransmitted request with the same sequence must not reach the
	// application a second time; it must instead yield the cached reply
	// for the driver to resend on the wire (spec.md §4.4, §8 REQ/REP
	// idempotence).
	delivered, resend := rep.DeliverInbound("10.0.0.11:1", []byte("req"), 5)
	if !delivered {
		t.Fatalf("expected duplicate request to be acknowledged as delivered")
	}
	if string(resend) != "resp" {
		t.Fatalf("expected cached reply %q to be resent, got %q", "resp", resend)
	}
}

func TestPublishFansOutToAllLive(t *testing.T) {
	pub, err := New(KindPublish, "udp", testCfg(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	liveUp(t, pub, "10.0.0.3:1", true)
	liveUp(t, pub, "10.0.0.4:1", true)

	outs, err := pub.RouteOutbound([]byte("evt"))
	if err != nil || len(outs) != 2 {
		t.Fatalf("expected fan-out to 2 peers, got %v err=%v", outs, err)
	}
}

func TestPublishQueuesForNotYetLiveSubscriberAndDrainsOnLive(t *testing.T) {
	pub, err := New(KindPublish, "udp", testCfg(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	now := time.Now()
	slow, _ := peering.New("10.0.0.10:1", false, false, testCfg(), now)
	if err := pub.AddPeering(slow); err != nil {
		t.Fatalf("AddPeering: %v", err)
	}

	outs, err := pub.RouteOutbound([]byte("evt1"))
	if err != nil || len(outs) != 0 {
		t.Fatalf("expected no immediate delivery to a not-yet-live subscriber, got %v err=%v", outs, err)
	}
	if _, err := pub.RouteOutbound([]byte("evt2")); err != nil {
		t.Fatalf("RouteOutbound: %v", err)
	}

	slow.OnOhaiOkReceived(now, slow.Key, slow.Key)
	pub.MarkLive(slow.Key)

	drained := pub.DrainBacklog(slow.Key)
	if len(drained) != 2 || string(drained[0].Body) != "evt1" || string(drained[1].Body) != "evt2" {
		t.Fatalf("expected both backlogged events in order, got %+v", drained)
	}
	if more := pub.DrainBacklog(slow.Key); len(more) != 0 {
		t.Fatalf("expected backlog empty after drain, got %+v", more)
	}
}

func TestRouterLooksUpByIdentity(t *testing.T) {
	rtr, err := New(KindRouter, "udp", testCfg(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	liveUp(t, rtr, "10.0.0.5:1", false)

	msg := append([]byte("10.0.0.5:1\x00"), []byte("payload")...)
	outs, err := rtr.RouteOutbound(msg)
	if err != nil || len(outs) != 1 || string(outs[0].Body) != "payload" {
		t.Fatalf("RouteOutbound: outs=%v err=%v", outs, err)
	}

	ok, _ := rtr.DeliverInbound("10.0.0.5:1", []byte("reply"), 0)
	if !ok {
		t.Fatalf("expected router inbound delivery to succeed")
	}
	framed, err := rtr.Recv(context.Background())
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	want := "udp://10.0.0.5:1\x00reply"
	if string(framed) != want {
		t.Fatalf("framed = %q, want %q", framed, want)
	}
}

func TestPairRequiresExactlyOnePeering(t *testing.T) {
	pair, err := New(KindPair, "udp", testCfg(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := pair.RouteOutbound([]byte("x")); err == nil {
		t.Fatalf("expected error with zero peerings")
	}
	liveUp(t, pair, "10.0.0.6:1", true)
	outs, err := pair.RouteOutbound([]byte("x"))
	if err != nil || len(outs) != 1 {
		t.Fatalf("RouteOutbound: outs=%v err=%v", outs, err)
	}
}

func TestPollBackpressureRespectsMinPeerings(t *testing.T) {
	req, err := New(KindRequest, "udp", testCfg(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := req.Pipe.Send(context.Background(), []byte("queued")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, ok := req.PollOutboundIfEnabled(); ok {
		t.Fatalf("expected polling disabled with zero live peerings (min_peerings=1)")
	}
	liveUp(t, req, "10.0.0.7:1", true)
	msg, ok := req.PollOutboundIfEnabled()
	if !ok || string(msg) != "queued" {
		t.Fatalf("expected polling enabled once min_peerings satisfied, got ok=%v msg=%q", ok, msg)
	}
}

func TestMaxPeeringsEnforced(t *testing.T) {
	pair, err := New(KindPair, "udp", testCfg(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	now := time.Now()
	p1, _ := peering.New("10.0.0.8:1", true, false, testCfg(), now)
	if err := pair.AddPeering(p1); err != nil {
		t.Fatalf("first AddPeering should succeed: %v", err)
	}
	p2, _ := peering.New("10.0.0.9:1", true, false, testCfg(), now)
	if err := pair.AddPeering(p2); err == nil {
		t.Fatalf("expected max_peerings=1 to reject a second peering")
	}
}
