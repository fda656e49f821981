package peering

import (
	"testing"
	"time"

	"github.com/momentics/vtx/vtxconfig"
)

func testConfig() vtxconfig.DriverConfig {
	return vtxconfig.DriverConfig{
		Timeout:      10 * time.Second,
		OhaiInterval: 1 * time.Second,
	}
}

func TestBroadcastFocusing(t *testing.T) {
	now := time.Now()
	p, action := New("255.255.255.255:32000", true, true, testConfig(), now)
	if action != ActionSendOHAI {
		t.Fatalf("expected ActionSendOHAI on outgoing creation, got %v", action)
	}
	if p.State != StateConnecting {
		t.Fatalf("expected CONNECTING after creation, got %v", p.State)
	}

	focusedKey := p.OnOhaiOkReceived(now, "255.255.255.255:32000", "10.0.0.2:32000")
	if focusedKey != "10.0.0.2:32000" {
		t.Fatalf("expected focus to 10.0.0.2:32000, got %q", focusedKey)
	}
	if p.State != StateLive {
		t.Fatalf("expected LIVE after OHAI-OK, got %v", p.State)
	}
	if p.Key != p.Remote || p.Key != "10.0.0.2:32000" {
		t.Fatalf("peering key invariant violated: Key=%q Remote=%q", p.Key, p.Remote)
	}

	// Silence past expiry drops to SILENT.
	later := p.Expiry.Add(time.Millisecond)
	action = p.Tick(later)
	if p.State != StateSilent {
		t.Fatalf("expected SILENT after expiry, got %v", p.State)
	}
	if action != ActionNone {
		t.Fatalf("expected no action on the expiry-triggering tick, got %v", action)
	}

	key, action := p.OnSilentRetry(later)
	if key != "255.255.255.255:32000" {
		t.Fatalf("expected unfocus back to broadcast key, got %q", key)
	}
	if action != ActionSendOHAI {
		t.Fatalf("expected ActionSendOHAI on unfocus retry, got %v", action)
	}
	if p.Key != p.Remote {
		t.Fatalf("peering key invariant violated after unfocus: Key=%q Remote=%q", p.Key, p.Remote)
	}
	if p.State != StateConnecting {
		t.Fatalf("expected CONNECTING after unfocus, got %v", p.State)
	}
}

func TestNoFocusWhenAddressesMatch(t *testing.T) {
	now := time.Now()
	p, _ := New("10.0.0.2:32000", true, false, testConfig(), now)
	focusedKey := p.OnOhaiOkReceived(now, "10.0.0.2:32000", "10.0.0.2:32000")
	if focusedKey != "" {
		t.Fatalf("expected no focus when addresses already match, got %q", focusedKey)
	}
}

func TestIncomingSilentDestroyed(t *testing.T) {
	now := time.Now()
	p, action := New("10.0.0.5:9000", false, false, testConfig(), now)
	if action != ActionSendOHAIOK {
		t.Fatalf("expected ActionSendOHAIOK on incoming creation, got %v", action)
	}
	p.State = StateSilent
	action = p.OnSilentIncoming()
	if action != ActionRemove {
		t.Fatalf("expected ActionRemove for incoming SILENT peering, got %v", action)
	}
	if p.State != StateDead {
		t.Fatalf("expected DEAD state, got %v", p.State)
	}
}

func TestLiveHeartbeat(t *testing.T) {
	cfg := testConfig()
	now := time.Now()
	p, _ := New("10.0.0.2:1", true, false, cfg, now)
	p.OnOhaiOkReceived(now, "10.0.0.2:1", "10.0.0.2:1")

	afterSilent := p.Silent.Add(time.Millisecond)
	action := p.Tick(afterSilent)
	if action != ActionSendHUGZ {
		t.Fatalf("expected ActionSendHUGZ past the silent threshold, got %v", action)
	}
	if p.State != StateLive {
		t.Fatalf("heartbeat tick should not change state, got %v", p.State)
	}
}

func TestSequenceWraps(t *testing.T) {
	p := &Peering{}
	var last byte
	for i := 0; i < 20; i++ {
		last = p.NextSequence()
	}
	if last > 0x0F {
		t.Fatalf("sequence exceeded 4 bits: %d", last)
	}
}
