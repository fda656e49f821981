package reactor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeSource struct {
	events []Event
	closed chan struct{}
}

func (f *fakeSource) Run(ctx context.Context, out chan<- Event) {
	for _, ev := range f.events {
		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
	<-ctx.Done()
}

func (f *fakeSource) Close() error {
	close(f.closed)
	return nil
}

func TestReactorDispatchesInOrder(t *testing.T) {
	var mu sync.Mutex
	var got []string

	r := New(func(ev Event) {
		mu.Lock()
		got = append(got, ev.Source)
		mu.Unlock()
	}, 16)

	src := &fakeSource{
		events: []Event{
			{Kind: KindNetwork, Source: "a"},
			{Kind: KindNetwork, Source: "b"},
			{Kind: KindNetwork, Source: "c"},
		},
		closed: make(chan struct{}),
	}
	r.Register("src", src)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() { r.Run(ctx); close(done) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected dispatch order: %v", got)
	}
}

func TestReactorRecoversCallbackPanic(t *testing.T) {
	var calls int32
	r := New(func(ev Event) {
		atomic.AddInt32(&calls, 1)
		if ev.Source == "bad" {
			panic("boom")
		}
	}, 16)

	src := &fakeSource{
		events: []Event{
			{Kind: KindNetwork, Source: "bad"},
			{Kind: KindNetwork, Source: "good"},
		},
		closed: make(chan struct{}),
	}
	r.Register("src", src)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() { r.Run(ctx); close(done) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected both events dispatched despite panic, got %d calls", calls)
	}
}

func TestTimerSourceTicks(t *testing.T) {
	events := make(chan Event, 8)
	ts := NewTimerSource("tick", 10*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	go ts.Run(ctx, events)

	select {
	case ev := <-events:
		if ev.Kind != KindTimer || ev.Source != "tick" {
			t.Fatalf("unexpected timer event: %+v", ev)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timed out waiting for a timer tick")
	}
	ts.Close()
}
