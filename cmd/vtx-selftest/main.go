// Command vtx-selftest drives the literal end-to-end scenarios from
// spec.md §8 against a live loopback engine, as runnable subcommands
// instead of unit tests, so the behaviors can be exercised against a real
// kernel UDP/TCP stack rather than in-process fakes.
//
// Author: momentics <momentics@gmail.com>
//
// Grounded on the teacher's benchmarks/ harness style: small, independent
// main-style scenarios each wiring a fresh transport and asserting counts,
// generalized here from one WebSocket load-generator to the vtx messaging
// patterns.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/momentics/vtx/codec"
	"github.com/momentics/vtx/driver/udp"
	"github.com/momentics/vtx/engine"
	"github.com/momentics/vtx/vocket"
	"github.com/momentics/vtx/vtxbuf"
	"github.com/momentics/vtx/vtxconfig"
	"github.com/momentics/vtx/vtxmetrics"
)

func main() {
	root := &cobra.Command{
		Use:   "vtx-selftest",
		Short: "Run the literal end-to-end scenarios from spec.md §8",
	}
	root.AddCommand(reqrepCmd(), pushpullCmd(), pubsubCmd(), codecCmd(), focusCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "FAIL:", err)
		os.Exit(1)
	}
}

func newLoopbackEngine(t time.Duration) (*engine.Engine, error) {
	cfg := vtxconfig.DefaultEngineConfig()
	dc := cfg.Drivers["udp"]
	dc.Timeout = t
	cfg.Drivers["udp"] = dc
	eng, err := engine.New(cfg, vtxmetrics.NewRegistry(nil))
	if err != nil {
		return nil, err
	}
	if err := eng.RegisterDriver(udp.New(cfg.Drivers["udp"], nil, nil)); err != nil {
		return nil, err
	}
	if err := eng.Start(context.Background()); err != nil {
		return nil, err
	}
	return eng, nil
}

// reqrepCmd runs scenario 1: REQ/REP echo over UDP.
func reqrepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reqrep",
		Short: "REQ/REP echo (spec.md §8 scenario 1)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			eng, err := newLoopbackEngine(300 * time.Millisecond)
			if err != nil {
				return err
			}
			defer eng.Shutdown()

			rep, err := eng.NewSocket("udp", vocket.KindReply)
			if err != nil {
				return err
			}
			if err := eng.Bind(ctx, "udp", rep, "127.0.0.1:32000"); err != nil {
				return err
			}
			req, err := eng.NewSocket("udp", vocket.KindRequest)
			if err != nil {
				return err
			}
			if err := eng.Connect(ctx, "udp", req, "127.0.0.1:32000"); err != nil {
				return err
			}
			if err := waitLive(req, 1, time.Second); err != nil {
				return err
			}

			deadline := time.Now().Add(time.Second)
			var sent, recd int
			for time.Now().Before(deadline) {
				if err := req.Send(ctx, []byte("ICANHAZ?")); err != nil {
					continue
				}
				sent++
				rctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
				_, err := rep.Recv(rctx)
				cancel()
				if err != nil {
					continue
				}
				_ = rep.Send(ctx, []byte("CHEEZBURGER"))
				rctx2, cancel2 := context.WithTimeout(ctx, 200*time.Millisecond)
				if _, err := req.Recv(rctx2); err == nil {
					recd++
				}
				cancel2()
			}
			if recd < 1 {
				return fmt.Errorf("expected recd >= 1, got sent=%d recd=%d", sent, recd)
			}
			fmt.Printf("PASS reqrep: sent=%d recd=%d\n", sent, recd)
			return nil
		},
	}
}

// pushpullCmd runs scenario 2: PUSH/PULL fan-out round-robin.
func pushpullCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pushpull",
		Short: "PUSH/PULL fan-out (spec.md §8 scenario 2)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			eng, err := newLoopbackEngine(300 * time.Millisecond)
			if err != nil {
				return err
			}
			defer eng.Shutdown()

			push, err := eng.NewSocket("udp", vocket.KindPush)
			if err != nil {
				return err
			}
			if err := eng.Bind(ctx, "udp", push, "127.0.0.1:32004"); err != nil {
				return err
			}
			pulls := make([]*vocket.Vocket, 2)
			for i := range pulls {
				p, err := eng.NewSocket("udp", vocket.KindPull)
				if err != nil {
					return err
				}
				if err := eng.Connect(ctx, "udp", p, "127.0.0.1:32004"); err != nil {
					return err
				}
				pulls[i] = p
			}
			if err := waitLive(push, 2, time.Second); err != nil {
				return err
			}

			const n = 10
			for i := 0; i < n; i++ {
				if err := push.Send(ctx, []byte(fmt.Sprintf("NOM %04d", i))); err != nil {
					return err
				}
			}

			counts := make([]int, len(pulls))
			deadline := time.Now().Add(2 * time.Second)
			for time.Now().Before(deadline) {
				for i, p := range pulls {
					rctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
					if _, err := p.Recv(rctx); err == nil {
						counts[i]++
					}
					cancel()
				}
			}
			total := counts[0] + counts[1]
			for i, c := range counts {
				if c == 0 {
					return fmt.Errorf("pull %d received nothing", i)
				}
			}
			fmt.Printf("PASS pushpull: sent=%d received=%d counts=%v\n", n, total, counts)
			return nil
		},
	}
}

// pubsubCmd runs scenario 3: PUB/SUB copy to every subscriber.
func pubsubCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pubsub",
		Short: "PUB/SUB copy (spec.md §8 scenario 3)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			eng, err := newLoopbackEngine(300 * time.Millisecond)
			if err != nil {
				return err
			}
			defer eng.Shutdown()

			pub, err := eng.NewSocket("udp", vocket.KindPublish)
			if err != nil {
				return err
			}
			if err := eng.Bind(ctx, "udp", pub, "127.0.0.1:32005"); err != nil {
				return err
			}
			subs := make([]*vocket.Vocket, 2)
			for i := range subs {
				s, err := eng.NewSocket("udp", vocket.KindSubscribe)
				if err != nil {
					return err
				}
				if err := eng.Connect(ctx, "udp", s, "127.0.0.1:32005"); err != nil {
					return err
				}
				subs[i] = s
			}
			if err := waitLive(pub, 2, time.Second); err != nil {
				return err
			}

			const n = 5
			for i := 0; i < n; i++ {
				if err := pub.Send(ctx, []byte(fmt.Sprintf("evt-%d", i))); err != nil {
					return err
				}
				time.Sleep(10 * time.Millisecond)
			}

			for i, s := range subs {
				got := 0
				deadline := time.Now().Add(time.Second)
				for time.Now().Before(deadline) && got < n {
					rctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
					if _, err := s.Recv(rctx); err == nil {
						got++
					}
					cancel()
				}
				if got == 0 {
					return fmt.Errorf("subscriber %d received nothing", i)
				}
				fmt.Printf("sub %d received %d/%d\n", i, got, n)
			}
			fmt.Println("PASS pubsub")
			return nil
		},
	}
}

// codecCmd runs scenario 5: codec round-trip self-test.
func codecCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "codec",
		Short: "Codec round-trip self-test (spec.md §8 scenario 5)",
		RunE: func(cmd *cobra.Command, args []string) error {
			rng := rand.New(rand.NewSource(time.Now().UnixNano()))
			pool := vtxbuf.NewPool(4096)
			src := codec.New(100, 8192, 64)

			type inserted struct {
				body []byte
				more bool
			}
			var all []inserted
			for {
				small := rng.Intn(100) < 80
				n := 64 + rng.Intn(2000)
				if small {
					n = rng.Intn(64)
				}
				body := make([]byte, n)
				rng.Read(body)
				more := rng.Intn(2) == 0
				buf := pool.Get(n)
				copy(buf.Bytes(), body)
				if err := src.Put(buf, more); err != nil {
					break
				}
				all = append(all, inserted{body, more})
			}

			// dst receives by-reference bodies as inline bytes, so its data
			// ring is sized for the whole stream, not just src's inline part.
			dst := codec.New(100, 1<<17, 64)
			for {
				chunk, ok := src.BinGet()
				if !ok {
					break
				}
				src.BinTick(len(chunk))
				if _, err := dst.BinPut(chunk); err != nil {
					return err
				}
			}

			var got []inserted
			for {
				body, more, ok, err := dst.Get()
				if err != nil {
					return err
				}
				if !ok {
					break
				}
				got = append(got, inserted{append([]byte(nil), body...), more})
			}
			if len(got) != len(all) {
				return fmt.Errorf("expected %d messages, extracted %d", len(all), len(got))
			}
			if src.Active() != 0 || dst.Active() != 0 {
				return fmt.Errorf("expected both codecs drained, src.Active=%d dst.Active=%d", src.Active(), dst.Active())
			}
			fmt.Printf("PASS codec: round-tripped %d messages\n", len(got))
			return nil
		},
	}
}

// focusCmd runs scenario 6: broadcast focusing then reversion on silence.
func focusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "focus",
		Short: "Broadcast focusing and reversion (spec.md §8 scenario 6)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			eng, err := newLoopbackEngine(300 * time.Millisecond)
			if err != nil {
				return err
			}
			defer eng.Shutdown()

			rep, err := eng.NewSocket("udp", vocket.KindReply)
			if err != nil {
				return err
			}
			if err := eng.Bind(ctx, "udp", rep, "127.0.0.1:32000"); err != nil {
				return err
			}
			req, err := eng.NewSocket("udp", vocket.KindRequest)
			if err != nil {
				return err
			}
			if err := eng.Connect(ctx, "udp", req, "*:32000"); err != nil {
				return err
			}
			if err := waitLive(req, 1, time.Second); err != nil {
				return err
			}
			if err := req.Send(ctx, []byte("ICANHAZ?")); err != nil {
				return err
			}
			rctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
			if _, err := rep.Recv(rctx); err != nil {
				cancel()
				return err
			}
			cancel()
			_ = rep.Send(ctx, []byte("CHEEZBURGER"))

			rctx2, cancel2 := context.WithTimeout(ctx, 500*time.Millisecond)
			_, err = req.Recv(rctx2)
			cancel2()
			if err != nil {
				return err
			}

			keys1 := req.PeeringKeys()
			if len(keys1) != 1 {
				return fmt.Errorf("expected exactly one peering, got %v", keys1)
			}
			fmt.Printf("focused key after first exchange: %s\n", keys1[0])

			if err := eng.CloseSocket(ctx, "udp", rep); err != nil {
				return err
			}
			time.Sleep(800 * time.Millisecond)

			keys2 := req.PeeringKeys()
			if len(keys2) != 1 {
				return fmt.Errorf("expected exactly one peering after reversion, got %v", keys2)
			}
			fmt.Printf("key after silence: %s\n", keys2[0])
			fmt.Println("PASS focus")
			return nil
		},
	}
}

func waitLive(v *vocket.Vocket, n int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if v.LiveCount() >= n {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("timed out waiting for %d live peerings, have %d", n, v.LiveCount())
}
