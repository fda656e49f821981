// Command vtxctl runs a vtx engine as a standalone process: it loads a
// driver configuration, registers the udp and tcp drivers, and serves until
// interrupted (spec.md §6 external interfaces, §8 deployment notes).
//
// Author: momentics <momentics@gmail.com>
//
// Grounded on the teacher's cmd/server flag/command layout, rebuilt on
// spf13/cobra the way rockstar-0000-aistore's cmd/ binaries do, since the
// teacher itself only exposes a programmatic facade.New with no CLI.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/momentics/vtx/driver/tcp"
	"github.com/momentics/vtx/driver/udp"
	"github.com/momentics/vtx/engine"
	"github.com/momentics/vtx/vtxconfig"
	"github.com/momentics/vtx/vtxlog"
	"github.com/momentics/vtx/vtxmetrics"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "vtxctl",
		Short: "Run and inspect a vtx virtual-transport engine",
	}
	root.AddCommand(newServeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Register the udp and tcp drivers and serve until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a vtx.yaml engine config (optional)")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg := vtxconfig.DefaultEngineConfig()
	if configPath != "" {
		loaded, err := vtxconfig.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	vtxlog.SetLevelFromString(cfg.LogLevel)
	log := vtxlog.For("vtxctl")

	reg := prometheus.NewRegistry()
	met := vtxmetrics.NewRegistry(reg)

	eng, err := engine.New(cfg, met)
	if err != nil {
		return fmt.Errorf("new engine: %w", err)
	}
	if err := eng.RegisterDriver(udp.New(cfg.Drivers["udp"], met, nil)); err != nil {
		return fmt.Errorf("register udp: %w", err)
	}
	if err := eng.RegisterDriver(tcp.New(cfg.Drivers["tcp"], met)); err != nil {
		return fmt.Errorf("register tcp: %w", err)
	}

	runCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := eng.Start(runCtx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer eng.Shutdown()

	var metricsSrv *http.Server
	if cfg.EnableMetrics {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			log.Info("metrics listening", "addr", cfg.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server failed", "err", err)
			}
		}()
	}

	log.Info("vtx engine running", "schemes", []string{"udp", "tcp"})
	<-runCtx.Done()
	log.Info("shutting down")
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(context.Background())
	}
	return nil
}
