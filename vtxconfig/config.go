// Package vtxconfig
// Author: momentics <momentics@gmail.com>
//
// YAML-backed engine and driver configuration with hot-reload hooks,
// generalizing the teacher's control.ConfigStore / control.RegisterReloadHook
// pattern. A reload swaps the stored config and notifies registered
// listeners; drivers copy their DriverConfig at construction, so timeouts
// and datagram caps of a running driver do not change on reload.

package vtxconfig

import (
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// DriverConfig holds the per-scheme tunables resolved once at driver
// registration time.
type DriverConfig struct {
	// Timeout is the peering liveness window (spec.md §4.3 TIMEOUT).
	Timeout time.Duration `yaml:"timeout"`
	// OhaiInterval is the connect-retry interval (spec.md §4.3 OHAI_IVL).
	OhaiInterval time.Duration `yaml:"ohai_interval"`
	// MaxDatagram bounds a single UDP datagram's header+body size.
	MaxDatagram int `yaml:"max_datagram"`
	// RingBatches is the codec batch-ring slot count for TCP framing.
	RingBatches int `yaml:"ring_batches"`
	// RingBytes is the codec data-ring byte capacity for TCP framing.
	RingBytes int `yaml:"ring_bytes"`
	// VSMCutoff is the inline-copy-vs-by-reference threshold (spec.md §4.1).
	VSMCutoff int `yaml:"vsm_cutoff"`
}

// SilentThreshold returns TIMEOUT/3, the point at which a LIVE peering must
// proactively send a heartbeat (spec.md §4.3).
func (c DriverConfig) SilentThreshold() time.Duration {
	return c.Timeout / 3
}

// DefaultUDPConfig matches the design-level constants in spec.md §4.3/§4.5.
func DefaultUDPConfig() DriverConfig {
	return DriverConfig{
		Timeout:      10 * time.Second,
		OhaiInterval: 1 * time.Second,
		MaxDatagram:  512,
		VSMCutoff:    64,
	}
}

// DefaultTCPConfig adds batching-codec capacity on top of the UDP defaults.
func DefaultTCPConfig() DriverConfig {
	c := DefaultUDPConfig()
	c.RingBatches = 256
	c.RingBytes = 64 * 1024
	return c
}

// EngineConfig is the root configuration document, one DriverConfig per
// registered scheme plus process-wide knobs.
type EngineConfig struct {
	Drivers       map[string]DriverConfig `yaml:"drivers"`
	EnableMetrics bool                    `yaml:"enable_metrics"`
	MetricsAddr   string                  `yaml:"metrics_addr"`
	LogLevel      string                  `yaml:"log_level"`
}

// DefaultEngineConfig returns the baseline configuration used when no file is
// supplied, analogous to the teacher's facade.DefaultConfig.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		Drivers: map[string]DriverConfig{
			"udp": DefaultUDPConfig(),
			"tcp": DefaultTCPConfig(),
		},
		EnableMetrics: true,
		MetricsAddr:   ":9090",
		LogLevel:      "info",
	}
}

// Load reads and parses a YAML config file, merging defaults for any
// scheme absent from the file.
func Load(path string) (*EngineConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultEngineConfig()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, err
	}
	if cfg.Drivers == nil {
		cfg.Drivers = DefaultEngineConfig().Drivers
	}
	return cfg, nil
}

// Store is a thread-safe, hot-reloadable holder for an EngineConfig,
// generalizing control.ConfigStore to a typed document instead of a raw
// map[string]any.
type Store struct {
	mu        sync.RWMutex
	cfg       *EngineConfig
	listeners []func(*EngineConfig)
}

// NewStore wraps an initial configuration.
func NewStore(cfg *EngineConfig) *Store {
	if cfg == nil {
		cfg = DefaultEngineConfig()
	}
	return &Store{cfg: cfg}
}

// Snapshot returns the current configuration. Callers must not mutate it.
func (s *Store) Snapshot() *EngineConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// OnReload registers a listener invoked (in its own goroutine) whenever
// Replace is called, mirroring control.RegisterReloadHook.
func (s *Store) OnReload(fn func(*EngineConfig)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Replace swaps in a new configuration and dispatches reload hooks.
func (s *Store) Replace(cfg *EngineConfig) {
	s.mu.Lock()
	s.cfg = cfg
	listeners := append([]func(*EngineConfig){}, s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		go fn(cfg)
	}
}
