// Package engine implements the process-wide scheme registry (spec.md §3/§4,
// C8): creates vockets against a registered driver, and forwards
// BIND/CONNECT/CLOSE/GETMETA requests to that driver's control pipe.
//
// Author: momentics <momentics@gmail.com>
//
// Grounded on the teacher's facade/hioload.go: a Config+New() constructor
// that wires logging, metrics and a control registry once, then exposes a
// small set of top-level orchestration methods (RegisterHandler, GetControl,
// Start/Stop) — generalized here from one fixed WebSocket transport to a
// scheme->driver registry.
package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/momentics/vtx/vocket"
	"github.com/momentics/vtx/vtxaddr"
	"github.com/momentics/vtx/vtxconfig"
	"github.com/momentics/vtx/vtxerr"
	"github.com/momentics/vtx/vtxlog"
	"github.com/momentics/vtx/vtxmetrics"
)

// CommandKind is the control-pipe request discriminant (spec.md §4.6
// "Control pipe: receives BIND/CONNECT/CLOSE requests").
type CommandKind int

const (
	CmdBind CommandKind = iota
	CmdConnect
	CmdClose
	CmdGetMeta
)

// Command is one control-pipe request, carrying a reply channel the issuing
// goroutine blocks on (spec.md §4.6 "a blocking command pipe ... replies
// with a numeric status on the same pipe" — generalized to a structured
// reply since Go has no use for squeezing it back into an integer).
type Command struct {
	Kind     CommandKind
	Vocket   *vocket.Vocket
	Endpoint vtxaddr.Endpoint
	MetaKey  string
}

// CommandReply is the driver's synchronous response to a Command.
type CommandReply struct {
	Err       error
	MetaValue string
	MetaOK    bool
}

// Driver is exactly one per registered scheme (spec.md §3 "Driver"): owns a
// reactor, its vockets, and a control-pipe endpoint that Submit delivers
// requests to.
type Driver interface {
	Scheme() string
	NewVocket(kind vocket.Kind) (*vocket.Vocket, error)
	Submit(ctx context.Context, cmd Command) (CommandReply, error)
	Start(ctx context.Context) error
	Close() error
}

// Engine is the process-wide registry: created before use, destroyed last
// (spec.md §3 "Engine").
type Engine struct {
	cfg *vtxconfig.EngineConfig
	met *vtxmetrics.Registry
	log *slog.Logger

	mu      sync.RWMutex
	drivers map[string]Driver
	started bool
}

// New constructs an Engine, wiring metrics and logging from cfg the way the
// teacher's facade.New wires transport/pool/control from its Config.
func New(cfg *vtxconfig.EngineConfig, met *vtxmetrics.Registry) (*Engine, error) {
	if cfg == nil {
		cfg = vtxconfig.DefaultEngineConfig()
	}
	vtxlog.SetLevelFromString(cfg.LogLevel)
	return &Engine{
		cfg:     cfg,
		met:     met,
		log:     vtxlog.For("engine"),
		drivers: make(map[string]Driver),
	}, nil
}

// RegisterDriver attaches a driver to its scheme. Registering an
// already-registered scheme is a ConfigError (spec.md §7).
func (e *Engine) RegisterDriver(d Driver) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	scheme := d.Scheme()
	if _, exists := e.drivers[scheme]; exists {
		return vtxerr.ErrDriverExists.With("scheme", scheme)
	}
	e.drivers[scheme] = d
	e.log.Info("driver registered", "scheme", scheme)
	return nil
}

// Start launches every registered driver's reactor loop under ctx.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}
	for scheme, d := range e.drivers {
		if err := d.Start(ctx); err != nil {
			return vtxerr.Wrap(vtxerr.KindFatal, err, "driver start failed").With("scheme", scheme)
		}
	}
	e.started = true
	return nil
}

// Shutdown closes every registered driver.
func (e *Engine) Shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var first error
	for scheme, d := range e.drivers {
		if err := d.Close(); err != nil && first == nil {
			first = vtxerr.Wrap(vtxerr.KindFatal, err, "driver close failed").With("scheme", scheme)
		}
	}
	e.started = false
	return first
}

func (e *Engine) driverFor(scheme string) (Driver, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.drivers[scheme]
	if !ok {
		return nil, vtxerr.ErrNoSuchScheme.With("scheme", scheme)
	}
	return d, nil
}

// NewSocket creates a vocket of kind against scheme's driver.
func (e *Engine) NewSocket(scheme string, kind vocket.Kind) (*vocket.Vocket, error) {
	d, err := e.driverFor(scheme)
	if err != nil {
		return nil, err
	}
	v, err := d.NewVocket(kind)
	if err != nil {
		return nil, err
	}
	if e.met != nil {
		e.met.RegisterProbe(v.Handle.String(), func() any {
			return map[string]any{
				"scheme":   scheme,
				"kind":     v.Kind.String(),
				"live":     v.LiveCount(),
				"polling":  v.PollEnabled(),
			}
		})
	}
	return v, nil
}

// Bind requests a vocket be locally bound to address, given without the
// scheme (e.g. "*:32000"); the scheme is prefixed here.
func (e *Engine) Bind(ctx context.Context, scheme string, v *vocket.Vocket, address string) error {
	ep, err := vtxaddr.ParseEndpoint(scheme + "://" + address)
	if err != nil {
		return err
	}
	return e.submit(ctx, scheme, CmdBind, v, ep, "")
}

// Connect requests a vocket dial out to address.
func (e *Engine) Connect(ctx context.Context, scheme string, v *vocket.Vocket, address string) error {
	ep, err := vtxaddr.ParseEndpoint(scheme + "://" + address)
	if err != nil {
		return err
	}
	return e.submit(ctx, scheme, CmdConnect, v, ep, "")
}

// CloseSocket tears down a vocket's bindings and peerings and releases its
// handle from the driver.
func (e *Engine) CloseSocket(ctx context.Context, scheme string, v *vocket.Vocket) error {
	return e.submit(ctx, scheme, CmdClose, v, vtxaddr.Endpoint{}, "")
}

// GetMeta retrieves driver-maintained metadata about a vocket, e.g. the
// "sender" address of the peering that produced its most recent inbound
// message (spec.md §6 external interfaces).
func (e *Engine) GetMeta(ctx context.Context, scheme string, v *vocket.Vocket, key string) (string, bool, error) {
	d, err := e.driverFor(scheme)
	if err != nil {
		return "", false, err
	}
	reply, err := d.Submit(ctx, Command{Kind: CmdGetMeta, Vocket: v, MetaKey: key})
	if err != nil {
		return "", false, err
	}
	return reply.MetaValue, reply.MetaOK, reply.Err
}

func (e *Engine) submit(ctx context.Context, scheme string, kind CommandKind, v *vocket.Vocket, ep vtxaddr.Endpoint, metaKey string) error {
	d, err := e.driverFor(scheme)
	if err != nil {
		return err
	}
	reply, err := d.Submit(ctx, Command{Kind: kind, Vocket: v, Endpoint: ep, MetaKey: metaKey})
	if err != nil {
		return err
	}
	return reply.Err
}
