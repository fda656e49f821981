// Package vtxmetrics
// Author: momentics <momentics@gmail.com>
//
// Driver and vocket activity metrics. Wraps prometheus/client_golang counter
// and gauge vectors (grounded on oriys-nova and rockstar-0000-aistore's use
// of the same library) while preserving the teacher's lightweight
// control.MetricsRegistry as a debug-probe snapshot layered on top, so both
// a Prometheus scrape endpoint and an ad-hoc DumpState() probe work off one
// registry.

package vtxmetrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds the Prometheus collectors for one engine instance.
type Registry struct {
	Sends    *prometheus.CounterVec
	Recvs    *prometheus.CounterVec
	Errors   *prometheus.CounterVec
	Dropped  *prometheus.CounterVec
	LivePeer *prometheus.GaugeVec

	mu     sync.RWMutex
	probes map[string]func() any
}

// NewRegistry constructs and registers the metric families against reg.
// Passing a fresh prometheus.NewRegistry() keeps tests hermetic; passing
// prometheus.DefaultRegisterer wires into the process-wide /metrics handler.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		Sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vtx_driver_sends_total",
			Help: "Number of NOM-1 datagrams/frames sent, by scheme.",
		}, []string{"scheme"}),
		Recvs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vtx_driver_recvs_total",
			Help: "Number of NOM-1 datagrams/frames received, by scheme.",
		}, []string{"scheme"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vtx_driver_errors_total",
			Help: "Protocol and I/O errors observed by a driver, by scheme and kind.",
		}, []string{"scheme", "kind"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vtx_messages_dropped_total",
			Help: "Application or control messages dropped, by scheme and reason.",
		}, []string{"scheme", "reason"}),
		LivePeer: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vtx_peerings_live",
			Help: "Current count of LIVE peerings, by scheme and vocket handle.",
		}, []string{"scheme", "vocket"}),
		probes: make(map[string]func() any),
	}
	if reg != nil {
		reg.MustRegister(r.Sends, r.Recvs, r.Errors, r.Dropped, r.LivePeer)
	}
	return r
}

// RegisterProbe adds a named debug hook, mirroring control.DebugProbes.
func (r *Registry) RegisterProbe(name string, fn func() any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probes[name] = fn
}

// DumpState evaluates all registered probes, for ad-hoc introspection
// outside the Prometheus scrape path (e.g. the per-vocket probes that
// Engine.NewSocket registers).
func (r *Registry) DumpState() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]any, len(r.probes))
	for k, fn := range r.probes {
		out[k] = fn()
	}
	return out
}
