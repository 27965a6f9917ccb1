// Package telemetry exposes the daemon's internal counters and gauges over
// a loopback-only HTTP endpoint, gated by the --diagnostics flag (spec.md
// §6's CLI surface). Trimmed from the teacher pack's lazily-registered
// CounterVec/GaugeVec provider down to the handful of series this daemon
// actually needs: it is diagnostics-only and explicitly out of the core
// pipeline's fault boundary (spec.md §7: nothing in the pipeline may
// propagate a telemetry failure).
package telemetry

import (
	"fmt"
	"net"
	"net/http"
	"sync"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry lazily creates and caches named counters/gauges against a
// private Prometheus registry, the way the teacher pack's provider avoids
// double-registration panics on repeated NewCounter/NewGauge calls for the
// same name.
type Registry struct {
	reg *prom.Registry

	mu       sync.Mutex
	counters map[string]*prom.CounterVec
	gauges   map[string]*prom.GaugeVec

	handler http.Handler
}

// New creates an empty registry with its own Prometheus collector set, so
// multiple daemon instances in the same test binary never collide.
func New() *Registry {
	reg := prom.NewRegistry()
	return &Registry{
		reg:      reg,
		counters: make(map[string]*prom.CounterVec),
		gauges:   make(map[string]*prom.GaugeVec),
		handler:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
}

// Counter returns the named counter (with optional label names), creating
// it on first use.
func (r *Registry) Counter(name, help string, labels ...string) *prom.CounterVec {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cv, ok := r.counters[name]; ok {
		return cv
	}
	cv := prom.NewCounterVec(prom.CounterOpts{Name: name, Help: help}, labels)
	if err := r.reg.Register(cv); err != nil {
		if are, ok := err.(prom.AlreadyRegisteredError); ok {
			cv = are.ExistingCollector.(*prom.CounterVec)
		}
	}
	r.counters[name] = cv
	return cv
}

// Gauge returns the named gauge, creating it on first use.
func (r *Registry) Gauge(name, help string, labels ...string) *prom.GaugeVec {
	r.mu.Lock()
	defer r.mu.Unlock()

	if gv, ok := r.gauges[name]; ok {
		return gv
	}
	gv := prom.NewGaugeVec(prom.GaugeOpts{Name: name, Help: help}, labels)
	if err := r.reg.Register(gv); err != nil {
		if are, ok := err.(prom.AlreadyRegisteredError); ok {
			gv = are.ExistingCollector.(*prom.GaugeVec)
		}
	}
	r.gauges[name] = gv
	return gv
}

// Handler returns the /metrics HTTP handler for this registry.
func (r *Registry) Handler() http.Handler { return r.handler }

// PipelineMetrics names the fixed set of series the pose loop, policy, and
// publishers update. Kept as named accessors (rather than free-form
// strings scattered through the pipeline) so a rename is a one-file change.
type PipelineMetrics struct {
	SamplesTotal       *prom.CounterVec
	TransitionsTotal   *prom.CounterVec
	NudgesTotal        *prom.CounterVec
	SuppressedTotal    *prom.CounterVec
	EventLogDropped    *prom.CounterVec
	CurrentFPS         *prom.GaugeVec
	CameraFailureCount *prom.GaugeVec
}

// NewPipelineMetrics registers the daemon's fixed metric set against reg.
func NewPipelineMetrics(reg *Registry) PipelineMetrics {
	return PipelineMetrics{
		SamplesTotal:       reg.Counter("deskcoach_samples_total", "posture samples processed", "result"),
		TransitionsTotal:   reg.Counter("deskcoach_transitions_total", "posture state transitions", "to", "path"),
		NudgesTotal:        reg.Counter("deskcoach_nudges_total", "notifications delivered", "state"),
		SuppressedTotal:    reg.Counter("deskcoach_suppressed_total", "notifications suppressed by a gate", "gate"),
		EventLogDropped:    reg.Counter("deskcoach_eventlog_dropped_total", "event log records dropped due to a full queue"),
		CurrentFPS:         reg.Gauge("deskcoach_current_fps", "current pose loop sampling rate"),
		CameraFailureCount: reg.Gauge("deskcoach_camera_consecutive_failures", "consecutive camera read failures"),
	}
}

// ServeDiagnostics binds a loopback-only listener serving /metrics, per
// spec.md §6's --diagnostics flag. Returns the bound address (useful when
// port 0 was requested) and a close function.
func ServeDiagnostics(addr string, reg *Registry) (boundAddr string, close func() error, err error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("binding diagnostics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	server := &http.Server{Handler: mux}

	go server.Serve(ln)

	return ln.Addr().String(), func() error { return server.Close() }, nil
}
