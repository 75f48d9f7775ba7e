// Package monitoring exposes Prometheus metrics and health checks for the
// preview server.
package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var sessionStates = []string{"uninitialized", "initializing", "ready", "failed"}

// Metrics holds all Prometheus metrics. Each instance owns its registry so
// several servers (and tests) can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	// Compiler metrics
	CompileTotal       *prometheus.CounterVec
	CompileDuration    *prometheus.HistogramVec
	SessionState       *prometheus.GaugeVec
	SessionTransitions *prometheus.CounterVec
	CacheEntries       prometheus.Gauge

	// Preview metrics
	PreviewTransitions *prometheus.CounterVec
	SandboxMounts      prometheus.Counter
	SandboxMessages    *prometheus.CounterVec

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	Uptime    prometheus.GaugeFunc
	startTime time.Time
}

// NewMetrics creates a metrics set on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(reg)

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		CompileTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "previewd_compile_total",
				Help: "Total number of transform and bundle requests by outcome",
			},
			[]string{"op", "outcome"},
		),
		CompileDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "previewd_compile_duration_seconds",
				Help:    "Transform and bundle duration in seconds",
				Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"op"},
		),
		SessionState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "previewd_compiler_session_state",
				Help: "Current compiler session state (1 for the active state)",
			},
			[]string{"state"},
		),
		SessionTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "previewd_compiler_session_transitions_total",
				Help: "Compiler session transitions by target state",
			},
			[]string{"state"},
		),
		CacheEntries: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "previewd_transform_cache_entries",
				Help: "Number of entries in the transform cache",
			},
		),
		PreviewTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "previewd_preview_transitions_total",
				Help: "Preview state transitions by target phase",
			},
			[]string{"phase"},
		),
		SandboxMounts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "previewd_sandbox_mounts_total",
				Help: "Total number of sandbox instances mounted",
			},
		),
		SandboxMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "previewd_sandbox_messages_total",
				Help: "Sandbox messages received by type and delivery result",
			},
			[]string{"type", "result"},
		),
		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "previewd_websocket_connections",
				Help: "Number of active WebSocket connections",
			},
		),
		WSMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "previewd_websocket_messages_total",
				Help: "WebSocket messages by direction and type",
			},
			[]string{"direction", "type"},
		),
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "previewd_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "previewd_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
	}

	m.Uptime = factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "previewd_uptime_seconds",
			Help: "Server uptime in seconds",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	return m
}

// Registry returns the registry backing these metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveCompile records one transform or bundle request.
func (m *Metrics) ObserveCompile(op, outcome string, duration time.Duration) {
	m.CompileTotal.WithLabelValues(op, outcome).Inc()
	m.CompileDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// ObserveSession records a compiler session transition.
func (m *Metrics) ObserveSession(state string) {
	m.SessionTransitions.WithLabelValues(state).Inc()
	for _, s := range sessionStates {
		value := 0.0
		if s == state {
			value = 1
		}
		m.SessionState.WithLabelValues(s).Set(value)
	}
}

// ObservePhase records a preview state transition.
func (m *Metrics) ObservePhase(phase string) {
	m.PreviewTransitions.WithLabelValues(phase).Inc()
}

// ObserveMount records a new sandbox instance.
func (m *Metrics) ObserveMount() {
	m.SandboxMounts.Inc()
}

// ObserveSandboxMessage records a message relayed from a sandbox document.
func (m *Metrics) ObserveSandboxMessage(kind string, delivered bool) {
	result := "delivered"
	if !delivered {
		result = "stale"
	}
	m.SandboxMessages.WithLabelValues(kind, result).Inc()
}

// SetCacheEntries records the transform cache size.
func (m *Metrics) SetCacheEntries(n int) {
	m.CacheEntries.Set(float64(n))
}

// RecordHTTPRequest records a completed HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, http.StatusText(status)).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// ObserveConnection tracks websocket clients joining (delta 1) and leaving (delta -1).
func (m *Metrics) ObserveConnection(delta int) {
	m.WSConnections.Add(float64(delta))
}

// ObserveMessage records one websocket message.
func (m *Metrics) ObserveMessage(direction, kind string) {
	m.WSMessages.WithLabelValues(direction, kind).Inc()
}
