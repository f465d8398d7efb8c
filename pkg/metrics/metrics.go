// Package metrics exposes Prometheus instrumentation for the gateway.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	toolCallsTotal     *prometheus.CounterVec
	toolCallDuration   *prometheus.HistogramVec
	guardRejections    *prometheus.CounterVec
	sessionsStarted    prometheus.Counter
	sessionsEnded      *prometheus.CounterVec
	recordingFailures  prometheus.Counter
	activeSessionScope prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{
		gatherer: gatherer,
		toolCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_tool_calls_total",
				Help: "Total number of tool invocations",
			},
			[]string{"tool", "status"},
		),
		toolCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toolgate_tool_call_duration_seconds",
				Help:    "Tool invocation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tool"},
		),
		guardRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_guard_rejections_total",
				Help: "Ingress guard rejections by reason",
			},
			[]string{"reason"},
		),
		sessionsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "toolgate_sessions_started_total",
				Help: "Sessions created, explicitly or implicitly",
			},
		),
		sessionsEnded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_sessions_ended_total",
				Help: "Sessions completed by reason",
			},
			[]string{"reason"},
		),
		recordingFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "toolgate_recording_failures_total",
				Help: "Operation events that could not be persisted",
			},
		),
		activeSessionScope: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "toolgate_active_scopes",
				Help: "Tracking scopes with a cached active session",
			},
		),
	}

	reg.MustRegister(
		m.toolCallsTotal,
		m.toolCallDuration,
		m.guardRejections,
		m.sessionsStarted,
		m.sessionsEnded,
		m.recordingFailures,
		m.activeSessionScope,
	)
	return m
}

// NewIsolated creates metrics on a private registry, used by tests and the fuzz harness.
func NewIsolated() *Metrics {
	reg := prometheus.NewRegistry()
	return New(reg, reg)
}

// Handler returns an HTTP handler serving the registered metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordToolCall(tool, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.toolCallsTotal.WithLabelValues(tool, status).Inc()
	m.toolCallDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func (m *Metrics) RecordGuardRejection(reason string) {
	if m == nil {
		return
	}
	m.guardRejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordSessionStarted() {
	if m == nil {
		return
	}
	m.sessionsStarted.Inc()
}

func (m *Metrics) RecordSessionEnded(reason string) {
	if m == nil {
		return
	}
	m.sessionsEnded.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordRecordingFailure() {
	if m == nil {
		return
	}
	m.recordingFailures.Inc()
}

func (m *Metrics) SetActiveScopes(n int) {
	if m == nil {
		return
	}
	m.activeSessionScope.Set(float64(n))
}
