// Package observability provides Prometheus metrics and OpenTelemetry
// tracing setup for the console backend.
//
// Components accept a *Metrics that may be nil; every recording method is a
// no-op on a nil receiver so tests and tools can skip instrumentation.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "space_manager"

const (
	upstreamSubsystem = "upstream"
	streamSubsystem   = "stream"
	sessionSubsystem  = "session"
)

// Outcome label values.
const (
	OutcomeSuccess  = "success"
	OutcomeError    = "error"
	OutcomeNotFound = "not_found"
)

// Metrics holds every Prometheus collector the service exports.
type Metrics struct {
	// UpstreamRequestsTotal counts hosting platform calls.
	// Labels: operation (list, metrics, action), outcome
	UpstreamRequestsTotal *prometheus.CounterVec

	// AggregationPartialFailuresTotal counts listings that succeeded for
	// some credentials but not others.
	AggregationPartialFailuresTotal prometheus.Counter

	// ActionsTotal counts dispatched control actions.
	// Labels: action, outcome
	ActionsTotal *prometheus.CounterVec

	// ActionDurationSeconds measures dispatch latency including fallbacks.
	// Labels: action
	ActionDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks open metrics stream connections.
	ActiveStreams prometheus.Gauge

	// StreamEventsTotal counts events written to stream clients.
	// Labels: event (connected, metric, ping)
	StreamEventsTotal *prometheus.CounterVec

	// StreamErrorsTotal counts suppressed per-instance poll failures.
	StreamErrorsTotal prometheus.Counter

	// SessionsTotal counts session operations.
	// Labels: operation (login, verify, logout, authorize), outcome
	SessionsTotal *prometheus.CounterVec
}

var (
	// DefaultMetrics is registered on the default Prometheus registry by
	// InitMetrics.
	DefaultMetrics *Metrics
	initOnce       sync.Once
)

// InitMetrics registers the default metrics once and returns them.
func InitMetrics() *Metrics {
	initOnce.Do(func() {
		DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return DefaultMetrics
}

// NewMetrics creates and registers all collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		UpstreamRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: upstreamSubsystem,
				Name:      "requests_total",
				Help:      "Total hosting platform requests by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		AggregationPartialFailuresTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: upstreamSubsystem,
				Name:      "aggregation_partial_failures_total",
				Help:      "Listings where at least one credential failed but another succeeded",
			},
		),
		ActionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: upstreamSubsystem,
				Name:      "actions_total",
				Help:      "Total control actions by action and outcome",
			},
			[]string{"action", "outcome"},
		),
		ActionDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: upstreamSubsystem,
				Name:      "action_duration_seconds",
				Help:      "Control action latency including fallback attempts",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 90},
			},
			[]string{"action"},
		),
		ActiveStreams: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: streamSubsystem,
				Name:      "active",
				Help:      "Currently open metrics stream connections",
			},
		),
		StreamEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamSubsystem,
				Name:      "events_total",
				Help:      "Stream events written by type",
			},
			[]string{"event"},
		),
		StreamErrorsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamSubsystem,
				Name:      "poll_errors_total",
				Help:      "Suppressed per-instance metrics poll failures",
			},
		),
		SessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: sessionSubsystem,
				Name:      "operations_total",
				Help:      "Session operations by type and outcome",
			},
			[]string{"operation", "outcome"},
		),
	}
}

// RecordUpstream counts one hosting platform call.
func (m *Metrics) RecordUpstream(operation, outcome string) {
	if m == nil {
		return
	}
	m.UpstreamRequestsTotal.WithLabelValues(operation, outcome).Inc()
}

// RecordPartialFailure counts one partially failed aggregation.
func (m *Metrics) RecordPartialFailure() {
	if m == nil {
		return
	}
	m.AggregationPartialFailuresTotal.Inc()
}

// RecordAction counts one dispatched action and its latency.
func (m *Metrics) RecordAction(action, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.ActionsTotal.WithLabelValues(action, outcome).Inc()
	m.ActionDurationSeconds.WithLabelValues(action).Observe(seconds)
}

// StreamOpened increments the active stream gauge.
func (m *Metrics) StreamOpened() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

// StreamClosed decrements the active stream gauge.
func (m *Metrics) StreamClosed() {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
}

// RecordStreamEvent counts one written stream event.
func (m *Metrics) RecordStreamEvent(event string) {
	if m == nil {
		return
	}
	m.StreamEventsTotal.WithLabelValues(event).Inc()
}

// RecordStreamError counts one suppressed poll failure.
func (m *Metrics) RecordStreamError() {
	if m == nil {
		return
	}
	m.StreamErrorsTotal.Inc()
}

// RecordSession counts one session operation.
func (m *Metrics) RecordSession(operation, outcome string) {
	if m == nil {
		return
	}
	m.SessionsTotal.WithLabelValues(operation, outcome).Inc()
}
