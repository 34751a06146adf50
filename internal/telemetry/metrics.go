// Package telemetry holds the prometheus metrics and the otel tracer used
// by the adapters, the data layer and the server.
//
// Metrics are registered on an explicit registerer so several contexts (and
// tests) can coexist. A nil *Metrics is valid and records nothing.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "entsync"

// Remote operation outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
)

// Metrics is the set of entsync collectors.
type Metrics struct {
	// adapterRequests counts transport requests.
	// Labels: op, controller, status (HTTP status code or "error")
	adapterRequests *prometheus.CounterVec

	// adapterLatency measures transport request latency including retries.
	// Labels: op
	adapterLatency *prometheus.HistogramVec

	// adapterRetries counts retried transport attempts.
	// Labels: op
	adapterRetries *prometheus.CounterVec

	// remoteOps counts entity remote operations issued by data sets.
	// Labels: set, op (create, update, remove), outcome (ok, error, skipped)
	remoteOps *prometheus.CounterVec

	// setEntities tracks the local entity count per set.
	// Labels: set
	setEntities *prometheus.GaugeVec

	// httpRequests counts requests served by the REST server.
	// Labels: method, route, status
	httpRequests *prometheus.CounterVec

	// httpLatency measures REST server request latency.
	// Labels: method, route
	httpLatency *prometheus.HistogramVec
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		adapterRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "adapter",
			Name:      "requests_total",
			Help:      "Total remote adapter requests",
		}, []string{"op", "controller", "status"}),
		adapterLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "adapter",
			Name:      "request_duration_seconds",
			Help:      "Remote adapter request latency in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"op"}),
		adapterRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "adapter",
			Name:      "retries_total",
			Help:      "Total retried remote adapter attempts",
		}, []string{"op"}),
		remoteOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "set",
			Name:      "remote_operations_total",
			Help:      "Total entity remote operations by outcome",
		}, []string{"set", "op", "outcome"}),
		setEntities: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "set",
			Name:      "entities",
			Help:      "Number of locally attached entities",
		}, []string{"set"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total REST requests served",
		}, []string{"method", "route", "status"}),
		httpLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "REST request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// ObserveRequest records one finished transport request.
func (m *Metrics) ObserveRequest(op, controller, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.adapterRequests.WithLabelValues(op, controller, status).Inc()
	m.adapterLatency.WithLabelValues(op).Observe(d.Seconds())
}

// ObserveRetry records one retried transport attempt.
func (m *Metrics) ObserveRetry(op string) {
	if m == nil {
		return
	}
	m.adapterRetries.WithLabelValues(op).Inc()
}

// ObserveRemote records an entity remote operation.
func (m *Metrics) ObserveRemote(set, op, outcome string) {
	if m == nil {
		return
	}
	m.remoteOps.WithLabelValues(set, op, outcome).Inc()
}

// SetEntities records a set's local count.
func (m *Metrics) SetEntities(set string, n int) {
	if m == nil {
		return
	}
	m.setEntities.WithLabelValues(set).Set(float64(n))
}

// ObserveHTTP records one served REST request.
func (m *Metrics) ObserveHTTP(method, route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, status).Inc()
	m.httpLatency.WithLabelValues(method, route).Observe(d.Seconds())
}

// Outcome maps an operation error to an outcome label.
func Outcome(err error) string {
	if err == nil {
		return OutcomeOK
	}
	return OutcomeError
}
