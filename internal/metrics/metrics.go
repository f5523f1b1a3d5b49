// Package metrics holds the prometheus collectors of the provisioner.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "provisioner"

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	operations      *prometheus.CounterVec
	backendDuration *prometheus.HistogramVec
	backendErrors   *prometheus.CounterVec
	notifyDropped   prometheus.Counter
	notifyFailed    *prometheus.CounterVec
	inflight        *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Lifecycle operations by result.",
		}, []string{"op", "result"}),
		backendDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_call_duration_seconds",
			Help:      "Duration of provisioning backend calls.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"backend", "op"}),
		backendErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_errors_total",
			Help:      "Failed provisioning backend calls by error kind.",
		}, []string{"backend", "op", "kind"}),
		notifyDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dropped_total",
			Help:      "Lifecycle events dropped because the notification queue was full.",
		}),
		notifyFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_failed_total",
			Help:      "Lifecycle events a sink failed to deliver.",
		}, []string{"sink"}),
		inflight: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight_operations",
			Help:      "Lifecycle operations currently running.",
		}, []string{"op"}),
	}
}

func (m *Metrics) Operation(op, result string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, result).Inc()
}

// Begin marks op as running and returns the func that ends it.
func (m *Metrics) Begin(op string) func() {
	if m == nil {
		return func() {}
	}
	g := m.inflight.WithLabelValues(op)
	g.Inc()
	return g.Dec
}

func (m *Metrics) BackendCall(backend, op string, took time.Duration, errKind string) {
	if m == nil {
		return
	}
	m.backendDuration.WithLabelValues(backend, op).Observe(took.Seconds())
	if errKind != "" {
		m.backendErrors.WithLabelValues(backend, op, errKind).Inc()
	}
}

func (m *Metrics) NotificationDropped() {
	if m == nil {
		return
	}
	m.notifyDropped.Inc()
}

func (m *Metrics) NotificationFailed(sink string) {
	if m == nil {
		return
	}
	m.notifyFailed.WithLabelValues(sink).Inc()
}
