// Package metrics exposes the broker's prometheus collectors
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/better-wallet/keybroker/pkg/types"
)

const namespace = "keybroker"

// Resolution outcomes
const (
	OutcomeApproved  = "approved"
	OutcomeRejected  = "rejected"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
)

// Metrics holds the collectors on a private registry. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	pending         *prometheus.GaugeVec
	resolutions     *prometheus.CounterVec
	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	surfaceOpen     prometheus.Gauge
}

// New registers every collector on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		pending: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Requests waiting for a user decision",
		}, []string{"kind"}),
		resolutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolutions_total",
			Help:      "Pending requests settled, by outcome",
		}, []string{"kind", "outcome"}),
		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "messages_total",
			Help:      "Messages dispatched, by result code",
		}, []string{"message", "code"}),
		commandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "message_duration_seconds",
			Help:      "Time to answer a message, including the wait for user approval",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 120, 600},
		}, []string{"message"}),
		surfaceOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "surface_open",
			Help:      "1 while the approval surface is shown",
		}),
	}
}

// Handler serves the registry in the prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetPending records the queue length of kind
func (m *Metrics) SetPending(kind types.RequestKind, n int) {
	if m == nil {
		return
	}
	m.pending.WithLabelValues(string(kind)).Set(float64(n))
}

// ObserveResolution counts one settled request
func (m *Metrics) ObserveResolution(kind types.RequestKind, outcome string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(string(kind), outcome).Inc()
}

// ObserveMessage counts one dispatched message
func (m *Metrics) ObserveMessage(message, code string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(message, code).Inc()
	m.commandDuration.WithLabelValues(message).Observe(elapsed.Seconds())
}

// SetSurfaceOpen records whether the approval surface is shown
func (m *Metrics) SetSurfaceOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.surfaceOpen.Set(1)
		return
	}
	m.surfaceOpen.Set(0)
}
