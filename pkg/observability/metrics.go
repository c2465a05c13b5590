package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aretw0/databench/pkg/domain"
)

const namespace = "databench"

// Metrics holds the collectors fed by the lifecycle hooks.
type Metrics struct {
	gatherer prometheus.Gatherer

	Sessions         *prometheus.GaugeVec
	Actions          *prometheus.CounterVec
	ActionDuration   *prometheus.HistogramVec
	HandshakeLatency *prometheus.HistogramVec
	HandshakeProbes  *prometheus.HistogramVec
	Kernels          *prometheus.GaugeVec
	KernelExits      *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		gatherer: reg,
		Sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of connected sessions.",
		}, []string{"analysis"}),
		Actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Dispatched actions by outcome.",
		}, []string{"analysis", "outcome"}),
		ActionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "action_duration_seconds",
			Help:      "Duration of dispatched actions.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"analysis"}),
		HandshakeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kernel_handshake_seconds",
			Help:      "Time from kernel launch to handshake acknowledgement.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"analysis"}),
		HandshakeProbes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kernel_handshake_probes",
			Help:      "Handshake probes sent before the acknowledgement.",
			Buckets:   []float64{1, 2, 3, 5, 10, 25, 50},
		}, []string{"analysis"}),
		Kernels: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "kernels_running",
			Help:      "Number of running kernel processes.",
		}, []string{"analysis"}),
		KernelExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kernel_exits_total",
			Help:      "Kernel process exits by result.",
		}, []string{"analysis", "result"}),
	}
	reg.MustRegister(
		m.Sessions,
		m.Actions,
		m.ActionDuration,
		m.HandshakeLatency,
		m.HandshakeProbes,
		m.Kernels,
		m.KernelExits,
	)
	return m
}

// Handler serves the registered metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Hooks returns lifecycle hooks that record into m.
func (m *Metrics) Hooks() domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnSessionOpen: func(_ context.Context, e *domain.SessionEvent) {
			m.Sessions.WithLabelValues(e.Analysis).Inc()
		},
		OnSessionClose: func(_ context.Context, e *domain.SessionEvent) {
			m.Sessions.WithLabelValues(e.Analysis).Dec()
		},
		OnAction: func(_ context.Context, e *domain.ActionEvent) {
			m.Actions.WithLabelValues(e.Analysis, e.Outcome).Inc()
			m.ActionDuration.WithLabelValues(e.Analysis).Observe(e.Duration.Seconds())
		},
		OnHandshake: func(_ context.Context, e *domain.KernelEvent) {
			m.HandshakeLatency.WithLabelValues(e.Analysis).Observe(e.Duration.Seconds())
			m.HandshakeProbes.WithLabelValues(e.Analysis).Observe(float64(e.Probes))
		},
		OnKernelStart: func(_ context.Context, e *domain.KernelEvent) {
			m.Kernels.WithLabelValues(e.Analysis).Inc()
		},
		OnKernelExit: func(_ context.Context, e *domain.KernelEvent) {
			m.Kernels.WithLabelValues(e.Analysis).Dec()
			result := "ok"
			if e.Err != nil {
				result = "error"
			}
			m.KernelExits.WithLabelValues(e.Analysis, result).Inc()
		},
	}
}
