// Package metrics exposes Prometheus instrumentation for the mealsync
// engine. Metrics register on an injected registry so embedding
// applications decide whether and where to expose them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's instrumentation. A nil *Metrics is not
// valid; use Nop() when instrumentation is unwanted.
type Metrics struct {
	// ProbeResults counts health probe outcomes by result
	// (online, offline, auth-rejected).
	ProbeResults *prometheus.CounterVec

	// StreamReconnects counts realtime stream reconnect attempts.
	StreamReconnects prometheus.Counter

	// StreamConsumers tracks the realtime stream's reference count.
	StreamConsumers prometheus.Gauge

	// QueuedChanges counts pending changes written to the local queue,
	// by kind (add, update, delete).
	QueuedChanges *prometheus.CounterVec

	// DrainedChanges counts queue drain outcomes
	// (applied, skipped, failed).
	DrainedChanges *prometheus.CounterVec
}

// New creates the engine metrics and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ProbeResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mealsync",
			Subsystem: "connectivity",
			Name:      "probe_results_total",
			Help:      "Health probe outcomes by result.",
		}, []string{"result"}),
		StreamReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mealsync",
			Subsystem: "stream",
			Name:      "reconnects_total",
			Help:      "Realtime stream reconnect attempts.",
		}),
		StreamConsumers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mealsync",
			Subsystem: "stream",
			Name:      "consumers",
			Help:      "Active realtime stream consumers.",
		}),
		QueuedChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mealsync",
			Subsystem: "queue",
			Name:      "changes_total",
			Help:      "Pending changes queued locally, by kind.",
		}, []string{"kind"}),
		DrainedChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mealsync",
			Subsystem: "queue",
			Name:      "drained_total",
			Help:      "Queue drain outcomes.",
		}, []string{"outcome"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ProbeResults,
			m.StreamReconnects,
			m.StreamConsumers,
			m.QueuedChanges,
			m.DrainedChanges,
		)
	}
	return m
}

// Nop creates unregistered metrics that still accept observations.
func Nop() *Metrics {
	return New(nil)
}
