package machine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	events   *prometheus.CounterVec
	attempts *prometheus.CounterVec
	pending  prometheus.Gauge
}

// newMetrics registers the machine's collectors with reg. A nil reg creates
// unregistered collectors.
func newMetrics(reg prometheus.Registerer, namespace string) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "machine",
			Name:      "events_total",
			Help:      "Total number of session events handled",
		}, []string{"event"}),

		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "machine",
			Name:      "attempts_total",
			Help:      "Total number of authentication attempts by outcome",
		}, []string{"outcome"}),

		pending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "machine",
			Name:      "pending_events",
			Help:      "Number of session events waiting to be handled",
		}),
	}
}
