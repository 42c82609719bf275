package executor

import (
	"github.com/catalogfi/resolver/pkg/resolver/orchestrator"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	transitions *prometheus.CounterVec
	running     prometheus.Gauge
	interrupted prometheus.Counter
}

// newMetrics registers the collectors on reg, nil keeps them unregistered.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "resolver",
			Subsystem: "swap",
			Name:      "transitions_total",
			Help:      "Swap state transitions, by reached state.",
		}, []string{"state"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "resolver",
			Subsystem: "swap",
			Name:      "running",
			Help:      "Swaps currently driven by the executor.",
		}),
		interrupted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "resolver",
			Subsystem: "swap",
			Name:      "interrupted_total",
			Help:      "Swap runs stopped by an error and scheduled for a retry.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.transitions, m.running, m.interrupted)
	}
	return m
}

func (m *metrics) transition(state orchestrator.State) {
	m.transitions.WithLabelValues(state.String()).Inc()
}
