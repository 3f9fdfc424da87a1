// README: Prometheus counters and gauge for the dispatch loop.
package matching

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	iterations prometheus.Counter
	offers     prometheus.Counter
	exhausted  prometheus.Counter
	active     prometheus.Gauge
}

// NewMetrics builds the dispatch collectors and registers them when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_iterations_total",
			Help: "Dispatch search iterations run.",
		}),
		offers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_offers_total",
			Help: "Ride offers sent to drivers.",
		}),
		exhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_exhausted_total",
			Help: "Rides cancelled because no driver was found in time.",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_active_loops",
			Help: "Dispatch loops currently owned by this process.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.iterations, m.offers, m.exhausted, m.active)
	}
	return m
}
