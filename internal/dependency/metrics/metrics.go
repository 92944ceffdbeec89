package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	EdgesAdded        prometheus.Counter
	EdgesRemoved      prometheus.Counter
	EdgesRejected     *prometheus.CounterVec
	RetirementChecks  *prometheus.CounterVec
	TraversalDuration prometheus.Histogram
}

func New() *Metrics {
	return &Metrics{
		EdgesAdded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "doccontrol_dependency_edges_added_total",
			Help: "Dependency edges committed",
		}),
		EdgesRemoved: promauto.NewCounter(prometheus.CounterOpts{
			Name: "doccontrol_dependency_edges_removed_total",
			Help: "Dependency edges removed",
		}),
		EdgesRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "doccontrol_dependency_edges_rejected_total",
			Help: "Dependency edge insertions rejected, by reason",
		}, []string{"reason"}),
		RetirementChecks: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "doccontrol_dependency_retirement_checks_total",
			Help: "Family retirement checks, by result",
		}, []string{"allowed"}),
		TraversalDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "doccontrol_dependency_cycle_check_duration_seconds",
			Help:    "Time spent walking the graph for cycle detection",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5},
		}),
	}
}

func (m *Metrics) IncAdded()   { m.EdgesAdded.Inc() }
func (m *Metrics) IncRemoved() { m.EdgesRemoved.Inc() }

func (m *Metrics) IncRejected(reason string) {
	m.EdgesRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncRetirementCheck(allowed bool) {
	label := "false"
	if allowed {
		label = "true"
	}
	m.RetirementChecks.WithLabelValues(label).Inc()
}

func (m *Metrics) ObserveTraversal(seconds float64) {
	m.TraversalDuration.Observe(seconds)
}
