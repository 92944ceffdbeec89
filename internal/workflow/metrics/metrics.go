package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics covers the lifecycle state machine.
type Metrics struct {
	Transitions        *prometheus.CounterVec
	Rejections         *prometheus.CounterVec
	TransitionDuration *prometheus.HistogramVec
	Overrides          prometheus.Counter
	DocumentsCreated   prometheus.Counter
}

func New() *Metrics {
	return &Metrics{
		Transitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "doccontrol_workflow_transitions_total",
			Help: "Transition attempts, by action and outcome",
		}, []string{"action", "outcome"}),
		Rejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "doccontrol_workflow_rejections_total",
			Help: "Rejected transition attempts, by failing guard",
		}, []string{"guard"}),
		TransitionDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "doccontrol_workflow_transition_duration_seconds",
			Help:    "Time to evaluate and commit a transition, including lock wait",
			Buckets: prometheus.DefBuckets,
		}, []string{"action"}),
		Overrides: promauto.NewCounter(prometheus.CounterOpts{
			Name: "doccontrol_workflow_emergency_overrides_total",
			Help: "Transitions accepted through the emergency separation-of-duties override",
		}),
		DocumentsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "doccontrol_workflow_documents_created_total",
			Help: "Document families created",
		}),
	}
}

func (m *Metrics) IncTransition(action, outcome string) {
	m.Transitions.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) IncRejection(guard string) {
	m.Rejections.WithLabelValues(guard).Inc()
}

func (m *Metrics) ObserveTransition(action string, seconds float64) {
	m.TransitionDuration.WithLabelValues(action).Observe(seconds)
}

func (m *Metrics) IncOverride() {
	m.Overrides.Inc()
}

func (m *Metrics) IncCreated() {
	m.DocumentsCreated.Inc()
}
