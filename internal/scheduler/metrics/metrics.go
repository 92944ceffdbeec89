package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics covers the due-date automation loop.
type Metrics struct {
	Ticks        *prometheus.CounterVec
	DueItems     *prometheus.CounterVec
	TickDuration prometheus.Histogram
	Drained      prometheus.Counter
}

func New() *Metrics {
	return &Metrics{
		Ticks: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "doccontrol_scheduler_ticks_total",
			Help: "Scheduler ticks, by result (completed, contended, failed)",
		}, []string{"result"}),
		DueItems: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "doccontrol_scheduler_due_items_total",
			Help: "Due items processed, by outcome",
		}, []string{"outcome"}),
		TickDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "doccontrol_scheduler_tick_duration_seconds",
			Help:    "Wall time of one scheduler tick",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		}),
		Drained: promauto.NewCounter(prometheus.CounterOpts{
			Name: "doccontrol_scheduler_side_effects_drained_total",
			Help: "Side-effect batches delivered by scheduler ticks",
		}),
	}
}

func (m *Metrics) IncTick(result string) {
	m.Ticks.WithLabelValues(result).Inc()
}

func (m *Metrics) IncDueItem(outcome string) {
	m.DueItems.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveTick(seconds float64) {
	m.TickDuration.Observe(seconds)
}

func (m *Metrics) AddDrained(n int) {
	m.Drained.Add(float64(n))
}
