package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks ledger appends and integrity failures.
type Metrics struct {
	RecordsAppended     *prometheus.CounterVec
	IntegrityViolations prometheus.Counter
}

func New() *Metrics {
	return &Metrics{
		RecordsAppended: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "doccontrol_ledger_records_appended_total",
			Help: "Ledger records appended, by outcome",
		}, []string{"outcome"}),
		IntegrityViolations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "doccontrol_ledger_integrity_violations_total",
			Help: "Ledger records that failed digest or chain verification",
		}),
	}
}

func (m *Metrics) IncAppended(outcome string) {
	m.RecordsAppended.WithLabelValues(outcome).Inc()
}

func (m *Metrics) AddIntegrityViolations(n int) {
	m.IntegrityViolations.Add(float64(n))
}
