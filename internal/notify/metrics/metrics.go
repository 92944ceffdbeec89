package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics covers side-effect delivery.
type Metrics struct {
	Dispatched   prometheus.Counter
	Failed       prometheus.Counter
	Dropped      prometheus.Counter
	QueueDepth   prometheus.Gauge
	BreakerState prometheus.Gauge
}

func New() *Metrics {
	return &Metrics{
		Dispatched: promauto.NewCounter(prometheus.CounterOpts{
			Name: "doccontrol_notify_dispatched_total",
			Help: "Side-effect batches delivered",
		}),
		Failed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "doccontrol_notify_failed_total",
			Help: "Failed delivery attempts; the batch stays queued",
		}),
		Dropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "doccontrol_notify_dropped_total",
			Help: "Side-effect batches discarded because the queue was full",
		}),
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "doccontrol_notify_queue_depth",
			Help: "Side-effect batches waiting for delivery",
		}),
		BreakerState: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "doccontrol_notify_breaker_open",
			Help: "1 while the delivery circuit breaker is open",
		}),
	}
}

func (m *Metrics) IncDispatched() { m.Dispatched.Inc() }

func (m *Metrics) IncFailed() { m.Failed.Inc() }

func (m *Metrics) IncDropped() { m.Dropped.Inc() }

func (m *Metrics) SetQueueDepth(n int) { m.QueueDepth.Set(float64(n)) }

func (m *Metrics) SetBreakerOpen(open bool) {
	if open {
		m.BreakerState.Set(1)
		return
	}
	m.BreakerState.Set(0)
}
