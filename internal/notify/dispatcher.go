package notify

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"doccontrol/internal/document/models"
	notifymetrics "doccontrol/internal/notify/metrics"
	"doccontrol/pkg/platform/circuit"
)

// Dispatcher queues side-effect batches and delivers them in order. The
// state machine enqueues after commit; delivery happens on Run's loop and
// on every scheduler tick through Drain.
type Dispatcher struct {
	notifier Notifier
	breaker  *circuit.Breaker
	metrics  *notifymetrics.Metrics
	logger   *slog.Logger
	capacity int
	interval time.Duration

	mu    sync.Mutex
	queue []queued
	seq   uint64
	// serializes deliveries so batches leave in enqueue order
	sending sync.Mutex
	wake    chan struct{}
}

type DispatcherOption func(*Dispatcher)

func WithCapacity(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.capacity = n
		}
	}
}

// WithRetryInterval sets how often Run retries a non-empty queue.
func WithRetryInterval(interval time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.interval = interval
		}
	}
}

func WithBreaker(b *circuit.Breaker) DispatcherOption {
	return func(d *Dispatcher) { d.breaker = b }
}

func WithMetrics(m *notifymetrics.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logger }
}

func NewDispatcher(notifier Notifier, opts ...DispatcherOption) (*Dispatcher, error) {
	if notifier == nil {
		return nil, errors.New("notifier is required")
	}
	d := &Dispatcher{
		notifier: notifier,
		breaker:  circuit.New("notify", circuit.WithFailureThreshold(3)),
		logger:   slog.Default(),
		capacity: 10000,
		interval: 5 * time.Second,
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// queued is one batch; seq tells a batch apart from whatever replaced it at
// the head while it was being delivered.
type queued struct {
	seq     uint64
	effects []models.SideEffect
}

// Enqueue never blocks. When the queue is full the oldest batch is dropped.
func (d *Dispatcher) Enqueue(effects []models.SideEffect) {
	if len(effects) == 0 {
		return
	}
	d.mu.Lock()
	d.seq++
	d.queue = append(d.queue, queued{seq: d.seq, effects: slices.Clone(effects)})
	var dropped []models.SideEffect
	if len(d.queue) > d.capacity {
		dropped = d.queue[0].effects
		d.queue = d.queue[1:]
	}
	depth := len(d.queue)
	d.mu.Unlock()

	if dropped != nil {
		d.logger.Error("notification queue full, dropping oldest batch",
			"document_id", dropped[0].DocumentID,
			"effects", len(dropped),
		)
		if d.metrics != nil {
			d.metrics.IncDropped()
		}
	}
	d.setDepth(depth)
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued batches.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Drain delivers queued batches until the queue is empty or a delivery
// fails. While the breaker is open only the head batch is tried, as a
// trial. It returns the number of batches delivered.
func (d *Dispatcher) Drain(ctx context.Context) (int, error) {
	d.sending.Lock()
	defer d.sending.Unlock()

	delivered := 0
	for {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		batch, ok := d.head()
		if !ok {
			return delivered, nil
		}
		probing := d.breaker.IsOpen()
		if err := d.notifier.Notify(ctx, batch.effects); err != nil {
			d.recordFailure(ctx, err)
			return delivered, err
		}
		d.pop(batch.seq)
		delivered++
		if d.metrics != nil {
			d.metrics.IncDispatched()
		}
		if _, change := d.breaker.RecordSuccess(); change.Closed {
			d.logger.InfoContext(ctx, "notification delivery recovered", "breaker", d.breaker.Name())
			d.setBreaker(false)
		} else if probing && d.breaker.IsOpen() {
			return delivered, nil
		}
	}
}

// Run drains whenever work is enqueued, and retries every retry interval
// until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.wake:
		case <-ticker.C:
		}
		if d.Pending() == 0 {
			continue
		}
		if _, err := d.Drain(ctx); err != nil && ctx.Err() == nil {
			d.logger.WarnContext(ctx, "side effect delivery failed, will retry", "pending", d.Pending(), "error", err)
		}
	}
}

func (d *Dispatcher) head() (queued, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return queued{}, false
	}
	return d.queue[0], true
}

// pop removes the delivered batch unless Enqueue already dropped it.
func (d *Dispatcher) pop(seq uint64) {
	d.mu.Lock()
	if len(d.queue) > 0 && d.queue[0].seq == seq {
		d.queue = d.queue[1:]
	}
	depth := len(d.queue)
	d.mu.Unlock()
	d.setDepth(depth)
}

func (d *Dispatcher) recordFailure(ctx context.Context, err error) {
	if d.metrics != nil {
		d.metrics.IncFailed()
	}
	if _, change := d.breaker.RecordFailure(); change.Opened {
		d.logger.ErrorContext(ctx, "notification delivery failing, breaker opened",
			"breaker", d.breaker.Name(),
			"error", err,
		)
		d.setBreaker(true)
	}
}

func (d *Dispatcher) setDepth(n int) {
	if d.metrics != nil {
		d.metrics.SetQueueDepth(n)
	}
}

func (d *Dispatcher) setBreaker(open bool) {
	if d.metrics != nil {
		d.metrics.SetBreakerOpen(open)
	}
}
