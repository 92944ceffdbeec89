// Package security buffers security audit events and persists them in the
// background. Emit never blocks and never fails: alerting must not take down
// the operation that raised it.
package security

import (
	"context"
	"log/slog"
	"time"

	audit "doccontrol/pkg/platform/audit"
)

const (
	defaultFlushInterval = time.Second
	defaultBatchSize     = 100
)

type Publisher struct {
	buffer        *ringBuffer
	store         audit.Store
	logger        *slog.Logger
	flushInterval time.Duration
	batchSize     int
	now           func() time.Time
}

type Option func(*Publisher)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) { p.logger = logger }
}

func WithCapacity(n int) Option {
	return func(p *Publisher) { p.buffer = newRingBuffer(n) }
}

func WithFlushInterval(d time.Duration) Option {
	return func(p *Publisher) { p.flushInterval = d }
}

func WithBatchSize(n int) Option {
	return func(p *Publisher) { p.batchSize = n }
}

func New(store audit.Store, opts ...Option) *Publisher {
	p := &Publisher{
		store:         store,
		logger:        slog.Default(),
		flushInterval: defaultFlushInterval,
		batchSize:     defaultBatchSize,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.buffer == nil {
		p.buffer = newRingBuffer(defaultCapacity)
	}
	return p
}

// Emit queues the event. Critical events are also logged immediately so they
// reach the log pipeline even if the store is down.
func (p *Publisher) Emit(ctx context.Context, event audit.SecurityEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = p.now()
	}
	if event.Severity == "" {
		event.Severity = audit.SeverityInfo
	}
	if event.Severity == audit.SeverityCritical {
		p.logger.ErrorContext(ctx, "CRITICAL: security event",
			"action", event.Action,
			"subject", event.Subject,
			"reason", event.Reason,
			"actor_id", event.ActorID,
			"request_id", event.RequestID,
		)
	}
	p.buffer.push(event)
}

// Run flushes on every interval until ctx is cancelled, then makes a final
// flush with a fresh context.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			p.Flush(drainCtx)
			return nil
		case <-ticker.C:
			p.Flush(ctx)
		}
	}
}

// Flush persists everything currently buffered. Events that fail to persist
// are put back and retried on the next flush.
func (p *Publisher) Flush(ctx context.Context) int {
	written := 0
	for {
		batch := p.buffer.pop(p.batchSize)
		if len(batch) == 0 {
			return written
		}
		for i, event := range batch {
			if err := p.store.Append(ctx, event.ToEvent()); err != nil {
				p.logger.WarnContext(ctx, "security audit persist failed, requeueing",
					"pending", len(batch)-i,
					"error", err,
				)
				for _, rest := range batch[i:] {
					p.buffer.push(rest)
				}
				return written
			}
			written++
		}
	}
}

// Pending reports buffered events not yet persisted.
func (p *Publisher) Pending() int { return p.buffer.len() }

// Dropped reports events lost to buffer overflow.
func (p *Publisher) Dropped() int64 { return p.buffer.droppedCount() }
