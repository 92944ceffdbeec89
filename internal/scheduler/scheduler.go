// Package scheduler drives date-based transitions. Each tick reads the due
// index and asks the state machine to process_due_date as the SYSTEM actor,
// so automation goes through the same guards as people. A document a human
// already moved fails the state guard and is skipped; nothing records which
// triggers were consumed.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"doccontrol/internal/document/models"
	"doccontrol/internal/scheduler/dueindex"
	"doccontrol/internal/scheduler/lease"
	schedmetrics "doccontrol/internal/scheduler/metrics"
	"doccontrol/internal/workflow"
	id "doccontrol/pkg/domain"
	dErrors "doccontrol/pkg/domain-errors"
	"doccontrol/pkg/platform/audit"
	"doccontrol/pkg/requestcontext"
)

var tracer = otel.Tracer("doccontrol.scheduler")

// Transitioner is the slice of the state machine the scheduler drives.
type Transitioner interface {
	RequestTransition(ctx context.Context, docID id.DocumentID, action models.Action, actor models.Actor, payload models.Payload) (*workflow.Result, error)
	ResyncDue(ctx context.Context, docID id.DocumentID, notBefore time.Time) error
}

// Drainer delivers side effects that could not be delivered earlier.
type Drainer interface {
	Drain(ctx context.Context) (int, error)
}

// SecurityPublisher receives operational alerts the scheduler raises.
type SecurityPublisher interface {
	Emit(ctx context.Context, event audit.SecurityEvent)
}

type Config struct {
	Interval           time.Duration
	BatchSize          int
	Concurrency        int
	PerDocumentTimeout time.Duration
	// BlockedRetry holds a blocked retirement back before it is tried again.
	BlockedRetry time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:           time.Minute,
		BatchSize:          500,
		Concurrency:        8,
		PerDocumentTimeout: 10 * time.Second,
		BlockedRetry:       time.Hour,
	}
}

// Outcome is what happened to one due item.
type Outcome string

const (
	// OutcomeApplied means the date-driven transition committed.
	OutcomeApplied Outcome = "applied"
	// OutcomeSkipped means the document had already moved on.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeBlocked means retirement is held up by active dependents. The
	// entry is pushed back by Config.BlockedRetry.
	OutcomeBlocked Outcome = "blocked"
	// OutcomeRemoved means the document no longer exists.
	OutcomeRemoved Outcome = "removed"
	// OutcomeFailed items stay in the index and are retried next tick.
	OutcomeFailed Outcome = "failed"
)

// ItemResult reports one processed due item.
type ItemResult struct {
	Entry   dueindex.Entry
	Outcome Outcome
	Error   string `json:",omitempty"`
}

// TickResult summarises one tick.
type TickResult struct {
	StartTime time.Time
	EndTime   time.Time
	Now       time.Time
	// Contended is set when another instance held the tick lease.
	Contended bool
	Items     []ItemResult
	Drained   int
}

// Count returns the number of items with outcome o.
func (r TickResult) Count(o Outcome) int {
	n := 0
	for _, it := range r.Items {
		if it.Outcome == o {
			n++
		}
	}
	return n
}

func (r TickResult) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

type Scheduler struct {
	workflow Transitioner
	index    dueindex.Index
	lease    lease.Lease
	drainer  Drainer
	security SecurityPublisher
	metrics  *schedmetrics.Metrics
	logger   *slog.Logger
	clock    func() time.Time
	config   Config

	mu      sync.Mutex
	running bool
	done    chan struct{}
	stopped chan struct{}
}

type Option func(*Scheduler)

func WithLease(l lease.Lease) Option {
	return func(s *Scheduler) { s.lease = l }
}

func WithDrainer(d Drainer) Option {
	return func(s *Scheduler) { s.drainer = d }
}

func WithSecurityPublisher(p SecurityPublisher) Option {
	return func(s *Scheduler) { s.security = p }
}

func WithMetrics(m *schedmetrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithClock replaces time.Now, for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) { s.clock = clock }
}

func New(wf Transitioner, index dueindex.Index, cfg Config, opts ...Option) (*Scheduler, error) {
	if wf == nil {
		return nil, errors.New("workflow is required")
	}
	if index == nil {
		return nil, errors.New("due index is required")
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.PerDocumentTimeout <= 0 {
		cfg.PerDocumentTimeout = def.PerDocumentTimeout
	}
	if cfg.BlockedRetry <= 0 {
		cfg.BlockedRetry = def.BlockedRetry
	}
	s := &Scheduler{
		workflow: wf,
		index:    index,
		lease:    lease.NewLocal(),
		logger:   slog.Default(),
		clock:    time.Now,
		config:   cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start runs a tick immediately and then every Interval until Stop is
// called or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("scheduler is already running")
	}
	s.running = true
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})

	s.logger.InfoContext(ctx, "scheduler starting",
		"interval", s.config.Interval.String(),
		"batch_size", s.config.BatchSize,
		"concurrency", s.config.Concurrency,
	)
	go s.runLoop(ctx, s.done, s.stopped)
	return nil
}

// Stop ends the loop and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.done)
	stopped := s.stopped
	s.mu.Unlock()
	<-stopped
	s.logger.Info("scheduler stopped")
}

// RunNow runs a single tick outside the loop.
func (s *Scheduler) RunNow(ctx context.Context) (TickResult, error) {
	return s.Tick(ctx)
}

func (s *Scheduler) runLoop(ctx context.Context, done <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.executeTick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			s.executeTick(ctx)
		}
	}
}

func (s *Scheduler) executeTick(ctx context.Context) {
	result, err := s.Tick(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "scheduler tick failed", "error", err)
		return
	}
	if result.Contended || len(result.Items) == 0 && result.Drained == 0 {
		s.logger.DebugContext(ctx, "scheduler tick completed (nothing due)", "contended", result.Contended)
		return
	}
	s.logger.InfoContext(ctx, "scheduler tick completed",
		"due", len(result.Items),
		"applied", result.Count(OutcomeApplied),
		"skipped", result.Count(OutcomeSkipped),
		"blocked", result.Count(OutcomeBlocked),
		"removed", result.Count(OutcomeRemoved),
		"failed", result.Count(OutcomeFailed),
		"drained", result.Drained,
		"duration_ms", result.Duration().Milliseconds(),
	)
}

// Tick processes one batch of due items. Individual failures never abort
// the batch; they are reported in the result and retried next tick.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	ctx, span := tracer.Start(ctx, "scheduler.Tick")
	defer span.End()

	result := TickResult{StartTime: s.clock()}
	err := s.tick(ctx, &result)
	result.EndTime = s.clock()

	span.SetAttributes(
		attribute.Int("due", len(result.Items)),
		attribute.Bool("contended", result.Contended),
	)
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.countTick("failed", result)
	case result.Contended:
		s.countTick("contended", result)
	default:
		s.countTick("completed", result)
	}
	return result, err
}

func (s *Scheduler) tick(ctx context.Context, result *TickResult) error {
	release, ok, err := s.lease.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire tick lease: %w", err)
	}
	if !ok {
		result.Contended = true
		return nil
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.logger.WarnContext(ctx, "failed to release tick lease", "error", err)
		}
	}()

	now := s.clock().UTC()
	result.Now = now
	entries, err := s.index.Due(ctx, now, s.config.BatchSize)
	if err != nil {
		return fmt.Errorf("read due index: %w", err)
	}

	items := make([]ItemResult, len(entries))
	var g errgroup.Group
	g.SetLimit(s.config.Concurrency)
	for i, entry := range entries {
		g.Go(func() error {
			items[i] = s.process(ctx, now, entry)
			return nil
		})
	}
	_ = g.Wait()
	result.Items = items

	if s.drainer != nil {
		n, err := s.drainer.Drain(ctx)
		result.Drained = n
		if err != nil {
			// still queued; the next tick retries
			s.logger.WarnContext(ctx, "side effect delivery failed", "error", err)
			s.alert(ctx, audit.EventNotificationDeliveryFailed, "", err.Error())
		}
	}
	return nil
}

func (s *Scheduler) process(ctx context.Context, now time.Time, entry dueindex.Entry) ItemResult {
	ctx, cancel := context.WithTimeout(ctx, s.config.PerDocumentTimeout)
	defer cancel()
	ctx = requestcontext.WithTime(ctx, now)
	ctx, span := tracer.Start(ctx, "scheduler.ProcessDue", trace.WithAttributes(
		attribute.String("document_id", entry.DocumentID.String()),
		attribute.String("kind", string(entry.Kind)),
	))
	defer span.End()

	item := ItemResult{Entry: entry}
	_, err := s.workflow.RequestTransition(ctx, entry.DocumentID, models.ActionProcessDueDate, models.SystemActor(), models.Payload{})
	switch {
	case err == nil:
		item.Outcome = OutcomeApplied
	case workflow.IsStateRejection(err):
		item.Outcome = OutcomeSkipped
		s.resync(ctx, entry, time.Time{})
	case dErrors.HasCode(err, dErrors.CodeDependencyBlocked):
		item.Outcome = OutcomeBlocked
		retryAt := now.Add(s.config.BlockedRetry)
		s.logger.WarnContext(ctx, "due transition blocked by dependents",
			"document_id", entry.DocumentID,
			"kind", entry.Kind,
			"retry_at", retryAt,
			"error", err,
		)
		s.resync(ctx, entry, retryAt)
	case dErrors.HasCode(err, dErrors.CodeNotFound):
		item.Outcome = OutcomeRemoved
		if err := s.index.Remove(ctx, entry.DocumentID); err != nil {
			s.logger.WarnContext(ctx, "failed to drop due entry", "document_id", entry.DocumentID, "error", err)
		}
	default:
		item.Outcome = OutcomeFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.ErrorContext(ctx, "due transition failed",
			"document_id", entry.DocumentID,
			"kind", entry.Kind,
			"error", err,
		)
		s.alert(ctx, audit.EventSchedulerTransientFailure, entry.DocumentID.String(),
			fmt.Sprintf("%s due item failed: %v", entry.Kind, err))
	}
	if err != nil && item.Outcome != OutcomeApplied {
		item.Error = err.Error()
	}
	if s.metrics != nil {
		s.metrics.IncDueItem(string(item.Outcome))
	}
	return item
}

// resync corrects an index entry that no longer matches the document,
// keeping it out of the due set until notBefore.
func (s *Scheduler) resync(ctx context.Context, entry dueindex.Entry, notBefore time.Time) {
	if err := s.workflow.ResyncDue(ctx, entry.DocumentID, notBefore); err != nil {
		s.logger.WarnContext(ctx, "failed to resync due entry", "document_id", entry.DocumentID, "error", err)
	}
}

func (s *Scheduler) alert(ctx context.Context, event audit.AuditEvent, subject, reason string) {
	if s.security == nil {
		return
	}
	s.security.Emit(ctx, audit.SecurityEvent{
		Timestamp: requestcontext.Now(ctx),
		Subject:   subject,
		Action:    string(event),
		Reason:    reason,
		ActorID:   models.SystemActor().UserID.String(),
		Severity:  audit.SeverityWarning,
	})
}

func (s *Scheduler) countTick(result string, r TickResult) {
	if s.metrics == nil {
		return
	}
	s.metrics.IncTick(result)
	s.metrics.ObserveTick(r.Duration().Seconds())
	s.metrics.AddDrained(r.Drained)
}
