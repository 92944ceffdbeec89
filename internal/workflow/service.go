// Package workflow is the lifecycle state machine for controlled documents.
//
// Every transition request is evaluated under the family lock in a fixed
// guard order: role, separation of duties, assignment, state, input and,
// for transitions that take a version out of force, dependency. Accepted
// and rejected attempts are both appended to the document's hash-chained
// ledger in the same unit of work. Accepted transitions also emit a
// compliance audit event; if that fails, the transition fails.
//
// Side effects (assignments, due dates, notifications) are returned to the
// caller and handed to the dispatcher after commit. Delivery failures never
// undo a committed transition.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"doccontrol/internal/dependency"
	"doccontrol/internal/document/models"
	"doccontrol/internal/family"
	"doccontrol/internal/ledger"
	"doccontrol/internal/scheduler/dueindex"
	wfmetrics "doccontrol/internal/workflow/metrics"
	id "doccontrol/pkg/domain"
	dErrors "doccontrol/pkg/domain-errors"
	"doccontrol/pkg/platform/audit"
	"doccontrol/pkg/platform/sentinel"
	"doccontrol/pkg/platform/tx"
	"doccontrol/pkg/requestcontext"
)

var tracer = otel.Tracer("doccontrol.workflow")

// DocumentStore persists document versions.
type DocumentStore interface {
	Create(ctx context.Context, doc *models.Document) error
	Update(ctx context.Context, doc *models.Document) error
	FindByID(ctx context.Context, docID id.DocumentID) (*models.Document, error)
	ListByFamily(ctx context.Context, family id.FamilyID) ([]*models.Document, error)
}

// Ledger is the per-document transition history.
type Ledger interface {
	Append(ctx context.Context, e ledger.Entry) (ledger.Record, error)
	History(ctx context.Context, docID id.DocumentID) (*ledger.History, error)
	Verify(ctx context.Context, docID id.DocumentID) (*ledger.History, error)
}

// DependencyChecker is the part of the graph validator the state machine
// needs. Both methods run inside the caller's unit of work.
type DependencyChecker interface {
	CheckRetirement(ctx context.Context, family id.FamilyID, ignoreTargets ...id.DocumentID) (*dependency.RetirementCheck, error)
	CopyOutgoing(ctx context.Context, from, to id.DocumentID, createdBy id.UserID) ([]*models.DependencyEdge, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.ComplianceEvent) error
}

type SecurityPublisher interface {
	Emit(ctx context.Context, event audit.SecurityEvent)
}

// Dispatcher accepts side effects for delivery after commit.
type Dispatcher interface {
	Enqueue(effects []models.SideEffect)
}

type Service struct {
	docs       DocumentStore
	ledger     Ledger
	deps       DependencyChecker
	runner     tx.Runner
	resolver   *family.Resolver
	auditor    AuditPublisher
	security   SecurityPublisher
	index      dueindex.Index
	dispatcher Dispatcher
	metrics    *wfmetrics.Metrics
	logger     *slog.Logger
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *wfmetrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithAuditor(a AuditPublisher) Option {
	return func(s *Service) { s.auditor = a }
}

func WithSecurityPublisher(p SecurityPublisher) Option {
	return func(s *Service) { s.security = p }
}

func WithDueIndex(idx dueindex.Index) Option {
	return func(s *Service) { s.index = idx }
}

func WithDispatcher(d Dispatcher) Option {
	return func(s *Service) { s.dispatcher = d }
}

func New(docs DocumentStore, records Ledger, deps DependencyChecker, runner tx.Runner, opts ...Option) (*Service, error) {
	if docs == nil {
		return nil, errors.New("document store is required")
	}
	if records == nil {
		return nil, errors.New("ledger is required")
	}
	if deps == nil {
		return nil, errors.New("dependency checker is required")
	}
	if runner == nil {
		return nil, errors.New("tx runner is required")
	}
	resolver, err := family.NewResolver(docs)
	if err != nil {
		return nil, err
	}
	s := &Service{
		docs:     docs,
		ledger:   records,
		deps:     deps,
		runner:   runner,
		resolver: resolver,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// Result describes an accepted transition.
type Result struct {
	Document   *models.Document    `json:"document"`
	Created    *models.Document    `json:"created,omitempty"`
	Superseded *models.Document    `json:"superseded,omitempty"`
	Effects    []models.SideEffect `json:"effects"`
	Records    []ledger.Record     `json:"records"`
	Override   bool                `json:"override"`
	// Justification is the reason given for an emergency override.
	Justification string `json:"justification,omitempty"`
}

// CreateRequest starts a new document family at v1.0.
type CreateRequest struct {
	FamilyID           id.FamilyID
	Title              string
	Assignments        models.Assignments
	ReviewIntervalDays int
}

// CreateDocument creates the first version of a family in DRAFT. The author
// defaults to the caller; naming someone else requires the manage capability.
func (s *Service) CreateDocument(ctx context.Context, actor models.Actor, req CreateRequest) (*Result, error) {
	if !actor.Has(models.CapabilityAuthor) && !actor.Has(models.CapabilityManage) {
		return nil, dErrors.New(dErrors.CodeForbidden, "creating documents requires author or manage capability")
	}
	if req.Assignments.Author.IsNil() {
		req.Assignments.Author = actor.UserID
	}
	if req.Assignments.Author != actor.UserID && !actor.Has(models.CapabilityManage) {
		return nil, dErrors.New(dErrors.CodeForbidden, "only a manager can create a document for another author")
	}
	if req.FamilyID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "family ID is required")
	}

	var result *Result
	err := s.runner.RunInTx(ctx, []string{family.LockKey(req.FamilyID)}, func(ctx context.Context) error {
		now := requestcontext.Now(ctx)
		existing, err := s.docs.ListByFamily(ctx, req.FamilyID)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load family")
		}
		if len(existing) > 0 {
			return dErrors.New(dErrors.CodeConflict,
				fmt.Sprintf("family %s already exists; create a new version instead", req.FamilyID))
		}
		doc, err := models.NewDocument(id.NewDocumentID(), req.FamilyID, req.Title, req.Assignments, req.ReviewIntervalDays, now)
		if err != nil {
			return err
		}
		if err := s.docs.Create(ctx, doc); err != nil {
			if errors.Is(err, sentinel.ErrConflict) {
				return dErrors.New(dErrors.CodeConflict, fmt.Sprintf("family %s already exists", req.FamilyID))
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to store document")
		}
		rec, err := s.record(ctx, change{
			doc:     doc,
			actor:   actor.UserID,
			action:  models.ActionCreate,
			comment: doc.Title,
			event:   audit.EventDocumentCreated,
		})
		if err != nil {
			return err
		}
		result = &Result{
			Document: doc,
			Records:  []ledger.Record{rec},
			Effects:  []models.SideEffect{effect(models.SideEffectAssign, doc, doc.Assignments.Author, "draft created")},
		}
		s.syncIndex(ctx, result)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.IncCreated()
	}
	s.logger.InfoContext(ctx, "document created",
		"document_id", result.Document.ID,
		"family_id", result.Document.FamilyID,
		"actor_id", actor.UserID,
	)
	s.afterCommit(ctx, result)
	return result, nil
}

// RequestTransition evaluates and, if every guard passes, applies action
// to the document. A refused request returns a *Rejection.
func (s *Service) RequestTransition(ctx context.Context, docID id.DocumentID, action models.Action, actor models.Actor, payload models.Payload) (*Result, error) {
	ctx, span := tracer.Start(ctx, "workflow.RequestTransition",
		trace.WithAttributes(
			attribute.String("document.id", docID.String()),
			attribute.String("workflow.action", string(action)),
			attribute.String("actor.id", actor.UserID.String()),
		),
	)
	defer span.End()
	start := time.Now()

	result, err := s.requestTransition(ctx, docID, action, actor, payload)
	s.observe(span, action, start, err)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("workflow.new_state", string(result.Document.State)),
		attribute.Bool("workflow.override", result.Override),
	)
	s.logger.InfoContext(ctx, "transition accepted",
		"document_id", docID,
		"action", action,
		"state", result.Document.State,
		"actor_id", actor.UserID,
		"override", result.Override,
	)
	s.afterCommit(ctx, result)
	return result, nil
}

func (s *Service) requestTransition(ctx context.Context, docID id.DocumentID, action models.Action, actor models.Actor, payload models.Payload) (*Result, error) {
	if _, err := models.ParseAction(string(action)); err != nil {
		return nil, err
	}
	doc, err := s.load(ctx, docID)
	if err != nil {
		return nil, err
	}
	keys := []string{family.LockKey(doc.FamilyID)}
	if action == models.ActionCreateVersion {
		keys = append(keys, dependency.GraphLockKey)
	}

	var (
		result    *Result
		rejection *Rejection
	)
	err = s.runner.RunInTx(ctx, keys, func(ctx context.Context) error {
		result, rejection = nil, nil
		a, err := s.snapshot(ctx, doc.FamilyID, docID, action, actor, payload)
		if err != nil {
			return err
		}
		rejection = a.evaluate()
		if rejection == nil {
			if rejection, err = s.checkDependencies(ctx, a); err != nil {
				return err
			}
		}
		if rejection != nil {
			return s.recordRejection(ctx, a, rejection)
		}
		if result, err = s.apply(ctx, a); err != nil {
			return err
		}
		s.syncIndex(ctx, result)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if rejection != nil {
		s.rejected(ctx, actor, rejection)
		return nil, rejection
	}
	return result, nil
}

// Reassign changes the assignments of a DRAFT. Authors may name reviewer
// and approver; changing the author needs the manage capability.
func (s *Service) Reassign(ctx context.Context, docID id.DocumentID, actor models.Actor, assignments models.Assignments) (*Result, error) {
	doc, err := s.load(ctx, docID)
	if err != nil {
		return nil, err
	}
	var (
		result    *Result
		rejection *Rejection
	)
	err = s.runner.RunInTx(ctx, []string{family.LockKey(doc.FamilyID)}, func(ctx context.Context) error {
		result, rejection = nil, nil
		a, err := s.snapshot(ctx, doc.FamilyID, docID, models.ActionReassign, actor, models.Payload{})
		if err != nil {
			return err
		}
		if assignments.Author.IsNil() {
			assignments.Author = a.doc.Assignments.Author
		}
		if rejection = a.checkReassign(assignments); rejection != nil {
			return s.recordRejection(ctx, a, rejection)
		}
		before := a.doc.Assignments
		a.doc.Assignments = assignments
		a.doc.UpdatedAt = a.now
		if err := s.save(ctx, a.doc); err != nil {
			return err
		}
		rec, err := s.record(ctx, change{
			doc:     a.doc,
			actor:   actor.UserID,
			action:  models.ActionReassign,
			prior:   a.doc.State,
			comment: describeAssignments(assignments),
			event:   audit.EventDocumentReassigned,
		})
		if err != nil {
			return err
		}
		result = &Result{
			Document: a.doc,
			Records:  []ledger.Record{rec},
			Effects:  reassignEffects(a.doc, before),
		}
		s.syncIndex(ctx, result)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if rejection != nil {
		s.rejected(ctx, actor, rejection)
		return nil, rejection
	}
	s.afterCommit(ctx, result)
	return result, nil
}

func (a *attempt) checkReassign(next models.Assignments) *Rejection {
	if !a.actor.Has(models.CapabilityAuthor) && !a.actor.Has(models.CapabilityManage) {
		return reject(GuardRole, a.action, a.doc, "reassigning requires author or manage capability")
	}
	manager := a.actor.Has(models.CapabilityManage)
	if a.actor.UserID != a.doc.Assignments.Author && !manager {
		return reject(GuardAssignment, a.action, a.doc, "only the author of %s may reassign it", a.doc.Number())
	}
	if next.Author != a.doc.Assignments.Author && !manager {
		return reject(GuardAssignment, a.action, a.doc, "only a manager can change the author")
	}
	if a.doc.State != models.StateDraft {
		return reject(GuardState, a.action, a.doc, "assignments can only change while DRAFT, %s is %s", a.doc.Number(), a.doc.State)
	}
	if err := next.Validate(); err != nil {
		return reject(GuardInput, a.action, a.doc, "%s", message(err))
	}
	return nil
}

// snapshot reads the family under the lock and picks the document out of it
// so guards see one consistent view.
func (s *Service) snapshot(ctx context.Context, familyID id.FamilyID, docID id.DocumentID, action models.Action, actor models.Actor, payload models.Payload) (*attempt, error) {
	members, err := s.docs.ListByFamily(ctx, familyID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load family")
	}
	i := slices.IndexFunc(members, func(m *models.Document) bool { return m.ID == docID })
	if i < 0 {
		return nil, dErrors.New(dErrors.CodeNotFound, fmt.Sprintf("document %s not found", docID))
	}
	return &attempt{
		doc:     members[i],
		members: members,
		action:  action,
		actor:   actor,
		payload: payload,
		now:     requestcontext.Now(ctx),
	}, nil
}

func (s *Service) checkDependencies(ctx context.Context, a *attempt) (*Rejection, error) {
	retiring, incoming := a.retires()
	if !retiring {
		return nil, nil
	}
	var ignore []id.DocumentID
	if incoming != nil {
		ignore = append(ignore, incoming.ID)
	}
	check, err := s.deps.CheckRetirement(ctx, a.doc.FamilyID, ignore...)
	if err != nil {
		return nil, err
	}
	if check.Allowed {
		return nil, nil
	}
	rej := reject(GuardDependency, a.action, a.doc, "%d active dependent(s) still rely on family %s",
		len(check.BlockingEdges), a.doc.FamilyID)
	rej.BlockingEdges = check.BlockingEdges
	return rej, nil
}

func (s *Service) recordRejection(ctx context.Context, a *attempt, rej *Rejection) error {
	_, err := s.ledger.Append(ctx, ledger.Entry{
		DocumentID: a.doc.ID,
		Actor:      a.actor.UserID,
		Action:     string(a.action),
		PriorState: string(a.doc.State),
		NewState:   string(a.doc.State),
		Outcome:    ledger.OutcomeRejected,
		Guard:      string(rej.Guard),
		Comment:    rej.Reason,
	})
	return err
}

// syncIndex brings the due index in line with the documents result touched.
// It runs under the family lock so index writes for one family land in
// commit order. A failed write is logged, not returned: the index is
// rebuilt from document records and the scheduler resyncs stale entries.
func (s *Service) syncIndex(ctx context.Context, result *Result) {
	if s.index == nil {
		return
	}
	for _, doc := range []*models.Document{result.Document, result.Created, result.Superseded} {
		if doc == nil {
			continue
		}
		if err := dueindex.Sync(ctx, s.index, doc); err != nil {
			s.logger.WarnContext(ctx, "failed to update due index",
				"document_id", doc.ID,
				"error", err,
			)
		}
	}
}

// ResyncDue rewrites docID's due entry from its stored state, holding the
// entry back until notBefore. The scheduler calls it for entries that did
// not apply. An unknown document loses its entry.
func (s *Service) ResyncDue(ctx context.Context, docID id.DocumentID, notBefore time.Time) error {
	if s.index == nil {
		return nil
	}
	doc, err := s.load(ctx, docID)
	if dErrors.HasCode(err, dErrors.CodeNotFound) {
		return s.index.Remove(ctx, docID)
	}
	if err != nil {
		return err
	}
	return s.runner.RunInTx(ctx, []string{family.LockKey(doc.FamilyID)}, func(ctx context.Context) error {
		current, err := s.load(ctx, docID)
		if err != nil {
			return err
		}
		return dueindex.Defer(ctx, s.index, current, notBefore)
	})
}

// afterCommit does the work that must not undo a committed transition.
func (s *Service) afterCommit(ctx context.Context, result *Result) {
	if s.dispatcher != nil && len(result.Effects) > 0 {
		s.dispatcher.Enqueue(result.Effects)
	}
	if result.Override {
		if s.metrics != nil {
			s.metrics.IncOverride()
		}
		s.logger.ErrorContext(ctx, "CRITICAL: separation of duties overridden",
			"document_id", result.Document.ID,
			"actor_id", requestcontext.UserID(ctx),
			"request_id", requestcontext.RequestID(ctx),
			"justification", result.Justification,
		)
		s.emitSecurity(ctx, result.Document.ID, audit.EventEmergencyOverride,
			fmt.Sprintf("separation of duties bypassed on %s: %s", result.Document.Number(), result.Justification),
			audit.SeverityCritical, result.Records[0].Actor)
	}
}

func (s *Service) rejected(ctx context.Context, actor models.Actor, rej *Rejection) {
	if s.metrics != nil {
		s.metrics.IncRejection(string(rej.Guard))
	}
	s.logger.WarnContext(ctx, "transition rejected",
		"document_id", rej.DocumentID,
		"action", rej.Action,
		"guard", rej.Guard,
		"state", rej.State,
		"actor_id", actor.UserID,
		"reason", rej.Reason,
	)
	switch rej.Guard {
	case GuardRole, GuardSeparationOfDuties, GuardAssignment:
		s.emitSecurity(ctx, rej.DocumentID, audit.EventTransitionRejected,
			fmt.Sprintf("%s: %s", rej.Guard, rej.Reason), audit.SeverityWarning, actor.UserID)
	}
}

func (s *Service) emitSecurity(ctx context.Context, docID id.DocumentID, event audit.AuditEvent, reason string, severity audit.Severity, actor id.UserID) {
	if s.security == nil {
		return
	}
	s.security.Emit(ctx, audit.SecurityEvent{
		Timestamp: requestcontext.Now(ctx),
		Subject:   docID.String(),
		Action:    string(event),
		Reason:    reason,
		IP:        requestcontext.ClientIP(ctx),
		RequestID: requestcontext.RequestID(ctx),
		ActorID:   actor.String(),
		Severity:  severity,
	})
}

func (s *Service) observe(span trace.Span, action models.Action, start time.Time, err error) {
	outcome := "accepted"
	if err != nil {
		outcome = "error"
		if rej, ok := AsRejection(err); ok {
			outcome = "rejected"
			span.SetAttributes(attribute.String("workflow.guard", string(rej.Guard)))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	if s.metrics != nil {
		s.metrics.IncTransition(string(action), outcome)
		s.metrics.ObserveTransition(string(action), time.Since(start).Seconds())
	}
}

// Get returns one document version.
func (s *Service) Get(ctx context.Context, docID id.DocumentID) (*models.Document, error) {
	return s.load(ctx, docID)
}

// Family returns every version of docID's family, newest first.
func (s *Service) Family(ctx context.Context, docID id.DocumentID) ([]*models.Document, error) {
	return s.resolver.Family(ctx, docID)
}

// Current returns the highest non-terminated version of a family.
func (s *Service) Current(ctx context.Context, familyID id.FamilyID) (*models.Document, error) {
	return s.resolver.Current(ctx, familyID)
}

// History returns the document's ledger with tampered records flagged.
func (s *Service) History(ctx context.Context, docID id.DocumentID) (*ledger.History, error) {
	if _, err := s.load(ctx, docID); err != nil {
		return nil, err
	}
	return s.ledger.History(ctx, docID)
}

// Verify fails with CodeIntegrityViolation if the document's ledger does not
// verify.
func (s *Service) Verify(ctx context.Context, docID id.DocumentID) (*ledger.History, error) {
	if _, err := s.load(ctx, docID); err != nil {
		return nil, err
	}
	return s.ledger.Verify(ctx, docID)
}

func (s *Service) load(ctx context.Context, docID id.DocumentID) (*models.Document, error) {
	doc, err := s.docs.FindByID(ctx, docID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, fmt.Sprintf("document %s not found", docID))
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load document")
	}
	return doc, nil
}

func joinComment(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "; ")
}

func describeAssignments(a models.Assignments) string {
	return fmt.Sprintf("author=%s reviewer=%s approver=%s", a.Author, userOrNone(a.Reviewer), userOrNone(a.Approver))
}

func userOrNone(u id.UserID) string {
	if u.IsNil() {
		return "none"
	}
	return u.String()
}

func message(err error) string {
	var de *dErrors.Error
	if errors.As(err, &de) {
		return de.Message
	}
	return err.Error()
}
