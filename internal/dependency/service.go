// Package dependency maintains the directed graph of "depends on" edges
// between document versions and answers whether a family can be retired.
//
// Edges point from a dependent to the document it relies on. The graph is
// kept acyclic at the family level: an insertion is rejected if the target's
// family can already reach the source's family. The walk follows the edges
// of each family's current version and of every older version that becomes
// current again when an in-progress one is terminated, so no later
// transition can close a cycle. Retirement checks span every version of a
// family because dependents may still cite a superseded version.
package dependency

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

	depmetrics "doccontrol/internal/dependency/metrics"
	"doccontrol/internal/document/models"
	"doccontrol/internal/family"
	id "doccontrol/pkg/domain"
	dErrors "doccontrol/pkg/domain-errors"
	"doccontrol/pkg/platform/audit"
	"doccontrol/pkg/platform/sentinel"
	"doccontrol/pkg/platform/tx"
	"doccontrol/pkg/requestcontext"
)

// GraphLockKey serializes every structural change to the graph.
const GraphLockKey = "graph"

var tracer = otel.Tracer("doccontrol.dependency")

// DocumentStore reads documents.
type DocumentStore interface {
	FindByID(ctx context.Context, docID id.DocumentID) (*models.Document, error)
	ListByFamily(ctx context.Context, family id.FamilyID) ([]*models.Document, error)
	ListByIDs(ctx context.Context, ids []id.DocumentID) ([]*models.Document, error)
}

// EdgeStore persists edges. Create returns sentinel.ErrConflict for a
// duplicate (from, to) pair.
type EdgeStore interface {
	Create(ctx context.Context, edge *models.DependencyEdge) error
	Delete(ctx context.Context, edgeID id.EdgeID) error
	FindByID(ctx context.Context, edgeID id.EdgeID) (*models.DependencyEdge, error)
	ListOutgoing(ctx context.Context, from id.DocumentID) ([]*models.DependencyEdge, error)
	ListIncoming(ctx context.Context, to []id.DocumentID) ([]*models.DependencyEdge, error)
}

// AuditPublisher is the fail-closed compliance sink.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.ComplianceEvent) error
}

type Service struct {
	docs    DocumentStore
	edges   EdgeStore
	runner  tx.Runner
	auditor AuditPublisher
	metrics *depmetrics.Metrics
	logger  *slog.Logger
}

type Option func(*Service)

func WithAuditor(a AuditPublisher) Option {
	return func(s *Service) { s.auditor = a }
}

func WithMetrics(m *depmetrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func New(docs DocumentStore, edges EdgeStore, runner tx.Runner, opts ...Option) (*Service, error) {
	if docs == nil {
		return nil, errors.New("document store is required")
	}
	if edges == nil {
		return nil, errors.New("edge store is required")
	}
	if runner == nil {
		return nil, errors.New("tx runner is required")
	}
	s := &Service{docs: docs, edges: edges, runner: runner}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// AddRequest declares that From depends on To.
type AddRequest struct {
	From      id.DocumentID
	To        id.DocumentID
	Critical  bool
	Rationale string
}

// AddDependency validates and commits an edge. It holds the graph lock and
// the target family's lock so the insertion cannot interleave with a
// retirement decision on that family.
func (s *Service) AddDependency(ctx context.Context, actor models.Actor, req AddRequest) (*models.DependencyEdge, error) {
	ctx, span := tracer.Start(ctx, "dependency.AddDependency",
		trace.WithAttributes(
			attribute.String("dependency.from", req.From.String()),
			attribute.String("dependency.to", req.To.String()),
		),
	)
	defer span.End()

	edge, err := s.addDependency(ctx, actor, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return edge, nil
}

func (s *Service) addDependency(ctx context.Context, actor models.Actor, req AddRequest) (*models.DependencyEdge, error) {
	if !canEditGraph(actor) {
		return nil, dErrors.New(dErrors.CodeForbidden, "declaring dependencies requires author or manage capability")
	}
	if req.From == req.To {
		s.rejected("self")
		return nil, dErrors.New(dErrors.CodeInvalidInput, "a document cannot depend on itself")
	}
	target, err := s.loadDocument(ctx, req.To)
	if err != nil {
		return nil, err
	}

	var edge *models.DependencyEdge
	keys := []string{GraphLockKey, family.LockKey(target.FamilyID)}
	err = s.runner.RunInTx(ctx, keys, func(ctx context.Context) error {
		from, err := s.loadDocument(ctx, req.From)
		if err != nil {
			return err
		}
		to, err := s.loadDocument(ctx, req.To)
		if err != nil {
			return err
		}
		if from.FamilyID == to.FamilyID {
			s.rejected("self")
			return dErrors.New(dErrors.CodeInvalidInput, "a document cannot depend on another version of its own family")
		}
		if from.State.IsTerminal() || from.State == models.StateSuperseded {
			s.rejected("retired_dependent")
			return dErrors.New(dErrors.CodeInvariantViolation,
				fmt.Sprintf("%s is %s and cannot declare dependencies", from.Number(), from.State))
		}
		if to.State.IsTerminal() {
			s.rejected("retired_target")
			return dErrors.New(dErrors.CodeInvariantViolation,
				fmt.Sprintf("%s is %s and cannot be depended on", to.Number(), to.State))
		}
		path, err := s.findPath(ctx, to.FamilyID, from.FamilyID)
		if err != nil {
			return err
		}
		if path != nil {
			s.rejected("cycle")
			return dErrors.New(dErrors.CodeConflict,
				fmt.Sprintf("dependency would create a cycle: %s -> %s", from.FamilyID, joinPath(path)))
		}

		edge, err = models.NewDependencyEdge(id.NewEdgeID(), from.ID, to.ID, req.Critical, req.Rationale,
			actor.UserID, requestcontext.Now(ctx))
		if err != nil {
			return err
		}
		if err := s.edges.Create(ctx, edge); err != nil {
			if errors.Is(err, sentinel.ErrConflict) {
				s.rejected("duplicate")
				return dErrors.New(dErrors.CodeConflict,
					fmt.Sprintf("%s already depends on %s", from.Number(), to.Number()))
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to store dependency")
		}
		return s.emit(ctx, actor, audit.EventDependencyAdded, from,
			fmt.Sprintf("depends on %s (edge %s)", to.Number(), edge.ID))
	})
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.IncAdded()
	}
	s.logger.InfoContext(ctx, "dependency added",
		"edge_id", edge.ID,
		"from", edge.From,
		"to", edge.To,
		"critical", edge.Critical,
	)
	return edge, nil
}

// RemoveDependency deletes an edge.
func (s *Service) RemoveDependency(ctx context.Context, actor models.Actor, edgeID id.EdgeID) error {
	if !canEditGraph(actor) {
		return dErrors.New(dErrors.CodeForbidden, "removing dependencies requires author or manage capability")
	}
	err := s.runner.RunInTx(ctx, []string{GraphLockKey}, func(ctx context.Context) error {
		edge, err := s.edges.FindByID(ctx, edgeID)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return dErrors.New(dErrors.CodeNotFound, "dependency not found")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load dependency")
		}
		if err := s.edges.Delete(ctx, edgeID); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to delete dependency")
		}
		from, err := s.loadDocument(ctx, edge.From)
		if err != nil {
			return err
		}
		return s.emit(ctx, actor, audit.EventDependencyRemoved, from, "edge "+edge.ID.String())
	})
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.IncRemoved()
	}
	return nil
}

// RetirementCheck is the answer to "may this family be retired?".
type RetirementCheck struct {
	FamilyID      id.FamilyID           `json:"family_id"`
	Allowed       bool                  `json:"allowed"`
	BlockingEdges []models.BlockingEdge `json:"blocking_edges"`
}

// CanRetireFamily runs CheckRetirement under the family lock.
func (s *Service) CanRetireFamily(ctx context.Context, familyID id.FamilyID) (*RetirementCheck, error) {
	ctx, span := tracer.Start(ctx, "dependency.CanRetireFamily",
		trace.WithAttributes(attribute.String("family.id", familyID.String())),
	)
	defer span.End()

	var check *RetirementCheck
	err := s.runner.RunInTx(ctx, []string{GraphLockKey, family.LockKey(familyID)}, func(ctx context.Context) error {
		var err error
		check, err = s.CheckRetirement(ctx, familyID)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Bool("retirement.allowed", check.Allowed),
		attribute.Int("retirement.blocking_edges", len(check.BlockingEdges)),
	)
	return check, nil
}

// CheckRetirement collects every edge from an active dependent into any
// version of the family. Edges into the ignored documents are skipped; the
// state machine passes the incoming version when superseding so dependents
// already pointing at it do not block. Callers must hold the family lock.
func (s *Service) CheckRetirement(ctx context.Context, familyID id.FamilyID, ignoreTargets ...id.DocumentID) (*RetirementCheck, error) {
	members, err := s.docs.ListByFamily(ctx, familyID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load family")
	}
	if len(members) == 0 {
		return nil, dErrors.New(dErrors.CodeNotFound, "family not found")
	}
	byID := make(map[id.DocumentID]*models.Document, len(members))
	targets := make([]id.DocumentID, 0, len(members))
	for _, m := range members {
		byID[m.ID] = m
		if !slices.Contains(ignoreTargets, m.ID) {
			targets = append(targets, m.ID)
		}
	}

	incoming, err := s.edges.ListIncoming(ctx, targets)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load dependents")
	}
	dependents, err := s.documentsByID(ctx, sources(incoming))
	if err != nil {
		return nil, err
	}

	check := &RetirementCheck{FamilyID: familyID, BlockingEdges: []models.BlockingEdge{}}
	for _, e := range incoming {
		dep, ok := dependents[e.From]
		if !ok || !dep.State.IsActive() {
			continue
		}
		target := byID[e.To]
		check.BlockingEdges = append(check.BlockingEdges, models.BlockingEdge{
			EdgeID:           e.ID,
			DocumentID:       target.ID,
			DocumentNumber:   target.Number(),
			DependentID:      dep.ID,
			DependentNumber:  dep.Number(),
			DependentFamily:  dep.FamilyID,
			DependentVersion: dep.Version,
			DependentState:   dep.State,
			Critical:         e.Critical,
		})
	}
	slices.SortFunc(check.BlockingEdges, func(a, b models.BlockingEdge) int {
		if c := strings.Compare(a.DependentNumber, b.DependentNumber); c != 0 {
			return c
		}
		return strings.Compare(a.DocumentNumber, b.DocumentNumber)
	})
	check.Allowed = len(check.BlockingEdges) == 0
	if s.metrics != nil {
		s.metrics.IncRetirementCheck(check.Allowed)
	}
	return check, nil
}

// CopyOutgoing gives a new version the dependencies its source declared.
// Callers must hold the graph lock.
func (s *Service) CopyOutgoing(ctx context.Context, from, to id.DocumentID, createdBy id.UserID) ([]*models.DependencyEdge, error) {
	out, err := s.edges.ListOutgoing(ctx, from)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load dependencies")
	}
	now := requestcontext.Now(ctx)
	copied := make([]*models.DependencyEdge, 0, len(out))
	for _, e := range out {
		edge, err := models.NewDependencyEdge(id.NewEdgeID(), to, e.To, e.Critical, e.Rationale, createdBy, now)
		if err != nil {
			return nil, err
		}
		if err := s.edges.Create(ctx, edge); err != nil {
			if errors.Is(err, sentinel.ErrConflict) {
				continue
			}
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to copy dependency")
		}
		copied = append(copied, edge)
	}
	return copied, nil
}

// Dependencies lists what docID depends on.
func (s *Service) Dependencies(ctx context.Context, docID id.DocumentID) ([]*models.DependencyEdge, error) {
	if _, err := s.loadDocument(ctx, docID); err != nil {
		return nil, err
	}
	edges, err := s.edges.ListOutgoing(ctx, docID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load dependencies")
	}
	return edges, nil
}

// Dependents lists what depends on docID.
func (s *Service) Dependents(ctx context.Context, docID id.DocumentID) ([]*models.DependencyEdge, error) {
	if _, err := s.loadDocument(ctx, docID); err != nil {
		return nil, err
	}
	edges, err := s.edges.ListIncoming(ctx, []id.DocumentID{docID})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load dependents")
	}
	return edges, nil
}

// findPath walks family to family from start along edges declared by each
// family's prospective versions and returns the path to goal, or nil.
func (s *Service) findPath(ctx context.Context, start, goal id.FamilyID) ([]id.FamilyID, error) {
	began := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.ObserveTraversal(time.Since(began).Seconds())
		}
	}()

	parent := map[id.FamilyID]id.FamilyID{start: ""}
	queue := []id.FamilyID{start}
	for len(queue) > 0 {
		f := queue[0]
		queue = queue[1:]
		if f == goal {
			return unwind(parent, f), nil
		}
		members, err := s.docs.ListByFamily(ctx, f)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load family")
		}
		var out []*models.DependencyEdge
		for _, m := range family.Prospective(members) {
			edges, err := s.edges.ListOutgoing(ctx, m.ID)
			if err != nil {
				return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load dependencies")
			}
			out = append(out, edges...)
		}
		targets, err := s.docs.ListByIDs(ctx, destinations(out))
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load dependency targets")
		}
		for _, t := range targets {
			if _, seen := parent[t.FamilyID]; seen {
				continue
			}
			parent[t.FamilyID] = f
			queue = append(queue, t.FamilyID)
		}
	}
	return nil, nil
}

func unwind(parent map[id.FamilyID]id.FamilyID, end id.FamilyID) []id.FamilyID {
	var path []id.FamilyID
	for f := end; f != ""; f = parent[f] {
		path = append(path, f)
	}
	slices.Reverse(path)
	return path
}

func joinPath(path []id.FamilyID) string {
	parts := make([]string, len(path))
	for i, f := range path {
		parts[i] = f.String()
	}
	return strings.Join(parts, " -> ")
}

func (s *Service) loadDocument(ctx context.Context, docID id.DocumentID) (*models.Document, error) {
	doc, err := s.docs.FindByID(ctx, docID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, fmt.Sprintf("document %s not found", docID))
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load document")
	}
	return doc, nil
}

func (s *Service) documentsByID(ctx context.Context, ids []id.DocumentID) (map[id.DocumentID]*models.Document, error) {
	docs, err := s.docs.ListByIDs(ctx, ids)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load documents")
	}
	out := make(map[id.DocumentID]*models.Document, len(docs))
	for _, d := range docs {
		out[d.ID] = d
	}
	return out, nil
}

func (s *Service) emit(ctx context.Context, actor models.Actor, event audit.AuditEvent, doc *models.Document, reason string) error {
	if s.auditor == nil {
		return nil
	}
	err := s.auditor.Emit(ctx, audit.ComplianceEvent{
		Timestamp:   requestcontext.Now(ctx),
		ActorID:     actor.UserID,
		DocumentID:  doc.ID.String(),
		FamilyID:    doc.FamilyID.String(),
		Action:      string(event),
		Reason:      reason,
		RequestID:   requestcontext.RequestID(ctx),
		IP:          requestcontext.ClientIP(ctx),
		Workstation: requestcontext.Workstation(ctx),
	})
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record audit event")
	}
	return nil
}

func (s *Service) rejected(reason string) {
	if s.metrics != nil {
		s.metrics.IncRejected(reason)
	}
}

func canEditGraph(actor models.Actor) bool {
	return actor.Has(models.CapabilityAuthor) || actor.Has(models.CapabilityManage)
}

func sources(edges []*models.DependencyEdge) []id.DocumentID {
	out := make([]id.DocumentID, 0, len(edges))
	for _, e := range edges {
		out = append(out, e.From)
	}
	return out
}

func destinations(edges []*models.DependencyEdge) []id.DocumentID {
	out := make([]id.DocumentID, 0, len(edges))
	for _, e := range edges {
		out = append(out, e.To)
	}
	return out
}
