// Package handler exposes the document lifecycle over HTTP.
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"doccontrol/internal/dependency"
	"doccontrol/internal/document/models"
	"doccontrol/internal/ledger"
	"doccontrol/internal/scheduler"
	"doccontrol/internal/workflow"
	id "doccontrol/pkg/domain"
	dErrors "doccontrol/pkg/domain-errors"
	"doccontrol/pkg/platform/httputil"
	"doccontrol/pkg/requestcontext"
)

// Workflow is the state machine plus its read API.
type Workflow interface {
	CreateDocument(ctx context.Context, actor models.Actor, req workflow.CreateRequest) (*workflow.Result, error)
	RequestTransition(ctx context.Context, docID id.DocumentID, action models.Action, actor models.Actor, payload models.Payload) (*workflow.Result, error)
	Reassign(ctx context.Context, docID id.DocumentID, actor models.Actor, assignments models.Assignments) (*workflow.Result, error)
	Get(ctx context.Context, docID id.DocumentID) (*models.Document, error)
	Family(ctx context.Context, docID id.DocumentID) ([]*models.Document, error)
	Current(ctx context.Context, familyID id.FamilyID) (*models.Document, error)
	History(ctx context.Context, docID id.DocumentID) (*ledger.History, error)
	Verify(ctx context.Context, docID id.DocumentID) (*ledger.History, error)
}

// Graph is the dependency validator.
type Graph interface {
	AddDependency(ctx context.Context, actor models.Actor, req dependency.AddRequest) (*models.DependencyEdge, error)
	RemoveDependency(ctx context.Context, actor models.Actor, edgeID id.EdgeID) error
	CanRetireFamily(ctx context.Context, familyID id.FamilyID) (*dependency.RetirementCheck, error)
	Dependencies(ctx context.Context, docID id.DocumentID) ([]*models.DependencyEdge, error)
	Dependents(ctx context.Context, docID id.DocumentID) ([]*models.DependencyEdge, error)
}

// ActorResolver maps the authenticated caller to an actor.
type ActorResolver interface {
	ActorFromContext(ctx context.Context) (models.Actor, error)
}

// Ticker runs a scheduler tick on demand.
type Ticker interface {
	RunNow(ctx context.Context) (scheduler.TickResult, error)
}

// IndexRebuilder recomputes the due index from document records.
type IndexRebuilder interface {
	RebuildIndex(ctx context.Context) (int, error)
}

// RebuildFunc adapts a function to IndexRebuilder.
type RebuildFunc func(ctx context.Context) (int, error)

func (f RebuildFunc) RebuildIndex(ctx context.Context) (int, error) { return f(ctx) }

type Handler struct {
	workflow Workflow
	graph    Graph
	actors   ActorResolver
	ticker   Ticker
	rebuild  IndexRebuilder
	logger   *slog.Logger
}

type Option func(*Handler)

func WithTicker(t Ticker) Option {
	return func(h *Handler) { h.ticker = t }
}

func WithIndexRebuilder(r IndexRebuilder) Option {
	return func(h *Handler) { h.rebuild = r }
}

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

func New(wf Workflow, graph Graph, actors ActorResolver, opts ...Option) *Handler {
	h := &Handler{workflow: wf, graph: graph, actors: actors, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the authenticated API. Authentication middleware is the
// caller's.
func (h *Handler) Register(r chi.Router) {
	r.Post("/documents", h.handleCreate)
	r.Get("/documents/{id}", h.handleGet)
	r.Get("/documents/{id}/family", h.handleFamily)
	r.Get("/documents/{id}/history", h.handleHistory)
	r.Post("/documents/{id}/transitions", h.handleTransition)
	r.Put("/documents/{id}/assignments", h.handleReassign)
	r.Get("/documents/{id}/dependencies", h.handleDependencies)
	r.Get("/families/{family}/current", h.handleCurrent)
	r.Get("/families/{family}/retirement-check", h.handleRetirementCheck)
	r.Post("/dependencies", h.handleAddDependency)
	r.Delete("/dependencies/{id}", h.handleRemoveDependency)
}

// RegisterAdmin mounts operator endpoints. The admin token guard is the
// caller's.
func (h *Handler) RegisterAdmin(r chi.Router) {
	r.Post("/admin/scheduler/run", h.handleRunScheduler)
	r.Post("/admin/due-index/rebuild", h.handleRebuildIndex)
	r.Get("/admin/documents/{id}/verify", h.handleVerify)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req CreateDocumentRequest
	if !h.decode(w, r, &req) {
		return
	}
	family, err := id.ParseFamilyID(req.FamilyID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	assignments, err := AssignmentsRequest{Author: req.Author, Reviewer: req.Reviewer, Approver: req.Approver}.toAssignments()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.workflow.CreateDocument(ctx, actor, workflow.CreateRequest{
		FamilyID:           family,
		Title:              req.Title,
		Assignments:        assignments,
		ReviewIntervalDays: req.ReviewIntervalDays,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, res)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	docID, ok := h.documentID(w, r)
	if !ok {
		return
	}
	doc, err := h.workflow.Get(r.Context(), docID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, doc)
}

func (h *Handler) handleFamily(w http.ResponseWriter, r *http.Request) {
	docID, ok := h.documentID(w, r)
	if !ok {
		return
	}
	members, err := h.workflow.Family(r.Context(), docID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"documents": members})
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	docID, ok := h.documentID(w, r)
	if !ok {
		return
	}
	history, err := h.workflow.History(r.Context(), docID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, history)
}

func (h *Handler) handleTransition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	docID, ok := h.documentID(w, r)
	if !ok {
		return
	}
	var req TransitionRequest
	if !h.decode(w, r, &req) {
		return
	}
	action, err := models.ParseAction(req.Action)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	payload, err := req.toPayload()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.workflow.RequestTransition(ctx, docID, action, actor, payload)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) handleReassign(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	docID, ok := h.documentID(w, r)
	if !ok {
		return
	}
	var req AssignmentsRequest
	if !h.decode(w, r, &req) {
		return
	}
	assignments, err := req.toAssignments()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.workflow.Reassign(r.Context(), docID, actor, assignments)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) handleDependencies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	docID, ok := h.documentID(w, r)
	if !ok {
		return
	}
	deps, err := h.graph.Dependencies(ctx, docID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dependents, err := h.graph.Dependents(ctx, docID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"dependencies": deps,
		"dependents":   dependents,
	})
}

func (h *Handler) handleCurrent(w http.ResponseWriter, r *http.Request) {
	family, ok := h.familyID(w, r)
	if !ok {
		return
	}
	doc, err := h.workflow.Current(r.Context(), family)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, doc)
}

func (h *Handler) handleRetirementCheck(w http.ResponseWriter, r *http.Request) {
	family, ok := h.familyID(w, r)
	if !ok {
		return
	}
	check, err := h.graph.CanRetireFamily(r.Context(), family)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, check)
}

func (h *Handler) handleAddDependency(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req AddDependencyRequest
	if !h.decode(w, r, &req) {
		return
	}
	from, err := id.ParseDocumentID(req.From)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	to, err := id.ParseDocumentID(req.To)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	edge, err := h.graph.AddDependency(r.Context(), actor, dependency.AddRequest{
		From:      from,
		To:        to,
		Critical:  req.Critical,
		Rationale: req.Rationale,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, edge)
}

func (h *Handler) handleRemoveDependency(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	edgeID, err := id.ParseEdgeID(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.graph.RemoveDependency(r.Context(), actor, edgeID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRunScheduler(w http.ResponseWriter, r *http.Request) {
	if h.ticker == nil {
		h.fail(w, r, dErrors.New(dErrors.CodeUnavailable, "scheduler is not configured"))
		return
	}
	res, err := h.ticker.RunNow(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"now":       res.Now,
		"contended": res.Contended,
		"due":       len(res.Items),
		"applied":   res.Count(scheduler.OutcomeApplied),
		"skipped":   res.Count(scheduler.OutcomeSkipped),
		"blocked":   res.Count(scheduler.OutcomeBlocked),
		"removed":   res.Count(scheduler.OutcomeRemoved),
		"failed":    res.Count(scheduler.OutcomeFailed),
		"drained":   res.Drained,
		"items":     res.Items,
	})
}

func (h *Handler) handleRebuildIndex(w http.ResponseWriter, r *http.Request) {
	if h.rebuild == nil {
		h.fail(w, r, dErrors.New(dErrors.CodeUnavailable, "due index is not configured"))
		return
	}
	n, err := h.rebuild.RebuildIndex(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]int{"entries": n})
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	docID, ok := h.documentID(w, r)
	if !ok {
		return
	}
	history, err := h.workflow.Verify(r.Context(), docID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, history)
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (models.Actor, bool) {
	actor, err := h.actors.ActorFromContext(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return models.Actor{}, false
	}
	return actor, true
}

func (h *Handler) documentID(w http.ResponseWriter, r *http.Request) (id.DocumentID, bool) {
	docID, err := id.ParseDocumentID(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return id.DocumentID{}, false
	}
	return docID, true
}

func (h *Handler) familyID(w http.ResponseWriter, r *http.Request) (id.FamilyID, bool) {
	family, err := id.ParseFamilyID(chi.URLParam(r, "family"))
	if err != nil {
		h.fail(w, r, err)
		return "", false
	}
	return family, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := httputil.DecodeJSON(r, v); err != nil {
		h.fail(w, r, err)
		return false
	}
	if err := checkRequest(v); err != nil {
		h.fail(w, r, err)
		return false
	}
	return true
}

// fail logs server-side failures and writes the error reply. Guard
// rejections are expected outcomes and logged by the state machine.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if code := dErrors.CodeOf(err); code == dErrors.CodeInternal || code == dErrors.CodeUnavailable {
		ctx := r.Context()
		h.logger.ErrorContext(ctx, "request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
	}
	httputil.WriteError(w, err)
}
