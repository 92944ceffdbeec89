package workflow_test

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"doccontrol/internal/dependency"
	"doccontrol/internal/document/models"
	edgestore "doccontrol/internal/document/store/dependency"
	docstore "doccontrol/internal/document/store/document"
	"doccontrol/internal/ledger"
	ledgermemory "doccontrol/internal/ledger/store/memory"
	"doccontrol/internal/scheduler/dueindex"
	"doccontrol/internal/workflow"
	id "doccontrol/pkg/domain"
	"doccontrol/pkg/platform/audit"
	"doccontrol/pkg/platform/audit/publishers/compliance"
	auditmemory "doccontrol/pkg/platform/audit/store/memory"
	"doccontrol/pkg/platform/tx"
	"doccontrol/pkg/requestcontext"
)

type recordingSecurity struct {
	mu     sync.Mutex
	events []audit.SecurityEvent
}

func (r *recordingSecurity) Emit(_ context.Context, e audit.SecurityEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingSecurity) withAction(action audit.AuditEvent) []audit.SecurityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []audit.SecurityEvent
	for _, e := range r.events {
		if e.Action == string(action) {
			out = append(out, e)
		}
	}
	return out
}

type recordingDispatcher struct {
	mu      sync.Mutex
	effects []models.SideEffect
}

func (r *recordingDispatcher) Enqueue(effects []models.SideEffect) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.effects = append(r.effects, effects...)
}

// harness wires the state machine to in-memory stores with a controllable
// clock.
type harness struct {
	docs        *docstore.InMemory
	edges       *edgestore.InMemory
	ledgerStore *ledgermemory.InMemoryStore
	auditStore  *auditmemory.InMemoryStore
	security    *recordingSecurity
	index       *dueindex.Memory
	dispatcher  *recordingDispatcher
	graph       *dependency.Service
	records     *ledger.Ledger
	runner      *tx.ShardedRunner
	service     *workflow.Service

	now time.Time

	author   models.Actor
	reviewer models.Actor
	approver models.Actor
	manager  models.Actor
	system   models.Actor
}

func newHarness(auditStore audit.Store) (*harness, error) {
	h := &harness{
		docs:        docstore.NewInMemory(),
		edges:       edgestore.NewInMemory(),
		ledgerStore: ledgermemory.New(),
		auditStore:  auditmemory.NewInMemoryStore(),
		security:    &recordingSecurity{},
		index:       dueindex.NewMemory(),
		dispatcher:  &recordingDispatcher{},
		now:         time.Date(2026, 4, 6, 9, 0, 0, 0, time.UTC),
		author:      models.NewActor(newUser(), models.CapabilityAuthor),
		reviewer:    models.NewActor(newUser(), models.CapabilityReview),
		approver:    models.NewActor(newUser(), models.CapabilityApprove),
		manager:     models.NewActor(newUser(), models.CapabilityManage, models.CapabilityRetire, models.CapabilityAuthor),
		system:      models.SystemActor(),
	}
	if auditStore == nil {
		auditStore = h.auditStore
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner := tx.NewShardedRunner(time.Second)
	h.runner = runner

	publisher, err := compliance.New(auditStore)
	if err != nil {
		return nil, err
	}
	h.records, err = ledger.New(h.ledgerStore, ledger.WithLogger(logger), ledger.WithSecurityPublisher(h.security))
	if err != nil {
		return nil, err
	}
	h.graph, err = dependency.New(h.docs, h.edges, runner, dependency.WithAuditor(publisher), dependency.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	h.service, err = workflow.New(h.docs, h.records, h.graph, runner,
		workflow.WithAuditor(publisher),
		workflow.WithSecurityPublisher(h.security),
		workflow.WithDueIndex(h.index),
		workflow.WithDispatcher(h.dispatcher),
		workflow.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func newUser() id.UserID {
	return id.UserID(uuid.New())
}

func (h *harness) ctx() context.Context {
	return requestcontext.WithTime(context.Background(), h.now)
}

func (h *harness) advance(d time.Duration) {
	h.now = h.now.Add(d)
}

func (h *harness) create(family string) (*models.Document, error) {
	res, err := h.service.CreateDocument(h.ctx(), h.author, workflow.CreateRequest{
		FamilyID: id.FamilyID(family),
		Title:    family + " procedure",
		Assignments: models.Assignments{
			Reviewer: h.reviewer.UserID,
			Approver: h.approver.UserID,
		},
		ReviewIntervalDays: 365,
	})
	if err != nil {
		return nil, err
	}
	return res.Document, nil
}

func (h *harness) do(docID id.DocumentID, action models.Action, actor models.Actor, p models.Payload) (*workflow.Result, error) {
	return h.service.RequestTransition(h.ctx(), docID, action, actor, p)
}

type step struct {
	action  models.Action
	actor   models.Actor
	payload models.Payload
}

// approvalSteps takes a DRAFT to APPROVED_PENDING_EFFECTIVE, effective now.
func (h *harness) approvalSteps() []step {
	return []step{
		{models.ActionSubmitForReview, h.author, models.Payload{}},
		{models.ActionStartReview, h.reviewer, models.Payload{}},
		{models.ActionCompleteReview, h.reviewer, models.Payload{Decision: models.DecisionApprove}},
		{models.ActionRouteForApproval, h.author, models.Payload{}},
		{models.ActionApprove, h.approver, models.Payload{}},
	}
}

func (h *harness) approve(docID id.DocumentID) error {
	for _, st := range h.approvalSteps() {
		if _, err := h.do(docID, st.action, st.actor, st.payload); err != nil {
			return err
		}
	}
	return nil
}

// makeEffective drives a DRAFT all the way to EFFECTIVE.
func (h *harness) makeEffective(docID id.DocumentID) (*workflow.Result, error) {
	if err := h.approve(docID); err != nil {
		return nil, err
	}
	return h.do(docID, models.ActionProcessDueDate, h.system, models.Payload{})
}

func (h *harness) get(docID id.DocumentID) (*models.Document, error) {
	return h.docs.FindByID(h.ctx(), docID)
}

func (h *harness) history(docID id.DocumentID) ([]ledger.Record, error) {
	return h.ledgerStore.List(h.ctx(), docID)
}

// familyViolations checks the active-state invariant over every family.
func (h *harness) familyViolations() ([]string, error) {
	docs, err := h.docs.ListByStates(h.ctx(), models.AllStates...)
	if err != nil {
		return nil, err
	}
	byFamily := map[id.FamilyID][]*models.Document{}
	for _, d := range docs {
		byFamily[d.FamilyID] = append(byFamily[d.FamilyID], d)
	}
	var out []string
	for fam, members := range byFamily {
		var inForce, pending []*models.Document
		for _, m := range members {
			switch {
			case m.State.IsInForce():
				inForce = append(inForce, m)
			case m.State == models.StateApprovedPendingEffective:
				pending = append(pending, m)
			}
		}
		if len(inForce) > 1 {
			out = append(out, string(fam)+": more than one version in force")
		}
		if len(pending) > 1 {
			out = append(out, string(fam)+": more than one version pending effective")
		}
		if len(inForce) == 1 && len(pending) == 1 && !inForce[0].Version.Less(pending[0].Version) {
			out = append(out, string(fam)+": pending version is not newer than the one in force")
		}
		inProgress := slices.DeleteFunc(slices.Clone(members), func(m *models.Document) bool { return !m.State.IsInProgress() })
		if len(inProgress) > 1 {
			out = append(out, string(fam)+": more than one version in progress")
		}
	}
	return out, nil
}
