package dependency

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"doccontrol/internal/document/models"
	edgestore "doccontrol/internal/document/store/dependency"
	docstore "doccontrol/internal/document/store/document"
	id "doccontrol/pkg/domain"
	dErrors "doccontrol/pkg/domain-errors"
	"doccontrol/pkg/platform/audit"
	"doccontrol/pkg/platform/audit/publishers/compliance"
	auditmemory "doccontrol/pkg/platform/audit/store/memory"
	"doccontrol/pkg/platform/tx"
	"doccontrol/pkg/requestcontext"
)

type ServiceSuite struct {
	suite.Suite
	docs    *docstore.InMemory
	edges   *edgestore.InMemory
	audit   *auditmemory.InMemoryStore
	service *Service
	author  models.Actor
	ctx     context.Context
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.docs = docstore.NewInMemory()
	s.edges = edgestore.NewInMemory()
	s.audit = auditmemory.NewInMemoryStore()
	publisher, err := compliance.New(s.audit)
	s.Require().NoError(err)
	s.service, err = New(s.docs, s.edges, tx.NewShardedRunner(time.Second), WithAuditor(publisher))
	s.Require().NoError(err)
	s.author = models.NewActor(id.UserID(uuid.New()), models.CapabilityAuthor)
	s.ctx = requestcontext.WithTime(context.Background(), time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
}

func (s *ServiceSuite) add(family string, major, minor int, state models.State) *models.Document {
	doc, err := models.NewDocument(id.NewDocumentID(), id.FamilyID(family), family+" title",
		models.Assignments{Author: id.UserID(uuid.New())}, 0, time.Now())
	s.Require().NoError(err)
	doc.Version = models.Version{Major: major, Minor: minor}
	doc.State = state
	s.Require().NoError(s.docs.Create(s.ctx, doc))
	return doc
}

func (s *ServiceSuite) link(from, to *models.Document) *models.DependencyEdge {
	edge, err := s.service.AddDependency(s.ctx, s.author, AddRequest{From: from.ID, To: to.ID, Rationale: "cites"})
	s.Require().NoError(err)
	return edge
}

func (s *ServiceSuite) edgeCount() int {
	n := 0
	for _, d := range s.allDocs() {
		out, err := s.edges.ListOutgoing(s.ctx, d)
		s.Require().NoError(err)
		n += len(out)
	}
	return n
}

func (s *ServiceSuite) allDocs() []id.DocumentID {
	docs, err := s.docs.ListByStates(s.ctx, models.AllStates...)
	s.Require().NoError(err)
	out := make([]id.DocumentID, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.ID)
	}
	return out
}

func (s *ServiceSuite) TestNew() {
	_, err := New(nil, s.edges, tx.NewShardedRunner(0))
	s.EqualError(err, "document store is required")
	_, err = New(s.docs, nil, tx.NewShardedRunner(0))
	s.EqualError(err, "edge store is required")
	_, err = New(s.docs, s.edges, nil)
	s.EqualError(err, "tx runner is required")
}

func (s *ServiceSuite) TestAddDependency() {
	s.Run("commits edge and records compliance event", func() {
		a := s.add("SOP-1", 1, 0, models.StateDraft)
		b := s.add("POL-1", 1, 0, models.StateEffective)

		edge, err := s.service.AddDependency(s.ctx, s.author, AddRequest{From: a.ID, To: b.ID, Critical: true, Rationale: " cites 4.2 "})
		s.Require().NoError(err)
		s.True(edge.Critical)
		s.Equal("cites 4.2", edge.Rationale)
		s.Equal(s.author.UserID, edge.CreatedBy)

		events, err := s.audit.ListBySubject(s.ctx, a.ID.String())
		s.Require().NoError(err)
		s.Require().Len(events, 1)
		s.Equal(string(audit.EventDependencyAdded), events[0].Action)
		s.Equal(audit.CategoryCompliance, events[0].Category)
	})

	s.Run("self reference is rejected", func() {
		a := s.add("SOP-2", 1, 0, models.StateDraft)
		_, err := s.service.AddDependency(s.ctx, s.author, AddRequest{From: a.ID, To: a.ID})
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	s.Run("another version of the same family is rejected", func() {
		v1 := s.add("SOP-3", 1, 0, models.StateEffective)
		v2 := s.add("SOP-3", 1, 1, models.StateDraft)
		_, err := s.service.AddDependency(s.ctx, s.author, AddRequest{From: v2.ID, To: v1.ID})
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	s.Run("duplicate pair is a conflict", func() {
		a := s.add("SOP-4", 1, 0, models.StateDraft)
		b := s.add("POL-4", 1, 0, models.StateEffective)
		s.link(a, b)
		_, err := s.service.AddDependency(s.ctx, s.author, AddRequest{From: a.ID, To: b.ID})
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})

	s.Run("retired target is rejected", func() {
		a := s.add("SOP-5", 1, 0, models.StateDraft)
		b := s.add("POL-5", 1, 0, models.StateObsolete)
		_, err := s.service.AddDependency(s.ctx, s.author, AddRequest{From: a.ID, To: b.ID})
		s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation))
	})

	s.Run("superseded dependent is rejected", func() {
		a := s.add("SOP-6", 1, 0, models.StateSuperseded)
		b := s.add("POL-6", 1, 0, models.StateEffective)
		_, err := s.service.AddDependency(s.ctx, s.author, AddRequest{From: a.ID, To: b.ID})
		s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation))
	})

	s.Run("unknown document is not found", func() {
		a := s.add("SOP-7", 1, 0, models.StateDraft)
		_, err := s.service.AddDependency(s.ctx, s.author, AddRequest{From: a.ID, To: id.NewDocumentID()})
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("reviewer cannot edit the graph", func() {
		a := s.add("SOP-8", 1, 0, models.StateDraft)
		b := s.add("POL-8", 1, 0, models.StateEffective)
		reviewer := models.NewActor(id.UserID(uuid.New()), models.CapabilityReview)
		_, err := s.service.AddDependency(s.ctx, reviewer, AddRequest{From: a.ID, To: b.ID})
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
	})
}

func (s *ServiceSuite) TestCycleDetection() {
	a := s.add("A", 1, 0, models.StateEffective)
	b := s.add("B", 1, 0, models.StateEffective)
	c := s.add("C", 1, 0, models.StateEffective)
	s.link(a, b)
	s.link(b, c)
	before := s.edgeCount()

	s.Run("transitive cycle is rejected with its path", func() {
		_, err := s.service.AddDependency(s.ctx, s.author, AddRequest{From: c.ID, To: a.ID})
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
		s.Contains(err.Error(), "C -> A -> B -> C")
		s.Equal(before, s.edgeCount(), "graph must be unchanged")
	})

	s.Run("direct back edge is rejected", func() {
		_, err := s.service.AddDependency(s.ctx, s.author, AddRequest{From: b.ID, To: a.ID})
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
		s.Equal(before, s.edgeCount())
	})

	s.Run("cycle through a newer version is still detected", func() {
		c2 := s.add("C", 1, 1, models.StateDraft)
		_, err := s.service.CopyOutgoing(s.ctx, c.ID, c2.ID, s.author.UserID)
		s.Require().NoError(err)
		_, err = s.service.AddDependency(s.ctx, s.author, AddRequest{From: c2.ID, To: a.ID})
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})

	s.Run("edges of the version in force count while a draft is current", func() {
		e := s.add("E", 1, 0, models.StateEffective)
		f := s.add("F", 1, 0, models.StateEffective)
		s.link(f, e)
		draft := s.add("F", 1, 1, models.StateDraft)
		copied, err := s.service.CopyOutgoing(s.ctx, f.ID, draft.ID, s.author.UserID)
		s.Require().NoError(err)
		s.Require().Len(copied, 1)
		s.Require().NoError(s.service.RemoveDependency(s.ctx, s.author, copied[0].ID))

		// terminating the draft would make F v1.0 current again
		before := s.edgeCount()
		_, err = s.service.AddDependency(s.ctx, s.author, AddRequest{From: e.ID, To: f.ID})
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
		s.Contains(err.Error(), "E -> F -> E")
		s.Equal(before, s.edgeCount())
	})

	s.Run("superseded versions do not count", func() {
		g10 := s.add("G", 1, 0, models.StateSuperseded)
		g11 := s.add("G", 1, 1, models.StateEffective)
		h := s.add("H", 1, 0, models.StateEffective)
		s.Require().NoError(s.edges.Create(s.ctx, &models.DependencyEdge{
			ID: id.NewEdgeID(), From: g10.ID, To: h.ID, CreatedBy: s.author.UserID, CreatedAt: time.Now(),
		}))
		_, err := s.service.AddDependency(s.ctx, s.author, AddRequest{From: h.ID, To: g11.ID})
		s.Require().NoError(err)
	})

	s.Run("diamond is not a cycle", func() {
		d := s.add("D", 1, 0, models.StateEffective)
		s.link(a, d)
		s.link(d, c)
	})
}

func (s *ServiceSuite) TestRandomGraphsStayAcyclic() {
	rng := rand.New(rand.NewPCG(7, 11))
	const n = 12
	nodes := make([]*models.Document, n)
	for i := range nodes {
		nodes[i] = s.add(fmt.Sprintf("N-%d", i), 1, 0, models.StateEffective)
	}
	adj := map[int][]int{}
	index := map[id.DocumentID]int{}
	for i, d := range nodes {
		index[d.ID] = i
	}

	for range 200 {
		from, to := rng.IntN(n), rng.IntN(n)
		if from == to {
			continue
		}
		_, err := s.service.AddDependency(s.ctx, s.author, AddRequest{From: nodes[from].ID, To: nodes[to].ID})
		if err != nil {
			s.Require().True(dErrors.HasCode(err, dErrors.CodeConflict), "unexpected error: %v", err)
			continue
		}
		adj[from] = append(adj[from], to)
	}

	s.False(hasCycle(n, adj), "committed graph contains a cycle")
	s.Equal(len(flatten(adj)), s.edgeCount())
}

func hasCycle(n int, adj map[int][]int) bool {
	const (
		white = iota
		grey
		black
	)
	color := make([]int, n)
	var visit func(int) bool
	visit = func(u int) bool {
		color[u] = grey
		for _, v := range adj[u] {
			if color[v] == grey || (color[v] == white && visit(v)) {
				return true
			}
		}
		color[u] = black
		return false
	}
	for u := range n {
		if color[u] == white && visit(u) {
			return true
		}
	}
	return false
}

func flatten(adj map[int][]int) []int {
	var out []int
	for _, vs := range adj {
		out = append(out, vs...)
	}
	return out
}

func (s *ServiceSuite) TestCanRetireFamily() {
	s.Run("superseded target still blocks the family", func() {
		pol10 := s.add("POL-1", 1, 0, models.StateSuperseded)
		s.add("POL-1", 1, 1, models.StateEffective)
		sop := s.add("SOP-9", 1, 0, models.StateEffective)
		// edge committed while POL-1 v1.0 was still in force
		edge, err := models.NewDependencyEdge(id.NewEdgeID(), sop.ID, pol10.ID, true, "", s.author.UserID, time.Now())
		s.Require().NoError(err)
		s.Require().NoError(s.edges.Create(s.ctx, edge))

		check, err := s.service.CanRetireFamily(s.ctx, "POL-1")
		s.Require().NoError(err)
		s.False(check.Allowed)
		s.Require().Len(check.BlockingEdges, 1)
		blocking := check.BlockingEdges[0]
		s.Equal(edge.ID, blocking.EdgeID)
		s.Equal("POL-1 v1.0", blocking.DocumentNumber)
		s.Equal("SOP-9 v1.0", blocking.DependentNumber)
		s.Equal(models.StateEffective, blocking.DependentState)
		s.True(blocking.Critical)
	})

	s.Run("every blocking edge is reported", func() {
		target := s.add("POL-2", 1, 0, models.StateEffective)
		for _, f := range []string{"WI-3", "WI-1", "WI-2"} {
			s.link(s.add(f, 1, 0, models.StateApprovedPendingEffective), target)
		}
		s.link(s.add("WI-4", 1, 0, models.StateDraft), target)

		check, err := s.service.CanRetireFamily(s.ctx, "POL-2")
		s.Require().NoError(err)
		s.False(check.Allowed)
		s.Require().Len(check.BlockingEdges, 3, "draft dependents do not block")
		s.Equal("WI-1 v1.0", check.BlockingEdges[0].DependentNumber)
		s.Equal("WI-3 v1.0", check.BlockingEdges[2].DependentNumber)
	})

	s.Run("inactive dependents do not block", func() {
		target := s.add("POL-3", 1, 0, models.StateEffective)
		dep := s.add("WI-5", 1, 0, models.StateEffective)
		s.link(dep, target)
		dep.State = models.StateObsolete
		s.Require().NoError(s.docs.Update(s.ctx, dep))

		check, err := s.service.CanRetireFamily(s.ctx, "POL-3")
		s.Require().NoError(err)
		s.True(check.Allowed)
		s.Empty(check.BlockingEdges)
	})

	s.Run("unknown family", func() {
		_, err := s.service.CanRetireFamily(s.ctx, "NOPE-1")
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

func (s *ServiceSuite) TestCheckRetirementIgnoresIncomingVersion() {
	v10 := s.add("POL-7", 1, 0, models.StateEffective)
	v11 := s.add("POL-7", 1, 1, models.StateApprovedPendingEffective)
	dep := s.add("SOP-7", 1, 0, models.StateEffective)
	s.link(dep, v11)

	check, err := s.service.CheckRetirement(s.ctx, "POL-7", v11.ID)
	s.Require().NoError(err)
	s.True(check.Allowed)

	s.link(dep, v10)
	check, err = s.service.CheckRetirement(s.ctx, "POL-7", v11.ID)
	s.Require().NoError(err)
	s.False(check.Allowed)
}

func (s *ServiceSuite) TestRemoveDependency() {
	a := s.add("SOP-1", 1, 0, models.StateEffective)
	b := s.add("POL-1", 1, 0, models.StateEffective)
	edge := s.link(a, b)

	check, err := s.service.CanRetireFamily(s.ctx, "POL-1")
	s.Require().NoError(err)
	s.False(check.Allowed)

	s.Require().NoError(s.service.RemoveDependency(s.ctx, s.author, edge.ID))
	check, err = s.service.CanRetireFamily(s.ctx, "POL-1")
	s.Require().NoError(err)
	s.True(check.Allowed)

	err = s.service.RemoveDependency(s.ctx, s.author, edge.ID)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *ServiceSuite) TestDependenciesAndDependents() {
	a := s.add("SOP-1", 1, 0, models.StateEffective)
	b := s.add("POL-1", 1, 0, models.StateEffective)
	c := s.add("POL-2", 1, 0, models.StateEffective)
	s.link(a, b)
	s.link(a, c)

	out, err := s.service.Dependencies(s.ctx, a.ID)
	s.Require().NoError(err)
	s.Len(out, 2)

	in, err := s.service.Dependents(s.ctx, b.ID)
	s.Require().NoError(err)
	s.Require().Len(in, 1)
	s.Equal(a.ID, in[0].From)

	_, err = s.service.Dependents(s.ctx, id.NewDocumentID())
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *ServiceSuite) TestCopyOutgoing() {
	src := s.add("SOP-1", 1, 0, models.StateEffective)
	next := s.add("SOP-1", 1, 1, models.StateDraft)
	b := s.add("POL-1", 1, 0, models.StateEffective)
	s.link(src, b)

	copied, err := s.service.CopyOutgoing(s.ctx, src.ID, next.ID, s.author.UserID)
	s.Require().NoError(err)
	s.Require().Len(copied, 1)
	s.Equal(next.ID, copied[0].From)
	s.Equal(b.ID, copied[0].To)

	again, err := s.service.CopyOutgoing(s.ctx, src.ID, next.ID, s.author.UserID)
	s.Require().NoError(err)
	s.Empty(again, "existing pairs are skipped")
}

type failingAuditStore struct{}

func (failingAuditStore) Append(context.Context, audit.Event) error {
	return errors.New("disk full")
}

func (s *ServiceSuite) TestAuditFailureAbortsInsertion() {
	publisher, err := compliance.New(failingAuditStore{})
	s.Require().NoError(err)
	svc, err := New(s.docs, s.edges, tx.NewShardedRunner(time.Second), WithAuditor(publisher))
	s.Require().NoError(err)

	a := s.add("SOP-1", 1, 0, models.StateDraft)
	b := s.add("POL-1", 1, 0, models.StateEffective)
	_, err = svc.AddDependency(s.ctx, s.author, AddRequest{From: a.ID, To: b.ID})
	s.True(dErrors.HasCode(err, dErrors.CodeInternal))
}
