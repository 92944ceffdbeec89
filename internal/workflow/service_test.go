package workflow_test

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"doccontrol/internal/dependency"
	"doccontrol/internal/document/models"
	"doccontrol/internal/family"
	"doccontrol/internal/ledger"
	"doccontrol/internal/scheduler/dueindex"
	"doccontrol/internal/workflow"
	id "doccontrol/pkg/domain"
	dErrors "doccontrol/pkg/domain-errors"
	"doccontrol/pkg/platform/audit"
	"doccontrol/pkg/platform/tx"
)

type ServiceSuite struct {
	suite.Suite
	h *harness
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	h, err := newHarness(nil)
	s.Require().NoError(err)
	s.h = h
}

func (s *ServiceSuite) create(family string) *models.Document {
	doc, err := s.h.create(family)
	s.Require().NoError(err)
	return doc
}

func (s *ServiceSuite) effective(family string) *models.Document {
	doc := s.create(family)
	_, err := s.h.makeEffective(doc.ID)
	s.Require().NoError(err)
	return s.reload(doc.ID)
}

func (s *ServiceSuite) reload(docID id.DocumentID) *models.Document {
	doc, err := s.h.get(docID)
	s.Require().NoError(err)
	return doc
}

func (s *ServiceSuite) requireRejection(err error, guard workflow.Guard) *workflow.Rejection {
	s.T().Helper()
	s.Require().Error(err)
	rej, ok := workflow.AsRejection(err)
	s.Require().True(ok, "expected a rejection, got %v", err)
	s.Equal(guard, rej.Guard, rej.Reason)
	return rej
}

func (s *ServiceSuite) TestNew() {
	_, err := workflow.New(nil, s.h.records, s.h.graph, nil)
	s.EqualError(err, "document store is required")
	_, err = workflow.New(s.h.docs, nil, s.h.graph, nil)
	s.EqualError(err, "ledger is required")
	_, err = workflow.New(s.h.docs, s.h.records, nil, nil)
	s.EqualError(err, "dependency checker is required")
	_, err = workflow.New(s.h.docs, s.h.records, s.h.graph, nil)
	s.EqualError(err, "tx runner is required")
}

func (s *ServiceSuite) TestCreateDocument() {
	s.Run("creates DRAFT v1.0 with a genesis record", func() {
		doc := s.create("SOP-1")
		s.Equal(models.StateDraft, doc.State)
		s.Equal(models.InitialVersion, doc.Version)
		s.Equal(s.h.author.UserID, doc.Assignments.Author)

		records, err := s.h.history(doc.ID)
		s.Require().NoError(err)
		s.Require().Len(records, 1)
		s.Equal(ledger.GenesisDigest, records[0].PrevDigest)
		s.Equal(string(models.ActionCreate), records[0].Action)
		s.Equal(string(models.StateDraft), records[0].NewState)
	})

	s.Run("family ids are unique", func() {
		_, err := s.h.create("SOP-1")
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})

	s.Run("similar prefixes are distinct families", func() {
		doc := s.create("SOP-10")
		members, err := s.h.service.Family(s.h.ctx(), doc.ID)
		s.Require().NoError(err)
		s.Len(members, 1)
	})

	s.Run("reviewers cannot create documents", func() {
		_, err := s.h.service.CreateDocument(s.h.ctx(), s.h.reviewer, workflow.CreateRequest{FamilyID: "WI-1", Title: "x"})
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
	})

	s.Run("authors cannot create on behalf of others", func() {
		_, err := s.h.service.CreateDocument(s.h.ctx(), s.h.author, workflow.CreateRequest{
			FamilyID:    "WI-2",
			Title:       "x",
			Assignments: models.Assignments{Author: newUser()},
		})
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
	})
}

func (s *ServiceSuite) TestHappyPath() {
	doc := s.create("SOP-1")
	expected := []models.State{
		models.StatePendingReview,
		models.StateUnderReview,
		models.StateReviewed,
		models.StatePendingApproval,
		models.StateApprovedPendingEffective,
	}
	for i, st := range s.h.approvalSteps() {
		res, err := s.h.do(doc.ID, st.action, st.actor, st.payload)
		s.Require().NoError(err, "step %s", st.action)
		s.Equal(expected[i], res.Document.State)
		s.Require().Len(res.Records, 1)
		s.Equal(ledger.OutcomeAccepted, res.Records[0].Outcome)
	}

	res, err := s.h.do(doc.ID, models.ActionProcessDueDate, s.h.system, models.Payload{})
	s.Require().NoError(err)
	s.Equal(models.StateEffective, res.Document.State)
	s.Require().NotNil(res.Document.NextReviewDate)
	s.Equal(s.h.now.AddDate(0, 0, 365), *res.Document.NextReviewDate)

	records, err := s.h.history(doc.ID)
	s.Require().NoError(err)
	s.Len(records, 7)
	s.Empty(ledger.Verify(records))

	entries, err := s.h.index.Due(s.h.ctx(), s.h.now.AddDate(2, 0, 0), 0)
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	s.Equal(dueindex.KindReview, entries[0].Kind)

	events, err := s.h.auditStore.ListBySubject(s.h.ctx(), doc.ID.String())
	s.Require().NoError(err)
	s.Len(events, 7)
	s.Equal(string(audit.EventDocumentEffective), events[6].Action)
	s.NotEmpty(s.h.dispatcher.effects)
}

// SOP-1 v1.0 EFFECTIVE; a minor version is created, approved and made
// effective by the scheduler, superseding v1.0 in the same unit of work.
func (s *ServiceSuite) TestMinorVersionFlow() {
	v10 := s.effective("SOP-1")

	res, err := s.h.do(v10.ID, models.ActionCreateVersion, s.h.author, models.Payload{Major: false})
	s.Require().NoError(err)
	s.Require().NotNil(res.Created)
	v11 := res.Created
	s.Equal(models.Version{Major: 1, Minor: 1}, v11.Version)
	s.Equal(models.StateDraft, v11.State)
	s.Equal(v10.ID, *v11.SourceID)
	s.Equal(models.StateEffective, s.reload(v10.ID).State, "v1.0 stays effective while v1.1 is drafted")
	s.Len(res.Records, 2)

	s.Require().NoError(s.h.approve(v11.ID))
	s.Equal(models.StateApprovedPendingEffective, s.reload(v11.ID).State)
	s.Equal(models.StateEffective, s.reload(v10.ID).State)

	res, err = s.h.do(v11.ID, models.ActionProcessDueDate, s.h.system, models.Payload{})
	s.Require().NoError(err)
	s.Equal(models.StateEffective, res.Document.State)
	s.Require().NotNil(res.Superseded)
	s.Equal(v10.ID, res.Superseded.ID)
	s.Equal(models.StateSuperseded, s.reload(v10.ID).State)
	s.Require().Len(res.Records, 2)
	s.Equal(string(models.ActionSupersede), res.Records[1].Action)
	s.Equal(id.SystemUserID, res.Records[1].Actor)

	current, err := s.h.service.Current(s.h.ctx(), "SOP-1")
	s.Require().NoError(err)
	s.Equal(v11.ID, current.ID)
}

func (s *ServiceSuite) TestMajorVersion() {
	v10 := s.effective("POL-1")
	res, err := s.h.do(v10.ID, models.ActionCreateVersion, s.h.author, models.Payload{Major: true})
	s.Require().NoError(err)
	s.Equal(models.Version{Major: 2, Minor: 0}, res.Created.Version)
}

func (s *ServiceSuite) TestCreateVersionGuards() {
	v10 := s.effective("SOP-1")
	res, err := s.h.do(v10.ID, models.ActionCreateVersion, s.h.author, models.Payload{})
	s.Require().NoError(err)
	v11 := res.Created

	s.Run("only one version in progress", func() {
		_, err := s.h.do(v10.ID, models.ActionCreateVersion, s.h.author, models.Payload{})
		s.requireRejection(err, workflow.GuardState)
	})

	s.Run("terminated tuples are never reused", func() {
		_, err := s.h.do(v11.ID, models.ActionTerminate, s.h.author, models.Payload{Reason: "wrong template"})
		s.Require().NoError(err)
		res, err := s.h.do(v10.ID, models.ActionCreateVersion, s.h.author, models.Payload{})
		s.Require().NoError(err)
		s.Equal(models.Version{Major: 1, Minor: 2}, res.Created.Version)
	})
}

func (s *ServiceSuite) TestCreateVersionCopiesDependencies() {
	pol := s.effective("POL-1")
	sop := s.effective("SOP-1")
	_, err := s.h.graph.AddDependency(s.h.ctx(), s.h.author, dependency.AddRequest{From: sop.ID, To: pol.ID, Critical: true})
	s.Require().NoError(err)

	res, err := s.h.do(sop.ID, models.ActionCreateVersion, s.h.author, models.Payload{})
	s.Require().NoError(err)
	deps, err := s.h.graph.Dependencies(s.h.ctx(), res.Created.ID)
	s.Require().NoError(err)
	s.Require().Len(deps, 1)
	s.Equal(pol.ID, deps[0].To)
	s.True(deps[0].Critical)
}

// The author of a document may not approve its review, regardless of the
// capabilities they hold.
func (s *ServiceSuite) TestSeparationOfDuties() {
	doc := s.create("SOP-1")
	_, err := s.h.do(doc.ID, models.ActionSubmitForReview, s.h.author, models.Payload{})
	s.Require().NoError(err)
	_, err = s.h.do(doc.ID, models.ActionStartReview, s.h.reviewer, models.Payload{})
	s.Require().NoError(err)

	everything := models.NewActor(s.h.author.UserID, models.KnownCapabilities...)
	_, err = s.h.do(doc.ID, models.ActionCompleteReview, everything, models.Payload{Decision: models.DecisionApprove})
	rej := s.requireRejection(err, workflow.GuardSeparationOfDuties)
	s.True(dErrors.HasCode(err, dErrors.CodeGuardViolation))
	s.Equal(models.StateUnderReview, rej.State)
	s.Equal(models.StateUnderReview, s.reload(doc.ID).State, "rejections mutate nothing")

	records, err := s.h.history(doc.ID)
	s.Require().NoError(err)
	last := records[len(records)-1]
	s.Equal(ledger.OutcomeRejected, last.Outcome)
	s.Equal(string(workflow.GuardSeparationOfDuties), last.Guard)
	s.Equal(last.PriorState, last.NewState)
	s.Empty(ledger.Verify(records))

	s.Len(s.h.security.withAction(audit.EventTransitionRejected), 1)
}

func (s *ServiceSuite) TestEmergencyOverride() {
	doc := s.create("SOP-1")
	_, err := s.h.do(doc.ID, models.ActionSubmitForReview, s.h.author, models.Payload{})
	s.Require().NoError(err)
	// the reviewer slot is left for the override path to exercise
	doc = s.reload(doc.ID)
	doc.Assignments.Reviewer = id.UserID{}
	s.Require().NoError(s.h.docs.Update(s.h.ctx(), doc))

	emergency := models.NewActor(s.h.author.UserID, models.CapabilityReview, models.CapabilityEmergencyOverride)
	justification := "line 3 halted, sole reviewer on leave"

	s.Run("requires the override flag", func() {
		_, err := s.h.do(doc.ID, models.ActionStartReview, emergency, models.Payload{Justification: justification})
		s.requireRejection(err, workflow.GuardSeparationOfDuties)
	})

	s.Run("requires the capability", func() {
		_, err := s.h.do(doc.ID, models.ActionStartReview, models.NewActor(s.h.author.UserID, models.CapabilityReview),
			models.Payload{EmergencyOverride: true, Justification: justification})
		rej := s.requireRejection(err, workflow.GuardSeparationOfDuties)
		s.Contains(rej.Reason, string(models.CapabilityEmergencyOverride))
	})

	s.Run("requires a justification", func() {
		_, err := s.h.do(doc.ID, models.ActionStartReview, emergency, models.Payload{EmergencyOverride: true, Justification: "urgent"})
		s.requireRejection(err, workflow.GuardSeparationOfDuties)
	})

	s.Run("accepted and flagged", func() {
		res, err := s.h.do(doc.ID, models.ActionStartReview, emergency,
			models.Payload{EmergencyOverride: true, Justification: justification})
		s.Require().NoError(err)
		s.True(res.Override)
		s.True(res.Records[0].Override)
		s.True(res.Document.Assignments.Reviewer.IsNil(), "an override does not claim the reviewer slot")
		s.Equal(justification, res.Justification)

		alerts := s.h.security.withAction(audit.EventEmergencyOverride)
		s.Require().Len(alerts, 1)
		s.Equal(audit.SeverityCritical, alerts[0].Severity)
		s.Equal(doc.ID.String(), alerts[0].Subject)
		s.Contains(alerts[0].Reason, justification)
	})

	s.Run("justification is part of the hashed record and the compliance trail", func() {
		records, err := s.h.history(doc.ID)
		s.Require().NoError(err)
		last := records[len(records)-1]
		s.True(last.Override)
		s.Contains(last.Comment, justification)
		s.Empty(ledger.Verify(records))

		events, err := s.h.auditStore.ListBySubject(s.h.ctx(), doc.ID.String())
		s.Require().NoError(err)
		var overridden []audit.Event
		for _, e := range events {
			if e.Override {
				overridden = append(overridden, e)
			}
		}
		s.Require().Len(overridden, 1)
		s.Contains(overridden[0].Reason, justification)
	})
}

func (s *ServiceSuite) TestGuardOrder() {
	doc := s.create("SOP-1")
	_, err := s.h.do(doc.ID, models.ActionSubmitForReview, s.h.author, models.Payload{})
	s.Require().NoError(err)

	s.Run("role before separation of duties", func() {
		_, err := s.h.do(doc.ID, models.ActionStartReview, s.h.author, models.Payload{})
		s.requireRejection(err, workflow.GuardRole)
	})

	s.Run("separation of duties before state", func() {
		author := models.NewActor(s.h.author.UserID, models.CapabilityApprove)
		_, err := s.h.do(doc.ID, models.ActionApprove, author, models.Payload{})
		s.requireRejection(err, workflow.GuardSeparationOfDuties)
	})

	s.Run("assignment before state", func() {
		other := models.NewActor(newUser(), models.CapabilityApprove)
		_, err := s.h.do(doc.ID, models.ActionApprove, other, models.Payload{})
		s.requireRejection(err, workflow.GuardAssignment)
	})

	s.Run("state", func() {
		_, err := s.h.do(doc.ID, models.ActionApprove, s.h.approver, models.Payload{})
		s.requireRejection(err, workflow.GuardState)
	})

	s.Run("input after state", func() {
		_, err := s.h.do(doc.ID, models.ActionReject, s.h.reviewer, models.Payload{})
		s.requireRejection(err, workflow.GuardInput)
	})

	s.Run("ledger-only actions are not requestable", func() {
		_, err := s.h.do(doc.ID, models.ActionSupersede, s.h.system, models.Payload{})
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	s.Run("unknown document", func() {
		_, err := s.h.do(id.NewDocumentID(), models.ActionSubmitForReview, s.h.author, models.Payload{})
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

func (s *ServiceSuite) TestReviewerClaimsUnassignedSlot() {
	res, err := s.h.service.CreateDocument(s.h.ctx(), s.h.author, workflow.CreateRequest{FamilyID: "WI-1", Title: "Pool review"})
	s.Require().NoError(err)
	doc := res.Document

	_, err = s.h.do(doc.ID, models.ActionSubmitForReview, s.h.author, models.Payload{})
	s.Require().NoError(err)
	res, err = s.h.do(doc.ID, models.ActionStartReview, s.h.reviewer, models.Payload{})
	s.Require().NoError(err)
	s.Equal(s.h.reviewer.UserID, res.Document.Assignments.Reviewer)

	other := models.NewActor(newUser(), models.CapabilityReview)
	_, err = s.h.do(doc.ID, models.ActionCompleteReview, other, models.Payload{Decision: models.DecisionApprove})
	s.requireRejection(err, workflow.GuardAssignment)
}

func (s *ServiceSuite) TestRejectReturnsToDraft() {
	doc := s.create("SOP-1")
	_, err := s.h.do(doc.ID, models.ActionSubmitForReview, s.h.author, models.Payload{})
	s.Require().NoError(err)
	_, err = s.h.do(doc.ID, models.ActionStartReview, s.h.reviewer, models.Payload{})
	s.Require().NoError(err)

	res, err := s.h.do(doc.ID, models.ActionCompleteReview, s.h.reviewer, models.Payload{Decision: models.DecisionReject, Comment: "section 4 unclear"})
	s.Require().NoError(err)
	s.Equal(models.StateDraft, res.Document.State)
	s.Require().Len(res.Effects, 1)
	s.Equal(models.SideEffectRevisionRequired, res.Effects[0].Kind)
	s.Equal(s.h.author.UserID, res.Effects[0].Recipient)

	for _, st := range s.h.approvalSteps()[:4] {
		_, err := s.h.do(doc.ID, st.action, st.actor, st.payload)
		s.Require().NoError(err)
	}
	res, err = s.h.do(doc.ID, models.ActionReject, s.h.approver, models.Payload{Reason: "missing risk assessment"})
	s.Require().NoError(err)
	s.Equal(models.StateDraft, res.Document.State)
	s.Equal("missing risk assessment", res.Records[0].Comment)
}

func (s *ServiceSuite) TestApproveEffectiveDate() {
	doc := s.create("SOP-1")
	for _, st := range s.h.approvalSteps()[:4] {
		_, err := s.h.do(doc.ID, st.action, st.actor, st.payload)
		s.Require().NoError(err)
	}

	past := s.h.now.AddDate(0, 0, -1)
	_, err := s.h.do(doc.ID, models.ActionApprove, s.h.approver, models.Payload{EffectiveDate: &past})
	s.requireRejection(err, workflow.GuardInput)

	future := s.h.now.AddDate(0, 0, 14)
	res, err := s.h.do(doc.ID, models.ActionApprove, s.h.approver, models.Payload{EffectiveDate: &future})
	s.Require().NoError(err)
	s.Equal(models.StateApprovedPendingEffective, res.Document.State)

	_, err = s.h.do(doc.ID, models.ActionProcessDueDate, s.h.system, models.Payload{})
	s.requireRejection(err, workflow.GuardState)

	s.h.advance(14 * 24 * time.Hour)
	res, err = s.h.do(doc.ID, models.ActionProcessDueDate, s.h.system, models.Payload{})
	s.Require().NoError(err)
	s.Equal(models.StateEffective, res.Document.State)
	s.Equal(future, *res.Document.EffectiveDate)
}

func (s *ServiceSuite) TestProcessDueDateIsIdempotent() {
	doc := s.create("SOP-1")
	s.Require().NoError(s.h.approve(doc.ID))

	_, err := s.h.do(doc.ID, models.ActionProcessDueDate, s.h.system, models.Payload{})
	s.Require().NoError(err)
	_, err = s.h.do(doc.ID, models.ActionProcessDueDate, s.h.system, models.Payload{})
	s.requireRejection(err, workflow.GuardState)
	s.True(workflow.IsStateRejection(err))

	records, err := s.h.history(doc.ID)
	s.Require().NoError(err)
	changes := 0
	for _, r := range records {
		if r.Action == string(models.ActionProcessDueDate) && r.Outcome == ledger.OutcomeAccepted {
			changes++
		}
	}
	s.Equal(1, changes)
	s.Equal(models.StateEffective, s.reload(doc.ID).State)
}

func (s *ServiceSuite) TestProcessDueDateRequiresAutomation() {
	doc := s.create("SOP-1")
	s.Require().NoError(s.h.approve(doc.ID))
	_, err := s.h.do(doc.ID, models.ActionProcessDueDate, s.h.manager, models.Payload{})
	s.requireRejection(err, workflow.GuardRole)
}

func (s *ServiceSuite) TestPeriodicReview() {
	doc := s.effective("SOP-1")
	s.h.advance(366 * 24 * time.Hour)

	res, err := s.h.do(doc.ID, models.ActionProcessDueDate, s.h.system, models.Payload{})
	s.Require().NoError(err)
	s.Equal(models.StateUnderPeriodicReview, res.Document.State)
	s.Equal(models.SideEffectAssign, res.Effects[0].Kind)
	s.Equal(s.h.reviewer.UserID, res.Effects[0].Recipient)

	s.Run("versioning is allowed during periodic review", func() {
		_, err := s.h.do(doc.ID, models.ActionCreateVersion, s.h.author, models.Payload{})
		s.Require().NoError(err)
	})

	res, err = s.h.do(doc.ID, models.ActionCompleteReview, s.h.reviewer, models.Payload{Decision: models.DecisionReject, Comment: "needs update"})
	s.Require().NoError(err)
	s.Equal(models.StateEffective, res.Document.State)
	s.Equal(s.h.now.AddDate(0, 0, 365), *res.Document.NextReviewDate)
	kinds := []models.SideEffectKind{}
	for _, e := range res.Effects {
		kinds = append(kinds, e.Kind)
	}
	s.Contains(kinds, models.SideEffectRevisionRequired)
	s.Contains(kinds, models.SideEffectDueDate)
}

// An active dependent on POL-1 v1.0 holds up its supersession until it cites
// v2.0, and then still holds up retirement of the whole family.
func (s *ServiceSuite) TestObsolescenceBlockedByDependents() {
	pol10 := s.effective("POL-1")
	sop9 := s.effective("SOP-9")
	_, err := s.h.graph.AddDependency(s.h.ctx(), s.h.author, dependency.AddRequest{From: sop9.ID, To: pol10.ID})
	s.Require().NoError(err)

	res, err := s.h.do(pol10.ID, models.ActionCreateVersion, s.h.author, models.Payload{Major: true})
	s.Require().NoError(err)
	pol20 := res.Created
	s.Require().NoError(s.h.approve(pol20.ID))

	_, err = s.h.do(pol20.ID, models.ActionProcessDueDate, s.h.system, models.Payload{})
	rej := s.requireRejection(err, workflow.GuardDependency)
	s.True(dErrors.HasCode(err, dErrors.CodeDependencyBlocked))
	s.Require().Len(rej.BlockingEdges, 1)
	s.Equal(models.StateEffective, s.reload(pol10.ID).State, "blocked supersession changes nothing")

	// SOP-9 is updated to cite the new version; v1.0's edge stays behind.
	_, err = s.h.graph.AddDependency(s.h.ctx(), s.h.author, dependency.AddRequest{From: sop9.ID, To: pol20.ID})
	s.Require().NoError(err)
	edges, err := s.h.graph.Dependencies(s.h.ctx(), sop9.ID)
	s.Require().NoError(err)
	for _, e := range edges {
		if e.To == pol10.ID {
			s.Require().NoError(s.h.graph.RemoveDependency(s.h.ctx(), s.h.author, e.ID))
		}
	}
	_, err = s.h.do(pol20.ID, models.ActionProcessDueDate, s.h.system, models.Payload{})
	s.Require().NoError(err)

	check, err := s.h.graph.CanRetireFamily(s.h.ctx(), "POL-1")
	s.Require().NoError(err)
	s.False(check.Allowed)
	s.Require().Len(check.BlockingEdges, 1)
	s.Equal("SOP-9 v1.0", check.BlockingEdges[0].DependentNumber)
	s.Equal("POL-1 v2.0", check.BlockingEdges[0].DocumentNumber)

	date := s.h.now.AddDate(0, 1, 0)
	_, err = s.h.do(pol20.ID, models.ActionScheduleObsolescence, s.h.manager, models.Payload{ObsolescenceDate: &date, Reason: "replaced by POL-7"})
	rej = s.requireRejection(err, workflow.GuardDependency)
	s.Equal("SOP-9 v1.0", rej.BlockingEdges[0].DependentNumber)
}

func (s *ServiceSuite) TestObsolescence() {
	doc := s.effective("WI-1")
	date := s.h.now.AddDate(0, 0, 30)

	s.Run("requires retire capability", func() {
		_, err := s.h.do(doc.ID, models.ActionScheduleObsolescence, s.h.author, models.Payload{ObsolescenceDate: &date, Reason: "retired"})
		s.requireRejection(err, workflow.GuardRole)
	})

	s.Run("requires a reason", func() {
		_, err := s.h.do(doc.ID, models.ActionScheduleObsolescence, s.h.manager, models.Payload{ObsolescenceDate: &date})
		s.requireRejection(err, workflow.GuardInput)
	})

	res, err := s.h.do(doc.ID, models.ActionScheduleObsolescence, s.h.manager, models.Payload{ObsolescenceDate: &date, Reason: "process retired"})
	s.Require().NoError(err)
	s.Equal(models.StateScheduledForObsolescence, res.Document.State)

	_, err = s.h.do(doc.ID, models.ActionProcessDueDate, s.h.system, models.Payload{})
	s.requireRejection(err, workflow.GuardState)

	s.h.advance(31 * 24 * time.Hour)
	res, err = s.h.do(doc.ID, models.ActionProcessDueDate, s.h.system, models.Payload{})
	s.Require().NoError(err)
	s.Equal(models.StateObsolete, res.Document.State)

	_, err = s.h.do(doc.ID, models.ActionCreateVersion, s.h.author, models.Payload{})
	s.requireRejection(err, workflow.GuardState)

	entries, err := s.h.index.Due(s.h.ctx(), s.h.now.AddDate(5, 0, 0), 0)
	s.Require().NoError(err)
	s.Empty(entries, "obsolete documents leave the due index")
}

func (s *ServiceSuite) TestScheduleObsolescenceWithNewerVersionPending() {
	doc := s.effective("WI-2")
	_, err := s.h.do(doc.ID, models.ActionCreateVersion, s.h.author, models.Payload{})
	s.Require().NoError(err)
	date := s.h.now.AddDate(0, 0, 30)
	_, err = s.h.do(doc.ID, models.ActionScheduleObsolescence, s.h.manager, models.Payload{ObsolescenceDate: &date, Reason: "retired"})
	s.requireRejection(err, workflow.GuardState)
}

func (s *ServiceSuite) TestReassign() {
	doc := s.create("SOP-1")
	newReviewer := newUser()

	res, err := s.h.service.Reassign(s.h.ctx(), doc.ID, s.h.author, models.Assignments{Reviewer: newReviewer})
	s.Require().NoError(err)
	s.Equal(newReviewer, res.Document.Assignments.Reviewer)
	s.Equal(s.h.author.UserID, res.Document.Assignments.Author)
	s.True(res.Document.Assignments.Approver.IsNil())
	s.Equal(string(models.ActionReassign), res.Records[0].Action)

	_, err = s.h.service.Reassign(s.h.ctx(), doc.ID, s.h.author, models.Assignments{Reviewer: s.h.author.UserID})
	s.requireRejection(err, workflow.GuardInput)

	_, err = s.h.service.Reassign(s.h.ctx(), doc.ID, s.h.author, models.Assignments{Author: newUser()})
	s.requireRejection(err, workflow.GuardAssignment)

	_, err = s.h.do(doc.ID, models.ActionSubmitForReview, s.h.author, models.Payload{})
	s.Require().NoError(err)
	_, err = s.h.service.Reassign(s.h.ctx(), doc.ID, s.h.manager, models.Assignments{Reviewer: newUser()})
	s.requireRejection(err, workflow.GuardState)
}

func (s *ServiceSuite) TestTerminate() {
	doc := s.create("SOP-1")
	_, err := s.h.do(doc.ID, models.ActionTerminate, s.h.author, models.Payload{})
	s.requireRejection(err, workflow.GuardInput)

	res, err := s.h.do(doc.ID, models.ActionTerminate, s.h.author, models.Payload{Reason: "duplicate of SOP-2"})
	s.Require().NoError(err)
	s.Equal(models.StateTerminated, res.Document.State)
	s.Equal("duplicate of SOP-2", res.Document.TerminationReason)

	for _, action := range []models.Action{models.ActionSubmitForReview, models.ActionTerminate} {
		_, err := s.h.do(doc.ID, action, s.h.author, models.Payload{Reason: "again"})
		s.requireRejection(err, workflow.GuardState)
	}
	_, err = s.h.service.Current(s.h.ctx(), "SOP-1")
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

// Terminating a draft hands "current" back to the version in force, whose
// edges were part of the cycle check all along.
func (s *ServiceSuite) TestTerminatedDraftCannotReopenCycle() {
	a := s.effective("A")
	sop := s.effective("SOP-1")
	_, err := s.h.graph.AddDependency(s.h.ctx(), s.h.author, dependency.AddRequest{From: sop.ID, To: a.ID})
	s.Require().NoError(err)

	res, err := s.h.do(sop.ID, models.ActionCreateVersion, s.h.author, models.Payload{})
	s.Require().NoError(err)
	draft := res.Created
	copied, err := s.h.graph.Dependencies(s.h.ctx(), draft.ID)
	s.Require().NoError(err)
	s.Require().Len(copied, 1)
	s.Require().NoError(s.h.graph.RemoveDependency(s.h.ctx(), s.h.author, copied[0].ID))

	_, err = s.h.graph.AddDependency(s.h.ctx(), s.h.author, dependency.AddRequest{From: a.ID, To: draft.ID})
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	s.Contains(err.Error(), "cycle")

	_, err = s.h.do(draft.ID, models.ActionTerminate, s.h.author, models.Payload{Reason: "withdrawn"})
	s.Require().NoError(err)
	current, err := s.h.service.Current(s.h.ctx(), "SOP-1")
	s.Require().NoError(err)
	s.Equal(sop.ID, current.ID)

	out, err := s.h.graph.Dependencies(s.h.ctx(), a.ID)
	s.Require().NoError(err)
	s.Empty(out, "A must not depend on SOP-1 while SOP-1 v1.0 depends on A")
}

// lockCheckingIndex records whether each write happens while the family
// lock is held.
type lockCheckingIndex struct {
	*dueindex.Memory
	runner *tx.ShardedRunner
	key    string

	mu       sync.Mutex
	writes   int
	unlocked int
}

func (l *lockCheckingIndex) check(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 20*time.Millisecond)
	defer cancel()
	err := l.runner.RunInTx(ctx, []string{l.key}, func(context.Context) error { return nil })
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writes++
	if err == nil {
		l.unlocked++
	}
}

func (l *lockCheckingIndex) Put(ctx context.Context, e dueindex.Entry) error {
	l.check(ctx)
	return l.Memory.Put(ctx, e)
}

func (l *lockCheckingIndex) Remove(ctx context.Context, docID id.DocumentID) error {
	l.check(ctx)
	return l.Memory.Remove(ctx, docID)
}

func (s *ServiceSuite) TestDueIndexWrittenUnderFamilyLock() {
	idx := &lockCheckingIndex{Memory: dueindex.NewMemory(), runner: s.h.runner, key: family.LockKey("SOP-1")}
	svc, err := workflow.New(s.h.docs, s.h.records, s.h.graph, s.h.runner, workflow.WithDueIndex(idx))
	s.Require().NoError(err)
	s.h.service = svc

	doc := s.create("SOP-1")
	s.Require().NoError(s.h.approve(doc.ID))
	s.Require().NoError(svc.ResyncDue(s.h.ctx(), doc.ID, time.Time{}))

	s.Positive(idx.writes)
	s.Zero(idx.unlocked)
	s.Equal(1, idx.Len())
}

func (s *ServiceSuite) TestResyncDue() {
	doc := s.create("SOP-1")
	s.Require().NoError(s.h.approve(doc.ID))
	later := s.h.now.Add(time.Hour)

	s.Run("holds the entry back", func() {
		s.Require().NoError(s.h.service.ResyncDue(s.h.ctx(), doc.ID, later))
		due, err := s.h.index.Due(s.h.ctx(), s.h.now, 0)
		s.Require().NoError(err)
		s.Empty(due)
		due, err = s.h.index.Due(s.h.ctx(), later, 0)
		s.Require().NoError(err)
		s.Len(due, 1)
	})

	s.Run("drops entries of unknown documents", func() {
		ghost := id.NewDocumentID()
		s.Require().NoError(s.h.index.Put(s.h.ctx(), dueindex.Entry{DocumentID: ghost, Kind: dueindex.KindReview, DueAt: s.h.now}))
		s.Require().NoError(s.h.service.ResyncDue(s.h.ctx(), ghost, time.Time{}))
		s.Equal(1, s.h.index.Len())
	})
}

func (s *ServiceSuite) TestHistoryFlagsTampering() {
	doc := s.effective("SOP-1")
	s.True(s.h.ledgerStore.Tamper(doc.ID, 3, func(r *ledger.Record) { r.Actor = newUser() }))

	h, err := s.h.service.History(s.h.ctx(), doc.ID)
	s.Require().NoError(err)
	s.False(h.Intact)
	s.True(h.Records[2].Tampered)

	_, err = s.h.service.Verify(s.h.ctx(), doc.ID)
	s.True(dErrors.HasCode(err, dErrors.CodeIntegrityViolation))
	s.NotEmpty(s.h.security.withAction(audit.EventLedgerIntegrityViolation))
}

type failingAuditStore struct{}

func (failingAuditStore) Append(context.Context, audit.Event) error {
	return errors.New("audit database unavailable")
}

func (s *ServiceSuite) TestComplianceAuditFailureFailsTransition() {
	h, err := newHarness(failingAuditStore{})
	s.Require().NoError(err)
	_, err = h.create("SOP-1")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInternal))
}

func (s *ServiceSuite) TestConcurrentTransitionsSerialize() {
	doc := s.create("SOP-1")
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.h.do(doc.ID, models.ActionSubmitForReview, s.h.author, models.Payload{})
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	s.Equal(1, accepted)

	records, err := s.h.history(doc.ID)
	s.Require().NoError(err)
	s.Len(records, 9, "genesis, one accepted and seven rejected attempts")
	s.Empty(ledger.Verify(records))
}

// TestFamilyInvariantUnderRandomTransitions drives several families with
// random actors and actions and checks the active-state invariant after
// every attempt.
func TestFamilyInvariantUnderRandomTransitions(t *testing.T) {
	h, err := newHarness(nil)
	require.NoError(t, err)
	rng := rand.New(rand.NewPCG(2026, 4))

	families := []string{"SOP-1", "SOP-2", "POL-1"}
	for _, f := range families {
		doc, err := h.create(f)
		require.NoError(t, err)
		_, err = h.makeEffective(doc.ID)
		require.NoError(t, err)
	}

	actors := []models.Actor{h.author, h.reviewer, h.approver, h.manager, h.system}
	actions := []models.Action{
		models.ActionSubmitForReview,
		models.ActionStartReview,
		models.ActionCompleteReview,
		models.ActionRouteForApproval,
		models.ActionApprove,
		models.ActionReject,
		models.ActionCreateVersion,
		models.ActionTerminate,
		models.ActionScheduleObsolescence,
		models.ActionProcessDueDate,
	}

	for i := range 1500 {
		if rng.IntN(10) == 0 {
			h.advance(time.Duration(rng.IntN(90)) * 24 * time.Hour)
		}
		docs, err := h.docs.ListByStates(h.ctx(), models.AllStates...)
		require.NoError(t, err)
		doc := docs[rng.IntN(len(docs))]
		action := actions[rng.IntN(len(actions))]
		actor := actors[rng.IntN(len(actors))]
		date := h.now.AddDate(0, 0, rng.IntN(20))
		payload := models.Payload{
			Decision:         []models.Decision{models.DecisionApprove, models.DecisionReject}[rng.IntN(2)],
			Major:            rng.IntN(4) == 0,
			Reason:           "randomized",
			EffectiveDate:    &date,
			ObsolescenceDate: &date,
		}

		_, err = h.do(doc.ID, action, actor, payload)
		if err != nil {
			_, isRejection := workflow.AsRejection(err)
			require.True(t, isRejection, "step %d: %s by %v failed unexpectedly: %v", i, action, actor.Capabilities, err)
		}

		violations, err := h.familyViolations()
		require.NoError(t, err)
		require.Empty(t, violations, "step %d: %s on %s", i, action, doc.Number())
	}

	for _, f := range families {
		members, err := h.service.Family(h.ctx(), newestMember(t, h, f))
		require.NoError(t, err)
		for _, m := range members {
			records, err := h.history(m.ID)
			require.NoError(t, err)
			assert.Empty(t, ledger.Verify(records), "%s chain", m.Number())
		}
	}
}

func newestMember(t *testing.T, h *harness, family string) id.DocumentID {
	t.Helper()
	docs, err := h.docs.ListByFamily(h.ctx(), id.FamilyID(family))
	require.NoError(t, err)
	require.NotEmpty(t, docs)
	return docs[0].ID
}
