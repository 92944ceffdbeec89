package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"doccontrol/internal/document/models"
	"doccontrol/internal/ledger"
	id "doccontrol/pkg/domain"
	dErrors "doccontrol/pkg/domain-errors"
	"doccontrol/pkg/platform/audit"
	"doccontrol/pkg/platform/sentinel"
	"doccontrol/pkg/requestcontext"
)

// apply mutates the snapshot for an action that passed every guard.
func (s *Service) apply(ctx context.Context, a *attempt) (*Result, error) {
	switch a.action {
	case models.ActionCreateVersion:
		return s.createVersion(ctx, a)
	case models.ActionProcessDueDate:
		return s.processDueDate(ctx, a)
	}

	doc, p, now := a.doc, a.payload, a.now
	prior := doc.State
	comment := p.Comment
	event := audit.EventTransitionAccepted

	switch a.action {
	case models.ActionSubmitForReview:
		doc.ApplyState(models.StatePendingReview, now)
	case models.ActionStartReview:
		doc.ApplyState(models.StateUnderReview, now)
	case models.ActionCompleteReview:
		switch {
		case prior == models.StateUnderPeriodicReview:
			doc.ApplyReviewCompleted(now)
			event = audit.EventPeriodicReviewComplete
		case p.Decision == models.DecisionApprove:
			doc.ApplyState(models.StateReviewed, now)
		default:
			doc.ApplyState(models.StateDraft, now)
		}
	case models.ActionRouteForApproval:
		doc.ApplyState(models.StatePendingApproval, now)
	case models.ActionApprove:
		effective := now
		if p.EffectiveDate != nil {
			effective = p.EffectiveDate.UTC()
		}
		doc.ApplyApproved(effective, now)
	case models.ActionReject:
		doc.ApplyState(models.StateDraft, now)
		comment = joinComment(p.Reason, p.Comment)
	case models.ActionTerminate:
		doc.ApplyTerminated(strings.TrimSpace(p.Reason), now)
		comment = joinComment(p.Reason, p.Comment)
		event = audit.EventDocumentTerminated
	case models.ActionScheduleObsolescence:
		doc.ApplyObsolescenceScheduled(p.ObsolescenceDate.UTC(), strings.TrimSpace(p.Reason), now)
		comment = joinComment(p.Reason, p.Comment)
	}
	a.applyClaim()
	var justification string
	if a.override {
		justification = strings.TrimSpace(a.payload.Justification)
		comment = joinComment(comment, "emergency override: "+justification)
	}

	if err := s.save(ctx, doc); err != nil {
		return nil, err
	}
	rec, err := s.record(ctx, change{
		doc:      doc,
		actor:    a.actor.UserID,
		action:   a.action,
		prior:    prior,
		comment:  comment,
		decision: p.Decision,
		override: a.override,
		event:    event,
	})
	if err != nil {
		return nil, err
	}
	return &Result{
		Document:      doc,
		Records:       []ledger.Record{rec},
		Effects:       sideEffects(a.action, prior, doc, nil, nil, p),
		Override:      a.override,
		Justification: justification,
	}, nil
}

func (a *attempt) applyClaim() {
	switch a.claim {
	case slotReviewer:
		a.doc.Assignments.Reviewer = a.actor.UserID
	case slotApprover:
		a.doc.Assignments.Approver = a.actor.UserID
	}
}

// createVersion starts a DRAFT successor. The source stays in force until
// the successor becomes effective.
func (s *Service) createVersion(ctx context.Context, a *attempt) (*Result, error) {
	src := a.doc
	version := models.NextVersion(src.Version, a.members, a.payload.Major)
	next := models.NewVersionOf(src, id.NewDocumentID(), version, a.now)
	if err := s.docs.Create(ctx, next); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.New(dErrors.CodeConflict, fmt.Sprintf("%s already exists", next.Number()))
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to store new version")
	}
	if _, err := s.deps.CopyOutgoing(ctx, src.ID, next.ID, a.actor.UserID); err != nil {
		return nil, err
	}

	srcRec, err := s.record(ctx, change{
		doc:     src,
		actor:   a.actor.UserID,
		action:  models.ActionCreateVersion,
		prior:   src.State,
		comment: joinComment("created v"+version.String(), a.payload.Comment),
		event:   audit.EventTransitionAccepted,
	})
	if err != nil {
		return nil, err
	}
	nextRec, err := s.record(ctx, change{
		doc:     next,
		actor:   a.actor.UserID,
		action:  models.ActionCreate,
		comment: "created from v" + src.Version.String(),
		event:   audit.EventVersionCreated,
	})
	if err != nil {
		return nil, err
	}
	return &Result{
		Document: src,
		Created:  next,
		Records:  []ledger.Record{srcRec, nextRec},
		Effects:  sideEffects(a.action, src.State, src, next, nil, a.payload),
	}, nil
}

// processDueDate applies whichever date-driven transition is due. Making a
// version effective supersedes the member previously in force in the same
// unit of work, so the family is never without one.
func (s *Service) processDueDate(ctx context.Context, a *attempt) (*Result, error) {
	doc, now := a.doc, a.now
	prior := doc.State
	result := &Result{Document: doc}

	var event audit.AuditEvent
	var outgoing *models.Document
	switch prior {
	case models.StateApprovedPendingEffective:
		outgoing = a.inForce()
		doc.ApplyEffective(*doc.EffectiveDate, now)
		event = audit.EventDocumentEffective
	case models.StateScheduledForObsolescence:
		doc.ApplyObsolete(now)
		event = audit.EventDocumentObsolete
	case models.StateEffective:
		doc.ApplyState(models.StateUnderPeriodicReview, now)
		event = audit.EventPeriodicReviewOpened
	}

	if err := s.save(ctx, doc); err != nil {
		return nil, err
	}
	rec, err := s.record(ctx, change{
		doc:    doc,
		actor:  a.actor.UserID,
		action: a.action,
		prior:  prior,
		event:  event,
	})
	if err != nil {
		return nil, err
	}
	result.Records = append(result.Records, rec)

	if outgoing != nil {
		outgoingPrior := outgoing.State
		outgoing.ApplySuperseded(now)
		if err := s.save(ctx, outgoing); err != nil {
			return nil, err
		}
		rec, err := s.record(ctx, change{
			doc:     outgoing,
			actor:   a.actor.UserID,
			action:  models.ActionSupersede,
			prior:   outgoingPrior,
			comment: "superseded by v" + doc.Version.String(),
			event:   audit.EventDocumentSuperseded,
		})
		if err != nil {
			return nil, err
		}
		result.Records = append(result.Records, rec)
		result.Superseded = outgoing
	}
	result.Effects = sideEffects(a.action, prior, doc, nil, outgoing, a.payload)
	return result, nil
}

// change is one accepted state change to record.
type change struct {
	doc      *models.Document
	actor    id.UserID
	action   models.Action
	prior    models.State
	comment  string
	decision models.Decision
	override bool
	event    audit.AuditEvent
}

// record appends the ledger record and the compliance event. Both happen
// inside the caller's unit of work.
func (s *Service) record(ctx context.Context, c change) (ledger.Record, error) {
	rec, err := s.ledger.Append(ctx, ledger.Entry{
		DocumentID: c.doc.ID,
		Actor:      c.actor,
		Action:     string(c.action),
		PriorState: string(c.prior),
		NewState:   string(c.doc.State),
		Outcome:    ledger.OutcomeAccepted,
		Comment:    c.comment,
		Override:   c.override,
	})
	if err != nil {
		return ledger.Record{}, err
	}
	if s.auditor == nil {
		return rec, nil
	}
	err = s.auditor.Emit(ctx, audit.ComplianceEvent{
		Timestamp:   rec.Timestamp,
		ActorID:     c.actor,
		DocumentID:  c.doc.ID.String(),
		FamilyID:    c.doc.FamilyID.String(),
		Action:      string(c.event),
		PriorState:  string(c.prior),
		NewState:    string(c.doc.State),
		Decision:    string(c.decision),
		Reason:      c.comment,
		Override:    c.override,
		RequestID:   requestcontext.RequestID(ctx),
		IP:          requestcontext.ClientIP(ctx),
		Workstation: requestcontext.Workstation(ctx),
	})
	if err != nil {
		return ledger.Record{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to record compliance event")
	}
	return rec, nil
}

func (s *Service) save(ctx context.Context, doc *models.Document) error {
	if err := s.docs.Update(ctx, doc); err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.New(dErrors.CodeNotFound, fmt.Sprintf("document %s not found", doc.ID))
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to store document")
	}
	return nil
}
