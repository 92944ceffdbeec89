package workflow

import (
	"time"

	"doccontrol/internal/document/models"
	id "doccontrol/pkg/domain"
)

func effect(kind models.SideEffectKind, doc *models.Document, recipient id.UserID, message string) models.SideEffect {
	return models.SideEffect{
		Kind:       kind,
		DocumentID: doc.ID,
		FamilyID:   doc.FamilyID,
		Number:     doc.Number(),
		Recipient:  recipient,
		Message:    message,
	}
}

func dueEffect(doc *models.Document, recipient id.UserID, due *time.Time, message string) models.SideEffect {
	e := effect(models.SideEffectDueDate, doc, recipient, message)
	if due != nil {
		d := *due
		e.DueDate = &d
	}
	return e
}

// sideEffects describes the follow-up work for an accepted transition. A
// zero recipient addresses everyone holding the capability for the next step.
func sideEffects(action models.Action, prior models.State, doc, created, superseded *models.Document, p models.Payload) []models.SideEffect {
	asg := doc.Assignments
	var out []models.SideEffect
	switch action {
	case models.ActionSubmitForReview:
		out = append(out, effect(models.SideEffectAssign, doc, asg.Reviewer, "review requested"))
	case models.ActionStartReview:
		out = append(out, effect(models.SideEffectNotify, doc, asg.Author, "review started"))
	case models.ActionCompleteReview:
		switch {
		case prior == models.StateUnderPeriodicReview && p.Decision == models.DecisionReject:
			out = append(out,
				effect(models.SideEffectRevisionRequired, doc, asg.Author, "periodic review requires a revision"),
				dueEffect(doc, asg.Author, doc.NextReviewDate, "next periodic review"),
			)
		case prior == models.StateUnderPeriodicReview:
			out = append(out, dueEffect(doc, asg.Author, doc.NextReviewDate, "next periodic review"))
		case p.Decision == models.DecisionReject:
			out = append(out, effect(models.SideEffectRevisionRequired, doc, asg.Author, "review rejected"))
		default:
			out = append(out, effect(models.SideEffectNotify, doc, asg.Author, "review approved, ready to route for approval"))
		}
	case models.ActionRouteForApproval:
		out = append(out, effect(models.SideEffectAssign, doc, asg.Approver, "approval requested"))
	case models.ActionApprove:
		out = append(out, dueEffect(doc, asg.Author, doc.EffectiveDate, "approved, becomes effective"))
	case models.ActionReject:
		out = append(out, effect(models.SideEffectRevisionRequired, doc, asg.Author, "rejected: "+p.Reason))
	case models.ActionCreateVersion:
		out = append(out, effect(models.SideEffectAssign, created, created.Assignments.Author,
			"draft v"+created.Version.String()+" created"))
	case models.ActionTerminate:
		for _, u := range []id.UserID{asg.Reviewer, asg.Approver} {
			if !u.IsNil() {
				out = append(out, effect(models.SideEffectNotify, doc, u, "terminated: "+p.Reason))
			}
		}
	case models.ActionScheduleObsolescence:
		out = append(out, dueEffect(doc, asg.Author, doc.ObsolescenceDate, "scheduled for obsolescence"))
	case models.ActionProcessDueDate:
		switch doc.State {
		case models.StateEffective:
			out = append(out,
				effect(models.SideEffectNotify, doc, asg.Author, "now effective"),
				dueEffect(doc, asg.Author, doc.NextReviewDate, "first periodic review"),
			)
			if superseded != nil {
				out = append(out, effect(models.SideEffectNotify, superseded, superseded.Assignments.Author,
					"superseded by v"+doc.Version.String()))
			}
		case models.StateUnderPeriodicReview:
			out = append(out, effect(models.SideEffectAssign, doc, asg.Reviewer, "periodic review due"))
		case models.StateObsolete:
			out = append(out, effect(models.SideEffectNotify, doc, asg.Author, "now obsolete"))
		}
	}
	return out
}

func reassignEffects(doc *models.Document, before models.Assignments) []models.SideEffect {
	var out []models.SideEffect
	after := doc.Assignments
	if after.Author != before.Author {
		out = append(out, effect(models.SideEffectAssign, doc, after.Author, "assigned as author"))
	}
	if after.Reviewer != before.Reviewer && !after.Reviewer.IsNil() {
		out = append(out, effect(models.SideEffectAssign, doc, after.Reviewer, "assigned as reviewer"))
	}
	if after.Approver != before.Approver && !after.Approver.IsNil() {
		out = append(out, effect(models.SideEffectAssign, doc, after.Approver, "assigned as approver"))
	}
	return out
}
