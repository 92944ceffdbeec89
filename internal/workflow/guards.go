package workflow

import (
	"slices"
	"strings"
	"time"

	"doccontrol/internal/document/models"
	"doccontrol/internal/family"
	id "doccontrol/pkg/domain"
)

// attempt is one transition request evaluated against a snapshot of the
// document and its family taken under the family lock.
type attempt struct {
	doc     *models.Document
	members []*models.Document
	action  models.Action
	actor   models.Actor
	payload models.Payload
	now     time.Time

	// set by the guards
	override bool
	claim    slot
}

// slot is an assignment a reviewer or approver claims by acting first.
type slot int

const (
	slotNone slot = iota
	slotReviewer
	slotApprover
)

var allowedFrom = map[models.Action][]models.State{
	models.ActionSubmitForReview:      {models.StateDraft},
	models.ActionStartReview:          {models.StatePendingReview},
	models.ActionCompleteReview:       {models.StateUnderReview, models.StateUnderPeriodicReview},
	models.ActionRouteForApproval:     {models.StateReviewed},
	models.ActionApprove:              {models.StatePendingApproval},
	models.ActionReject:               {models.StatePendingReview, models.StateUnderReview, models.StatePendingApproval},
	models.ActionCreateVersion:        {models.StateEffective, models.StateUnderPeriodicReview},
	models.ActionTerminate:            {models.StateDraft, models.StatePendingReview, models.StateUnderReview},
	models.ActionScheduleObsolescence: {models.StateEffective},
	models.ActionProcessDueDate: {
		models.StateApprovedPendingEffective,
		models.StateScheduledForObsolescence,
		models.StateEffective,
	},
}

// requiredCapabilities lists the capabilities of which the actor needs at
// least one.
func requiredCapabilities(action models.Action, state models.State) []models.Capability {
	switch action {
	case models.ActionSubmitForReview, models.ActionCreateVersion, models.ActionTerminate:
		return []models.Capability{models.CapabilityAuthor, models.CapabilityManage}
	case models.ActionStartReview, models.ActionCompleteReview:
		return []models.Capability{models.CapabilityReview}
	case models.ActionRouteForApproval:
		return []models.Capability{models.CapabilityAuthor, models.CapabilityReview, models.CapabilityManage}
	case models.ActionApprove:
		return []models.Capability{models.CapabilityApprove}
	case models.ActionReject:
		if state == models.StatePendingApproval {
			return []models.Capability{models.CapabilityApprove}
		}
		return []models.Capability{models.CapabilityReview}
	case models.ActionScheduleObsolescence:
		return []models.Capability{models.CapabilityRetire}
	case models.ActionProcessDueDate:
		return []models.Capability{models.CapabilityAutomation}
	}
	return nil
}

// evaluate runs every guard except dependency, which needs the graph.
func (a *attempt) evaluate() *Rejection {
	for _, guard := range []func() *Rejection{
		a.checkRole,
		a.checkSeparationOfDuties,
		a.checkAssignment,
		a.checkState,
		a.checkInput,
	} {
		if rej := guard(); rej != nil {
			return rej
		}
	}
	return nil
}

func (a *attempt) checkRole() *Rejection {
	required := requiredCapabilities(a.action, a.doc.State)
	if slices.ContainsFunc(required, a.actor.Has) {
		return nil
	}
	names := make([]string, len(required))
	for i, c := range required {
		names[i] = string(c)
	}
	return reject(GuardRole, a.action, a.doc, "%s requires one of [%s]", a.action, strings.Join(names, ", "))
}

// checkSeparationOfDuties stops authors reviewing or approving their own
// document. The emergency override is the only way past it.
func (a *attempt) checkSeparationOfDuties() *Rejection {
	if !a.action.IsReviewOrApproval() || a.actor.UserID != a.doc.Assignments.Author {
		return nil
	}
	if !a.payload.EmergencyOverride {
		return reject(GuardSeparationOfDuties, a.action, a.doc, "the author of %s cannot %s it", a.doc.Number(), a.action)
	}
	if !a.actor.Has(models.CapabilityEmergencyOverride) {
		return reject(GuardSeparationOfDuties, a.action, a.doc,
			"emergency override requires the %s capability", models.CapabilityEmergencyOverride)
	}
	if !a.payload.HasValidOverride() {
		return reject(GuardSeparationOfDuties, a.action, a.doc,
			"emergency override requires a justification of at least %d characters", models.MinJustificationLength)
	}
	a.override = true
	return nil
}

func (a *attempt) checkAssignment() *Rejection {
	asg := a.doc.Assignments
	switch a.action {
	case models.ActionSubmitForReview, models.ActionCreateVersion, models.ActionTerminate:
		if a.actor.UserID == asg.Author || a.actor.Has(models.CapabilityManage) {
			return nil
		}
		return reject(GuardAssignment, a.action, a.doc, "only the author of %s may %s it", a.doc.Number(), a.action)
	case models.ActionRouteForApproval:
		if a.actor.UserID == asg.Author || a.actor.UserID == asg.Reviewer || a.actor.Has(models.CapabilityManage) {
			return nil
		}
		return reject(GuardAssignment, a.action, a.doc, "only the author or reviewer of %s may route it", a.doc.Number())
	case models.ActionStartReview, models.ActionCompleteReview:
		return a.checkSlot(slotReviewer, asg.Reviewer)
	case models.ActionApprove:
		return a.checkSlot(slotApprover, asg.Approver)
	case models.ActionReject:
		if a.doc.State == models.StatePendingApproval {
			return a.checkSlot(slotApprover, asg.Approver)
		}
		return a.checkSlot(slotReviewer, asg.Reviewer)
	}
	return nil
}

func (a *attempt) checkSlot(s slot, assigned id.UserID) *Rejection {
	if assigned.IsNil() {
		if !a.override {
			a.claim = s
		}
		return nil
	}
	if assigned == a.actor.UserID {
		return nil
	}
	role := "reviewer"
	if s == slotApprover {
		role = "approver"
	}
	return reject(GuardAssignment, a.action, a.doc, "%s is assigned to another %s", a.doc.Number(), role)
}

func (a *attempt) checkState() *Rejection {
	if !slices.Contains(allowedFrom[a.action], a.doc.State) {
		return reject(GuardState, a.action, a.doc, "cannot %s %s while %s", a.action, a.doc.Number(), a.doc.State)
	}
	switch a.action {
	case models.ActionCreateVersion:
		if current := family.CurrentOf(a.members); current == nil || current.ID != a.doc.ID {
			return reject(GuardState, a.action, a.doc, "%s is not the current version of %s", a.doc.Number(), a.doc.FamilyID)
		}
		if pending := a.newerPending(); pending != nil {
			return reject(GuardState, a.action, a.doc, "%s is already %s", pending.Number(), pending.State)
		}
	case models.ActionApprove:
		for _, m := range a.members {
			if m.ID != a.doc.ID && m.State == models.StateApprovedPendingEffective {
				return reject(GuardState, a.action, a.doc, "%s is already pending effective", m.Number())
			}
		}
	case models.ActionScheduleObsolescence:
		if pending := a.newerPending(); pending != nil {
			return reject(GuardState, a.action, a.doc, "%s is %s; retire it or let it take effect first", pending.Number(), pending.State)
		}
	case models.ActionProcessDueDate:
		return a.checkDue()
	}
	return nil
}

// checkDue makes process_due_date idempotent: once the date-driven
// transition has happened the document is no longer in the matching state.
func (a *attempt) checkDue() *Rejection {
	var due *time.Time
	switch a.doc.State {
	case models.StateApprovedPendingEffective:
		due = a.doc.EffectiveDate
	case models.StateScheduledForObsolescence:
		due = a.doc.ObsolescenceDate
		if pending := a.newerPending(); pending != nil {
			return reject(GuardState, a.action, a.doc, "%s is %s", pending.Number(), pending.State)
		}
	case models.StateEffective:
		due = a.doc.NextReviewDate
	}
	if due == nil || due.After(a.now) {
		return reject(GuardState, a.action, a.doc, "nothing is due for %s", a.doc.Number())
	}
	return nil
}

// newerPending returns a newer family member still in progress or pending
// effective, or nil.
func (a *attempt) newerPending() *models.Document {
	for _, m := range a.members {
		if m.ID == a.doc.ID || !a.doc.Version.Less(m.Version) {
			continue
		}
		if m.State.IsInProgress() || m.State == models.StateApprovedPendingEffective {
			return m
		}
	}
	return nil
}

func (a *attempt) checkInput() *Rejection {
	p := a.payload
	switch a.action {
	case models.ActionCompleteReview:
		if !p.Decision.IsValid() {
			return reject(GuardInput, a.action, a.doc, "decision must be approve or reject")
		}
	case models.ActionApprove:
		if p.EffectiveDate != nil && p.EffectiveDate.Before(startOfDay(a.now)) {
			return reject(GuardInput, a.action, a.doc, "effective date %s is in the past", p.EffectiveDate.Format(time.DateOnly))
		}
	case models.ActionReject:
		if strings.TrimSpace(p.Reason) == "" {
			return reject(GuardInput, a.action, a.doc, "a rejection reason is required")
		}
	case models.ActionTerminate:
		if strings.TrimSpace(p.Reason) == "" {
			return reject(GuardInput, a.action, a.doc, "a termination reason is required")
		}
	case models.ActionScheduleObsolescence:
		if p.ObsolescenceDate == nil {
			return reject(GuardInput, a.action, a.doc, "an obsolescence date is required")
		}
		if p.ObsolescenceDate.Before(startOfDay(a.now)) {
			return reject(GuardInput, a.action, a.doc, "obsolescence date %s is in the past", p.ObsolescenceDate.Format(time.DateOnly))
		}
		if strings.TrimSpace(p.Reason) == "" {
			return reject(GuardInput, a.action, a.doc, "an obsolescence reason is required")
		}
	}
	return nil
}

// retires reports whether the transition takes a family member out of
// force, and which member it brings in (if any). Those transitions need
// the dependency guard.
func (a *attempt) retires() (retiring bool, incoming *models.Document) {
	switch a.action {
	case models.ActionScheduleObsolescence:
		return true, nil
	case models.ActionProcessDueDate:
		switch a.doc.State {
		case models.StateScheduledForObsolescence:
			return true, nil
		case models.StateApprovedPendingEffective:
			if a.inForce() != nil {
				return true, a.doc
			}
		}
	}
	return false, nil
}

// inForce returns the family member in force other than the document itself.
func (a *attempt) inForce() *models.Document {
	if m := family.InForce(a.members); m != nil && m.ID != a.doc.ID {
		return m
	}
	return nil
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
