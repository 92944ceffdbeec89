package models

import (
	"strings"
	"time"

	dErrors "doccontrol/pkg/domain-errors"
)

// Action names a requested lifecycle transition.
type Action string

const (
	ActionSubmitForReview      Action = "submit_for_review"
	ActionStartReview          Action = "start_review"
	ActionCompleteReview       Action = "complete_review"
	ActionRouteForApproval     Action = "route_for_approval"
	ActionApprove              Action = "approve"
	ActionReject               Action = "reject"
	ActionCreateVersion        Action = "create_version"
	ActionTerminate            Action = "terminate"
	ActionScheduleObsolescence Action = "schedule_obsolescence"
	ActionProcessDueDate       Action = "process_due_date"
)

// Ledger-only actions. They are recorded but cannot be requested.
const (
	ActionCreate    Action = "create"
	ActionReassign  Action = "reassign"
	ActionSupersede Action = "supersede"
)

var requestableActions = map[Action]struct{}{
	ActionSubmitForReview:      {},
	ActionStartReview:          {},
	ActionCompleteReview:       {},
	ActionRouteForApproval:     {},
	ActionApprove:              {},
	ActionReject:               {},
	ActionCreateVersion:        {},
	ActionTerminate:            {},
	ActionScheduleObsolescence: {},
	ActionProcessDueDate:       {},
}

// ParseAction accepts only the requestable actions.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := requestableActions[a]; !ok {
		return "", dErrors.New(dErrors.CodeInvalidInput, "unknown action: "+s)
	}
	return a, nil
}

func (a Action) String() string { return string(a) }

// IsReviewOrApproval reports whether separation of duties applies.
func (a Action) IsReviewOrApproval() bool {
	switch a {
	case ActionStartReview, ActionCompleteReview, ActionApprove, ActionReject:
		return true
	}
	return false
}

// Decision is the outcome of complete_review.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

func (d Decision) IsValid() bool {
	return d == DecisionApprove || d == DecisionReject
}

// Payload carries action-specific input. Fields irrelevant to an action are ignored.
type Payload struct {
	Decision         Decision
	EffectiveDate    *time.Time
	Major            bool
	Reason           string
	ObsolescenceDate *time.Time
	Comment          string

	// EmergencyOverride requests a separation-of-duties bypass. It needs the
	// emergency override capability and a written justification.
	EmergencyOverride bool
	Justification     string
}

// MinJustificationLength is the shortest accepted override justification.
const MinJustificationLength = 20

// HasValidOverride reports whether the payload carries a usable override request.
func (p Payload) HasValidOverride() bool {
	return p.EmergencyOverride && len(strings.TrimSpace(p.Justification)) >= MinJustificationLength
}
