package models

// State is a document's lifecycle state.
type State string

const (
	StateDraft                    State = "DRAFT"
	StatePendingReview            State = "PENDING_REVIEW"
	StateUnderReview              State = "UNDER_REVIEW"
	StateReviewed                 State = "REVIEWED"
	StatePendingApproval          State = "PENDING_APPROVAL"
	StateApprovedPendingEffective State = "APPROVED_PENDING_EFFECTIVE"
	StateEffective                State = "EFFECTIVE"
	StateUnderPeriodicReview      State = "UNDER_PERIODIC_REVIEW"
	StateSuperseded               State = "SUPERSEDED"
	StateScheduledForObsolescence State = "SCHEDULED_FOR_OBSOLESCENCE"
	StateObsolete                 State = "OBSOLETE"
	StateTerminated               State = "TERMINATED"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{
	StateDraft,
	StatePendingReview,
	StateUnderReview,
	StateReviewed,
	StatePendingApproval,
	StateApprovedPendingEffective,
	StateEffective,
	StateUnderPeriodicReview,
	StateSuperseded,
	StateScheduledForObsolescence,
	StateObsolete,
	StateTerminated,
}

func (s State) IsValid() bool {
	for _, st := range AllStates {
		if st == s {
			return true
		}
	}
	return false
}

func (s State) String() string { return string(s) }

// IsActive reports whether the document is in force or about to be. Active
// dependents block retirement of what they depend on.
func (s State) IsActive() bool {
	switch s {
	case StateApprovedPendingEffective, StateEffective, StateUnderPeriodicReview, StateScheduledForObsolescence:
		return true
	}
	return false
}

// IsInForce reports whether this is the family's effective member. At most one
// family member is in force at a time.
func (s State) IsInForce() bool {
	switch s {
	case StateEffective, StateUnderPeriodicReview, StateScheduledForObsolescence:
		return true
	}
	return false
}

// IsInProgress covers the authoring and review states before approval.
func (s State) IsInProgress() bool {
	switch s {
	case StateDraft, StatePendingReview, StateUnderReview, StateReviewed, StatePendingApproval:
		return true
	}
	return false
}

// IsTerminal states accept no further transitions.
func (s State) IsTerminal() bool {
	return s == StateObsolete || s == StateTerminated
}
