package workflow

import (
	"errors"
	"fmt"

	"doccontrol/internal/document/models"
	id "doccontrol/pkg/domain"
	dErrors "doccontrol/pkg/domain-errors"
)

// Guard names the check that refused a transition. Guards run in the order
// declared here.
type Guard string

const (
	GuardRole               Guard = "role"
	GuardSeparationOfDuties Guard = "separation_of_duties"
	GuardAssignment         Guard = "assignment"
	GuardState              Guard = "state"
	GuardInput              Guard = "input"
	GuardDependency         Guard = "dependency"
)

// Rejection is returned for every refused transition. The attempt is still
// recorded in the ledger; nothing else is mutated.
type Rejection struct {
	Guard         Guard                 `json:"guard"`
	Action        models.Action         `json:"action"`
	DocumentID    id.DocumentID         `json:"document_id"`
	State         models.State          `json:"state"`
	Reason        string                `json:"reason"`
	BlockingEdges []models.BlockingEdge `json:"blocking_edges,omitempty"`
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s rejected by %s guard: %s", r.Action, r.Guard, r.Reason)
}

// DomainCode maps dependency blocks to CodeDependencyBlocked and every other
// guard to CodeGuardViolation.
func (r *Rejection) DomainCode() dErrors.Code {
	if r.Guard == GuardDependency {
		return dErrors.CodeDependencyBlocked
	}
	return dErrors.CodeGuardViolation
}

func (r *Rejection) Unwrap() error {
	return dErrors.New(r.DomainCode(), r.Reason)
}

// Details is rendered by the HTTP layer next to the error code.
func (r *Rejection) Details() any {
	return r
}

// IsStateRejection reports whether err is a state guard rejection, the
// harmless outcome of automation racing a human action.
func IsStateRejection(err error) bool {
	rej, ok := AsRejection(err)
	return ok && rej.Guard == GuardState
}

// AsRejection unwraps a *Rejection from err.
func AsRejection(err error) (*Rejection, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

func reject(guard Guard, action models.Action, doc *models.Document, format string, args ...any) *Rejection {
	return &Rejection{
		Guard:      guard,
		Action:     action,
		DocumentID: doc.ID,
		State:      doc.State,
		Reason:     fmt.Sprintf(format, args...),
	}
}
