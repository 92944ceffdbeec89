package models

import (
	"time"

	id "doccontrol/pkg/domain"
)

// SideEffectKind classifies follow-up work for the notification collaborator.
type SideEffectKind string

const (
	SideEffectAssign           SideEffectKind = "assign"
	SideEffectNotify           SideEffectKind = "notify"
	SideEffectDueDate          SideEffectKind = "due_date"
	SideEffectRevisionRequired SideEffectKind = "revision_required"
)

// SideEffect is returned with every accepted transition. Delivery is the
// notification collaborator's job; a failed delivery never undoes the transition.
type SideEffect struct {
	Kind       SideEffectKind `json:"kind"`
	DocumentID id.DocumentID  `json:"document_id"`
	FamilyID   id.FamilyID    `json:"family_id"`
	Number     string         `json:"number"`
	Recipient  id.UserID      `json:"recipient"`
	DueDate    *time.Time     `json:"due_date,omitempty"`
	Message    string         `json:"message"`
}

// HasRecipient is false for pool notifications with no named person.
func (e SideEffect) HasRecipient() bool {
	return !e.Recipient.IsNil()
}
