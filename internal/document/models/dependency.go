package models

import (
	"strings"
	"time"

	id "doccontrol/pkg/domain"
	dErrors "doccontrol/pkg/domain-errors"
)

const maxRationaleLength = 2000

// DependencyEdge records that From depends on To. Edges point at a specific
// version; retirement checks widen them to the whole family of To.
type DependencyEdge struct {
	ID        id.EdgeID     `json:"id"`
	From      id.DocumentID `json:"from"`
	To        id.DocumentID `json:"to"`
	Critical  bool          `json:"critical"`
	Rationale string        `json:"rationale,omitempty"`
	CreatedBy id.UserID     `json:"created_by"`
	CreatedAt time.Time     `json:"created_at"`
}

func NewDependencyEdge(edgeID id.EdgeID, from, to id.DocumentID, critical bool, rationale string, createdBy id.UserID, now time.Time) (*DependencyEdge, error) {
	rationale = strings.TrimSpace(rationale)
	if from.IsNil() || to.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "both ends of a dependency are required")
	}
	if from == to {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "a document cannot depend on itself")
	}
	if len(rationale) > maxRationaleLength {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "rationale must be 2000 characters or less")
	}
	return &DependencyEdge{
		ID:        edgeID,
		From:      from,
		To:        to,
		Critical:  critical,
		Rationale: rationale,
		CreatedBy: createdBy,
		CreatedAt: now,
	}, nil
}

// BlockingEdge is one reason a family cannot be retired: an active dependent
// still points at one of its versions.
type BlockingEdge struct {
	EdgeID           id.EdgeID     `json:"edge_id"`
	DocumentID       id.DocumentID `json:"document_id"`
	DocumentNumber   string        `json:"document_number"`
	DependentID      id.DocumentID `json:"dependent_id"`
	DependentNumber  string        `json:"dependent_number"`
	DependentFamily  id.FamilyID   `json:"dependent_family"`
	DependentVersion Version       `json:"dependent_version"`
	DependentState   State         `json:"dependent_state"`
	Critical         bool          `json:"critical"`
}
