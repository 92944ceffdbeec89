package models

import (
	"strings"
	"time"

	id "doccontrol/pkg/domain"
	dErrors "doccontrol/pkg/domain-errors"
)

// DefaultReviewIntervalDays is used when a document is created without one.
const DefaultReviewIntervalDays = 365

const maxTitleLength = 256

// Assignments names the people responsible for each stage. Reviewer and
// approver may be left empty; the first holder of the matching capability
// to act claims the slot.
type Assignments struct {
	Author   id.UserID `json:"author"`
	Reviewer id.UserID `json:"reviewer"`
	Approver id.UserID `json:"approver"`
}

// Validate enforces separation of duties at assignment time.
func (a Assignments) Validate() error {
	if a.Author.IsNil() {
		return dErrors.New(dErrors.CodeInvariantViolation, "author is required")
	}
	if !a.Reviewer.IsNil() && a.Reviewer == a.Author {
		return dErrors.New(dErrors.CodeInvariantViolation, "reviewer must differ from author")
	}
	if !a.Approver.IsNil() && a.Approver == a.Author {
		return dErrors.New(dErrors.CodeInvariantViolation, "approver must differ from author")
	}
	return nil
}

// Document is one physical version of a controlled document.
//
// Invariants:
//   - FamilyID and Version never change after construction
//   - State changes only through the workflow service
//   - OBSOLETE and TERMINATED are terminal
//   - A family has at most one in-force member and at most one member
//     pending effective, and the pending one is newer
type Document struct {
	ID                 id.DocumentID  `json:"id"`
	FamilyID           id.FamilyID    `json:"family_id"`
	Title              string         `json:"title"`
	Version            Version        `json:"version"`
	State              State          `json:"state"`
	Assignments        Assignments    `json:"assignments"`
	EffectiveDate      *time.Time     `json:"effective_date,omitempty"`
	NextReviewDate     *time.Time     `json:"next_review_date,omitempty"`
	ReviewIntervalDays int            `json:"review_interval_days"`
	ObsolescenceDate   *time.Time     `json:"obsolescence_date,omitempty"`
	ObsolescenceReason string         `json:"obsolescence_reason,omitempty"`
	TerminationReason  string         `json:"termination_reason,omitempty"`
	SourceID           *id.DocumentID `json:"source_id,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// NewDocument builds a DRAFT v1.0 document for a new family.
func NewDocument(docID id.DocumentID, family id.FamilyID, title string, assignments Assignments, reviewIntervalDays int, now time.Time) (*Document, error) {
	title = strings.TrimSpace(title)
	if docID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "document ID is required")
	}
	if family.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "family ID is required")
	}
	if title == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "title cannot be empty")
	}
	if len(title) > maxTitleLength {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "title must be 256 characters or less")
	}
	if err := assignments.Validate(); err != nil {
		return nil, err
	}
	if reviewIntervalDays < 0 {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "review interval cannot be negative")
	}
	if reviewIntervalDays == 0 {
		reviewIntervalDays = DefaultReviewIntervalDays
	}
	return &Document{
		ID:                 docID,
		FamilyID:           family,
		Title:              title,
		Version:            InitialVersion,
		State:              StateDraft,
		Assignments:        assignments,
		ReviewIntervalDays: reviewIntervalDays,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

// NewVersionOf builds the DRAFT successor of source with the given version.
func NewVersionOf(source *Document, docID id.DocumentID, version Version, now time.Time) *Document {
	srcID := source.ID
	return &Document{
		ID:                 docID,
		FamilyID:           source.FamilyID,
		Title:              source.Title,
		Version:            version,
		State:              StateDraft,
		Assignments:        source.Assignments,
		ReviewIntervalDays: source.ReviewIntervalDays,
		SourceID:           &srcID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// Number renders the display form, e.g. "SOP-1 v1.0". It is never parsed back.
func (d *Document) Number() string {
	return d.FamilyID.String() + " v" + d.Version.String()
}

// Clone returns a deep copy so callers can mutate without touching store state.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := *d
	c.EffectiveDate = cloneTime(d.EffectiveDate)
	c.NextReviewDate = cloneTime(d.NextReviewDate)
	c.ObsolescenceDate = cloneTime(d.ObsolescenceDate)
	if d.SourceID != nil {
		src := *d.SourceID
		c.SourceID = &src
	}
	return &c
}

// ReviewInterval returns the periodic review cadence.
func (d *Document) ReviewInterval() time.Duration {
	return time.Duration(d.ReviewIntervalDays) * 24 * time.Hour
}

// ApplyState moves the document to a new state. Guards run before this.
func (d *Document) ApplyState(to State, now time.Time) {
	d.State = to
	d.UpdatedAt = now
}

// ApplyEffective makes the document effective as of at and schedules its
// first periodic review.
func (d *Document) ApplyEffective(at time.Time, now time.Time) {
	eff := at
	next := at.Add(d.ReviewInterval())
	d.EffectiveDate = &eff
	d.NextReviewDate = &next
	d.ApplyState(StateEffective, now)
}

// ApplyReviewCompleted returns the document to EFFECTIVE with the next
// periodic review one interval from now.
func (d *Document) ApplyReviewCompleted(now time.Time) {
	next := now.Add(d.ReviewInterval())
	d.NextReviewDate = &next
	d.ApplyState(StateEffective, now)
}

// ApplySuperseded retires the document in favour of a newer version.
func (d *Document) ApplySuperseded(now time.Time) {
	d.NextReviewDate = nil
	d.ObsolescenceDate = nil
	d.ApplyState(StateSuperseded, now)
}

func (d *Document) ApplyObsolescenceScheduled(at time.Time, reason string, now time.Time) {
	date := at
	d.ObsolescenceDate = &date
	d.ObsolescenceReason = reason
	d.ApplyState(StateScheduledForObsolescence, now)
}

func (d *Document) ApplyObsolete(now time.Time) {
	d.NextReviewDate = nil
	d.ApplyState(StateObsolete, now)
}

func (d *Document) ApplyTerminated(reason string, now time.Time) {
	d.TerminationReason = reason
	d.ApplyState(StateTerminated, now)
}

// ApplyApproved records the approved effective date.
func (d *Document) ApplyApproved(effective time.Time, now time.Time) {
	eff := effective
	d.EffectiveDate = &eff
	d.ApplyState(StateApprovedPendingEffective, now)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
