package handler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"doccontrol/internal/document/models"
	id "doccontrol/pkg/domain"
	dErrors "doccontrol/pkg/domain-errors"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// CreateDocumentRequest starts a new family at v1.0.
type CreateDocumentRequest struct {
	FamilyID           string `json:"family_id" validate:"required,max=64"`
	Title              string `json:"title" validate:"required,max=256"`
	Author             string `json:"author,omitempty" validate:"omitempty,uuid"`
	Reviewer           string `json:"reviewer,omitempty" validate:"omitempty,uuid"`
	Approver           string `json:"approver,omitempty" validate:"omitempty,uuid"`
	ReviewIntervalDays int    `json:"review_interval_days,omitempty" validate:"gte=0,lte=3650"`
}

// TransitionRequest asks the state machine to apply one action.
type TransitionRequest struct {
	Action            string  `json:"action" validate:"required"`
	Decision          string  `json:"decision,omitempty" validate:"omitempty,oneof=approve reject"`
	EffectiveDate     *string `json:"effective_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Major             bool    `json:"major,omitempty"`
	Reason            string  `json:"reason,omitempty" validate:"max=2000"`
	ObsolescenceDate  *string `json:"obsolescence_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Comment           string  `json:"comment,omitempty" validate:"max=2000"`
	EmergencyOverride bool    `json:"emergency_override,omitempty"`
	Justification     string  `json:"justification,omitempty" validate:"max=2000"`
}

// AssignmentsRequest replaces the assignments of a DRAFT. An omitted author
// keeps the current one.
type AssignmentsRequest struct {
	Author   string `json:"author,omitempty" validate:"omitempty,uuid"`
	Reviewer string `json:"reviewer,omitempty" validate:"omitempty,uuid"`
	Approver string `json:"approver,omitempty" validate:"omitempty,uuid"`
}

// AddDependencyRequest records that From cites To.
type AddDependencyRequest struct {
	From      string `json:"from" validate:"required,uuid"`
	To        string `json:"to" validate:"required,uuid"`
	Critical  bool   `json:"critical,omitempty"`
	Rationale string `json:"rationale,omitempty" validate:"max=1000"`
}

// checkRequest runs the struct tags and renders the first failure.
func checkRequest(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("%s failed %s validation", jsonName(fe.Field()), fe.Tag()))
	}
	return dErrors.Wrap(err, dErrors.CodeValidation, "invalid request")
}

func jsonName(field string) string {
	var b strings.Builder
	for i, r := range field {
		if i > 0 && r >= 'A' && r <= 'Z' {
			b.WriteByte('_')
		}
		b.WriteString(strings.ToLower(string(r)))
	}
	return b.String()
}

func optionalUser(s string) (id.UserID, error) {
	if s == "" {
		return id.UserID{}, nil
	}
	return id.ParseUserID(s)
}

func parseDate(s *string) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	t, err := time.Parse(time.DateOnly, *s)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeValidation, "dates must be YYYY-MM-DD")
	}
	return &t, nil
}

func (r TransitionRequest) toPayload() (models.Payload, error) {
	effective, err := parseDate(r.EffectiveDate)
	if err != nil {
		return models.Payload{}, err
	}
	obsolescence, err := parseDate(r.ObsolescenceDate)
	if err != nil {
		return models.Payload{}, err
	}
	return models.Payload{
		Decision:          models.Decision(r.Decision),
		EffectiveDate:     effective,
		Major:             r.Major,
		Reason:            r.Reason,
		ObsolescenceDate:  obsolescence,
		Comment:           r.Comment,
		EmergencyOverride: r.EmergencyOverride,
		Justification:     r.Justification,
	}, nil
}

func (r AssignmentsRequest) toAssignments() (models.Assignments, error) {
	var (
		a   models.Assignments
		err error
	)
	if a.Author, err = optionalUser(r.Author); err != nil {
		return a, err
	}
	if a.Reviewer, err = optionalUser(r.Reviewer); err != nil {
		return a, err
	}
	if a.Approver, err = optionalUser(r.Approver); err != nil {
		return a, err
	}
	return a, nil
}
