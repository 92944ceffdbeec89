package domain

import (
	"regexp"
	"strings"

	dErrors "doccontrol/pkg/domain-errors"
)

// FamilyID is the stable logical document number shared by every version,
// e.g. "SOP-1". It is stored as its own field and compared whole, so "SOP-1"
// and "SOP-10" are unrelated families.
type FamilyID string

const maxFamilyIDLength = 64

var familyIDPattern = regexp.MustCompile(`^[A-Z][A-Z0-9]*(-[A-Z0-9]+)*$`)

// ParseFamilyID normalizes to upper case and validates the format.
func ParseFamilyID(s string) (FamilyID, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "family ID is required")
	}
	if len(s) > maxFamilyIDLength {
		return "", dErrors.New(dErrors.CodeInvalidInput, "family ID is too long")
	}
	if !familyIDPattern.MatchString(s) {
		return "", dErrors.New(dErrors.CodeInvalidInput, "family ID must look like SOP-1")
	}
	return FamilyID(s), nil
}

func (f FamilyID) String() string { return string(f) }

func (f FamilyID) IsNil() bool { return f == "" }
