// Package domain holds identifier primitives shared by every module.
// Parse functions are the trust boundary: anything that reaches a service
// has already been validated here.
package domain

import (
	"unicode/utf8"

	"github.com/google/uuid"

	dErrors "doccontrol/pkg/domain-errors"
)

type (
	// UserID identifies a person or system principal from the identity provider.
	UserID uuid.UUID
	// DocumentID identifies one physical document version.
	DocumentID uuid.UUID
	// EdgeID identifies a dependency edge.
	EdgeID uuid.UUID
	// RecordID identifies a ledger record.
	RecordID uuid.UUID
)

// SystemUserID is the principal the scheduler acts as. It is a name-based
// UUID so every process derives the same value.
var SystemUserID = UserID(uuid.NewSHA1(uuid.NameSpaceOID, []byte("doccontrol:system")))

func (id UserID) String() string     { return uuid.UUID(id).String() }
func (id DocumentID) String() string { return uuid.UUID(id).String() }
func (id EdgeID) String() string     { return uuid.UUID(id).String() }
func (id RecordID) String() string   { return uuid.UUID(id).String() }

func (id UserID) IsNil() bool     { return uuid.UUID(id) == uuid.Nil }
func (id DocumentID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id EdgeID) IsNil() bool     { return uuid.UUID(id) == uuid.Nil }
func (id RecordID) IsNil() bool   { return uuid.UUID(id) == uuid.Nil }

// IsSystem reports whether the id is the scheduler principal.
func (id UserID) IsSystem() bool { return id == SystemUserID }

func NewDocumentID() DocumentID { return DocumentID(uuid.New()) }
func NewEdgeID() EdgeID         { return EdgeID(uuid.New()) }
func NewRecordID() RecordID     { return RecordID(uuid.New()) }

func ParseUserID(s string) (UserID, error) {
	u, err := parseUUID(s, "user ID")
	return UserID(u), err
}

func ParseDocumentID(s string) (DocumentID, error) {
	u, err := parseUUID(s, "document ID")
	return DocumentID(u), err
}

func ParseEdgeID(s string) (EdgeID, error) {
	u, err := parseUUID(s, "dependency ID")
	return EdgeID(u), err
}

func ParseRecordID(s string) (RecordID, error) {
	u, err := parseUUID(s, "record ID")
	return RecordID(u), err
}

func parseUUID(s, label string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, label+" is required")
	}
	if !utf8.ValidString(s) {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "invalid "+label)
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid "+label)
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, label+" must not be nil")
	}
	return u, nil
}

// Text marshalling keeps IDs as canonical UUID strings in JSON.

func (id UserID) MarshalText() ([]byte, error)     { return uuid.UUID(id).MarshalText() }
func (id DocumentID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }
func (id EdgeID) MarshalText() ([]byte, error)     { return uuid.UUID(id).MarshalText() }
func (id RecordID) MarshalText() ([]byte, error)   { return uuid.UUID(id).MarshalText() }

func (id *UserID) UnmarshalText(b []byte) error     { return unmarshalUUID((*uuid.UUID)(id), b) }
func (id *DocumentID) UnmarshalText(b []byte) error { return unmarshalUUID((*uuid.UUID)(id), b) }
func (id *EdgeID) UnmarshalText(b []byte) error     { return unmarshalUUID((*uuid.UUID)(id), b) }
func (id *RecordID) UnmarshalText(b []byte) error   { return unmarshalUUID((*uuid.UUID)(id), b) }

func unmarshalUUID(dst *uuid.UUID, b []byte) error {
	if len(b) == 0 {
		*dst = uuid.Nil
		return nil
	}
	return dst.UnmarshalText(b)
}
