// Package ledger is the append-only, hash-chained transition history kept per
// document. Every accepted or rejected transition attempt becomes a Record
// whose digest covers its fields and the previous record's digest, so
// tampering with any historical field breaks the chain from that point on.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	id "doccontrol/pkg/domain"
)

// GenesisDigest seeds the chain for a document's first record.
const GenesisDigest = "0000000000000000000000000000000000000000000000000000000000000000"

// Outcome of a transition attempt.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
)

// Entry is what callers supply; sequencing and digests are filled in by Chain.
type Entry struct {
	DocumentID id.DocumentID
	Actor      id.UserID
	Action     string
	PriorState string
	NewState   string
	Outcome    Outcome
	Guard      string
	Comment    string
	Override   bool
}

// Record is an immutable ledger entry.
type Record struct {
	ID         id.RecordID   `json:"id"`
	DocumentID id.DocumentID `json:"document_id"`
	Sequence   int64         `json:"sequence"`
	Actor      id.UserID     `json:"actor"`
	Timestamp  time.Time     `json:"timestamp"`
	Action     string        `json:"action"`
	PriorState string        `json:"prior_state"`
	NewState   string        `json:"new_state"`
	Outcome    Outcome       `json:"outcome"`
	Guard      string        `json:"guard,omitempty"`
	Comment    string        `json:"comment,omitempty"`
	Override   bool          `json:"override"`
	PrevDigest string        `json:"prev_digest"`
	Digest     string        `json:"digest"`
}

// Chain links a new record after prev (nil for the first record).
func Chain(prev *Record, e Entry, recordID id.RecordID, at time.Time) Record {
	r := Record{
		ID:         recordID,
		DocumentID: e.DocumentID,
		Sequence:   1,
		Actor:      e.Actor,
		Timestamp:  at.UTC().Truncate(time.Microsecond),
		Action:     e.Action,
		PriorState: e.PriorState,
		NewState:   e.NewState,
		Outcome:    e.Outcome,
		Guard:      e.Guard,
		Comment:    e.Comment,
		Override:   e.Override,
		PrevDigest: GenesisDigest,
	}
	if prev != nil {
		r.Sequence = prev.Sequence + 1
		r.PrevDigest = prev.Digest
	}
	r.Digest = ComputeDigest(r)
	return r
}

// ComputeDigest hashes every field except Digest itself in a fixed order.
// Timestamps are truncated to microseconds so the value survives a Postgres
// round trip unchanged.
func ComputeDigest(r Record) string {
	fields := []string{
		r.ID.String(),
		r.DocumentID.String(),
		strconv.FormatInt(r.Sequence, 10),
		r.Actor.String(),
		r.Timestamp.UTC().Format(time.RFC3339Nano),
		escape(r.Action),
		escape(r.PriorState),
		escape(r.NewState),
		escape(string(r.Outcome)),
		escape(r.Guard),
		escape(r.Comment),
		strconv.FormatBool(r.Override),
		r.PrevDigest,
	}
	sum := sha256.Sum256([]byte(strings.Join(fields, "|")))
	return hex.EncodeToString(sum[:])
}

// escape keeps the separator unambiguous for free-text fields.
func escape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, "|", `\|`)
}

// ViolationKind says how a record failed verification.
type ViolationKind string

const (
	ViolationDigestMismatch ViolationKind = "digest_mismatch"
	ViolationChainBreak     ViolationKind = "chain_break"
	ViolationSequenceGap    ViolationKind = "sequence_gap"
	ViolationForeignRecord  ViolationKind = "foreign_record"
)

// Violation flags one tampered record.
type Violation struct {
	RecordID id.RecordID   `json:"record_id"`
	Sequence int64         `json:"sequence"`
	Kind     ViolationKind `json:"kind"`
}

func (v Violation) String() string {
	return fmt.Sprintf("record %d (%s): %s", v.Sequence, v.RecordID, v.Kind)
}

// Verify recomputes the chain over records ordered by sequence. It reads
// nothing but its input. Each record is checked against its own stored
// fields and against the previous stored digest, so one edited record is
// reported once rather than poisoning everything after it.
func Verify(records []Record) []Violation {
	var violations []Violation
	prevDigest := GenesisDigest
	var docID id.DocumentID
	for i, r := range records {
		if i == 0 {
			docID = r.DocumentID
		}
		switch {
		case r.DocumentID != docID:
			violations = append(violations, Violation{RecordID: r.ID, Sequence: r.Sequence, Kind: ViolationForeignRecord})
		case r.Sequence != int64(i+1):
			violations = append(violations, Violation{RecordID: r.ID, Sequence: r.Sequence, Kind: ViolationSequenceGap})
		case r.PrevDigest != prevDigest:
			violations = append(violations, Violation{RecordID: r.ID, Sequence: r.Sequence, Kind: ViolationChainBreak})
		case ComputeDigest(r) != r.Digest:
			violations = append(violations, Violation{RecordID: r.ID, Sequence: r.Sequence, Kind: ViolationDigestMismatch})
		}
		prevDigest = r.Digest
	}
	return violations
}
