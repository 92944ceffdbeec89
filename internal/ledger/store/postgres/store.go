package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"doccontrol/internal/ledger"
	pg "doccontrol/internal/platform/postgres"
	id "doccontrol/pkg/domain"
	"doccontrol/pkg/platform/sentinel"
)

// Store persists ledger records in an append-only table. Rows are never
// updated; the (document_id, sequence) unique key rejects a racing append.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

const recordColumns = `id, document_id, sequence, actor_id, recorded_at, action,
	prior_state, new_state, outcome, guard, comment, override, prev_digest, digest`

func (s *Store) Append(ctx context.Context, r ledger.Record) error {
	query := `INSERT INTO ledger_records (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err := pg.Conn(ctx, s.db).ExecContext(ctx, query,
		uuid.UUID(r.ID),
		uuid.UUID(r.DocumentID),
		r.Sequence,
		uuid.UUID(r.Actor),
		r.Timestamp,
		r.Action,
		r.PriorState,
		r.NewState,
		string(r.Outcome),
		r.Guard,
		r.Comment,
		r.Override,
		r.PrevDigest,
		r.Digest,
	)
	if err != nil {
		if pg.IsUniqueViolation(err) {
			return fmt.Errorf("ledger sequence %d: %w", r.Sequence, sentinel.ErrConflict)
		}
		return fmt.Errorf("insert ledger record: %w", err)
	}
	return nil
}

func (s *Store) Last(ctx context.Context, documentID id.DocumentID) (*ledger.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM ledger_records
		WHERE document_id = $1 ORDER BY sequence DESC LIMIT 1`
	row := pg.Conn(ctx, s.db).QueryRowContext(ctx, query, uuid.UUID(documentID))
	r, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("query ledger head: %w", err)
	}
	return &r, nil
}

func (s *Store) List(ctx context.Context, documentID id.DocumentID) ([]ledger.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM ledger_records
		WHERE document_id = $1 ORDER BY sequence ASC`
	rows, err := pg.Conn(ctx, s.db).QueryContext(ctx, query, uuid.UUID(documentID))
	if err != nil {
		return nil, fmt.Errorf("query ledger records: %w", err)
	}
	defer rows.Close()

	var records []ledger.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger records: %w", err)
	}
	return records, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (ledger.Record, error) {
	var (
		r                     ledger.Record
		recID, docID, actorID uuid.UUID
		outcome               string
	)
	err := row.Scan(
		&recID,
		&docID,
		&r.Sequence,
		&actorID,
		&r.Timestamp,
		&r.Action,
		&r.PriorState,
		&r.NewState,
		&outcome,
		&r.Guard,
		&r.Comment,
		&r.Override,
		&r.PrevDigest,
		&r.Digest,
	)
	if err != nil {
		return ledger.Record{}, err
	}
	r.ID = id.RecordID(recID)
	r.DocumentID = id.DocumentID(docID)
	r.Actor = id.UserID(actorID)
	r.Outcome = ledger.Outcome(outcome)
	r.Timestamp = r.Timestamp.UTC()
	return r, nil
}
