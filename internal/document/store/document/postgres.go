package document

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"doccontrol/internal/document/models"
	pg "doccontrol/internal/platform/postgres"
	id "doccontrol/pkg/domain"
	"doccontrol/pkg/platform/sentinel"
)

// PostgresStore persists documents in PostgreSQL. Reads and writes join the
// transaction carried in the context, if any.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const documentColumns = `id, family_id, title, version_major, version_minor, state,
	author_id, reviewer_id, approver_id, effective_date, next_review_date,
	review_interval_days, obsolescence_date, obsolescence_reason,
	termination_reason, source_id, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, doc *models.Document) error {
	query := `INSERT INTO documents (` + documentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`
	_, err := pg.Conn(ctx, s.db).ExecContext(ctx, query,
		uuid.UUID(doc.ID),
		string(doc.FamilyID),
		doc.Title,
		doc.Version.Major,
		doc.Version.Minor,
		string(doc.State),
		uuid.UUID(doc.Assignments.Author),
		nullUser(doc.Assignments.Reviewer),
		nullUser(doc.Assignments.Approver),
		nullTime(doc.EffectiveDate),
		nullTime(doc.NextReviewDate),
		doc.ReviewIntervalDays,
		nullTime(doc.ObsolescenceDate),
		doc.ObsolescenceReason,
		doc.TerminationReason,
		nullDocument(doc.SourceID),
		doc.CreatedAt,
		doc.UpdatedAt,
	)
	if err != nil {
		if pg.IsUniqueViolation(err) {
			return fmt.Errorf("document %s %s: %w", doc.FamilyID, doc.Version, sentinel.ErrConflict)
		}
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, doc *models.Document) error {
	query := `
		UPDATE documents SET
			title = $2, state = $3, author_id = $4, reviewer_id = $5, approver_id = $6,
			effective_date = $7, next_review_date = $8, review_interval_days = $9,
			obsolescence_date = $10, obsolescence_reason = $11, termination_reason = $12,
			updated_at = $13
		WHERE id = $1`
	res, err := pg.Conn(ctx, s.db).ExecContext(ctx, query,
		uuid.UUID(doc.ID),
		doc.Title,
		string(doc.State),
		uuid.UUID(doc.Assignments.Author),
		nullUser(doc.Assignments.Reviewer),
		nullUser(doc.Assignments.Approver),
		nullTime(doc.EffectiveDate),
		nullTime(doc.NextReviewDate),
		doc.ReviewIntervalDays,
		nullTime(doc.ObsolescenceDate),
		doc.ObsolescenceReason,
		doc.TerminationReason,
		doc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, docID id.DocumentID) (*models.Document, error) {
	row := pg.Conn(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = $1`, uuid.UUID(docID))
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find document by id: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) ListByFamily(ctx context.Context, family id.FamilyID) ([]*models.Document, error) {
	return s.list(ctx, `SELECT `+documentColumns+` FROM documents
		WHERE family_id = $1
		ORDER BY version_major DESC, version_minor DESC`, string(family))
}

func (s *PostgresStore) ListByIDs(ctx context.Context, ids []id.DocumentID) ([]*models.Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	raw := make([]string, len(ids))
	for i, docID := range ids {
		raw[i] = docID.String()
	}
	return s.list(ctx, `SELECT `+documentColumns+` FROM documents
		WHERE id = ANY($1::uuid[])`, pq.Array(raw))
}

func (s *PostgresStore) ListByStates(ctx context.Context, states ...models.State) ([]*models.Document, error) {
	if len(states) == 0 {
		return nil, nil
	}
	raw := make([]string, len(states))
	for i, st := range states {
		raw[i] = string(st)
	}
	return s.list(ctx, `SELECT `+documentColumns+` FROM documents
		WHERE state = ANY($1::text[])
		ORDER BY family_id, version_major DESC, version_minor DESC`, pq.Array(raw))
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*models.Document, error) {
	rows, err := pg.Conn(ctx, s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()
	var out []*models.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (*models.Document, error) {
	var (
		doc                  models.Document
		docID, author        uuid.UUID
		reviewer, approver   uuid.NullUUID
		source               uuid.NullUUID
		family, state        string
		effective, nextRev   sql.NullTime
		obsolescence         sql.NullTime
		createdAt, updatedAt time.Time
	)
	err := row.Scan(
		&docID, &family, &doc.Title, &doc.Version.Major, &doc.Version.Minor, &state,
		&author, &reviewer, &approver, &effective, &nextRev,
		&doc.ReviewIntervalDays, &obsolescence, &doc.ObsolescenceReason,
		&doc.TerminationReason, &source, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	doc.ID = id.DocumentID(docID)
	doc.FamilyID = id.FamilyID(family)
	doc.State = models.State(state)
	doc.Assignments.Author = id.UserID(author)
	if reviewer.Valid {
		doc.Assignments.Reviewer = id.UserID(reviewer.UUID)
	}
	if approver.Valid {
		doc.Assignments.Approver = id.UserID(approver.UUID)
	}
	doc.EffectiveDate = timePtr(effective)
	doc.NextReviewDate = timePtr(nextRev)
	doc.ObsolescenceDate = timePtr(obsolescence)
	if source.Valid {
		src := id.DocumentID(source.UUID)
		doc.SourceID = &src
	}
	doc.CreatedAt = createdAt.UTC()
	doc.UpdatedAt = updatedAt.UTC()
	return &doc, nil
}

func nullUser(u id.UserID) uuid.NullUUID {
	return uuid.NullUUID{UUID: uuid.UUID(u), Valid: !u.IsNil()}
}

func nullDocument(d *id.DocumentID) uuid.NullUUID {
	if d == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: uuid.UUID(*d), Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
