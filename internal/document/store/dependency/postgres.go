package dependency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"doccontrol/internal/document/models"
	pg "doccontrol/internal/platform/postgres"
	id "doccontrol/pkg/domain"
	"doccontrol/pkg/platform/sentinel"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const edgeColumns = `id, from_id, to_id, critical, rationale, created_by, created_at`

func (s *PostgresStore) Create(ctx context.Context, edge *models.DependencyEdge) error {
	_, err := pg.Conn(ctx, s.db).ExecContext(ctx,
		`INSERT INTO dependency_edges (`+edgeColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.UUID(edge.ID),
		uuid.UUID(edge.From),
		uuid.UUID(edge.To),
		edge.Critical,
		edge.Rationale,
		uuid.UUID(edge.CreatedBy),
		edge.CreatedAt,
	)
	if err != nil {
		if pg.IsUniqueViolation(err) {
			return fmt.Errorf("edge %s -> %s: %w", edge.From, edge.To, sentinel.ErrConflict)
		}
		return fmt.Errorf("insert dependency edge: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, edgeID id.EdgeID) error {
	res, err := pg.Conn(ctx, s.db).ExecContext(ctx,
		`DELETE FROM dependency_edges WHERE id = $1`, uuid.UUID(edgeID))
	if err != nil {
		return fmt.Errorf("delete dependency edge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete dependency edge: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, edgeID id.EdgeID) (*models.DependencyEdge, error) {
	row := pg.Conn(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+edgeColumns+` FROM dependency_edges WHERE id = $1`, uuid.UUID(edgeID))
	edge, err := scanEdge(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find dependency edge: %w", err)
	}
	return edge, nil
}

func (s *PostgresStore) ListOutgoing(ctx context.Context, from id.DocumentID) ([]*models.DependencyEdge, error) {
	return s.list(ctx, `SELECT `+edgeColumns+` FROM dependency_edges
		WHERE from_id = $1 ORDER BY created_at, id`, uuid.UUID(from))
}

func (s *PostgresStore) ListIncoming(ctx context.Context, to []id.DocumentID) ([]*models.DependencyEdge, error) {
	if len(to) == 0 {
		return nil, nil
	}
	raw := make([]string, len(to))
	for i, docID := range to {
		raw[i] = docID.String()
	}
	return s.list(ctx, `SELECT `+edgeColumns+` FROM dependency_edges
		WHERE to_id = ANY($1::uuid[]) ORDER BY created_at, id`, pq.Array(raw))
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*models.DependencyEdge, error) {
	rows, err := pg.Conn(ctx, s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query dependency edges: %w", err)
	}
	defer rows.Close()
	var out []*models.DependencyEdge
	for rows.Next() {
		edge, err := scanEdge(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dependency edge: %w", err)
		}
		out = append(out, edge)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dependency edges: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEdge(row scanner) (*models.DependencyEdge, error) {
	var (
		edge                   models.DependencyEdge
		edgeID, from, to, user uuid.UUID
	)
	if err := row.Scan(&edgeID, &from, &to, &edge.Critical, &edge.Rationale, &user, &edge.CreatedAt); err != nil {
		return nil, err
	}
	edge.ID = id.EdgeID(edgeID)
	edge.From = id.DocumentID(from)
	edge.To = id.DocumentID(to)
	edge.CreatedBy = id.UserID(user)
	edge.CreatedAt = edge.CreatedAt.UTC()
	return &edge, nil
}
