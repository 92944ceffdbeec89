package tx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	dErrors "doccontrol/pkg/domain-errors"
	"doccontrol/pkg/platform/sentinel"
)

// PostgresRunner opens a transaction and takes a transaction-scoped advisory
// lock per key. Locks release on commit or rollback.
type PostgresRunner struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresRunner(db *sql.DB, timeout time.Duration) *PostgresRunner {
	return &PostgresRunner{db: db, timeout: timeout}
}

func (r *PostgresRunner) RunInTx(ctx context.Context, keys []string, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	ctx, cancel := withDefaultTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return mapTxErr(err, "begin transaction")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, key := range SortedKeys(keys) {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
			if ctx.Err() != nil {
				return dErrors.Wrap(fmt.Errorf("%w: %s: %w", sentinel.ErrLockTimeout, key, ctx.Err()),
					dErrors.CodeTimeout, "transaction aborted")
			}
			return mapTxErr(err, "acquire lock "+key)
		}
	}

	if err := fn(WithTx(ctx, tx)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return mapTxErr(err, "commit transaction")
	}
	return nil
}

func mapTxErr(err error, op string) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: "+op)
	}
	return fmt.Errorf("%s: %w", op, err)
}
