// Package tx defines the unit-of-work boundary shared by every store.
//
// A Runner serializes work on a set of lock keys. In memory that is a set of
// sharded locks; in Postgres it is a transaction holding advisory locks, with
// the *sql.Tx carried in the context so stores pick it up through From.
package tx

import (
	"context"
	"database/sql"
	"slices"
	"time"
)

type ctxKey struct{}

var txKey = ctxKey{}

// DefaultTimeout bounds a unit of work whose context has no deadline.
const DefaultTimeout = 5 * time.Second

// Runner runs fn while holding every lock in keys.
type Runner interface {
	RunInTx(ctx context.Context, keys []string, fn func(ctx context.Context) error) error
}

// WithTx stores a SQL transaction in context for downstream store usage.
func WithTx(ctx context.Context, tx *sql.Tx) context.Context {
	if tx == nil {
		return ctx
	}
	return context.WithValue(ctx, txKey, tx)
}

// From extracts a SQL transaction from context if present.
func From(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey).(*sql.Tx)
	return tx, ok
}

// SortedKeys returns keys deduplicated in ascending order. Every runner
// acquires in this order so two units of work never wait on each other
// in a cycle.
func SortedKeys(keys []string) []string {
	out := slices.Clone(keys)
	slices.Sort(out)
	return slices.Compact(out)
}

func withDefaultTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
