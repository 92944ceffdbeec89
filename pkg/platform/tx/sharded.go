package tx

import (
	"context"
	"fmt"
	"slices"
	"time"

	dErrors "doccontrol/pkg/domain-errors"
	"doccontrol/pkg/platform/sentinel"
)

// numShards spreads lock keys across a fixed set of locks so unrelated
// families rarely contend.
const numShards = 128

// ShardedRunner is the in-memory Runner. Each shard is a one-slot channel so
// acquisition can give up when the context expires.
type ShardedRunner struct {
	shards  [numShards]chan struct{}
	timeout time.Duration
}

// NewShardedRunner builds an in-memory runner. A zero timeout uses DefaultTimeout.
func NewShardedRunner(timeout time.Duration) *ShardedRunner {
	r := &ShardedRunner{timeout: timeout}
	for i := range r.shards {
		r.shards[i] = make(chan struct{}, 1)
	}
	return r
}

func (r *ShardedRunner) RunInTx(ctx context.Context, keys []string, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	ctx, cancel := withDefaultTimeout(ctx, r.timeout)
	defer cancel()

	shards := r.shardsFor(keys)
	acquired := 0
	defer func() {
		for i := acquired - 1; i >= 0; i-- {
			<-r.shards[shards[i]]
		}
	}()
	for _, s := range shards {
		select {
		case r.shards[s] <- struct{}{}:
			acquired++
		case <-ctx.Done():
			return dErrors.Wrap(fmt.Errorf("%w: %w", sentinel.ErrLockTimeout, ctx.Err()),
				dErrors.CodeTimeout, "transaction aborted")
		}
	}

	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	return fn(ctx)
}

// shardsFor maps keys to ascending, distinct shard indices. Two keys may share
// a shard; locking it once covers both.
func (r *ShardedRunner) shardsFor(keys []string) []int {
	if len(keys) == 0 {
		return []int{0}
	}
	out := make([]int, 0, len(keys))
	for _, k := range keys {
		out = append(out, int(hashKey(k)%numShards))
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// hashKey uses FNV-1a for an even spread over shards.
func hashKey(s string) uint32 {
	const (
		fnvOffset = 2166136261
		fnvPrime  = 16777619
	)
	h := uint32(fnvOffset)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= fnvPrime
	}
	return h
}
