package tx

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "doccontrol/pkg/domain-errors"
	"doccontrol/pkg/platform/sentinel"
)

func TestShardedRunner_SerializesSameKey(t *testing.T) {
	r := NewShardedRunner(time.Second)

	var inside, maxInside int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := r.RunInTx(context.Background(), []string{"family:SOP-1"}, func(ctx context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func TestShardedRunner_MultiKeyOrderingDoesNotDeadlock(t *testing.T) {
	r := NewShardedRunner(2 * time.Second)
	var wg sync.WaitGroup
	for i := range 50 {
		keys := []string{"graph", "family:A", "family:B"}
		if i%2 == 0 {
			keys = []string{"family:B", "family:A", "graph"}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.RunInTx(context.Background(), keys, func(context.Context) error { return nil }))
		}()
	}
	wg.Wait()
}

func TestShardedRunner_TimesOutWaitingForLock(t *testing.T) {
	r := NewShardedRunner(50 * time.Millisecond)

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = r.RunInTx(context.Background(), []string{"k"}, func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	err := r.RunInTx(context.Background(), []string{"k"}, func(context.Context) error {
		t.Fatal("should not run")
		return nil
	})
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeTimeout))
	assert.ErrorIs(t, err, sentinel.ErrLockTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestShardedRunner_CancelledContext(t *testing.T) {
	r := NewShardedRunner(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := r.RunInTx(ctx, []string{"k"}, func(context.Context) error { return nil })
	assert.True(t, dErrors.HasCode(err, dErrors.CodeTimeout))
}

func TestShardedRunner_PropagatesFnError(t *testing.T) {
	r := NewShardedRunner(0)
	want := dErrors.New(dErrors.CodeConflict, "duplicate")
	err := r.RunInTx(context.Background(), nil, func(context.Context) error { return want })
	require.ErrorIs(t, err, want)

	// lock released after failure
	require.NoError(t, r.RunInTx(context.Background(), nil, func(context.Context) error { return nil }))
}

func TestSortedKeys(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, SortedKeys([]string{"c", "a", "b", "a"}))
	assert.Empty(t, SortedKeys(nil))
}
