// Package lease ensures one scheduler tick runs at a time across instances.
package lease

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Release gives the lease back. It is safe to call after the lease expired.
type Release func(ctx context.Context) error

// Lease is a mutually exclusive, time-bounded claim.
type Lease interface {
	// Acquire returns ok=false without waiting when another holder has it.
	Acquire(ctx context.Context) (release Release, ok bool, err error)
}

// Local serializes ticks inside one process.
type Local struct {
	mu sync.Mutex
}

func NewLocal() *Local {
	return &Local{}
}

func (l *Local) Acquire(_ context.Context) (Release, bool, error) {
	if !l.mu.TryLock() {
		return nil, false, nil
	}
	var once sync.Once
	return func(context.Context) error {
		once.Do(l.mu.Unlock)
		return nil
	}, true, nil
}

const DefaultKey = "doccontrol:scheduler:lease"

// releaseScript deletes the key only while it still holds our token, so an
// instance whose lease expired cannot release a successor's lease.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a lease shared by every instance pointing at the same server.
type Redis struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

func NewRedis(client *redis.Client, key string, ttl time.Duration) (*Redis, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if ttl <= 0 {
		return nil, errors.New("lease ttl must be positive")
	}
	if key == "" {
		key = DefaultKey
	}
	return &Redis{client: client, key: key, ttl: ttl}, nil
}

func (r *Redis) Acquire(ctx context.Context) (Release, bool, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.key, token, r.ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	return func(ctx context.Context) error {
		return releaseScript.Run(ctx, r.client, []string{r.key}, token).Err()
	}, true, nil
}
