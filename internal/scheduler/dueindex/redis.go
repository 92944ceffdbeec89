package dueindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	id "doccontrol/pkg/domain"
)

var dueQueryDurationMs = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "doccontrol_due_index_query_duration_ms",
	Help:    "Latency of due index range queries in milliseconds",
	Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 25, 50},
})

const (
	// Sorted set of document ids scored by due time in unix milliseconds.
	dueSetKey = "doccontrol:due"
	// Hash of document id to the JSON-encoded entry.
	dueEntriesKey = "doccontrol:due:entries"
)

// Redis keeps the index in a sorted set so every scheduler instance reads
// the same due items.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Put(ctx context.Context, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal due entry: %w", err)
	}
	member := entry.DocumentID.String()
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, dueSetKey, redis.Z{Score: score(entry.DueAt), Member: member})
		pipe.HSet(ctx, dueEntriesKey, member, data)
		return nil
	})
	return err
}

func (r *Redis) Remove(ctx context.Context, docID id.DocumentID) error {
	member := docID.String()
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, dueSetKey, member)
		pipe.HDel(ctx, dueEntriesKey, member)
		return nil
	})
	return err
}

func (r *Redis) Due(ctx context.Context, now time.Time, limit int) ([]Entry, error) {
	start := time.Now()
	defer func() {
		dueQueryDurationMs.Observe(float64(time.Since(start).Microseconds()) / 1000.0)
	}()

	members, err := r.client.ZRangeArgs(ctx, redis.ZRangeArgs{
		Key:     dueSetKey,
		Start:   "-inf",
		Stop:    strconv.FormatFloat(score(now), 'f', 0, 64),
		ByScore: true,
		Count:   int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}
	raw, err := r.client.HMGet(ctx, dueEntriesKey, members...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(raw))
	for i, v := range raw {
		s, ok := v.(string)
		if !ok {
			// the hash lost the entry; drop the orphan from the set
			if err := r.client.ZRem(ctx, dueSetKey, members[i]).Err(); err != nil {
				return nil, err
			}
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			return nil, fmt.Errorf("decode due entry %s: %w", members[i], err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Rebuild swaps in the new contents atomically.
func (r *Redis) Rebuild(ctx context.Context, entries []Entry) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, dueSetKey, dueEntriesKey)
		for _, e := range entries {
			data, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("marshal due entry: %w", err)
			}
			member := e.DocumentID.String()
			pipe.ZAdd(ctx, dueSetKey, redis.Z{Score: score(e.DueAt), Member: member})
			pipe.HSet(ctx, dueEntriesKey, member, data)
		}
		return nil
	})
	return err
}

// Lookup returns the entry tracked for docID.
func (r *Redis) Lookup(ctx context.Context, docID id.DocumentID) (Entry, bool, error) {
	s, err := r.client.HGet(ctx, dueEntriesKey, docID.String()).Result()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var e Entry
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		return Entry{}, false, fmt.Errorf("decode due entry %s: %w", docID, err)
	}
	return e, true, nil
}

func score(t time.Time) float64 {
	return float64(t.UTC().UnixMilli())
}
