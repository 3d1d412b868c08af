// Package alarm hands security alarms to the shared alarm queue in redis.
package alarm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/haukened/rr-intel/internal/intel/domain"
)

const (
	// DefaultQueueKey is the list alarm processors pop from.
	DefaultQueueKey = "alarm:queue"
	// DefaultDedupTTL is how long an identical alarm is suppressed.
	DefaultDedupTTL = time.Hour

	dedupPrefix = "alarm:dedup:"
)

// Queue enqueues alarms at most once per fingerprint within the dedup TTL.
type Queue struct {
	rdb      redis.UniversalClient
	key      string
	dedupTTL time.Duration
}

// Options configures a Queue.
type Options struct {
	Client   redis.UniversalClient
	Key      string
	DedupTTL time.Duration
}

// NewQueue returns a Queue. Client must be non-nil.
func NewQueue(opts Options) (*Queue, error) {
	if opts.Client == nil {
		return nil, errors.New("alarm: nil redis client")
	}
	if opts.Key == "" {
		opts.Key = DefaultQueueKey
	}
	if opts.DedupTTL <= 0 {
		opts.DedupTTL = DefaultDedupTTL
	}
	return &Queue{rdb: opts.Client, key: opts.Key, dedupTTL: opts.DedupTTL}, nil
}

// Enqueue pushes a onto the queue unless an identical alarm was pushed within
// the dedup TTL. It reports whether the alarm was pushed.
func (q *Queue) Enqueue(ctx context.Context, a domain.Alarm) (bool, error) {
	payload, err := json.Marshal(a)
	if err != nil {
		return false, fmt.Errorf("encode alarm: %w", err)
	}
	dedupKey := dedupPrefix + a.Fingerprint()
	fresh, err := q.rdb.SetNX(ctx, dedupKey, a.Timestamp.Unix(), q.dedupTTL).Result()
	if err != nil {
		return false, fmt.Errorf("alarm dedup: %w", err)
	}
	if !fresh {
		return false, nil
	}
	if err := q.rdb.LPush(ctx, q.key, payload).Err(); err != nil {
		// let the next attempt through
		_ = q.rdb.Del(ctx, dedupKey).Err()
		return false, fmt.Errorf("alarm enqueue: %w", err)
	}
	return true, nil
}
