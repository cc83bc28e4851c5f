// Package queue keeps a Redis list of queued job ids that workers block on instead of polling
// the store. The list is only a hint: the store claim decides who gets a job, and a lost or
// duplicated hint costs at most one extra poll.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKey is the list used when none is configured.
const DefaultKey = "packaging:queued"

// HintQueue is a deduplicated FIFO of job ids in Redis.
type HintQueue struct {
	client *redis.Client
	key    string
}

// NewHintQueue wraps client. An empty key uses DefaultKey.
func NewHintQueue(client *redis.Client, key string) *HintQueue {
	if key == "" {
		key = DefaultKey
	}
	return &HintQueue{client: client, key: key}
}

// Push appends jobID, moving it to the tail if it was already queued.
func (q *HintQueue) Push(ctx context.Context, jobID string) error {
	if err := pushScript.Run(ctx, q.client, []string{q.key}, jobID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("push hint %s: %w", jobID, err)
	}
	return nil
}

// Pop blocks up to timeout for the next hint. It returns "" when none arrived.
func (q *HintQueue) Pop(ctx context.Context, timeout time.Duration) (string, error) {
	res, err := q.client.BLPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("pop hint: %w", err)
	}
	// BLPOP replies with [key, value].
	if len(res) != 2 {
		return "", fmt.Errorf("unexpected BLPOP reply %v", res)
	}
	return res[1], nil
}

// Remove drops every hint for jobID, e.g. after cancellation.
func (q *HintQueue) Remove(ctx context.Context, jobID string) error {
	if err := q.client.LRem(ctx, q.key, 0, jobID).Err(); err != nil {
		return fmt.Errorf("remove hint %s: %w", jobID, err)
	}
	return nil
}

// Depth returns the number of pending hints.
func (q *HintQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

var pushScript = redis.NewScript(`
redis.call('LREM', KEYS[1], 0, ARGV[1])
return redis.call('RPUSH', KEYS[1], ARGV[1])
`)
