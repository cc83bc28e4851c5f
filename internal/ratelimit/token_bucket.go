package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

// TokenBucket is a Redis-backed token bucket shared by every API replica.
type TokenBucket struct {
	client   *redis.Client
	prefix   string
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenBucket constructs a bucket with the provided capacity/refill. Bucket keys are
// prefix + subject.
func NewTokenBucket(client *redis.Client, prefix string, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		prefix:   prefix,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Allow consumes one token from subject's bucket if available.
func (b *TokenBucket) Allow(ctx context.Context, subject string) (Decision, error) {
	res, err := bucketScript.Run(ctx, b.client, []string{b.prefix + subject},
		b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds()).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("token bucket %s: %w", subject, err)
	}
	if len(res) < 3 {
		return Decision{}, fmt.Errorf("token bucket %s: unexpected reply %v", subject, res)
	}
	allowed, _ := res[0].(int64)
	// Lua numbers come back truncated to integers; tokens are scaled by 1000 to keep precision.
	milliTokens, _ := res[1].(int64)
	retryMs, _ := res[2].(int64)
	return Decision{
		Allowed:    allowed == 1,
		Remaining:  float64(milliTokens) / 1000,
		RetryAfter: time.Duration(retryMs) * time.Millisecond,
	}, nil
}

var bucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'updated_ms')
local tokens = tonumber(state[1]) or capacity
local updated = tonumber(state[2]) or now

tokens = math.min(capacity, tokens + math.max(0, now - updated) / 1000 * refill)

local allowed = 0
local retry = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
elseif refill > 0 then
  retry = math.ceil((1 - tokens) / refill * 1000)
else
  retry = -1
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'updated_ms', now)
if ttl > 0 then redis.call('PEXPIRE', KEYS[1], ttl) end
return {allowed, math.floor(tokens * 1000), retry}
`)
