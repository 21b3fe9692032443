// Package ratelimit admits async generations per caller using a token bucket
// held in Redis, so several gateway replicas share one budget.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "gateway:admission:"

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Remaining float64
}

// TokenBucket refills at a fixed rate up to capacity; every admitted request
// spends one token.
type TokenBucket struct {
	client   redis.Scripter
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenBucket builds a bucket. Idle keys expire once they would be full again.
func NewTokenBucket(client redis.Scripter, capacity int, refillPerSecond float64) *TokenBucket {
	ttl := time.Minute
	if refillPerSecond > 0 {
		ttl = time.Duration(math.Ceil(float64(capacity)/refillPerSecond)) * time.Second
		if ttl < time.Second {
			ttl = time.Second
		}
	}
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Allow spends a token from caller's bucket when one is available.
func (b *TokenBucket) Allow(ctx context.Context, caller string) (Decision, error) {
	if caller == "" {
		caller = "anonymous"
	}
	res, err := bucketScript.Run(ctx, b.client, []string{keyPrefix + caller},
		b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("token bucket: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return Decision{}, fmt.Errorf("token bucket: unexpected reply %T", res)
	}
	allowed, _ := arr[0].(int64)
	d := Decision{Allowed: allowed == 1}
	switch v := arr[1].(type) {
	case int64:
		d.Remaining = float64(v)
	case string:
		fmt.Sscanf(v, "%g", &d.Remaining)
	}
	return d, nil
}

// Tokens are returned as a string so fractional balances survive the Lua to
// RESP number truncation.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)
