package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const keyPattern = "rate_limit:%s:%s" // rate_limit:action:client

// allowScript refills the bucket for the elapsed time and takes one token.
var allowScript = redis.NewScript(`
	local key = KEYS[1]
	local capacity = tonumber(ARGV[1])
	local refill_rate = tonumber(ARGV[2])
	local window = tonumber(ARGV[3])
	local now = tonumber(ARGV[4])

	local bucket = redis.call('HMGET', key, 'tokens', 'last_refill')
	local tokens = tonumber(bucket[1]) or capacity
	local last_refill = tonumber(bucket[2]) or now

	local tokens_to_add = math.floor(((now - last_refill) / window) * refill_rate)
	if tokens_to_add > 0 then
		tokens = math.min(capacity, tokens + tokens_to_add)
		last_refill = now
	end

	local allowed = 0
	if tokens > 0 then
		tokens = tokens - 1
		allowed = 1
	end

	redis.call('HMSET', key, 'tokens', tokens, 'last_refill', last_refill)
	redis.call('EXPIRE', key, window * 2)
	return {allowed, tokens}
`)

// remainingScript reports the tokens available without consuming one.
var remainingScript = redis.NewScript(`
	local key = KEYS[1]
	local capacity = tonumber(ARGV[1])
	local refill_rate = tonumber(ARGV[2])
	local window = tonumber(ARGV[3])
	local now = tonumber(ARGV[4])

	local bucket = redis.call('HMGET', key, 'tokens', 'last_refill')
	local tokens = tonumber(bucket[1]) or capacity
	local last_refill = tonumber(bucket[2]) or now

	local tokens_to_add = math.floor(((now - last_refill) / window) * refill_rate)
	if tokens_to_add > 0 then
		tokens = math.min(capacity, tokens + tokens_to_add)
	end

	return tokens
`)

// TokenBucket is a Redis-backed token bucket shared by every server
// instance. Buckets refill continuously at refill tokens per window.
type TokenBucket struct {
	redis    *redis.Client
	capacity int64
	refill   int64
	window   time.Duration
}

func NewTokenBucket(redisClient *redis.Client, capacity, refillPerMinute int64) *TokenBucket {
	return &TokenBucket{
		redis:    redisClient,
		capacity: capacity,
		refill:   refillPerMinute,
		window:   time.Minute,
	}
}

func (tb *TokenBucket) Capacity() int64 { return tb.capacity }

func (tb *TokenBucket) args() []interface{} {
	return []interface{}{tb.capacity, tb.refill, int64(tb.window.Seconds()), time.Now().Unix()}
}

// Allow takes a token for clientID's action and reports whether one was
// available together with the tokens left afterwards.
func (tb *TokenBucket) Allow(ctx context.Context, clientID, action string) (bool, int64, error) {
	key := fmt.Sprintf(keyPattern, action, clientID)

	result, err := allowScript.Run(ctx, tb.redis, []string{key}, tb.args()...).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit check failed: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return false, 0, fmt.Errorf("unexpected result type from rate limit script")
	}
	allowed, _ := values[0].(int64)
	remaining, _ := values[1].(int64)

	return allowed == 1, remaining, nil
}

// GetRemaining returns the number of remaining tokens for a client action
func (tb *TokenBucket) GetRemaining(ctx context.Context, clientID, action string) (int64, error) {
	key := fmt.Sprintf(keyPattern, action, clientID)

	result, err := remainingScript.Run(ctx, tb.redis, []string{key}, tb.args()...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get remaining tokens: %w", err)
	}

	remaining, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected result type from remaining tokens script")
	}

	return remaining, nil
}

// Reset clears the rate limit for a specific client action
func (tb *TokenBucket) Reset(ctx context.Context, clientID, action string) error {
	return tb.redis.Del(ctx, fmt.Sprintf(keyPattern, action, clientID)).Err()
}
