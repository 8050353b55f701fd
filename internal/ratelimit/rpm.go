// Package ratelimit implements per-key requests-per-minute limits.
//
// RPMLimiter uses Redis sliding window counters with an atomic Lua script so
// every gateway replica sees the same window. LocalLimiter is the
// single-process fallback used when no Redis is configured.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript is an atomic Lua script that implements a sliding window
// rate limiter using a sorted set.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// ARGV[4] = unique member for this request
// Returns: 1 if allowed, 0 if rate limited.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		-- Remove expired entries.
		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			return 0
		end

		redis.call('ZADD', key, now, ARGV[4])
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))  -- window is in ns; PEXPIRE wants ms
		return 1
`)

const keyPrefix = "keygate:ratelimit:rpm:"

// Observer receives one result per check: allowed, blocked or error.
type Observer interface {
	RecordRateLimit(result string)
}

// RPMLimiter checks per-key requests-per-minute limits in Redis.
type RPMLimiter struct {
	rdb *redis.Client
	obs Observer
	now func() time.Time
	seq func() string
}

// NewRPMLimiter returns a limiter backed by rdb. obs may be nil.
func NewRPMLimiter(rdb *redis.Client, obs Observer) *RPMLimiter {
	return &RPMLimiter{rdb: rdb, obs: obs, now: time.Now, seq: newMember}
}

// Allow reports whether keyID may make another request under limit requests
// per minute. A limit <= 0 means unlimited. Redis failures allow the request
// and return the error for logging.
func (r *RPMLimiter) Allow(ctx context.Context, keyID string, limit int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}

	now := r.now().UnixNano()
	window := time.Minute.Nanoseconds()

	result, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{keyPrefix + keyID},
		now, window, limit, r.seq(),
	).Int()
	if err != nil {
		// Redis unavailable: fail open.
		r.observe("error")
		return true, err
	}

	if result == 1 {
		r.observe("allowed")
		return true, nil
	}
	r.observe("blocked")
	return false, nil
}

func (r *RPMLimiter) observe(result string) {
	if r.obs != nil {
		r.obs.RecordRateLimit(result)
	}
}
