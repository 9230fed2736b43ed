// Package ratelimit caps chat requests per minute, per agent type.
//
// RPMLimiter keeps a Redis sliding window so the limit is shared by every
// gateway replica. LocalLimiter is an in-process token bucket for single
// instance deployments without Redis.
//
// Keys are the caller-supplied X-Agent-Type header, so the limit is advisory:
// it shapes well-behaved CRM agents and is not an abuse control. A client
// that rotates agent types gets a fresh budget for each one.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter decides whether one more request for key is allowed right now.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// slidingWindowScript is an atomic Lua script that implements a sliding window
// rate limiter using a sorted set.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns: 1 if allowed, 0 if rate limited.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		if redis.call('ZCARD', key) >= limit then
			return 0
		end

		local member = tostring(now) .. '-' .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))
		return 1
`)

// DefaultKey is used when the caller has no agent type.
const DefaultKey = "default"

// RPMLimiter checks a requests-per-minute limit per key using a Redis sliding
// window.
type RPMLimiter struct {
	rdb       *redis.Client
	namespace string
	rpmLimit  int
	window    time.Duration
	now       func() time.Time
}

// NewRPMLimiter creates a limiter allowing rpmLimit requests per minute for
// each key. rpmLimit must be > 0; values <= 0 block every request.
func NewRPMLimiter(rdb *redis.Client, namespace string, rpmLimit int) *RPMLimiter {
	if namespace == "" {
		namespace = "gateway"
	}
	return &RPMLimiter{
		rdb:       rdb,
		namespace: namespace,
		rpmLimit:  rpmLimit,
		window:    time.Minute,
		now:       time.Now,
	}
}

// Allow reports whether the request for key is within the limit. When Redis
// is unavailable the request is allowed and the error returned for metrics.
func (r *RPMLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if key == "" {
		key = DefaultKey
	}

	result, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{r.namespace + ":ratelimit:rpm:" + key},
		r.now().UnixNano(), r.window.Nanoseconds(), r.rpmLimit,
	).Int()
	if err != nil {
		return true, err
	}
	return result == 1, nil
}
