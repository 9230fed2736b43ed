package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/crm-chat-gateway/internal/chat"
)

const defaultQueryTimeout = 500 * time.Millisecond

// storeScript inserts one entry with FIFO eviction. Running it as a script
// makes evict-then-insert atomic across every gateway replica.
//
// KEYS[1] = entries hash (fingerprint -> JSON entry)
// KEYS[2] = insertion order list (oldest at the head)
// ARGV[1] = fingerprint
// ARGV[2] = JSON entry
// ARGV[3] = max entries
// Returns the entry count after the insert.
var storeScript = redis.NewScript(`
		local entries = KEYS[1]
		local order   = KEYS[2]
		local fp      = ARGV[1]
		local max     = tonumber(ARGV[3])

		if redis.call('HEXISTS', entries, fp) == 1 then
			-- Overwrite: becomes the newest entry, nothing is evicted.
			redis.call('LREM', order, 0, fp)
		elseif redis.call('HLEN', entries) >= max then
			local oldest = redis.call('LPOP', order)
			if oldest then
				redis.call('HDEL', entries, oldest)
			end
		end

		redis.call('HSET', entries, fp, ARGV[2])
		redis.call('RPUSH', order, fp)
		return redis.call('HLEN', entries)
`)

// redisEntry is the JSON document stored per fingerprint.
type redisEntry struct {
	InsertedAt int64       `json:"inserted_at"` // unix nanoseconds
	Result     chat.Result `json:"result"`
}

// RedisCache is a Redis-backed Store shared by all gateway replicas.
//
// All operations degrade gracefully when Redis is unavailable:
//   - Lookup reports a miss on any error.
//   - Store logs at WARN and drops the entry.
//   - Clear returns the underlying error so admin callers can report it.
type RedisCache struct {
	settings

	client       *redis.Client
	entriesKey   string
	orderKey     string
	queryTimeout time.Duration
	log          *slog.Logger
}

// NewRedisCacheFromClient wraps an existing Redis client. The caller owns
// the client lifecycle (creation and Close). namespace separates independent
// caches sharing one database.
func NewRedisCacheFromClient(redisCli *redis.Client, namespace string, opts ...Option) *RedisCache {
	if namespace == "" {
		namespace = "gateway"
	}
	return &RedisCache{
		settings:     newSettings(opts),
		client:       redisCli,
		entriesKey:   namespace + ":cache:entries",
		orderKey:     namespace + ":cache:order",
		queryTimeout: defaultQueryTimeout,
		log:          slog.Default(),
	}
}

// NewRedisCacheFromURL parses redisURL, creates a client, verifies the
// connection with a PING and returns a RedisCache that owns the client.
func NewRedisCacheFromURL(ctx context.Context, redisURL, namespace string, opts ...Option) (*RedisCache, error) {
	if ctx == nil {
		return nil, fmt.Errorf("cache: context must not be nil")
	}

	ropts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse url: %w", err)
	}

	cli := redis.NewClient(ropts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}

	return NewRedisCacheFromClient(cli, namespace, opts...), nil
}

// SetLogger replaces the logger used for degradation warnings.
func (c *RedisCache) SetLogger(l *slog.Logger) {
	if l != nil {
		c.log = l
	}
}

// Lookup fetches and decodes the entry for fp. Redis errors and undecodable
// entries are reported as misses.
func (c *RedisCache) Lookup(ctx context.Context, fp string) (chat.Result, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	raw, err := c.client.HGet(ctx, c.entriesKey, fp).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.WarnContext(ctx, "cache_lookup_error",
				slog.String("fingerprint", fp),
				slog.String("error", err.Error()),
			)
		}
		return chat.Result{}, false
	}

	var e redisEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		c.log.WarnContext(ctx, "cache_decode_error",
			slog.String("fingerprint", fp),
			slog.String("error", err.Error()),
		)
		return chat.Result{}, false
	}

	if !c.fresh(time.Unix(0, e.InsertedAt)) {
		return chat.Result{}, false
	}
	return e.Result, true
}

// Store runs the FIFO insert script. Errors are logged, never returned, so a
// cache outage cannot fail a chat request.
func (c *RedisCache) Store(ctx context.Context, fp string, result chat.Result) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	data, err := json.Marshal(redisEntry{InsertedAt: c.now().UnixNano(), Result: result})
	if err != nil {
		c.log.WarnContext(ctx, "cache_encode_error", slog.String("error", err.Error()))
		return
	}

	err = storeScript.Run(ctx, c.client,
		[]string{c.entriesKey, c.orderKey},
		fp, data, c.maxSize,
	).Err()
	if err != nil {
		c.log.WarnContext(ctx, "cache_store_error",
			slog.String("fingerprint", fp),
			slog.String("error", err.Error()),
		)
	}
}

// Clear deletes both keys backing the cache.
func (c *RedisCache) Clear(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.client.Del(ctx, c.entriesKey, c.orderKey).Err(); err != nil {
		return fmt.Errorf("cache: clear: %w", err)
	}
	return nil
}

// Len returns HLEN of the entries hash, or 0 when Redis is unreachable.
func (c *RedisCache) Len(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	n, err := c.client.HLen(ctx, c.entriesKey).Result()
	if err != nil {
		return 0
	}
	return int(n)
}

// Ping reports whether Redis answers within one second.
func (c *RedisCache) Ping(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return c.client.Ping(ctx).Err() == nil
}

// Close releases the Redis connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
