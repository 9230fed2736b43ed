package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxLocalKeys bounds the per-key limiter map.
const maxLocalKeys = 10_000

// LocalLimiter is an in-process token bucket per key. It refills at
// rpm/60 tokens per second with a burst of burst tokens.
type LocalLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
	maxKeys  int
}

// NewLocalLimiter returns a limiter for rpm requests per minute. A burst < 1
// defaults to rpm, so a fresh key may spend a whole minute's budget at once.
func NewLocalLimiter(rpm, burst int) *LocalLimiter {
	if burst < 1 {
		burst = rpm
	}
	return &LocalLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(float64(rpm) / 60.0),
		burst:    burst,
		maxKeys:  maxLocalKeys,
	}
}

// Allow never returns an error.
func (l *LocalLimiter) Allow(_ context.Context, key string) (bool, error) {
	if key == "" {
		key = DefaultKey
	}
	return l.get(key).Allow(), nil
}

func (l *LocalLimiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lim, ok := l.limiters[key]; ok {
		return lim
	}
	if len(l.limiters) >= l.maxKeys {
		l.evict()
	}
	lim := rate.NewLimiter(l.limit, l.burst)
	l.limiters[key] = lim
	return lim
}

// evict makes room for one key. Refilled buckets go first since dropping
// them loses no state; otherwise a single arbitrary key is dropped.
// Callers hold l.mu.
func (l *LocalLimiter) evict() {
	now := time.Now()
	full := float64(l.burst)
	for k, lim := range l.limiters {
		if lim.TokensAt(now) >= full {
			delete(l.limiters, k)
		}
	}
	if len(l.limiters) < l.maxKeys {
		return
	}
	for k := range l.limiters {
		delete(l.limiters, k)
		return
	}
}
