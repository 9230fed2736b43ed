// Package cache provides the bounded, time-expiring response cache used by
// the gateway to deduplicate identical chat requests.
//
// Two backends are available:
//   - MemoryCache: in-process, the default. Ideal for a single instance.
//   - RedisCache: shared across replicas; the same FIFO and freshness rules
//     are enforced atomically on the Redis server.
//
// Both implement Store so they are fully interchangeable.
//
// Eviction is FIFO by insertion: when the cache is full the oldest inserted
// entry is removed, regardless of how recently it was read. Freshness is
// checked lazily on Lookup; stale entries are ignored, never swept.
package cache

import (
	"context"
	"time"

	"github.com/nulpointcorp/crm-chat-gateway/internal/chat"
)

const (
	DefaultMaxSize = 100
	DefaultTimeout = 5 * time.Minute
)

// Store maps fingerprints to previously successful results.
type Store interface {
	// Lookup returns the stored result for fp if it was inserted less than the
	// configured timeout ago.
	Lookup(ctx context.Context, fp string) (chat.Result, bool)
	// Store inserts result under fp, evicting the oldest inserted entry first
	// when the cache is full.
	Store(ctx context.Context, fp string, result chat.Result)
	// Clear removes every entry.
	Clear(ctx context.Context) error
	// Len returns the number of entries held, stale ones included.
	Len(ctx context.Context) int
}

// Clock returns the current time. Tests substitute a fake.
type Clock func() time.Time

// Option configures a cache backend.
type Option func(*settings)

type settings struct {
	maxSize int
	timeout time.Duration
	now     Clock
}

// WithMaxSize sets the entry cap. Values < 1 fall back to DefaultMaxSize.
func WithMaxSize(n int) Option {
	return func(s *settings) { s.maxSize = n }
}

// WithTimeout sets the freshness window. Values <= 0 fall back to DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) { s.timeout = d }
}

// WithClock overrides time.Now.
func WithClock(now Clock) Option {
	return func(s *settings) { s.now = now }
}

func newSettings(opts []Option) settings {
	s := settings{maxSize: DefaultMaxSize, timeout: DefaultTimeout, now: time.Now}
	for _, o := range opts {
		o(&s)
	}
	if s.maxSize < 1 {
		s.maxSize = DefaultMaxSize
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// fresh reports whether an entry inserted at insertedAt is still servable.
func (s settings) fresh(insertedAt time.Time) bool {
	return s.now().Sub(insertedAt) < s.timeout
}
