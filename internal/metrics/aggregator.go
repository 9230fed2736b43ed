// Package metrics tracks gateway performance.
//
// Aggregator holds the resettable in-process counters surfaced through
// Gateway.Snapshot and the admin API. Registry exports monotonic Prometheus
// series for scraping.
package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Snapshot is a point-in-time copy of the aggregator counters.
type Snapshot struct {
	TotalRequests         int64   `json:"total_requests"`
	SuccessfulRequests    int64   `json:"successful_requests"`
	FailedRequests        int64   `json:"failed_requests"`
	CacheHits             int64   `json:"cache_hits"`
	AverageResponseMillis float64 `json:"average_response_ms"`
	CacheEntries          int     `json:"cache_entries"`
}

// Aggregator accumulates request counters under a single mutex so every
// Snapshot is internally consistent.
type Aggregator struct {
	mu          sync.Mutex
	total       int64
	successful  int64
	failed      int64
	cacheHits   int64
	totalMillis int64

	cacheLen func() int
}

// NewAggregator returns an empty Aggregator. cacheLen reports the current
// cache size for snapshots; nil means "no cache" and reports 0.
func NewAggregator(cacheLen func() int) *Aggregator {
	return &Aggregator{cacheLen: cacheLen}
}

// Record counts one request that reached the upstream.
func (a *Aggregator) Record(elapsed time.Duration, success bool) {
	a.mu.Lock()
	a.total++
	if success {
		a.successful++
	} else {
		a.failed++
	}
	a.totalMillis += elapsed.Milliseconds()
	a.mu.Unlock()
}

// RecordCacheHit counts one request served from the cache. It is neither a
// success nor a failure.
func (a *Aggregator) RecordCacheHit(elapsed time.Duration) {
	a.mu.Lock()
	a.total++
	a.cacheHits++
	a.totalMillis += elapsed.Milliseconds()
	a.mu.Unlock()
}

// Snapshot returns the current counters.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	s := Snapshot{
		TotalRequests:      a.total,
		SuccessfulRequests: a.successful,
		FailedRequests:     a.failed,
		CacheHits:          a.cacheHits,
	}
	if a.total > 0 {
		s.AverageResponseMillis = float64(a.totalMillis) / float64(a.total)
	}
	a.mu.Unlock()

	// Outside the lock: cacheLen may take the cache's own lock.
	if a.cacheLen != nil {
		s.CacheEntries = a.cacheLen()
	}
	return s
}

// Reset zeroes every counter.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.total, a.successful, a.failed, a.cacheHits, a.totalMillis = 0, 0, 0, 0, 0
	a.mu.Unlock()
}

// Report logs a snapshot every interval until ctx is cancelled. It never
// mutates the counters. onTick, when non-nil, receives each snapshot.
func (a *Aggregator) Report(ctx context.Context, interval time.Duration, log *slog.Logger, onTick func(Snapshot)) {
	if interval <= 0 {
		return
	}
	if log == nil {
		log = slog.Default()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := a.Snapshot()
			log.Info("metrics_report",
				slog.Int64("total_requests", s.TotalRequests),
				slog.Int64("successful_requests", s.SuccessfulRequests),
				slog.Int64("failed_requests", s.FailedRequests),
				slog.Int64("cache_hits", s.CacheHits),
				slog.Float64("average_response_ms", s.AverageResponseMillis),
				slog.Int("cache_entries", s.CacheEntries),
			)
			if onTick != nil {
				onTick(s)
			}
		}
	}
}
