// Package gateway is the single entry point CRM agent code uses to talk to the
// LLM provider.
//
// Key design constraints:
//   - Chat never returns an error for upstream failures: timeouts and exhausted
//     retries become a chat.Result with Success=false. Only contract violations
//     (bad conversation or options) surface as *ValidationError.
//   - Identical requests (same messages, model and temperature) inside the
//     cache window are served from the Response Cache without an upstream call.
//   - Every completed call is counted exactly once in the Metrics Aggregator
//     and produces exactly one lifecycle event.
//   - Lifecycle observers run asynchronously and can never slow down or break
//     a Chat call.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/crm-chat-gateway/internal/cache"
	"github.com/nulpointcorp/crm-chat-gateway/internal/chat"
	"github.com/nulpointcorp/crm-chat-gateway/internal/fingerprint"
	"github.com/nulpointcorp/crm-chat-gateway/internal/metrics"
	"github.com/nulpointcorp/crm-chat-gateway/internal/providers"
	"github.com/nulpointcorp/crm-chat-gateway/internal/retry"
)

// DefaultReportInterval is how often Run logs a metrics snapshot.
const DefaultReportInterval = time.Minute

// Config is the immutable gateway policy, built once at startup.
type Config struct {
	Defaults chat.Defaults

	// Timeout bounds every single upstream attempt.
	Timeout time.Duration
	// MaxRetries is the total number of attempts, the first one included.
	MaxRetries int
	// RetryBaseDelay is multiplied by the attempt number to get the backoff.
	RetryBaseDelay time.Duration

	// CacheMaxSize and CacheTimeout size the default in-memory cache. They are
	// ignored when Options.Cache is supplied.
	CacheMaxSize int
	CacheTimeout time.Duration

	// ReportInterval is the period of the snapshot log written by Run.
	// Negative disables the report.
	ReportInterval time.Duration

	// EventQueueSize bounds undelivered lifecycle events.
	EventQueueSize int
}

// Options carries the optional collaborators. All fields may be left zero.
type Options struct {
	// Cache overrides the default in-memory cache, e.g. with a RedisCache.
	Cache cache.Store
	// DisableCache turns response caching off entirely.
	DisableCache bool
	// Exclusions lists models and agent types that always bypass the cache.
	Exclusions *cache.ExclusionList
	// Metrics receives Prometheus observations. Nil disables export.
	Metrics *metrics.Registry
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// ValidationError reports a request that violates the Chat contract. It wraps
// chat.ErrInvalidConversation or chat.ErrInvalidOptions.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return "gateway: " + e.Err.Error() }

func (e *ValidationError) Unwrap() error { return e.Err }

// Gateway deduplicates, retries, measures and reports chat completions.
type Gateway struct {
	cfg        Config
	client     providers.Client
	retry      *retry.Coordinator
	cache      cache.Store
	exclusions *cache.ExclusionList
	agg        *metrics.Aggregator
	prom       *metrics.Registry
	events     *notifier
	log        *slog.Logger

	// remoteCache is set when Len needs I/O. Snapshots then read
	// cacheEntries, which Run refreshes every cacheRefreshInterval.
	remoteCache  bool
	cacheEntries atomic.Int64
}

// cacheRefreshInterval is how often Run re-counts a remote cache.
const cacheRefreshInterval = 10 * time.Second

// New builds a Gateway around client.
func New(client providers.Client, cfg Config, opts Options) (*Gateway, error) {
	if client == nil {
		return nil, errors.New("gateway: upstream client is required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.ReportInterval == 0 {
		cfg.ReportInterval = DefaultReportInterval
	}

	g := &Gateway{
		client:     client,
		exclusions: opts.Exclusions,
		prom:       opts.Metrics,
		log:        log,
	}

	switch {
	case opts.DisableCache:
	case opts.Cache != nil:
		g.cache = opts.Cache
	default:
		g.cache = cache.NewMemoryCache(
			cache.WithMaxSize(cfg.CacheMaxSize),
			cache.WithTimeout(cfg.CacheTimeout),
		)
	}

	g.retry = retry.New(client, retry.Config{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.RetryBaseDelay,
		Timeout:    cfg.Timeout,
	}, log, opts.Metrics)

	// Keep the effective policy so callers see the defaults that were applied.
	rc := g.retry.Config()
	cfg.MaxRetries, cfg.RetryBaseDelay, cfg.Timeout = rc.MaxRetries, rc.BaseDelay, rc.Timeout
	g.cfg = cfg

	if g.cache != nil {
		_, local := g.cache.(*cache.MemoryCache)
		g.remoteCache = !local
	}

	g.agg = metrics.NewAggregator(g.cacheLen)
	g.events = newNotifier(cfg.EventQueueSize, log, opts.Metrics)
	return g, nil
}

// Config returns the effective gateway policy.
func (g *Gateway) Config() Config { return g.cfg }

// Provider returns the upstream client name.
func (g *Gateway) Provider() string { return g.client.Name() }

// Chat sends conv to the upstream provider, or answers it from the cache.
//
// The returned error is non-nil only for a *ValidationError; in that case
// nothing is recorded and no event is emitted.
func (g *Gateway) Chat(ctx context.Context, conv chat.Conversation, opts chat.Options) (chat.Result, error) {
	start := time.Now()

	r, fp, err := g.prepare(conv, opts)
	if err != nil {
		return chat.Result{}, err
	}
	if r.RequestID == "" {
		r.RequestID = uuid.NewString()
	}

	useCache := g.cache != nil && !g.exclusions.Matches(r.Model, r.AgentType)
	if !useCache {
		g.prom.CacheGetBypass()
	} else if hit, ok := g.cache.Lookup(ctx, fp); ok {
		return g.serveCached(r, hit, start), nil
	} else {
		g.prom.CacheGetMiss()
	}

	req := &providers.CompletionRequest{
		Model:       r.Model,
		Messages:    toProviderMessages(conv),
		MaxTokens:   r.MaxTokens,
		Temperature: r.Temperature,
		Stream:      r.Stream,
		RequestID:   r.RequestID,
	}

	resp, err := g.retry.Execute(ctx, req)
	elapsed := time.Since(start)
	if err != nil {
		return g.fail(r, err, elapsed), nil
	}

	model := resp.Model
	if model == "" {
		model = r.Model
	}
	res := chat.Result{
		Success:       true,
		Content:       resp.Content,
		UsageTokens:   resp.Usage.Total(),
		ElapsedMillis: elapsed.Milliseconds(),
		Model:         model,
	}

	if useCache {
		g.cache.Store(ctx, fp, res)
		g.prom.CacheSet()
	}
	g.agg.Record(elapsed, true)
	g.prom.ObserveChat(metrics.OutcomeSuccess, elapsed)

	g.log.DebugContext(ctx, "chat_ok",
		slog.String("request_id", r.RequestID),
		slog.String("agent_type", r.AgentType),
		slog.String("model", model),
		slog.Int("usage_tokens", res.UsageTokens),
		slog.Int64("elapsed_ms", res.ElapsedMillis),
	)

	g.events.publish(event{resp: &ResponseEvent{
		RequestID:    r.RequestID,
		AgentType:    r.AgentType,
		Model:        model,
		ResponseTime: elapsed,
		UsageTokens:  res.UsageTokens,
		At:           time.Now(),
	}})
	return res, nil
}

// prepare validates the request and derives its effective options and
// fingerprint.
func (g *Gateway) prepare(conv chat.Conversation, opts chat.Options) (chat.Resolved, string, error) {
	if err := conv.Validate(); err != nil {
		return chat.Resolved{}, "", &ValidationError{Err: err}
	}
	if err := opts.Validate(); err != nil {
		return chat.Resolved{}, "", &ValidationError{Err: err}
	}
	r := opts.Resolve(g.cfg.Defaults)
	if r.Model == "" {
		return chat.Resolved{}, "", &ValidationError{
			Err: fmt.Errorf("%w: no model given and no default configured", chat.ErrInvalidOptions),
		}
	}
	return r, fingerprint.Generate(conv, r.Model, r.Temperature), nil
}

func (g *Gateway) serveCached(r chat.Resolved, hit chat.Result, start time.Time) chat.Result {
	elapsed := time.Since(start)
	hit.Cached = true
	hit.ElapsedMillis = elapsed.Milliseconds()

	g.agg.RecordCacheHit(elapsed)
	g.prom.CacheGetHit()
	g.prom.ObserveChat(metrics.OutcomeCacheHit, elapsed)

	g.log.Debug("chat_cache_hit",
		slog.String("request_id", r.RequestID),
		slog.String("agent_type", r.AgentType),
		slog.String("model", r.Model),
	)

	g.events.publish(event{resp: &ResponseEvent{
		RequestID:    r.RequestID,
		AgentType:    r.AgentType,
		Model:        hit.Model,
		ResponseTime: elapsed,
		UsageTokens:  hit.UsageTokens,
		Cached:       true,
		At:           time.Now(),
	}})
	return hit
}

func (g *Gateway) fail(r chat.Resolved, err error, elapsed time.Duration) chat.Result {
	attempts := 0
	var ex *retry.ExhaustedError
	if errors.As(err, &ex) {
		attempts = ex.Attempts
	}

	g.agg.Record(elapsed, false)
	g.prom.ObserveChat(metrics.OutcomeFailure, elapsed)

	g.log.Error("chat_failed",
		slog.String("request_id", r.RequestID),
		slog.String("agent_type", r.AgentType),
		slog.String("provider", g.client.Name()),
		slog.String("model", r.Model),
		slog.Int("attempts", attempts),
		slog.Int64("elapsed_ms", elapsed.Milliseconds()),
		slog.String("error", err.Error()),
	)

	g.events.publish(event{fail: &ErrorEvent{
		RequestID:    r.RequestID,
		AgentType:    r.AgentType,
		Model:        r.Model,
		ResponseTime: elapsed,
		Error:        err.Error(),
		Attempts:     attempts,
		At:           time.Now(),
	}})

	return chat.Result{
		Success:       false,
		Error:         err.Error(),
		ElapsedMillis: elapsed.Milliseconds(),
		Model:         r.Model,
	}
}

// Fingerprint returns the cache key Chat would use for conv and opts.
func (g *Gateway) Fingerprint(conv chat.Conversation, opts chat.Options) (string, error) {
	_, fp, err := g.prepare(conv, opts)
	return fp, err
}

// Snapshot returns the current aggregator counters.
func (g *Gateway) Snapshot() metrics.Snapshot {
	s := g.agg.Snapshot()
	g.prom.SetCacheEntries(s.CacheEntries)
	return s
}

// ResetMetrics zeroes the aggregator. Prometheus series are monotonic and
// are left untouched.
func (g *Gateway) ResetMetrics() {
	g.agg.Reset()
	g.log.Info("metrics_reset")
}

// ClearCache drops every cached response. It is a no-op without a cache.
func (g *Gateway) ClearCache(ctx context.Context) error {
	if g.cache == nil {
		return nil
	}
	if err := g.cache.Clear(ctx); err != nil {
		return fmt.Errorf("gateway: clear cache: %w", err)
	}
	g.cacheEntries.Store(0)
	g.prom.CacheClear()
	g.prom.SetCacheEntries(0)
	g.log.Info("cache_cleared")
	return nil
}

// Subscribe registers o for lifecycle events and returns its unsubscribe
// function.
func (g *Gateway) Subscribe(o Observer) (unsubscribe func()) {
	return g.events.subscribe(o)
}

// HealthCheck probes the upstream provider.
func (g *Gateway) HealthCheck(ctx context.Context) error {
	return g.client.HealthCheck(ctx)
}

// Run logs a metrics snapshot every ReportInterval until ctx is done. With a
// remote cache it also keeps the entry count that snapshots report current.
func (g *Gateway) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	if g.remoteCache {
		g.refreshCacheEntries(ctx)
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.trackCacheEntries(ctx, cacheRefreshInterval)
		}()
	}
	defer wg.Wait()

	if g.cfg.ReportInterval < 0 {
		<-ctx.Done()
		return nil
	}
	g.agg.Report(ctx, g.cfg.ReportInterval, g.log, func(s metrics.Snapshot) {
		g.prom.SetCacheEntries(s.CacheEntries)
	})
	return nil
}

func (g *Gateway) trackCacheEntries(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			g.refreshCacheEntries(ctx)
		}
	}
}

// refreshCacheEntries counts a remote cache, bounded to one second.
func (g *Gateway) refreshCacheEntries(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	g.cacheEntries.Store(int64(g.cache.Len(ctx)))
}

// Close waits for pending lifecycle events to be delivered. Chat calls made
// after Close still work but emit no events.
func (g *Gateway) Close() {
	g.events.close()
}

// cacheLen never does I/O: remote caches report the last refreshed count.
func (g *Gateway) cacheLen() int {
	switch {
	case g.cache == nil:
		return 0
	case g.remoteCache:
		return int(g.cacheEntries.Load())
	default:
		return g.cache.Len(context.Background())
	}
}

func toProviderMessages(conv chat.Conversation) []providers.Message {
	out := make([]providers.Message, len(conv))
	for i, m := range conv {
		out[i] = providers.Message{Role: string(m.Role), Content: m.Content}
	}
	return out
}
