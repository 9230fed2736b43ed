package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Chat outcomes used as the "outcome" label on chat metrics.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeCacheHit = "cache_hit"
)

var durationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60}

// Registry holds all exported Prometheus metrics.
//
// Metrics are scoped to a private registry (not the global default) so they
// don't interfere with host-level metrics when embedded in other
// applications. Counters are monotonic: Aggregator.Reset does not touch them.
//
// Every method is safe on a nil *Registry, which turns it into a no-op.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_chat_requests_total{outcome}
	chatTotal *prometheus.CounterVec

	// gateway_chat_duration_seconds{outcome}
	chatDuration *prometheus.HistogramVec

	// gateway_upstream_attempts_total{provider,outcome}
	upstreamAttempts *prometheus.CounterVec

	// gateway_upstream_attempt_duration_seconds{provider,outcome}
	upstreamDuration *prometheus.HistogramVec

	// gateway_retry_backoff_seconds_total{provider}
	backoffTotal *prometheus.CounterVec

	// gateway_retry_exhausted_total{provider}
	retryExhausted *prometheus.CounterVec

	// gateway_cache_operations_total{op,result}
	cacheOps *prometheus.CounterVec

	// gateway_cache_entries
	cacheEntries prometheus.Gauge

	// gateway_tokens_total{provider,direction}
	tokensTotal *prometheus.CounterVec

	// gateway_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// gateway_events_dropped_total
	eventsDropped prometheus.Counter

	// gateway_provider_health{provider}
	providerHealth *prometheus.GaugeVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: durationBuckets,
			},
			[]string{"route"},
		),

		chatTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_chat_requests_total",
				Help: "Completed chat requests by outcome",
			},
			[]string{"outcome"},
		),

		chatDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_chat_duration_seconds",
				Help:    "Chat request duration including retries and backoff",
				Buckets: durationBuckets,
			},
			[]string{"outcome"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_attempts_total",
				Help: "Upstream attempts by provider and outcome (ok, error, timeout)",
			},
			[]string{"provider", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_attempt_duration_seconds",
				Help:    "Upstream attempt duration in seconds",
				Buckets: durationBuckets,
			},
			[]string{"provider", "outcome"},
		),

		backoffTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_retry_backoff_seconds_total",
				Help: "Total time spent waiting between upstream attempts",
			},
			[]string{"provider"},
		),

		retryExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_retry_exhausted_total",
				Help: "Requests that failed every upstream attempt",
			},
			[]string{"provider"},
		),

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cache_operations_total",
				Help: "Cache operations by type and result",
			},
			[]string{"op", "result"},
		),

		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_cache_entries",
			Help: "Entries held by the response cache, stale ones included",
		}),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage reported by the upstream",
			},
			[]string{"provider", "direction"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_events_dropped_total",
			Help: "Lifecycle events dropped because the observer queue was full",
		}),

		providerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_provider_health",
				Help: "Provider health status (1=ok, 0=degraded)",
			},
			[]string{"provider"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.chatTotal,
		r.chatDuration,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.backoffTotal,
		r.retryExhausted,
		r.cacheOps,
		r.cacheEntries,
		r.tokensTotal,
		r.rateLimitTotal,
		r.eventsDropped,
		r.providerHealth,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() {
	if r != nil {
		r.inFlight.Inc()
	}
}

func (r *Registry) DecInFlight() {
	if r != nil {
		r.inFlight.Dec()
	}
}

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	if r == nil {
		return
	}
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// ObserveChat records one completed chat request.
func (r *Registry) ObserveChat(outcome string, dur time.Duration) {
	if r == nil {
		return
	}
	r.chatTotal.WithLabelValues(outcome).Inc()
	r.chatDuration.WithLabelValues(outcome).Observe(dur.Seconds())
}

// ObserveUpstreamAttempt records one upstream attempt.
func (r *Registry) ObserveUpstreamAttempt(provider, outcome string, dur time.Duration) {
	if r == nil {
		return
	}
	r.upstreamAttempts.WithLabelValues(provider, outcome).Inc()
	r.upstreamDuration.WithLabelValues(provider, outcome).Observe(dur.Seconds())
}

func (r *Registry) AddBackoff(provider string, d time.Duration) {
	if r != nil {
		r.backoffTotal.WithLabelValues(provider).Add(d.Seconds())
	}
}

func (r *Registry) RecordRetryExhausted(provider string) {
	if r != nil {
		r.retryExhausted.WithLabelValues(provider).Inc()
	}
}

func (r *Registry) CacheGetHit()    { r.cacheOp("get", "hit") }
func (r *Registry) CacheGetMiss()   { r.cacheOp("get", "miss") }
func (r *Registry) CacheGetBypass() { r.cacheOp("get", "bypass") }
func (r *Registry) CacheSet()       { r.cacheOp("set", "ok") }
func (r *Registry) CacheClear()     { r.cacheOp("clear", "ok") }

func (r *Registry) cacheOp(op, result string) {
	if r != nil {
		r.cacheOps.WithLabelValues(op, result).Inc()
	}
}

func (r *Registry) SetCacheEntries(n int) {
	if r != nil {
		r.cacheEntries.Set(float64(n))
	}
}

func (r *Registry) AddTokens(provider string, inputTokens, outputTokens int) {
	if r == nil {
		return
	}
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "output").Add(float64(outputTokens))
	}
}

func (r *Registry) RecordRateLimit(result string) {
	if r != nil {
		r.rateLimitTotal.WithLabelValues(result).Inc()
	}
}

func (r *Registry) RecordEventDropped() {
	if r != nil {
		r.eventsDropped.Inc()
	}
}

func (r *Registry) SetProviderHealth(provider string, ok bool) {
	if r == nil {
		return
	}
	if ok {
		r.providerHealth.WithLabelValues(provider).Set(1)
		return
	}
	r.providerHealth.WithLabelValues(provider).Set(0)
}

func (r *Registry) SetBuildInfo(version string) {
	if r != nil {
		// Gauge is used so the time series always exists.
		r.buildInfo.WithLabelValues(version).Set(1)
	}
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
