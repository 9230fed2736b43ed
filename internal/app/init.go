package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/crm-chat-gateway/internal/cache"
	"github.com/nulpointcorp/crm-chat-gateway/internal/chat"
	"github.com/nulpointcorp/crm-chat-gateway/internal/gateway"
	"github.com/nulpointcorp/crm-chat-gateway/internal/logger"
	"github.com/nulpointcorp/crm-chat-gateway/internal/metrics"
	"github.com/nulpointcorp/crm-chat-gateway/internal/ratelimit"
	"github.com/nulpointcorp/crm-chat-gateway/internal/server"
)

// cacheNamespace prefixes every Redis key the gateway writes.
const cacheNamespace = "gateway"

// initInfra establishes optional external connections. Redis is needed for
// CACHE_MODE=redis, and is used by the rate limiter whenever REDIS_URL is set.
func (a *App) initInfra(ctx context.Context) error {
	needRedis := a.cfg.Cache.Mode == "redis" ||
		(a.cfg.RateLimit.RPMLimit > 0 && a.cfg.Redis.URL != "")
	if !needRedis {
		return nil
	}

	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

	rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.log.Info("redis connected")

	return nil
}

// initProvider builds the upstream client. config.Load has already checked
// that the provider is known and has a key.
func (a *App) initProvider(ctx context.Context) error {
	c, err := buildClient(ctx, a.cfg.Provider)
	if err != nil {
		return err
	}
	a.client = c
	a.log.Info("provider loaded", slog.String("provider", c.Name()))
	return nil
}

// initServices creates the metrics registry, the cache backend and the
// request log.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	switch a.cfg.Cache.Mode {
	case "redis":
		rc := cache.NewRedisCacheFromClient(a.rdb, cacheNamespace,
			cache.WithMaxSize(a.cfg.Cache.MaxSize),
			cache.WithTimeout(a.cfg.Cache.Timeout),
		)
		rc.SetLogger(a.log)
		a.cache = rc
		a.log.Info("cache backend: redis")
	case "memory":
		// Built by the gateway from its Config.
		a.log.Info("cache backend: memory (in-process)")
	case "none":
		a.log.Info("cache backend: disabled")
	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	c := a.cfg.Cache
	if len(c.ExcludeModels)+len(c.ExcludePatterns)+len(c.ExcludeAgents) > 0 {
		el, err := cache.NewExclusionList(c.ExcludeModels, c.ExcludePatterns, c.ExcludeAgents)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		a.exclusions = el
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	var sink logger.Sink
	switch a.cfg.RequestLog.Sink {
	case "stdout":
		sink = logger.NewStdoutSink(a.log)
	case "clickhouse":
		s, err := logger.NewClickHouseSink(ctx, a.cfg.RequestLog.ClickHouseDSN)
		if err != nil {
			return fmt.Errorf("request log: %w", err)
		}
		sink = s
	case "none":
	default:
		return fmt.Errorf("unknown request log sink: %s", a.cfg.RequestLog.Sink)
	}
	if sink != nil {
		l, err := logger.New(ctx, sink, a.log)
		if err != nil {
			_ = sink.Close()
			return fmt.Errorf("request log: %w", err)
		}
		a.reqLogger = l
		a.log.Info("request log enabled", slog.String("sink", a.cfg.RequestLog.Sink))
	}

	return nil
}

// initGateway wires the gateway and its HTTP front.
func (a *App) initGateway(ctx context.Context) error {
	reportInterval := a.cfg.MetricsReportInterval
	if reportInterval == 0 {
		reportInterval = -1
	}

	gw, err := gateway.New(a.client, gateway.Config{
		Defaults: chat.Defaults{
			Model:       a.cfg.LLM.Model,
			MaxTokens:   a.cfg.LLM.MaxTokens,
			Temperature: a.cfg.LLM.Temperature,
		},
		Timeout:        a.cfg.LLM.Timeout,
		MaxRetries:     a.cfg.LLM.MaxRetries,
		RetryBaseDelay: a.cfg.LLM.RetryBaseDelay,
		CacheMaxSize:   a.cfg.Cache.MaxSize,
		CacheTimeout:   a.cfg.Cache.Timeout,
		ReportInterval: reportInterval,
	}, gateway.Options{
		Cache:        a.cache,
		DisableCache: a.cfg.Cache.Mode == "none",
		Exclusions:   a.exclusions,
		Metrics:      a.prom,
		Logger:       a.log,
	})
	if err != nil {
		return err
	}
	a.gw = gw

	if a.reqLogger != nil {
		gw.Subscribe(a.reqLogger)
	}

	var limiter ratelimit.Limiter
	if rpm := a.cfg.RateLimit.RPMLimit; rpm > 0 {
		if a.rdb != nil {
			limiter = ratelimit.NewRPMLimiter(a.rdb, cacheNamespace, rpm)
			a.log.Info("rate limiting enabled", slog.String("backend", "redis"), slog.Int("rpm_limit", rpm))
		} else {
			limiter = ratelimit.NewLocalLimiter(rpm, a.cfg.RateLimit.Burst)
			a.log.Info("rate limiting enabled", slog.String("backend", "local"), slog.Int("rpm_limit", rpm))
		}
	}

	var cacheHealth server.Probe
	if rc, ok := a.cache.(*cache.RedisCache); ok {
		cacheHealth = cacheCheck(rc)
	}
	a.health = server.NewHealthChecker(ctx, a.client.Name(), gw.HealthCheck, cacheHealth, a.prom, a.log)

	a.srv = server.New(gw, server.Options{
		Limiter:     limiter,
		Health:      a.health,
		Metrics:     a.prom,
		CORSOrigins: a.cfg.CORSOrigins,
		Version:     a.version,
		Logger:      a.log,
		BaseContext: a.baseCtx,
	})

	return nil
}
