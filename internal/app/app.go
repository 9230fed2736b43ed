// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra     external connections (Redis when needed)
//  2. initProvider  the single upstream client
//  3. initServices  metrics registry, response cache, request log
//  4. initGateway   gateway, rate limiter, health checker and HTTP server
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/crm-chat-gateway/internal/cache"
	"github.com/nulpointcorp/crm-chat-gateway/internal/config"
	"github.com/nulpointcorp/crm-chat-gateway/internal/gateway"
	"github.com/nulpointcorp/crm-chat-gateway/internal/logger"
	"github.com/nulpointcorp/crm-chat-gateway/internal/metrics"
	"github.com/nulpointcorp/crm-chat-gateway/internal/providers"
	anthropicprov "github.com/nulpointcorp/crm-chat-gateway/internal/providers/anthropic"
	geminiprov "github.com/nulpointcorp/crm-chat-gateway/internal/providers/gemini"
	openaiprov "github.com/nulpointcorp/crm-chat-gateway/internal/providers/openai"
	"github.com/nulpointcorp/crm-chat-gateway/internal/server"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections, nil when not configured.
	rdb *redis.Client

	prom       *metrics.Registry
	client     providers.Client
	cache      cache.Store
	exclusions *cache.ExclusionList
	reqLogger  *logger.Logger

	gw     *gateway.Gateway
	health *server.HealthChecker
	srv    *server.Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, errors.New("app: context must not be nil")
	}
	if cfg == nil {
		return nil, errors.New("app: config must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"provider", a.initProvider},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Gateway exposes the wired gateway, mainly for embedding and tests.
func (a *App) Gateway() *gateway.Gateway { return a.gw }

// Run starts the HTTP server and the periodic metrics report and blocks until
// ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("provider", a.client.Name()),
		slog.String("model", a.cfg.LLM.Model),
		slog.String("cache_mode", a.cfg.Cache.Mode),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.ListenAndServe(gctx, addr)
	})

	g.Go(func() error {
		return a.gw.Run(gctx)
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times from one goroutine.
func (a *App) Close() {
	if a.health != nil {
		a.health.Close()
		a.health = nil
	}
	if a.gw != nil {
		a.gw.Close()
		a.gw = nil
	}
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("request log close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// cacheCheck adapts the Redis cache to a health check.
func cacheCheck(rc *cache.RedisCache) server.Probe {
	return func(ctx context.Context) error {
		if !rc.Ping(ctx) {
			return errors.New("cache: redis unreachable")
		}
		return nil
	}
}

// buildClient creates the upstream client named by cfg.Provider.
func buildClient(ctx context.Context, cfg config.ProviderConfig) (providers.Client, error) {
	switch cfg.Name {
	case config.ProviderOpenAI:
		var opts []openaiprov.Option
		if cfg.BaseURL != "" {
			opts = append(opts, openaiprov.WithBaseURL(cfg.BaseURL))
		}
		return openaiprov.New(cfg.APIKey, opts...), nil

	case config.ProviderAnthropic:
		var opts []anthropicprov.Option
		if cfg.BaseURL != "" {
			opts = append(opts, anthropicprov.WithBaseURL(cfg.BaseURL))
		}
		return anthropicprov.New(cfg.APIKey, opts...), nil

	case config.ProviderGemini:
		var opts []geminiprov.Option
		if cfg.BaseURL != "" {
			opts = append(opts, geminiprov.WithBaseURL(cfg.BaseURL))
		}
		p, err := geminiprov.New(ctx, cfg.APIKey, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	}

	host, ok := providers.CompatibleHosts[cfg.Name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", cfg.Name)
	}
	if cfg.BaseURL != "" {
		host = cfg.BaseURL
	}
	return openaiprov.New(cfg.APIKey, openaiprov.WithName(cfg.Name), openaiprov.WithBaseURL(host)), nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" becomes "redis://***@localhost:6379".
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
