// Command gateway is the CRM chat gateway: the HTTP front through which lead
// scoring, ticket triage and other CRM agents reach a single LLM provider.
//
// Every POST /v1/chat goes through the response cache, the retry coordinator
// and the metrics aggregator. Configuration comes from the environment, .env
// or config.yaml.
//
//	LLM_PROVIDER=anthropic ANTHROPIC_API_KEY=sk-ant-... CACHE_MODE=memory ./gateway
//
// See .env.example for every variable.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nulpointcorp/crm-chat-gateway/internal/app"
	"github.com/nulpointcorp/crm-chat-gateway/internal/config"
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		// No level configured yet; report on stderr in the same JSON shape.
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("config_invalid",
			slog.String("version", version),
			slog.String("error", err.Error()),
		)
		os.Exit(2)
	}

	logger := buildLogger(cfg.LogLevel).With(slog.String("service", "crm-chat-gateway"))
	slog.SetDefault(logger)

	// Identifies which backend combination failed to come up.
	deployment := slog.Group("deployment",
		slog.String("provider", cfg.Provider.Name),
		slog.String("model", cfg.LLM.Model),
		slog.String("cache_mode", cfg.Cache.Mode),
		slog.Bool("redis", cfg.Redis.URL != ""),
		slog.String("request_log", cfg.RequestLog.Sink),
	)

	a, err := app.New(ctx, cfg, logger, version)
	if err != nil {
		logger.Error("startup_failed", deployment, slog.String("error", err.Error()))
		os.Exit(1)
	}

	err = a.Run(ctx)
	a.Close()
	if err != nil {
		logger.Error("gateway_failed", deployment, slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("gateway_stopped", slog.String("version", version))
}

// buildLogger returns the JSON logger every subsystem shares. Unknown level
// strings fall back to info; debug adds source locations.
func buildLogger(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     l,
		AddSource: l <= slog.LevelDebug,
	}))
}
