// Package server exposes the gateway over HTTP with fasthttp.
//
// Routes:
//
//	POST /v1/chat                  chat completion (chat.Result body)
//	GET  /v1/admin/metrics         aggregator snapshot
//	POST /v1/admin/metrics/reset   zero the aggregator
//	POST /v1/admin/cache/clear     drop every cached response
//	GET  /health                   provider and cache probe results
//	GET  /readiness                200 when ready, 503 otherwise
//	GET  /metrics                  Prometheus exposition
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/crm-chat-gateway/internal/chat"
	"github.com/nulpointcorp/crm-chat-gateway/internal/gateway"
	"github.com/nulpointcorp/crm-chat-gateway/internal/metrics"
	"github.com/nulpointcorp/crm-chat-gateway/internal/ratelimit"
	"github.com/nulpointcorp/crm-chat-gateway/pkg/apierr"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 5 * time.Minute
	maxBodySize  = 4 << 20

	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"
)

// Options carries the optional collaborators of Server.
type Options struct {
	// Limiter caps chat requests per agent type. Nil disables rate limiting.
	Limiter ratelimit.Limiter
	// Health serves /health and /readiness. Nil reports "ok" unconditionally.
	Health *HealthChecker
	// Metrics is served on /metrics and receives HTTP observations.
	Metrics *metrics.Registry
	// CORSOrigins defaults to "*".
	CORSOrigins []string
	Version     string
	Logger      *slog.Logger
	// BaseContext is the parent of every request context handed to the
	// gateway. Defaults to context.Background().
	BaseContext context.Context
}

// Server is the HTTP front of one Gateway.
type Server struct {
	gw      *gateway.Gateway
	limiter ratelimit.Limiter
	health  *HealthChecker
	prom    *metrics.Registry
	cors    []string
	version string
	log     *slog.Logger
	baseCtx context.Context
}

func New(gw *gateway.Gateway, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	base := opts.BaseContext
	if base == nil {
		base = context.Background()
	}
	return &Server{
		gw:      gw,
		limiter: opts.Limiter,
		health:  opts.Health,
		prom:    opts.Metrics,
		cors:    opts.CORSOrigins,
		version: opts.Version,
		log:     log,
		baseCtx: base,
	}
}

// requestContext derives the context a handler passes below the HTTP layer.
// fasthttp recycles *RequestCtx once the handler returns, so it never crosses
// into the gateway; the returned cancel must run before the handler exits.
func (s *Server) requestContext() (context.Context, context.CancelFunc) {
	return context.WithCancel(s.baseCtx)
}

// Handler returns the routed handler wrapped in the middleware chain.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()
	r.SaveMatchedRoutePath = true
	r.NotFound = apierr.WriteNotFound
	r.MethodNotAllowed = apierr.WriteMethodNotAllowed

	r.POST("/v1/chat", s.handleChat)
	r.GET("/v1/admin/metrics", s.handleMetricsSnapshot)
	r.POST("/v1/admin/metrics/reset", s.handleMetricsReset)
	r.POST("/v1/admin/cache/clear", s.handleCacheClear)
	r.GET("/health", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)
	if s.prom != nil {
		r.GET("/metrics", s.prom.Handler())
	}

	return applyMiddleware(r.Handler,
		s.recovery,
		requestID,
		s.accessLog,
		timing,
		corsHandler(s.cors),
		securityHeaders,
	)
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &fasthttp.Server{
		Handler:            s.Handler(),
		Name:               "crm-chat-gateway",
		ReadTimeout:        readTimeout,
		WriteTimeout:       writeTimeout,
		MaxRequestBodySize: maxBodySize,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.ShutdownWithContext(shutdownCtx); err != nil {
			return fmt.Errorf("server: shutdown: %w", err)
		}
		return nil
	}
}

// ListenAndServe listens on addr (e.g. ":8080") and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	s.log.Info("server_listening", slog.String("addr", ln.Addr().String()))
	return s.Serve(ctx, ln)
}

// chatRequest is the body of POST /v1/chat.
type chatRequest struct {
	Messages    []chat.Message `json:"messages"`
	Model       string         `json:"model"`
	MaxTokens   int            `json:"max_tokens"`
	Temperature *float64       `json:"temperature"`
	AgentType   string         `json:"agent_type"`
	Stream      bool           `json:"stream"`
}

func (s *Server) handleChat(ctx *fasthttp.RequestCtx) {
	reqID := requestIDFrom(ctx)

	var req chatRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteInvalidRequest(ctx, fmt.Sprintf("invalid JSON: %s", err.Error()))
		return
	}
	if req.AgentType == "" {
		req.AgentType = string(ctx.Request.Header.Peek("X-Agent-Type"))
	}

	rctx, cancel := s.requestContext()
	defer cancel()

	if !s.allow(rctx, req.AgentType, reqID) {
		apierr.WriteRateLimit(ctx)
		return
	}

	res, err := s.gw.Chat(rctx, chat.Conversation(req.Messages), chat.Options{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		AgentType:   req.AgentType,
		Stream:      req.Stream,
		RequestID:   reqID,
	})
	if err != nil {
		var ve *gateway.ValidationError
		if errors.As(err, &ve) {
			apierr.WriteInvalidRequest(ctx, ve.Err.Error())
			return
		}
		s.log.ErrorContext(ctx, "chat_unexpected_error",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
		)
		apierr.WriteInternal(ctx)
		return
	}

	status := fasthttp.StatusOK
	if !res.Success {
		status = fasthttp.StatusBadGateway
	}
	if res.Cached {
		ctx.Response.Header.Set("X-Cache", xCacheHIT)
	} else {
		ctx.Response.Header.Set("X-Cache", xCacheMISS)
	}
	ctx.SetStatusCode(status)
	writeJSON(ctx, res)
}

// allow consults the limiter. Limiter errors fail open.
func (s *Server) allow(ctx context.Context, agentType, reqID string) bool {
	if s.limiter == nil {
		return true
	}
	ok, err := s.limiter.Allow(ctx, agentType)
	switch {
	case err != nil:
		s.prom.RecordRateLimit("error")
		s.log.WarnContext(ctx, "rate_limit_check_failed",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
		)
		return true
	case !ok:
		s.prom.RecordRateLimit("blocked")
		s.log.WarnContext(ctx, "rate_limit_exceeded",
			slog.String("request_id", reqID),
			slog.String("agent_type", agentType),
		)
		return false
	default:
		s.prom.RecordRateLimit("allowed")
		return true
	}
}

func (s *Server) handleMetricsSnapshot(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, s.gw.Snapshot())
}

func (s *Server) handleMetricsReset(ctx *fasthttp.RequestCtx) {
	s.gw.ResetMetrics()
	writeJSON(ctx, map[string]string{"status": "ok"})
}

func (s *Server) handleCacheClear(ctx *fasthttp.RequestCtx) {
	rctx, cancel := s.requestContext()
	defer cancel()

	if err := s.gw.ClearCache(rctx); err != nil {
		s.log.ErrorContext(ctx, "cache_clear_failed", slog.String("error", err.Error()))
		apierr.WriteInternal(ctx)
		return
	}
	writeJSON(ctx, map[string]string{"status": "ok"})
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	if s.health == nil {
		writeJSON(ctx, map[string]any{"status": statusOK, "version": s.version})
		return
	}
	snap := s.health.Snapshot()
	snap.Version = s.version
	writeJSON(ctx, snap)
}

func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	if s.health == nil || s.health.Ready() {
		writeJSON(ctx, map[string]string{"status": statusOK})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
