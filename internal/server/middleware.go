package server

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fasthttp/router"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/crm-chat-gateway/pkg/apierr"
)

type middleware = func(fasthttp.RequestHandler) fasthttp.RequestHandler

// requestIDKey is the user value holding the request id.
const requestIDKey = "request_id"

// recovery catches panics in any handler and returns a 500 without crashing
// the server process.
func (s *Server) recovery(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("handler_panic",
					slog.String("panic", fmt.Sprint(r)),
					slog.String("path", string(ctx.Path())),
					slog.String("method", string(ctx.Method())),
					slog.String("request_id", requestIDFrom(ctx)),
				)
				ctx.ResetBody()
				apierr.WriteInternal(ctx)
			}
		}()
		next(ctx)
	}
}

// requestID ensures every request has an X-Request-ID. A client supplied id
// is kept so CRM traces line up with gateway logs.
func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek("X-Request-ID"))
		if id == "" {
			id = uuid.NewString()
		}
		ctx.Response.Header.Set("X-Request-ID", id)
		ctx.SetUserValue(requestIDKey, id)
		next(ctx)
	}
}

// accessLog logs one line per request and feeds the HTTP Prometheus series.
func (s *Server) accessLog(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		s.prom.IncInFlight()
		defer s.prom.DecInFlight()

		next(ctx)

		dur := time.Since(start)
		route := matchedRoute(ctx)
		status := ctx.Response.StatusCode()
		s.prom.ObserveHTTP(route, status, dur)

		level := slog.LevelInfo
		if status >= fasthttp.StatusInternalServerError {
			level = slog.LevelError
		}
		s.log.LogAttrs(ctx, level, "http_request",
			slog.String("request_id", requestIDFrom(ctx)),
			slog.String("method", string(ctx.Method())),
			slog.String("route", route),
			slog.Int("status", status),
			slog.Int64("latency_ms", dur.Milliseconds()),
		)
	}
}

// timing records the total handler duration in the X-Response-Time header.
func timing(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		ctx.Response.Header.Set("X-Response-Time", time.Since(start).String())
	}
}

// securityHeaders hardens API responses. No HTML is ever served.
func securityHeaders(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		h := &ctx.Response.Header
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
	}
}

// corsHandler allows the CRM front end to call the API directly.
// nil or ["*"] opens it to every origin. Otherwise the request Origin is
// echoed back only when it is on the list. OPTIONS preflight requests are
// answered with 204.
func corsHandler(origins []string) middleware {
	wildcard := len(origins) == 0
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "*" {
			wildcard = true
		}
		allowed[o] = struct{}{}
	}
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			h := &ctx.Response.Header
			if wildcard {
				h.Set("Access-Control-Allow-Origin", "*")
			} else {
				h.Add("Vary", "Origin")
				if o := string(ctx.Request.Header.Peek("Origin")); o != "" {
					if _, ok := allowed[o]; ok {
						h.Set("Access-Control-Allow-Origin", o)
					}
				}
			}
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID, X-Agent-Type")

			if string(ctx.Method()) == fasthttp.MethodOptions {
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}
			next(ctx)
		}
	}
}

// applyMiddleware wraps h so that the first middleware is the outermost:
//
//	applyMiddleware(h, mw1, mw2) → mw1(mw2(h))
func applyMiddleware(h fasthttp.RequestHandler, mws ...middleware) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

func requestIDFrom(ctx *fasthttp.RequestCtx) string {
	id, _ := ctx.UserValue(requestIDKey).(string)
	return id
}

// matchedRoute returns the route pattern, keeping metric labels bounded.
func matchedRoute(ctx *fasthttp.RequestCtx) string {
	if r, ok := ctx.UserValue(router.MatchedRoutePathParam).(string); ok && r != "" {
		return r
	}
	return "unmatched"
}
