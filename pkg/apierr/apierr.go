// Package apierr writes the JSON error envelope used by every non-chat
// failure of the HTTP API:
//
//	{"error":{"message":"...","type":"invalid_request_error","code":"invalid_request"}}
//
// Upstream failures are not errors at this layer: POST /v1/chat answers them
// with a chat result whose success field is false.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeRateLimitError = "rate_limit_error"
	TypeInvalidRequest = "invalid_request_error"
	TypeServerError    = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeInternalError     = "internal_error"
	CodeInvalidRequest    = "invalid_request"
	CodeNotFound          = "not_found"
	CodeMethodNotAllowed  = "method_not_allowed"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteInvalidRequest writes a 400 for a malformed body or a contract violation.
func WriteInvalidRequest(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusBadRequest, message, TypeInvalidRequest, CodeInvalidRequest)
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteInternal writes a 500 without leaking details.
func WriteInternal(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusInternalServerError, "internal server error", TypeServerError, CodeInternalError)
}

// WriteNotFound writes a 404 for unknown routes.
func WriteNotFound(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusNotFound, "route not found", TypeInvalidRequest, CodeNotFound)
}

// WriteMethodNotAllowed writes a 405 for known routes hit with the wrong verb.
func WriteMethodNotAllowed(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusMethodNotAllowed, "method not allowed", TypeInvalidRequest, CodeMethodNotAllowed)
}
