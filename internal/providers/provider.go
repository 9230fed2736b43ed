// Package providers defines the upstream client contract used by the gateway
// and the request/response types shared by every implementation.
//
// Each implementation lives in its own sub-package (openai, anthropic, gemini)
// and wraps the vendor's official Go SDK.
package providers

import (
	"context"
	"time"
)

type (
	// Message is a single turn sent upstream.
	Message struct {
		Role    string
		Content string
	}

	// Usage reports token consumption for one completion.
	Usage struct {
		InputTokens  int
		OutputTokens int
		TotalTokens  int
	}

	// CompletionRequest is the normalised request handed to a Client.
	CompletionRequest struct {
		Model       string
		Messages    []Message
		MaxTokens   int
		Temperature float64
		// Stream asks the client to use the streaming endpoint. The chunks are
		// accumulated, so the caller still receives one Completion.
		Stream    bool
		RequestID string
	}

	// Completion is the normalised upstream answer.
	Completion struct {
		ID      string
		Model   string
		Content string
		Usage   Usage
	}
)

// Total returns TotalTokens, falling back to input+output when the upstream
// did not report a total.
func (u Usage) Total() int {
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.InputTokens + u.OutputTokens
}

// Client is the upstream chat-completion contract.
type Client interface {
	Name() string
	Complete(ctx context.Context, req *CompletionRequest) (*Completion, error)
	HealthCheck(ctx context.Context) error
}

// CompatibleHosts maps OpenAI-compatible provider names to their default base
// URLs. They are served by the openai client with a custom base URL.
var CompatibleHosts = map[string]string{
	"groq":     "https://api.groq.com/openai/v1",
	"deepseek": "https://api.deepseek.com/v1",
	"xai":      "https://api.x.ai/v1",
	"together": "https://api.together.xyz/v1",
	"mistral":  "https://api.mistral.ai/v1",
}

// HTTPTimeout bounds a single HTTP exchange inside the SDK clients. The retry
// coordinator applies its own, usually shorter, per-attempt deadline.
const HTTPTimeout = 120 * time.Second

// StatusCoder is implemented by errors that carry an upstream HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}
