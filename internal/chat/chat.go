// Package chat defines the request and result types that flow through the
// gateway: conversations, per-request options and the call result returned to
// CRM agent code.
package chat

import (
	"errors"
	"fmt"
	"math"
	"unicode/utf8"
)

// Role is the author of a single conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the supported roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

var (
	// ErrInvalidConversation is returned for empty or malformed conversations.
	ErrInvalidConversation = errors.New("invalid conversation")

	// ErrInvalidOptions is returned for options that cannot be sent upstream.
	ErrInvalidOptions = errors.New("invalid options")
)

type (
	// Message is one turn of a conversation.
	Message struct {
		Role    Role   `json:"role"`
		Content string `json:"content"`
	}

	// Conversation is an ordered list of messages. Order is dialogue order.
	Conversation []Message

	// Options are the per-request knobs. Zero values fall back to Defaults.
	Options struct {
		Model     string
		MaxTokens int
		// Temperature is a pointer because 0 is a meaningful explicit value.
		Temperature *float64
		// AgentType is an opaque tag passed through to lifecycle events.
		AgentType string
		Stream    bool
		// RequestID correlates logs and events. Generated when empty.
		RequestID string
	}

	// Defaults are the process-wide fallbacks for Options.
	Defaults struct {
		Model       string
		MaxTokens   int
		Temperature float64
	}

	// Resolved holds the effective options for one request.
	Resolved struct {
		Model       string
		MaxTokens   int
		Temperature float64
		AgentType   string
		Stream      bool
		RequestID   string
	}

	// Result is the outcome of a chat call. Failure results carry Error and no
	// token usage.
	Result struct {
		Success       bool   `json:"success"`
		Content       string `json:"content,omitempty"`
		Error         string `json:"error,omitempty"`
		UsageTokens   int    `json:"usage_tokens,omitempty"`
		ElapsedMillis int64  `json:"elapsed_ms"`
		Cached        bool   `json:"cached"`
		Model         string `json:"model,omitempty"`
	}
)

// Float returns a pointer to v, for Options.Temperature.
func Float(v float64) *float64 { return &v }

// Validate checks that the conversation can be fingerprinted and sent to a
// provider.
func (c Conversation) Validate() error {
	if len(c) == 0 {
		return fmt.Errorf("%w: no messages", ErrInvalidConversation)
	}
	for i, m := range c {
		if !m.Role.Valid() {
			return fmt.Errorf("%w: message %d has unknown role %q", ErrInvalidConversation, i, m.Role)
		}
		if !utf8.ValidString(m.Content) {
			return fmt.Errorf("%w: message %d content is not valid UTF-8", ErrInvalidConversation, i)
		}
	}
	return nil
}

// Validate checks option ranges. Unset fields are always valid.
func (o Options) Validate() error {
	if o.MaxTokens < 0 {
		return fmt.Errorf("%w: max_tokens must be >= 0, got %d", ErrInvalidOptions, o.MaxTokens)
	}
	if o.Temperature != nil {
		t := *o.Temperature
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return fmt.Errorf("%w: temperature must be a finite number", ErrInvalidOptions)
		}
		if t < 0 || t > 2 {
			return fmt.Errorf("%w: temperature must be within [0, 2], got %g", ErrInvalidOptions, t)
		}
	}
	if !utf8.ValidString(o.Model) || !utf8.ValidString(o.AgentType) {
		return fmt.Errorf("%w: model and agent type must be valid UTF-8", ErrInvalidOptions)
	}
	return nil
}

// Resolve fills unset options from d.
func (o Options) Resolve(d Defaults) Resolved {
	r := Resolved{
		Model:       o.Model,
		MaxTokens:   o.MaxTokens,
		Temperature: d.Temperature,
		AgentType:   o.AgentType,
		Stream:      o.Stream,
		RequestID:   o.RequestID,
	}
	if r.Model == "" {
		r.Model = d.Model
	}
	if r.MaxTokens == 0 {
		r.MaxTokens = d.MaxTokens
	}
	if o.Temperature != nil {
		r.Temperature = *o.Temperature
	}
	return r
}
