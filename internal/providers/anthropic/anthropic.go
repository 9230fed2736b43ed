package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/crm-chat-gateway/internal/providers"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/"
	providerName     = "anthropic"
	defaultMaxTokens = 4096
)

// Provider implements providers.Client for Anthropic (official SDK).
type Provider struct {
	apiKey  string
	baseURL string
	client  anthropic.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// New creates a new Anthropic Provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}

	p.client = anthropic.NewClient(
		option.WithAPIKey(p.apiKey),
		option.WithBaseURL(p.baseURL),
		option.WithHTTPClient(&http.Client{Timeout: providers.HTTPTimeout}),
		option.WithMaxRetries(0),
	)

	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx, anthropic.ModelListParams{
		Limit: anthropic.Int(1),
	})
	if err != nil {
		return fmt.Errorf("anthropic: health check: %w", toProviderError(err))
	}
	return nil
}

func (p *Provider) Complete(ctx context.Context, req *providers.CompletionRequest) (*providers.Completion, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("anthropic: no API key configured")
	}

	params := buildParams(req)

	var (
		msg *anthropic.Message
		err error
	)
	if req.Stream {
		msg, err = p.completeStreaming(ctx, params)
	} else {
		msg, err = p.client.Messages.New(ctx, params)
	}
	if err != nil {
		return nil, toProviderError(err)
	}

	return toCompletion(msg), nil
}

// buildParams lifts system turns into the top-level system prompt, which is
// where the Messages API expects them.
func buildParams(req *providers.CompletionRequest) anthropic.MessageNewParams {
	var systemPrompt strings.Builder
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		if strings.EqualFold(m.Role, "system") {
			if systemPrompt.Len() > 0 {
				systemPrompt.WriteString("\n")
			}
			systemPrompt.WriteString(m.Content)
			continue
		}
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(req.Model),
		MaxTokens:   int64(maxTokens),
		Messages:    msgs,
		Temperature: anthropic.Float(req.Temperature),
	}

	if systemPrompt.Len() > 0 {
		params.System = []anthropic.TextBlockParam{
			{Text: systemPrompt.String()},
		}
	}

	return params
}

func toSDKMessage(role, content string) anthropic.MessageParam {
	if strings.EqualFold(role, "assistant") {
		return anthropic.NewAssistantMessage(anthropic.NewTextBlock(content))
	}
	return anthropic.NewUserMessage(anthropic.NewTextBlock(content))
}

// completeStreaming folds the event stream into a single Message.
func (p *Provider) completeStreaming(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error) {
	stream := p.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	msg := anthropic.Message{}
	for stream.Next() {
		if err := msg.Accumulate(stream.Current()); err != nil {
			return nil, fmt.Errorf("anthropic: accumulate stream: %w", err)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	return &msg, nil
}

func toCompletion(msg *anthropic.Message) *providers.Completion {
	var sb strings.Builder
	for _, b := range msg.Content {
		if tb, ok := b.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}

	in, out := int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens)
	return &providers.Completion{
		ID:      msg.ID,
		Model:   string(msg.Model),
		Content: sb.String(),
		Usage: providers.Usage{
			InputTokens:  in,
			OutputTokens: out,
			TotalTokens:  in + out,
		},
	}
}

// ProviderError is a structured error returned by the Anthropic API.
type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("anthropic: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements providers.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &ProviderError{
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
			Type:       "anthropic_error",
		}
	}
	return err
}
