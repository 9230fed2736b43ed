// Package openai implements providers.Client on top of openai-go. The same
// client serves OpenAI-compatible hosts (Groq, DeepSeek, xAI, ...) through
// WithName and WithBaseURL.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/crm-chat-gateway/internal/providers"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	providerName   = "openai"
)

type Provider struct {
	name    string
	apiKey  string
	baseURL string
	client  openaiSDK.Client
}

type Option func(*Provider)

func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithName overrides the provider name reported in logs, metrics and errors.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		name:    providerName,
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}

	for _, o := range opts {
		o(p)
	}

	// Retries are owned by the retry coordinator.
	p.client = openaiSDK.NewClient(
		option.WithAPIKey(p.apiKey),
		option.WithBaseURL(p.baseURL),
		option.WithHTTPClient(&http.Client{Timeout: providers.HTTPTimeout}),
		option.WithMaxRetries(0),
	)

	return p
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("%s: health check: %w", p.name, p.toProviderError(err))
	}
	return nil
}

func (p *Provider) Complete(ctx context.Context, req *providers.CompletionRequest) (*providers.Completion, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("%s: no API key configured", p.name)
	}

	params := buildParams(req)
	if req.Stream {
		return p.completeStreaming(ctx, params)
	}
	return p.complete(ctx, params)
}

func buildParams(req *providers.CompletionRequest) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages:    msgs,
		Model:       req.Model,
		Temperature: openaiSDK.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}

	return params
}

func (p *Provider) complete(ctx context.Context, params openaiSDK.ChatCompletionNewParams) (*providers.Completion, error) {
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, p.toProviderError(err)
	}
	return toCompletion(resp), nil
}

// completeStreaming consumes the SSE stream and folds the chunks into one
// completion with the accumulator shipped by the SDK.
func (p *Provider) completeStreaming(ctx context.Context, params openaiSDK.ChatCompletionNewParams) (*providers.Completion, error) {
	params.StreamOptions = openaiSDK.ChatCompletionStreamOptionsParam{
		IncludeUsage: openaiSDK.Bool(true),
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	acc := openaiSDK.ChatCompletionAccumulator{}
	for stream.Next() {
		acc.AddChunk(stream.Current())
	}
	if err := stream.Err(); err != nil {
		return nil, p.toProviderError(err)
	}

	return toCompletion(&acc.ChatCompletion), nil
}

func toCompletion(resp *openaiSDK.ChatCompletion) *providers.Completion {
	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}

	return &providers.Completion{
		ID:      resp.ID,
		Model:   resp.Model,
		Content: content,
		Usage: providers.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
	}
}

type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Type       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s (status=%d, type=%s)", e.Provider, e.Message, e.StatusCode, e.Type)
}

func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func (p *Provider) toProviderError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		typ := apierr.Type
		if typ == "" {
			typ = p.name + "_error"
		}
		return &ProviderError{
			Provider:   p.name,
			StatusCode: apierr.StatusCode,
			Message:    apierr.Message,
			Type:       typ,
		}
	}
	return err
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}
