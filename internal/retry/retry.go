// Package retry runs upstream completions under a per-attempt timeout with
// linear backoff.
//
// Attempt n (1-based) gets its own deadline of Timeout. After a failed
// attempt n < MaxRetries the coordinator sleeps BaseDelay*n before the next
// one. Every error is retried the same way: there is no retryable /
// non-retryable split and no jitter.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/crm-chat-gateway/internal/metrics"
	"github.com/nulpointcorp/crm-chat-gateway/internal/providers"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
	DefaultTimeout    = 2 * time.Second
)

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("upstream failed after %d attempt(s): %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Config holds the coordinator policy.
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	Timeout    time.Duration
}

// Coordinator executes requests against one upstream client.
type Coordinator struct {
	client providers.Client
	cfg    Config
	log    *slog.Logger
	prom   *metrics.Registry

	// sleep waits for d or until ctx is done. Replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a Coordinator. Non-positive MaxRetries and Timeout fall back to
// the defaults; a negative BaseDelay is treated as zero.
func New(client providers.Client, cfg Config, log *slog.Logger, prom *metrics.Registry) *Coordinator {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.BaseDelay < 0 {
		cfg.BaseDelay = 0
	}
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		client: client,
		cfg:    cfg,
		log:    log,
		prom:   prom,
		sleep:  sleepCtx,
	}
}

// Config returns the effective policy.
func (c *Coordinator) Config() Config { return c.cfg }

// Execute sends req up to MaxRetries times. It returns the first successful
// completion, an *ExhaustedError when all attempts failed, or the caller's
// context error when ctx ends first.
func (c *Coordinator) Execute(ctx context.Context, req *providers.CompletionRequest) (*providers.Completion, error) {
	provider := c.client.Name()

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		start := time.Now()
		resp, err := c.attempt(ctx, req)
		dur := time.Since(start)

		if err == nil {
			c.prom.ObserveUpstreamAttempt(provider, "ok", dur)
			c.prom.AddTokens(provider, resp.Usage.InputTokens, resp.Usage.OutputTokens)
			return resp, nil
		}

		// The caller gave up; this is not an upstream failure.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		outcome := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
			err = fmt.Errorf("attempt timed out after %s: %w", c.cfg.Timeout, err)
		}
		c.prom.ObserveUpstreamAttempt(provider, outcome, dur)
		lastErr = err

		c.log.WarnContext(ctx, "upstream_attempt_failed",
			slog.String("request_id", req.RequestID),
			slog.String("provider", provider),
			slog.String("model", req.Model),
			slog.Int("attempt", attempt),
			slog.Int("max_retries", c.cfg.MaxRetries),
			slog.String("outcome", outcome),
			slog.Int64("latency_ms", dur.Milliseconds()),
			slog.String("error", err.Error()),
		)

		if attempt == c.cfg.MaxRetries {
			break
		}

		backoff := c.cfg.BaseDelay * time.Duration(attempt)
		c.prom.AddBackoff(provider, backoff)
		if err := c.sleep(ctx, backoff); err != nil {
			return nil, err
		}
	}

	c.prom.RecordRetryExhausted(provider)
	return nil, &ExhaustedError{Attempts: c.cfg.MaxRetries, Last: lastErr}
}

type result struct {
	resp *providers.Completion
	err  error
}

// attempt runs one call bounded by Timeout. The deadline holds even for a
// client that ignores its context: the call is abandoned and its late result
// discarded.
func (c *Coordinator) attempt(ctx context.Context, req *providers.CompletionRequest) (*providers.Completion, error) {
	actx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		resp, err := c.client.Complete(actx, req)
		done <- result{resp: resp, err: err}
	}()

	select {
	case <-actx.Done():
		return nil, actx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		if r.resp == nil {
			return nil, errors.New("upstream returned an empty completion")
		}
		return r.resp, nil
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
