package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nulpointcorp/crm-chat-gateway/internal/metrics"
	"github.com/nulpointcorp/crm-chat-gateway/internal/providers"
)

// funcClient is a providers.Client backed by a function.
type funcClient struct {
	name string
	fn   func(ctx context.Context, req *providers.CompletionRequest) (*providers.Completion, error)
}

func (f *funcClient) Name() string {
	if f.name == "" {
		return "fake"
	}
	return f.name
}

func (f *funcClient) Complete(ctx context.Context, req *providers.CompletionRequest) (*providers.Completion, error) {
	return f.fn(ctx, req)
}

func (f *funcClient) HealthCheck(context.Context) error { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRequest() *providers.CompletionRequest {
	return &providers.CompletionRequest{
		Model:     "gpt-4o-mini",
		Messages:  []providers.Message{{Role: "user", Content: "hi"}},
		RequestID: "req-1",
	}
}

// recordSleeps replaces the coordinator's sleep with one that records the
// requested durations and returns immediately.
func recordSleeps(c *Coordinator) *[]time.Duration {
	var mu sync.Mutex
	var got []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		got = append(got, d)
		mu.Unlock()
		return ctx.Err()
	}
	return &got
}

func TestExecute_FirstAttemptSucceeds(t *testing.T) {
	var calls atomic.Int32
	client := &funcClient{fn: func(context.Context, *providers.CompletionRequest) (*providers.Completion, error) {
		calls.Add(1)
		return &providers.Completion{Content: "ok"}, nil
	}}

	c := New(client, Config{MaxRetries: 3, BaseDelay: time.Second, Timeout: time.Second}, discardLogger(), nil)
	sleeps := recordSleeps(c)

	resp, err := c.Execute(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "ok" {
		t.Fatalf("content = %q", resp.Content)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
	if len(*sleeps) != 0 {
		t.Fatalf("no backoff expected, got %v", *sleeps)
	}
}

func TestExecute_SucceedsAfterFailures(t *testing.T) {
	var calls atomic.Int32
	client := &funcClient{fn: func(context.Context, *providers.CompletionRequest) (*providers.Completion, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("boom")
		}
		return &providers.Completion{Content: "third time"}, nil
	}}

	c := New(client, Config{MaxRetries: 3, BaseDelay: 100 * time.Millisecond, Timeout: time.Second}, discardLogger(), nil)
	sleeps := recordSleeps(c)

	resp, err := c.Execute(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "third time" {
		t.Fatalf("content = %q", resp.Content)
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
	if len(*sleeps) != len(want) || (*sleeps)[0] != want[0] || (*sleeps)[1] != want[1] {
		t.Fatalf("backoffs = %v, want %v", *sleeps, want)
	}
}

func TestExecute_ExactAttemptCount(t *testing.T) {
	for _, maxRetries := range []int{1, 2, 3, 5} {
		var calls atomic.Int32
		upstreamErr := errors.New("permanent")
		client := &funcClient{fn: func(context.Context, *providers.CompletionRequest) (*providers.Completion, error) {
			calls.Add(1)
			return nil, upstreamErr
		}}

		c := New(client, Config{MaxRetries: maxRetries, BaseDelay: time.Millisecond, Timeout: time.Second}, discardLogger(), nil)
		sleeps := recordSleeps(c)

		_, err := c.Execute(context.Background(), testRequest())

		var ex *ExhaustedError
		if !errors.As(err, &ex) {
			t.Fatalf("maxRetries=%d: expected *ExhaustedError, got %T: %v", maxRetries, err, err)
		}
		if ex.Attempts != maxRetries {
			t.Errorf("maxRetries=%d: Attempts = %d", maxRetries, ex.Attempts)
		}
		if !errors.Is(err, upstreamErr) {
			t.Errorf("maxRetries=%d: last error not wrapped", maxRetries)
		}
		if int(calls.Load()) != maxRetries {
			t.Errorf("maxRetries=%d: calls = %d", maxRetries, calls.Load())
		}
		// No sleep after the final attempt.
		if len(*sleeps) != maxRetries-1 {
			t.Errorf("maxRetries=%d: sleeps = %v", maxRetries, *sleeps)
		}
		for i, d := range *sleeps {
			if want := time.Duration(i+1) * time.Millisecond; d != want {
				t.Errorf("maxRetries=%d: backoff[%d] = %v, want %v", maxRetries, i, d, want)
			}
		}
	}
}

// TestExecute_ElapsedLowerBound runs with the real sleep: total time must be
// at least BaseDelay * (1 + 2 + ... + MaxRetries-1).
func TestExecute_ElapsedLowerBound(t *testing.T) {
	client := &funcClient{fn: func(context.Context, *providers.CompletionRequest) (*providers.Completion, error) {
		return nil, errors.New("down")
	}}

	base := 20 * time.Millisecond
	c := New(client, Config{MaxRetries: 3, BaseDelay: base, Timeout: time.Second}, discardLogger(), nil)

	start := time.Now()
	_, err := c.Execute(context.Background(), testRequest())
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected error")
	}
	if floor := base * (1 + 2); elapsed < floor {
		t.Fatalf("elapsed %v < %v", elapsed, floor)
	}
}

func TestExecute_TimeoutCountsAsFailure(t *testing.T) {
	var calls atomic.Int32
	client := &funcClient{fn: func(ctx context.Context, _ *providers.CompletionRequest) (*providers.Completion, error) {
		n := calls.Add(1)
		if n == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &providers.Completion{Content: "fast"}, nil
	}}

	c := New(client, Config{MaxRetries: 2, BaseDelay: 0, Timeout: 20 * time.Millisecond}, discardLogger(), nil)

	resp, err := c.Execute(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "fast" || calls.Load() != 2 {
		t.Fatalf("resp=%+v calls=%d", resp, calls.Load())
	}
}

// TestExecute_TimeoutIgnoringClient verifies the per-attempt bound holds for a
// client that never looks at its context.
func TestExecute_TimeoutIgnoringClient(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	client := &funcClient{fn: func(context.Context, *providers.CompletionRequest) (*providers.Completion, error) {
		<-release
		return &providers.Completion{Content: "too late"}, nil
	}}

	c := New(client, Config{MaxRetries: 2, BaseDelay: 0, Timeout: 20 * time.Millisecond}, discardLogger(), nil)

	start := time.Now()
	_, err := c.Execute(context.Background(), testRequest())
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Execute took %v, per-attempt timeout not enforced", elapsed)
	}

	var ex *ExhaustedError
	if !errors.As(err, &ex) || ex.Attempts != 2 {
		t.Fatalf("expected exhausted after 2 attempts, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestExecute_AttemptsAreSequential(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	client := &funcClient{fn: func(context.Context, *providers.CompletionRequest) (*providers.Completion, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return nil, errors.New("fail")
	}}

	c := New(client, Config{MaxRetries: 4, BaseDelay: 0, Timeout: time.Second}, discardLogger(), nil)
	_, _ = c.Execute(context.Background(), testRequest())

	if maxInFlight.Load() != 1 {
		t.Fatalf("max concurrent attempts = %d, want 1", maxInFlight.Load())
	}
}

func TestExecute_CallerCancelStopsRetries(t *testing.T) {
	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())

	client := &funcClient{fn: func(context.Context, *providers.CompletionRequest) (*providers.Completion, error) {
		calls.Add(1)
		cancel()
		return nil, errors.New("fail")
	}}

	c := New(client, Config{MaxRetries: 5, BaseDelay: time.Hour, Timeout: time.Second}, discardLogger(), nil)

	_, err := c.Execute(ctx, testRequest())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	var ex *ExhaustedError
	if errors.As(err, &ex) {
		t.Fatal("caller cancellation must not be reported as exhaustion")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestExecute_NilCompletionIsFailure(t *testing.T) {
	client := &funcClient{fn: func(context.Context, *providers.CompletionRequest) (*providers.Completion, error) {
		return nil, nil
	}}

	c := New(client, Config{MaxRetries: 2, Timeout: time.Second}, discardLogger(), nil)
	recordSleeps(c)

	if _, err := c.Execute(context.Background(), testRequest()); err == nil {
		t.Fatal("nil completion without error must be treated as a failure")
	}
}

func TestExecute_RecordsPrometheus(t *testing.T) {
	var calls atomic.Int32
	client := &funcClient{name: "openai", fn: func(context.Context, *providers.CompletionRequest) (*providers.Completion, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("fail")
		}
		return &providers.Completion{Usage: providers.Usage{InputTokens: 3, OutputTokens: 4}}, nil
	}}

	prom := metrics.New()
	c := New(client, Config{MaxRetries: 3, BaseDelay: 10 * time.Millisecond, Timeout: time.Second}, discardLogger(), prom)
	recordSleeps(c)

	if _, err := c.Execute(context.Background(), testRequest()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	n, err := testutil.GatherAndCount(prom.PromRegistry(), "gateway_upstream_attempts_total")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 { // {openai,error} and {openai,ok}
		t.Fatalf("upstream attempt series = %d, want 2", n)
	}
}

func TestNew_Defaults(t *testing.T) {
	c := New(&funcClient{}, Config{BaseDelay: -time.Second}, nil, nil)
	cfg := c.Config()
	if cfg.MaxRetries != DefaultMaxRetries || cfg.Timeout != DefaultTimeout || cfg.BaseDelay != 0 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}
