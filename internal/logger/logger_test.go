package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nulpointcorp/crm-chat-gateway/internal/gateway"
)

type memSink struct {
	mu      sync.Mutex
	batches [][]Entry
	closed  bool
	err     error
}

func (s *memSink) Write(_ context.Context, batch []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Entry(nil), batch...))
	return s.err
}

func (s *memSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memSink) entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

func TestNew_Validation(t *testing.T) {
	//nolint:staticcheck // nil context is the case under test
	if _, err := New(nil, &memSink{}, nil); err == nil {
		t.Fatal("expected error for nil context")
	}
	if _, err := New(context.Background(), nil, nil); err == nil {
		t.Fatal("expected error for nil sink")
	}
}

func TestLogger_FlushOnClose(t *testing.T) {
	sink := &memSink{}
	l, err := New(context.Background(), sink, nil, WithFlushInterval(time.Hour))
	if err != nil {
		t.Fatal(err)
	}

	l.OnResponse(gateway.ResponseEvent{RequestID: "a", Model: "m", ResponseTime: 120 * time.Millisecond, UsageTokens: 30, Cached: true})
	l.OnError(gateway.ErrorEvent{RequestID: "b", Model: "m", Error: "boom", Attempts: 3})

	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	got := sink.entries()
	if len(got) != 2 {
		t.Fatalf("entries = %d, want 2", len(got))
	}
	if got[0].Kind != KindResponse || got[0].LatencyMs != 120 || got[0].UsageTokens != 30 || !got[0].Cached {
		t.Fatalf("response entry = %+v", got[0])
	}
	if got[1].Kind != KindError || got[1].Attempts != 3 || got[1].Error != "boom" {
		t.Fatalf("error entry = %+v", got[1])
	}
	if got[0].CreatedAt.IsZero() || got[0].CreatedAt.Location() != time.UTC {
		t.Fatalf("CreatedAt not normalised: %v", got[0].CreatedAt)
	}
	if !sink.closed {
		t.Fatal("sink not closed")
	}
}

func TestLogger_BatchSize(t *testing.T) {
	sink := &memSink{}
	l, _ := New(context.Background(), sink, nil, WithBatchSize(2), WithFlushInterval(time.Hour))

	for i := 0; i < 5; i++ {
		l.Log(Entry{RequestID: "x"})
	}
	l.Close()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.batches) != 3 {
		t.Fatalf("batches = %d, want 3 (2+2+1)", len(sink.batches))
	}
	for i, b := range sink.batches[:2] {
		if len(b) != 2 {
			t.Fatalf("batch %d has %d entries", i, len(b))
		}
	}
}

func TestLogger_PeriodicFlush(t *testing.T) {
	sink := &memSink{}
	l, _ := New(context.Background(), sink, nil, WithFlushInterval(10*time.Millisecond))
	defer l.Close()

	l.Log(Entry{RequestID: "tick"})

	deadline := time.Now().Add(2 * time.Second)
	for len(sink.entries()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("entry not flushed by the ticker")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLogger_DropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	sink := &blockingSink{memSink: &memSink{}, block: block, entered: make(chan struct{}, 1)}
	l, _ := New(context.Background(), sink, nil, WithBuffer(1), WithBatchSize(1), WithFlushInterval(time.Hour))

	// The first entry is taken by run() and blocks in Write; the second fills
	// the buffer; the rest are dropped.
	l.Log(Entry{RequestID: "1"})
	<-sink.entered
	for i := 0; i < 4; i++ {
		l.Log(Entry{RequestID: "n"})
	}
	if got := l.Dropped(); got != 3 {
		t.Fatalf("Dropped = %d, want 3", got)
	}
	close(block)
	l.Close()
}

type blockingSink struct {
	*memSink
	block   chan struct{}
	entered chan struct{}
	once    sync.Once
}

func (s *blockingSink) Write(ctx context.Context, batch []Entry) error {
	s.once.Do(func() {
		s.entered <- struct{}{}
		<-s.block
	})
	return s.memSink.Write(ctx, batch)
}

func TestLogger_SinkErrorIsLogged(t *testing.T) {
	var buf bytes.Buffer
	slogger := slog.New(slog.NewJSONHandler(&buf, nil))
	sink := &memSink{err: errors.New("clickhouse down")}

	l, _ := New(context.Background(), sink, slogger, WithFlushInterval(time.Hour))
	l.Log(Entry{RequestID: "x"})
	l.Close()

	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec); err != nil {
		t.Fatalf("log line: %v (%q)", err, buf.String())
	}
	if rec["msg"] != "event_log_flush_failed" {
		t.Fatalf("msg = %v", rec["msg"])
	}
}

func TestStdoutSink_Write(t *testing.T) {
	var buf bytes.Buffer
	s := NewStdoutSink(slog.New(slog.NewJSONHandler(&buf, nil)))

	err := s.Write(context.Background(), []Entry{
		{RequestID: "r1", Kind: KindResponse, Model: "m", UsageTokens: 7},
		{RequestID: "r2", Kind: KindError, Model: "m", Attempts: 3, Error: "timeout"},
	})
	if err != nil {
		t.Fatal(err)
	}

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
	var first, second map[string]any
	json.Unmarshal(lines[0], &first)
	json.Unmarshal(lines[1], &second)
	if first["msg"] != "chat_event" || first["usage_tokens"] != float64(7) {
		t.Fatalf("first = %v", first)
	}
	if second["error"] != "timeout" || second["attempts"] != float64(3) {
		t.Fatalf("second = %v", second)
	}
	if _, ok := first["error"]; ok {
		t.Fatal("response entries must not carry an error field")
	}
}

func TestNewClickHouseSink_InvalidDSN(t *testing.T) {
	if _, err := NewClickHouseSink(context.Background(), "://bad"); err == nil {
		t.Fatal("expected error for invalid dsn")
	}
}

func TestRow_ColumnOrder(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r := row(Entry{RequestID: "id", Kind: KindError, Attempts: 2, Error: "e", CreatedAt: at})
	if len(r) != 10 {
		t.Fatalf("row has %d columns, want 10", len(r))
	}
	if r[0] != "id" || r[1] != KindError || r[7] != uint8(2) || r[8] != "e" || r[9] != at {
		t.Fatalf("row = %v", r)
	}
}

func TestClampMillis(t *testing.T) {
	if clampMillis(-time.Second) != 0 {
		t.Fatal("negative durations clamp to 0")
	}
	if clampMillis(1500*time.Microsecond) != 1 {
		t.Fatal("truncates to milliseconds")
	}
}
