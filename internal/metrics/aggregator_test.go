package metrics

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func TestAggregator_Empty(t *testing.T) {
	s := NewAggregator(nil).Snapshot()
	if s != (Snapshot{}) {
		t.Fatalf("empty snapshot = %+v, want zero value", s)
	}
}

func TestAggregator_RecordAndSnapshot(t *testing.T) {
	a := NewAggregator(func() int { return 3 })

	a.Record(100*time.Millisecond, true)
	a.Record(300*time.Millisecond, false)
	a.RecordCacheHit(20 * time.Millisecond)

	s := a.Snapshot()
	want := Snapshot{
		TotalRequests:         3,
		SuccessfulRequests:    1,
		FailedRequests:        1,
		CacheHits:             1,
		AverageResponseMillis: 140,
		CacheEntries:          3,
	}
	if s != want {
		t.Fatalf("Snapshot = %+v, want %+v", s, want)
	}
}

func TestAggregator_CacheHitIsNeitherSuccessNorFailure(t *testing.T) {
	a := NewAggregator(nil)
	a.RecordCacheHit(0)

	s := a.Snapshot()
	if s.TotalRequests != 1 || s.CacheHits != 1 || s.SuccessfulRequests != 0 || s.FailedRequests != 0 {
		t.Fatalf("unexpected snapshot %+v", s)
	}
}

func TestAggregator_Reset(t *testing.T) {
	a := NewAggregator(func() int { return 7 })
	a.Record(time.Second, true)
	a.RecordCacheHit(time.Millisecond)

	a.Reset()

	s := a.Snapshot()
	if s.TotalRequests != 0 || s.SuccessfulRequests != 0 || s.FailedRequests != 0 || s.CacheHits != 0 || s.AverageResponseMillis != 0 {
		t.Fatalf("counters not reset: %+v", s)
	}
	if s.CacheEntries != 7 {
		t.Fatalf("CacheEntries comes from the cache and is unaffected by Reset, got %d", s.CacheEntries)
	}
}

// TestAggregator_ConcurrentConsistency checks that success+failure+hits
// always equals total, even while writers race with readers.
func TestAggregator_ConcurrentConsistency(t *testing.T) {
	a := NewAggregator(nil)

	const workers, perWorker = 8, 500
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				switch (w + i) % 3 {
				case 0:
					a.Record(time.Millisecond, true)
				case 1:
					a.Record(time.Millisecond, false)
				default:
					a.RecordCacheHit(time.Millisecond)
				}
			}
		}(w)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			s := a.Snapshot()
			if s.SuccessfulRequests+s.FailedRequests+s.CacheHits != s.TotalRequests {
				t.Errorf("inconsistent snapshot %+v", s)
				return
			}
		}
	}()

	wg.Wait()
	<-done

	s := a.Snapshot()
	if s.TotalRequests != workers*perWorker {
		t.Fatalf("TotalRequests = %d, want %d", s.TotalRequests, workers*perWorker)
	}
	if s.AverageResponseMillis != 1 {
		t.Fatalf("AverageResponseMillis = %v, want 1", s.AverageResponseMillis)
	}
}

func TestAggregator_Report(t *testing.T) {
	a := NewAggregator(nil)
	a.Record(50*time.Millisecond, true)

	var buf bytes.Buffer
	var mu sync.Mutex
	log := slog.New(slog.NewJSONHandler(&lockedWriter{w: &buf, mu: &mu}, nil))

	ticks := make(chan Snapshot, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Report(ctx, 10*time.Millisecond, log, func(s Snapshot) { ticks <- s })
		close(done)
	}()

	select {
	case s := <-ticks:
		if s.TotalRequests != 1 {
			t.Errorf("reported snapshot = %+v", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no report within 2s")
	}
	cancel()
	<-done

	// Reporting is read-only.
	if got := a.Snapshot().TotalRequests; got != 1 {
		t.Fatalf("Report mutated counters: total=%d", got)
	}

	mu.Lock()
	line, _, _ := bytes.Cut(buf.Bytes(), []byte("\n"))
	mu.Unlock()
	var rec map[string]any
	if err := json.Unmarshal(line, &rec); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, line)
	}
	if rec["msg"] != "metrics_report" {
		t.Fatalf("msg = %v, want metrics_report", rec["msg"])
	}
	if rec["total_requests"] != float64(1) {
		t.Fatalf("total_requests = %v, want 1", rec["total_requests"])
	}
}

func TestAggregator_ReportDisabled(t *testing.T) {
	done := make(chan struct{})
	go func() {
		NewAggregator(nil).Report(context.Background(), 0, nil, nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Report with interval 0 must return immediately")
	}
}

type lockedWriter struct {
	w  *bytes.Buffer
	mu *sync.Mutex
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
