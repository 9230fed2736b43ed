// Package logger implements a non-blocking, batched chat event log.
//
// Logger subscribes to gateway lifecycle events and writes them to an
// internal buffered channel. A background goroutine flushes them in batches
// to a Sink, so logging never blocks the notifier. If the channel fills up
// (> 10 000 entries), new entries are dropped and counted in Dropped.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/crm-chat-gateway/internal/gateway"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// Event kinds.
const (
	KindResponse = "response"
	KindError    = "error"
)

// Entry is one persisted chat event.
type Entry struct {
	RequestID   string
	Kind        string
	AgentType   string
	Model       string
	LatencyMs   uint32
	UsageTokens uint32
	Cached      bool
	Attempts    uint8
	Error       string
	CreatedAt   time.Time
}

// Sink persists a batch of entries.
type Sink interface {
	Write(ctx context.Context, batch []Entry) error
	Close() error
}

// Option tunes batching. Tests use it to flush faster.
type Option func(*Logger)

func WithBatchSize(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.batchSize = n
		}
	}
}

func WithFlushInterval(d time.Duration) Option {
	return func(l *Logger) {
		if d > 0 {
			l.flushInterval = d
		}
	}
}

func WithBuffer(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.buffer = n
		}
	}
}

// Logger is a gateway.Observer that batches events into a Sink.
type Logger struct {
	ch        chan Entry
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped atomic.Int64

	sink          Sink
	batchSize     int
	flushInterval time.Duration
	buffer        int

	baseCtx context.Context
	log     *slog.Logger
}

var _ gateway.Observer = (*Logger)(nil)

func New(ctx context.Context, sink Sink, slogger *slog.Logger, opts ...Option) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if sink == nil {
		return nil, fmt.Errorf("logger: sink must not be nil")
	}
	if slogger == nil {
		slogger = slog.Default()
	}

	l := &Logger{
		done:          make(chan struct{}),
		sink:          sink,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		buffer:        channelBuffer,
		baseCtx:       ctx,
		log:           slogger,
	}
	for _, o := range opts {
		o(l)
	}
	l.ch = make(chan Entry, l.buffer)

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// OnResponse records a successful or cached chat call.
func (l *Logger) OnResponse(e gateway.ResponseEvent) {
	l.Log(Entry{
		RequestID:   e.RequestID,
		Kind:        KindResponse,
		AgentType:   e.AgentType,
		Model:       e.Model,
		LatencyMs:   clampMillis(e.ResponseTime),
		UsageTokens: uint32(max(e.UsageTokens, 0)),
		Cached:      e.Cached,
		CreatedAt:   e.At,
	})
}

// OnError records a failed chat call.
func (l *Logger) OnError(e gateway.ErrorEvent) {
	l.Log(Entry{
		RequestID: e.RequestID,
		Kind:      KindError,
		AgentType: e.AgentType,
		Model:     e.Model,
		LatencyMs: clampMillis(e.ResponseTime),
		Attempts:  uint8(min(max(e.Attempts, 0), 255)),
		Error:     e.Error,
		CreatedAt: e.At,
	})
}

// Log enqueues entry. Never blocks.
func (l *Logger) Log(entry Entry) {
	select {
	case l.ch <- entry:
	default:
		l.dropped.Add(1)
	}
}

// Dropped returns the number of entries discarded because the buffer was full.
func (l *Logger) Dropped() int64 {
	return l.dropped.Load()
}

// Close flushes pending entries and closes the sink.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return l.sink.Close()
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, l.batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		for i := range batch {
			batch[i].CreatedAt = normalizeTime(batch[i].CreatedAt)
		}
		if err := l.sink.Write(l.baseCtx, batch); err != nil {
			l.log.Error("event_log_flush_failed",
				slog.Int("entries", len(batch)),
				slog.String("error", err.Error()),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= l.batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= l.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func clampMillis(d time.Duration) uint32 {
	ms := d.Milliseconds()
	if ms < 0 {
		return 0
	}
	if ms > int64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(ms)
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
