package gateway

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nulpointcorp/crm-chat-gateway/internal/metrics"
)

// DefaultEventQueueSize bounds the number of undelivered lifecycle events.
const DefaultEventQueueSize = 1024

type (
	// ResponseEvent is emitted once for every successful Chat call, cache hits
	// included.
	ResponseEvent struct {
		RequestID    string        `json:"request_id"`
		AgentType    string        `json:"agent_type,omitempty"`
		Model        string        `json:"model"`
		ResponseTime time.Duration `json:"response_time"`
		UsageTokens  int           `json:"usage_tokens"`
		Cached       bool          `json:"cached"`
		At           time.Time     `json:"at"`
	}

	// ErrorEvent is emitted once for every Chat call whose attempts were all
	// exhausted.
	ErrorEvent struct {
		RequestID    string        `json:"request_id"`
		AgentType    string        `json:"agent_type,omitempty"`
		Model        string        `json:"model"`
		ResponseTime time.Duration `json:"response_time"`
		Error        string        `json:"error"`
		Attempts     int           `json:"attempts"`
		At           time.Time     `json:"at"`
	}
)

// Observer receives lifecycle events. Callbacks run on the notifier goroutine,
// never on the caller's; a slow observer delays the others but never Chat.
type Observer interface {
	OnResponse(ResponseEvent)
	OnError(ErrorEvent)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Response func(ResponseEvent)
	Error    func(ErrorEvent)
}

func (f ObserverFuncs) OnResponse(e ResponseEvent) {
	if f.Response != nil {
		f.Response(e)
	}
}

func (f ObserverFuncs) OnError(e ErrorEvent) {
	if f.Error != nil {
		f.Error(e)
	}
}

// event carries exactly one of resp or fail.
type event struct {
	resp *ResponseEvent
	fail *ErrorEvent
}

// notifier fans events out to subscribers from a single goroutine. Publishing
// never blocks: when the queue is full the event is dropped and counted.
type notifier struct {
	log  *slog.Logger
	prom *metrics.Registry

	queue chan event
	done  chan struct{}

	mu        sync.RWMutex
	observers map[uint64]Observer
	nextID    uint64
	closed    bool
	closeOnce sync.Once
}

func newNotifier(size int, log *slog.Logger, prom *metrics.Registry) *notifier {
	if size < 1 {
		size = DefaultEventQueueSize
	}
	n := &notifier{
		log:       log,
		prom:      prom,
		queue:     make(chan event, size),
		done:      make(chan struct{}),
		observers: make(map[uint64]Observer),
	}
	go n.loop()
	return n
}

// subscribe registers o and returns a function that removes it. The returned
// function is idempotent.
func (n *notifier) subscribe(o Observer) func() {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.observers[id] = o
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.observers, id)
			n.mu.Unlock()
		})
	}
}

func (n *notifier) publish(ev event) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed || len(n.observers) == 0 {
		return
	}
	select {
	case n.queue <- ev:
	default:
		n.prom.RecordEventDropped()
		n.log.Warn("event_dropped", slog.String("request_id", ev.requestID()))
	}
}

func (n *notifier) loop() {
	defer close(n.done)
	for ev := range n.queue {
		n.mu.RLock()
		obs := make([]Observer, 0, len(n.observers))
		for _, o := range n.observers {
			obs = append(obs, o)
		}
		n.mu.RUnlock()

		for _, o := range obs {
			n.deliver(o, ev)
		}
	}
}

func (n *notifier) deliver(o Observer, ev event) {
	defer func() {
		if r := recover(); r != nil {
			n.log.Error("observer_panic",
				slog.String("request_id", ev.requestID()),
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	if ev.resp != nil {
		o.OnResponse(*ev.resp)
		return
	}
	o.OnError(*ev.fail)
}

// close stops accepting events and waits until every queued event has been
// delivered.
func (n *notifier) close() {
	n.closeOnce.Do(func() {
		n.mu.Lock()
		n.closed = true
		close(n.queue)
		n.mu.Unlock()
	})
	<-n.done
}

func (ev event) requestID() string {
	if ev.resp != nil {
		return ev.resp.RequestID
	}
	if ev.fail != nil {
		return ev.fail.RequestID
	}
	return ""
}
