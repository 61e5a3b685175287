package event

import (
	"sync"
	"time"
)

// Well-known topics published by the worker layer and consumed by the
// GUI bridge. Subscribers may also see ad-hoc topics (e.g. raw script
// event types) not listed here.
const (
	TopicScriptOutput   = "script-output"
	TopicInference      = "inference"
	TopicHTTPRequestLog = "http-request-log"
	TopicHTTPError      = "http-server-error"
	TopicHTTPLog        = "http-server-log"
	TopicLspDiagnostics = "lsp-diagnostics"
	TopicLspRestarted   = "lsp-restarted"
	TopicLspFailed      = "lsp-failed"
	TopicWorker         = "worker"
)

// Event is a single published item.
type Event struct {
	Topic   string      `json:"topic"`
	Payload interface{} `json:"payload"`
	At      time.Time   `json:"at"`
}

// Bus is a fire-and-forget publish/subscribe fan-out. Publishing never
// blocks: a subscriber whose buffer is full misses the event. Ordering
// is only guaranteed per publisher goroutine.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber with the given buffer size and
// returns its channel plus a cancel function. Cancel is idempotent.
func (b *Bus) Subscribe(buf int) (<-chan Event, func()) {
	if buf <= 0 {
		buf = 64
	}
	ch := make(chan Event, buf)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Emit publishes to all current subscribers without blocking.
func (b *Bus) Emit(topic string, payload interface{}) {
	ev := Event{Topic: topic, Payload: payload, At: time.Now()}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// subscriber too slow; drop
		}
	}
}

// SubscriberCount reports the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
