// Package event provides the in-process publish/subscribe bus consumed by
// observability frontends (TUI, web API).
package event

import (
	"log/slog"
	"sync"
	"time"
)

// Action kinds published on the bus.
const (
	// ActionLogAdded announces a new live log entry for an exchange half.
	ActionLogAdded = "log_added"
	// ActionRegistryUpdated announces that the server registry changed.
	ActionRegistryUpdated = "registry_updated"
)

// LogEntry is the live projection of a capture record plus transport
// metadata. For every forwarded exchange exactly one request entry is
// published and, if the request carried an id, at least one response entry
// follows it.
type LogEntry struct {
	CaptureID    string    `json:"captureId"`
	ServerName   string    `json:"serverName"`
	SessionID    string    `json:"sessionId"`
	Method       string    `json:"method,omitempty"`
	Direction    string    `json:"direction"`
	Kind         string    `json:"kind"`
	HTTPStatus   int       `json:"httpStatus"`
	DurationMs   int64     `json:"durationMs"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Action is the envelope delivered to subscribers.
type Action struct {
	Type  string    `json:"type"`
	Entry *LogEntry `json:"entry,omitempty"`
}

// Handler receives published actions. Delivery is synchronous with respect
// to the publisher and unordered across subscribers.
type Handler func(Action)

// Bus is a synchronous fan-out with no durable buffering. A panicking
// handler is isolated and does not prevent delivery to the rest.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]Handler
	logger *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{subs: make(map[int]Handler), logger: logger}
}

// On attaches a handler and returns its subscription id for Off.
func (b *Bus) On(h Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs[b.nextID] = h
	return b.nextID
}

// Off detaches a previously attached handler.
func (b *Bus) Off(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// PublishLog publishes a log_added action.
func (b *Bus) PublishLog(entry LogEntry) {
	b.publish(Action{Type: ActionLogAdded, Entry: &entry})
}

// PublishRegistryUpdated publishes a registry_updated action.
func (b *Bus) PublishRegistryUpdated() {
	b.publish(Action{Type: ActionRegistryUpdated})
}

func (b *Bus) publish(a Action) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(h, a)
	}
}

// deliver invokes one handler, recovering panics so one bad subscriber
// cannot break the others or the publisher.
func (b *Bus) deliver(h Handler, a Action) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked", "action", a.Type, "panic", r)
		}
	}()
	h(a)
}
