// Package bus is the in-process publish/subscribe channel between the
// messaging core and its subscribers (screens). Each event category has
// its own topic so dispatch stays exhaustive and statically checkable.
package bus

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"heartline/internal/domain"
)

// Topics, one per event category.
const (
	TopicMessageAppended = "message.appended"
	TopicMessageUpdated  = "message.updated"
	TopicPresenceChanged = "presence.changed"
	TopicTypingChanged   = "typing.changed"
	TopicConnState       = "connection.state"
)

// MessageEvent is published when a conversation's visible sequence gains
// a new entry or an existing entry changes in place.
type MessageEvent struct {
	ConversationID string
	Message        domain.Message
}

// PresenceEvent is published when an identity's online membership flips.
type PresenceEvent struct {
	UserID string
	Online bool
}

// TypingEvent is published when an identity's typing membership flips.
type TypingEvent struct {
	UserID string
	Typing bool
}

// ConnStateEvent is published on every push-channel state transition.
type ConnStateEvent struct {
	State domain.ConnState
}

// Event carries one typed payload on a topic.
type Event struct {
	Topic     string
	Payload   any
	Timestamp time.Time
}

// Handler is a callback for events.
type Handler func(Event)

// Bus is a topic-based pub/sub system with wildcard subscriptions,
// bounded history replay, and per-handler panic recovery.
type Bus struct {
	handlers   map[string][]namedHandler
	mu         sync.RWMutex
	seq        uint64
	logger     *slog.Logger
	history    []Event
	maxHistory int
}

// namedHandler pairs a handler with an ID for unsubscription.
type namedHandler struct {
	ID      string
	Handler Handler
}

// New creates a Bus with a bounded history replay buffer.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		handlers:   make(map[string][]namedHandler),
		logger:     logger,
		maxHistory: 1000,
	}
}

// On registers a handler for the given topic. Use "*" to listen to all
// topics. Returns the handler ID for unsubscription. IDs come from a
// per-bus sequence and are never reused, so removing one handler can
// never detach another registered later.
func (b *Bus) On(topic string, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	id := topic + "-" + strconv.FormatUint(b.seq, 10)
	b.handlers[topic] = append(b.handlers[topic], namedHandler{ID: id, Handler: handler})
	return id
}

// Off removes a handler by its ID.
func (b *Bus) Off(topic, handlerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	handlers := b.handlers[topic]
	for i, h := range handlers {
		if h.ID == handlerID {
			b.handlers[topic] = append(handlers[:i], handlers[i+1:]...)
			return
		}
	}
}

// Emit publishes an event to all registered handlers, synchronously and
// in registration order. A panicking handler never takes down the caller.
func (b *Bus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.Lock()
	if len(b.history) >= b.maxHistory {
		b.history = b.history[1:]
	}
	b.history = append(b.history, event)
	b.mu.Unlock()

	b.mu.RLock()
	handlers := make([]namedHandler, 0)
	if h, ok := b.handlers[event.Topic]; ok {
		handlers = append(handlers, h...)
	}
	if h, ok := b.handlers["*"]; ok {
		handlers = append(handlers, h...)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func(nh namedHandler) {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("subscriber panic", "topic", event.Topic, "handler", nh.ID, "panic", r)
				}
			}()
			nh.Handler(event)
		}(h)
	}
}

// Replay returns historical events on the given topic since the given
// time. Use "*" for all topics. Screens mounting late use this to catch
// up on events they missed.
func (b *Bus) Replay(topic string, since time.Time) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []Event
	for _, e := range b.history {
		if e.Timestamp.Before(since) {
			continue
		}
		if topic == "*" || e.Topic == topic {
			result = append(result, e)
		}
	}
	return result
}

// HistoryLen returns the current number of events in the history buffer.
func (b *Bus) HistoryLen() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.history)
}
