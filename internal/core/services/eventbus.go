package services

import (
	"log/slog"
	"slices"
	"sync"
)

type EventType string

const (
	// EventTypeStep carries one finished ReActStep as JSON.
	EventTypeStep EventType = "step"
	// EventTypeDone carries the final AgentResponse as JSON.
	EventTypeDone EventType = "done"
	EventTypeLog  EventType = "log"
)

type Event struct {
	Topic     string // conversation ID or "trace:<id>"
	Type      EventType
	Data      string // JSON payload or raw text
	Timestamp int64
}

const subscriberBuffer = 100

// EventBus is an in-process pub/sub keyed by topic.
type EventBus struct {
	logger *slog.Logger
	mu     sync.RWMutex
	subs   map[string][]chan Event // Key: Topic
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		logger: logger,
		subs:   make(map[string][]chan Event),
	}
}

// Subscribe returns a channel that receives events for a topic, and the
// function that unsubscribes and closes it. Calling it twice is safe.
func (b *EventBus) Subscribe(topic string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			rest := slices.DeleteFunc(b.subs[topic], func(c chan Event) bool { return c == ch })
			if len(rest) == 0 {
				delete(b.subs, topic)
			} else {
				b.subs[topic] = rest
			}
			close(ch)
		})
	}
}

// Publish fans e out to its topic's subscribers. A subscriber whose buffer
// is full misses the event rather than stalling the publisher. A nil bus
// drops everything.
func (b *EventBus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[e.Topic] {
		select {
		case ch <- e:
		default:
			b.logger.Warn("subscriber lagging, event dropped", "topic", e.Topic, "type", string(e.Type))
		}
	}
}
