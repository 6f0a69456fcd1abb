package memory

import (
	"context"
	"sync"

	"github.com/aescanero/taskloop/pkg/domain"
	"github.com/aescanero/taskloop/pkg/ports"
)

type subscription struct {
	id      uint64
	handler ports.EventHandler
}

// DefaultHistorySize is the number of events kept per topic
const DefaultHistorySize = 256

// EventBus implements ports.EventBus and ports.EventHistory with
// in-process handlers. Handlers run on the publisher's goroutine, in
// subscription order.
type EventBus struct {
	subscribers map[string][]subscription
	history     map[string][]domain.Event
	historySize int
	nextID      uint64
	mu          sync.RWMutex
}

// NewEventBus creates a new in-memory event bus
func NewEventBus() *EventBus {
	return NewEventBusWithHistory(DefaultHistorySize)
}

// NewEventBusWithHistory creates a bus retaining size events per topic
func NewEventBusWithHistory(size int) *EventBus {
	if size < 0 {
		size = 0
	}
	return &EventBus{
		subscribers: make(map[string][]subscription),
		history:     make(map[string][]domain.Event),
		historySize: size,
	}
}

// Publish delivers an event to all subscribers of a topic.
// Handler errors are dropped; delivery is best effort.
func (e *EventBus) Publish(ctx context.Context, topic string, event domain.Event) error {
	e.mu.Lock()
	if e.historySize > 0 {
		h := append(e.history[topic], event)
		if len(h) > e.historySize {
			h = h[len(h)-e.historySize:]
		}
		e.history[topic] = h
	}
	subs := make([]subscription, len(e.subscribers[topic]))
	copy(subs, e.subscribers[topic])
	e.mu.Unlock()

	for _, sub := range subs {
		_ = sub.handler(ctx, event)
	}
	return nil
}

// Subscribe registers handler on topic until ctx is done
func (e *EventBus) Subscribe(ctx context.Context, topic string, handler ports.EventHandler) error {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.subscribers[topic] = append(e.subscribers[topic], subscription{id: id, handler: handler})
	e.mu.Unlock()

	go func() {
		<-ctx.Done()
		e.unsubscribe(topic, id)
	}()

	return nil
}

// Recent returns up to n of the latest events on topic, oldest first
func (e *EventBus) Recent(ctx context.Context, topic string, n int) ([]domain.Event, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	h := e.history[topic]
	if n <= 0 {
		return nil, nil
	}
	if n > len(h) {
		n = len(h)
	}
	out := make([]domain.Event, n)
	copy(out, h[len(h)-n:])
	return out, nil
}

// Close drops all subscribers
func (e *EventBus) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.subscribers = make(map[string][]subscription)
	return nil
}

func (e *EventBus) unsubscribe(topic string, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	subs := e.subscribers[topic]
	for i, sub := range subs {
		if sub.id == id {
			e.subscribers[topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
}
