package events

import (
	"sync"
	"time"
)

// Handler is a callback invoked for each event of a subscribed type.
type Handler func(event *Event)

// Bus is a synchronous in-process pub/sub bus. Handlers run on the emitting
// goroutine, so enqueue-on-event listeners observe events in emission order.
type Bus struct {
	subscribers map[EventType][]Handler
	all         []Handler
	mu          sync.RWMutex
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Handler),
	}
}

// Subscribe registers a handler for a specific event type.
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// SubscribeAll registers a handler for every event type.
// Used by the SSE stream to relay all system activity.
func (b *Bus) SubscribeAll(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.all = append(b.all, handler)
}

// Emit publishes an event to all matching subscribers.
func (b *Bus) Emit(eventType EventType, module string, data map[string]interface{}) {
	event := &Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
		Module:    module,
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subscribers[eventType])+len(b.all))
	handlers = append(handlers, b.subscribers[eventType]...)
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
