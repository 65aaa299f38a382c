// Package bus fans generation lifecycle events out to stream subscribers.
package bus

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event types published over the stream
const (
	EventGenerationCreated    = "generation.created"
	EventGenerationProcessing = "generation.processing"
	EventGenerationCompleted  = "generation.completed"
	EventGenerationFailed     = "generation.failed"
)

// Event is a published event: its type, and the payload already encoded as
// JSON. Type and payload stay separate so the stream layer can frame them
// independently.
type Event struct {
	Type    string
	Payload []byte
}

// subscriberBuffer bounds each subscriber's mailbox. A subscriber that
// falls this far behind starts losing events rather than blocking publishers.
const subscriberBuffer = 16

// Bus is a non-blocking publish/subscribe fan-out. The payload is encoded
// once per publish and delivered to every subscriber channel.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	logger      *zap.SugaredLogger
}

// New creates an event bus
func New(logger *zap.SugaredLogger) *Bus {
	return &Bus{
		subscribers: make(map[string]chan Event),
		logger:      logger,
	}
}

// Subscribe registers a new subscriber and returns its ID and channel.
// The caller must Unsubscribe with the same ID when done.
func (b *Bus) Subscribe() (string, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	ch := make(chan Event, subscriberBuffer)
	b.subscribers[id] = ch

	if b.logger != nil {
		b.logger.Debugw("Event subscriber added", "subscriber_id", id, "total", len(b.subscribers))
	}

	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subscribers[id]
	if !ok {
		return
	}
	delete(b.subscribers, id)
	close(ch)

	if b.logger != nil {
		b.logger.Debugw("Event subscriber removed", "subscriber_id", id, "total", len(b.subscribers))
	}
}

// Publish encodes the payload once and delivers it to every subscriber
// without blocking. Slow subscribers with full mailboxes are skipped.
func (b *Bus) Publish(eventType string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		if b.logger != nil {
			b.logger.Errorw("Failed to encode event", "type", eventType, "error", err)
		}
		return
	}
	event := Event{Type: eventType, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			if b.logger != nil {
				b.logger.Warnw("Dropping event for slow subscriber",
					"subscriber_id", id,
					"type", eventType,
				)
			}
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
