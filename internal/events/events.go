package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one published fact. ID lets broker consumers drop redeliveries.
type Event struct {
	ID        string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

type EventHandler func(event *Event) error

type subscription struct {
	id      uint64
	handler EventHandler
}

// EventBus is the in-process fan-out. Handlers run synchronously on the publisher's goroutine.
type EventBus struct {
	mu       sync.RWMutex
	nextID   uint64
	byType   map[string][]subscription
	wildcard []subscription
}

func NewEventBus() *EventBus {
	return &EventBus{byType: make(map[string][]subscription)}
}

// Subscribe registers handler for eventType. The returned func removes it.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.byType[eventType] = append(b.byType[eventType], subscription{id: id, handler: handler})
	return func() { b.remove(eventType, id) }
}

// SubscribeAll registers handler for every event type.
func (b *EventBus) SubscribeAll(handler EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.wildcard = append(b.wildcard, subscription{id: id, handler: handler})
	return func() { b.remove("", id) }
}

func (b *EventBus) remove(eventType string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	drop := func(subs []subscription) []subscription {
		out := subs[:0]
		for _, s := range subs {
			if s.id != id {
				out = append(out, s)
			}
		}
		return out
	}
	if eventType == "" {
		b.wildcard = drop(b.wildcard)
		return
	}
	b.byType[eventType] = drop(b.byType[eventType])
}

// Publish delivers event to typed handlers, then wildcard ones. A failing handler does not
// stop the others; their errors come back joined.
func (b *EventBus) Publish(event *Event) error {
	b.mu.RLock()
	subs := make([]subscription, 0, len(b.byType[event.Type])+len(b.wildcard))
	subs = append(subs, b.byType[event.Type]...)
	subs = append(subs, b.wildcard...)
	b.mu.RUnlock()

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	var errs []error
	for _, s := range subs {
		if err := s.handler(event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PublishJSON marshals payload and publishes it. Handler failures are not reported back:
// publishers treat events as fire-and-forget.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	_ = b.Publish(&Event{Type: eventType, Payload: raw})
	return nil
}

// Decode unmarshals the event payload into T.
func Decode[T any](event *Event) (T, error) {
	var v T
	if err := json.Unmarshal(event.Payload, &v); err != nil {
		return v, fmt.Errorf("decode %s payload: %w", event.Type, err)
	}
	return v, nil
}
