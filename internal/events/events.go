package events

import (
	"encoding/json"
	"sync"
	"time"

	"seminarhall/internal/models"
)

const (
	EventReservationCreated   = "reservation.created"
	EventReservationUpdated   = "reservation.updated"
	EventReservationCancelled = "reservation.cancelled"
)

// ReservationEventTypes lists every type the engine emits.
var ReservationEventTypes = []string{
	EventReservationCreated,
	EventReservationUpdated,
	EventReservationCancelled,
}

// ReservationEventPayload is the full reservation after the change plus who made it.
type ReservationEventPayload struct {
	Reservation    models.Reservation `json:"reservation"`
	PreviousStatus models.Status      `json:"previous_status,omitempty"`
	ChangedBy      string             `json:"changed_by"`
	ChangedByRole  models.Role        `json:"changed_by_role"`
	// Promoted is set when the change was an automatic waitlist promotion.
	Promoted bool `json:"promoted,omitempty"`
}

// Event represents a lightweight domain event.
type Event struct {
	ID        int64
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	onError     func(event *Event, err error)
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// SubscribeAll registers handler for every reservation event type.
func (b *EventBus) SubscribeAll(handler EventHandler) {
	for _, t := range ReservationEventTypes {
		b.Subscribe(t, handler)
	}
}

// OnError sets the callback for handler failures. Handlers never fail the publisher.
func (b *EventBus) OnError(fn func(event *Event, err error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onError = fn
}

// Publish notifies subscribers of the event type.
func (b *EventBus) Publish(event *Event) {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	onError := b.onError
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		// Handlers run synchronously; caller decides concurrency model.
		if err := handler(event); err != nil && onError != nil {
			onError(event, err)
		}
	}
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
	return nil
}

// DecodeReservation parses a reservation event payload.
func DecodeReservation(raw []byte) (*ReservationEventPayload, error) {
	var p ReservationEventPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
