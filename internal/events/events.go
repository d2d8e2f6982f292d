package events

import (
	"encoding/json"
	"sync"
	"time"

	"ridebook/internal/models"

	"github.com/rs/zerolog"
)

const (
	EventBookingCreated       = "booking_created"
	EventBookingStatusChanged = "booking_status_changed"
	EventDriverAssigned       = "driver_assigned"
	EventPickupOTPIssued      = "pickup_otp_issued"
	EventPickupVerified       = "pickup_verified"
	EventPaymentCompleted     = "payment_completed"
	EventPaymentFailed        = "payment_failed"
	EventReviewSubmitted      = "review_submitted"
)

// BookingEvents lists every event whose payload is a BookingEventPayload.
var BookingEvents = []string{
	EventBookingCreated,
	EventBookingStatusChanged,
	EventDriverAssigned,
	EventPickupOTPIssued,
	EventPickupVerified,
	EventPaymentCompleted,
	EventPaymentFailed,
}

// BookingEventPayload carries the booking snapshot after the change.
type BookingEventPayload struct {
	Booking    *models.Booking `json:"booking"`
	FromStatus models.Status   `json:"from_status,omitempty"`
	ToStatus   models.Status   `json:"to_status,omitempty"`
	Role       models.Role     `json:"role,omitempty"`
	ActorID    string          `json:"actor_id,omitempty"`
}

type ReviewEventPayload struct {
	Review *models.Review `json:"review"`
}

// Event represents a lightweight domain event.
type Event struct {
	ID        int64
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// DecodeBooking unpacks a booking event payload.
func (e *Event) DecodeBooking() (*BookingEventPayload, error) {
	var p BookingEventPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// DecodeReview unpacks a review event payload.
func (e *Event) DecodeReview() (*ReviewEventPayload, error) {
	var p ReviewEventPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
	seq         int64
	logger      *zerolog.Logger
}

// NewEventBus constructs an empty bus. Handler errors go to logger when it is set.
func NewEventBus(logger *zerolog.Logger) *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler), logger: logger}
}

// Subscribe registers a handler for one or more event types.
func (b *EventBus) Subscribe(handler EventHandler, eventTypes ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range eventTypes {
		b.subscribers[t] = append(b.subscribers[t], handler)
	}
}

// Publish notifies subscribers of the event type synchronously, in registration order.
func (b *EventBus) Publish(event *Event) {
	b.mu.Lock()
	b.seq++
	event.ID = b.seq
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.Unlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		if err := handler(event); err != nil && b.logger != nil {
			b.logger.Warn().Err(err).Str("event", event.Type).Int64("event_id", event.ID).Msg("event handler failed")
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
