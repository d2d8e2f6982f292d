package events

import (
	"bytes"
	"errors"
	"testing"

	"ridebook/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus(t *testing.T) {
	bus := NewEventBus(nil)

	var received *Event
	callCount := 0
	bus.Subscribe(func(event *Event) error {
		received = event
		callCount++
		return nil
	}, EventBookingStatusChanged)

	payload := BookingEventPayload{
		Booking:    &models.Booking{ID: "b1", Status: models.StatusArrived, Version: 3},
		FromStatus: models.StatusAccepted,
		ToStatus:   models.StatusArrived,
		Role:       models.RoleDriver,
	}
	require.NoError(t, bus.PublishJSON(EventBookingStatusChanged, payload))

	assert.Equal(t, 1, callCount)
	require.NotNil(t, received)
	assert.Equal(t, EventBookingStatusChanged, received.Type)
	assert.Equal(t, int64(1), received.ID)
	assert.False(t, received.CreatedAt.IsZero())

	decoded, err := received.DecodeBooking()
	require.NoError(t, err)
	assert.Equal(t, "b1", decoded.Booking.ID)
	assert.Equal(t, int64(3), decoded.Booking.Version)
	assert.Equal(t, models.StatusAccepted, decoded.FromStatus)
}

func TestEventBus_MultipleTypesAndSubscribers(t *testing.T) {
	bus := NewEventBus(nil)
	var count1, count2 int

	bus.Subscribe(func(_ *Event) error { count1++; return nil }, BookingEvents...)
	bus.Subscribe(func(_ *Event) error { count2++; return nil }, EventPaymentCompleted)

	bus.Publish(&Event{Type: EventPaymentCompleted})
	bus.Publish(&Event{Type: EventPickupOTPIssued})
	bus.Publish(&Event{Type: EventReviewSubmitted})

	assert.Equal(t, 2, count1)
	assert.Equal(t, 1, count2)
}

func TestEventBus_HandlerErrorLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	bus := NewEventBus(&logger)

	called := false
	bus.Subscribe(func(_ *Event) error { return errors.New("sheets down") }, EventReviewSubmitted)
	bus.Subscribe(func(_ *Event) error { called = true; return nil }, EventReviewSubmitted)

	require.NoError(t, bus.PublishJSON(EventReviewSubmitted, ReviewEventPayload{Review: &models.Review{ID: "r1"}}))
	assert.True(t, called)
	assert.Contains(t, buf.String(), "sheets down")
}

func TestEventBus_NoSubscribers(t *testing.T) {
	bus := NewEventBus(nil)
	bus.Publish(&Event{Type: "unknown"})
	assert.NoError(t, bus.PublishJSON("unknown", nil))

	var nilBus *EventBus
	assert.NoError(t, nilBus.PublishJSON("unknown", nil))
}

func TestEvent_DecodeReview(t *testing.T) {
	e := &Event{Payload: []byte(`{"review":{"id":"r1","rating":4}}`)}
	p, err := e.DecodeReview()
	require.NoError(t, err)
	assert.Equal(t, 4, p.Review.Rating)

	_, err = (&Event{Payload: []byte("{")}).DecodeBooking()
	assert.Error(t, err)
}

func TestEventBus_PublishJSONMarshalError(t *testing.T) {
	bus := NewEventBus(nil)
	assert.Error(t, bus.PublishJSON("bad", make(chan int)))
}
