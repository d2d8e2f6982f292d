package service

import (
	"context"

	"ridebook/internal/domain"
	"ridebook/internal/events"
	"ridebook/internal/models"

	"github.com/rs/zerolog"
)

// effects fans a committed change out to the event bus and the ledger queue.
type effects struct {
	eventBus     domain.EventPublisher
	sheetsWorker domain.SyncWorker
	logger       *zerolog.Logger
}

func (e effects) publishBooking(eventType string, booking *models.Booking, change *models.StatusChange) {
	if e.eventBus == nil {
		return
	}

	payload := events.BookingEventPayload{Booking: booking}
	if change != nil {
		payload.FromStatus = change.From
		payload.ToStatus = change.To
		payload.Role = change.Role
		payload.ActorID = change.ActorID
	}

	if err := e.eventBus.PublishJSON(eventType, payload); err != nil {
		e.logger.Error().Err(err).Str("event_type", eventType).Str("booking_id", booking.ID).Msg("publish event error")
	}
}

func (e effects) publish(eventType string, payload interface{}) {
	if e.eventBus == nil {
		return
	}
	if err := e.eventBus.PublishJSON(eventType, payload); err != nil {
		e.logger.Error().Err(err).Str("event_type", eventType).Msg("publish event error")
	}
}

func (e effects) enqueueSync(ctx context.Context, booking *models.Booking, taskType string) {
	if e.sheetsWorker == nil {
		return
	}

	var status string
	if taskType == models.SyncTaskUpdateStatus {
		status = string(booking.Status)
	}

	if err := e.sheetsWorker.EnqueueTask(ctx, taskType, booking.ID, booking, status); err != nil {
		e.logger.Error().Err(err).Str("booking_id", booking.ID).Str("task", taskType).Msg("sheets enqueue error")
	}
}
