package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"ridebook/internal/domain"
	"ridebook/internal/events"
	"ridebook/internal/metrics"
	"ridebook/internal/models"

	"github.com/rs/zerolog"
)

type PaymentService struct {
	bookings domain.BookingRepository
	orders   domain.PaymentOrderRepository
	gateway  domain.PaymentGateway
	effects  effects
	currency string
	logger   *zerolog.Logger
}

func NewPaymentService(
	bookings domain.BookingRepository,
	orders domain.PaymentOrderRepository,
	gateway domain.PaymentGateway,
	eventBus domain.EventPublisher,
	sheetsWorker domain.SyncWorker,
	currency string,
	logger *zerolog.Logger,
) *PaymentService {
	return &PaymentService{
		bookings: bookings,
		orders:   orders,
		gateway:  gateway,
		effects:  effects{eventBus: eventBus, sheetsWorker: sheetsWorker, logger: logger},
		currency: currency,
		logger:   logger,
	}
}

// UpdatePayment records a cash settlement confirmed by either party of the ride, or an
// admin marking an unpaid booking as failed. Completing an already completed payment is a no-op.
func (s *PaymentService) UpdatePayment(
	ctx context.Context,
	actor domain.Actor,
	id, method string,
	status models.PaymentStatus,
) (*models.Booking, error) {
	if method == "" {
		method = models.MethodCashAtDrop
	}

	switch status {
	case models.PaymentCompleted:
		if method != models.MethodCashAtDrop {
			return nil, domain.Invalid("method", "only cash_at_drop can be settled directly")
		}
		if !actor.Role.Valid() {
			return nil, domain.ErrForbidden
		}
	case models.PaymentFailed:
		if actor.Role != models.RoleAdmin {
			return nil, domain.ErrForbidden
		}
	default:
		return nil, domain.Invalid("status", fmt.Sprintf("unsupported payment status %q", status))
	}

	changed := false
	booking, err := s.bookings.MutateBooking(ctx, id, func(b *models.Booking) (*models.StatusChange, error) {
		if err := authorize(actor, b); err != nil {
			return nil, err
		}
		if b.Payment.Status == status {
			return nil, domain.ErrNoChange
		}
		if b.Payment.Status != models.PaymentPending {
			return nil, domain.Invalid("payment.status", fmt.Sprintf("payment already %s", b.Payment.Status))
		}
		if status == models.PaymentCompleted &&
			b.Status != models.StatusPicked && b.Status != models.StatusCompleted {
			return nil, domain.Invalid("status", "cash is collected after pickup")
		}

		b.Payment.Method = method
		b.Payment.Status = status
		changed = true
		return nil, nil
	})
	metrics.IncPayment(method, resultLabel(err))
	if err != nil {
		return nil, err
	}
	if !changed {
		return booking, nil
	}

	s.logger.Info().Str("booking_id", booking.ID).Str("method", method).Str("status", string(status)).Msg("payment updated")
	eventType := events.EventPaymentCompleted
	if status == models.PaymentFailed {
		eventType = events.EventPaymentFailed
	}
	s.effects.publishBooking(eventType, booking, nil)
	s.effects.enqueueSync(ctx, booking, models.SyncTaskUpsert)
	return booking, nil
}

// CreateGatewayOrder opens an order at the processor for an unpaid booking.
func (s *PaymentService) CreateGatewayOrder(
	ctx context.Context,
	actor domain.Actor,
	bookingID string,
	amount int64,
) (*models.PaymentOrder, error) {
	if s.gateway == nil {
		return nil, fmt.Errorf("payment gateway is not configured")
	}
	if amount <= 0 {
		return nil, domain.Invalid("amount", "must be positive")
	}

	booking, err := s.bookings.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if actor.Role != models.RolePassenger && actor.Role != models.RoleAdmin {
		return nil, domain.ErrForbidden
	}
	if err := authorize(actor, booking); err != nil {
		return nil, err
	}
	if booking.Payment.Status != models.PaymentPending {
		return nil, domain.Invalid("payment.status", fmt.Sprintf("payment already %s", booking.Payment.Status))
	}
	if booking.Status == models.StatusCancelled || booking.Status == models.StatusFailed {
		return nil, domain.Invalid("status", fmt.Sprintf("booking is %s", booking.Status))
	}
	if booking.Payment.Amount > 0 && booking.Payment.Amount != amount {
		return nil, domain.Invalid("amount", "does not match the booking fare")
	}

	currency := booking.Payment.Currency
	if currency == "" {
		currency = s.currency
	}

	order, err := s.gateway.CreateOrder(ctx, amount, currency, booking.ID)
	if err != nil {
		metrics.IncPayment(models.MethodOnline, "gateway_error")
		return nil, fmt.Errorf("create gateway order: %w", err)
	}
	order.BookingID = booking.ID
	if order.Currency == "" {
		order.Currency = currency
	}
	if order.Amount == 0 {
		order.Amount = amount
	}
	if err := s.orders.CreatePaymentOrder(ctx, order); err != nil {
		return nil, err
	}

	s.logger.Info().Str("booking_id", booking.ID).Str("order_id", order.ID).Int64("amount", amount).Msg("gateway order created")
	return order, nil
}

// VerifyGatewayPayment checks the processor signature and settles the booking.
// A failed check marks the order failed and leaves the booking untouched.
func (s *PaymentService) VerifyGatewayPayment(
	ctx context.Context,
	actor domain.Actor,
	req *domain.VerifyPaymentRequest,
) (*models.Booking, error) {
	if s.gateway == nil {
		return nil, fmt.Errorf("payment gateway is not configured")
	}
	required := []struct{ field, value string }{
		{"orderId", req.OrderID},
		{"paymentId", req.PaymentID},
		{"signature", req.Signature},
		{"bookingId", req.BookingID},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return nil, domain.Invalid(r.field, "is required")
		}
	}
	method := req.Method
	if method == "" {
		method = models.MethodOnline
	}

	order, err := s.orders.GetPaymentOrder(ctx, req.OrderID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, s.verificationFailed(req, "unknown order")
	}
	if err != nil {
		return nil, err
	}
	if order.BookingID != req.BookingID {
		return nil, s.verificationFailed(req, "order belongs to another booking")
	}

	booking, err := s.bookings.GetBooking(ctx, req.BookingID)
	if err != nil {
		return nil, err
	}
	if err := authorize(actor, booking); err != nil {
		return nil, err
	}

	if !s.gateway.VerifySignature(req.OrderID, req.PaymentID, req.Signature) {
		if order.Status == models.OrderCreated {
			if err := s.orders.UpdatePaymentOrder(ctx, order.ID, models.OrderFailed, req.PaymentID); err != nil {
				s.logger.Error().Err(err).Str("order_id", order.ID).Msg("mark order failed")
			}
		}
		return nil, s.verificationFailed(req, "signature mismatch")
	}
	if order.Status == models.OrderPaid && order.PaymentID != req.PaymentID {
		return nil, s.verificationFailed(req, "order already paid by another payment")
	}

	changed := false
	booking, err = s.bookings.MutateBooking(ctx, req.BookingID, func(b *models.Booking) (*models.StatusChange, error) {
		if b.Payment.Status == models.PaymentCompleted {
			return nil, domain.ErrNoChange
		}
		b.Payment.Status = models.PaymentCompleted
		b.Payment.Method = method
		b.Payment.TransactionID = req.PaymentID
		changed = true
		return nil, nil
	})
	metrics.IncPayment(method, resultLabel(err))
	if err != nil {
		return nil, err
	}

	if order.Status != models.OrderPaid {
		if err := s.orders.UpdatePaymentOrder(ctx, order.ID, models.OrderPaid, req.PaymentID); err != nil {
			return nil, err
		}
	}

	if changed {
		s.logger.Info().Str("booking_id", booking.ID).Str("order_id", order.ID).Str("payment_id", req.PaymentID).
			Msg("gateway payment verified")
		s.effects.publishBooking(events.EventPaymentCompleted, booking, nil)
		s.effects.enqueueSync(ctx, booking, models.SyncTaskUpsert)
	}
	return booking, nil
}

func (s *PaymentService) verificationFailed(req *domain.VerifyPaymentRequest, reason string) error {
	metrics.IncPayment(models.MethodOnline, domain.Code(domain.ErrPaymentVerificationFailed))
	s.logger.Warn().Str("booking_id", req.BookingID).Str("order_id", req.OrderID).Str("reason", reason).
		Msg("payment verification failed")
	return fmt.Errorf("%w: %s", domain.ErrPaymentVerificationFailed, reason)
}
