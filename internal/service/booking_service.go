package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ridebook/internal/config"
	"ridebook/internal/domain"
	"ridebook/internal/events"
	"ridebook/internal/fsm"
	"ridebook/internal/metrics"
	"ridebook/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type BookingService struct {
	repo      domain.BookingRepository
	effects   effects
	otpLength int
	otpTTL    time.Duration
	regen     domain.AttemptLimiter
	now       func() time.Time
	logger    *zerolog.Logger
}

func NewBookingService(
	repo domain.BookingRepository,
	eventBus domain.EventPublisher,
	sheetsWorker domain.SyncWorker,
	lifecycle config.LifecycleConfig,
	logger *zerolog.Logger,
) *BookingService {
	if lifecycle.OTPLength <= 0 {
		lifecycle.OTPLength = models.DefaultOTPLength
	}
	return &BookingService{
		repo:      repo,
		effects:   effects{eventBus: eventBus, sheetsWorker: sheetsWorker, logger: logger},
		otpLength: lifecycle.OTPLength,
		otpTTL:    lifecycle.OTPTTL,
		now:       time.Now,
		logger:    logger,
	}
}

// LimitRegeneration caps pickup code reissues per booking. Without a limiter reissues are unlimited.
func (s *BookingService) LimitRegeneration(limiter domain.AttemptLimiter) {
	s.regen = limiter
}

func validateCreate(req *domain.CreateBookingRequest) error {
	switch req.ServiceType {
	case models.ServiceCar, models.ServiceHotel, models.ServiceLogistics:
	default:
		return domain.Invalid("serviceType", "must be one of Car, Hotel, Logistics")
	}
	if strings.TrimSpace(req.User.ID) == "" {
		return domain.Invalid("user.id", "is required")
	}
	if req.Passengers.Adults < 1 {
		return domain.Invalid("passengers.adults", "at least one adult is required")
	}
	if req.Passengers.Children < 0 || req.Passengers.Infants < 0 {
		return domain.Invalid("passengers", "counts must not be negative")
	}
	if strings.TrimSpace(req.PickupLocation) == "" {
		return domain.Invalid("pickupLocation", "is required")
	}
	if strings.TrimSpace(req.DropoffLocation) == "" {
		return domain.Invalid("dropoffLocation", "is required")
	}
	if req.Payment.Amount < 0 {
		return domain.Invalid("payment.amount", "must not be negative")
	}
	if req.AssignedDriver != nil && strings.TrimSpace(req.AssignedDriver.ID) == "" {
		return domain.Invalid("assignedDriver.id", "is required")
	}
	return nil
}

// CreateBooking records a passenger's booking request in status pending.
func (s *BookingService) CreateBooking(ctx context.Context, actor domain.Actor, req *domain.CreateBookingRequest) (*models.Booking, error) {
	switch actor.Role {
	case models.RolePassenger:
		if req.User.ID == "" {
			req.User.ID = actor.ID
		}
		if req.User.ID != actor.ID {
			return nil, domain.ErrForbidden
		}
		if req.AssignedDriver != nil {
			return nil, domain.ErrForbidden
		}
	case models.RoleAdmin:
	default:
		return nil, domain.ErrForbidden
	}

	if err := validateCreate(req); err != nil {
		return nil, err
	}

	payment := req.Payment
	payment.Status = models.PaymentPending
	payment.TransactionID = ""
	if payment.Method == "" {
		payment.Method = models.MethodCashAtDrop
	}

	booking := &models.Booking{
		ID:              uuid.NewString(),
		Status:          models.StatusPending,
		ServiceType:     req.ServiceType,
		User:            req.User,
		AssignedDriver:  req.AssignedDriver,
		Passengers:      req.Passengers,
		PickupLocation:  strings.TrimSpace(req.PickupLocation),
		DropoffLocation: strings.TrimSpace(req.DropoffLocation),
		Payment:         payment,
	}

	if err := s.repo.CreateBooking(ctx, booking); err != nil {
		return nil, err
	}

	s.logger.Info().Str("booking_id", booking.ID).Str("user_id", booking.User.ID).Msg("booking created")
	s.effects.publishBooking(events.EventBookingCreated, booking, nil)
	s.effects.enqueueSync(ctx, booking, models.SyncTaskUpsert)

	return booking, nil
}

func (s *BookingService) GetBooking(ctx context.Context, actor domain.Actor, id string) (*models.Booking, error) {
	booking, err := s.repo.GetBooking(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorize(actor, booking); err != nil {
		return nil, err
	}
	return booking, nil
}

// ListBookings narrows the filter to the actor's own bookings unless the actor is an admin.
// The other party's id is not a filter for participants.
func (s *BookingService) ListBookings(ctx context.Context, actor domain.Actor, filter domain.BookingFilter) ([]*models.Booking, error) {
	switch actor.Role {
	case models.RoleAdmin:
	case models.RolePassenger:
		filter.UserID = actor.ID
		filter.DriverID = ""
	case models.RoleDriver:
		filter.DriverID = actor.ID
		filter.UserID = ""
	default:
		return nil, domain.ErrForbidden
	}
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = models.DefaultPageSize
	}
	return s.repo.ListBookings(ctx, filter)
}

// Transition moves a booking to the requested status after checking the role table
// against the stored status.
func (s *BookingService) Transition(ctx context.Context, actor domain.Actor, req domain.TransitionRequest) (*models.Booking, error) {
	if !req.Target.Valid() {
		return nil, domain.Invalid("newStatus", fmt.Sprintf("unknown status %q", req.Target))
	}
	otp := strings.TrimSpace(req.OTP)

	var (
		change    *models.StatusChange
		otpIssued bool
	)
	booking, err := s.repo.MutateBooking(ctx, req.BookingID, func(b *models.Booking) (*models.StatusChange, error) {
		if err := authorize(actor, b); err != nil {
			return nil, err
		}

		from := b.Status
		if !fsm.CanTransition(actor.Role, from, req.Target) {
			return nil, transitionError(b, req.Target, actor.Role)
		}
		if fsm.RequiresDriver(req.Target) && b.AssignedDriver == nil {
			return nil, domain.ErrDriverRequired
		}

		if fsm.RequiresOTP(actor.Role, req.Target) && !b.PickupOTP.Verified() {
			if otp == "" {
				return nil, domain.ErrOtpRequired
			}
			if err := s.checkOTP(b.PickupOTP, otp); err != nil {
				return nil, err
			}
			verifiedAt := s.now().UTC()
			b.PickupOTP.VerifiedAt = &verifiedAt
		}

		if fsm.IssuesOTP(from, req.Target) {
			issued, err := s.newPickupOTP(b.PickupOTP)
			if err != nil {
				return nil, err
			}
			b.PickupOTP = issued
			otpIssued = true
		}

		b.Status = req.Target
		change = &models.StatusChange{From: from, To: req.Target, Role: actor.Role, ActorID: actor.ID}
		return change, nil
	})
	metrics.IncTransition(string(req.Target), string(actor.Role), resultLabel(err))
	if err != nil {
		s.logger.Debug().Err(err).Str("booking_id", req.BookingID).Str("target", string(req.Target)).
			Str("role", string(actor.Role)).Msg("transition rejected")
		return nil, err
	}

	s.logger.Info().Str("booking_id", booking.ID).Str("from", string(change.From)).Str("to", string(change.To)).
		Str("role", string(actor.Role)).Int64("version", booking.Version).Msg("booking transitioned")

	s.effects.publishBooking(events.EventBookingStatusChanged, booking, change)
	if otpIssued {
		s.effects.publishBooking(events.EventPickupOTPIssued, booking, nil)
	}
	s.effects.enqueueSync(ctx, booking, models.SyncTaskUpdateStatus)

	return booking, nil
}

// AssignDriver attaches or replaces the driver before the ride has started.
func (s *BookingService) AssignDriver(ctx context.Context, actor domain.Actor, id string, driver models.AccountRef) (*models.Booking, error) {
	if actor.Role != models.RoleAdmin {
		return nil, domain.ErrForbidden
	}
	if strings.TrimSpace(driver.ID) == "" {
		return nil, domain.Invalid("driver.id", "is required")
	}

	changed := false
	booking, err := s.repo.MutateBooking(ctx, id, func(b *models.Booking) (*models.StatusChange, error) {
		switch b.Status {
		case models.StatusPending, models.StatusConfirmed, models.StatusAccepted:
		default:
			return nil, fmt.Errorf("%w: driver cannot change in status %s", domain.ErrInvalidTransition, b.Status)
		}
		if b.AssignedDriver != nil && *b.AssignedDriver == driver {
			return nil, domain.ErrNoChange
		}
		d := driver
		b.AssignedDriver = &d
		changed = true
		return nil, nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		s.logger.Info().Str("booking_id", booking.ID).Str("driver_id", driver.ID).Msg("driver assigned")
		s.effects.publishBooking(events.EventDriverAssigned, booking, nil)
		s.effects.enqueueSync(ctx, booking, models.SyncTaskUpsert)
	}
	return booking, nil
}

func (s *BookingService) History(ctx context.Context, actor domain.Actor, id string) ([]*models.StatusChange, error) {
	if _, err := s.GetBooking(ctx, actor, id); err != nil {
		return nil, err
	}
	return s.repo.GetStatusHistory(ctx, id)
}

// RegenerateOTP replaces the pickup code while the ride is in progress.
func (s *BookingService) RegenerateOTP(ctx context.Context, actor domain.Actor, id string) (*models.Booking, error) {
	if actor.Role != models.RoleDriver && actor.Role != models.RoleAdmin {
		return nil, domain.ErrForbidden
	}

	booking, err := s.repo.MutateBooking(ctx, id, func(b *models.Booking) (*models.StatusChange, error) {
		if err := authorize(actor, b); err != nil {
			return nil, err
		}
		if b.Status != models.StatusInProgress {
			return nil, transitionError(b, models.StatusInProgress, actor.Role)
		}
		if s.regen != nil && !s.regen.Allow(ctx, "otp_regen:"+b.ID, models.OTPRegenerateLimit, models.OTPRegenerateWindow) {
			return nil, domain.ErrTooManyAttempts
		}
		issued, err := s.newPickupOTP(b.PickupOTP)
		if err != nil {
			return nil, err
		}
		b.PickupOTP = issued
		return nil, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("booking_id", booking.ID).Time("generated_at", booking.PickupOTP.GeneratedAt).Msg("pickup otp regenerated")
	s.effects.publishBooking(events.EventPickupOTPIssued, booking, nil)
	return booking, nil
}

// VerifyPickupOTP checks the code and advances the booking to picked in one step.
// Repeating a successful verification with the same code returns the booking unchanged.
func (s *BookingService) VerifyPickupOTP(ctx context.Context, actor domain.Actor, id, code string) (*models.Booking, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, domain.Invalid("otp", "is required")
	}

	var change *models.StatusChange
	booking, err := s.repo.MutateBooking(ctx, id, func(b *models.Booking) (*models.StatusChange, error) {
		if err := authorize(actor, b); err != nil {
			return nil, err
		}
		if b.Status == models.StatusPicked && b.PickupOTP.Verified() && s.sameCode(b.PickupOTP, code) {
			return nil, domain.ErrNoChange
		}
		if !fsm.CanTransition(actor.Role, b.Status, models.StatusPicked) {
			return nil, transitionError(b, models.StatusPicked, actor.Role)
		}
		if err := s.checkOTP(b.PickupOTP, code); err != nil {
			return nil, err
		}

		verifiedAt := s.now().UTC()
		b.PickupOTP.VerifiedAt = &verifiedAt
		b.Status = models.StatusPicked
		change = &models.StatusChange{From: models.StatusInProgress, To: models.StatusPicked, Role: actor.Role, ActorID: actor.ID}
		return change, nil
	})
	metrics.IncOTPVerification(otpResult(err))
	if err != nil {
		return nil, err
	}
	if change == nil {
		return booking, nil
	}

	s.logger.Info().Str("booking_id", booking.ID).Str("role", string(actor.Role)).Msg("pickup verified")
	s.effects.publishBooking(events.EventPickupVerified, booking, change)
	s.effects.publishBooking(events.EventBookingStatusChanged, booking, change)
	s.effects.enqueueSync(ctx, booking, models.SyncTaskUpdateStatus)
	return booking, nil
}

func (s *BookingService) sameCode(otp *models.PickupOTP, code string) bool {
	return otp != nil && subtleEqual(otp.Code, code)
}

func otpResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrOtpMismatch):
		return "mismatch"
	case errors.Is(err, domain.ErrOtpExpired):
		return "expired"
	default:
		return "rejected"
	}
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return domain.Code(err)
}
