package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"ridebook/internal/config"
	"ridebook/internal/domain"
	"ridebook/internal/events"
	"ridebook/internal/models"
	"ridebook/internal/repository"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestGenerateOTP(t *testing.T) {
	for _, length := range []int{4, 6, 8} {
		code, err := generateOTP(length)
		require.NoError(t, err)
		assert.Len(t, code, length)
		for _, r := range code {
			assert.True(t, r >= '0' && r <= '9')
		}
	}
}

func TestBookingService_CreateBooking(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.LifecycleConfig{})

	t.Run("Passenger", func(t *testing.T) {
		b, err := f.bookings.CreateBooking(ctx, passenger, newRequest())
		require.NoError(t, err)
		assert.NotEmpty(t, b.ID)
		assert.Equal(t, models.StatusPending, b.Status)
		assert.Equal(t, models.PaymentPending, b.Payment.Status)
		assert.Equal(t, int64(1), b.Version)
		assert.Nil(t, b.PickupOTP)
		f.sync.AssertCalled(t, "EnqueueTask", mock.Anything, models.SyncTaskUpsert, b.ID, mock.Anything, "")
	})

	t.Run("PassengerForSomeoneElse", func(t *testing.T) {
		_, err := f.bookings.CreateBooking(ctx, stranger, newRequest())
		assert.ErrorIs(t, err, domain.ErrForbidden)
	})

	t.Run("DriverCannotCreate", func(t *testing.T) {
		_, err := f.bookings.CreateBooking(ctx, driver, newRequest())
		assert.ErrorIs(t, err, domain.ErrForbidden)
	})

	t.Run("AdminWithDriver", func(t *testing.T) {
		req := newRequest()
		req.AssignedDriver = &models.AccountRef{ID: "driver-1"}
		b, err := f.bookings.CreateBooking(ctx, admin, req)
		require.NoError(t, err)
		assert.Equal(t, "driver-1", b.DriverID())
	})

	t.Run("Validation", func(t *testing.T) {
		cases := map[string]func(r *domain.CreateBookingRequest){
			"serviceType":     func(r *domain.CreateBookingRequest) { r.ServiceType = "Boat" },
			"adults":          func(r *domain.CreateBookingRequest) { r.Passengers.Adults = 0 },
			"negative infant": func(r *domain.CreateBookingRequest) { r.Passengers.Infants = -1 },
			"pickup":          func(r *domain.CreateBookingRequest) { r.PickupLocation = " " },
			"dropoff":         func(r *domain.CreateBookingRequest) { r.DropoffLocation = "" },
			"amount":          func(r *domain.CreateBookingRequest) { r.Payment.Amount = -1 },
		}
		for name, mutate := range cases {
			t.Run(name, func(t *testing.T) {
				req := newRequest()
				mutate(req)
				_, err := f.bookings.CreateBooking(ctx, passenger, req)
				assert.ErrorIs(t, err, domain.ErrValidation)
			})
		}
	})
}

func TestBookingService_Access(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.LifecycleConfig{})
	b := f.advance(t, models.StatusAccepted)

	_, err := f.bookings.GetBooking(ctx, passenger, b.ID)
	assert.NoError(t, err)
	_, err = f.bookings.GetBooking(ctx, driver, b.ID)
	assert.NoError(t, err)
	_, err = f.bookings.GetBooking(ctx, stranger, b.ID)
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = f.bookings.GetBooking(ctx, domain.Actor{ID: "driver-9", Role: models.RoleDriver}, b.ID)
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = f.bookings.GetBooking(ctx, admin, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	list, err := f.bookings.ListBookings(ctx, stranger, domain.BookingFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
	list, err = f.bookings.ListBookings(ctx, driver, domain.BookingFilter{UserID: "someone"})
	require.NoError(t, err)
	assert.Len(t, list, 1)
	list, err = f.bookings.ListBookings(ctx, passenger, domain.BookingFilter{DriverID: "driver-9"})
	require.NoError(t, err)
	assert.Len(t, list, 1)
	list, err = f.bookings.ListBookings(ctx, admin, domain.BookingFilter{UserID: "someone"})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestBookingService_FullLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.LifecycleConfig{OTPLength: 6})

	b := f.advance(t, models.StatusInProgress)
	require.NotNil(t, b.PickupOTP)
	assert.Len(t, b.PickupOTP.Code, 6)
	assert.False(t, b.PickupOTP.Verified())
	assert.Contains(t, f.recorder.types(), events.EventPickupOTPIssued)

	// Driver cannot skip the OTP gate.
	_, err := f.bookings.Transition(ctx, driver, domain.TransitionRequest{BookingID: b.ID, Target: models.StatusPicked})
	assert.ErrorIs(t, err, domain.ErrOtpRequired)

	b, err = f.bookings.VerifyPickupOTP(ctx, passenger, b.ID, b.PickupOTP.Code)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPicked, b.Status)
	assert.True(t, b.PickupOTP.Verified())

	b, err = f.bookings.Transition(ctx, driver, domain.TransitionRequest{BookingID: b.ID, Target: models.StatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, b.Status)

	history, err := f.bookings.History(ctx, passenger, b.ID)
	require.NoError(t, err)
	var path []models.Status
	for _, h := range history {
		path = append(path, h.To)
	}
	assert.Equal(t, []models.Status{
		models.StatusConfirmed, models.StatusAccepted, models.StatusArrived,
		models.StatusInProgress, models.StatusPicked, models.StatusCompleted,
	}, path)
	assert.Equal(t, models.RolePassenger, history[4].Role)

	_, err = f.bookings.Transition(ctx, admin, domain.TransitionRequest{BookingID: b.ID, Target: models.StatusCancelled})
	var te *domain.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, models.StatusCompleted, te.Current)
}

func TestBookingService_TransitionRules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.LifecycleConfig{})

	t.Run("RoleNotAllowed", func(t *testing.T) {
		b := f.advance(t, models.StatusAccepted)
		before := b.Version

		_, err := f.bookings.Transition(ctx, passenger, domain.TransitionRequest{BookingID: b.ID, Target: models.StatusArrived})
		var te *domain.TransitionError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, models.StatusAccepted, te.Current)
		assert.Equal(t, models.StatusArrived, te.Requested)
		assert.Equal(t, models.RolePassenger, te.Role)

		stored, err := f.bookings.GetBooking(ctx, admin, b.ID)
		require.NoError(t, err)
		assert.Equal(t, before, stored.Version)
	})

	t.Run("NoSkipping", func(t *testing.T) {
		b := f.advance(t, models.StatusPending)
		_, err := f.bookings.Transition(ctx, admin, domain.TransitionRequest{BookingID: b.ID, Target: models.StatusCompleted})
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	})

	t.Run("UnknownStatus", func(t *testing.T) {
		b := f.advance(t, models.StatusPending)
		_, err := f.bookings.Transition(ctx, admin, domain.TransitionRequest{BookingID: b.ID, Target: "flying"})
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("DriverRequired", func(t *testing.T) {
		b, err := f.bookings.CreateBooking(ctx, passenger, newRequest())
		require.NoError(t, err)
		_, err = f.bookings.Transition(ctx, admin, domain.TransitionRequest{BookingID: b.ID, Target: models.StatusConfirmed})
		require.NoError(t, err)
		_, err = f.bookings.Transition(ctx, admin, domain.TransitionRequest{BookingID: b.ID, Target: models.StatusAccepted})
		assert.ErrorIs(t, err, domain.ErrDriverRequired)
	})

	t.Run("PassengerCancels", func(t *testing.T) {
		b := f.advance(t, models.StatusAccepted)
		b, err := f.bookings.Transition(ctx, passenger, domain.TransitionRequest{BookingID: b.ID, Target: models.StatusCancelled})
		require.NoError(t, err)
		assert.Equal(t, models.StatusCancelled, b.Status)

		_, err = f.bookings.AssignDriver(ctx, admin, b.ID, models.AccountRef{ID: "driver-2"})
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	})

	t.Run("OtherDriverForbidden", func(t *testing.T) {
		b := f.advance(t, models.StatusAccepted)
		other := domain.Actor{ID: "driver-2", Role: models.RoleDriver}
		_, err := f.bookings.Transition(ctx, other, domain.TransitionRequest{BookingID: b.ID, Target: models.StatusArrived})
		assert.ErrorIs(t, err, domain.ErrForbidden)
	})

	t.Run("AdminBypassesOTP", func(t *testing.T) {
		b := f.advance(t, models.StatusInProgress)
		b, err := f.bookings.Transition(ctx, admin, domain.TransitionRequest{BookingID: b.ID, Target: models.StatusPicked})
		require.NoError(t, err)
		assert.Equal(t, models.StatusPicked, b.Status)
		assert.False(t, b.PickupOTP.Verified())
	})
}

func TestBookingService_PickupOTP(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	f := newFixture(t, config.LifecycleConfig{OTPTTL: 10 * time.Minute})
	f.bookings.now = fixedClock(now)

	t.Run("Mismatch", func(t *testing.T) {
		b := f.advance(t, models.StatusInProgress)
		wrong := "000000"
		if b.PickupOTP.Code == wrong {
			wrong = "111111"
		}
		_, err := f.bookings.VerifyPickupOTP(ctx, passenger, b.ID, wrong)
		assert.ErrorIs(t, err, domain.ErrOtpMismatch)

		stored, err := f.bookings.GetBooking(ctx, admin, b.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusInProgress, stored.Status)
	})

	t.Run("Expired", func(t *testing.T) {
		b := f.advance(t, models.StatusInProgress)
		f.bookings.now = fixedClock(now.Add(11 * time.Minute))
		defer func() { f.bookings.now = fixedClock(now) }()

		_, err := f.bookings.VerifyPickupOTP(ctx, passenger, b.ID, b.PickupOTP.Code)
		assert.ErrorIs(t, err, domain.ErrOtpExpired)
	})

	t.Run("Idempotent", func(t *testing.T) {
		b := f.advance(t, models.StatusInProgress)
		first, err := f.bookings.VerifyPickupOTP(ctx, passenger, b.ID, b.PickupOTP.Code)
		require.NoError(t, err)
		second, err := f.bookings.VerifyPickupOTP(ctx, passenger, b.ID, b.PickupOTP.Code)
		require.NoError(t, err)
		assert.Equal(t, first.Version, second.Version)
		assert.Equal(t, models.StatusPicked, second.Status)
	})

	t.Run("WrongStatus", func(t *testing.T) {
		b := f.advance(t, models.StatusArrived)
		_, err := f.bookings.VerifyPickupOTP(ctx, passenger, b.ID, "123456")
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	})

	t.Run("EmptyCode", func(t *testing.T) {
		_, err := f.bookings.VerifyPickupOTP(ctx, passenger, "any", " ")
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("Regenerate", func(t *testing.T) {
		b := f.advance(t, models.StatusInProgress)
		old := *b.PickupOTP

		_, err := f.bookings.RegenerateOTP(ctx, passenger, b.ID)
		assert.ErrorIs(t, err, domain.ErrForbidden)

		f.recorder.reset()
		b, err = f.bookings.RegenerateOTP(ctx, driver, b.ID)
		require.NoError(t, err)
		assert.True(t, b.PickupOTP.GeneratedAt.After(old.GeneratedAt))
		assert.Equal(t, []string{events.EventPickupOTPIssued}, f.recorder.types())

		if b.PickupOTP.Code != old.Code {
			_, err = f.bookings.VerifyPickupOTP(ctx, passenger, b.ID, old.Code)
			assert.ErrorIs(t, err, domain.ErrOtpMismatch)
		}
	})

	t.Run("RegenerateThrottled", func(t *testing.T) {
		logger := zerolog.Nop()
		f.bookings.LimitRegeneration(NewViewerStateService(repository.NewMemoryStateRepository(time.Hour), &logger))
		defer f.bookings.LimitRegeneration(nil)

		b := f.advance(t, models.StatusInProgress)
		for i := 0; i < models.OTPRegenerateLimit; i++ {
			_, err := f.bookings.RegenerateOTP(ctx, driver, b.ID)
			require.NoError(t, err)
		}
		_, err := f.bookings.RegenerateOTP(ctx, admin, b.ID)
		assert.ErrorIs(t, err, domain.ErrTooManyAttempts)

		other := f.advance(t, models.StatusInProgress)
		_, err = f.bookings.RegenerateOTP(ctx, driver, other.ID)
		require.NoError(t, err)

		stored, err := f.bookings.GetBooking(ctx, admin, b.ID)
		require.NoError(t, err)
		for i := 0; i < 3*models.OTPRegenerateLimit; i++ {
			_, err = f.bookings.VerifyPickupOTP(ctx, passenger, b.ID, "not-the-code")
			require.ErrorIs(t, err, domain.ErrOtpMismatch)
		}
		picked, err := f.bookings.VerifyPickupOTP(ctx, passenger, b.ID, stored.PickupOTP.Code)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPicked, picked.Status)
	})

	t.Run("RegenerateOutsideRide", func(t *testing.T) {
		b := f.advance(t, models.StatusArrived)
		_, err := f.bookings.RegenerateOTP(ctx, driver, b.ID)
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	})
}

func TestBookingService_AssignDriver(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.LifecycleConfig{})
	b, err := f.bookings.CreateBooking(ctx, passenger, newRequest())
	require.NoError(t, err)

	_, err = f.bookings.AssignDriver(ctx, passenger, b.ID, models.AccountRef{ID: "driver-1"})
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = f.bookings.AssignDriver(ctx, admin, b.ID, models.AccountRef{})
	assert.ErrorIs(t, err, domain.ErrValidation)

	first, err := f.bookings.AssignDriver(ctx, admin, b.ID, models.AccountRef{ID: "driver-1"})
	require.NoError(t, err)
	again, err := f.bookings.AssignDriver(ctx, admin, b.ID, models.AccountRef{ID: "driver-1"})
	require.NoError(t, err)
	assert.Equal(t, first.Version, again.Version)
}

func TestBookingService_ConcurrentTransitions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.LifecycleConfig{})
	b := f.advance(t, models.StatusAccepted)

	const writers = 8
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		go func() {
			_, err := f.bookings.Transition(ctx, driver, domain.TransitionRequest{BookingID: b.ID, Target: models.StatusArrived})
			errs <- err
		}()
	}

	succeeded := 0
	for i := 0; i < writers; i++ {
		err := <-errs
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrConcurrentModification), err)
	}
	assert.Equal(t, 1, succeeded)
}
