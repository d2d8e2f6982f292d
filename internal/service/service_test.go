package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"ridebook/internal/config"
	"ridebook/internal/database"
	"ridebook/internal/domain"
	"ridebook/internal/events"
	"ridebook/internal/gateway"
	"ridebook/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testGatewaySecret = "gw-secret"

var (
	passenger = domain.Actor{ID: "user-1", Role: models.RolePassenger}
	stranger  = domain.Actor{ID: "user-2", Role: models.RolePassenger}
	driver    = domain.Actor{ID: "driver-1", Role: models.RoleDriver}
	admin     = domain.Actor{ID: "admin-1", Role: models.RoleAdmin}
)

type mockSyncWorker struct {
	mock.Mock
}

func (m *mockSyncWorker) EnqueueTask(ctx context.Context, taskType, bookingID string, booking *models.Booking, status string) error {
	return m.Called(ctx, taskType, bookingID, booking, status).Error(0)
}

type recorder struct {
	mu     sync.Mutex
	events []*events.Event
}

func (r *recorder) handle(e *events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

type fixture struct {
	db       *database.DB
	sync     *mockSyncWorker
	recorder *recorder
	bookings *BookingService
	payments *PaymentService
	reviews  *ReviewService
}

func newFixture(t *testing.T, lifecycle config.LifecycleConfig) *fixture {
	t.Helper()

	logger := zerolog.Nop()
	db, err := database.NewDB(":memory:", &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	rec := &recorder{}
	bus := events.NewEventBus(&logger)
	bus.Subscribe(rec.handle, events.BookingEvents...)
	bus.Subscribe(rec.handle, events.EventReviewSubmitted)

	worker := new(mockSyncWorker)
	worker.On("EnqueueTask", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

	return &fixture{
		db:       db,
		sync:     worker,
		recorder: rec,
		bookings: NewBookingService(db, bus, worker, lifecycle, &logger),
		payments: NewPaymentService(db, db, gateway.NewLocal(testGatewaySecret), bus, worker, "INR", &logger),
		reviews:  NewReviewService(db, db, bus, &logger),
	}
}

func newRequest() *domain.CreateBookingRequest {
	return &domain.CreateBookingRequest{
		ServiceType:     models.ServiceCar,
		User:            models.AccountRef{ID: "user-1", Name: "Asha"},
		Passengers:      models.Passengers{Adults: 2, Children: 1},
		PickupLocation:  "Terminal 2",
		DropoffLocation: "Hotel Lotus",
		Payment:         models.Payment{Amount: 45000, Currency: "INR", Method: models.MethodCashAtDrop},
	}
}

// advance walks a booking created by passenger up to the target status.
func (f *fixture) advance(t *testing.T, target models.Status) *models.Booking {
	t.Helper()
	ctx := context.Background()

	b, err := f.bookings.CreateBooking(ctx, passenger, newRequest())
	require.NoError(t, err)
	b, err = f.bookings.AssignDriver(ctx, admin, b.ID, models.AccountRef{ID: "driver-1", Name: "Ravi"})
	require.NoError(t, err)

	steps := []struct {
		actor domain.Actor
		to    models.Status
	}{
		{admin, models.StatusConfirmed},
		{admin, models.StatusAccepted},
		{driver, models.StatusArrived},
		{driver, models.StatusInProgress},
		{driver, models.StatusPicked},
		{driver, models.StatusCompleted},
	}
	for _, step := range steps {
		if b.Status == target {
			break
		}
		req := domain.TransitionRequest{BookingID: b.ID, Target: step.to}
		if step.to == models.StatusPicked {
			req.OTP = b.PickupOTP.Code
		}
		b, err = f.bookings.Transition(ctx, step.actor, req)
		require.NoError(t, err)
	}
	require.Equal(t, target, b.Status)
	return b
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}
