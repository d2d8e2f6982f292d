package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"ridebook/internal/domain"
	"ridebook/internal/logging"
	"ridebook/internal/metrics"
	"ridebook/internal/models"
	"ridebook/internal/push"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var ErrNotAttached = errors.New("viewer is not attached to a booking")

// BookingAPI is the part of the booking API a viewer drives. *Client implements it.
type BookingAPI interface {
	GetBooking(ctx context.Context, id string) (*models.Booking, error)
	Transition(ctx context.Context, id string, status models.Status, otp string) (*models.Booking, error)
	VerifyPickupOTP(ctx context.Context, id, code string) (*models.Booking, error)
	RegenerateOTP(ctx context.Context, id string) (*models.Booking, error)
	UpdatePayment(ctx context.Context, id, method string, status models.PaymentStatus) (*models.Booking, error)
	VerifyPayment(ctx context.Context, req *domain.VerifyPaymentRequest) (*models.Booking, error)
	SubmitReview(ctx context.Context, req *domain.ReviewRequest) (*models.Review, error)
}

// PushSource locates the websocket stream of a booking.
type PushSource interface {
	StreamURL(id string) string
	Headers() http.Header
}

type ViewerOptions struct {
	PollInterval   time.Duration
	RequestTimeout time.Duration
}

// Viewer keeps one booking snapshot fresh by polling and, optionally, by push.
// A snapshot is applied only when its version is not older than the local one.
type Viewer struct {
	api      BookingAPI
	interval time.Duration
	timeout  time.Duration
	logger   *zerolog.Logger

	mu         sync.Mutex
	bookingID  string
	current    *models.Booking
	generation uint64
	stopped    bool
	listeners  []func(*models.Booking)

	inFlight atomic.Bool

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewViewer(api BookingAPI, opts ViewerOptions, logger *zerolog.Logger) *Viewer {
	if opts.PollInterval <= 0 {
		opts.PollInterval = models.DefaultPollInterval
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = models.DefaultRequestTimeout
	}
	return &Viewer{
		api:      api,
		interval: opts.PollInterval,
		timeout:  opts.RequestTimeout,
		logger:   logging.Component(logger, "viewer"),
	}
}

// Attach points the viewer at a booking and drops the previous snapshot.
func (v *Viewer) Attach(bookingID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.bookingID = bookingID
	v.current = nil
	v.generation++
	v.stopped = false
}

func (v *Viewer) BookingID() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.bookingID
}

// Snapshot returns a copy of the latest applied booking, or nil.
func (v *Viewer) Snapshot() *models.Booking {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current.Clone()
}

// OnUpdate registers fn to be called with every newer snapshot.
func (v *Viewer) OnUpdate(fn func(*models.Booking)) {
	v.mu.Lock()
	v.listeners = append(v.listeners, fn)
	v.mu.Unlock()
}

// Start polls immediately and then on every interval until Stop or ctx is done.
func (v *Viewer) Start(ctx context.Context) {
	v.runMu.Lock()
	defer v.runMu.Unlock()
	if v.cancel != nil {
		return
	}

	v.mu.Lock()
	v.stopped = false
	v.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	v.cancel = cancel
	v.done = make(chan struct{})
	go v.run(ctx, v.done)
}

// Stop halts polling. Responses that arrive afterwards are discarded.
func (v *Viewer) Stop() {
	v.mu.Lock()
	v.stopped = true
	v.generation++
	v.mu.Unlock()

	v.runMu.Lock()
	defer v.runMu.Unlock()
	if v.cancel == nil {
		return
	}
	v.cancel()
	<-v.done
	v.cancel = nil
	v.done = nil
}

func (v *Viewer) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()

	v.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.tick(ctx)
		}
	}
}

func (v *Viewer) tick(ctx context.Context) {
	if err := v.Poll(ctx); err != nil && ctx.Err() == nil {
		v.logger.Warn().Err(err).Str("booking_id", v.BookingID()).Msg("poll failed")
	}
}

// Poll fetches the booking once. An unattached viewer does nothing.
func (v *Viewer) Poll(ctx context.Context) error {
	id, gen, ok := v.target()
	if !ok {
		metrics.IncViewerPoll("idle")
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	booking, err := v.api.GetBooking(ctx, id)
	if err != nil {
		metrics.IncViewerPoll("error")
		return err
	}
	if v.apply(gen, booking) {
		metrics.IncViewerPoll("applied")
	} else {
		metrics.IncViewerPoll("stale")
	}
	return nil
}

// Subscribe streams pushed snapshots into the viewer until ctx is done or the
// connection drops. Polling keeps running independently.
func (v *Viewer) Subscribe(ctx context.Context, src PushSource) error {
	id, gen, ok := v.target()
	if !ok {
		return ErrNotAttached
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, src.StreamURL(id), src.Headers())
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		var msg push.Message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Booking == nil {
			continue
		}
		v.logger.Debug().Str("booking_id", id).Str("type", msg.Type).Int64("version", msg.Booking.Version).Msg("push received")
		v.apply(gen, msg.Booking)
	}
}

func (v *Viewer) target() (string, uint64, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.bookingID == "" || v.stopped {
		return "", 0, false
	}
	return v.bookingID, v.generation, true
}

// apply installs booking if it belongs to the current attachment and is not older
// than the local snapshot. Listeners see only snapshots with a newer version.
func (v *Viewer) apply(gen uint64, booking *models.Booking) bool {
	if booking == nil {
		return false
	}

	v.mu.Lock()
	if v.stopped || gen != v.generation || booking.ID != v.bookingID {
		v.mu.Unlock()
		return false
	}
	if v.current != nil && booking.Version < v.current.Version {
		v.mu.Unlock()
		return false
	}
	newer := v.current == nil || booking.Version > v.current.Version
	v.current = booking.Clone()
	listeners := slices.Clone(v.listeners)
	v.mu.Unlock()

	if newer {
		for _, fn := range listeners {
			fn(booking.Clone())
		}
	}
	return true
}

// exclusive runs one mutation at a time; a concurrent call fails fast.
func (v *Viewer) exclusive(ctx context.Context, fn func(ctx context.Context, id string, gen uint64) error) error {
	if !v.inFlight.CompareAndSwap(false, true) {
		return domain.ErrMutationInFlight
	}
	defer v.inFlight.Store(false)

	id, gen, ok := v.target()
	if !ok {
		return ErrNotAttached
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	return fn(ctx, id, gen)
}

func (v *Viewer) mutate(ctx context.Context, op string, call func(ctx context.Context, id string) (*models.Booking, error)) (*models.Booking, error) {
	var out *models.Booking
	err := v.exclusive(ctx, func(ctx context.Context, id string, gen uint64) error {
		booking, err := call(ctx, id)
		if err != nil {
			return err
		}
		v.apply(gen, booking)
		out = booking
		return nil
	})
	if err != nil {
		if !errors.Is(err, domain.ErrMutationInFlight) {
			v.logger.Warn().Err(err).Str("op", op).Str("booking_id", v.BookingID()).Msg("mutation failed")
		}
		return nil, err
	}
	return out, nil
}

func (v *Viewer) Transition(ctx context.Context, status models.Status, otp string) (*models.Booking, error) {
	return v.mutate(ctx, "transition", func(ctx context.Context, id string) (*models.Booking, error) {
		return v.api.Transition(ctx, id, status, otp)
	})
}

// VerifyPickupOTP confirms pickup with the code the passenger read out.
func (v *Viewer) VerifyPickupOTP(ctx context.Context, code string) (*models.Booking, error) {
	return v.mutate(ctx, "verify_otp", func(ctx context.Context, id string) (*models.Booking, error) {
		return v.api.VerifyPickupOTP(ctx, id, code)
	})
}

func (v *Viewer) RegenerateOTP(ctx context.Context) (*models.Booking, error) {
	return v.mutate(ctx, "regenerate_otp", func(ctx context.Context, id string) (*models.Booking, error) {
		return v.api.RegenerateOTP(ctx, id)
	})
}

// ConfirmCash records cash collected at drop-off.
func (v *Viewer) ConfirmCash(ctx context.Context) (*models.Booking, error) {
	return v.mutate(ctx, "confirm_cash", func(ctx context.Context, id string) (*models.Booking, error) {
		return v.api.UpdatePayment(ctx, id, models.MethodCashAtDrop, models.PaymentCompleted)
	})
}

// VerifyPayment settles the booking with the result of a hosted checkout.
func (v *Viewer) VerifyPayment(ctx context.Context, orderID, paymentID, signature, method string) (*models.Booking, error) {
	return v.mutate(ctx, "verify_payment", func(ctx context.Context, id string) (*models.Booking, error) {
		return v.api.VerifyPayment(ctx, &domain.VerifyPaymentRequest{
			OrderID:   orderID,
			PaymentID: paymentID,
			Signature: signature,
			BookingID: id,
			Method:    method,
		})
	})
}

// SubmitReview reviews the driver of the attached booking.
func (v *Viewer) SubmitReview(ctx context.Context, rating int, comment string) (*models.Review, error) {
	var out *models.Review
	err := v.exclusive(ctx, func(ctx context.Context, id string, _ uint64) error {
		req := &domain.ReviewRequest{Rating: rating, Comment: comment, Booking: id}
		if snap := v.Snapshot(); snap != nil {
			req.Driver = snap.DriverID()
			req.User = snap.User.ID
		}
		review, err := v.api.SubmitReview(ctx, req)
		if err != nil {
			return err
		}
		out = review
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
