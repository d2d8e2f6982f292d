package syncclient

import (
	"context"
	"sync"
	"time"

	"ridebook/internal/domain"
	"ridebook/internal/logging"
	"ridebook/internal/models"

	"github.com/rs/zerolog"
)

// StateStore remembers what a viewer has already shown. *service.ViewerStateService implements it.
type StateStore interface {
	Load(ctx context.Context, viewerID, bookingID string) (*models.ViewerState, error)
	MarkOTPShown(ctx context.Context, viewerID, bookingID string, generatedAt time.Time) error
	MarkReviewPrompted(ctx context.Context, viewerID, bookingID string) error
}

// EligibilityChecker asks the server whether a review may be left.
type EligibilityChecker interface {
	ReviewEligibility(ctx context.Context, bookingID string) (*domain.Eligibility, error)
}

// OTPGate displays each pickup code generation exactly once per viewer.
type OTPGate struct {
	state    StateStore
	viewerID string
	display  func(bookingID, code string)
	logger   *zerolog.Logger

	mu    sync.Mutex
	shown map[string]*models.ViewerState
}

func NewOTPGate(state StateStore, viewerID string, display func(bookingID, code string), logger *zerolog.Logger) *OTPGate {
	return &OTPGate{
		state:    state,
		viewerID: viewerID,
		display:  display,
		logger:   logging.Component(logger, "otp_gate"),
		shown:    make(map[string]*models.ViewerState),
	}
}

// Observe shows the code carried by booking if its generation is newer than the
// last one this viewer displayed. It reports whether the code was shown.
func (g *OTPGate) Observe(ctx context.Context, booking *models.Booking) bool {
	if booking == nil || booking.Status != models.StatusInProgress || booking.PickupOTP == nil {
		return false
	}
	otp := booking.PickupOTP
	if otp.Verified() || otp.Code == "" {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	st := g.load(ctx, booking.ID)
	if !st.ShouldShowOTP(otp.GeneratedAt) {
		return false
	}
	st.LastOTPShown = otp.GeneratedAt

	if g.state != nil {
		if err := g.state.MarkOTPShown(ctx, g.viewerID, booking.ID, otp.GeneratedAt); err != nil {
			g.logger.Warn().Err(err).Str("booking_id", booking.ID).Msg("failed to persist otp marker")
		}
	}
	if g.display != nil {
		g.display(booking.ID, otp.Code)
	}
	return true
}

func (g *OTPGate) load(ctx context.Context, bookingID string) *models.ViewerState {
	if st, ok := g.shown[bookingID]; ok {
		return st
	}
	st := &models.ViewerState{ViewerID: g.viewerID, BookingID: bookingID}
	if g.state != nil {
		stored, err := g.state.Load(ctx, g.viewerID, bookingID)
		if err != nil {
			g.logger.Warn().Err(err).Str("booking_id", bookingID).Msg("failed to load viewer state")
		} else if stored != nil {
			st = stored
		}
	}
	g.shown[bookingID] = st
	return st
}

// ReviewGate fires the review prompt once per booking, a short delay after the
// viewer first sees the ride completed and paid.
type ReviewGate struct {
	checker  EligibilityChecker
	state    StateStore
	viewerID string
	delay    time.Duration
	timeout  time.Duration
	prompt   func(booking *models.Booking)
	logger   *zerolog.Logger

	mu      sync.Mutex
	fired   map[string]bool
	pending map[string]*time.Timer
	closed  bool
}

type ReviewGateOptions struct {
	ViewerID       string
	Delay          time.Duration
	RequestTimeout time.Duration
}

func NewReviewGate(
	checker EligibilityChecker,
	state StateStore,
	opts ReviewGateOptions,
	prompt func(booking *models.Booking),
	logger *zerolog.Logger,
) *ReviewGate {
	if opts.Delay <= 0 {
		opts.Delay = models.DefaultReviewPromptDelay
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = models.DefaultRequestTimeout
	}
	return &ReviewGate{
		checker:  checker,
		state:    state,
		viewerID: opts.ViewerID,
		delay:    opts.Delay,
		timeout:  opts.RequestTimeout,
		prompt:   prompt,
		logger:   logging.Component(logger, "review_gate"),
		fired:    make(map[string]bool),
		pending:  make(map[string]*time.Timer),
	}
}

// Observe schedules the prompt when booking is completed and paid. It reports
// whether a prompt was scheduled by this call.
func (g *ReviewGate) Observe(ctx context.Context, booking *models.Booking) bool {
	if booking == nil || !booking.ReviewEligible() {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || g.fired[booking.ID] || g.pending[booking.ID] != nil {
		return false
	}
	if g.state != nil {
		st, err := g.state.Load(ctx, g.viewerID, booking.ID)
		if err == nil && st.ReviewPrompted {
			g.fired[booking.ID] = true
			return false
		}
	}

	snapshot := booking.Clone()
	g.pending[booking.ID] = time.AfterFunc(g.delay, func() { g.fire(snapshot) })
	return true
}

func (g *ReviewGate) fire(booking *models.Booking) {
	if g.checker != nil {
		ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
		eligibility, err := g.checker.ReviewEligibility(ctx, booking.ID)
		cancel()
		if err != nil || !eligibility.Eligible {
			g.mu.Lock()
			delete(g.pending, booking.ID)
			// a review already left means the prompt is never needed again
			if err == nil && eligibility.Reason == "already_reviewed" {
				g.fired[booking.ID] = true
			}
			g.mu.Unlock()
			if err != nil {
				g.logger.Warn().Err(err).Str("booking_id", booking.ID).Msg("eligibility check failed")
			}
			return
		}
	}

	g.mu.Lock()
	delete(g.pending, booking.ID)
	if g.closed || g.fired[booking.ID] {
		g.mu.Unlock()
		return
	}
	g.fired[booking.ID] = true
	g.mu.Unlock()

	if g.state != nil {
		ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
		if err := g.state.MarkReviewPrompted(ctx, g.viewerID, booking.ID); err != nil {
			g.logger.Warn().Err(err).Str("booking_id", booking.ID).Msg("failed to persist review prompt")
		}
		cancel()
	}
	g.logger.Info().Str("booking_id", booking.ID).Msg("review prompt")
	if g.prompt != nil {
		g.prompt(booking)
	}
}

// Stop cancels scheduled prompts.
func (g *ReviewGate) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	for id, t := range g.pending {
		t.Stop()
		delete(g.pending, id)
	}
}
