package service

import (
	"context"
	"time"

	"ridebook/internal/domain"
	"ridebook/internal/models"

	"github.com/rs/zerolog"
)

// ViewerStateService keeps per-viewer display memory: which OTP generation was shown
// and whether the review prompt already appeared.
type ViewerStateService struct {
	repo   domain.ViewerStateRepository
	logger *zerolog.Logger
}

func NewViewerStateService(repo domain.ViewerStateRepository, logger *zerolog.Logger) *ViewerStateService {
	return &ViewerStateService{
		repo:   repo,
		logger: logger,
	}
}

// Load returns the stored state or a fresh one when nothing is stored.
func (s *ViewerStateService) Load(ctx context.Context, viewerID, bookingID string) (*models.ViewerState, error) {
	state, err := s.repo.GetViewerState(ctx, viewerID, bookingID)
	if err != nil {
		s.logger.Error().Err(err).Str("viewer_id", viewerID).Str("booking_id", bookingID).Msg("failed to get viewer state")
		return nil, err
	}
	if state == nil {
		state = &models.ViewerState{ViewerID: viewerID, BookingID: bookingID}
	}
	return state, nil
}

// MarkOTPShown remembers the OTP generation as displayed. Older generations are ignored.
func (s *ViewerStateService) MarkOTPShown(ctx context.Context, viewerID, bookingID string, generatedAt time.Time) error {
	state, err := s.Load(ctx, viewerID, bookingID)
	if err != nil {
		return err
	}
	if !state.ShouldShowOTP(generatedAt) {
		return nil
	}
	state.LastOTPShown = generatedAt
	state.UpdatedAt = time.Now().UTC()
	return s.repo.SetViewerState(ctx, state)
}

func (s *ViewerStateService) MarkReviewPrompted(ctx context.Context, viewerID, bookingID string) error {
	state, err := s.Load(ctx, viewerID, bookingID)
	if err != nil {
		return err
	}
	if state.ReviewPrompted {
		return nil
	}
	state.ReviewPrompted = true
	state.UpdatedAt = time.Now().UTC()
	return s.repo.SetViewerState(ctx, state)
}

func (s *ViewerStateService) Clear(ctx context.Context, viewerID, bookingID string) error {
	return s.repo.ClearViewerState(ctx, viewerID, bookingID)
}

// Allow counts an attempt against key and reports whether it fits in the window.
// Storage errors let the attempt through.
func (s *ViewerStateService) Allow(ctx context.Context, key string, limit int, window time.Duration) bool {
	ok, err := s.repo.CheckRateLimit(ctx, key, limit, window)
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("rate limit check failed")
		return true
	}
	return ok
}
