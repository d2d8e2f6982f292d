package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"ridebook/internal/domain"
	"ridebook/internal/models"

	"github.com/rs/zerolog"
)

const recoveryInterval = time.Minute

// FailoverStateRepository serves from primary until it errors, then from fallback.
// Reads probe the primary again once recoveryInterval has passed.
type FailoverStateRepository struct {
	primary  domain.ViewerStateRepository
	fallback domain.ViewerStateRepository
	logger   *zerolog.Logger
	isDown   atomic.Bool

	mu        sync.Mutex
	lastCheck time.Time
}

func NewFailoverStateRepository(primary, fallback domain.ViewerStateRepository, logger *zerolog.Logger) *FailoverStateRepository {
	return &FailoverStateRepository{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

func (r *FailoverStateRepository) markDown(err error) {
	if !r.isDown.Swap(true) {
		r.logger.Error().Err(err).Msg("Primary state repository failed, falling back to memory")
	}
	r.mu.Lock()
	r.lastCheck = time.Now()
	r.mu.Unlock()
}

func (r *FailoverStateRepository) shouldProbe() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if time.Since(r.lastCheck) <= recoveryInterval {
		return false
	}
	r.lastCheck = time.Now()
	return true
}

func (r *FailoverStateRepository) GetViewerState(ctx context.Context, viewerID, bookingID string) (*models.ViewerState, error) {
	if !r.isDown.Load() {
		state, err := r.primary.GetViewerState(ctx, viewerID, bookingID)
		if err == nil {
			return state, nil
		}
		r.markDown(err)
	} else if r.shouldProbe() {
		state, err := r.primary.GetViewerState(ctx, viewerID, bookingID)
		if err == nil {
			r.isDown.Store(false)
			r.logger.Info().Msg("Primary state repository recovered")
			return state, nil
		}
	}

	return r.fallback.GetViewerState(ctx, viewerID, bookingID)
}

func (r *FailoverStateRepository) SetViewerState(ctx context.Context, state *models.ViewerState) error {
	if !r.isDown.Load() {
		err := r.primary.SetViewerState(ctx, state)
		if err == nil {
			return nil
		}
		r.markDown(err)
	}
	return r.fallback.SetViewerState(ctx, state)
}

func (r *FailoverStateRepository) ClearViewerState(ctx context.Context, viewerID, bookingID string) error {
	if !r.isDown.Load() {
		err := r.primary.ClearViewerState(ctx, viewerID, bookingID)
		if err == nil {
			return nil
		}
		r.markDown(err)
	}
	return r.fallback.ClearViewerState(ctx, viewerID, bookingID)
}

func (r *FailoverStateRepository) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if !r.isDown.Load() {
		allowed, err := r.primary.CheckRateLimit(ctx, key, limit, window)
		if err == nil {
			return allowed, nil
		}
		r.markDown(err)
	}
	return r.fallback.CheckRateLimit(ctx, key, limit, window)
}
