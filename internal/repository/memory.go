package repository

import (
	"context"
	"sync"
	"time"

	"ridebook/internal/models"
)

type memoryEntry struct {
	state     models.ViewerState
	expiresAt time.Time
}

type rateLimitEntry struct {
	count     int
	expiresAt time.Time
}

// MemoryStateRepository keeps viewer state in process. It backs the failover
// repository while Redis is unreachable.
type MemoryStateRepository struct {
	mu         sync.Mutex
	states     map[string]memoryEntry
	rateLimits map[string]*rateLimitEntry
	ttl        time.Duration
	now        func() time.Time
}

func NewMemoryStateRepository(ttl time.Duration) *MemoryStateRepository {
	return &MemoryStateRepository{
		states:     make(map[string]memoryEntry),
		rateLimits: make(map[string]*rateLimitEntry),
		ttl:        ttl,
		now:        time.Now,
	}
}

func (r *MemoryStateRepository) GetViewerState(_ context.Context, viewerID, bookingID string) (*models.ViewerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := viewerKey(viewerID, bookingID)
	entry, ok := r.states[key]
	if !ok {
		return nil, nil
	}
	if !entry.expiresAt.IsZero() && r.now().After(entry.expiresAt) {
		delete(r.states, key)
		return nil, nil
	}
	state := entry.state
	return &state, nil
}

func (r *MemoryStateRepository) SetViewerState(_ context.Context, state *models.ViewerState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := memoryEntry{state: *state}
	if r.ttl > 0 {
		entry.expiresAt = r.now().Add(r.ttl)
	}
	r.states[viewerKey(state.ViewerID, state.BookingID)] = entry
	return nil
}

func (r *MemoryStateRepository) ClearViewerState(_ context.Context, viewerID, bookingID string) error {
	r.mu.Lock()
	delete(r.states, viewerKey(viewerID, bookingID))
	r.mu.Unlock()
	return nil
}

func (r *MemoryStateRepository) CheckRateLimit(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	entry, ok := r.rateLimits[key]
	if !ok || now.After(entry.expiresAt) {
		entry = &rateLimitEntry{expiresAt: now.Add(window)}
		r.rateLimits[key] = entry
	}
	entry.count++
	return entry.count <= limit, nil
}
