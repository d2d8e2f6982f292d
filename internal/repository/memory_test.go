package repository

import (
	"context"
	"testing"
	"time"

	"ridebook/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStateRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryStateRepository(time.Hour)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return now }

	t.Run("SetAndGet", func(t *testing.T) {
		state := &models.ViewerState{ViewerID: "v1", BookingID: "b1", ReviewPrompted: true}
		require.NoError(t, repo.SetViewerState(ctx, state))

		// Stored copies are detached from the caller.
		state.ReviewPrompted = false
		got, err := repo.GetViewerState(ctx, "v1", "b1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, got.ReviewPrompted)
	})

	t.Run("Expiry", func(t *testing.T) {
		require.NoError(t, repo.SetViewerState(ctx, &models.ViewerState{ViewerID: "v2", BookingID: "b2"}))
		now = now.Add(2 * time.Hour)
		got, err := repo.GetViewerState(ctx, "v2", "b2")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("Clear", func(t *testing.T) {
		require.NoError(t, repo.SetViewerState(ctx, &models.ViewerState{ViewerID: "v3", BookingID: "b3"}))
		require.NoError(t, repo.ClearViewerState(ctx, "v3", "b3"))
		got, _ := repo.GetViewerState(ctx, "v3", "b3")
		assert.Nil(t, got)
	})

	t.Run("RateLimit", func(t *testing.T) {
		ok, _ := repo.CheckRateLimit(ctx, "k", 2, time.Minute)
		assert.True(t, ok)
		ok, _ = repo.CheckRateLimit(ctx, "k", 2, time.Minute)
		assert.True(t, ok)
		ok, _ = repo.CheckRateLimit(ctx, "k", 2, time.Minute)
		assert.False(t, ok)

		now = now.Add(2 * time.Minute)
		ok, _ = repo.CheckRateLimit(ctx, "k", 2, time.Minute)
		assert.True(t, ok)
	})
}
