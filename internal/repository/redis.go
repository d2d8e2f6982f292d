package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ridebook/internal/config"
	"ridebook/internal/models"

	"github.com/redis/go-redis/v9"
)

const (
	viewerStatePrefix = "viewer_state:"
	rateLimitPrefix   = "rate_limit:"
)

type RedisStateRepository struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClient создает новый клиент Redis на основе конфигурации
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

func NewRedisStateRepository(client *redis.Client, ttl time.Duration) *RedisStateRepository {
	if ttl <= 0 {
		ttl = models.DefaultRedisTTL
	}
	return &RedisStateRepository{
		client: client,
		ttl:    ttl,
	}
}

func viewerKey(viewerID, bookingID string) string {
	return viewerStatePrefix + viewerID + ":" + bookingID
}

func (r *RedisStateRepository) GetViewerState(ctx context.Context, viewerID, bookingID string) (*models.ViewerState, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	val, err := r.client.Get(ctx, viewerKey(viewerID, bookingID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get viewer state from redis: %w", err)
	}

	var state models.ViewerState
	if err := json.Unmarshal([]byte(val), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal viewer state: %w", err)
	}
	return &state, nil
}

func (r *RedisStateRepository) SetViewerState(ctx context.Context, state *models.ViewerState) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal viewer state: %w", err)
	}
	if err := r.client.Set(ctx, viewerKey(state.ViewerID, state.BookingID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set viewer state in redis: %w", err)
	}
	return nil
}

func (r *RedisStateRepository) ClearViewerState(ctx context.Context, viewerID, bookingID string) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := r.client.Del(ctx, viewerKey(viewerID, bookingID)).Err(); err != nil {
		return fmt.Errorf("failed to delete viewer state from redis: %w", err)
	}
	return nil
}

// CheckRateLimit is a fixed-window counter keyed by an arbitrary string.
func (r *RedisStateRepository) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if r.client == nil {
		return false, fmt.Errorf("redis client is nil")
	}
	redisKey := rateLimitPrefix + key
	count, err := r.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, fmt.Errorf("failed to increment rate limit: %w", err)
	}
	if count == 1 {
		r.client.Expire(ctx, redisKey, window)
	}
	return count <= int64(limit), nil
}

// Ping проверяет соединение с Redis
func Ping(ctx context.Context, client *redis.Client) error {
	if _, err := client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close закрывает соединение с Redis
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
