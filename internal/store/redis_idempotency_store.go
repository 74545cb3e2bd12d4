package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisIdempotencyStore implements IdempotencyStore on Redis.
type RedisIdempotencyStore struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisIdempotencyStore creates a Redis idempotency store.
func NewRedisIdempotencyStore(host string, port int, password string, db int, logger *zap.Logger) (*RedisIdempotencyStore, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisIdempotencyStore{client: client, logger: logger}, nil
}

// Get retrieves a cached response.
func (s *RedisIdempotencyStore) Get(ctx context.Context, key string) (string, error) {
	value, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// Set caches a response with a TTL.
func (s *RedisIdempotencyStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

// Delete removes a cached response.
func (s *RedisIdempotencyStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

// Ping checks Redis connectivity.
func (s *RedisIdempotencyStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (s *RedisIdempotencyStore) Close() error {
	return s.client.Close()
}
