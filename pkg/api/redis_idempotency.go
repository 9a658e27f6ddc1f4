package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisIdempotencyStore provides durable idempotency enforcement backed by
// Redis. Replaces the volatile MemoryIdempotencyStore when multiple replicas
// serve the same API.
type RedisIdempotencyStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisIdempotencyStore creates a new Redis-backed idempotency store.
func NewRedisIdempotencyStore(client *redis.Client, ttl time.Duration) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client, ttl: ttl}
}

func redisIdemKey(key string) string {
	return "veritrail:idem:" + key
}

// Check returns a cached response if the idempotency key was seen before.
// TTL expiry is delegated to Redis.
func (s *RedisIdempotencyStore) Check(key string) (*cachedResponse, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	raw, err := s.client.Get(ctx, redisIdemKey(key)).Bytes()
	if err != nil {
		// redis.Nil means miss; any other error degrades to a miss as well,
		// which is safe: the request is processed again.
		return nil, false
	}

	var cached cachedResponse
	if err := json.Unmarshal(raw, &cached); err != nil {
		return nil, false
	}
	return &cached, true
}

// Set stores an idempotency key and its response with the configured TTL.
func (s *RedisIdempotencyStore) Set(key string, statusCode int, headers http.Header, body []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	raw, err := json.Marshal(&cachedResponse{
		StatusCode: statusCode,
		Headers:    headers,
		Body:       body,
		CachedAt:   time.Now(),
	})
	if err != nil {
		slog.Warn("idempotency: marshal cached response", "key", key, "error", err)
		return
	}
	if err := s.client.Set(ctx, redisIdemKey(key), raw, s.ttl).Err(); err != nil {
		// Log but don't fail; idempotency caching is best effort.
		slog.Warn("idempotency: set key", "key", key, "error", err)
	}
}
