package opalmind

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisIdempotencyStore is the durable IdempotencyStore backend. Records are
// stored as JSON with the retention applied as the Redis key TTL, so expiry
// is handled server-side and the store needs no sweeping.
//
// Outcomes survive the JSON round trip as decoded JSON values (maps, slices,
// strings, float64); callers that need richer types should store
// wire-friendly outcomes.
type RedisIdempotencyStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
	logger    Logger
}

// RedisStoreOption configures a RedisIdempotencyStore.
type RedisStoreOption func(*RedisIdempotencyStore)

// WithRedisPrefix overrides the key prefix (default "opalmind:idem:").
func WithRedisPrefix(prefix string) RedisStoreOption {
	return func(s *RedisIdempotencyStore) {
		s.prefix = prefix
	}
}

// WithRedisRetention overrides how long records are kept (default 24h).
func WithRedisRetention(retention time.Duration) RedisStoreOption {
	return func(s *RedisIdempotencyStore) {
		s.retention = retention
	}
}

// WithRedisLogger sets the logger used for store diagnostics.
func WithRedisLogger(logger Logger) RedisStoreOption {
	return func(s *RedisIdempotencyStore) {
		s.logger = logger
	}
}

// NewRedisIdempotencyStore wraps an existing Redis client. The caller owns
// the client's lifecycle.
func NewRedisIdempotencyStore(client *redis.Client, opts ...RedisStoreOption) *RedisIdempotencyStore {
	s := &RedisIdempotencyStore{
		client:    client,
		prefix:    "opalmind:idem:",
		retention: 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type redisIdemRecord struct {
	Outcome      interface{} `json:"outcome"`
	AttemptCount int         `json:"attempt_count"`
	CompletedAt  time.Time   `json:"completed_at"`
}

func (s *RedisIdempotencyStore) key(k string) string {
	return s.prefix + k
}

// Get implements IdempotencyStore.
func (s *RedisIdempotencyStore) Get(ctx context.Context, key string) (*IdempotencyRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, fmt.Errorf("context error before redis get: %w", err)
	}

	val, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get error: %w", err)
	}

	var stored redisIdemRecord
	if err := json.Unmarshal([]byte(val), &stored); err != nil {
		// A corrupt record is worth a warning but must not block the write:
		// treating it as absent only risks one duplicate retry.
		if s.logger != nil {
			s.logger.Warn("discarding corrupt idempotency record", "key", key, "error", err.Error())
		}
		return nil, false, nil
	}

	return &IdempotencyRecord{
		Key:          key,
		Outcome:      stored.Outcome,
		AttemptCount: stored.AttemptCount,
		CompletedAt:  stored.CompletedAt,
	}, true, nil
}

// Set implements IdempotencyStore.
func (s *RedisIdempotencyStore) Set(ctx context.Context, record *IdempotencyRecord) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error before redis set: %w", err)
	}

	payload, err := json.Marshal(redisIdemRecord{
		Outcome:      record.Outcome,
		AttemptCount: record.AttemptCount,
		CompletedAt:  record.CompletedAt,
	})
	if err != nil {
		return fmt.Errorf("encode idempotency record: %w", err)
	}

	if err := s.client.Set(ctx, s.key(record.Key), payload, s.retention).Err(); err != nil {
		return fmt.Errorf("redis set error: %w", err)
	}
	return nil
}
