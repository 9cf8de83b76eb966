package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore stores idempotency records as JSON values with native Redis
// TTLs, so CleanupExpired has nothing to scan.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStore creates a Redis-backed store. The prefix namespaces keys;
// empty defaults to "relaykit:idem:".
func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "relaykit:idem:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) redisKey(key string) string {
	return s.keyPrefix + key
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	data, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency: redis get: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("idempotency: decode record: %w", err)
	}
	return &rec, nil
}

func (s *RedisStore) store(ctx context.Context, rec *Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("idempotency: encode record: %w", err)
	}
	if err := s.client.Set(ctx, s.redisKey(rec.Key), data, ttl).Err(); err != nil {
		return fmt.Errorf("idempotency: redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) StoreSuccess(ctx context.Context, key string, value any, ttl time.Duration) error {
	now := time.Now().UTC()
	return s.store(ctx, &Record{
		Key:        key,
		Success:    true,
		Value:      value,
		RecordedAt: now,
		ExpiresAt:  now.Add(ttl),
	}, ttl)
}

func (s *RedisStore) StoreFailure(ctx context.Context, key string, kind, message string, ttl time.Duration) error {
	now := time.Now().UTC()
	return s.store(ctx, &Record{
		Key:            key,
		Success:        false,
		FailureKind:    kind,
		FailureMessage: message,
		RecordedAt:     now,
		ExpiresAt:      now.Add(ttl),
	}, ttl)
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.redisKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency: redis exists: %w", err)
	}
	return n > 0, nil
}

// CleanupExpired is a no-op: Redis evicts keys by TTL.
func (s *RedisStore) CleanupExpired(context.Context) (int64, error) {
	return 0, nil
}
