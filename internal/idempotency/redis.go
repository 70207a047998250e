package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces idempotency keys.
const DefaultRedisPrefix = "idempotency"

// RedisStore implements Store on Redis strings. Reservation is a single
// SET NX, so concurrent first requests have exactly one winner; expiry is
// left to Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed idempotency store.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(k string) string {
	return s.prefix + ":" + k
}

// Reserve stores rec with SET NX. On conflict the existing record is returned.
func (s *RedisStore) Reserve(ctx context.Context, rec *Record, ttl time.Duration) (*Record, error) {
	if err := ValidateKey(rec.Key); err != nil {
		return nil, err
	}

	now := time.Now()
	rec.Status = StatusProcessing
	rec.CreatedAt = now
	rec.ExpiresAt = now.Add(ttl)
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode idempotency record: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.key(rec.Key), data, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if ok {
		return nil, nil
	}

	existing, err := s.Get(ctx, rec.Key)
	if errors.Is(err, ErrKeyNotFound) {
		// Expired between SETNX and GET; the next attempt will win.
		return &Record{Key: rec.Key, Method: rec.Method, Route: rec.Route, Status: StatusProcessing}, nil
	}
	return existing, err
}

// Complete overwrites the reservation with the final response.
func (s *RedisStore) Complete(ctx context.Context, rec *Record, ttl time.Duration) error {
	if err := ValidateKey(rec.Key); err != nil {
		return err
	}

	now := time.Now()
	rec.Status = StatusCompleted
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.ExpiresAt = now.Add(ttl)
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode idempotency record: %w", err)
	}
	if err := s.client.Set(ctx, s.key(rec.Key), data, ttl).Err(); err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	return nil
}

// Release deletes the key.
func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// Get returns the stored record or ErrKeyNotFound.
func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency key: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode idempotency record: %w", err)
	}
	return &rec, nil
}
