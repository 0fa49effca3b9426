package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces idempotency keys in Redis.
const DefaultRedisPrefix = "cellcore:idem:"

// RedisStore keeps keys in Redis with native expiry, so Sweep is a no-op.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a store using client. An empty prefix uses
// DefaultRedisPrefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, hashKey string) (*Key, error) {
	data, err := s.client.Get(ctx, s.prefix+hashKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get idempotency key: %w", err)
	}

	var k Key
	if err := json.Unmarshal(data, &k); err != nil {
		return nil, fmt.Errorf("decode idempotency key: %w", err)
	}
	return &k, nil
}

// remaining is how long key stays live in Redis, measured from now.
func remaining(key Key, now time.Time) time.Duration {
	return key.ExpiresAt().Sub(now)
}

// Put implements Store using SET NX with the key's remaining lifetime.
// A key that has already expired is not written.
func (s *RedisStore) Put(ctx context.Context, key Key) error {
	now := time.Now().UTC()
	key = key.normalize(now)
	ttl := remaining(key, now)
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("encode idempotency key: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.prefix+key.HashKey, data, ttl).Result()
	if err != nil {
		return fmt.Errorf("redis put idempotency key: %w", err)
	}
	if !ok {
		return ErrKeyExists
	}
	return nil
}

// Complete implements Store with a plain SET, overwriting any reservation.
func (s *RedisStore) Complete(ctx context.Context, key Key) error {
	now := time.Now().UTC()
	key = key.normalize(now)
	ttl := remaining(key, now)
	if ttl <= 0 {
		return s.Delete(ctx, key.HashKey)
	}
	data, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("encode idempotency key: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+key.HashKey, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis complete idempotency key: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, hashKey string) error {
	if err := s.client.Del(ctx, s.prefix+hashKey).Err(); err != nil {
		return fmt.Errorf("redis delete idempotency key: %w", err)
	}
	return nil
}

// Sweep implements Store. Redis expires keys itself.
func (s *RedisStore) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}
