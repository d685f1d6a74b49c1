package kv

import (
	"context"
	"errors"

	"github.com/iceos-ai/iceos/common/redis"
)

// RedisStore adapts the common Redis client to the Store interface.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed Store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key)
	if errors.Is(err, redis.ErrNotFound) {
		return "", ErrNotFound
	}
	return val, err
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	return s.client.Set(ctx, key, value, 0)
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.client.Delete(ctx, keys...)
}

func (s *RedisStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	return s.client.ScanKeys(ctx, pattern)
}

func (s *RedisStore) CheckAndSet(ctx context.Context, valueKey, lockKey, expectedLock, newLock, value string) (bool, error) {
	return s.client.CheckAndSet(ctx, valueKey, lockKey, expectedLock, newLock, value)
}
