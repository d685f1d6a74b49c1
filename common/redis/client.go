package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Client wraps redis.Client with the operations the engine needs:
// plain KV, lock-guarded compare-and-set, counters and streams.
type Client struct {
	redis  *redis.Client
	logger Logger
}

// NewClient creates a new Redis client wrapper
func NewClient(redisClient *redis.Client, logger Logger) *Client {
	return &Client{
		redis:  redisClient,
		logger: logger,
	}
}

// GetUnderlying returns the underlying redis.Client for advanced operations
func (c *Client) GetUnderlying() *redis.Client {
	return c.redis
}

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = fmt.Errorf("redis: key not found")

// Get retrieves a value by key
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		c.logger.Error("redis GET failed", "key", key, "error", err)
		return "", fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return val, nil
}

// Set sets a key with optional expiration (0 = no expiration)
func (c *Client) Set(ctx context.Context, key, value string, expiry time.Duration) error {
	if err := c.redis.Set(ctx, key, value, expiry).Err(); err != nil {
		c.logger.Error("redis SET failed", "key", key, "error", err)
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

// Delete removes keys
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		c.logger.Error("redis DEL failed", "keys", keys, "error", err)
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	return nil
}

// ScanKeys returns all keys matching the pattern. Uses SCAN, not KEYS, so
// it is safe against production instances.
func (c *Client) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := c.redis.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		c.logger.Error("redis SCAN failed", "pattern", pattern, "error", err)
		return nil, fmt.Errorf("failed to scan %s: %w", pattern, err)
	}
	return keys, nil
}

// checkAndSetScript writes value+lock only when the stored lock matches the
// caller's expectation. An empty expected lock means "create": the write
// succeeds only if the lock key does not exist yet.
//
// KEYS[1] = value key, KEYS[2] = lock key
// ARGV[1] = expected lock ("" for create), ARGV[2] = new lock, ARGV[3] = value
var checkAndSetScript = redis.NewScript(`
local current = redis.call('GET', KEYS[2])
if ARGV[1] == '' then
  if current then return 0 end
else
  if not current or current ~= ARGV[1] then return 0 end
end
redis.call('SET', KEYS[1], ARGV[3])
redis.call('SET', KEYS[2], ARGV[2])
return 1
`)

// CheckAndSet atomically writes value under valueKey and newLock under
// lockKey iff the stored lock equals expectedLock. Returns false on a lock
// mismatch (or, for creates, when the key already exists).
func (c *Client) CheckAndSet(ctx context.Context, valueKey, lockKey, expectedLock, newLock, value string) (bool, error) {
	res, err := checkAndSetScript.Run(ctx, c.redis,
		[]string{valueKey, lockKey},
		expectedLock, newLock, value,
	).Int()
	if err != nil {
		c.logger.Error("redis check-and-set failed", "key", valueKey, "error", err)
		return false, fmt.Errorf("failed check-and-set on %s: %w", valueKey, err)
	}
	return res == 1, nil
}

// Increment increments a counter and returns the new value
func (c *Client) Increment(ctx context.Context, key string) (int64, error) {
	val, err := c.redis.Incr(ctx, key).Result()
	if err != nil {
		c.logger.Error("redis INCR failed", "key", key, "error", err)
		return 0, fmt.Errorf("failed to increment key %s: %w", key, err)
	}
	return val, nil
}

// Expire sets a TTL on a key
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := c.redis.Expire(ctx, key, ttl).Err(); err != nil {
		c.logger.Error("redis EXPIRE failed", "key", key, "error", err)
		return fmt.Errorf("failed to expire key %s: %w", key, err)
	}
	return nil
}

// AddToStream adds a record to a Redis stream
func (c *Client) AddToStream(ctx context.Context, stream string, values map[string]interface{}) (string, error) {
	id, err := c.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}).Result()
	if err != nil {
		c.logger.Error("redis XADD failed", "stream", stream, "error", err)
		return "", fmt.Errorf("failed to add to stream %s: %w", stream, err)
	}
	return id, nil
}

// RangeStream reads stream entries within [start, end]. Use "-" and "+" for
// the full stream.
func (c *Client) RangeStream(ctx context.Context, stream, start, end string) ([]redis.XMessage, error) {
	msgs, err := c.redis.XRange(ctx, stream, start, end).Result()
	if err != nil {
		c.logger.Error("redis XRANGE failed", "stream", stream, "error", err)
		return nil, fmt.Errorf("failed to range stream %s: %w", stream, err)
	}
	return msgs, nil
}

// ReadStream blocks up to `block` waiting for entries after lastID.
// Returns nil on timeout.
func (c *Client) ReadStream(ctx context.Context, stream, lastID string, count int64, block time.Duration) ([]redis.XMessage, error) {
	streams, err := c.redis.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, lastID},
		Count:   count,
		Block:   block,
	}).Result()
	if err == redis.Nil {
		// Timeout, no new entries
		return nil, nil
	}
	if err != nil {
		c.logger.Error("redis XREAD failed", "stream", stream, "error", err)
		return nil, fmt.Errorf("failed to read stream %s: %w", stream, err)
	}
	if len(streams) == 0 {
		return nil, nil
	}
	return streams[0].Messages, nil
}
