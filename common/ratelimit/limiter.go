// Package ratelimit throttles run starts with Redis-backed fixed-window
// counters. Limits are tiered by blueprint complexity so cheap workflows
// are not starved by agent-heavy ones.
package ratelimit

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/iceos-ai/iceos/common/apperrors"
	"github.com/iceos-ai/iceos/common/logger"
)

//go:embed rate_limit.lua
var rateLimitScript string

// Result is the outcome of one limit check.
type Result struct {
	Allowed           bool
	CurrentCount      int64
	Limit             int64
	RetryAfterSeconds int64
}

// Limiter checks run-start limits atomically via a Lua script.
type Limiter struct {
	redis  *redis.Client
	script *redis.Script
	log    *logger.Logger
}

// New creates a limiter over the shared Redis client.
func New(redisClient *redis.Client, log *logger.Logger) *Limiter {
	return &Limiter{
		redis:  redisClient,
		script: redis.NewScript(rateLimitScript),
		log:    log,
	}
}

// CheckGlobal enforces the service-wide run-start limit.
func (l *Limiter) CheckGlobal(ctx context.Context, limit int64) (*Result, error) {
	return l.check(ctx, "rate:runs:global", limit, 60)
}

// CheckClient enforces the per-client limit for a complexity tier. Each
// tier has its own counter.
func (l *Limiter) CheckClient(ctx context.Context, client string, tier Tier) (*Result, error) {
	key := fmt.Sprintf("rate:runs:client:%s:%s", client, tier)
	return l.check(ctx, key, tierConfig(tier).PerMinute, 60)
}

func (l *Limiter) check(ctx context.Context, key string, limit int64, windowSec int) (*Result, error) {
	raw, err := l.script.Run(ctx, l.redis, []string{key}, limit, windowSec).Result()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "rate limit check for %s", key)
	}

	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 4 {
		return nil, apperrors.New(apperrors.KindInternal, "unexpected rate limit script result for %s", key)
	}

	res := &Result{
		Allowed:           vals[0].(int64) == 1,
		CurrentCount:      vals[1].(int64),
		Limit:             vals[2].(int64),
		RetryAfterSeconds: vals[3].(int64),
	}
	if !res.Allowed {
		l.log.Warn("rate limit exceeded",
			"key", key, "current", res.CurrentCount, "limit", res.Limit,
			"retry_after_s", res.RetryAfterSeconds)
	}
	return res, nil
}

// Reset clears a counter. Used by tests and admin tooling.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.redis.Del(ctx, key).Err()
}
