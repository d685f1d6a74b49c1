package engine

import (
	"context"
	"math/rand"
	"time"

	"github.com/iceos-ai/iceos/common/apperrors"
	"github.com/iceos-ai/iceos/core/blueprint"
	"github.com/iceos-ai/iceos/core/events"
)

const (
	defaultBackoffBase = 200 * time.Millisecond
	defaultBackoffMax  = 10 * time.Second
)

// runWithRetry drives a node through its retry policy. Only transient
// failure kinds re-enter the loop; structural and budget failures are
// final on the first occurrence.
func (e *Engine) runWithRetry(ctx context.Context, rt *runtime, sc *scope, node *blueprint.NodeSpec) (any, error) {
	maxAttempts := 1
	if node.Retry != nil && node.Retry.MaxAttempts > 0 {
		maxAttempts = node.Retry.MaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		out, err := e.runOnce(ctx, rt, sc, node)
		if err == nil {
			return out, nil
		}
		lastErr = err

		kind := apperrors.KindOf(err)
		if !apperrors.Retryable(kind) || attempt == maxAttempts {
			return nil, asAppError(lastErr, apperrors.KindInternal).WithAttempts(attempt)
		}

		delay := backoffDelay(node.Retry, attempt)
		e.emit(ctx, rt, events.NodeRetry, node.ID, map[string]any{
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
			"kind":     string(kind),
			"error":    err.Error(),
		})

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, apperrors.Wrap(apperrors.KindOf(ctx.Err()), ctx.Err(),
				"node %s interrupted during backoff", node.ID)
		case <-rt.ec.Done():
			return nil, apperrors.New(apperrors.KindCancelled, "run canceled during backoff")
		}
	}
	return nil, asAppError(lastErr, apperrors.KindInternal).WithAttempts(maxAttempts)
}

// runOnce executes a single attempt under the node's timeout and
// accumulates the declared cost of leaf nodes on success.
func (e *Engine) runOnce(ctx context.Context, rt *runtime, sc *scope, node *blueprint.NodeSpec) (any, error) {
	runCtx := ctx
	if node.TimeoutMS > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(node.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	out, err := e.executeNode(runCtx, rt, sc, node)
	if err != nil {
		return nil, err
	}

	// LLM-backed and container kinds account their own spend.
	switch node.Kind {
	case blueprint.KindTool, blueprint.KindCode, blueprint.KindCondition:
		if node.CostEstimateUSD > 0 {
			if budgetErr := rt.ec.AccumulateCost(node.CostEstimateUSD); budgetErr != nil {
				return nil, budgetErr
			}
		}
	}
	return out, nil
}

// backoffDelay computes the exponential delay for an attempt, with full
// jitter when the policy asks for it.
func backoffDelay(policy *blueprint.RetryPolicy, attempt int) time.Duration {
	base := defaultBackoffBase
	max := defaultBackoffMax
	jitter := true
	if policy != nil {
		if policy.BackoffBaseMS > 0 {
			base = time.Duration(policy.BackoffBaseMS) * time.Millisecond
		}
		if policy.BackoffMaxMS > 0 {
			max = time.Duration(policy.BackoffMaxMS) * time.Millisecond
		}
		jitter = policy.Jitter
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			delay = max
			break
		}
	}
	if jitter && delay > 0 {
		delay = time.Duration(rand.Int63n(int64(delay)) + 1)
	}
	return delay
}
