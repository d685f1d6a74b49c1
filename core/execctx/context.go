// Package execctx holds per-run mutable state: node outputs, cumulative
// cost, accumulated errors, recursive slots, cancellation and lazy memory
// handles. All access is internally serialized so parallel node
// executions can share one Context.
package execctx

import (
	"context"
	"sync"

	"github.com/iceos-ai/iceos/common/apperrors"
	"github.com/iceos-ai/iceos/core/memory"
)

// Context is the per-run state container. It is created by the run
// controller and destroyed after the terminal snapshot is persisted.
type Context struct {
	runID string

	mu       sync.RWMutex
	outputs  map[string]any
	errors   []error
	cost     float64
	ceiling  float64 // 0 disables runtime budget enforcement
	recState map[string]any

	cancelOnce sync.Once
	cancelCh   chan struct{}
	cancelFn   context.CancelFunc

	memFactory memory.Factory
	memOnce    sync.Once
	handles    *memory.Handles
}

// New creates a Context for a run. cancelFn, when non-nil, is invoked on
// Cancel so in-flight executors observe the signal through their
// context.Context as well.
func New(runID string, ceilingUSD float64, memFactory memory.Factory, cancelFn context.CancelFunc) *Context {
	return &Context{
		runID:      runID,
		outputs:    make(map[string]any),
		recState:   make(map[string]any),
		ceiling:    ceilingUSD,
		cancelCh:   make(chan struct{}),
		cancelFn:   cancelFn,
		memFactory: memFactory,
	}
}

// RunID returns the owning run's id.
func (c *Context) RunID() string { return c.runID }

// SetOutput records a node's output.
func (c *Context) SetOutput(nodeID string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outputs[nodeID] = value
}

// GetOutput returns a node's recorded output.
func (c *Context) GetOutput(nodeID string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	val, ok := c.outputs[nodeID]
	return val, ok
}

// DeleteOutput clears a node's output; recursive iterations use this to
// give body nodes a fresh scope.
func (c *Context) DeleteOutput(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.outputs, nodeID)
}

// Outputs returns a copy of all recorded outputs.
func (c *Context) Outputs() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.outputs))
	for k, v := range c.outputs {
		out[k] = v
	}
	return out
}

// AccumulateCost adds to the run's cumulative cost and enforces the
// ceiling. Returns BudgetExceeded once the ceiling is crossed.
func (c *Context) AccumulateCost(amount float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cost += amount
	if c.ceiling > 0 && c.cost > c.ceiling {
		return apperrors.New(apperrors.KindBudgetExceeded,
			"run cost %.4f USD exceeded ceiling %.4f USD", c.cost, c.ceiling).
			WithDetails(map[string]float64{"cost_usd": c.cost, "ceiling_usd": c.ceiling})
	}
	return nil
}

// Cost returns the cumulative cost so far.
func (c *Context) Cost() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cost
}

// RemainingBudget returns the headroom left under the ceiling, for
// sub-run ceilings. Zero means unenforced; an exhausted budget returns a
// small positive epsilon so the sub-run fails on its first spend instead
// of running uncapped.
func (c *Context) RemainingBudget() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.ceiling == 0 {
		return 0
	}
	remaining := c.ceiling - c.cost
	if remaining <= 0 {
		return 1e-9
	}
	return remaining
}

// RecordError appends a node-level error to the run's accumulated list.
func (c *Context) RecordError(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, err)
}

// Errors returns the accumulated node-level errors.
func (c *Context) Errors() []error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]error, len(c.errors))
	copy(out, c.errors)
	return out
}

// SetRecursiveState writes a preserved slot that survives recursive
// iterations.
func (c *Context) SetRecursiveState(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recState[key] = value
}

// RecursiveState reads a preserved slot.
func (c *Context) RecursiveState(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	val, ok := c.recState[key]
	return val, ok
}

// Cancel requests cancellation. Running executors are signaled through
// the run's context.Context; the scheduler stops starting new work.
func (c *Context) Cancel() {
	c.cancelOnce.Do(func() {
		close(c.cancelCh)
		if c.cancelFn != nil {
			c.cancelFn()
		}
	})
}

// IsCanceled reports whether cancellation was requested.
func (c *Context) IsCanceled() bool {
	select {
	case <-c.cancelCh:
		return true
	default:
		return false
	}
}

// Done exposes the cancellation signal as a channel.
func (c *Context) Done() <-chan struct{} { return c.cancelCh }

// MemoryHandles lazily builds the run's memory handles.
func (c *Context) MemoryHandles() *memory.Handles {
	c.memOnce.Do(func() {
		if c.memFactory != nil {
			c.handles = c.memFactory(c.runID)
		} else {
			c.handles = memory.InMemoryFactory()(c.runID)
		}
	})
	return c.handles
}
