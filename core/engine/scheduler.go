package engine

import (
	"context"
	"sync"
	"time"

	"github.com/iceos-ai/iceos/common/apperrors"
	"github.com/iceos-ai/iceos/core/blueprint"
	"github.com/iceos-ai/iceos/core/events"
	"github.com/iceos-ai/iceos/core/execctx"
	"github.com/iceos-ai/iceos/core/plan"
)

// ExecOptions carries per-run overrides for plan execution.
type ExecOptions struct {
	// MaxParallel caps in-level concurrency for this run. Zero falls back
	// to the engine default; values above the default are clamped to it.
	MaxParallel int
}

// ExecutePlan walks the plan level by level with the engine's default
// parallelism cap.
func (e *Engine) ExecutePlan(ctx context.Context, p *plan.Plan, ec *execctx.Context, em *events.Emitter, inputs map[string]any) error {
	return e.ExecutePlanWithOptions(ctx, p, ec, em, inputs, ExecOptions{})
}

// ExecutePlanWithOptions walks the plan level by level. Nodes within a
// level run concurrently under the parallelism cap; a level starts only
// after the previous one has fully drained. Returns nil when the run
// succeeded, possibly with tolerated per-node failures recorded on the
// context.
func (e *Engine) ExecutePlanWithOptions(ctx context.Context, p *plan.Plan, ec *execctx.Context, em *events.Emitter, inputs map[string]any, opts ExecOptions) error {
	maxParallel := opts.MaxParallel
	if maxParallel < 1 || maxParallel > e.maxParallel {
		maxParallel = e.maxParallel
	}
	rt := &runtime{plan: p, ec: ec, em: em, inputs: inputs, maxParallel: maxParallel}

	// unavailable holds nodes whose output will never materialize:
	// skipped gates, tolerated failures and their downstream closure.
	unavailable := make(map[string]bool)
	var mu sync.Mutex

	for _, level := range p.Levels {
		if err := e.checkAlive(ctx, ec); err != nil {
			return err
		}

		sem := make(chan struct{}, rt.maxParallel)
		var wg sync.WaitGroup
		var terminal error

		setTerminal := func(err error) {
			mu.Lock()
			defer mu.Unlock()
			if terminal == nil {
				terminal = err
			}
		}
		markUnavailable := func(id string) {
			mu.Lock()
			defer mu.Unlock()
			unavailable[id] = true
		}

		for _, id := range level {
			node := p.Node(id)

			// Skip propagation is decided before launch; the previous
			// level has fully drained by now.
			mu.Lock()
			blocked := e.upstreamUnavailable(node, unavailable)
			if blocked {
				unavailable[id] = true
			}
			mu.Unlock()
			if blocked {
				e.emit(ctx, rt, events.NodeSkipped, id, map[string]any{"reason": "upstream"})
				continue
			}

			wg.Add(1)
			go func(node *blueprint.NodeSpec) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()

				mu.Lock()
				stop := terminal != nil
				mu.Unlock()
				if stop || ec.IsCanceled() || ctx.Err() != nil {
					return
				}

				if node.When != "" {
					pass, err := e.eval.EvalBool(node.When, e.varsFor(rt, nil, nil))
					if err != nil {
						setTerminal(asAppError(err, apperrors.KindValidation).WithNode(node.ID))
						return
					}
					if !pass {
						markUnavailable(node.ID)
						e.emit(ctx, rt, events.NodeSkipped, node.ID, map[string]any{"reason": "when"})
						return
					}
				}

				start := time.Now()
				e.emit(ctx, rt, events.NodeStarted, node.ID, nil)

				out, err := e.runWithRetry(ctx, rt, nil, node)
				if err != nil {
					appErr := asAppError(err, apperrors.KindInternal).WithNode(node.ID)
					ec.RecordError(appErr)
					e.emit(ctx, rt, events.NodeFailed, node.ID, map[string]any{
						"kind":  string(appErr.Kind),
						"error": appErr.Message,
					})
					switch {
					case appErr.Kind == apperrors.KindBudgetExceeded,
						appErr.Kind == apperrors.KindCancelled:
						setTerminal(appErr)
					case node.ContinueOnError:
						markUnavailable(node.ID)
					default:
						setTerminal(appErr)
					}
					return
				}

				ec.SetOutput(node.ID, out)
				e.emit(ctx, rt, events.NodeFinished, node.ID, map[string]any{
					"elapsed_ms": time.Since(start).Milliseconds(),
				})
			}(node)
		}

		wg.Wait()
		if terminal != nil {
			return terminal
		}
	}
	return e.checkAlive(ctx, ec)
}

// upstreamUnavailable reports whether any dependency of the node (or a
// loop's items source) has been skipped or tolerated-failed.
func (e *Engine) upstreamUnavailable(node *blueprint.NodeSpec, unavailable map[string]bool) bool {
	for _, dep := range node.Dependencies {
		if unavailable[dep] {
			return true
		}
	}
	if node.Kind == blueprint.KindLoop && node.Loop != nil {
		if unavailable[node.Loop.ItemsSource.UpstreamID] {
			return true
		}
	}
	return false
}

func (e *Engine) checkAlive(ctx context.Context, ec *execctx.Context) error {
	if ec.IsCanceled() {
		return apperrors.New(apperrors.KindCancelled, "run canceled")
	}
	if err := ctx.Err(); err != nil {
		return apperrors.Wrap(apperrors.KindOf(err), err, "run interrupted")
	}
	return nil
}

// emit appends an event, logging instead of failing the run when the
// stream write errors. Events are observability, not state.
func (e *Engine) emit(ctx context.Context, rt *runtime, kind events.Kind, nodeID string, payload map[string]any) {
	if _, err := rt.em.Emit(ctx, kind, nodeID, payload); err != nil {
		e.log.WithRunID(rt.ec.RunID()).Warn("event emission failed",
			"kind", string(kind), "node_id", nodeID, "error", err)
	}
}

// runBody executes one container-body node with full event reporting,
// used by the loop, parallel and recursive executors.
func (e *Engine) runBody(ctx context.Context, rt *runtime, sc *scope, node *blueprint.NodeSpec) (any, error) {
	if node.When != "" {
		pass, err := e.eval.EvalBool(node.When, e.varsFor(rt, sc, nil))
		if err != nil {
			return nil, asAppError(err, apperrors.KindValidation).WithNode(node.ID)
		}
		if !pass {
			e.emit(ctx, rt, events.NodeSkipped, node.ID, map[string]any{
				"reason": "when", "iteration": sc.iteration,
			})
			return nil, nil
		}
	}

	start := time.Now()
	e.emit(ctx, rt, events.NodeStarted, node.ID, map[string]any{"iteration": sc.iteration})

	out, err := e.runWithRetry(ctx, rt, sc, node)
	if err != nil {
		appErr := asAppError(err, apperrors.KindInternal).WithNode(node.ID)
		e.emit(ctx, rt, events.NodeFailed, node.ID, map[string]any{
			"kind": string(appErr.Kind), "error": appErr.Message, "iteration": sc.iteration,
		})
		return nil, appErr
	}

	sc.setLocal(node.ID, out)
	e.emit(ctx, rt, events.NodeFinished, node.ID, map[string]any{
		"elapsed_ms": time.Since(start).Milliseconds(), "iteration": sc.iteration,
	})
	return out, nil
}
