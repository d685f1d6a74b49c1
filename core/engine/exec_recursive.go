package engine

import (
	"context"

	"github.com/iceos-ai/iceos/common/apperrors"
	"github.com/iceos-ai/iceos/core/blueprint"
	"github.com/iceos-ai/iceos/core/events"
)

// execRecursive re-enters the body until the convergence expression holds
// or the iteration cap trips. Every iteration gets a fresh output scope;
// only the preserved state slot carries over. A zero iteration cap can
// never converge and fails immediately.
func (e *Engine) execRecursive(ctx context.Context, rt *runtime, sc *scope, node *blueprint.NodeSpec) (any, error) {
	spec := node.Recursive

	if spec.MaxIterations <= 0 {
		return nil, apperrors.New(apperrors.KindNonConvergent,
			"recursive node has max_iterations %d, convergence is impossible", spec.MaxIterations)
	}

	order := rt.plan.BodyOrder[node.ID]
	if len(order) == 0 {
		return nil, apperrors.New(apperrors.KindInternal, "recursive %s has no compiled body order", node.ID)
	}
	last := order[len(order)-1]

	var state any
	if spec.PreserveContextKey != "" {
		state, _ = rt.ec.RecursiveState(spec.PreserveContextKey)
	}

	var lastOut any
	for iteration := 1; iteration <= spec.MaxIterations; iteration++ {
		if err := e.checkAlive(ctx, rt.ec); err != nil {
			return nil, err
		}

		iterScope := newScope()
		iterScope.iteration = iteration
		iterScope.state = state
		iterScope.vars["iteration"] = iteration

		for _, bodyID := range order {
			bodyNode := rt.plan.Node(bodyID)
			if _, err := e.runBody(ctx, rt, iterScope, bodyNode); err != nil {
				return nil, err
			}
		}

		lastOut, _ = iterScope.getLocal(last)

		vars := e.varsFor(rt, iterScope, lastOut)
		converged, err := e.eval.EvalBool(spec.ConvergenceExpression, vars)
		if err != nil {
			return nil, err
		}
		e.emit(ctx, rt, events.RecursiveIteration, node.ID, map[string]any{
			"iteration": iteration,
			"converged": converged,
		})

		if spec.PreserveContextKey != "" {
			state = lastOut
			rt.ec.SetRecursiveState(spec.PreserveContextKey, state)
		}

		if converged {
			return map[string]any{
				"result":     lastOut,
				"iterations": iteration,
				"converged":  true,
			}, nil
		}
	}

	if spec.AllowPartial {
		return map[string]any{
			"result":     lastOut,
			"iterations": spec.MaxIterations,
			"converged":  false,
		}, nil
	}
	return nil, apperrors.New(apperrors.KindNonConvergent,
		"no convergence after %d iterations", spec.MaxIterations).
		WithDetails(map[string]any{"iterations": spec.MaxIterations})
}
