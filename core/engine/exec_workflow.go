package engine

import (
	"context"

	"github.com/iceos-ai/iceos/core/blueprint"
	"github.com/iceos-ai/iceos/core/execctx"
	"github.com/iceos-ai/iceos/core/plan"
)

// execWorkflow runs a registered sub-workflow in an isolated context
// whose ceiling is the parent's remaining budget. Sub-run events land in
// the parent stream under the node's namespace; the sub-run's spend is
// folded back into the parent afterwards.
func (e *Engine) execWorkflow(ctx context.Context, rt *runtime, sc *scope, node *blueprint.NodeSpec) (any, error) {
	spec := node.Workflow

	sub, err := e.reg.ResolveWorkflow(spec.WorkflowRef)
	if err != nil {
		return nil, err
	}
	subPlan, err := e.compileCached(ctx, spec.WorkflowRef, sub)
	if err != nil {
		return nil, err
	}

	subInputs, err := e.resolveInputs(rt, sc, node)
	if err != nil {
		return nil, err
	}

	child := execctx.New(rt.ec.RunID(), rt.ec.RemainingBudget(), nil, nil)
	runErr := e.ExecutePlanWithOptions(ctx, subPlan, child, rt.em.Namespaced(node.ID), subInputs,
		ExecOptions{MaxParallel: rt.maxParallel})

	// Spend is real even when the sub-run failed.
	if cost := child.Cost(); cost > 0 {
		if budgetErr := rt.ec.AccumulateCost(cost); budgetErr != nil && runErr == nil {
			return nil, budgetErr
		}
	}
	if runErr != nil {
		return nil, runErr
	}

	return map[string]any{
		"outputs":  child.Outputs(),
		"cost_usd": child.Cost(),
	}, nil
}

// compileCached compiles a sub-workflow once per registry snapshot.
func (e *Engine) compileCached(ctx context.Context, ref string, bp *blueprint.Blueprint) (*plan.Plan, error) {
	key := ref + "@" + e.reg.SnapshotDigest()

	e.planMu.Lock()
	cached, ok := e.planCache[key]
	e.planMu.Unlock()
	if ok {
		return cached, nil
	}

	compiled, err := e.compiler.Compile(ctx, bp)
	if err != nil {
		return nil, err
	}

	e.planMu.Lock()
	e.planCache[key] = compiled
	e.planMu.Unlock()
	return compiled, nil
}
