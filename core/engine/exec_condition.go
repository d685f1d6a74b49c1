package engine

import (
	"context"
	"strconv"

	"github.com/iceos-ai/iceos/core/blueprint"
)

// execCondition evaluates the branch predicate over upstream outputs.
// The output exposes the branch as a string so downstream `when` gates
// can route on nodes.<id>.branch.
func (e *Engine) execCondition(_ context.Context, rt *runtime, sc *scope, node *blueprint.NodeSpec) (any, error) {
	result, err := e.eval.EvalBool(node.Condition.Expression, e.varsFor(rt, sc, nil))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"result": result,
		"branch": strconv.FormatBool(result),
	}, nil
}
