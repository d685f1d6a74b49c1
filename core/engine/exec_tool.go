package engine

import (
	"context"

	"github.com/iceos-ai/iceos/common/apperrors"
	"github.com/iceos-ai/iceos/core/blueprint"
)

// execTool resolves the bound tool from the registry and invokes it with
// the node's static args overlaid by resolved input bindings.
func (e *Engine) execTool(ctx context.Context, rt *runtime, sc *scope, node *blueprint.NodeSpec) (any, error) {
	spec := node.Tool
	tool, err := e.reg.ResolveTool(spec.ToolName)
	if err != nil {
		return nil, err
	}

	params, err := e.resolveInputs(rt, sc, node)
	if err != nil {
		return nil, err
	}

	args := make(map[string]any, len(spec.ToolArgs)+len(params))
	for k, v := range spec.ToolArgs {
		args[k] = v
	}
	for k, v := range params {
		args[k] = v
	}

	out, err := tool.Execute(ctx, args)
	if err != nil {
		return nil, asAppError(err, apperrors.KindToolExecution)
	}
	return out, nil
}
