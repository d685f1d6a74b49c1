package engine

import (
	"context"

	"github.com/iceos-ai/iceos/common/apperrors"
	"github.com/iceos-ai/iceos/core/blueprint"
)

// execCode runs inline source in the sandbox. When the spec names its
// inputs, only those parameters cross into the interpreter.
func (e *Engine) execCode(ctx context.Context, rt *runtime, sc *scope, node *blueprint.NodeSpec) (any, error) {
	spec := node.Code

	params, err := e.resolveInputs(rt, sc, node)
	if err != nil {
		return nil, err
	}
	inputs := params
	if len(spec.Inputs) > 0 {
		inputs = make(map[string]any, len(spec.Inputs))
		for _, name := range spec.Inputs {
			value, ok := params[name]
			if !ok {
				return nil, apperrors.New(apperrors.KindValidation,
					"code node declares input %q but no binding provides it", name)
			}
			inputs[name] = value
		}
	}

	res, err := e.box.Run(ctx, spec.Source, inputs, spec.Outputs)
	if err != nil {
		return nil, err
	}
	return res.Outputs, nil
}
