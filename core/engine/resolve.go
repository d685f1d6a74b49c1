package engine

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/iceos-ai/iceos/common/apperrors"
	"github.com/iceos-ai/iceos/core/blueprint"
)

// resolveInputs materializes a node's parameters: scope vars first (loop
// variable, iteration), then declared bindings, literals and upstream
// field references. Explicit bindings win over injected scope vars.
func (e *Engine) resolveInputs(rt *runtime, sc *scope, node *blueprint.NodeSpec) (map[string]any, error) {
	resolved := make(map[string]any)
	if sc != nil {
		for k, v := range sc.vars {
			resolved[k] = v
		}
	}

	for param, binding := range node.InputBindings {
		if binding.Ref == nil {
			if len(binding.Literal) == 0 {
				resolved[param] = nil
				continue
			}
			var v any
			if err := json.Unmarshal(binding.Literal, &v); err != nil {
				return nil, apperrors.Wrap(apperrors.KindValidation, err,
					"literal for parameter %q is not valid JSON", param)
			}
			resolved[param] = v
			continue
		}

		value, err := e.resolveRef(rt, sc, binding.Ref)
		if err != nil {
			return nil, asAppError(err, apperrors.KindValidation).WithNode(node.ID)
		}
		resolved[param] = value
	}
	return resolved, nil
}

// resolveRef extracts one field from an upstream node's output using its
// gjson path.
func (e *Engine) resolveRef(rt *runtime, sc *scope, ref *blueprint.FieldRef) (any, error) {
	upstream, ok := e.lookupOutput(rt, sc, ref.UpstreamID)
	if !ok {
		return nil, apperrors.New(apperrors.KindValidation,
			"output of node %q is not available", ref.UpstreamID)
	}

	doc, err := json.Marshal(upstream)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, err,
			"encode output of node %q", ref.UpstreamID)
	}
	res := gjson.GetBytes(doc, ref.FieldPath)
	if !res.Exists() {
		return nil, apperrors.New(apperrors.KindValidation,
			"field %q not present in output of node %q", ref.FieldPath, ref.UpstreamID)
	}
	return res.Value(), nil
}

// templateScope is the document prompt placeholders resolve against.
func (e *Engine) templateScope(rt *runtime, sc *scope, params map[string]any) map[string]any {
	scope := map[string]any{
		"nodes":  e.outputsView(rt, sc),
		"inputs": rt.inputs,
		"params": params,
	}
	if sc != nil {
		scope["item"] = sc.item
		scope["iteration"] = sc.iteration
		scope["state"] = sc.state
	}
	return scope
}
