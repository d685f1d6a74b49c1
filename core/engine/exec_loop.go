package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/iceos-ai/iceos/common/apperrors"
	"github.com/iceos-ai/iceos/core/blueprint"
)

// execLoop iterates the body over an upstream sequence. Each iteration
// gets its own output overlay so parallel_items never observe each
// other's body outputs. With continue_on_error set on the loop node, a
// failed iteration records a structured error in its result slot and the
// loop keeps going.
func (e *Engine) execLoop(ctx context.Context, rt *runtime, sc *scope, node *blueprint.NodeSpec) (any, error) {
	spec := node.Loop

	items, err := e.loopItems(rt, sc, spec)
	if err != nil {
		return nil, err
	}
	truncated := false
	if spec.MaxIterations > 0 && len(items) > spec.MaxIterations {
		items = items[:spec.MaxIterations]
		truncated = true
	}

	order := rt.plan.BodyOrder[node.ID]
	if len(order) == 0 {
		return nil, apperrors.New(apperrors.KindInternal, "loop %s has no compiled body order", node.ID)
	}
	last := order[len(order)-1]

	parallel := spec.ParallelItems
	if parallel < 1 {
		parallel = 1
	}

	results := make([]any, len(items))
	type itemFailure struct {
		Index int    `json:"index"`
		Error string `json:"error"`
	}
	var failures []itemFailure
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, parallel)
	var terminal error

	for i, item := range items {
		wg.Add(1)
		go func(i int, item any) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			mu.Lock()
			stop := terminal != nil
			mu.Unlock()
			if stop || ctx.Err() != nil || rt.ec.IsCanceled() {
				return
			}

			iterScope := newScope()
			iterScope.item = item
			iterScope.iteration = i
			iterScope.vars[spec.LoopVariable] = item
			iterScope.vars["iteration"] = i

			for _, bodyID := range order {
				bodyNode := rt.plan.Node(bodyID)
				if _, err := e.runBody(ctx, rt, iterScope, bodyNode); err != nil {
					mu.Lock()
					if node.ContinueOnError {
						appErr := asAppError(err, apperrors.KindInternal)
						results[i] = map[string]any{"error": map[string]any{
							"kind":    string(appErr.Kind),
							"message": appErr.Message,
						}}
						failures = append(failures, itemFailure{Index: i, Error: err.Error()})
					} else if terminal == nil {
						terminal = err
					}
					mu.Unlock()
					return
				}
			}

			out, _ := iterScope.getLocal(last)
			mu.Lock()
			results[i] = out
			mu.Unlock()
		}(i, item)
	}
	wg.Wait()

	if terminal != nil {
		return nil, terminal
	}
	if err := e.checkAlive(ctx, rt.ec); err != nil {
		return nil, err
	}

	out := map[string]any{
		"results": results,
		"count":   len(items),
	}
	if len(failures) > 0 {
		out["failures"] = failures
	}
	if truncated {
		out["truncated"] = true
	}
	return out, nil
}

// loopItems extracts the iteration sequence from the upstream output.
func (e *Engine) loopItems(rt *runtime, sc *scope, spec *blueprint.LoopSpec) ([]any, error) {
	upstream, ok := e.lookupOutput(rt, sc, spec.ItemsSource.UpstreamID)
	if !ok {
		return nil, apperrors.New(apperrors.KindValidation,
			"items source %q produced no output", spec.ItemsSource.UpstreamID)
	}
	doc, err := json.Marshal(upstream)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "encode items source output")
	}
	res := gjson.GetBytes(doc, spec.ItemsSource.FieldPath)
	if !res.Exists() {
		return nil, apperrors.New(apperrors.KindValidation,
			"items source field %q not present in output of %q",
			spec.ItemsSource.FieldPath, spec.ItemsSource.UpstreamID)
	}
	items, ok := res.Value().([]any)
	if !ok {
		return nil, apperrors.New(apperrors.KindValidation,
			"items source field %q is not an array", spec.ItemsSource.FieldPath)
	}
	return items, nil
}
