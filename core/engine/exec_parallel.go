package engine

import (
	"context"
	"strconv"
	"sync"

	"github.com/iceos-ai/iceos/common/apperrors"
	"github.com/iceos-ai/iceos/core/blueprint"
)

// execParallel runs each branch concurrently; nodes within a branch run
// serially in declared order. All branches share one output overlay so
// declared cross-branch dependencies resolve. With allow_partial the node
// succeeds even when every branch fails; the succeeded/failed index lists
// report the outcome.
func (e *Engine) execParallel(ctx context.Context, rt *runtime, sc *scope, node *blueprint.NodeSpec) (any, error) {
	spec := node.Parallel

	shared := newScope()
	if sc != nil {
		shared.item = sc.item
		shared.iteration = sc.iteration
		shared.state = sc.state
		for k, v := range sc.vars {
			shared.vars[k] = v
		}
	}

	type branchResult struct {
		index int
		err   error
	}
	results := make([]branchResult, len(spec.Branches))
	var wg sync.WaitGroup

	for i, branch := range spec.Branches {
		wg.Add(1)
		go func(i int, branch []string) {
			defer wg.Done()
			for _, bodyID := range branch {
				if ctx.Err() != nil || rt.ec.IsCanceled() {
					results[i] = branchResult{i, apperrors.New(apperrors.KindCancelled, "run canceled")}
					return
				}
				bodyNode := rt.plan.Node(bodyID)
				if _, err := e.runBody(ctx, rt, shared, bodyNode); err != nil {
					results[i] = branchResult{i, err}
					return
				}
			}
			results[i] = branchResult{index: i}
		}(i, branch)
	}
	wg.Wait()

	succeeded, failed := []int{}, []int{}
	var firstErr error
	failures := make(map[string]string)
	for _, res := range results {
		if res.err != nil {
			failed = append(failed, res.index)
			failures[branchKey(res.index)] = res.err.Error()
			if firstErr == nil {
				firstErr = res.err
			}
		} else {
			succeeded = append(succeeded, res.index)
		}
	}

	if firstErr != nil {
		if kind := apperrors.KindOf(firstErr); kind == apperrors.KindCancelled || kind == apperrors.KindBudgetExceeded {
			return nil, firstErr
		}
		if !spec.AllowPartial {
			return nil, firstErr
		}
	}

	out := map[string]any{
		"outputs":   shared.localSnapshot(),
		"succeeded": succeeded,
		"failed":    failed,
	}
	if len(failures) > 0 {
		out["failures"] = failures
	}
	return out, nil
}

func branchKey(i int) string {
	return "branch_" + strconv.Itoa(i)
}
