package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iceos-ai/iceos/common/apperrors"
)

func newEval(t *testing.T) *Evaluator {
	t.Helper()
	e, err := NewEvaluator()
	require.NoError(t, err)
	return e
}

func TestEvalBoolOverNodeOutputs(t *testing.T) {
	e := newEval(t)
	vars := Vars{Nodes: map[string]any{
		"score": map[string]any{"value": 0.85},
		"fetch": map[string]any{"status": 200},
	}}

	ok, err := e.EvalBool(`nodes.score.value >= 0.8 && nodes.fetch.status == 200`, vars)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.EvalBool(`nodes.score.value > 0.9`, vars)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvalBoolRejectsNonBoolean(t *testing.T) {
	e := newEval(t)
	_, err := e.EvalBool(`1 + 1`, Vars{})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
}

func TestEvalLoopScope(t *testing.T) {
	e := newEval(t)
	out, err := e.Eval(`item.name`, Vars{Item: map[string]any{"name": "alpha"}, Iteration: 3})
	require.NoError(t, err)
	assert.Equal(t, "alpha", out)

	ok, err := e.EvalBool(`iteration < 5`, Vars{Iteration: 3})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvalConvergenceScope(t *testing.T) {
	e := newEval(t)
	ok, err := e.EvalBool(`output.score >= 1.0`,
		Vars{Output: map[string]any{"score": 1.2}, State: map[string]any{"prev": 0.4}})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvalMembershipAndStrings(t *testing.T) {
	e := newEval(t)
	ok, err := e.EvalBool(`"b" in inputs.tags && inputs.name.startsWith("ice")`,
		Vars{Inputs: map[string]any{"tags": []any{"a", "b"}, "name": "iceos"}})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCheckRejectsMalformedExpressions(t *testing.T) {
	e := newEval(t)
	assert.NoError(t, e.Check(`nodes.a.b == 1`))

	err := e.Check(`nodes.a ==`)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))

	// Unknown top-level variables fail at compile time.
	assert.Error(t, e.Check(`workflow.total > 1`))
}

func TestEvalMissingUpstreamFails(t *testing.T) {
	e := newEval(t)
	_, err := e.EvalBool(`nodes.ghost.value > 0`, Vars{Nodes: map[string]any{}})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
}

func TestProgramCacheReuse(t *testing.T) {
	e := newEval(t)
	const expression = `iteration >= 2`
	for i := 0; i < 3; i++ {
		ok, err := e.EvalBool(expression, Vars{Iteration: i})
		require.NoError(t, err)
		assert.Equal(t, i >= 2, ok)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	assert.Len(t, e.cache, 1)
}
