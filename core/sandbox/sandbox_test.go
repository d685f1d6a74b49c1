package sandbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iceos-ai/iceos/common/apperrors"
)

func TestRunCollectsDeclaredOutputs(t *testing.T) {
	s := New(16, 1000)
	res, err := s.Run(context.Background(),
		"total = a + b\nlabel = 'sum'\n_scratch = 99",
		map[string]any{"a": 2.0, "b": 3.0},
		[]string{"total", "label"})
	require.NoError(t, err)
	assert.Equal(t, float64(5), res.Outputs["total"])
	assert.Equal(t, "sum", res.Outputs["label"])
	assert.NotContains(t, res.Outputs, "_scratch")
}

func TestRunCollectsAllPublicGlobalsByDefault(t *testing.T) {
	s := New(16, 1000)
	res, err := s.Run(context.Background(),
		"x = 1\n_private = 2", nil, nil)
	require.NoError(t, err)
	assert.Contains(t, res.Outputs, "x")
	assert.NotContains(t, res.Outputs, "_private")
}

func TestRunMissingDeclaredOutput(t *testing.T) {
	s := New(16, 1000)
	_, err := s.Run(context.Background(), "x = 1", nil, []string{"y"})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
}

func TestRunSyntaxErrorIsToolExecution(t *testing.T) {
	s := New(16, 1000)
	_, err := s.Run(context.Background(), "def broken(", nil, nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindToolExecution, apperrors.KindOf(err))
}

func TestRunRunawayLoopHitsCPUBudget(t *testing.T) {
	s := New(16, 50)
	_, err := s.Run(context.Background(),
		"def spin():\n    x = 0\n    for i in range(1000000000):\n        x += 1\n    return x\n\nx = spin()",
		nil, []string{"x"})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindCodeResourceExceeded, apperrors.KindOf(err))
}

func TestRunOversizedOutputHitsMemoryCap(t *testing.T) {
	// 1 MB cap, output around 8 MB.
	s := New(1, 2000)
	_, err := s.Run(context.Background(),
		"blob = 'x' * (8 * 1024 * 1024)", nil, []string{"blob"})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindCodeResourceExceeded, apperrors.KindOf(err))
}

func TestRunNestedStructures(t *testing.T) {
	s := New(16, 1000)
	res, err := s.Run(context.Background(),
		"names = [u['name'] for u in users]\ncount = len(names)",
		map[string]any{"users": []any{
			map[string]any{"name": "ada"},
			map[string]any{"name": "kay"},
		}},
		[]string{"names", "count"})
	require.NoError(t, err)
	assert.Equal(t, []any{"ada", "kay"}, res.Outputs["names"])
	assert.Equal(t, float64(2), res.Outputs["count"])
}

func TestSupportedLanguages(t *testing.T) {
	assert.True(t, Supported("starlark"))
	assert.True(t, Supported("python"))
	assert.False(t, Supported("javascript"))
}
