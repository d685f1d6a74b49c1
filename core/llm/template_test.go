package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iceos-ai/iceos/common/apperrors"
)

func TestRenderTemplateSubstitutesPaths(t *testing.T) {
	scope := map[string]any{
		"nodes": map[string]any{
			"fetch": map[string]any{"title": "Go Proverbs", "stats": map[string]any{"words": 42}},
		},
		"inputs": map[string]any{"tone": "concise"},
	}

	out, err := RenderTemplate(
		"Summarize {{nodes.fetch.title}} ({{nodes.fetch.stats.words}} words) in a {{ inputs.tone }} style.",
		scope)
	require.NoError(t, err)
	assert.Equal(t, "Summarize Go Proverbs (42 words) in a concise style.", out)
}

func TestRenderTemplateNonStringValuesKeepJSONForm(t *testing.T) {
	out, err := RenderTemplate("items: {{nodes.list.results}}", map[string]any{
		"nodes": map[string]any{"list": map[string]any{"results": []any{1.0, 2.0}}},
	})
	require.NoError(t, err)
	assert.Equal(t, "items: [1,2]", out)
}

func TestRenderTemplateMissingPathFails(t *testing.T) {
	_, err := RenderTemplate("value: {{nodes.ghost.out}}", map[string]any{
		"nodes": map[string]any{},
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
	assert.Contains(t, err.Error(), "nodes.ghost.out")
}

func TestRenderTemplateNoPlaceholdersPassesThrough(t *testing.T) {
	out, err := RenderTemplate("plain prompt", nil)
	require.NoError(t, err)
	assert.Equal(t, "plain prompt", out)
}

func TestMockProviderScriptedResponses(t *testing.T) {
	mock := &MockProvider{Responses: []Response{
		{Text: "first"},
		{Text: "second"},
	}}

	r1, err := mock.Chat(context.Background(), Request{Model: "scripted"})
	require.NoError(t, err)
	assert.Equal(t, "first", r1.Text)

	r2, err := mock.Chat(context.Background(), Request{Model: "scripted"})
	require.NoError(t, err)
	assert.Equal(t, "second", r2.Text)

	// The last response repeats once the script is exhausted.
	r3, err := mock.Chat(context.Background(), Request{Model: "scripted"})
	require.NoError(t, err)
	assert.Equal(t, "second", r3.Text)
	assert.Equal(t, 3, mock.CallCount())
}

func TestCatalogRates(t *testing.T) {
	cat := DefaultCatalog()
	assert.True(t, cat.Contains("anthropic", "claude-sonnet-4-5"))
	assert.False(t, cat.Contains("anthropic", "claude-1"))
	assert.InDelta(t, 15.0/1e6, cat.Rate("anthropic", "claude-sonnet-4-5"), 1e-12)
	// Unknown models estimate at the conservative default, never zero.
	assert.InDelta(t, 15.0/1e6, cat.Rate("nobody", "mystery"), 1e-12)
	assert.Zero(t, cat.Rate("mock", "scripted"))
}
