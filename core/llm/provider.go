// Package llm defines the provider adapter contract the engine consumes.
// Concrete providers live outside the core; the engine only needs a chat
// surface with optional tool use and token accounting.
package llm

import (
	"context"

	"github.com/iceos-ai/iceos/common/apperrors"
)

// Standard message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn in a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`

	// ToolCallID links a RoleTool observation back to the call it
	// answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolSpec describes a tool the model may call.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Schema      map[string]any `json:"schema,omitempty"`
}

// ToolCall is a model-issued tool invocation.
type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// Usage reports provider token counts for cost accounting.
type Usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Request is a single chat call.
type Request struct {
	Model       string
	Messages    []Message
	Tools       []ToolSpec
	Temperature float64
	MaxTokens   int
}

// Response is the model's reply: text, tool calls, or both.
type Response struct {
	Text      string
	ToolCalls []ToolCall
	Usage     Usage
}

// Provider is the adapter interface for one LLM backend.
//
// Implementations must respect context cancellation and return errors of
// kind LLMProvider for backend failures so the retry policy can engage.
type Provider interface {
	Name() string
	Chat(ctx context.Context, req Request) (Response, error)
}

// Providers is a read-only set of adapters keyed by provider name.
type Providers map[string]Provider

// Get resolves a provider by name.
func (p Providers) Get(name string) (Provider, error) {
	prov, ok := p[name]
	if !ok {
		return nil, apperrors.New(apperrors.KindRegistryBindingMissing, "no LLM provider %q configured", name)
	}
	return prov, nil
}

// ModelInfo carries the per-token rates used by the budget pre-flight
// and the meta endpoint.
type ModelInfo struct {
	Provider        string  `json:"provider"`
	Model           string  `json:"model"`
	InputPerMTokUSD float64 `json:"input_per_mtok_usd"`
	OutputPerMTokUSD float64 `json:"output_per_mtok_usd"`
}

// Catalog lists the allowed provider/model pairs.
type Catalog []ModelInfo

// Rate returns the output rate per token for a model, or a conservative
// default when the pair is not listed.
func (c Catalog) Rate(provider, model string) float64 {
	for _, info := range c {
		if info.Provider == provider && info.Model == model {
			return info.OutputPerMTokUSD / 1_000_000
		}
	}
	// Unknown models estimate at a mid-range rate rather than zero so
	// the pre-flight never undercounts to nothing.
	return 15.0 / 1_000_000
}

// Contains reports whether the pair is allowed.
func (c Catalog) Contains(provider, model string) bool {
	for _, info := range c {
		if info.Provider == provider && info.Model == model {
			return true
		}
	}
	return false
}

// DefaultCatalog is the built-in model table; deployments override it via
// configuration or the meta API.
func DefaultCatalog() Catalog {
	return Catalog{
		{Provider: "openai", Model: "gpt-4o", InputPerMTokUSD: 2.5, OutputPerMTokUSD: 10},
		{Provider: "openai", Model: "gpt-4o-mini", InputPerMTokUSD: 0.15, OutputPerMTokUSD: 0.6},
		{Provider: "anthropic", Model: "claude-sonnet-4-5", InputPerMTokUSD: 3, OutputPerMTokUSD: 15},
		{Provider: "anthropic", Model: "claude-haiku-4-5", InputPerMTokUSD: 1, OutputPerMTokUSD: 5},
		{Provider: "mock", Model: "scripted", InputPerMTokUSD: 0, OutputPerMTokUSD: 0},
	}
}
