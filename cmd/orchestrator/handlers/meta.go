package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iceos-ai/iceos/common/apperrors"
	"github.com/iceos-ai/iceos/common/ratelimit"
	"github.com/iceos-ai/iceos/core/blueprint"
	"github.com/iceos-ai/iceos/core/llm"
	"github.com/iceos-ai/iceos/core/sandbox"
)

// MetaHandler serves /api/v1/meta, the discovery surface for builder
// frontends: node kinds, per-kind payload schemas, the model catalog
// and supported sandbox languages.
type MetaHandler struct {
	catalog llm.Catalog
}

// NewMetaHandler creates a meta handler.
func NewMetaHandler(catalog llm.Catalog) *MetaHandler {
	return &MetaHandler{catalog: catalog}
}

// NodeTypes lists every node kind the engine executes.
// GET /api/v1/meta/nodes/types
func (h *MetaHandler) NodeTypes(c echo.Context) error {
	kinds := blueprint.Kinds()
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return c.JSON(http.StatusOK, map[string]any{"types": out})
}

// NodeSchema describes one kind's payload fields.
// GET /api/v1/meta/nodes/:kind/schema
func (h *MetaHandler) NodeSchema(c echo.Context) error {
	kind := blueprint.NodeKind(c.Param("kind"))
	schema, ok := nodeSchemas[kind]
	if !ok {
		return writeError(c, apperrors.New(apperrors.KindNotFound, "unknown node kind %q", kind))
	}
	return c.JSON(http.StatusOK, map[string]any{
		"kind":   string(kind),
		"common": commonFields,
		"fields": schema,
	})
}

// Models lists the allowed provider/model pairs with their rates.
// GET /api/v1/meta/models
func (h *MetaHandler) Models(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"models": h.catalog})
}

// Languages lists the sandbox languages code nodes may use.
// GET /api/v1/meta/code/languages
func (h *MetaHandler) Languages(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"languages": sandbox.Languages()})
}

// Limits describes the per-client run-start rate limit tiers.
// GET /api/v1/meta/limits
func (h *MetaHandler) Limits(c echo.Context) error {
	tiers := ratelimit.Tiers()
	out := make([]map[string]any, len(tiers))
	for i, t := range tiers {
		out[i] = map[string]any{"tier": string(t.Tier), "runs_per_minute": t.PerMinute}
	}
	return c.JSON(http.StatusOK, map[string]any{"tiers": out})
}

type fieldDoc struct {
	Field    string `json:"field"`
	Type     string `json:"type"`
	Required bool   `json:"required,omitempty"`
	Doc      string `json:"doc"`
}

// commonFields apply to every NodeSpec regardless of kind.
var commonFields = []fieldDoc{
	{Field: "id", Type: "string", Required: true, Doc: "unique node identifier within the blueprint"},
	{Field: "kind", Type: "string", Required: true, Doc: "node kind discriminator"},
	{Field: "dependencies", Type: "[]string", Doc: "upstream node ids that must finish first"},
	{Field: "input_bindings", Type: "map[string]binding", Doc: "literal values or upstream field references"},
	{Field: "output_schema", Type: "json-schema", Doc: "declared shape of this node's output"},
	{Field: "retry_policy", Type: "retry-policy", Doc: "max_attempts, backoff_base_ms, backoff_max_ms, jitter"},
	{Field: "timeout_ms", Type: "int", Doc: "per-attempt execution deadline"},
	{Field: "when", Type: "string", Doc: "CEL gate; false skips the node"},
	{Field: "continue_on_error", Type: "bool", Doc: "tolerate failure and let dependents observe the skip"},
	{Field: "cost_estimate_usd", Type: "float", Doc: "static cost attributed per execution"},
}

var nodeSchemas = map[blueprint.NodeKind][]fieldDoc{
	blueprint.KindTool: {
		{Field: "tool.tool_name", Type: "string", Required: true, Doc: "registered tool to invoke"},
		{Field: "tool.tool_args", Type: "map", Doc: "static arguments merged under resolved bindings"},
	},
	blueprint.KindLLM: {
		{Field: "llm.provider", Type: "string", Required: true, Doc: "provider from the model catalog"},
		{Field: "llm.model", Type: "string", Required: true, Doc: "model from the model catalog"},
		{Field: "llm.prompt", Type: "string", Required: true, Doc: "template with {{path}} placeholders over nodes, inputs, params, item, state"},
		{Field: "llm.system_prompt", Type: "string", Doc: "system message"},
		{Field: "llm.temperature", Type: "float", Doc: "sampling temperature"},
		{Field: "llm.max_tokens", Type: "int", Doc: "completion budget, also drives cost estimation"},
		{Field: "llm.response_schema", Type: "json-schema", Doc: "forces the completion through a schema check with one self-repair round"},
	},
	blueprint.KindAgent: {
		{Field: "agent.provider", Type: "string", Required: true, Doc: "provider from the model catalog"},
		{Field: "agent.model", Type: "string", Required: true, Doc: "model from the model catalog"},
		{Field: "agent.system_prompt", Type: "string", Required: true, Doc: "agent instructions"},
		{Field: "agent.tools", Type: "[]string", Doc: "allow-listed registered tools"},
		{Field: "agent.tool_instructions", Type: "map[string]string", Doc: "per-tool usage hints appended to the system prompt"},
		{Field: "agent.memory_enabled", Type: "bool", Doc: "exposes the memory tiers as pseudo-tools"},
		{Field: "agent.max_iterations", Type: "int", Doc: "reason-act rounds before AgentExhausted"},
	},
	blueprint.KindCondition: {
		{Field: "condition.expression", Type: "string", Required: true, Doc: "CEL expression yielding a boolean"},
	},
	blueprint.KindLoop: {
		{Field: "loop.items_source", Type: "field-ref", Required: true, Doc: "upstream field holding the list to iterate"},
		{Field: "loop.loop_variable", Type: "string", Doc: "scope variable naming the current item"},
		{Field: "loop.body", Type: "[]string", Required: true, Doc: "node ids executed per item"},
		{Field: "loop.max_iterations", Type: "int", Doc: "truncates the item list"},
		{Field: "loop.parallel_items", Type: "int", Doc: "items executed concurrently"},
	},
	blueprint.KindParallel: {
		{Field: "parallel.branches", Type: "[][]string", Required: true, Doc: "node id groups executed concurrently"},
		{Field: "parallel.allow_partial", Type: "bool", Doc: "succeed when at least one branch succeeds"},
	},
	blueprint.KindRecursive: {
		{Field: "recursive.body_entry", Type: "string", Required: true, Doc: "first body node of each iteration"},
		{Field: "recursive.body", Type: "[]string", Required: true, Doc: "node ids executed per iteration"},
		{Field: "recursive.convergence_expression", Type: "string", Required: true, Doc: "CEL over the iteration output; true stops"},
		{Field: "recursive.max_iterations", Type: "int", Required: true, Doc: "hard iteration ceiling"},
		{Field: "recursive.preserve_context_key", Type: "string", Doc: "carries state between iterations"},
		{Field: "recursive.allow_partial", Type: "bool", Doc: "return the last output instead of NonConvergent"},
	},
	blueprint.KindWorkflow: {
		{Field: "workflow.workflow_ref", Type: "string", Required: true, Doc: "registered sub-workflow blueprint"},
	},
	blueprint.KindCode: {
		{Field: "code.language", Type: "string", Required: true, Doc: "sandbox language"},
		{Field: "code.source", Type: "string", Required: true, Doc: "program source"},
		{Field: "code.inputs", Type: "[]string", Doc: "resolved inputs passed into the sandbox"},
		{Field: "code.outputs", Type: "[]string", Doc: "variables read back from the sandbox"},
	},
}
