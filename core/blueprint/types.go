// Package blueprint defines the workflow data model: node specs for the nine
// node kinds, immutable blueprints, in-design partial blueprints, and the
// version-locked store that persists both.
package blueprint

import (
	"encoding/json"
	"time"
)

// SchemaVersion is the current blueprint schema version.
const SchemaVersion = "1.2.0"

// NodeKind discriminates the tagged NodeSpec payload.
type NodeKind string

const (
	KindTool      NodeKind = "tool"
	KindLLM       NodeKind = "llm"
	KindAgent     NodeKind = "agent"
	KindCondition NodeKind = "condition"
	KindLoop      NodeKind = "loop"
	KindParallel  NodeKind = "parallel"
	KindRecursive NodeKind = "recursive"
	KindWorkflow  NodeKind = "workflow"
	KindCode      NodeKind = "code"
)

// Kinds lists every node kind, in a stable order.
func Kinds() []NodeKind {
	return []NodeKind{
		KindTool, KindLLM, KindAgent, KindCondition, KindLoop,
		KindParallel, KindRecursive, KindWorkflow, KindCode,
	}
}

// FieldRef points at a declared field of an upstream node's output.
type FieldRef struct {
	UpstreamID string `json:"upstream_id"`
	FieldPath  string `json:"field_path"`
}

// Binding is either a literal JSON value or a reference to an upstream
// output field. Exactly one side is set.
type Binding struct {
	Literal json.RawMessage `json:"literal,omitempty"`
	Ref     *FieldRef       `json:"ref,omitempty"`
}

// IsRef reports whether the binding resolves from an upstream output.
func (b Binding) IsRef() bool { return b.Ref != nil }

// RetryPolicy bounds per-node retries. Backoff is exponential with full
// jitter when Jitter is true.
type RetryPolicy struct {
	MaxAttempts   int  `json:"max_attempts"`
	BackoffBaseMS int  `json:"backoff_base_ms"`
	BackoffMaxMS  int  `json:"backoff_max_ms"`
	Jitter        bool `json:"jitter"`
}

// NodeSpec describes one unit of work inside a blueprint. Exactly one of
// the kind-specific payload fields is non-nil, matching Kind.
type NodeSpec struct {
	ID           string   `json:"id"`
	Kind         NodeKind `json:"kind"`
	Dependencies []string `json:"dependencies,omitempty"`

	// InputBindings maps local parameter names to literals or upstream
	// output references.
	InputBindings map[string]Binding `json:"input_bindings,omitempty"`

	// OutputSchema is a JSON Schema document declaring the node's output
	// shape, used for downstream binding checks.
	OutputSchema map[string]any `json:"output_schema,omitempty"`

	Retry     *RetryPolicy `json:"retry_policy,omitempty"`
	TimeoutMS int          `json:"timeout_ms,omitempty"`
	Tags      []string     `json:"tags,omitempty"`

	// When is an optional gating expression over upstream outputs. Nodes
	// whose expression evaluates false are reported skipped.
	When string `json:"when,omitempty"`

	// ContinueOnError keeps the run alive when this node fails terminally.
	ContinueOnError bool `json:"continue_on_error,omitempty"`

	// CostEstimateUSD feeds the budget pre-flight. LLM nodes estimate
	// from max_tokens and the model rate instead.
	CostEstimateUSD float64 `json:"cost_estimate_usd,omitempty"`

	Tool      *ToolSpec      `json:"tool,omitempty"`
	LLM       *LLMSpec       `json:"llm,omitempty"`
	Agent     *AgentSpec     `json:"agent,omitempty"`
	Condition *ConditionSpec `json:"condition,omitempty"`
	Loop      *LoopSpec      `json:"loop,omitempty"`
	Parallel  *ParallelSpec  `json:"parallel,omitempty"`
	Recursive *RecursiveSpec `json:"recursive,omitempty"`
	Workflow  *WorkflowSpec  `json:"workflow,omitempty"`
	Code      *CodeSpec      `json:"code,omitempty"`
}

// ToolSpec configures a tool node.
type ToolSpec struct {
	ToolName string         `json:"tool_name"`
	ToolArgs map[string]any `json:"tool_args,omitempty"`
}

// LLMSpec configures a single language-model call.
type LLMSpec struct {
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	Prompt       string  `json:"prompt"`
	Temperature  float64 `json:"temperature,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`

	// ResponseSchema, when present, forces the raw completion through a
	// JSON Schema check with one self-repair attempt on parse failure.
	ResponseSchema map[string]any `json:"response_schema,omitempty"`
}

// AgentSpec configures a tool-use agent loop.
type AgentSpec struct {
	Provider         string            `json:"provider"`
	Model            string            `json:"model"`
	SystemPrompt     string            `json:"system_prompt"`
	Tools            []string          `json:"tools,omitempty"`
	ToolInstructions map[string]string `json:"tool_instructions,omitempty"`
	MemoryEnabled    bool              `json:"memory_enabled,omitempty"`
	MaxIterations    int               `json:"max_iterations,omitempty"`
	Temperature      float64           `json:"temperature,omitempty"`
	MaxTokens        int               `json:"max_tokens,omitempty"`
}

// ConditionSpec configures a branch predicate. The expression is a
// side-effect-free CEL expression over upstream outputs and literals.
type ConditionSpec struct {
	Expression string `json:"expression"`
}

// LoopSpec iterates body nodes over an upstream sequence.
type LoopSpec struct {
	ItemsSource   FieldRef `json:"items_source"`
	LoopVariable  string   `json:"loop_variable"`
	Body          []string `json:"body"`
	MaxIterations int      `json:"max_iterations,omitempty"`

	// ParallelItems > 1 runs that many iterations concurrently. Body
	// nodes within one iteration stay serial.
	ParallelItems int `json:"parallel_items,omitempty"`
}

// ParallelSpec runs branches of node ids concurrently.
type ParallelSpec struct {
	Branches     [][]string `json:"branches"`
	AllowPartial bool       `json:"allow_partial,omitempty"`
}

// RecursiveSpec re-enters a body sub-DAG until convergence.
type RecursiveSpec struct {
	BodyEntry             string   `json:"body_entry"`
	Body                  []string `json:"body"`
	ConvergenceExpression string   `json:"convergence_expression"`
	MaxIterations         int      `json:"max_iterations"`

	// PreserveContextKey names the context slot that survives between
	// iterations; everything else is fresh per iteration.
	PreserveContextKey string `json:"preserve_context_key,omitempty"`

	// AllowPartial succeeds with best-effort output when max_iterations
	// is exhausted without convergence.
	AllowPartial bool `json:"allow_partial,omitempty"`
}

// WorkflowSpec embeds a registered sub-workflow.
type WorkflowSpec struct {
	WorkflowRef string `json:"workflow_ref"`
}

// CodeSpec runs inline source in the sandbox.
type CodeSpec struct {
	Language string   `json:"language"`
	Source   string   `json:"source"`
	Inputs   []string `json:"inputs,omitempty"`
	Outputs  []string `json:"outputs,omitempty"`
}

// Metadata identifies a blueprint.
type Metadata struct {
	Name      string    `json:"name"`
	Owner     string    `json:"owner,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Blueprint is the immutable, validated workflow specification.
type Blueprint struct {
	ID            string     `json:"id,omitempty"`
	SchemaVersion string     `json:"schema_version"`
	Metadata      Metadata   `json:"metadata"`
	Nodes         []NodeSpec `json:"nodes"`
}

// NodeByID returns a lookup map over the blueprint's nodes.
func (b *Blueprint) NodeByID() map[string]*NodeSpec {
	m := make(map[string]*NodeSpec, len(b.Nodes))
	for i := range b.Nodes {
		m[b.Nodes[i].ID] = &b.Nodes[i]
	}
	return m
}

// Node returns the node with the given id, or nil.
func (b *Blueprint) Node(id string) *NodeSpec {
	for i := range b.Nodes {
		if b.Nodes[i].ID == id {
			return &b.Nodes[i]
		}
	}
	return nil
}

// CanonicalJSON renders the blueprint deterministically. encoding/json
// sorts map keys and struct fields keep declaration order, so equal
// blueprints always produce identical bytes. Plan fingerprints hash this.
func (b *Blueprint) CanonicalJSON() ([]byte, error) {
	return json.Marshal(b)
}

// PartialBlueprint is the mutable in-design form. Nodes may be missing
// required kind-specific fields until finalize.
type PartialBlueprint struct {
	ID            string     `json:"id,omitempty"`
	SchemaVersion string     `json:"schema_version"`
	Metadata      Metadata   `json:"metadata"`
	Nodes         []NodeSpec `json:"nodes"`

	Version       int      `json:"version"`
	IsFinalized   bool     `json:"is_finalized"`
	OpenQuestions []string `json:"open_questions,omitempty"`
	Suggestions   []string `json:"suggestions,omitempty"`
}

// ToBlueprint converts the partial into an unvalidated Blueprint; finalize
// runs validation before persisting the result.
func (p *PartialBlueprint) ToBlueprint() *Blueprint {
	nodes := make([]NodeSpec, len(p.Nodes))
	copy(nodes, p.Nodes)
	return &Blueprint{
		SchemaVersion: p.SchemaVersion,
		Metadata:      p.Metadata,
		Nodes:         nodes,
	}
}
