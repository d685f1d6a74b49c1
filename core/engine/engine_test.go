package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iceos-ai/iceos/common/apperrors"
	"github.com/iceos-ai/iceos/common/logger"
	"github.com/iceos-ai/iceos/core/blueprint"
	"github.com/iceos-ai/iceos/core/events"
	"github.com/iceos-ai/iceos/core/execctx"
	"github.com/iceos-ai/iceos/core/expr"
	"github.com/iceos-ai/iceos/core/kv"
	"github.com/iceos-ai/iceos/core/llm"
	"github.com/iceos-ai/iceos/core/plan"
	"github.com/iceos-ai/iceos/core/registry"
	"github.com/iceos-ai/iceos/core/sandbox"
	"github.com/iceos-ai/iceos/core/tools"
)

type rig struct {
	eng  *Engine
	reg  *registry.Registry
	comp *plan.Compiler
	bus  *events.MemoryBus
	mock *llm.MockProvider
}

func newRig(t *testing.T) *rig {
	t.Helper()
	log := logger.New("error", "text")
	reg := registry.New(kv.NewMemoryStore(), log)
	require.NoError(t, tools.RegisterBuiltins(context.Background(), reg))

	eval, err := expr.NewEvaluator()
	require.NoError(t, err)
	catalog := llm.DefaultCatalog()
	comp := plan.NewCompiler(reg, eval, catalog, log)
	mock := &llm.MockProvider{}

	eng := New(Config{
		Registry:    reg,
		Providers:   llm.Providers{"mock": mock},
		Catalog:     catalog,
		Sandbox:     sandbox.New(16, 100),
		Evaluator:   eval,
		Compiler:    comp,
		MaxParallel: 4,
		Logger:      log,
	})
	return &rig{eng: eng, reg: reg, comp: comp, bus: events.NewMemoryBus(), mock: mock}
}

// flakyTool fails a configured number of times before succeeding.
type flakyTool struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyTool) Name() string { return "flaky" }

func (f *flakyTool) Execute(_ context.Context, _ map[string]any) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return nil, apperrors.New(apperrors.KindToolExecution, "transient failure %d", f.calls)
	}
	return map[string]any{"calls": f.calls}, nil
}

func (r *rig) seedFlaky(t *testing.T, failures int) {
	t.Helper()
	r.reg.RegisterFactory("flaky", func(*registry.Definition) (registry.Tool, error) {
		return &flakyTool{failures: failures}, nil
	})
	require.NoError(t, r.reg.Seed(context.Background(), &registry.Definition{
		Kind: registry.KindTool, Name: "flaky", Factory: "flaky",
		Description: "fails then succeeds",
	}))
}

func (r *rig) run(t *testing.T, b *blueprint.Blueprint, inputs map[string]any) (*execctx.Context, error) {
	t.Helper()
	p, err := r.comp.Compile(context.Background(), b)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ec := execctx.New("run-test", 0, nil, cancel)
	em := events.NewEmitter(r.bus, "run-test")
	return ec, r.eng.ExecutePlan(ctx, p, ec, em, inputs)
}

func (r *rig) records(t *testing.T) []events.Record {
	t.Helper()
	recs, err := r.bus.Read(context.Background(), "run-test", 0)
	require.NoError(t, err)
	return recs
}

func countKind(recs []events.Record, kind events.Kind) int {
	n := 0
	for _, rec := range recs {
		if rec.Kind == kind {
			n++
		}
	}
	return n
}

func lit(t *testing.T, v any) blueprint.Binding {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return blueprint.Binding{Literal: raw}
}

func testBP(nodes ...blueprint.NodeSpec) *blueprint.Blueprint {
	return &blueprint.Blueprint{ID: "bp-engine", SchemaVersion: blueprint.SchemaVersion, Nodes: nodes}
}

func TestLinearChainPropagatesBindings(t *testing.T) {
	r := newRig(t)
	ec, err := r.run(t, testBP(
		blueprint.NodeSpec{ID: "src", Kind: blueprint.KindTool,
			Tool: &blueprint.ToolSpec{ToolName: "echo", ToolArgs: map[string]any{"text": "hello"}}},
		blueprint.NodeSpec{ID: "up", Kind: blueprint.KindTool,
			Dependencies: []string{"src"},
			Tool:         &blueprint.ToolSpec{ToolName: "to_upper"},
			InputBindings: map[string]blueprint.Binding{
				"text": {Ref: &blueprint.FieldRef{UpstreamID: "src", FieldPath: "text"}},
			}},
	), nil)
	require.NoError(t, err)

	out, ok := ec.GetOutput("up")
	require.True(t, ok)
	assert.Equal(t, "HELLO", out.(map[string]any)["text"])

	recs := r.records(t)
	assert.Equal(t, 2, countKind(recs, events.NodeStarted))
	assert.Equal(t, 2, countKind(recs, events.NodeFinished))
}

func TestConditionRoutesBranchesAndSkipsPropagate(t *testing.T) {
	r := newRig(t)
	ec, err := r.run(t, testBP(
		blueprint.NodeSpec{ID: "gate", Kind: blueprint.KindCondition,
			Condition: &blueprint.ConditionSpec{Expression: "inputs.x > 5"}},
		blueprint.NodeSpec{ID: "yes", Kind: blueprint.KindTool,
			Dependencies: []string{"gate"},
			When:         `nodes.gate.branch == "true"`,
			Tool:         &blueprint.ToolSpec{ToolName: "echo", ToolArgs: map[string]any{"took": "yes"}}},
		blueprint.NodeSpec{ID: "no", Kind: blueprint.KindTool,
			Dependencies: []string{"gate"},
			When:         `nodes.gate.branch == "false"`,
			Tool:         &blueprint.ToolSpec{ToolName: "echo", ToolArgs: map[string]any{"took": "no"}}},
		blueprint.NodeSpec{ID: "after_no", Kind: blueprint.KindTool,
			Dependencies: []string{"no"},
			Tool:         &blueprint.ToolSpec{ToolName: "echo"}},
	), map[string]any{"x": 10})
	require.NoError(t, err)

	_, yesRan := ec.GetOutput("yes")
	assert.True(t, yesRan)
	_, noRan := ec.GetOutput("no")
	assert.False(t, noRan)
	_, afterRan := ec.GetOutput("after_no")
	assert.False(t, afterRan, "downstream of a skipped node must be skipped")

	recs := r.records(t)
	assert.Equal(t, 2, countKind(recs, events.NodeSkipped))
}

func TestRetryRecoversFromTransientFailures(t *testing.T) {
	r := newRig(t)
	r.seedFlaky(t, 2)

	ec, err := r.run(t, testBP(
		blueprint.NodeSpec{ID: "f", Kind: blueprint.KindTool,
			Tool:  &blueprint.ToolSpec{ToolName: "flaky"},
			Retry: &blueprint.RetryPolicy{MaxAttempts: 3, BackoffBaseMS: 1, BackoffMaxMS: 2}},
	), nil)
	require.NoError(t, err)

	out, _ := ec.GetOutput("f")
	assert.Equal(t, 3, out.(map[string]any)["calls"])
	assert.Equal(t, 2, countKind(r.records(t), events.NodeRetry))
}

func TestRetryExhaustionReportsAttempts(t *testing.T) {
	r := newRig(t)
	r.seedFlaky(t, 100)

	_, err := r.run(t, testBP(
		blueprint.NodeSpec{ID: "f", Kind: blueprint.KindTool,
			Tool:  &blueprint.ToolSpec{ToolName: "flaky"},
			Retry: &blueprint.RetryPolicy{MaxAttempts: 2, BackoffBaseMS: 1}},
	), nil)
	require.Error(t, err)

	var appErr *apperrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.KindToolExecution, appErr.Kind)
	assert.Equal(t, 2, appErr.Attempts)
	assert.Equal(t, "f", appErr.NodeID)
}

func TestNodeTimeoutMapsToTimeoutKind(t *testing.T) {
	r := newRig(t)
	_, err := r.run(t, testBP(
		blueprint.NodeSpec{ID: "slow", Kind: blueprint.KindTool,
			TimeoutMS: 20,
			Tool:      &blueprint.ToolSpec{ToolName: "sleep", ToolArgs: map[string]any{"duration_ms": 500.0}}},
	), nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindTimeout, apperrors.KindOf(err))
}

func TestContinueOnErrorKeepsRunAlive(t *testing.T) {
	r := newRig(t)
	r.seedFlaky(t, 100)

	ec, err := r.run(t, testBP(
		blueprint.NodeSpec{ID: "f", Kind: blueprint.KindTool,
			ContinueOnError: true,
			Tool:            &blueprint.ToolSpec{ToolName: "flaky"}},
		blueprint.NodeSpec{ID: "solo", Kind: blueprint.KindTool,
			Tool: &blueprint.ToolSpec{ToolName: "echo", ToolArgs: map[string]any{"ok": true}}},
		blueprint.NodeSpec{ID: "after_f", Kind: blueprint.KindTool,
			Dependencies: []string{"f"},
			Tool:         &blueprint.ToolSpec{ToolName: "echo"}},
	), nil)
	require.NoError(t, err, "tolerated failure must not fail the run")

	_, ok := ec.GetOutput("solo")
	assert.True(t, ok)
	_, ok = ec.GetOutput("after_f")
	assert.False(t, ok, "dependents of the failed node are skipped")
	assert.Len(t, ec.Errors(), 1)
}

func TestLoopIteratesWithPerItemFailures(t *testing.T) {
	r := newRig(t)
	ec, err := r.run(t, testBP(
		blueprint.NodeSpec{ID: "src", Kind: blueprint.KindTool,
			Tool: &blueprint.ToolSpec{ToolName: "echo",
				ToolArgs: map[string]any{"items": []any{"a", "b", 3}}}},
		blueprint.NodeSpec{ID: "shout", Kind: blueprint.KindTool,
			Tool: &blueprint.ToolSpec{ToolName: "to_upper"}},
		blueprint.NodeSpec{ID: "each", Kind: blueprint.KindLoop,
			ContinueOnError: true,
			Loop: &blueprint.LoopSpec{
				ItemsSource:  blueprint.FieldRef{UpstreamID: "src", FieldPath: "items"},
				LoopVariable: "text",
				Body:         []string{"shout"},
			}},
	), nil)
	require.NoError(t, err)

	out, ok := ec.GetOutput("each")
	require.True(t, ok)
	m := out.(map[string]any)
	results := m["results"].([]any)
	require.Len(t, results, 3)
	assert.Equal(t, "A", results[0].(map[string]any)["text"])
	assert.Equal(t, "B", results[1].(map[string]any)["text"])

	// The failed item keeps its slot with a structured error.
	slot, ok := results[2].(map[string]any)
	require.True(t, ok, "the failed slot carries an error value")
	errVal := slot["error"].(map[string]any)
	assert.NotEmpty(t, errVal["kind"])
	assert.NotEmpty(t, errVal["message"])
	assert.NotEmpty(t, m["failures"])

	// Body outputs stay scoped to the loop.
	_, leaked := ec.GetOutput("shout")
	assert.False(t, leaked)
}

func TestLoopWithoutToleranceFailsWholeNode(t *testing.T) {
	r := newRig(t)
	_, err := r.run(t, testBP(
		blueprint.NodeSpec{ID: "src", Kind: blueprint.KindTool,
			Tool: &blueprint.ToolSpec{ToolName: "echo",
				ToolArgs: map[string]any{"items": []any{"a", 3}}}},
		blueprint.NodeSpec{ID: "shout", Kind: blueprint.KindTool,
			Tool: &blueprint.ToolSpec{ToolName: "to_upper"}},
		blueprint.NodeSpec{ID: "each", Kind: blueprint.KindLoop,
			Loop: &blueprint.LoopSpec{
				ItemsSource:  blueprint.FieldRef{UpstreamID: "src", FieldPath: "items"},
				LoopVariable: "text",
				Body:         []string{"shout"},
			}},
	), nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
}

func TestParallelAllowPartial(t *testing.T) {
	r := newRig(t)
	ec, err := r.run(t, testBP(
		blueprint.NodeSpec{ID: "good", Kind: blueprint.KindTool,
			Tool: &blueprint.ToolSpec{ToolName: "echo", ToolArgs: map[string]any{"ok": true}}},
		blueprint.NodeSpec{ID: "bad", Kind: blueprint.KindTool,
			Tool: &blueprint.ToolSpec{ToolName: "to_upper", ToolArgs: map[string]any{"text": 42}}},
		blueprint.NodeSpec{ID: "fan", Kind: blueprint.KindParallel,
			Parallel: &blueprint.ParallelSpec{
				Branches:     [][]string{{"good"}, {"bad"}},
				AllowPartial: true,
			}},
	), nil)
	require.NoError(t, err)

	out, _ := ec.GetOutput("fan")
	m := out.(map[string]any)
	assert.Equal(t, []int{0}, m["succeeded"])
	assert.Equal(t, []int{1}, m["failed"])
	outputs := m["outputs"].(map[string]any)
	assert.Contains(t, outputs, "good")
}

func TestParallelAllowPartialAllBranchesFail(t *testing.T) {
	r := newRig(t)
	ec, err := r.run(t, testBP(
		blueprint.NodeSpec{ID: "bad1", Kind: blueprint.KindTool,
			Tool: &blueprint.ToolSpec{ToolName: "to_upper", ToolArgs: map[string]any{"text": 1}}},
		blueprint.NodeSpec{ID: "bad2", Kind: blueprint.KindTool,
			Tool: &blueprint.ToolSpec{ToolName: "to_upper", ToolArgs: map[string]any{"text": 2}}},
		blueprint.NodeSpec{ID: "fan", Kind: blueprint.KindParallel,
			Parallel: &blueprint.ParallelSpec{
				Branches:     [][]string{{"bad1"}, {"bad2"}},
				AllowPartial: true,
			}},
	), nil)
	require.NoError(t, err, "allow_partial tolerates a fully failed fan-out")

	out, _ := ec.GetOutput("fan")
	m := out.(map[string]any)
	assert.Equal(t, []int{}, m["succeeded"])
	assert.Equal(t, []int{0, 1}, m["failed"])
	failures := m["failures"].(map[string]string)
	assert.Len(t, failures, 2)
}

func TestParallelStrictFailsOnAnyBranch(t *testing.T) {
	r := newRig(t)
	_, err := r.run(t, testBP(
		blueprint.NodeSpec{ID: "good", Kind: blueprint.KindTool,
			Tool: &blueprint.ToolSpec{ToolName: "echo"}},
		blueprint.NodeSpec{ID: "bad", Kind: blueprint.KindTool,
			Tool: &blueprint.ToolSpec{ToolName: "to_upper", ToolArgs: map[string]any{"text": 42}}},
		blueprint.NodeSpec{ID: "fan", Kind: blueprint.KindParallel,
			Parallel: &blueprint.ParallelSpec{Branches: [][]string{{"good"}, {"bad"}}}},
	), nil)
	require.Error(t, err)
}

// gaugeTool records the highest number of simultaneous executions.
type gaugeTool struct {
	mu      sync.Mutex
	active  int
	highest int
}

func (g *gaugeTool) Name() string { return "gauge" }

func (g *gaugeTool) Execute(_ context.Context, _ map[string]any) (map[string]any, error) {
	g.mu.Lock()
	g.active++
	if g.active > g.highest {
		g.highest = g.active
	}
	g.mu.Unlock()

	time.Sleep(30 * time.Millisecond)

	g.mu.Lock()
	g.active--
	g.mu.Unlock()
	return map[string]any{"ok": true}, nil
}

func (g *gaugeTool) peak() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.highest
}

func TestPerRunMaxParallelOverride(t *testing.T) {
	r := newRig(t)
	gauge := &gaugeTool{}
	r.reg.RegisterFactory("gauge", func(*registry.Definition) (registry.Tool, error) {
		return gauge, nil
	})
	require.NoError(t, r.reg.Seed(context.Background(), &registry.Definition{
		Kind: registry.KindTool, Name: "gauge", Factory: "gauge",
		Description: "records peak concurrency",
	}))

	// Three independent nodes land in one level; the engine default of 4
	// would run them together.
	b := testBP(
		blueprint.NodeSpec{ID: "a", Kind: blueprint.KindTool, Tool: &blueprint.ToolSpec{ToolName: "gauge"}},
		blueprint.NodeSpec{ID: "b", Kind: blueprint.KindTool, Tool: &blueprint.ToolSpec{ToolName: "gauge"}},
		blueprint.NodeSpec{ID: "c", Kind: blueprint.KindTool, Tool: &blueprint.ToolSpec{ToolName: "gauge"}},
	)
	p, err := r.comp.Compile(context.Background(), b)
	require.NoError(t, err)

	ec := execctx.New("run-test", 0, nil, nil)
	em := events.NewEmitter(r.bus, "run-test")
	err = r.eng.ExecutePlanWithOptions(context.Background(), p, ec, em, nil, ExecOptions{MaxParallel: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, gauge.peak(), "a per-run cap of 1 serializes the level")
}

func TestRecursiveConvergesOnThirdIteration(t *testing.T) {
	r := newRig(t)
	ec, err := r.run(t, testBP(
		blueprint.NodeSpec{ID: "step", Kind: blueprint.KindCode,
			Code: &blueprint.CodeSpec{
				Language: "starlark",
				Source:   "score = iteration * 0.4",
				Inputs:   []string{"iteration"},
				Outputs:  []string{"score"},
			}},
		blueprint.NodeSpec{ID: "refine", Kind: blueprint.KindRecursive,
			Recursive: &blueprint.RecursiveSpec{
				BodyEntry:             "step",
				Body:                  []string{"step"},
				ConvergenceExpression: "output.score >= 1.0",
				MaxIterations:         5,
			}},
	), nil)
	require.NoError(t, err)

	out, _ := ec.GetOutput("refine")
	m := out.(map[string]any)
	assert.Equal(t, 3, m["iterations"])
	assert.Equal(t, true, m["converged"])
	assert.Equal(t, 3, countKind(r.records(t), events.RecursiveIteration))
}

func TestRecursiveExhaustionWithoutPartialFails(t *testing.T) {
	r := newRig(t)
	_, err := r.run(t, testBP(
		blueprint.NodeSpec{ID: "step", Kind: blueprint.KindCode,
			Code: &blueprint.CodeSpec{
				Language: "starlark",
				Source:   "score = 0.1",
				Outputs:  []string{"score"},
			}},
		blueprint.NodeSpec{ID: "refine", Kind: blueprint.KindRecursive,
			Recursive: &blueprint.RecursiveSpec{
				BodyEntry:             "step",
				Body:                  []string{"step"},
				ConvergenceExpression: "output.score >= 1.0",
				MaxIterations:         2,
			}},
	), nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindNonConvergent, apperrors.KindOf(err))
}

func TestRecursiveAllowPartialReturnsBestEffort(t *testing.T) {
	r := newRig(t)
	ec, err := r.run(t, testBP(
		blueprint.NodeSpec{ID: "step", Kind: blueprint.KindCode,
			Code: &blueprint.CodeSpec{
				Language: "starlark",
				Source:   "score = 0.1",
				Outputs:  []string{"score"},
			}},
		blueprint.NodeSpec{ID: "refine", Kind: blueprint.KindRecursive,
			Recursive: &blueprint.RecursiveSpec{
				BodyEntry:             "step",
				Body:                  []string{"step"},
				ConvergenceExpression: "output.score >= 1.0",
				MaxIterations:         2,
				AllowPartial:          true,
			}},
	), nil)
	require.NoError(t, err)

	out, _ := ec.GetOutput("refine")
	m := out.(map[string]any)
	assert.Equal(t, false, m["converged"])
	assert.Equal(t, 2, m["iterations"])
}

func TestBudgetCeilingAbortsRun(t *testing.T) {
	r := newRig(t)
	r.mock.Responses = []llm.Response{
		{Text: "one", Usage: llm.Usage{OutputTokens: 10, CostUSD: 0.6}},
	}

	b := testBP(
		blueprint.NodeSpec{ID: "first", Kind: blueprint.KindLLM,
			LLM: &blueprint.LLMSpec{Provider: "mock", Model: "scripted", Prompt: "go"}},
		blueprint.NodeSpec{ID: "second", Kind: blueprint.KindLLM,
			Dependencies: []string{"first"},
			LLM:          &blueprint.LLMSpec{Provider: "mock", Model: "scripted", Prompt: "go again"}},
	)
	p, err := r.comp.Compile(context.Background(), b)
	require.NoError(t, err)

	ec := execctx.New("run-test", 1.0, nil, nil)
	em := events.NewEmitter(r.bus, "run-test")
	err = r.eng.ExecutePlan(context.Background(), p, ec, em, nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindBudgetExceeded, apperrors.KindOf(err))
	assert.InDelta(t, 1.2, ec.Cost(), 1e-9)
}

func TestWorkflowSubRunNamespacesEvents(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.reg.Seed(context.Background(), &registry.Definition{
		Kind: registry.KindWorkflow, Name: "greeter",
		Blueprint: testBP(
			blueprint.NodeSpec{ID: "inner", Kind: blueprint.KindTool,
				Tool: &blueprint.ToolSpec{ToolName: "echo", ToolArgs: map[string]any{"text": "hi"}}},
		),
	}))

	ec, err := r.run(t, testBP(
		blueprint.NodeSpec{ID: "wf", Kind: blueprint.KindWorkflow,
			Workflow: &blueprint.WorkflowSpec{WorkflowRef: "greeter"}},
	), nil)
	require.NoError(t, err)

	out, _ := ec.GetOutput("wf")
	outputs := out.(map[string]any)["outputs"].(map[string]any)
	assert.Equal(t, "hi", outputs["inner"].(map[string]any)["text"])

	namespaced := false
	for _, rec := range r.records(t) {
		if rec.NodeID == "wf/inner" {
			namespaced = true
		}
	}
	assert.True(t, namespaced, "sub-run events carry the workflow node prefix")
}

func TestCancellationStopsTheRun(t *testing.T) {
	r := newRig(t)
	b := testBP(
		blueprint.NodeSpec{ID: "slow", Kind: blueprint.KindTool,
			Tool: &blueprint.ToolSpec{ToolName: "sleep", ToolArgs: map[string]any{"duration_ms": 2000.0}}},
	)
	p, err := r.comp.Compile(context.Background(), b)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ec := execctx.New("run-test", 0, nil, cancel)
	em := events.NewEmitter(r.bus, "run-test")

	go func() {
		time.Sleep(50 * time.Millisecond)
		ec.Cancel()
	}()

	start := time.Now()
	err = r.eng.ExecutePlan(ctx, p, ec, em, nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindCancelled, apperrors.KindOf(err))
	assert.Less(t, time.Since(start), time.Second, "cancellation must interrupt the sleeping node")
}

func TestAgentToolLoop(t *testing.T) {
	r := newRig(t)
	r.mock.Responses = []llm.Response{
		{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "to_upper", Input: map[string]any{"text": "hi"}}}},
		{Text: "the answer is HI"},
	}

	ec, err := r.run(t, testBP(
		blueprint.NodeSpec{ID: "helper", Kind: blueprint.KindAgent,
			Agent: &blueprint.AgentSpec{
				Provider: "mock", Model: "scripted",
				SystemPrompt:  "You uppercase things.",
				Tools:         []string{"to_upper"},
				MaxIterations: 4,
			},
			InputBindings: map[string]blueprint.Binding{"task": lit(t, "uppercase hi")}},
	), nil)
	require.NoError(t, err)

	out, _ := ec.GetOutput("helper")
	m := out.(map[string]any)
	assert.Equal(t, "the answer is HI", m["text"])
	assert.Equal(t, 2, m["iterations"])
	assert.Equal(t, 1, m["tool_calls"])

	// The observation travels back as a tool-role message.
	require.Equal(t, 2, r.mock.CallCount())
	second := r.mock.Calls[1]
	lastMsg := second.Messages[len(second.Messages)-1]
	assert.Equal(t, llm.RoleTool, lastMsg.Role)
	assert.Contains(t, lastMsg.Content, "HI")
}

func TestAgentExhaustion(t *testing.T) {
	r := newRig(t)
	r.mock.Responses = []llm.Response{
		{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "to_upper", Input: map[string]any{"text": "x"}}}},
	}

	_, err := r.run(t, testBP(
		blueprint.NodeSpec{ID: "helper", Kind: blueprint.KindAgent,
			Agent: &blueprint.AgentSpec{
				Provider: "mock", Model: "scripted",
				SystemPrompt:  "loop forever",
				Tools:         []string{"to_upper"},
				MaxIterations: 2,
			}},
	), nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindAgentExhausted, apperrors.KindOf(err))
}

func TestLLMResponseSchemaSelfRepair(t *testing.T) {
	r := newRig(t)
	r.mock.Responses = []llm.Response{
		{Text: "definitely not json"},
		{Text: `{"answer": 42}`},
	}

	ec, err := r.run(t, testBP(
		blueprint.NodeSpec{ID: "gen", Kind: blueprint.KindLLM,
			LLM: &blueprint.LLMSpec{
				Provider: "mock", Model: "scripted", Prompt: "answer",
				ResponseSchema: map[string]any{
					"type":       "object",
					"properties": map[string]any{"answer": map[string]any{"type": "number"}},
					"required":   []any{"answer"},
				},
			}},
	), nil)
	require.NoError(t, err)

	out, _ := ec.GetOutput("gen")
	assert.Equal(t, float64(42), out.(map[string]any)["answer"])
	assert.Equal(t, 2, r.mock.CallCount())
}

func TestPromptTemplatesResolveNodeOutputs(t *testing.T) {
	r := newRig(t)
	r.mock.Responses = []llm.Response{{Text: "done"}}

	_, err := r.run(t, testBP(
		blueprint.NodeSpec{ID: "src", Kind: blueprint.KindTool,
			Tool: &blueprint.ToolSpec{ToolName: "echo", ToolArgs: map[string]any{"text": "raw material"}}},
		blueprint.NodeSpec{ID: "gen", Kind: blueprint.KindLLM,
			Dependencies: []string{"src"},
			LLM: &blueprint.LLMSpec{Provider: "mock", Model: "scripted",
				Prompt: "Summarize: {{nodes.src.text}}"}},
	), nil)
	require.NoError(t, err)

	require.Equal(t, 1, r.mock.CallCount())
	sent := r.mock.Calls[0].Messages[0].Content
	assert.Equal(t, "Summarize: raw material", sent)
}
