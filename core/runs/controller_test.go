package runs

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iceos-ai/iceos/common/apperrors"
	"github.com/iceos-ai/iceos/common/logger"
	"github.com/iceos-ai/iceos/core/blueprint"
	"github.com/iceos-ai/iceos/core/engine"
	"github.com/iceos-ai/iceos/core/events"
	"github.com/iceos-ai/iceos/core/expr"
	"github.com/iceos-ai/iceos/core/kv"
	"github.com/iceos-ai/iceos/core/llm"
	"github.com/iceos-ai/iceos/core/plan"
	"github.com/iceos-ai/iceos/core/registry"
	"github.com/iceos-ai/iceos/core/sandbox"
	"github.com/iceos-ai/iceos/core/tools"
)

type ctrlRig struct {
	ctrl *Controller
	bps  *blueprint.Store
	reg  *registry.Registry
	bus  *events.MemoryBus
}

func newCtrlRig(t *testing.T, budgetUSD float64) *ctrlRig {
	return newCtrlRigWithRunKV(t, budgetUSD, nil)
}

// newCtrlRigWithRunKV lets a test wrap the KV store backing run
// snapshots, e.g. to observe writes.
func newCtrlRigWithRunKV(t *testing.T, budgetUSD float64, wrap func(kv.Store) kv.Store) *ctrlRig {
	t.Helper()
	log := logger.New("error", "text")
	store := kv.NewMemoryStore()
	reg := registry.New(store, log)
	require.NoError(t, tools.RegisterBuiltins(context.Background(), reg))

	eval, err := expr.NewEvaluator()
	require.NoError(t, err)
	catalog := llm.DefaultCatalog()
	comp := plan.NewCompiler(reg, eval, catalog, log)
	bus := events.NewMemoryBus()

	eng := engine.New(engine.Config{
		Registry:    reg,
		Providers:   llm.Providers{"mock": &llm.MockProvider{}},
		Catalog:     catalog,
		Sandbox:     sandbox.New(16, 100),
		Evaluator:   eval,
		Compiler:    comp,
		MaxParallel: 4,
		Logger:      log,
	})

	runKV := kv.Store(store)
	if wrap != nil {
		runKV = wrap(store)
	}

	bps := blueprint.NewStore(store, log)
	ctrl := NewController(ControllerConfig{
		Blueprints: bps,
		Compiler:   comp,
		Engine:     eng,
		Store:      NewStore(runKV),
		Bus:        bus,
		BudgetUSD:  budgetUSD,
		Logger:     log,
	})
	return &ctrlRig{ctrl: ctrl, bps: bps, reg: reg, bus: bus}
}

func (r *ctrlRig) createBlueprint(t *testing.T, nodes ...blueprint.NodeSpec) string {
	t.Helper()
	id, _, err := r.bps.Create(context.Background(), &blueprint.Blueprint{
		SchemaVersion: blueprint.SchemaVersion,
		Metadata:      blueprint.Metadata{Name: "test"},
		Nodes:         nodes,
	})
	require.NoError(t, err)
	return id
}

func (r *ctrlRig) waitTerminal(t *testing.T, runID string) *Run {
	t.Helper()
	var run *Run
	require.Eventually(t, func() bool {
		var err error
		run, err = r.ctrl.Get(context.Background(), runID)
		return err == nil && run.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return run
}

func TestStartRunsToCompletion(t *testing.T) {
	r := newCtrlRig(t, 10)
	bpID := r.createBlueprint(t,
		blueprint.NodeSpec{ID: "src", Kind: blueprint.KindTool,
			Tool: &blueprint.ToolSpec{ToolName: "echo", ToolArgs: map[string]any{"text": "hello"}}},
		blueprint.NodeSpec{ID: "up", Kind: blueprint.KindTool,
			Dependencies: []string{"src"},
			Tool:         &blueprint.ToolSpec{ToolName: "to_upper"},
			InputBindings: map[string]blueprint.Binding{
				"text": {Ref: &blueprint.FieldRef{UpstreamID: "src", FieldPath: "text"}},
			}},
	)

	run, err := r.ctrl.Start(context.Background(), StartRequest{BlueprintID: bpID})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, run.Status)
	assert.NotEmpty(t, run.Fingerprint)

	final := r.waitTerminal(t, run.ID)
	assert.Equal(t, StatusSucceeded, final.Status)
	assert.Equal(t, "HELLO", final.Outputs["up"].(map[string]any)["text"])

	recs, err := r.ctrl.Events(context.Background(), run.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, recs)
	assert.Equal(t, events.RunStarted, recs[0].Kind)
	last := recs[len(recs)-1]
	assert.Equal(t, events.RunFinished, last.Kind)
	assert.Equal(t, true, last.Payload["success"])
}

func TestBudgetPreflightRejectsExpensiveRuns(t *testing.T) {
	r := newCtrlRig(t, 0.01)
	bpID := r.createBlueprint(t,
		blueprint.NodeSpec{ID: "gen", Kind: blueprint.KindLLM,
			LLM: &blueprint.LLMSpec{Provider: "anthropic", Model: "claude-sonnet-4-5",
				Prompt: "write a novel", MaxTokens: 100000}},
	)

	_, err := r.ctrl.Start(context.Background(), StartRequest{BlueprintID: bpID})
	require.Error(t, err)

	var appErr *apperrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.KindBudgetExceeded, appErr.Kind)
	details := appErr.Details.(map[string]any)
	assert.Greater(t, details["estimate_usd"].(float64), details["ceiling_usd"].(float64))
}

func TestCancelStopsLiveRun(t *testing.T) {
	r := newCtrlRig(t, 10)
	bpID := r.createBlueprint(t,
		blueprint.NodeSpec{ID: "slow", Kind: blueprint.KindTool,
			Tool: &blueprint.ToolSpec{ToolName: "sleep", ToolArgs: map[string]any{"duration_ms": 5000.0}}},
	)

	run, err := r.ctrl.Start(context.Background(), StartRequest{BlueprintID: bpID})
	require.NoError(t, err)

	// Give the scheduler a moment to start the node.
	time.Sleep(50 * time.Millisecond)
	_, err = r.ctrl.Cancel(context.Background(), run.ID)
	require.NoError(t, err)

	final := r.waitTerminal(t, run.ID)
	assert.Equal(t, StatusCanceled, final.Status)
	require.NotNil(t, final.Error)
	assert.Equal(t, string(apperrors.KindCancelled), final.Error.Kind)
}

func TestFailedRunRecordsTerminalError(t *testing.T) {
	r := newCtrlRig(t, 10)
	bpID := r.createBlueprint(t,
		blueprint.NodeSpec{ID: "bad", Kind: blueprint.KindTool,
			Tool: &blueprint.ToolSpec{ToolName: "to_upper", ToolArgs: map[string]any{"text": 42}}},
	)

	run, err := r.ctrl.Start(context.Background(), StartRequest{BlueprintID: bpID})
	require.NoError(t, err)

	final := r.waitTerminal(t, run.ID)
	assert.Equal(t, StatusFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Equal(t, string(apperrors.KindValidation), final.Error.Kind)
	assert.Equal(t, "bad", final.Error.NodeID)

	recs, err := r.ctrl.Events(context.Background(), run.ID, 0)
	require.NoError(t, err)
	last := recs[len(recs)-1]
	assert.Equal(t, events.RunFinished, last.Kind)
	assert.Equal(t, false, last.Payload["success"])
}

func TestStartUnknownBlueprintIsNotFound(t *testing.T) {
	r := newCtrlRig(t, 10)
	_, err := r.ctrl.Start(context.Background(), StartRequest{BlueprintID: "nope"})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
}

func TestCancelTerminalRunRejected(t *testing.T) {
	r := newCtrlRig(t, 10)
	bpID := r.createBlueprint(t,
		blueprint.NodeSpec{ID: "quick", Kind: blueprint.KindTool,
			Tool: &blueprint.ToolSpec{ToolName: "echo"}},
	)

	run, err := r.ctrl.Start(context.Background(), StartRequest{BlueprintID: bpID})
	require.NoError(t, err)
	r.waitTerminal(t, run.ID)

	_, err = r.ctrl.Cancel(context.Background(), run.ID)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
}

// statusRecorder wraps the run KV store and records the status carried
// by every run snapshot write, in order.
type statusRecorder struct {
	kv.Store
	mu       sync.Mutex
	statuses []Status
}

func (r *statusRecorder) Set(ctx context.Context, key, value string) error {
	if strings.HasPrefix(key, "run:") {
		var run Run
		if err := json.Unmarshal([]byte(value), &run); err == nil {
			r.mu.Lock()
			r.statuses = append(r.statuses, run.Status)
			r.mu.Unlock()
		}
	}
	return r.Store.Set(ctx, key, value)
}

func (r *statusRecorder) seen() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.statuses...)
}

func TestStartPersistsPendingBeforeRunning(t *testing.T) {
	rec := &statusRecorder{}
	r := newCtrlRigWithRunKV(t, 10, func(s kv.Store) kv.Store {
		rec.Store = s
		return rec
	})
	bpID := r.createBlueprint(t,
		blueprint.NodeSpec{ID: "quick", Kind: blueprint.KindTool,
			Tool: &blueprint.ToolSpec{ToolName: "echo"}},
	)

	run, err := r.ctrl.Start(context.Background(), StartRequest{BlueprintID: bpID})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, run.Status)
	r.waitTerminal(t, run.ID)

	seen := rec.seen()
	require.GreaterOrEqual(t, len(seen), 3)
	assert.Equal(t, StatusPending, seen[0], "the first snapshot is pending")
	assert.Equal(t, StatusRunning, seen[1])
	assert.True(t, seen[len(seen)-1].Terminal())
}

func TestStartInlineBlueprint(t *testing.T) {
	r := newCtrlRig(t, 10)

	run, err := r.ctrl.Start(context.Background(), StartRequest{
		Blueprint: &blueprint.Blueprint{
			SchemaVersion: blueprint.SchemaVersion,
			Metadata:      blueprint.Metadata{Name: "inline"},
			Nodes: []blueprint.NodeSpec{
				{ID: "src", Kind: blueprint.KindTool,
					Tool: &blueprint.ToolSpec{ToolName: "echo", ToolArgs: map[string]any{"text": "hi"}}},
			},
		},
		Options: RunOptions{MaxParallel: 2},
	})
	require.NoError(t, err)

	final := r.waitTerminal(t, run.ID)
	assert.Equal(t, StatusSucceeded, final.Status)
	assert.Equal(t, "hi", final.Outputs["src"].(map[string]any)["text"])

	// Inline blueprints run without being persisted.
	stored, err := r.bps.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestStartRejectsAmbiguousBlueprintArms(t *testing.T) {
	r := newCtrlRig(t, 10)
	inline := &blueprint.Blueprint{
		SchemaVersion: blueprint.SchemaVersion,
		Nodes: []blueprint.NodeSpec{
			{ID: "n", Kind: blueprint.KindTool, Tool: &blueprint.ToolSpec{ToolName: "echo"}},
		},
	}

	_, err := r.ctrl.Start(context.Background(), StartRequest{BlueprintID: "bp-x", Blueprint: inline})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))

	_, err = r.ctrl.Start(context.Background(), StartRequest{})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
}

func TestStartInlineBlueprintFailsCompilation(t *testing.T) {
	r := newCtrlRig(t, 10)
	_, err := r.ctrl.Start(context.Background(), StartRequest{
		Blueprint: &blueprint.Blueprint{
			SchemaVersion: blueprint.SchemaVersion,
			Nodes: []blueprint.NodeSpec{
				{ID: "n", Kind: blueprint.KindTool,
					Tool: &blueprint.ToolSpec{ToolName: "no_such_tool"}},
			},
		},
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
}

func TestListFiltersByStatus(t *testing.T) {
	r := newCtrlRig(t, 10)
	goodID := r.createBlueprint(t,
		blueprint.NodeSpec{ID: "ok", Kind: blueprint.KindTool,
			Tool: &blueprint.ToolSpec{ToolName: "echo"}},
	)
	badID := r.createBlueprint(t,
		blueprint.NodeSpec{ID: "bad", Kind: blueprint.KindTool,
			Tool: &blueprint.ToolSpec{ToolName: "to_upper", ToolArgs: map[string]any{"text": 42}}},
	)

	good, err := r.ctrl.Start(context.Background(), StartRequest{BlueprintID: goodID})
	require.NoError(t, err)
	bad, err := r.ctrl.Start(context.Background(), StartRequest{BlueprintID: badID})
	require.NoError(t, err)
	r.waitTerminal(t, good.ID)
	r.waitTerminal(t, bad.ID)

	failed, err := r.ctrl.List(context.Background(), ListFilter{Status: StatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, bad.ID, failed[0].ID)
}
