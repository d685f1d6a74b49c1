// Package engine executes compiled plans: a level-order scheduler walks
// the plan, a dispatch table routes each node to its kind executor, and
// container executors (loop, parallel, recursive, workflow) re-enter the
// engine for their bodies.
package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/iceos-ai/iceos/common/apperrors"
	"github.com/iceos-ai/iceos/common/logger"
	"github.com/iceos-ai/iceos/core/blueprint"
	"github.com/iceos-ai/iceos/core/events"
	"github.com/iceos-ai/iceos/core/execctx"
	"github.com/iceos-ai/iceos/core/expr"
	"github.com/iceos-ai/iceos/core/llm"
	"github.com/iceos-ai/iceos/core/plan"
	"github.com/iceos-ai/iceos/core/registry"
	"github.com/iceos-ai/iceos/core/sandbox"
)

// Config wires the engine's collaborators.
type Config struct {
	Registry    *registry.Registry
	Providers   llm.Providers
	Catalog     llm.Catalog
	Sandbox     *sandbox.Sandbox
	Evaluator   *expr.Evaluator
	Compiler    *plan.Compiler
	MaxParallel int
	Logger      *logger.Logger
}

// Engine executes plans. It is stateless across runs; all per-run state
// lives in execctx.Context.
type Engine struct {
	reg         *registry.Registry
	providers   llm.Providers
	catalog     llm.Catalog
	box         *sandbox.Sandbox
	eval        *expr.Evaluator
	compiler    *plan.Compiler
	maxParallel int
	log         *logger.Logger

	planMu    sync.Mutex
	planCache map[string]*plan.Plan
}

// New creates an engine.
func New(cfg Config) *Engine {
	maxParallel := cfg.MaxParallel
	if maxParallel < 1 {
		maxParallel = 5
	}
	return &Engine{
		reg:         cfg.Registry,
		providers:   cfg.Providers,
		catalog:     cfg.Catalog,
		box:         cfg.Sandbox,
		eval:        cfg.Evaluator,
		compiler:    cfg.Compiler,
		maxParallel: maxParallel,
		log:         cfg.Logger.WithComponent("engine"),
		planCache:   make(map[string]*plan.Plan),
	}
}

// runtime bundles the per-run collaborators threaded through executors.
type runtime struct {
	plan        *plan.Plan
	ec          *execctx.Context
	em          *events.Emitter
	inputs      map[string]any
	maxParallel int
}

// scope carries the bindings of one container-body execution: the loop
// item, the iteration counter, the preserved recursive state and a local
// output overlay that isolates concurrent iterations from each other.
type scope struct {
	item      any
	iteration int
	state     any

	// vars are injected into every body node's resolved inputs, e.g. the
	// loop variable.
	vars map[string]any

	mu    sync.Mutex
	local map[string]any
}

func newScope() *scope {
	return &scope{local: make(map[string]any), vars: make(map[string]any)}
}

func (s *scope) setLocal(nodeID string, out any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.local[nodeID] = out
}

func (s *scope) getLocal(nodeID string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, ok := s.local[nodeID]
	return out, ok
}

func (s *scope) localSnapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.local))
	for k, v := range s.local {
		out[k] = v
	}
	return out
}

// lookupOutput resolves a node output, preferring the scope overlay.
func (e *Engine) lookupOutput(rt *runtime, sc *scope, nodeID string) (any, bool) {
	if sc != nil {
		if out, ok := sc.getLocal(nodeID); ok {
			return out, true
		}
	}
	return rt.ec.GetOutput(nodeID)
}

// outputsView merges the run outputs with the scope overlay for
// expression and template evaluation.
func (e *Engine) outputsView(rt *runtime, sc *scope) map[string]any {
	view := rt.ec.Outputs()
	if sc != nil {
		for k, v := range sc.localSnapshot() {
			view[k] = v
		}
	}
	return view
}

// varsFor builds the expression scope for a node evaluation.
func (e *Engine) varsFor(rt *runtime, sc *scope, output any) expr.Vars {
	vars := expr.Vars{
		Nodes:  e.outputsView(rt, sc),
		Output: output,
		Inputs: rt.inputs,
	}
	if sc != nil {
		vars.Item = sc.item
		vars.Iteration = sc.iteration
		vars.State = sc.state
	}
	return vars
}

// executeNode dispatches a node to its kind executor.
func (e *Engine) executeNode(ctx context.Context, rt *runtime, sc *scope, node *blueprint.NodeSpec) (any, error) {
	switch node.Kind {
	case blueprint.KindTool:
		return e.execTool(ctx, rt, sc, node)
	case blueprint.KindLLM:
		return e.execLLM(ctx, rt, sc, node)
	case blueprint.KindAgent:
		return e.execAgent(ctx, rt, sc, node)
	case blueprint.KindCondition:
		return e.execCondition(ctx, rt, sc, node)
	case blueprint.KindLoop:
		return e.execLoop(ctx, rt, sc, node)
	case blueprint.KindParallel:
		return e.execParallel(ctx, rt, sc, node)
	case blueprint.KindRecursive:
		return e.execRecursive(ctx, rt, sc, node)
	case blueprint.KindWorkflow:
		return e.execWorkflow(ctx, rt, sc, node)
	case blueprint.KindCode:
		return e.execCode(ctx, rt, sc, node)
	default:
		return nil, apperrors.New(apperrors.KindInternal, "no executor for kind %q", node.Kind)
	}
}

// asAppError coerces any error into the taxonomy, defaulting to the
// given kind for unclassified causes.
func asAppError(err error, fallback apperrors.Kind) *apperrors.Error {
	var ae *apperrors.Error
	if errors.As(err, &ae) {
		return ae
	}
	kind := apperrors.KindOf(err)
	if kind == apperrors.KindInternal {
		kind = fallback
	}
	return apperrors.Wrap(kind, err, "%v", err)
}
