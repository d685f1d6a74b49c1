// Package expr evaluates the restricted mini-language used by condition
// nodes, `when` gates and convergence expressions. Expressions are CEL:
// side-effect free, with comparison, boolean logic, field access,
// membership and arithmetic over upstream outputs and literals.
package expr

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/iceos-ai/iceos/common/apperrors"
)

// Vars is the evaluation scope. Missing entries evaluate as empty maps so
// expressions over absent upstream outputs fail cleanly instead of
// panicking inside CEL.
type Vars struct {
	// Nodes maps node id to that node's output value.
	Nodes map[string]any

	// Output is the current node's (or iteration's) own output.
	Output any

	// State is the preserved recursive context slot.
	State any

	// Item and Iteration are bound inside loop scopes.
	Item      any
	Iteration int

	// Inputs are the run's initial inputs.
	Inputs map[string]any
}

// Evaluator compiles and caches CEL programs.
type Evaluator struct {
	cache map[string]cel.Program
	mu    sync.RWMutex
	env   *cel.Env
}

// NewEvaluator creates an evaluator with a shared environment and an
// empty program cache.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("nodes", cel.DynType),
		cel.Variable("output", cel.DynType),
		cel.Variable("state", cel.DynType),
		cel.Variable("item", cel.DynType),
		cel.Variable("iteration", cel.IntType),
		cel.Variable("inputs", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	return &Evaluator{
		cache: make(map[string]cel.Program),
		env:   env,
	}, nil
}

// EvalBool evaluates a boolean expression against the scope.
func (e *Evaluator) EvalBool(expression string, vars Vars) (bool, error) {
	out, err := e.Eval(expression, vars)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, apperrors.New(apperrors.KindValidation,
			"expression %q did not return a boolean, got %T", expression, out)
	}
	return b, nil
}

// Eval evaluates an expression and returns its native Go value.
func (e *Evaluator) Eval(expression string, vars Vars) (any, error) {
	prg, err := e.program(expression)
	if err != nil {
		return nil, err
	}

	activation := map[string]any{
		"nodes":     orEmpty(vars.Nodes),
		"output":    orEmptyAny(vars.Output),
		"state":     orEmptyAny(vars.State),
		"item":      orEmptyAny(vars.Item),
		"iteration": vars.Iteration,
		"inputs":    orEmpty(vars.Inputs),
	}

	out, _, err := prg.Eval(activation)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindValidation, err, "expression %q failed", expression)
	}
	return out.Value(), nil
}

// Check compiles an expression without evaluating it; used by the
// validator to reject malformed expressions at design time.
func (e *Evaluator) Check(expression string) error {
	_, err := e.program(expression)
	return err
}

func (e *Evaluator) program(expression string) (cel.Program, error) {
	e.mu.RLock()
	prg, exists := e.cache[expression]
	e.mu.RUnlock()
	if exists {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, apperrors.Wrap(apperrors.KindValidation, issues.Err(),
			"expression %q does not compile", expression)
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, err,
			"failed to build program for %q", expression)
	}

	e.mu.Lock()
	e.cache[expression] = prg
	e.mu.Unlock()
	return prg, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptyAny(v any) any {
	if v == nil {
		return map[string]any{}
	}
	return v
}
