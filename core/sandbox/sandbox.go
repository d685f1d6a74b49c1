// Package sandbox executes code-node source in an isolated Starlark
// interpreter: no filesystem, no network, a step (CPU) budget and a
// bounded output size. Violations surface as CodeResourceExceeded.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/iceos-ai/iceos/common/apperrors"
)

// stepsPerMS converts the CODE_SANDBOX_CPU_MS cap into a Starlark
// execution-step budget. Calibrated against trivial loops; the exact
// ratio only needs to be the right order of magnitude.
const stepsPerMS = 20000

// Sandbox runs untrusted snippets under resource caps.
type Sandbox struct {
	memLimitBytes int
	cpuBudgetMS   int
}

// New creates a sandbox with the given caps.
func New(memMB, cpuMS int) *Sandbox {
	return &Sandbox{
		memLimitBytes: memMB * 1024 * 1024,
		cpuBudgetMS:   cpuMS,
	}
}

// Languages lists the accepted code-node languages. "python" is accepted
// as an alias for the Starlark subset.
func Languages() []string { return []string{"starlark", "python"} }

// Supported reports whether the sandbox can run the given language.
func Supported(language string) bool {
	for _, l := range Languages() {
		if l == language {
			return true
		}
	}
	return false
}

// Result is a completed execution.
type Result struct {
	Outputs    map[string]any
	DurationMS int64
}

// Run executes source with inputs predeclared as globals and collects the
// named outputs from the script's resulting globals. The wall clock is
// bounded by ctx plus the CPU budget.
func (s *Sandbox) Run(ctx context.Context, source string, inputs map[string]any, outputs []string) (*Result, error) {
	start := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(s.cpuBudgetMS)*time.Millisecond*4)
	defer cancel()

	thread := &starlark.Thread{
		Name: "code-node",
		Print: func(_ *starlark.Thread, _ string) {
			// Scripts communicate through outputs only.
		},
	}
	thread.SetMaxExecutionSteps(uint64(s.cpuBudgetMS) * stepsPerMS)

	// Cancel the interpreter when the deadline fires; Starlark checks the
	// flag at loop back-edges, which are our suspension points.
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go func() {
		select {
		case <-runCtx.Done():
			thread.Cancel("resource budget exhausted")
		case <-watchdogDone:
		}
	}()

	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
	}
	for key, val := range inputs {
		sv, err := toStarlark(val)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindValidation, err, "input %q is not representable", key)
		}
		predeclared[key] = sv
	}

	globals, err := starlark.ExecFile(thread, "node.star", source, predeclared)
	if err != nil {
		if runCtx.Err() != nil || isBudgetError(err) {
			return nil, apperrors.New(apperrors.KindCodeResourceExceeded,
				"code node exceeded its CPU budget (%d ms)", s.cpuBudgetMS)
		}
		return nil, apperrors.Wrap(apperrors.KindToolExecution, err, "code execution failed")
	}

	collected := make(map[string]any)
	if len(outputs) > 0 {
		for _, name := range outputs {
			val, ok := globals[name]
			if !ok {
				return nil, apperrors.New(apperrors.KindValidation,
					"code node declared output %q but the script did not set it", name)
			}
			gv, err := fromStarlark(val)
			if err != nil {
				return nil, apperrors.Wrap(apperrors.KindValidation, err, "output %q is not serializable", name)
			}
			collected[name] = gv
		}
	} else {
		for name, val := range globals {
			if len(name) > 0 && name[0] == '_' {
				continue
			}
			gv, err := fromStarlark(val)
			if err != nil {
				continue
			}
			collected[name] = gv
		}
	}

	// The interpreter has no allocation hook, so the memory cap is
	// enforced on the serialized result.
	encoded, err := json.Marshal(collected)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindValidation, err, "code outputs are not serializable")
	}
	if len(encoded) > s.memLimitBytes {
		return nil, apperrors.New(apperrors.KindCodeResourceExceeded,
			"code node output (%d bytes) exceeded the %d byte memory cap", len(encoded), s.memLimitBytes)
	}

	return &Result{
		Outputs:    collected,
		DurationMS: time.Since(start).Milliseconds(),
	}, nil
}

// isBudgetError recognizes step-budget exhaustion and watchdog
// cancellation. Both surface as EvalErrors whose Msg is
// "Starlark computation cancelled: <reason>".
func isBudgetError(err error) bool {
	var ee *starlark.EvalError
	if ok := asEvalError(err, &ee); ok {
		return strings.Contains(ee.Msg, "too many steps") ||
			strings.Contains(ee.Msg, "resource budget exhausted")
	}
	return false
}

func asEvalError(err error, target **starlark.EvalError) bool {
	for err != nil {
		if ee, ok := err.(*starlark.EvalError); ok {
			*target = ee
			return true
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// toStarlark converts a JSON-shaped Go value into a Starlark value.
func toStarlark(v any) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		if val == float64(int64(val)) {
			return starlark.MakeInt64(int64(val)), nil
		}
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []any:
		elems := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlark(item)
			if err != nil {
				return nil, err
			}
			elems[i] = sv
		}
		return starlark.NewList(elems), nil
	case map[string]any:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlark(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// fromStarlark converts a Starlark value back into a JSON-shaped Go value.
func fromStarlark(v starlark.Value) (any, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer out of range")
		}
		return float64(i), nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		out := make([]any, 0, val.Len())
		for i := 0; i < val.Len(); i++ {
			gv, err := fromStarlark(val.Index(i))
			if err != nil {
				return nil, err
			}
			out = append(out, gv)
		}
		return out, nil
	case starlark.Tuple:
		out := make([]any, 0, val.Len())
		for i := 0; i < val.Len(); i++ {
			gv, err := fromStarlark(val.Index(i))
			if err != nil {
				return nil, err
			}
			out = append(out, gv)
		}
		return out, nil
	case *starlark.Dict:
		out := make(map[string]any, val.Len())
		for _, k := range val.Keys() {
			ks, ok := k.(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key %s is not a string", k)
			}
			item, _, err := val.Get(k)
			if err != nil {
				return nil, err
			}
			gv, err := fromStarlark(item)
			if err != nil {
				return nil, err
			}
			out[string(ks)] = gv
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value type %s", v.Type())
	}
}
