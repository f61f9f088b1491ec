// Package verify checks tool executions after the fact: parameter schema
// conformance, per-contract CEL post-conditions, and global CEL
// invariants, aggregated into a single verdict.
//
// Evaluation is fail-closed: a condition that cannot be compiled or
// evaluated counts as a failed check, never as a pass.
package verify

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/quorumlabs/aegis/pkg/contracts"
)

// ConditionEngine compiles and caches CEL predicates over the execution
// activation. Expressions see:
//
//	tool        string
//	params      map[string, dyn]
//	result      dyn
//	success     bool
//	duration_ms int
type ConditionEngine struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewConditionEngine builds the shared evaluation environment.
func NewConditionEngine() (*ConditionEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("tool", cel.StringType),
		cel.Variable("params", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("result", cel.DynType),
		cel.Variable("success", cel.BoolType),
		cel.Variable("duration_ms", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("verify: failed to create CEL env: %w", err)
	}
	return &ConditionEngine{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Activation builds the evaluation input for one finished execution.
func Activation(call contracts.ProposedToolCall, result any, success bool, durationMs int64) map[string]any {
	params := call.Params
	if params == nil {
		params = map[string]any{}
	}
	var res any = result
	if res == nil {
		res = map[string]any{}
	}
	return map[string]any{
		"tool":        call.Tool,
		"params":      params,
		"result":      res,
		"success":     success,
		"duration_ms": durationMs,
	}
}

// Eval evaluates one boolean expression against an activation. Compile
// and eval failures are returned as errors; callers treat them as failed
// checks.
func (e *ConditionEngine) Eval(expression string, activation map[string]any) (bool, error) {
	e.mu.RLock()
	prg, hit := e.cache[expression]
	e.mu.RUnlock()

	if !hit {
		e.mu.Lock()
		if prg, hit = e.cache[expression]; !hit {
			ast, issues := e.env.Compile(expression)
			if issues != nil && issues.Err() != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("verify: CEL compile error: %w", issues.Err())
			}
			p, err := e.env.Program(ast)
			if err != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("verify: CEL program error: %w", err)
			}
			e.cache[expression] = p
			prg = p
		}
		e.mu.Unlock()
	}

	out, _, err := prg.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("verify: CEL eval error: %w", err)
	}
	verdict, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("verify: expression %q did not return bool", expression)
	}
	return verdict, nil
}
