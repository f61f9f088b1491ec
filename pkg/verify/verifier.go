package verify

import (
	"fmt"
	"log/slog"

	"github.com/quorumlabs/aegis/pkg/contracts"
	"github.com/quorumlabs/aegis/pkg/registry"
)

// Invariant is a global CEL predicate checked after every execution,
// regardless of which tool ran. Critical invariants fail verification;
// non-critical ones are recorded only.
type Invariant struct {
	Name       string `json:"name"`
	Expression string `json:"expression"`
	Critical   bool   `json:"critical"`
}

// Unified aggregates schema validation, the executed contract's
// post-conditions, and the global invariants into one verdict.
type Unified struct {
	registry   *registry.Registry
	engine     *ConditionEngine
	invariants []Invariant
	logger     *slog.Logger
}

// NewUnified creates the verifier. The invariant set is fixed at
// construction.
func NewUnified(reg *registry.Registry, invariants []Invariant) (*Unified, error) {
	engine, err := NewConditionEngine()
	if err != nil {
		return nil, err
	}
	return &Unified{
		registry:   reg,
		engine:     engine,
		invariants: invariants,
		logger:     slog.Default().With("component", "verify"),
	}, nil
}

// Verify checks one finished execution. Passed is true only when the
// parameters conform to the contract schema, every post-condition holds,
// and no critical invariant is violated. Non-critical invariant failures
// are recorded in the report without failing it.
func (u *Unified) Verify(call contracts.ProposedToolCall, contract contracts.ToolContract, result any, success bool, durationMs int64) contracts.VerificationReport {
	activation := Activation(call, result, success, durationMs)

	schema := u.registry.ValidateParams(call.Tool, call.Params)
	report := contracts.VerificationReport{
		Passed: schema.Valid,
		Schema: &schema,
	}

	for i, expr := range contract.PostConditions {
		check := contracts.CheckResult{
			Name: fmt.Sprintf("post_condition[%d]", i),
		}
		ok, err := u.engine.Eval(expr, activation)
		switch {
		case err != nil:
			check.Detail = err.Error()
		case !ok:
			check.Detail = fmt.Sprintf("expression %q evaluated to false", expr)
		default:
			check.Passed = true
		}
		if !check.Passed {
			report.Passed = false
		}
		report.PostConditions = append(report.PostConditions, check)
	}

	for _, inv := range u.invariants {
		check := contracts.CheckResult{
			Name:     inv.Name,
			Critical: inv.Critical,
		}
		ok, err := u.engine.Eval(inv.Expression, activation)
		switch {
		case err != nil:
			check.Detail = err.Error()
		case !ok:
			check.Detail = fmt.Sprintf("invariant %q violated", inv.Name)
		default:
			check.Passed = true
		}
		if !check.Passed && inv.Critical {
			report.Passed = false
			report.CriticalViolations++
		}
		if !check.Passed {
			u.logger.Warn("invariant check failed",
				"invariant", inv.Name, "critical", inv.Critical, "tool", call.Tool)
		}
		report.Invariants = append(report.Invariants, check)
	}

	return report
}
