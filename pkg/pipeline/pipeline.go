// Package pipeline executes proposed tool calls through the mandatory
// sequence: contract validation, approval, execution, verification, and
// best-effort compensation. Every stage emits an audit event; failure at
// any stage short-circuits the rest and the result says why.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/quorumlabs/aegis/pkg/approval"
	"github.com/quorumlabs/aegis/pkg/contracts"
	"github.com/quorumlabs/aegis/pkg/eventlog"
	"github.com/quorumlabs/aegis/pkg/kernel"
	"github.com/quorumlabs/aegis/pkg/observability"
	"github.com/quorumlabs/aegis/pkg/registry"
	"github.com/quorumlabs/aegis/pkg/verify"
)

// Pipeline is the tool execution pipeline for one kernel instance.
type Pipeline struct {
	registry      *registry.Registry
	approvals     *approval.Gate
	verifier      *verify.Unified
	events        eventlog.Store
	machine       *kernel.Machine
	safemode      *kernel.SafeModeController
	restriction   *kernel.Restriction
	compensations *CompensationRegistry
	metrics       *observability.Provider
	clock         func() time.Time
	logger        *slog.Logger
}

// Deps carries the pipeline's collaborators. All are required except
// Compensations, which defaults to an empty registry, and Metrics, which
// may stay nil.
type Deps struct {
	Registry      *registry.Registry
	Approvals     *approval.Gate
	Verifier      *verify.Unified
	Events        eventlog.Store
	Machine       *kernel.Machine
	SafeMode      *kernel.SafeModeController
	Compensations *CompensationRegistry
	Metrics       *observability.Provider
}

// New assembles a pipeline.
func New(d Deps) *Pipeline {
	if d.Compensations == nil {
		d.Compensations = NewCompensationRegistry()
	}
	return &Pipeline{
		registry:      d.Registry,
		approvals:     d.Approvals,
		verifier:      d.Verifier,
		events:        d.Events,
		machine:       d.Machine,
		safemode:      d.SafeMode,
		restriction:   kernel.NewRestriction(d.SafeMode),
		compensations: d.Compensations,
		metrics:       d.Metrics,
		clock:         time.Now,
		logger:        slog.Default().With("component", "pipeline"),
	}
}

// WithClock injects a clock for tests.
func (p *Pipeline) WithClock(clock func() time.Time) *Pipeline {
	p.clock = clock
	return p
}

// Execute runs one proposed call through the full pipeline. The handler
// is only ever invoked after validation, restriction, and approval all
// pass; on any denial the returned result carries handler-count zero
// semantics: no side effect occurred.
func (p *Pipeline) Execute(ctx context.Context, call contracts.ProposedToolCall, handler contracts.ActionHandler) contracts.PipelineResult {
	start := p.clock()
	result := contracts.PipelineResult{
		RequestID: call.RequestID,
		ToolName:  call.Tool,
	}
	deny := func(stage string, res contracts.PipelineResult) contracts.PipelineResult {
		res.DurationMs = p.clock().Sub(start).Milliseconds()
		p.metrics.RecordDenial(ctx, call.Tool, stage)
		return res
	}

	// Contract lookup and validation run before any lifecycle transition:
	// input rejections are cheap, have no side effects, and leave the
	// machine in idle with the error counter untouched.
	contract, known := p.registry.Get(call.Tool)
	if !known {
		result.Validation = contracts.ValidationReport{
			Valid:  false,
			Errors: []string{fmt.Sprintf("no contract registered for tool %q", call.Tool)},
		}
		result.Error = "unknown tool: " + call.Tool
		p.emit(ctx, call, contracts.EventToolDenied, map[string]any{
			"reason": result.Error,
			"stage":  "validation",
		})
		return deny("validation", result)
	}

	// Parameter schema validation.
	result.Validation = p.registry.ValidateParams(call.Tool, call.Params)
	if !result.Validation.Valid {
		result.Error = "parameter validation failed"
		p.emit(ctx, call, contracts.EventToolDenied, map[string]any{
			"reason": result.Error,
			"errors": result.Validation.Errors,
			"stage":  "validation",
		})
		return deny("validation", result)
	}

	// Restriction policy: unknown risk always denied; in safe mode only
	// read-only tools pass. Authorization denials do not advance the
	// machine either.
	if ok, reason := p.restriction.Allows(contract.Risk); !ok {
		result.Error = reason
		p.emit(ctx, call, contracts.EventToolDenied, map[string]any{
			"reason": reason,
			"risk":   string(contract.Risk),
			"stage":  "restriction",
		})
		return deny("restriction", result)
	}

	p.emit(ctx, call, contracts.EventToolValidated, map[string]any{
		"tool":    call.Tool,
		"version": contract.Version,
		"risk":    string(contract.Risk),
	})

	// A pipeline run started from idle owns the machine for its duration;
	// runs nested under an orchestrated lifecycle leave phase transitions
	// to the orchestrator.
	ownsMachine := p.machine.Current() == kernel.StateIdle
	if ownsMachine {
		p.fire(kernel.TriggerExecutionStarted, call)
	}
	finish := func(res contracts.PipelineResult) contracts.PipelineResult {
		res.DurationMs = p.clock().Sub(start).Milliseconds()
		if ownsMachine {
			if res.Success {
				p.fire(kernel.TriggerExecutionFinished, call)
			} else {
				p.fire(kernel.TriggerExecutionFailed, call)
			}
		}
		return res
	}

	// Approval. Anything that mutates needs sign-off; user and system
	// callers approve their own requests, model and plugin callers wait
	// for a human or policy decision.
	if contract.Risk != contracts.RiskReadOnly {
		approved, why := p.seekApproval(ctx, call, contract)
		if !approved {
			result.Error = why
			p.emit(ctx, call, contracts.EventToolDenied, map[string]any{
				"reason": why,
				"stage":  "approval",
			})
			// approval_denied already returned the machine to idle; a
			// denial is terminal but not an error-counter event.
			return deny("approval", result)
		}
	}

	// Execution.
	execStart := p.clock()
	output, execErr := handler(ctx, call)
	durationMs := p.clock().Sub(execStart).Milliseconds()
	success := execErr == nil
	result.Result = output
	if execErr != nil {
		result.Error = execErr.Error()
	}
	p.emit(ctx, call, contracts.EventToolExecuted, map[string]any{
		"success":     success,
		"duration_ms": durationMs,
	})
	p.metrics.RecordExecution(ctx, call.Tool, success, time.Duration(durationMs)*time.Millisecond)

	// Verification always runs, even for failed executions, so the audit
	// trail records what the contract's conditions made of the outcome.
	report := p.verifier.Verify(call, contract, output, success, durationMs)
	result.Verification = &report
	if report.Passed && success {
		p.emit(ctx, call, contracts.EventVerificationPassed, map[string]any{
			"post_conditions": len(report.PostConditions),
			"invariants":      len(report.Invariants),
		})
		result.Success = true
		return finish(result)
	}

	p.emit(ctx, call, contracts.EventVerificationFailed, map[string]any{
		"execution_success":   success,
		"critical_violations": report.CriticalViolations,
	})
	if result.Error == "" {
		result.Error = "verification failed"
	}

	// Best-effort compensation, at most once, never retried, for both
	// execution failures and verification failures after an apparently
	// successful execution. Read-only tools have nothing to undo.
	if contract.Risk != contracts.RiskReadOnly {
		result.Compensation = p.compensate(ctx, call, output)
	}
	return finish(result)
}

func (p *Pipeline) seekApproval(ctx context.Context, call contracts.ProposedToolCall, contract contracts.ToolContract) (bool, string) {
	if call.Source == contracts.SourceUser || call.Source == contracts.SourceSystem {
		p.emit(ctx, call, contracts.EventApprovalResolved, map[string]any{
			"decision":   string(contracts.ApprovalApproved),
			"decided_by": "system:trusted-source",
			"source":     string(call.Source),
		})
		p.metrics.RecordApproval(ctx, string(contracts.ApprovalApproved))
		return true, ""
	}

	// The machine sits in awaiting_approval for the whole exchange; every
	// denial sub-path leaves through approval_denied, back to idle.
	p.fire(kernel.TriggerApprovalRequired, call)
	req, err := p.approvals.Request(call, contract.Risk)
	if err != nil {
		p.fire(kernel.TriggerApprovalDenied, call)
		return false, fmt.Sprintf("approval request rejected: %v", err)
	}
	p.emit(ctx, call, contracts.EventApprovalRequested, map[string]any{
		"approval_id": req.ID,
		"risk":        string(contract.Risk),
		"expires_at":  req.ExpiresAt.UTC().Format(time.RFC3339Nano),
	})
	p.metrics.ApprovalPendingDelta(ctx, 1)

	resolution, err := p.approvals.Await(ctx, req.ID)
	if err != nil {
		p.metrics.ApprovalPendingDelta(ctx, -1)
		p.fire(kernel.TriggerApprovalDenied, call)
		return false, fmt.Sprintf("approval wait aborted: %v", err)
	}
	p.emit(ctx, call, contracts.EventApprovalResolved, map[string]any{
		"approval_id": resolution.ID,
		"decision":    string(resolution.Decision),
		"decided_by":  resolution.DecidedBy,
	})
	p.metrics.ApprovalPendingDelta(ctx, -1)
	p.metrics.RecordApproval(ctx, string(resolution.Decision))
	if resolution.Decision != contracts.ApprovalApproved {
		p.fire(kernel.TriggerApprovalDenied, call)
		return false, fmt.Sprintf("approval %s", resolution.Decision)
	}
	p.fire(kernel.TriggerApprovalGranted, call)
	return true, ""
}

func (p *Pipeline) compensate(ctx context.Context, call contracts.ProposedToolCall, output any) *contracts.CompensationOutcome {
	outcome := &contracts.CompensationOutcome{}
	fn, ok := p.compensations.Lookup(call.Tool)
	if !ok {
		p.emit(ctx, call, contracts.EventCompensationAttempt, map[string]any{
			"attempted": false,
			"reason":    "no compensation registered",
		})
		return outcome
	}

	outcome.Attempted = true
	if err := fn(ctx, call, output); err != nil {
		outcome.Error = err.Error()
		p.logger.Warn("compensation failed", "tool", call.Tool, "request_id", call.RequestID, "error", err)
	} else {
		outcome.Succeeded = true
	}
	p.emit(ctx, call, contracts.EventCompensationAttempt, map[string]any{
		"attempted": true,
		"succeeded": outcome.Succeeded,
		"error":     outcome.Error,
	})
	return outcome
}

// fire attempts a machine transition unless the kernel sits in safe mode,
// where the lifecycle is frozen until an explicit exit. Escalations are
// mirrored into the safe-mode controller.
func (p *Pipeline) fire(trigger kernel.Trigger, call contracts.ProposedToolCall) {
	if p.machine.Current() == kernel.StateSafeMode {
		return
	}
	res := p.machine.Transition(trigger)
	if !res.Accepted {
		p.logger.Debug("transition rejected", "trigger", string(trigger), "reason", res.Reason)
		return
	}
	p.safemode.SetConsecutiveErrors(p.machine.ConsecutiveErrors())
	if res.To == kernel.StateSafeMode && !p.safemode.Active() {
		reason := fmt.Sprintf("consecutive error threshold reached on trigger %q", trigger)
		p.safemode.Enter(reason)
		p.emit(context.Background(), call, contracts.EventSafeModeEntered, map[string]any{
			"trigger":            string(trigger),
			"consecutive_errors": p.machine.ConsecutiveErrors(),
		})
		p.metrics.RecordSafeModeEntry(context.Background(), reason)
	}
}

type correlationKey struct{}

// WithCorrelation tags a context so every event emitted under it carries
// the given correlation id. Used by the orchestrator to tie step events
// to their request.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func correlationFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// emit appends an audit event. Append failures are logged and swallowed:
// the log is evidence, not a gate, and a storage outage must not block
// the pipeline verdict already reached.
func (p *Pipeline) emit(ctx context.Context, call contracts.ProposedToolCall, eventType string, payload map[string]any) {
	if p.events == nil {
		return
	}
	if _, err := p.events.Append(ctx, call.RequestID, eventType, payload, correlationFrom(ctx)); err != nil {
		p.logger.Warn("audit event append failed",
			"event_type", eventType, "request_id", call.RequestID, "error", err)
	}
}
