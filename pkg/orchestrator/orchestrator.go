// Package orchestrator drives the full agent lifecycle through the
// kernel: plan, execute, verify, write memory, audit. One lifecycle at a
// time per kernel; every request ends in an audit report, success or not.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quorumlabs/aegis/pkg/contracts"
	"github.com/quorumlabs/aegis/pkg/eventlog"
	"github.com/quorumlabs/aegis/pkg/kernel"
	"github.com/quorumlabs/aegis/pkg/memgate"
	"github.com/quorumlabs/aegis/pkg/observability"
	"github.com/quorumlabs/aegis/pkg/pipeline"
)

// Planner turns a goal into an ordered execution plan. The kernel never
// trusts its output: every planned step still passes contract validation,
// restriction, and approval inside the pipeline.
type Planner interface {
	Plan(ctx context.Context, req contracts.OrchestratedRequest) (contracts.ExecutionPlan, error)
}

// Orchestrator coordinates one kernel's lifecycle phases.
type Orchestrator struct {
	mu       sync.Mutex
	machine  *kernel.Machine
	safemode *kernel.SafeModeController
	pipe     *pipeline.Pipeline
	memory   *memgate.Gate
	events   eventlog.Store
	planner  Planner
	drift    *DriftAnalyzer
	metrics  *observability.Provider
	clock    func() time.Time
	logger   *slog.Logger
}

// Deps carries the orchestrator's collaborators. Metrics may stay nil.
type Deps struct {
	Machine  *kernel.Machine
	SafeMode *kernel.SafeModeController
	Pipeline *pipeline.Pipeline
	Memory   *memgate.Gate
	Events   eventlog.Store
	Planner  Planner
	Drift    *DriftAnalyzer
	Metrics  *observability.Provider
}

// New assembles an orchestrator.
func New(d Deps) *Orchestrator {
	if d.Drift == nil {
		d.Drift = NewDriftAnalyzer()
	}
	return &Orchestrator{
		machine:  d.Machine,
		safemode: d.SafeMode,
		pipe:     d.Pipeline,
		memory:   d.Memory,
		events:   d.Events,
		planner:  d.Planner,
		drift:    d.Drift,
		metrics:  d.Metrics,
		clock:    time.Now,
		logger:   slog.Default().With("component", "orchestrator"),
	}
}

// CurrentPhase returns the kernel's current lifecycle phase.
func (o *Orchestrator) CurrentPhase() kernel.State {
	return o.machine.Current()
}

// InSafeMode reports whether the kernel sits in the restricted mode.
func (o *Orchestrator) InSafeMode() bool {
	return o.safemode.Active()
}

// RequestSafeModeExit asks the controller for an exit and, when granted,
// returns the kernel to idle.
func (o *Orchestrator) RequestSafeModeExit(ctx context.Context, source contracts.CallSource, trust float64) kernel.ExitDecision {
	decision := o.safemode.RequestExit(source, trust)
	if decision.Allowed {
		o.machine.Transition(kernel.TriggerSafeModeExit)
		o.emit(ctx, "", contracts.EventSafeModeExited, map[string]any{
			"source": string(source),
			"trust":  trust,
		}, "")
	}
	return decision
}

// Execute runs one orchestrated request end to end. Requests are
// serialized per kernel; the audit phase runs for every request, including
// ones that fail during planning or execution.
func (o *Orchestrator) Execute(ctx context.Context, req contracts.OrchestratedRequest) contracts.OrchestratedResult {
	o.mu.Lock()
	defer o.mu.Unlock()

	ctx = pipeline.WithCorrelation(ctx, correlationOf(req))

	result := contracts.OrchestratedResult{RequestID: req.RequestID}
	defer func() {
		result.SafeModeActive = o.safemode.Active()
	}()

	// Planning.
	o.fire(kernel.TriggerPlanRequested)
	plan, err := o.planner.Plan(ctx, req)
	if err != nil {
		o.fire(kernel.TriggerPlanFailed)
		result.Error = fmt.Sprintf("planning failed: %v", err)
		result.Audit = o.audit(ctx, req, nil)
		o.recover()
		return result
	}
	result.Plan = &plan
	o.fire(kernel.TriggerPlanReady)

	// Execution: ordered steps, stopping at the first failure.
	var outputs []string
	failed := false
	for _, step := range plan.Steps {
		stepResult := o.pipe.Execute(ctx, step.Call, req.Handler)
		result.StepResults = append(result.StepResults, stepResult)
		if out := renderOutput(stepResult.Result); out != "" {
			outputs = append(outputs, out)
		}
		if !stepResult.Success {
			failed = true
			result.Error = fmt.Sprintf("step %s failed: %s", step.StepID, stepResult.Error)
			break
		}
	}

	// The pipeline freezes transitions once the machine escalates; from
	// there the lifecycle only resumes after an explicit safe-mode exit.
	if o.machine.Current() == kernel.StateSafeMode {
		result.Audit = o.audit(ctx, req, outputs)
		return result
	}

	if failed {
		o.fire(kernel.TriggerExecutionFailed)
		result.Audit = o.audit(ctx, req, outputs)
		o.recover()
		return result
	}

	// Verification across all step reports.
	o.fire(kernel.TriggerExecutionComplete)
	verification := aggregateVerification(result.StepResults)
	result.Verification = &verification
	if !verification.Passed {
		o.fire(kernel.TriggerVerificationFailed)
		result.Error = "verification failed"
		result.Audit = o.audit(ctx, req, outputs)
		o.recover()
		return result
	}
	o.fire(kernel.TriggerVerificationPassed)

	// Memory writes happen only after the whole request verified.
	result.MemoryDecisions = o.writeMemory(ctx, req, plan, result.StepResults)
	o.fire(kernel.TriggerMemoryWritten)

	result.Audit = o.audit(ctx, req, outputs)
	o.fire(kernel.TriggerAuditComplete)

	result.Success = true
	return result
}

// writeMemory routes each successful step's output through the memory
// gate and records every decision, including rejections.
func (o *Orchestrator) writeMemory(ctx context.Context, req contracts.OrchestratedRequest, plan contracts.ExecutionPlan, steps []contracts.PipelineResult) []contracts.MemoryDecisionRecord {
	records := make([]contracts.MemoryDecisionRecord, 0, len(steps))
	for i, step := range steps {
		stepID := ""
		if i < len(plan.Steps) {
			stepID = plan.Steps[i].StepID
		}
		content := renderOutput(step.Result)
		if content == "" {
			continue
		}
		provenance := fmt.Sprintf("request:%s tool:%s", req.RequestID, step.ToolName)
		decision, err := o.memory.Evaluate(ctx, content, req.Source, "episodic", provenance)
		if err != nil {
			o.logger.Warn("memory gate evaluation failed", "step_id", stepID, "error", err)
			continue
		}
		record := contracts.MemoryDecisionRecord{
			StepID:       stepID,
			Action:       string(decision.Action),
			TrustScore:   decision.Trust.Score,
			Reason:       decision.Reason,
			QuarantineID: decision.QuarantineID,
		}
		records = append(records, record)
		o.metrics.RecordMemoryDecision(ctx, record.Action)
		o.emit(ctx, req.RequestID, contracts.EventMemoryDecision, map[string]any{
			"step_id":     stepID,
			"action":      record.Action,
			"trust_score": record.TrustScore,
		}, correlationOf(req))
	}
	return records
}

// audit closes out every request: event count, drift score, and the
// current chain head, persisted as its own audit event.
func (o *Orchestrator) audit(ctx context.Context, req contracts.OrchestratedRequest, outputs []string) *contracts.AuditReport {
	report := &contracts.AuditReport{
		RequestID:   req.RequestID,
		CompletedAt: o.clock().UTC(),
	}

	score, flagged := o.drift.Analyze(req.Goal, outputs)
	report.DriftScore = score
	report.DriftFlagged = flagged
	if flagged {
		report.Anomalies = append(report.Anomalies,
			fmt.Sprintf("outputs drifted from goal (score %.2f)", score))
	}

	if events, err := o.events.ByRequestID(ctx, req.RequestID); err == nil {
		report.EventCount = len(events)
	}
	if head, err := o.events.Head(ctx); err == nil {
		report.ChainHead = head
	}

	o.emit(ctx, req.RequestID, contracts.EventAuditCompleted, map[string]any{
		"event_count":   report.EventCount,
		"drift_score":   report.DriftScore,
		"drift_flagged": report.DriftFlagged,
	}, correlationOf(req))
	return report
}

func correlationOf(req contracts.OrchestratedRequest) string {
	if req.CorrelationID != "" {
		return req.CorrelationID
	}
	return req.RequestID
}

// recover returns the machine from error to idle. The consecutive-error
// counter is deliberately untouched, so repeated fail/recover cycles still
// accumulate toward escalation.
func (o *Orchestrator) recover() {
	if o.machine.Current() == kernel.StateError {
		o.fire(kernel.TriggerRecover)
	}
}

func (o *Orchestrator) fire(trigger kernel.Trigger) {
	if o.machine.Current() == kernel.StateSafeMode {
		return
	}
	res := o.machine.Transition(trigger)
	if !res.Accepted {
		o.logger.Debug("transition rejected", "trigger", string(trigger), "reason", res.Reason)
		return
	}
	o.safemode.SetConsecutiveErrors(o.machine.ConsecutiveErrors())
	if res.To == kernel.StateSafeMode && !o.safemode.Active() {
		reason := fmt.Sprintf("consecutive error threshold reached on trigger %q", trigger)
		o.safemode.Enter(reason)
		o.metrics.RecordSafeModeEntry(context.Background(), reason)
	}
}

func (o *Orchestrator) emit(ctx context.Context, requestID, eventType string, payload map[string]any, correlationID string) {
	if o.events == nil {
		return
	}
	if _, err := o.events.Append(ctx, requestID, eventType, payload, correlationID); err != nil {
		o.logger.Warn("audit event append failed", "event_type", eventType, "error", err)
	}
}

// aggregateVerification folds per-step reports into one request verdict.
// A step without a report (denied before execution) cannot happen here:
// execution stops at the first failed step before verification runs.
func aggregateVerification(steps []contracts.PipelineResult) contracts.VerificationReport {
	agg := contracts.VerificationReport{Passed: true}
	for _, step := range steps {
		if step.Verification == nil {
			continue
		}
		agg.PostConditions = append(agg.PostConditions, step.Verification.PostConditions...)
		agg.Invariants = append(agg.Invariants, step.Verification.Invariants...)
		agg.CriticalViolations += step.Verification.CriticalViolations
		if !step.Verification.Passed {
			agg.Passed = false
		}
	}
	return agg
}

// renderOutput flattens a step result into text for drift analysis and
// memory writes.
func renderOutput(v any) string {
	switch out := v.(type) {
	case nil:
		return ""
	case string:
		return out
	default:
		b, err := json.Marshal(out)
		if err != nil {
			return fmt.Sprintf("%v", out)
		}
		return string(b)
	}
}
