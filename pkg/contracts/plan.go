package contracts

import "time"

// AgentIdentity is the identity configuration carried by an orchestrated
// request. Trust is the caller's trust value in [0,1], consulted when the
// source later asks for a safe-mode exit.
type AgentIdentity struct {
	AgentID   string  `json:"agent_id"`
	Principal string  `json:"principal,omitempty"`
	Trust     float64 `json:"trust"`
}

// PlanStep is one ordered step of an execution plan.
type PlanStep struct {
	StepID    string           `json:"step_id"`
	Call      ProposedToolCall `json:"call"`
	Rationale string           `json:"rationale,omitempty"`
}

// ExecutionPlan is produced by the external planner. The kernel never
// trusts it: contract validation and approval are enforced inside the
// pipeline for every step.
type ExecutionPlan struct {
	PlanID string     `json:"plan_id"`
	Goal   string     `json:"goal,omitempty"`
	Steps  []PlanStep `json:"steps"`
}

// OrchestratedRequest drives one full plan→execute→verify→write→audit
// lifecycle through the role orchestrator.
type OrchestratedRequest struct {
	RequestID     string        `json:"request_id"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	Goal          string        `json:"goal"`
	Source        CallSource    `json:"source"`
	Identity      AgentIdentity `json:"identity"`

	// Handler executes each planned step's side effect. Opaque capability;
	// never serialized.
	Handler ActionHandler `json:"-"`
}

// MemoryDecisionRecord summarizes one memory-gate decision made during the
// write phase.
type MemoryDecisionRecord struct {
	StepID       string  `json:"step_id"`
	Action       string  `json:"action"`
	TrustScore   float64 `json:"trust_score"`
	Reason       string  `json:"reason,omitempty"`
	QuarantineID string  `json:"quarantine_id,omitempty"`
}

// AuditReport is produced for every request, success or failure, so every
// request is accounted for.
type AuditReport struct {
	RequestID    string    `json:"request_id"`
	EventCount   int       `json:"event_count"`
	DriftScore   float64   `json:"drift_score"`
	DriftFlagged bool      `json:"drift_flagged"`
	ChainHead    string    `json:"chain_head,omitempty"`
	Anomalies    []string  `json:"anomalies,omitempty"`
	CompletedAt  time.Time `json:"completed_at"`
}

// OrchestratedResult is the outcome of one orchestrated lifecycle.
type OrchestratedResult struct {
	RequestID       string                 `json:"request_id"`
	Success         bool                   `json:"success"`
	Plan            *ExecutionPlan         `json:"plan,omitempty"`
	StepResults     []PipelineResult       `json:"step_results,omitempty"`
	Verification    *VerificationReport    `json:"verification,omitempty"`
	MemoryDecisions []MemoryDecisionRecord `json:"memory_decisions,omitempty"`
	Audit           *AuditReport           `json:"audit,omitempty"`
	SafeModeActive  bool                   `json:"safe_mode_active"`
	Error           string                 `json:"error,omitempty"`
}

// SafeModeStatus reports the restricted operating mode. Entered
// automatically after repeated failures; exited only through an explicit,
// trust-gated request.
type SafeModeStatus struct {
	Active            bool      `json:"active"`
	EnteredAt         time.Time `json:"entered_at,omitempty"`
	Reason            string    `json:"reason,omitempty"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
}
