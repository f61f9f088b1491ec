package contracts

import "time"

// Event types emitted by the pipeline and orchestrator.
const (
	EventToolValidated        = "tool:validated"
	EventToolDenied           = "tool:denied"
	EventToolExecuted         = "tool:executed"
	EventApprovalRequested    = "approval:requested"
	EventApprovalResolved     = "approval:resolved"
	EventVerificationPassed   = "verification:passed"
	EventVerificationFailed   = "verification:failed"
	EventCompensationAttempt  = "compensation:attempted"
	EventMemoryDecision       = "memory:decision"
	EventAuditCompleted       = "audit:completed"
	EventSafeModeEntered      = "safemode:entered"
	EventSafeModeExited       = "safemode:exited"
)

// ExecutionEvent is one append-only record in the hash-chained audit log.
// EventHash is computed over {request_id, type, payload, timestamp,
// correlation_id, prev_hash}, so any deletion, reordering, or edit of a
// prior event is detectable by recomputing the chain.
type ExecutionEvent struct {
	SequenceID    uint64         `json:"sequence_id"`
	RequestID     string         `json:"request_id"`
	Type          string         `json:"type"`
	Payload       map[string]any `json:"payload,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	PrevHash      string         `json:"prev_hash,omitempty"`
	EventHash     string         `json:"event_hash"`
}
