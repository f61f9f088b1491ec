package contracts

import "time"

// ApprovalDecision is the terminal resolution of an approval request.
// Exactly one resolution per request; the first one wins.
type ApprovalDecision string

const (
	ApprovalApproved ApprovalDecision = "approved"
	ApprovalDenied   ApprovalDecision = "denied"
	ApprovalExpired  ApprovalDecision = "expired"
)

// ApprovalRequest is raised when a call's risk class requires human or
// system sign-off. It lives in the pending queue until resolved or until
// its deadline passes.
type ApprovalRequest struct {
	ID        string           `json:"id"`
	Call      ProposedToolCall `json:"call"`
	Risk      RiskClass        `json:"risk"`
	CreatedAt time.Time        `json:"created_at"`
	ExpiresAt time.Time        `json:"expires_at"`
}

// ApprovalResolution records who resolved a request and how.
type ApprovalResolution struct {
	ID        string           `json:"id"`
	Decision  ApprovalDecision `json:"decision"`
	DecidedBy string           `json:"decided_by"`
	DecidedAt time.Time        `json:"decided_at"`
}
