// Package contracts defines the shared data model of the autonomy kernel:
// proposed tool calls, tool contracts, pipeline results, approvals, trust
// scores, memory objects, execution events, and orchestration shapes.
//
// Everything here is plain data. Components own their behavior; contracts
// owns the vocabulary they exchange.
package contracts

import "context"

// RiskClass is the coarse danger tier of a tool. It drives approval
// requirements and the safe-mode restriction policy.
type RiskClass string

const (
	RiskReadOnly     RiskClass = "read-only"
	RiskReversible   RiskClass = "reversible"
	RiskIrreversible RiskClass = "irreversible"
)

// Known reports whether the risk class is one of the declared tiers.
// Anything else is treated as undetermined and denied fail-closed.
func (r RiskClass) Known() bool {
	switch r {
	case RiskReadOnly, RiskReversible, RiskIrreversible:
		return true
	}
	return false
}

// CallSource identifies the origin of a proposed call or memory write.
type CallSource string

const (
	SourceLLM    CallSource = "llm"
	SourceUser   CallSource = "user"
	SourceSystem CallSource = "system"
	SourcePlugin CallSource = "plugin"
)

// ProposedToolCall is a request to execute one tool action. It is immutable
// and consumed exactly once by the execution pipeline.
type ProposedToolCall struct {
	RequestID string         `json:"request_id"`
	Tool      string         `json:"tool"`
	Params    map[string]any `json:"params"`
	Source    CallSource     `json:"source"`
}

// ActionHandler performs the actual side effect of a tool call. It is
// supplied per call as an opaque capability; the kernel never hard-codes
// handlers per tool.
type ActionHandler func(ctx context.Context, call ProposedToolCall) (any, error)

// ToolContract declares a tool's shape: name, semver version, risk class,
// required permissions, a JSON Schema for its parameters, and optional
// CEL post-conditions evaluated after every execution.
//
// A call whose tool name has no registered contract is rejected before any
// side effect occurs.
type ToolContract struct {
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Risk        RiskClass `json:"risk"`
	Permissions []string  `json:"permissions,omitempty"`

	// ParamSchema is a JSON Schema (draft 2020-12) document for Params.
	// Empty means any object is accepted.
	ParamSchema string `json:"param_schema,omitempty"`

	// PostConditions are CEL expressions over {tool, params, result, success,
	// duration_ms}. Each must evaluate to true for verification to pass.
	PostConditions []string `json:"post_conditions,omitempty"`
}
