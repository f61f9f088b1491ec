package contracts

// ValidationReport records the outcome of contract lookup and parameter
// schema validation for one call.
type ValidationReport struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// CheckResult is the outcome of a single post-condition or invariant check.
type CheckResult struct {
	Name     string `json:"name"`
	Passed   bool   `json:"passed"`
	Critical bool   `json:"critical,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// VerificationReport aggregates schema, post-condition, and invariant
// checks into one verdict. Passed is false when any post-condition fails
// or any critical invariant is violated.
type VerificationReport struct {
	Passed             bool              `json:"passed"`
	Schema             *ValidationReport `json:"schema,omitempty"`
	PostConditions     []CheckResult     `json:"post_conditions,omitempty"`
	Invariants         []CheckResult     `json:"invariants,omitempty"`
	CriticalViolations int               `json:"critical_violations"`
}

// CompensationOutcome records a best-effort compensation attempt. The
// attempt is never retried; its result is recorded and surfaced only.
type CompensationOutcome struct {
	Attempted bool   `json:"attempted"`
	Succeeded bool   `json:"succeeded"`
	Error     string `json:"error,omitempty"`
}

// PipelineResult is produced exactly once per pipeline invocation and is
// immutable after creation.
type PipelineResult struct {
	RequestID    string               `json:"request_id"`
	ToolName     string               `json:"tool_name"`
	Success      bool                 `json:"success"`
	Result       any                  `json:"result,omitempty"`
	Validation   ValidationReport     `json:"validation"`
	Verification *VerificationReport  `json:"verification,omitempty"`
	Compensation *CompensationOutcome `json:"compensation,omitempty"`
	DurationMs   int64                `json:"duration_ms"`
	Error        string               `json:"error,omitempty"`
}
