package kernel

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quorumlabs/aegis/pkg/contracts"
)

// DefaultExitTrustFloor is the minimum trust a user/system source must
// carry to exit safe mode.
const DefaultExitTrustFloor = 0.8

// ExitDecision is the outcome of a safe-mode exit request. Denial does
// not alter state.
type ExitDecision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// SafeModeController owns the restricted operating mode. Entry is
// automatic and idempotent; exit is explicit and trust-gated.
type SafeModeController struct {
	mu             sync.Mutex
	status         contracts.SafeModeStatus
	errorThreshold int
	exitTrustFloor float64
	clock          func() time.Time
	logger         *slog.Logger
	onChange       func(contracts.SafeModeStatus)
}

// SafeModeOption configures the controller.
type SafeModeOption func(*SafeModeController)

// WithExitTrustFloor overrides the trust floor for exit requests.
func WithExitTrustFloor(floor float64) SafeModeOption {
	return func(c *SafeModeController) { c.exitTrustFloor = floor }
}

// WithErrorThreshold overrides the consecutive-error trigger threshold.
func WithErrorThreshold(n int) SafeModeOption {
	return func(c *SafeModeController) {
		if n > 0 {
			c.errorThreshold = n
		}
	}
}

// WithSafeModeClock injects a clock for tests.
func WithSafeModeClock(clock func() time.Time) SafeModeOption {
	return func(c *SafeModeController) { c.clock = clock }
}

// WithStatusListener registers a callback invoked on enter and exit.
// Used for fire-and-forget observability; never load-bearing.
func WithStatusListener(fn func(contracts.SafeModeStatus)) SafeModeOption {
	return func(c *SafeModeController) { c.onChange = fn }
}

// NewSafeModeController creates an inactive controller.
func NewSafeModeController(opts ...SafeModeOption) *SafeModeController {
	c := &SafeModeController{
		errorThreshold: DefaultErrorEscalationThreshold,
		exitTrustFloor: DefaultExitTrustFloor,
		clock:          time.Now,
		logger:         slog.Default().With("component", "kernel.safemode"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ShouldTrigger reports whether the consecutive-error count warrants
// entering safe mode.
func (c *SafeModeController) ShouldTrigger(consecutiveErrors int, lastError error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return consecutiveErrors >= c.errorThreshold
}

// Enter activates safe mode. Re-entering while already active does not
// reset EnteredAt.
func (c *SafeModeController) Enter(reason string) {
	c.mu.Lock()
	if c.status.Active {
		c.mu.Unlock()
		return
	}
	c.status.Active = true
	c.status.EnteredAt = c.clock()
	c.status.Reason = reason
	status := c.status
	onChange := c.onChange
	c.mu.Unlock()

	c.logger.Warn("safe mode entered", "reason", reason)
	if onChange != nil {
		onChange(status)
	}
}

// RequestExit evaluates an exit request. Only user or system sources with
// trust at or above the configured floor may exit; anything else is
// denied with a specific reason and state is untouched.
func (c *SafeModeController) RequestExit(source contracts.CallSource, trust float64) ExitDecision {
	c.mu.Lock()

	if !c.status.Active {
		c.mu.Unlock()
		return ExitDecision{Allowed: false, Reason: "safe mode is not active"}
	}
	if source != contracts.SourceUser && source != contracts.SourceSystem {
		c.mu.Unlock()
		return ExitDecision{
			Allowed: false,
			Reason:  fmt.Sprintf("source %q may not exit safe mode; only user or system", source),
		}
	}
	if trust < c.exitTrustFloor {
		floor := c.exitTrustFloor
		c.mu.Unlock()
		return ExitDecision{
			Allowed: false,
			Reason:  fmt.Sprintf("trust %.2f below exit floor %.2f", trust, floor),
		}
	}

	c.status = contracts.SafeModeStatus{}
	status := c.status
	onChange := c.onChange
	c.mu.Unlock()

	c.logger.Info("safe mode exited", "source", string(source), "trust", trust)
	if onChange != nil {
		onChange(status)
	}
	return ExitDecision{Allowed: true, Reason: "exit authorized"}
}

// SetConsecutiveErrors mirrors the kernel counter into the reported
// status.
func (c *SafeModeController) SetConsecutiveErrors(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.ConsecutiveErrors = n
}

// Status returns a snapshot of the current safe-mode status.
func (c *SafeModeController) Status() contracts.SafeModeStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Active reports whether safe mode is currently engaged.
func (c *SafeModeController) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status.Active
}

// Restriction is the companion policy applied while safe mode is active:
// only read-only tools run; reversible and irreversible tools are denied
// outright; a tool whose risk class cannot be determined is denied by
// default.
type Restriction struct {
	controller *SafeModeController
}

// NewRestriction binds a restriction policy to a controller.
func NewRestriction(c *SafeModeController) *Restriction {
	return &Restriction{controller: c}
}

// Allows reports whether a risk class may execute right now. Fail-closed:
// unknown risk classes are denied even outside safe mode.
func (r *Restriction) Allows(risk contracts.RiskClass) (bool, string) {
	if !risk.Known() {
		return false, fmt.Sprintf("risk class %q cannot be determined; denied by default", risk)
	}
	if !r.controller.Active() {
		return true, ""
	}
	if risk == contracts.RiskReadOnly {
		return true, ""
	}
	return false, fmt.Sprintf("safe mode active: %s tools are denied", risk)
}
