// Package kernel provides the per-agent kernel state machine and the
// safe-mode controller. One Machine per agent instance; no ambient
// singletons, so multiple agents can run isolated kernels in one process.
package kernel

import (
	"fmt"
	"log/slog"
	"sync"
)

// State is the kernel's current operating phase. Exactly one current
// state per Machine; transitions only via the table below.
type State string

const (
	StateIdle             State = "idle"
	StatePlanning         State = "planning"
	StateExecuting        State = "executing"
	StateVerifying        State = "verifying"
	StateWritingMemory    State = "writing_memory"
	StateAuditing         State = "auditing"
	StateAwaitingApproval State = "awaiting_approval"
	StateSafeMode         State = "safe_mode"
	StateError            State = "error"
)

// Trigger names an attempted state transition.
type Trigger string

const (
	TriggerPlanRequested      Trigger = "plan_requested"
	TriggerPlanReady          Trigger = "plan_ready"
	TriggerPlanFailed         Trigger = "plan_failed"
	TriggerExecutionStarted   Trigger = "execution_started"
	TriggerExecutionFinished  Trigger = "execution_finished"
	TriggerExecutionComplete  Trigger = "execution_complete"
	TriggerExecutionFailed    Trigger = "execution_failed"
	TriggerApprovalRequired   Trigger = "approval_required"
	TriggerApprovalGranted    Trigger = "approval_granted"
	TriggerApprovalDenied     Trigger = "approval_denied"
	TriggerVerificationPassed Trigger = "verification_passed"
	TriggerVerificationFailed Trigger = "verification_failed"
	TriggerMemoryWritten      Trigger = "memory_written"
	TriggerAuditComplete      Trigger = "audit_complete"
	TriggerRecover            Trigger = "recover"
	TriggerFatalError         Trigger = "fatal_error"
	TriggerEscalateSafeMode   Trigger = "escalate_safe_mode"
	TriggerSafeModeExit       Trigger = "safe_mode_exit"
)

// wildcardFrom marks triggers reachable from any state. Only fatal_error
// and escalate_safe_mode use it.
const wildcardFrom = State("*")

type transitionKey struct {
	trigger Trigger
	from    State
}

// transitionTable is the finite, explicit rule set. An unmatched
// (trigger, fromState) pair is rejected without changing state.
var transitionTable = map[transitionKey]State{
	{TriggerPlanRequested, StateIdle}:          StatePlanning,
	{TriggerPlanReady, StatePlanning}:          StateExecuting,
	{TriggerPlanFailed, StatePlanning}:         StateError,
	{TriggerExecutionStarted, StateIdle}:       StateExecuting,
	{TriggerExecutionFinished, StateExecuting}: StateIdle,
	{TriggerExecutionComplete, StateExecuting}: StateVerifying,
	{TriggerExecutionFailed, StateExecuting}:   StateError,
	{TriggerApprovalRequired, StateExecuting}:  StateAwaitingApproval,
	{TriggerApprovalGranted, StateAwaitingApproval}: StateExecuting,
	{TriggerApprovalDenied, StateAwaitingApproval}:  StateIdle,
	{TriggerVerificationPassed, StateVerifying}:     StateWritingMemory,
	{TriggerVerificationFailed, StateVerifying}:     StateError,
	{TriggerMemoryWritten, StateWritingMemory}:      StateAuditing,
	{TriggerAuditComplete, StateAuditing}:           StateIdle,
	{TriggerRecover, StateError}:                    StateIdle,
	{TriggerSafeModeExit, StateSafeMode}:            StateIdle,
	{TriggerFatalError, wildcardFrom}:               StateError,
	{TriggerEscalateSafeMode, wildcardFrom}:         StateSafeMode,
}

// DefaultErrorEscalationThreshold is the consecutive-error count at which
// an error-bound transition is silently escalated to safe_mode.
const DefaultErrorEscalationThreshold = 3

// TransitionResult reports the outcome of one Transition call. The
// machine never panics; rejected transitions carry a reason instead.
type TransitionResult struct {
	Accepted bool   `json:"accepted"`
	From     State  `json:"from"`
	To       State  `json:"to"`
	Reason   string `json:"reason,omitempty"`
}

// Listener observes accepted transitions. Invoked synchronously; a
// panicking listener must not blind the others or the caller.
type Listener func(trigger Trigger, from, to State)

// Machine is the kernel state machine for one agent instance.
type Machine struct {
	mu                sync.Mutex
	current           State
	consecutiveErrors int
	threshold         int
	listeners         map[int]Listener
	nextListenerID    int
	logger            *slog.Logger
}

// Option configures a Machine.
type Option func(*Machine)

// WithEscalationThreshold overrides the consecutive-error threshold.
func WithEscalationThreshold(n int) Option {
	return func(m *Machine) {
		if n > 0 {
			m.threshold = n
		}
	}
}

// WithLogger attaches a logger for transition tracing.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// NewMachine creates a Machine in the idle state.
func NewMachine(opts ...Option) *Machine {
	m := &Machine{
		current:   StateIdle,
		threshold: DefaultErrorEscalationThreshold,
		listeners: make(map[int]Listener),
		logger:    slog.Default().With("component", "kernel.statemachine"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Current returns the machine's current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// ConsecutiveErrors returns the monotonic error counter. It resets to
// zero only on verification_passed or safe_mode_exit; recover does not
// touch it, so repeated error→recover cycles still accumulate.
func (m *Machine) ConsecutiveErrors() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consecutiveErrors
}

// Transition attempts a trigger against the table. Unmatched pairs are
// rejected with a reason naming the trigger and current state; the state
// does not change and the machine never throws.
func (m *Machine) Transition(trigger Trigger) TransitionResult {
	m.mu.Lock()

	from := m.current
	to, ok := transitionTable[transitionKey{trigger, from}]
	if !ok {
		to, ok = transitionTable[transitionKey{trigger, wildcardFrom}]
	}
	if !ok {
		m.mu.Unlock()
		return TransitionResult{
			Accepted: false,
			From:     from,
			To:       from,
			Reason:   fmt.Sprintf("trigger %q is not valid in state %q", trigger, from),
		}
	}

	if to == StateError {
		m.consecutiveErrors++
		if m.consecutiveErrors >= m.threshold {
			// Silent escalation within the same transition call.
			to = StateSafeMode
		}
	}
	if trigger == TriggerVerificationPassed || trigger == TriggerSafeModeExit {
		m.consecutiveErrors = 0
	}

	m.current = to
	listeners := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()

	for _, l := range listeners {
		m.notify(l, trigger, from, to)
	}

	return TransitionResult{Accepted: true, From: from, To: to}
}

func (m *Machine) notify(l Listener, trigger Trigger, from, to State) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("state listener panicked",
				"trigger", string(trigger), "from", string(from), "to", string(to), "panic", r)
		}
	}()
	l(trigger, from, to)
}

// OnStateChange registers a listener and returns its unsubscribe handle.
func (m *Machine) OnStateChange(l Listener) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextListenerID
	m.nextListenerID++
	m.listeners[id] = l
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// Reset returns the machine to idle and clears the error counter.
// Test/ops use only; production recovery goes through the table.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = StateIdle
	m.consecutiveErrors = 0
}
