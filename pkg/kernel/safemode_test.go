package kernel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumlabs/aegis/pkg/contracts"
)

func TestShouldTrigger(t *testing.T) {
	c := NewSafeModeController()
	assert.False(t, c.ShouldTrigger(0, nil))
	assert.False(t, c.ShouldTrigger(2, nil))
	assert.True(t, c.ShouldTrigger(3, nil))
	assert.True(t, c.ShouldTrigger(7, nil))
}

func TestEnterIsIdempotent(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	c := NewSafeModeController(WithSafeModeClock(clock))

	c.Enter("three consecutive execution failures")
	first := c.Status()
	require.True(t, first.Active)
	assert.Equal(t, now, first.EnteredAt)

	now = now.Add(time.Hour)
	c.Enter("another reason")
	second := c.Status()
	assert.Equal(t, first.EnteredAt, second.EnteredAt)
	assert.Equal(t, "three consecutive execution failures", second.Reason)
}

func TestRequestExitTrustGated(t *testing.T) {
	c := NewSafeModeController()
	c.Enter("test")

	// llm and plugin sources can never exit.
	denied := c.RequestExit(contracts.SourceLLM, 1.0)
	assert.False(t, denied.Allowed)
	assert.Contains(t, denied.Reason, "llm")
	assert.True(t, c.Active())

	denied = c.RequestExit(contracts.SourcePlugin, 1.0)
	assert.False(t, denied.Allowed)

	// Insufficient trust is denied with a specific reason.
	denied = c.RequestExit(contracts.SourceUser, 0.5)
	assert.False(t, denied.Allowed)
	assert.Contains(t, denied.Reason, "below exit floor")
	assert.True(t, c.Active())

	// Sufficient trust from user exits.
	allowed := c.RequestExit(contracts.SourceUser, 0.9)
	assert.True(t, allowed.Allowed)
	assert.False(t, c.Active())
}

func TestRequestExitWhenInactive(t *testing.T) {
	c := NewSafeModeController()
	res := c.RequestExit(contracts.SourceSystem, 1.0)
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Reason, "not active")
}

func TestStatusListenerFires(t *testing.T) {
	var events []bool
	c := NewSafeModeController(WithStatusListener(func(s contracts.SafeModeStatus) {
		events = append(events, s.Active)
	}))
	c.Enter("test")
	c.RequestExit(contracts.SourceSystem, 1.0)
	assert.Equal(t, []bool{true, false}, events)
}

func TestRestrictionPolicy(t *testing.T) {
	c := NewSafeModeController()
	policy := NewRestriction(c)

	// Outside safe mode, declared tiers all pass.
	for _, risk := range []contracts.RiskClass{
		contracts.RiskReadOnly, contracts.RiskReversible, contracts.RiskIrreversible,
	} {
		ok, _ := policy.Allows(risk)
		assert.True(t, ok, string(risk))
	}

	// Undetermined risk class is denied even outside safe mode.
	ok, reason := policy.Allows(contracts.RiskClass("mystery"))
	assert.False(t, ok)
	assert.Contains(t, reason, "cannot be determined")

	c.Enter("test")
	ok, _ = policy.Allows(contracts.RiskReadOnly)
	assert.True(t, ok)
	ok, reason = policy.Allows(contracts.RiskReversible)
	assert.False(t, ok)
	assert.Contains(t, reason, "safe mode active")
	ok, _ = policy.Allows(contracts.RiskIrreversible)
	assert.False(t, ok)
}

func TestExitTrustFloorOverride(t *testing.T) {
	c := NewSafeModeController(WithExitTrustFloor(0.95))
	c.Enter("test")
	assert.False(t, c.RequestExit(contracts.SourceUser, 0.9).Allowed)
	assert.True(t, c.RequestExit(contracts.SourceUser, 0.95).Allowed)
}
