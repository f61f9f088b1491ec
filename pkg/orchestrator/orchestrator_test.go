package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/quorumlabs/aegis/pkg/approval"
	"github.com/quorumlabs/aegis/pkg/contracts"
	"github.com/quorumlabs/aegis/pkg/eventlog"
	"github.com/quorumlabs/aegis/pkg/kernel"
	"github.com/quorumlabs/aegis/pkg/memgate"
	"github.com/quorumlabs/aegis/pkg/observability"
	"github.com/quorumlabs/aegis/pkg/pipeline"
	"github.com/quorumlabs/aegis/pkg/registry"
	"github.com/quorumlabs/aegis/pkg/verify"
)

type staticPlanner struct {
	plan contracts.ExecutionPlan
	err  error
}

func (p staticPlanner) Plan(ctx context.Context, req contracts.OrchestratedRequest) (contracts.ExecutionPlan, error) {
	return p.plan, p.err
}

type passScorer struct{}

func (passScorer) Score(content string, source contracts.CallSource) contracts.TrustScore {
	return contracts.TrustScore{Score: 0.95, Evaluated: true, ComputedAt: time.Now().UTC()}
}

type harness struct {
	orch     *Orchestrator
	machine  *kernel.Machine
	safemode *kernel.SafeModeController
	events   *eventlog.InMemoryStore
	memStore *memgate.InMemoryStore
}

func newHarness(t *testing.T, planner Planner) *harness {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.Register(contracts.ToolContract{
		Name:           "fs.read",
		Version:        "1.0.0",
		Risk:           contracts.RiskReadOnly,
		PostConditions: []string{`success`},
	}))
	require.NoError(t, reg.Register(contracts.ToolContract{
		Name:           "db.update",
		Version:        "1.0.0",
		Risk:           contracts.RiskReversible,
		PostConditions: []string{`success`},
	}))

	verifier, err := verify.NewUnified(reg, nil)
	require.NoError(t, err)

	approvals := approval.NewGate(approval.WithTimeout(time.Minute))
	t.Cleanup(approvals.Close)

	events := eventlog.NewInMemoryStore()
	machine := kernel.NewMachine()
	safemode := kernel.NewSafeModeController()

	pipe := pipeline.New(pipeline.Deps{
		Registry:  reg,
		Approvals: approvals,
		Verifier:  verifier,
		Events:    events,
		Machine:   machine,
		SafeMode:  safemode,
	})

	memStore := memgate.NewInMemoryStore()
	gate := memgate.NewGate(memgate.DefaultConfig(), passScorer{}, memStore)
	t.Cleanup(gate.Close)

	orch := New(Deps{
		Machine:  machine,
		SafeMode: safemode,
		Pipeline: pipe,
		Memory:   gate,
		Events:   events,
		Planner:  planner,
	})
	return &harness{
		orch:     orch,
		machine:  machine,
		safemode: safemode,
		events:   events,
		memStore: memStore,
	}
}

func readPlan() contracts.ExecutionPlan {
	return contracts.ExecutionPlan{
		PlanID: "plan-1",
		Goal:   "inspect the hosts file",
		Steps: []contracts.PlanStep{
			{StepID: "s1", Call: contracts.ProposedToolCall{
				RequestID: "req-1", Tool: "fs.read",
				Params: map[string]any{"path": "/etc/hosts"},
				Source: contracts.SourceLLM,
			}},
		},
	}
}

func okRequest(handler contracts.ActionHandler) contracts.OrchestratedRequest {
	return contracts.OrchestratedRequest{
		RequestID: "req-1",
		Goal:      "inspect the hosts file",
		Source:    contracts.SourceLLM,
		Identity:  contracts.AgentIdentity{AgentID: "agent-1", Trust: 0.9},
		Handler:   handler,
	}
}

func TestHappyPathRunsAllPhases(t *testing.T) {
	h := newHarness(t, staticPlanner{plan: readPlan()})

	res := h.orch.Execute(context.Background(), okRequest(
		func(ctx context.Context, call contracts.ProposedToolCall) (any, error) {
			return "hosts file inspected: localhost entries present", nil
		}))

	assert.True(t, res.Success)
	require.Len(t, res.StepResults, 1)
	assert.True(t, res.StepResults[0].Success)
	require.NotNil(t, res.Verification)
	assert.True(t, res.Verification.Passed)
	require.NotNil(t, res.Audit)
	assert.Greater(t, res.Audit.EventCount, 0)
	assert.NotEmpty(t, res.Audit.ChainHead)
	assert.Equal(t, kernel.StateIdle, h.machine.Current())

	// Verified output reached long-term memory.
	require.Len(t, res.MemoryDecisions, 1)
	assert.Equal(t, string(memgate.ActionAllow), res.MemoryDecisions[0].Action)
	objs, err := h.memStore.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, objs, 1)
}

func TestPlanFailureStillAudits(t *testing.T) {
	h := newHarness(t, staticPlanner{err: errors.New("model unavailable")})

	res := h.orch.Execute(context.Background(), okRequest(nil))

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "planning failed")
	require.NotNil(t, res.Audit, "every request ends in an audit report")
	assert.Equal(t, kernel.StateIdle, h.machine.Current(), "recovered after the failure")
	assert.Equal(t, 1, h.machine.ConsecutiveErrors())
}

func TestStepFailureStopsExecution(t *testing.T) {
	plan := readPlan()
	plan.Steps = append(plan.Steps, contracts.PlanStep{
		StepID: "s2",
		Call: contracts.ProposedToolCall{
			RequestID: "req-1", Tool: "fs.read",
			Params: map[string]any{"path": "/etc/passwd"},
			Source: contracts.SourceLLM,
		},
	})
	h := newHarness(t, staticPlanner{plan: plan})

	res := h.orch.Execute(context.Background(), okRequest(
		func(ctx context.Context, call contracts.ProposedToolCall) (any, error) {
			return nil, errors.New("disk unreadable")
		}))

	assert.False(t, res.Success)
	assert.Len(t, res.StepResults, 1, "execution stops at the first failed step")
	assert.Contains(t, res.Error, "s1")
	assert.NotNil(t, res.Audit)
	assert.Empty(t, res.MemoryDecisions, "failed requests write no memory")
}

func TestRepeatedFailuresEnterSafeMode(t *testing.T) {
	h := newHarness(t, staticPlanner{plan: readPlan()})
	failing := func(ctx context.Context, call contracts.ProposedToolCall) (any, error) {
		return nil, errors.New("boom")
	}

	for i := 0; i < kernel.DefaultErrorEscalationThreshold; i++ {
		_ = h.orch.Execute(context.Background(), okRequest(failing))
	}

	assert.True(t, h.safemode.Active())
	assert.Equal(t, kernel.StateSafeMode, h.machine.Current())

	// The next request still runs, but safe mode denies anything that is
	// not read-only.
	writePlan := contracts.ExecutionPlan{
		PlanID: "plan-2",
		Steps: []contracts.PlanStep{
			{StepID: "w1", Call: contracts.ProposedToolCall{
				RequestID: "req-2", Tool: "db.update", Source: contracts.SourceUser,
			}},
		},
	}
	h2 := h.orch
	h2.planner = staticPlanner{plan: writePlan}
	res := h2.Execute(context.Background(), contracts.OrchestratedRequest{
		RequestID: "req-2",
		Goal:      "update the record",
		Source:    contracts.SourceUser,
		Handler: func(ctx context.Context, call contracts.ProposedToolCall) (any, error) {
			t.Fatal("safe mode must deny before the handler runs")
			return nil, nil
		},
	})
	assert.False(t, res.Success)
	assert.True(t, res.SafeModeActive)
	require.Len(t, res.StepResults, 1)
	assert.Contains(t, res.StepResults[0].Error, "safe mode")
}

func TestSafeModeExitRestoresLifecycle(t *testing.T) {
	h := newHarness(t, staticPlanner{plan: readPlan()})
	failing := func(ctx context.Context, call contracts.ProposedToolCall) (any, error) {
		return nil, errors.New("boom")
	}
	for i := 0; i < kernel.DefaultErrorEscalationThreshold; i++ {
		_ = h.orch.Execute(context.Background(), okRequest(failing))
	}
	require.True(t, h.safemode.Active())

	// A model caller may not exit, regardless of trust.
	decision := h.orch.RequestSafeModeExit(context.Background(), contracts.SourceLLM, 0.99)
	assert.False(t, decision.Allowed)

	decision = h.orch.RequestSafeModeExit(context.Background(), contracts.SourceUser, 0.9)
	require.True(t, decision.Allowed)
	assert.Equal(t, kernel.StateIdle, h.machine.Current())
	assert.Equal(t, 0, h.machine.ConsecutiveErrors())

	res := h.orch.Execute(context.Background(), okRequest(
		func(ctx context.Context, call contracts.ProposedToolCall) (any, error) {
			return "recovered", nil
		}))
	assert.True(t, res.Success)
}

func TestDriftFlagging(t *testing.T) {
	d := NewDriftAnalyzer()

	score, flagged := d.Analyze("inspect the hosts file",
		[]string{"hosts file inspected, entries look fine"})
	assert.Less(t, score, 1.0)
	assert.False(t, flagged)

	score, flagged = d.Analyze("inspect the hosts file",
		[]string{"transferring cryptocurrency wallets overseas now"})
	assert.Greater(t, score, 0.9)
	assert.True(t, flagged)

	score, flagged = d.Analyze("anything", nil)
	assert.Zero(t, score)
	assert.False(t, flagged)
}

func TestAuditEventCountMatchesLog(t *testing.T) {
	h := newHarness(t, staticPlanner{plan: readPlan()})

	res := h.orch.Execute(context.Background(), okRequest(
		func(ctx context.Context, call contracts.ProposedToolCall) (any, error) {
			return "ok", nil
		}))
	require.NotNil(t, res.Audit)

	events, err := h.events.ByRequestID(context.Background(), "req-1")
	require.NoError(t, err)
	// The audit event itself lands after the count is taken.
	assert.GreaterOrEqual(t, len(events), res.Audit.EventCount)
}

func TestMemoryDecisionsRecordedAsMetrics(t *testing.T) {
	h := newHarness(t, staticPlanner{plan: readPlan()})
	reader := sdkmetric.NewManualReader()
	metrics, err := observability.NewWithReader(reader, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = metrics.Shutdown(context.Background()) })
	h.orch.metrics = metrics

	res := h.orch.Execute(context.Background(), okRequest(
		func(ctx context.Context, call contracts.ProposedToolCall) (any, error) {
			return "hosts file inspected", nil
		}))
	require.True(t, res.Success)
	require.Len(t, res.MemoryDecisions, 1)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	found := false
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name == "aegis.memory.decisions.total" {
				found = true
			}
		}
	}
	assert.True(t, found, "memory gate verdicts reach the metric surface")
}
