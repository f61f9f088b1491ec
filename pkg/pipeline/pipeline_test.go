package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
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
	"github.com/quorumlabs/aegis/pkg/observability"
	"github.com/quorumlabs/aegis/pkg/registry"
	"github.com/quorumlabs/aegis/pkg/verify"
)

type fixture struct {
	pipeline  *Pipeline
	registry  *registry.Registry
	approvals *approval.Gate
	events    *eventlog.InMemoryStore
	machine   *kernel.Machine
	safemode  *kernel.SafeModeController
	comp      *CompensationRegistry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.Register(contracts.ToolContract{
		Name:    "fs.read",
		Version: "1.0.0",
		Risk:    contracts.RiskReadOnly,
		ParamSchema: `{
			"type": "object",
			"properties": {"path": {"type": "string"}},
			"required": ["path"]
		}`,
		PostConditions: []string{`success`},
	}))
	require.NoError(t, reg.Register(contracts.ToolContract{
		Name:           "db.update",
		Version:        "2.1.0",
		Risk:           contracts.RiskReversible,
		PostConditions: []string{`success`},
	}))
	require.NoError(t, reg.Register(contracts.ToolContract{
		Name:    "payments.charge",
		Version: "1.0.0",
		Risk:    contracts.RiskIrreversible,
	}))

	verifier, err := verify.NewUnified(reg, nil)
	require.NoError(t, err)

	gate := approval.NewGate(approval.WithTimeout(time.Minute))
	t.Cleanup(gate.Close)

	events := eventlog.NewInMemoryStore()
	machine := kernel.NewMachine()
	safemode := kernel.NewSafeModeController()
	comp := NewCompensationRegistry()

	p := New(Deps{
		Registry:      reg,
		Approvals:     gate,
		Verifier:      verifier,
		Events:        events,
		Machine:       machine,
		SafeMode:      safemode,
		Compensations: comp,
	})
	return &fixture{
		pipeline:  p,
		registry:  reg,
		approvals: gate,
		events:    events,
		machine:   machine,
		safemode:  safemode,
		comp:      comp,
	}
}

func eventTypes(t *testing.T, store *eventlog.InMemoryStore, requestID string) []string {
	t.Helper()
	events, err := store.ByRequestID(context.Background(), requestID)
	require.NoError(t, err)
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

func okHandler(result any) contracts.ActionHandler {
	return func(ctx context.Context, call contracts.ProposedToolCall) (any, error) {
		return result, nil
	}
}

func TestUnknownToolNeverInvokesHandler(t *testing.T) {
	f := newFixture(t)
	var invocations atomic.Int32

	res := f.pipeline.Execute(context.Background(), contracts.ProposedToolCall{
		RequestID: "req-1",
		Tool:      "no.such.tool",
		Source:    contracts.SourceLLM,
	}, func(ctx context.Context, call contracts.ProposedToolCall) (any, error) {
		invocations.Add(1)
		return nil, nil
	})

	assert.False(t, res.Success)
	assert.False(t, res.Validation.Valid)
	assert.Equal(t, int32(0), invocations.Load())
	assert.Equal(t, []string{contracts.EventToolDenied}, eventTypes(t, f.events, "req-1"))
	assert.Equal(t, kernel.StateIdle, f.machine.Current(), "input rejection leaves the machine in idle")
	assert.Equal(t, 0, f.machine.ConsecutiveErrors())
}

func TestInputRejectionsNeverEscalate(t *testing.T) {
	f := newFixture(t)

	// Cheap input rejections, repeated well past the error threshold,
	// must not count toward safe-mode escalation.
	for i := 0; i < kernel.DefaultErrorEscalationThreshold+1; i++ {
		res := f.pipeline.Execute(context.Background(), contracts.ProposedToolCall{
			RequestID: "req-bad",
			Tool:      "no.such.tool",
			Source:    contracts.SourceLLM,
		}, okHandler(nil))
		assert.False(t, res.Success)
	}

	assert.Equal(t, kernel.StateIdle, f.machine.Current())
	assert.Equal(t, 0, f.machine.ConsecutiveErrors())
	assert.False(t, f.safemode.Active())
}

func TestInvalidParamsDenied(t *testing.T) {
	f := newFixture(t)

	res := f.pipeline.Execute(context.Background(), contracts.ProposedToolCall{
		RequestID: "req-2",
		Tool:      "fs.read",
		Params:    map[string]any{"path": 42},
		Source:    contracts.SourceLLM,
	}, okHandler("unreachable"))

	assert.False(t, res.Success)
	assert.False(t, res.Validation.Valid)
	assert.Nil(t, res.Result)
}

func TestReadOnlyHappyPathEventOrder(t *testing.T) {
	f := newFixture(t)

	res := f.pipeline.Execute(context.Background(), contracts.ProposedToolCall{
		RequestID: "req-3",
		Tool:      "fs.read",
		Params:    map[string]any{"path": "/tmp/x"},
		Source:    contracts.SourceLLM,
	}, okHandler(map[string]any{"bytes": 10}))

	assert.True(t, res.Success)
	require.NotNil(t, res.Verification)
	assert.True(t, res.Verification.Passed)
	assert.Equal(t, []string{
		contracts.EventToolValidated,
		contracts.EventToolExecuted,
		contracts.EventVerificationPassed,
	}, eventTypes(t, f.events, "req-3"))
	assert.Equal(t, kernel.StateIdle, f.machine.Current())
}

func TestIrreversibleFromLLMWaitsForApproval(t *testing.T) {
	f := newFixture(t)

	go func() {
		// Resolve the request once it shows up in the queue.
		for i := 0; i < 100; i++ {
			pending := f.approvals.Pending()
			if len(pending) == 1 {
				_ = f.approvals.Resolve(pending[0].ID, contracts.ApprovalApproved, "operator-1")
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	res := f.pipeline.Execute(context.Background(), contracts.ProposedToolCall{
		RequestID: "req-4",
		Tool:      "payments.charge",
		Params:    map[string]any{"amount": 10.0},
		Source:    contracts.SourceLLM,
	}, okHandler("charged"))

	assert.True(t, res.Success)
	types := eventTypes(t, f.events, "req-4")
	assert.Contains(t, types, contracts.EventApprovalRequested)
	assert.Contains(t, types, contracts.EventApprovalResolved)
}

func TestReversibleFromLLMWaitsForApproval(t *testing.T) {
	f := newFixture(t)

	go func() {
		for i := 0; i < 100; i++ {
			pending := f.approvals.Pending()
			if len(pending) == 1 {
				assert.Equal(t, contracts.RiskReversible, pending[0].Risk)
				_ = f.approvals.Resolve(pending[0].ID, contracts.ApprovalApproved, "operator-1")
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	res := f.pipeline.Execute(context.Background(), contracts.ProposedToolCall{
		RequestID: "req-4b",
		Tool:      "db.update",
		Source:    contracts.SourceLLM,
	}, okHandler("updated"))

	assert.True(t, res.Success)
	types := eventTypes(t, f.events, "req-4b")
	assert.Contains(t, types, contracts.EventApprovalRequested,
		"a reversible call from an untrusted source goes through the queue")
	assert.Contains(t, types, contracts.EventApprovalResolved)
}

func TestIrreversibleDenialFailsClosed(t *testing.T) {
	f := newFixture(t)
	var invocations atomic.Int32

	go func() {
		for i := 0; i < 100; i++ {
			pending := f.approvals.Pending()
			if len(pending) == 1 {
				_ = f.approvals.Resolve(pending[0].ID, contracts.ApprovalDenied, "operator-1")
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	res := f.pipeline.Execute(context.Background(), contracts.ProposedToolCall{
		RequestID: "req-5",
		Tool:      "payments.charge",
		Source:    contracts.SourceLLM,
	}, func(ctx context.Context, call contracts.ProposedToolCall) (any, error) {
		invocations.Add(1)
		return nil, nil
	})

	assert.False(t, res.Success)
	assert.Equal(t, int32(0), invocations.Load(), "denied call must have no side effect")
	assert.Contains(t, res.Error, "denied")
	assert.Equal(t, kernel.StateIdle, f.machine.Current(), "denial returns the machine to idle")
	assert.Equal(t, 0, f.machine.ConsecutiveErrors(), "a denial is not an error-counter event")
}

func TestTrustedSourceSkipsApprovalQueue(t *testing.T) {
	f := newFixture(t)

	res := f.pipeline.Execute(context.Background(), contracts.ProposedToolCall{
		RequestID: "req-6",
		Tool:      "payments.charge",
		Source:    contracts.SourceUser,
	}, okHandler("charged"))

	assert.True(t, res.Success)
	assert.Empty(t, f.approvals.Pending())
	types := eventTypes(t, f.events, "req-6")
	assert.Contains(t, types, contracts.EventApprovalResolved)
	assert.NotContains(t, types, contracts.EventApprovalRequested)
}

func TestVerificationFailureTriggersCompensation(t *testing.T) {
	f := newFixture(t)
	var compensated atomic.Int32

	// A post-condition that fails on a successful execution: the side
	// effect took place, so compensation must run.
	require.NoError(t, f.registry.Register(contracts.ToolContract{
		Name:           "db.insert",
		Version:        "1.0.0",
		Risk:           contracts.RiskReversible,
		PostConditions: []string{`result.rows == 1`},
	}))
	f.comp.Register("db.insert", func(ctx context.Context, call contracts.ProposedToolCall, result any) error {
		compensated.Add(1)
		return nil
	})

	res := f.pipeline.Execute(context.Background(), contracts.ProposedToolCall{
		RequestID: "req-7",
		Tool:      "db.insert",
		Source:    contracts.SourceSystem,
	}, okHandler(map[string]any{"rows": 0}))

	assert.False(t, res.Success)
	require.NotNil(t, res.Compensation)
	assert.True(t, res.Compensation.Attempted)
	assert.True(t, res.Compensation.Succeeded)
	assert.Equal(t, int32(1), compensated.Load(), "compensation runs exactly once, never retried")
	assert.Contains(t, eventTypes(t, f.events, "req-7"), contracts.EventCompensationAttempt)
}

func TestFailedExecutionTriggersCompensation(t *testing.T) {
	f := newFixture(t)
	var compensated atomic.Int32
	f.comp.Register("db.update", func(ctx context.Context, call contracts.ProposedToolCall, result any) error {
		compensated.Add(1)
		return nil
	})

	res := f.pipeline.Execute(context.Background(), contracts.ProposedToolCall{
		RequestID: "req-8",
		Tool:      "db.update",
		Source:    contracts.SourceSystem,
	}, func(ctx context.Context, call contracts.ProposedToolCall) (any, error) {
		return nil, errors.New("connection refused")
	})

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "connection refused", "the handler's error is reported verbatim")
	require.NotNil(t, res.Compensation, "a failed mutation still gets its registered compensation")
	assert.True(t, res.Compensation.Attempted)
	assert.Equal(t, int32(1), compensated.Load())
	assert.Contains(t, eventTypes(t, f.events, "req-8"), contracts.EventCompensationAttempt)
}

func TestFailedReadOnlyExecutionSkipsCompensation(t *testing.T) {
	f := newFixture(t)
	f.comp.Register("fs.read", func(ctx context.Context, call contracts.ProposedToolCall, result any) error {
		t.Error("read-only tools have nothing to undo")
		return nil
	})

	res := f.pipeline.Execute(context.Background(), contracts.ProposedToolCall{
		RequestID: "req-8b",
		Tool:      "fs.read",
		Params:    map[string]any{"path": "/tmp/x"},
		Source:    contracts.SourceSystem,
	}, func(ctx context.Context, call contracts.ProposedToolCall) (any, error) {
		return nil, errors.New("file vanished")
	})

	assert.False(t, res.Success)
	assert.Nil(t, res.Compensation)
}

func TestSafeModeBlocksNonReadOnly(t *testing.T) {
	f := newFixture(t)
	f.safemode.Enter("test")
	var invocations atomic.Int32

	res := f.pipeline.Execute(context.Background(), contracts.ProposedToolCall{
		RequestID: "req-9",
		Tool:      "db.update",
		Source:    contracts.SourceSystem,
	}, func(ctx context.Context, call contracts.ProposedToolCall) (any, error) {
		invocations.Add(1)
		return nil, nil
	})

	assert.False(t, res.Success)
	assert.Equal(t, int32(0), invocations.Load())
	assert.Contains(t, res.Error, "safe mode")
}

func TestSafeModeStillAllowsReadOnly(t *testing.T) {
	f := newFixture(t)
	f.safemode.Enter("test")

	res := f.pipeline.Execute(context.Background(), contracts.ProposedToolCall{
		RequestID: "req-10",
		Tool:      "fs.read",
		Params:    map[string]any{"path": "/tmp/x"},
		Source:    contracts.SourceSystem,
	}, okHandler(map[string]any{"bytes": 1}))

	assert.True(t, res.Success)
}

func TestRepeatedExecutionFailuresEscalateToSafeMode(t *testing.T) {
	f := newFixture(t)
	failing := func(ctx context.Context, call contracts.ProposedToolCall) (any, error) {
		return nil, errors.New("backend down")
	}

	for i := 0; i < kernel.DefaultErrorEscalationThreshold; i++ {
		_ = f.pipeline.Execute(context.Background(), contracts.ProposedToolCall{
			RequestID: "req-loop",
			Tool:      "db.update",
			Source:    contracts.SourceSystem,
		}, failing)
		if f.machine.Current() == kernel.StateError {
			f.machine.Transition(kernel.TriggerRecover)
		}
	}

	assert.Equal(t, kernel.StateSafeMode, f.machine.Current())
	assert.True(t, f.safemode.Active())
	assert.Contains(t, eventTypes(t, f.events, "req-loop"), contracts.EventSafeModeEntered)
}

func TestResultDurationIsMeasured(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	f.pipeline.WithClock(func() time.Time {
		now = now.Add(25 * time.Millisecond)
		return now
	})

	res := f.pipeline.Execute(context.Background(), contracts.ProposedToolCall{
		RequestID: "req-11",
		Tool:      "fs.read",
		Params:    map[string]any{"path": "/tmp/x"},
		Source:    contracts.SourceSystem,
	}, okHandler(map[string]any{"bytes": 1}))

	assert.True(t, res.Success)
	assert.Greater(t, res.DurationMs, int64(0))
}

func TestMetricsRecordedPerOutcome(t *testing.T) {
	f := newFixture(t)
	reader := sdkmetric.NewManualReader()
	metrics, err := observability.NewWithReader(reader, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = metrics.Shutdown(context.Background()) })
	f.pipeline.metrics = metrics

	_ = f.pipeline.Execute(context.Background(), contracts.ProposedToolCall{
		RequestID: "req-m1",
		Tool:      "fs.read",
		Params:    map[string]any{"path": "/tmp/x"},
		Source:    contracts.SourceSystem,
	}, okHandler("contents"))
	_ = f.pipeline.Execute(context.Background(), contracts.ProposedToolCall{
		RequestID: "req-m2",
		Tool:      "no.such.tool",
		Source:    contracts.SourceLLM,
	}, okHandler(nil))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	assert.Equal(t, int64(1), counterTotal(t, rm, "aegis.executions.total"))
	assert.Equal(t, int64(1), counterTotal(t, rm, "aegis.denials.total"))
}

func counterTotal(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestCorrelationTagsEvents(t *testing.T) {
	f := newFixture(t)
	ctx := WithCorrelation(context.Background(), "corr-1")

	_ = f.pipeline.Execute(ctx, contracts.ProposedToolCall{
		RequestID: "req-12",
		Tool:      "fs.read",
		Params:    map[string]any{"path": "/tmp/x"},
		Source:    contracts.SourceSystem,
	}, okHandler(nil))

	events, err := f.events.ByCorrelationID(context.Background(), "corr-1")
	require.NoError(t, err)
	assert.NotEmpty(t, events)
}
