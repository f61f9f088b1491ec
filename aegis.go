// Package aegis assembles a complete autonomy kernel from configuration:
// tool registry, state machine, safe-mode controller, approval gate,
// trust-gated memory, hash-chained event log, verifier, execution
// pipeline, and orchestrator, wired together and ready to serve calls.
package aegis

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/quorumlabs/aegis/pkg/approval"
	"github.com/quorumlabs/aegis/pkg/config"
	"github.com/quorumlabs/aegis/pkg/eventlog"
	"github.com/quorumlabs/aegis/pkg/kernel"
	"github.com/quorumlabs/aegis/pkg/memgate"
	"github.com/quorumlabs/aegis/pkg/observability"
	"github.com/quorumlabs/aegis/pkg/orchestrator"
	"github.com/quorumlabs/aegis/pkg/pipeline"
	"github.com/quorumlabs/aegis/pkg/registry"
	"github.com/quorumlabs/aegis/pkg/trust"
	"github.com/quorumlabs/aegis/pkg/verify"
)

// Kernel is one assembled kernel instance. Fields are exported so callers
// can register contracts, resolve approvals, review quarantined memory,
// and drive orchestrated requests.
type Kernel struct {
	Config        *config.Config
	Registry      *registry.Registry
	Machine       *kernel.Machine
	SafeMode      *kernel.SafeModeController
	Approvals     *approval.Gate
	Memory        *memgate.Gate
	Events        eventlog.Store
	Verifier      *verify.Unified
	Compensations *pipeline.CompensationRegistry
	Pipeline      *pipeline.Pipeline
	Observability *observability.Provider

	closers []func() error
}

// New assembles a kernel from configuration. A nil config uses the safe
// defaults.
func New(ctx context.Context, cfg *config.Config) (*Kernel, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	k := &Kernel{Config: cfg}

	events, err := openEventStore(cfg.EventLog)
	if err != nil {
		return nil, err
	}
	k.Events = events
	if closer, ok := events.(interface{ Close() error }); ok {
		k.closers = append(k.closers, closer.Close)
	}

	k.Registry = registry.New()
	k.Machine = kernel.NewMachine(
		kernel.WithEscalationThreshold(cfg.Kernel.ErrorEscalationThreshold),
	)
	k.SafeMode = kernel.NewSafeModeController(
		kernel.WithErrorThreshold(cfg.Kernel.ErrorEscalationThreshold),
		kernel.WithExitTrustFloor(cfg.Kernel.SafeModeExitTrustFloor),
	)

	approvalOpts := []approval.Option{approval.WithTimeout(cfg.Approval.Timeout.Duration)}
	if cfg.Approval.FloodGuardPerSec > 0 {
		approvalOpts = append(approvalOpts,
			approval.WithFloodGuard(cfg.Approval.FloodGuardPerSec, cfg.Approval.FloodGuardBurst))
	}
	k.Approvals = approval.NewGate(approvalOpts...)
	k.closers = append(k.closers, func() error { k.Approvals.Close(); return nil })

	k.Memory = memgate.NewGate(memgate.Config{
		WriteThreshold:      cfg.Memory.WriteThreshold,
		QuarantineThreshold: cfg.Memory.QuarantineThreshold,
		MaxContentBytes:     cfg.Memory.MaxContentBytes,
		QuarantineCapacity:  cfg.Memory.QuarantineCapacity,
		QuarantineTTL:       cfg.Memory.QuarantineTTL.Duration,
		Enabled:             cfg.Memory.Enabled,
	}, trust.NewHeuristicScorer(), memgate.NewInMemoryStore())
	k.closers = append(k.closers, func() error { k.Memory.Close(); return nil })

	invariants := make([]verify.Invariant, 0, len(cfg.Invariants))
	for _, inv := range cfg.Invariants {
		invariants = append(invariants, verify.Invariant{
			Name:       inv.Name,
			Expression: inv.Expression,
			Critical:   inv.Critical,
		})
	}
	k.Verifier, err = verify.NewUnified(k.Registry, invariants)
	if err != nil {
		return nil, err
	}

	k.Observability, err = observability.New(ctx, &observability.Config{
		ServiceName:    "aegis-kernel",
		ServiceVersion: "1.0.0",
		Environment:    cfg.Observability.Environment,
		OTLPEndpoint:   cfg.Observability.OTLPEndpoint,
		ExportInterval: 15 * time.Second,
		Enabled:        cfg.Observability.Enabled,
		Insecure:       cfg.Observability.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("aegis: observability init failed: %w", err)
	}
	k.closers = append(k.closers, func() error {
		return k.Observability.Shutdown(context.Background())
	})

	k.Compensations = pipeline.NewCompensationRegistry()
	k.Pipeline = pipeline.New(pipeline.Deps{
		Registry:      k.Registry,
		Approvals:     k.Approvals,
		Verifier:      k.Verifier,
		Events:        k.Events,
		Machine:       k.Machine,
		SafeMode:      k.SafeMode,
		Compensations: k.Compensations,
		Metrics:       k.Observability,
	})
	return k, nil
}

// Orchestrator binds a planner to this kernel's lifecycle.
func (k *Kernel) Orchestrator(planner orchestrator.Planner) *orchestrator.Orchestrator {
	return orchestrator.New(orchestrator.Deps{
		Machine:  k.Machine,
		SafeMode: k.SafeMode,
		Pipeline: k.Pipeline,
		Memory:   k.Memory,
		Events:   k.Events,
		Planner:  planner,
		Metrics:  k.Observability,
	})
}

// Close releases the kernel's resources in reverse assembly order.
func (k *Kernel) Close() error {
	var firstErr error
	for i := len(k.closers) - 1; i >= 0; i-- {
		if err := k.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func openEventStore(cfg config.EventLogConfig) (eventlog.Store, error) {
	switch cfg.Backend {
	case "memory":
		return eventlog.NewInMemoryStore(), nil
	case "sqlite":
		return eventlog.OpenSQLiteStore(cfg.DSN)
	case "postgres":
		db, err := sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("aegis: open postgres: %w", err)
		}
		store, err := eventlog.NewPostgresStore(db)
		if err != nil {
			db.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("aegis: unknown event log backend %q", cfg.Backend)
	}
}
