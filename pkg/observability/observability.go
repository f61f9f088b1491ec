// Package observability exports kernel metrics over OTLP. Disabled
// providers are fully inert: every record method is nil-safe, so callers
// never branch on whether telemetry is configured.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// Config configures the metric provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // e.g. "localhost:4317"
	ExportInterval time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "aegis-kernel",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		ExportInterval: 15 * time.Second,
		Enabled:        true,
		Insecure:       false,
	}
}

// Provider owns the meter provider and the kernel's instruments.
type Provider struct {
	config        *Config
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	logger        *slog.Logger

	executions      metric.Int64Counter
	denials         metric.Int64Counter
	approvals       metric.Int64Counter
	safeModeEntries metric.Int64Counter
	memoryDecisions metric.Int64Counter
	execDuration    metric.Float64Histogram
	pendingApproval metric.Int64UpDownCounter
}

// New creates a provider. With Enabled false it returns an inert provider
// whose record methods are no-ops.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := buildResource(config)
	if err != nil {
		return nil, err
	}

	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(config.OTLPEndpoint),
	}
	if config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(config.ExportInterval),
		)),
	)
	otel.SetMeterProvider(p.meterProvider)
	p.meter = otel.Meter("aegis.kernel",
		metric.WithInstrumentationVersion(config.ServiceVersion),
	)

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("failed to init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
	)
	return p, nil
}

// NewWithReader builds a provider on a caller-supplied reader instead of
// the OTLP exporter, without touching the global meter provider. Tests
// use it with a manual reader to collect metrics in-process.
func NewWithReader(reader sdkmetric.Reader, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	res, err := buildResource(config)
	if err != nil {
		return nil, err
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	p.meter = p.meterProvider.Meter("aegis.kernel",
		metric.WithInstrumentationVersion(config.ServiceVersion),
	)
	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("failed to init instruments: %w", err)
	}
	return p, nil
}

func buildResource(config *Config) (*resource.Resource, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironmentName(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

func (p *Provider) initInstruments() error {
	var err error

	p.executions, err = p.meter.Int64Counter("aegis.executions.total",
		metric.WithDescription("Tool calls that entered the pipeline"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return err
	}
	p.denials, err = p.meter.Int64Counter("aegis.denials.total",
		metric.WithDescription("Tool calls denied before execution"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return err
	}
	p.approvals, err = p.meter.Int64Counter("aegis.approvals.total",
		metric.WithDescription("Approval requests resolved, by decision"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}
	p.safeModeEntries, err = p.meter.Int64Counter("aegis.safemode.entries.total",
		metric.WithDescription("Times the kernel entered safe mode"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}
	p.memoryDecisions, err = p.meter.Int64Counter("aegis.memory.decisions.total",
		metric.WithDescription("Memory gate decisions, by action"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return err
	}
	p.execDuration, err = p.meter.Float64Histogram("aegis.execution.duration",
		metric.WithDescription("Tool execution duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0, 30.0),
	)
	if err != nil {
		return err
	}
	p.pendingApproval, err = p.meter.Int64UpDownCounter("aegis.approvals.pending",
		metric.WithDescription("Approval requests currently awaiting resolution"),
		metric.WithUnit("{request}"),
	)
	return err
}

// RecordExecution counts one pipeline run for a tool. Safe on a nil
// provider, as are all record methods: components hold the provider
// without branching on whether telemetry is configured.
func (p *Provider) RecordExecution(ctx context.Context, tool string, success bool, duration time.Duration) {
	if p == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.Bool("success", success),
	)
	if p.executions != nil {
		p.executions.Add(ctx, 1, attrs)
	}
	if p.execDuration != nil {
		p.execDuration.Record(ctx, duration.Seconds(), attrs)
	}
}

// RecordDenial counts one pre-execution denial at the named stage.
func (p *Provider) RecordDenial(ctx context.Context, tool, stage string) {
	if p != nil && p.denials != nil {
		p.denials.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("stage", stage),
		))
	}
}

// RecordApproval counts one resolved approval request.
func (p *Provider) RecordApproval(ctx context.Context, decision string) {
	if p != nil && p.approvals != nil {
		p.approvals.Add(ctx, 1, metric.WithAttributes(
			attribute.String("decision", decision),
		))
	}
}

// ApprovalPendingDelta adjusts the pending-approvals gauge.
func (p *Provider) ApprovalPendingDelta(ctx context.Context, delta int64) {
	if p != nil && p.pendingApproval != nil {
		p.pendingApproval.Add(ctx, delta)
	}
}

// RecordSafeModeEntry counts one safe-mode activation.
func (p *Provider) RecordSafeModeEntry(ctx context.Context, reason string) {
	if p != nil && p.safeModeEntries != nil {
		p.safeModeEntries.Add(ctx, 1, metric.WithAttributes(
			attribute.String("reason", reason),
		))
	}
}

// RecordMemoryDecision counts one memory gate verdict.
func (p *Provider) RecordMemoryDecision(ctx context.Context, action string) {
	if p != nil && p.memoryDecisions != nil {
		p.memoryDecisions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("action", action),
		))
	}
}

// Meter returns the configured meter.
func (p *Provider) Meter() metric.Meter {
	if p == nil || p.meter == nil {
		return otel.Meter("aegis.kernel")
	}
	return p.meter
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown meter provider", "error", err)
			return err
		}
	}
	return nil
}
