// Package config loads kernel configuration from YAML with environment
// overrides. Defaults are safe: the memory gate is on, thresholds sit at
// their fail-closed values, and the in-memory event store is used until a
// DSN is configured.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for YAML fields written as "5m" or "30s".
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses Go duration syntax.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML renders Go duration syntax.
func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// KernelConfig tunes the state machine and safe-mode controller.
type KernelConfig struct {
	ErrorEscalationThreshold int     `yaml:"error_escalation_threshold"`
	SafeModeExitTrustFloor   float64 `yaml:"safe_mode_exit_trust_floor"`
}

// ApprovalConfig tunes the approval gate.
type ApprovalConfig struct {
	Timeout           Duration `yaml:"timeout"`
	FloodGuardPerSec  float64  `yaml:"flood_guard_per_sec"`
	FloodGuardBurst   int      `yaml:"flood_guard_burst"`
}

// MemoryConfig tunes the memory quarantine gate.
type MemoryConfig struct {
	Enabled             bool     `yaml:"enabled"`
	WriteThreshold      float64  `yaml:"write_threshold"`
	QuarantineThreshold float64  `yaml:"quarantine_threshold"`
	MaxContentBytes     int      `yaml:"max_content_bytes"`
	QuarantineCapacity  int      `yaml:"quarantine_capacity"`
	QuarantineTTL       Duration `yaml:"quarantine_ttl"`
}

// EventLogConfig selects the audit log backend. Backend is "memory",
// "sqlite", or "postgres"; DSN applies to the latter two.
type EventLogConfig struct {
	Backend string `yaml:"backend"`
	DSN     string `yaml:"dsn"`
}

// InvariantConfig declares one global CEL invariant.
type InvariantConfig struct {
	Name       string `yaml:"name"`
	Expression string `yaml:"expression"`
	Critical   bool   `yaml:"critical"`
}

// ObservabilityConfig tunes metric export.
type ObservabilityConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Environment  string `yaml:"environment"`
	Insecure     bool   `yaml:"insecure"`
}

// Config is the full kernel configuration.
type Config struct {
	LogLevel      string              `yaml:"log_level"`
	Kernel        KernelConfig        `yaml:"kernel"`
	Approval      ApprovalConfig      `yaml:"approval"`
	Memory        MemoryConfig        `yaml:"memory"`
	EventLog      EventLogConfig      `yaml:"event_log"`
	Invariants    []InvariantConfig   `yaml:"invariants"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// Default returns the safe baseline configuration.
func Default() *Config {
	return &Config{
		LogLevel: "INFO",
		Kernel: KernelConfig{
			ErrorEscalationThreshold: 3,
			SafeModeExitTrustFloor:   0.8,
		},
		Approval: ApprovalConfig{
			Timeout:          Duration{5 * time.Minute},
			FloodGuardPerSec: 10,
			FloodGuardBurst:  20,
		},
		Memory: MemoryConfig{
			Enabled:             true,
			WriteThreshold:      0.75,
			QuarantineThreshold: 0.45,
			MaxContentBytes:     64 * 1024,
			QuarantineCapacity:  128,
			QuarantineTTL:       Duration{15 * time.Minute},
		},
		EventLog: EventLogConfig{
			Backend: "memory",
		},
		Observability: ObservabilityConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			Environment:  "development",
		},
	}
}

// Load reads a YAML file over the defaults, then applies AEGIS_*
// environment overrides. An empty path loads defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("AEGIS_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("AEGIS_ERROR_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Kernel.ErrorEscalationThreshold = n
		}
	}
	if v := os.Getenv("AEGIS_EXIT_TRUST_FLOOR"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Kernel.SafeModeExitTrustFloor = f
		}
	}
	if v := os.Getenv("AEGIS_APPROVAL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Approval.Timeout = Duration{d}
		}
	}
	if v := os.Getenv("AEGIS_MEMORY_ENABLED"); v != "" {
		cfg.Memory.Enabled = v == "true"
	}
	if v := os.Getenv("AEGIS_MEMORY_WRITE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Memory.WriteThreshold = f
		}
	}
	if v := os.Getenv("AEGIS_EVENTLOG_BACKEND"); v != "" {
		cfg.EventLog.Backend = v
	}
	if v := os.Getenv("AEGIS_EVENTLOG_DSN"); v != "" {
		cfg.EventLog.DSN = v
	}
	if v := os.Getenv("AEGIS_OTLP_ENDPOINT"); v != "" {
		cfg.Observability.OTLPEndpoint = v
		cfg.Observability.Enabled = true
	}
}

// Validate rejects configurations that would weaken the kernel's
// guarantees.
func (c *Config) Validate() error {
	if c.Kernel.ErrorEscalationThreshold < 1 {
		return fmt.Errorf("config: error_escalation_threshold must be >= 1, got %d",
			c.Kernel.ErrorEscalationThreshold)
	}
	if c.Kernel.SafeModeExitTrustFloor < 0 || c.Kernel.SafeModeExitTrustFloor > 1 {
		return fmt.Errorf("config: safe_mode_exit_trust_floor must be in [0,1], got %g",
			c.Kernel.SafeModeExitTrustFloor)
	}
	if c.Memory.WriteThreshold < c.Memory.QuarantineThreshold {
		return fmt.Errorf("config: write_threshold %g below quarantine_threshold %g",
			c.Memory.WriteThreshold, c.Memory.QuarantineThreshold)
	}
	if c.Approval.Timeout.Duration <= 0 {
		return fmt.Errorf("config: approval timeout must be positive")
	}
	switch c.EventLog.Backend {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown event_log backend %q", c.EventLog.Backend)
	}
	if c.EventLog.Backend != "memory" && c.EventLog.DSN == "" {
		return fmt.Errorf("config: event_log backend %q requires a dsn", c.EventLog.Backend)
	}
	for _, inv := range c.Invariants {
		if inv.Name == "" || inv.Expression == "" {
			return fmt.Errorf("config: invariants need both name and expression")
		}
	}
	return nil
}
