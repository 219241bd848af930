// Package config defines the runtime configuration for a Samstraumr
// deployment: monitor cadence, health thresholds, adaptation policy,
// machine isolation, and the optional NATS and metrics endpoints.
// Configuration is loaded from a JSON file and validated before use.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config is the complete runtime configuration.
type Config struct {
	Monitor    MonitorConfig    `json:"monitor"`
	Adaptation AdaptationConfig `json:"adaptation"`
	Machine    MachineConfig    `json:"machine"`
	Tube       TubeConfig       `json:"tube"`
	NATS       NATSConfig       `json:"nats,omitempty"`
	Metrics    MetricsConfig    `json:"metrics"`
}

// MonitorConfig controls background health sampling.
type MonitorConfig struct {
	Interval      Duration `json:"interval"`       // sampling cadence
	ErrorRate     float64  `json:"error_rate"`     // mean error rate above which a tube is degraded
	LatencyP95    float64  `json:"latency_p95"`    // seconds; 0 disables the latency threshold
	CriticalAfter int      `json:"critical_after"` // consecutive degraded checks before critical
}

// AdaptationConfig controls the adaptation controller's hysteresis.
type AdaptationConfig struct {
	RetryBudget int      `json:"retry_budget"` // consecutive criticals while adapting before error
	MinDwell    Duration `json:"min_dwell"`    // minimum time in adapting before recovery
	Cooldown    Duration `json:"cooldown"`     // suppression window after a recovery
}

// MachineConfig controls cross-composite isolation.
type MachineConfig struct {
	ErrorBudget int `json:"error_budget"` // consecutive member failures before the circuit opens
}

// TubeConfig holds per-tube defaults.
type TubeConfig struct {
	WindowSize      int      `json:"window_size"`       // dynamic-state sliding window
	JournalCapacity int      `json:"journal_capacity"`  // transition audit trail
	ProcessTimeout  Duration `json:"process_timeout"`   // 0 disables the per-call timeout
}

// NATSConfig connects telemetry and long-term memory to a NATS server.
// An empty URL disables both.
type NATSConfig struct {
	URL           string `json:"url,omitempty"`
	SubjectPrefix string `json:"subject_prefix,omitempty"` // defaults to "samstraumr"
	MemoryBucket  string `json:"memory_bucket,omitempty"`  // JetStream KV bucket for learned adjustments
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `json:"addr"` // listen address for /metrics and /healthz
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Monitor: MonitorConfig{
			Interval:      Duration(10 * time.Second),
			ErrorRate:     0.3,
			CriticalAfter: 3,
		},
		Adaptation: AdaptationConfig{
			RetryBudget: 3,
			MinDwell:    Duration(5 * time.Second),
			Cooldown:    Duration(30 * time.Second),
		},
		Machine: MachineConfig{
			ErrorBudget: 5,
		},
		Tube: TubeConfig{
			WindowSize:      128,
			JournalCapacity: 1024,
		},
		NATS: NATSConfig{
			SubjectPrefix: "samstraumr",
			MemoryBucket:  "samstraumr-memory",
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
	}
}

// Load reads and validates a JSON configuration file. Fields absent from
// the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the runtime cannot use.
func (c *Config) Validate() error {
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be positive, got %s", time.Duration(c.Monitor.Interval))
	}
	if c.Monitor.ErrorRate < 0 || c.Monitor.ErrorRate > 1 {
		return fmt.Errorf("monitor.error_rate must be in [0,1], got %g", c.Monitor.ErrorRate)
	}
	if c.Monitor.LatencyP95 < 0 {
		return fmt.Errorf("monitor.latency_p95 must be non-negative, got %g", c.Monitor.LatencyP95)
	}
	if c.Monitor.CriticalAfter < 1 {
		return fmt.Errorf("monitor.critical_after must be at least 1, got %d", c.Monitor.CriticalAfter)
	}
	if c.Adaptation.RetryBudget < 1 {
		return fmt.Errorf("adaptation.retry_budget must be at least 1, got %d", c.Adaptation.RetryBudget)
	}
	if c.Adaptation.MinDwell < 0 {
		return fmt.Errorf("adaptation.min_dwell must be non-negative, got %s", time.Duration(c.Adaptation.MinDwell))
	}
	if c.Adaptation.Cooldown < 0 {
		return fmt.Errorf("adaptation.cooldown must be non-negative, got %s", time.Duration(c.Adaptation.Cooldown))
	}
	if c.Machine.ErrorBudget < 1 {
		return fmt.Errorf("machine.error_budget must be at least 1, got %d", c.Machine.ErrorBudget)
	}
	if c.Tube.WindowSize < 1 {
		return fmt.Errorf("tube.window_size must be at least 1, got %d", c.Tube.WindowSize)
	}
	if c.Tube.JournalCapacity < 1 {
		return fmt.Errorf("tube.journal_capacity must be at least 1, got %d", c.Tube.JournalCapacity)
	}
	if c.Tube.ProcessTimeout < 0 {
		return fmt.Errorf("tube.process_timeout must be non-negative, got %s", time.Duration(c.Tube.ProcessTimeout))
	}
	if c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required")
	}
	return nil
}

// Duration is a time.Duration that marshals as a human-readable string
// ("10s", "1m30s") in JSON.
type Duration time.Duration

// MarshalJSON renders the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts either a duration string or nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
		return nil
	case float64:
		*d = Duration(time.Duration(val))
		return nil
	default:
		return fmt.Errorf("invalid duration value %v", v)
	}
}
