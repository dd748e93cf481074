// Package config holds all execplane configuration. Configuration is loaded
// from .plane/config.json in the workspace, with environment-variable
// overrides for deployment settings. Every subsystem reads its section from
// the one Config value injected at construction time; nothing reads config
// globally at runtime.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all control-plane configuration.
type Config struct {
	// Name identifies the plane instance in logs and telemetry.
	Name string `json:"name"`

	// Workspace is the root directory for plane state (.plane/).
	Workspace string `json:"workspace"`

	Logging   LoggingConfig   `json:"logging"`
	Policy    PolicyConfig    `json:"policy"`
	Effort    EffortConfig    `json:"effort"`
	Executor  ExecutorConfig  `json:"executor"`
	Snapshots SnapshotConfig  `json:"snapshots"`
	Retention RetentionConfig `json:"retention"`
	Storage   StorageConfig   `json:"storage"`
	Telemetry TelemetryConfig `json:"telemetry"`
	Secrets   SecretsConfig   `json:"secrets"`
}

// LoggingConfig controls categorized diagnostic logging.
type LoggingConfig struct {
	Debug   bool   `json:"debug_mode"`
	Level   string `json:"level"`
	Dir     string `json:"dir"`
	Console bool   `json:"console"`
}

// PolicyConfig locates the policy rules document and its reload behavior.
type PolicyConfig struct {
	// RulesPath points to the YAML policy document. Empty uses built-in
	// defaults.
	RulesPath string `json:"rules_path"`

	// WatchRules hot-reloads the document on change.
	WatchRules bool `json:"watch_rules"`
}

// EffortConfig tunes the effort evaluator.
type EffortConfig struct {
	// ApproveThreshold: scores at or above auto-approve.
	ApproveThreshold float64 `json:"approve_threshold"`

	// RejectThreshold: scores at or below short-circuit to reject.
	RejectThreshold float64 `json:"reject_threshold"`

	// MetricsWindow bounds the rolling observability window per tool.
	MetricsWindow int `json:"metrics_window"`
}

// ExecutorConfig tunes the tool execution wrapper.
type ExecutorConfig struct {
	// DefaultTimeout bounds each tool execution wall-clock.
	DefaultTimeout Duration `json:"default_timeout"`

	// MaxAttempts is the retry budget for recoverable storage and
	// provider failures.
	MaxAttempts int `json:"max_attempts"`

	// BackoffBase is the first retry delay; subsequent delays double
	// with jitter.
	BackoffBase Duration `json:"backoff_base"`

	// MinConfidence is the decide-operator escalation threshold.
	MinConfidence float64 `json:"min_confidence"`
}

// SnapshotConfig tunes the always-on snapshot manager.
type SnapshotConfig struct {
	// Interval between scheduled snapshots.
	Interval Duration `json:"interval"`

	// MaxInterval forces a snapshot regardless of activity.
	MaxInterval Duration `json:"max_interval"`

	// StateChangeThreshold triggers a snapshot after this many state changes.
	StateChangeThreshold int `json:"state_change_threshold"`

	// MemoryWriteThreshold triggers a snapshot after this many memory writes.
	MemoryWriteThreshold int `json:"memory_write_threshold"`

	// RetainCount caps stored snapshots; oldest unverified pruned first.
	RetainCount int `json:"retain_count"`

	// Adaptive scales the effective thresholds against the activity score.
	Adaptive bool `json:"adaptive"`
}

// RetentionConfig tunes the memory retention manager.
type RetentionConfig struct {
	// HotAge, WarmAge, ColdAge are the ages at which entries become
	// candidates for the next tier.
	HotAge  Duration `json:"hot_age"`
	WarmAge Duration `json:"warm_age"`
	ColdAge Duration `json:"cold_age"`

	// HoldAccessCount keeps an entry in its tier when accessed at least
	// this many times.
	HoldAccessCount int `json:"hold_access_count"`
}

// StorageConfig locates the persistence back-ends.
type StorageConfig struct {
	// Driver selects the store: "memory" or "sqlite".
	Driver string `json:"driver"`

	// DatabasePath is the SQLite file for snapshots and the outbox.
	DatabasePath string `json:"database_path"`

	// AuditDir holds the NDJSON audit log files.
	AuditDir string `json:"audit_dir"`

	// AuditRotateBytes rotates an audit file when it reaches this size.
	AuditRotateBytes int64 `json:"audit_rotate_bytes"`

	// RedisAddr enables the Redis result cache when non-empty.
	RedisAddr string `json:"redis_addr"`
}

// TelemetryConfig controls event emission and redaction.
type TelemetryConfig struct {
	// Enabled turns the event bus on.
	Enabled bool `json:"enabled"`

	// SensitiveFields extends the default redaction set.
	SensitiveFields []string `json:"sensitive_fields"`
}

// SecretsConfig tunes the data-key cache and locates key material.
type SecretsConfig struct {
	// DataKeyTTL bounds how long a derived data key stays cached.
	DataKeyTTL Duration `json:"data_key_ttl"`

	// SigningSeedFile holds a raw 32-byte ed25519 seed. Non-empty enables
	// signed commit receipts.
	SigningSeedFile string `json:"signing_seed_file,omitempty"`

	// MasterKeyFile holds a raw 32-byte master key. Non-empty seals
	// snapshot state at rest with envelope encryption.
	MasterKeyFile string `json:"master_key_file,omitempty"`
}

// Duration wraps time.Duration with JSON string encoding ("30s", "5m").
type Duration time.Duration

// MarshalJSON encodes the duration as its string form.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts either a duration string or nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("config: bad duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("config: bad duration %s", data)
	}
	*d = Duration(n)
	return nil
}

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Name: "execplane",
		Logging: LoggingConfig{
			Level: "info",
		},
		Effort: EffortConfig{
			ApproveThreshold: 0.7,
			RejectThreshold:  0.3,
			MetricsWindow:    100,
		},
		Executor: ExecutorConfig{
			DefaultTimeout: Duration(30 * time.Second),
			MaxAttempts:    3,
			BackoffBase:    Duration(200 * time.Millisecond),
			MinConfidence:  0.5,
		},
		Snapshots: SnapshotConfig{
			Interval:             Duration(5 * time.Minute),
			MaxInterval:          Duration(30 * time.Minute),
			StateChangeThreshold: 25,
			MemoryWriteThreshold: 50,
			RetainCount:          20,
		},
		Retention: RetentionConfig{
			HotAge:          Duration(24 * time.Hour),
			WarmAge:         Duration(7 * 24 * time.Hour),
			ColdAge:         Duration(30 * 24 * time.Hour),
			HoldAccessCount: 10,
		},
		Storage: StorageConfig{
			Driver:           "memory",
			AuditRotateBytes: 16 << 20,
		},
		Telemetry: TelemetryConfig{
			Enabled: true,
		},
		Secrets: SecretsConfig{
			DataKeyTTL: Duration(15 * time.Minute),
		},
	}
}

// Load reads configuration from workspace/.plane/config.json, merged over
// defaults, then applies environment overrides. A missing file is not an
// error: defaults apply.
func Load(workspace string) (*Config, error) {
	cfg := Default()
	cfg.Workspace = workspace

	path := filepath.Join(workspace, ".plane", "config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Workspace = workspace
	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays PLANE_* environment variables on deployment settings.
func applyEnv(cfg *Config) {
	if v := os.Getenv("PLANE_DB_PATH"); v != "" {
		cfg.Storage.DatabasePath = v
	}
	if v := os.Getenv("PLANE_AUDIT_DIR"); v != "" {
		cfg.Storage.AuditDir = v
	}
	if v := os.Getenv("PLANE_REDIS_ADDR"); v != "" {
		cfg.Storage.RedisAddr = v
	}
	if v := os.Getenv("PLANE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PLANE_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Logging.Debug = b
		}
	}
	if v := os.Getenv("PLANE_POLICY_RULES"); v != "" {
		cfg.Policy.RulesPath = v
	}
}

// Validate rejects configurations the plane cannot run with.
func (c *Config) Validate() error {
	if c.Effort.RejectThreshold > c.Effort.ApproveThreshold {
		return fmt.Errorf("config: reject threshold %.2f exceeds approve threshold %.2f",
			c.Effort.RejectThreshold, c.Effort.ApproveThreshold)
	}
	if c.Executor.MaxAttempts < 1 {
		return fmt.Errorf("config: max_attempts must be at least 1")
	}
	if c.Snapshots.RetainCount < 1 {
		return fmt.Errorf("config: snapshot retain_count must be at least 1")
	}
	switch c.Storage.Driver {
	case "", "memory", "sqlite":
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}
	return nil
}
