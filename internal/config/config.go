// Package config provides configuration loading, validation, and hot-reload
// for the Pulse daemon.
//
// Configuration file: /etc/pulse/config.yaml (default)
// Schema version: 1
//
// Hot-reload:
//   - Daemon listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate config.yaml.
//   - Apply non-destructive changes only (trigger threshold, cooldown,
//     max turns per hour). Drive weights and sources in the reloaded file
//     are not applied to the running engine.
//   - Destructive changes (state dir, HTTP addrs, webhook base URL) require
//     restart.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The daemon does NOT crash on invalid hot-reload config.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (e.g. weight bounds, pressure_rate > 0).
//   - State directory must be an absolute path.
//   - Invalid config on startup: daemon refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for Pulse. All fields have
// defaults; see Defaults() for values. The trigger threshold, cooldown,
// and turns-per-hour fields are the mutable subset the Mutator may change
// at runtime (spec §3, "Config (mutable subset)"); access to them goes
// through the accessor methods below, which hold mu, not direct field
// reads — everything else is read directly, since it is immutable after
// startup.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// StateDir is the directory rooting state.json, audit.jsonl,
	// trigger_history.jsonl, mutations.json, and pulse.pid. Must be
	// absolute.
	StateDir string `yaml:"state_dir"`

	// Drives seeds the Drive Engine at startup. A persisted snapshot (if
	// present) takes precedence per-drive; a drive named here but absent
	// from the snapshot falls back to this default (spec §4.9 step 3).
	Drives []DriveConfig `yaml:"drives"`

	Engine        EngineConfig        `yaml:"engine"`
	Evaluator     EvaluatorConfig     `yaml:"evaluator"`
	Guardrails    GuardrailsConfig    `yaml:"guardrails"`
	Webhook       WebhookConfig       `yaml:"webhook"`
	Sensors       SensorsConfig       `yaml:"sensors"`
	HTTP          HTTPConfig          `yaml:"http"`
	Observability ObservabilityConfig `yaml:"observability"`
	Daemon        DaemonConfig        `yaml:"daemon"`

	mu               sync.RWMutex
	triggerThreshold float64
	minTriggerInt    time.Duration
	maxTurnsPerHour  int
}

// DriveConfig is one config-seeded drive (spec §3, "Drive").
type DriveConfig struct {
	Name      string   `yaml:"name"`
	Weight    float64  `yaml:"weight"`
	Sources   []string `yaml:"sources"`
	Protected bool     `yaml:"protected"`
}

// EngineConfig holds Drive Engine tunables (spec §4.1).
type EngineConfig struct {
	// PressureRate is the per-minute accumulation rate applied to every
	// drive, scaled by its weight. Mutable via adjust_rate.
	PressureRate float64 `yaml:"pressure_rate"`

	// MaxPressure is p_max, the clamp ceiling shared by every drive.
	MaxPressure float64 `yaml:"max_pressure"`

	// SourceSpikeAmount is the bounded spike applied when a drive's source
	// changes since the last tick (spec default 1.5).
	SourceSpikeAmount float64 `yaml:"source_spike_amount"`

	// SuccessDecay is the fraction the top drive's pressure is reduced by
	// on successful feedback.
	SuccessDecay float64 `yaml:"success_decay"`

	// ProportionalDecayFactor is the tunable "×2"-style scale applied to
	// secondary drives' proportional decay (spec §9, open question 2).
	ProportionalDecayFactor float64 `yaml:"proportional_decay_factor"`

	// MaxWeightDeltaPerEvolution bounds EvolveWeights' per-cycle weight
	// change (spec §9, open question 4).
	MaxWeightDeltaPerEvolution float64 `yaml:"max_weight_delta_per_evolution"`

	WeightMin          float64 `yaml:"weight_min"`
	WeightMax          float64 `yaml:"weight_max"`
	WeightProtectedMin float64 `yaml:"weight_protected_min"`
}

// EvaluatorConfig selects and tunes the Evaluator (spec §4.2).
type EvaluatorConfig struct {
	// Mode is "rule" or "model".
	Mode string `yaml:"mode"`

	TriggerThreshold         float64       `yaml:"trigger_threshold"`
	TriggerFloor             float64       `yaml:"trigger_floor"`
	HighPressureThreshold    float64       `yaml:"high_pressure_threshold"`
	IdleWindow               time.Duration `yaml:"idle_window"`
	ActivityThresholdSeconds float64       `yaml:"activity_threshold_seconds"`

	Model ModelEvaluatorConfig `yaml:"model"`
}

// ModelEvaluatorConfig configures the model-backed evaluator.
type ModelEvaluatorConfig struct {
	// Endpoint is the URL the daemon's ModelClient implementation calls.
	Endpoint string `yaml:"endpoint"`

	// TokenEnv names the environment variable holding the model API token
	// (never stored in the config file itself).
	TokenEnv string `yaml:"token_env"`

	NFail            int           `yaml:"n_fail"`
	RecoveryInterval time.Duration `yaml:"recovery_interval"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
}

// GuardrailsConfig overrides Guardrails' default bounds (spec §4.3 table).
// Zero values fall back to guardrails.DefaultBounds() at startup.
type GuardrailsConfig struct {
	WeightMaxDelta  float64       `yaml:"weight_max_delta"`
	ThresholdMin    float64       `yaml:"threshold_min"`
	ThresholdMax    float64       `yaml:"threshold_max"`
	RateMin         float64       `yaml:"rate_min"`
	RateMax         float64       `yaml:"rate_max"`
	CooldownMin     time.Duration `yaml:"cooldown_min"`
	CooldownMax     time.Duration `yaml:"cooldown_max"`
	TurnsPerHourMin int           `yaml:"turns_per_hour_min"`
	TurnsPerHourMax int           `yaml:"turns_per_hour_max"`
	MaxManualDelta  float64       `yaml:"max_manual_delta"`
	MaxPerHour      int           `yaml:"max_per_hour"`
}

// WebhookConfig configures the outgoing webhook client (spec §4.7).
type WebhookConfig struct {
	BaseURL string `yaml:"base_url"`

	// TokenEnv names the environment variable holding the bearer token
	// (spec §4.7: token absence is a startup warning, not a failure).
	TokenEnv string `yaml:"token_env"`

	// AuthHeaderName is configurable per spec §9 open question 2; the
	// bearer token is always sent regardless of the header name.
	AuthHeaderName string        `yaml:"auth_header_name"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	BackoffStart   time.Duration `yaml:"backoff_start"`
	BackoffCap     time.Duration `yaml:"backoff_cap"`
}

// SensorsConfig configures the four built-in sensors (spec §4.6).
type SensorsConfig struct {
	FilesystemWatchDir string `yaml:"filesystem_watch_dir"`

	ConversationDir          string        `yaml:"conversation_dir"`
	ConversationSizeFloor    int64         `yaml:"conversation_size_floor_bytes"`
	ConversationActiveWindow time.Duration `yaml:"conversation_active_window"`

	SystemHealthPath   string        `yaml:"system_health_path"`
	SystemHealthBudget time.Duration `yaml:"system_health_budget"`

	SourceScrapeSpikeDelta float64 `yaml:"source_scrape_spike_delta"`
}

// HTTPConfig configures the health/control server and the standalone
// metrics listener (spec §9, open question 1: both ports are explicit
// config with defaults, not inferred).
type HTTPConfig struct {
	HealthAddr  string `yaml:"health_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// ObservabilityConfig holds logging parameters.
type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// DaemonConfig holds main-loop timing and file-rotation parameters
// (spec §4.9, §4.5).
type DaemonConfig struct {
	LoopInterval time.Duration `yaml:"loop_interval"`
	SaveInterval time.Duration `yaml:"save_interval"`

	AuditMaxBytes          int64 `yaml:"audit_max_bytes"`
	TriggerHistoryMaxBytes int64 `yaml:"trigger_history_max_bytes"`

	// MaxConsecutiveLoopFailures is the fatal threshold for repeated
	// iteration failures (spec §7: "N consecutive, e.g. 5, is fatal").
	MaxConsecutiveLoopFailures int `yaml:"max_consecutive_loop_failures"`

	// EvolutionInterval is how often EvolveWeights is called, at most
	// every N loops (spec §4.1).
	EvolutionInterval int `yaml:"evolution_interval_loops"`
}

// Defaults returns a Config populated with every default value documented
// in spec.md and SPEC_FULL.md.
func Defaults() Config {
	cfg := Config{
		SchemaVersion: "1",
		StateDir:      "/var/lib/pulse",
		Drives: []DriveConfig{
			{Name: "goals", Weight: 1.0, Protected: true},
			{Name: "growth", Weight: 1.0, Protected: true},
			{Name: "curiosity", Weight: 0.8},
			{Name: "maintenance", Weight: 0.6},
			{Name: "social", Weight: 0.5},
		},
		Engine: EngineConfig{
			PressureRate:               0.05,
			MaxPressure:                20.0,
			SourceSpikeAmount:          1.5,
			SuccessDecay:               0.7,
			ProportionalDecayFactor:    2.0,
			MaxWeightDeltaPerEvolution: 0.05,
			WeightMin:                  0.0,
			WeightMax:                  3.0,
			WeightProtectedMin:         0.5,
		},
		Evaluator: EvaluatorConfig{
			Mode:                     "rule",
			TriggerThreshold:         5.0,
			TriggerFloor:             1.5,
			HighPressureThreshold:    10.0,
			IdleWindow:               30 * time.Minute,
			ActivityThresholdSeconds: 300,
			Model: ModelEvaluatorConfig{
				TokenEnv:         "PULSE_MODEL_TOKEN",
				NFail:            3,
				RecoveryInterval: 5 * time.Minute,
				RequestTimeout:   10 * time.Second,
			},
		},
		Guardrails: GuardrailsConfig{
			WeightMaxDelta:  0.1,
			ThresholdMin:    0.5,
			ThresholdMax:    50.0,
			RateMin:         0.001,
			RateMax:         1.0,
			CooldownMin:     60 * time.Second,
			CooldownMax:     7200 * time.Second,
			TurnsPerHourMin: 1,
			TurnsPerHourMax: 60,
			MaxManualDelta:  1.0,
			MaxPerHour:      20,
		},
		Webhook: WebhookConfig{
			TokenEnv:       "PULSE_WEBHOOK_TOKEN",
			AuthHeaderName: "Authorization",
			RequestTimeout: 10 * time.Second,
			MaxRetries:     3,
			BackoffStart:   500 * time.Millisecond,
			BackoffCap:     5 * time.Second,
		},
		Sensors: SensorsConfig{
			FilesystemWatchDir:       "/var/lib/pulse/watch",
			ConversationDir:          "/var/log/pulse/sessions",
			ConversationSizeFloor:    100 * 1024,
			ConversationActiveWindow: 5 * time.Minute,
			SystemHealthPath:         "/",
			SystemHealthBudget:       time.Second,
			SourceScrapeSpikeDelta:   1.5,
		},
		HTTP: HTTPConfig{
			HealthAddr:  "127.0.0.1:9719",
			MetricsAddr: "127.0.0.1:9720",
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
		Daemon: DaemonConfig{
			LoopInterval:               10 * time.Second,
			SaveInterval:               60 * time.Second,
			AuditMaxBytes:              5 * 1024 * 1024,
			TriggerHistoryMaxBytes:     5 * 1024 * 1024,
			MaxConsecutiveLoopFailures: 5,
			EvolutionInterval:          60,
		},
	}
	cfg.triggerThreshold = cfg.Evaluator.TriggerThreshold
	cfg.minTriggerInt = 10 * time.Minute
	cfg.maxTurnsPerHour = 6
	return cfg
}

// Load reads and validates a config file from the given path, merging it
// onto Defaults().
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}
	// yaml.Unmarshal into a struct with a mutex field is safe (unexported
	// fields are never touched), but the mutable-subset mirrors set by
	// Defaults() must be re-synced to whatever the file overrode.
	cfg.triggerThreshold = cfg.Evaluator.TriggerThreshold

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks all config fields for correctness, accumulating every
// violation into one error (teacher's Validate pattern).
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if !filepath.IsAbs(cfg.StateDir) {
		errs = append(errs, fmt.Sprintf("state_dir must be an absolute path, got %q", cfg.StateDir))
	}

	seen := make(map[string]bool, len(cfg.Drives))
	for _, d := range cfg.Drives {
		if d.Name == "" {
			errs = append(errs, "drives: every drive must have a non-empty name")
			continue
		}
		if seen[d.Name] {
			errs = append(errs, fmt.Sprintf("drives: duplicate drive name %q", d.Name))
		}
		seen[d.Name] = true
	}

	if cfg.Engine.PressureRate <= 0 {
		errs = append(errs, fmt.Sprintf("engine.pressure_rate must be > 0, got %f", cfg.Engine.PressureRate))
	}
	if cfg.Engine.MaxPressure <= 0 {
		errs = append(errs, fmt.Sprintf("engine.max_pressure must be > 0, got %f", cfg.Engine.MaxPressure))
	}
	if cfg.Engine.SuccessDecay < 0 || cfg.Engine.SuccessDecay > 1 {
		errs = append(errs, fmt.Sprintf("engine.success_decay must be in [0, 1], got %f", cfg.Engine.SuccessDecay))
	}
	if cfg.Engine.WeightMin > cfg.Engine.WeightMax {
		errs = append(errs, "engine.weight_min must be <= engine.weight_max")
	}
	if cfg.Engine.WeightProtectedMin < cfg.Engine.WeightMin {
		errs = append(errs, "engine.weight_protected_min must be >= engine.weight_min")
	}

	switch cfg.Evaluator.Mode {
	case "rule", "model":
	default:
		errs = append(errs, fmt.Sprintf("evaluator.mode must be \"rule\" or \"model\", got %q", cfg.Evaluator.Mode))
	}
	if cfg.Evaluator.TriggerThreshold <= 0 {
		errs = append(errs, fmt.Sprintf("evaluator.trigger_threshold must be > 0, got %f", cfg.Evaluator.TriggerThreshold))
	}
	if cfg.Evaluator.HighPressureThreshold < cfg.Evaluator.TriggerThreshold {
		errs = append(errs, "evaluator.high_pressure_threshold must be >= evaluator.trigger_threshold")
	}
	if cfg.Evaluator.Mode == "model" && cfg.Evaluator.Model.Endpoint == "" {
		errs = append(errs, "evaluator.model.endpoint is required when evaluator.mode is \"model\"")
	}

	if cfg.Webhook.BaseURL == "" {
		errs = append(errs, "webhook.base_url must not be empty")
	}
	if cfg.Webhook.MaxRetries < 0 {
		errs = append(errs, fmt.Sprintf("webhook.max_retries must be >= 0, got %d", cfg.Webhook.MaxRetries))
	}

	if cfg.HTTP.HealthAddr == "" {
		errs = append(errs, "http.health_addr must not be empty")
	}
	if cfg.HTTP.MetricsAddr == "" {
		errs = append(errs, "http.metrics_addr must not be empty")
	}

	if cfg.Daemon.LoopInterval <= 0 {
		errs = append(errs, fmt.Sprintf("daemon.loop_interval must be > 0, got %s", cfg.Daemon.LoopInterval))
	}
	if cfg.Daemon.SaveInterval <= 0 {
		errs = append(errs, fmt.Sprintf("daemon.save_interval must be > 0, got %s", cfg.Daemon.SaveInterval))
	}
	if cfg.Daemon.MaxConsecutiveLoopFailures < 1 {
		errs = append(errs, fmt.Sprintf("daemon.max_consecutive_loop_failures must be >= 1, got %d", cfg.Daemon.MaxConsecutiveLoopFailures))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

// --- Mutable subset accessors (spec §3, "Config (mutable subset)") ---
//
// These implement internal/mutator.MutableConfig. The Mutator already
// serializes all mutation application under its own mutex, but /state and
// /config GET handlers read concurrently from the health server's
// double-buffered snapshot path, so these still take a read lock.

// TriggerThreshold returns the current trigger_threshold.
func (c *Config) TriggerThreshold() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.triggerThreshold
}

// SetTriggerThreshold updates trigger_threshold (adjust_threshold mutation).
func (c *Config) SetTriggerThreshold(v float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.triggerThreshold = v
}

// CooldownSeconds returns the current min_trigger_interval in seconds.
func (c *Config) CooldownSeconds() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.minTriggerInt.Seconds()
}

// SetCooldown updates min_trigger_interval (adjust_cooldown mutation).
func (c *Config) SetCooldown(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.minTriggerInt = d
}

// Cooldown returns the current min_trigger_interval as a Duration, for the
// daemon's trigger-gating check.
func (c *Config) Cooldown() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.minTriggerInt
}

// MaxTurnsPerHour returns the current max_turns_per_hour.
func (c *Config) MaxTurnsPerHour() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxTurnsPerHour
}

// SetMaxTurnsPerHour updates max_turns_per_hour (adjust_turns_per_hour
// mutation).
func (c *Config) SetMaxTurnsPerHour(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxTurnsPerHour = n
}

// SetInitialCooldown and SetInitialMaxTurnsPerHour seed the mutable subset
// at startup from persisted config_overrides (spec §4.9 step 2), before
// any mutation has run. Unlike the Set* mutators above these are meant to
// be called once, synchronously, before the daemon starts its loop.
func (c *Config) SetInitialCooldown(d time.Duration)        { c.SetCooldown(d) }
func (c *Config) SetInitialMaxTurnsPerHour(n int)            { c.SetMaxTurnsPerHour(n) }
func (c *Config) SetInitialTriggerThreshold(v float64)       { c.SetTriggerThreshold(v) }

// Overrides returns the current mutable subset as a plain map, suitable
// for statestore.State.ConfigOverrides (spec §4.5).
func (c *Config) Overrides() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return map[string]interface{}{
		"trigger_threshold":    c.triggerThreshold,
		"min_trigger_interval": c.minTriggerInt.Seconds(),
		"max_turns_per_hour":   c.maxTurnsPerHour,
	}
}

// RestoreOverrides applies a persisted config_overrides map (spec §4.9
// step 2: "Load config, apply persisted config_overrides"). Unknown keys
// are ignored; missing keys leave the file-loaded default in place.
func (c *Config) RestoreOverrides(overrides map[string]interface{}) {
	if overrides == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := overrides["trigger_threshold"].(float64); ok {
		c.triggerThreshold = v
	}
	if v, ok := overrides["min_trigger_interval"].(float64); ok {
		c.minTriggerInt = time.Duration(v * float64(time.Second))
	}
	if v, ok := overrides["max_turns_per_hour"].(float64); ok {
		c.maxTurnsPerHour = int(v)
	}
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
