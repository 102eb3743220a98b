package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalValidConfig = `
schema_version: "1"
state_dir: /var/lib/pulse-test
webhook:
  base_url: https://example.invalid/hooks
`

func TestLoadMergesOntoDefaults(t *testing.T) {
	path := writeConfig(t, minimalValidConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.PressureRate != Defaults().Engine.PressureRate {
		t.Fatalf("pressure_rate = %v, want default %v", cfg.Engine.PressureRate, Defaults().Engine.PressureRate)
	}
	if cfg.StateDir != "/var/lib/pulse-test" {
		t.Fatalf("state_dir = %q, want override to take effect", cfg.StateDir)
	}
	if cfg.TriggerThreshold() != Defaults().Evaluator.TriggerThreshold {
		t.Fatalf("TriggerThreshold() = %v, want %v", cfg.TriggerThreshold(), Defaults().Evaluator.TriggerThreshold)
	}
}

func TestLoadRejectsRelativeStateDir(t *testing.T) {
	path := writeConfig(t, `
schema_version: "1"
state_dir: relative/path
webhook:
  base_url: https://example.invalid/hooks
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for relative state_dir")
	}
}

func TestLoadRejectsMissingWebhookBaseURL(t *testing.T) {
	path := writeConfig(t, `
schema_version: "1"
state_dir: /var/lib/pulse-test
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for missing webhook.base_url")
	}
}

func TestLoadRejectsDuplicateDriveNames(t *testing.T) {
	path := writeConfig(t, `
schema_version: "1"
state_dir: /var/lib/pulse-test
webhook:
  base_url: https://example.invalid/hooks
drives:
  - name: goals
    weight: 1.0
  - name: goals
    weight: 0.5
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for duplicate drive names")
	}
}

func TestLoadRejectsModelModeWithoutEndpoint(t *testing.T) {
	path := writeConfig(t, `
schema_version: "1"
state_dir: /var/lib/pulse-test
webhook:
  base_url: https://example.invalid/hooks
evaluator:
  mode: model
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for model mode without endpoint")
	}
}

func TestLoadUnreadablePathIsError(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml")); err == nil {
		t.Fatalf("expected error loading a nonexistent config file")
	}
}

func TestMutableSubsetAccessorsRoundTrip(t *testing.T) {
	cfg := Defaults()

	cfg.SetTriggerThreshold(7.5)
	if cfg.TriggerThreshold() != 7.5 {
		t.Fatalf("TriggerThreshold() = %v, want 7.5", cfg.TriggerThreshold())
	}

	cfg.SetCooldown(20 * time.Minute)
	if cfg.Cooldown() != 20*time.Minute {
		t.Fatalf("Cooldown() = %v, want 20m", cfg.Cooldown())
	}
	if cfg.CooldownSeconds() != (20 * time.Minute).Seconds() {
		t.Fatalf("CooldownSeconds() = %v, want %v", cfg.CooldownSeconds(), (20 * time.Minute).Seconds())
	}

	cfg.SetMaxTurnsPerHour(12)
	if cfg.MaxTurnsPerHour() != 12 {
		t.Fatalf("MaxTurnsPerHour() = %v, want 12", cfg.MaxTurnsPerHour())
	}
}

func TestOverridesRoundTripThroughRestoreOverrides(t *testing.T) {
	cfg := Defaults()
	cfg.SetTriggerThreshold(9.0)
	cfg.SetCooldown(45 * time.Minute)
	cfg.SetMaxTurnsPerHour(3)

	overrides := cfg.Overrides()

	fresh := Defaults()
	fresh.RestoreOverrides(overrides)

	if fresh.TriggerThreshold() != 9.0 {
		t.Fatalf("restored TriggerThreshold() = %v, want 9.0", fresh.TriggerThreshold())
	}
	if fresh.Cooldown() != 45*time.Minute {
		t.Fatalf("restored Cooldown() = %v, want 45m", fresh.Cooldown())
	}
	if fresh.MaxTurnsPerHour() != 3 {
		t.Fatalf("restored MaxTurnsPerHour() = %v, want 3", fresh.MaxTurnsPerHour())
	}
}

func TestRestoreOverridesNilIsNoop(t *testing.T) {
	cfg := Defaults()
	before := cfg.Overrides()
	cfg.RestoreOverrides(nil)
	if after := cfg.Overrides(); after["trigger_threshold"] != before["trigger_threshold"] {
		t.Fatalf("RestoreOverrides(nil) changed state: %+v -> %+v", before, after)
	}
}

func TestRestoreOverridesIgnoresUnknownKeys(t *testing.T) {
	cfg := Defaults()
	want := cfg.TriggerThreshold()
	cfg.RestoreOverrides(map[string]interface{}{"unknown_key": 42.0})
	if cfg.TriggerThreshold() != want {
		t.Fatalf("unknown override key mutated trigger_threshold: got %v, want %v", cfg.TriggerThreshold(), want)
	}
}

func TestValidateAccumulatesMultipleErrors(t *testing.T) {
	cfg := Defaults()
	cfg.SchemaVersion = "2"
	cfg.StateDir = "relative"
	cfg.Webhook.BaseURL = ""

	err := Validate(&cfg)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{"schema_version", "state_dir", "webhook.base_url"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("error message missing %q: %s", want, msg)
		}
	}
}
