package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"lbeacon-tracking-server/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, "env: test\n")

	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Env != "test" {
		t.Errorf("env = %q", cfg.Env)
	}
	if cfg.Pool.Capacity != 8 {
		t.Errorf("pool capacity = %d, want default 8", cfg.Pool.Capacity)
	}
	if cfg.MQTT.BrokerURL != "tcp://localhost:1883" {
		t.Errorf("broker url = %q", cfg.MQTT.BrokerURL)
	}
	if cfg.Violation.MinGapSec != 300 {
		t.Errorf("min gap = %d, want default 300", cfg.Violation.MinGapSec)
	}
	if cfg.Maintenance.RetentionHours != 24 {
		t.Errorf("retention = %d, want default 24", cfg.Maintenance.RetentionHours)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	path := writeConfig(t, `
env: production
pool:
  capacity: 16
summary:
  rssi_tolerance: 3
schedule:
  utc_offset_hours: 8
`)

	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Pool.Capacity != 16 {
		t.Errorf("pool capacity = %d, want 16", cfg.Pool.Capacity)
	}
	if cfg.Summary.RSSITolerance != 3 {
		t.Errorf("rssi tolerance = %d, want 3", cfg.Summary.RSSITolerance)
	}
	if cfg.Schedule.UTCOffsetHours != 8 {
		t.Errorf("utc offset = %d, want 8", cfg.Schedule.UTCOffsetHours)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := config.LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
