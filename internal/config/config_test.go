package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Listen.Port != 8080 {
		t.Errorf("default port = %d, want 8080", cfg.Listen.Port)
	}
	if cfg.Fleet.MessageRingSize != 100 {
		t.Errorf("ring size = %d, want 100", cfg.Fleet.MessageRingSize)
	}
	if cfg.Fleet.MessageRetention.Std() != 30*24*time.Hour {
		t.Errorf("retention = %v, want 720h", cfg.Fleet.MessageRetention)
	}
	if cfg.Fleet.PingInterval.Std() != 10*time.Second || cfg.Fleet.IdleMax.Std() != 120*time.Second {
		t.Errorf("liveness bounds = %v/%v", cfg.Fleet.PingInterval, cfg.Fleet.IdleMax)
	}
	if cfg.Fleet.ApprovalAmountThreshold != 1000 || cfg.Fleet.ApprovalWait.Std() != 2*time.Second {
		t.Errorf("approval config = %d/%v", cfg.Fleet.ApprovalAmountThreshold, cfg.Fleet.ApprovalWait)
	}
	if cfg.Fleet.DefaultAgentType != "orchestrator" {
		t.Errorf("default agent type = %q", cfg.Fleet.DefaultAgentType)
	}
}

func TestLoadYAMLWithEnvExpansion(t *testing.T) {
	t.Setenv("TEST_FLEET_PORT", "9090")
	dir := t.TempDir()
	path := filepath.Join(dir, "fleetd.yaml")
	data := `
listen:
  port: ${TEST_FLEET_PORT}
data_dir: /tmp/fleet
fleet:
  message_ring_size: 50
  ping_interval: 5s
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen.Port != 9090 {
		t.Errorf("port = %d, want 9090 (env expanded)", cfg.Listen.Port)
	}
	if cfg.Fleet.MessageRingSize != 50 {
		t.Errorf("ring size = %d, want 50", cfg.Fleet.MessageRingSize)
	}
	if cfg.Fleet.PingInterval.Std() != 5*time.Second {
		t.Errorf("ping interval = %v, want 5s", cfg.Fleet.PingInterval)
	}
	// Unset fields keep their defaults.
	if cfg.Fleet.IdleMax.Std() != 120*time.Second {
		t.Errorf("idle max = %v, want default 120s", cfg.Fleet.IdleMax)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("FLEETD_DEFAULT_TENANT", "acme")
	dir := t.TempDir()
	path := filepath.Join(dir, "fleetd.yaml")
	if err := os.WriteFile(path, []byte("data_dir: d\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Fleet.DefaultTenant != "acme" {
		t.Errorf("tenant = %q, want env override acme", cfg.Fleet.DefaultTenant)
	}
}

func TestFindConfigExplicitMissing(t *testing.T) {
	if _, err := FindConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("missing explicit config accepted")
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"info", slog.LevelInfo},
		{"DEBUG", slog.LevelDebug},
		{" warn ", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"trace", LevelTrace},
	}
	for _, c := range cases {
		got, err := ParseLogLevel(c.in)
		if err != nil {
			t.Errorf("ParseLogLevel(%q) error: %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", c.in, got, c.want)
		}
	}

	if _, err := ParseLogLevel("loud"); err == nil {
		t.Error("ParseLogLevel(loud) accepted, want error")
	}
}
