package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("default port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Scheduler.RegimeRefreshInterval != time.Hour {
		t.Errorf("default regime refresh = %v, want 1h", cfg.Scheduler.RegimeRefreshInterval)
	}
	if cfg.Database.DSN != "" {
		t.Errorf("default dsn should be empty, got %q", cfg.Database.DSN)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
log_level: debug
server:
  port: 9000
scheduler:
  risk_check_interval: 5m
market_data:
  symbols:
    - BTCUSDT
    - ETHUSDT
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.Server.Port != 9000 {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Scheduler.RiskCheckInterval != 5*time.Minute {
		t.Errorf("risk check interval = %v, want 5m", cfg.Scheduler.RiskCheckInterval)
	}
	if len(cfg.MarketData.Symbols) != 2 {
		t.Errorf("symbols = %v", cfg.MarketData.Symbols)
	}
	// Untouched keys keep their defaults.
	if cfg.Scheduler.RegimeRefreshInterval != time.Hour {
		t.Errorf("regime refresh should default to 1h, got %v", cfg.Scheduler.RegimeRefreshInterval)
	}
}

func TestLoadRejectsBadPort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: -1\n"), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for negative port")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/does/not/exist.yaml"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
