package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load without a config file failed: %v", err)
	}

	if cfg.Sync.BatchSize != 25 {
		t.Errorf("BatchSize = %d, want 25", cfg.Sync.BatchSize)
	}
	if cfg.Sync.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want 5", cfg.Sync.MaxRetries)
	}
	if cfg.Sync.BackoffBase != time.Second || cfg.Sync.BackoffMax != 2*time.Minute {
		t.Errorf("Backoff = %v/%v, want 1s/2m", cfg.Sync.BackoffBase, cfg.Sync.BackoffMax)
	}
	if cfg.Sync.Resolution != "server-wins" {
		t.Errorf("Resolution = %q, want server-wins", cfg.Sync.Resolution)
	}
	if cfg.DatabasePath == "" || cfg.SpoolDir == "" {
		t.Error("Derived paths missing")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
data_dir: /var/lib/chartsync
backend:
  base_url: https://records.example.com/api
  token: abc123
  timeout: 30s
sync:
  batch_size: 50
  resolution: merge
dashboard:
  enabled: true
  port: 9000
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DataDir != "/var/lib/chartsync" {
		t.Errorf("DataDir = %q, want /var/lib/chartsync", cfg.DataDir)
	}
	if cfg.Backend.BaseURL != "https://records.example.com/api" {
		t.Errorf("BaseURL = %q", cfg.Backend.BaseURL)
	}
	if cfg.Backend.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", cfg.Backend.Timeout)
	}
	if cfg.Sync.BatchSize != 50 {
		t.Errorf("BatchSize = %d, want 50", cfg.Sync.BatchSize)
	}
	if cfg.Sync.Resolution != "merge" {
		t.Errorf("Resolution = %q, want merge", cfg.Sync.Resolution)
	}
	if !cfg.Dashboard.Enabled || cfg.Dashboard.Port != 9000 {
		t.Errorf("Dashboard = %+v, want enabled on 9000", cfg.Dashboard)
	}

	// Unset fields keep their defaults.
	if cfg.Sync.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want default 5", cfg.Sync.MaxRetries)
	}

	// Derived paths follow the overridden data dir.
	if cfg.DatabasePath != filepath.Join("/var/lib/chartsync", "queue.db") {
		t.Errorf("DatabasePath = %q", cfg.DatabasePath)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("sync:\n  batch_size: 50\n"), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	t.Setenv("CHARTSYNC_SYNC_BATCH_SIZE", "7")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Sync.BatchSize != 7 {
		t.Errorf("BatchSize = %d, want env override 7", cfg.Sync.BatchSize)
	}
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name  string
		yaml  string
	}{
		{"bad resolution", "sync:\n  resolution: coin-flip\n"},
		{"zero batch size", "sync:\n  batch_size: 0\n"},
		{"negative retries", "sync:\n  max_retries: -1\n"},
		{"inverted backoff", "sync:\n  backoff_base: 1m\n  backoff_max: 1s\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tc.yaml), 0o644); err != nil {
				t.Fatalf("Failed to write config: %v", err)
			}
			if _, err := Load(path); err == nil {
				t.Error("Expected validation error, got nil")
			}
		})
	}
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault failed: %v", err)
	}

	if _, err := Load(path); err != nil {
		t.Errorf("Default config does not load back: %v", err)
	}

	// Refuses to clobber.
	if err := WriteDefault(path); err == nil {
		t.Error("WriteDefault overwrote an existing file")
	}
}

func TestMalformedFileIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(":\nnot yaml {{{"), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("Expected error for malformed YAML, got nil")
	}
}
