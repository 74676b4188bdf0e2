package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "taskbridge.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := newDefaults()

	if cfg.Server.Port != 8080 {
		t.Errorf("default port = %d, want 8080", cfg.Server.Port)
	}
	if time.Duration(cfg.Sync.RateLimitCeiling) != 5*time.Minute {
		t.Errorf("default rate limit ceiling = %v, want 5m", time.Duration(cfg.Sync.RateLimitCeiling))
	}
	if cfg.Sync.MaxAuthFailures != 3 {
		t.Errorf("default max auth failures = %d, want 3", cfg.Sync.MaxAuthFailures)
	}
	if time.Duration(cfg.Worker.RetrySweepInterval) != 15*time.Minute {
		t.Errorf("default sweep interval = %v, want 15m", time.Duration(cfg.Worker.RetrySweepInterval))
	}
	if cfg.Log.Format != "json" {
		t.Errorf("default log format = %q, want json", cfg.Log.Format)
	}
}

func TestLoadFromFile(t *testing.T) {
	t.Setenv("TASKBRIDGE_API_KEY", "file-test-key")
	path := writeConfigFile(t, `
server:
  port: 9090
  read_timeout: 45s
sync:
  rate_limit_ceiling: 2m
  max_auth_failures: 5
log:
  level: debug
  format: text
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if time.Duration(cfg.Server.ReadTimeout) != 45*time.Second {
		t.Errorf("read timeout = %v, want 45s", time.Duration(cfg.Server.ReadTimeout))
	}
	if time.Duration(cfg.Sync.RateLimitCeiling) != 2*time.Minute {
		t.Errorf("rate limit ceiling = %v, want 2m", time.Duration(cfg.Sync.RateLimitCeiling))
	}
	if cfg.Sync.MaxAuthFailures != 5 {
		t.Errorf("max auth failures = %d, want 5", cfg.Sync.MaxAuthFailures)
	}
	// Unset fields keep their defaults.
	if time.Duration(cfg.Server.WriteTimeout) != 30*time.Second {
		t.Errorf("write timeout = %v, want default 30s", time.Duration(cfg.Server.WriteTimeout))
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "text" {
		t.Errorf("log config = %+v", cfg.Log)
	}
}

func TestLoadFromFile_InvalidDuration(t *testing.T) {
	t.Setenv("TASKBRIDGE_API_KEY", "k")
	path := writeConfigFile(t, "server:\n  read_timeout: not-a-duration\n")

	if _, err := LoadFromFile(path); err == nil {
		t.Fatal("expected parse error for invalid duration")
	}
}

func TestEnvOverridesBeatFile(t *testing.T) {
	t.Setenv("TASKBRIDGE_API_KEY", "env-key")
	t.Setenv("TASKBRIDGE_PORT", "7070")
	t.Setenv("TASKBRIDGE_RATE_LIMIT_CEILING", "90s")
	t.Setenv("TASKBRIDGE_DB_PATH", "/tmp/override.db")

	path := writeConfigFile(t, "server:\n  port: 9090\n")
	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != 7070 {
		t.Errorf("env override lost: port = %d, want 7070", cfg.Server.Port)
	}
	if time.Duration(cfg.Sync.RateLimitCeiling) != 90*time.Second {
		t.Errorf("rate limit ceiling = %v, want 90s", time.Duration(cfg.Sync.RateLimitCeiling))
	}
	if cfg.Database.Path != "/tmp/override.db" {
		t.Errorf("db path = %q", cfg.Database.Path)
	}
	if cfg.Auth.APIKey != "env-key" {
		t.Error("api key must come from the environment")
	}
}

func TestValidate_RequiresAPIKey(t *testing.T) {
	t.Setenv("TASKBRIDGE_API_KEY", "")
	t.Setenv("TASKBRIDGE_DEV_MODE", "")

	path := writeConfigFile(t, "")
	if _, err := LoadFromFile(path); err == nil {
		t.Fatal("expected validation error without API key")
	}
}

func TestValidate_DevModeSkipsAPIKey(t *testing.T) {
	t.Setenv("TASKBRIDGE_API_KEY", "")
	t.Setenv("TASKBRIDGE_DEV_MODE", "true")

	path := writeConfigFile(t, "")
	if _, err := LoadFromFile(path); err != nil {
		t.Fatalf("dev mode should skip API key validation: %v", err)
	}
}

func TestValidate_MaxAuthFailuresFloor(t *testing.T) {
	t.Setenv("TASKBRIDGE_API_KEY", "k")

	path := writeConfigFile(t, "sync:\n  max_auth_failures: 0\n")
	if _, err := LoadFromFile(path); err == nil {
		t.Fatal("expected validation error for zero auth failure threshold")
	}
}

func TestAPIKeyNeverReadFromYAML(t *testing.T) {
	t.Setenv("TASKBRIDGE_API_KEY", "")
	t.Setenv("TASKBRIDGE_DEV_MODE", "true")

	path := writeConfigFile(t, "auth:\n  apikey: from-yaml\n")
	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Auth.APIKey != "" {
		t.Error("API key must only come from the environment, never YAML")
	}
}
