package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadRequiresDatabaseAndSecret(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("JWT_SECRET", "s")
	if _, err := Load(); err == nil {
		t.Error("expected error without DATABASE_URL")
	}

	t.Setenv("DATABASE_URL", "sqlite://:memory:")
	t.Setenv("JWT_SECRET", "")
	if _, err := Load(); err == nil {
		t.Error("expected error without JWT_SECRET")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "sqlite://:memory:")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("BASE_PATH", "/sscript/")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.TokenTTL != 3*time.Hour {
		t.Errorf("TokenTTL = %v, want 3h", cfg.TokenTTL)
	}
	if cfg.RefreshWindow != 30*time.Minute {
		t.Errorf("RefreshWindow = %v, want 30m", cfg.RefreshWindow)
	}
	if cfg.BasePath != "/sscript" {
		t.Errorf("BasePath = %q, want /sscript", cfg.BasePath)
	}
}

func TestLoadRejectsWindowLongerThanTTL(t *testing.T) {
	t.Setenv("DATABASE_URL", "sqlite://:memory:")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("TOKEN_TTL", "10m")
	t.Setenv("REFRESH_WINDOW", "30m")
	if _, err := Load(); err == nil {
		t.Error("expected error when refresh window exceeds TTL")
	}
}

func TestLoadClientLayering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "server: http://files.example:8000/\ntimeout: 5s\nlog_level: debug\n"
	if err := os.WriteFile(path, []byte(yaml), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SSCRIPT_SERVER", "")
	t.Setenv("SSCRIPT_LOG_LEVEL", "error")
	t.Setenv("SSCRIPT_TIMEOUT", "")
	t.Setenv("SSCRIPT_TOKEN_FILE", "")

	cfg, err := LoadClient(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ServerURL != "http://files.example:8000" {
		t.Errorf("ServerURL = %q", cfg.ServerURL)
	}
	if cfg.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v, want 5s", cfg.Timeout)
	}
	if cfg.LogLevel != "error" {
		t.Errorf("env should win over file, got %q", cfg.LogLevel)
	}
}

func TestLoadClientMissingFile(t *testing.T) {
	t.Setenv("SSCRIPT_SERVER", "")
	cfg, err := LoadClient(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file should not be an error: %v", err)
	}
	if cfg.ServerURL != "http://localhost:5000" {
		t.Errorf("ServerURL = %q, want default", cfg.ServerURL)
	}
}

func TestLoadClientBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("server: [unclosed"), 0600)
	if _, err := LoadClient(path); err == nil {
		t.Error("expected parse error")
	}
}
