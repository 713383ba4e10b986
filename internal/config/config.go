// Package config loads configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the script server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string
	BasePath    string

	// Logging
	LogLevel  string
	LogFormat string

	// Database ("postgres://..." or "sqlite://path")
	DatabaseURL string

	// Auth
	JWTSecret     string
	TokenTTL      time.Duration
	RefreshWindow time.Duration

	// Limits
	MaxSourceSize   int64
	InterpStepLimit int
	InterpTimeout   time.Duration
}

// Load reads server configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:      envOr("LISTEN_ADDR", ":5000"),
		MetricsAddr:     envOr("METRICS_ADDR", ":9090"),
		BasePath:        strings.TrimSuffix(envOr("BASE_PATH", ""), "/"),
		LogLevel:        envOr("LOG_LEVEL", "info"),
		LogFormat:       envOr("LOG_FORMAT", "json"),
		DatabaseURL:     envOr("DATABASE_URL", ""),
		JWTSecret:       envOr("JWT_SECRET", ""),
		TokenTTL:        envDuration("TOKEN_TTL", 3*time.Hour),
		RefreshWindow:   envDuration("REFRESH_WINDOW", 30*time.Minute),
		MaxSourceSize:   envInt64("MAX_SOURCE_SIZE", 1<<20), // 1MB
		InterpStepLimit: envInt("INTERP_STEP_LIMIT", 1_000_000),
		InterpTimeout:   envDuration("INTERP_TIMEOUT", 10*time.Second),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.RefreshWindow >= cfg.TokenTTL {
		return nil, fmt.Errorf("REFRESH_WINDOW (%s) must be shorter than TOKEN_TTL (%s)", cfg.RefreshWindow, cfg.TokenTTL)
	}

	return cfg, nil
}

// ClientConfig holds configuration for the command-line client.
type ClientConfig struct {
	ServerURL string        `yaml:"server"`
	TokenFile string        `yaml:"token_file"`
	LogLevel  string        `yaml:"log_level"`
	Timeout   time.Duration `yaml:"timeout"`
}

// DefaultClientConfigPath returns ~/.config/sscript/config.yaml.
func DefaultClientConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "sscript", "config.yaml")
}

// LoadClient builds the client configuration from defaults, then the YAML
// file at path (if it exists), then SSCRIPT_* environment variables.
func LoadClient(path string) (*ClientConfig, error) {
	cfg := &ClientConfig{
		ServerURL: "http://localhost:5000",
		LogLevel:  "warn",
		Timeout:   30 * time.Second,
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	cfg.ServerURL = strings.TrimSuffix(envOr("SSCRIPT_SERVER", cfg.ServerURL), "/")
	cfg.TokenFile = envOr("SSCRIPT_TOKEN_FILE", cfg.TokenFile)
	cfg.LogLevel = envOr("SSCRIPT_LOG_LEVEL", cfg.LogLevel)
	cfg.Timeout = envDuration("SSCRIPT_TIMEOUT", cfg.Timeout)

	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("server URL is required")
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
