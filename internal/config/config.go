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

// Config holds the runtime configuration for the control plane. Values come
// from the YAML config file and may be overridden by AETHERHOST_* environment
// variables; the signing secret is loaded here once at startup and injected
// into the identity layer, never read from ambient state afterwards.
type Config struct {
	Listen          string   `yaml:"listen"`
	DockerHost      string   `yaml:"docker_host"`
	LedgerPath      string   `yaml:"ledger_path"`
	AuthSecret      string   `yaml:"auth_secret"`
	TokenTTLMinutes int      `yaml:"token_ttl_minutes"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	StreamDelayMS   int      `yaml:"stream_delay_ms"`
}

const (
	defaultListen        = ":8000"
	defaultTokenTTL      = 60
	defaultStreamDelayMS = 50
)

func Path() (string, error) {
	configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if configHome != "" {
		return filepath.Join(configHome, "aetherhost", "config.yaml"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "aetherhost", "config.yaml"), nil
}

// Load reads the config file (a missing file is not an error), applies
// environment overrides and defaults, and returns the resolved configuration
// together with the path it was read from.
func Load() (Config, string, error) {
	path := strings.TrimSpace(os.Getenv("AETHERHOST_CONFIG"))
	if path == "" {
		var err error
		path, err = Path()
		if err != nil {
			return Config{}, "", err
		}
	}

	cfg := Config{}
	b, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return Config{}, path, fmt.Errorf("read %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, path, fmt.Errorf("parse %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)
	return cfg, path, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("AETHERHOST_LISTEN")); v != "" {
		cfg.Listen = v
	}
	if v := strings.TrimSpace(os.Getenv("AETHERHOST_DOCKER_HOST")); v != "" {
		cfg.DockerHost = v
	}
	if v := strings.TrimSpace(os.Getenv("AETHERHOST_LEDGER_PATH")); v != "" {
		cfg.LedgerPath = v
	}
	if v := strings.TrimSpace(os.Getenv("AETHERHOST_SECRET")); v != "" {
		cfg.AuthSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("AETHERHOST_TOKEN_TTL_MINUTES")); v != "" {
		if minutes, err := strconv.Atoi(v); err == nil && minutes > 0 {
			cfg.TokenTTLMinutes = minutes
		}
	}
	if v := strings.TrimSpace(os.Getenv("AETHERHOST_ALLOWED_ORIGINS")); v != "" {
		parts := strings.Split(v, ",")
		origins := make([]string, 0, len(parts))
		for _, part := range parts {
			if origin := strings.TrimSpace(part); origin != "" {
				origins = append(origins, origin)
			}
		}
		cfg.AllowedOrigins = origins
	}
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Listen) == "" {
		cfg.Listen = defaultListen
	}
	if cfg.TokenTTLMinutes <= 0 {
		cfg.TokenTTLMinutes = defaultTokenTTL
	}
	if cfg.StreamDelayMS <= 0 {
		cfg.StreamDelayMS = defaultStreamDelayMS
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"http://localhost:3000", "http://127.0.0.1:3000"}
	}
}

// TokenTTL returns the configured session credential lifetime.
func (c Config) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLMinutes) * time.Minute
}

// StreamDelay returns the inter-chunk pacing delay for the terminal relay.
func (c Config) StreamDelay() time.Duration {
	return time.Duration(c.StreamDelayMS) * time.Millisecond
}
