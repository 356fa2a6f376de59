package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"AETHERHOST_CONFIG", "AETHERHOST_LISTEN", "AETHERHOST_DOCKER_HOST",
		"AETHERHOST_LEDGER_PATH", "AETHERHOST_SECRET",
		"AETHERHOST_TOKEN_TTL_MINUTES", "AETHERHOST_ALLOWED_ORIGINS",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("AETHERHOST_CONFIG", filepath.Join(t.TempDir(), "nope.yaml"))

	cfg, _, err := Load()
	if err != nil {
		t.Fatalf("Load returned error for missing file: %v", err)
	}
	if cfg.Listen != ":8000" {
		t.Fatalf("expected default listen address, got %q", cfg.Listen)
	}
	if cfg.TokenTTL() != time.Hour {
		t.Fatalf("expected default token TTL of 1h, got %v", cfg.TokenTTL())
	}
	if cfg.StreamDelay() != 50*time.Millisecond {
		t.Fatalf("expected default stream delay of 50ms, got %v", cfg.StreamDelay())
	}
	if len(cfg.AllowedOrigins) == 0 {
		t.Fatalf("expected default allowed origins")
	}
}

func TestLoadReadsYAMLFile(t *testing.T) {
	clearConfigEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
listen: ":9000"
docker_host: "unix:///var/run/docker.sock"
ledger_path: "/tmp/test-ledger.db"
auth_secret: "file-secret"
token_ttl_minutes: 30
stream_delay_ms: 10
allowed_origins:
  - "http://example.com"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("AETHERHOST_CONFIG", path)

	cfg, gotPath, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if gotPath != path {
		t.Fatalf("expected config path %q, got %q", path, gotPath)
	}
	if cfg.Listen != ":9000" {
		t.Fatalf("expected listen from file, got %q", cfg.Listen)
	}
	if cfg.AuthSecret != "file-secret" {
		t.Fatalf("expected secret from file, got %q", cfg.AuthSecret)
	}
	if cfg.TokenTTL() != 30*time.Minute {
		t.Fatalf("expected 30m TTL, got %v", cfg.TokenTTL())
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "http://example.com" {
		t.Fatalf("unexpected allowed origins %v", cfg.AllowedOrigins)
	}
}

func TestEnvOverridesBeatFileValues(t *testing.T) {
	clearConfigEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("listen: \":9000\"\nauth_secret: \"file-secret\"\n"), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("AETHERHOST_CONFIG", path)
	t.Setenv("AETHERHOST_LISTEN", ":7777")
	t.Setenv("AETHERHOST_SECRET", "env-secret")
	t.Setenv("AETHERHOST_ALLOWED_ORIGINS", "http://a.test, http://b.test")

	cfg, _, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Listen != ":7777" {
		t.Fatalf("expected env override for listen, got %q", cfg.Listen)
	}
	if cfg.AuthSecret != "env-secret" {
		t.Fatalf("expected env override for secret, got %q", cfg.AuthSecret)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "http://b.test" {
		t.Fatalf("unexpected allowed origins %v", cfg.AllowedOrigins)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	clearConfigEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("listen: [unterminated"), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("AETHERHOST_CONFIG", path)

	if _, _, err := Load(); err == nil {
		t.Fatalf("expected parse error for malformed config")
	}
}
