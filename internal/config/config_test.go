package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("level = %q", cfg.Logging.Level)
	}
	if cfg.Channels.Telegram.Mode != "polling" {
		t.Errorf("telegram mode = %q", cfg.Channels.Telegram.Mode)
	}
	if cfg.Channels.Telegram.DedupBackend != "memory" {
		t.Errorf("dedup backend = %q", cfg.Channels.Telegram.DedupBackend)
	}
	if cfg.Jobs.QueueSize != 64 || cfg.Jobs.MaxInFlight != 4 {
		t.Errorf("jobs = %+v", cfg.Jobs)
	}
	if cfg.Agent.MaxToolRounds != 8 {
		t.Errorf("max tool rounds = %d", cfg.Agent.MaxToolRounds)
	}
}

func TestLoadFileAndEnvPrecedence(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: warn
channels:
  telegram:
    mode: polling
jobs:
  queue_size: 10
`)
	t.Setenv("OMNI_AGENT_TELEGRAM_MODE", "webhook")
	t.Setenv("OMNI_AGENT_TELEGRAM_WEBHOOK_URL", "https://example.test/hook")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// Env overrides file.
	if cfg.Channels.Telegram.Mode != "webhook" {
		t.Errorf("mode = %q, want env override", cfg.Channels.Telegram.Mode)
	}
	// File overrides default.
	if cfg.Logging.Level != "warn" {
		t.Errorf("level = %q", cfg.Logging.Level)
	}
	if cfg.Jobs.QueueSize != 10 {
		t.Errorf("queue size = %d", cfg.Jobs.QueueSize)
	}
}

func TestLoadExpandsEnvInFile(t *testing.T) {
	t.Setenv("TEST_BOT_TOKEN", "12345:abcdef")
	path := writeConfig(t, `
channels:
  telegram:
    token: ${TEST_BOT_TOKEN}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Channels.Telegram.Token != "12345:abcdef" {
		t.Errorf("token = %q", cfg.Channels.Telegram.Token)
	}
}

func TestRustLogAlias(t *testing.T) {
	t.Setenv("RUST_LOG", "debug,hyper=warn")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q, want debug from RUST_LOG", cfg.Logging.Level)
	}

	// Explicit level wins over the alias.
	t.Setenv("OMNI_AGENT_LOG_LEVEL", "error")
	cfg, err = Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "error" {
		t.Errorf("level = %q, want explicit error", cfg.Logging.Level)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*Config)
	}{
		{"bad telegram mode", func(c *Config) { c.Channels.Telegram.Mode = "carrier-pigeon" }},
		{"bad dedup backend", func(c *Config) { c.Channels.Telegram.DedupBackend = "postgres" }},
		{"valkey dedup without url", func(c *Config) { c.Channels.Telegram.DedupBackend = "valkey" }},
		{"enabled telegram without token", func(c *Config) { c.Channels.Telegram.Enabled = true }},
		{"webhook without url", func(c *Config) {
			c.Channels.Telegram.Enabled = true
			c.Channels.Telegram.Token = "t"
			c.Channels.Telegram.Mode = "webhook"
		}},
		{"enabled discord without token", func(c *Config) { c.Channels.Discord.Enabled = true }},
		{"unknown provider", func(c *Config) { c.Providers.Default = "bard" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{}
			tc.mut(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("Validate succeeded, want error")
			}
		})
	}
}

func TestValkeyBackendWithURL(t *testing.T) {
	cfg := &Config{}
	cfg.Valkey.URL = "redis://localhost:6379"
	cfg.Channels.Telegram.DedupBackend = "redis"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}
