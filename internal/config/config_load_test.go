package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json5")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 18690 {
		t.Fatalf("port = %d", cfg.Gateway.Port)
	}
	if cfg.Queue.MaxAttempts != 5 {
		t.Fatalf("max attempts = %d", cfg.Queue.MaxAttempts)
	}
	if cfg.Poller.Cooldown() != 2*time.Minute {
		t.Fatalf("cooldown = %v", cfg.Poller.Cooldown())
	}
}

func TestLoadJSON5WithComments(t *testing.T) {
	path := writeConfig(t, `{
		// listener
		gateway: { port: 9000 },
		poller: { interval_seconds: 45 },
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 9000 {
		t.Fatalf("port = %d", cfg.Gateway.Port)
	}
	if cfg.Poller.Interval() != 45*time.Second {
		t.Fatalf("interval = %v", cfg.Poller.Interval())
	}
	// Untouched sections keep defaults.
	if cfg.RateLimit.Global != 30 {
		t.Fatalf("global budget = %d", cfg.RateLimit.Global)
	}
}

func TestLoadMalformedFile(t *testing.T) {
	path := writeConfig(t, `{ gateway: `)
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `{ gateway: { port: 9000 } }`)
	t.Setenv("DMGATE_PORT", "9100")
	t.Setenv("DMGATE_RELAY_API_KEY", "secret-key")
	t.Setenv("DMGATE_ALLOWED_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 9100 {
		t.Fatalf("port = %d, env should win", cfg.Gateway.Port)
	}
	if cfg.Relay.APIKey != "secret-key" {
		t.Fatalf("api key = %q", cfg.Relay.APIKey)
	}
	if len(cfg.Gateway.AllowedOrigins) != 2 || cfg.Gateway.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("origins = %v", cfg.Gateway.AllowedOrigins)
	}
}

func TestEnvTokenAutoEnablesChannel(t *testing.T) {
	t.Setenv("DMGATE_TELEGRAM_TOKEN", "123:abc")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Channels.Telegram.Enabled {
		t.Fatal("telegram not auto-enabled")
	}
	if cfg.Channels.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Channels.Telegram.Token)
	}
}

func TestResolveMode(t *testing.T) {
	tests := []struct {
		name string
		mode string
		dsn  string
		want string
	}{
		{"explicit sqlite wins over dsn", "sqlite", "postgres://x", "sqlite"},
		{"dsn implies postgres", "", "postgres://x", "postgres"},
		{"bare default is sqlite", "", "", "sqlite"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Database.Mode = tt.mode
			cfg.Database.PostgresDSN = tt.dsn
			if got := cfg.ResolveMode(); got != tt.want {
				t.Fatalf("ResolveMode() = %q, want %q", got, tt.want)
			}
		})
	}
}
