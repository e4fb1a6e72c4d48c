package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error: defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}

	// Secrets (env only)
	envStr("DMGATE_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("DMGATE_RELAY_API_KEY", &c.Relay.APIKey)
	envStr("DMGATE_META_PAGE_TOKEN", &c.Channels.Meta.PageToken)
	envStr("DMGATE_META_VERIFY_TOKEN", &c.Channels.Meta.VerifyToken)
	envStr("DMGATE_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("DMGATE_DISCORD_TOKEN", &c.Channels.Discord.Token)

	// Auto-enable channels when credentials arrive via env.
	if c.Channels.Meta.PageToken != "" {
		c.Channels.Meta.Enabled = true
	}
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}

	envStr("DMGATE_HOST", &c.Gateway.Host)
	envInt("DMGATE_PORT", &c.Gateway.Port)
	if v := os.Getenv("DMGATE_ALLOWED_ORIGINS"); v != "" {
		c.Gateway.AllowedOrigins = strings.Split(v, ",")
	}

	envStr("DMGATE_DB_MODE", &c.Database.Mode)
	envStr("DMGATE_SQLITE_PATH", &c.Database.SQLitePath)

	envStr("DMGATE_RELAY_URL", &c.Relay.APIURL)

	envInt("DMGATE_POLL_INTERVAL_SECONDS", &c.Poller.IntervalSeconds)
	envInt("DMGATE_QUEUE_MAX_ATTEMPTS", &c.Queue.MaxAttempts)

	// Telemetry
	envStr("DMGATE_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("DMGATE_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("DMGATE_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("DMGATE_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("DMGATE_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// ResolveMode returns the effective database mode: an explicit mode wins,
// otherwise a configured DSN selects postgres and sqlite is the fallback.
func (c *Config) ResolveMode() string {
	if c.Database.Mode != "" {
		return c.Database.Mode
	}
	if c.Database.PostgresDSN != "" {
		return "postgres"
	}
	return "sqlite"
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
