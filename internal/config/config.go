// Package config defines the dmgate configuration schema: a JSON5 file with
// env-var overlays. Secrets (DSN, channel tokens, relay key) are env-only and
// never written back to disk.
package config

import "time"

// Config is the root configuration object.
type Config struct {
	Gateway     GatewayConfig     `json:"gateway"`
	Database    DatabaseConfig    `json:"database"`
	Poller      PollerConfig      `json:"poller"`
	RateLimit   RateLimitConfig   `json:"rate_limit"`
	Queue       QueueConfig       `json:"queue"`
	Relay       RelayConfig       `json:"relay"`
	Hub         HubConfig         `json:"hub"`
	Sessions    SessionsConfig    `json:"sessions"`
	Channels    ChannelsConfig    `json:"channels"`
	Telemetry   TelemetryConfig   `json:"telemetry"`
	Maintenance MaintenanceConfig `json:"maintenance"`
}

// GatewayConfig configures the HTTP/WebSocket listener.
type GatewayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
}

// DatabaseConfig selects the durable store backend.
// Mode "postgres" (default when a DSN is set) or "sqlite" (standalone).
type DatabaseConfig struct {
	Mode        string `json:"mode,omitempty"`
	PostgresDSN string `json:"-"`
	SQLitePath  string `json:"sqlite_path,omitempty"`
}

// PollerConfig controls the per-account inbox polling loops.
type PollerConfig struct {
	IntervalSeconds  int `json:"interval_seconds"`
	JitterSeconds    int `json:"jitter_seconds"`
	PageSize         int `json:"page_size"`
	BatchSize        int `json:"batch_size"`
	BatchDelayMS     int `json:"batch_delay_ms"`
	CooldownSeconds  int `json:"cooldown_seconds"`
	StalenessSeconds int `json:"staleness_seconds"`
}

func (p PollerConfig) Interval() time.Duration   { return time.Duration(p.IntervalSeconds) * time.Second }
func (p PollerConfig) Jitter() time.Duration     { return time.Duration(p.JitterSeconds) * time.Second }
func (p PollerConfig) BatchDelay() time.Duration { return time.Duration(p.BatchDelayMS) * time.Millisecond }
func (p PollerConfig) Cooldown() time.Duration   { return time.Duration(p.CooldownSeconds) * time.Second }
func (p PollerConfig) Staleness() time.Duration  { return time.Duration(p.StalenessSeconds) * time.Second }

// RateLimitConfig sets the sliding-window budgets for remote-surface calls.
type RateLimitConfig struct {
	PerAccount    int `json:"per_account"`
	Global        int `json:"global"`
	WindowSeconds int `json:"window_seconds"`
}

func (r RateLimitConfig) Window() time.Duration { return time.Duration(r.WindowSeconds) * time.Second }

// QueueConfig controls the durable work queue consumer.
type QueueConfig struct {
	MaxAttempts      int `json:"max_attempts"`
	PollIntervalMS   int `json:"poll_interval_ms"`
	RetryBaseSeconds int `json:"retry_base_seconds"`
}

func (q QueueConfig) PollInterval() time.Duration {
	return time.Duration(q.PollIntervalMS) * time.Millisecond
}
func (q QueueConfig) RetryBase() time.Duration {
	return time.Duration(q.RetryBaseSeconds) * time.Second
}

// RelayConfig points at the conversational-AI backend.
type RelayConfig struct {
	APIURL         string `json:"api_url"`
	APIKey         string `json:"-"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	MaxRetries     int    `json:"max_retries"`
}

func (r RelayConfig) Timeout() time.Duration { return time.Duration(r.TimeoutSeconds) * time.Second }

// HubConfig controls live-view connection health.
type HubConfig struct {
	PingIntervalSeconds int `json:"ping_interval_seconds"`
	IdleTimeoutSeconds  int `json:"idle_timeout_seconds"`
}

func (h HubConfig) PingInterval() time.Duration {
	return time.Duration(h.PingIntervalSeconds) * time.Second
}
func (h HubConfig) IdleTimeout() time.Duration {
	return time.Duration(h.IdleTimeoutSeconds) * time.Second
}

// SessionsConfig controls the session cache layer.
type SessionsConfig struct {
	CacheTTLSeconds int `json:"cache_ttl_seconds"`
}

func (s SessionsConfig) CacheTTL() time.Duration {
	return time.Duration(s.CacheTTLSeconds) * time.Second
}

// ChannelsConfig enables and configures the messaging surfaces.
type ChannelsConfig struct {
	Instagram InstagramConfig `json:"instagram"`
	Meta      MetaConfig      `json:"meta"`
	Telegram  TelegramConfig  `json:"telegram"`
	Discord   DiscordConfig   `json:"discord"`
}

// InstagramConfig configures the poll-mode Instagram DM channel.
type InstagramConfig struct {
	Enabled bool   `json:"enabled"`
	BaseURL string `json:"base_url,omitempty"`
}

// MetaConfig configures the webhook-push Facebook/WhatsApp channel.
type MetaConfig struct {
	Enabled         bool   `json:"enabled"`
	GraphURL        string `json:"graph_url,omitempty"`
	PageToken       string `json:"-"`
	VerifyToken     string `json:"-"`
	WhatsAppPhoneID string `json:"whatsapp_phone_id,omitempty"`
}

// TelegramConfig configures the Telegram bot channel.
type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"-"`
}

// DiscordConfig configures the Discord bot channel.
type DiscordConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"-"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "grpc" or "http"
	ServiceName string `json:"service_name,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// MaintenanceConfig schedules periodic cleanup.
type MaintenanceConfig struct {
	Cron                    string `json:"cron,omitempty"`
	DeadLetterRetentionDays int    `json:"dead_letter_retention_days"`
}

func (m MaintenanceConfig) DeadLetterRetention() time.Duration {
	return time.Duration(m.DeadLetterRetentionDays) * 24 * time.Hour
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 18690,
		},
		Database: DatabaseConfig{
			SQLitePath: "~/.dmgate/dmgate.db",
		},
		Poller: PollerConfig{
			IntervalSeconds:  30,
			JitterSeconds:    5,
			PageSize:         10,
			BatchSize:        3,
			BatchDelayMS:     1500,
			CooldownSeconds:  120,
			StalenessSeconds: 3600,
		},
		RateLimit: RateLimitConfig{
			PerAccount:    6,
			Global:        30,
			WindowSeconds: 60,
		},
		Queue: QueueConfig{
			MaxAttempts:      5,
			PollIntervalMS:   500,
			RetryBaseSeconds: 2,
		},
		Relay: RelayConfig{
			APIURL:         "https://genistud.io/api/message",
			TimeoutSeconds: 30,
			MaxRetries:     3,
		},
		Hub: HubConfig{
			PingIntervalSeconds: 30,
			IdleTimeoutSeconds:  600,
		},
		Sessions: SessionsConfig{
			CacheTTLSeconds: 1800,
		},
		Channels: ChannelsConfig{
			Instagram: InstagramConfig{
				BaseURL: "https://i.instagram.com",
			},
			Meta: MetaConfig{
				GraphURL: "https://graph.facebook.com/v19.0",
			},
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "dmgate",
		},
		Maintenance: MaintenanceConfig{
			Cron:                    "*/15 * * * *",
			DeadLetterRetentionDays: 14,
		},
	}
}
