package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalid wraps every validation failure returned by Validate.
var ErrInvalid = errors.New("invalid config")

// Config is the root configuration for the bridge.
type Config struct {
	Avito     AvitoConfig     `json:"avito"`
	Telegram  TelegramConfig  `json:"telegram"`
	Answerer  AnswererConfig  `json:"answerer"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Poller    PollerConfig    `json:"poller"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Webhook   WebhookConfig   `json:"webhook"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
}

// AvitoConfig configures the marketplace messenger API client.
// ClientSecret is env-only (AVITO_CLIENT_SECRET).
type AvitoConfig struct {
	BaseURL      string  `json:"base_url,omitempty"`
	ClientID     string  `json:"client_id,omitempty"`
	ClientSecret string  `json:"-"`
	UserID       string  `json:"user_id,omitempty"`
	TimeoutSec   int     `json:"timeout_sec,omitempty"`
	RateLimitRPS float64 `json:"rate_limit_rps,omitempty"` // <= 0 disables limiting
	RateBurst    int     `json:"rate_burst,omitempty"`
}

// Timeout returns the per-request timeout.
func (a AvitoConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSec) * time.Second
}

// TelegramConfig configures the notification channel. Token is env-only.
type TelegramConfig struct {
	Token  string `json:"-"`
	ChatID string `json:"chat_id,omitempty"` // numeric chat id or @channel
	Proxy  string `json:"proxy,omitempty"`
}

// AnswererConfig configures the optional language-model answering service.
type AnswererConfig struct {
	Provider     string `json:"provider,omitempty"` // "openai" (default) or "anthropic"
	APIKey       string `json:"-"`
	APIBase      string `json:"api_base,omitempty"`
	Model        string `json:"model,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	Proxy        string `json:"proxy,omitempty"`
	MaxAttempts  int    `json:"max_attempts,omitempty"`
}

// Enabled reports whether an API key is available.
func (a AnswererConfig) Enabled() bool { return a.APIKey != "" }

// DatabaseConfig selects the store backend. PostgresDSN is env-only (DB_URL).
type DatabaseConfig struct {
	Mode        string `json:"mode,omitempty"` // "standalone" (SQLite) or "managed" (Postgres)
	PostgresDSN string `json:"-"`
	SQLitePath  string `json:"sqlite_path,omitempty"`
}

// IsManagedMode returns true when Postgres is the backing store.
func (d DatabaseConfig) IsManagedMode() bool {
	return d.Mode == "managed" && d.PostgresDSN != ""
}

// PollerConfig configures the ingestion loop.
type PollerConfig struct {
	IntervalSec      int  `json:"interval_sec,omitempty"`
	LookbackMinutes  int  `json:"lookback_minutes,omitempty"`
	ChatPageSize     int  `json:"chat_page_size,omitempty"`
	MessagePageSize  int  `json:"message_page_size,omitempty"`
	MaxMessagePages  int  `json:"max_message_pages,omitempty"`
	SeenResetCycles  int  `json:"seen_reset_cycles,omitempty"`
	SeenMaxEntries   int  `json:"seen_max_entries,omitempty"`
	TokenCheckCycles int  `json:"token_check_cycles,omitempty"`
	ReplyBack        bool `json:"reply_back,omitempty"`
	Disabled         bool `json:"disabled,omitempty"`
}

// Interval is the sleep between cycles.
func (p PollerConfig) Interval() time.Duration {
	return time.Duration(p.IntervalSec) * time.Second
}

// Lookback is the freshness window, never shorter than one minute.
func (p PollerConfig) Lookback() time.Duration {
	return time.Duration(max(1, p.LookbackMinutes)) * time.Minute
}

// DispatchConfig configures notification formatting and the answer trigger.
type DispatchConfig struct {
	TriggerPhrase  string `json:"trigger_phrase,omitempty"`
	MaxPreviewLen  int    `json:"max_preview_len,omitempty"`
	CallTimeoutSec int    `json:"call_timeout_sec,omitempty"`
}

// CallTimeout bounds each outbound call made while dispatching.
func (d DispatchConfig) CallTimeout() time.Duration {
	return time.Duration(d.CallTimeoutSec) * time.Second
}

// WebhookConfig configures the push ingestion endpoint.
type WebhookConfig struct {
	Host               string `json:"host,omitempty"`
	Port               int    `json:"port,omitempty"`
	Path               string `json:"path,omitempty"`
	DispatchTimeoutSec int    `json:"dispatch_timeout_sec,omitempty"`
	MaxInflight        int    `json:"max_inflight,omitempty"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute,omitempty"` // opt-in; <= 0 disables limiting
	Disabled           bool   `json:"disabled,omitempty"`
}

// Addr is the listen address.
func (w WebhookConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// DispatchTimeout bounds one background dispatch started by a push event.
func (w WebhookConfig) DispatchTimeout() time.Duration {
	return time.Duration(w.DispatchTimeoutSec) * time.Second
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Protocol    string            `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"` // e.g. auth for hosted backends
}

// Validate checks the settings the pipeline cannot run without.
func (c *Config) Validate() error {
	var problems []string
	if c.Avito.ClientID == "" || c.Avito.ClientSecret == "" {
		problems = append(problems, "avito client id/secret are required (AVITO_CLIENT_ID, AVITO_CLIENT_SECRET)")
	}
	if c.Avito.UserID == "" {
		problems = append(problems, "avito user id is required (AVITO_USER_ID)")
	}
	if c.Telegram.Token == "" || c.Telegram.ChatID == "" {
		problems = append(problems, "telegram bot token and chat id are required (TELEGRAM_BOT_TOKEN, TELEGRAM_CHAT_ID)")
	}
	switch c.Database.Mode {
	case "standalone":
		if c.Database.SQLitePath == "" {
			problems = append(problems, "database.sqlite_path is required in standalone mode")
		}
	case "managed":
		if c.Database.PostgresDSN == "" {
			problems = append(problems, "DB_URL is required in managed mode")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown database mode %q", c.Database.Mode))
	}
	switch c.Answerer.Provider {
	case "openai", "anthropic":
	default:
		problems = append(problems, fmt.Sprintf("unknown answerer provider %q", c.Answerer.Provider))
	}
	if c.Poller.IntervalSec <= 0 {
		problems = append(problems, "poller.interval_sec must be positive")
	}
	if c.Poller.ChatPageSize <= 0 || c.Poller.MessagePageSize <= 0 || c.Poller.MaxMessagePages <= 0 {
		problems = append(problems, "poller page sizes must be positive")
	}
	if c.Webhook.Port <= 0 || c.Webhook.Port > 65535 {
		problems = append(problems, "webhook.port is out of range")
	}
	if !strings.HasPrefix(c.Webhook.Path, "/") {
		problems = append(problems, "webhook.path must start with /")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}
