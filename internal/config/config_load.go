package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Avito: AvitoConfig{
			BaseURL:      "https://api.avito.ru",
			TimeoutSec:   30,
			RateLimitRPS: 5,
			RateBurst:    5,
		},
		Answerer: AnswererConfig{
			Provider:    "openai",
			Model:       "gpt-4o-mini",
			MaxAttempts: 3,
		},
		Database: DatabaseConfig{
			Mode:       "standalone",
			SQLitePath: "~/.avitobridge/bridge.db",
		},
		Poller: PollerConfig{
			IntervalSec:      20,
			LookbackMinutes:  180,
			ChatPageSize:     100,
			MessagePageSize:  50,
			MaxMessagePages:  3,
			SeenResetCycles:  100,
			SeenMaxEntries:   50000,
			TokenCheckCycles: 10,
		},
		Dispatch: DispatchConfig{
			TriggerPhrase:  "для gpt",
			MaxPreviewLen:  900,
			CallTimeoutSec: 30,
		},
		Webhook: WebhookConfig{
			Host:               "0.0.0.0",
			Port:               8000,
			Path:               "/avito/webhook",
			DispatchTimeoutSec: 120,
			MaxInflight:        64,
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "avitobridge",
		},
	}
}

// Load builds the config: defaults, then .env (never overriding the real
// environment), then the json5 file at path (missing file = defaults only),
// then env vars. The result is not validated; callers decide.
func Load(path string) (*Config, error) {
	cfg := Default()

	loadDotEnv(filepath.Join(filepath.Dir(path), ".env"))

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err == nil {
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.Database.SQLitePath = ExpandHome(cfg.Database.SQLitePath)
	return cfg, nil
}

func loadDotEnv(path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	if err := godotenv.Load(path); err != nil {
		slog.Warn("failed to load .env file", "path", path, "error", err)
	}
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
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				*dst = n
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = parseBool(v)
		}
	}

	// Avito
	envStr("AVITO_BASE_URL", &c.Avito.BaseURL)
	envStr("AVITO_CLIENT_ID", &c.Avito.ClientID)
	envStr("AVITO_CLIENT_SECRET", &c.Avito.ClientSecret)
	envStr("AVITO_USER_ID", &c.Avito.UserID)

	// Telegram
	envStr("TELEGRAM_BOT_TOKEN", &c.Telegram.Token)
	envStr("TELEGRAM_CHAT_ID", &c.Telegram.ChatID)
	envStr("TELEGRAM_PROXY", &c.Telegram.Proxy)

	// Answerer: the key matching the selected provider wins.
	envStr("ANSWERER_PROVIDER", &c.Answerer.Provider)
	envStr("ANSWERER_MODEL", &c.Answerer.Model)
	envStr("ANSWERER_API_BASE", &c.Answerer.APIBase)
	switch c.Answerer.Provider {
	case "anthropic":
		envStr("ANTHROPIC_API_KEY", &c.Answerer.APIKey)
	default:
		envStr("OPENAI_API_KEY", &c.Answerer.APIKey)
	}
	if c.Answerer.Proxy == "" {
		if v := os.Getenv("HTTPS_PROXY"); v != "" {
			c.Answerer.Proxy = v
		} else if v := os.Getenv("HTTP_PROXY"); v != "" {
			c.Answerer.Proxy = v
		}
	}

	// Database: a DSN without an explicit mode implies managed mode.
	envStr("DB_URL", &c.Database.PostgresDSN)
	if os.Getenv("BRIDGE_MODE") == "" && os.Getenv("DB_URL") != "" {
		c.Database.Mode = "managed"
	}
	envStr("BRIDGE_MODE", &c.Database.Mode)
	envStr("BRIDGE_SQLITE_PATH", &c.Database.SQLitePath)

	// Poller
	envInt("POLL_INTERVAL_SEC", &c.Poller.IntervalSec)
	envInt("POLL_ONLY_SINCE_MINUTES", &c.Poller.LookbackMinutes)
	envBool("REPLY_BACK_TO_AVITO", &c.Poller.ReplyBack)

	// Dispatch
	envStr("BRIDGE_TRIGGER_PHRASE", &c.Dispatch.TriggerPhrase)

	// Webhook
	envStr("BRIDGE_HOST", &c.Webhook.Host)
	envInt("BRIDGE_PORT", &c.Webhook.Port)
	envStr("BRIDGE_WEBHOOK_PATH", &c.Webhook.Path)
	envInt("BRIDGE_WEBHOOK_RATE_LIMIT", &c.Webhook.RateLimitPerMinute)

	// Telemetry
	envStr("BRIDGE_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("BRIDGE_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("BRIDGE_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	envBool("BRIDGE_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envBool("BRIDGE_TELEMETRY_INSECURE", &c.Telemetry.Insecure)
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
