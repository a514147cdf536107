package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/avitobridge/internal/config"
)

// maxMessageLen is the Bot API limit for one text message.
const maxMessageLen = 4096

// Notifier delivers plain-text notifications through the Telegram Bot API.
type Notifier struct {
	bot         *telego.Bot
	destination string
}

// New creates a Notifier whose default destination is cfg.ChatID.
// Extra bot options are appended after the proxy client (tests use
// telego.WithAPIServer).
func New(cfg config.TelegramConfig, extra ...telego.BotOption) (*Notifier, error) {
	var opts []telego.BotOption

	httpClient := &http.Client{Timeout: 30 * time.Second}
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, err)
		}
		httpClient.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}
	opts = append(opts, telego.WithHTTPClient(httpClient), telego.WithDiscardLogger())
	opts = append(opts, extra...)

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Notifier{bot: bot, destination: cfg.ChatID}, nil
}

// Destination is the configured default chat.
func (n *Notifier) Destination() string { return n.destination }

// Notify sends text to the default destination.
func (n *Notifier) Notify(ctx context.Context, text string) error {
	return n.Send(ctx, n.destination, text)
}

// Send delivers text to destination, a numeric chat id or an @channel name.
func (n *Notifier) Send(ctx context.Context, destination, text string) error {
	chatID, err := ParseDestination(destination)
	if err != nil {
		return err
	}
	if text == "" {
		return nil
	}

	msg := tu.Message(chatID, clip(text, maxMessageLen))
	msg.LinkPreviewOptions = &telego.LinkPreviewOptions{IsDisabled: true}

	if _, err := n.bot.SendMessage(ctx, msg); err != nil {
		return fmt.Errorf("telegram send to %s: %w", destination, err)
	}
	slog.Debug("telegram: notification sent", "destination", destination, "len", len(text))
	return nil
}

// ParseDestination turns "12345", "-100123" or "@channel" into a chat id.
func ParseDestination(destination string) (telego.ChatID, error) {
	d := strings.TrimSpace(destination)
	if d == "" {
		return telego.ChatID{}, fmt.Errorf("telegram: empty destination")
	}
	if strings.HasPrefix(d, "@") {
		if len(d) == 1 {
			return telego.ChatID{}, fmt.Errorf("telegram: invalid destination %q", destination)
		}
		return tu.Username(d), nil
	}
	id, err := strconv.ParseInt(d, 10, 64)
	if err != nil {
		return telego.ChatID{}, fmt.Errorf("telegram: invalid destination %q: %w", destination, err)
	}
	return tu.ID(id), nil
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
