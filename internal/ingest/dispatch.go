package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/avitobridge/internal/config"
	"github.com/nextlevelbuilder/avitobridge/internal/store"
)

const (
	noTextPlaceholder  = "<нет текста>"
	notConfiguredReply = "GPT is not configured"
)

// Notifier delivers operator notifications.
type Notifier interface {
	Send(ctx context.Context, destination, text string) error
}

// Answerer produces an automated answer to a question.
type Answerer interface {
	Ask(ctx context.Context, question string) (string, error)
}

// ReplyFunc posts text back into the upstream chat a message came from.
type ReplyFunc func(ctx context.Context, text string) error

// TextSender is the part of the upstream client needed for replies.
type TextSender interface {
	SendText(ctx context.Context, chatID, text string) error
}

// ReplyVia binds a reply function to one chat.
func ReplyVia(s TextSender, chatID string) ReplyFunc {
	return func(ctx context.Context, text string) error {
		return s.SendText(ctx, chatID, text)
	}
}

// Dispatcher sends previews of new inbound messages and, for messages that
// contain the trigger phrase, relays an automated answer. Every side effect
// is best-effort; failures are logged and swallowed.
type Dispatcher struct {
	notifier    Notifier
	destination string
	trigger     *regexp.Regexp
	maxLen      int
	callTimeout time.Duration
	tracer      trace.Tracer
}

// NewDispatcher creates a Dispatcher that notifies destination through n.
// An empty trigger phrase disables answering.
func NewDispatcher(n Notifier, destination string, cfg config.DispatchConfig) *Dispatcher {
	d := &Dispatcher{
		notifier:    n,
		destination: destination,
		maxLen:      cfg.MaxPreviewLen,
		callTimeout: cfg.CallTimeout(),
		tracer:      otel.Tracer("avitobridge/ingest"),
	}
	if d.maxLen <= 0 {
		d.maxLen = 900
	}
	if phrase := strings.TrimSpace(cfg.TriggerPhrase); phrase != "" {
		d.trigger = regexp.MustCompile(`(?i)` + regexp.QuoteMeta(phrase))
	}
	return d
}

// Dispatch runs the side effects for one newly persisted message and reports
// whether it passed the direction and freshness filters. A zero cutoff
// disables the freshness filter; messages without a timestamp always pass.
// ask may be nil (answers become a fixed notice) and reply may be nil
// (answers are not posted upstream).
func (d *Dispatcher) Dispatch(ctx context.Context, msg *store.Message, cutoff time.Time, ask Answerer, reply ReplyFunc) bool {
	if msg == nil || msg.Direction != store.DirectionIn {
		return false
	}
	if !cutoff.IsZero() && msg.CreatedAt != nil && msg.CreatedAt.Before(cutoff) {
		slog.Debug("dispatch.stale_skipped", "message_id", msg.ID, "chat_id", msg.ChatID, "created", msg.CreatedAt)
		return false
	}

	ctx, span := d.tracer.Start(ctx, "ingest.dispatch", trace.WithAttributes(
		attribute.String("chat.id", msg.ChatID),
		attribute.String("message.id", msg.ID),
	))
	defer span.End()

	text := msg.TextOr(noTextPlaceholder)
	preview := fmt.Sprintf("Новое сообщение в Авито\nЧат: %s\nТип: %s  Направление: %s\nТекст: %s",
		msg.ChatID, msg.Type, msg.Direction, truncateRunes(text, d.maxLen))
	if err := d.notify(ctx, preview); err != nil {
		slog.Warn("dispatch.preview_failed", "message_id", msg.ID, "chat_id", msg.ChatID, "error", err)
	}

	question, ok := d.Question(msg.TextOr(""))
	if !ok {
		return true
	}
	span.SetAttributes(attribute.Bool("dispatch.triggered", true))

	answer, askErr := d.ask(ctx, ask, question)
	if askErr != nil {
		slog.Warn("dispatch.answer_failed", "message_id", msg.ID, "chat_id", msg.ChatID, "error", askErr)
		answer = fmt.Sprintf("Ошибка запроса к GPT: %v", askErr)
	}

	if err := d.notify(ctx, "GPT ответ:\n"+truncateRunes(answer, d.maxLen)); err != nil {
		slog.Warn("dispatch.answer_notify_failed", "message_id", msg.ID, "chat_id", msg.ChatID, "error", err)
	}

	if reply == nil {
		return true
	}
	rctx, cancel := d.withTimeout(ctx)
	defer cancel()
	if err := reply(rctx, answer); err != nil {
		slog.Warn("dispatch.reply_failed", "message_id", msg.ID, "chat_id", msg.ChatID, "error", err)
	} else {
		slog.Info("dispatch.replied", "message_id", msg.ID, "chat_id", msg.ChatID)
	}
	return true
}

// Question reports whether text contains the trigger phrase and returns the
// text with every occurrence removed, or the whole text when nothing else
// remains.
func (d *Dispatcher) Question(text string) (string, bool) {
	if d.trigger == nil || text == "" || !d.trigger.MatchString(text) {
		return "", false
	}
	q := strings.TrimSpace(d.trigger.ReplaceAllLiteralString(text, ""))
	if q == "" {
		q = text
	}
	return q, true
}

func (d *Dispatcher) ask(ctx context.Context, a Answerer, question string) (string, error) {
	if a == nil {
		return notConfiguredReply, nil
	}
	actx, cancel := d.withTimeout(ctx)
	defer cancel()
	return a.Ask(actx, question)
}

func (d *Dispatcher) notify(ctx context.Context, text string) error {
	if d.notifier == nil {
		return nil
	}
	nctx, cancel := d.withTimeout(ctx)
	defer cancel()
	return d.notifier.Send(nctx, d.destination, text)
}

func (d *Dispatcher) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.callTimeout)
}

func truncateRunes(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
