package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/avitobridge/internal/avito"
	"github.com/nextlevelbuilder/avitobridge/internal/config"
	"github.com/nextlevelbuilder/avitobridge/internal/store"
)

// ChatSource is the upstream messenger API as seen by the poller.
type ChatSource interface {
	ListChats(ctx context.Context, q avito.ChatQuery) ([]avito.Chat, error)
	ListMessages(ctx context.Context, chatID string, limit, offset int) ([]json.RawMessage, error)
	TextSender
}

// Credentials lets the poller check and renew the upstream access token.
type Credentials interface {
	Valid() bool
	ForceRefresh(ctx context.Context) (string, error)
}

// CycleStats summarises one poll cycle.
type CycleStats struct {
	Chats    int
	Messages int
	New      int
	Notified int
	Failed   int // chats skipped after an error
}

// Poller walks all chats on a fixed interval, persists unseen messages and
// dispatches notifications for the new ones. It runs on a single goroutine.
type Poller struct {
	src      ChatSource
	creds    Credentials
	store    store.MessageStore
	dispatch *Dispatcher
	ask      Answerer
	cfg      config.PollerConfig
	seen     *SeenCache
	tracer   trace.Tracer
	now      func() time.Time

	cycle int
}

// NewPoller wires a Poller. creds and ask may be nil.
func NewPoller(src ChatSource, creds Credentials, st store.MessageStore, d *Dispatcher, ask Answerer, cfg config.PollerConfig) *Poller {
	return &Poller{
		src:      src,
		creds:    creds,
		store:    st,
		dispatch: d,
		ask:      ask,
		cfg:      cfg,
		seen:     NewSeenCache(cfg.SeenMaxEntries, cfg.SeenResetCycles),
		tracer:   otel.Tracer("avitobridge/ingest"),
		now:      time.Now,
	}
}

// Run polls until ctx is cancelled. A failed cycle is logged, triggers a
// token refresh when it looks like an auth problem, and is retried after the
// normal interval; Run itself only returns when ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	slog.Info("poller started", "interval", p.cfg.Interval(), "lookback", p.cfg.Lookback(), "reply_back", p.cfg.ReplyBack)
	for {
		stats, err := p.RunOnce(ctx)
		if ctx.Err() != nil {
			slog.Info("poller stopped")
			return nil
		}
		if err != nil {
			slog.Error("poller.cycle_failed", "cycle", p.cycle, "error", err)
			if avito.IsAuthError(err) && p.creds != nil {
				if _, rerr := p.creds.ForceRefresh(ctx); rerr != nil {
					slog.Error("poller.token_refresh_failed", "error", rerr)
				} else {
					slog.Info("poller: token refreshed after auth failure")
				}
			}
		} else {
			slog.Info("poller.cycle_done", "cycle", p.cycle,
				"chats", stats.Chats, "messages", stats.Messages, "new", stats.New, "notified", stats.Notified, "failed", stats.Failed)
		}

		timer := time.NewTimer(p.cfg.Interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("poller stopped")
			return nil
		case <-timer.C:
		}
	}
}

// RunOnce performs a single cycle. Panics inside the cycle are returned as
// errors.
func (p *Poller) RunOnce(ctx context.Context) (stats CycleStats, err error) {
	p.cycle++
	cycle := p.cycle
	cycleID := uuid.NewString()

	ctx, span := p.tracer.Start(ctx, "poller.cycle", trace.WithAttributes(
		attribute.Int("cycle", cycle),
		attribute.String("cycle.id", cycleID),
	))
	defer func() {
		if r := recover(); r != nil {
			slog.Error("poller.panic", "cycle", cycle, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("poll cycle %d panicked: %v", cycle, r)
		}
		// Failed cycles count towards the reset too; the cache only saves
		// lookups and never decides whether a message is new.
		if dropped, cleared := p.seen.EndCycle(cycle); cleared {
			slog.Info("poller: seen cache cleared", "dropped", dropped)
		}
		span.SetAttributes(
			attribute.Int("chats", stats.Chats),
			attribute.Int("messages", stats.Messages),
			attribute.Int("new", stats.New),
			attribute.Int("failed", stats.Failed),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	log := slog.With("cycle", cycle, "cycle_id", cycleID)

	if err := p.checkCredentials(ctx, cycle); err != nil {
		return stats, err
	}

	cutoff := p.now().UTC().Add(-p.cfg.Lookback())
	log.Debug("poller: cycle start", "cutoff", cutoff)

	pageSize := max(1, p.cfg.ChatPageSize)
	for offset := 0; ; offset += pageSize {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		chats, err := p.listChats(ctx, pageSize, offset)
		if err != nil {
			return stats, err
		}
		if len(chats) == 0 {
			break
		}
		stats.Chats += len(chats)

		for _, ch := range chats {
			if ch.ID == "" {
				continue
			}
			if err := p.scanChat(ctx, ch.ID, cutoff, &stats); err != nil {
				// Auth and cancellation end the cycle; anything else is
				// specific to this chat and must not starve the ones after it.
				if ctx.Err() != nil || avito.IsAuthError(err) {
					return stats, fmt.Errorf("chat %s: %w", ch.ID, err)
				}
				stats.Failed++
				log.Warn("poller.chat_failed", "chat_id", ch.ID, "error", err)
			}
		}
	}
	return stats, nil
}

// checkCredentials renews a stale token on the first cycle and every
// TokenCheckCycles cycles after it.
func (p *Poller) checkCredentials(ctx context.Context, cycle int) error {
	every := p.cfg.TokenCheckCycles
	if p.creds == nil || every <= 0 || (cycle-1)%every != 0 {
		return nil
	}
	if p.creds.Valid() {
		return nil
	}
	slog.Warn("poller: access token stale, refreshing", "cycle", cycle)
	if _, err := p.creds.ForceRefresh(ctx); err != nil {
		return fmt.Errorf("refresh token: %w", err)
	}
	return nil
}

// listChats prefers unread chats. An empty first page is retried once without
// the filter since the upstream unread flag is not reliable.
func (p *Poller) listChats(ctx context.Context, limit, offset int) ([]avito.Chat, error) {
	chats, err := p.src.ListChats(ctx, avito.ChatQuery{Limit: limit, Offset: offset, UnreadOnly: true})
	if err != nil {
		return nil, err
	}
	if len(chats) == 0 && offset == 0 {
		slog.Debug("poller: no unread chats, listing all")
		return p.src.ListChats(ctx, avito.ChatQuery{Limit: limit, Offset: offset})
	}
	return chats, nil
}

// scanChat reads at most MaxMessagePages pages and stops after the first page
// past page one that stored nothing new. This assumes the upstream returns
// messages newest first.
func (p *Poller) scanChat(ctx context.Context, chatID string, cutoff time.Time, stats *CycleStats) error {
	ctx, span := p.tracer.Start(ctx, "poller.chat", trace.WithAttributes(attribute.String("chat.id", chatID)))
	defer span.End()

	var reply ReplyFunc
	if p.cfg.ReplyBack {
		reply = ReplyVia(p.src, chatID)
	}

	limit := max(1, p.cfg.MessagePageSize)
	newInChat := 0
	for page := 0; page < max(1, p.cfg.MaxMessagePages); page++ {
		raws, err := p.src.ListMessages(ctx, chatID, limit, page*limit)
		if err != nil {
			return err
		}
		if len(raws) == 0 {
			break
		}
		stats.Messages += len(raws)

		fresh, err := p.processPage(ctx, chatID, raws, cutoff, reply, stats)
		if err != nil {
			return err
		}
		newInChat += fresh
		if page > 0 && fresh == 0 {
			slog.Debug("poller: nothing new on page, skipping rest of chat", "chat_id", chatID, "page", page)
			break
		}
	}
	if newInChat > 0 {
		slog.Info("poller: new messages in chat", "chat_id", chatID, "count", newInChat)
	}
	return nil
}

// processPage persists one page inside a single store session and dispatches
// each new message before moving to the next one.
func (p *Poller) processPage(ctx context.Context, chatID string, raws []json.RawMessage, cutoff time.Time, reply ReplyFunc, stats *CycleStats) (int, error) {
	sess, err := p.store.Session(ctx)
	if err != nil {
		return 0, fmt.Errorf("open session: %w", err)
	}
	defer sess.Close()

	fresh := 0
	for _, raw := range raws {
		msg := Normalize(chatID, raw)
		if msg.ID == "" || p.seen.Has(msg.ID) {
			continue
		}
		isNew, err := Persist(ctx, sess, chatID, msg)
		if err != nil {
			return fresh, err
		}
		p.seen.Add(msg.ID)
		if !isNew {
			continue
		}
		fresh++
		stats.New++
		slog.Info("poller: new message", "chat_id", chatID, "message_id", msg.ID, "direction", msg.Direction)
		if p.dispatch != nil && p.dispatch.Dispatch(ctx, msg, cutoff, p.ask, reply) {
			stats.Notified++
		}
	}
	return fresh, nil
}
