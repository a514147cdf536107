package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/nextlevelbuilder/avitobridge/internal/config"
	"github.com/nextlevelbuilder/avitobridge/internal/ingest"
	"github.com/nextlevelbuilder/avitobridge/internal/store"
)

const maxWebhookBody = 1 << 20

// WebhookHandler accepts pushed message events. Every delivery is answered
// with {"ok":true}; problems are only logged. New messages are dispatched in
// the background, detached from the request.
type WebhookHandler struct {
	store      store.MessageStore
	dispatcher *ingest.Dispatcher
	ask        ingest.Answerer
	replier    ingest.TextSender // nil = no reply-back
	path       string
	lookback   time.Duration
	timeout    time.Duration

	limiter *RateLimiter
	sem     *semaphore.Weighted
	wg      sync.WaitGroup
	baseCtx context.Context
	tracer  trace.Tracer
	now     func() time.Time
}

// NewWebhookHandler creates the push endpoint. ask and replier may be nil.
// lookback is the same freshness window the poller uses.
func NewWebhookHandler(st store.MessageStore, d *ingest.Dispatcher, ask ingest.Answerer, replier ingest.TextSender, cfg config.WebhookConfig, lookback time.Duration) *WebhookHandler {
	timeout := cfg.DispatchTimeout()
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &WebhookHandler{
		store:      st,
		dispatcher: d,
		ask:        ask,
		replier:    replier,
		path:       cfg.Path,
		lookback:   lookback,
		timeout:    timeout,
		limiter:    NewRateLimiter(cfg.RateLimitPerMinute, time.Minute),
		sem:        semaphore.NewWeighted(int64(max(1, cfg.MaxInflight))),
		baseCtx:    context.Background(),
		tracer:     otel.Tracer("avitobridge/webhook"),
		now:        time.Now,
	}
}

// RegisterRoutes registers the webhook route on the given mux.
func (h *WebhookHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST "+h.path, h.handleWebhook)
}

// Wait blocks until background dispatches started so far have finished.
func (h *WebhookHandler) Wait() { h.wg.Wait() }

func (h *WebhookHandler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	deliveryID := uuid.NewString()
	log := slog.With("delivery_id", deliveryID)
	defer writeJSON(w, http.StatusOK, map[string]bool{"ok": true})

	if !h.limiter.Allow(clientKey(r)) {
		log.Warn("webhook.rate_limited", "remote", r.RemoteAddr)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		log.Warn("webhook.ignored", "reason", "unreadable body", "error", err)
		return
	}

	value, chatID, ok := unwrapEvent(body)
	if !ok {
		log.Debug("webhook.ignored", "reason", "no message event")
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "webhook.receive", trace.WithAttributes(
		attribute.String("delivery.id", deliveryID),
		attribute.String("chat.id", chatID),
	))
	defer span.End()

	msg := ingest.Normalize(chatID, value)
	msg.Direction = store.DirectionIn
	unread := false
	msg.IsRead = &unread

	isNew, err := h.persist(ctx, chatID, msg)
	if err != nil {
		span.RecordError(err)
		log.Error("webhook.persist_failed", "chat_id", chatID, "message_id", msg.ID, "error", err)
		return
	}
	span.SetAttributes(attribute.Bool("message.new", isNew))
	if !isNew {
		log.Debug("webhook.duplicate", "chat_id", chatID, "message_id", msg.ID)
		return
	}

	log.Info("webhook.new_message", "chat_id", chatID, "message_id", msg.ID)
	cutoff := h.now().UTC().Add(-h.lookback)
	h.dispatchAsync(msg, cutoff, deliveryID)
}

func (h *WebhookHandler) persist(ctx context.Context, chatID string, msg *store.Message) (bool, error) {
	sess, err := h.store.Session(ctx)
	if err != nil {
		return false, err
	}
	defer sess.Close()
	return ingest.Persist(ctx, sess, chatID, msg)
}

// dispatchAsync runs the dispatcher outside the request. Concurrency is
// bounded by the semaphore and each dispatch, including its wait for a slot,
// by the dispatch timeout.
func (h *WebhookHandler) dispatchAsync(msg *store.Message, cutoff time.Time, deliveryID string) {
	var reply ingest.ReplyFunc
	if h.replier != nil {
		reply = ingest.ReplyVia(h.replier, msg.ChatID)
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(h.baseCtx, h.timeout)
		defer cancel()

		if err := h.sem.Acquire(ctx, 1); err != nil {
			slog.Error("webhook.dispatch_dropped", "delivery_id", deliveryID, "message_id", msg.ID, "error", err)
			return
		}
		defer h.sem.Release(1)

		defer func() {
			if r := recover(); r != nil {
				slog.Error("webhook.dispatch_panic", "delivery_id", deliveryID, "message_id", msg.ID, "panic", r)
			}
		}()
		h.dispatcher.Dispatch(ctx, msg, cutoff, h.ask, reply)
	}()
}

// unwrapEvent finds the message object in a delivery. Events may arrive bare
// or as {"payload": {"value": {...}}}. A usable event is a JSON object with a
// chat_id.
func unwrapEvent(body []byte) (json.RawMessage, string, bool) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil || top == nil {
		return nil, "", false
	}

	value := json.RawMessage(body)
	var inner map[string]json.RawMessage
	if p, ok := top["payload"]; ok && json.Unmarshal(p, &inner) == nil && inner != nil {
		value = inner["value"]
	}

	var fields map[string]json.RawMessage
	if len(value) == 0 || json.Unmarshal(value, &fields) != nil || fields == nil {
		return nil, "", false
	}
	chatID := scalarString(fields["chat_id"])
	if chatID == "" {
		return nil, "", false
	}
	return value, chatID, true
}

func scalarString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var n json.Number
	if json.Unmarshal(raw, &n) == nil {
		if _, err := strconv.ParseFloat(n.String(), 64); err == nil {
			return n.String()
		}
	}
	return ""
}

// clientKey is the remote host without the port.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
