package avito

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const maxResponseBytes = 8 << 20

// Options configures a Client.
type Options struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	UserID       string
	Timeout      time.Duration
	RateLimitRPS float64 // <= 0 disables client-side limiting
	RateBurst    int
}

// Chat is one entry of the chat listing.
type Chat struct {
	ID  string
	Raw json.RawMessage
}

// ChatQuery selects a page of the chat listing.
type ChatQuery struct {
	Limit      int
	Offset     int
	UnreadOnly bool
}

// Client talks to the marketplace messenger API on behalf of one account.
// It is safe for concurrent use.
type Client struct {
	baseURL string
	userID  string
	http    *http.Client
	tokens  *TokenSource
	limiter *rate.Limiter
}

// NewClient builds a Client. Proxy environment variables are ignored for
// these calls; the API is reached directly.
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.avito.ru"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	httpClient := &http.Client{Timeout: opts.Timeout, Transport: directTransport()}

	var limiter *rate.Limiter
	if opts.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimitRPS), max(1, opts.RateBurst))
	}

	base := strings.TrimRight(opts.BaseURL, "/")
	return &Client{
		baseURL: base,
		userID:  opts.UserID,
		http:    httpClient,
		tokens:  NewTokenSource(base, opts.ClientID, opts.ClientSecret, httpClient),
		limiter: limiter,
	}
}

func directTransport() *http.Transport {
	return &http.Transport{
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

// Tokens exposes the token source so callers can check or refresh it.
func (c *Client) Tokens() *TokenSource { return c.tokens }

// Authenticate ensures a valid token is cached.
func (c *Client) Authenticate(ctx context.Context) error {
	_, err := c.tokens.Token(ctx)
	return err
}

// ListChats returns one page of the account's chats.
func (c *Client) ListChats(ctx context.Context, q ChatQuery) ([]Chat, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(q.Limit))
	params.Set("offset", strconv.Itoa(q.Offset))
	if q.UnreadOnly {
		params.Set("unread_only", "true")
	}

	body, err := c.do(ctx, http.MethodGet, "list_chats",
		fmt.Sprintf("/messenger/v2/accounts/%s/chats", url.PathEscape(c.userID)), params, nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Chats []json.RawMessage `json:"chats"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("avito list_chats: decode: %w", err)
	}

	chats := make([]Chat, 0, len(resp.Chats))
	for _, raw := range resp.Chats {
		var head struct {
			ID json.RawMessage `json:"id"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			continue
		}
		id := scalarString(head.ID)
		if id == "" {
			continue
		}
		chats = append(chats, Chat{ID: id, Raw: raw})
	}
	slog.Debug("avito: chats listed", "count", len(chats), "offset", q.Offset, "unread_only", q.UnreadOnly)
	return chats, nil
}

// ListMessages returns one page of a chat's messages as raw objects. The API
// answers either with a bare array or with {"messages": [...]}.
func (c *Client) ListMessages(ctx context.Context, chatID string, limit, offset int) ([]json.RawMessage, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))
	params.Set("offset", strconv.Itoa(offset))

	body, err := c.do(ctx, http.MethodGet, "list_messages",
		fmt.Sprintf("/messenger/v3/accounts/%s/chats/%s/messages/", url.PathEscape(c.userID), url.PathEscape(chatID)), params, nil)
	if err != nil {
		return nil, err
	}

	msgs, err := decodeMessages(body)
	if err != nil {
		return nil, fmt.Errorf("avito list_messages: decode: %w", err)
	}
	slog.Debug("avito: messages listed", "chat", chatID, "count", len(msgs), "offset", offset)
	return msgs, nil
}

func decodeMessages(body []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, err
		}
		return list, nil
	}
	var wrapped struct {
		Messages []json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Messages, nil
}

// SendText posts a text message into a chat. Older accounts only expose the
// v2 route, so a 404 or 405 from v1 is retried there.
func (c *Client) SendText(ctx context.Context, chatID, text string) error {
	payload := map[string]any{
		"message": map[string]string{"text": text},
		"type":    "text",
	}
	path := func(version string) string {
		return fmt.Sprintf("/messenger/%s/accounts/%s/chats/%s/messages", version, url.PathEscape(c.userID), url.PathEscape(chatID))
	}

	_, err := c.do(ctx, http.MethodPost, "send_text", path("v1"), nil, payload)
	var apiErr *APIError
	if errors.As(err, &apiErr) && (apiErr.Status == http.StatusNotFound || apiErr.Status == http.StatusMethodNotAllowed) {
		slog.Debug("avito: send_text falling back to v2", "chat", chatID, "status", apiErr.Status)
		_, err = c.do(ctx, http.MethodPost, "send_text", path("v2"), nil, payload)
	}
	if err != nil {
		return err
	}
	slog.Info("avito: message sent", "chat", chatID, "preview", truncate(text, 50))
	return nil
}

// MarkRead marks every message of a chat as read.
func (c *Client) MarkRead(ctx context.Context, chatID string) error {
	_, err := c.do(ctx, http.MethodPost, "mark_read",
		fmt.Sprintf("/messenger/v1/accounts/%s/chats/%s/read", url.PathEscape(c.userID), url.PathEscape(chatID)), nil, nil)
	return err
}

func (c *Client) do(ctx context.Context, method, endpoint, path string, query url.Values, payload any) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("avito %s: rate limit wait: %w", endpoint, err)
		}
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("avito %s: marshal request: %w", endpoint, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("avito %s: create request: %w", endpoint, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("avito %s: request failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("avito %s: read response: %w", endpoint, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{Status: resp.StatusCode, Endpoint: endpoint, Body: truncate(string(body), 500)}
	}
	return body, nil
}

// scalarString renders a JSON string or number as text; anything else is "".
func scalarString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return s
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		return string(raw)
	}
	return ""
}
