package avito

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// tokenMargin is how long before expiry a token is treated as stale.
const tokenMargin = 60 * time.Second

const defaultTokenTTL = 3600 * time.Second

// TokenSource obtains client-credentials tokens and caches them until shortly
// before expiry. Concurrent refreshes collapse into one request.
type TokenSource struct {
	baseURL      string
	clientID     string
	clientSecret string
	client       *http.Client
	now          func() time.Time

	mu        sync.RWMutex
	token     string
	expiresAt time.Time

	group singleflight.Group
}

// NewTokenSource creates a TokenSource for the given credentials.
func NewTokenSource(baseURL, clientID, clientSecret string, client *http.Client) *TokenSource {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &TokenSource{
		baseURL:      strings.TrimRight(baseURL, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		client:       client,
		now:          time.Now,
	}
}

// Valid reports whether a cached token is usable without a refresh.
func (ts *TokenSource) Valid() bool {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.validLocked()
}

func (ts *TokenSource) validLocked() bool {
	return ts.token != "" && ts.now().Before(ts.expiresAt.Add(-tokenMargin))
}

// Token returns a valid access token, fetching a new one if needed.
func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.RLock()
	if ts.validLocked() {
		tok := ts.token
		ts.mu.RUnlock()
		return tok, nil
	}
	ts.mu.RUnlock()
	return ts.refresh(ctx)
}

// ForceRefresh drops the cached token and fetches a new one.
func (ts *TokenSource) ForceRefresh(ctx context.Context) (string, error) {
	slog.Info("avito: forcing token refresh")
	ts.mu.Lock()
	ts.token = ""
	ts.expiresAt = time.Time{}
	ts.mu.Unlock()
	return ts.refresh(ctx)
}

func (ts *TokenSource) refresh(ctx context.Context) (string, error) {
	v, err, _ := ts.group.Do("token", func() (any, error) {
		ts.mu.RLock()
		if ts.validLocked() {
			tok := ts.token
			ts.mu.RUnlock()
			return tok, nil
		}
		ts.mu.RUnlock()

		tok, ttl, err := ts.fetch(ctx)
		if err != nil {
			return "", err
		}
		ts.mu.Lock()
		ts.token = tok
		ts.expiresAt = ts.now().Add(ttl)
		ts.mu.Unlock()
		slog.Info("avito: token obtained", "expires_in", ttl)
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

type tokenResponse struct {
	AccessToken string          `json:"access_token"`
	ExpiresIn   json.RawMessage `json:"expires_in"`
}

func (ts *TokenSource) fetch(ctx context.Context) (string, time.Duration, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {ts.clientID},
		"client_secret": {ts.clientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.baseURL+"/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("avito token: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := ts.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("avito token: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", 0, fmt.Errorf("avito token: read response: %w", err)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil || tr.AccessToken == "" {
		slog.Error("avito: token request rejected", "status", resp.StatusCode, "body", truncate(string(body), 300))
		return "", 0, fmt.Errorf("%w (status %d)", ErrNoAccessToken, resp.StatusCode)
	}
	return tr.AccessToken, parseTTL(tr.ExpiresIn), nil
}

// parseTTL accepts expires_in as a number or a numeric string.
func parseTTL(raw json.RawMessage) time.Duration {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" {
		return defaultTokenTTL
	}
	var secs float64
	if _, err := fmt.Sscanf(s, "%g", &secs); err != nil || secs <= 0 {
		return defaultTokenTTL
	}
	return time.Duration(secs * float64(time.Second))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
