package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nextlevelbuilder/avitobridge/internal/config"
)

// ErrEmptyAnswer is returned when the model produced no text.
var ErrEmptyAnswer = errors.New("model returned an empty answer")

// Answerer turns a free-text question into a single answer.
type Answerer struct {
	provider Provider
	model    string
	system   string
}

// NewAnswerer wraps a provider. model may be empty to use the provider default.
func NewAnswerer(p Provider, model, systemPrompt string) *Answerer {
	return &Answerer{provider: p, model: model, system: systemPrompt}
}

// NewFromConfig builds the configured Answerer. It returns nil, nil when no
// API key is set.
func NewFromConfig(cfg config.AnswererConfig) (*Answerer, error) {
	if !cfg.Enabled() {
		return nil, nil
	}

	client := &http.Client{Timeout: 60 * time.Second}
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid answerer proxy %q: %w", cfg.Proxy, err)
		}
		client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}

	retry := DefaultRetryConfig()
	if cfg.MaxAttempts > 0 {
		retry.Attempts = cfg.MaxAttempts
	}

	var p Provider
	switch cfg.Provider {
	case "", "openai":
		p = NewOpenAIProvider("openai", cfg.APIKey, cfg.APIBase, cfg.Model).
			WithHTTPClient(client).
			WithRetryConfig(retry)
	case "anthropic":
		p = NewAnthropicProvider(cfg.APIKey,
			WithAnthropicModel(cfg.Model),
			WithAnthropicBaseURL(cfg.APIBase),
			WithAnthropicHTTPClient(client),
			WithAnthropicRetry(retry),
		)
	default:
		return nil, fmt.Errorf("unknown answerer provider %q", cfg.Provider)
	}
	return NewAnswerer(p, cfg.Model, cfg.SystemPrompt), nil
}

// Name identifies the backing provider and model.
func (a *Answerer) Name() string {
	model := a.model
	if model == "" {
		model = a.provider.DefaultModel()
	}
	return a.provider.Name() + "/" + model
}

// Ask sends question to the model and returns the trimmed answer.
func (a *Answerer) Ask(ctx context.Context, question string) (string, error) {
	var msgs []Message
	if a.system != "" {
		msgs = append(msgs, Message{Role: "system", Content: a.system})
	}
	msgs = append(msgs, Message{Role: "user", Content: question})

	resp, err := a.provider.Chat(ctx, ChatRequest{Messages: msgs, Model: a.model})
	if err != nil {
		return "", err
	}
	answer := strings.TrimSpace(resp.Content)
	if answer == "" {
		return "", ErrEmptyAnswer
	}
	return answer, nil
}
