package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/avitobridge/internal/avito"
	"github.com/nextlevelbuilder/avitobridge/internal/channels/telegram"
	"github.com/nextlevelbuilder/avitobridge/internal/config"
	"github.com/nextlevelbuilder/avitobridge/internal/ingest"
	"github.com/nextlevelbuilder/avitobridge/internal/providers"
	"github.com/nextlevelbuilder/avitobridge/internal/store"
	"github.com/nextlevelbuilder/avitobridge/internal/store/sqldb"
)

// pipeline holds the wired components shared by serve and poll-once.
type pipeline struct {
	cfg        *config.Config
	store      *sqldb.Store
	avito      *avito.Client
	notifier   *telegram.Notifier
	answerer   ingest.Answerer // nil when no API key is configured
	dispatcher *ingest.Dispatcher
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config) (*sqldb.Store, error) {
	if cfg.Database.IsManagedMode() {
		if err := checkSchemaOrAutoUpgrade(ctx, cfg.Database.PostgresDSN); err != nil {
			return nil, err
		}
	}
	return sqldb.NewStore(store.StoreConfig{
		Mode:        cfg.Database.Mode,
		PostgresDSN: cfg.Database.PostgresDSN,
		SQLitePath:  cfg.Database.SQLitePath,
	})
}

func newAvitoClient(cfg config.AvitoConfig) *avito.Client {
	return avito.NewClient(avito.Options{
		BaseURL:      cfg.BaseURL,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		UserID:       cfg.UserID,
		Timeout:      cfg.Timeout(),
		RateLimitRPS: cfg.RateLimitRPS,
		RateBurst:    cfg.RateBurst,
	})
}

func buildPipeline(ctx context.Context, cfg *config.Config) (*pipeline, error) {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	notifier, err := telegram.New(cfg.Telegram)
	if err != nil {
		st.Close()
		return nil, err
	}

	ans, err := providers.NewFromConfig(cfg.Answerer)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("answerer: %w", err)
	}

	p := &pipeline{
		cfg:        cfg,
		store:      st,
		avito:      newAvitoClient(cfg.Avito),
		notifier:   notifier,
		dispatcher: ingest.NewDispatcher(notifier, notifier.Destination(), cfg.Dispatch),
	}
	if ans != nil {
		p.answerer = ans
		slog.Info("answerer configured", "provider", ans.Name())
	}
	return p, nil
}

func (p *pipeline) newPoller() *ingest.Poller {
	return ingest.NewPoller(p.avito, p.avito.Tokens(), p.store, p.dispatcher, p.answerer, p.cfg.Poller)
}

func (p *pipeline) Close() error {
	return p.store.Close()
}

// announceNoAnswerer tells the operator chat that questions will not be
// answered. Failure is only logged.
func (p *pipeline) announceNoAnswerer(ctx context.Context) {
	if p.answerer != nil {
		return
	}
	timeout := p.cfg.Dispatch.CallTimeout()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := p.notifier.Notify(ctx, "🔌 GPT is not configured"); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("telegram.notice_failed", "error", err)
	}
}
