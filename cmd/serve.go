package cmd

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/avitobridge/internal/gateway"
	httpapi "github.com/nextlevelbuilder/avitobridge/internal/http"
	"github.com/nextlevelbuilder/avitobridge/internal/ingest"
	"github.com/nextlevelbuilder/avitobridge/internal/tracing"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server and the poller (default command)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Warn("telemetry disabled", "error", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("telemetry shutdown", "error", err)
		}
	}()

	p, err := buildPipeline(ctx, cfg)
	if err != nil {
		slog.Error("startup failed", "error", err)
		return err
	}
	defer p.Close()

	p.announceNoAnswerer(ctx)

	var replier ingest.TextSender
	if cfg.Poller.ReplyBack {
		replier = p.avito
	}

	g, gctx := errgroup.WithContext(ctx)

	if !cfg.Poller.Disabled {
		poller := p.newPoller()
		g.Go(func() error { return poller.Run(gctx) })
	}

	var webhook *httpapi.WebhookHandler
	if !cfg.Webhook.Disabled {
		webhook = httpapi.NewWebhookHandler(p.store, p.dispatcher, p.answerer, replier, cfg.Webhook, cfg.Poller.Lookback())
	}
	server := gateway.NewServer(cfg.Webhook, p.store, webhook)
	g.Go(func() error { return server.Start(gctx) })

	slog.Info("avitobridge starting",
		"version", Version,
		"mode", cfg.Database.Mode,
		"addr", cfg.Webhook.Addr(),
		"webhook", webhook != nil,
		"poller", !cfg.Poller.Disabled,
		"reply_back", cfg.Poller.ReplyBack,
	)

	if err := g.Wait(); err != nil {
		slog.Error("avitobridge stopped", "error", err)
		return err
	}
	slog.Info("avitobridge stopped")
	return nil
}
