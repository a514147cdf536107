package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func pollOnceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "poll-once",
		Short: "Run a single poll cycle and print what it found",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPollOnce()
		},
	}
}

func runPollOnce() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := buildPipeline(ctx, cfg)
	if err != nil {
		return err
	}
	defer p.Close()

	fmt.Printf("  Lookback:  %s\n", cfg.Poller.Lookback())
	fmt.Print("  Token:     ")
	if err := p.avito.Authenticate(ctx); err != nil {
		fmt.Println("FAILED")
		return fmt.Errorf("avito token: %w", err)
	}
	fmt.Println("OK")

	stats, err := p.newPoller().RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("poll cycle: %w", err)
	}

	fmt.Println()
	fmt.Printf("  Chats processed:    %d\n", stats.Chats)
	fmt.Printf("  Messages processed: %d\n", stats.Messages)
	fmt.Printf("  New messages:       %d\n", stats.New)
	fmt.Printf("  Notified:           %d\n", stats.Notified)

	if totals, err := p.store.Stats(ctx); err == nil {
		fmt.Printf("  Stored:             %d chats, %d messages\n", totals.Chats, totals.Messages)
	}

	if stats.New == 0 {
		fmt.Println()
		fmt.Println("  No new messages. Possible reasons:")
		fmt.Println("    - every message was already stored by an earlier run or the webhook")
		fmt.Println("    - no chats have activity inside the lookback window")
		fmt.Println("    - AVITO_USER_ID does not match the account behind the credentials")
	}
	return nil
}
