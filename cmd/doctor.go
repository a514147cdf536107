package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/avitobridge/internal/channels/telegram"
	"github.com/nextlevelbuilder/avitobridge/internal/config"
	"github.com/nextlevelbuilder/avitobridge/internal/providers"
	"github.com/nextlevelbuilder/avitobridge/internal/store/sqldb"
	"github.com/nextlevelbuilder/avitobridge/internal/upgrade"
)

const doctorTimeout = 30 * time.Second

func doctorCmd() *cobra.Command {
	var sendTest, askAnswerer bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, storage and upstream connectivity",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor(sendTest, askAnswerer)
		},
	}
	cmd.Flags().BoolVar(&sendTest, "send-test", false, "send a test message to the Telegram destination")
	cmd.Flags().BoolVar(&askAnswerer, "ask-answerer", false, "ask the configured model a short question")
	return cmd
}

func runDoctor(sendTest, askAnswerer bool) {
	fmt.Println("avitobridge doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults and env)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("  Validation: %s\n", err)
	} else {
		fmt.Println("  Validation: OK")
	}

	fmt.Println()
	fmt.Println("  Credentials:")
	checkSecret("Avito ID", cfg.Avito.ClientID)
	checkSecret("Avito key", cfg.Avito.ClientSecret)
	checkValue("Avito user", cfg.Avito.UserID)
	checkSecret("Telegram", cfg.Telegram.Token)
	checkValue("TG chat", cfg.Telegram.ChatID)
	checkSecret("Answerer", cfg.Answerer.APIKey)

	checkDatabase(cfg)
	checkAvito(cfg)

	if sendTest {
		checkTelegram(cfg)
	}
	if askAnswerer {
		checkAnswerer(cfg)
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkDatabase(cfg *config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), doctorTimeout)
	defer cancel()

	fmt.Println()
	fmt.Println("  Database:")
	if !cfg.Database.IsManagedMode() {
		fmt.Printf("    %-12s standalone (%s)\n", "Mode:", cfg.Database.SQLitePath)
		db, err := sqldb.OpenSQLite(cfg.Database.SQLitePath)
		if err != nil {
			fmt.Printf("    %-12s OPEN FAILED (%s)\n", "Status:", err)
			return
		}
		st := sqldb.New(db)
		defer st.Close()
		printStats(ctx, st)
		return
	}

	fmt.Printf("    %-12s managed\n", "Mode:")
	db, err := sqldb.OpenPostgres(cfg.Database.PostgresDSN)
	if err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	st := sqldb.New(db)
	defer st.Close()

	s, err := upgrade.CheckSchema(ctx, db)
	switch {
	case err != nil:
		fmt.Printf("    %-12s CHECK FAILED (%s)\n", "Schema:", err)
	case s.Dirty:
		fmt.Printf("    %-12s v%d (DIRTY, run: avitobridge migrate force)\n", "Schema:", s.CurrentVersion)
	case s.Compatible:
		fmt.Printf("    %-12s v%d (up to date)\n", "Schema:", s.CurrentVersion)
		printStats(ctx, st)
	case s.CurrentVersion > s.RequiredVersion:
		fmt.Printf("    %-12s v%d (binary too old, requires v%d)\n", "Schema:", s.CurrentVersion, s.RequiredVersion)
	default:
		fmt.Printf("    %-12s v%d (upgrade needed, run: avitobridge upgrade)\n", "Schema:", s.CurrentVersion)
	}
}

func printStats(ctx context.Context, st *sqldb.Store) {
	stats, err := st.Stats(ctx)
	if err != nil {
		fmt.Printf("    %-12s FAILED (%s)\n", "Rows:", err)
		return
	}
	fmt.Printf("    %-12s %d chats, %d messages\n", "Rows:", stats.Chats, stats.Messages)
}

func checkAvito(cfg *config.Config) {
	fmt.Println()
	fmt.Println("  Avito:")
	if cfg.Avito.ClientID == "" || cfg.Avito.ClientSecret == "" {
		fmt.Printf("    %-12s skipped (no credentials)\n", "Token:")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), doctorTimeout)
	defer cancel()
	if err := newAvitoClient(cfg.Avito).Authenticate(ctx); err != nil {
		fmt.Printf("    %-12s FAILED (%s)\n", "Token:", err)
		return
	}
	fmt.Printf("    %-12s OK\n", "Token:")
}

func checkTelegram(cfg *config.Config) {
	fmt.Println()
	fmt.Println("  Telegram:")
	n, err := telegram.New(cfg.Telegram)
	if err != nil {
		fmt.Printf("    %-12s FAILED (%s)\n", "Bot:", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), doctorTimeout)
	defer cancel()
	if err := n.Notify(ctx, "avitobridge doctor: test message"); err != nil {
		fmt.Printf("    %-12s FAILED (%s)\n", "Send:", err)
		return
	}
	fmt.Printf("    %-12s OK (%s)\n", "Send:", n.Destination())
}

func checkAnswerer(cfg *config.Config) {
	fmt.Println()
	fmt.Println("  Answerer:")
	a, err := providers.NewFromConfig(cfg.Answerer)
	if err != nil {
		fmt.Printf("    %-12s FAILED (%s)\n", "Setup:", err)
		return
	}
	if a == nil {
		fmt.Printf("    %-12s not configured\n", "Ask:")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), doctorTimeout)
	defer cancel()
	start := time.Now()
	answer, err := a.Ask(ctx, "Reply with the single word: pong")
	if err != nil {
		fmt.Printf("    %-12s FAILED (%s)\n", "Ask:", err)
		return
	}
	fmt.Printf("    %-12s OK %s in %s: %q\n", "Ask:", a.Name(), time.Since(start).Round(time.Millisecond), answer)
}

func checkSecret(name, secret string) {
	fmt.Printf("    %-12s %s\n", name+":", maskSecret(secret))
}

func checkValue(name, value string) {
	if value == "" {
		value = "(not configured)"
	}
	fmt.Printf("    %-12s %s\n", name+":", value)
}

func maskSecret(s string) string {
	switch {
	case s == "":
		return "(not configured)"
	case len(s) <= 8:
		return strings.Repeat("*", len(s))
	default:
		return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
	}
}
