package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/avitobridge/internal/config"
	"github.com/nextlevelbuilder/avitobridge/internal/upgrade"
)

// errStandaloneMigrate is returned by every migrate subcommand when the
// bridge runs on SQLite.
var errStandaloneMigrate = errors.New("standalone mode keeps messages in SQLite and creates its schema when the file is opened; " +
	"migrations only apply to managed mode (set DB_URL or BRIDGE_MODE=managed)")

var migrationsDir string

func resolveMigrationsDir() string {
	if migrationsDir != "" {
		return migrationsDir
	}
	if v := os.Getenv("BRIDGE_MIGRATIONS_DIR"); v != "" {
		return v
	}
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

func newMigrator(dsn string) (*migrate.Migrate, error) {
	m, err := migrate.New("file://"+resolveMigrationsDir(), dsn)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}

// migrationDSN picks the Postgres DSN the migrator should use.
func migrationDSN(db config.DatabaseConfig) (string, error) {
	if db.Mode != "managed" {
		return "", errStandaloneMigrate
	}
	if db.PostgresDSN == "" {
		return "", errors.New("managed mode needs DB_URL to be set")
	}
	return db.PostgresDSN, nil
}

func resolveDSN() (string, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	return migrationDSN(cfg.Database)
}

// withMigrator opens the message store migrator, runs fn and closes it.
func withMigrator(fn func(m *migrate.Migrate) error) error {
	dsn, err := resolveDSN()
	if err != nil {
		return err
	}
	m, err := newMigrator(dsn)
	if err != nil {
		return err
	}
	defer m.Close()
	return fn(m)
}

func ignoreNoChange(err error) error {
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}

func logSchema(m *migrate.Migrate, event string) {
	v, dirty, _ := m.Version()
	slog.Info(event, "version", v, "required", upgrade.RequiredSchemaVersion, "dirty", dirty)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres message store schema (managed mode only)",
	}
	cmd.PersistentFlags().StringVar(&migrationsDir, "migrations-dir", "", "path to migrations directory (default: ./migrations)")

	cmd.AddCommand(migrateUpCmd(), migrateDownCmd(), migrateVersionCmd(), migrateForceCmd(), migrateGotoCmd(), migrateDropCmd())
	return cmd
}

func migrateUpCmd() *cobra.Command {
	var latest bool
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Bring the schema to the version this binary reads",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(m *migrate.Migrate) error {
				var err error
				if latest {
					err = m.Up()
				} else {
					err = m.Migrate(upgrade.RequiredSchemaVersion)
				}
				if err = ignoreNoChange(err); err != nil {
					return fmt.Errorf("migrate up: %w", err)
				}
				logSchema(m, "migrate.up_done")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&latest, "latest", false, "apply every migration found, even past the version this binary reads")
	return cmd
}

func migrateDownCmd() *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations (default: 1 step)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if steps <= 0 {
				steps = 1
			}
			return withMigrator(func(m *migrate.Migrate) error {
				if err := ignoreNoChange(m.Steps(-steps)); err != nil {
					return fmt.Errorf("migrate down: %w", err)
				}
				logSchema(m, "migrate.down_done")
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&steps, "steps", "n", 1, "number of steps to roll back")
	return cmd
}

func migrateVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the schema version next to the one this binary reads",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(m *migrate.Migrate) error {
				v, dirty, err := m.Version()
				if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
					return fmt.Errorf("get version: %w", err)
				}
				fmt.Printf("version: %d, required: %d, dirty: %v\n", v, upgrade.RequiredSchemaVersion, dirty)
				return nil
			})
		},
	}
}

func migrateForceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "force <version>",
		Short: "Mark the schema as being at a version without applying anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid version: %w", err)
			}
			return withMigrator(func(m *migrate.Migrate) error {
				if err := m.Force(version); err != nil {
					return fmt.Errorf("force version: %w", err)
				}
				logSchema(m, "migrate.forced")
				return nil
			})
		},
	}
}

func migrateGotoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "goto <version>",
		Short: "Migrate to a specific version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid version: %w", err)
			}
			return withMigrator(func(m *migrate.Migrate) error {
				if err := ignoreNoChange(m.Migrate(uint(version))); err != nil {
					return fmt.Errorf("migrate goto: %w", err)
				}
				logSchema(m, "migrate.goto_done")
				return nil
			})
		},
	}
}

func migrateDropCmd() *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:   "drop",
		Short: "Drop all tables, including stored messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm {
				return errors.New("drop deletes every stored message; rerun with --yes to confirm")
			}
			return withMigrator(func(m *migrate.Migrate) error {
				if err := m.Drop(); err != nil {
					return fmt.Errorf("drop: %w", err)
				}
				slog.Warn("migrate.dropped")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&confirm, "yes", false, "confirm that stored messages may be deleted")
	return cmd
}
