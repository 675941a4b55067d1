package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/incidence/internal/config"
	"github.com/ehr/incidence/internal/domain/incidence"
	"github.com/ehr/incidence/internal/platform/db"
	"github.com/ehr/incidence/internal/platform/reporting"
	"github.com/ehr/incidence/internal/platform/telemetry"
	"github.com/ehr/incidence/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "incidence",
		Short:         "Temporal cohort-incidence reports",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(reportsCmd())
	rootCmd.AddCommand(bucketsCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

// loadConfig reads and validates the configuration.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, logger, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, logger, nil
}

// runtime holds what the run and serve commands share.
type runtime struct {
	cfg      *config.Config
	logger   zerolog.Logger
	catalog  *incidence.Catalog
	recorder *telemetry.Recorder
	store    incidence.EventStore
	pool     *pgxpool.Pool
	svc      *incidence.Service
	closers  []func()
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// newRuntime opens the event store and builds the service. outDir, when set,
// adds a CSV/JSON sink; persist adds the PostgreSQL sink.
func newRuntime(ctx context.Context, cfg *config.Config, logger zerolog.Logger, outDir string, persist bool) (*runtime, error) {
	if persist && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("persisting results requires DATABASE_URL")
	}
	catalog, err := incidence.LoadCatalog(cfg.ReportsFile)
	if err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg, logger: logger, catalog: catalog, recorder: telemetry.NewRecorder()}

	if cfg.DatabaseURL != "" && (cfg.EventStore == config.StorePostgres || persist) {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		rt.pool = pool
		rt.closers = append(rt.closers, pool.Close)
		logger.Info().Msg("connected to database")
	}

	switch cfg.EventStore {
	case config.StoreSQLite:
		store, err := incidence.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.store = store
		rt.closers = append(rt.closers, func() { store.Close() })
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened sqlite event store")
	default:
		rt.store = incidence.NewEventStorePG(rt.pool, cfg.EventSchema)
	}

	var sinks reporting.Multi
	if outDir != "" {
		fileSink, err := reporting.NewFileSink(outDir, logger)
		if err != nil {
			rt.Close()
			return nil, err
		}
		sinks = append(sinks, fileSink)
	}
	if persist {
		sinks = append(sinks, reporting.NewPGSink(rt.pool, logger))
	}

	opts := []incidence.Option{
		incidence.WithWorkers(cfg.FetchWorkers),
		incidence.WithFetchTimeout(cfg.FetchTimeout),
		incidence.WithRecorder(rt.recorder),
	}
	if len(sinks) > 0 {
		opts = append(opts, incidence.WithSink(sinks))
		rt.closers = append(rt.closers, func() { sinks.Close() })
	}
	rt.svc = incidence.NewService(rt.store, logger, opts...)
	return rt, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL event store and report output schema",
	}

	withMigrator := func(fn func(ctx context.Context, m *db.Migrator, schema string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required for migrations")
			}
			schema, _ := cmd.Flags().GetString("schema")
			if schema == "" {
				schema = cfg.EventSchema
			}

			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: 2})
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := db.EnsureSchema(ctx, pool, schema); err != nil {
				return err
			}
			return fn(ctx, db.NewMigrator(pool, migrations.FS, schema, logger), schema)
		}
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: withMigrator(func(ctx context.Context, m *db.Migrator, schema string) error {
			count, err := m.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) to schema %s.\n", count, schema)
			return nil
		}),
	}
	upCmd.Flags().String("schema", "", "Target schema (default EVENT_SCHEMA)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: withMigrator(func(ctx context.Context, m *db.Migrator, schema string) error {
			statuses, err := m.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		}),
	}
	statusCmd.Flags().String("schema", "", "Target schema (default EVENT_SCHEMA)")
	cmd.AddCommand(statusCmd)

	return cmd
}
