package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/clinic/auditcore/internal/config"
	"github.com/clinic/auditcore/internal/platform/db"
	"github.com/clinic/auditcore/migrations"
)

var processOut io.Writer = os.Stdout

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "audit-server",
		Short:        "Clinic access/print audit and security alerting server",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(alertsCmd())
	root.AddCommand(metricsCmd())
	root.AddCommand(retentionCmd())
	return root
}

// loadApp loads and validates the configuration and wires the components.
func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return buildApp(ctx, cfg, newLogger(cfg))
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the audit API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx)
		},
	}
}

func runServer(ctx context.Context) error {
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	e, err := a.router()
	if err != nil {
		return err
	}

	// Background workers stop on their own context; the bus is stopped last
	// so that facts appended by in-flight requests still reach observers.
	workersCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	busCtx, stopBus := context.WithCancel(context.Background())
	defer stopBus()

	g, gctx := errgroup.WithContext(ctx)
	busDone := make(chan error, 1)
	go func() { busDone <- a.bus.Run(busCtx) }()

	g.Go(func() error { return a.refresher.Run(workersCtx) })
	g.Go(func() error { return a.sweeper.Run(workersCtx) })
	g.Go(func() error { return runSpoolJanitor(workersCtx, a) })

	g.Go(func() error {
		addr := ":" + a.cfg.Port
		a.logger.Info().Str("addr", addr).Str("store", a.cfg.StoreBackend).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := e.Shutdown(shutdownCtx)
		stopWorkers()
		return err
	})

	err = g.Wait()
	stopBus()
	if busErr := <-busDone; busErr != nil && err == nil {
		err = busErr
	}
	a.engine.Wait()
	if err != nil {
		a.logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	a.logger.Info().Msg("server stopped")
	return nil
}

// runSpoolJanitor drops expired print jobs once a minute.
func runSpoolJanitor(ctx context.Context, a *app) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			n, err := a.spool.PurgeExpired(ctx, now)
			if err != nil {
				a.logger.Error().Err(err).Msg("print spool purge failed")
			} else if n > 0 {
				a.logger.Debug().Int("jobs", n).Msg("expired print jobs purged")
			}
		}
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			flagSchema, _ := cmd.Flags().GetString("schema")
			migrator, schema, closeFn, err := newMigrator(cmd.Context(), flagSchema)
			if err != nil {
				return err
			}
			defer closeFn()

			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)
			count, err := migrator.Up(cmd.Context(), schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "", "Target schema (defaults to DB_SCHEMA)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			flagSchema, _ := cmd.Flags().GetString("schema")
			migrator, schema, closeFn, err := newMigrator(cmd.Context(), flagSchema)
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := migrator.Status(cmd.Context(), schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), schema, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("schema", "", "Target schema (defaults to DB_SCHEMA)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func newMigrator(ctx context.Context, schema string) (*db.Migrator, string, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, "", nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, "", nil, errors.New("DATABASE_URL is required for migrations")
	}
	if schema == "" {
		schema = cfg.DBSchema
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, schema)
	if err != nil {
		return nil, "", nil, err
	}
	return db.NewMigrator(pool, migrations.FS), schema, pool.Close, nil
}

func printMigrationStatus(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.Modified {
				status = "MODIFIED"
			}
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func alertsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Security alert maintenance",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Evaluate every rule over its recent window once",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.engine.Sweep(cmd.Context(), time.Now())
			a.engine.Wait()
			if err != nil {
				return fmt.Errorf("sweep failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Raised %d alert(s).\n", n)
			return nil
		},
	})
	return cmd
}

func metricsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Security metrics",
	}
	snapshot := &cobra.Command{
		Use:   "snapshot",
		Short: "Compute a security metrics snapshot and print it as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			days, _ := cmd.Flags().GetInt("days")
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			snap, err := a.agg.SnapshotDays(cmd.Context(), time.Now(), days)
			if snap == nil {
				return err
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "warning: %v\n", err)
			}
			return writeJSON(cmd.OutOrStdout(), snap)
		},
	}
	snapshot.Flags().Int("days", 0, "Trend length in days (defaults to METRICS_TREND_DAYS)")
	cmd.AddCommand(snapshot)
	return cmd
}

func retentionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retention",
		Short: "Audit and alert retention",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "report",
		Short: "Report what the retention policy would purge",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.retention.Report(cmd.Context(), time.Now())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), report)
		},
	})

	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete facts and resolved alerts older than the retention windows",
		RunE: func(cmd *cobra.Command, args []string) error {
			confirm, _ := cmd.Flags().GetBool("confirm")
			if !confirm {
				return errors.New("refusing to purge without --confirm")
			}
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.retention.Purge(cmd.Context(), time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Purged %d fact(s) and %d alert(s).\n", res.Facts, res.Alerts)
			return nil
		},
	}
	purge.Flags().Bool("confirm", false, "Actually delete expired records")
	cmd.AddCommand(purge)
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
