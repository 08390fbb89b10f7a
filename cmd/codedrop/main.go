package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/codedrop/codedrop/internal/audit"
	"github.com/codedrop/codedrop/internal/config"
	"github.com/codedrop/codedrop/internal/db/migrations"
	"github.com/codedrop/codedrop/internal/lifecycle"
	"github.com/codedrop/codedrop/internal/logging"
	"github.com/codedrop/codedrop/internal/server"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	version = "v0.1.0"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "codedrop",
		Short: "codedrop - share files by short code",
		Long: `codedrop stores uploaded files for a limited time and hands out a
six-character code that anyone (or only named users) can redeem to download them.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		RunE:          runServer,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "Configuration file path")
	flags.String("env-file", "", "Load environment variables from a dotenv file")
	flags.StringP("data-dir", "d", "./data", "Data directory path")
	flags.StringP("listen", "l", ":8080", "Listen address")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.Bool("enable-tls", false, "Enable TLS")
	flags.String("cert-file", "", "TLS certificate file")
	flags.String("key-file", "", "TLS key file")
	flags.String("storage-backend", "filesystem", "Object storage backend (filesystem, s3, minio)")
	flags.String("metadata-backend", "sqlite", "Metadata backend (sqlite, mysql, postgres, badger, pebble)")
	flags.String("metadata-dsn", "", "Metadata database DSN or sqlite file")
	flags.String("redis-addr", "", "Redis address for distributed locks and rate limits")

	rootCmd.AddCommand(newReapCmd(), newMigrateCmd(), newAuditCmd())
	return rootCmd
}

func newReapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Remove every expired share once and print the report",
		Long: `Remove every expired share once and print the report.

Badger and Pebble metadata directories are locked by a running server. With
those backends, trigger a sweep on the server with POST /api/v1/reaper/sweep
instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runReap(ctx, cfg, cmd.OutOrStdout())
		},
	}
}

func runReap(ctx context.Context, cfg *config.Config, out io.Writer) error {
	stores, err := server.OpenStores(ctx, cfg)
	if err != nil {
		switch cfg.Metadata.Backend {
		case "badger", "pebble":
			return fmt.Errorf("cannot open the %s metadata store at %s; if a codedrop server is running it holds the lock, so use POST /api/v1/reaper/sweep on it instead: %w",
				cfg.Metadata.Backend, cfg.Metadata.Path, err)
		}
		return err
	}
	defer stores.Close()

	reaper := lifecycle.NewReaper(stores.Shares, stores.Objects)
	if cfg.Audit.Enable {
		reaper.SetAuditLog(audit.NewManager(audit.NewSQLStore(stores.DB, stores.Dialect)))
	}

	report, err := reaper.Sweep(ctx, time.Now())
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and print the schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runMigrate(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
}

func runMigrate(ctx context.Context, cfg *config.Config, out io.Writer) error {
	// Opening the stores applies migrations
	stores, err := server.OpenStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	manager := migrations.NewMigrationManager(stores.DB, stores.Dialect.Name, stores.Dialect.Rebind, logrus.StandardLogger())
	current, err := manager.GetCurrentVersion()
	if err != nil {
		return err
	}
	history, err := manager.GetMigrationHistory()
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "schema version %d (target %d)\n", current, manager.GetTargetVersion())
	for _, record := range history {
		fmt.Fprintf(out, "  %3d  %s  %s\n", record.Version, record.AppliedAt.UTC().Format(time.RFC3339), record.Description)
	}
	return nil
}

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Print recorded account and share events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			filters := &audit.AuditLogFilters{}
			filters.UserID, _ = cmd.Flags().GetString("user-id")
			filters.Username, _ = cmd.Flags().GetString("username")
			filters.EventType, _ = cmd.Flags().GetString("event-type")
			filters.PageSize, _ = cmd.Flags().GetInt("limit")

			return runAudit(cmd.Context(), cfg, filters, cmd.OutOrStdout())
		},
	}

	cmd.Flags().String("user-id", "", "Only events of this account ID")
	cmd.Flags().String("username", "", "Only events recorded under this username")
	cmd.Flags().String("event-type", "", "Only events of this type (e.g. login_failed)")
	cmd.Flags().Int("limit", 50, "Maximum number of events (up to 100)")
	return cmd
}

func runAudit(ctx context.Context, cfg *config.Config, filters *audit.AuditLogFilters, out io.Writer) error {
	stores, err := server.OpenStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	logs, total, err := audit.NewManager(audit.NewSQLStore(stores.DB, stores.Dialect)).GetLogs(ctx, filters)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]interface{}{
		"total": total,
		"logs":  logs,
	})
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	setupLogging(cfg.LogLevel, cfg.LogFormat)
	return cfg, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	shipping, err := logging.Setup(logrus.StandardLogger(), cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to set up log shipping: %w", err)
	}
	defer shipping.Close()

	logrus.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"date":    date,
	}).Info("Starting codedrop")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg, version)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	logrus.Info("codedrop stopped")
	return nil
}

func setupLogging(level, format string) {
	if format == "text" {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	} else {
		logrus.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	}

	switch level {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warn":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}
}
