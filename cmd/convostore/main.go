// Package main provides the convostore CLI entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/orneryd/convostore/pkg/compat"
	"github.com/orneryd/convostore/pkg/config"
	"github.com/orneryd/convostore/pkg/convostore"
	"github.com/orneryd/convostore/pkg/logger"
	"github.com/orneryd/convostore/pkg/metrics"
	"github.com/orneryd/convostore/pkg/storage"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// globalFlags are shared by every command.
type globalFlags struct {
	configPath  string
	dataDir     string
	logLevel    string
	metricsAddr string
}

func main() {
	var flags globalFlags

	rootCmd := &cobra.Command{
		Use:   "convostore",
		Short: "convostore - local persistence and migration engine for chat data",
		Long: `convostore manages the embedded store behind a chat client: assistants,
topics, messages, settings and images.

Features:
  • Schema upgrades with index backfill
  • Corrupt store recovery
  • Idempotent import from legacy SQLite and key-value stores
  • Self-healing assistant/topic references`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "Config file (.yaml, .yml or .toml)")
	rootCmd.PersistentFlags().StringVar(&flags.dataDir, "data-dir", "", "Data directory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level (DEBUG, INFO, WARN, ERROR)")
	rootCmd.PersistentFlags().StringVar(&flags.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while the command runs")

	// Version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("convostore v%s (%s) schema v%d\n", version, commit, storage.SchemaVersion)
		},
	})

	// Init command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create or upgrade the store, run pending migration and seed defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), flags, true, runInit)
		},
	})

	// Status command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show schema, record counts, migration state and compat mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), flags, false, runStatus)
		},
	})

	// Migrate command
	var sources []string
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Import legacy data into the current store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), flags, false, func(ctx context.Context, db *convostore.DB) error {
				return runMigrate(ctx, db, sources)
			})
		},
	}
	migrateCmd.Flags().StringSliceVar(&sources, "source", nil, "Source id to migrate (repeatable); default is every detected source")
	rootCmd.AddCommand(migrateCmd)

	// Validate command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check referential integrity of the stored data",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), flags, false, runValidate)
		},
	})

	// Reconcile command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "reconcile",
		Short: "Remove dangling topic references from every assistant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), flags, false, runReconcile)
		},
	})

	// Compat command
	rootCmd.AddCommand(&cobra.Command{
		Use:       "compat [disabled|enabled|rollback]",
		Short:     "Show or set the compatibility shim mode",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{string(compat.ModeDisabled), string(compat.ModeEnabled), string(compat.ModeRollback)},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), flags, false, func(ctx context.Context, db *convostore.DB) error {
				return runCompat(ctx, db, args)
			})
		},
	})

	// Cleanup command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "cleanup-source <id>",
		Short: "Delete the legacy data of a migrated source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), flags, false, func(ctx context.Context, db *convostore.DB) error {
				return runCleanup(ctx, db, args[0])
			})
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		color.Red("Error: %v\n", err)
		if storage.IsFatal(err) {
			color.Yellow("The store could not be opened. Close other sessions or restart and try again.\n")
		}
		os.Exit(1)
	}
}

// withDB loads config, opens the store and runs fn. Startup migration only
// runs for commands that ask for it.
func withDB(ctx context.Context, flags globalFlags, autoMigrate bool, fn func(context.Context, *convostore.DB) error) error {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}
	if flags.dataDir != "" {
		cfg.Storage.DataDir = flags.dataDir
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	if flags.metricsAddr != "" {
		cfg.Metrics.Address = flags.metricsAddr
	}
	if !autoMigrate {
		cfg.Migration.AutoRun = false
	}

	log := logger.New(cfg.Logging.Level, logger.ParseFormat(cfg.Logging.Format, logger.FormatConsole))
	defer func() { _ = log.Sync() }()
	log = log.Named(logger.ComponentCLI)

	if cfg.Metrics.Address != "" {
		srv := metrics.SetupMetricsEndpoint(cfg.Metrics.Address, log)
		log.Info("metrics endpoint", zap.String("addr", cfg.Metrics.Address))
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	log.Debug("configuration", zap.Stringer("config", cfg))
	db, err := convostore.Open(ctx, cfg, convostore.Options{Logger: log})
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Warn("close", zap.Error(err))
		}
	}()
	return fn(ctx, db)
}

func runInit(ctx context.Context, db *convostore.DB) error {
	green := color.New(color.FgGreen)

	info, err := db.Conn.Schema(ctx)
	if err != nil {
		return err
	}
	green.Printf("✓ Store ready ")
	fmt.Printf("(schema v%d, %d stores, %d indexes)\n", info.Version, len(info.Stores), len(info.Indexes))

	st, err := db.Migration.Status(ctx)
	if err != nil {
		return err
	}
	if st.Completed {
		green.Printf("✓ Migration ")
		fmt.Printf("%s from %s\n", st.State, strings.Join(st.CompletedSources, ", "))
	}
	return nil
}

func runStatus(ctx context.Context, db *convostore.DB) error {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	info, err := db.Conn.Schema(ctx)
	if err != nil {
		return err
	}
	cyan.Println("Schema")
	fmt.Printf("  Version:  %d (code v%d)\n", info.Version, storage.SchemaVersion)
	fmt.Printf("  Indexes:  %s\n", strings.Join(info.Indexes, ", "))

	counts, err := db.Store.Stats(ctx)
	if err != nil {
		return err
	}
	cyan.Println("Records")
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %-14s %d\n", name+":", counts[name])
	}

	st, err := db.Migration.Status(ctx)
	if err != nil {
		return err
	}
	cyan.Println("Migration")
	switch {
	case st.Error != "":
		yellow.Printf("  State:    ")
		color.Red("%s (%s)\n", st.State, st.Error)
	case st.Completed:
		green.Printf("  State:    ")
		fmt.Println(st.State)
	default:
		yellow.Printf("  State:    ")
		fmt.Println(st.State)
	}
	if !st.LastRun.IsZero() {
		fmt.Printf("  Last run: %s\n", st.LastRun.Format(time.RFC3339))
	}
	if detected := db.Migration.DetectSources(ctx); len(detected) > 0 {
		fmt.Printf("  Detected: %s\n", strings.Join(detected, ", "))
	}

	cyan.Println("Compat")
	mode := db.Compat.Mode()
	if mode == compat.ModeRollback {
		yellow.Printf("  Mode:     ")
	} else {
		fmt.Printf("  Mode:     ")
	}
	fmt.Println(mode)
	return nil
}

func runMigrate(ctx context.Context, db *convostore.DB, sources []string) error {
	green := color.New(color.FgGreen)

	if len(sources) == 0 && len(db.Migration.DetectSources(ctx)) == 0 {
		color.Yellow("No legacy sources detected.\n")
		return nil
	}
	st, err := db.Migration.StartMigration(ctx, sources...)
	if err != nil {
		return err
	}
	green.Printf("✓ Migration %s ", st.State)
	fmt.Printf("(%s)\n", strings.Join(st.CompletedSources, ", "))
	fmt.Printf("  Assistants: %d\n", st.Stats.Assistants)
	fmt.Printf("  Topics:     %d (%d messages)\n", st.Stats.Topics, st.Stats.Messages)
	fmt.Printf("  Images:     %d\n", st.Stats.Images)
	fmt.Printf("  Settings:   %d\n", st.Stats.Settings)
	if st.Stats.Rejected > 0 {
		color.Yellow("  Rejected:   %d (see log for reasons)\n", st.Stats.Rejected)
	}
	return nil
}

func runValidate(ctx context.Context, db *convostore.DB) error {
	report, err := db.Migration.IntegrityReport(ctx)
	if err != nil {
		return err
	}
	if report.OK() {
		color.Green("✓ No integrity problems\n")
		return nil
	}
	for _, r := range report.Reasons() {
		color.Yellow("  • %s\n", r)
	}
	return errors.New("integrity problems found; run `convostore reconcile` to repair topic references")
}

func runReconcile(ctx context.Context, db *convostore.DB) error {
	res, err := db.Relations.ValidateAndFixAllAssistantsTopicReferences(ctx)
	if err != nil {
		return err
	}
	color.Green("✓ Reconciled %d assistants\n", res.Assistants)
	fmt.Printf("  Fixed:   %d\n", res.Fixed)
	fmt.Printf("  Removed: %d references\n", res.Removed)
	if res.Failed > 0 {
		color.Yellow("  Failed:  %d (see log)\n", res.Failed)
	}
	return nil
}

func runCompat(ctx context.Context, db *convostore.DB, args []string) error {
	if len(args) == 0 {
		fmt.Println(db.Compat.Mode())
		return nil
	}
	mode, err := compat.ParseMode(args[0])
	if err != nil {
		return err
	}
	if err := db.Compat.SetMode(ctx, mode); err != nil {
		return err
	}
	color.Green("✓ Compat mode set to %s\n", mode)
	return nil
}

func runCleanup(ctx context.Context, db *convostore.DB, id string) error {
	if err := db.Migration.CleanupSource(ctx, id); err != nil {
		return err
	}
	color.Green("✓ Removed legacy data of %s\n", id)
	return nil
}
