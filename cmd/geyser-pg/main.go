package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strings"
	"syscall"

	"geyser-indexer-go/internal/config"
	"geyser-indexer-go/internal/engine"

	_ "github.com/jackc/pgx/v5/stdlib" // PGX Driver
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"
	"github.com/sugawarayuuta/sonnet"
)

var longHelp = strings.TrimSpace(`
Operator tooling for the geyser PostgreSQL plugin.

The plugin itself is loaded by the validator; this binary manages the schema,
validates plugin configs, audits stored data, replays the dead-letter spool
and can drive the plugin with a synthetic notification stream.
`)

var exampleUsage = strings.TrimSpace(`
  geyser-pg check-config --config plugin.json
  geyser-pg schema create --config plugin.json
  geyser-pg simulate --config plugin.json --slots 1000 --rate 20000
  geyser-pg deadletter replay --config plugin.json
`)

type rootFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "geyser-pg",
		Short:         "Manage and exercise the geyser PostgreSQL plugin",
		Long:          longHelp,
		Example:       exampleUsage,
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "plugin config file (JSON or TOML)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override log_level from the config")
	root.PersistentFlags().StringVar(&flags.logFormat, "log-format", "console", "json or console")

	root.AddCommand(
		newCheckConfigCmd(flags),
		newSchemaCmd(flags),
		newAuditCmd(flags),
		newSimulateCmd(flags),
		newDeadLetterCmd(flags),
	)
	return root
}

// load reads the config and builds the CLI logger from it. Flags the user
// set explicitly override the file.
func (f *rootFlags) load(cmd *cobra.Command) (*config.Config, zerolog.Logger, error) {
	changed := map[string]bool{}
	cmd.Flags().Visit(func(fl *pflag.Flag) { changed[fl.Name] = true })

	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if changed["log-level"] {
		cfg.LogLevel = f.logLevel
	}
	return cfg, engine.NewLogger(cfg.LogLevel, f.logFormat, os.Stderr), nil
}

func connect(ctx context.Context, cfg *config.Config) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	db.SetMaxOpenConns(cfg.PoolSize)
	return db, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	body, err := sonnet.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(body))
	return err
}

func newCheckConfigCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate a plugin config and print the effective settings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := flags.load(cmd)
			if err != nil {
				return err
			}
			sel, err := cfg.BuildSelectors()
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]interface{}{
				"pool_size":            cfg.PoolSize,
				"batch_size":           cfg.BatchSize,
				"max_batch_age":        cfg.MaxBatchAge.String(),
				"queue_capacity":       cfg.QueueCapacity,
				"retry_max_attempts":   cfg.RetryMaxAttempts,
				"shutdown_timeout":     cfg.ShutdownTimeout.String(),
				"account_history":      cfg.StoreAccountHistory,
				"accounts_enabled":     cfg.Kinds.Accounts && sel.Accounts.Enabled(),
				"transactions_enabled": cfg.Kinds.Transactions && sel.Transactions.Enabled(),
				"slots_enabled":        cfg.Kinds.Slots,
				"blocks_enabled":       cfg.Kinds.Blocks,
				"dead_letter_path":     cfg.DeadLetterPath,
				"metrics_addr":         cfg.MetricsAddr,
			})
		},
	}
}
