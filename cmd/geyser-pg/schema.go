package main

import (
	"context"
	"time"

	"geyser-indexer-go/internal/database"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newSchemaCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Create, drop or verify the plugin tables",
	}

	run := func(fn func(ctx context.Context, s *schemaTarget) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := flags.load(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			db, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			return fn(ctx, &schemaTarget{db: db, tables: database.RequiredTables(cfg.StoreAccountHistory), log: log})
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "create",
			Short: "Create every table and index if missing",
			RunE: run(func(ctx context.Context, s *schemaTarget) error {
				return database.CreateSchema(ctx, s.db, s.log)
			}),
		},
		&cobra.Command{
			Use:   "drop",
			Short: "Drop every plugin table",
			RunE: run(func(ctx context.Context, s *schemaTarget) error {
				return database.DropSchema(ctx, s.db, s.log)
			}),
		},
		&cobra.Command{
			Use:   "verify",
			Short: "Check that the tables the plugin writes to exist",
			RunE: run(func(ctx context.Context, s *schemaTarget) error {
				if err := database.VerifySchema(ctx, s.db, s.tables); err != nil {
					return err
				}
				s.log.Info().Strs("tables", s.tables).Msg("schema_ok")
				return nil
			}),
		},
	)
	return cmd
}

func newAuditCmd(flags *rootFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Check stored blocks for hash chain breaks and dead-slot leftovers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := flags.load(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()
			db, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			report, err := database.Audit(ctx, db, limit)
			if err != nil {
				return err
			}
			if !report.OK() {
				log.Warn().
					Int("chain_breaks", len(report.ChainBreaks)).
					Int("parent_mismatches", len(report.ParentMismatches)).
					Int64("dead_slot_accounts", report.DeadSlotAccounts).
					Int64("dead_slot_transactions", report.DeadSlotTxs).
					Msg("audit_found_problems")
			}
			return printJSON(cmd, report)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10000, "number of most recent blocks to check")
	return cmd
}

type schemaTarget struct {
	db     *sqlx.DB
	tables []string
	log    zerolog.Logger
}
