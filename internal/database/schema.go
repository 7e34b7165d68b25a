package database

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
)

//go:embed sql/create_schema.sql
var createSchemaSQL string

//go:embed sql/drop_schema.sql
var dropSchemaSQL string

// Table names written by the plugin.
const (
	TableSlot        = "slot"
	TableAccount     = "account"
	TableAccountHist = "account_audit"
	TableTransaction = "transaction"
	TableBlock       = "block"
	TableCheckpoint  = "plugin_checkpoint"
)

// RequiredTables lists the tables that must exist before the plugin loads.
func RequiredTables(withHistory bool) []string {
	tables := []string{TableSlot, TableAccount, TableTransaction, TableBlock, TableCheckpoint}
	if withHistory {
		tables = append(tables, TableAccountHist)
	}
	return tables
}

// CreateSchema applies the bundled DDL. Safe to run repeatedly.
func CreateSchema(ctx context.Context, db sqlx.ExecerContext, log zerolog.Logger) error {
	log.Info().Msg("🛡️ schema_create_started")
	if _, err := db.ExecContext(ctx, createSchemaSQL); err != nil {
		return fmt.Errorf("failed to initialize database schema: %w", err)
	}
	log.Info().Msg("✅ schema_ready")
	return nil
}

// DropSchema removes every plugin table.
func DropSchema(ctx context.Context, db sqlx.ExecerContext, log zerolog.Logger) error {
	if _, err := db.ExecContext(ctx, dropSchemaSQL); err != nil {
		return fmt.Errorf("failed to drop database schema: %w", err)
	}
	log.Warn().Msg("schema_dropped")
	return nil
}

// VerifySchema checks that every table in tables exists. The plugin never
// creates schema on its own; a missing table aborts load.
func VerifySchema(ctx context.Context, db sqlx.QueryerContext, tables []string) error {
	var missing []string
	for _, t := range tables {
		var exists bool
		if err := sqlx.GetContext(ctx, db, &exists, `SELECT to_regclass($1) IS NOT NULL`, t); err != nil {
			return fmt.Errorf("verify table %s: %w", t, err)
		}
		if !exists {
			missing = append(missing, t)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %v", ErrSchemaMissing, missing)
	}
	return nil
}
