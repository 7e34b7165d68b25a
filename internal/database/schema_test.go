package database

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifySchema(t *testing.T) {
	db, mock := newMockDB(t)
	q := regexp.QuoteMeta(`SELECT to_regclass($1) IS NOT NULL`)

	for _, table := range RequiredTables(false) {
		exists := table != TableBlock
		mock.ExpectQuery(q).WithArgs(table).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(exists))
	}

	err := VerifySchema(context.Background(), db, RequiredTables(false))
	require.ErrorIs(t, err, ErrSchemaMissing)
	assert.Contains(t, err.Error(), TableBlock)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifySchema_AllPresent(t *testing.T) {
	db, mock := newMockDB(t)
	tables := RequiredTables(true)
	assert.Contains(t, tables, TableAccountHist)
	for _, table := range tables {
		mock.ExpectQuery("to_regclass").WithArgs(table).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	}
	assert.NoError(t, VerifySchema(context.Background(), db, tables))
}

func TestCreateAndDropSchema(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS slot").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DROP TABLE IF EXISTS plugin_checkpoint").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, CreateSchema(context.Background(), db, zerolog.Nop()))
	require.NoError(t, DropSchema(context.Background(), db, zerolog.Nop()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
