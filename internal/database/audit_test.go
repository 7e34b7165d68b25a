package database

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAudit(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("SELECT slot, blockhash, parent_slot, parent_blockhash FROM block").
		WithArgs(100).
		WillReturnRows(sqlmock.NewRows([]string{"slot", "blockhash", "parent_slot", "parent_blockhash"}).
			AddRow(int64(12), "C", int64(10), "A").
			AddRow(int64(11), "B", int64(10), "A").
			AddRow(int64(10), "A", int64(9), "Z"))
	mock.ExpectQuery("FROM slot s JOIN block b").
		WithArgs(100).
		WillReturnRows(sqlmock.NewRows([]string{"slot", "slot_parent", "block_parent"}))
	mock.ExpectQuery("FROM account a JOIN slot s").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(0)))
	mock.ExpectQuery("FROM transaction t JOIN slot s").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(0)))

	report, err := Audit(context.Background(), db, 100)
	require.NoError(t, err)
	assert.Equal(t, 3, report.CheckedBlocks)
	assert.Equal(t, uint64(12), report.HeadSlot)
	assert.Empty(t, report.ChainBreaks, "a skipped slot is not a break")
	assert.True(t, report.OK())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAudit_DetectsBreak(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("FROM block").
		WillReturnRows(sqlmock.NewRows([]string{"slot", "blockhash", "parent_slot", "parent_blockhash"}).
			AddRow(int64(11), "B", int64(10), "X").
			AddRow(int64(10), "A", int64(9), "Z"))
	mock.ExpectQuery("FROM slot s JOIN block b").
		WillReturnRows(sqlmock.NewRows([]string{"slot", "slot_parent", "block_parent"}).
			AddRow(int64(11), int64(9), int64(10)))
	mock.ExpectQuery("FROM account a JOIN slot s").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(2)))
	mock.ExpectQuery("FROM transaction t JOIN slot s").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(0)))

	report, err := Audit(context.Background(), db, 10)
	require.NoError(t, err)
	require.Len(t, report.ChainBreaks, 1)
	assert.Equal(t, ChainBreak{Slot: 11, ParentSlot: 10, ParentBlockhash: "X", StoredBlockhash: "A"}, report.ChainBreaks[0])
	require.Len(t, report.ParentMismatches, 1)
	assert.Equal(t, int64(2), report.DeadSlotAccounts)
	assert.False(t, report.OK())
}
