package deadletter

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"geyser-indexer-go/internal/models"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSpool(t *testing.T) *Spool {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "dead.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSpool_RoundTrip(t *testing.T) {
	s := openSpool(t)
	ctx := context.Background()

	sig := solana.Signature{1, 2, 3}
	accounts := []models.Record{
		&models.AccountUpdate{Pubkey: solana.NewWallet().PublicKey(), Owner: solana.SystemProgramID, Slot: 12, WriteVersion: 4, Data: []byte{9}, TxnSignature: &sig},
		&models.AccountUpdate{Pubkey: solana.NewWallet().PublicKey(), Owner: solana.SystemProgramID, Slot: 10, WriteVersion: 1},
	}
	require.NoError(t, s.Put(ctx, models.KindAccount, accounts, "retries_exhausted", errors.New("connection refused")))

	parent := uint64(4)
	require.NoError(t, s.Put(ctx, models.KindSlot,
		[]models.Record{&models.SlotStatus{Slot: 5, Parent: &parent, Status: models.SlotRooted}}, "dropped_on_shutdown", nil))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	entries, err := s.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	first := entries[0]
	assert.Equal(t, "account", first.Kind)
	assert.Equal(t, "retries_exhausted", first.Reason)
	assert.Equal(t, "connection refused", first.Error)
	assert.Equal(t, int64(10), first.FirstSlot)
	assert.Equal(t, int64(12), first.LastSlot)
	assert.Equal(t, 2, first.Records)

	kind, records, err := first.Decode()
	require.NoError(t, err)
	assert.Equal(t, models.KindAccount, kind)
	assert.Equal(t, accounts, records)

	kind, records, err = entries[1].Decode()
	require.NoError(t, err)
	assert.Equal(t, models.KindSlot, kind)
	require.Len(t, records, 1)
	assert.Equal(t, models.SlotRooted, records[0].(*models.SlotStatus).Status)

	require.NoError(t, s.Delete(ctx, first.ID))
	n, err = s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSpool_RejectsMixedKinds(t *testing.T) {
	s := openSpool(t)
	err := s.Put(context.Background(), models.KindBlock,
		[]models.Record{&models.SlotStatus{Slot: 1, Status: models.SlotDead}}, "permanent", nil)
	assert.Error(t, err)
}
