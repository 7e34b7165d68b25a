//go:build integration

package engine

import (
	"context"
	"io"
	"log"
	"os"
	"testing"
	"time"

	"geyser-indexer-go/internal/config"
	"geyser-indexer-go/internal/database"
	"geyser-indexer-go/pkg/geyser"

	"github.com/gagliardetto/solana-go"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var testPostgresURL string

func TestMain(m *testing.M) {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("geyser_plugin_test"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		log.Fatalf("failed to start postgres container: %s", err)
	}

	testPostgresURL, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		log.Fatalf("failed to get connection string: %v", err)
	}

	code := m.Run()

	if err := pgContainer.Terminate(ctx); err != nil {
		log.Printf("failed to terminate pg container: %v", err)
	}
	os.Exit(code)
}

func freshSchema(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := sqlx.Connect("pgx", testPostgresURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	require.NoError(t, database.DropSchema(ctx, db, zerolog.Nop()))
	require.NoError(t, database.CreateSchema(ctx, db, zerolog.Nop()))
	return db
}

func TestIntegration_PluginEndToEnd(t *testing.T) {
	db := freshSchema(t)
	ctx := context.Background()

	cfg := testConfig()
	cfg.ConnectionString = testPostgresURL
	cfg.PoolSize = 4
	cfg.BatchSize = 50
	cfg.MaxBatchAge = 20 * time.Millisecond
	cfg.Transactions = config.TransactionSelectorConfig{Mentions: []string{"*"}}

	p := New(Options{LogWriter: io.Discard})
	require.NoError(t, p.LoadConfig(ctx, cfg))

	// one hot account, versions delivered out of order
	hot := solana.NewWallet().PublicKey()
	for _, v := range []uint64{5, 1, 9, 3, 9} {
		raw := rawAccount(v)
		raw.Pubkey = hot[:]
		require.NoError(t, p.UpdateAccount(raw, 77, false))
	}
	for i := 0; i < 200; i++ {
		require.NoError(t, p.UpdateAccount(rawAccount(1), 77, true))
	}
	require.NoError(t, p.NotifyEndOfStartup())

	parent := uint64(76)
	require.NoError(t, p.UpdateSlotStatus(77, &parent, geyser.SlotStatusProcessed))
	require.NoError(t, p.UpdateSlotStatus(77, nil, geyser.SlotStatusRooted))
	require.NoError(t, p.UpdateSlotStatus(77, nil, geyser.SlotStatusConfirmed))
	require.NoError(t, p.NotifyTransaction(rawTransaction(3, hot), 77))
	require.NoError(t, p.NotifyTransaction(rawTransaction(3, hot), 77))
	hash := solana.Hash(solana.NewWallet().PublicKey())
	require.NoError(t, p.NotifyBlockMetadata(geyser.ReplicaBlockInfo{Slot: 77, Blockhash: hash.String(), ParentSlot: 76}))

	// a dead slot's accounts never reach the store
	require.NoError(t, p.UpdateSlotStatus(78, nil, geyser.SlotStatusDead))
	require.NoError(t, p.UpdateAccount(rawAccount(1), 78, false))

	report := p.Unload()
	require.True(t, report.Clean, "%+v", report)

	accounts, err := database.CountRows(ctx, db, database.TableAccount)
	require.NoError(t, err)
	assert.Equal(t, int64(201), accounts)

	version, err := database.AccountVersion(ctx, db, hot, 77)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), version)

	status, err := database.StoredSlotStatus(ctx, db, 77)
	require.NoError(t, err)
	assert.Equal(t, "rooted", status.String())

	txs, err := database.CountRows(ctx, db, database.TableTransaction)
	require.NoError(t, err)
	assert.Equal(t, int64(1), txs)

	var checkpoint int64
	require.Eventually(t, func() bool {
		return db.GetContext(ctx, &checkpoint, `SELECT slot FROM plugin_checkpoint WHERE name = $1`, CheckpointEndOfStartup) == nil
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(77), checkpoint)
}

func TestIntegration_LoadFailsWithoutSchema(t *testing.T) {
	db, err := sqlx.Connect("pgx", testPostgresURL)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, database.DropSchema(context.Background(), db, zerolog.Nop()))

	cfg := testConfig()
	cfg.ConnectionString = testPostgresURL
	p := New(Options{LogWriter: io.Discard})
	err = p.LoadConfig(context.Background(), cfg)
	assert.ErrorIs(t, err, database.ErrSchemaMissing)
	assert.Equal(t, StateStopped, p.State())
}
