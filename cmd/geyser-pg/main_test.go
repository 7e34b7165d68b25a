package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"geyser-indexer-go/internal/config"
	"geyser-indexer-go/internal/engine"
	"geyser-indexer-go/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugawarayuuta/sonnet"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plugin.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestCheckConfig(t *testing.T) {
	path := writeConfig(t, `
connection_str = "host=localhost user=postgres dbname=geyser"
threads = 4
batch_size = 20

[transaction_selector]
mentions = ["all_votes"]
`)
	out := new(bytes.Buffer)
	root := newRootCmd()
	root.SetOut(out)
	root.SetArgs([]string{"check-config", "--config", path, "--log-level", "disabled"})
	require.NoError(t, root.Execute())

	var got map[string]interface{}
	require.NoError(t, sonnet.Unmarshal(out.Bytes(), &got))
	assert.EqualValues(t, 4, got["pool_size"])
	assert.EqualValues(t, 20, got["batch_size"])
	assert.Equal(t, true, got["accounts_enabled"])
	assert.Equal(t, true, got["transactions_enabled"])
}

func TestCheckConfig_Invalid(t *testing.T) {
	path := writeConfig(t, `threads = 0`)
	root := newRootCmd()
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"check-config", "--config", path})
	assert.ErrorIs(t, root.Execute(), config.ErrInvalidConfig)
}

// memStore counts what the plugin writes.
type memStore struct {
	mu      sync.Mutex
	records map[models.Kind]int
}

func (m *memStore) WriteBatch(_ context.Context, kind models.Kind, records []models.Record) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[kind] += len(records)
	return 0, nil
}

func (m *memStore) SaveCheckpoint(context.Context, string, uint64) error { return nil }

func TestSimulator_DrivesPlugin(t *testing.T) {
	store := &memStore{records: map[models.Kind]int{}}
	cfg := config.Default()
	cfg.Transactions = config.TransactionSelectorConfig{Mentions: []string{"*"}}
	cfg.MaxBatchAge = 10 * time.Millisecond
	cfg.LogLevel = "disabled"

	p := engine.New(engine.Options{Store: store, LogWriter: io.Discard})
	require.NoError(t, p.LoadConfig(context.Background(), cfg))

	sf := &simulateFlags{
		slots:           10,
		startSlot:       1,
		accountsPerSlot: 20,
		txsPerSlot:      5,
		startupAccounts: 30,
		keys:            16,
		deadEvery:       0,
		rate:            1e6,
		seed:            7,
	}
	sim := newSimulator(p, sf, zerolog.Nop())
	require.NoError(t, sim.run(context.Background()))
	report := p.Unload()

	assert.True(t, report.Clean)
	assert.Zero(t, sim.rejected)
	assert.Zero(t, sim.backpressured)
	assert.Equal(t, 30+10*20, store.records[models.KindAccount])
	assert.Equal(t, 10*5, store.records[models.KindTransaction])
	assert.Equal(t, 10*3, store.records[models.KindSlot])
	assert.Equal(t, 10, store.records[models.KindBlock])
}
