package config

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccountSelector(t *testing.T) {
	key := solana.NewWallet().PublicKey()
	owner := solana.NewWallet().PublicKey()
	other := solana.NewWallet().PublicKey()

	all, err := NewAccountSelector(AccountSelectorConfig{Accounts: []string{"*"}})
	require.NoError(t, err)
	assert.True(t, all.Selected(other, other))

	byKey, err := NewAccountSelector(AccountSelectorConfig{Accounts: []string{key.String()}})
	require.NoError(t, err)
	assert.True(t, byKey.Selected(key, other))
	assert.False(t, byKey.Selected(other, owner))

	byOwner, err := NewAccountSelector(AccountSelectorConfig{Owners: []string{owner.String()}})
	require.NoError(t, err)
	assert.True(t, byOwner.Selected(other, owner))
	assert.False(t, byOwner.Selected(key, other))

	none, err := NewAccountSelector(AccountSelectorConfig{})
	require.NoError(t, err)
	assert.False(t, none.Enabled())
	assert.False(t, none.Selected(key, owner))
}

func TestTransactionSelector(t *testing.T) {
	mentioned := solana.NewWallet().PublicKey()
	other := solana.NewWallet().PublicKey()

	tests := []struct {
		name     string
		mentions []string
		isVote   bool
		keys     []solana.PublicKey
		want     bool
	}{
		{"all", []string{"*"}, false, []solana.PublicKey{other}, true},
		{"all_votes_vote", []string{"all_votes"}, true, nil, true},
		{"all_votes_non_vote", []string{"all_votes"}, false, []solana.PublicKey{other}, false},
		{"mention_hit", []string{mentioned.String()}, false, []solana.PublicKey{other, mentioned}, true},
		{"mention_hit_vote", []string{mentioned.String()}, true, []solana.PublicKey{mentioned}, true},
		{"mention_miss", []string{mentioned.String()}, false, []solana.PublicKey{other}, false},
		{"disabled", nil, true, []solana.PublicKey{mentioned}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewTransactionSelector(TransactionSelectorConfig{Mentions: tt.mentions})
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.Selected(tt.isVote, tt.keys))
		})
	}
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	path := writeFile(t, "plugin.json", `{"host": "db", "transaction_selector": {"mentions": []}}`)

	reloaded := make(chan *Config, 4)
	w := NewWatcher(path, zerolog.Nop(), func(c *Config) { reloaded <- c })
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// fsnotify needs the watch registered before the write lands.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`{"host": "db", "transaction_selector": {"mentions": ["*"]}}`), 0o600))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, []string{"*"}, cfg.Transactions.Mentions)
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}

	cancel()
	assert.NoError(t, <-done)
}
