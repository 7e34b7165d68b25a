package config

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

const (
	selectAll      = "*"
	selectAllVotes = "all_votes"
)

// AccountSelector decides which account updates are streamed.
type AccountSelector struct {
	all      bool
	accounts map[solana.PublicKey]struct{}
	owners   map[solana.PublicKey]struct{}
}

// NewAccountSelector builds a selector from base58 keys. "*" in either list
// selects every account.
func NewAccountSelector(c AccountSelectorConfig) (*AccountSelector, error) {
	s := &AccountSelector{
		accounts: make(map[solana.PublicKey]struct{}, len(c.Accounts)),
		owners:   make(map[solana.PublicKey]struct{}, len(c.Owners)),
	}
	for _, lists := range []struct {
		name string
		keys []string
		dst  map[solana.PublicKey]struct{}
	}{
		{"accounts_selector.accounts", c.Accounts, s.accounts},
		{"accounts_selector.owners", c.Owners, s.owners},
	} {
		for _, raw := range lists.keys {
			if raw == selectAll {
				s.all = true
				continue
			}
			key, err := solana.PublicKeyFromBase58(raw)
			if err != nil {
				return nil, fmt.Errorf("%s: invalid key %q: %w", lists.name, raw, err)
			}
			lists.dst[key] = struct{}{}
		}
	}
	return s, nil
}

// Enabled reports whether any account can be selected at all.
func (s *AccountSelector) Enabled() bool {
	return s.all || len(s.accounts) > 0 || len(s.owners) > 0
}

// Selected reports whether an update for key owned by owner is streamed.
func (s *AccountSelector) Selected(key, owner solana.PublicKey) bool {
	if s.all {
		return true
	}
	if _, ok := s.accounts[key]; ok {
		return true
	}
	_, ok := s.owners[owner]
	return ok
}

// TransactionSelector decides which transactions are streamed.
type TransactionSelector struct {
	all      bool
	allVotes bool
	mentions map[solana.PublicKey]struct{}
}

// NewTransactionSelector builds a selector from the `mentions` list. "*"
// selects everything, "all_votes" selects every vote transaction.
func NewTransactionSelector(c TransactionSelectorConfig) (*TransactionSelector, error) {
	s := &TransactionSelector{mentions: make(map[solana.PublicKey]struct{}, len(c.Mentions))}
	for _, raw := range c.Mentions {
		switch raw {
		case selectAll:
			s.all = true
		case selectAllVotes:
			s.allVotes = true
		default:
			key, err := solana.PublicKeyFromBase58(raw)
			if err != nil {
				return nil, fmt.Errorf("transaction_selector.mentions: invalid key %q: %w", raw, err)
			}
			s.mentions[key] = struct{}{}
		}
	}
	return s, nil
}

func (s *TransactionSelector) Enabled() bool {
	return s.all || s.allVotes || len(s.mentions) > 0
}

// Selected reports whether a transaction touching keys is streamed.
func (s *TransactionSelector) Selected(isVote bool, keys []solana.PublicKey) bool {
	if s.all || (isVote && s.allVotes) {
		return true
	}
	for _, k := range keys {
		if _, ok := s.mentions[k]; ok {
			return true
		}
	}
	return false
}

// Selectors bundles both selectors so they can be swapped together on reload.
type Selectors struct {
	Accounts     *AccountSelector
	Transactions *TransactionSelector
}

// BuildSelectors compiles the selector sections of c.
func (c *Config) BuildSelectors() (*Selectors, error) {
	accounts, err := NewAccountSelector(c.Accounts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	txs, err := NewTransactionSelector(c.Transactions)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return &Selectors{Accounts: accounts, Transactions: txs}, nil
}
