package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"geyser-indexer-go/internal/models"
	"geyser-indexer-go/pkg/geyser"

	"github.com/gagliardetto/solana-go"
)

type writtenBatch struct {
	kind    models.Kind
	records []models.Record
}

// fakeStore records every committed batch. failures are returned by the
// next calls in order; block, when set, holds each write until it is closed
// or the attempt's context ends.
type fakeStore struct {
	mu          sync.Mutex
	failures    []error
	failAlways  error
	calls       int
	batches     []writtenBatch
	checkpoints map[string]uint64
	block       chan struct{}

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (s *fakeStore) WriteBatch(ctx context.Context, kind models.Kind, records []models.Record) (int, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		m := s.maxInFlight.Load()
		if n <= m || s.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return -1, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		if err != nil {
			return 0, err
		}
	}
	if s.failAlways != nil {
		return 0, s.failAlways
	}
	s.batches = append(s.batches, writtenBatch{kind: kind, records: append([]models.Record(nil), records...)})
	return 0, nil
}

func (s *fakeStore) SaveCheckpoint(_ context.Context, name string, slot uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checkpoints == nil {
		s.checkpoints = make(map[string]uint64)
	}
	s.checkpoints[name] = slot
	return nil
}

func (s *fakeStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *fakeStore) records(kind models.Kind) []models.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Record
	for _, b := range s.batches {
		if b.kind == kind {
			out = append(out, b.records...)
		}
	}
	return out
}

func (s *fakeStore) checkpoint(name string) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.checkpoints[name]
	return v, ok
}

type spooled struct {
	kind    models.Kind
	records int
	reason  string
	cause   error
}

type fakeSink struct {
	mu   sync.Mutex
	puts []spooled
}

func (f *fakeSink) Put(_ context.Context, kind models.Kind, records []models.Record, reason string, cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, spooled{kind: kind, records: len(records), reason: reason, cause: cause})
	return nil
}

func (f *fakeSink) all() []spooled {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]spooled(nil), f.puts...)
}

func rawAccount(version uint64) geyser.ReplicaAccountInfo {
	key := solana.NewWallet().PublicKey()
	owner := solana.SystemProgramID
	return geyser.ReplicaAccountInfo{
		Pubkey:       key[:],
		Owner:        owner[:],
		Lamports:     1000,
		Data:         []byte{1, 2, 3},
		WriteVersion: version,
	}
}

func rawTransaction(seed byte, keys ...solana.PublicKey) geyser.ReplicaTransactionInfo {
	sig := make([]byte, 64)
	sig[0] = seed
	sig[63] = 1
	raw := geyser.ReplicaTransactionInfo{
		Signature:   sig,
		Fee:         5000,
		PreBalances: []uint64{10},
		LogMessages: []string{"Program log: ok"},
	}
	for _, k := range keys {
		k := k
		raw.AccountKeys = append(raw.AccountKeys, k[:])
	}
	if len(keys) > 0 {
		raw.Instructions = []geyser.CompiledInstruction{{ProgramIDIndex: 0, Accounts: []uint8{0}}}
	}
	return raw
}

func slotRecord(slot uint64, s models.SlotState) *models.SlotStatus {
	return &models.SlotStatus{Slot: slot, Status: s}
}

func accountRecord(slot uint64) *models.AccountUpdate {
	return &models.AccountUpdate{Pubkey: solana.NewWallet().PublicKey(), Owner: solana.SystemProgramID, Slot: slot, WriteVersion: 1}
}

func solanaKey(b []byte) solana.PublicKey {
	return solana.PublicKeyFromBytes(b)
}
