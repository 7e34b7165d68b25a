package engine

import (
	"fmt"

	"geyser-indexer-go/internal/models"
	"geyser-indexer-go/pkg/geyser"

	"github.com/gagliardetto/solana-go"
)

// The host owns every byte slice it passes in, and only for the duration of
// the callback. Everything below copies.

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidNotification, fmt.Sprintf(format, args...))
}

func publicKey(field string, b []byte) (solana.PublicKey, error) {
	var k solana.PublicKey
	if len(b) != solana.PublicKeyLength {
		return k, invalid("%s: want %d bytes, got %d", field, solana.PublicKeyLength, len(b))
	}
	copy(k[:], b)
	return k, nil
}

func signature(field string, b []byte) (solana.Signature, error) {
	var s solana.Signature
	if len(b) != len(s) {
		return s, invalid("%s: want %d bytes, got %d", field, len(s), len(b))
	}
	copy(s[:], b)
	if s == (solana.Signature{}) {
		return s, invalid("%s: zero signature", field)
	}
	return s, nil
}

func normalizeAccount(raw geyser.ReplicaAccountInfo, slot uint64, isStartup bool) (*models.AccountUpdate, error) {
	// 全零公钥是 System Program, 合法
	pubkey, err := publicKey("pubkey", raw.Pubkey)
	if err != nil {
		return nil, err
	}
	owner, err := publicKey("owner", raw.Owner)
	if err != nil {
		return nil, err
	}
	a := &models.AccountUpdate{
		Pubkey:       pubkey,
		Owner:        owner,
		Lamports:     raw.Lamports,
		Data:         append([]byte(nil), raw.Data...),
		Executable:   raw.Executable,
		RentEpoch:    raw.RentEpoch,
		WriteVersion: raw.WriteVersion,
		Slot:         slot,
		IsStartup:    isStartup,
	}
	if raw.TxnSignature != nil {
		sig, err := signature("txn_signature", raw.TxnSignature)
		if err != nil {
			return nil, err
		}
		a.TxnSignature = &sig
	}
	return a, nil
}

func normalizeTransaction(raw geyser.ReplicaTransactionInfo, slot uint64) (*models.Transaction, error) {
	sig, err := signature("signature", raw.Signature)
	if err != nil {
		return nil, err
	}
	keys := make([]solana.PublicKey, len(raw.AccountKeys))
	for i, k := range raw.AccountKeys {
		if keys[i], err = publicKey(fmt.Sprintf("account_keys[%d]", i), k); err != nil {
			return nil, err
		}
	}
	ixs := make([]models.Instruction, len(raw.Instructions))
	for i, ix := range raw.Instructions {
		if int(ix.ProgramIDIndex) >= len(keys) {
			return nil, invalid("instructions[%d]: program index %d out of range", i, ix.ProgramIDIndex)
		}
		ixs[i] = models.Instruction{
			ProgramIDIndex: ix.ProgramIDIndex,
			Accounts:       append([]uint8(nil), ix.Accounts...),
			Data:           append([]byte(nil), ix.Data...),
		}
	}
	t := &models.Transaction{
		Signature:    sig,
		Slot:         slot,
		Index:        raw.Index,
		IsVote:       raw.IsVote,
		Success:      raw.Err == "",
		Error:        raw.Err,
		Fee:          raw.Fee,
		PreBalances:  append([]uint64(nil), raw.PreBalances...),
		PostBalances: append([]uint64(nil), raw.PostBalances...),
		LogMessages:  append([]string(nil), raw.LogMessages...),
		Instructions: ixs,
		AccountKeys:  keys,
	}
	if raw.ComputeUnitsConsumed != nil {
		units := *raw.ComputeUnitsConsumed
		t.ComputeUnitsConsumed = &units
	}
	return t, nil
}

func slotState(s geyser.SlotStatus) (models.SlotState, error) {
	switch s {
	case geyser.SlotStatusProcessed:
		return models.SlotProcessed, nil
	case geyser.SlotStatusConfirmed:
		return models.SlotConfirmed, nil
	case geyser.SlotStatusRooted:
		return models.SlotRooted, nil
	case geyser.SlotStatusDead:
		return models.SlotDead, nil
	default:
		return 0, invalid("slot status %d", s)
	}
}

func normalizeSlotStatus(slot uint64, parent *uint64, status geyser.SlotStatus) (*models.SlotStatus, error) {
	state, err := slotState(status)
	if err != nil {
		return nil, err
	}
	s := &models.SlotStatus{Slot: slot, Status: state}
	if parent != nil {
		p := *parent
		s.Parent = &p
	}
	return s, nil
}

func blockhash(field, v string) (solana.Hash, error) {
	h, err := solana.HashFromBase58(v)
	if err != nil {
		return h, invalid("%s %q: %v", field, v, err)
	}
	return h, nil
}

func normalizeBlock(raw geyser.ReplicaBlockInfo) (*models.BlockMetadata, error) {
	hash, err := blockhash("blockhash", raw.Blockhash)
	if err != nil {
		return nil, err
	}
	if hash == (solana.Hash{}) {
		return nil, invalid("blockhash: zero hash")
	}
	b := &models.BlockMetadata{
		Slot:                     raw.Slot,
		Blockhash:                hash,
		ParentSlot:               raw.ParentSlot,
		ExecutedTransactionCount: raw.ExecutedTransactionCount,
		Rewards:                  make([]models.Reward, len(raw.Rewards)),
	}
	if raw.ParentBlockhash != "" {
		if b.ParentBlockhash, err = blockhash("parent_blockhash", raw.ParentBlockhash); err != nil {
			return nil, err
		}
	}
	if raw.BlockTime != nil {
		v := *raw.BlockTime
		b.BlockTime = &v
	}
	if raw.BlockHeight != nil {
		v := *raw.BlockHeight
		b.BlockHeight = &v
	}
	for i, r := range raw.Rewards {
		key, err := solana.PublicKeyFromBase58(r.Pubkey)
		if err != nil {
			return nil, invalid("rewards[%d].pubkey %q: %v", i, r.Pubkey, err)
		}
		b.Rewards[i] = models.Reward{
			Pubkey:      key,
			Lamports:    r.Lamports,
			PostBalance: r.PostBalance,
			RewardType:  r.RewardType,
		}
		if r.Commission != nil {
			c := *r.Commission
			b.Rewards[i].Commission = &c
		}
	}
	return b, nil
}
