package models

import (
	"database/sql/driver"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// AccountUpdate 一次账户状态变更.
// For a given (Pubkey, Slot) only the highest WriteVersion is authoritative;
// updates are superseded, never merged.
type AccountUpdate struct {
	Pubkey       solana.PublicKey  `json:"pubkey"`
	Owner        solana.PublicKey  `json:"owner"`
	Lamports     uint64            `json:"lamports"`
	Data         []byte            `json:"data"`
	Executable   bool              `json:"executable"`
	RentEpoch    uint64            `json:"rent_epoch"`
	WriteVersion uint64            `json:"write_version"`
	Slot         uint64            `json:"slot"`
	TxnSignature *solana.Signature `json:"txn_signature,omitempty"`
	IsStartup    bool              `json:"is_startup"`
}

// Instruction is a compiled instruction as it appears in the message.
type Instruction struct {
	ProgramIDIndex uint8   `json:"program_id_index"`
	Accounts       []uint8 `json:"accounts"`
	Data           []byte  `json:"data"`
}

// Transaction 已确认交易. Immutable once persisted, unique on (Signature, Slot).
type Transaction struct {
	Signature            solana.Signature   `json:"signature"`
	Slot                 uint64             `json:"slot"`
	Index                uint64             `json:"index"`
	IsVote               bool               `json:"is_vote"`
	Success              bool               `json:"success"`
	Error                string             `json:"error,omitempty"`
	Fee                  uint64             `json:"fee"`
	PreBalances          []uint64           `json:"pre_balances"`
	PostBalances         []uint64           `json:"post_balances"`
	LogMessages          []string           `json:"log_messages"`
	Instructions         []Instruction      `json:"instructions"`
	AccountKeys          []solana.PublicKey `json:"account_keys"`
	ComputeUnitsConsumed *uint64            `json:"compute_units_consumed,omitempty"`
}

// Mentions reports whether key is one of the transaction's account keys.
func (t *Transaction) Mentions(key solana.PublicKey) bool {
	for _, k := range t.AccountKeys {
		if k.Equals(key) {
			return true
		}
	}
	return false
}

// SlotState is the confirmation status of a slot.
type SlotState uint8

const (
	SlotProcessed SlotState = iota + 1
	SlotConfirmed
	SlotRooted
	SlotDead
)

func (s SlotState) String() string {
	switch s {
	case SlotProcessed:
		return "processed"
	case SlotConfirmed:
		return "confirmed"
	case SlotRooted:
		return "rooted"
	case SlotDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Rank orders states along Processed < Confirmed < Rooted < Dead. Dead ranks
// highest because it is terminal and supersedes anything else.
func (s SlotState) Rank() int {
	switch s {
	case SlotProcessed, SlotConfirmed, SlotRooted, SlotDead:
		return int(s)
	default:
		return 0
	}
}

// Supersedes reports whether s may replace prev.
func (s SlotState) Supersedes(prev SlotState) bool {
	return s.Rank() > prev.Rank()
}

// Valid reports whether s is one of the four known states.
func (s SlotState) Valid() bool {
	return s.Rank() > 0
}

// ParseSlotState is the inverse of String.
func ParseSlotState(v string) (SlotState, error) {
	switch v {
	case "processed":
		return SlotProcessed, nil
	case "confirmed":
		return SlotConfirmed, nil
	case "rooted":
		return SlotRooted, nil
	case "dead":
		return SlotDead, nil
	}
	return 0, fmt.Errorf("unknown slot status %q", v)
}

// Value 实现 driver.Valuer (写入数据库).
func (s SlotState) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid slot status %d", s)
	}
	return s.String(), nil
}

// Scan 实现 sql.Scanner (读取数据库).
func (s *SlotState) Scan(value interface{}) error {
	var v string
	switch t := value.(type) {
	case []byte:
		v = string(t)
	case string:
		v = t
	default:
		return fmt.Errorf("unsupported type for SlotState: %T", value)
	}
	parsed, err := ParseSlotState(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// SlotStatus is one status transition reported by the validator.
type SlotStatus struct {
	Slot   uint64    `json:"slot"`
	Parent *uint64   `json:"parent,omitempty"`
	Status SlotState `json:"status"`
}

// Reward is a single block reward entry.
type Reward struct {
	Pubkey      solana.PublicKey `json:"pubkey"`
	Lamports    int64            `json:"lamports"`
	PostBalance uint64           `json:"post_balance"`
	RewardType  string           `json:"reward_type,omitempty"`
	Commission  *uint8           `json:"commission,omitempty"`
}

// BlockMetadata is created once per slot when the block is finalized.
type BlockMetadata struct {
	Slot                     uint64      `json:"slot"`
	Blockhash                solana.Hash `json:"blockhash"`
	ParentSlot               uint64      `json:"parent_slot"`
	ParentBlockhash          solana.Hash `json:"parent_blockhash"`
	BlockTime                *int64      `json:"block_time,omitempty"`
	BlockHeight              *uint64     `json:"block_height,omitempty"`
	Rewards                  []Reward    `json:"rewards"`
	ExecutedTransactionCount uint64      `json:"executed_transaction_count"`
}
