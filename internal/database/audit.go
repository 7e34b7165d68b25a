package database

import (
	"context"
	"fmt"

	"geyser-indexer-go/internal/models"

	"github.com/gagliardetto/solana-go"
	"github.com/jmoiron/sqlx"
)

// ChainBreak is a stored block whose parent_blockhash does not match the
// blockhash stored for its parent slot.
type ChainBreak struct {
	Slot            uint64 `json:"slot"`
	ParentSlot      uint64 `json:"parent_slot"`
	ParentBlockhash string `json:"parent_blockhash"`
	StoredBlockhash string `json:"stored_blockhash"`
}

// ParentMismatch is a slot whose reported parent disagrees with its block.
type ParentMismatch struct {
	Slot        uint64 `json:"slot" db:"slot"`
	SlotParent  uint64 `json:"slot_parent" db:"slot_parent"`
	BlockParent uint64 `json:"block_parent" db:"block_parent"`
}

// AuditReport summarizes an integrity pass over the store.
type AuditReport struct {
	CheckedBlocks    int              `json:"checked_blocks"`
	HeadSlot         uint64           `json:"head_slot"`
	ChainBreaks      []ChainBreak     `json:"chain_breaks"`
	ParentMismatches []ParentMismatch `json:"parent_mismatches"`
	DeadSlotAccounts int64            `json:"dead_slot_accounts"`
	DeadSlotTxs      int64            `json:"dead_slot_transactions"`
}

// OK reports whether the audit found nothing wrong.
func (r *AuditReport) OK() bool {
	return len(r.ChainBreaks) == 0 && len(r.ParentMismatches) == 0 &&
		r.DeadSlotAccounts == 0 && r.DeadSlotTxs == 0
}

type blockLink struct {
	Slot            int64  `db:"slot"`
	Blockhash       string `db:"blockhash"`
	ParentSlot      int64  `db:"parent_slot"`
	ParentBlockhash string `db:"parent_blockhash"`
}

// Audit checks the most recent limit blocks for hash chain breaks, slots
// whose parent disagrees with their block, and rows left behind in dead
// slots. Skipped slots are not gaps on this chain, so only links between two
// stored blocks are compared.
func Audit(ctx context.Context, db sqlx.QueryerContext, limit int) (*AuditReport, error) {
	var blocks []blockLink
	err := sqlx.SelectContext(ctx, db, &blocks,
		`SELECT slot, blockhash, parent_slot, parent_blockhash FROM block ORDER BY slot DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch blocks: %w", err)
	}

	report := &AuditReport{CheckedBlocks: len(blocks)}
	if len(blocks) > 0 {
		report.HeadSlot = uint64(blocks[0].Slot)
	}
	bySlot := make(map[int64]string, len(blocks))
	for _, b := range blocks {
		bySlot[b.Slot] = b.Blockhash
	}
	for _, b := range blocks {
		parentHash, ok := bySlot[b.ParentSlot]
		if !ok || parentHash == b.ParentBlockhash {
			continue
		}
		report.ChainBreaks = append(report.ChainBreaks, ChainBreak{
			Slot:            uint64(b.Slot),
			ParentSlot:      uint64(b.ParentSlot),
			ParentBlockhash: b.ParentBlockhash,
			StoredBlockhash: parentHash,
		})
	}

	err = sqlx.SelectContext(ctx, db, &report.ParentMismatches, `
		SELECT s.slot, s.parent AS slot_parent, b.parent_slot AS block_parent
		FROM slot s JOIN block b ON b.slot = s.slot
		WHERE s.parent IS NOT NULL AND s.parent <> b.parent_slot
		ORDER BY s.slot DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch parent mismatches: %w", err)
	}

	err = sqlx.GetContext(ctx, db, &report.DeadSlotAccounts,
		`SELECT COUNT(*) FROM account a JOIN slot s ON s.slot = a.slot WHERE s.status = 'dead'`)
	if err != nil {
		return nil, fmt.Errorf("count dead slot accounts: %w", err)
	}
	err = sqlx.GetContext(ctx, db, &report.DeadSlotTxs,
		`SELECT COUNT(*) FROM transaction t JOIN slot s ON s.slot = t.slot WHERE s.status = 'dead'`)
	if err != nil {
		return nil, fmt.Errorf("count dead slot transactions: %w", err)
	}
	return report, nil
}

// AccountVersion returns the stored write version for (pubkey, slot).
func AccountVersion(ctx context.Context, db sqlx.QueryerContext, pubkey solana.PublicKey, slot uint64) (uint64, error) {
	var v int64
	err := sqlx.GetContext(ctx, db, &v,
		`SELECT write_version FROM account WHERE pubkey = $1 AND slot = $2`, pubkey[:], int64(slot))
	if err != nil {
		return 0, err
	}
	return uint64(v), nil
}

// StoredSlotStatus returns the persisted status of slot.
func StoredSlotStatus(ctx context.Context, db sqlx.QueryerContext, slot uint64) (models.SlotState, error) {
	var s models.SlotState
	err := sqlx.GetContext(ctx, db, &s, `SELECT status FROM slot WHERE slot = $1`, int64(slot))
	return s, err
}

// CountRows returns the row count of one of the plugin tables.
func CountRows(ctx context.Context, db sqlx.QueryerContext, table string) (int64, error) {
	switch table {
	case TableSlot, TableAccount, TableAccountHist, TableTransaction, TableBlock, TableCheckpoint:
	default:
		return 0, fmt.Errorf("unknown table %q", table)
	}
	var n int64
	err := sqlx.GetContext(ctx, db, &n, "SELECT COUNT(*) FROM "+table)
	return n, err
}
