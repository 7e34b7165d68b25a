package database

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"geyser-indexer-go/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/sugawarayuuta/sonnet"
)

// maxBindParams is the PostgreSQL limit on parameters per statement.
const maxBindParams = 65535

type execer interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
}

// Writer turns batches into idempotent upserts. Every statement is safe to
// replay: accounts keep the highest write version, slot status only moves
// forward, transactions and blocks are insert-if-absent.
type Writer struct {
	storeHistory bool
}

type WriterOptions struct {
	// StoreAccountHistory also records every account version in account_audit.
	StoreAccountHistory bool
}

func NewWriter(opts WriterOptions) *Writer {
	return &Writer{storeHistory: opts.StoreAccountHistory}
}

// WriteBatch writes one homogeneous batch in a single transaction.
func (w *Writer) WriteBatch(ctx context.Context, db *sqlx.DB, kind models.Kind, records []models.Record) (err error) {
	if len(records) == 0 {
		return nil
	}
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = w.Write(ctx, tx, kind, records); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Write issues the statements for records on ex without managing a transaction.
func (w *Writer) Write(ctx context.Context, ex execer, kind models.Kind, records []models.Record) error {
	switch kind {
	case models.KindAccount:
		accounts, err := models.Split[*models.AccountUpdate](records)
		if err != nil {
			return err
		}
		return w.UpsertAccounts(ctx, ex, accounts)
	case models.KindTransaction:
		txs, err := models.Split[*models.Transaction](records)
		if err != nil {
			return err
		}
		return w.InsertTransactions(ctx, ex, txs)
	case models.KindSlot:
		statuses, err := models.Split[*models.SlotStatus](records)
		if err != nil {
			return err
		}
		return w.UpsertSlots(ctx, ex, statuses)
	case models.KindBlock:
		blocks, err := models.Split[*models.BlockMetadata](records)
		if err != nil {
			return err
		}
		return w.InsertBlocks(ctx, ex, blocks)
	default:
		return fmt.Errorf("%w: %d", models.ErrUnknownKind, kind)
	}
}

const accountColumns = "pubkey, slot, owner, lamports, executable, rent_epoch, data, write_version, txn_signature"

// UpsertAccounts keeps only the highest write version per (pubkey, slot).
func (w *Writer) UpsertAccounts(ctx context.Context, ex execer, accounts []*models.AccountUpdate) error {
	if len(accounts) == 0 {
		return nil
	}
	latest := LatestAccountVersions(accounts)

	err := execChunked(ctx, ex, latest, 9,
		"INSERT INTO account ("+accountColumns+") VALUES ",
		` ON CONFLICT (pubkey, slot) DO UPDATE SET
			owner = EXCLUDED.owner,
			lamports = EXCLUDED.lamports,
			executable = EXCLUDED.executable,
			rent_epoch = EXCLUDED.rent_epoch,
			data = EXCLUDED.data,
			write_version = EXCLUDED.write_version,
			txn_signature = EXCLUDED.txn_signature,
			updated_on = NOW()
		WHERE account.write_version < EXCLUDED.write_version`,
		accountArgs)
	if err != nil {
		return fmt.Errorf("upsert accounts: %w", err)
	}

	if !w.storeHistory {
		return nil
	}
	err = execChunked(ctx, ex, accounts, 9,
		"INSERT INTO account_audit ("+accountColumns+") VALUES ",
		" ON CONFLICT (pubkey, slot, write_version) DO NOTHING",
		accountArgs)
	if err != nil {
		return fmt.Errorf("insert account history: %w", err)
	}
	return nil
}

func accountArgs(a *models.AccountUpdate) []interface{} {
	var sig []byte
	if a.TxnSignature != nil {
		sig = a.TxnSignature[:]
	}
	return []interface{}{
		a.Pubkey[:],
		int64(a.Slot),
		a.Owner[:],
		int64(a.Lamports),
		a.Executable,
		int64(a.RentEpoch),
		a.Data,
		int64(a.WriteVersion),
		sig,
	}
}

// LatestAccountVersions drops every update that is superseded by a higher
// write version for the same (pubkey, slot) within the slice. The result is
// sorted by (pubkey, slot) so concurrent writers lock rows in the same order.
func LatestAccountVersions(accounts []*models.AccountUpdate) []*models.AccountUpdate {
	type key struct {
		pubkey [32]byte
		slot   uint64
	}
	best := make(map[key]*models.AccountUpdate, len(accounts))
	for _, a := range accounts {
		k := key{pubkey: a.Pubkey, slot: a.Slot}
		if cur, ok := best[k]; !ok || a.WriteVersion > cur.WriteVersion {
			best[k] = a
		}
	}
	out := make([]*models.AccountUpdate, 0, len(best))
	for _, a := range best {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := bytes.Compare(out[i].Pubkey[:], out[j].Pubkey[:]); c != 0 {
			return c < 0
		}
		return out[i].Slot < out[j].Slot
	})
	return out
}

// InsertTransactions writes each (signature, slot) once.
func (w *Writer) InsertTransactions(ctx context.Context, ex execer, txs []*models.Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	type key struct {
		sig  [64]byte
		slot uint64
	}
	seen := make(map[key]struct{}, len(txs))
	unique := make([]*models.Transaction, 0, len(txs))
	for _, t := range txs {
		k := key{sig: t.Signature, slot: t.Slot}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		unique = append(unique, t)
	}
	sort.Slice(unique, func(i, j int) bool {
		if unique[i].Slot != unique[j].Slot {
			return unique[i].Slot < unique[j].Slot
		}
		return bytes.Compare(unique[i].Signature[:], unique[j].Signature[:]) < 0
	})

	rows := make([][]interface{}, 0, len(unique))
	for _, t := range unique {
		args, err := transactionArgs(t)
		if err != nil {
			return err
		}
		rows = append(rows, args)
	}
	err := execChunked(ctx, ex, rows, 13,
		`INSERT INTO transaction (signature, slot, idx, is_vote, success, error, fee,
			pre_balances, post_balances, log_messages, instructions, account_keys, compute_units_consumed) VALUES `,
		" ON CONFLICT (signature, slot) DO NOTHING",
		func(r []interface{}) []interface{} { return r })
	if err != nil {
		return fmt.Errorf("insert transactions: %w", err)
	}
	return nil
}

func transactionArgs(t *models.Transaction) ([]interface{}, error) {
	instructions, err := sonnet.Marshal(t.Instructions)
	if err != nil {
		return nil, fmt.Errorf("encode instructions of %s: %w", t.Signature, err)
	}
	keys := make([][]byte, len(t.AccountKeys))
	for i := range t.AccountKeys {
		keys[i] = t.AccountKeys[i][:]
	}
	var txErr *string
	if t.Error != "" {
		txErr = &t.Error
	}
	return []interface{}{
		t.Signature[:],
		int64(t.Slot),
		int64(t.Index),
		t.IsVote,
		t.Success,
		txErr,
		int64(t.Fee),
		toInt64s(t.PreBalances),
		toInt64s(t.PostBalances),
		t.LogMessages,
		string(instructions),
		keys,
		optInt64(t.ComputeUnitsConsumed),
	}, nil
}

// slotRankSQL maps a status column to models.SlotState.Rank.
func slotRankSQL(col string) string {
	return "(CASE " + col +
		" WHEN 'processed' THEN 1 WHEN 'confirmed' THEN 2 WHEN 'rooted' THEN 3 WHEN 'dead' THEN 4 ELSE 0 END)"
}

// UpsertSlots moves each slot's status forward only. Dead is terminal.
func (w *Writer) UpsertSlots(ctx context.Context, ex execer, statuses []*models.SlotStatus) error {
	if len(statuses) == 0 {
		return nil
	}
	merged := MergeSlotStatuses(statuses)

	oldRank, newRank := slotRankSQL("slot.status"), slotRankSQL("EXCLUDED.status")
	err := execChunked(ctx, ex, merged, 3,
		"INSERT INTO slot (slot, parent, status) VALUES ",
		` ON CONFLICT (slot) DO UPDATE SET
			status = CASE WHEN `+oldRank+` < `+newRank+` THEN EXCLUDED.status ELSE slot.status END,
			parent = COALESCE(EXCLUDED.parent, slot.parent),
			updated_on = NOW()
		WHERE `+oldRank+` < `+newRank+` OR (slot.parent IS NULL AND EXCLUDED.parent IS NOT NULL)`,
		func(s *models.SlotStatus) []interface{} {
			return []interface{}{int64(s.Slot), optInt64(s.Parent), s.Status.String()}
		})
	if err != nil {
		return fmt.Errorf("upsert slots: %w", err)
	}
	return nil
}

// MergeSlotStatuses collapses statuses to one per slot: the highest ranked
// status, with the first known parent. Sorted by slot.
func MergeSlotStatuses(statuses []*models.SlotStatus) []*models.SlotStatus {
	bySlot := make(map[uint64]*models.SlotStatus, len(statuses))
	for _, s := range statuses {
		cur, ok := bySlot[s.Slot]
		if !ok {
			c := *s
			bySlot[s.Slot] = &c
			continue
		}
		if s.Status.Supersedes(cur.Status) {
			cur.Status = s.Status
		}
		if cur.Parent == nil && s.Parent != nil {
			p := *s.Parent
			cur.Parent = &p
		}
	}
	out := make([]*models.SlotStatus, 0, len(bySlot))
	for _, s := range bySlot {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}

// InsertBlocks writes each slot's block metadata once.
func (w *Writer) InsertBlocks(ctx context.Context, ex execer, blocks []*models.BlockMetadata) error {
	if len(blocks) == 0 {
		return nil
	}
	seen := make(map[uint64]struct{}, len(blocks))
	unique := make([]*models.BlockMetadata, 0, len(blocks))
	for _, b := range blocks {
		if _, dup := seen[b.Slot]; dup {
			continue
		}
		seen[b.Slot] = struct{}{}
		unique = append(unique, b)
	}
	sort.Slice(unique, func(i, j int) bool { return unique[i].Slot < unique[j].Slot })

	rows := make([][]interface{}, 0, len(unique))
	for _, b := range unique {
		rewards, err := sonnet.Marshal(b.Rewards)
		if err != nil {
			return fmt.Errorf("encode rewards of slot %d: %w", b.Slot, err)
		}
		rows = append(rows, []interface{}{
			int64(b.Slot),
			b.Blockhash.String(),
			int64(b.ParentSlot),
			b.ParentBlockhash.String(),
			b.BlockTime,
			optInt64(b.BlockHeight),
			string(rewards),
			int64(b.ExecutedTransactionCount),
		})
	}
	err := execChunked(ctx, ex, rows, 8,
		`INSERT INTO block (slot, blockhash, parent_slot, parent_blockhash, block_time, block_height,
			rewards, executed_transaction_count) VALUES `,
		" ON CONFLICT (slot) DO NOTHING",
		func(r []interface{}) []interface{} { return r })
	if err != nil {
		return fmt.Errorf("insert blocks: %w", err)
	}
	return nil
}

// SaveCheckpoint records a named slot marker, e.g. the end of startup.
func (w *Writer) SaveCheckpoint(ctx context.Context, ex execer, name string, slot uint64) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO plugin_checkpoint (name, slot)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET
			slot = EXCLUDED.slot,
			updated_on = NOW()`, name, int64(slot))
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", name, err)
	}
	return nil
}

// execChunked runs prefix + VALUES rows + suffix, splitting rows so that no
// statement exceeds the bind parameter limit.
func execChunked[T any](ctx context.Context, ex execer, rows []T, cols int, prefix, suffix string, args func(T) []interface{}) error {
	perStmt := maxBindParams / cols
	for start := 0; start < len(rows); start += perStmt {
		end := start + perStmt
		if end > len(rows) {
			end = len(rows)
		}
		query, params := buildValues(rows[start:end], cols, prefix, suffix, args)
		if _, err := ex.ExecContext(ctx, query, params...); err != nil {
			return err
		}
	}
	return nil
}

func buildValues[T any](rows []T, cols int, prefix, suffix string, args func(T) []interface{}) (string, []interface{}) {
	var sb strings.Builder
	sb.WriteString(prefix)
	params := make([]interface{}, 0, len(rows)*cols)
	n := 1
	for i, r := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for c := 0; c < cols; c++ {
			if c > 0 {
				sb.WriteString(", ")
			}
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			n++
		}
		sb.WriteByte(')')
		params = append(params, args(r)...)
	}
	sb.WriteString(suffix)
	return sb.String(), params
}

func toInt64s(v []uint64) []int64 {
	if v == nil {
		return nil
	}
	out := make([]int64, len(v))
	for i, x := range v {
		out[i] = int64(x) // #nosec G115 - lamport balances fit in int64
	}
	return out
}

func optInt64(v *uint64) *int64 {
	if v == nil {
		return nil
	}
	x := int64(*v) // #nosec G115
	return &x
}
