// Package deadletter keeps batches the plugin had to give up on, so they can
// be inspected and replayed into the store later.
package deadletter

import (
	"context"
	"fmt"
	"time"

	"geyser-indexer-go/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sugawarayuuta/sonnet"
)

const schema = `
CREATE TABLE IF NOT EXISTS dead_letter (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	kind        TEXT NOT NULL,
	reason      TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	first_slot  INTEGER NOT NULL,
	last_slot   INTEGER NOT NULL,
	records     INTEGER NOT NULL,
	payload     BLOB NOT NULL,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dead_letter_kind ON dead_letter (kind);
`

// Entry is one spooled batch.
type Entry struct {
	ID        int64  `db:"id" json:"id"`
	Kind      string `db:"kind" json:"kind"`
	Reason    string `db:"reason" json:"reason"`
	Error     string `db:"error" json:"error,omitempty"`
	FirstSlot int64  `db:"first_slot" json:"first_slot"`
	LastSlot  int64  `db:"last_slot" json:"last_slot"`
	Records   int    `db:"records" json:"records"`
	Payload   []byte `db:"payload" json:"-"`
	CreatedAt int64  `db:"created_at" json:"created_at"`
}

// Spool is a SQLite-backed dead-letter store. Safe for concurrent use.
type Spool struct {
	db *sqlx.DB
}

// Open creates or opens the spool file at path.
func Open(path string) (*Spool, error) {
	db, err := sqlx.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open dead letter spool: %w", err)
	}
	// sqlite 只允许单写者
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init dead letter spool: %w", err)
	}
	return &Spool{db: db}, nil
}

func (s *Spool) Close() error { return s.db.Close() }

// Put stores records of one kind together with why they were dropped.
func (s *Spool) Put(ctx context.Context, kind models.Kind, records []models.Record, reason string, cause error) error {
	payload, err := encode(kind, records)
	if err != nil {
		return err
	}
	var first, last uint64
	for i, r := range records {
		slot := r.SlotNumber()
		if i == 0 || slot < first {
			first = slot
		}
		if slot > last {
			last = slot
		}
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dead_letter (kind, reason, error, first_slot, last_slot, records, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		kind.String(), reason, msg, int64(first), int64(last), len(records), payload, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("spool %s batch: %w", kind, err)
	}
	return nil
}

// List returns up to limit entries, oldest first.
func (s *Spool) List(ctx context.Context, limit int) ([]Entry, error) {
	var entries []Entry
	err := s.db.SelectContext(ctx, &entries, `
		SELECT id, kind, reason, error, first_slot, last_slot, records, payload, created_at
		FROM dead_letter ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return entries, nil
}

// Count returns the number of spooled batches.
func (s *Spool) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM dead_letter`)
	return n, err
}

// Delete removes an entry, typically after a successful replay.
func (s *Spool) Delete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter WHERE id = ?`, id)
	return err
}

// Decode turns an entry back into records.
func (e *Entry) Decode() (models.Kind, []models.Record, error) {
	kind, err := models.ParseKind(e.Kind)
	if err != nil {
		return 0, nil, err
	}
	records, err := decode(kind, e.Payload)
	if err != nil {
		return 0, nil, fmt.Errorf("decode dead letter %d: %w", e.ID, err)
	}
	return kind, records, nil
}

func encode(kind models.Kind, records []models.Record) ([]byte, error) {
	var (
		v   interface{}
		err error
	)
	switch kind {
	case models.KindAccount:
		v, err = models.Split[*models.AccountUpdate](records)
	case models.KindTransaction:
		v, err = models.Split[*models.Transaction](records)
	case models.KindSlot:
		v, err = models.Split[*models.SlotStatus](records)
	case models.KindBlock:
		v, err = models.Split[*models.BlockMetadata](records)
	default:
		return nil, fmt.Errorf("%w: %d", models.ErrUnknownKind, kind)
	}
	if err != nil {
		return nil, err
	}
	return sonnet.Marshal(v)
}

func decode(kind models.Kind, payload []byte) ([]models.Record, error) {
	switch kind {
	case models.KindAccount:
		return decodeAs[*models.AccountUpdate](payload)
	case models.KindTransaction:
		return decodeAs[*models.Transaction](payload)
	case models.KindSlot:
		return decodeAs[*models.SlotStatus](payload)
	case models.KindBlock:
		return decodeAs[*models.BlockMetadata](payload)
	default:
		return nil, fmt.Errorf("%w: %d", models.ErrUnknownKind, kind)
	}
}

func decodeAs[T models.Record](payload []byte) ([]models.Record, error) {
	var typed []T
	if err := sonnet.Unmarshal(payload, &typed); err != nil {
		return nil, err
	}
	out := make([]models.Record, len(typed))
	for i, r := range typed {
		out[i] = r
	}
	return out, nil
}
