package engine

import (
	"context"

	"geyser-indexer-go/internal/database"
	"geyser-indexer-go/internal/models"
)

// Store persists one homogeneous batch atomically and reports which pool
// slot carried the write.
type Store interface {
	WriteBatch(ctx context.Context, kind models.Kind, records []models.Record) (poolSlot int, err error)
	SaveCheckpoint(ctx context.Context, name string, slot uint64) error
}

// DeadLetterSink receives batches the workers gave up on.
type DeadLetterSink interface {
	Put(ctx context.Context, kind models.Kind, records []models.Record, reason string, cause error) error
}

// PoolStore writes through a leased pool slot. Every call takes one lease
// and releases it before returning, whatever the outcome.
type PoolStore struct {
	pool   *database.Pool
	writer *database.Writer
}

func NewPoolStore(pool *database.Pool, writer *database.Writer) *PoolStore {
	return &PoolStore{pool: pool, writer: writer}
}

func (s *PoolStore) WriteBatch(ctx context.Context, kind models.Kind, records []models.Record) (poolSlot int, err error) {
	lease, err := s.pool.Acquire(ctx)
	if err != nil {
		return -1, err
	}
	defer func() { lease.Release(err) }()
	return lease.Slot(), s.writer.WriteBatch(ctx, lease.DB(), kind, records)
}

func (s *PoolStore) SaveCheckpoint(ctx context.Context, name string, slot uint64) (err error) {
	lease, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() { lease.Release(err) }()
	return s.writer.SaveCheckpoint(ctx, lease.DB(), name, slot)
}
