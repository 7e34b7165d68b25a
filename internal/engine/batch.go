package engine

import (
	"time"

	"geyser-indexer-go/internal/models"
)

// SealReason records why a batch stopped accepting records.
type SealReason string

const (
	SealSize  SealReason = "size"
	SealAge   SealReason = "age"
	SealFlush SealReason = "flush"
)

// Batch is an ordered group of records of one kind. Once sealed it is owned
// by the buffer until Next hands it to exactly one worker.
type Batch struct {
	ID            uint64
	Kind          models.Kind
	Records       []models.Record
	FirstEnqueued time.Time
	SealedAt      time.Time
	SealReason    SealReason
	Attempts      int
}

// SlotRange returns the lowest and highest slot in the batch.
func (b *Batch) SlotRange() (first, last uint64) {
	for i, r := range b.Records {
		s := r.SlotNumber()
		if i == 0 || s < first {
			first = s
		}
		if s > last {
			last = s
		}
	}
	return first, last
}
