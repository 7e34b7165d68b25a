package engine

import (
	"context"
	"sync"
	"time"

	"geyser-indexer-go/internal/models"

	"github.com/lightningnetwork/lnd/clock"
)

const numKinds = len(models.AllKinds)

// BufferOptions configures the batch buffer.
type BufferOptions struct {
	BatchSize int
	MaxAge    time.Duration
	// Capacity bounds, per kind, the records accepted but not yet handed to
	// a worker.
	Capacity int
	Clock    clock.Clock
	Metrics  *Metrics
}

// Buffer accumulates records into per-kind batches and releases sealed
// batches in FIFO order. Push never blocks on anything but the mutex; Next is
// the only place a worker waits.
type Buffer struct {
	opts    BufferOptions
	clock   clock.Clock
	metrics *Metrics

	mu      sync.Mutex
	open    [numKinds]*Batch
	pending [numKinds]int
	ready   []*Batch
	nextID  uint64
	closed  bool

	signal   chan struct{}
	closedCh chan struct{}
}

func NewBuffer(opts BufferOptions) *Buffer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	if opts.Capacity < opts.BatchSize {
		opts.Capacity = opts.BatchSize
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewDefaultClock()
	}
	return &Buffer{
		opts:     opts,
		clock:    opts.Clock,
		metrics:  opts.Metrics,
		signal:   make(chan struct{}, 1),
		closedCh: make(chan struct{}),
	}
}

// Push appends r to the open batch of its kind. It returns ErrBackpressure
// when the kind already holds Capacity undelivered records, and
// ErrBufferClosed after Close.
func (b *Buffer) Push(r models.Record) error {
	k := r.Kind()
	if int(k) >= numKinds {
		return models.ErrUnknownKind
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBufferClosed
	}
	if b.pending[k] >= b.opts.Capacity {
		b.mu.Unlock()
		return ErrBackpressure
	}

	now := b.clock.Now()
	batch := b.open[k]
	if batch != nil && now.Sub(batch.FirstEnqueued) >= b.opts.MaxAge {
		b.sealLocked(k, now, SealAge)
		batch = nil
	}
	if batch == nil {
		b.nextID++
		batch = &Batch{
			ID:            b.nextID,
			Kind:          k,
			Records:       make([]models.Record, 0, b.opts.BatchSize),
			FirstEnqueued: now,
		}
		b.open[k] = batch
	}
	batch.Records = append(batch.Records, r)
	b.pending[k]++
	depth := b.pending[k]
	if len(batch.Records) >= b.opts.BatchSize {
		b.sealLocked(k, now, SealSize)
	}
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.UpdateQueueDepth(k, depth)
	}
	return nil
}

// sealLocked moves the open batch of k to the ready list. b.mu must be held.
func (b *Buffer) sealLocked(k models.Kind, now time.Time, reason SealReason) {
	batch := b.open[k]
	if batch == nil {
		return
	}
	b.open[k] = nil
	batch.SealedAt = now
	batch.SealReason = reason
	b.ready = append(b.ready, batch)
	if b.metrics != nil {
		b.metrics.RecordSealed(batch)
	}
	b.notify()
}

func (b *Buffer) notify() {
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

// SealExpired seals every open batch older than MaxAge and returns how many
// were sealed.
func (b *Buffer) SealExpired() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	n := 0
	for _, k := range models.AllKinds {
		if batch := b.open[k]; batch != nil && now.Sub(batch.FirstEnqueued) >= b.opts.MaxAge {
			b.sealLocked(k, now, SealAge)
			n++
		}
	}
	return n
}

// FlushAll seals every open batch regardless of size or age. It returns the
// number of batches sealed and the highest batch id issued so far; every
// batch up to that id is sealed when FlushAll returns.
func (b *Buffer) FlushAll() (sealed int, through uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked(), b.nextID
}

func (b *Buffer) flushLocked() int {
	now := b.clock.Now()
	n := 0
	for _, k := range models.AllKinds {
		if b.open[k] != nil {
			b.sealLocked(k, now, SealFlush)
			n++
		}
	}
	return n
}

// RunSealer seals aged batches until ctx is done. It ticks at half the max
// age so no batch waits much longer than MaxAge when traffic stops.
func (b *Buffer) RunSealer(ctx context.Context) {
	interval := b.opts.MaxAge / 2
	if interval <= 0 {
		interval = time.Millisecond
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.closedCh:
			return
		case <-b.clock.TickAfter(interval):
			b.SealExpired()
		}
	}
}

// Next returns the oldest sealed batch, waiting until one is available.
// After Close it keeps returning the remaining batches, then ErrBufferClosed.
func (b *Buffer) Next(ctx context.Context) (*Batch, error) {
	for {
		b.mu.Lock()
		if len(b.ready) > 0 {
			batch := b.ready[0]
			b.ready[0] = nil
			b.ready = b.ready[1:]
			b.pending[batch.Kind] -= len(batch.Records)
			depth := b.pending[batch.Kind]
			more := len(b.ready) > 0
			b.mu.Unlock()

			if more {
				b.notify()
			}
			if b.metrics != nil {
				b.metrics.UpdateQueueDepth(batch.Kind, depth)
			}
			return batch, nil
		}
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return nil, ErrBufferClosed
		}

		select {
		case <-b.signal:
		case <-b.closedCh:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close seals every open batch and refuses further pushes. Safe to call
// more than once.
func (b *Buffer) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.flushLocked()
	b.closed = true
	b.mu.Unlock()
	close(b.closedCh)
}

// DrainAll removes and returns every batch not yet handed to a worker,
// including open ones.
func (b *Buffer) DrainAll() []*Batch {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
	out := b.ready
	b.ready = nil
	for _, k := range models.AllKinds {
		b.pending[k] = 0
		if b.metrics != nil {
			b.metrics.UpdateQueueDepth(k, 0)
		}
	}
	return out
}

// Depth returns the undelivered record count of kind k.
func (b *Buffer) Depth(k models.Kind) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(k) >= numKinds {
		return 0
	}
	return b.pending[k]
}

// ReadyBatches returns the number of sealed batches waiting for a worker.
func (b *Buffer) ReadyBatches() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ready)
}
