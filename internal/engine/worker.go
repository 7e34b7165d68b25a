package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"geyser-indexer-go/internal/database"
	"geyser-indexer-go/internal/models"
	"geyser-indexer-go/internal/recovery"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const spoolTimeout = 5 * time.Second

// WorkerOptions configures the worker pool.
type WorkerOptions struct {
	Workers         int
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	WriteTimeout    time.Duration

	Tracker    *Tracker
	DeadLetter DeadLetterSink
	Metrics    *Metrics
	Logger     zerolog.Logger
}

// WorkerStats counts batch outcomes since the pool started.
type WorkerStats struct {
	Flushed        uint64
	Dropped        uint64
	DroppedRecords uint64
}

// Since returns the outcomes counted after prev was taken.
func (s WorkerStats) Since(prev WorkerStats) WorkerStats {
	return WorkerStats{
		Flushed:        s.Flushed - prev.Flushed,
		Dropped:        s.Dropped - prev.Dropped,
		DroppedRecords: s.DroppedRecords - prev.DroppedRecords,
	}
}

// WorkerPool drains sealed batches from the buffer into the store. Each
// worker holds at most one lease at a time and only for one write attempt.
type WorkerPool struct {
	opts    WorkerOptions
	buffer  *Buffer
	store   Store
	metrics *Metrics
	log     zerolog.Logger

	group   *errgroup.Group
	settled *settlement

	flushed        atomic.Uint64
	dropped        atomic.Uint64
	droppedRecords atomic.Uint64
}

func NewWorkerPool(buffer *Buffer, store Store, opts WorkerOptions) *WorkerPool {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 100 * time.Millisecond
	}
	if opts.MaxInterval < opts.InitialInterval {
		opts.MaxInterval = opts.InitialInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 30 * time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}
	return &WorkerPool{
		opts:    opts,
		buffer:  buffer,
		store:   store,
		metrics: opts.Metrics,
		log:     opts.Logger.With().Str("component", "worker_pool").Logger(),
		settled: newSettlement(),
	}
}

// Start launches the workers. Cancelling ctx aborts in-flight writes; a
// graceful stop closes the buffer instead and lets the workers run dry.
func (p *WorkerPool) Start(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Workers; i++ {
		id := i
		g.Go(func() error { return p.run(gctx, id) })
	}
	p.group = g
	p.log.Info().Int("workers", p.opts.Workers).Msg("worker_pool_started")
}

// Wait blocks until every worker returned.
func (p *WorkerPool) Wait() error {
	if p.group == nil {
		return nil
	}
	return p.group.Wait()
}

func (p *WorkerPool) Stats() WorkerStats {
	return WorkerStats{
		Flushed:        p.flushed.Load(),
		Dropped:        p.dropped.Load(),
		DroppedRecords: p.droppedRecords.Load(),
	}
}

// WaitPersisted blocks until every batch with id <= through was written or
// dropped. It returns false when any of them was dropped.
func (p *WorkerPool) WaitPersisted(ctx context.Context, through uint64) (bool, error) {
	return p.settled.wait(ctx, through)
}

func (p *WorkerPool) run(ctx context.Context, id int) error {
	log := p.log.With().Int("worker", id).Logger()
	for {
		// 硬取消后剩余批次留给 DrainAll 上报
		if ctx.Err() != nil {
			return nil
		}
		b, err := p.buffer.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrBufferClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		ok := recovery.WithRecoveryNamed(log, fmt.Sprintf("worker-%d", id), func() {
			p.process(ctx, log, b)
		})
		if !ok {
			p.abandon(log, b, ReasonInternal, ErrInternal)
		}
	}
}

func (p *WorkerPool) process(ctx context.Context, log zerolog.Logger, b *Batch) {
	p.filterDead(b)
	if len(b.Records) == 0 {
		p.flushed.Add(1)
		p.settled.settle(b.ID, true)
		return
	}

	poolSlot, d, permanent, err := p.write(ctx, log, b)
	if err == nil {
		p.metrics.RecordWritten(b, d)
		LogBatchFlushed(log, b, poolSlot, d)
		p.flushed.Add(1)
		p.settled.settle(b.ID, true)
		return
	}

	switch {
	case ctx.Err() != nil:
		LogDroppedOnShutdown(log, b)
		p.abandon(log, b, ReasonDroppedOnShutdown, err)
	case permanent:
		LogIngestionFailed(log, b, ReasonPermanent, err)
		p.abandon(log, b, ReasonPermanent, err)
	default:
		err = fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, b.Attempts, err)
		LogIngestionFailed(log, b, ReasonRetriesExhausted, err)
		p.abandon(log, b, ReasonRetriesExhausted, err)
	}
}

// write runs the retry loop. Only transient failures are retried; the
// per-attempt timeout is itself transient.
func (p *WorkerPool) write(ctx context.Context, log zerolog.Logger, b *Batch) (poolSlot int, d time.Duration, permanent bool, err error) {
	op := func() error {
		b.Attempts++
		actx, cancel := context.WithTimeout(ctx, p.opts.WriteTimeout)
		defer cancel()

		start := time.Now()
		slot, werr := p.store.WriteBatch(actx, b.Kind, b.Records)
		if werr == nil {
			poolSlot, d = slot, time.Since(start)
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(werr)
		}
		if !database.IsTransient(werr) {
			permanent = true
			return backoff.Permanent(werr)
		}
		return werr
	}
	notify := func(err error, wait time.Duration) {
		p.metrics.RecordRetry(b.Kind)
		LogWriteRetry(log, b, b.Attempts, wait, err)
	}
	err = backoff.RetryNotify(op, p.policy(ctx), notify)
	return poolSlot, d, permanent, err
}

func (p *WorkerPool) policy(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.opts.InitialInterval
	eb.MaxInterval = p.opts.MaxInterval
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.opts.MaxAttempts-1)), ctx)
}

// filterDead removes account and transaction records whose slot was declared
// dead after they were queued.
func (p *WorkerPool) filterDead(b *Batch) {
	if p.opts.Tracker == nil {
		return
	}
	switch b.Kind {
	case models.KindAccount, models.KindTransaction:
	case models.KindSlot, models.KindBlock:
		return
	default:
		return
	}
	kept := b.Records[:0]
	for _, r := range b.Records {
		if !p.opts.Tracker.IsDead(r.SlotNumber()) {
			kept = append(kept, r)
		}
	}
	if n := len(b.Records) - len(kept); n > 0 {
		for i := len(kept); i < len(b.Records); i++ {
			b.Records[i] = nil
		}
		p.metrics.RecordDeadSlotSkipped(b.Kind, n)
	}
	b.Records = kept
}

// abandon counts a lost batch and spools it when a dead letter sink is set.
func (p *WorkerPool) abandon(log zerolog.Logger, b *Batch, reason string, cause error) {
	p.dropped.Add(1)
	p.droppedRecords.Add(uint64(len(b.Records)))
	p.metrics.RecordDropped(b, reason)
	p.settled.settle(b.ID, false)

	if p.opts.DeadLetter == nil || len(b.Records) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), spoolTimeout)
	defer cancel()
	if err := p.opts.DeadLetter.Put(ctx, b.Kind, b.Records, reason, cause); err != nil {
		log.Error().Err(err).Uint64("batch_id", b.ID).Str("kind", b.Kind.String()).Msg("dead_letter_spool_failed")
		return
	}
	p.metrics.DeadLetterSpooled.WithLabelValues(b.Kind.String()).Inc()
}
