package engine

import (
	"errors"
	"fmt"
	"sync/atomic"

	"geyser-indexer-go/internal/config"
	"geyser-indexer-go/internal/limiter"
	"geyser-indexer-go/internal/models"
	"geyser-indexer-go/internal/monitor"
	"geyser-indexer-go/internal/recovery"
	"geyser-indexer-go/pkg/geyser"

	"github.com/rs/zerolog"
)

// CheckpointEndOfStartup names the checkpoint written when the host finishes
// replaying its startup snapshot.
const CheckpointEndOfStartup = "end_of_startup"

// DispatcherOptions wires the dispatcher to the rest of the pipeline.
type DispatcherOptions struct {
	Buffer    *Buffer
	Tracker   *Tracker
	Selectors *config.Selectors
	Kinds     config.KindToggles
	Rate      *monitor.RateMonitor
	Metrics   *Metrics
	Logger    zerolog.Logger
}

// Dispatcher is the callback boundary. Every entry point runs on a host
// thread and must return quickly: it validates, normalizes and hands the
// record to the buffer, and never touches the store.
type Dispatcher struct {
	buffer  *Buffer
	tracker *Tracker
	kinds   config.KindToggles
	rate    *monitor.RateMonitor
	metrics *Metrics
	log     zerolog.Logger

	selectors atomic.Pointer[config.Selectors]
	running   atomic.Bool
	lastSeen  atomic.Uint64

	backpressureLog *limiter.Sampler
	invalidLog      *limiter.Sampler
}

func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}
	if opts.Tracker == nil {
		opts.Tracker = NewTracker(0)
	}
	if opts.Rate == nil {
		opts.Rate = monitor.NewRateMonitor(nil)
	}
	d := &Dispatcher{
		buffer:          opts.Buffer,
		tracker:         opts.Tracker,
		kinds:           opts.Kinds,
		rate:            opts.Rate,
		metrics:         opts.Metrics,
		log:             opts.Logger.With().Str("component", "dispatcher").Logger(),
		backpressureLog: limiter.NewSampler(limiter.DefaultSampleRPS, limiter.DefaultSampleBurst),
		invalidLog:      limiter.NewSampler(limiter.DefaultSampleRPS, limiter.DefaultSampleBurst),
	}
	sel := opts.Selectors
	if sel == nil {
		sel, _ = config.Default().BuildSelectors()
	}
	d.selectors.Store(sel)
	return d
}

// Start opens the gate; Stop closes it. Both are idempotent.
func (d *Dispatcher) Start() { d.running.Store(true) }
func (d *Dispatcher) Stop()  { d.running.Store(false) }

func (d *Dispatcher) Running() bool { return d.running.Load() }

// SetSelectors swaps the selectors atomically; in-flight callbacks finish
// with whichever set they loaded.
func (d *Dispatcher) SetSelectors(s *config.Selectors) {
	if s != nil {
		d.selectors.Store(s)
	}
}

func (d *Dispatcher) Selectors() *config.Selectors { return d.selectors.Load() }

// LastSeenSlot is the highest slot carried by any valid notification,
// including ones filtered out or refused under backpressure.
func (d *Dispatcher) LastSeenSlot() uint64 { return d.lastSeen.Load() }

func (d *Dispatcher) AccountsEnabled() bool {
	return d.kinds.Accounts && d.selectors.Load().Accounts.Enabled()
}

func (d *Dispatcher) TransactionsEnabled() bool {
	return d.kinds.Transactions && d.selectors.Load().Transactions.Enabled()
}

// NotifyAccount ingests one account update.
func (d *Dispatcher) NotifyAccount(raw geyser.ReplicaAccountInfo, slot uint64, isStartup bool) error {
	return d.dispatch(models.KindAccount, "update_account", func() (models.Record, bool, error) {
		if !d.kinds.Accounts {
			return nil, false, nil
		}
		a, err := normalizeAccount(raw, slot, isStartup)
		if err != nil {
			return nil, false, err
		}
		return a, d.selectors.Load().Accounts.Selected(a.Pubkey, a.Owner), nil
	})
}

// NotifyTransaction ingests one transaction.
func (d *Dispatcher) NotifyTransaction(raw geyser.ReplicaTransactionInfo, slot uint64) error {
	return d.dispatch(models.KindTransaction, "notify_transaction", func() (models.Record, bool, error) {
		if !d.kinds.Transactions {
			return nil, false, nil
		}
		t, err := normalizeTransaction(raw, slot)
		if err != nil {
			return nil, false, err
		}
		return t, d.selectors.Load().Transactions.Selected(t.IsVote, t.AccountKeys), nil
	})
}

// UpdateSlotStatus ingests one slot transition. The tracker sees every valid
// transition even when slot rows are not stored, so dead-slot filtering keeps
// working.
func (d *Dispatcher) UpdateSlotStatus(slot uint64, parent *uint64, status geyser.SlotStatus) error {
	return d.dispatch(models.KindSlot, "update_slot_status", func() (models.Record, bool, error) {
		s, err := normalizeSlotStatus(slot, parent, status)
		if err != nil {
			return nil, false, err
		}
		if d.tracker.Apply(*s) && s.Status == models.SlotRooted {
			d.metrics.HighestRootedSlot.Set(float64(d.tracker.HighestRooted()))
		}
		if s.Status == models.SlotDead {
			d.log.Info().Uint64("slot", slot).Msg("slot_dead")
		}
		return s, d.kinds.Slots, nil
	})
}

// NotifyBlockMetadata ingests the metadata of a finished block.
func (d *Dispatcher) NotifyBlockMetadata(raw geyser.ReplicaBlockInfo) error {
	return d.dispatch(models.KindBlock, "notify_block_metadata", func() (models.Record, bool, error) {
		if !d.kinds.Blocks {
			return nil, false, nil
		}
		b, err := normalizeBlock(raw)
		if err != nil {
			return nil, false, err
		}
		return b, true, nil
	})
}

// StartupMark is where the startup snapshot ends.
type StartupMark struct {
	Slot uint64
	// Through is the highest batch id that may hold startup records.
	Through uint64
}

// NotifyEndOfStartup seals every open batch so the startup snapshot is
// written without waiting for the age threshold. The returned mark carries
// the highest slot seen so far, which the caller records as the
// end-of-startup checkpoint once every batch up to Through is persisted.
func (d *Dispatcher) NotifyEndOfStartup() (StartupMark, error) {
	if !d.running.Load() {
		return StartupMark{}, ErrNotRunning
	}
	sealed, through := d.buffer.FlushAll()
	mark := StartupMark{Slot: d.lastSeen.Load(), Through: through}
	d.log.Info().Int("sealed_batches", sealed).Uint64("slot", mark.Slot).Uint64("through_batch", through).Msg("end_of_startup")
	return mark, nil
}

// dispatch runs build under the panic guard and pushes its record. build
// returns selected=false for records that are filtered out on purpose.
func (d *Dispatcher) dispatch(kind models.Kind, callback string, build func() (models.Record, bool, error)) error {
	if !d.running.Load() {
		d.metrics.RecordRejected(kind, ReasonNotRunning)
		return ErrNotRunning
	}

	err := recovery.Guard(d.log, callback, func() error {
		r, selected, err := build()
		if err != nil {
			return err
		}
		// 水位线跟随主机送来的槽位, 与过滤和背压无关
		if r != nil {
			d.observe(r.SlotNumber())
		}
		if !selected {
			d.metrics.RecordFiltered(kind)
			return nil
		}
		if err := d.buffer.Push(r); err != nil {
			return err
		}
		d.metrics.RecordAccepted(kind)
		d.rate.Record(1)
		return nil
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrBackpressure):
		d.metrics.RecordRejected(kind, ReasonBackpressure)
		if ok, suppressed := d.backpressureLog.Allow(); ok {
			LogBackpressure(d.log, kind, d.buffer.Depth(kind), suppressed)
		}
		return err
	case errors.Is(err, ErrInvalidNotification):
		d.metrics.RecordRejected(kind, ReasonInvalid)
		if ok, suppressed := d.invalidLog.Allow(); ok {
			d.log.Warn().Str("kind", kind.String()).Uint64("suppressed", suppressed).Err(err).Msg("notification_rejected_invalid")
		}
		return err
	case errors.Is(err, ErrBufferClosed):
		d.metrics.RecordRejected(kind, ReasonNotRunning)
		return ErrNotRunning
	default:
		// recovered panics land here too
		d.metrics.RecordRejected(kind, ReasonInternal)
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
}

// observe advances the watermark with a CAS loop.
func (d *Dispatcher) observe(slot uint64) {
	for {
		cur := d.lastSeen.Load()
		if slot <= cur {
			return
		}
		if d.lastSeen.CompareAndSwap(cur, slot) {
			d.metrics.HighestSlot.Set(float64(slot))
			return
		}
	}
}
