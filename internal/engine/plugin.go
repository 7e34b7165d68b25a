package engine

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"geyser-indexer-go/internal/config"
	"geyser-indexer-go/internal/database"
	"geyser-indexer-go/internal/deadletter"
	"geyser-indexer-go/internal/models"
	"geyser-indexer-go/internal/monitor"
	"geyser-indexer-go/internal/recovery"
	"geyser-indexer-go/pkg/geyser"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/rs/zerolog"
)

// PluginName is reported to the host and tagged on every log line.
const PluginName = "geyser-postgres"

const (
	auxShutdownTimeout = 5 * time.Second
	statsInterval      = time.Second
)

var _ geyser.Plugin = (*Plugin)(nil)

// Options replaces collaborators, mostly for tests. The zero value connects
// to PostgreSQL as configured.
type Options struct {
	// Dialer opens pool slots instead of the configured PostgreSQL server.
	Dialer database.Dialer
	// Store bypasses the pool and schema check entirely.
	Store     Store
	Clock     clock.Clock
	LogWriter io.Writer
}

// ShutdownReport accounts for every batch sealed during the plugin's life.
// The Shutdown fields cover only batches lost between the start of Unload
// and its return.
type ShutdownReport struct {
	FlushedBatches         uint64 `json:"flushed_batches"`
	DroppedBatches         uint64 `json:"dropped_batches"`
	DroppedRecords         uint64 `json:"dropped_records"`
	ShutdownDroppedBatches uint64 `json:"shutdown_dropped_batches"`
	ShutdownDroppedRecords uint64 `json:"shutdown_dropped_records"`
	TimedOut               bool   `json:"timed_out"`
	// Clean is true when the shutdown itself lost nothing and workers
	// drained in time.
	Clean bool `json:"clean"`
}

// Plugin is the context object handed to the host. Everything a loaded
// instance owns hangs off an atomically swapped runtime, so callbacks racing
// with Unload either see a live runtime or none.
type Plugin struct {
	opts  Options
	state *stateMachine

	loadMu sync.Mutex
	rt     atomic.Pointer[runtime]
	report ShutdownReport
}

type runtime struct {
	cfg     *config.Config
	log     zerolog.Logger
	metrics *Metrics

	pool       *database.Pool
	store      Store
	spool      *deadletter.Spool
	buffer     *Buffer
	tracker    *Tracker
	rate       *monitor.RateMonitor
	dispatcher *Dispatcher
	workers    *WorkerPool
	health     *HealthServer

	checkpoints chan StartupMark
	cancelWork  context.CancelFunc
	cancelAux   context.CancelFunc
	aux         sync.WaitGroup
}

func New(opts Options) *Plugin {
	if opts.Clock == nil {
		opts.Clock = clock.NewDefaultClock()
	}
	return &Plugin{
		opts:  opts,
		state: newStateMachine(zerolog.Nop(), nil),
	}
}

func (p *Plugin) Name() string { return PluginName }

// OnLoad is the host entry point. A non-nil error aborts validator startup.
func (p *Plugin) OnLoad(configPath string) error {
	return p.Load(context.Background(), configPath)
}

// OnUnload is the host exit point.
func (p *Plugin) OnUnload() { p.Unload() }

// Load reads the config file and starts the plugin.
func (p *Plugin) Load(ctx context.Context, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	return p.LoadConfig(ctx, cfg)
}

// LoadConfig starts the plugin from an already validated config: connect
// the pool, verify the schema, then start the sealer, the workers and the
// optional health server and config watcher. Any failure leaves the plugin
// stopped with nothing running.
func (p *Plugin) LoadConfig(ctx context.Context, cfg *config.Config) (err error) {
	p.loadMu.Lock()
	defer p.loadMu.Unlock()
	if p.rt.Load() != nil {
		return ErrAlreadyLoaded
	}

	log := NewLogger(cfg.LogLevel, cfg.LogFormat, p.opts.LogWriter)
	metrics := NewMetrics()
	p.state.observe(log, func(s State) { metrics.PluginState.Set(float64(s)) })
	if err := p.state.TransitionTo(StateStarting, "load"); err != nil {
		return err
	}

	rt := &runtime{cfg: cfg, log: log, metrics: metrics, checkpoints: make(chan StartupMark, 1)}
	defer func() {
		if err != nil {
			rt.closeResources()
			_ = p.state.TransitionTo(StateStopped, "load_failed")
			log.Error().Err(err).Msg("plugin_load_failed")
		}
	}()

	selectors, err := cfg.BuildSelectors()
	if err != nil {
		return err
	}
	if err := p.openStore(ctx, rt); err != nil {
		return err
	}
	if cfg.DeadLetterPath != "" {
		if rt.spool, err = deadletter.Open(cfg.DeadLetterPath); err != nil {
			return err
		}
	}

	rt.tracker = NewTracker(cfg.SlotRetention)
	rt.rate = monitor.NewRateMonitor(p.opts.Clock)
	rt.buffer = NewBuffer(BufferOptions{
		BatchSize: cfg.BatchSize,
		MaxAge:    cfg.MaxBatchAge,
		Capacity:  cfg.QueueCapacity,
		Clock:     p.opts.Clock,
		Metrics:   metrics,
	})
	rt.dispatcher = NewDispatcher(DispatcherOptions{
		Buffer:    rt.buffer,
		Tracker:   rt.tracker,
		Selectors: selectors,
		Kinds:     cfg.Kinds,
		Rate:      rt.rate,
		Metrics:   metrics,
		Logger:    log,
	})
	wopts := WorkerOptions{
		Workers:         cfg.PoolSize,
		MaxAttempts:     cfg.RetryMaxAttempts,
		InitialInterval: cfg.RetryInitialInterval,
		MaxInterval:     cfg.RetryMaxInterval,
		WriteTimeout:    cfg.WriteTimeout,
		Tracker:         rt.tracker,
		Metrics:         metrics,
		Logger:          log,
	}
	if rt.spool != nil {
		wopts.DeadLetter = rt.spool
	}
	rt.workers = NewWorkerPool(rt.buffer, rt.store, wopts)

	if cfg.MetricsAddr != "" {
		rt.health = NewHealthServer(p, metrics.Registry, log)
		if err := rt.health.Start(cfg.MetricsAddr); err != nil {
			return err
		}
	}

	workCtx, cancelWork := context.WithCancel(context.Background())
	auxCtx, cancelAux := context.WithCancel(context.Background())
	rt.cancelWork, rt.cancelAux = cancelWork, cancelAux

	rt.workers.Start(workCtx)
	rt.goAux("sealer", func() { rt.buffer.RunSealer(auxCtx) })
	rt.goAux("stats", func() { rt.reportStats(auxCtx, p.opts.Clock) })
	rt.goAux("checkpoint", func() { rt.saveCheckpoints(auxCtx) })
	if cfg.WatchConfig && cfg.Path != "" {
		w := config.NewWatcher(cfg.Path, log, rt.reloadSelectors)
		rt.goAux("config_watcher", func() {
			if err := w.Run(auxCtx); err != nil {
				log.Warn().Err(err).Msg("config_watcher_stopped")
			}
		})
	}

	metrics.RecordStartTime()
	metrics.SetPoolHealthy(true)
	rt.dispatcher.Start()
	p.rt.Store(rt)
	if err := p.state.TransitionTo(StateRunning, "loaded"); err != nil {
		p.rt.Store(nil)
		rt.dispatcher.Stop()
		rt.buffer.Close()
		cancelWork()
		cancelAux()
		_ = rt.workers.Wait()
		rt.aux.Wait()
		return err
	}

	log.Info().
		Int("pool_size", cfg.PoolSize).
		Int("batch_size", cfg.BatchSize).
		Dur("max_batch_age", cfg.MaxBatchAge).
		Int("queue_capacity", cfg.QueueCapacity).
		Bool("account_history", cfg.StoreAccountHistory).
		Bool("accounts_enabled", rt.dispatcher.AccountsEnabled()).
		Bool("transactions_enabled", rt.dispatcher.TransactionsEnabled()).
		Msg("plugin_loaded")
	return nil
}

// openStore connects the pool and checks the schema, unless a store was
// injected.
func (p *Plugin) openStore(ctx context.Context, rt *runtime) error {
	if p.opts.Store != nil {
		rt.store = p.opts.Store
		return nil
	}
	dialer := p.opts.Dialer
	if dialer == nil {
		pg, err := database.NewPostgresDialer(rt.cfg.DSN())
		if err != nil {
			return fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
		}
		dialer = pg
	}

	pool, err := database.NewPool(ctx, dialer, database.PoolOptions{
		Size:                 rt.cfg.PoolSize,
		MaxReconnectFailures: rt.cfg.MaxReconnectFailures,
		Logger:               rt.log,
		OnReconnect:          rt.metrics.RecordReconnect,
		OnUnhealthy: func(err error) {
			rt.metrics.SetPoolHealthy(false)
			if terr := p.state.TransitionTo(StateCrashed, err.Error()); terr != nil {
				rt.log.Debug().Err(terr).Msg("crash_transition_skipped")
			}
		},
		OnRecovered: func() {
			rt.metrics.SetPoolHealthy(true)
			if p.state.State() == StateCrashed {
				_ = p.state.TransitionTo(StateRunning, "pool_recovered")
			}
		},
	})
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}
	rt.pool = pool

	lease, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("verify schema: %w", err)
	}
	err = database.VerifySchema(ctx, lease.DB(), database.RequiredTables(rt.cfg.StoreAccountHistory))
	lease.Release(err)
	if err != nil {
		return err
	}
	rt.store = NewPoolStore(pool, database.NewWriter(database.WriterOptions{
		StoreAccountHistory: rt.cfg.StoreAccountHistory,
	}))
	return nil
}

// Unload stops ingestion and drains the buffer. Workers get ShutdownTimeout
// to finish; after that in-flight writes are cancelled and whatever is left
// is reported as dropped_on_shutdown. Unload on a stopped plugin returns the
// previous report.
func (p *Plugin) Unload() ShutdownReport {
	p.loadMu.Lock()
	defer p.loadMu.Unlock()
	rt := p.rt.Load()
	if rt == nil {
		return p.report
	}
	_ = p.state.TransitionTo(StateStopping, "unload")
	before := rt.workers.Stats()
	rt.dispatcher.Stop()
	p.rt.Store(nil)
	rt.buffer.Close()

	done := make(chan error, 1)
	go func() { done <- rt.workers.Wait() }()

	timedOut := false
	timer := time.NewTimer(rt.cfg.ShutdownTimeout)
	select {
	case err := <-done:
		timer.Stop()
		if err != nil {
			rt.log.Error().Err(err).Msg("worker_pool_failed")
		}
	case <-timer.C:
		timedOut = true
		rt.log.Warn().Dur("timeout", rt.cfg.ShutdownTimeout).Msg("shutdown_timeout_cancelling_writes")
		rt.cancelWork()
		<-done
	}
	rt.cancelWork()

	for _, b := range rt.buffer.DrainAll() {
		LogDroppedOnShutdown(rt.log, b)
		rt.workers.abandon(rt.log, b, ReasonDroppedOnShutdown, nil)
	}

	rt.cancelAux()
	rt.aux.Wait()
	rt.closeResources()

	stats := rt.workers.Stats()
	lost := stats.Since(before)
	report := ShutdownReport{
		FlushedBatches:         stats.Flushed,
		DroppedBatches:         stats.Dropped,
		DroppedRecords:         stats.DroppedRecords,
		ShutdownDroppedBatches: lost.Dropped,
		ShutdownDroppedRecords: lost.DroppedRecords,
		TimedOut:               timedOut,
		Clean:                  !timedOut && lost.Dropped == 0,
	}
	p.report = report
	_ = p.state.TransitionTo(StateStopped, "unloaded")

	ev := rt.log.Info()
	if !report.Clean {
		ev = rt.log.Warn()
	}
	ev.Uint64("flushed_batches", report.FlushedBatches).
		Uint64("dropped_batches", report.DroppedBatches).
		Uint64("dropped_records", report.DroppedRecords).
		Uint64("shutdown_dropped_batches", report.ShutdownDroppedBatches).
		Uint64("shutdown_dropped_records", report.ShutdownDroppedRecords).
		Bool("timed_out", report.TimedOut).
		Msg("plugin_unloaded")
	return report
}

// closeResources releases what Load opened, in reverse order.
func (rt *runtime) closeResources() {
	if rt.health != nil {
		ctx, cancel := context.WithTimeout(context.Background(), auxShutdownTimeout)
		if err := rt.health.Shutdown(ctx); err != nil {
			rt.log.Warn().Err(err).Msg("health_server_shutdown_failed")
		}
		cancel()
	}
	if rt.spool != nil {
		if err := rt.spool.Close(); err != nil {
			rt.log.Warn().Err(err).Msg("dead_letter_close_failed")
		}
	}
	if rt.pool != nil {
		_ = rt.pool.Close()
	}
}

func (rt *runtime) goAux(name string, fn func()) {
	rt.aux.Add(1)
	go func() {
		defer rt.aux.Done()
		recovery.WithRecoveryNamed(rt.log, name, fn)
	}()
}

func (rt *runtime) reportStats(ctx context.Context, c clock.Clock) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.TickAfter(statsInterval):
			rt.metrics.IngestRate.Set(rt.rate.Rate())
		}
	}
}

// saveCheckpoints writes end-of-startup checkpoints off the host thread,
// once every startup batch is persisted. A lossy snapshot gets no checkpoint.
func (rt *runtime) saveCheckpoints(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// Unload 取消前 workers 已排空, 待处理的检查点仍可写入
			select {
			case mark := <-rt.checkpoints:
				rt.saveCheckpoint(ctx, mark)
			default:
			}
			return
		case mark := <-rt.checkpoints:
			rt.saveCheckpoint(ctx, mark)
		}
	}
}

func (rt *runtime) saveCheckpoint(ctx context.Context, mark StartupMark) {
	persisted, err := rt.workers.WaitPersisted(ctx, mark.Through)
	if err != nil {
		rt.log.Warn().Err(err).Uint64("slot", mark.Slot).Msg("checkpoint_abandoned")
		return
	}
	if !persisted {
		rt.log.Warn().Uint64("slot", mark.Slot).Uint64("through_batch", mark.Through).Msg("checkpoint_skipped_startup_dropped")
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rt.cfg.WriteTimeout)
	defer cancel()
	if err := rt.store.SaveCheckpoint(cctx, CheckpointEndOfStartup, mark.Slot); err != nil {
		rt.log.Warn().Err(err).Uint64("slot", mark.Slot).Msg("checkpoint_save_failed")
		return
	}
	rt.log.Info().Uint64("slot", mark.Slot).Msg("checkpoint_saved")
}

func (rt *runtime) reloadSelectors(cfg *config.Config) {
	sel, err := cfg.BuildSelectors()
	if err != nil {
		rt.log.Warn().Err(err).Msg("selector_reload_rejected")
		return
	}
	rt.dispatcher.SetSelectors(sel)
	rt.log.Info().
		Bool("accounts_enabled", rt.dispatcher.AccountsEnabled()).
		Bool("transactions_enabled", rt.dispatcher.TransactionsEnabled()).
		Msg("selectors_reloaded")
}

// Host callbacks.

func (p *Plugin) UpdateAccount(account geyser.ReplicaAccountInfo, slot uint64, isStartup bool) error {
	rt := p.rt.Load()
	if rt == nil {
		return ErrNotRunning
	}
	return rt.dispatcher.NotifyAccount(account, slot, isStartup)
}

func (p *Plugin) NotifyTransaction(tx geyser.ReplicaTransactionInfo, slot uint64) error {
	rt := p.rt.Load()
	if rt == nil {
		return ErrNotRunning
	}
	return rt.dispatcher.NotifyTransaction(tx, slot)
}

func (p *Plugin) UpdateSlotStatus(slot uint64, parent *uint64, status geyser.SlotStatus) error {
	rt := p.rt.Load()
	if rt == nil {
		return ErrNotRunning
	}
	return rt.dispatcher.UpdateSlotStatus(slot, parent, status)
}

func (p *Plugin) NotifyBlockMetadata(block geyser.ReplicaBlockInfo) error {
	rt := p.rt.Load()
	if rt == nil {
		return ErrNotRunning
	}
	return rt.dispatcher.NotifyBlockMetadata(block)
}

// NotifyEndOfStartup flushes the startup snapshot and queues the checkpoint,
// which is written once the snapshot is persisted. It never waits on the
// store.
func (p *Plugin) NotifyEndOfStartup() error {
	rt := p.rt.Load()
	if rt == nil {
		return ErrNotRunning
	}
	mark, err := rt.dispatcher.NotifyEndOfStartup()
	if err != nil {
		return err
	}
	select {
	case rt.checkpoints <- mark:
	default:
		rt.log.Debug().Uint64("slot", mark.Slot).Msg("checkpoint_already_pending")
	}
	return nil
}

func (p *Plugin) AccountDataNotificationsEnabled() bool {
	rt := p.rt.Load()
	return rt != nil && rt.dispatcher.AccountsEnabled()
}

func (p *Plugin) TransactionNotificationsEnabled() bool {
	rt := p.rt.Load()
	return rt != nil && rt.dispatcher.TransactionsEnabled()
}

// HealthSource.

func (p *Plugin) State() State { return p.state.State() }

func (p *Plugin) PoolHealthy() bool {
	rt := p.rt.Load()
	if rt == nil {
		return false
	}
	return rt.pool == nil || rt.pool.Healthy()
}

func (p *Plugin) QueueDepth(kind models.Kind) (depth, capacity int) {
	rt := p.rt.Load()
	if rt == nil {
		return 0, 0
	}
	return rt.buffer.Depth(kind), rt.buffer.opts.Capacity
}

func (p *Plugin) LastSeenSlot() uint64 {
	rt := p.rt.Load()
	if rt == nil {
		return 0
	}
	return rt.dispatcher.LastSeenSlot()
}

func (p *Plugin) HighestRootedSlot() uint64 {
	rt := p.rt.Load()
	if rt == nil {
		return 0
	}
	return rt.tracker.HighestRooted()
}

func (p *Plugin) IngestRate() float64 {
	rt := p.rt.Load()
	if rt == nil {
		return 0
	}
	return rt.rate.Rate()
}

// Metrics returns the live instance's metrics, or nil when stopped.
func (p *Plugin) Metrics() *Metrics {
	rt := p.rt.Load()
	if rt == nil {
		return nil
	}
	return rt.metrics
}
