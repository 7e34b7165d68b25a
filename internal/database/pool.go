package database

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
)

// Dialer opens one store connection. Each pool slot owns exactly one.
type Dialer interface {
	Dial(ctx context.Context) (*sqlx.DB, error)
}

// PostgresDialer dials PostgreSQL through the pgx stdlib driver.
type PostgresDialer struct {
	connConfig *pgx.ConnConfig
}

func NewPostgresDialer(dsn string) (*PostgresDialer, error) {
	cc, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	return &PostgresDialer{connConfig: cc}, nil
}

func (d *PostgresDialer) Dial(ctx context.Context) (*sqlx.DB, error) {
	db := sqlx.NewDb(stdlib.OpenDB(*d.connConfig), "pgx")
	// 单连接: 一个 slot 对应一个物理连接
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// PoolOptions tunes reconnect escalation and observability hooks.
type PoolOptions struct {
	Size                 int
	MaxReconnectFailures int
	DialTimeout          time.Duration

	// OnUnhealthy fires once each time consecutive reconnect failures reach
	// MaxReconnectFailures. OnRecovered fires on the next successful dial.
	OnUnhealthy func(error)
	OnRecovered func()
	OnReconnect func(ok bool)

	Logger zerolog.Logger
}

type slot struct {
	id     int
	db     *sqlx.DB
	broken bool
}

// Pool is a fixed set of single-connection slots. A slot is leased to at most
// one worker at a time; the lease must be released after every attempt.
type Pool struct {
	dialer Dialer
	opts   PoolOptions
	log    zerolog.Logger

	free  chan *slot
	slots []*slot

	mu        sync.Mutex
	failures  int
	unhealthy bool

	closed   atomic.Bool
	closeMu  sync.Mutex
	inflight sync.WaitGroup
}

// NewPool dials every slot up front and fails if any of them cannot connect.
func NewPool(ctx context.Context, dialer Dialer, opts PoolOptions) (*Pool, error) {
	if opts.Size <= 0 {
		return nil, fmt.Errorf("pool size must be > 0, got %d", opts.Size)
	}
	if opts.MaxReconnectFailures <= 0 {
		opts.MaxReconnectFailures = 10
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}

	p := &Pool{
		dialer: dialer,
		opts:   opts,
		log:    opts.Logger.With().Str("component", "pool").Logger(),
		free:   make(chan *slot, opts.Size),
		slots:  make([]*slot, 0, opts.Size),
	}
	for i := 0; i < opts.Size; i++ {
		db, err := p.dial(ctx)
		if err != nil {
			p.closeSlots()
			return nil, fmt.Errorf("connect slot %d: %w", i, err)
		}
		s := &slot{id: i, db: db}
		p.slots = append(p.slots, s)
		p.free <- s
	}
	p.log.Info().Int("size", opts.Size).Msg("pool_connected")
	return p, nil
}

func (p *Pool) dial(ctx context.Context) (*sqlx.DB, error) {
	dctx, cancel := context.WithTimeout(ctx, p.opts.DialTimeout)
	defer cancel()
	return p.dialer.Dial(dctx)
}

// Size returns the number of slots.
func (p *Pool) Size() int { return p.opts.Size }

// Healthy is false while reconnect failures are at or above the limit.
func (p *Pool) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.unhealthy
}

// Acquire blocks until a slot is free or ctx is done. Broken slots are
// re-dialed before they are handed out; if that fails the slot goes back to
// the pool still broken and the dial error is returned.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	var s *slot
	select {
	case s = <-p.free:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if p.closed.Load() {
		p.free <- s
		return nil, ErrPoolClosed
	}

	if s.broken || s.db == nil {
		if err := p.reconnect(ctx, s); err != nil {
			p.free <- s
			return nil, err
		}
	}
	p.inflight.Add(1)
	return &Lease{pool: p, slot: s}, nil
}

func (p *Pool) reconnect(ctx context.Context, s *slot) error {
	if s.db != nil {
		_ = s.db.Close()
		s.db = nil
	}
	db, err := p.dial(ctx)
	if err != nil {
		p.recordFailure(s, err)
		return fmt.Errorf("reconnect slot %d: %w", s.id, err)
	}
	s.db = db
	s.broken = false
	p.recordSuccess(s)
	return nil
}

func (p *Pool) recordFailure(s *slot, err error) {
	if p.opts.OnReconnect != nil {
		p.opts.OnReconnect(false)
	}
	p.mu.Lock()
	p.failures++
	failures := p.failures
	escalate := !p.unhealthy && failures >= p.opts.MaxReconnectFailures
	if escalate {
		p.unhealthy = true
	}
	p.mu.Unlock()

	p.log.Warn().Err(err).Int("slot", s.id).Int("consecutive_failures", failures).Msg("reconnect_failed")
	if escalate {
		fatal := fmt.Errorf("%w: %d consecutive reconnect failures: %v", ErrPoolUnhealthy, failures, err)
		p.log.Error().Err(fatal).Msg("pool_unhealthy")
		if p.opts.OnUnhealthy != nil {
			p.opts.OnUnhealthy(fatal)
		}
	}
}

func (p *Pool) recordSuccess(s *slot) {
	if p.opts.OnReconnect != nil {
		p.opts.OnReconnect(true)
	}
	p.mu.Lock()
	recovered := p.unhealthy
	p.failures = 0
	p.unhealthy = false
	p.mu.Unlock()

	p.log.Info().Int("slot", s.id).Msg("slot_reconnected")
	if recovered && p.opts.OnRecovered != nil {
		p.opts.OnRecovered()
	}
}

// Close waits for outstanding leases, then closes every connection.
func (p *Pool) Close() error {
	p.closeMu.Lock()
	defer p.closeMu.Unlock()
	if p.closed.Swap(true) {
		return nil
	}
	p.inflight.Wait()
	p.closeSlots()
	p.log.Info().Msg("pool_closed")
	return nil
}

func (p *Pool) closeSlots() {
	for _, s := range p.slots {
		if s.db != nil {
			_ = s.db.Close()
			s.db = nil
		}
	}
}

// Lease is exclusive use of one slot for one write attempt.
type Lease struct {
	pool     *Pool
	slot     *slot
	released atomic.Bool
}

// DB returns the leased connection. Valid until Release.
func (l *Lease) DB() *sqlx.DB { return l.slot.db }

// Slot returns the slot index, for logs.
func (l *Lease) Slot() int { return l.slot.id }

// Release returns the slot. err is the outcome of the attempt made with it;
// connection-level failures mark the slot for reconnect. Calling Release more
// than once is a no-op.
func (l *Lease) Release(err error) {
	if l.released.Swap(true) {
		return
	}
	if IsConnectionError(err) {
		l.slot.broken = true
		l.pool.log.Debug().Err(err).Int("slot", l.slot.id).Msg("slot_marked_broken")
	}
	l.pool.free <- l.slot
	l.pool.inflight.Done()
}
