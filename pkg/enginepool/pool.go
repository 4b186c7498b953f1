// Package enginepool manages a bounded pool of expensive recognition engine
// instances.
//
// Engines are slow to create and memory-heavy, so the pool creates
// InitialSize of them eagerly, grows lazily up to MaxSize when demand
// outstrips supply, and a background health loop shrinks idle capacity back
// down to MinSize. A checked-out engine is owned by exactly one caller until
// released; the free set is a bounded channel so waiters block cooperatively
// instead of polling.
package enginepool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultInitialSize    = 2
	DefaultMaxSize        = 6
	DefaultMinSize        = 1
	DefaultMaxIdleTime    = 5 * time.Minute
	DefaultHealthInterval = time.Minute
	DefaultAcquireTimeout = 30 * time.Second
)

// acquisitionWindow bounds the latency samples kept for Stats.
const acquisitionWindow = 100

var (
	// ErrAcquireTimeout is returned when no engine became available within
	// the caller's timeout.
	ErrAcquireTimeout = errors.New("enginepool: acquire timed out")

	// ErrPoolClosed is returned by Acquire after Shutdown.
	ErrPoolClosed = errors.New("enginepool: pool closed")
)

// Engine is a pooled recognition engine instance. Implementations are
// created by the injected Factory and must release their resources in
// Close.
type Engine interface {
	ID() string
	Close() error
}

// Factory creates a new engine instance. It is invoked under the pool's
// size lock, so creations are serialized: loading two engines concurrently
// would double the peak memory footprint.
type Factory func(ctx context.Context) (Engine, error)

// Config controls pool sizing and the health loop.
type Config struct {
	// InitialSize engines are created eagerly at construction.
	InitialSize int `koanf:"initial_size"`

	// MinSize is the floor the health loop never shrinks below.
	MinSize int `koanf:"min_size"`

	// MaxSize caps the total number of live engines, leased or free.
	MaxSize int `koanf:"max_size"`

	// MaxIdleTime is how long an engine may sit unused before the health
	// loop considers it for eviction.
	MaxIdleTime time.Duration `koanf:"max_idle_time"`

	// HealthInterval is the health loop period.
	HealthInterval time.Duration `koanf:"health_interval"`
}

func (c Config) withDefaults() Config {
	if c.InitialSize <= 0 {
		c.InitialSize = DefaultInitialSize
	}
	if c.MaxSize <= 0 {
		c.MaxSize = DefaultMaxSize
	}
	if c.MinSize <= 0 {
		c.MinSize = DefaultMinSize
	}
	if c.MaxIdleTime <= 0 {
		c.MaxIdleTime = DefaultMaxIdleTime
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = DefaultHealthInterval
	}
	if c.MinSize > c.MaxSize {
		c.MinSize = c.MaxSize
	}
	if c.InitialSize > c.MaxSize {
		c.InitialSize = c.MaxSize
	}
	return c
}

// Stats is a point-in-time snapshot of pool health.
type Stats struct {
	CurrentSize    int     `json:"current_size"`
	AvailableCount int     `json:"available_count"`
	ActiveCount    int     `json:"active_count"`
	MinSize        int     `json:"min_size"`
	MaxSize        int     `json:"max_size"`
	TotalCreated   uint64  `json:"total_created"`
	TotalDestroyed uint64  `json:"total_destroyed"`
	TotalAcquired  uint64  `json:"total_acquired"`
	TotalReleased  uint64  `json:"total_released"`
	AvgAcquireMs   float64 `json:"avg_acquire_ms"`
	MaxAcquireMs   float64 `json:"max_acquire_ms"`
}

// Lease is a checked-out engine. The holder owns the engine exclusively
// until it calls Pool.Release.
type Lease struct {
	eng        Engine
	acquiredAt time.Time
	released   bool // guarded by the pool's stats lock via Release
}

// Engine returns the leased engine instance.
func (l *Lease) Engine() Engine {
	return l.eng
}

// Pool is a bounded pool of Engine instances.
type Pool struct {
	cfg     Config
	factory Factory
	logger  zerolog.Logger

	free chan Engine

	// sizeMu guards size and closed, and serializes factory calls.
	sizeMu sync.Mutex
	size   int
	closed bool

	statsMu      sync.Mutex
	created      uint64
	destroyed    uint64
	acquired     uint64
	released     uint64
	active       int
	acquireTimes []time.Duration

	lastUsedMu sync.Mutex
	lastUsed   map[string]time.Time

	healthStop chan struct{}
	healthDone chan struct{}
}

// New creates the pool, eagerly populates InitialSize engines and starts
// the health loop. Individual creation failures during initial population
// are logged and skipped: the pool starts smaller and grows on demand.
func New(cfg Config, factory Factory, logger zerolog.Logger) (*Pool, error) {
	if factory == nil {
		return nil, errors.New("enginepool: factory is required")
	}
	cfg = cfg.withDefaults()

	p := &Pool{
		cfg:        cfg,
		factory:    factory,
		logger:     logger.With().Str("component", "enginepool").Logger(),
		free:       make(chan Engine, cfg.MaxSize),
		lastUsed:   make(map[string]time.Time),
		healthStop: make(chan struct{}),
		healthDone: make(chan struct{}),
	}

	for i := 0; i < cfg.InitialSize; i++ {
		eng, err := p.create(context.Background())
		if err != nil {
			p.logger.Error().Err(err).Int("index", i).Msg("Initial engine creation failed")
			continue
		}
		p.free <- eng
	}

	go p.healthLoop()

	p.logger.Info().
		Int("initial_size", cfg.InitialSize).
		Int("max_size", cfg.MaxSize).
		Msg("Engine pool initialized")
	return p, nil
}

// Acquire checks an engine out of the pool. The fast path takes a free
// engine without blocking; if none is free and the pool is below MaxSize a
// new engine is created; otherwise the caller blocks until an engine is
// released, the timeout elapses, ctx is done, or the pool shuts down.
//
// A failed creation is not propagated: the caller falls back to the
// blocking wait, so transient factory errors surface as (at worst) an
// ErrAcquireTimeout rather than an immediate failure.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Lease, error) {
	if timeout <= 0 {
		timeout = DefaultAcquireTimeout
	}
	start := time.Now()

	p.sizeMu.Lock()
	closed := p.closed
	p.sizeMu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}

	// Fast path: a free engine is waiting.
	select {
	case eng := <-p.free:
		return p.leased(eng, start), nil
	default:
	}

	// Grow lazily. create refuses when the pool is at capacity.
	eng, err := p.create(ctx)
	if err == nil {
		return p.leased(eng, start), nil
	}
	if !errors.Is(err, errAtCapacity) {
		p.logger.Warn().Err(err).Msg("Engine creation failed, waiting for a release")
	}

	timer := time.NewTimer(timeout - time.Since(start))
	defer timer.Stop()

	select {
	case eng := <-p.free:
		return p.leased(eng, start), nil
	case <-timer.C:
		return nil, ErrAcquireTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.healthStop:
		return nil, ErrPoolClosed
	}
}

// Release returns a leased engine to the free set. If the free set is full
// (a concurrent eviction already refilled capacity) or the pool has shut
// down, the engine is destroyed instead. Release is idempotent per lease.
func (p *Pool) Release(l *Lease) {
	if l == nil {
		return
	}

	p.statsMu.Lock()
	if l.released {
		p.statsMu.Unlock()
		return
	}
	l.released = true
	p.released++
	p.active--
	p.statsMu.Unlock()

	p.touch(l.eng)

	p.sizeMu.Lock()
	closed := p.closed
	p.sizeMu.Unlock()
	if closed {
		p.destroy(l.eng)
		return
	}

	select {
	case p.free <- l.eng:
	default:
		p.logger.Warn().Str("engine_id", l.eng.ID()).Msg("Free set full, destroying surplus engine")
		p.destroy(l.eng)
	}
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() Stats {
	p.sizeMu.Lock()
	size := p.size
	p.sizeMu.Unlock()

	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	s := Stats{
		CurrentSize:    size,
		AvailableCount: len(p.free),
		ActiveCount:    p.active,
		MinSize:        p.cfg.MinSize,
		MaxSize:        p.cfg.MaxSize,
		TotalCreated:   p.created,
		TotalDestroyed: p.destroyed,
		TotalAcquired:  p.acquired,
		TotalReleased:  p.released,
	}
	if len(p.acquireTimes) > 0 {
		var sum, max time.Duration
		for _, d := range p.acquireTimes {
			sum += d
			if d > max {
				max = d
			}
		}
		s.AvgAcquireMs = float64(sum.Microseconds()) / float64(len(p.acquireTimes)) / 1000.0
		s.MaxAcquireMs = float64(max.Microseconds()) / 1000.0
	}
	return s
}

// Shutdown stops the health loop and destroys every free engine. Leased
// engines are destroyed as they come back through Release. Safe to call
// once; Acquire fails with ErrPoolClosed afterwards.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.sizeMu.Lock()
	if p.closed {
		p.sizeMu.Unlock()
		return nil
	}
	p.closed = true
	p.sizeMu.Unlock()

	close(p.healthStop)
	select {
	case <-p.healthDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	for {
		select {
		case eng := <-p.free:
			p.destroy(eng)
		default:
			p.logger.Info().Msg("Engine pool shut down")
			return nil
		}
	}
}

// errAtCapacity distinguishes "pool full" from genuine factory failures.
var errAtCapacity = errors.New("enginepool: at maximum capacity")

// create makes a new engine if the pool is below MaxSize. The factory runs
// under the size lock; see Factory.
func (p *Pool) create(ctx context.Context) (Engine, error) {
	p.sizeMu.Lock()
	defer p.sizeMu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	if p.size >= p.cfg.MaxSize {
		return nil, errAtCapacity
	}

	eng, err := p.factory(ctx)
	if err != nil {
		return nil, err
	}
	p.size++

	p.statsMu.Lock()
	p.created++
	p.statsMu.Unlock()

	p.touch(eng)
	p.logger.Info().
		Str("engine_id", eng.ID()).
		Int("size", p.size).
		Int("max_size", p.cfg.MaxSize).
		Msg("Created engine instance")
	return eng, nil
}

func (p *Pool) destroy(eng Engine) {
	p.lastUsedMu.Lock()
	delete(p.lastUsed, eng.ID())
	p.lastUsedMu.Unlock()

	if err := eng.Close(); err != nil {
		p.logger.Error().Err(err).Str("engine_id", eng.ID()).Msg("Engine close failed")
	}

	p.sizeMu.Lock()
	p.size--
	size := p.size
	p.sizeMu.Unlock()

	p.statsMu.Lock()
	p.destroyed++
	p.statsMu.Unlock()

	p.logger.Info().Str("engine_id", eng.ID()).Int("size", size).Msg("Destroyed engine instance")
}

func (p *Pool) leased(eng Engine, start time.Time) *Lease {
	elapsed := time.Since(start)

	p.statsMu.Lock()
	p.acquired++
	p.active++
	p.acquireTimes = append(p.acquireTimes, elapsed)
	if len(p.acquireTimes) > acquisitionWindow {
		p.acquireTimes = p.acquireTimes[1:]
	}
	p.statsMu.Unlock()

	if elapsed > time.Second {
		p.logger.Warn().Dur("elapsed", elapsed).Msg("Slow engine acquisition")
	}

	p.touch(eng)
	return &Lease{eng: eng, acquiredAt: time.Now()}
}

func (p *Pool) touch(eng Engine) {
	p.lastUsedMu.Lock()
	p.lastUsed[eng.ID()] = time.Now()
	p.lastUsedMu.Unlock()
}

func (p *Pool) healthLoop() {
	defer close(p.healthDone)

	ticker := time.NewTicker(p.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.evictIdle()
		case <-p.healthStop:
			return
		}
	}
}

// evictIdle destroys free engines whose idle time exceeds MaxIdleTime,
// never dropping the pool below MinSize and never touching leased engines
// (they are not in the free channel). Only free engines are drained, so a
// non-idle engine pulled out during the sweep goes straight back.
func (p *Pool) evictIdle() {
	now := time.Now()

	p.lastUsedMu.Lock()
	idle := make(map[string]struct{})
	for id, last := range p.lastUsed {
		if now.Sub(last) > p.cfg.MaxIdleTime {
			idle[id] = struct{}{}
		}
	}
	p.lastUsedMu.Unlock()

	if len(idle) == 0 {
		return
	}

	p.sizeMu.Lock()
	excess := p.size - p.cfg.MinSize
	p.sizeMu.Unlock()
	if excess <= 0 {
		return
	}

	p.logger.Info().Int("idle", len(idle)).Int("excess", excess).Msg("Evicting idle engines")

	destroyed := 0
	candidates := len(idle)
	if candidates > excess {
		candidates = excess
	}
sweep:
	for i := 0; i < candidates; i++ {
		select {
		case eng := <-p.free:
			if _, isIdle := idle[eng.ID()]; isIdle {
				p.destroy(eng)
				destroyed++
			} else {
				// Recently used, put it back.
				select {
				case p.free <- eng:
				default:
					p.destroy(eng)
				}
			}
		default:
			break sweep // nothing free
		}
	}

	if destroyed > 0 {
		stats := p.Stats()
		p.logger.Info().
			Int("destroyed", destroyed).
			Int("size", stats.CurrentSize).
			Int("available", stats.AvailableCount).
			Msg("Idle eviction complete")
	}
}
