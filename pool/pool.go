// Package pool manages a bounded set of reusable resources (typically
// database connections) with background health checks and auto-repair.
//
// Borrowed handles are exclusive: a resource handed to one caller is never
// concurrently handed to another. Releasing a healthy handle returns the
// resource to the idle set; releasing an unhealthy one closes it and creates
// a throttled replacement. Shutdown drains outstanding handles and closes
// every resource exactly once.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/inipew/guardkit/logx"
)

var (
	// ErrClosed is returned by Acquire once Shutdown has begun.
	ErrClosed = errors.New("pool closed")
	// ErrExhausted is returned when no resource frees up within the acquire
	// timeout.
	ErrExhausted = errors.New("pool exhausted")
)

// Resource is a pooled object. Ping is the cheap liveness probe run by the
// health loop; Close must be safe to call exactly once.
type Resource interface {
	Ping(ctx context.Context) error
	Close() error
}

// Factory creates resources on demand.
type Factory interface {
	New(ctx context.Context) (Resource, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(ctx context.Context) (Resource, error)

func (f FactoryFunc) New(ctx context.Context) (Resource, error) { return f(ctx) }

type Config struct {
	MinSize        int           // resources created at warm-up (default 1)
	MaxSize        int           // hard size cap (default 4)
	HealthInterval time.Duration // idle probe cadence (default 60s)
	AcquireTimeout time.Duration // 0 = bounded only by the caller's ctx
	ProbeTimeout   time.Duration // per-resource Ping budget (default 5s)

	// ReplacePerSec throttles creation of replacement resources so a dead
	// backend does not trigger a reconnect storm. Default 1/s, burst MaxSize.
	ReplacePerSec float64
}

func (c Config) withDefaults() Config {
	if c.MinSize <= 0 {
		c.MinSize = 1
	}
	if c.MaxSize <= 0 {
		c.MaxSize = 4
	}
	if c.MaxSize < c.MinSize {
		c.MaxSize = c.MinSize
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 60 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.ReplacePerSec <= 0 {
		c.ReplacePerSec = 1
	}
	return c
}

// pooled wraps a Resource with pool-side bookkeeping.
type pooled struct {
	res         Resource
	lastChecked time.Time
}

type Pool struct {
	cfg     Config
	log     logx.Logger
	factory Factory

	idle    chan *pooled
	closeCh chan struct{}

	replaceLim *rate.Limiter

	mu     sync.Mutex
	total  int
	closed bool

	created  uint64
	recycled uint64
	replaced uint64
}

// New builds the pool and eagerly warms MinSize resources. A warm-up
// creation failure aborts construction (already-created resources are
// closed).
func New(ctx context.Context, cfg Config, factory Factory, log logx.Logger) (*Pool, error) {
	if factory == nil {
		return nil, errors.New("pool: factory is required")
	}
	cfg = cfg.withDefaults()

	p := &Pool{
		cfg:        cfg,
		log:        log,
		factory:    factory,
		idle:       make(chan *pooled, cfg.MaxSize),
		closeCh:    make(chan struct{}),
		replaceLim: rate.NewLimiter(rate.Limit(cfg.ReplacePerSec), cfg.MaxSize),
	}

	for i := 0; i < cfg.MinSize; i++ {
		pr, err := p.create(ctx)
		if err != nil {
			_ = p.Shutdown(context.Background())
			return nil, fmt.Errorf("pool: warm-up failed: %w", err)
		}
		p.idle <- pr
	}
	log.Debug("pool warmed", logx.Int("size", cfg.MinSize), logx.Int("max", cfg.MaxSize))
	return p, nil
}

// Handle is an exclusively borrowed resource. Release is idempotent.
type Handle struct {
	p         *Pool
	pr        *pooled
	unhealthy bool
	once      sync.Once
}

// Resource exposes the borrowed resource.
func (h *Handle) Resource() Resource { return h.pr.res }

// MarkUnhealthy tells the pool to close and replace the resource on release
// instead of recycling it.
func (h *Handle) MarkUnhealthy() { h.unhealthy = true }

// Release returns the resource to the pool (or retires it when unhealthy or
// the pool is shutting down).
func (h *Handle) Release() {
	if h == nil {
		return
	}
	h.once.Do(func() { h.p.release(h.pr, h.unhealthy) })
}

// Acquire borrows a resource. It prefers an idle one, grows the pool up to
// MaxSize otherwise, and finally waits for a release. The wait is bounded by
// ctx and by Config.AcquireTimeout when set; exceeding the timeout yields
// ErrExhausted.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	select {
	case <-p.closeCh:
		return nil, ErrClosed
	default:
	}

	// Fast path: idle resource available.
	select {
	case pr := <-p.idle:
		return &Handle{p: p, pr: pr}, nil
	default:
	}

	// Grow if under cap. The slot is reserved under the mutex, the (possibly
	// slow) creation happens outside it.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if p.total < p.cfg.MaxSize {
		p.total++
		p.mu.Unlock()
		pr, err := p.createReserved(ctx)
		if err != nil {
			return nil, err
		}
		return &Handle{p: p, pr: pr}, nil
	}
	p.mu.Unlock()

	// At capacity: wait for a release.
	var timeout <-chan time.Time
	if p.cfg.AcquireTimeout > 0 {
		tmr := time.NewTimer(p.cfg.AcquireTimeout)
		defer tmr.Stop()
		timeout = tmr.C
	}

	select {
	case pr := <-p.idle:
		return &Handle{p: p, pr: pr}, nil
	case <-p.closeCh:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout:
		return nil, ErrExhausted
	}
}

func (p *Pool) release(pr *pooled, unhealthy bool) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()

	if closed {
		p.retire(pr)
		return
	}
	if unhealthy {
		p.retire(pr)
		p.log.Warn("pooled resource retired as unhealthy")
		p.replace(context.Background())
		return
	}

	p.mu.Lock()
	p.recycled++
	p.mu.Unlock()
	p.idle <- pr
}

// retire closes a resource and gives its slot back.
func (p *Pool) retire(pr *pooled) {
	if err := pr.res.Close(); err != nil {
		p.log.Debug("resource close failed", logx.Err(err))
	}
	p.mu.Lock()
	p.total--
	p.mu.Unlock()
}

// replace creates a fresh idle resource if there is room, subject to the
// reconnect throttle. Failure is logged and absorbed: the next acquire or
// health pass tries again.
func (p *Pool) replace(ctx context.Context) {
	if !p.replaceLim.Allow() {
		p.log.Debug("replacement throttled")
		return
	}

	p.mu.Lock()
	if p.closed || p.total >= p.cfg.MaxSize {
		p.mu.Unlock()
		return
	}
	p.total++
	p.mu.Unlock()

	pr, err := p.createReserved(ctx)
	if err != nil {
		p.log.Warn("replacement creation failed", logx.Err(err))
		return
	}
	p.mu.Lock()
	p.replaced++
	p.mu.Unlock()
	p.idle <- pr
}

// create reserves a slot and builds a resource.
func (p *Pool) create(ctx context.Context) (*pooled, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.total++
	p.mu.Unlock()
	return p.createReserved(ctx)
}

// createReserved builds a resource for an already-reserved slot, releasing
// the slot on failure.
func (p *Pool) createReserved(ctx context.Context) (*pooled, error) {
	res, err := p.factory.New(ctx)
	if err != nil {
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		return nil, fmt.Errorf("pool: create resource: %w", err)
	}
	p.mu.Lock()
	p.created++
	p.mu.Unlock()
	return &pooled{res: res, lastChecked: time.Now()}, nil
}

// Shutdown stops new acquisitions immediately and drains the pool: idle
// resources are closed right away, in-use ones as their handles are
// released. It returns ctx.Err() if outstanding handles are not released in
// time (the drain continues opportunistically via release()).
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	close(p.closeCh)

	for {
		// Close whatever is idle right now.
		for {
			select {
			case pr := <-p.idle:
				p.retire(pr)
				continue
			default:
			}
			break
		}

		p.mu.Lock()
		remaining := p.total
		p.mu.Unlock()
		if remaining == 0 {
			p.log.Info("pool shut down")
			return nil
		}

		select {
		case <-ctx.Done():
			p.log.Warn("pool shutdown timed out", logx.Int("outstanding", remaining))
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

type Stats struct {
	Total    int
	Idle     int
	InUse    int
	Created  uint64
	Recycled uint64
	Replaced uint64
	Closed   bool
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	idle := len(p.idle)
	return Stats{
		Total:    p.total,
		Idle:     idle,
		InUse:    p.total - idle,
		Created:  p.created,
		Recycled: p.recycled,
		Replaced: p.replaced,
		Closed:   p.closed,
	}
}
