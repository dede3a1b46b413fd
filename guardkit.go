// Package guardkit bundles the concurrency-hardening utilities a chat-bot
// host needs around its command handlers: named locks, pooled resources,
// sliding-window rate limits, bounded task execution, retry with backoff and
// lightweight performance sampling.
//
// Components are plain values with explicit lifecycles; nothing here is
// process-global. Embed a Kit (or construct the sub-packages directly),
// Start it to get background maintenance, Stop it on the way down.
package guardkit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/inipew/guardkit/config"
	"github.com/inipew/guardkit/history"
	"github.com/inipew/guardkit/locker"
	"github.com/inipew/guardkit/logx"
	"github.com/inipew/guardkit/perfmon"
	"github.com/inipew/guardkit/pool"
	"github.com/inipew/guardkit/ratelimit"
	"github.com/inipew/guardkit/retry"
	"github.com/inipew/guardkit/taskman"
)

// ErrRateLimited is returned by Guarded when admission is denied. It is an
// ordinary outcome for the host to message about, not a fault.
var ErrRateLimited = errors.New("rate limited")

// UserKey builds the conventional per-actor-per-scope key. Guarded uses the
// same key for both rate-limit admission and the named lock, so a host
// building keys here gets consistent identity across both.
func UserKey(userID, groupID string) string { return ratelimit.UserKey(userID, groupID) }

// GroupKey builds the conventional per-scope key.
func GroupKey(groupID string) string { return ratelimit.GroupKey(groupID) }

type options struct {
	factory     pool.Factory
	metricsReg  prom.Registerer
	withMetrics bool
}

type Option func(*options)

// WithPoolFactory enables the resource pool, built and warmed during Start.
func WithPoolFactory(f pool.Factory) Option {
	return func(o *options) { o.factory = f }
}

// WithMetrics exports monitor samples to Prometheus. A nil registerer uses
// the default one.
func WithMetrics(reg prom.Registerer) Option {
	return func(o *options) {
		o.withMetrics = true
		o.metricsReg = reg
	}
}

// Kit is the assembled toolkit.
type Kit struct {
	Locks   *locker.Registry
	Limiter *ratelimit.Limiter
	Tasks   *taskman.Manager
	Monitor *perfmon.Monitor
	Retry   retry.Policy

	// Pool is nil until Start when WithPoolFactory was given.
	Pool *pool.Pool
	// History is the durable execution store, nil unless enabled in config.
	History *history.Store

	cfg *config.Config
	log logx.Logger

	opts options

	mu      sync.Mutex
	cron    *cron.Cron
	started bool
}

// New assembles a Kit from config. A nil cfg uses defaults. The config is
// validated; construction fails rather than running with bad tunables.
func New(cfg *config.Config, log logx.Logger, opts ...Option) (*Kit, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	k := &Kit{cfg: cfg, log: log, opts: o}

	k.Locks = locker.New(locker.Config{
		MaxLocks:        cfg.Locks.MaxLocks,
		CleanupInterval: config.Duration("locks.cleanup_interval", cfg.Locks.CleanupInterval, 0),
	}, log.With(logx.String("component", "locker")))

	k.Limiter = ratelimit.New(ratelimit.Config{
		MaxCalls:   cfg.RateLimit.MaxCalls,
		TimeWindow: config.Duration("rate_limit.time_window", cfg.RateLimit.TimeWindow, 0),
	})

	k.Tasks = taskman.New(taskman.Config{
		MaxConcurrent: cfg.Tasks.MaxConcurrent,
		HistorySize:   cfg.Tasks.HistorySize,
	}, log.With(logx.String("component", "taskman")))

	k.Monitor = perfmon.New(perfmon.Config{MaxRecords: cfg.Monitor.MaxRecords})

	k.Retry = retry.Policy{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  config.Duration("retry.base_delay", cfg.Retry.BaseDelay, 0),
		MaxDelay:   config.Duration("retry.max_delay", cfg.Retry.MaxDelay, 0),
		Jitter:     cfg.Retry.Jitter,
	}

	if cfg.History.Enabled {
		st, err := history.Open(history.Config{
			Path:        cfg.History.Path,
			BusyTimeout: config.Duration("history.busy_timeout", cfg.History.BusyTimeout, 0),
			Retention:   config.Duration("history.retention", cfg.History.Retention, 0),
		}, log.With(logx.String("component", "history")))
		if err != nil {
			return nil, fmt.Errorf("guardkit: open history: %w", err)
		}
		k.History = st
		k.Tasks.SetSink(st)
	}

	if o.withMetrics {
		exp, err := perfmon.NewExporter("guardkit", o.metricsReg, perfmon.ExporterOptions{})
		if err != nil {
			_ = k.closeHistory()
			return nil, fmt.Errorf("guardkit: register metrics: %w", err)
		}
		k.Monitor.SetExporter(exp)
	}

	return k, nil
}

// Start launches background maintenance: the lock-registry sweep and the
// performance summary on their configured cadences, the pool (warmed, with
// its health loop) when a factory was supplied. ctx bounds pool warm-up and
// scopes the health loop.
func (k *Kit) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.started {
		return errors.New("guardkit: already started")
	}

	if k.opts.factory != nil {
		p, err := pool.New(ctx, pool.Config{
			MinSize:        k.cfg.Pool.MinSize,
			MaxSize:        k.cfg.Pool.MaxSize,
			HealthInterval: config.Duration("pool.health_interval", k.cfg.Pool.HealthInterval, 0),
			AcquireTimeout: config.Duration("pool.acquire_timeout", k.cfg.Pool.AcquireTimeout, 0),
			ReplacePerSec:  k.cfg.Pool.ReplacePerSec,
		}, k.opts.factory, k.log.With(logx.String("component", "pool")))
		if err != nil {
			return err
		}
		k.Pool = p
		p.StartHealthLoop(ctx)
	}

	c := cron.New()
	sweepEvery := config.Duration("locks.cleanup_interval", k.cfg.Locks.CleanupInterval, 5*time.Minute)
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", sweepEvery), func() {
		k.Locks.Sweep()
		k.Limiter.Prune()
	}); err != nil {
		return fmt.Errorf("guardkit: schedule sweep: %w", err)
	}
	summaryEvery := config.Duration("monitor.summary_interval", k.cfg.Monitor.SummaryInterval, 5*time.Minute)
	summaryLog := k.log.With(logx.String("component", "perfmon"))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", summaryEvery), func() {
		k.Monitor.LogSummary(summaryLog)
	}); err != nil {
		return fmt.Errorf("guardkit: schedule summary: %w", err)
	}
	c.Start()
	k.cron = c
	k.started = true
	k.log.Info("guardkit started", logx.Bool("pool", k.Pool != nil), logx.Bool("history", k.History != nil))
	return nil
}

// Stop halts maintenance, drains the pool and closes the history store.
// Outstanding pool handles are waited for up to ctx's deadline.
func (k *Kit) Stop(ctx context.Context) error {
	k.mu.Lock()
	c := k.cron
	k.cron = nil
	p := k.Pool
	k.Pool = nil
	k.started = false
	k.mu.Unlock()

	var firstErr error
	if c != nil {
		stopCtx := c.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
			firstErr = ctx.Err()
		}
	}
	if p != nil {
		if err := p.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := k.closeHistory(); err != nil && firstErr == nil {
		firstErr = err
	}
	k.log.Info("guardkit stopped")
	return firstErr
}

func (k *Kit) closeHistory() error {
	st := k.History
	k.History = nil
	if st == nil {
		return nil
	}
	return st.Close()
}

// Guarded runs fn through the full stack: rate-limit admission on key, the
// task manager's concurrency bound, the named lock for key, the default
// retry policy, with the whole span measured under op.
//
// Denial surfaces as ErrRateLimited; everything else is fn's (or the ctx's)
// error unchanged.
func (k *Kit) Guarded(ctx context.Context, op, key string, fn func(ctx context.Context) error) error {
	if !k.Limiter.Allow(key) {
		return ErrRateLimited
	}

	span := k.Monitor.Begin(op)
	err := k.Tasks.Execute(ctx, op, func(ctx context.Context) error {
		g, err := k.Locks.Acquire(ctx, key)
		if err != nil {
			return err
		}
		defer g.Release()
		return k.Retry.Do(ctx, fn)
	})
	span.End(err)
	return err
}

// BorrowDo borrows a pooled resource for the duration of fn. It requires the
// Kit to have been started with a pool factory.
func (k *Kit) BorrowDo(ctx context.Context, fn func(ctx context.Context, res pool.Resource) error) error {
	p := k.Pool
	if p == nil {
		return errors.New("guardkit: no pool configured")
	}
	h, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer h.Release()
	return fn(ctx, h.Resource())
}
