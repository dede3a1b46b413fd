// Package taskman bounds the number of concurrently executing operations and
// keeps execution accounting.
//
// The bound is about admission, not about hiding failures: errors (and
// recovered panics) raised by an operation are counted and returned to the
// caller unchanged.
package taskman

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/inipew/guardkit/logx"
)

type Config struct {
	MaxConcurrent int // default 20
	HistorySize   int // completed-execution records kept in memory (default 200)
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 20
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Record describes one completed execution.
type Record struct {
	Name     string
	Started  time.Time
	Duration time.Duration
	Error    string
}

// Sink receives completed records, e.g. a durable history store. Append
// failures are logged, never surfaced to the task's caller.
type Sink interface {
	Append(ctx context.Context, rec Record) error
}

// Manager runs operations under a system-wide concurrency bound.
type Manager struct {
	cfg  Config
	log  logx.Logger
	sem  *semaphore.Weighted
	sink Sink

	inFlight  atomic.Int64
	attempted atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64

	hmu     sync.Mutex
	history []Record
}

func New(cfg Config, log logx.Logger) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg: cfg,
		log: log,
		sem: semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}
}

// SetSink installs a durable record sink. Call before submitting work.
func (m *Manager) SetSink(s Sink) { m.sink = s }

// Execute runs fn once a concurrency slot frees up. Waiting for a slot is
// cancellable through ctx; a cancelled admission returns the ctx error and is
// not counted as an execution. Panics inside fn are recovered, counted as
// failures and returned as errors.
func (m *Manager) Execute(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.sem.Release(1)

	m.attempted.Add(1)
	m.inFlight.Add(1)
	defer m.inFlight.Add(-1)

	started := time.Now()
	err := m.run(ctx, name, fn)
	dur := time.Since(started)

	rec := Record{Name: name, Started: started, Duration: dur}
	if err != nil {
		rec.Error = err.Error()
		m.failed.Add(1)
		m.log.Warn("task failed", logx.String("task", name), logx.Err(err), logx.Duration("dur", dur))
	} else {
		m.succeeded.Add(1)
		m.log.Debug("task completed", logx.String("task", name), logx.Duration("dur", dur))
	}
	m.record(ctx, rec)
	return err
}

func (m *Manager) run(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", name, r)
			m.log.Error("panic in task", logx.String("task", name), logx.Any("panic", r), logx.Stack(logx.StackTrace(3, 16)))
		}
	}()
	return fn(ctx)
}

func (m *Manager) record(ctx context.Context, rec Record) {
	m.hmu.Lock()
	m.history = append(m.history, rec)
	if len(m.history) > m.cfg.HistorySize {
		m.history = m.history[len(m.history)-m.cfg.HistorySize:]
	}
	m.hmu.Unlock()

	if m.sink != nil {
		if err := m.sink.Append(ctx, rec); err != nil {
			m.log.Warn("history sink append failed", logx.String("task", rec.Name), logx.Err(err))
		}
	}
}

// Execute runs a value-producing operation through the manager's bound.
func Execute[T any](ctx context.Context, m *Manager, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := m.Execute(ctx, name, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// Stats is a point-in-time view of the manager's counters.
type Stats struct {
	InFlight      int64
	Attempted     uint64
	Succeeded     uint64
	Failed        uint64
	MaxConcurrent int
}

func (m *Manager) Stats() Stats {
	return Stats{
		InFlight:      m.inFlight.Load(),
		Attempted:     m.attempted.Load(),
		Succeeded:     m.succeeded.Load(),
		Failed:        m.failed.Load(),
		MaxConcurrent: m.cfg.MaxConcurrent,
	}
}

// History returns a copy of the most recent completed-execution records,
// oldest first.
func (m *Manager) History() []Record {
	m.hmu.Lock()
	defer m.hmu.Unlock()
	out := make([]Record, len(m.history))
	copy(out, m.history)
	return out
}
