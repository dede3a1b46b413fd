// Package perfmon records latency and outcome samples for named operations.
//
// Recording is a begin/end guard: Begin returns a Span whose End(err) stores
// a sample whatever path the measured operation took, including faults. The
// sample ring is bounded (oldest dropped first); per-operation aggregates are
// cumulative and survive ring eviction.
package perfmon

import (
	"context"
	"sync"
	"time"

	"github.com/inipew/guardkit/logx"
)

type Config struct {
	MaxRecords int // bounded sample ring size (default 1000)
}

func (c Config) withDefaults() Config {
	if c.MaxRecords <= 0 {
		c.MaxRecords = 1000
	}
	return c
}

// Sample is one recorded measurement.
type Sample struct {
	Op       string
	At       time.Time
	Duration time.Duration
	OK       bool
}

type opAgg struct {
	count     uint64
	succeeded uint64
	failed    uint64
	total     time.Duration
	min       time.Duration
	max       time.Duration
}

type Monitor struct {
	cfg Config

	mu      sync.Mutex
	samples []Sample
	aggs    map[string]*opAgg

	exp *Exporter

	now func() time.Time
}

func New(cfg Config) *Monitor {
	return &Monitor{
		cfg:  cfg.withDefaults(),
		aggs: map[string]*opAgg{},
		now:  time.Now,
	}
}

// SetExporter mirrors every sample into Prometheus collectors. Call before
// measuring.
func (m *Monitor) SetExporter(e *Exporter) { m.exp = e }

// Span is an in-progress measurement.
type Span struct {
	m     *Monitor
	op    string
	start time.Time
	once  sync.Once
}

// Begin starts measuring op. The returned Span must be finished with End.
func (m *Monitor) Begin(op string) *Span {
	return &Span{m: m, op: op, start: m.now()}
}

// End records the span. err == nil marks success. End is idempotent.
func (s *Span) End(err error) {
	s.once.Do(func() {
		s.m.record(s.op, s.start, s.m.now(), err == nil)
	})
}

// Track measures fn under op and passes its error through.
func (m *Monitor) Track(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	sp := m.Begin(op)
	err := fn(ctx)
	sp.End(err)
	return err
}

func (m *Monitor) record(op string, start, end time.Time, ok bool) {
	dur := end.Sub(start)
	if dur < 0 {
		dur = 0
	}

	m.mu.Lock()
	m.samples = append(m.samples, Sample{Op: op, At: end, Duration: dur, OK: ok})
	if len(m.samples) > m.cfg.MaxRecords {
		m.samples = m.samples[len(m.samples)-m.cfg.MaxRecords:]
	}

	agg := m.aggs[op]
	if agg == nil {
		agg = &opAgg{min: dur, max: dur}
		m.aggs[op] = agg
	}
	agg.count++
	agg.total += dur
	if dur < agg.min {
		agg.min = dur
	}
	if dur > agg.max {
		agg.max = dur
	}
	if ok {
		agg.succeeded++
	} else {
		agg.failed++
	}
	exp := m.exp
	m.mu.Unlock()

	if exp != nil {
		exp.observe(op, ok, dur)
	}
}

// OpStats are cumulative aggregates for one operation name.
type OpStats struct {
	Op          string
	Count       uint64
	Succeeded   uint64
	Failed      uint64
	SuccessRate float64
	Min         time.Duration
	Max         time.Duration
	Mean        time.Duration
}

func statsFrom(op string, a *opAgg) OpStats {
	st := OpStats{
		Op:        op,
		Count:     a.count,
		Succeeded: a.succeeded,
		Failed:    a.failed,
		Min:       a.min,
		Max:       a.max,
	}
	if a.count > 0 {
		st.SuccessRate = float64(a.succeeded) / float64(a.count)
		st.Mean = a.total / time.Duration(a.count)
	}
	return st
}

// OpStats returns aggregates for one operation.
func (m *Monitor) OpStats(op string) (OpStats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.aggs[op]
	if a == nil {
		return OpStats{}, false
	}
	return statsFrom(op, a), true
}

// AllStats returns aggregates for every operation seen so far.
func (m *Monitor) AllStats() map[string]OpStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]OpStats, len(m.aggs))
	for op, a := range m.aggs {
		out[op] = statsFrom(op, a)
	}
	return out
}

// Samples returns a copy of the retained ring, oldest first.
func (m *Monitor) Samples() []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Sample, len(m.samples))
	copy(out, m.samples)
	return out
}

// LogSummary writes one line per operation at info level. Intended to run on
// a schedule (the Kit wires it at five-minute cadence).
func (m *Monitor) LogSummary(log logx.Logger) {
	stats := m.AllStats()
	if len(stats) == 0 {
		return
	}
	for op, st := range stats {
		log.Info("performance summary",
			logx.String("op", op),
			logx.Uint64("count", st.Count),
			logx.Float64("success_rate", st.SuccessRate),
			logx.Duration("mean", st.Mean),
			logx.Duration("min", st.Min),
			logx.Duration("max", st.Max),
			logx.Uint64("failed", st.Failed),
		)
	}
}
