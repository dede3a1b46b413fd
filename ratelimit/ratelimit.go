// Package ratelimit implements per-key sliding-window admission control.
//
// A key is a caller-constructed opaque string (typically actor+scope+operation).
// At most MaxCalls admissions are granted within any trailing TimeWindow for a
// given key. Denial is a plain boolean, never an error: the host is expected
// to turn it into a friendly "slow down" message.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type Config struct {
	MaxCalls   int
	TimeWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxCalls <= 0 {
		c.MaxCalls = 10
	}
	if c.TimeWindow <= 0 {
		c.TimeWindow = 60 * time.Second
	}
	return c
}

// Limiter tracks accepted call timestamps per key.
//
// The key map and each window share one mutex; critical sections only prune
// and append, so contention stays negligible next to the guarded work.
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	windows map[string][]time.Time

	now func() time.Time
}

func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:     cfg.withDefaults(),
		windows: map[string][]time.Time{},
		now:     time.Now,
	}
}

// Allow reports whether a call for key is admitted now, and records it if so.
// It never blocks beyond the internal bookkeeping lock.
func (l *Limiter) Allow(key string) bool {
	return l.allowAt(key, l.now())
}

func (l *Limiter) allowAt(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	win := pruneWindow(l.windows[key], now, l.cfg.TimeWindow)

	if len(win) >= l.cfg.MaxCalls {
		l.windows[key] = win
		return false
	}

	l.windows[key] = append(win, now)
	return true
}

// pruneWindow drops timestamps older than now-window, reusing the slice.
func pruneWindow(win []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	i := 0
	for ; i < len(win); i++ {
		if win[i].After(cutoff) {
			break
		}
	}
	if i == 0 {
		return win
	}
	return append(win[:0], win[i:]...)
}

// Wait polls Allow until admitted or ctx is done. The poll interval is one
// second, matching the coarse granularity the window operates at.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	if l.Allow(key) {
		return nil
	}
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if l.Allow(key) {
				return nil
			}
		}
	}
}

// Prune removes keys whose windows have fully expired, bounding map growth
// for hosts with high key cardinality. Returns the number of keys removed.
func (l *Limiter) Prune() int {
	return l.pruneAt(l.now())
}

func (l *Limiter) pruneAt(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, win := range l.windows {
		if len(pruneWindow(win, now, l.cfg.TimeWindow)) == 0 {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

// Keys reports the number of live keys (diagnostics).
func (l *Limiter) Keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// UserKey builds the conventional per-user-per-scope key.
func UserKey(userID, groupID string) string {
	return fmt.Sprintf("%s_%s", userID, groupID)
}

// GroupKey builds the conventional per-scope key.
func GroupKey(groupID string) string {
	return fmt.Sprintf("group_%s", groupID)
}
