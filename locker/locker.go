// Package locker provides named mutual-exclusion locks with idle eviction.
//
// The same key always resolves to the same underlying lock, so concurrent
// callers on one key serialize while distinct keys never contend. Entries are
// evicted once idle past a threshold, and a hard cap bounds registry size.
// Acquisition never fails; it only blocks (bounded by the caller's ctx).
package locker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/inipew/guardkit/logx"
)

type Config struct {
	// MaxLocks caps the number of live entries. Held or awaited entries are
	// never evicted, so the cap can be exceeded transiently under extreme
	// contention rather than failing acquisition.
	MaxLocks int
	// CleanupInterval is the sweep cadence. Entries idle for longer than
	// twice this interval are evicted by the sweep.
	CleanupInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxLocks <= 0 {
		c.MaxLocks = 2000
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 5 * time.Minute
	}
	return c
}

// entry is one named lock. The 1-buffered channel is the mutex: a successful
// send holds it, a receive releases it. waiters is maintained under the
// registry mutex so the sweep can prove nobody still references the channel.
type entry struct {
	ch       chan struct{}
	waiters  int
	lastUsed time.Time
}

func (e *entry) held() bool { return len(e.ch) == 1 }

// Registry maps keys to lock entries.
//
// One coarse mutex guards the key map; critical sections are map lookups and
// eviction bookkeeping only. Callers' work always happens after the per-key
// channel send, never under the registry mutex.
type Registry struct {
	cfg Config
	log logx.Logger

	mu      sync.Mutex
	entries map[string]*entry

	evictedIdle uint64
	evictedLRU  uint64

	now func() time.Time
}

func New(cfg Config, log logx.Logger) *Registry {
	return &Registry{
		cfg:     cfg.withDefaults(),
		log:     log,
		entries: map[string]*entry{},
		now:     time.Now,
	}
}

// Guard is a held lock. Release returns it; calling Release more than once is
// harmless.
type Guard struct {
	e    *entry
	key  string
	once sync.Once
}

func (g *Guard) Key() string { return g.key }

func (g *Guard) Release() {
	if g == nil {
		return
	}
	g.once.Do(func() { <-g.e.ch })
}

// Acquire blocks until the key's lock is free or ctx is done. The only
// possible error is the ctx's.
func (r *Registry) Acquire(ctx context.Context, key string) (*Guard, error) {
	e := r.checkout(key)

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		r.checkin(e)
		return nil, ctx.Err()
	}

	r.checkin(e)
	return &Guard{e: e, key: key}, nil
}

// TryAcquire takes the lock only if it is immediately free.
func (r *Registry) TryAcquire(key string) (*Guard, bool) {
	e := r.checkout(key)
	defer r.checkin(e)

	select {
	case e.ch <- struct{}{}:
		return &Guard{e: e, key: key}, true
	default:
		return nil, false
	}
}

// checkout finds or creates the entry for key and registers the caller as a
// waiter so the sweep cannot reap the channel out from under it.
func (r *Registry) checkout(key string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	e := r.entries[key]
	if e == nil {
		// Make room one entry at a time: a single linear scan keeps the
		// checkout critical section cheap, bulk eviction belongs to the sweep.
		for len(r.entries) >= r.cfg.MaxLocks {
			if !r.evictOneLocked() {
				break
			}
		}
		e = &entry{ch: make(chan struct{}, 1)}
		r.entries[key] = e
	}
	e.waiters++
	e.lastUsed = now
	return e
}

func (r *Registry) checkin(e *entry) {
	r.mu.Lock()
	e.waiters--
	e.lastUsed = r.now()
	r.mu.Unlock()
}

// Sweep evicts idle entries, then enforces the size cap LRU-first. It is
// called on the cleanup interval but is safe to run at any time. Returns the
// number of entries removed.
func (r *Registry) Sweep() int {
	return r.sweepAt(r.now())
}

func (r *Registry) sweepAt(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	idleCutoff := now.Add(-2 * r.cfg.CleanupInterval)
	removed := 0
	for key, e := range r.entries {
		if e.held() || e.waiters > 0 {
			continue
		}
		if e.lastUsed.Before(idleCutoff) {
			delete(r.entries, key)
			r.evictedIdle++
			removed++
		}
	}

	// Capacity bound wins over idle age: keep evicting least-recently-used
	// entries until back under the cap.
	if over := len(r.entries) - r.cfg.MaxLocks; over > 0 {
		removed += r.evictOldestLocked(over)
	}

	if removed > 0 {
		r.log.Debug("lock registry swept", logx.Int("removed", removed), logx.Int("live", len(r.entries)))
	}
	return removed
}

// evictOneLocked removes the least-recently-used evictable entry, reporting
// whether one was found. Call with r.mu held.
func (r *Registry) evictOneLocked() bool {
	var (
		oldestKey string
		oldest    time.Time
		found     bool
	)
	for key, e := range r.entries {
		if e.held() || e.waiters > 0 {
			continue
		}
		if !found || e.lastUsed.Before(oldest) {
			oldestKey, oldest, found = key, e.lastUsed, true
		}
	}
	if !found {
		return false
	}
	delete(r.entries, oldestKey)
	r.evictedLRU++
	return true
}

// evictOldestLocked removes up to n evictable entries in last-used order.
// Call with r.mu held; only the sweep calls it, so the sort stays off the
// acquisition path.
func (r *Registry) evictOldestLocked(n int) int {
	if n <= 0 {
		return 0
	}
	type cand struct {
		key  string
		used time.Time
	}
	cands := make([]cand, 0, len(r.entries))
	for key, e := range r.entries {
		if e.held() || e.waiters > 0 {
			continue
		}
		cands = append(cands, cand{key: key, used: e.lastUsed})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].used.Before(cands[j].used) })

	if n > len(cands) {
		n = len(cands)
	}
	for _, c := range cands[:n] {
		delete(r.entries, c.key)
		r.evictedLRU++
	}
	return n
}

// Len reports the number of live entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

type Stats struct {
	Entries     int
	Held        int
	EvictedIdle uint64
	EvictedLRU  uint64
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Stats{Entries: len(r.entries), EvictedIdle: r.evictedIdle, EvictedLRU: r.evictedLRU}
	for _, e := range r.entries {
		if e.held() {
			st.Held++
		}
	}
	return st
}

func (s Stats) String() string {
	return fmt.Sprintf("entries=%d held=%d evicted_idle=%d evicted_lru=%d", s.Entries, s.Held, s.EvictedIdle, s.EvictedLRU)
}
