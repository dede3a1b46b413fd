package locker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/inipew/guardkit/logx"
)

func testRegistry(cfg Config) *Registry {
	return New(cfg, logx.Nop())
}

func TestAcquireSerializesSameKey(t *testing.T) {
	r := testRegistry(Config{})

	const goroutines = 50
	counter := 0 // intentionally unsynchronized; the lock must protect it
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			g, err := r.Acquire(context.Background(), "user1_group1")
			if err != nil {
				t.Errorf("acquire failed: %v", err)
				return
			}
			counter++
			g.Release()
		}()
	}
	wg.Wait()

	if counter != goroutines {
		t.Fatalf("counter = %d, want %d (lost updates imply two holders)", counter, goroutines)
	}
	if n := r.Len(); n != 1 {
		t.Fatalf("registry has %d entries, want 1", n)
	}
}

func TestDifferentKeysDoNotBlock(t *testing.T) {
	r := testRegistry(Config{})

	g1, err := r.Acquire(context.Background(), "a")
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	defer g1.Release()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	g2, err := r.Acquire(ctx, "b")
	if err != nil {
		t.Fatalf("acquire b blocked by unrelated key: %v", err)
	}
	g2.Release()
}

func TestAcquireRespectsContext(t *testing.T) {
	r := testRegistry(Config{})

	g, err := r.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := r.Acquire(ctx, "k"); err != context.DeadlineExceeded {
		t.Fatalf("second acquire err = %v, want DeadlineExceeded", err)
	}

	g.Release()

	// Lock is usable again after the cancelled waiter.
	g2, err := r.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatalf("acquire after cancel: %v", err)
	}
	g2.Release()
}

func TestReleaseIdempotent(t *testing.T) {
	r := testRegistry(Config{})
	g, _ := r.Acquire(context.Background(), "k")
	g.Release()
	g.Release() // must not unlock someone else's hold

	g2, _ := r.Acquire(context.Background(), "k")
	defer g2.Release()
	if _, ok := r.TryAcquire("k"); ok {
		t.Fatalf("double release corrupted the lock state")
	}
}

func TestTryAcquire(t *testing.T) {
	r := testRegistry(Config{})

	g, ok := r.TryAcquire("k")
	if !ok {
		t.Fatalf("try on free lock failed")
	}
	if _, ok := r.TryAcquire("k"); ok {
		t.Fatalf("try on held lock succeeded")
	}
	g.Release()
	if _, ok := r.TryAcquire("k"); !ok {
		t.Fatalf("try after release failed")
	}
}

func TestSweepEvictsIdleEntries(t *testing.T) {
	r := testRegistry(Config{CleanupInterval: time.Minute})

	for _, key := range []string{"a", "b", "c"} {
		g, _ := r.Acquire(context.Background(), key)
		g.Release()
	}

	// Not old enough yet.
	if n := r.sweepAt(time.Now().Add(90 * time.Second)); n != 0 {
		t.Fatalf("premature eviction of %d entries", n)
	}

	// Idle past twice the cleanup interval.
	if n := r.sweepAt(time.Now().Add(3 * time.Minute)); n != 3 {
		t.Fatalf("swept %d entries, want 3", n)
	}
	if r.Len() != 0 {
		t.Fatalf("registry not empty after sweep: %d", r.Len())
	}
}

func TestSweepNeverEvictsHeldLock(t *testing.T) {
	r := testRegistry(Config{CleanupInterval: time.Minute})

	g, _ := r.Acquire(context.Background(), "held")
	defer g.Release()
	idle, _ := r.Acquire(context.Background(), "idle")
	idle.Release()

	if n := r.sweepAt(time.Now().Add(time.Hour)); n != 1 {
		t.Fatalf("swept %d entries, want 1 (idle only)", n)
	}
	if r.Len() != 1 {
		t.Fatalf("held entry was evicted")
	}
	if _, ok := r.TryAcquire("held"); ok {
		t.Fatalf("held entry replaced by a fresh lock")
	}
}

func TestCapacityBoundWinsOverIdleAge(t *testing.T) {
	r := testRegistry(Config{MaxLocks: 4, CleanupInterval: time.Hour})

	for i := 0; i < 10; i++ {
		g, _ := r.Acquire(context.Background(), string(rune('a'+i)))
		g.Release()
	}
	// Creation-time eviction already keeps the registry at the cap.
	if n := r.Len(); n > 4 {
		t.Fatalf("registry grew to %d entries, cap is 4", n)
	}

	// Entries are recent (not "old enough" for idle eviction) but the sweep
	// must still enforce the cap.
	r.sweepAt(time.Now())
	if n := r.Len(); n > 4 {
		t.Fatalf("registry at %d entries after sweep, cap is 4", n)
	}

	st := r.Stats()
	if st.EvictedLRU == 0 {
		t.Fatalf("expected LRU evictions, stats: %+v", st)
	}
}

func TestCheckoutAtCapEvictsOldestOnly(t *testing.T) {
	r := testRegistry(Config{MaxLocks: 3, CleanupInterval: time.Hour})

	base := time.Now()
	clock := base
	r.now = func() time.Time { return clock }

	for i, key := range []string{"old", "mid", "new"} {
		clock = base.Add(time.Duration(i) * time.Second)
		g, _ := r.Acquire(context.Background(), key)
		g.Release()
	}

	// A new key at the cap displaces exactly the least-recently-used entry.
	clock = base.Add(time.Minute)
	g, _ := r.Acquire(context.Background(), "fresh")
	g.Release()

	if n := r.Len(); n != 3 {
		t.Fatalf("registry has %d entries, want 3", n)
	}
	r.mu.Lock()
	_, oldKept := r.entries["old"]
	_, midKept := r.entries["mid"]
	_, newKept := r.entries["new"]
	r.mu.Unlock()
	if oldKept || !midKept || !newKept {
		t.Fatalf("wrong entry evicted (old=%v mid=%v new=%v)", oldKept, midKept, newKept)
	}
	if st := r.Stats(); st.EvictedLRU != 1 {
		t.Fatalf("evicted %d entries, want exactly 1", st.EvictedLRU)
	}
}

func TestStats(t *testing.T) {
	r := testRegistry(Config{})
	g, _ := r.Acquire(context.Background(), "a")
	defer g.Release()
	idle, _ := r.Acquire(context.Background(), "b")
	idle.Release()

	st := r.Stats()
	if st.Entries != 2 || st.Held != 1 {
		t.Fatalf("stats = %+v, want 2 entries / 1 held", st)
	}
}
