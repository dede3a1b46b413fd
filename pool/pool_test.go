package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/inipew/guardkit/logx"
)

type fakeRes struct {
	id      int
	pingErr atomic.Value // error
	closes  atomic.Int32
}

func (r *fakeRes) Ping(ctx context.Context) error {
	if v := r.pingErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func (r *fakeRes) Close() error {
	r.closes.Add(1)
	return nil
}

type fakeFactory struct {
	mu      sync.Mutex
	made    []*fakeRes
	failNew atomic.Bool
}

func (f *fakeFactory) New(ctx context.Context) (Resource, error) {
	if f.failNew.Load() {
		return nil, errors.New("backend down")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r := &fakeRes{id: len(f.made)}
	f.made = append(f.made, r)
	return r, nil
}

func (f *fakeFactory) created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.made)
}

func newTestPool(t *testing.T, cfg Config) (*Pool, *fakeFactory) {
	t.Helper()
	f := &fakeFactory{}
	p, err := New(context.Background(), cfg, f, logx.Nop())
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	return p, f
}

func TestWarmUpCreatesMinSize(t *testing.T) {
	p, f := newTestPool(t, Config{MinSize: 3, MaxSize: 5})
	defer p.Shutdown(context.Background())

	if got := f.created(); got != 3 {
		t.Fatalf("created %d resources at warm-up, want 3", got)
	}
	st := p.Stats()
	if st.Total != 3 || st.Idle != 3 {
		t.Fatalf("stats = %+v, want total=3 idle=3", st)
	}
}

func TestWarmUpFailureAborts(t *testing.T) {
	f := &fakeFactory{}
	f.failNew.Store(true)
	if _, err := New(context.Background(), Config{MinSize: 1}, f, logx.Nop()); err == nil {
		t.Fatalf("expected warm-up error")
	}
}

func TestHandleIsExclusive(t *testing.T) {
	p, _ := newTestPool(t, Config{MinSize: 2, MaxSize: 2})
	defer p.Shutdown(context.Background())

	h1, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	h2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire 2: %v", err)
	}
	if h1.Resource() == h2.Resource() {
		t.Fatalf("same resource handed to two borrowers")
	}
	h1.Release()
	h2.Release()
}

func TestAcquireTimesOutAtCapacity(t *testing.T) {
	p, _ := newTestPool(t, Config{MinSize: 1, MaxSize: 1, AcquireTimeout: 40 * time.Millisecond})
	defer p.Shutdown(context.Background())

	h, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if _, err := p.Acquire(context.Background()); err != ErrExhausted {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}

	h.Release()
	h2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	h2.Release()
}

func TestAcquireHonorsCallerContext(t *testing.T) {
	p, _ := newTestPool(t, Config{MinSize: 1, MaxSize: 1})
	defer p.Shutdown(context.Background())

	h, _ := p.Acquire(context.Background())
	defer h.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx); err != context.DeadlineExceeded {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}

func TestGrowsUpToMax(t *testing.T) {
	p, f := newTestPool(t, Config{MinSize: 1, MaxSize: 3})
	defer p.Shutdown(context.Background())

	var handles []*Handle
	for i := 0; i < 3; i++ {
		h, err := p.Acquire(context.Background())
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		handles = append(handles, h)
	}
	if got := f.created(); got != 3 {
		t.Fatalf("created %d, want 3", got)
	}
	for _, h := range handles {
		h.Release()
	}
	if st := p.Stats(); st.Total != 3 || st.Idle != 3 {
		t.Fatalf("stats = %+v, want total=3 idle=3", st)
	}
}

func TestUnhealthyHandleIsReplaced(t *testing.T) {
	p, f := newTestPool(t, Config{MinSize: 1, MaxSize: 2})
	defer p.Shutdown(context.Background())

	h, _ := p.Acquire(context.Background())
	bad := h.Resource().(*fakeRes)
	h.MarkUnhealthy()
	h.Release()

	if bad.closes.Load() != 1 {
		t.Fatalf("unhealthy resource closed %d times, want 1", bad.closes.Load())
	}
	if f.created() != 2 {
		t.Fatalf("created %d resources, want 2 (original + replacement)", f.created())
	}
	if st := p.Stats(); st.Total != 1 {
		t.Fatalf("total = %d, want 1", st.Total)
	}

	h2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire replacement: %v", err)
	}
	if h2.Resource() == bad {
		t.Fatalf("closed resource handed out again")
	}
	h2.Release()
}

func TestHealthCheckReplacesUnhealthyIdle(t *testing.T) {
	p, f := newTestPool(t, Config{MinSize: 3, MaxSize: 3})
	defer p.Shutdown(context.Background())

	f.mu.Lock()
	sick := f.made[1]
	f.mu.Unlock()
	sick.pingErr.Store(errors.New("connection reset"))

	p.CheckHealth(context.Background())

	if sick.closes.Load() != 1 {
		t.Fatalf("sick resource closed %d times, want 1", sick.closes.Load())
	}
	if st := p.Stats(); st.Total != 3 || st.Idle != 3 {
		t.Fatalf("stats after health check = %+v, want total=3 idle=3", st)
	}
	if f.created() != 4 {
		t.Fatalf("created %d, want 4 (3 warm-up + 1 replacement)", f.created())
	}
}

func TestHealthCheckLeavesBorrowedAlone(t *testing.T) {
	p, _ := newTestPool(t, Config{MinSize: 2, MaxSize: 2})
	defer p.Shutdown(context.Background())

	h, _ := p.Acquire(context.Background())
	borrowed := h.Resource().(*fakeRes)
	borrowed.pingErr.Store(errors.New("reset")) // would fail a probe, but is borrowed

	p.CheckHealth(context.Background())

	if borrowed.closes.Load() != 0 {
		t.Fatalf("borrowed resource was closed during health check")
	}
	h.Release()
}

func TestShutdownClosesEverythingExactlyOnce(t *testing.T) {
	p, f := newTestPool(t, Config{MinSize: 2, MaxSize: 3})

	h, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		done <- p.Shutdown(ctx)
	}()

	// New acquisitions fail fast once shutdown begins.
	time.Sleep(20 * time.Millisecond)
	if _, err := p.Acquire(context.Background()); err != ErrClosed {
		t.Fatalf("acquire during shutdown err = %v, want ErrClosed", err)
	}

	h.Release()
	if err := <-done; err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.made {
		if n := r.closes.Load(); n != 1 {
			t.Fatalf("resource %d closed %d times, want exactly 1", r.id, n)
		}
	}
}

func TestShutdownTimesOutOnStuckHandle(t *testing.T) {
	p, _ := newTestPool(t, Config{MinSize: 1, MaxSize: 1})

	h, _ := p.Acquire(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := p.Shutdown(ctx); err != context.DeadlineExceeded {
		t.Fatalf("shutdown err = %v, want DeadlineExceeded", err)
	}

	// Late release still retires the resource.
	h.Release()
	if n := h.Resource().(*fakeRes).closes.Load(); n != 1 {
		t.Fatalf("late-released resource closed %d times, want 1", n)
	}
}

func TestLazyBuildsOnce(t *testing.T) {
	var builds atomic.Int32
	l := NewLazy(func(ctx context.Context) (*Pool, error) {
		builds.Add(1)
		f := &fakeFactory{}
		return New(ctx, Config{MinSize: 1, MaxSize: 2}, f, logx.Nop())
	})
	defer l.Shutdown(context.Background())

	var wg sync.WaitGroup
	pools := make([]*Pool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := l.Get(context.Background())
			if err != nil {
				t.Errorf("lazy get: %v", err)
				return
			}
			pools[i] = p
		}(i)
	}
	wg.Wait()

	if builds.Load() != 1 {
		t.Fatalf("pool built %d times, want 1", builds.Load())
	}
	for i := 1; i < 10; i++ {
		if pools[i] != pools[0] {
			t.Fatalf("lazy returned different pools")
		}
	}
}
