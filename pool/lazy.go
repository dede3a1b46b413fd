package pool

import (
	"context"
	"sync"
	"sync/atomic"
)

// Lazy defers pool construction until first use, with double-checked locking
// so concurrent first callers never build two pools. A failed build is not
// cached; the next caller retries.
type Lazy struct {
	build func(ctx context.Context) (*Pool, error)

	p  atomic.Pointer[Pool]
	mu sync.Mutex
}

func NewLazy(build func(ctx context.Context) (*Pool, error)) *Lazy {
	return &Lazy{build: build}
}

// Get returns the shared pool, constructing it on first call.
func (l *Lazy) Get(ctx context.Context) (*Pool, error) {
	if p := l.p.Load(); p != nil {
		return p, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if p := l.p.Load(); p != nil {
		return p, nil
	}
	p, err := l.build(ctx)
	if err != nil {
		return nil, err
	}
	l.p.Store(p)
	return p, nil
}

// Shutdown tears down the pool if it was ever built.
func (l *Lazy) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.p.Load()
	if p == nil {
		return nil
	}
	l.p.Store(nil)
	return p.Shutdown(ctx)
}
