package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestSlidingWindow(t *testing.T) {
	l := New(Config{MaxCalls: 3, TimeWindow: 10 * time.Second})
	base := time.Now()

	at := func(offset time.Duration) bool {
		return l.allowAt("k", base.Add(offset))
	}

	for i, want := range []struct {
		offset time.Duration
		admit  bool
	}{
		{0, true},
		{1 * time.Second, true},
		{2 * time.Second, true},
		{3 * time.Second, false}, // 3 calls already inside the trailing window
		{9 * time.Second, false},
		{11 * time.Second, true}, // t=0 and t=1s aged out
		{12 * time.Second, true}, // t=2s aged out
		{12500 * time.Millisecond, true},
		{13 * time.Second, false}, // 11s, 12s, 12.5s fill the window again
	} {
		if got := at(want.offset); got != want.admit {
			t.Fatalf("call %d at +%v: admitted=%v, want %v", i, want.offset, got, want.admit)
		}
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l := New(Config{MaxCalls: 1, TimeWindow: time.Minute})
	if !l.Allow("a") {
		t.Fatalf("first call on a denied")
	}
	if l.Allow("a") {
		t.Fatalf("second call on a admitted")
	}
	if !l.Allow("b") {
		t.Fatalf("call on unrelated key b denied")
	}
}

func TestPruneDropsExpiredKeys(t *testing.T) {
	l := New(Config{MaxCalls: 5, TimeWindow: time.Second})
	base := time.Now()
	l.allowAt("a", base)
	l.allowAt("b", base)

	if n := l.pruneAt(base.Add(500 * time.Millisecond)); n != 0 {
		t.Fatalf("pruned %d live keys", n)
	}
	if n := l.pruneAt(base.Add(2 * time.Second)); n != 2 {
		t.Fatalf("pruned %d keys, want 2", n)
	}
	if l.Keys() != 0 {
		t.Fatalf("keys remain after prune: %d", l.Keys())
	}
}

func TestWaitImmediateAdmission(t *testing.T) {
	l := New(Config{MaxCalls: 1, TimeWindow: time.Minute})
	if err := l.Wait(context.Background(), "k"); err != nil {
		t.Fatalf("wait on empty window: %v", err)
	}
}

func TestWaitHonorsContext(t *testing.T) {
	l := New(Config{MaxCalls: 1, TimeWindow: time.Hour})
	l.Allow("k")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx, "k"); err != context.DeadlineExceeded {
		t.Fatalf("wait err = %v, want DeadlineExceeded", err)
	}
}

func TestKeyHelpers(t *testing.T) {
	if got := UserKey("42", "g7"); got != "42_g7" {
		t.Fatalf("UserKey = %q", got)
	}
	if got := GroupKey("g7"); got != "group_g7" {
		t.Fatalf("GroupKey = %q", got)
	}
}
