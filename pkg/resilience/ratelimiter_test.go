package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLimiterAllowsBurst(t *testing.T) {
	l := NewLimiter(LimiterOpts{Rate: 1, Burst: 3})
	for i := 0; i < 3; i++ {
		if !l.Allow() {
			t.Fatalf("burst call %d should be allowed", i)
		}
	}
	if l.Allow() {
		t.Fatal("call beyond burst should be rejected")
	}
}

func TestLimiterRefills(t *testing.T) {
	l := NewLimiter(LimiterOpts{Rate: 100, Burst: 1})
	if !l.Allow() {
		t.Fatal("first call should pass")
	}
	if l.Allow() {
		t.Fatal("bucket should be empty")
	}
	time.Sleep(30 * time.Millisecond)
	if !l.Allow() {
		t.Fatal("bucket should have refilled")
	}
}

func TestLimiterCall(t *testing.T) {
	l := NewLimiter(LimiterOpts{Rate: 1, Burst: 1})
	ctx := context.Background()

	if err := l.Call(ctx, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := l.Call(ctx, func(context.Context) error { return nil })
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestLimiterWaitHonorsContext(t *testing.T) {
	l := NewLimiter(LimiterOpts{Rate: 0.01, Burst: 1})
	l.Allow()

	// The next token is ~100s away; a 20ms deadline cannot admit it.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx); err == nil {
		t.Fatal("expected an error from a deadline that cannot admit a token")
	}
}

func TestLimiterCallWait(t *testing.T) {
	l := NewLimiter(LimiterOpts{Rate: 100, Burst: 1})
	ctx := context.Background()

	ran := 0
	for i := 0; i < 2; i++ {
		if err := l.CallWait(ctx, func(context.Context) error { ran++; return nil }); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if ran != 2 {
		t.Fatalf("expected both calls to run, got %d", ran)
	}
}
