package throttle

import (
	"context"
	"testing"
	"time"

	"github.com/zechsh/scan/internal/kv"
)

func TestLimiterFirstRequestImmediate(t *testing.T) {
	t.Parallel()
	l := NewLimiter(kv.NewMemory())
	var slept time.Duration
	l.sleep = func(_ context.Context, d time.Duration) error {
		slept += d
		return nil
	}

	if err := l.Wait(context.Background(), "example.com", 10); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if slept != 0 {
		t.Fatalf("first request should not sleep, slept %v", slept)
	}
}

func TestLimiterKVSecondRequestWaits(t *testing.T) {
	t.Parallel()
	l := NewLimiter(kv.NewMemory())
	var slept time.Duration
	l.sleep = func(ctx context.Context, d time.Duration) error {
		slept += d
		// The lock key does not really expire in this test, so drop it to
		// let the retry acquire.
		return l.KV.(*kv.Memory).Set(ctx, "ratelimit:example.com", nil, time.Nanosecond)
	}

	ctx := context.Background()
	if err := l.Wait(ctx, "example.com", 10); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	if err := l.Wait(ctx, "example.com", 10); err != nil {
		t.Fatalf("second wait: %v", err)
	}
	if slept <= 0 || slept > 10*time.Second {
		t.Fatalf("expected a sleep up to the crawl delay, got %v", slept)
	}
}

func TestLimiterDomainsIndependent(t *testing.T) {
	t.Parallel()
	l := NewLimiter(kv.NewMemory())
	var slept time.Duration
	l.sleep = func(_ context.Context, d time.Duration) error {
		slept += d
		return nil
	}

	ctx := context.Background()
	if err := l.Wait(ctx, "one.example", 10); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if err := l.Wait(ctx, "two.example", 10); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if slept != 0 {
		t.Fatalf("different domains should not throttle each other, slept %v", slept)
	}
}

func TestLimiterMemoryModeSpacing(t *testing.T) {
	t.Parallel()
	l := NewLimiter(nil)
	base := time.Date(2026, 2, 22, 12, 0, 0, 0, time.UTC)
	now := base
	l.now = func() time.Time { return now }
	var slept time.Duration
	l.sleep = func(_ context.Context, d time.Duration) error {
		slept += d
		now = now.Add(d)
		return nil
	}

	ctx := context.Background()
	if err := l.Wait(ctx, "example.com", 5); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	if slept != 0 {
		t.Fatalf("first request should not sleep")
	}

	now = base.Add(2 * time.Second)
	if err := l.Wait(ctx, "example.com", 5); err != nil {
		t.Fatalf("second wait: %v", err)
	}
	if slept != 3*time.Second {
		t.Fatalf("expected 3s of remaining delay, slept %v", slept)
	}

	now = now.Add(time.Minute)
	slept = 0
	if err := l.Wait(ctx, "example.com", 5); err != nil {
		t.Fatalf("third wait: %v", err)
	}
	if slept != 0 {
		t.Fatalf("delay long past, should not sleep, slept %v", slept)
	}
}

func TestLimiterZeroDelayUsesDefault(t *testing.T) {
	t.Parallel()
	l := NewLimiter(nil)
	base := time.Date(2026, 2, 22, 12, 0, 0, 0, time.UTC)
	now := base
	l.now = func() time.Time { return now }
	var slept time.Duration
	l.sleep = func(_ context.Context, d time.Duration) error {
		slept += d
		now = now.Add(d)
		return nil
	}

	ctx := context.Background()
	if err := l.Wait(ctx, "example.com", 0); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if err := l.Wait(ctx, "example.com", 0); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if slept != 10*time.Second {
		t.Fatalf("expected the default 10s delay, slept %v", slept)
	}
}

func TestLimiterHonorsCancellation(t *testing.T) {
	t.Parallel()
	l := NewLimiter(nil)

	ctx, cancel := context.WithCancel(context.Background())
	if err := l.Wait(ctx, "example.com", 60); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	cancel()
	if err := l.Wait(ctx, "example.com", 60); err == nil {
		t.Fatalf("expected cancellation error")
	}
}
