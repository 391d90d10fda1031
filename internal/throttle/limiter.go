// Package throttle provides per-domain rate limiting and HTTP response
// caching on top of a pluggable key-value backend. With a shared backend the
// per-domain guarantee spans every node; with the in-process fallback it
// holds per node, which degrades gracefully.
package throttle

import (
	"context"
	"sync"
	"time"

	"github.com/zechsh/scan/internal/kv"
)

// DefaultDelay is the minimum spacing between requests to one domain when
// robots.txt specifies no crawl delay.
const DefaultDelay = 10.0

// Limiter enforces a minimum delay between requests to the same domain.
// When KV is nil it falls back to an in-process map.
type Limiter struct {
	KV kv.Store

	mu   sync.Mutex
	last map[string]time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewLimiter returns a limiter over the given backend; store may be nil.
func NewLimiter(store kv.Store) *Limiter {
	return &Limiter{
		KV:    store,
		last:  make(map[string]time.Time),
		now:   time.Now,
		sleep: sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until at least delaySeconds have elapsed since the previous
// grant for the domain. It returns early only on context cancellation.
func (l *Limiter) Wait(ctx context.Context, domain string, delaySeconds float64) error {
	if delaySeconds <= 0 {
		delaySeconds = DefaultDelay
	}
	if l.KV != nil {
		return l.waitKV(ctx, domain, delaySeconds)
	}
	return l.waitMemory(ctx, domain, delaySeconds)
}

// waitKV acquires "ratelimit:<domain>" via an atomic set-if-absent with the
// delay as TTL. Losing the race means sleeping out the key's remaining
// lifetime and retrying; a non-positive remainder retries immediately
// because the key expired between the two calls.
func (l *Limiter) waitKV(ctx context.Context, domain string, delaySeconds float64) error {
	key := "ratelimit:" + domain
	ttl := time.Duration(delaySeconds * float64(time.Second))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		acquired, err := l.KV.SetNX(ctx, key, []byte("1"), ttl)
		if err != nil {
			return err
		}
		if acquired {
			return nil
		}
		remaining, err := l.KV.TTL(ctx, key)
		if err != nil {
			return err
		}
		if remaining <= 0 {
			continue
		}
		if err := l.sleep(ctx, remaining); err != nil {
			return err
		}
	}
}

func (l *Limiter) waitMemory(ctx context.Context, domain string, delaySeconds float64) error {
	delay := time.Duration(delaySeconds * float64(time.Second))

	l.mu.Lock()
	now := l.now()
	wait := delay - now.Sub(l.last[domain])
	if wait > 0 {
		// Advance the slot before sleeping so concurrent callers queue
		// behind this grant instead of sharing it.
		l.last[domain] = now.Add(wait)
	}
	l.mu.Unlock()

	if wait > 0 {
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}

	l.mu.Lock()
	l.last[domain] = l.now()
	l.mu.Unlock()
	return nil
}
