// Package ratelimit provides a sliding-window admission gate for outbound
// calls to rate-constrained backends.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const window = time.Minute

// Limiter admits at most maxPerMinute acquisitions in any trailing 60-second
// window. Acquire never fails; at capacity it blocks until the oldest
// recorded acquisition ages out of the window.
type Limiter struct {
	name         string
	maxPerMinute int

	mu     sync.Mutex
	stamps []time.Time

	// Overridable for deterministic tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(name string, maxPerMinute int) *Limiter {
	if maxPerMinute <= 0 {
		maxPerMinute = 1
	}
	return &Limiter{
		name:         name,
		maxPerMinute: maxPerMinute,
		stamps:       make([]time.Time, 0, maxPerMinute),
		now:          time.Now,
		sleep:        sleepCtx,
	}
}

// Acquire blocks until admitting the caller would not exceed the window
// limit, then records the acquisition. Returns early only when ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.now()
		l.evict(now)
		if len(l.stamps) < l.maxPerMinute {
			l.stamps = append(l.stamps, now)
			l.mu.Unlock()
			return nil
		}
		// Wait until the oldest stamp leaves the window, plus a small buffer
		// so eviction on the next pass is unambiguous.
		wait := window - now.Sub(l.stamps[0]) + 100*time.Millisecond
		l.mu.Unlock()

		slog.Info("rate limit reached, waiting",
			"limiter", l.name,
			"maxPerMinute", l.maxPerMinute,
			"wait", wait.String(),
		)
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// evict drops stamps older than the trailing window. Caller holds l.mu.
func (l *Limiter) evict(now time.Time) {
	cut := 0
	for cut < len(l.stamps) && now.Sub(l.stamps[cut]) >= window {
		cut++
	}
	if cut > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[cut:]...)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
