package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClock advances only when the limiter sleeps, making waits deterministic.
type fakeClock struct {
	t time.Time
}

func newFakeLimiter(max int) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := New("test", max)
	l.now = func() time.Time { return clock.t }
	l.sleep = func(_ context.Context, d time.Duration) error {
		clock.t = clock.t.Add(d)
		return nil
	}
	return l, clock
}

func TestAcquireUnderLimitDoesNotWait(t *testing.T) {
	l, clock := newFakeLimiter(5)
	start := clock.t
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Acquire(context.Background()))
	}
	require.Equal(t, start, clock.t, "no sleep expected under the limit")
}

func TestAcquireNeverExceedsWindowLimit(t *testing.T) {
	const max = 3
	l, clock := newFakeLimiter(max)

	var admitted []time.Time
	for i := 0; i < 10; i++ {
		require.NoError(t, l.Acquire(context.Background()))
		admitted = append(admitted, clock.t)
	}

	// For every admission, count admissions in its trailing 60s window.
	for i, ts := range admitted {
		inWindow := 0
		for j := 0; j <= i; j++ {
			if ts.Sub(admitted[j]) < time.Minute {
				inWindow++
			}
		}
		require.LessOrEqual(t, inWindow, max, "admission %d exceeded window limit", i)
	}
}

func TestAcquireBurstWaitsForOldestToExpire(t *testing.T) {
	l, clock := newFakeLimiter(2)
	start := clock.t

	require.NoError(t, l.Acquire(context.Background()))
	require.NoError(t, l.Acquire(context.Background()))
	require.NoError(t, l.Acquire(context.Background()))

	// Third call must have waited until the first stamp aged out.
	require.True(t, clock.t.Sub(start) >= time.Minute)
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	l := New("test", 1)
	l.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	l.sleep = func(ctx context.Context, _ time.Duration) error {
		return ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, l.Acquire(ctx))
	cancel()
	require.ErrorIs(t, l.Acquire(ctx), context.Canceled)
}
