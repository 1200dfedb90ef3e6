package ratelimit

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(t *testing.T, limit int, window time.Duration, clock *manualClock) *Limiter {
	t.Helper()
	lim, err := New(limit, window, WithClock(clock.Now), WithCleanupInterval(-1))
	require.NoError(t, err)
	t.Cleanup(func() { _ = lim.Close() })
	return lim
}

func TestExhaustionReportsRetryAfter(t *testing.T) {
	clock := newManualClock()
	lim := newTestLimiter(t, 3, 60*time.Second, clock)

	for i := range 3 {
		ok, err := lim.CheckLimit("caller").Unpack()
		require.NoError(t, err, "call %d", i+1)
		require.True(t, ok)
	}

	err := lim.CheckLimit("caller").Error()
	require.ErrorIs(t, err, ErrRateLimited)

	var limitErr *LimitError
	require.True(t, errors.As(err, &limitErr))
	assert.GreaterOrEqual(t, limitErr.RetryAfter, 19)
	assert.LessOrEqual(t, limitErr.RetryAfter, 20)
	assert.Equal(t, 3, limitErr.Limit)
	assert.Equal(t, 60*time.Second, limitErr.Window)
	assert.Equal(t, time.Duration(limitErr.RetryAfter)*time.Second, limitErr.RetryAfterDuration())
}

func TestRefillAdmitsAgain(t *testing.T) {
	clock := newManualClock()
	lim := newTestLimiter(t, 3, 60*time.Second, clock)
	for range 3 {
		lim.CheckLimit("caller")
	}
	require.True(t, lim.CheckLimit("caller").IsErr())

	clock.Advance(10 * time.Second)
	var limitErr *LimitError
	require.True(t, errors.As(lim.CheckLimit("caller").Error(), &limitErr))
	assert.Equal(t, 10, limitErr.RetryAfter)

	clock.Advance(11 * time.Second)
	assert.True(t, lim.CheckLimit("caller").IsOk())
}

func TestKeysAreIndependent(t *testing.T) {
	clock := newManualClock()
	lim := newTestLimiter(t, 1, time.Minute, clock)

	assert.True(t, lim.CheckLimit("a").IsOk())
	assert.True(t, lim.CheckLimit("a").IsErr())
	assert.True(t, lim.CheckLimit("b").IsOk())
}

func TestGetTokensDoesNotConsume(t *testing.T) {
	clock := newManualClock()
	lim := newTestLimiter(t, 3, time.Minute, clock)

	assert.Equal(t, 3.0, lim.GetTokens("unseen"))
	assert.Zero(t, lim.Stats().Buckets, "GetTokens must not create buckets")

	lim.CheckLimit("caller")
	assert.InDelta(t, 2.0, lim.GetTokens("caller"), 1e-9)
	assert.InDelta(t, 2.0, lim.GetTokens("caller"), 1e-9)
}

func TestResetAndResetAll(t *testing.T) {
	clock := newManualClock()
	lim := newTestLimiter(t, 1, time.Minute, clock)

	lim.CheckLimit("a")
	lim.CheckLimit("b")
	require.True(t, lim.CheckLimit("a").IsErr())

	lim.Reset("a")
	assert.True(t, lim.CheckLimit("a").IsOk())
	assert.True(t, lim.CheckLimit("b").IsErr())

	lim.ResetAll()
	assert.Zero(t, lim.Stats().Buckets)
	assert.True(t, lim.CheckLimit("b").IsOk())
}

func TestSweepDropsIdleFullBuckets(t *testing.T) {
	clock := newManualClock()
	lim := newTestLimiter(t, 2, 10*time.Second, clock)

	lim.CheckLimit("idle")
	clock.Advance(25 * time.Second)
	lim.CheckLimit("busy")
	lim.CheckLimit("busy")

	assert.Equal(t, 1, lim.Sweep())
	assert.Equal(t, 1, lim.Stats().Buckets)

	clock.Advance(21 * time.Second)
	assert.Equal(t, 1, lim.Sweep())
	assert.Zero(t, lim.Stats().Buckets)
}

func TestSweepSkipsRecentlySeen(t *testing.T) {
	clock := newManualClock()
	lim := newTestLimiter(t, 2, 10*time.Second, clock)

	lim.CheckLimit("recent")
	clock.Advance(15 * time.Second)
	assert.Zero(t, lim.Sweep(), "bucket seen within 2x window must stay")
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(0, time.Minute)
	assert.Error(t, err)
	_, err = New(1, 0)
	assert.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	lim, err := New(5, 10*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, lim.Close())
	require.NoError(t, lim.Close())
}

func TestClockReadUnderBucketLock(t *testing.T) {
	clock := newManualClock()
	var lim *Limiter
	unlocked := 0
	guarded := func() time.Time {
		if lim.mu.TryLock() {
			lim.mu.Unlock()
			unlocked++
		}
		return clock.Now()
	}
	lim, err := New(2, time.Minute, WithClock(guarded), WithCleanupInterval(-1))
	require.NoError(t, err)
	t.Cleanup(func() { _ = lim.Close() })

	require.NoError(t, lim.CheckLimit("k").Error())
	lim.GetTokens("k")
	lim.Sweep()
	assert.Zero(t, unlocked, "clock read without holding the bucket lock")
}
