package vimcord

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClock drives a rate limiter with a controllable time source.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(t testing.TB) (*RateLimiter, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	limiter := NewRateLimiter(nil)
	limiter.now = clock.Now
	return limiter, clock
}

func TestRateLimiterFixedWindow(t *testing.T) {
	t.Parallel()
	limiter, clock := newTestLimiter(t)
	spec := RateLimitSpec{Max: 3, Interval: time.Minute, Scope: RateLimitScopeUser}

	for i := 0; i < 3; i++ {
		require.NoError(
			t, limiter.TryAcquire("slash.ping", spec.Scope, "u1", spec),
		)
	}

	// fourth hit one second into the window: denied, ~59s left
	clock.Advance(time.Second)
	err := limiter.TryAcquire("slash.ping", spec.Scope, "u1", spec)
	require.Error(t, err)

	var rateErr *RateLimitedError
	require.ErrorAs(t, err, &rateErr)
	assert.Equal(t, 59*time.Second, rateErr.RetryAfter)
}

func TestRateLimiterWindowReset(t *testing.T) {
	t.Parallel()
	limiter, clock := newTestLimiter(t)
	spec := RateLimitSpec{Max: 2, Interval: time.Minute, Scope: RateLimitScopeUser}

	require.NoError(t, limiter.TryAcquire("d", spec.Scope, "u1", spec))
	require.NoError(t, limiter.TryAcquire("d", spec.Scope, "u1", spec))
	require.Error(t, limiter.TryAcquire("d", spec.Scope, "u1", spec))

	// a hit after the window elapses resets the bucket in place
	clock.Advance(time.Minute)
	require.NoError(t, limiter.TryAcquire("d", spec.Scope, "u1", spec))
	require.NoError(t, limiter.TryAcquire("d", spec.Scope, "u1", spec))
	require.Error(t, limiter.TryAcquire("d", spec.Scope, "u1", spec))
}

func TestRateLimiterBucketsAreIndependent(t *testing.T) {
	t.Parallel()
	limiter, _ := newTestLimiter(t)
	spec := RateLimitSpec{Max: 1, Interval: time.Minute, Scope: RateLimitScopeUser}

	require.NoError(t, limiter.TryAcquire("d", spec.Scope, "u1", spec))
	require.Error(t, limiter.TryAcquire("d", spec.Scope, "u1", spec))

	// different user, different definition: separate buckets
	require.NoError(t, limiter.TryAcquire("d", spec.Scope, "u2", spec))
	require.NoError(t, limiter.TryAcquire("other", spec.Scope, "u1", spec))
}

func TestRateLimiterGlobalScope(t *testing.T) {
	t.Parallel()
	limiter, _ := newTestLimiter(t)
	spec := RateLimitSpec{Max: 1, Interval: time.Minute, Scope: RateLimitScopeGlobal}

	// global scope ignores the caller-provided key entirely
	require.NoError(t, limiter.TryAcquire("d", spec.Scope, "u1", spec))
	require.Error(t, limiter.TryAcquire("d", spec.Scope, "u2", spec))
}

func TestRateLimiterDisabledSpec(t *testing.T) {
	t.Parallel()
	limiter, _ := newTestLimiter(t)

	for i := 0; i < 100; i++ {
		require.NoError(
			t,
			limiter.TryAcquire(
				"d", RateLimitScopeUser, "u1", RateLimitSpec{},
			),
		)
	}
	assert.Empty(t, limiter.Snapshot(), "disabled specs never create buckets")
}

// TestRateLimiterConcurrentHits hammers one bucket from many goroutines
// and checks exactly Max hits are admitted - the window can never
// over-admit no matter the interleaving.
func TestRateLimiterConcurrentHits(t *testing.T) {
	t.Parallel()
	limiter, _ := newTestLimiter(t)
	spec := RateLimitSpec{Max: 5, Interval: time.Minute, Scope: RateLimitScopeUser}

	const hits = 100
	var admitted atomic.Int64
	var denied atomic.Int64

	var wg sync.WaitGroup
	for i := 0; i < hits; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := limiter.TryAcquire("d", spec.Scope, "u1", spec)
			if err == nil {
				admitted.Add(1)
				return
			}
			var rateErr *RateLimitedError
			if errors.As(err, &rateErr) {
				denied.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(5), admitted.Load())
	assert.Equal(t, int64(hits-5), denied.Load())
}

func TestRateLimiterSweep(t *testing.T) {
	t.Parallel()
	limiter, clock := newTestLimiter(t)
	spec := RateLimitSpec{Max: 1, Interval: time.Minute, Scope: RateLimitScopeUser}

	require.NoError(t, limiter.TryAcquire("d", spec.Scope, "u1", spec))
	require.NoError(t, limiter.TryAcquire("d", spec.Scope, "u2", spec))

	clock.Advance(30 * time.Second)
	require.NoError(t, limiter.TryAcquire("d", spec.Scope, "u3", spec))

	// u1/u2 buckets are a full minute old; u3's is not
	clock.Advance(30 * time.Second)
	removed := limiter.Sweep(time.Minute)
	assert.Equal(t, 2, removed)

	states := limiter.Snapshot()
	require.Len(t, states, 1)
	assert.Equal(t, "u3", states[0].ScopeKey)
}

func TestRateLimiterSnapshot(t *testing.T) {
	t.Parallel()
	limiter, _ := newTestLimiter(t)
	spec := RateLimitSpec{Max: 3, Interval: time.Minute, Scope: RateLimitScopeGuild}

	require.NoError(t, limiter.TryAcquire("d", spec.Scope, "g1", spec))
	require.NoError(t, limiter.TryAcquire("d", spec.Scope, "g1", spec))

	states := limiter.Snapshot()
	require.Len(t, states, 1)
	assert.Equal(t, "d", states[0].DefinitionID)
	assert.Equal(t, RateLimitScopeGuild, states[0].Scope)
	assert.Equal(t, 2, states[0].Count)
}
