package vimcord

import (
	"log/slog"
	"sync"
	"time"
)

// RateLimitScope is the dimension a rate-limit bucket is partitioned by.
type RateLimitScope string

const (
	RateLimitScopeUser    RateLimitScope = "user"
	RateLimitScopeGuild   RateLimitScope = "guild"
	RateLimitScopeChannel RateLimitScope = "channel"
	RateLimitScopeGlobal  RateLimitScope = "global"
)

// globalScopeKey is the shared key used for all Global-scope buckets.
const globalScopeKey = "*"

// RateLimitSpec declares a fixed-window usage limit on a [Definition].
type RateLimitSpec struct {
	// Max admitted hits per window. 0 means unlimited (no bucket is
	// ever created).
	Max int `json:"max" mapstructure:"max"`

	// Interval is the window length
	Interval time.Duration `json:"interval" mapstructure:"interval"`

	// Scope selects the partitioning dimension. Defaults to User.
	Scope RateLimitScope `json:"scope" mapstructure:"scope"`
}

func (r RateLimitSpec) enabled() bool {
	return r.Max > 0 && r.Interval > 0
}

type bucketKey struct {
	definitionID string
	scope        RateLimitScope
	scopeKey     string
}

// bucket holds one fixed window's rolling state. The mutex serializes
// the read-increment-write sequence so two concurrent hits can't both
// observe count < max and both be admitted.
type bucket struct {
	mu          sync.Mutex
	windowStart time.Time
	count       int
}

// RateLimiter tracks usage buckets keyed by (definition, scope, key).
// It is an explicit registry constructed at startup and injected into
// the dispatcher; there is no package-level instance. Buckets are
// created lazily and expired passively: a hit landing after the window
// elapsed resets the bucket in place, and Sweep drops buckets idle for
// a full window.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[bucketKey]*bucket
	logger  *slog.Logger

	// now is swapped out in tests
	now func() time.Time
}

// NewRateLimiter returns an empty rate limiter registry.
func NewRateLimiter(logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		buckets: map[bucketKey]*bucket{},
		logger:  logger.With(loggerNameKey, "rate_limiter"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// TryAcquire records a hit against the bucket for (definitionID, scope,
// scopeKey) and reports whether it is admitted under spec. A denied hit
// returns a [RateLimitedError] carrying the time until the window
// resets. Buckets for different keys are fully independent; a single
// bucket's state transitions are serialized by its own mutex.
func (r *RateLimiter) TryAcquire(
	definitionID string,
	scope RateLimitScope,
	scopeKey string,
	spec RateLimitSpec,
) error {
	if !spec.enabled() {
		return nil
	}
	if scope == "" {
		scope = RateLimitScopeUser
	}
	if scope == RateLimitScopeGlobal {
		scopeKey = globalScopeKey
	}

	b := r.bucket(bucketKey{definitionID, scope, scopeKey})
	now := r.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case b.windowStart.IsZero(), now.Sub(b.windowStart) >= spec.Interval:
		// First hit, or the previous window elapsed: reset and admit
		b.windowStart = now
		b.count = 1
		return nil
	case b.count < spec.Max:
		b.count++
		return nil
	default:
		retryAfter := b.windowStart.Add(spec.Interval).Sub(now)
		return &RateLimitedError{RetryAfter: retryAfter}
	}
}

// bucket returns the bucket for key, creating it if absent.
func (r *RateLimiter) bucket(key bucketKey) *bucket {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buckets[key]
	if !ok {
		b = &bucket{}
		r.buckets[key] = b
	}
	return b
}

// Sweep drops buckets whose window started longer than maxIdle ago and
// returns the number removed. Expiry is otherwise passive, so this only
// bounds memory; correctness never depends on it being called.
func (r *RateLimiter) Sweep(maxIdle time.Duration) int {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for key, b := range r.buckets {
		b.mu.Lock()
		idle := now.Sub(b.windowStart) >= maxIdle
		b.mu.Unlock()
		if idle {
			delete(r.buckets, key)
			removed++
		}
	}
	if removed > 0 {
		r.logger.Debug(
			"swept expired rate limit buckets",
			"removed", removed,
			"remaining", len(r.buckets),
		)
	}
	return removed
}

// BucketState is a point-in-time snapshot of one bucket, as reported by
// the status API.
type BucketState struct {
	DefinitionID string         `json:"definition_id"`
	Scope        RateLimitScope `json:"scope"`
	ScopeKey     string         `json:"scope_key"`
	Count        int            `json:"count"`
	WindowStart  time.Time      `json:"window_start"`
}

// Snapshot returns the current state of all live buckets.
func (r *RateLimiter) Snapshot() []BucketState {
	r.mu.Lock()
	defer r.mu.Unlock()

	states := make([]BucketState, 0, len(r.buckets))
	for key, b := range r.buckets {
		b.mu.Lock()
		states = append(
			states, BucketState{
				DefinitionID: key.definitionID,
				Scope:        key.scope,
				ScopeKey:     key.scopeKey,
				Count:        b.count,
				WindowStart:  b.windowStart,
			},
		)
		b.mu.Unlock()
	}
	return states
}
