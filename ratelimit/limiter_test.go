package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fluxgate/gridcore/cache"
)

func newTestLimiter(limit int, window time.Duration) *RateLimiter {
	local := cache.NewLocalCache(cache.DefaultConfig())
	return New(local, Config{Limit: limit, Window: window})
}

func TestRateLimiter_TripsAtLimitPlusOne(t *testing.T) {
	rl := newTestLimiter(3, 60*time.Second)
	base := time.Unix(0, 0)

	var statuses []bool
	var remaining []int
	for i := 0; i < 5; i++ {
		d := rl.Allow("/users", "10.0.0.1", base.Add(time.Duration(i)*time.Second))
		statuses = append(statuses, d.Allowed)
		remaining = append(remaining, d.Remaining)
	}

	assert.Equal(t, []bool{true, true, true, false, false}, statuses)
	assert.Equal(t, 0, remaining[3])
	assert.Equal(t, 0, remaining[4])
}

func TestRateLimiter_RetryAfterCountsDownWithinWindow(t *testing.T) {
	rl := newTestLimiter(3, 60*time.Second)
	base := time.Unix(0, 0)

	for i := 0; i < 3; i++ {
		rl.Allow("/users", "10.0.0.2", base.Add(time.Duration(i)*time.Second))
	}
	d4 := rl.Allow("/users", "10.0.0.2", base.Add(3*time.Second))
	d5 := rl.Allow("/users", "10.0.0.2", base.Add(4*time.Second))

	assert.Equal(t, 57, d4.RetryAfter)
	assert.Equal(t, 56, d5.RetryAfter)
}

func TestRateLimiter_WindowResetsCounter(t *testing.T) {
	rl := newTestLimiter(2, 10*time.Second)
	base := time.Unix(0, 0)

	rl.Allow("/users", "10.0.0.3", base)
	d := rl.Allow("/users", "10.0.0.3", base.Add(20*time.Second))

	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)
}

func TestRateLimiter_ExcludedPathPassesThroughUntouched(t *testing.T) {
	rl := newTestLimiter(1, 60*time.Second)
	rl.cfg.ExcludedPaths = []string{"/healthz"}

	d := rl.Allow("/healthz", "10.0.0.4", time.Unix(0, 0))
	assert.True(t, d.Allowed)
	assert.True(t, d.Skipped)
}

func TestRateLimiter_PerIPIsolation(t *testing.T) {
	rl := newTestLimiter(1, 60*time.Second)
	base := time.Unix(0, 0)

	d1 := rl.Allow("/users", "10.0.0.5", base)
	d2 := rl.Allow("/users", "10.0.0.6", base)

	assert.True(t, d1.Allowed)
	assert.True(t, d2.Allowed)
}
