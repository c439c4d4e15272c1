// Package ratelimit implements the fixed-window per-IP request limiter
// described in spec.md §4.7: a counter backed by the worker's local cache,
// resolved on the pre-increment value so the (limit+1)-th request in a
// window is the first one rejected.
package ratelimit

import (
	"regexp"
	"time"

	"github.com/fluxgate/gridcore/cache"
)

// Config is the rate-limit configuration surface from spec.md §6.
type Config struct {
	Window        time.Duration
	Limit         int
	ExcludedPaths []string
	SkipIPPattern *regexp.Regexp
}

// DefaultConfig mirrors spec.md §6's defaults: throttle=100, windowSec=60.
func DefaultConfig() Config {
	return Config{
		Window: 60 * time.Second,
		Limit:  100,
	}
}

// Decision is what the HTTP layer needs to set headers and decide
// pass-through vs. 429 (spec.md §4.7 steps 6-7).
type Decision struct {
	Allowed    bool
	Skipped    bool // excluded path or skip-pattern IP: no headers emitted
	Limit      int
	Remaining  int
	ResetSec   int
	RetryAfter int
}

type record struct {
	Value     int64
	CreatedAt int64
	ExpiresAt int64
}

// RateLimiter is a per-worker fixed-window limiter. The counter lives in
// the local tier only (no remote round-trip per request), which makes the
// limit per-worker by design — spec.md §4.7 documents this as a deliberate
// latency/accuracy trade-off, not an oversight.
type RateLimiter struct {
	cache *cache.LocalCache
	cfg   Config
}

// New binds a RateLimiter to the worker's LocalCache.
func New(localCache *cache.LocalCache, cfg Config) *RateLimiter {
	return &RateLimiter{cache: localCache, cfg: cfg}
}

func (r *RateLimiter) excluded(path string) bool {
	for _, p := range r.cfg.ExcludedPaths {
		if p == path {
			return true
		}
	}
	return false
}

// Allow implements spec.md §4.7's per-request algorithm. now is injected so
// callers (and tests) control the clock explicitly.
func (r *RateLimiter) Allow(path, ip string, now time.Time) Decision {
	if r.excluded(path) || (r.cfg.SkipIPPattern != nil && r.cfg.SkipIPPattern.MatchString(ip)) {
		return Decision{Allowed: true, Skipped: true}
	}

	windowSec := int64(r.cfg.Window.Seconds())
	nowSec := now.Unix()

	row, ok := r.cache.GetRecord("rateLimit", "ip", ip)

	var observedCount int64
	var createdAt int64

	fresh := func() {
		observedCount = 1
		createdAt = nowSec
		newRow := record{Value: 1, CreatedAt: nowSec, ExpiresAt: nowSec + windowSec}
		_ = r.cache.SetRecord("rateLimit", "ip", ip, newRow, r.cfg.Window)
	}

	switch {
	case !ok:
		fresh()
	default:
		data, isRecord := row.Value.(record)
		if !isRecord {
			fresh()
			break
		}
		if nowSec-data.CreatedAt >= windowSec {
			fresh()
			break
		}
		// Pre-increment observation per spec.md §4.7 step 5: the count
		// used for the threshold check is the value BEFORE this
		// request's increment is applied.
		observedCount = data.Value
		createdAt = data.CreatedAt
		updated := record{Value: data.Value + 1, CreatedAt: data.CreatedAt, ExpiresAt: data.CreatedAt + windowSec}
		ttl := time.Duration(updated.ExpiresAt-nowSec) * time.Second
		_ = r.cache.SetRecord("rateLimit", "ip", ip, updated, ttl)
	}

	elapsed := nowSec - createdAt
	resetSec := int(windowSec - elapsed)
	if resetSec < 0 {
		resetSec = 0
	}

	remaining := r.cfg.Limit - int(observedCount)
	if remaining < 0 {
		remaining = 0
	}

	if observedCount >= int64(r.cfg.Limit) {
		return Decision{
			Allowed:    false,
			Limit:      r.cfg.Limit,
			Remaining:  0,
			ResetSec:   resetSec,
			RetryAfter: resetSec,
		}
	}

	return Decision{
		Allowed:   true,
		Limit:     r.cfg.Limit,
		Remaining: remaining,
		ResetSec:  resetSec,
	}
}
