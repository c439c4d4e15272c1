package cache

import "errors"

// ErrCacheFull is returned by BoundedTable.Set when capacity remains
// exhausted after a full eviction pass (spec.md §4.1). Callers treat it as a
// non-fatal skip.
var ErrCacheFull = errors.New("cache full after eviction pass")

// ErrAbsent marks a semantically-absent entry: missing, or present but
// past its TTL. It is not a failure — spec.md §7 lists CacheMiss as
// "not an error, explicit ABSENT" — but Go has no sentinel-value-free way
// to express that over a generic row type, so Get returns (row, false)
// instead of this error in the common path. It exists for callers that
// prefer the error-returning shape (e.g. thin adapters).
var ErrAbsent = errors.New("cache: absent")

// Tier identifies which layer of the two-tier cache served a read
// (spec.md §4.6).
type Tier int

const (
	TierNone Tier = iota
	TierLocal
	TierRemote
)

func (t Tier) String() string {
	switch t {
	case TierLocal:
		return "LOCAL"
	case TierRemote:
		return "REMOTE"
	default:
		return "NONE"
	}
}
