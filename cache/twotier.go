package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/singleflight"
)

// TwoTierCache composes LocalCache over RemoteCache: read-through,
// write-through, version bump (spec.md §4.6). Concurrent misses on the same
// key are coalesced through singleflight so a cold key under load produces
// one remote round-trip, not N — the same shape as
// other_examples' distributed cache manager's RequestCoalescer.
type TwoTierCache struct {
	local  *LocalCache
	remote *RemoteCache
	cfg    Config
	group  singleflight.Group
}

// NewTwoTierCache binds a TwoTierCache to its two tiers.
func NewTwoTierCache(local *LocalCache, remote *RemoteCache, cfg Config) *TwoTierCache {
	return &TwoTierCache{local: local, remote: remote, cfg: cfg}
}

// Get implements spec.md §4.6's read path: local hit wins outright; a
// remote hit warms local with a shorter TTL before returning; a full miss
// returns TierNone without error. Remote errors during reads degrade to a
// miss rather than surfacing (spec.md §7).
func (c *TwoTierCache) Get(ctx context.Context, key string, out any) (Tier, error) {
	if row, ok := c.local.Get(key); ok {
		s, ok := row.Value.(string)
		if !ok {
			return TierNone, fmt.Errorf("local cache: unexpected value type for %s", key)
		}
		if err := json.Unmarshal([]byte(s), out); err != nil {
			return TierNone, fmt.Errorf("decode local value for %s: %w", key, err)
		}
		return TierLocal, nil
	}

	raw, err, _ := c.group.Do(key, func() (any, error) {
		s, found, err := c.remote.get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, nil
		}
		return s, nil
	})
	if err != nil {
		log.Printf("[cache:twotier] remote get failed for %s, degrading to origin: %v", key, err)
		return TierNone, nil
	}
	if raw == nil {
		return TierNone, nil
	}
	s := raw.(string)
	if err := json.Unmarshal([]byte(s), out); err != nil {
		return TierNone, fmt.Errorf("decode remote value for %s: %w", key, err)
	}
	if err := c.local.Set(key, s, c.cfg.LocalWarmTTL); err != nil {
		log.Printf("[cache:twotier] local warm failed for %s (non-fatal): %v", key, err)
	}
	return TierRemote, nil
}

// Set writes value to both tiers (write-through). A local failure is
// logged and non-fatal; a remote failure is surfaced (spec.md §4.6).
func (c *TwoTierCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode value for %s: %w", key, err)
	}
	if err := c.local.Set(key, string(raw), ttl); err != nil {
		log.Printf("[cache:twotier] local set failed for %s (non-fatal): %v", key, err)
	}
	if err := c.remote.setEX(ctx, key, string(raw), ttl); err != nil {
		return fmt.Errorf("remote set failed for %s: %w", key, err)
	}
	return nil
}

// Incr performs a best-effort local increment and an authoritative remote
// IncrBy, setting the remote TTL on the first increment (spec.md §4.6).
// The returned value is max(local, remote); exact consistency is not
// claimed, per spec.
func (c *TwoTierCache) Incr(ctx context.Context, key, field string, delta int64, ttl time.Duration) (int64, error) {
	localResult, err := c.local.Incr(key, field, delta, ttl)
	if err != nil {
		log.Printf("[cache:twotier] local incr failed for %s (non-fatal): %v", key, err)
		localResult = 0
	}

	remoteResult, err := c.remote.IncrBy(ctx, key, delta)
	if err != nil {
		return 0, fmt.Errorf("remote incr failed for %s: %w", key, err)
	}
	if remoteResult == delta && ttl > 0 {
		if err := c.remote.Expire(ctx, key, ttl); err != nil {
			log.Printf("[cache:twotier] setting TTL after first increment failed for %s: %v", key, err)
		}
	}

	if localResult > remoteResult {
		return localResult, nil
	}
	return remoteResult, nil
}

// GetRecord/SetRecord/GetList/SetList compose the §4.4/§4.5 key builders
// through Get/Set above.

func (c *TwoTierCache) GetRecord(ctx context.Context, entity, column string, value any, out any) (Tier, error) {
	return c.Get(ctx, RecordKey(entity, column, value), out)
}

func (c *TwoTierCache) SetRecord(ctx context.Context, entity, column string, value any, data any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.cfg.RecordTTL
	}
	return c.Set(ctx, RecordKey(entity, column, value), data, ttl)
}

func (c *TwoTierCache) GetList(ctx context.Context, entity string, query map[string]any, out any) (Tier, error) {
	version, err := c.remote.Version(ctx)(entity)
	if err != nil {
		version = c.local.Version(entity)
	}
	return c.Get(ctx, ListKey(entity, version, query), out)
}

func (c *TwoTierCache) SetList(ctx context.Context, entity string, query map[string]any, data any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.cfg.ListTTL
	}
	version, err := c.remote.Version(ctx)(entity)
	if err != nil {
		version = c.local.Version(entity)
	}
	return c.Set(ctx, ListKey(entity, version, query), data, ttl)
}

// InvalidateRecord deletes a record key in both tiers: local best-effort,
// remote authoritative (spec.md §4.6).
func (c *TwoTierCache) InvalidateRecord(ctx context.Context, entity, column string, value any) error {
	c.local.DeleteRecord(entity, column, value)
	return c.remote.DeleteRecord(ctx, entity, column, value)
}

// InvalidateLists bumps the version token in both tiers (spec.md §4.6).
func (c *TwoTierCache) InvalidateLists(ctx context.Context, entity string) error {
	if _, err := c.local.InvalidateLists(entity); err != nil {
		log.Printf("[cache:twotier] local version bump failed for %s (non-fatal): %v", entity, err)
	}
	_, err := c.remote.InvalidateLists(ctx, entity)
	return err
}

// GC runs gcOldListVersions on both tiers and BoundedTable.gc() on local,
// as spec.md §4.8 requires the supervisor's GC tick to do.
func (c *TwoTierCache) GC(ctx context.Context, entities []string, checkCount int) error {
	c.local.GCOldListVersions(entities, c.cfg.GCKeepVersions)
	if _, err := c.remote.GCOldListVersions(ctx, entities, c.cfg.GCKeepVersions); err != nil {
		log.Printf("[cache:twotier] remote list gc failed: %v", err)
	}
	dropped := c.local.Table().GC(checkCount)
	if dropped > 0 {
		log.Printf("[cache:twotier] local table gc dropped %d expired rows", dropped)
	}
	return nil
}
