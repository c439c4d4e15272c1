package cache

import (
	"log"
	"time"
)

// LocalCache is the thin typed layer over BoundedTable described in
// spec.md §4.4: record-by-column keys, versioned list keys, and a version
// counter row per entity.
type LocalCache struct {
	table *BoundedTable
	cfg   Config
}

// NewLocalCache constructs a LocalCache backed by a fresh BoundedTable sized
// per cfg.
func NewLocalCache(cfg Config) *LocalCache {
	return &LocalCache{
		table: NewBoundedTable(cfg.LocalMaxEntries, DefaultBuffer, cfg.LocalKeyMax),
		cfg:   cfg,
	}
}

// Table exposes the underlying BoundedTable for the supervisor's GC ticker
// (spec.md §4.8 calls TwoTierCache.gc(), which in turn calls
// BoundedTable.gc() on local).
func (c *LocalCache) Table() *BoundedTable { return c.table }

// Get reads an arbitrary key (used by TwoTierCache's read path).
func (c *LocalCache) Get(key string) (*Row, bool) {
	return c.table.Get(key)
}

// Set writes an arbitrary key with the given ttl (0 means DefaultTTL).
func (c *LocalCache) Set(key string, value any, ttl time.Duration) error {
	return c.table.Set(key, value, ttl)
}

// Delete removes an arbitrary key.
func (c *LocalCache) Delete(key string) {
	c.table.Delete(key)
}

// Incr performs the bounded table's atomic numeric field update.
func (c *LocalCache) Incr(key, field string, delta int64, ttl time.Duration) (int64, error) {
	return c.table.Incr(key, field, delta, ttl)
}

// GetRecord resolves "{entity}:record:{column}:{value}".
func (c *LocalCache) GetRecord(entity, column string, value any) (*Row, bool) {
	return c.table.Get(RecordKey(entity, column, value))
}

// SetRecord writes "{entity}:record:{column}:{value}" with the configured
// record TTL unless ttl overrides it.
func (c *LocalCache) SetRecord(entity, column string, value any, data any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.cfg.RecordTTL
	}
	return c.table.Set(RecordKey(entity, column, value), data, ttl)
}

// DeleteRecord removes a record key.
func (c *LocalCache) DeleteRecord(entity, column string, value any) {
	c.table.Delete(RecordKey(entity, column, value))
}

// Version returns the current local version token for entity, defaulting to
// 1 if absent (spec.md §4.4 getList).
func (c *LocalCache) Version(entity string) int64 {
	row, ok := c.table.Get(VersionKey(entity))
	if !ok {
		return 1
	}
	if v, ok := row.Value.(int64); ok {
		return v
	}
	return 1
}

// GetList resolves the current local version token, then performs a
// TTL-aware read of the versioned list key. It does not auto-bump the
// version on miss (spec.md §4.4 getList).
func (c *LocalCache) GetList(entity string, query map[string]any) (*Row, bool) {
	version := c.Version(entity)
	return c.table.Get(ListKey(entity, version, query))
}

// SetList writes the list entry under the current local version token with
// the configured list TTL unless ttl overrides it (spec.md §4.4 setList).
func (c *LocalCache) SetList(entity string, query map[string]any, data any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.cfg.ListTTL
	}
	version := c.Version(entity)
	return c.table.Set(ListKey(entity, version, query), data, ttl)
}

// InvalidateLists bumps the local version token, creating it at 1 (then
// incrementing to 2) if absent (spec.md §4.4 invalidateLists). It shares
// storage with Version (row.Value) rather than Incr's Fields map, so a
// freshly-invalidated entity never reads back the baseline it was bumped
// past.
func (c *LocalCache) InvalidateLists(entity string) (int64, error) {
	return c.table.IncrValue(VersionKey(entity), 1, 1, c.cfg.RecordTTL)
}

// GCOldListVersions iterates the table and deletes any list key whose
// version is more than keepVersions behind the entity's current version
// (spec.md §4.4 gcOldListVersions).
func (c *LocalCache) GCOldListVersions(entities []string, keepVersions int) int {
	if keepVersions <= 0 {
		keepVersions = c.cfg.GCKeepVersions
	}
	dropped := 0
	for _, entity := range entities {
		current := c.Version(entity)
		threshold := current - int64(keepVersions)
		if threshold < 1 {
			continue
		}
		for v := int64(1); v <= threshold; v++ {
			prefix := ListKeyPrefix(entity, v)
			for _, key := range c.table.Keys() {
				if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
					c.table.Delete(key)
					dropped++
				}
			}
		}
	}
	if dropped > 0 {
		log.Printf("[cache:local] gc dropped %d stale list entries", dropped)
	}
	return dropped
}
