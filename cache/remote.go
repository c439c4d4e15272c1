package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fluxgate/gridcore/pool"
)

// kvBackend is the typed surface spec.md §9's REDESIGN FLAG calls for:
// get, set(ex), del, exists, incr/incrBy, expire, scan(cursor, match,
// count) — nothing else. RemoteCache depends on this interface rather than
// *redis.Client directly so its own logic (key building, JSON encoding,
// version resolution) can be tested without a live Redis.
type kvBackend interface {
	get(ctx context.Context, key string) (string, bool, error)
	setEX(ctx context.Context, key, value string, ttl time.Duration) error
	del(ctx context.Context, key string) error
	exists(ctx context.Context, key string) (bool, error)
	incrBy(ctx context.Context, key string, delta int64) (int64, error)
	expire(ctx context.Context, key string, ttl time.Duration) error
	scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error)
}

// redisBackend implements kvBackend over a KV connection pool, borrowing a
// *redis.Client for the duration of each call (spec.md §3 ownership rule:
// "the two-tier cache ... borrows the remote client from the KV pool only
// for the duration of a single call").
type redisBackend struct {
	pool *pool.ConnectionPool[*redis.Client]
}

func (b *redisBackend) withClient(ctx context.Context, fn func(client *redis.Client) error) error {
	return b.pool.WithConnection(ctx, func(ctx context.Context, client *redis.Client) error {
		return fn(client)
	})
}

func (b *redisBackend) get(ctx context.Context, key string) (string, bool, error) {
	var value string
	var found bool
	err := b.withClient(ctx, func(client *redis.Client) error {
		v, err := client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		value, found = v, true
		return nil
	})
	return value, found, err
}

func (b *redisBackend) setEX(ctx context.Context, key, value string, ttl time.Duration) error {
	return b.withClient(ctx, func(client *redis.Client) error {
		return client.Set(ctx, key, value, ttl).Err()
	})
}

func (b *redisBackend) del(ctx context.Context, key string) error {
	return b.withClient(ctx, func(client *redis.Client) error {
		return client.Del(ctx, key).Err()
	})
}

func (b *redisBackend) exists(ctx context.Context, key string) (bool, error) {
	var found bool
	err := b.withClient(ctx, func(client *redis.Client) error {
		n, err := client.Exists(ctx, key).Result()
		found = n > 0
		return err
	})
	return found, err
}

func (b *redisBackend) incrBy(ctx context.Context, key string, delta int64) (int64, error) {
	var result int64
	err := b.withClient(ctx, func(client *redis.Client) error {
		v, err := client.IncrBy(ctx, key, delta).Result()
		result = v
		return err
	})
	return result, err
}

func (b *redisBackend) expire(ctx context.Context, key string, ttl time.Duration) error {
	return b.withClient(ctx, func(client *redis.Client) error {
		return client.Expire(ctx, key, ttl).Err()
	})
}

func (b *redisBackend) scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	var keys []string
	var next uint64
	err := b.withClient(ctx, func(client *redis.Client) error {
		k, n, err := client.Scan(ctx, cursor, match, count).Result()
		keys, next = k, n
		return err
	})
	return keys, next, err
}

// RemoteCache is the shared-tier counterpart to LocalCache: same keyspace
// and semantics, bound to Redis through the KV connection pool.
type RemoteCache struct {
	backend kvBackend
	cfg     Config
}

// NewRemoteCache binds a RemoteCache to a KV connection pool.
func NewRemoteCache(kvPool *pool.ConnectionPool[*redis.Client], cfg Config) *RemoteCache {
	return &RemoteCache{backend: &redisBackend{pool: kvPool}, cfg: cfg}
}

// get implements the typed surface's GET.
func (c *RemoteCache) get(ctx context.Context, key string) (string, bool, error) {
	return c.backend.get(ctx, key)
}

// setEX implements the typed surface's SET with EX.
func (c *RemoteCache) setEX(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.backend.setEX(ctx, key, value, ttl)
}

// del implements the typed surface's DEL.
func (c *RemoteCache) del(ctx context.Context, key string) error {
	return c.backend.del(ctx, key)
}

// exists implements the typed surface's EXISTS.
func (c *RemoteCache) exists(ctx context.Context, key string) (bool, error) {
	return c.backend.exists(ctx, key)
}

// incrBy implements the typed surface's INCRBY (and INCR when delta==1).
func (c *RemoteCache) incrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return c.backend.incrBy(ctx, key, delta)
}

// expire implements the typed surface's EXPIRE.
func (c *RemoteCache) expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.backend.expire(ctx, key, ttl)
}

// scan implements the typed surface's SCAN(cursor, match, count).
func (c *RemoteCache) scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	return c.backend.scan(ctx, cursor, match, count)
}

// GetRecord resolves "{entity}:record:{column}:{value}" and JSON-decodes
// the stored value into out.
func (c *RemoteCache) GetRecord(ctx context.Context, entity, column string, value any, out any) (bool, error) {
	raw, found, err := c.get(ctx, RecordKey(entity, column, value))
	if err != nil || !found {
		return false, err
	}
	return true, json.Unmarshal([]byte(raw), out)
}

// SetRecord JSON-encodes data and writes it under the record key with the
// configured record TTL unless ttl overrides it.
func (c *RemoteCache) SetRecord(ctx context.Context, entity, column string, value any, data any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.cfg.RecordTTL
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	return c.setEX(ctx, RecordKey(entity, column, value), string(raw), ttl)
}

// DeleteRecord removes the record key.
func (c *RemoteCache) DeleteRecord(ctx context.Context, entity, column string, value any) error {
	return c.del(ctx, RecordKey(entity, column, value))
}

// Version returns the remote (authoritative) version, defaulting to 1 if
// absent (spec.md §3: "the remote value is authoritative").
func (c *RemoteCache) Version(ctx context.Context) func(entity string) (int64, error) {
	return func(entity string) (int64, error) {
		raw, found, err := c.get(ctx, VersionKey(entity))
		if err != nil {
			return 0, err
		}
		if !found {
			return 1, nil
		}
		var v int64
		if _, err := fmt.Sscanf(raw, "%d", &v); err != nil {
			return 1, nil
		}
		return v, nil
	}
}

// GetList resolves the current remote version, then reads the versioned
// list key and JSON-decodes it into out.
func (c *RemoteCache) GetList(ctx context.Context, entity string, query map[string]any, out any) (bool, error) {
	version, err := c.Version(ctx)(entity)
	if err != nil {
		return false, err
	}
	raw, found, err := c.get(ctx, ListKey(entity, version, query))
	if err != nil || !found {
		return false, err
	}
	return true, json.Unmarshal([]byte(raw), out)
}

// SetList JSON-encodes data and writes it under the current remote version
// with the configured list TTL unless ttl overrides it.
func (c *RemoteCache) SetList(ctx context.Context, entity string, query map[string]any, data any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.cfg.ListTTL
	}
	version, err := c.Version(ctx)(entity)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode list: %w", err)
	}
	return c.setEX(ctx, ListKey(entity, version, query), string(raw), ttl)
}

// InvalidateLists performs a single atomic increment on the remote version
// key, seeding it to 1 first if the key is absent (spec.md §4.5: "creating
// it at 1 if absent"). The seed step matters because Redis's INCRBY on a
// missing key starts counting from 0, which would otherwise land the very
// first invalidation on 1 — indistinguishable from Version's absent
// default and so incapable of busting anything.
func (c *RemoteCache) InvalidateLists(ctx context.Context, entity string) (int64, error) {
	key := VersionKey(entity)
	found, err := c.exists(ctx, key)
	if err != nil {
		return 0, err
	}
	if !found {
		if err := c.setEX(ctx, key, "1", c.cfg.RecordTTL); err != nil {
			return 0, err
		}
	}
	return c.incrBy(ctx, key, 1)
}

// Incr/IncrBy/Expire expose the typed counter surface to TwoTierCache.
func (c *RemoteCache) Incr(ctx context.Context, key string) (int64, error) {
	return c.incrBy(ctx, key, 1)
}

func (c *RemoteCache) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return c.incrBy(ctx, key, delta)
}

func (c *RemoteCache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.expire(ctx, key, ttl)
}

func (c *RemoteCache) Delete(ctx context.Context, key string) error {
	return c.del(ctx, key)
}

// GCOldListVersions walks the remote keyspace with a cursor-based SCAN
// (never a blocking full enumeration, per spec.md §4.5), batching deletes
// for list keys more than keepVersions behind each entity's current
// version.
func (c *RemoteCache) GCOldListVersions(ctx context.Context, entities []string, keepVersions int) (int, error) {
	if keepVersions <= 0 {
		keepVersions = c.cfg.GCKeepVersions
	}
	dropped := 0
	for _, entity := range entities {
		current, err := c.Version(ctx)(entity)
		if err != nil {
			return dropped, err
		}
		threshold := current - int64(keepVersions)
		if threshold < 1 {
			continue
		}
		var cursor uint64
		match := entity + ":list:v*"
		for {
			keys, next, err := c.scan(ctx, cursor, match, 200)
			if err != nil {
				return dropped, err
			}
			batch := make([]string, 0, len(keys))
			for _, k := range keys {
				var v int64
				n, err := fmt.Sscanf(k, entity+":list:v%d:", &v)
				if err == nil && n == 1 && v <= threshold {
					batch = append(batch, k)
				}
			}
			for _, k := range batch {
				if err := c.del(ctx, k); err != nil {
					return dropped, err
				}
				dropped++
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
	}
	return dropped, nil
}
