package pool

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// KVConnectConfig is the "connect fields for KV" surface from spec.md §6.
type KVConnectConfig struct {
	Host     string
	Port     int
	Password string
	Database int
}

func (c KVConnectConfig) addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// NewKVPool builds a ConnectionPool[*redis.Client] for a single logical
// remote cache/KV endpoint, grounded on the go-redis/v9 client the same way
// other_examples' RedisCache wires redis.ParseURL.
func NewKVPool(poolCfg Config, connCfg KVConnectConfig) *ConnectionPool[*redis.Client] {
	connect := func(ctx context.Context) (*redis.Client, error) {
		client := redis.NewClient(&redis.Options{
			Addr:     connCfg.addr(),
			Password: connCfg.Password,
			DB:       connCfg.Database,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis connect %s: %w", connCfg.addr(), err)
		}
		return client, nil
	}
	isAlive := func(c *redis.Client) bool {
		if c == nil {
			return false
		}
		return c.Ping(context.Background()).Err() == nil
	}
	closeFn := func(c *redis.Client) {
		if c != nil {
			_ = c.Close()
		}
	}
	return New[*redis.Client](poolCfg, connect, isAlive, closeFn)
}
