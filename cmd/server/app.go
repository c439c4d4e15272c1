// Command server wires the pool, cache, rate-limit, worker, and task
// packages behind a small HTTP CRUD surface for two demo resources (users,
// items), grounded on the teacher's ServerFactory.CreateServer wiring
// sequence (server/server_factory.go) but fronted by net/http + chi instead
// of the teacher's AMQP-RPC transport.
package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/fluxgate/gridcore/cache"
	"github.com/fluxgate/gridcore/config"
	"github.com/fluxgate/gridcore/pool"
	"github.com/fluxgate/gridcore/ratelimit"
	"github.com/fluxgate/gridcore/task"
	"github.com/fluxgate/gridcore/worker"
)

// app bundles everything a request handler needs, the functional
// counterpart to the teacher's Handler struct.
type app struct {
	cfg *config.Config

	sqlPool    *pool.ConnectionPool[*sql.Conn]
	sqlClose   func() error
	kvPool     *pool.ConnectionPool[*redis.Client]
	transactor *pool.SQLTransactor

	cache      *cache.TwoTierCache
	limiter    *ratelimit.RateLimiter
	supervisor *worker.Supervisor
	tasks      *task.Queue
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	sqlPool, closeSQL, err := pool.NewSQLPool(
		pool.Config{Min: cfg.PoolMin, Max: cfg.PoolMax, IdleBuffer: cfg.PoolIdleBuffer, Margin: cfg.PoolMargin, Timeout: cfg.PoolTimeout},
		pool.SQLConnectConfig{
			Dialect:  pool.Dialect(cfg.SQLDialect),
			Host:     cfg.SQLHost,
			Port:     cfg.SQLPort,
			User:     cfg.SQLUser,
			Password: cfg.SQLPassword,
			Database: cfg.SQLDatabase,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("build sql pool: %w", err)
	}

	kvPool := pool.NewKVPool(
		pool.Config{Min: cfg.PoolMin, Max: cfg.PoolMax, IdleBuffer: cfg.PoolIdleBuffer, Margin: cfg.PoolMargin, Timeout: cfg.PoolTimeout},
		pool.KVConnectConfig{Host: cfg.KVHost, Port: cfg.KVPort, Password: cfg.KVPassword, Database: cfg.KVDatabase},
	)

	cacheCfg := cache.Config{
		RecordTTL:       cfg.CacheRecordTTL,
		ListTTL:         cfg.CacheListTTL,
		LocalMaxEntries: cfg.CacheLocalMaxEntries,
		LocalKeyMax:     cfg.CacheLocalKeyMax,
		GCKeepVersions:  cfg.CacheGCKeepVersions,
		LocalWarmTTL:    2 * cfg.CacheListTTL / 10,
	}
	local := cache.NewLocalCache(cacheCfg)
	remote := cache.NewRemoteCache(kvPool, cacheCfg)
	twoTier := cache.NewTwoTierCache(local, remote, cacheCfg)

	limiter := ratelimit.New(local, ratelimit.Config{
		Window: cfg.RateLimitWindow,
		Limit:  cfg.RateLimitThrottle,
		ExcludedPaths: []string{"/healthz"},
	})

	tasks := task.NewQueue(cfg.TaskWorkers, cfg.TaskQueueSize, cfg.TaskSubmitTimeout)
	if cfg.AMQPURL != "" {
		transport, err := task.NewAMQPTransport(cfg.AMQPURL, "gridcore.tasks")
		if err != nil {
			return nil, fmt.Errorf("build amqp transport: %w", err)
		}
		tasks.SetPublisher(transport)
	}

	health := worker.NewHealthTable()
	supervisor := worker.NewSupervisor(worker.Config{
		WorkerID:          fmt.Sprintf("gridcore-%d", cfg.SQLPort),
		HeartbeatInterval: cfg.WorkerHeartbeatInterval,
		AutoScaleInterval: cfg.WorkerAutoScaleInterval,
		GCInterval:        cfg.WorkerGCInterval,
		GCEntities:        []string{"users", "items"},
		Verbose:           cfg.WorkerVerbose,
	}, sqlPool, kvPool, twoTier, health)

	a := &app{
		cfg:        cfg,
		sqlPool:    sqlPool,
		sqlClose:   closeSQL,
		kvPool:     kvPool,
		transactor: pool.NewSQLTransactor(),
		cache:      twoTier,
		limiter:    limiter,
		supervisor: supervisor,
		tasks:      tasks,
	}

	tasks.Register("cache.invalidate.users", func(ctx context.Context, t task.Task) error {
		return twoTier.InvalidateLists(ctx, "users")
	})
	tasks.Register("cache.invalidate.items", func(ctx context.Context, t task.Task) error {
		return twoTier.InvalidateLists(ctx, "items")
	})

	tasks.Start(ctx)

	if err := supervisor.Start(ctx,
		func(ctx context.Context) error { return sqlPool.Init(ctx, -1) },
		func(ctx context.Context) error { return kvPool.Init(ctx, -1) },
		func(ctx context.Context) error { return ensureSchema(ctx, sqlPool, pool.Dialect(cfg.SQLDialect)) },
	); err != nil {
		return nil, fmt.Errorf("supervisor start: %w", err)
	}

	return a, nil
}

func (a *app) shutdown() {
	a.supervisor.Stop()
	a.tasks.Stop(5 * a.cfg.PoolTimeout)
	a.sqlPool.Drain()
	a.kvPool.Drain()
	if a.sqlClose != nil {
		_ = a.sqlClose()
	}
}
