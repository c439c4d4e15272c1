// Package worker implements the per-worker lifecycle, heartbeat table, and
// ticker registry described in spec.md §4.8: pool initialization at start,
// periodic auto-scale/heartbeat/GC ticks, and readiness gating.
package worker

import (
	"context"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fatih/color"

	"github.com/fluxgate/gridcore/pool"
)

// Pool is the subset of ConnectionPool[T] the supervisor drives. Both the
// SQL and KV pools satisfy it regardless of their type parameter, since
// neither method's signature depends on T.
type Pool interface {
	AutoScale(ctx context.Context) error
	Stats() pool.Stats
}

// GC is the subset of TwoTierCache the supervisor's GC tick drives.
type GC interface {
	GC(ctx context.Context, entities []string, checkCount int) error
}

// Config parametrizes a Supervisor. Zero values fall back to spec.md §4.8's
// defaults (1s heartbeat, 5s auto-scale, 30s GC).
type Config struct {
	WorkerID          string
	HeartbeatInterval time.Duration
	AutoScaleInterval time.Duration
	GCInterval        time.Duration
	GCEntities        []string
	GCCheckCount      int
	Verbose           bool
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 1 * time.Second
	}
	if c.AutoScaleInterval <= 0 {
		c.AutoScaleInterval = 5 * time.Second
	}
	if c.GCInterval <= 0 {
		c.GCInterval = 30 * time.Second
	}
	if c.GCCheckCount <= 0 {
		c.GCCheckCount = 200
	}
	return c
}

// Supervisor owns one worker's pools' lifecycle, its health row, and its
// ticker registry. It is the only component outside the pools themselves
// that interacts with readiness (spec.md §4.8).
type Supervisor struct {
	cfg     Config
	sqlPool Pool
	kvPool  Pool
	cache   GC
	health  *HealthTable

	ready   atomic.Bool
	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewSupervisor binds a Supervisor to its pools, cache, and health table.
// sqlPool/kvPool may be nil if a worker doesn't use one of the two.
func NewSupervisor(cfg Config, sqlPool, kvPool Pool, cache GC, health *HealthTable) *Supervisor {
	return &Supervisor{
		cfg:     cfg.withDefaults(),
		sqlPool: sqlPool,
		kvPool:  kvPool,
		cache:   cache,
		health:  health,
	}
}

// Start runs initFns (typically each pool's Init(ctx, -1) bound as a
// closure so the supervisor stays generic over connection type), inserts
// the worker's health row, registers the heartbeat/auto-scale/GC tickers,
// and sets readiness (spec.md §4.8 steps 1-4).
func (s *Supervisor) Start(ctx context.Context, initFns ...func(ctx context.Context) error) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	for _, initFn := range initFns {
		if err := initFn(ctx); err != nil {
			return err
		}
	}

	now := time.Now()
	s.health.Insert(s.cfg.WorkerID, os.Getpid(), now)

	s.wg.Add(3)
	go s.tick(s.cfg.HeartbeatInterval, s.heartbeatTick)
	go s.tick(s.cfg.AutoScaleInterval, s.autoScaleTick)
	go s.tick(s.cfg.GCInterval, s.gcTick)

	s.ready.Store(true)
	log.Printf("[worker:%s] ready", s.cfg.WorkerID)
	return nil
}

// Ready reports readiness as a per-worker atomic bool, replacing the
// teacher-adjacent global singleton flag per spec.md §9's REDESIGN FLAG.
func (s *Supervisor) Ready() bool {
	return s.ready.Load()
}

// Stop cancels every ticker for this worker, deletes its health row, and
// clears readiness. Teardown is idempotent: a second Stop (or a Stop after
// the worker already errored out) is a no-op.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.ready.Store(false)
	s.health.Delete(s.cfg.WorkerID)
	log.Printf("[worker:%s] stopped", s.cfg.WorkerID)
}

func (s *Supervisor) tick(interval time.Duration, fn func(ctx context.Context)) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			fn(context.Background())
		}
	}
}

func (s *Supervisor) heartbeatTick(ctx context.Context) {
	now := time.Now()
	s.health.Update(s.cfg.WorkerID, func(row *HealthRow) {
		row.LastHeartbeat = now
		if s.sqlPool != nil {
			st := s.sqlPool.Stats()
			row.SQL = Gauges{Capacity: st.Capacity, Available: st.Available, Created: st.Created, InUse: st.InUse}
		}
		if s.kvPool != nil {
			st := s.kvPool.Stats()
			row.KV = Gauges{Capacity: st.Capacity, Available: st.Available, Created: st.Created, InUse: st.InUse}
		}
	})
	if s.cfg.Verbose {
		s.printStatus()
	}
}

func (s *Supervisor) autoScaleTick(ctx context.Context) {
	if s.sqlPool != nil {
		if err := s.sqlPool.AutoScale(ctx); err != nil {
			log.Printf("[worker:%s] sql autoscale error: %v", s.cfg.WorkerID, err)
		}
	}
	if s.kvPool != nil {
		if err := s.kvPool.AutoScale(ctx); err != nil {
			log.Printf("[worker:%s] kv autoscale error: %v", s.cfg.WorkerID, err)
		}
	}
}

func (s *Supervisor) gcTick(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.GC(ctx, s.cfg.GCEntities, s.cfg.GCCheckCount); err != nil {
		log.Printf("[worker:%s] gc error: %v", s.cfg.WorkerID, err)
	}
}

func (s *Supervisor) printStatus() {
	row, ok := s.health.Get(s.cfg.WorkerID)
	if !ok {
		return
	}
	status := color.New(color.FgGreen, color.Bold).Sprintf("READY")
	if !s.Ready() {
		status = color.New(color.FgRed, color.Bold).Sprintf("NOT READY")
	}
	log.Printf("[worker:%s] %s sql(created=%d/%d avail=%d) kv(created=%d/%d avail=%d)",
		s.cfg.WorkerID, status,
		row.SQL.Created, row.SQL.Capacity, row.SQL.Available,
		row.KV.Created, row.KV.Capacity, row.KV.Available,
	)
}
