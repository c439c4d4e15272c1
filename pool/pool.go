// Package pool implements the bounded, auto-scaling connection pool that
// underlies both the SQL and KV sides of the service: checkout/return over a
// buffered free channel, reentrant per-task checkout for transactional
// scopes, health probing, and periodic auto-scale.
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// State is the pool's lifecycle state machine (spec.md §4.2).
type State int32

const (
	StateUninit State = iota
	StateInitInProgress
	StateReady
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninit:
		return "UNINIT"
	case StateInitInProgress:
		return "INIT_IN_PROGRESS"
	case StateReady:
		return "READY"
	case StateDraining:
		return "DRAINING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Config parametrizes a ConnectionPool. IdleBuffer and Margin are fractions
// in (0,1); see spec.md §4.2's autoScale formula.
type Config struct {
	Min        int
	Max        int
	IdleBuffer float64
	Margin     float64
	Timeout    time.Duration
}

// taskIDKeyType is an unexported context key type so WithTaskID values never
// collide with another package's context keys.
type taskIDKeyType struct{}

var taskIDKey = taskIDKeyType{}

// WithTaskID attaches a reentrancy scope id to ctx. Nested withConnection
// calls under the same id share the same checked-out connection (spec.md's
// resolution of the "reentrant key scope" open question: a context value,
// never an unscoped thread-local).
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, taskIDKey, id)
}

func taskIDFrom(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(taskIDKey).(string)
	return v, ok && v != ""
}

type reentrantEntry[T any] struct {
	conn  T
	depth int
	inTx  bool
}

// ConnectionPool is a bounded pool of connections of type T (e.g. *sql.Conn
// or *redis.Client). All exported methods are safe for concurrent use.
type ConnectionPool[T any] struct {
	cfg Config

	connect  func(ctx context.Context) (T, error)
	isAlive  func(T) bool
	closeFn  func(T)

	retry *RetryEngine

	mu    sync.Mutex
	state State
	free  chan T
	created int32

	reentrant map[string]*reentrantEntry[T]
}

// New constructs a ConnectionPool. connect/isAlive/close are the three hooks
// spec.md §4.2 parametrizes the generic pool over.
func New[T any](cfg Config, connect func(ctx context.Context) (T, error), isAlive func(T) bool, closeFn func(T)) *ConnectionPool[T] {
	return &ConnectionPool[T]{
		cfg:       cfg,
		connect:   connect,
		isAlive:   isAlive,
		closeFn:   closeFn,
		retry:     DefaultRetryEngine(),
		state:     StateUninit,
		free:      make(chan T, cfg.Max),
		reentrant: make(map[string]*reentrantEntry[T]),
	}
}

// Init creates exactly Min connections via RetryEngine and transitions the
// pool to READY. maxRetry<0 means retry forever, which is how the worker
// supervisor calls it at startup (spec.md §4.8).
func (p *ConnectionPool[T]) Init(ctx context.Context, maxRetry int) error {
	p.mu.Lock()
	if p.state != StateUninit {
		p.mu.Unlock()
		return nil
	}
	p.state = StateInitInProgress
	p.mu.Unlock()

	for i := 0; i < p.cfg.Min; i++ {
		var conn T
		err := p.retry.Run(ctx, maxRetry, ShouldRetry, func(ctx context.Context) error {
			c, err := p.connect(ctx)
			if err != nil {
				return err
			}
			conn = c
			return nil
		})
		if err != nil {
			p.mu.Lock()
			p.state = StateUninit
			p.mu.Unlock()
			return fmt.Errorf("pool init: failed to create connection %d/%d: %w", i+1, p.cfg.Min, newErr(KindFatal, "initial fill failed", err))
		}
		p.free <- conn
		atomic.AddInt32(&p.created, 1)
	}

	p.mu.Lock()
	p.state = StateReady
	p.mu.Unlock()
	return nil
}

// Ready reports whether the pool has completed initialization and is
// accepting checkouts.
func (p *ConnectionPool[T]) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == StateReady
}

// Stats is a point-in-time snapshot of pool gauges, used by the worker
// health row (spec.md §3 Worker-health row, §6 health-table schema).
type Stats struct {
	Capacity  int
	Available int
	Created   int
	InUse     int
}

func (p *ConnectionPool[T]) Stats() Stats {
	created := int(atomic.LoadInt32(&p.created))
	available := len(p.free)
	return Stats{
		Capacity:  p.cfg.Max,
		Available: available,
		Created:   created,
		InUse:     created - available,
	}
}

// Acquire implements spec.md §4.2's acquire(timeout): snapshot-driven
// scale-up-on-hot-path when idle headroom is low, else a timed channel pop,
// then a liveness probe with transparent replacement on a dead connection.
func (p *ConnectionPool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T

	p.mu.Lock()
	state := p.state
	p.mu.Unlock()
	if state == StateClosed || state == StateDraining {
		return zero, ErrClosed
	}
	if state != StateReady {
		return zero, ErrNotInitialized
	}

	available := len(p.free)
	created := int(atomic.LoadInt32(&p.created))

	if available <= 1 && created < p.cfg.Max {
		conn, err := p.createOne(ctx)
		if err == nil {
			return conn, nil
		}
		// Fall through to the channel path; the scale-up attempt failing
		// doesn't mean the pool is exhausted if something is already free.
	}

	timeout := p.cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case conn := <-p.free:
		return p.healthCheck(ctx, conn)
	case <-timer.C:
		return zero, ErrExhausted
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (p *ConnectionPool[T]) createOne(ctx context.Context) (T, error) {
	var zero T
	conn, err := p.connect(ctx)
	if err != nil {
		return zero, wrapTransient(err)
	}
	atomic.AddInt32(&p.created, 1)
	return conn, nil
}

func (p *ConnectionPool[T]) healthCheck(ctx context.Context, conn T) (T, error) {
	if p.isAlive(conn) {
		return conn, nil
	}
	atomic.AddInt32(&p.created, -1)
	p.closeFn(conn)
	var fresh T
	err := p.retry.Run(ctx, 2, ShouldRetry, func(ctx context.Context) error {
		c, err := p.connect(ctx)
		if err != nil {
			return err
		}
		fresh = c
		return nil
	})
	if err != nil {
		var zero T
		return zero, fmt.Errorf("acquire: replacement connect failed: %w", err)
	}
	atomic.AddInt32(&p.created, 1)
	return fresh, nil
}

// Release returns conn to the pool, or closes it if the pool is full, the
// pool is draining or closed, or the connection is no longer alive
// (spec.md §4.2 release).
func (p *ConnectionPool[T]) Release(conn T) {
	p.mu.Lock()
	closing := p.state == StateDraining || p.state == StateClosed
	p.mu.Unlock()
	if !closing && p.isAlive(conn) {
		select {
		case p.free <- conn:
			return
		default:
		}
	}
	atomic.AddInt32(&p.created, -1)
	p.closeFn(conn)
}

// WithConnection implements the reentrant checkout scope from spec.md §4.2:
// nested calls under the same task id (see WithTaskID) reuse the same
// connection, incrementing a depth counter, and only the outermost call
// returns it to the pool.
func (p *ConnectionPool[T]) WithConnection(ctx context.Context, fn func(ctx context.Context, conn T) error) error {
	taskID, scoped := taskIDFrom(ctx)

	if scoped {
		p.mu.Lock()
		entry, ok := p.reentrant[taskID]
		p.mu.Unlock()
		if ok {
			if !p.isAlive(entry.conn) {
				atomic.AddInt32(&p.created, -1)
				p.closeFn(entry.conn)
				fresh, err := p.createOne(ctx)
				if err != nil {
					return err
				}
				p.mu.Lock()
				entry.conn = fresh
				p.mu.Unlock()
			}
			p.mu.Lock()
			entry.depth++
			p.mu.Unlock()
			err := fn(ctx, entry.conn)
			p.mu.Lock()
			entry.depth--
			done := entry.depth == 0
			if done {
				delete(p.reentrant, taskID)
			}
			p.mu.Unlock()
			if done {
				p.Release(entry.conn)
			}
			return err
		}
	}

	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	if scoped {
		p.mu.Lock()
		p.reentrant[taskID] = &reentrantEntry[T]{conn: conn, depth: 1}
		p.mu.Unlock()
		err := fn(ctx, conn)
		p.mu.Lock()
		entry := p.reentrant[taskID]
		entry.depth--
		done := entry.depth == 0
		if done {
			delete(p.reentrant, taskID)
		}
		p.mu.Unlock()
		if done {
			p.Release(conn)
		}
		return err
	}

	defer p.Release(conn)
	return fn(ctx, conn)
}

// WithConnectionAndRetry wraps WithConnection with the generic retry
// predicate (spec.md §4.2 withConnectionAndRetry).
func (p *ConnectionPool[T]) WithConnectionAndRetry(ctx context.Context, maxRetry int, fn func(ctx context.Context, conn T) error) error {
	return p.retry.Run(ctx, maxRetry, ShouldRetry, func(ctx context.Context) error {
		return p.WithConnection(ctx, fn)
	})
}

// OnDuplicate resolves a duplicate-key collision on create into the id of
// the row that already exists, or returns ok=false to signal the caller
// should re-throw (spec.md §4.2 withConnectionAndRetryForCreate).
type OnDuplicate func(ctx context.Context, info DuplicateKeyInfo) (id any, ok bool, err error)

// WithConnectionAndRetryForCreate implements spec.md §4.2's create-retry
// variant: on attempt>0, a duplicate-key failure is parsed and handed to
// onDuplicate instead of being retried blindly.
func (p *ConnectionPool[T]) WithConnectionAndRetryForCreate(ctx context.Context, maxRetry int, table string, onDuplicate OnDuplicate, fn func(ctx context.Context, conn T) (id any, err error)) (any, error) {
	var result any
	attempt := 0
	err := p.retry.Run(ctx, maxRetry, func(err error) bool {
		// attempt has already been advanced past the call that produced
		// err, so attempt > 1 means err came from a retry.
		if attempt > 1 && isDuplicateKey(err) {
			return false // handled below, not retried by the engine
		}
		return ShouldRetry(err) || isDuplicateKey(err)
	}, func(ctx context.Context) error {
		defer func() { attempt++ }()
		err := p.WithConnection(ctx, func(ctx context.Context, conn T) error {
			id, err := fn(ctx, conn)
			if err != nil {
				return err
			}
			result = id
			return nil
		})
		if err == nil {
			return nil
		}
		if attempt > 0 && isDuplicateKey(err) {
			info, ok := ParseDuplicateKey(err, table)
			if !ok {
				return err
			}
			id, resolved, derr := onDuplicate(ctx, info)
			if derr != nil {
				return derr
			}
			if !resolved {
				return err
			}
			result = id
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// WithTransaction runs fn inside a SQL transaction for the calling task's
// reentrant scope. Nested calls (same task id) do not re-BEGIN; only the
// outermost call commits or rolls back (spec.md §4.2 withTransaction).
func (p *ConnectionPool[T]) WithTransaction(ctx context.Context, begin func(conn T) error, commit func(conn T) error, rollback func(conn T) error, fn func(ctx context.Context, conn T) error) error {
	taskID, scoped := taskIDFrom(ctx)
	if !scoped {
		return fmt.Errorf("withTransaction requires a task-scoped context (see WithTaskID)")
	}

	return p.WithConnection(ctx, func(ctx context.Context, conn T) error {
		p.mu.Lock()
		entry := p.reentrant[taskID]
		outermost := entry != nil && !entry.inTx
		if outermost {
			entry.inTx = true
		}
		p.mu.Unlock()

		if outermost {
			if err := begin(conn); err != nil {
				p.mu.Lock()
				entry.inTx = false
				p.mu.Unlock()
				return fmt.Errorf("begin transaction: %w", err)
			}
		}

		err := fn(ctx, conn)

		if !outermost {
			return err
		}

		p.mu.Lock()
		entry.inTx = false
		p.mu.Unlock()

		if err != nil {
			if rerr := rollback(conn); rerr != nil {
				return fmt.Errorf("rollback after %v: %w", err, rerr)
			}
			return err
		}
		if cerr := commit(conn); cerr != nil {
			return fmt.Errorf("commit transaction: %w", cerr)
		}
		return nil
	})
}

// AutoScale implements spec.md §4.2's periodic right-sizing: it moves idle
// capacity toward idleBufferCount = max*idleBuffer within a +-margin band,
// never crossing [min,max].
func (p *ConnectionPool[T]) AutoScale(ctx context.Context) error {
	idle := len(p.free)
	created := int(atomic.LoadInt32(&p.created))
	idleBufferCount := float64(p.cfg.Max) * p.cfg.IdleBuffer
	upper := idleBufferCount * (1 + p.cfg.Margin)
	lowerF := idleBufferCount * (1 - p.cfg.Margin)
	lower := lowerF
	if float64(p.cfg.Min) < lower {
		lower = float64(p.cfg.Min)
	}

	if float64(idle) < lower && created < p.cfg.Max {
		n := p.cfg.Max - created
		if want := int(lower - float64(idle)); want < n {
			n = want
		}
		for i := 0; i < n; i++ {
			conn, err := p.connect(ctx)
			if err != nil {
				return fmt.Errorf("autoscale up: %w", err)
			}
			atomic.AddInt32(&p.created, 1)
			select {
			case p.free <- conn:
			default:
				atomic.AddInt32(&p.created, -1)
				p.closeFn(conn)
			}
		}
		return nil
	}

	if float64(idle) > upper && created > p.cfg.Min {
		n := created - p.cfg.Min
		if want := int(float64(idle) - upper); want < n {
			n = want
		}
		for i := 0; i < n; i++ {
			select {
			case conn := <-p.free:
				atomic.AddInt32(&p.created, -1)
				p.closeFn(conn)
			default:
				return nil
			}
		}
	}
	return nil
}

// Drain transitions the pool to DRAINING then CLOSED, closing every
// connection it can reach (free channel only; checked-out connections are
// closed as they're released).
func (p *ConnectionPool[T]) Drain() {
	p.mu.Lock()
	p.state = StateDraining
	p.mu.Unlock()

	for {
		select {
		case conn := <-p.free:
			atomic.AddInt32(&p.created, -1)
			p.closeFn(conn)
		default:
			p.mu.Lock()
			p.state = StateClosed
			p.mu.Unlock()
			return
		}
	}
}
