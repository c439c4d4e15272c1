package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id    int64
	alive atomic.Bool
}

func newFakeFactory() (func(ctx context.Context) (*fakeConn, error), func(*fakeConn) bool, func(*fakeConn), *int64) {
	var counter int64
	connect := func(ctx context.Context) (*fakeConn, error) {
		id := atomic.AddInt64(&counter, 1)
		c := &fakeConn{id: id}
		c.alive.Store(true)
		return c, nil
	}
	isAlive := func(c *fakeConn) bool { return c.alive.Load() }
	closeFn := func(c *fakeConn) { c.alive.Store(false) }
	return connect, isAlive, closeFn, &counter
}

func TestPool_InitFillsMin(t *testing.T) {
	connect, isAlive, closeFn, _ := newFakeFactory()
	p := New[*fakeConn](Config{Min: 2, Max: 10, IdleBuffer: 0.2, Margin: 0.2, Timeout: time.Second}, connect, isAlive, closeFn)

	require.NoError(t, p.Init(context.Background(), 3))
	assert.True(t, p.Ready())
	stats := p.Stats()
	assert.Equal(t, 2, stats.Created)
	assert.Equal(t, 2, stats.Available)
}

func TestPool_AcquireBeforeInitFails(t *testing.T) {
	connect, isAlive, closeFn, _ := newFakeFactory()
	p := New[*fakeConn](Config{Min: 1, Max: 2, Timeout: 100 * time.Millisecond}, connect, isAlive, closeFn)

	_, err := p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestPool_AcquireScalesUpUnderLowHeadroom(t *testing.T) {
	connect, isAlive, closeFn, counter := newFakeFactory()
	p := New[*fakeConn](Config{Min: 1, Max: 5, IdleBuffer: 0.2, Margin: 0.2, Timeout: time.Second}, connect, isAlive, closeFn)
	require.NoError(t, p.Init(context.Background(), 1))

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.GreaterOrEqual(t, atomic.LoadInt64(counter), int64(2))
}

func TestPool_ExhaustedOnTimeout(t *testing.T) {
	connect, isAlive, closeFn, _ := newFakeFactory()
	p := New[*fakeConn](Config{Min: 1, Max: 1, IdleBuffer: 0.5, Margin: 0.1, Timeout: 50 * time.Millisecond}, connect, isAlive, closeFn)
	require.NoError(t, p.Init(context.Background(), 1))

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)

	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrExhausted)

	p.Release(conn)
}

func TestPool_ReleaseClosesWhenFull(t *testing.T) {
	connect, isAlive, closeFn, counter := newFakeFactory()
	p := New[*fakeConn](Config{Min: 1, Max: 1, Timeout: time.Second}, connect, isAlive, closeFn)
	require.NoError(t, p.Init(context.Background(), 1))

	extra := &fakeConn{id: 999}
	extra.alive.Store(true)
	atomic.AddInt32(&p.created, 1)
	p.Release(extra)

	assert.False(t, extra.alive.Load())
	assert.Equal(t, int64(1), atomic.LoadInt64(counter))
}

func TestPool_ReentrantSharesConnection(t *testing.T) {
	connect, isAlive, closeFn, _ := newFakeFactory()
	p := New[*fakeConn](Config{Min: 1, Max: 3, Timeout: time.Second}, connect, isAlive, closeFn)
	require.NoError(t, p.Init(context.Background(), 1))

	ctx := WithTaskID(context.Background(), "task-1")

	var outerID, innerID int64
	err := p.WithConnection(ctx, func(ctx context.Context, conn *fakeConn) error {
		outerID = conn.id
		return p.WithConnection(ctx, func(ctx context.Context, conn *fakeConn) error {
			innerID = conn.id
			return nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, outerID, innerID)

	stats := p.Stats()
	assert.Equal(t, stats.Created, stats.Available)
}

func TestPool_WithConnectionAndRetryForCreate_Duplicate(t *testing.T) {
	connect, isAlive, closeFn, _ := newFakeFactory()
	p := New[*fakeConn](Config{Min: 1, Max: 3, Timeout: time.Second}, connect, isAlive, closeFn)
	require.NoError(t, p.Init(context.Background(), 1))

	ctx := WithTaskID(context.Background(), "create-task")

	calls := 0
	onDup := func(ctx context.Context, info DuplicateKeyInfo) (any, bool, error) {
		assert.Equal(t, "users", info.Table)
		return int64(42), true, nil
	}

	id, err := p.WithConnectionAndRetryForCreate(ctx, 3, "users", onDup, func(ctx context.Context, conn *fakeConn) (any, error) {
		calls++
		// The row already exists, so every insert attempt collides.
		return nil, fmt.Errorf("Error 1062: Duplicate entry 'a@b' for key 'users.email'")
	})

	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.Equal(t, 2, calls, "the duplicate is resolved on the retry, not the first attempt")
}

func TestPool_AutoScaleRespectsBounds(t *testing.T) {
	connect, isAlive, closeFn, counter := newFakeFactory()
	p := New[*fakeConn](Config{Min: 2, Max: 10, IdleBuffer: 0.3, Margin: 0.1, Timeout: time.Second}, connect, isAlive, closeFn)
	require.NoError(t, p.Init(context.Background(), 1))

	require.NoError(t, p.AutoScale(context.Background()))
	stats := p.Stats()
	assert.LessOrEqual(t, stats.Created, 10)
	assert.GreaterOrEqual(t, stats.Created, 2)
	assert.LessOrEqual(t, int(atomic.LoadInt64(counter)), 10)
}

func TestPool_ConcurrentAcquireRelease(t *testing.T) {
	connect, isAlive, closeFn, _ := newFakeFactory()
	p := New[*fakeConn](Config{Min: 2, Max: 10, IdleBuffer: 0.1, Margin: 0.1, Timeout: time.Second}, connect, isAlive, closeFn)
	require.NoError(t, p.Init(context.Background(), 1))

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := p.Acquire(context.Background())
			if err != nil {
				errs <- err
				return
			}
			time.Sleep(50 * time.Millisecond)
			p.Release(conn)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("unexpected acquire error: %v", err)
	}

	stats := p.Stats()
	assert.LessOrEqual(t, stats.Created, 10)
	assert.Equal(t, stats.Created, stats.Available)
}
