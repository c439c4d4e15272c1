package task

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_SubmitRunsRegisteredHandler(t *testing.T) {
	q := NewQueue(2, 10, 100*time.Millisecond)
	q.Start(context.Background())
	defer q.Stop(time.Second)

	var ran atomic.Bool
	q.Register("noop", func(ctx context.Context, tk Task) error {
		ran.Store(true)
		return nil
	})

	require.NoError(t, q.Submit(context.Background(), "noop", nil))

	assert.Eventually(t, func() bool { return ran.Load() }, time.Second, 5*time.Millisecond)
}

func TestQueue_UnknownKindIsDroppedNotBlocked(t *testing.T) {
	q := NewQueue(1, 10, 100*time.Millisecond)
	q.Start(context.Background())
	defer q.Stop(time.Second)

	require.NoError(t, q.Submit(context.Background(), "unregistered", nil))
	time.Sleep(20 * time.Millisecond) // no panic, no block
}

func TestQueue_SubmitTimesOutWhenFull(t *testing.T) {
	q := NewQueue(1, 1, 20*time.Millisecond)
	block := make(chan struct{})
	q.Register("slow", func(ctx context.Context, tk Task) error {
		<-block
		return nil
	})
	q.Start(context.Background())
	defer func() {
		close(block)
		q.Stop(time.Second)
	}()

	require.NoError(t, q.Submit(context.Background(), "slow", nil)) // occupies the 1 worker
	require.NoError(t, q.Submit(context.Background(), "slow", nil)) // fills the 1-deep buffer

	err := q.Submit(context.Background(), "slow", nil)
	assert.Error(t, err)
	assert.Equal(t, int64(1), q.Stats().Dropped)
}

func TestQueue_PanicInHandlerDoesNotCrashWorker(t *testing.T) {
	q := NewQueue(1, 4, 100*time.Millisecond)
	q.Start(context.Background())
	defer q.Stop(time.Second)

	var secondRan atomic.Bool
	q.Register("boom", func(ctx context.Context, tk Task) error {
		panic("kaboom")
	})
	q.Register("after", func(ctx context.Context, tk Task) error {
		secondRan.Store(true)
		return nil
	})

	require.NoError(t, q.Submit(context.Background(), "boom", nil))
	require.NoError(t, q.Submit(context.Background(), "after", nil))

	assert.Eventually(t, func() bool { return secondRan.Load() }, time.Second, 5*time.Millisecond)
}
