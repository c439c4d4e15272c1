package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxgate/gridcore/pool"
)

type fakePool struct {
	autoScaleCalls atomic.Int32
}

func (f *fakePool) AutoScale(ctx context.Context) error {
	f.autoScaleCalls.Add(1)
	return nil
}

func (f *fakePool) Stats() pool.Stats {
	return pool.Stats{Capacity: 10, Available: 5, Created: 5, InUse: 0}
}

type fakeGC struct {
	calls atomic.Int32
}

func (g *fakeGC) GC(ctx context.Context, entities []string, checkCount int) error {
	g.calls.Add(1)
	return nil
}

func TestSupervisor_NotReadyBeforeStart(t *testing.T) {
	health := NewHealthTable()
	s := NewSupervisor(Config{WorkerID: "w1"}, &fakePool{}, &fakePool{}, &fakeGC{}, health)
	assert.False(t, s.Ready())
}

func TestSupervisor_ReadyAfterStart(t *testing.T) {
	health := NewHealthTable()
	s := NewSupervisor(Config{WorkerID: "w2"}, &fakePool{}, &fakePool{}, &fakeGC{}, health)

	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.Ready())

	_, ok := health.Get("w2")
	assert.True(t, ok)

	s.Stop()
	assert.False(t, s.Ready())
	_, ok = health.Get("w2")
	assert.False(t, ok, "health row must be removed on stop")
}

func TestSupervisor_InitFailureKeepsNotReady(t *testing.T) {
	health := NewHealthTable()
	s := NewSupervisor(Config{WorkerID: "w3"}, &fakePool{}, &fakePool{}, &fakeGC{}, health)

	err := s.Start(context.Background(), func(ctx context.Context) error {
		return assert.AnError
	})
	assert.Error(t, err)
	assert.False(t, s.Ready())
}

func TestSupervisor_TickersFireAndStopIsIdempotent(t *testing.T) {
	health := NewHealthTable()
	sqlPool := &fakePool{}
	gc := &fakeGC{}
	s := NewSupervisor(Config{
		WorkerID:          "w4",
		HeartbeatInterval: 10 * time.Millisecond,
		AutoScaleInterval: 10 * time.Millisecond,
		GCInterval:        10 * time.Millisecond,
	}, sqlPool, sqlPool, gc, health)

	require.NoError(t, s.Start(context.Background()))
	time.Sleep(60 * time.Millisecond)
	s.Stop()
	s.Stop() // must not panic or block

	assert.Greater(t, sqlPool.autoScaleCalls.Load(), int32(0))
	assert.Greater(t, gc.calls.Load(), int32(0))
}
