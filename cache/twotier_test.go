package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTwoTier() *TwoTierCache {
	cfg := DefaultConfig()
	local := NewLocalCache(cfg)
	remote, _ := newTestRemoteCache()
	return NewTwoTierCache(local, remote, cfg)
}

func TestTwoTierCache_SetThenGetIsLocal(t *testing.T) {
	c := newTestTwoTier()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k1", map[string]any{"x": 1}, time.Minute))

	var out map[string]any
	tier, err := c.Get(ctx, "k1", &out)
	require.NoError(t, err)
	assert.Equal(t, TierLocal, tier)
	assert.Equal(t, float64(1), out["x"])
}

func TestTwoTierCache_RemoteHitWarmsLocal(t *testing.T) {
	c := newTestTwoTier()
	ctx := context.Background()

	// Write directly to the remote tier only, bypassing local.
	require.NoError(t, c.remote.setEX(ctx, "k2", `{"x":2}`, time.Minute))

	var out map[string]any
	tier, err := c.Get(ctx, "k2", &out)
	require.NoError(t, err)
	assert.Equal(t, TierRemote, tier)

	// Second read should now be local.
	tier2, err := c.Get(ctx, "k2", &out)
	require.NoError(t, err)
	assert.Equal(t, TierLocal, tier2)
}

func TestTwoTierCache_MissReturnsNone(t *testing.T) {
	c := newTestTwoTier()
	var out map[string]any
	tier, err := c.Get(context.Background(), "missing", &out)
	require.NoError(t, err)
	assert.Equal(t, TierNone, tier)
}

func TestTwoTierCache_InvalidateListsForcesNextMiss(t *testing.T) {
	c := newTestTwoTier()
	ctx := context.Background()

	require.NoError(t, c.SetList(ctx, "users", map[string]any{"page": 1}, []int{1, 2, 3}, time.Minute))

	var before []int
	tier, err := c.GetList(ctx, "users", map[string]any{"page": 1}, &before)
	require.NoError(t, err)
	assert.Equal(t, TierLocal, tier)

	require.NoError(t, c.InvalidateLists(ctx, "users"))

	var after []int
	tier2, err := c.GetList(ctx, "users", map[string]any{"page": 1}, &after)
	require.NoError(t, err)
	assert.Equal(t, TierNone, tier2)
}

func TestTwoTierCache_IncrReturnsMaxOfBothTiers(t *testing.T) {
	c := newTestTwoTier()
	ctx := context.Background()

	v, err := c.Incr(ctx, "counter", "value", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	v, err = c.Incr(ctx, "counter", "value", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}

func TestTwoTierCache_SetRoundTripInvalidateGivesNone(t *testing.T) {
	c := newTestTwoTier()
	ctx := context.Background()

	require.NoError(t, c.SetRecord(ctx, "users", "id", 7, map[string]any{"name": "grace"}, time.Minute))
	require.NoError(t, c.InvalidateRecord(ctx, "users", "id", 7))

	var out map[string]any
	tier, err := c.GetRecord(ctx, "users", "id", 7, &out)
	require.NoError(t, err)
	assert.Equal(t, TierNone, tier)
}
