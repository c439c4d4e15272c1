package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalCache_VersionDefaultsToOne(t *testing.T) {
	c := NewLocalCache(DefaultConfig())
	assert.Equal(t, int64(1), c.Version("users"))
}

func TestLocalCache_SetListUsesCurrentVersion(t *testing.T) {
	c := NewLocalCache(DefaultConfig())
	require.NoError(t, c.SetList("users", map[string]any{"page": 1}, []int{1, 2}, 0))

	row, ok := c.GetList("users", map[string]any{"page": 1})
	require.True(t, ok)
	assert.Equal(t, []int{1, 2}, row.Value)
}

func TestLocalCache_InvalidateListsBumpsVersionAndOrphansOldList(t *testing.T) {
	c := NewLocalCache(DefaultConfig())
	require.NoError(t, c.SetList("users", map[string]any{"page": 1}, "v1-data", 0))

	v, err := c.InvalidateLists("users")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	_, ok := c.GetList("users", map[string]any{"page": 1})
	assert.False(t, ok, "list must be unreachable under the new version token")
}

func TestLocalCache_GCOldListVersionsDropsStaleEntries(t *testing.T) {
	c := NewLocalCache(DefaultConfig())
	require.NoError(t, c.table.Set("users:list:v1:a", "old", 0))
	require.NoError(t, c.table.Set("users:version", int64(4), 0))

	dropped := c.GCOldListVersions([]string{"users"}, 2)
	assert.Equal(t, 1, dropped)
}
