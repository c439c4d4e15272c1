package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoundedTable_SetGet(t *testing.T) {
	tbl := NewBoundedTable(10, 2, KMAX)
	require.NoError(t, tbl.Set("a", "hello", time.Minute))

	row, ok := tbl.Get("a")
	require.True(t, ok)
	assert.Equal(t, "hello", row.Value)
	assert.Equal(t, int64(1), row.UsageCount)
}

func TestBoundedTable_TTLExpiry(t *testing.T) {
	tbl := NewBoundedTable(10, 2, KMAX)
	frozen := time.Now()
	tbl.now = func() time.Time { return frozen }

	require.NoError(t, tbl.Set("a", "v", time.Second))
	tbl.now = func() time.Time { return frozen.Add(2 * time.Second) }

	_, ok := tbl.Get("a")
	assert.False(t, ok, "expired entry must be ABSENT even if physically present")
}

func TestBoundedTable_EvictsLRUBeforeOverflow(t *testing.T) {
	tbl := NewBoundedTable(4, 2, KMAX)
	require.NoError(t, tbl.Set("a", 1, time.Minute))
	require.NoError(t, tbl.Set("b", 2, time.Minute))
	// touch "a" so "b" becomes the older entry
	_, _ = tbl.Get("a")
	require.NoError(t, tbl.Set("c", 3, time.Minute))
	require.NoError(t, tbl.Set("d", 4, time.Minute))

	// capacity 4, buffer 2: at 2 free slots remaining, eviction kicks in
	assert.LessOrEqual(t, tbl.Len(), 4)
}

func TestBoundedTable_IncrCreatesRowIfAbsent(t *testing.T) {
	tbl := NewBoundedTable(10, 2, KMAX)
	v, err := tbl.Incr("counter", "value", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	v, err = tbl.Incr("counter", "value", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}

func TestBoundedTable_IncrValueSeedsBaseOnCreate(t *testing.T) {
	tbl := NewBoundedTable(10, 2, KMAX)
	v, err := tbl.IncrValue("version", 1, 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	v, err = tbl.IncrValue("version", 1, 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	row, ok := tbl.Get("version")
	require.True(t, ok)
	assert.Equal(t, int64(3), row.Value)
}

func TestBoundedTable_GCDropsExpiredFromHead(t *testing.T) {
	tbl := NewBoundedTable(10, 2, KMAX)
	frozen := time.Now()
	tbl.now = func() time.Time { return frozen }

	require.NoError(t, tbl.Set("old", "v", time.Second))
	require.NoError(t, tbl.Set("new", "v", time.Hour))

	tbl.now = func() time.Time { return frozen.Add(2 * time.Second) }
	dropped := tbl.GC(10)
	assert.Equal(t, 1, dropped)
	assert.Equal(t, 1, tbl.Len())
}

func TestBoundedTable_KeyTruncation(t *testing.T) {
	longKey := ""
	for i := 0; i < 200; i++ {
		longKey += "x"
	}
	truncated := TruncateKey(longKey, 56)
	assert.Len(t, truncated, 56)
}

func TestBoundedTable_DeleteRemovesEntry(t *testing.T) {
	tbl := NewBoundedTable(10, 2, KMAX)
	require.NoError(t, tbl.Set("a", 1, time.Minute))
	tbl.Delete("a")
	_, ok := tbl.Get("a")
	assert.False(t, ok)
}
