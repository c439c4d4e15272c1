package cache

import "testing"

import "github.com/stretchr/testify/assert"

func TestCanonicalQuery_SortsAndEscapes(t *testing.T) {
	q := map[string]any{"b": "two words", "a": 1}
	assert.Equal(t, "a=1&b=two+words", CanonicalQuery(q))
}

func TestRecordKey_Format(t *testing.T) {
	assert.Equal(t, "users:record:id:42", RecordKey("users", "id", 42))
}

func TestListKey_IsDeterministicForSameCanonicalQuery(t *testing.T) {
	q1 := map[string]any{"page": 1, "limit": 10}
	q2 := map[string]any{"limit": 10, "page": 1}
	assert.Equal(t, ListKey("users", 1, q1), ListKey("users", 1, q2))
}

func TestVersionKey_Format(t *testing.T) {
	assert.Equal(t, "users:version", VersionKey("users"))
}
