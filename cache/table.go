package cache

import (
	"sync"
	"time"
)

// KMAX is the default maximum key length before TruncateKey kicks in
// (spec.md §4.1, §8 boundary behaviors).
const KMAX = 56

// DefaultBuffer is the default eviction batch size.
const DefaultBuffer = 32

// DefaultTTL is used when Set is called without an explicit ttl.
const DefaultTTL = 50 * time.Minute

// Row is BoundedTable's fixed-schema value: an opaque Value plus a small set
// of numeric Fields that Incr mutates in place. This replaces the teacher's
// duck-typed Table wrapper (spec.md §9 REDESIGN FLAG) with a concrete type —
// no magic property proxying, every operation is an explicit method below.
type Row struct {
	Value      any
	Fields     map[string]int64
	CreatedAt  time.Time
	ExpiresAt  time.Time
	LastAccess time.Time
	UsageCount int64
}

func (r *Row) expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

type node struct {
	key        string
	row        *Row
	prev, next *node
}

// BoundedTable is a fixed-capacity keyed store with strict-LRU eviction, a
// TTL per entry, and a bounded-work GC sweep. It is the sole data structure
// LocalCache is built on (spec.md §4.1). A single mutex serializes all
// access, matching spec.md §5's "single logical instance per worker"
// concurrency model — this is not a sharded or lock-free structure by
// design, since a worker's local cache sees one goroutine at a time per
// request but many concurrently, and simplicity here beats a marginal
// throughput win.
type BoundedTable struct {
	mu       sync.Mutex
	capacity int
	buffer   int
	keyMax   int
	byKey    map[string]*node
	head     *node // MRU sentinel.next is most-recently-used
	tail     *node // sentinel.prev is least-recently-used
	now      func() time.Time
}

// NewBoundedTable constructs a table with the given capacity (max live
// entries) and eviction batch size (buffer).
func NewBoundedTable(capacity, buffer, keyMax int) *BoundedTable {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if keyMax <= 0 {
		keyMax = KMAX
	}
	head := &node{}
	tail := &node{}
	head.next = tail
	tail.prev = head
	return &BoundedTable{
		capacity: capacity,
		buffer:   buffer,
		keyMax:   keyMax,
		byKey:    make(map[string]*node),
		head:     head,
		tail:     tail,
		now:      time.Now,
	}
}

// TruncateKey applies the same length-bounding rule every caller must use
// (spec.md §4.1, §8): collisions past KMAX are acceptable locally because
// the remote tier carries the full key.
func TruncateKey(key string, keyMax int) string {
	if keyMax <= 0 {
		keyMax = KMAX
	}
	if len(key) <= keyMax {
		return key
	}
	return key[:keyMax]
}

func (t *BoundedTable) unlink(n *node) {
	n.prev.next = n.next
	n.next.prev = n.prev
}

func (t *BoundedTable) pushMRU(n *node) {
	n.prev = t.head
	n.next = t.head.next
	t.head.next.prev = n
	t.head.next = n
}

func (t *BoundedTable) touch(n *node) {
	t.unlink(n)
	t.pushMRU(n)
}

func (t *BoundedTable) lru() *node {
	if t.tail.prev == t.head {
		return nil
	}
	return t.tail.prev
}

// Get returns the row for key and true, or (nil, false) if missing or
// expired. A hit bumps recency: moved to MRU, LastAccess and UsageCount
// updated (spec.md §4.1 get).
func (t *BoundedTable) Get(key string) (*Row, bool) {
	key = TruncateKey(key, t.keyMax)
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.byKey[key]
	if !ok {
		return nil, false
	}
	now := t.now()
	if n.row.expired(now) {
		t.unlink(n)
		delete(t.byKey, key)
		return nil, false
	}
	t.touch(n)
	n.row.LastAccess = now
	n.row.UsageCount++
	return n.row, true
}

// Set inserts or overwrites key. If free slots are at or below buffer,
// evicts least-recently-used entries (batch size = buffer) before
// inserting. Returns ErrCacheFull if capacity remains exhausted after a
// full eviction pass (spec.md §4.1 set).
func (t *BoundedTable) Set(key string, value any, ttl time.Duration) error {
	key = TruncateKey(key, t.keyMax)
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.byKey[key]; ok {
		existing.row.Value = value
		existing.row.CreatedAt = now
		existing.row.ExpiresAt = now.Add(ttl)
		t.touch(existing)
		return nil
	}

	free := t.capacity - len(t.byKey)
	if free <= t.buffer {
		evicted := 0
		for evicted < t.buffer {
			victim := t.lru()
			if victim == nil {
				break
			}
			t.unlink(victim)
			delete(t.byKey, victim.key)
			evicted++
		}
	}

	if len(t.byKey) >= t.capacity {
		return ErrCacheFull
	}

	n := &node{
		key: key,
		row: &Row{
			Value:      value,
			Fields:     make(map[string]int64),
			CreatedAt:  now,
			ExpiresAt:  now.Add(ttl),
			LastAccess: now,
			UsageCount: 0,
		},
	}
	t.byKey[key] = n
	t.pushMRU(n)
	return nil
}

// Delete removes key from the map and LRU list. No-op if absent.
func (t *BoundedTable) Delete(key string) {
	key = TruncateKey(key, t.keyMax)
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.byKey[key]
	if !ok {
		return
	}
	t.unlink(n)
	delete(t.byKey, key)
}

// Incr atomically updates a numeric field on key's row, creating the row
// with default timestamps if absent (spec.md §4.1 incr). Returns the new
// value.
func (t *BoundedTable) Incr(key, field string, delta int64, ttl time.Duration) (int64, error) {
	key = TruncateKey(key, t.keyMax)
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.byKey[key]
	if !ok || n.row.expired(now) {
		if ok {
			t.unlink(n)
			delete(t.byKey, key)
		}
		free := t.capacity - len(t.byKey)
		if free <= t.buffer {
			for evicted := 0; evicted < t.buffer; evicted++ {
				victim := t.lru()
				if victim == nil {
					break
				}
				t.unlink(victim)
				delete(t.byKey, victim.key)
			}
		}
		if len(t.byKey) >= t.capacity {
			return 0, ErrCacheFull
		}
		n = &node{key: key, row: &Row{
			Fields:     map[string]int64{},
			CreatedAt:  now,
			ExpiresAt:  now.Add(ttl),
			LastAccess: now,
		}}
		t.byKey[key] = n
		t.pushMRU(n)
	} else {
		t.touch(n)
	}

	n.row.Fields[field] += delta
	return n.row.Fields[field], nil
}

// IncrValue atomically updates an int64 stored in row.Value (as opposed to
// Incr's Fields map), creating the row at base+delta if absent so a plain
// Get/Set round-trip can also inspect the counter (spec.md §4.4 version
// tokens: "creating it at 1, then incrementing to 2, if absent"). Returns
// the new value.
func (t *BoundedTable) IncrValue(key string, delta, base int64, ttl time.Duration) (int64, error) {
	key = TruncateKey(key, t.keyMax)
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.byKey[key]
	if !ok || n.row.expired(now) {
		if ok {
			t.unlink(n)
			delete(t.byKey, key)
		}
		free := t.capacity - len(t.byKey)
		if free <= t.buffer {
			for evicted := 0; evicted < t.buffer; evicted++ {
				victim := t.lru()
				if victim == nil {
					break
				}
				t.unlink(victim)
				delete(t.byKey, victim.key)
			}
		}
		if len(t.byKey) >= t.capacity {
			return 0, ErrCacheFull
		}
		n = &node{key: key, row: &Row{
			Value:      base + delta,
			Fields:     map[string]int64{},
			CreatedAt:  now,
			ExpiresAt:  now.Add(ttl),
			LastAccess: now,
		}}
		t.byKey[key] = n
		t.pushMRU(n)
		return n.row.Value.(int64), nil
	}

	t.touch(n)
	current, _ := n.row.Value.(int64)
	current += delta
	n.row.Value = current
	return current, nil
}

// GC sweeps up to checkCount entries starting from the LRU head, dropping
// any that are expired. Per spec.md §4.1, it must not stop at the first
// non-expired entry since expiry order need not match LRU order.
func (t *BoundedTable) GC(checkCount int) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	dropped := 0
	n := t.tail.prev
	checked := 0
	for n != t.head && checked < checkCount {
		prev := n.prev
		if n.row.expired(now) {
			t.unlink(n)
			delete(t.byKey, n.key)
			dropped++
		}
		n = prev
		checked++
	}
	return dropped
}

// Len returns the current number of live (not necessarily unexpired)
// entries, for tests and metrics.
func (t *BoundedTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byKey)
}

// Keys returns a snapshot copy of all keys, safe to iterate without holding
// the table lock (spec.md §4.1 concurrency note on GC iteration).
func (t *BoundedTable) Keys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]string, 0, len(t.byKey))
	for k := range t.byKey {
		keys = append(keys, k)
	}
	return keys
}
