package cache

import (
	"math"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Coster reports how many bytes a value is charged against the limit.
type Coster interface {
	NumBytes() int64
}

// Volatile is an LRU cache bounded by the aggregate byte cost of its
// values rather than by entry count. It is not safe for concurrent use;
// the owner serializes access.
type Volatile[K comparable, V Coster] struct {
	lru       *simplelru.LRU[K, V]
	limit     int64
	cost      int64
	peak      int64
	evictions uint64
	onEvict   func(K, V)
}

// NewVolatile creates a cache holding at most limit bytes. onEvict, if not
// nil, is called for every entry dropped to satisfy the limit, but not for
// entries taken out with Take or Remove.
func NewVolatile[K comparable, V Coster](limit int64, onEvict func(K, V)) *Volatile[K, V] {
	c := &Volatile[K, V]{
		limit:   max(limit, 0),
		onEvict: onEvict,
	}
	// Entry count is unbounded; trimming by cost happens in trim.
	lru, err := simplelru.NewLRU[K, V](math.MaxInt, func(_ K, v V) {
		c.cost -= v.NumBytes()
	})
	if err != nil {
		panic(err) // size is always positive
	}
	c.lru = lru
	return c
}

// Add inserts or replaces the value for key as the most recently used
// entry, then evicts least recently used entries until the cost fits.
// A value larger than the limit is evicted right away.
func (c *Volatile[K, V]) Add(key K, value V) {
	if old, ok := c.lru.Peek(key); ok {
		c.cost -= old.NumBytes()
	}
	c.lru.Add(key, value)
	c.cost += value.NumBytes()
	c.peak = max(c.peak, c.cost)
	c.trim()
}

// Take removes key and returns its value.
func (c *Volatile[K, V]) Take(key K) (V, bool) {
	v, ok := c.lru.Peek(key)
	if !ok {
		return v, false
	}
	c.lru.Remove(key)
	return v, true
}

// Peek returns the value for key without updating its recency.
func (c *Volatile[K, V]) Peek(key K) (V, bool) {
	return c.lru.Peek(key)
}

func (c *Volatile[K, V]) Contains(key K) bool {
	return c.lru.Contains(key)
}

func (c *Volatile[K, V]) Remove(key K) bool {
	return c.lru.Remove(key)
}

// Keys returns keys from oldest to newest.
func (c *Volatile[K, V]) Keys() []K {
	return c.lru.Keys()
}

func (c *Volatile[K, V]) Len() int {
	return c.lru.Len()
}

// Cost is the aggregate byte cost of all entries.
func (c *Volatile[K, V]) Cost() int64 {
	return c.cost
}

// PeakCost is the highest aggregate cost observed, including the
// transient overshoot of an insert before eviction.
func (c *Volatile[K, V]) PeakCost() int64 {
	return c.peak
}

func (c *Volatile[K, V]) Evictions() uint64 {
	return c.evictions
}

func (c *Volatile[K, V]) Limit() int64 {
	return c.limit
}

// SetLimit changes the byte limit. Shrinking evicts immediately.
func (c *Volatile[K, V]) SetLimit(limit int64) {
	c.limit = max(limit, 0)
	c.trim()
}

// Purge drops every entry, passing each one to onEvict.
func (c *Volatile[K, V]) Purge() {
	for c.lru.Len() > 0 {
		k, v, _ := c.lru.RemoveOldest()
		if c.onEvict != nil {
			c.onEvict(k, v)
		}
	}
}

func (c *Volatile[K, V]) trim() {
	for c.cost > c.limit {
		k, v, ok := c.lru.RemoveOldest()
		if !ok {
			return
		}
		c.evictions++
		if c.onEvict != nil {
			c.onEvict(k, v)
		}
	}
}
