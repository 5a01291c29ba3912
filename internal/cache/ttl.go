package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
	weight    int64
}

// TTLCache is an in-memory map with per-entry expiry, an optional bound on
// the number of entries and an optional bound on total weight. When a bound
// is hit, expired entries are swept first and then entries closest to expiry
// are evicted.
type TTLCache[K comparable, V any] struct {
	mu         sync.RWMutex
	items      map[K]entry[V]
	maxEntries int
	maxWeight  int64
	weigh      func(V) int64
	weight     int64
	now        func() time.Time
}

// NewTTLCache builds a cache holding at most maxEntries items; zero means
// unbounded.
func NewTTLCache[K comparable, V any](maxEntries int) *TTLCache[K, V] {
	return &TTLCache[K, V]{items: make(map[K]entry[V]), maxEntries: maxEntries, now: time.Now}
}

// LimitWeight caps the summed weigh(v) of stored values at max. A value
// heavier than max on its own is not stored. Call before first use.
func (c *TTLCache[K, V]) LimitWeight(max int64, weigh func(V) int64) *TTLCache[K, V] {
	if max > 0 && weigh != nil {
		c.maxWeight, c.weigh = max, weigh
	}
	return c
}

func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	var zero V
	if c == nil {
		return zero, false
	}
	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return zero, false
	}
	if !e.expiresAt.IsZero() && c.now().After(e.expiresAt) {
		c.Delete(key)
		return zero, false
	}
	return e.value, true
}

// Set stores value for ttl; a non-positive ttl never expires. It reports
// whether the value was stored.
func (c *TTLCache[K, V]) Set(key K, value V, ttl time.Duration) bool {
	if c == nil {
		return false
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}
	var w int64
	if c.weigh != nil {
		w = c.weigh(value)
		if w > c.maxWeight {
			c.Delete(key)
			return false
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key)
	c.sweepLocked()
	for c.overLocked(w) && c.evictOneLocked() {
	}
	c.items[key] = entry[V]{value: value, expiresAt: expiresAt, weight: w}
	c.weight += w
	return true
}

func (c *TTLCache[K, V]) Delete(key K) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.removeLocked(key)
	c.mu.Unlock()
}

// Len returns the number of stored entries, expired ones included.
func (c *TTLCache[K, V]) Len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Weight returns the summed weight of stored entries.
func (c *TTLCache[K, V]) Weight() int64 {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.weight
}

func (c *TTLCache[K, V]) removeLocked(key K) {
	if e, ok := c.items[key]; ok {
		c.weight -= e.weight
		delete(c.items, key)
	}
}

// overLocked reports whether adding an entry of weight w breaks a bound.
func (c *TTLCache[K, V]) overLocked(w int64) bool {
	if c.maxEntries > 0 && len(c.items) >= c.maxEntries {
		return true
	}
	return c.maxWeight > 0 && c.weight+w > c.maxWeight
}

// sweepLocked drops expired entries once a bound is near.
func (c *TTLCache[K, V]) sweepLocked() {
	if !c.overLocked(0) && (c.maxWeight == 0 || c.weight < c.maxWeight/2) {
		return
	}
	now := c.now()
	for k, e := range c.items {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			c.removeLocked(k)
		}
	}
}

// evictOneLocked removes the entry closest to expiry. Entries without an
// expiry go last.
func (c *TTLCache[K, V]) evictOneLocked() bool {
	var (
		victim    K
		victimExp time.Time
		found     bool
	)
	for k, e := range c.items {
		if !found || (!e.expiresAt.IsZero() && (victimExp.IsZero() || e.expiresAt.Before(victimExp))) {
			victim, victimExp, found = k, e.expiresAt, true
		}
	}
	if found {
		c.removeLocked(victim)
	}
	return found
}
