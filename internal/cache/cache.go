package cache

import (
	"container/list"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultTTL is the default cache time-to-live
const DefaultTTL = time.Hour

// DefaultMaxSize is the default number of entries held before LRU eviction
const DefaultMaxSize = 1000

// Entry is a cached value with its own TTL
type Entry struct {
	Key        string
	Value      any
	CreatedAt  time.Time
	TTL        time.Duration
	LastAccess time.Time
}

func (e *Entry) expired(now time.Time) bool {
	return now.Sub(e.CreatedAt) > e.TTL
}

// Stats is a point-in-time snapshot of cache counters
type Stats struct {
	Size      int
	MaxSize   int
	Hits      int64
	Misses    int64
	Evictions int64
}

// HitRate returns hits / lookups, or 0 before the first lookup
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Observer receives cache events, e.g. to feed metrics
type Observer interface {
	Hit()
	Miss()
	Evict()
}

// Option configures a Cache
type Option func(*Cache)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithObserver reports hits, misses and evictions to o
func WithObserver(o Observer) Option {
	return func(c *Cache) { c.observer = o }
}

// Cache is an in-memory key/value store bounded by TTL and capacity.
// Capacity pressure evicts the least recently accessed entry first.
// Values are shared between callers and must not be mutated after Set.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	lru      *list.List // front = most recently accessed
	maxSize  int
	ttl      time.Duration
	now      func() time.Time
	observer Observer
	flight   singleflight.Group

	hits      int64
	misses    int64
	evictions int64
}

// New creates a cache holding at most maxSize entries
func New(maxSize int, ttl time.Duration, opts ...Option) *Cache {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	c := &Cache{
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the value for key if present and not expired. A stale entry
// found on lookup is evicted.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		c.recordMiss()
		return nil, false
	}

	entry := elem.Value.(*Entry)
	now := c.now()
	if entry.expired(now) {
		c.removeElement(elem)
		c.recordMiss()
		return nil, false
	}

	entry.LastAccess = now
	c.lru.MoveToFront(elem)
	c.recordHit()
	return entry.Value, true
}

// Set stores value under key. A ttl <= 0 uses the cache default.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*Entry)
		entry.Value = value
		entry.CreatedAt = now
		entry.TTL = ttl
		entry.LastAccess = now
		c.lru.MoveToFront(elem)
		return
	}

	for c.lru.Len() >= c.maxSize {
		c.removeElement(c.lru.Back())
	}

	entry := &Entry{
		Key:        key,
		Value:      value,
		CreatedAt:  now,
		TTL:        ttl,
		LastAccess: now,
	}
	c.entries[key] = c.lru.PushFront(entry)
}

// GetOrCompute returns the cached value for key, or runs compute once (even
// under concurrent callers for the same key) and caches its result.
// Errors are returned to every waiting caller and are not cached.
func (c *Cache) GetOrCompute(key string, ttl time.Duration, compute func() (any, error)) (any, error) {
	if value, ok := c.Get(key); ok {
		return value, nil
	}

	value, err, _ := c.flight.Do(key, func() (any, error) {
		value, err := compute()
		if err != nil {
			return nil, err
		}
		c.Set(key, value, ttl)
		return value, nil
	})
	return value, err
}

// Delete removes key if present
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.lru.Remove(elem)
		delete(c.entries, key)
	}
}

// Clear removes all entries
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*list.Element)
	c.lru.Init()
}

// Len returns the number of entries, expired ones included until touched
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns a snapshot of the cache counters
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Size:      c.lru.Len(),
		MaxSize:   c.maxSize,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

// removeElement evicts elem. Must be called with lock held.
func (c *Cache) removeElement(elem *list.Element) {
	entry := c.lru.Remove(elem).(*Entry)
	delete(c.entries, entry.Key)
	c.evictions++
	if c.observer != nil {
		c.observer.Evict()
	}
}

func (c *Cache) recordHit() {
	c.hits++
	if c.observer != nil {
		c.observer.Hit()
	}
}

func (c *Cache) recordMiss() {
	c.misses++
	if c.observer != nil {
		c.observer.Miss()
	}
}
