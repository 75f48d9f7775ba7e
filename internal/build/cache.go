// Package build provides the compilation service: a content-addressed
// transform cache, the compiler engine boundary and the process-wide service
// that owns the engine session.
package build

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	// DefaultCacheTTL is how long a compiled output stays valid.
	DefaultCacheTTL = 5 * time.Minute
	// DefaultCacheCapacity bounds the number of live entries.
	DefaultCacheCapacity = 100
)

// CacheEntry is one compiled output keyed by the content hash of its source.
type CacheEntry struct {
	Key        string
	Output     string
	InsertedAt time.Time

	// insertion-order list pointers, newest at head
	prev *CacheEntry
	next *CacheEntry
}

// CacheStats is a point-in-time view of cache activity.
type CacheStats struct {
	Entries   int   `json:"entries" yaml:"entries"`
	Capacity  int   `json:"capacity" yaml:"capacity"`
	Hits      int64 `json:"hits" yaml:"hits"`
	Misses    int64 `json:"misses" yaml:"misses"`
	Evictions int64 `json:"evictions" yaml:"evictions"`
	Expired   int64 `json:"expired" yaml:"expired"`
}

// TransformCache maps content hashes to compiled output. Entries expire after
// a fixed TTL and the oldest insertions are evicted past capacity. Reads never
// refresh an entry: insertion order is the only ordering signal.
type TransformCache struct {
	mutex    sync.Mutex
	entries  map[string]*CacheEntry
	ttl      time.Duration
	capacity int
	clock    clock.Clock

	head *CacheEntry
	tail *CacheEntry

	hits      int64
	misses    int64
	evictions int64
	expired   int64
}

// NewTransformCache creates a cache with the given TTL and capacity. A nil
// clock uses wall time.
func NewTransformCache(ttl time.Duration, capacity int, clk clock.Clock) *TransformCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	if clk == nil {
		clk = clock.New()
	}

	cache := &TransformCache{
		entries:  make(map[string]*CacheEntry),
		ttl:      ttl,
		capacity: capacity,
		clock:    clk,
		head:     &CacheEntry{},
		tail:     &CacheEntry{},
	}
	cache.head.next = cache.tail
	cache.tail.prev = cache.head

	return cache
}

// Get returns the live entry for key. Expired entries are purged and reported
// as misses.
func (c *TransformCache) Get(key string) (CacheEntry, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		atomic.AddInt64(&c.misses, 1)
		return CacheEntry{}, false
	}

	if c.isExpired(entry, c.clock.Now()) {
		c.remove(entry)
		atomic.AddInt64(&c.expired, 1)
		atomic.AddInt64(&c.misses, 1)
		return CacheEntry{}, false
	}

	atomic.AddInt64(&c.hits, 1)
	return CacheEntry{Key: entry.Key, Output: entry.Output, InsertedAt: entry.InsertedAt}, true
}

// Put stores output under key. An existing entry for key is replaced and
// becomes the newest insertion.
func (c *TransformCache) Put(key, output string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if existing, ok := c.entries[key]; ok {
		c.remove(existing)
	}

	entry := &CacheEntry{
		Key:        key,
		Output:     output,
		InsertedAt: c.clock.Now(),
	}
	c.entries[key] = entry
	c.addToFront(entry)

	c.evictOverCapacity()
}

// Sweep removes every expired entry, then evicts the oldest insertions until
// the cache is at or under capacity. It returns the number of removed entries.
func (c *TransformCache) Sweep() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.clock.Now()
	removed := 0

	for entry := c.tail.prev; entry != c.head; {
		prev := entry.prev
		if c.isExpired(entry, now) {
			c.remove(entry)
			atomic.AddInt64(&c.expired, 1)
			removed++
		}
		entry = prev
	}

	return removed + c.evictOverCapacity()
}

// Len returns the number of stored entries, expired or not.
func (c *TransformCache) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.entries)
}

// Clear drops all entries and resets statistics.
func (c *TransformCache) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.entries = make(map[string]*CacheEntry)
	c.head.next = c.tail
	c.tail.prev = c.head

	atomic.StoreInt64(&c.hits, 0)
	atomic.StoreInt64(&c.misses, 0)
	atomic.StoreInt64(&c.evictions, 0)
	atomic.StoreInt64(&c.expired, 0)
}

// Stats returns cache statistics.
func (c *TransformCache) Stats() CacheStats {
	c.mutex.Lock()
	count := len(c.entries)
	c.mutex.Unlock()

	return CacheStats{
		Entries:   count,
		Capacity:  c.capacity,
		Hits:      atomic.LoadInt64(&c.hits),
		Misses:    atomic.LoadInt64(&c.misses),
		Evictions: atomic.LoadInt64(&c.evictions),
		Expired:   atomic.LoadInt64(&c.expired),
	}
}

// Keys returns keys from newest to oldest insertion.
func (c *TransformCache) Keys() []string {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	keys := make([]string, 0, len(c.entries))
	for entry := c.head.next; entry != c.tail; entry = entry.next {
		keys = append(keys, entry.Key)
	}
	return keys
}

func (c *TransformCache) isExpired(entry *CacheEntry, now time.Time) bool {
	return now.Sub(entry.InsertedAt) >= c.ttl
}

// evictOverCapacity must be called with the mutex held.
func (c *TransformCache) evictOverCapacity() int {
	evicted := 0
	for len(c.entries) > c.capacity && c.tail.prev != c.head {
		c.remove(c.tail.prev)
		atomic.AddInt64(&c.evictions, 1)
		evicted++
	}
	return evicted
}

func (c *TransformCache) addToFront(entry *CacheEntry) {
	entry.prev = c.head
	entry.next = c.head.next
	c.head.next.prev = entry
	c.head.next = entry
}

func (c *TransformCache) remove(entry *CacheEntry) {
	entry.prev.next = entry.next
	entry.next.prev = entry.prev
	entry.prev = nil
	entry.next = nil
	delete(c.entries, entry.Key)
}
