package cmr

import (
	"container/list"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// CacheEntry is one cached catalog response.
type CacheEntry struct {
	Body []byte
	Hits int

	expiresAt time.Time
}

// Cache is a TTL plus size-capped response cache. Entries past their TTL are
// treated as absent; when the byte cap is exceeded the least recently used
// entries are evicted first. Concurrent misses for the same key are coalesced
// through singleflight so the upstream sees exactly one request.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List
	bytes   int64

	ttl      time.Duration
	maxBytes int64
	group    singleflight.Group

	// now is swappable for tests
	now func() time.Time
}

type cacheItem struct {
	key   string
	entry *CacheEntry
}

// NewCache creates a response cache with the given TTL and byte cap.
func NewCache(ttl time.Duration, maxBytes int64) *Cache {
	return &Cache{
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
		ttl:      ttl,
		maxBytes: maxBytes,
		now:      time.Now,
	}
}

// GetOrFetch returns the cached entry for key, or invokes fetch to populate
// it. Errors are not cached.
func (c *Cache) GetOrFetch(key string, fetch func() (*CacheEntry, error)) (*CacheEntry, error) {
	if entry, ok := c.get(key); ok {
		return entry, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// A concurrent caller may have populated the key while this one
		// waited on the flight.
		if entry, ok := c.get(key); ok {
			return entry, nil
		}
		entry, err := fetch()
		if err != nil {
			return nil, err
		}
		c.put(key, entry)
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*CacheEntry), nil
}

func (c *Cache) get(key string) (*CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return nil, false
	}

	item := elem.Value.(*cacheItem)
	if c.now().After(item.entry.expiresAt) {
		c.removeLocked(elem)
		return nil, false
	}

	c.lru.MoveToFront(elem)
	return item.entry, true
}

func (c *Cache) put(key string, entry *CacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry.expiresAt = c.now().Add(c.ttl)

	if elem, ok := c.entries[key]; ok {
		c.removeLocked(elem)
	}

	elem := c.lru.PushFront(&cacheItem{key: key, entry: entry})
	c.entries[key] = elem
	c.bytes += int64(len(entry.Body))

	for c.bytes > c.maxBytes && c.lru.Len() > 1 {
		c.removeLocked(c.lru.Back())
	}
}

func (c *Cache) removeLocked(elem *list.Element) {
	item := elem.Value.(*cacheItem)
	c.lru.Remove(elem)
	delete(c.entries, item.key)
	c.bytes -= int64(len(item.entry.Body))
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Bytes returns the cached payload size.
func (c *Cache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}
