// Package imagecache keeps recently proxied images in memory with a TTL and a
// fixed capacity. Eviction is by insertion order: when the cache is full the
// entry that was inserted first goes, regardless of how recently it was read.
package imagecache

import (
	"container/list"
	"sync"
	"time"
)

const (
	DefaultTTL      = 15 * time.Minute
	DefaultCapacity = 200
)

// Entry is one cached image.
type Entry struct {
	Body        []byte
	ContentType string
	FinalURL    string
	ExpiresAt   time.Time
}

type item struct {
	key   string
	entry Entry
}

// Cache is safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	order    *list.List // front = oldest insertion
	index    map[string]*list.Element
	now      func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets the entry lifetime.
func WithTTL(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithCapacity sets the maximum number of entries.
func WithCapacity(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.capacity = n
		}
	}
}

// WithClock sets a custom clock function (for testing).
func WithClock(fn func() time.Time) Option {
	return func(c *Cache) { c.now = fn }
}

// New creates an empty cache: 15 min TTL, 200 entries unless overridden.
func New(opts ...Option) *Cache {
	c := &Cache{
		ttl:      DefaultTTL,
		capacity: DefaultCapacity,
		order:    list.New(),
		index:    make(map[string]*list.Element),
		now:      time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get returns the entry for key. An expired entry is removed and reported
// as absent.
func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index[key]
	if !ok {
		return Entry{}, false
	}
	it := el.Value.(*item)
	if !c.now().Before(it.entry.ExpiresAt) {
		c.removeLocked(el)
		return Entry{}, false
	}
	return it.entry, true
}

// Put stores e under key. A zero ExpiresAt is set to now+TTL. Re-putting an
// existing key moves it to the newest insertion position. The oldest
// insertion is evicted while the cache is over capacity.
func (c *Cache) Put(key string, e Entry) Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.ExpiresAt.IsZero() {
		e.ExpiresAt = c.now().Add(c.ttl)
	}
	if el, ok := c.index[key]; ok {
		c.removeLocked(el)
	}
	c.index[key] = c.order.PushBack(&item{key: key, entry: e})
	for c.order.Len() > c.capacity {
		c.removeLocked(c.order.Front())
	}
	return e
}

// Len returns the number of stored entries, expired ones included until
// they are touched.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// TTL returns the configured entry lifetime.
func (c *Cache) TTL() time.Duration { return c.ttl }

func (c *Cache) removeLocked(el *list.Element) {
	it := c.order.Remove(el).(*item)
	delete(c.index, it.key)
}
