// ABOUTME: Bounded TTL set of webhook delivery ids, namespaced by source
// ABOUTME: Entries expire after the TTL; the oldest entry is evicted when full

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key  string
	seen time.Time
}

// Cache remembers recently seen delivery ids. The list is kept in
// last-seen order, so expired entries are always at the front.
type Cache struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	done chan struct{}
	once sync.Once
}

// New creates a cache and starts its sweeper. Call Close to stop it.
func New(ttl time.Duration, maxSize int) *Cache {
	return newWithClock(ttl, maxSize, time.Now)
}

func newWithClock(ttl time.Duration, maxSize int, now func() time.Time) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache{
		index:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
		done:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Key namespaces a delivery id by its source, e.g. Key("telegram", "42").
func Key(source, id string) string {
	return source + ":" + id
}

// Seen records key and reports whether it was already present and unexpired.
// An empty key is never a duplicate and is not stored.
func (c *Cache) Seen(key string) bool {
	if key == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.expireLocked(now)

	if el, ok := c.index[key]; ok {
		el.Value.(*entry).seen = now
		c.order.MoveToBack(el)
		return true
	}

	for len(c.index) >= c.maxSize {
		c.removeLocked(c.order.Front())
	}
	c.index[key] = c.order.PushBack(&entry{key: key, seen: now})
	return false
}

// Forget drops key so a retry is processed again.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[key]; ok {
		c.removeLocked(el)
	}
}

// Len returns the number of stored keys, including any not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

// Close stops the sweeper. Safe to call more than once.
func (c *Cache) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Cache) sweepLoop() {
	interval := c.ttl
	if interval <= 0 || interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			c.expireLocked(c.now())
			c.mu.Unlock()
		case <-c.done:
			return
		}
	}
}

// expireLocked drops entries older than the TTL. Must be called with mu held.
func (c *Cache) expireLocked(now time.Time) {
	for el := c.order.Front(); el != nil; el = c.order.Front() {
		if now.Sub(el.Value.(*entry).seen) < c.ttl {
			return
		}
		c.removeLocked(el)
	}
}

func (c *Cache) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	c.order.Remove(el)
	delete(c.index, el.Value.(*entry).key)
}
