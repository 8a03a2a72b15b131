// ABOUTME: Thread-safe TTL cache suppressing client messages re-sent after a reconnect.
// ABOUTME: Keys combine channel, author and the client-supplied message id.

package dedupe

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

// maxCleanupInterval caps how long expired keys may linger between sweeps.
const maxCleanupInterval = time.Minute

// Key builds the cache key for one client message. Empty parts are kept so
// different channels never collide.
func Key(channelID, authorID, clientMessageID string) string {
	return strings.Join([]string{channelID, authorID, clientMessageID}, "\x00")
}

// entry is one marked key. Entries live in the order list oldest first.
type entry struct {
	key    string
	marked time.Time
}

// Cache is a TTL-based, size-limited set of recently seen message keys.
// Because every mark moves its key to the back of the list, the list is
// ordered by mark time and both eviction and expiry only look at the front.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*list.Element
	order   *list.List
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a cache holding keys for ttl, evicting the oldest beyond maxSize.
// A background goroutine sweeps expired keys until Close.
func New(ttl time.Duration, maxSize int) *Cache {
	c := newCache(ttl, maxSize, time.Now)
	go c.cleanup()
	return c
}

func newCache(ttl time.Duration, maxSize int, now func() time.Time) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Cache{
		seen:    make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
		done:    make(chan struct{}),
	}
}

// Seen reports whether key was marked within the TTL.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.seen[key]
	return ok && c.live(elem)
}

// CheckAndMark atomically checks and marks key. It returns true when key was
// already marked within the TTL (a duplicate) and false when it is new.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.seen[key]; ok && c.live(elem) {
		return true
	}
	c.markLocked(key)
	return false
}

// Forget removes key so a later retry of the same message is accepted.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.seen[key]; ok {
		c.order.Remove(elem)
		delete(c.seen, key)
	}
}

// Len returns the number of tracked keys, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache) live(elem *list.Element) bool {
	return c.now().Sub(elem.Value.(*entry).marked) < c.ttl
}

// markLocked must be called with mu held.
func (c *Cache) markLocked(key string) {
	now := c.now()

	if elem, ok := c.seen[key]; ok {
		elem.Value.(*entry).marked = now
		c.order.MoveToBack(elem)
		return
	}

	for len(c.seen) >= c.maxSize {
		front := c.order.Front()
		c.order.Remove(front)
		delete(c.seen, front.Value.(*entry).key)
	}

	c.seen[key] = c.order.PushBack(&entry{key: key, marked: now})
}

// sweep drops expired keys from the front of the list.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for front := c.order.Front(); front != nil && !c.live(front); front = c.order.Front() {
		c.order.Remove(front)
		delete(c.seen, front.Value.(*entry).key)
	}
}

func (c *Cache) cleanup() {
	interval := c.ttl
	if interval <= 0 || interval > maxCleanupInterval {
		interval = maxCleanupInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// Close stops the background sweeper. It is safe to call multiple times.
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}
