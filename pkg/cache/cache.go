package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

type item[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache is an in-memory TTL cache keyed by string. A janitor goroutine drops
// expired entries until Stop is called.
type Cache[V any] struct {
	mu         sync.RWMutex
	items      map[string]item[V]
	defaultTTL time.Duration
	maxItems   int
	now        func() time.Time

	hits   uint64
	misses uint64

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a cache. maxItems <= 0 means unbounded; when full, Set evicts
// the entry closest to expiry.
func New[V any](defaultTTL time.Duration, maxItems int) *Cache[V] {
	c := &Cache[V]{
		items:      make(map[string]item[V]),
		defaultTTL: defaultTTL,
		maxItems:   maxItems,
		now:        time.Now,
		stop:       make(chan struct{}),
	}
	interval := defaultTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	go c.janitor(interval)
	return c
}

func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	it, ok := c.items[key]
	if !ok || !c.now().Before(it.expiresAt) {
		c.misses++
		var zero V
		return zero, false
	}
	c.hits++
	return it.value, true
}

func (c *Cache[V]) Set(key string, value V) {
	c.SetWithTTL(key, value, c.defaultTTL)
}

func (c *Cache[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; !exists && c.maxItems > 0 && len(c.items) >= c.maxItems {
		c.evictLocked()
	}
	c.items[key] = item[V]{value: value, expiresAt: c.now().Add(ttl)}
}

// GetOrLoad returns the cached value or calls load and caches its result.
// Errors are not cached.
func (c *Cache[V]) GetOrLoad(ctx context.Context, key string, load func(context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := load(ctx)
	if err != nil {
		return v, err
	}
	c.Set(key, v)
	return v, nil
}

func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// DeletePrefix removes every key starting with prefix.
func (c *Cache[V]) DeletePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for key := range c.items {
		if strings.HasPrefix(key, prefix) {
			delete(c.items, key)
			n++
		}
	}
	return n
}

func (c *Cache[V]) evictLocked() {
	var victim string
	var earliest time.Time
	for key, it := range c.items {
		if victim == "" || it.expiresAt.Before(earliest) {
			victim, earliest = key, it.expiresAt
		}
	}
	delete(c.items, victim)
}

func (c *Cache[V]) purgeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, it := range c.items {
		if !now.Before(it.expiresAt) {
			delete(c.items, key)
		}
	}
}

func (c *Cache[V]) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.purgeExpired()
		case <-c.stop:
			return
		}
	}
}

// Stop ends the janitor. Safe to call more than once.
func (c *Cache[V]) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

type Stats struct {
	Size   int
	Hits   uint64
	Misses uint64
}

func (c *Cache[V]) GetStats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{Size: len(c.items), Hits: c.hits, Misses: c.misses}
}
