// Package cache provides a small in-process TTL key-value cache. It fronts
// the durable session store; the durable store stays authoritative and every
// cache operation is best-effort.
package cache

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	value   string
	expires time.Time
	element *list.Element
}

// TTL is a thread-safe, size-limited cache with per-entry expiry.
// Insertion order is tracked for O(1) eviction of the oldest entry.
type TTL struct {
	mu      sync.RWMutex
	items   map[string]*entry
	order   *list.List
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a cache with the given TTL and maximum entry count.
// A background goroutine sweeps expired entries.
func New(ttl time.Duration, maxSize int) *TTL {
	c := &TTL{
		items:   make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Get returns the cached value and whether it is present and unexpired.
func (c *TTL) Get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.items[key]
	if !ok || time.Now().After(e.expires) {
		return "", false
	}
	return e.value, true
}

// Set stores a value, evicting the oldest entry when the cache is full.
func (c *TTL) Set(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok {
		e.value = value
		e.expires = time.Now().Add(c.ttl)
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.items) >= c.maxSize {
		if oldest := c.order.Front(); oldest != nil {
			k := oldest.Value.(string)
			c.order.Remove(oldest)
			delete(c.items, k)
		}
	}

	el := c.order.PushBack(key)
	c.items[key] = &entry{value: value, expires: time.Now().Add(c.ttl), element: el}
}

// Delete removes a key if present.
func (c *TTL) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.items[key]; ok {
		c.order.Remove(e.element)
		delete(c.items, key)
	}
}

// Len returns the number of entries, including not-yet-swept expired ones.
func (c *TTL) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Close stops the background sweeper. Subsequent calls are no-ops.
func (c *TTL) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}

func (c *TTL) sweep() {
	interval := c.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for k, e := range c.items {
				if now.After(e.expires) {
					c.order.Remove(e.element)
					delete(c.items, k)
				}
			}
			c.mu.Unlock()
		}
	}
}
