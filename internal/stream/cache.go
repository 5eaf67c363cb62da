package stream

import (
	"context"
	"sync"
	"time"
)

type cacheEntry[V any] struct {
	ready     chan struct{}
	val       V
	err       error
	fetchedAt time.Time
}

// Cache memoizes keyed async results for a TTL. Concurrent callers asking
// for the same key share a single in-flight fetch. Errors are not cached:
// the next caller triggers a fresh fetch.
type Cache[K comparable, V any] struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[K]*cacheEntry[V]
}

// NewCache builds a cache with the given entry TTL. A zero TTL caches
// forever.
func NewCache[K comparable, V any](ttl time.Duration) *Cache[K, V] {
	return &Cache[K, V]{
		ttl:     ttl,
		entries: make(map[K]*cacheEntry[V]),
	}
}

// Get returns the cached value for key, fetching it with fetch when absent
// or expired.
func (c *Cache[K, V]) Get(ctx context.Context, key K, fetch func(context.Context) (V, error)) (V, error) {
	for {
		c.mu.Lock()
		entry, ok := c.entries[key]
		if ok {
			select {
			case <-entry.ready:
				// Completed entry: check freshness.
				expired := entry.err != nil ||
					(c.ttl > 0 && time.Since(entry.fetchedAt) > c.ttl)
				if !expired {
					c.mu.Unlock()
					return entry.val, entry.err
				}
				delete(c.entries, key)
				c.mu.Unlock()
				continue
			default:
				// In flight: wait outside the lock and share the result,
				// error included.
				c.mu.Unlock()
				select {
				case <-entry.ready:
					return entry.val, entry.err
				case <-ctx.Done():
					var zero V
					return zero, ctx.Err()
				}
			}
		}

		entry = &cacheEntry[V]{ready: make(chan struct{})}
		c.entries[key] = entry
		c.mu.Unlock()

		entry.val, entry.err = fetch(ctx)
		entry.fetchedAt = time.Now()
		close(entry.ready)

		if entry.err != nil {
			c.mu.Lock()
			if c.entries[key] == entry {
				delete(c.entries, key)
			}
			c.mu.Unlock()
		}
		return entry.val, entry.err
	}
}

// Promise is one cache slot: either owned by the claimer, which must fill
// it, or already filled (or being filled) by someone else.
type Promise[K comparable, V any] struct {
	cache *Cache[K, V]
	key   K
	entry *cacheEntry[V]
}

// Claim reserves the slot for key without blocking. When owned is true the
// caller must Resolve the promise exactly once; otherwise Wait returns the
// value another fetch produced or is producing. Claim exists for callers
// that must settle the cache before taking other locks, where Get's fetch
// callback could not run.
func (c *Cache[K, V]) Claim(key K) (p *Promise[K, V], owned bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		entry, ok := c.entries[key]
		if !ok {
			entry = &cacheEntry[V]{ready: make(chan struct{})}
			c.entries[key] = entry
			return &Promise[K, V]{cache: c, key: key, entry: entry}, true
		}
		select {
		case <-entry.ready:
			expired := entry.err != nil ||
				(c.ttl > 0 && time.Since(entry.fetchedAt) > c.ttl)
			if expired {
				delete(c.entries, key)
				continue
			}
			return &Promise[K, V]{cache: c, key: key, entry: entry}, false
		default:
			return &Promise[K, V]{cache: c, key: key, entry: entry}, false
		}
	}
}

// Resolve fills an owned slot and wakes every waiter. Errors are not kept:
// the slot is vacated so the next claim refetches.
func (p *Promise[K, V]) Resolve(val V, err error) {
	p.entry.val, p.entry.err = val, err
	p.entry.fetchedAt = time.Now()
	close(p.entry.ready)

	if err != nil {
		p.cache.mu.Lock()
		if p.cache.entries[p.key] == p.entry {
			delete(p.cache.entries, p.key)
		}
		p.cache.mu.Unlock()
	}
}

// Wait blocks until the slot is filled.
func (p *Promise[K, V]) Wait(ctx context.Context) (V, error) {
	select {
	case <-p.entry.ready:
		return p.entry.val, p.entry.err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// Forget drops the entry for key, forcing the next Get to refetch.
func (c *Cache[K, V]) Forget(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}
