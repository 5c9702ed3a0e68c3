// Package cache provides a process-local, typed, time-aware key-value cache.
//
// Capability implementations use it to avoid repeating expensive work (key
// set downloads, component compilation) within one host process. The
// GetOrPopulate operation serializes populators of the same key while readers
// of an already-populated entry never block.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/wippyai/fnhost/metrics"
)

// Options configures a Cache.
type Options struct {
	// Name labels log records and metrics.
	Name string
	// Size bounds the entry count. 0 means unbounded.
	Size int
	// TTL expires entries after insertion. 0 means entries never expire.
	TTL time.Duration
}

// Cache is a typed cache keyed by string. Safe for concurrent use.
type Cache[V any] struct {
	lru   *expirable.LRU[string, V]
	locks map[string]*keyLock
	name  string
	mu    sync.Mutex
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a cache.
func New[V any](opts Options) *Cache[V] {
	name := opts.Name
	if name == "" {
		name = "default"
	}
	return &Cache[V]{
		lru:   expirable.NewLRU[string, V](opts.Size, nil, opts.TTL),
		locks: make(map[string]*keyLock),
		name:  name,
	}
}

// Get returns the cached value for key.
func (c *Cache[V]) Get(key string) (V, bool) {
	v, ok := c.lru.Get(key)
	c.record(key, ok)
	return v, ok
}

// Put stores v under key, replacing any previous value.
func (c *Cache[V]) Put(key string, v V) {
	c.lru.Add(key, v)
}

// Remove drops key. Returns true if it was present.
func (c *Cache[V]) Remove(key string) bool {
	return c.lru.Remove(key)
}

// Len returns the number of live entries.
func (c *Cache[V]) Len() int {
	return c.lru.Len()
}

// Purge drops every entry.
func (c *Cache[V]) Purge() {
	c.lru.Purge()
}

// GetOrPopulate returns the cached value for key, calling populate to
// produce it on a miss. Concurrent callers for the same key wait for the
// first populate and then observe its value. A failed populate stores
// nothing and the next caller retries.
func (c *Cache[V]) GetOrPopulate(ctx context.Context, key string, populate func(context.Context) (V, error)) (V, error) {
	if v, ok := c.lru.Get(key); ok {
		c.record(key, true)
		return v, nil
	}

	kl := c.acquire(key)
	defer c.release(key, kl)

	kl.mu.Lock()
	defer kl.mu.Unlock()

	if v, ok := c.lru.Get(key); ok {
		c.record(key, true)
		return v, nil
	}
	c.record(key, false)

	if err := ctx.Err(); err != nil {
		var zero V
		return zero, err
	}

	v, err := populate(ctx)
	if err != nil {
		var zero V
		return zero, err
	}
	c.lru.Add(key, v)
	return v, nil
}

func (c *Cache[V]) acquire(key string) *keyLock {
	c.mu.Lock()
	defer c.mu.Unlock()
	kl, ok := c.locks[key]
	if !ok {
		kl = &keyLock{}
		c.locks[key] = kl
	}
	kl.refs++
	return kl
}

func (c *Cache[V]) release(key string, kl *keyLock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(c.locks, key)
	}
}

func (c *Cache[V]) record(key string, hit bool) {
	metrics.RecordCacheLookup(c.name, hit)
	if hit {
		Logger().Debug("cache HIT", zap.String("cache", c.name), zap.String("key", key))
	} else {
		Logger().Debug("cache MISS", zap.String("cache", c.name), zap.String("key", key))
	}
}
