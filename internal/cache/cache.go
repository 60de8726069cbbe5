// Package cache provides an explicit, injectable instance cache. It
// replaces shared package-level caches: callers receive a *Cache and its
// whole contract is GetOrCreate and Clear.
package cache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

type Cache[K comparable, V any] struct {
	mu  sync.Mutex
	lru *lru.Cache[K, V]
}

// New builds a cache bounded to size entries, evicting least-recently-used.
func New[K comparable, V any](size int) (*Cache[K, V], error) {
	inner, err := lru.New[K, V](size)
	if err != nil {
		return nil, err
	}
	return &Cache[K, V]{lru: inner}, nil
}

// GetOrCreate returns the cached value for key, invoking factory once and
// caching the result when absent. Factory errors are not cached.
func (c *Cache[K, V]) GetOrCreate(key K, factory func() (V, error)) (V, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.lru.Get(key); ok {
		return v, nil
	}
	v, err := factory()
	if err != nil {
		return v, err
	}
	c.lru.Add(key, v)
	return v, nil
}

// Clear drops every entry.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// Len returns the number of cached entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
