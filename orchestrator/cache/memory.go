// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package cache

import (
	"context"
	"sync"
	"time"

	"lexflow/platform/orchestrator/workflow"
)

// MemoryCache is an in-process cache backend.
type MemoryCache struct {
	mu         sync.RWMutex
	entries    map[string]*Entry
	defaultTTL time.Duration
	now        Clock
	stats      Stats
}

// NewMemoryCache creates a memory cache. A nil clock uses time.Now.
func NewMemoryCache(defaultTTL time.Duration, clock Clock) *MemoryCache {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &MemoryCache{
		entries:    make(map[string]*Entry),
		defaultTTL: defaultTTL,
		now:        clock,
	}
}

// Get implements Cache.
func (c *MemoryCache) Get(_ context.Context, key KeyParts) (*Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key.Hash()]
	if !ok || e.Expired(c.now()) {
		c.stats.Misses++
		return nil, false, nil
	}
	c.stats.Hits++
	out := *e
	out.Value = workflow.CloneMap(e.Value)
	return &out, true, nil
}

// Set implements Cache.
func (c *MemoryCache) Set(_ context.Context, key KeyParts, value map[string]interface{}, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	e := newEntry(key, workflow.CloneMap(value), ttl, c.now())

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[e.Key] = e
	c.stats.Sets++
	return nil
}

// Invalidate implements Cache.
func (c *MemoryCache) Invalidate(_ context.Context, key KeyParts) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key.Hash()]; ok {
		delete(c.entries, key.Hash())
		c.stats.Evictions++
	}
	return nil
}

// InvalidateTask implements Cache.
func (c *MemoryCache) InvalidateTask(_ context.Context, scope Scope, task string) error {
	c.removeWhere(func(e *Entry) bool {
		return e.Scope == scope.normalize() && e.Task == task
	})
	return nil
}

// InvalidateScope implements Cache.
func (c *MemoryCache) InvalidateScope(_ context.Context, scope Scope) error {
	c.removeWhere(func(e *Entry) bool {
		return e.Scope == scope.normalize()
	})
	return nil
}

// CleanupExpired implements Cache.
func (c *MemoryCache) CleanupExpired(_ context.Context) (int, error) {
	now := c.now()
	return c.removeWhere(func(e *Entry) bool {
		return e.Expired(now)
	}), nil
}

// Stats implements Cache.
func (c *MemoryCache) Stats(_ context.Context) (Stats, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.stats
	s.Entries = len(c.entries)
	return s, nil
}

func (c *MemoryCache) removeWhere(match func(e *Entry) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.entries {
		if match(e) {
			delete(c.entries, k)
			removed++
		}
	}
	c.stats.Evictions += int64(removed)
	return removed
}
