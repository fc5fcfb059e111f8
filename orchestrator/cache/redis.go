// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	defaultKeyPrefix = "lexflow:cache"
	scanBatch        = 200
)

// RedisCache stores entries in Redis under
// "<prefix>:<kind>:<scope id>:<task>:<hash>" so scope and task invalidation
// can use SCAN with a key pattern. The kind, scope id and task segments are
// query-escaped and never contain ':' or glob metacharacters.
type RedisCache struct {
	client     *redis.Client
	prefix     string
	defaultTTL time.Duration
	now        Clock

	hits, misses, sets, evictions int64
}

// RedisOptions configures RedisCache.
type RedisOptions struct {
	Prefix     string
	DefaultTTL time.Duration
	Clock      Clock
}

// ConnectRedis parses a redis:// URL, opens a client and pings it.
func ConnectRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// NewRedisCache wraps a connected client.
func NewRedisCache(client *redis.Client, opts RedisOptions) *RedisCache {
	if opts.Prefix == "" {
		opts.Prefix = defaultKeyPrefix
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &RedisCache{
		client:     client,
		prefix:     opts.Prefix,
		defaultTTL: opts.DefaultTTL,
		now:        opts.Clock,
	}
}

func (c *RedisCache) redisKey(scope Scope, task, hash string) string {
	return fmt.Sprintf("%s:%s:%s:%s", c.prefix, scopeSegments(scope), url.QueryEscape(task), hash)
}

// scopeSegments renders the two escaped key segments of a scope.
func scopeSegments(scope Scope) string {
	scope = scope.normalize()
	return url.QueryEscape(string(scope.Kind)) + ":" + url.QueryEscape(scope.ID)
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, key KeyParts) (*Entry, bool, error) {
	raw, err := c.client.Get(ctx, c.redisKey(key.Scope, key.Task, key.Hash())).Bytes()
	if errors.Is(err, redis.Nil) {
		atomic.AddInt64(&c.misses, 1)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("decode cache entry: %w", err)
	}
	if e.Expired(c.now()) {
		atomic.AddInt64(&c.misses, 1)
		return nil, false, nil
	}
	atomic.AddInt64(&c.hits, 1)
	return &e, true, nil
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, key KeyParts, value map[string]interface{}, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	e := newEntry(key, value, ttl, c.now())
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if err := c.client.Set(ctx, c.redisKey(e.Scope, e.Task, e.Key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	atomic.AddInt64(&c.sets, 1)
	return nil
}

// Invalidate implements Cache.
func (c *RedisCache) Invalidate(ctx context.Context, key KeyParts) error {
	n, err := c.client.Del(ctx, c.redisKey(key.Scope, key.Task, key.Hash())).Result()
	if err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	atomic.AddInt64(&c.evictions, n)
	return nil
}

// InvalidateTask implements Cache.
func (c *RedisCache) InvalidateTask(ctx context.Context, scope Scope, task string) error {
	pattern := fmt.Sprintf("%s:%s:%s:*", escapePattern(c.prefix), scopeSegments(scope), url.QueryEscape(task))
	_, err := c.deleteMatching(ctx, pattern, nil)
	return err
}

// InvalidateScope implements Cache.
func (c *RedisCache) InvalidateScope(ctx context.Context, scope Scope) error {
	pattern := fmt.Sprintf("%s:%s:*", escapePattern(c.prefix), scopeSegments(scope))
	_, err := c.deleteMatching(ctx, pattern, nil)
	return err
}

// CleanupExpired implements Cache. Redis expires keys on its own; this sweep
// applies the same predicate as Get for entries whose clock disagrees.
func (c *RedisCache) CleanupExpired(ctx context.Context) (int, error) {
	now := c.now()
	return c.deleteMatching(ctx, escapePattern(c.prefix)+":*", func(raw []byte) bool {
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return true
		}
		return e.Expired(now)
	})
}

// Stats implements Cache.
func (c *RedisCache) Stats(ctx context.Context) (Stats, error) {
	s := Stats{
		Hits:      atomic.LoadInt64(&c.hits),
		Misses:    atomic.LoadInt64(&c.misses),
		Sets:      atomic.LoadInt64(&c.sets),
		Evictions: atomic.LoadInt64(&c.evictions),
	}
	iter := c.client.Scan(ctx, 0, escapePattern(c.prefix)+":*", scanBatch).Iterator()
	for iter.Next(ctx) {
		s.Entries++
	}
	if err := iter.Err(); err != nil {
		return s, fmt.Errorf("redis scan: %w", err)
	}
	return s, nil
}

// deleteMatching scans keys matching pattern and deletes those accepted by
// shouldDelete, or all of them when it is nil.
func (c *RedisCache) deleteMatching(ctx context.Context, pattern string, shouldDelete func(raw []byte) bool) (int, error) {
	var doomed []string
	iter := c.client.Scan(ctx, 0, pattern, scanBatch).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if shouldDelete != nil {
			raw, err := c.client.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return 0, fmt.Errorf("redis get: %w", err)
			}
			if !shouldDelete(raw) {
				continue
			}
		}
		doomed = append(doomed, key)
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("redis scan: %w", err)
	}
	if len(doomed) == 0 {
		return 0, nil
	}

	removed := 0
	for start := 0; start < len(doomed); start += scanBatch {
		end := start + scanBatch
		if end > len(doomed) {
			end = len(doomed)
		}
		n, err := c.client.Del(ctx, doomed[start:end]...).Result()
		if err != nil {
			return removed, fmt.Errorf("redis del: %w", err)
		}
		removed += int(n)
	}
	atomic.AddInt64(&c.evictions, int64(removed))
	return removed, nil
}

// escapePattern escapes glob metacharacters so ids are matched literally.
func escapePattern(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
