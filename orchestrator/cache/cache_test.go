// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

type backend struct {
	name  string
	cache Cache
	clock *fakeClock
}

// backends returns both implementations driven by the same fake clock.
func backends(t *testing.T) []backend {
	t.Helper()

	memClock := newFakeClock()
	mem := NewMemoryCache(time.Hour, memClock.Now)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	redisClock := newFakeClock()
	rc := NewRedisCache(client, RedisOptions{DefaultTTL: time.Hour, Clock: redisClock.Now})

	return []backend{
		{name: "memory", cache: mem, clock: memClock},
		{name: "redis", cache: rc, clock: redisClock},
	}
}

func key(query, task, scopeID string) KeyParts {
	return KeyParts{Query: query, Task: task, PromptVersion: "v1", Scope: CaseScope(scopeID)}
}

func TestKeyParts_HashNormalization(t *testing.T) {
	a := key("  Summarise the CONTRACT?? ", "summary", "c1")
	b := key("summarise   the contract", "summary", "c1")
	assert.Equal(t, a.Hash(), b.Hash())

	assert.NotEqual(t, a.Hash(), key("summarise the contract", "summary", "c2").Hash())
	assert.NotEqual(t, a.Hash(), key("summarise the contract", "risk", "c1").Hash())

	c := a
	c.PromptVersion = "v2"
	assert.NotEqual(t, a.Hash(), c.Hash())

	d := a
	d.DocSetHash = DocumentSetHash([]string{"f2", "f1"})
	e := a
	e.DocSetHash = DocumentSetHash([]string{"f1", "f2"})
	assert.Equal(t, d.Hash(), e.Hash())
	assert.NotEqual(t, a.Hash(), d.Hash())
}

func TestNormalizeQuery(t *testing.T) {
	assert.Equal(t, "привет, как дела", NormalizeQuery("Привет,   как дела?"))
	assert.Equal(t, "a b", NormalizeQuery("\tA\nB ... "))
}

func TestScopeParsing(t *testing.T) {
	assert.Equal(t, "case:42", CaseScope("42").String())
	assert.Equal(t, CaseScope("42"), ParseScope("case:42"))
	assert.Equal(t, CaseScope("42"), ParseScope("42"))
	assert.Equal(t, GlobalScope, ParseScope("global"))
	assert.Equal(t, GlobalScope, CaseScope(""))
	assert.Equal(t, "global", Scope{}.String())
}

func TestCache_SetThenGet(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			k := key("who signed?", "answer", "c1")

			require.NoError(t, b.cache.Set(ctx, k, map[string]interface{}{"answer": "both parties"}, 0))

			e, ok, err := b.cache.Get(ctx, k)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "both parties", e.Value["answer"])
			assert.Equal(t, CaseScope("c1"), e.Scope)
			assert.Equal(t, "answer", e.Task)
		})
	}
}

func TestCache_LazyAndEagerExpiryAgree(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			short := key("q1", "summary", "c1")
			long := key("q2", "summary", "c1")
			require.NoError(t, b.cache.Set(ctx, short, map[string]interface{}{"v": "a"}, time.Minute))
			require.NoError(t, b.cache.Set(ctx, long, map[string]interface{}{"v": "b"}, 2*time.Hour))

			// Exactly at expires_at the entry is still live.
			b.clock.Advance(time.Minute)
			_, ok, err := b.cache.Get(ctx, short)
			require.NoError(t, err)
			assert.True(t, ok)

			b.clock.Advance(time.Second)
			_, ok, err = b.cache.Get(ctx, short)
			require.NoError(t, err)
			assert.False(t, ok, "expired entry must read as a miss")

			removed, err := b.cache.CleanupExpired(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, removed)

			_, ok, err = b.cache.Get(ctx, long)
			require.NoError(t, err)
			assert.True(t, ok)

			stats, err := b.cache.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, stats.Entries)
		})
	}
}

func TestCache_InvalidationGranularities(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			keys := []KeyParts{
				key("q1", "summary", "c1"),
				key("q2", "summary", "c1"),
				key("q3", "risk", "c1"),
				key("q4", "summary", "c2"),
			}
			for _, k := range keys {
				require.NoError(t, b.cache.Set(ctx, k, map[string]interface{}{"q": k.Query}, 0))
			}
			live := func(k KeyParts) bool {
				_, ok, err := b.cache.Get(ctx, k)
				require.NoError(t, err)
				return ok
			}

			require.NoError(t, b.cache.Invalidate(ctx, keys[0]))
			assert.False(t, live(keys[0]))
			assert.True(t, live(keys[1]))

			require.NoError(t, b.cache.InvalidateTask(ctx, CaseScope("c1"), "summary"))
			assert.False(t, live(keys[1]))
			assert.True(t, live(keys[2]))
			assert.True(t, live(keys[3]))

			require.NoError(t, b.cache.InvalidateScope(ctx, CaseScope("c1")))
			assert.False(t, live(keys[2]))
			assert.True(t, live(keys[3]), "other scopes are untouched")

			// Idempotent on empty scopes and missing entries.
			assert.NoError(t, b.cache.InvalidateScope(ctx, CaseScope("c1")))
			assert.NoError(t, b.cache.InvalidateScope(ctx, CaseScope("never-used")))
			assert.NoError(t, b.cache.InvalidateTask(ctx, CaseScope("c1"), "summary"))
			assert.NoError(t, b.cache.Invalidate(ctx, keys[0]))
		})
	}
}

func TestCache_InvalidationMatchesWholeIDs(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			plain := key("q", "summary", "abc")
			nested := key("q", "summary", "abc:x")
			starred := key("q", "summary", "a*")
			otherTask := key("q", "summary:v2", "abc")
			for _, k := range []KeyParts{plain, nested, starred, otherTask} {
				require.NoError(t, b.cache.Set(ctx, k, map[string]interface{}{"v": 1}, 0))
			}
			live := func(k KeyParts) bool {
				_, ok, err := b.cache.Get(ctx, k)
				require.NoError(t, err)
				return ok
			}

			require.NoError(t, b.cache.InvalidateTask(ctx, CaseScope("abc"), "summary"))
			assert.False(t, live(plain))
			assert.True(t, live(otherTask), "task ids are matched whole")

			require.NoError(t, b.cache.InvalidateScope(ctx, CaseScope("abc")))
			assert.False(t, live(otherTask))
			assert.True(t, live(nested), "scope ids are matched whole")

			require.NoError(t, b.cache.InvalidateScope(ctx, CaseScope("a*")))
			assert.False(t, live(starred))
			assert.True(t, live(nested), "glob characters are literal")
		})
	}
}

func TestCache_StatsCounters(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			k := key("q", "summary", "c1")
			_, _, _ = b.cache.Get(ctx, k)
			require.NoError(t, b.cache.Set(ctx, k, map[string]interface{}{}, 0))
			_, _, _ = b.cache.Get(ctx, k)

			stats, err := b.cache.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(1), stats.Hits)
			assert.Equal(t, int64(1), stats.Misses)
			assert.Equal(t, int64(1), stats.Sets)
			assert.Equal(t, 1, stats.Entries)
		})
	}
}

func TestMemoryCache_ValuesAreNotAliased(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(0, nil)
	k := key("q", "summary", "c1")
	value := map[string]interface{}{"facts": []string{"a"}}
	require.NoError(t, c.Set(ctx, k, value, 0))

	value["facts"] = []string{"mutated"}
	e, ok, err := c.Get(ctx, k)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"a"}, e.Value["facts"])
}

func TestRedisCache_ServerTTL(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	c := NewRedisCache(client, RedisOptions{Prefix: "test"})
	ctx := context.Background()
	k := key("q", "summary", "c1")
	require.NoError(t, c.Set(ctx, k, map[string]interface{}{"v": 1}, time.Minute))

	keys := mr.Keys()
	require.Len(t, keys, 1)
	assert.Equal(t, "test:case:c1:summary:"+k.Hash(), keys[0])

	require.NoError(t, c.Set(ctx, key("q", "summary", "c1:x"), map[string]interface{}{"v": 1}, time.Minute))
	assert.Contains(t, mr.Keys(), "test:case:c1%3Ax:summary:"+key("q", "summary", "c1:x").Hash())
	assert.Equal(t, time.Minute, mr.TTL(keys[0]))

	mr.FastForward(2 * time.Minute)
	_, ok, err := c.Get(ctx, k)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConnectRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client, err := ConnectRedis(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	_ = client.Close()

	_, err = ConnectRedis(context.Background(), "not-a-url")
	assert.Error(t, err)
}

func TestEscapePattern(t *testing.T) {
	assert.Equal(t, `case:a\*b\?\[x\]`, escapePattern("case:a*b?[x]"))
}

func TestSweeper(t *testing.T) {
	clock := newFakeClock()
	c := NewMemoryCache(time.Minute, clock.Now)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, key("q", "summary", "c1"), map[string]interface{}{}, 0))

	var mu sync.Mutex
	var passes []int
	s := NewSweeper(c, 5*time.Millisecond, nil, func(removed int) {
		mu.Lock()
		defer mu.Unlock()
		passes = append(passes, removed)
	})

	assert.Equal(t, 0, s.SweepOnce(ctx))
	clock.Advance(2 * time.Minute)

	s.Start(ctx)
	s.Start(ctx)
	assert.Eventually(t, func() bool {
		stats, _ := c.Stats(ctx)
		return stats.Entries == 0
	}, time.Second, 5*time.Millisecond)
	s.Stop()
	s.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, passes, 1)
}
