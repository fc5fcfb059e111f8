// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package cache stores classifier, tool and whole-request results keyed by a
// deterministic hash of the request. Entries expire after a TTL; reads treat
// expired entries as misses and a sweeper removes them eagerly.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
	"unicode"
)

// DefaultTTL applies when Set is called without a TTL.
const DefaultTTL = time.Hour

// ScopeKind is the namespace an entry belongs to.
type ScopeKind string

const (
	ScopeGlobal ScopeKind = "global"
	ScopeAgent  ScopeKind = "agent"
	ScopeCase   ScopeKind = "case"
)

// Scope identifies a namespace such as a single case.
type Scope struct {
	Kind ScopeKind `json:"kind"`
	ID   string    `json:"id,omitempty"`
}

// GlobalScope is the namespace shared by all cases.
var GlobalScope = Scope{Kind: ScopeGlobal}

// CaseScope returns the scope of one case.
func CaseScope(id string) Scope {
	if id == "" {
		return GlobalScope
	}
	return Scope{Kind: ScopeCase, ID: id}
}

// String renders the scope as "kind" or "kind:id".
func (s Scope) String() string {
	kind := s.Kind
	if kind == "" {
		kind = ScopeGlobal
	}
	if s.ID == "" {
		return string(kind)
	}
	return string(kind) + ":" + s.ID
}

func (s Scope) normalize() Scope {
	if s.Kind == "" {
		s.Kind = ScopeGlobal
	}
	return s
}

// ParseScope is the inverse of Scope.String. A bare id is treated as a case.
func ParseScope(s string) Scope {
	kind, id, found := strings.Cut(s, ":")
	if !found {
		switch ScopeKind(s) {
		case ScopeGlobal, "":
			return GlobalScope
		default:
			return CaseScope(s)
		}
	}
	return Scope{Kind: ScopeKind(kind), ID: id}
}

// KeyParts are the inputs of the cache key.
type KeyParts struct {
	Query         string
	Task          string
	PromptVersion string
	Scope         Scope
	DocSetHash    string
}

// Hash returns the hex sha256 over the normalized parts. Semantically
// identical queries in the same scope hash identically.
func (k KeyParts) Hash() string {
	h := sha256.New()
	for _, part := range []string{
		NormalizeQuery(k.Query),
		k.Task,
		k.PromptVersion,
		k.Scope.String(),
		k.DocSetHash,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeQuery lowercases, collapses whitespace and trims trailing
// punctuation.
func NormalizeQuery(q string) string {
	q = strings.ToLower(strings.Join(strings.Fields(q), " "))
	return strings.TrimRightFunc(q, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
}

// DocumentSetHash hashes a set of document ids independent of order.
func DocumentSetHash(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\x00")))
	return hex.EncodeToString(sum[:8])
}

// Entry is a stored value.
type Entry struct {
	Key       string                 `json:"key"`
	Scope     Scope                  `json:"scope"`
	Task      string                 `json:"task"`
	Value     map[string]interface{} `json:"value"`
	CreatedAt time.Time              `json:"created_at"`
	ExpiresAt time.Time              `json:"expires_at"`
}

// Expired is the single expiry predicate shared by reads and the sweeper.
func (e *Entry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Stats are cache counters.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Sets      int64 `json:"sets"`
	Evictions int64 `json:"evictions"`
	Entries   int   `json:"entries"`
}

// Cache is implemented by the memory and Redis backends. Invalidation at
// every granularity is idempotent.
type Cache interface {
	// Get returns the live entry for the key, or false on miss or expiry.
	Get(ctx context.Context, key KeyParts) (*Entry, bool, error)

	// Set upserts the value. A non-positive ttl uses the backend default.
	Set(ctx context.Context, key KeyParts, value map[string]interface{}, ttl time.Duration) error

	// Invalidate removes a single entry.
	Invalidate(ctx context.Context, key KeyParts) error

	// InvalidateTask removes every entry of a (scope, task) pair.
	InvalidateTask(ctx context.Context, scope Scope, task string) error

	// InvalidateScope removes every entry of a scope.
	InvalidateScope(ctx context.Context, scope Scope) error

	// CleanupExpired removes expired entries and returns how many it removed.
	CleanupExpired(ctx context.Context) (int, error)

	// Stats returns counters and the current entry count.
	Stats(ctx context.Context) (Stats, error)
}

// Clock returns the current time.
type Clock func() time.Time

func newEntry(key KeyParts, value map[string]interface{}, ttl time.Duration, now time.Time) *Entry {
	return &Entry{
		Key:       key.Hash(),
		Scope:     key.Scope.normalize(),
		Task:      key.Task,
		Value:     value,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}
