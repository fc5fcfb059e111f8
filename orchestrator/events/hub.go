// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package events

import (
	"sync"
	"time"
)

// Hub indexes the streams of running and recently finished executions.
type Hub struct {
	mu        sync.RWMutex
	streams   map[string]*Stream
	closedAt  map[string]time.Time
	retention time.Duration
}

// NewHub creates a hub that keeps closed streams for retention.
func NewHub(retention time.Duration) *Hub {
	if retention <= 0 {
		retention = 15 * time.Minute
	}
	return &Hub{
		streams:   make(map[string]*Stream),
		closedAt:  make(map[string]time.Time),
		retention: retention,
	}
}

// Open creates the stream of an execution, replacing any previous one.
func (h *Hub) Open(executionID string) *Stream {
	s := NewStream(executionID)
	h.mu.Lock()
	h.streams[executionID] = s
	delete(h.closedAt, executionID)
	h.mu.Unlock()
	return s
}

// Get returns the stream of an execution.
func (h *Hub) Get(executionID string) (*Stream, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.streams[executionID]
	return s, ok
}

// Len returns the number of tracked streams.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.streams)
}

// Prune drops closed streams that outlived the retention period.
func (h *Hub) Prune(now time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for id, s := range h.streams {
		if !s.Closed() {
			continue
		}
		at, seen := h.closedAt[id]
		if !seen {
			h.closedAt[id] = now
			continue
		}
		if now.Sub(at) >= h.retention {
			delete(h.streams, id)
			delete(h.closedAt, id)
			n++
		}
	}
	return n
}
