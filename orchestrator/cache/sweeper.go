// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package cache

import (
	"context"
	"sync"
	"time"

	"lexflow/platform/shared/logger"
)

// DefaultSweepInterval is how often the sweeper runs when unset.
const DefaultSweepInterval = 5 * time.Minute

// Sweeper periodically removes expired entries.
type Sweeper struct {
	cache    Cache
	interval time.Duration
	log      *logger.Logger
	onSweep  func(removed int)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a sweeper. onSweep, when set, receives the number of
// entries removed by each pass.
func NewSweeper(c Cache, interval time.Duration, log *logger.Logger, onSweep func(removed int)) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if log == nil {
		log = logger.Discard("cache_sweeper")
	}
	return &Sweeper{cache: c, interval: interval, log: log, onSweep: onSweep}
}

// Start launches the sweep loop. Calling Start twice is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
}

// Stop ends the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// SweepOnce runs a single cleanup pass.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	removed, err := s.cache.CleanupExpired(ctx)
	if err != nil {
		s.log.Warn("", "", "Cache sweep failed", map[string]interface{}{"error": err.Error()})
		return 0
	}
	if removed > 0 {
		s.log.Debug("", "", "Cache sweep removed expired entries", map[string]interface{}{"removed": removed})
	}
	if s.onSweep != nil {
		s.onSweep(removed)
	}
	return removed
}

func (s *Sweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}
