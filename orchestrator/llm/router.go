// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"lexflow/platform/shared/logger"
)

// ErrNoProviders is returned when the router has nothing registered.
var ErrNoProviders = errors.New("no llm providers registered")

// CallObserver is notified after every provider attempt.
type CallObserver func(provider, purpose string, latency time.Duration, tokens int, err error)

// ProviderStats are per-provider counters kept by the router.
type ProviderStats struct {
	Requests int64 `json:"requests"`
	Errors   int64 `json:"errors"`
	Tokens   int64 `json:"tokens"`
}

type routedProvider struct {
	provider Provider
	priority int
	order    int
}

// Router tries providers in priority order and fails over to the next one
// when a call errors. It implements Provider itself.
type Router struct {
	mu        sync.RWMutex
	providers []routedProvider
	stats     map[string]*ProviderStats
	observer  CallObserver
	log       *logger.Logger
}

// RouterOption configures the Router.
type RouterOption func(*Router)

// WithRouterLogger sets the logger for the router.
func WithRouterLogger(l *logger.Logger) RouterOption {
	return func(r *Router) {
		r.log = l
	}
}

// WithCallObserver registers a hook run after each provider attempt.
func WithCallObserver(o CallObserver) RouterOption {
	return func(r *Router) {
		r.observer = o
	}
}

// NewRouter creates an empty router.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		stats: make(map[string]*ProviderStats),
		log:   logger.Discard("llm_router"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a provider. Higher priority providers are tried first;
// equal priorities keep registration order.
func (r *Router) Register(p Provider, priority int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.providers = append(r.providers, routedProvider{provider: p, priority: priority, order: len(r.providers)})
	sort.SliceStable(r.providers, func(i, j int) bool {
		if r.providers[i].priority != r.providers[j].priority {
			return r.providers[i].priority > r.providers[j].priority
		}
		return r.providers[i].order < r.providers[j].order
	})
	if _, ok := r.stats[p.Name()]; !ok {
		r.stats[p.Name()] = &ProviderStats{}
	}
}

// Len returns the number of registered providers.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

// Name implements Provider.
func (r *Router) Name() string { return "router" }

// Type implements Provider.
func (r *Router) Type() ProviderType { return ProviderTypeRouter }

// Complete sends the request to the first healthy provider, failing over on
// error. Context cancellation stops the failover chain.
func (r *Router) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	r.mu.RLock()
	chain := make([]Provider, len(r.providers))
	for i, rp := range r.providers {
		chain[i] = rp.provider
	}
	r.mu.RUnlock()

	if len(chain) == 0 {
		return nil, ErrNoProviders
	}

	var lastErr error
	for i, p := range chain {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		start := time.Now()
		resp, err := p.Complete(ctx, req)
		latency := time.Since(start)

		tokens := 0
		if resp != nil {
			tokens = resp.Usage.TotalTokens
		}
		r.record(p.Name(), tokens, err)
		if r.observer != nil {
			r.observer(p.Name(), req.Purpose, latency, tokens, err)
		}

		if err == nil {
			if resp.Provider == "" {
				resp.Provider = p.Name()
			}
			if resp.Latency == 0 {
				resp.Latency = latency
			}
			return resp, nil
		}

		lastErr = err
		if i < len(chain)-1 {
			r.log.Warn("", "", "LLM provider failed, failing over", map[string]interface{}{
				"provider": p.Name(),
				"next":     chain[i+1].Name(),
				"purpose":  req.Purpose,
				"error":    err.Error(),
			})
		}
	}
	return nil, fmt.Errorf("all llm providers failed: %w", lastErr)
}

// Stats returns a copy of the per-provider counters.
func (r *Router) Stats() map[string]ProviderStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]ProviderStats, len(r.stats))
	for name, s := range r.stats {
		out[name] = *s
	}
	return out
}

func (r *Router) record(name string, tokens int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stats[name]
	if !ok {
		s = &ProviderStats{}
		r.stats[name] = s
	}
	s.Requests++
	s.Tokens += int64(tokens)
	if err != nil {
		s.Errors++
	}
}
