// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MockResponder produces a response for a request.
type MockResponder func(req CompletionRequest) (string, error)

// MockProvider returns scripted responses. Rules are matched in order by
// substring against the system prompt and prompt; the first match wins.
type MockProvider struct {
	name     string
	mu       sync.Mutex
	rules    []mockRule
	fallback MockResponder
	calls    []CompletionRequest
	delay    time.Duration
}

type mockRule struct {
	contains string
	respond  MockResponder
}

// NewMockProvider creates a mock that answers "{}" unless told otherwise.
func NewMockProvider(name string) *MockProvider {
	if name == "" {
		name = "mock"
	}
	return &MockProvider{
		name:     name,
		fallback: func(CompletionRequest) (string, error) { return "{}", nil },
	}
}

// On answers requests containing substr with a fixed response.
func (m *MockProvider) On(substr, response string) *MockProvider {
	return m.OnFunc(substr, func(CompletionRequest) (string, error) { return response, nil })
}

// OnFunc answers requests containing substr with fn.
func (m *MockProvider) OnFunc(substr string, fn MockResponder) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, mockRule{contains: substr, respond: fn})
	return m
}

// Default sets the responder used when no rule matches.
func (m *MockProvider) Default(fn MockResponder) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = fn
	return m
}

// WithDelay makes every call wait d or until the context ends.
func (m *MockProvider) WithDelay(d time.Duration) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// Name implements Provider.
func (m *MockProvider) Name() string { return m.name }

// Type implements Provider.
func (m *MockProvider) Type() ProviderType { return ProviderTypeMock }

// Complete implements Provider.
func (m *MockProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	respond := m.fallback
	haystack := req.SystemPrompt + "\n" + req.Prompt
	for _, r := range m.rules {
		if strings.Contains(haystack, r.contains) {
			respond = r.respond
			break
		}
	}
	delay := m.delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	content, err := respond(req)
	if err != nil {
		return nil, err
	}
	tokens := len(req.Prompt)/4 + len(content)/4
	return &CompletionResponse{
		Content:  content,
		Model:    "mock-model",
		Provider: m.name,
		Usage: UsageStats{
			PromptTokens:     len(req.Prompt) / 4,
			CompletionTokens: len(content) / 4,
			TotalTokens:      tokens,
		},
		Latency: delay,
	}, nil
}

// Calls returns the requests received so far.
func (m *MockProvider) Calls() []CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CompletionRequest(nil), m.calls...)
}

// CallCount returns the number of requests received.
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
