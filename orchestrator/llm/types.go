// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package llm provides the model providers used by the classifier, the
// planner, the tools and the validator. Every consumer depends only on the
// Provider interface so tests can script responses with MockProvider.
package llm

import (
	"context"
	"fmt"
	"time"
)

// ProviderType identifies the backend of a provider.
type ProviderType string

const (
	// ProviderTypeAnthropic talks to the Anthropic Messages API.
	ProviderTypeAnthropic ProviderType = "anthropic"

	// ProviderTypeBedrock invokes Claude models through AWS Bedrock.
	ProviderTypeBedrock ProviderType = "bedrock"

	// ProviderTypeRouter fans requests across registered providers.
	ProviderTypeRouter ProviderType = "router"

	// ProviderTypeMock returns scripted responses.
	ProviderTypeMock ProviderType = "mock"
)

// Provider generates completions. Implementations must be safe for
// concurrent use.
type Provider interface {
	// Name returns the unique identifier of this provider instance.
	Name() string

	// Type returns the backend type.
	Type() ProviderType

	// Complete generates a completion for the request.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// CompletionRequest is a single-turn completion request.
type CompletionRequest struct {
	// Prompt is the user message.
	Prompt string `json:"prompt"`

	// SystemPrompt sets the role and output contract.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// MaxTokens limits the response length. Zero uses the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness. Negative uses the provider default.
	Temperature float64 `json:"temperature"`

	// Model overrides the provider's default model.
	Model string `json:"model,omitempty"`

	// Purpose labels the call for logs and metrics, e.g. "intent" or a tool name.
	Purpose string `json:"purpose,omitempty"`
}

// CompletionResponse is the result of a completion.
type CompletionResponse struct {
	Content  string        `json:"content"`
	Model    string        `json:"model"`
	Provider string        `json:"provider"`
	Usage    UsageStats    `json:"usage"`
	Latency  time.Duration `json:"latency"`
}

// UsageStats tracks token usage.
type UsageStats struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ProviderError represents an error returned by a provider.
type ProviderError struct {
	Provider  string `json:"provider"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Cause     error  `json:"-"`
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s error (%s): %s", e.Provider, e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// Common error codes.
const (
	ErrCodeInvalidRequest = "invalid_request"
	ErrCodeServerError    = "server_error"
	ErrCodeTimeout        = "timeout"
	ErrCodeUnavailable    = "unavailable"
	ErrCodeEmptyResponse  = "empty_response"
)

// NewProviderError creates a ProviderError wrapping cause.
func NewProviderError(provider, code string, cause error) *ProviderError {
	msg := code
	if cause != nil {
		msg = cause.Error()
	}
	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   msg,
		Retryable: isRetryableCode(code),
		Cause:     cause,
	}
}

func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeServerError, ErrCodeTimeout, ErrCodeUnavailable:
		return true
	default:
		return false
	}
}
