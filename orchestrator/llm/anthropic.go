// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	// DefaultAnthropicModel is used when neither config nor request names a model.
	DefaultAnthropicModel = string(anthropic.ModelClaudeSonnet4_20250514)

	// DefaultMaxTokens is the default completion length.
	DefaultMaxTokens = 4096
)

// AnthropicConfig configures the Anthropic provider.
type AnthropicConfig struct {
	Name       string
	APIKey     string
	Model      string
	BaseURL    string
	MaxRetries int
	Timeout    time.Duration
}

// AnthropicProvider calls the Anthropic Messages API through the official SDK.
type AnthropicProvider struct {
	name   string
	model  string
	client anthropic.Client
}

// NewAnthropicProvider creates an Anthropic provider.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic API key is required")
	}
	if cfg.Name == "" {
		cfg.Name = "anthropic"
	}
	if cfg.Model == "" {
		cfg.Model = DefaultAnthropicModel
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}

	return &AnthropicProvider{
		name:   cfg.Name,
		model:  cfg.Model,
		client: anthropic.NewClient(opts...),
	}, nil
}

// Name implements Provider.
func (p *AnthropicProvider) Name() string { return p.name }

// Type implements Provider.
func (p *AnthropicProvider) Type() ProviderType { return ProviderTypeAnthropic }

// Complete implements Provider.
func (p *AnthropicProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.Temperature >= 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		code := ErrCodeServerError
		if errors.Is(err, context.DeadlineExceeded) {
			code = ErrCodeTimeout
		}
		return nil, NewProviderError(p.name, code, err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(variant.Text)
		}
	}
	if text.Len() == 0 {
		return nil, NewProviderError(p.name, ErrCodeEmptyResponse, fmt.Errorf("no text content in response"))
	}

	in := int(resp.Usage.InputTokens)
	out := int(resp.Usage.OutputTokens)
	return &CompletionResponse{
		Content:  text.String(),
		Model:    string(resp.Model),
		Provider: p.name,
		Usage: UsageStats{
			PromptTokens:     in,
			CompletionTokens: out,
			TotalTokens:      in + out,
		},
		Latency: time.Since(start),
	}, nil
}
