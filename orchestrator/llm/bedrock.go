// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

const (
	// DefaultBedrockRegion is used when no region is configured.
	DefaultBedrockRegion = "us-east-1"

	// DefaultBedrockModel is used when no model is configured.
	DefaultBedrockModel = "anthropic.claude-3-5-sonnet-20240620-v1:0"

	bedrockAnthropicVersion = "bedrock-2023-05-31"
)

// BedrockInvoker is the subset of the Bedrock runtime client the provider uses.
type BedrockInvoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// BedrockProvider invokes Claude models on AWS Bedrock with SigV4 auth from
// the default credential chain.
type BedrockProvider struct {
	name   string
	region string
	model  string
	client BedrockInvoker
}

// NewBedrockProvider loads AWS configuration for region and creates a provider.
func NewBedrockProvider(ctx context.Context, region, model string) (*BedrockProvider, error) {
	if region == "" {
		region = DefaultBedrockRegion
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for Bedrock (region: %s): %w", region, err)
	}
	return NewBedrockProviderWithClient(bedrockruntime.NewFromConfig(awsCfg), region, model), nil
}

// NewBedrockProviderWithClient wraps an existing invoker.
func NewBedrockProviderWithClient(client BedrockInvoker, region, model string) *BedrockProvider {
	if model == "" {
		model = DefaultBedrockModel
	}
	return &BedrockProvider{
		name:   "bedrock",
		region: region,
		model:  model,
		client: client,
	}
}

// Name implements Provider.
func (p *BedrockProvider) Name() string { return p.name }

// Type implements Provider.
func (p *BedrockProvider) Type() ProviderType { return ProviderTypeBedrock }

type bedrockMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	Temperature      *float64         `json:"temperature,omitempty"`
	System           string           `json:"system,omitempty"`
	Messages         []bedrockMessage `json:"messages"`
}

type bedrockResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Complete implements Provider.
func (p *BedrockProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = p.model
	}
	if !strings.Contains(model, "anthropic.") {
		return nil, NewProviderError(p.name, ErrCodeInvalidRequest, fmt.Errorf("unsupported bedrock model family: %s", model))
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	body := bedrockRequest{
		AnthropicVersion: bedrockAnthropicVersion,
		MaxTokens:        maxTokens,
		System:           req.SystemPrompt,
		Messages:         []bedrockMessage{{Role: "user", Content: req.Prompt}},
	}
	if req.Temperature >= 0 {
		t := req.Temperature
		body.Temperature = &t
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal bedrock request: %w", err)
	}

	output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		Body:        payload,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return nil, NewProviderError(p.name, ErrCodeServerError, err)
	}

	var parsed bedrockResponse
	if err := json.Unmarshal(output.Body, &parsed); err != nil {
		return nil, NewProviderError(p.name, ErrCodeServerError, fmt.Errorf("failed to parse bedrock response: %w", err))
	}

	var text strings.Builder
	for _, c := range parsed.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	if text.Len() == 0 {
		return nil, NewProviderError(p.name, ErrCodeEmptyResponse, fmt.Errorf("no text content in response"))
	}

	return &CompletionResponse{
		Content:  text.String(),
		Model:    model,
		Provider: p.name,
		Usage: UsageStats{
			PromptTokens:     parsed.Usage.InputTokens,
			CompletionTokens: parsed.Usage.OutputTokens,
			TotalTokens:      parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		},
		Latency: time.Since(start),
	}, nil
}
