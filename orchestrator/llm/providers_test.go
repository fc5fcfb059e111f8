// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInvoker struct {
	input *bedrockruntime.InvokeModelInput
	body  string
	err   error
}

func (f *fakeInvoker) InvokeModel(_ context.Context, in *bedrockruntime.InvokeModelInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &bedrockruntime.InvokeModelOutput{Body: []byte(f.body)}, nil
}

func TestBedrockProvider_Complete(t *testing.T) {
	inv := &fakeInvoker{body: `{"content":[{"type":"text","text":"hello"}],"usage":{"input_tokens":12,"output_tokens":3}}`}
	p := NewBedrockProviderWithClient(inv, "eu-west-1", "")

	resp, err := p.Complete(context.Background(), CompletionRequest{
		SystemPrompt: "be brief",
		Prompt:       "hi",
		MaxTokens:    100,
		Temperature:  0.2,
	})

	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
	assert.Equal(t, DefaultBedrockModel, aws.ToString(inv.input.ModelId))

	var sent map[string]interface{}
	require.NoError(t, json.Unmarshal(inv.input.Body, &sent))
	assert.Equal(t, "bedrock-2023-05-31", sent["anthropic_version"])
	assert.Equal(t, "be brief", sent["system"])
	assert.Equal(t, float64(100), sent["max_tokens"])
}

func TestBedrockProvider_Errors(t *testing.T) {
	p := NewBedrockProviderWithClient(&fakeInvoker{err: errors.New("throttled")}, "", "")
	_, err := p.Complete(context.Background(), CompletionRequest{Prompt: "hi"})
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrCodeServerError, perr.Code)

	p = NewBedrockProviderWithClient(&fakeInvoker{body: `{"content":[]}`}, "", "")
	_, err = p.Complete(context.Background(), CompletionRequest{Prompt: "hi"})
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrCodeEmptyResponse, perr.Code)

	p = NewBedrockProviderWithClient(&fakeInvoker{}, "", "meta.llama3-70b")
	_, err = p.Complete(context.Background(), CompletionRequest{Prompt: "hi"})
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrCodeInvalidRequest, perr.Code)
}

func TestAnthropicProvider_Complete(t *testing.T) {
	var received map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &received)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-sonnet-4-20250514",
			"content": [{"type": "text", "text": "{\"ok\":true}"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 20, "output_tokens": 4}
		}`))
	}))
	defer server.Close()

	p, err := NewAnthropicProvider(AnthropicConfig{APIKey: "test-key", BaseURL: server.URL})
	require.NoError(t, err)

	resp, err := p.Complete(context.Background(), CompletionRequest{SystemPrompt: "judge", Prompt: "is it ok?"})

	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, resp.Content)
	assert.Equal(t, 24, resp.Usage.TotalTokens)
	assert.Equal(t, "anthropic", resp.Provider)
	assert.Equal(t, DefaultAnthropicModel, received["model"])
}

func TestNewAnthropicProvider_RequiresKey(t *testing.T) {
	_, err := NewAnthropicProvider(AnthropicConfig{})
	assert.Error(t, err)
}
