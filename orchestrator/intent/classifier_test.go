// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package intent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lexflow/platform/orchestrator/cache"
	"lexflow/platform/orchestrator/llm"
	"lexflow/platform/orchestrator/metrics"
	"lexflow/platform/orchestrator/tasks"
	"lexflow/platform/shared/logger"
)

func newClassifier(p llm.Provider, c cache.Cache, m *metrics.Metrics) *Classifier {
	return New(DefaultConfig(), p, c, m, logger.Discard("intent"))
}

func TestClassify_GreetingIsSimple(t *testing.T) {
	mock := llm.NewMockProvider("mock")
	c := newClassifier(mock, nil, nil)

	out := c.Classify(context.Background(), "Привет, как дела?", Context{ScopeID: "case-1"})

	assert.Equal(t, LabelSimple, out.Label)
	assert.Equal(t, PathRAG, out.RecommendedPath)
	assert.Empty(t, out.SuggestedTasks)
	assert.GreaterOrEqual(t, out.Confidence, 0.9)
	assert.Equal(t, StageRules, out.Stage)
	assert.False(t, out.RequiresClarification)
	assert.Zero(t, mock.CallCount(), "rules answer without the model")
}

func TestClassify_ImperativeExtractionIsComplex(t *testing.T) {
	c := newClassifier(nil, nil, nil)

	out := c.Classify(context.Background(), "Извлеки все даты и составь таблицу", Context{ScopeID: "case-1"})

	assert.Equal(t, LabelComplex, out.Label)
	assert.Equal(t, PathAgents, out.RecommendedPath)
	assert.Contains(t, out.SuggestedTasks, tasks.DateExtraction)
	assert.Contains(t, out.SuggestedTasks, tasks.TableExtraction)
	assert.True(t, tasks.IsExtraction(out.SuggestedTasks[0]))
	assert.GreaterOrEqual(t, out.Confidence, 0.9)
	assert.Empty(t, out.RAGQueries)
}

func TestMatchRules(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		label Label
		tasks []string
		none  bool
	}{
		{name: "english greeting", text: "hello there", label: LabelSimple},
		{name: "question", text: "когда истекает срок аренды", none: true},
		{name: "plain question", text: "кто подписал договор", label: LabelSimple},
		{name: "english imperative", text: "compare the two contracts and assess risks", label: LabelComplex,
			tasks: []string{tasks.Comparison, tasks.Risk}},
		{name: "risk review", text: "проверь договор на риски", label: LabelComplex, tasks: []string{tasks.Risk}},
		{name: "no signal", text: "договор поставки от марта", none: true},
		{name: "greeting with task is not small talk", text: "привет, риски договора", none: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := matchRules(cache.NormalizeQuery(tt.text))
			if tt.none {
				assert.Nil(t, m)
				return
			}
			require.NotNil(t, m)
			assert.Equal(t, tt.label, m.label)
			if tt.tasks != nil {
				assert.Equal(t, tt.tasks, m.tasks)
			}
		})
	}
}

func TestClassify_ModelStageAndCacheWriteBack(t *testing.T) {
	mock := llm.NewMockProvider("mock").On("Known analysis tasks",
		"Sure! ```json\n{\"label\":\"hybrid\",\"confidence\":0.82,\"rationale\":\"mixed\",\"suggested_tasks\":[\"risk\",\"made_up\"],\"rag_queries\":[\"penalty clause\"]}\n```")
	mem := cache.NewMemoryCache(time.Hour, nil)
	m := metrics.New()
	c := newClassifier(mock, mem, m)
	text := "договор поставки и штрафные санкции"

	first := c.Classify(context.Background(), text, Context{ScopeID: "case-1"})
	assert.Equal(t, LabelHybrid, first.Label)
	assert.Equal(t, PathHybrid, first.RecommendedPath)
	assert.Equal(t, []string{tasks.Risk}, first.SuggestedTasks)
	assert.Equal(t, []string{"penalty clause"}, first.RAGQueries)
	assert.Equal(t, StageModel, first.Stage)
	assert.False(t, first.RequiresClarification)

	second := c.Classify(context.Background(), "  Договор поставки и штрафные санкции. ", Context{ScopeID: "case-1"})
	assert.Equal(t, StageCache, second.Stage)
	assert.Equal(t, LabelHybrid, second.Label)
	assert.InDelta(t, 0.82, second.Confidence, 1e-9)
	assert.Equal(t, 1, mock.CallCount(), "normalized text hits the cache")

	other := c.Classify(context.Background(), text, Context{ScopeID: "case-2"})
	assert.Equal(t, StageModel, other.Stage, "cache is scoped per case")
	assert.Equal(t, 2, mock.CallCount())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Classifications.WithLabelValues("hybrid", "cache")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Classifications.WithLabelValues("hybrid", "model")))
}

func TestClassify_LowConfidenceRequiresClarification(t *testing.T) {
	mock := llm.NewMockProvider("mock").On("Known analysis tasks", `{"label":"complex","confidence":0.55}`)
	c := newClassifier(mock, nil, nil)

	out := c.Classify(context.Background(), "договор поставки от марта", Context{})

	assert.Equal(t, LabelComplex, out.Label)
	assert.True(t, out.RequiresClarification)
	assert.Equal(t, PathAgents, out.RecommendedPath)
}

func TestClassify_MalformedOutputDegrades(t *testing.T) {
	tests := []struct {
		name     string
		provider llm.Provider
	}{
		{name: "prose", provider: llm.NewMockProvider("m").Default(func(llm.CompletionRequest) (string, error) {
			return "I think this is complex", nil
		})},
		{name: "unknown label", provider: llm.NewMockProvider("m").Default(func(llm.CompletionRequest) (string, error) {
			return `{"label":"urgent","confidence":0.99}`, nil
		})},
		{name: "provider error", provider: llm.NewMockProvider("m").Default(func(llm.CompletionRequest) (string, error) {
			return "", errors.New("throttled")
		})},
		{name: "no provider", provider: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := cache.NewMemoryCache(time.Hour, nil)
			c := newClassifier(tt.provider, mem, nil)

			out := c.Classify(context.Background(), "договор поставки от марта", Context{ScopeID: "case-1"})

			assert.Equal(t, LabelSimple, out.Label)
			assert.Equal(t, PathRAG, out.RecommendedPath)
			assert.Equal(t, 0.5, out.Confidence)
			assert.Equal(t, StageFallback, out.Stage)
			assert.True(t, out.RequiresClarification)

			stats, err := mem.Stats(context.Background())
			require.NoError(t, err)
			assert.Zero(t, stats.Sets, "fallbacks are not cached")
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	c := New(Config{}, nil, nil, nil, nil)
	assert.Equal(t, 0.7, c.cfg.ClarificationThreshold)
	assert.Equal(t, time.Hour, c.cfg.CacheTTL)
	assert.Equal(t, "v1", c.cfg.PromptVersion)
}
