// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package intent decides whether a request is answered from retrieved
// passages or needs the multi-step analysis pipeline.
//
// Classification runs in stages: keyword rules, the result cache, the
// language model, and finally the clarification threshold. It never returns
// an error; failures degrade to a conservative simple/rag answer.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"lexflow/platform/orchestrator/cache"
	"lexflow/platform/orchestrator/llm"
	"lexflow/platform/orchestrator/metrics"
	"lexflow/platform/orchestrator/tasks"
	"lexflow/platform/shared/logger"
)

// Label is the request class.
type Label string

const (
	LabelSimple  Label = "simple"
	LabelComplex Label = "complex"
	LabelHybrid  Label = "hybrid"
)

// Path is the processing route recommended for a label.
type Path string

const (
	PathRAG    Path = "rag"
	PathAgents Path = "agents"
	PathHybrid Path = "hybrid"
)

// Stage records which stage produced a classification.
type Stage string

const (
	StageRules    Stage = "rules"
	StageCache    Stage = "cache"
	StageModel    Stage = "model"
	StageFallback Stage = "fallback"
)

// cacheTask is the cache key task name of classifications.
const cacheTask = "intent_classification"

// Classification is the classifier output.
type Classification struct {
	Label                 Label    `json:"label"`
	Confidence            float64  `json:"confidence"`
	Rationale             string   `json:"rationale,omitempty"`
	RecommendedPath       Path     `json:"recommended_path"`
	SuggestedTasks        []string `json:"suggested_tasks"`
	RAGQueries            []string `json:"rag_queries"`
	RequiresClarification bool     `json:"requires_clarification"`
	Stage                 Stage    `json:"stage"`
}

// Context carries request scope into classification.
type Context struct {
	ScopeID     string
	ExecutionID string
	DocumentIDs []string
	// DocumentNames help the model judge what the documents can answer.
	DocumentNames []string
}

// Config tunes the classifier.
type Config struct {
	ClarificationThreshold float64
	CacheTTL               time.Duration
	PromptVersion          string
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{ClarificationThreshold: 0.7, CacheTTL: time.Hour, PromptVersion: "v1"}
}

// Classifier scores requests. Provider, cache and metrics are optional.
type Classifier struct {
	cfg      Config
	provider llm.Provider
	cache    cache.Cache
	metrics  *metrics.Metrics
	log      *logger.Logger
}

// New creates a classifier.
func New(cfg Config, provider llm.Provider, c cache.Cache, m *metrics.Metrics, log *logger.Logger) *Classifier {
	if cfg.ClarificationThreshold <= 0 {
		cfg.ClarificationThreshold = DefaultConfig().ClarificationThreshold
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultConfig().CacheTTL
	}
	if cfg.PromptVersion == "" {
		cfg.PromptVersion = DefaultConfig().PromptVersion
	}
	if log == nil {
		log = logger.New("intent")
	}
	return &Classifier{cfg: cfg, provider: provider, cache: c, metrics: m, log: log}
}

// Classify returns the classification of text.
func (c *Classifier) Classify(ctx context.Context, text string, cc Context) *Classification {
	normalized := cache.NormalizeQuery(text)

	if m := matchRules(normalized); m != nil {
		out := &Classification{
			Label:          m.label,
			Confidence:     m.confidence,
			Rationale:      m.rationale,
			SuggestedTasks: m.tasks,
			Stage:          StageRules,
		}
		return c.finish(out, text, cc)
	}

	key := cache.KeyParts{
		Query:         text,
		Task:          cacheTask,
		PromptVersion: c.cfg.PromptVersion,
		Scope:         cache.CaseScope(cc.ScopeID),
	}
	if out, ok := c.lookup(ctx, key, cc); ok {
		out.Stage = StageCache
		return c.finish(out, text, cc)
	}

	out, err := c.classifyWithModel(ctx, text, cc)
	if err != nil {
		c.log.Warn(cc.ScopeID, cc.ExecutionID, "Intent classification fell back to default", map[string]interface{}{
			"error": err.Error(),
		})
		return c.finish(&Classification{
			Label:      LabelSimple,
			Confidence: 0.5,
			Rationale:  "classification unavailable, defaulting to retrieval",
			Stage:      StageFallback,
		}, text, cc)
	}
	out.Stage = StageModel
	out = c.finish(out, text, cc)
	c.store(ctx, key, out, cc)
	return out
}

// finish fills in the derived fields and applies the clarification
// threshold.
func (c *Classifier) finish(out *Classification, text string, cc Context) *Classification {
	out.Confidence = clamp(out.Confidence)
	if out.RecommendedPath == "" || !validPath(out.RecommendedPath) {
		out.RecommendedPath = pathFor(out.Label)
	}
	out.SuggestedTasks = knownTasks(out.SuggestedTasks)
	if out.Label == LabelSimple {
		out.SuggestedTasks = []string{}
	}
	if len(out.RAGQueries) == 0 && out.RecommendedPath != PathAgents {
		out.RAGQueries = []string{strings.TrimSpace(text)}
	}
	if out.RAGQueries == nil {
		out.RAGQueries = []string{}
	}
	out.RequiresClarification = out.Confidence < c.cfg.ClarificationThreshold

	c.metrics.Classified(string(out.Label), string(out.Stage))
	c.log.Debug(cc.ScopeID, cc.ExecutionID, "Request classified", map[string]interface{}{
		"label":      out.Label,
		"confidence": out.Confidence,
		"stage":      out.Stage,
		"tasks":      out.SuggestedTasks,
	})
	return out
}

func (c *Classifier) lookup(ctx context.Context, key cache.KeyParts, cc Context) (*Classification, bool) {
	if c.cache == nil {
		return nil, false
	}
	entry, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		c.log.Warn(cc.ScopeID, cc.ExecutionID, "Intent cache lookup failed", map[string]interface{}{"error": err.Error()})
		return nil, false
	}
	c.metrics.CacheLookup("intent", ok)
	if !ok {
		return nil, false
	}
	raw, err := json.Marshal(entry.Value)
	if err != nil {
		return nil, false
	}
	var out Classification
	if err := json.Unmarshal(raw, &out); err != nil || !validLabel(out.Label) {
		return nil, false
	}
	return &out, true
}

func (c *Classifier) store(ctx context.Context, key cache.KeyParts, out *Classification, cc Context) {
	if c.cache == nil {
		return
	}
	value := map[string]interface{}{
		"label":            string(out.Label),
		"confidence":       out.Confidence,
		"rationale":        out.Rationale,
		"recommended_path": string(out.RecommendedPath),
		"suggested_tasks":  stringsToInterfaces(out.SuggestedTasks),
		"rag_queries":      stringsToInterfaces(out.RAGQueries),
	}
	if err := c.cache.Set(ctx, key, value, c.cfg.CacheTTL); err != nil {
		c.log.Warn(cc.ScopeID, cc.ExecutionID, "Intent cache write failed", map[string]interface{}{"error": err.Error()})
	}
}

const classifierSystemPrompt = `You classify requests sent to a legal document analysis assistant.

Labels:
- "simple": a question answerable from a few retrieved passages (path "rag").
- "complex": a request for multi-step analysis such as extraction, risk review, timelines or drafting (path "agents").
- "hybrid": needs both retrieval answers and some analysis (path "hybrid").

Respond ONLY with a JSON object:
{"label": "simple|complex|hybrid", "confidence": 0.0-1.0, "rationale": "...", "recommended_path": "rag|agents|hybrid", "suggested_tasks": ["..."], "rag_queries": ["..."]}`

func (c *Classifier) classifyWithModel(ctx context.Context, text string, cc Context) (*Classification, error) {
	if c.provider == nil {
		return nil, fmt.Errorf("no language model configured")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Request: %q\n\n", text)
	if len(cc.DocumentNames) > 0 {
		fmt.Fprintf(&b, "Documents in the case: %s\n\n", strings.Join(cc.DocumentNames, ", "))
	}
	b.WriteString("Known analysis tasks:\n")
	for _, t := range tasks.All() {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
	}

	resp, err := c.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: classifierSystemPrompt,
		Prompt:       b.String(),
		MaxTokens:    512,
		Temperature:  0,
		Purpose:      "intent",
	})
	if err != nil {
		return nil, fmt.Errorf("model call failed: %w", err)
	}

	var out Classification
	if err := llm.DecodeJSON(resp.Content, &out); err != nil {
		return nil, fmt.Errorf("malformed classification: %w", err)
	}
	out.Label = Label(strings.ToLower(strings.TrimSpace(string(out.Label))))
	if !validLabel(out.Label) {
		return nil, fmt.Errorf("unknown label %q", out.Label)
	}
	return &out, nil
}

func validLabel(l Label) bool {
	return l == LabelSimple || l == LabelComplex || l == LabelHybrid
}

func validPath(p Path) bool {
	return p == PathRAG || p == PathAgents || p == PathHybrid
}

func pathFor(l Label) Path {
	switch l {
	case LabelComplex:
		return PathAgents
	case LabelHybrid:
		return PathHybrid
	default:
		return PathRAG
	}
}

// knownTasks drops names missing from the task catalog.
func knownTasks(names []string) []string {
	out := make([]string, 0, len(names))
	seen := make(map[string]bool)
	for _, n := range names {
		n = strings.TrimSpace(n)
		if _, ok := tasks.Lookup(n); ok && !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

func clamp(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

func stringsToInterfaces(s []string) []interface{} {
	out := make([]interface{}, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}
