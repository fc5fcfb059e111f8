// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"lexflow/platform/orchestrator/documents"
	"lexflow/platform/orchestrator/llm"
)

const defaultSearchK = 5

func (d Deps) search(ctx context.Context, params map[string]interface{}, tc *Context) (*Result, error) {
	if d.Retriever == nil {
		return nil, errors.New("no retriever configured")
	}
	query := StringParam(params, "query", tc.Query)
	passages, err := d.Retriever.Retrieve(ctx, tc.ScopeID, query, IntParam(params, "k", defaultSearchK), StringParam(params, "strategy", ""))
	if err != nil {
		return nil, fmt.Errorf("retrieve: %w", err)
	}
	return &Result{
		Success: true,
		Data: map[string]interface{}{
			"query":    query,
			"passages": passagesData(passages),
		},
		Summary: fmt.Sprintf("%d passages found", len(passages)),
	}, nil
}

func (d Deps) research(ctx context.Context, params map[string]interface{}, tc *Context) (*Result, error) {
	if d.LLM == nil {
		return nil, errors.New("no language model configured")
	}
	query := StringParam(params, "query", tc.Query)

	var passages []documents.Passage
	if d.Retriever != nil {
		var err error
		passages, err = d.Retriever.Retrieve(ctx, tc.ScopeID, query, IntParam(params, "k", 8), documents.StrategyKeyword)
		if err != nil {
			return nil, fmt.Errorf("retrieve: %w", err)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Research question: %s\n\n", query)
	writePassages(&b, passages)
	b.WriteString("Respond with a JSON object containing \"references\" (objects with \"title\", \"citation\" and \"relevance\"), \"analysis\", a numeric \"confidence\" and a short \"summary\".")

	resp, err := d.LLM.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: "You are a legal researcher. Identify applicable statutes, regulations and case law.",
		Prompt:       b.String(),
		Temperature:  0.1,
		Purpose:      ToolResearch,
	})
	if err != nil {
		return &Result{LLMCalls: 1}, fmt.Errorf("%s: %w", ToolResearch, err)
	}

	data := map[string]interface{}{}
	if err := llm.DecodeJSON(resp.Content, &data); err != nil || data["references"] == nil {
		return &Result{LLMCalls: 1, TokensUsed: resp.Usage.TotalTokens},
			fmt.Errorf("%s: malformed tool output: missing \"references\"", ToolResearch)
	}
	data["sources"] = passageSources(passages)
	return &Result{
		Success:    true,
		Data:       data,
		Summary:    summarize("references", data),
		LLMCalls:   1,
		TokensUsed: resp.Usage.TotalTokens,
	}, nil
}

func (d Deps) answer(ctx context.Context, params map[string]interface{}, tc *Context) (*Result, error) {
	if d.LLM == nil {
		return nil, errors.New("no language model configured")
	}
	question := StringParam(params, "question", tc.Query)

	passages := priorPassages(tc)
	if len(passages) == 0 && d.Retriever != nil {
		var err error
		passages, err = d.Retriever.Retrieve(ctx, tc.ScopeID, question, IntParam(params, "k", defaultSearchK), "")
		if err != nil {
			return nil, fmt.Errorf("retrieve: %w", err)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\n", question)
	writePassages(&b, passages)
	b.WriteString("Answer using only the passages. Respond with a JSON object containing \"answer\", a numeric \"confidence\" and \"sources\".")

	resp, err := d.LLM.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: "You are a legal assistant answering questions about case documents.",
		Prompt:       b.String(),
		Temperature:  0.2,
		Purpose:      ToolAnswer,
	})
	if err != nil {
		return &Result{LLMCalls: 1}, fmt.Errorf("%s: %w", ToolAnswer, err)
	}

	data := map[string]interface{}{}
	if err := llm.DecodeJSON(resp.Content, &data); err != nil || data["answer"] == nil {
		if strings.TrimSpace(resp.Content) == "" {
			return &Result{LLMCalls: 1}, fmt.Errorf("%s: empty answer", ToolAnswer)
		}
		data = map[string]interface{}{"answer": strings.TrimSpace(resp.Content)}
	}
	if data["sources"] == nil {
		data["sources"] = passageSources(passages)
	}
	return &Result{
		Success:    true,
		Data:       data,
		Summary:    summarize("answer", data),
		LLMCalls:   1,
		TokensUsed: resp.Usage.TotalTokens,
	}, nil
}

// buildTimeline orders the dates extracted by earlier steps.
func buildTimeline(_ context.Context, _ map[string]interface{}, tc *Context) (*Result, error) {
	type event struct {
		when   time.Time
		dated  bool
		fields map[string]interface{}
	}

	var events []event
	for _, p := range tc.PriorWith("dates") {
		items, _ := p.Data["dates"].([]interface{})
		for _, item := range items {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			raw, _ := m["date"].(string)
			ev := event{fields: map[string]interface{}{
				"date":        raw,
				"event":       firstString(m, "event", "description"),
				"source":      firstString(m, "source"),
				"source_step": p.StepID,
			}}
			if t, ok := ParseDate(raw); ok {
				ev.when, ev.dated = t, true
				ev.fields["date"] = t.Format("2006-01-02")
			}
			events = append(events, ev)
		}
	}

	sort.SliceStable(events, func(i, j int) bool {
		if events[i].dated != events[j].dated {
			return events[i].dated
		}
		return events[i].when.Before(events[j].when)
	})

	out := make([]interface{}, len(events))
	undated := 0
	for i, ev := range events {
		out[i] = ev.fields
		if !ev.dated {
			undated++
		}
	}
	return &Result{
		Success: true,
		Data:    map[string]interface{}{"events": out, "undated": undated},
		Summary: fmt.Sprintf("%d events on the timeline", len(out)),
	}, nil
}

var dateLayouts = []string{
	"2006-01-02",
	"02.01.2006",
	"2.1.2006",
	"02/01/2006",
	"January 2, 2006",
	"2 January 2006",
	time.RFC3339,
}

// ParseDate parses the date formats found in legal documents.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func firstString(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func passagesData(passages []documents.Passage) []interface{} {
	out := make([]interface{}, len(passages))
	for i, p := range passages {
		out[i] = map[string]interface{}{
			"document_id": p.DocumentID,
			"content":     p.Content,
			"source":      p.Source,
			"page":        p.Page,
			"score":       p.Score,
		}
	}
	return out
}

func passageSources(passages []documents.Passage) []interface{} {
	seen := make(map[string]bool)
	var out []interface{}
	for _, p := range passages {
		if !seen[p.DocumentID] {
			seen[p.DocumentID] = true
			out = append(out, p.DocumentID)
		}
	}
	return out
}

// priorPassages rebuilds passages returned by an earlier search step.
func priorPassages(tc *Context) []documents.Passage {
	var out []documents.Passage
	for _, p := range tc.PriorWith("passages") {
		items, _ := p.Data["passages"].([]interface{})
		for _, item := range items {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			page, _ := toInt(m["page"])
			score, _ := toFloat(m["score"])
			out = append(out, documents.Passage{
				DocumentID: firstString(m, "document_id"),
				Content:    firstString(m, "content"),
				Source:     firstString(m, "source"),
				Page:       page,
				Score:      score,
			})
		}
	}
	return out
}

func writePassages(b *strings.Builder, passages []documents.Passage) {
	if len(passages) == 0 {
		b.WriteString("No passages were retrieved.\n\n")
		return
	}
	for i, p := range passages {
		fmt.Fprintf(b, "[%d] %s (page %d)\n%s\n\n", i+1, p.Source, p.Page, p.Content)
	}
}
