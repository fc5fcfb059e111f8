// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package validator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"lexflow/platform/orchestrator/llm"
)

// textFields are the item fields that carry quotable text, in preference
// order.
var textFields = []string{"fact", "text", "quote", "event", "name", "description", "risk", "content", "answer"}

// FindingFromResult builds a finding from a step's output value. List items
// become sentences of the finding text.
func FindingFromResult(id, task string, value interface{}, confidence, completeness float64) Finding {
	return Finding{
		ID:           id,
		Task:         task,
		Text:         strings.Join(flatten(value), ". "),
		Confidence:   confidence,
		Completeness: completeness,
	}
}

func flatten(value interface{}) []string {
	switch v := value.(type) {
	case string:
		if s := strings.TrimSpace(v); s != "" {
			return []string{s}
		}
	case []interface{}:
		var out []string
		for _, item := range v {
			out = append(out, flatten(item)...)
		}
		return out
	case []string:
		var out []string
		for _, item := range v {
			out = append(out, flatten(item)...)
		}
		return out
	case map[string]interface{}:
		for _, f := range textFields {
			if s, ok := v[f].(string); ok && strings.TrimSpace(s) != "" {
				return []string{strings.TrimSpace(s)}
			}
		}
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var out []string
		for _, k := range keys {
			if s, ok := v[k].(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		if len(out) > 0 {
			return []string{strings.Join(out, " ")}
		}
	}
	return nil
}

// LLMConflictDetector asks the language model whether two findings
// contradict each other.
type LLMConflictDetector struct {
	Provider llm.Provider
}

type conflictVerdict struct {
	Conflict bool   `json:"conflict"`
	Reason   string `json:"reason"`
}

// Conflicts implements ConflictDetector.
func (d *LLMConflictDetector) Conflicts(ctx context.Context, a, b Finding) (bool, string, error) {
	resp, err := d.Provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: "You compare findings of a legal analysis and detect factual contradictions.",
		Prompt: fmt.Sprintf("Finding A (%s):\n%s\n\nFinding B (%s):\n%s\n\n"+
			"Respond with a JSON object {\"conflict\": true|false, \"reason\": \"...\"}.",
			a.Task, a.Text, b.Task, b.Text),
		Temperature: 0,
		MaxTokens:   300,
		Purpose:     "conflict_detection",
	})
	if err != nil {
		return false, "", err
	}
	var verdict conflictVerdict
	if err := llm.DecodeJSON(resp.Content, &verdict); err != nil {
		return false, "", fmt.Errorf("decode conflict verdict: %w", err)
	}
	return verdict.Conflict, verdict.Reason, nil
}

// LLMVerifier asks the language model, acting as another task, to assess a
// finding independently.
type LLMVerifier struct {
	Provider llm.Provider
}

type verification struct {
	Agreement float64 `json:"agreement"`
	Rationale string  `json:"rationale"`
}

// Verify implements Verifier.
func (v *LLMVerifier) Verify(ctx context.Context, finding Finding, verifyingTask string) (float64, string, error) {
	resp, err := v.Provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: fmt.Sprintf("You are the %s analyst. Independently check a finding produced by the %s analyst.", verifyingTask, finding.Task),
		Prompt: fmt.Sprintf("Finding:\n%s\n\nRespond with a JSON object {\"agreement\": <0..1>, \"rationale\": \"...\"}.",
			finding.Text),
		Temperature: 0,
		MaxTokens:   300,
		Purpose:     "circular_verification",
	})
	if err != nil {
		return 0, "", err
	}
	var out verification
	if err := llm.DecodeJSON(resp.Content, &out); err != nil {
		return 0, "", fmt.Errorf("decode verification: %w", err)
	}
	if out.Agreement < 0 || out.Agreement > 1 {
		return 0, "", fmt.Errorf("agreement %v out of range", out.Agreement)
	}
	return out.Agreement, out.Rationale, nil
}
