// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package engine

import (
	"context"
	"fmt"
	"strings"

	"lexflow/platform/orchestrator/evaluator"
	"lexflow/platform/orchestrator/llm"
	"lexflow/platform/orchestrator/tasks"
	"lexflow/platform/orchestrator/workflow"
)

// synthesisMaxChars bounds each step summary placed in the synthesis prompt.
const synthesisMaxChars = 2000

// Report is the aggregated outcome of an execution.
type Report struct {
	Results   map[string]interface{}
	Artifacts workflow.Artifacts
	Summary   string
	Progress  evaluator.Progress
}

// aggregate collects completed step outputs keyed by task output, buckets
// their artifacts and writes the summary.
func (e *Engine) aggregate(ctx context.Context, r *run) *Report {
	exec := r.exec
	steps := exec.StepsSnapshot()
	report := &Report{
		Results:  make(map[string]interface{}),
		Progress: e.deps.Evaluator.EvaluateProgress(steps),
	}

	var completed []*workflow.Step
	for _, s := range steps {
		if s.Status != workflow.StepCompleted {
			continue
		}
		completed = append(completed, s)

		key := tasks.OutputKey(s.Task)
		if key == "" {
			key = s.ID
		}
		if _, taken := report.Results[key]; taken {
			key = s.ID
		}
		report.Results[key] = outputOf(s.Task, s.Result)

		for _, a := range r.stepArtifacts(s.ID) {
			report.Artifacts.Add(a)
		}
	}

	if len(completed) > 0 {
		report.Summary = e.summarize(ctx, exec, completed)
	}
	return report
}

// summarize asks the model to synthesize the step summaries and falls back
// to concatenating them.
func (e *Engine) summarize(ctx context.Context, exec *workflow.Execution, steps []*workflow.Step) string {
	if e.deps.LLM == nil {
		return concatenate(exec.Task, steps)
	}

	resp, err := e.deps.LLM.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: "You synthesize the results of a legal document analysis into one coherent answer for a lawyer.",
		Prompt:       synthesisPrompt(exec.Task, steps),
		MaxTokens:    1500,
		Temperature:  0.2,
		Purpose:      "synthesis",
	})
	if err != nil {
		e.log.Warn(exec.ScopeID, exec.ID, "Summary synthesis failed, using concatenation", map[string]interface{}{"error": err.Error()})
		return concatenate(exec.Task, steps)
	}
	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return concatenate(exec.Task, steps)
	}
	return summary
}

func synthesisPrompt(request string, steps []*workflow.Step) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original request: %s\n\n", request)
	b.WriteString("Step results:\n\n")
	for i, s := range steps {
		fmt.Fprintf(&b, "Step %d: %s\n", i+1, stepLabel(s))
		fmt.Fprintf(&b, "Result: %s\n\n", truncate(stepText(s), synthesisMaxChars))
	}
	b.WriteString("Instructions:\n")
	b.WriteString("1. Combine the step results into a single answer to the original request\n")
	b.WriteString("2. Keep every date, amount, party and risk the steps reported\n")
	b.WriteString("3. If steps disagree, state the conflict instead of choosing silently\n")
	b.WriteString("4. Answer in the language of the original request\n\n")
	b.WriteString("Provide the synthesized answer:")
	return b.String()
}

// concatenate lists step summaries in order.
func concatenate(request string, steps []*workflow.Step) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Results for: %s\n\n", request)
	for i, s := range steps {
		fmt.Fprintf(&b, "%d. %s\n", i+1, stepLabel(s))
		fmt.Fprintf(&b, "   %s\n\n", stepText(s))
	}
	b.WriteString("---\n")
	b.WriteString("Note: results listed without synthesis\n")
	return b.String()
}

func stepText(s *workflow.Step) string {
	if s.Summary != "" {
		return s.Summary
	}
	return fmt.Sprintf("%v", outputOf(s.Task, s.Result))
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}
