// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package replanner rewrites the failed part of an execution's plan. Every
// strategy is a deterministic rewrite over copies of the steps; completed
// steps are never part of a fragment.
package replanner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"lexflow/platform/orchestrator/workflow"
	"lexflow/platform/shared/logger"
)

// Strategy names a plan rewrite.
type Strategy string

const (
	StrategyRetry       Strategy = "retry_with_modifications"
	StrategyAlternative Strategy = "alternative_approach"
	StrategySimplify    Strategy = "simplify"
	StrategyReorder     Strategy = "reorder"
	StrategySkip        Strategy = "skip_and_compensate"
	StrategyFallback    Strategy = "fallback"
)

var strategyConfidence = map[Strategy]float64{
	StrategyRetry:       0.6,
	StrategyAlternative: 0.5,
	StrategySimplify:    0.55,
	StrategyReorder:     0.6,
	StrategySkip:        0.4,
	StrategyFallback:    0.2,
}

const (
	// fallbackSteps is how many pending steps survive a fallback rewrite.
	fallbackSteps = 2
	// simplifiedK caps retrieval breadth of a simplified step.
	simplifiedK = 3
	// widenedK is the minimum retrieval breadth of an alternative approach.
	widenedK = 10
)

var errNoAlternative = errors.New("no alternative approach available")

// Config tunes the agent.
type Config struct {
	// EscalateAfter is the retry count from which plain retries are no
	// longer chosen.
	EscalateAfter int
	// Alternatives maps a tool to one that produces the same output.
	Alternatives map[string]string
}

// DefaultConfig returns the standard settings.
func DefaultConfig() Config {
	return Config{EscalateAfter: 2}
}

// Request describes the failure to recover from.
type Request struct {
	ExecutionID  string
	ScopeID      string
	Steps        []*workflow.Step
	FailedStepID string
	Reason       string
}

// Fragment is the rewrite the engine applies. Steps holds only the steps
// that changed, keyed by their existing ids.
type Fragment struct {
	Strategy   Strategy         `json:"strategy"`
	Steps      []*workflow.Step `json:"steps"`
	Reasoning  string           `json:"reasoning"`
	Confidence float64          `json:"confidence"`
	Analysis   Analysis         `json:"analysis"`
}

// Agent selects and applies replanning strategies.
type Agent struct {
	cfg Config
	log *logger.Logger
}

// New creates an agent.
func New(cfg Config, log *logger.Logger) *Agent {
	if cfg.EscalateAfter <= 0 {
		cfg.EscalateAfter = DefaultConfig().EscalateAfter
	}
	if log == nil {
		log = logger.New("replanner")
	}
	return &Agent{cfg: cfg, log: log}
}

// SelectStrategy picks the rewrite for a failure of a step that has been
// retried retryCount times.
func (a *Agent) SelectStrategy(analysis Analysis, retryCount int, hasAlternative bool) Strategy {
	if !analysis.Recoverable {
		return StrategySkip
	}
	if retryCount >= a.cfg.EscalateAfter {
		switch analysis.Category {
		case CategoryTimeout:
			return StrategySimplify
		case CategoryNoResult:
			if hasAlternative {
				return StrategyAlternative
			}
			return StrategySkip
		case CategoryDependency:
			return StrategyReorder
		case CategoryLowConfidence:
			if hasAlternative {
				return StrategyAlternative
			}
			return StrategySimplify
		case CategoryError:
			if hasAlternative {
				return StrategyAlternative
			}
		}
		return StrategySkip
	}
	switch analysis.Category {
	case CategoryTimeout:
		return StrategySimplify
	case CategoryNoResult:
		return StrategyAlternative
	case CategoryDependency:
		return StrategyReorder
	}
	return StrategyRetry
}

// Replan analyses the failure and returns the rewrite. It never fails: a
// rewrite that cannot be produced degrades to the fallback plan.
func (a *Agent) Replan(ctx context.Context, req Request) (frag *Fragment) {
	analysis := AnalyzeFailure(req.Reason)

	defer func() {
		if r := recover(); r != nil {
			frag = a.fallback(req, analysis, fmt.Sprintf("replanning panicked: %v", r))
		}
	}()

	failed := findStep(req.Steps, req.FailedStepID)
	if failed == nil || failed.Status == workflow.StepCompleted {
		return a.fallback(req, analysis, fmt.Sprintf("step %q cannot be replanned", req.FailedStepID))
	}

	strategy := a.SelectStrategy(analysis, failed.RetryCount, a.hasAlternative(failed))
	frag, err := a.apply(strategy, req.Steps, failed, analysis)
	if errors.Is(err, errNoAlternative) {
		strategy = StrategySkip
		frag, err = a.apply(strategy, req.Steps, failed, analysis)
	}
	if err != nil {
		return a.fallback(req, analysis, err.Error())
	}

	a.log.Info(req.ScopeID, req.ExecutionID, "Replanned failed step", map[string]interface{}{
		"step_id":     failed.ID,
		"category":    string(analysis.Category),
		"recoverable": analysis.Recoverable,
		"strategy":    string(frag.Strategy),
		"retry_count": failed.RetryCount,
		"rewritten":   len(frag.Steps),
	})
	return frag
}

func (a *Agent) apply(strategy Strategy, steps []*workflow.Step, failed *workflow.Step, analysis Analysis) (*Fragment, error) {
	frag := &Fragment{
		Strategy:   strategy,
		Confidence: strategyConfidence[strategy],
		Analysis:   analysis,
	}
	step := failed.Clone()

	switch strategy {
	case StrategyRetry:
		resetForRetry(step)
		step.Params = ensureParams(step.Params)
		step.Params["retry_hint"] = analysis.Reason
		if analysis.Category == CategoryLowConfidence {
			step.Params["instructions"] = "The previous answer had low confidence. Cite the exact passages that support every item and omit anything the documents do not state."
		}
		frag.Steps = []*workflow.Step{step}
		frag.Reasoning = fmt.Sprintf("retrying %s with adjusted parameters after %s failure", step.ID, analysis.Category)

	case StrategyAlternative:
		changed := false
		if alt, ok := a.cfg.Alternatives[step.ToolName]; ok && alt != "" && alt != step.ToolName {
			step.ToolName = alt
			changed = true
		}
		if approach, _ := step.Params["approach"].(string); approach != "alternative" {
			step.Params = widen(ensureParams(step.Params))
			changed = true
		}
		if !changed {
			return nil, errNoAlternative
		}
		resetForRetry(step)
		frag.Steps = []*workflow.Step{step}
		frag.Reasoning = fmt.Sprintf("switching %s to an alternative approach using %s", step.ID, step.ToolName)

	case StrategySimplify:
		resetForRetry(step)
		step.Params = simplify(ensureParams(step.Params))
		frag.Steps = []*workflow.Step{step}
		frag.Reasoning = fmt.Sprintf("simplifying %s after %s failure", step.ID, analysis.Category)

	case StrategyReorder:
		inactive := statusSet(steps, workflow.StepFailed, workflow.StepSkipped, workflow.StepCancelled)
		delete(inactive, step.ID)
		kept := step.DependsOn[:0]
		var dropped []string
		for _, dep := range step.DependsOn {
			if inactive[dep] {
				dropped = append(dropped, dep)
				continue
			}
			kept = append(kept, dep)
		}
		step.DependsOn = kept
		resetForRetry(step)
		frag.Steps = []*workflow.Step{step}
		if len(dropped) > 0 {
			frag.Reasoning = fmt.Sprintf("running %s without unavailable prerequisites %s", step.ID, strings.Join(dropped, ", "))
		} else {
			frag.Reasoning = fmt.Sprintf("rescheduling %s after its prerequisites", step.ID)
		}

	case StrategySkip:
		step.Status = workflow.StepSkipped
		frag.Steps = append([]*workflow.Step{step}, compensate(steps, step.ID)...)
		frag.Reasoning = fmt.Sprintf("skipping %s and continuing without it", step.ID)
		if !analysis.Recoverable {
			frag.Reasoning += ": failure is not recoverable"
		}

	default:
		return nil, fmt.Errorf("unsupported strategy %q", strategy)
	}
	return frag, nil
}

// fallback skips the offending step and keeps a minimal plan of the first
// pending steps.
func (a *Agent) fallback(req Request, analysis Analysis, cause string) *Fragment {
	frag := &Fragment{
		Strategy:   StrategyFallback,
		Confidence: strategyConfidence[StrategyFallback],
		Analysis:   analysis,
	}

	skipped := make(map[string]bool)
	var kept []*workflow.Step
	for _, s := range req.Steps {
		if s == nil || s.Status == workflow.StepCompleted {
			continue
		}
		switch {
		case s.ID == req.FailedStepID:
			skipped[s.ID] = true
		case !s.Status.IsTerminal() && len(kept) < fallbackSteps:
			kept = append(kept, s.Clone())
		case !s.Status.IsTerminal():
			skipped[s.ID] = true
		}
	}

	for _, s := range req.Steps {
		if s != nil && skipped[s.ID] {
			c := s.Clone()
			c.Status = workflow.StepSkipped
			frag.Steps = append(frag.Steps, c)
		}
	}
	for _, s := range kept {
		deps := s.DependsOn[:0]
		for _, dep := range s.DependsOn {
			if !skipped[dep] {
				deps = append(deps, dep)
			}
		}
		s.DependsOn = deps
		frag.Steps = append(frag.Steps, s)
	}
	frag.Reasoning = fmt.Sprintf("fallback to a minimal plan of %d steps: %s", len(kept), cause)

	a.log.Warn(req.ScopeID, req.ExecutionID, "Replanning fell back to minimal plan", map[string]interface{}{
		"step_id": req.FailedStepID,
		"cause":   cause,
		"kept":    len(kept),
		"skipped": len(skipped),
	})
	return frag
}

func (a *Agent) hasAlternative(s *workflow.Step) bool {
	if alt, ok := a.cfg.Alternatives[s.ToolName]; ok && alt != "" && alt != s.ToolName {
		return true
	}
	approach, _ := s.Params["approach"].(string)
	return approach != "alternative"
}

// compensate detaches the skipped step from its dependents so they can run
// on what is left.
func compensate(steps []*workflow.Step, skippedID string) []*workflow.Step {
	var out []*workflow.Step
	for _, s := range steps {
		if s == nil || s.Status == workflow.StepCompleted || !contains(s.DependsOn, skippedID) {
			continue
		}
		c := s.Clone()
		deps := make([]string, 0, len(c.DependsOn))
		for _, dep := range c.DependsOn {
			if dep != skippedID {
				deps = append(deps, dep)
			}
		}
		c.DependsOn = deps
		c.Params = ensureParams(c.Params)
		comp := toStrings(c.Params["compensated_for"])
		c.Params["compensated_for"] = append(comp, skippedID)
		out = append(out, c)
	}
	return out
}

func resetForRetry(s *workflow.Step) {
	s.Status = workflow.StepPending
	s.Error = ""
	s.Result = nil
	s.Summary = ""
	s.StartedAt = nil
	s.CompletedAt = nil
	s.Duration = 0
	s.RetryCount++
}

func widen(params map[string]interface{}) map[string]interface{} {
	delete(params, "file_ids")
	if k, ok := intValue(params["k"]); ok {
		if k*2 > widenedK {
			params["k"] = k * 2
		} else {
			params["k"] = widenedK
		}
	}
	switch params["strategy"] {
	case "exact":
		params["strategy"] = "keyword"
	case "keyword":
		params["strategy"] = "exact"
	}
	params["approach"] = "alternative"
	params["instructions"] = "The previous attempt found nothing. Search all available documents and accept indirect or paraphrased evidence."
	return params
}

func simplify(params map[string]interface{}) map[string]interface{} {
	params["simplified"] = true
	params["instructions"] = "Keep the answer brief. Return only the most important items."
	if k, ok := intValue(params["k"]); ok && k > simplifiedK {
		params["k"] = simplifiedK
	}
	if ids := toStrings(params["file_ids"]); len(ids) > 1 {
		params["file_ids"] = ids[:(len(ids)+1)/2]
	}
	return params
}

func ensureParams(p map[string]interface{}) map[string]interface{} {
	if p == nil {
		return make(map[string]interface{})
	}
	return p
}

func intValue(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func toStrings(v interface{}) []string {
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...)
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func findStep(steps []*workflow.Step, id string) *workflow.Step {
	for _, s := range steps {
		if s != nil && s.ID == id {
			return s
		}
	}
	return nil
}

func statusSet(steps []*workflow.Step, statuses ...workflow.StepStatus) map[string]bool {
	set := make(map[string]bool)
	for _, s := range steps {
		if s == nil {
			continue
		}
		for _, st := range statuses {
			if s.Status == st {
				set[s.ID] = true
			}
		}
	}
	return set
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
