// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package evaluator scores step results and the overall health of an
// execution. Scoring is a pure function of the tool envelope; it never calls
// out to a model.
package evaluator

import (
	"fmt"
	"strings"

	"lexflow/platform/orchestrator/tasks"
	"lexflow/platform/orchestrator/tools"
	"lexflow/platform/orchestrator/workflow"
)

// Config holds the decision thresholds.
type Config struct {
	AdaptationConfidence   float64 `yaml:"adaptation_confidence"`
	AdaptationCompleteness float64 `yaml:"adaptation_completeness"`
	AdaptationOverall      float64 `yaml:"adaptation_overall"`
	MaxIssues              int     `yaml:"max_issues"`
	HumanReviewConfidence  float64 `yaml:"human_review_confidence"`
	ValidationThreshold    float64 `yaml:"validation_threshold"`
	ErrorRateCeiling       float64 `yaml:"error_rate_ceiling"`
	MinSummaryWords        int     `yaml:"min_summary_words"`
	// DefaultConfidence is assumed when a tool declares none.
	DefaultConfidence float64 `yaml:"default_confidence"`
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		AdaptationConfidence:   0.5,
		AdaptationCompleteness: 0.6,
		AdaptationOverall:      0.6,
		MaxIssues:              2,
		HumanReviewConfidence:  0.5,
		ValidationThreshold:    0.7,
		ErrorRateCeiling:       0.3,
		MinSummaryWords:        30,
		DefaultConfidence:      0.75,
	}
}

// Score weights of the overall quality score.
const (
	weightCompleteness = 0.3
	weightAccuracy     = 0.3
	weightRelevance    = 0.2
	weightConsistency  = 0.2
)

// Evaluation is the verdict on one step result.
type Evaluation struct {
	StepID           string   `json:"step_id"`
	Task             string   `json:"task"`
	Success          bool     `json:"success"`
	Confidence       float64  `json:"confidence"`
	Completeness     float64  `json:"completeness"`
	Accuracy         float64  `json:"accuracy"`
	Relevance        float64  `json:"relevance"`
	Consistency      float64  `json:"consistency"`
	Overall          float64  `json:"overall_score"`
	Issues           []string `json:"issues,omitempty"`
	NeedsRetry       bool     `json:"needs_retry"`
	NeedsAdaptation  bool     `json:"needs_adaptation"`
	NeedsHumanReview bool     `json:"needs_human_review"`
	NeedsValidation  bool     `json:"needs_validation"`
}

// Map renders the evaluation for embedding in a step result.
func (e *Evaluation) Map() map[string]interface{} {
	issues := make([]interface{}, len(e.Issues))
	for i, s := range e.Issues {
		issues[i] = s
	}
	return map[string]interface{}{
		"success":            e.Success,
		"confidence":         e.Confidence,
		"completeness":       e.Completeness,
		"accuracy":           e.Accuracy,
		"relevance":          e.Relevance,
		"consistency":        e.Consistency,
		"overall_score":      e.Overall,
		"issues":             issues,
		"needs_retry":        e.NeedsRetry,
		"needs_adaptation":   e.NeedsAdaptation,
		"needs_human_review": e.NeedsHumanReview,
		"needs_validation":   e.NeedsValidation,
	}
}

// Evaluator scores results.
type Evaluator struct {
	cfg Config
}

// New creates an evaluator. Zero thresholds fall back to the defaults.
func New(cfg Config) *Evaluator {
	def := DefaultConfig()
	if cfg.AdaptationConfidence <= 0 {
		cfg.AdaptationConfidence = def.AdaptationConfidence
	}
	if cfg.AdaptationCompleteness <= 0 {
		cfg.AdaptationCompleteness = def.AdaptationCompleteness
	}
	if cfg.AdaptationOverall <= 0 {
		cfg.AdaptationOverall = def.AdaptationOverall
	}
	if cfg.MaxIssues <= 0 {
		cfg.MaxIssues = def.MaxIssues
	}
	if cfg.HumanReviewConfidence <= 0 {
		cfg.HumanReviewConfidence = def.HumanReviewConfidence
	}
	if cfg.ValidationThreshold <= 0 {
		cfg.ValidationThreshold = def.ValidationThreshold
	}
	if cfg.ErrorRateCeiling <= 0 {
		cfg.ErrorRateCeiling = def.ErrorRateCeiling
	}
	if cfg.MinSummaryWords <= 0 {
		cfg.MinSummaryWords = def.MinSummaryWords
	}
	if cfg.DefaultConfidence <= 0 {
		cfg.DefaultConfidence = def.DefaultConfidence
	}
	return &Evaluator{cfg: cfg}
}

// Config returns the effective thresholds.
func (e *Evaluator) Config() Config { return e.cfg }

// Evaluate scores the result of one step.
func (e *Evaluator) Evaluate(stepID, task string, res *tools.Result) *Evaluation {
	ev := &Evaluation{StepID: stepID, Task: task}

	if res == nil || !res.Success {
		reason := "tool returned no result"
		if res != nil && res.Error != "" {
			reason = res.Error
		}
		ev.Issues = []string{reason}
		ev.NeedsRetry = true
		ev.NeedsAdaptation = true
		return ev
	}

	ev.Success = true
	ev.Confidence = e.declaredConfidence(res.Data)

	key := tasks.OutputKey(task)
	ev.Completeness, ev.Accuracy, ev.Consistency = e.scoreOutput(ev, task, key, res.Data)
	ev.Relevance = relevance(res)

	ev.Overall = round(weightCompleteness*ev.Completeness +
		weightAccuracy*ev.Accuracy +
		weightRelevance*ev.Relevance +
		weightConsistency*ev.Consistency)

	ev.NeedsAdaptation = ev.Confidence < e.cfg.AdaptationConfidence ||
		ev.Completeness < e.cfg.AdaptationCompleteness ||
		ev.Overall < e.cfg.AdaptationOverall ||
		len(ev.Issues) > e.cfg.MaxIssues
	ev.NeedsHumanReview = ev.Confidence < e.cfg.HumanReviewConfidence
	ev.NeedsValidation = ev.Overall < e.cfg.ValidationThreshold || ev.Confidence < e.cfg.ValidationThreshold
	return ev
}

func (e *Evaluator) declaredConfidence(data map[string]interface{}) float64 {
	if c, ok := number(data["confidence"]); ok && c >= 0 && c <= 1 {
		return c
	}
	return e.cfg.DefaultConfidence
}

// scoreOutput returns completeness, accuracy and consistency of the task's
// output and records task specific issues on ev.
func (e *Evaluator) scoreOutput(ev *Evaluation, task, key string, data map[string]interface{}) (float64, float64, float64) {
	if key == "" {
		if len(data) == 0 {
			ev.Issues = append(ev.Issues, "result is empty")
			return 0.5, 0.5, 1
		}
		return 1, 1, 1
	}

	value, present := data[key]
	if !present || value == nil {
		ev.Issues = append(ev.Issues, fmt.Sprintf("result is missing %q", key))
		return 0, 0, 1
	}

	switch v := value.(type) {
	case string:
		text := strings.TrimSpace(v)
		if text == "" {
			ev.Issues = append(ev.Issues, fmt.Sprintf("%s is empty", key))
			return 0, 0, 1
		}
		if task == tasks.Summary {
			if words := len(strings.Fields(text)); words < e.cfg.MinSummaryWords {
				ev.Issues = append(ev.Issues, fmt.Sprintf("summary is too short (%d words)", words))
				ev.Confidence = round(ev.Confidence * 0.6)
				return 0.7, 1, 1
			}
		}
		return 1, 1, 1
	case []interface{}:
		if len(v) == 0 {
			if task == tasks.Timeline {
				ev.Issues = append(ev.Issues, "timeline has no events")
				return 0.2, 1, 1
			}
			ev.Issues = append(ev.Issues, fmt.Sprintf("no %s found", strings.ReplaceAll(key, "_", " ")))
			return 0.3, 1, 1
		}
		completeness := 1.0
		if task == tasks.Timeline {
			if undated, ok := number(data["undated"]); ok && undated*2 > float64(len(v)) {
				ev.Issues = append(ev.Issues, "most timeline events have no recognisable date")
				completeness = 0.6
			}
		}
		wellFormed, duplicates := inspectItems(v)
		accuracy := float64(wellFormed) / float64(len(v))
		if accuracy < 1 {
			ev.Issues = append(ev.Issues, fmt.Sprintf("%d malformed %s entries", len(v)-wellFormed, key))
		}
		consistency := 1 - float64(duplicates)/float64(len(v))
		if duplicates > 0 {
			ev.Issues = append(ev.Issues, fmt.Sprintf("%d duplicate %s entries", duplicates, key))
		}
		return completeness, round(accuracy), round(consistency)
	case map[string]interface{}:
		if len(v) == 0 {
			ev.Issues = append(ev.Issues, fmt.Sprintf("%s is empty", key))
			return 0.3, 1, 1
		}
		return 1, 1, 1
	}
	return 1, 0.5, 1
}

func relevance(res *tools.Result) float64 {
	if r, ok := number(res.Data["relevance"]); ok && r >= 0 && r <= 1 {
		return r
	}
	if strings.TrimSpace(res.Summary) == "" {
		return 0.7
	}
	return 0.9
}

// inspectItems counts well-formed list items and exact duplicates.
func inspectItems(items []interface{}) (wellFormed, duplicates int) {
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		var sig string
		switch v := item.(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				wellFormed++
			}
			sig = strings.ToLower(strings.TrimSpace(v))
		case map[string]interface{}:
			if hasContent(v) {
				wellFormed++
			}
			sig = fmt.Sprint(v)
		case []interface{}:
			if len(v) > 0 {
				wellFormed++
			}
			sig = fmt.Sprint(v)
		default:
			sig = fmt.Sprint(v)
		}
		if seen[sig] {
			duplicates++
		}
		seen[sig] = true
	}
	return wellFormed, duplicates
}

func hasContent(m map[string]interface{}) bool {
	for _, v := range m {
		switch t := v.(type) {
		case nil:
		case string:
			if strings.TrimSpace(t) != "" {
				return true
			}
		default:
			return true
		}
	}
	return false
}

// Progress is the health of an execution as a whole.
type Progress struct {
	Requested       int      `json:"requested"`
	Completed       int      `json:"completed"`
	Failed          int      `json:"failed"`
	Skipped         int      `json:"skipped"`
	Progress        float64  `json:"progress"`
	ErrorRate       float64  `json:"error_rate"`
	Healthy         bool     `json:"healthy"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// EvaluateProgress computes progress and error rate over the steps.
func (e *Evaluator) EvaluateProgress(steps []*workflow.Step) Progress {
	p := Progress{Requested: len(steps)}
	var failedIDs []string
	for _, s := range steps {
		switch s.Status {
		case workflow.StepCompleted:
			p.Completed++
		case workflow.StepFailed:
			p.Failed++
			failedIDs = append(failedIDs, s.ID)
		case workflow.StepSkipped:
			p.Skipped++
		}
	}
	if p.Requested > 0 {
		p.Progress = round(float64(p.Completed) / float64(p.Requested))
	}
	denom := p.Completed
	if denom < 1 {
		denom = 1
	}
	p.ErrorRate = round(float64(p.Failed) / float64(denom))
	p.Healthy = p.ErrorRate <= e.cfg.ErrorRateCeiling

	if !p.Healthy {
		p.Recommendations = append(p.Recommendations,
			fmt.Sprintf("error rate %.2f exceeds %.2f: check the failing steps (%s) and their documents", p.ErrorRate, e.cfg.ErrorRateCeiling, strings.Join(failedIDs, ", ")))
	}
	if p.Skipped > 0 {
		p.Recommendations = append(p.Recommendations,
			fmt.Sprintf("%d steps were skipped; results may be incomplete", p.Skipped))
	}
	if p.Requested > 0 && p.Completed == 0 {
		p.Recommendations = append(p.Recommendations, "no step succeeded; rephrase the request or attach the relevant documents")
	}
	return p
}

func number(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}

func round(f float64) float64 {
	return float64(int(f*1000+0.5)) / 1000
}
