// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package replanner

import "strings"

// Category is the root cause class of a step failure.
type Category string

const (
	CategoryTimeout       Category = "timeout"
	CategoryError         Category = "error"
	CategoryNoResult      Category = "no_result"
	CategoryLowConfidence Category = "low_confidence"
	CategoryDependency    Category = "dependency"
	CategoryUnknown       Category = "unknown"
)

// Analysis is the classified failure.
type Analysis struct {
	Category    Category `json:"category"`
	Recoverable bool     `json:"recoverable"`
	Reason      string   `json:"reason"`
}

// keyword rules are checked in order; the first category with a matching
// marker wins.
var categoryMarkers = []struct {
	category Category
	markers  []string
}{
	{CategoryTimeout, []string{"timed out", "timeout", "deadline exceeded", "таймаут", "превышено время"}},
	{CategoryDependency, []string{"dependency", "depends on", "prerequisite", "зависимост"}},
	{CategoryNoResult, []string{"no result", "not found", "no documents", "no passages", "empty", "incomplete", "не найден", "пуст"}},
	{CategoryLowConfidence, []string{"low confidence", "confidence", "not supported by the source", "human reviewer rejected", "уверенност"}},
	{CategoryError, []string{"error", "failed", "exception", "panic", "malformed", "refused", "reset", "ошибк"}},
}

// unrecoverableMarkers identify configuration problems no rewrite can fix.
var unrecoverableMarkers = []string{
	"unknown tool",
	"invalid params",
	"permission denied",
	"unauthorized",
	"no language model configured",
	"no document store configured",
	"no retriever configured",
}

// AnalyzeFailure classifies a failure reason by keyword.
func AnalyzeFailure(reason string) Analysis {
	lower := strings.ToLower(reason)
	a := Analysis{Category: CategoryUnknown, Recoverable: true, Reason: reason}

	for _, rule := range categoryMarkers {
		if containsAny(lower, rule.markers) {
			a.Category = rule.category
			break
		}
	}
	if containsAny(lower, unrecoverableMarkers) {
		a.Recoverable = false
	}
	return a
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
