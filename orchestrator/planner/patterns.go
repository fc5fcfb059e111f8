// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package planner

import (
	"strings"

	"lexflow/platform/orchestrator/tasks"
)

// TaskType is the kind of work a request asks for.
type TaskType string

const (
	TypeDocumentAnalysis  TaskType = "document_analysis"
	TypeRiskCheck         TaskType = "risk_check"
	TypeDataExtraction    TaskType = "data_extraction"
	TypeQuestionAnswering TaskType = "question_answering"
	TypeComparison        TaskType = "comparison"
	TypeDocumentCreation  TaskType = "document_creation"
	TypeLegalResearch     TaskType = "legal_research"
	TypeFullReview        TaskType = "full_review"
)

// TaskTypes lists every task type.
var TaskTypes = []TaskType{
	TypeDocumentAnalysis, TypeRiskCheck, TypeDataExtraction, TypeQuestionAnswering,
	TypeComparison, TypeDocumentCreation, TypeLegalResearch, TypeFullReview,
}

// Valid reports whether t is a known task type.
func (t TaskType) Valid() bool {
	for _, k := range TaskTypes {
		if k == t {
			return true
		}
	}
	return false
}

// Pattern is the predetermined task selection of a task type. Tasks sharing
// no prerequisites land in the same concurrency level.
type Pattern struct {
	Type  TaskType
	Tasks []string
}

var patterns = map[TaskType]Pattern{
	TypeDocumentAnalysis:  {Type: TypeDocumentAnalysis, Tasks: []string{tasks.KeyFacts, tasks.EntityExtraction, tasks.Summary}},
	TypeRiskCheck:         {Type: TypeRiskCheck, Tasks: []string{tasks.Discrepancy, tasks.Risk, tasks.Recommendations}},
	TypeDataExtraction:    {Type: TypeDataExtraction, Tasks: []string{tasks.DateExtraction, tasks.TableExtraction, tasks.EntityExtraction}},
	TypeQuestionAnswering: {Type: TypeQuestionAnswering, Tasks: []string{tasks.Search, tasks.Answer}},
	TypeComparison:        {Type: TypeComparison, Tasks: []string{tasks.KeyFacts, tasks.Comparison, tasks.Discrepancy}},
	TypeDocumentCreation:  {Type: TypeDocumentCreation, Tasks: []string{tasks.KeyFacts, tasks.DocumentDraft}},
	TypeLegalResearch:     {Type: TypeLegalResearch, Tasks: []string{tasks.KeyFacts, tasks.LegalResearch}},
	TypeFullReview: {Type: TypeFullReview, Tasks: []string{
		tasks.KeyFacts, tasks.EntityExtraction, tasks.DateExtraction, tasks.Timeline,
		tasks.Discrepancy, tasks.Risk, tasks.Recommendations, tasks.Summary,
	}},
}

// PatternFor returns the pattern of a task type.
func PatternFor(t TaskType) (Pattern, bool) {
	p, ok := patterns[t]
	if !ok {
		return Pattern{}, false
	}
	p.Tasks = append([]string(nil), p.Tasks...)
	return p, true
}

// typeKeywords are checked in order; the first type with a matching stem
// wins.
var typeKeywords = []struct {
	taskType TaskType
	stems    []string
}{
	{TypeFullReview, []string{"полн", "комплексн", "всесторонн", "full review", "comprehensive", "due diligence"}},
	{TypeComparison, []string{"сравн", "отлич", "compar", "difference"}},
	{TypeRiskCheck, []string{"риск", "противореч", "несоответств", "risk", "discrepanc", "contradict"}},
	{TypeDocumentCreation, []string{"проект", "претензи", "исков", "составь документ", "напиши", "draft", "write a"}},
	{TypeLegalResearch, []string{"закон", "практик", "прецедент", "норм", "statute", "case law", "precedent", "regulation"}},
	{TypeDataExtraction, []string{"извлеч", "извлеки", "дат", "таблиц", "срок", "extract", "table", "date", "deadline"}},
	{TypeDocumentAnalysis, []string{"анализ", "проанализируй", "резюме", "кратк", "analy", "summar", "overview"}},
}

var questionOpeners = []string{
	"что ", "как ", "какой ", "какая ", "какие ", "когда ", "где ", "кто ", "почему ", "сколько ", "есть ли ",
	"what ", "how ", "when ", "where ", "who ", "why ", "which ", "is ", "are ", "does ", "do ", "can ",
}

// DetectTaskType classifies a request by keyword. It reports false when no
// keyword matched.
func DetectTaskType(text string) (TaskType, bool) {
	lower := strings.ToLower(strings.TrimSpace(text))
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return strings.ContainsRune(" \t\n.,;:!?()\"'«»", r)
	})
	for _, tk := range typeKeywords {
		for _, stem := range tk.stems {
			if strings.Contains(stem, " ") {
				if strings.Contains(lower, stem) {
					return tk.taskType, true
				}
				continue
			}
			for _, w := range words {
				if strings.HasPrefix(w, stem) {
					return tk.taskType, true
				}
			}
		}
	}
	for _, q := range questionOpeners {
		if strings.HasPrefix(lower, q) {
			return TypeQuestionAnswering, true
		}
	}
	if strings.HasSuffix(lower, "?") {
		return TypeQuestionAnswering, true
	}
	return "", false
}
