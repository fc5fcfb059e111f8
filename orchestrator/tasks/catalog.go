// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package tasks holds the static catalog of legal analysis tasks. Each task
// names the tool that performs it and the tasks that must run before it.
package tasks

import "sort"

// Task names known to the platform.
const (
	KeyFacts         = "key_facts"
	EntityExtraction = "entity_extraction"
	DateExtraction   = "date_extraction"
	TableExtraction  = "table_extraction"
	Timeline         = "timeline"
	Discrepancy      = "discrepancy"
	Risk             = "risk"
	Recommendations  = "recommendations"
	LegalResearch    = "legal_research"
	Summary          = "summary"
	DocumentDraft    = "document_draft"
	Comparison       = "comparison"
	Search           = "search"
	Answer           = "answer"
)

// Task describes one logical unit of analysis.
type Task struct {
	Name          string   `json:"name" yaml:"name"`
	Description   string   `json:"description" yaml:"description"`
	Tool          string   `json:"tool" yaml:"tool"`
	Prerequisites []string `json:"prerequisites,omitempty" yaml:"prerequisites,omitempty"`
	// Output is the result data key carrying the task's findings.
	Output string `json:"output" yaml:"output"`
	// Extraction marks tasks whose output is structured data pulled out of
	// the documents rather than generated prose.
	Extraction bool `json:"extraction,omitempty" yaml:"extraction,omitempty"`
}

var catalog = []Task{
	{Name: KeyFacts, Description: "Extract the key facts of the matter", Tool: "key_facts_extraction", Output: "facts", Extraction: true},
	{Name: EntityExtraction, Description: "Extract parties, organisations and other entities", Tool: "entity_extraction", Output: "entities", Extraction: true},
	{Name: DateExtraction, Description: "Extract dates, deadlines and dated events", Tool: "date_extraction", Output: "dates", Extraction: true},
	{Name: TableExtraction, Description: "Extract tabular data into rows and columns", Tool: "table_extraction", Output: "tables", Extraction: true},
	{Name: Timeline, Description: "Build a chronological timeline of events", Tool: "timeline_builder", Output: "events", Prerequisites: []string{DateExtraction}},
	{Name: Discrepancy, Description: "Find contradictions and discrepancies between documents", Tool: "discrepancy_check", Output: "discrepancies"},
	{Name: Risk, Description: "Assess legal risks", Tool: "risk_assessment", Output: "risks", Prerequisites: []string{Discrepancy}},
	{Name: Recommendations, Description: "Recommend actions addressing identified risks", Tool: "recommendations", Output: "recommendations", Prerequisites: []string{Risk}},
	{Name: LegalResearch, Description: "Look up applicable law and case references", Tool: "legal_research", Output: "references"},
	{Name: Summary, Description: "Summarise the matter", Tool: "summarization", Output: "summary", Prerequisites: []string{KeyFacts}},
	{Name: DocumentDraft, Description: "Draft a document from the case materials", Tool: "document_drafting", Output: "draft", Prerequisites: []string{KeyFacts}},
	{Name: Comparison, Description: "Compare documents and list differences", Tool: "document_comparison", Output: "differences", Prerequisites: []string{KeyFacts}},
	{Name: Search, Description: "Retrieve relevant passages", Tool: "semantic_search", Output: "passages"},
	{Name: Answer, Description: "Answer a question from retrieved passages", Tool: "rag_answer", Output: "answer", Prerequisites: []string{Search}},
}

// All returns a copy of the catalog in declaration order.
func All() []Task {
	out := make([]Task, len(catalog))
	for i, t := range catalog {
		t.Prerequisites = append([]string(nil), t.Prerequisites...)
		out[i] = t
	}
	return out
}

// Lookup returns the task with the given name.
func Lookup(name string) (Task, bool) {
	for _, t := range catalog {
		if t.Name == name {
			t.Prerequisites = append([]string(nil), t.Prerequisites...)
			return t, true
		}
	}
	return Task{}, false
}

// Prerequisites returns the static prerequisite map of the catalog.
func Prerequisites() map[string][]string {
	out := make(map[string][]string, len(catalog))
	for _, t := range catalog {
		out[t.Name] = append([]string(nil), t.Prerequisites...)
	}
	return out
}

// ToolFor returns the tool bound to a task, or "" for unknown tasks.
func ToolFor(name string) string {
	if t, ok := Lookup(name); ok {
		return t.Tool
	}
	return ""
}

// OutputKey returns the result data key of a task, or "" for unknown tasks.
func OutputKey(name string) string {
	if t, ok := Lookup(name); ok {
		return t.Output
	}
	return ""
}

// IsExtraction reports whether the task is extraction oriented.
func IsExtraction(name string) bool {
	t, ok := Lookup(name)
	return ok && t.Extraction
}

// Names returns all task names sorted alphabetically.
func Names() []string {
	names := make([]string, 0, len(catalog))
	for _, t := range catalog {
		names = append(names, t.Name)
	}
	sort.Strings(names)
	return names
}
