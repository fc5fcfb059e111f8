// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"lexflow/platform/orchestrator/documents"
	"lexflow/platform/orchestrator/llm"
	"lexflow/platform/orchestrator/workflow"
)

// Builtin tool names.
const (
	ToolKeyFacts    = "key_facts_extraction"
	ToolEntities    = "entity_extraction"
	ToolDates       = "date_extraction"
	ToolTables      = "table_extraction"
	ToolTimeline    = "timeline_builder"
	ToolDiscrepancy = "discrepancy_check"
	ToolRisk        = "risk_assessment"
	ToolRecommend   = "recommendations"
	ToolResearch    = "legal_research"
	ToolSummary     = "summarization"
	ToolDrafting    = "document_drafting"
	ToolComparison  = "document_comparison"
	ToolSearch      = "semantic_search"
	ToolAnswer      = "rag_answer"
)

const (
	defaultMaxChars   = 12000
	llmToolTimeout    = 3 * time.Minute
	llmToolAttempts   = 2
	searchToolTimeout = 30 * time.Second
)

// Deps are the collaborators of the builtin tools.
type Deps struct {
	LLM       llm.Provider
	Documents documents.Store
	Retriever documents.Retriever
	// MaxDocumentChars bounds the text of each document placed in a prompt.
	MaxDocumentChars int
}

var fileIDsParam = ParamSpec{Name: "file_ids", Type: ParamStringList, Description: "documents to analyse"}
var queryParam = ParamSpec{Name: "query", Type: ParamString, Description: "the user's request"}

// llmTool is a document or prior-result driven tool answered by one model
// call with a JSON output contract.
type llmTool struct {
	spec Spec
	deps Deps
	// outputKey is the data key the model must return.
	outputKey string
	// prose tools accept a plain-text answer as the value of outputKey.
	prose        bool
	instructions string
	priorKeys    []string
	artifact     workflow.ArtifactKind
}

func (t *llmTool) Spec() Spec { return t.spec }

func (t *llmTool) Execute(ctx context.Context, params map[string]interface{}, tc *Context) (*Result, error) {
	if t.deps.LLM == nil {
		return nil, errors.New("no language model configured")
	}

	var docs []*documents.Document
	if t.spec.DocumentScoped {
		var err error
		docs, err = loadDocuments(ctx, t.deps, params, tc)
		if err != nil {
			return nil, err
		}
		if len(docs) == 0 {
			return nil, errors.New("no documents available for analysis")
		}
	}

	prompt := t.buildPrompt(params, tc, docs)
	res := &Result{}
	var content string
	for attempt := 1; attempt <= llmToolAttempts; attempt++ {
		resp, err := t.deps.LLM.Complete(ctx, llm.CompletionRequest{
			SystemPrompt: t.instructions,
			Prompt:       prompt,
			Temperature:  0.1,
			Purpose:      t.spec.Name,
		})
		res.LLMCalls++
		if err == nil {
			res.TokensUsed += resp.Usage.TotalTokens
			content = resp.Content
			break
		}
		var perr *llm.ProviderError
		if attempt == llmToolAttempts || !errors.As(err, &perr) || !perr.Retryable {
			return res, fmt.Errorf("%s: %w", t.spec.Name, err)
		}
	}

	data := map[string]interface{}{}
	if err := llm.DecodeJSON(content, &data); err != nil || data[t.outputKey] == nil {
		if !t.prose || strings.TrimSpace(content) == "" {
			return res, fmt.Errorf("%s: malformed tool output: missing %q", t.spec.Name, t.outputKey)
		}
		data = map[string]interface{}{t.outputKey: strings.TrimSpace(content)}
	}

	res.Success = true
	res.Data = data
	res.Summary = summarize(t.outputKey, data)
	if t.artifact != "" {
		res.Artifacts = t.artifacts(tc, data)
	}
	return res, nil
}

func (t *llmTool) buildPrompt(params map[string]interface{}, tc *Context, docs []*documents.Document) string {
	var b strings.Builder
	if q := StringParam(params, "query", tc.Query); q != "" {
		fmt.Fprintf(&b, "Request: %s\n\n", q)
	}
	if extra := StringParam(params, "instructions", ""); extra != "" {
		fmt.Fprintf(&b, "Additional instructions: %s\n\n", extra)
	}
	for _, d := range docs {
		fmt.Fprintf(&b, "### Document %s (%s)\n%s\n\n", d.Name, d.ID, truncateRunes(d.Content, t.deps.maxChars()))
	}
	for _, key := range t.priorKeys {
		for _, p := range tc.PriorWith(key) {
			raw, err := json.Marshal(p.Data[key])
			if err != nil {
				continue
			}
			fmt.Fprintf(&b, "### Prior result %s.%s\n%s\n\n", p.StepID, key, raw)
		}
	}
	fmt.Fprintf(&b, "Respond with a JSON object containing %q, a numeric \"confidence\" between 0 and 1 and a short \"summary\".", t.outputKey)
	return b.String()
}

func (t *llmTool) artifacts(tc *Context, data map[string]interface{}) []workflow.Artifact {
	stepID := ""
	if tc != nil {
		stepID = tc.StepID
	}
	if t.artifact == workflow.ArtifactTable {
		tables, _ := data[t.outputKey].([]interface{})
		out := make([]workflow.Artifact, 0, len(tables))
		for i, tbl := range tables {
			name := fmt.Sprintf("table_%d", i+1)
			if m, ok := tbl.(map[string]interface{}); ok {
				if title, ok := m["title"].(string); ok && title != "" {
					name = title
				}
			}
			out = append(out, workflow.Artifact{Kind: workflow.ArtifactTable, Name: name, StepID: stepID, Data: tbl})
		}
		return out
	}
	return []workflow.Artifact{{Kind: t.artifact, Name: t.spec.Name, StepID: stepID, Data: data[t.outputKey]}}
}

func (d Deps) maxChars() int {
	if d.MaxDocumentChars > 0 {
		return d.MaxDocumentChars
	}
	return defaultMaxChars
}

func loadDocuments(ctx context.Context, deps Deps, params map[string]interface{}, tc *Context) ([]*documents.Document, error) {
	if deps.Documents == nil {
		return nil, errors.New("no document store configured")
	}
	ids := StringsParam(params, "file_ids")
	if len(ids) == 0 {
		ids = tc.DocumentIDs
	}
	if len(ids) == 0 {
		return deps.Documents.ListByScope(ctx, tc.ScopeID)
	}
	return deps.Documents.GetMany(ctx, ids)
}

func summarize(key string, data map[string]interface{}) string {
	if s, ok := data["summary"].(string); ok && s != "" {
		return s
	}
	switch v := data[key].(type) {
	case []interface{}:
		return fmt.Sprintf("%d %s", len(v), strings.ReplaceAll(key, "_", " "))
	case string:
		return truncateRunes(v, 200)
	}
	return ""
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}

// RegisterBuiltins registers the legal analysis tools bound to the task
// catalog.
func RegisterBuiltins(r *Registry, deps Deps) error {
	docTool := func(name, desc, key, instructions string, prior []string, artifact workflow.ArtifactKind, prose bool) Handler {
		return &llmTool{
			spec: Spec{
				Name:           name,
				Description:    desc,
				Params:         []ParamSpec{fileIDsParam, queryParam, {Name: "instructions", Type: ParamString}},
				Timeout:        llmToolTimeout,
				DocumentScoped: true,
			},
			deps: deps, outputKey: key, instructions: instructions, priorKeys: prior, artifact: artifact, prose: prose,
		}
	}

	handlers := []Handler{
		docTool(ToolKeyFacts, "Extract the key facts of the matter", "facts",
			"You are a legal analyst. Extract the key facts from the documents as a list of objects with \"fact\" and \"source\".", nil, "", false),
		docTool(ToolEntities, "Extract parties and entities", "entities",
			"You are a legal analyst. Extract every party, person and organisation as objects with \"name\", \"type\" and \"role\".", nil, "", false),
		docTool(ToolDates, "Extract dates and dated events", "dates",
			"You are a legal analyst. Extract every date with the event it marks as objects with \"date\" (YYYY-MM-DD when possible), \"event\" and \"source\".", nil, "", false),
		docTool(ToolTables, "Extract tabular data", "tables",
			"You are a legal analyst. Extract tabular data as objects with \"title\", \"columns\" and \"rows\".", nil, workflow.ArtifactTable, false),
		docTool(ToolDiscrepancy, "Find contradictions between documents", "discrepancies",
			"You are a legal analyst. List contradictions and inconsistencies between the documents as objects with \"description\", \"documents\" and \"severity\".", []string{"facts"}, workflow.ArtifactCheck, false),
		docTool(ToolRisk, "Assess legal risks", "risks",
			"You are a legal risk analyst. List legal risks as objects with \"risk\", \"severity\" and \"basis\".", []string{"discrepancies"}, workflow.ArtifactCheck, false),
		docTool(ToolSummary, "Summarise the matter", "summary",
			"You are a legal analyst. Write a concise summary of the matter.", []string{"facts"}, workflow.ArtifactDocument, true),
		docTool(ToolDrafting, "Draft a document from the case materials", "draft",
			"You are a legal drafter. Draft the requested document from the case materials.", []string{"facts"}, workflow.ArtifactDocument, true),
		docTool(ToolComparison, "Compare documents", "differences",
			"You are a legal analyst. Compare the documents and list differences as objects with \"aspect\", \"documents\" and \"description\".", []string{"facts"}, "", false),
		&llmTool{
			spec: Spec{
				Name:        ToolRecommend,
				Description: "Recommend actions addressing identified risks",
				Params:      []ParamSpec{queryParam},
				Timeout:     llmToolTimeout,
			},
			deps:         deps,
			outputKey:    "recommendations",
			instructions: "You are a legal advisor. Recommend concrete actions for the identified risks as objects with \"action\", \"priority\" and \"addresses\".",
			priorKeys:    []string{"risks", "discrepancies"},
		},
		New(Spec{
			Name:        ToolTimeline,
			Description: "Order extracted dates into a timeline",
			Params:      []ParamSpec{queryParam},
			Timeout:     10 * time.Second,
		}, buildTimeline),
		New(Spec{
			Name:        ToolSearch,
			Description: "Retrieve relevant passages",
			Params: []ParamSpec{
				{Name: "query", Type: ParamString, Required: true},
				{Name: "k", Type: ParamInt},
				{Name: "strategy", Type: ParamString},
			},
			Timeout: searchToolTimeout,
		}, deps.search),
		New(Spec{
			Name:        ToolResearch,
			Description: "Look up applicable law and case references",
			Params:      []ParamSpec{{Name: "query", Type: ParamString, Required: true}, {Name: "k", Type: ParamInt}},
			Timeout:     llmToolTimeout,
		}, deps.research),
		New(Spec{
			Name:        ToolAnswer,
			Description: "Answer a question from retrieved passages",
			Params:      []ParamSpec{{Name: "question", Type: ParamString, Required: true}, {Name: "k", Type: ParamInt}},
			Timeout:     llmToolTimeout,
		}, deps.answer),
	}

	for _, h := range handlers {
		if err := r.Register(h); err != nil {
			return err
		}
	}
	return nil
}
