// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lexflow/platform/orchestrator/graph"
	"lexflow/platform/orchestrator/llm"
	"lexflow/platform/orchestrator/tasks"
	"lexflow/platform/orchestrator/tools"
	"lexflow/platform/orchestrator/workflow"
	"lexflow/platform/shared/logger"
)

func newPlanner(t *testing.T, provider llm.Provider) *Planner {
	t.Helper()
	reg := tools.NewRegistry(logger.Discard("tools"))
	require.NoError(t, tools.RegisterBuiltins(reg, tools.Deps{}))
	resolver, err := graph.NewResolver(tasks.Prerequisites())
	require.NoError(t, err)
	return New(resolver, reg, provider, logger.Discard("planner"))
}

func assertValidOrder(t *testing.T, plan *workflow.Plan) {
	t.Helper()
	require.NoError(t, graph.Validate(plan.Nodes()))
	position := make(map[string]int, len(plan.Steps))
	for i, s := range plan.Steps {
		position[s.ID] = i
	}
	for _, s := range plan.Steps {
		for _, dep := range s.DependsOn {
			assert.Less(t, position[dep], position[s.ID], "%s must follow %s", s.ID, dep)
		}
	}
}

func TestCreatePlan_RiskCheckPattern(t *testing.T) {
	p := newPlanner(t, nil)

	plan, err := p.CreatePlan(context.Background(), Request{
		Task:        "Проверь договор на риски",
		ScopeID:     "case-1",
		DocumentIDs: []string{"d1", "d2"},
	})
	require.NoError(t, err)

	assert.Equal(t, string(TypeRiskCheck), plan.TaskType)
	assert.Equal(t, SourcePattern, plan.Source)
	assert.NotEmpty(t, plan.ID)
	assert.Equal(t, []string{tasks.Discrepancy, tasks.Risk, tasks.Recommendations}, plan.StepIDs())
	assertValidOrder(t, plan)

	discrepancy := plan.Step(tasks.Discrepancy)
	assert.Equal(t, tools.ToolDiscrepancy, discrepancy.ToolName)
	assert.Equal(t, []interface{}{"d1", "d2"}, discrepancy.Params["file_ids"])
	assert.Equal(t, workflow.StepPending, discrepancy.Status)

	risk := plan.Step(tasks.Risk)
	assert.Equal(t, []string{tasks.Discrepancy}, risk.DependsOn)
	assert.Equal(t, workflow.StepTypeAnalysis, risk.Type)

	recommendations := plan.Step(tasks.Recommendations)
	assert.NotContains(t, recommendations.Params, "file_ids", "recommendations work from prior results")
	assert.Equal(t, "Проверь договор на риски", recommendations.Params["query"])

	require.Len(t, plan.Goals, 3)
	assert.Equal(t, tasks.Discrepancy, plan.Goals[0].ID)
}

func TestCreatePlan_ExtractionWithSuggestedTasks(t *testing.T) {
	p := newPlanner(t, nil)

	plan, err := p.CreatePlan(context.Background(), Request{
		Task:           "Извлеки все даты и составь таблицу",
		DocumentIDs:    []string{"d1"},
		SuggestedTasks: []string{tasks.DateExtraction, tasks.Timeline, "not_a_task"},
	})
	require.NoError(t, err)

	assert.Equal(t, string(TypeDataExtraction), plan.TaskType)
	assert.Equal(t, []string{tasks.DateExtraction, tasks.TableExtraction, tasks.EntityExtraction, tasks.Timeline}, plan.StepIDs())
	assertValidOrder(t, plan)

	levels, err := graph.Levels(plan.Nodes())
	require.NoError(t, err)
	require.Len(t, levels, 2)
	assert.ElementsMatch(t, []string{tasks.DateExtraction, tasks.TableExtraction, tasks.EntityExtraction}, levels[0])
	assert.Equal(t, []string{tasks.Timeline}, levels[1])
}

func TestCreatePlan_FullReviewOrdersEveryPrerequisite(t *testing.T) {
	p := newPlanner(t, nil)

	plan, err := p.CreatePlan(context.Background(), Request{Task: "Сделай полный анализ дела", DocumentIDs: []string{"d1"}})
	require.NoError(t, err)

	assert.Equal(t, string(TypeFullReview), plan.TaskType)
	assert.Len(t, plan.Steps, 8)
	assertValidOrder(t, plan)
	assert.Nil(t, plan.Step(fallbackStepID))
}

func TestCreatePlan_QuestionAnswering(t *testing.T) {
	p := newPlanner(t, nil)

	plan, err := p.CreatePlan(context.Background(), Request{Task: "Кто является поставщиком по договору?"})
	require.NoError(t, err)

	assert.Equal(t, string(TypeQuestionAnswering), plan.TaskType)
	assert.Equal(t, []string{tasks.Search, tasks.Answer}, plan.StepIDs())
	assert.Equal(t, "Кто является поставщиком по договору?", plan.Step(tasks.Search).Params["query"])
	assert.Equal(t, "Кто является поставщиком по договору?", plan.Step(tasks.Answer).Params["question"])
}

func TestCreatePlan_ForcedTaskTypeSkipsDetection(t *testing.T) {
	p := newPlanner(t, nil)

	plan, err := p.CreatePlan(context.Background(), Request{
		Task:     "Какие риски есть в договоре?",
		TaskType: TypeQuestionAnswering,
	})
	require.NoError(t, err)

	assert.Equal(t, string(TypeQuestionAnswering), plan.TaskType)
	assert.Equal(t, []string{tasks.Search, tasks.Answer}, plan.StepIDs())
}

func TestCreatePlan_UnavailableToolTriggersFallbackStep(t *testing.T) {
	p := newPlanner(t, nil)

	plan, err := p.CreatePlan(context.Background(), Request{
		Task:           "Проверь договор на риски",
		DocumentIDs:    []string{"d1"},
		AvailableTools: []string{tools.ToolDiscrepancy, tools.ToolRecommend, tools.ToolSummary},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{tasks.Discrepancy, fallbackStepID}, plan.StepIDs(), "risk and its dependents are dropped")
	fallback := plan.Step(fallbackStepID)
	assert.Equal(t, tools.ToolSummary, fallback.ToolName)
	assert.Empty(t, fallback.DependsOn)
	assert.Contains(t, fallback.Params["instructions"], tasks.Risk)
	assert.Contains(t, fallback.Params["instructions"], tasks.Recommendations)
	assertValidOrder(t, plan)
}

func TestCreatePlan_ModelChoosesTaskType(t *testing.T) {
	mock := llm.NewMockProvider("mock").On("Classify the legal request",
		`{"task_type": "legal_research", "tasks": ["risk", "bogus"]}`)
	p := newPlanner(t, mock)

	plan, err := p.CreatePlan(context.Background(), Request{Task: "договор поставки от марта"})
	require.NoError(t, err)

	assert.Equal(t, SourceModel, plan.Source)
	assert.Equal(t, string(TypeLegalResearch), plan.TaskType)
	assert.Equal(t, []string{tasks.KeyFacts, tasks.LegalResearch, tasks.Discrepancy, tasks.Risk}, plan.StepIDs())
	assert.Equal(t, "договор поставки от марта", plan.Step(tasks.LegalResearch).Params["query"])
	assert.Equal(t, 1, mock.CallCount())
}

func TestCreatePlan_ModelFailureUsesDefaultType(t *testing.T) {
	mock := llm.NewMockProvider("mock").Default(func(llm.CompletionRequest) (string, error) {
		return "", errors.New("unavailable")
	})
	p := newPlanner(t, mock)

	plan, err := p.CreatePlan(context.Background(), Request{Task: "договор поставки от марта"})
	require.NoError(t, err)
	assert.Equal(t, string(TypeDocumentAnalysis), plan.TaskType)
	assert.Equal(t, SourcePattern, plan.Source)
}

func TestCreatePlan_TemplateKeepsGraphAndSubstitutes(t *testing.T) {
	p := newPlanner(t, nil)
	def := &workflow.Definition{
		ID:       "contract-review",
		Name:     "Contract review",
		Category: "contract",
		DefaultPlan: []*workflow.Step{
			{ID: "facts", ToolName: tools.ToolKeyFacts, Params: map[string]interface{}{"file_ids": "{{file_ids}}"}},
			{ID: "lookup", ToolName: tools.ToolSearch, Params: map[string]interface{}{"query": "{{task}}", "k": "{{k}}"}},
			{ID: "overview", ToolName: tools.ToolSummary, DependsOn: []string{"facts", "lookup"}},
		},
	}

	plan, err := p.CreatePlan(context.Background(), Request{
		Task:        "Обзор договора",
		DocumentIDs: []string{"d7"},
		Template:    def,
		Params:      map[string]interface{}{"k": 5},
	})
	require.NoError(t, err)

	assert.Equal(t, SourceTemplate, plan.Source)
	assert.Equal(t, "contract", plan.TaskType)
	assert.Equal(t, []string{"facts", "lookup", "overview"}, plan.StepIDs())
	assert.Equal(t, []string{"facts", "lookup"}, plan.Step("overview").DependsOn)
	assert.Equal(t, []interface{}{"d7"}, plan.Step("facts").Params["file_ids"])
	assert.Equal(t, "Обзор договора", plan.Step("lookup").Params["query"])
	assert.Equal(t, 5, plan.Step("lookup").Params["k"])
	assert.Equal(t, []interface{}{"d7"}, plan.Step("overview").Params["file_ids"], "document-scoped tools get file ids")
	assert.Equal(t, tasks.Summary, plan.Step("overview").Task)
	assert.Equal(t, workflow.StepTypeToolCall, plan.Step("overview").Type)

	assert.Equal(t, "{{file_ids}}", def.DefaultPlan[0].Params["file_ids"], "template is not modified")
}

func TestCreatePlan_InvalidTemplates(t *testing.T) {
	tests := []struct {
		name    string
		def     *workflow.Definition
		stepIDs []string
	}{
		{
			name: "dangling dependency",
			def: &workflow.Definition{ID: "t1", DefaultPlan: []*workflow.Step{
				{ID: "a", ToolName: tools.ToolKeyFacts},
				{ID: "b", ToolName: tools.ToolSummary, DependsOn: []string{"ghost"}},
			}},
			stepIDs: []string{"b"},
		},
		{
			name: "cycle",
			def: &workflow.Definition{ID: "t2", DefaultPlan: []*workflow.Step{
				{ID: "a", ToolName: tools.ToolKeyFacts, DependsOn: []string{"b"}},
				{ID: "b", ToolName: tools.ToolSummary, DependsOn: []string{"a"}},
			}},
		},
		{
			name: "unknown tool",
			def: &workflow.Definition{ID: "t3", DefaultPlan: []*workflow.Step{
				{ID: "a", ToolName: "crystal_ball"},
			}},
			stepIDs: []string{"a"},
		},
		{
			name: "tool outside template allow list",
			def: &workflow.Definition{ID: "t4", AvailableTools: []string{tools.ToolKeyFacts}, DefaultPlan: []*workflow.Step{
				{ID: "a", ToolName: tools.ToolKeyFacts},
				{ID: "b", ToolName: tools.ToolRisk},
			}},
			stepIDs: []string{"b"},
		},
		{
			name: "too many steps",
			def: &workflow.Definition{ID: "t5", MaxSteps: 1, DefaultPlan: []*workflow.Step{
				{ID: "a", ToolName: tools.ToolKeyFacts},
				{ID: "b", ToolName: tools.ToolSummary},
			}},
			stepIDs: []string{"t5"},
		},
	}

	p := newPlanner(t, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := p.CreatePlan(context.Background(), Request{Task: "x", Template: tt.def})
			require.Error(t, err)
			assert.Nil(t, plan)

			var invalid *InvalidPlanError
			require.True(t, errors.As(err, &invalid))
			for _, id := range tt.stepIDs {
				assert.Contains(t, invalid.StepIDs, id)
			}
			assert.NotEmpty(t, invalid.Problems)
		})
	}
}

func TestDetectTaskType(t *testing.T) {
	tests := []struct {
		text string
		want TaskType
		ok   bool
	}{
		{"Сравни две редакции договора", TypeComparison, true},
		{"Найди противоречия в показаниях", TypeRiskCheck, true},
		{"Подготовь проект претензии", TypeDocumentCreation, true},
		{"Какая судебная практика по неустойке", TypeLegalResearch, true},
		{"Extract all deadlines", TypeDataExtraction, true},
		{"Give me an overview of the lease", TypeDocumentAnalysis, true},
		{"Comprehensive review of the deal", TypeFullReview, true},
		{"Who signed the lease?", TypeQuestionAnswering, true},
		{"договор поставки от марта", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, ok := DetectTaskType(tt.text)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPatternsUseCatalogTasks(t *testing.T) {
	for _, tt := range TaskTypes {
		p, ok := PatternFor(tt)
		require.True(t, ok, tt)
		assert.NotEmpty(t, p.Tasks)
		for _, name := range p.Tasks {
			_, known := tasks.Lookup(name)
			assert.True(t, known, "%s uses unknown task %s", tt, name)
		}
	}
	assert.False(t, TaskType("astrology").Valid())
}
