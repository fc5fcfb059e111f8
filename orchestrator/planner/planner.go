// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package planner turns a request into a dependency-ordered plan of tool
// steps. Plans come from a workflow template when one is supplied and from
// task-type patterns otherwise. Every returned plan passes the ordering
// check of the graph package.
package planner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"lexflow/platform/orchestrator/graph"
	"lexflow/platform/orchestrator/llm"
	"lexflow/platform/orchestrator/tasks"
	"lexflow/platform/orchestrator/tools"
	"lexflow/platform/orchestrator/workflow"
	"lexflow/platform/shared/logger"
)

// Plan sources.
const (
	SourceTemplate = "template"
	SourcePattern  = "pattern"
	SourceModel    = "model"
)

// fallbackStepID names the summarization step added by self-reflection.
const fallbackStepID = "fallback_summary"

// InvalidPlanError lists the steps that make a plan unusable.
type InvalidPlanError struct {
	StepIDs  []string
	Problems []string
}

func (e *InvalidPlanError) Error() string {
	return fmt.Sprintf("invalid plan (steps %s): %s", strings.Join(e.StepIDs, ", "), strings.Join(e.Problems, "; "))
}

// ToolCatalog is the part of the tool registry the planner needs.
type ToolCatalog interface {
	Lookup(name string) (tools.Handler, error)
	ValidateParams(name string, params map[string]interface{}) error
}

// Request is the input of CreatePlan.
type Request struct {
	Task        string
	ScopeID     string
	ExecutionID string
	DocumentIDs []string
	// AvailableTools restricts the tools a plan may use. Empty allows every
	// registered tool.
	AvailableTools []string
	// Template is an optional workflow definition with a default plan.
	Template *workflow.Definition
	// SuggestedTasks come from intent classification.
	SuggestedTasks []string
	// TaskType skips task type detection when set.
	TaskType TaskType
	// Params are runtime values substituted into template placeholders.
	Params map[string]interface{}
}

// Planner builds plans.
type Planner struct {
	resolver *graph.Resolver
	tools    ToolCatalog
	provider llm.Provider
	log      *logger.Logger
}

// New creates a planner. The provider is optional and only used when
// keyword heuristics cannot tell the task type.
func New(resolver *graph.Resolver, catalog ToolCatalog, provider llm.Provider, log *logger.Logger) *Planner {
	if log == nil {
		log = logger.New("planner")
	}
	return &Planner{resolver: resolver, tools: catalog, provider: provider, log: log}
}

// CreatePlan builds and validates a plan for the request.
func (p *Planner) CreatePlan(ctx context.Context, req Request) (*workflow.Plan, error) {
	start := time.Now()

	var (
		plan *workflow.Plan
		err  error
	)
	if req.Template != nil && len(req.Template.DefaultPlan) > 0 {
		plan, err = p.fromTemplate(req)
	} else {
		plan, err = p.fromPattern(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	p.reflect(plan, req)

	if err := p.validate(plan, req); err != nil {
		p.log.Warn(req.ScopeID, req.ExecutionID, "Plan rejected", map[string]interface{}{"error": err.Error()})
		return nil, err
	}

	p.log.InfoWithDuration(req.ScopeID, req.ExecutionID, "Plan created", time.Since(start), map[string]interface{}{
		"plan_id":   plan.ID,
		"task_type": plan.TaskType,
		"source":    plan.Source,
		"steps":     len(plan.Steps),
	})
	return plan, nil
}

// fromTemplate adapts a definition's default plan. The step graph is kept
// as declared; only parameters change.
func (p *Planner) fromTemplate(req Request) (*workflow.Plan, error) {
	def := req.Template
	if def.MaxSteps > 0 && len(def.DefaultPlan) > def.MaxSteps {
		return nil, &InvalidPlanError{
			StepIDs:  []string{def.ID},
			Problems: []string{fmt.Sprintf("template has %d steps, limit is %d", len(def.DefaultPlan), def.MaxSteps)},
		}
	}

	steps := make([]*workflow.Step, 0, len(def.DefaultPlan))
	var goals []workflow.Goal
	seenGoal := make(map[string]bool)
	for _, tmpl := range def.DefaultPlan {
		s := tmpl.Clone()
		s.Status = workflow.StepPending
		if s.Name == "" {
			s.Name = s.ID
		}
		if s.Type == "" {
			s.Type = workflow.StepTypeToolCall
		}
		if s.Task == "" {
			s.Task = taskForTool(s.ToolName)
		}
		s.Params = p.templateParams(s, req)
		steps = append(steps, s)

		goal := s.Task
		if goal == "" {
			goal = s.ID
		}
		if !seenGoal[goal] {
			seenGoal[goal] = true
			goals = append(goals, workflow.Goal{ID: goal, Description: s.Name, Priority: len(goals) + 1})
		}
	}

	return &workflow.Plan{
		ID:        uuid.New().String(),
		TaskType:  def.Category,
		Goals:     goals,
		Steps:     steps,
		Reasoning: fmt.Sprintf("adapted from template %s", def.ID),
		Source:    SourceTemplate,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// templateParams resolves {{name}} placeholders and injects file ids and
// the request text into parameters the tool declares but the template left
// unset.
func (p *Planner) templateParams(s *workflow.Step, req Request) map[string]interface{} {
	params := workflow.CloneMap(s.Params)
	if params == nil {
		params = make(map[string]interface{})
	}
	for k, v := range params {
		params[k] = substitute(v, req)
	}

	h, err := p.tools.Lookup(s.ToolName)
	if err != nil {
		return params
	}
	spec := h.Spec()
	if spec.DocumentScoped && len(req.DocumentIDs) > 0 {
		if _, ok := params["file_ids"]; !ok {
			params["file_ids"] = idList(req.DocumentIDs)
		}
	}
	for _, ps := range spec.Params {
		if _, ok := params[ps.Name]; ok {
			continue
		}
		if v, ok := req.Params[ps.Name]; ok {
			params[ps.Name] = v
			continue
		}
		if ps.Name == "query" || ps.Name == "question" {
			params[ps.Name] = req.Task
		}
	}
	return params
}

func substitute(v interface{}, req Request) interface{} {
	str, ok := v.(string)
	if !ok || !strings.HasPrefix(str, "{{") || !strings.HasSuffix(str, "}}") {
		return v
	}
	name := strings.TrimSpace(str[2 : len(str)-2])
	switch name {
	case "file_ids", "document_ids":
		return idList(req.DocumentIDs)
	case "task", "query", "question":
		return req.Task
	case "scope_id":
		return req.ScopeID
	}
	if rv, ok := req.Params[name]; ok {
		return rv
	}
	return v
}

// fromPattern selects tasks by task type, closes them over prerequisites
// and materializes one step per task.
func (p *Planner) fromPattern(ctx context.Context, req Request) (*workflow.Plan, error) {
	taskType, source, modelTasks := p.taskType(ctx, req)
	pattern, _ := PatternFor(taskType)

	requested := dedupe(append(append(pattern.Tasks, req.SuggestedTasks...), modelTasks...))
	requested = knownOnly(requested)

	ordered, err := p.resolver.Resolve(requested)
	if err != nil {
		var unknown *graph.UnknownTaskError
		if errors.As(err, &unknown) {
			return nil, &InvalidPlanError{StepIDs: []string{unknown.Task}, Problems: []string{err.Error()}}
		}
		return nil, err
	}

	available := p.availableTools(req)
	dropped := make(map[string]bool)
	var steps []*workflow.Step
	for _, name := range ordered {
		task, _ := tasks.Lookup(name)
		reason := ""
		if !available(task.Tool) {
			reason = "tool " + task.Tool + " unavailable"
		}
		for _, pre := range p.resolver.Prerequisites(name) {
			if dropped[pre] {
				reason = "prerequisite " + pre + " dropped"
			}
		}
		if reason != "" {
			dropped[name] = true
			p.log.Warn(req.ScopeID, req.ExecutionID, "Task left out of plan", map[string]interface{}{
				"task": name, "reason": reason,
			})
			continue
		}
		steps = append(steps, p.stepForTask(task, req))
	}

	goals := make([]workflow.Goal, 0, len(requested))
	for i, name := range requested {
		task, _ := tasks.Lookup(name)
		goals = append(goals, workflow.Goal{ID: name, Description: task.Description, Priority: i + 1})
	}

	return &workflow.Plan{
		ID:        uuid.New().String(),
		TaskType:  string(taskType),
		Goals:     goals,
		Steps:     steps,
		Reasoning: fmt.Sprintf("%s pattern over tasks %s", taskType, strings.Join(ordered, ", ")),
		Source:    source,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (p *Planner) stepForTask(task tasks.Task, req Request) *workflow.Step {
	step := &workflow.Step{
		ID:          task.Name,
		Name:        task.Description,
		Description: task.Description,
		Type:        workflow.StepTypeToolCall,
		Task:        task.Name,
		ToolName:    task.Tool,
		DependsOn:   p.resolver.Prerequisites(task.Name),
		Params:      map[string]interface{}{},
		Status:      workflow.StepPending,
	}
	if len(task.Prerequisites) > 0 {
		step.Type = workflow.StepTypeAnalysis
	}

	h, err := p.tools.Lookup(task.Tool)
	if err != nil {
		return step
	}
	spec := h.Spec()
	if spec.DocumentScoped && len(req.DocumentIDs) > 0 {
		step.Params["file_ids"] = idList(req.DocumentIDs)
	}
	for _, ps := range spec.Params {
		switch ps.Name {
		case "query", "question":
			step.Params[ps.Name] = req.Task
		}
	}
	return step
}

const taskTypePrompt = `Classify the legal request into exactly one task type and list the analysis tasks it needs.

Task types: %s
Tasks: %s

Request: %q

Respond ONLY with JSON: {"task_type": "...", "tasks": ["..."]}`

type taskTypeAnswer struct {
	TaskType TaskType `json:"task_type"`
	Tasks    []string `json:"tasks"`
}

// taskType returns the request's task type, the plan source and any tasks
// the model proposed.
func (p *Planner) taskType(ctx context.Context, req Request) (TaskType, string, []string) {
	if req.TaskType.Valid() {
		return req.TaskType, SourcePattern, nil
	}
	if t, ok := DetectTaskType(req.Task); ok {
		return t, SourcePattern, nil
	}
	if p.provider == nil {
		return TypeDocumentAnalysis, SourcePattern, nil
	}

	types := make([]string, len(TaskTypes))
	for i, t := range TaskTypes {
		types[i] = string(t)
	}
	resp, err := p.provider.Complete(ctx, llm.CompletionRequest{
		Prompt:      fmt.Sprintf(taskTypePrompt, strings.Join(types, ", "), strings.Join(tasks.Names(), ", "), req.Task),
		MaxTokens:   256,
		Temperature: 0,
		Purpose:     "planner",
	})
	if err != nil {
		p.log.Warn(req.ScopeID, req.ExecutionID, "Task type model call failed, using default", map[string]interface{}{"error": err.Error()})
		return TypeDocumentAnalysis, SourcePattern, nil
	}
	answer, ok := llm.DecodeOr(resp.Content, taskTypeAnswer{})
	if !ok || !answer.TaskType.Valid() {
		p.log.Warn(req.ScopeID, req.ExecutionID, "Unparseable task type, using default", nil)
		return TypeDocumentAnalysis, SourcePattern, nil
	}
	return answer.TaskType, SourceModel, answer.Tasks
}

func (p *Planner) availableTools(req Request) func(string) bool {
	allowed := make(map[string]bool, len(req.AvailableTools))
	for _, t := range req.AvailableTools {
		allowed[t] = true
	}
	return func(tool string) bool {
		if len(allowed) > 0 && !allowed[tool] {
			return false
		}
		_, err := p.tools.Lookup(tool)
		return err == nil
	}
}

// reflect makes sure the plan is not empty and every goal maps to a step.
// Otherwise a summarization step over the documents is appended.
func (p *Planner) reflect(plan *workflow.Plan, req Request) {
	covered := make(map[string]bool)
	for _, s := range plan.Steps {
		covered[s.Task] = true
		covered[s.ID] = true
	}
	var missing []string
	for _, g := range plan.Goals {
		if !covered[g.ID] {
			missing = append(missing, g.ID)
		}
	}
	if len(plan.Steps) > 0 && len(missing) == 0 {
		return
	}
	if plan.Step(fallbackStepID) != nil {
		return
	}

	available := p.availableTools(req)
	tool := tools.ToolSummary
	if !available(tool) {
		tool = tools.ToolSearch
	}
	step := &workflow.Step{
		ID:          fallbackStepID,
		Name:        "Fallback summary",
		Description: "Summarise the documents for goals no other step covers",
		Type:        workflow.StepTypeAggregation,
		Task:        tasks.Summary,
		ToolName:    tool,
		Params:      map[string]interface{}{},
		Status:      workflow.StepPending,
	}
	if len(req.DocumentIDs) > 0 && tool == tools.ToolSummary {
		step.Params["file_ids"] = idList(req.DocumentIDs)
	}
	step.Params["query"] = req.Task
	if len(missing) > 0 {
		step.Params["instructions"] = "Cover these aspects of the request: " + strings.Join(missing, ", ")
	}
	plan.Steps = append(plan.Steps, step)
	plan.Reasoning += "; appended fallback summary"
	p.log.Info(req.ScopeID, req.ExecutionID, "Self-reflection appended fallback step", map[string]interface{}{
		"uncovered_goals": missing,
		"tool":            tool,
	})
}

// validate checks ordering, tool existence and parameter contracts.
func (p *Planner) validate(plan *workflow.Plan, req Request) error {
	invalid := &InvalidPlanError{}
	add := func(stepID, problem string) {
		invalid.Problems = append(invalid.Problems, problem)
		for _, id := range invalid.StepIDs {
			if id == stepID {
				return
			}
		}
		invalid.StepIDs = append(invalid.StepIDs, stepID)
	}

	if len(plan.Steps) == 0 {
		add(plan.ID, "plan has no steps")
	}

	if err := graph.Validate(plan.Nodes()); err != nil {
		var oe *graph.OrderError
		if !errors.As(err, &oe) {
			return err
		}
		for _, v := range oe.Violations {
			add(v.NodeID, v.String())
		}
	}

	allowed := p.availableTools(req)
	for _, s := range plan.Steps {
		if !allowed(s.ToolName) {
			add(s.ID, fmt.Sprintf("%s: tool %q is not available", s.ID, s.ToolName))
			continue
		}
		if req.Template != nil && len(req.Template.AvailableTools) > 0 && !contains(req.Template.AvailableTools, s.ToolName) {
			add(s.ID, fmt.Sprintf("%s: tool %q is not allowed by the template", s.ID, s.ToolName))
			continue
		}
		if err := p.tools.ValidateParams(s.ToolName, s.Params); err != nil {
			add(s.ID, fmt.Sprintf("%s: %v", s.ID, err))
		}
	}

	if len(invalid.Problems) > 0 {
		sort.Strings(invalid.StepIDs)
		return invalid
	}
	return nil
}

func taskForTool(tool string) string {
	for _, t := range tasks.All() {
		if t.Tool == tool {
			return t.Name
		}
	}
	return ""
}

func idList(ids []string) []interface{} {
	out := make([]interface{}, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func knownOnly(names []string) []string {
	out := names[:0]
	for _, n := range names {
		if _, ok := tasks.Lookup(n); ok {
			out = append(out, n)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
