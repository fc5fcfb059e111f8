// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package workflow defines plans, steps, executions and definitions together
// with their status state machines.
package workflow

import (
	"time"

	"lexflow/platform/orchestrator/graph"
)

// StepType classifies what a step does.
type StepType string

const (
	StepTypeToolCall    StepType = "tool_call"
	StepTypeAnalysis    StepType = "analysis"
	StepTypeValidation  StepType = "validation"
	StepTypeAggregation StepType = "aggregation"
	StepTypeHumanReview StepType = "human_review"
)

// StepStatus is the lifecycle state of a step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepCancelled StepStatus = "cancelled"
)

// IsTerminal reports whether no further transitions happen without a replan.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped, StepCancelled:
		return true
	}
	return false
}

// Goal is one objective of a plan.
type Goal struct {
	ID          string `json:"id" yaml:"id"`
	Description string `json:"description" yaml:"description"`
	Priority    int    `json:"priority" yaml:"priority"`
}

// Step is one scheduled action bound to a tool.
type Step struct {
	ID          string                 `json:"step_id" yaml:"id"`
	Name        string                 `json:"name" yaml:"name"`
	Description string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Type        StepType               `json:"step_type" yaml:"type"`
	Task        string                 `json:"task,omitempty" yaml:"task,omitempty"`
	ToolName    string                 `json:"tool_name" yaml:"tool"`
	Params      map[string]interface{} `json:"tool_params,omitempty" yaml:"params,omitempty"`
	DependsOn   []string               `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`

	Status      StepStatus             `json:"status" yaml:"-"`
	Result      map[string]interface{} `json:"result,omitempty" yaml:"-"`
	Summary     string                 `json:"summary,omitempty" yaml:"-"`
	Error       string                 `json:"error,omitempty" yaml:"-"`
	RetryCount  int                    `json:"retry_count" yaml:"-"`
	MaxRetries  int                    `json:"max_retries" yaml:"max_retries,omitempty"`
	StartedAt   *time.Time             `json:"started_at,omitempty" yaml:"-"`
	CompletedAt *time.Time             `json:"completed_at,omitempty" yaml:"-"`
	Duration    time.Duration          `json:"duration" yaml:"-"`
	LLMCalls    int                    `json:"llm_calls" yaml:"-"`
	TokensUsed  int                    `json:"tokens_used" yaml:"-"`
}

// Clone returns a deep copy of the step.
func (s *Step) Clone() *Step {
	if s == nil {
		return nil
	}
	c := *s
	c.Params = CloneMap(s.Params)
	c.Result = CloneMap(s.Result)
	c.DependsOn = append([]string(nil), s.DependsOn...)
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Plan is the structured output of the planner.
type Plan struct {
	ID        string    `json:"id"`
	TaskType  string    `json:"task_type"`
	Goals     []Goal    `json:"goals"`
	Steps     []*Step   `json:"steps"`
	Reasoning string    `json:"reasoning,omitempty"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// Step returns the step with the given id.
func (p *Plan) Step(id string) *Step {
	for _, s := range p.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// StepIDs lists step ids in plan order.
func (p *Plan) StepIDs() []string {
	ids := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		ids[i] = s.ID
	}
	return ids
}

// Nodes converts the plan's steps into graph nodes.
func (p *Plan) Nodes() []graph.Node {
	return StepNodes(p.Steps)
}

// StepNodes converts steps into graph nodes for ordering checks.
func StepNodes(steps []*Step) []graph.Node {
	nodes := make([]graph.Node, len(steps))
	for i, s := range steps {
		nodes[i] = graph.Node{ID: s.ID, DependsOn: s.DependsOn}
	}
	return nodes
}

// ArtifactKind buckets collected artifacts.
type ArtifactKind string

const (
	ArtifactDocument ArtifactKind = "document"
	ArtifactTable    ArtifactKind = "table"
	ArtifactCheck    ArtifactKind = "check"
)

// Artifact is a typed output declared by a tool.
type Artifact struct {
	Kind   ArtifactKind `json:"kind"`
	Name   string       `json:"name"`
	StepID string       `json:"step_id"`
	Data   interface{}  `json:"data"`
}

// Artifacts groups artifacts by kind.
type Artifacts struct {
	Documents []Artifact `json:"documents,omitempty"`
	Tables    []Artifact `json:"tables,omitempty"`
	Checks    []Artifact `json:"checks,omitempty"`
}

// Add places an artifact in its bucket. Unknown kinds go to Documents.
func (a *Artifacts) Add(art Artifact) {
	switch art.Kind {
	case ArtifactTable:
		a.Tables = append(a.Tables, art)
	case ArtifactCheck:
		a.Checks = append(a.Checks, art)
	default:
		a.Documents = append(a.Documents, art)
	}
}

// Count returns the total number of artifacts.
func (a Artifacts) Count() int {
	return len(a.Documents) + len(a.Tables) + len(a.Checks)
}

// Metrics are the aggregate counters of an execution, recomputed from steps.
type Metrics struct {
	TotalLLMCalls       int `json:"total_llm_calls"`
	TotalTokensUsed     int `json:"total_tokens_used"`
	TotalStepsCompleted int `json:"total_steps_completed"`
	TotalStepsFailed    int `json:"total_steps_failed"`
}

// Definition is a named template that seeds executions.
type Definition struct {
	ID             string                 `json:"id" yaml:"id"`
	Name           string                 `json:"name" yaml:"name"`
	Description    string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Category       string                 `json:"category" yaml:"category"`
	AvailableTools []string               `json:"available_tools,omitempty" yaml:"available_tools,omitempty"`
	DefaultPlan    []*Step                `json:"default_plan,omitempty" yaml:"default_plan,omitempty"`
	OutputSchema   map[string]interface{} `json:"output_schema,omitempty" yaml:"output_schema,omitempty"`
	Prompts        map[string]string      `json:"prompts,omitempty" yaml:"prompts,omitempty"`
	MaxSteps       int                    `json:"max_steps,omitempty" yaml:"max_steps,omitempty"`
	TimeoutMinutes int                    `json:"timeout_minutes,omitempty" yaml:"timeout_minutes,omitempty"`
	OwnerID        string                 `json:"owner_id,omitempty" yaml:"owner_id,omitempty"`
	IsSystem       bool                   `json:"is_system" yaml:"is_system"`
	IsPublic       bool                   `json:"is_public" yaml:"is_public"`
	Published      bool                   `json:"published" yaml:"published"`
	CreatedAt      time.Time              `json:"created_at" yaml:"-"`
	UpdatedAt      time.Time              `json:"updated_at" yaml:"-"`
}

// CloneMap deep-copies nested maps and slices of a result or params map.
func CloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return CloneMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []map[string]interface{}:
		out := make([]map[string]interface{}, len(t))
		for i, e := range t {
			out[i] = CloneMap(e)
		}
		return out
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	default:
		return v
	}
}
