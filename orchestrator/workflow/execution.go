// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package workflow

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrInvalidTransition is returned when a status change is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrStepsRunning is returned when an execution would complete while a step is running.
	ErrStepsRunning = errors.New("steps still running")
	// ErrStepNotFound is returned when a step id is not part of the execution.
	ErrStepNotFound = errors.New("step not found")
	// ErrStepCompleted is returned when a completed step would be replaced.
	ErrStepCompleted = errors.New("step already completed")
)

// ExecutionStatus is the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionPending             ExecutionStatus = "pending"
	ExecutionPlanning            ExecutionStatus = "planning"
	ExecutionAwaitingApproval    ExecutionStatus = "awaiting_approval"
	ExecutionExecuting           ExecutionStatus = "executing"
	ExecutionValidating          ExecutionStatus = "validating"
	ExecutionGeneratingReport    ExecutionStatus = "generating_report"
	ExecutionCompleted           ExecutionStatus = "completed"
	ExecutionCompletedWithErrors ExecutionStatus = "completed_with_errors"
	ExecutionFailed              ExecutionStatus = "failed"
	ExecutionCancelled           ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the execution has finished.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionCompletedWithErrors, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

var transitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionPending:          {ExecutionPlanning, ExecutionFailed, ExecutionCancelled},
	ExecutionPlanning:         {ExecutionAwaitingApproval, ExecutionExecuting, ExecutionCompleted, ExecutionFailed, ExecutionCancelled},
	ExecutionAwaitingApproval: {ExecutionPlanning, ExecutionExecuting, ExecutionFailed, ExecutionCancelled},
	ExecutionExecuting:        {ExecutionValidating, ExecutionFailed, ExecutionCancelled},
	ExecutionValidating:       {ExecutionGeneratingReport, ExecutionFailed, ExecutionCancelled},
	ExecutionGeneratingReport: {ExecutionCompleted, ExecutionCompletedWithErrors, ExecutionFailed},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to ExecutionStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Execution is one run of a plan. It exclusively owns its steps. All
// mutation goes through methods that hold the execution lock and recompute
// the derived fields, so steps running concurrently never lose updates.
type Execution struct {
	mu sync.RWMutex

	ID              string                 `json:"id"`
	DefinitionID    string                 `json:"definition_id,omitempty"`
	Task            string                 `json:"task"`
	ScopeID         string                 `json:"scope_id"`
	UserID          string                 `json:"user_id,omitempty"`
	DocumentIDs     []string               `json:"document_ids,omitempty"`
	Status          ExecutionStatus        `json:"status"`
	ProgressPercent float64                `json:"progress_percent"`
	CurrentStepID   string                 `json:"current_step_id,omitempty"`
	Goals           []Goal                 `json:"goals,omitempty"`
	Steps           []*Step                `json:"steps"`
	Results         map[string]interface{} `json:"results,omitempty"`
	Artifacts       Artifacts              `json:"artifacts"`
	Summary         string                 `json:"summary,omitempty"`
	ErrorMessage    string                 `json:"error_message,omitempty"`
	Metrics         Metrics                `json:"metrics"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	TimeoutMinutes  int                    `json:"timeout_minutes,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`

	cancelRequested atomic.Bool
}

// NewExecution creates a pending execution.
func NewExecution(id, task, scopeID string) *Execution {
	now := time.Now().UTC()
	return &Execution{
		ID:        id,
		Task:      task,
		ScopeID:   scopeID,
		Status:    ExecutionPending,
		Results:   make(map[string]interface{}),
		Metadata:  make(map[string]interface{}),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// GetStatus returns the current status.
func (e *Execution) GetStatus() ExecutionStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.Status
}

// Transition moves the execution to a new status.
func (e *Execution) Transition(to ExecutionStatus) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !CanTransition(e.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, to)
	}
	if to == ExecutionCompleted || to == ExecutionCompletedWithErrors {
		for _, s := range e.Steps {
			if s.Status == StepRunning {
				return fmt.Errorf("%w: %s", ErrStepsRunning, s.ID)
			}
		}
	}

	now := time.Now().UTC()
	if e.StartedAt == nil && to != ExecutionPending {
		e.StartedAt = &now
	}
	if to.IsTerminal() {
		e.CompletedAt = &now
		e.CurrentStepID = ""
	}
	e.Status = to
	e.UpdatedAt = now
	e.recomputeLocked()
	return nil
}

// ApplyPlan installs the plan's goals and steps. Steps are copied, reset to
// pending and given a retry budget when they have none.
func (e *Execution) ApplyPlan(plan *Plan, retryBudget int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.Goals = append([]Goal(nil), plan.Goals...)
	e.Steps = make([]*Step, 0, len(plan.Steps))
	for _, s := range plan.Steps {
		c := s.Clone()
		c.Status = StepPending
		if c.MaxRetries <= 0 {
			c.MaxRetries = retryBudget
		}
		e.Steps = append(e.Steps, c)
	}
	e.UpdatedAt = time.Now().UTC()
	e.recomputeLocked()
}

// UpdateStep applies fn to the step under the execution lock and recomputes
// progress and metrics.
func (e *Execution) UpdateStep(id string, fn func(s *Step)) (*Step, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.stepLocked(id)
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrStepNotFound, id)
	}
	fn(s)
	if s.Status == StepRunning {
		e.CurrentStepID = s.ID
	}
	e.UpdatedAt = time.Now().UTC()
	e.recomputeLocked()
	return s.Clone(), nil
}

// ReplaceStep swaps in a rewritten step. Completed steps are never replaced.
func (e *Execution) ReplaceStep(step *Step) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, s := range e.Steps {
		if s.ID != step.ID {
			continue
		}
		if s.Status == StepCompleted {
			return fmt.Errorf("%w: %s", ErrStepCompleted, s.ID)
		}
		e.Steps[i] = step.Clone()
		e.UpdatedAt = time.Now().UTC()
		e.recomputeLocked()
		return nil
	}
	return fmt.Errorf("%w: %s", ErrStepNotFound, step.ID)
}

// Step returns a copy of the step with the given id, or nil.
func (e *Execution) Step(id string) *Step {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stepLocked(id).Clone()
}

// StepsSnapshot returns copies of all steps in plan order.
func (e *Execution) StepsSnapshot() []*Step {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Step, len(e.Steps))
	for i, s := range e.Steps {
		out[i] = s.Clone()
	}
	return out
}

// StepCounts returns the number of steps per status.
func (e *Execution) StepCounts() map[StepStatus]int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	counts := make(map[StepStatus]int)
	for _, s := range e.Steps {
		counts[s.Status]++
	}
	return counts
}

// Progress returns the derived progress percentage.
func (e *Execution) Progress() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ProgressPercent
}

// SetOutcome records aggregated results, artifacts and summary.
func (e *Execution) SetOutcome(results map[string]interface{}, artifacts Artifacts, summary string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Results = results
	e.Artifacts = artifacts
	e.Summary = summary
	e.UpdatedAt = time.Now().UTC()
}

// SetError records the execution error message.
func (e *Execution) SetError(msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ErrorMessage = msg
	e.UpdatedAt = time.Now().UTC()
}

// SetMetadata stores a metadata value.
func (e *Execution) SetMetadata(key string, value interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
}

// AddDocuments attaches document ids the execution does not reference yet.
func (e *Execution) AddDocuments(ids ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		if id == "" || containsString(e.DocumentIDs, id) {
			continue
		}
		e.DocumentIDs = append(e.DocumentIDs, id)
	}
	e.UpdatedAt = time.Now().UTC()
}

// RequestCancel asks the engine to stop dispatching new steps.
func (e *Execution) RequestCancel() {
	e.cancelRequested.Store(true)
}

// CancelRequested reports whether cancellation was requested.
func (e *Execution) CancelRequested() bool {
	return e.cancelRequested.Load()
}

// Snapshot returns a consistent copy safe to serialise or hand to another
// goroutine.
func (e *Execution) Snapshot() *Execution {
	e.mu.RLock()
	defer e.mu.RUnlock()

	c := &Execution{
		ID:              e.ID,
		DefinitionID:    e.DefinitionID,
		Task:            e.Task,
		ScopeID:         e.ScopeID,
		UserID:          e.UserID,
		DocumentIDs:     append([]string(nil), e.DocumentIDs...),
		Status:          e.Status,
		ProgressPercent: e.ProgressPercent,
		CurrentStepID:   e.CurrentStepID,
		Goals:           append([]Goal(nil), e.Goals...),
		Steps:           make([]*Step, len(e.Steps)),
		Results:         CloneMap(e.Results),
		Artifacts:       e.Artifacts,
		Summary:         e.Summary,
		ErrorMessage:    e.ErrorMessage,
		Metrics:         e.Metrics,
		Metadata:        CloneMap(e.Metadata),
		TimeoutMinutes:  e.TimeoutMinutes,
		CreatedAt:       e.CreatedAt,
		UpdatedAt:       e.UpdatedAt,
	}
	for i, s := range e.Steps {
		c.Steps[i] = s.Clone()
	}
	if e.StartedAt != nil {
		t := *e.StartedAt
		c.StartedAt = &t
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}
	c.cancelRequested.Store(e.cancelRequested.Load())
	return c
}

// Recompute refreshes the derived fields. Repositories call it after loading
// an execution from storage.
func (e *Execution) Recompute() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recomputeLocked()
}

func (e *Execution) stepLocked(id string) *Step {
	for _, s := range e.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// recomputeLocked derives progress and metrics from the steps collection.
func (e *Execution) recomputeLocked() {
	e.ProgressPercent = ComputeProgress(e.Steps, e.Status)

	var m Metrics
	for _, s := range e.Steps {
		m.TotalLLMCalls += s.LLMCalls
		m.TotalTokensUsed += s.TokensUsed
		switch s.Status {
		case StepCompleted:
			m.TotalStepsCompleted++
		case StepFailed:
			m.TotalStepsFailed++
		}
	}
	e.Metrics = m
}

// ComputeProgress returns (completed+skipped)/total as a percentage. An
// execution without steps reports 100 once completed and 0 before.
func ComputeProgress(steps []*Step, status ExecutionStatus) float64 {
	if len(steps) == 0 {
		if status == ExecutionCompleted {
			return 100
		}
		return 0
	}
	done := 0
	for _, s := range steps {
		if s.Status == StepCompleted || s.Status == StepSkipped {
			done++
		}
	}
	return float64(done) / float64(len(steps)) * 100
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
