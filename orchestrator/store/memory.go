// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"lexflow/platform/orchestrator/workflow"
)

// MemoryRepository keeps records in process memory.
type MemoryRepository struct {
	mu          sync.RWMutex
	executions  map[string]*workflow.Execution
	definitions map[string]*workflow.Definition
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		executions:  make(map[string]*workflow.Execution),
		definitions: make(map[string]*workflow.Definition),
	}
}

func (r *MemoryRepository) SaveExecution(_ context.Context, exec *workflow.Execution) error {
	if exec == nil || exec.ID == "" {
		return ErrInvalidInput
	}
	snap := exec.Snapshot()
	r.mu.Lock()
	r.executions[snap.ID] = snap
	r.mu.Unlock()
	return nil
}

func (r *MemoryRepository) SaveStep(_ context.Context, executionID string, step *workflow.Step) error {
	if step == nil {
		return ErrInvalidInput
	}
	r.mu.RLock()
	exec, ok := r.executions[executionID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: execution %s", ErrNotFound, executionID)
	}
	c := step.Clone()
	if _, err := exec.UpdateStep(step.ID, func(s *workflow.Step) { *s = *c }); err != nil {
		return fmt.Errorf("%w: step %s", ErrNotFound, step.ID)
	}
	return nil
}

func (r *MemoryRepository) GetExecution(_ context.Context, id string) (*workflow.Execution, error) {
	r.mu.RLock()
	exec, ok := r.executions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return exec.Snapshot(), nil
}

func (r *MemoryRepository) ListExecutions(_ context.Context, opts ListOptions) ([]*workflow.Execution, error) {
	r.mu.RLock()
	var out []*workflow.Execution
	for _, e := range r.executions {
		snap := e.Snapshot()
		if opts.ScopeID != "" && snap.ScopeID != opts.ScopeID {
			continue
		}
		if opts.Status != "" && snap.Status != opts.Status {
			continue
		}
		snap.Steps = nil
		out = append(out, snap)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if opts.Offset >= len(out) {
		return []*workflow.Execution{}, nil
	}
	out = out[opts.Offset:]
	if len(out) > opts.limit() {
		out = out[:opts.limit()]
	}
	return out, nil
}

func (r *MemoryRepository) DeleteExecution(_ context.Context, id string) error {
	r.mu.Lock()
	delete(r.executions, id)
	r.mu.Unlock()
	return nil
}

func (r *MemoryRepository) SaveDefinition(_ context.Context, def *workflow.Definition) error {
	if def == nil || def.ID == "" || def.Name == "" {
		return ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	c := cloneDefinition(def)
	if existing, ok := r.definitions[def.ID]; ok {
		if existing.Published {
			return fmt.Errorf("%w: %s", ErrPublished, def.ID)
		}
		c.CreatedAt = existing.CreatedAt
	} else if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	r.definitions[def.ID] = c
	return nil
}

func (r *MemoryRepository) GetDefinition(_ context.Context, id string) (*workflow.Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.definitions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDefinition(def), nil
}

func (r *MemoryRepository) ListDefinitions(_ context.Context) ([]*workflow.Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*workflow.Definition, 0, len(r.definitions))
	for _, d := range r.definitions {
		out = append(out, cloneDefinition(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *MemoryRepository) Ping(context.Context) error { return nil }

func cloneDefinition(d *workflow.Definition) *workflow.Definition {
	c := *d
	c.AvailableTools = append([]string(nil), d.AvailableTools...)
	c.DefaultPlan = make([]*workflow.Step, len(d.DefaultPlan))
	for i, s := range d.DefaultPlan {
		c.DefaultPlan[i] = s.Clone()
	}
	c.OutputSchema = workflow.CloneMap(d.OutputSchema)
	if d.Prompts != nil {
		c.Prompts = make(map[string]string, len(d.Prompts))
		for k, v := range d.Prompts {
			c.Prompts[k] = v
		}
	}
	return &c
}
