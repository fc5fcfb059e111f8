// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package engine runs an execution's plan level by level.
//
// Each pass computes the ready set (pending steps whose dependencies have
// completed), runs it concurrently up to the parallelism limit and waits for
// every step of the set to reach a terminal status before the next pass.
// Failed steps are handed to the replanner between passes while their retry
// budget lasts. A pass that finds pending steps but nothing runnable is a
// deadlock and fails the execution.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"lexflow/platform/orchestrator/documents"
	"lexflow/platform/orchestrator/evaluator"
	"lexflow/platform/orchestrator/events"
	"lexflow/platform/orchestrator/feedback"
	"lexflow/platform/orchestrator/graph"
	"lexflow/platform/orchestrator/llm"
	"lexflow/platform/orchestrator/metrics"
	"lexflow/platform/orchestrator/replanner"
	"lexflow/platform/orchestrator/tasks"
	"lexflow/platform/orchestrator/tools"
	"lexflow/platform/orchestrator/validator"
	"lexflow/platform/orchestrator/workflow"
	"lexflow/platform/shared/logger"
)

// ErrCancelled is returned by Run when the execution was cancelled.
var ErrCancelled = errors.New("execution cancelled")

// PlanDeadlockError reports pending steps that can never become runnable.
type PlanDeadlockError struct {
	Pending []string
	Cause   error
}

func (e *PlanDeadlockError) Error() string {
	msg := fmt.Sprintf("plan deadlock: no runnable step among pending steps %s", strings.Join(e.Pending, ", "))
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *PlanDeadlockError) Unwrap() error { return e.Cause }

// ToolRunner is the registry surface the engine dispatches through.
type ToolRunner interface {
	Execute(ctx context.Context, name string, params map[string]interface{}, tc *tools.Context) (*tools.Result, error)
	Lookup(name string) (tools.Handler, error)
}

// Replanner rewrites the failed part of a plan.
type Replanner interface {
	Replan(ctx context.Context, req replanner.Request) *replanner.Fragment
}

// Recorder persists step and execution records.
type Recorder interface {
	SaveExecution(ctx context.Context, exec *workflow.Execution) error
	SaveStep(ctx context.Context, executionID string, step *workflow.Step) error
}

// Config tunes the engine.
type Config struct {
	MaxParallelism int
	// FeedbackWait bounds how long a step waits for a human reviewer.
	FeedbackWait time.Duration
}

// DefaultConfig returns the standard settings.
func DefaultConfig() Config {
	return Config{MaxParallelism: 4, FeedbackWait: 10 * time.Minute}
}

// Deps are the collaborators of the engine. Tools is required; the rest are
// optional and their stage is skipped when nil.
type Deps struct {
	Tools     ToolRunner
	Evaluator *evaluator.Evaluator
	Validator *validator.Validator
	Replanner Replanner
	Feedback  *feedback.Queue
	Documents documents.Store
	Recorder  Recorder
	// LLM writes the execution summary. Without it the step summaries are
	// concatenated.
	LLM     llm.Provider
	Metrics *metrics.Metrics
	Log     *logger.Logger
}

// Engine executes plans.
type Engine struct {
	cfg  Config
	deps Deps
	log  *logger.Logger
}

// New creates an engine.
func New(cfg Config, deps Deps) *Engine {
	def := DefaultConfig()
	if cfg.MaxParallelism <= 0 {
		cfg.MaxParallelism = def.MaxParallelism
	}
	if cfg.FeedbackWait <= 0 {
		cfg.FeedbackWait = def.FeedbackWait
	}
	if deps.Evaluator == nil {
		deps.Evaluator = evaluator.New(evaluator.DefaultConfig())
	}
	if deps.Log == nil {
		deps.Log = logger.New("engine")
	}
	return &Engine{cfg: cfg, deps: deps, log: deps.Log}
}

// run is the state of one Run call shared by the step goroutines.
type run struct {
	exec *workflow.Execution
	emit events.Emitter

	mu        sync.Mutex
	artifacts map[string][]workflow.Artifact

	// emitMu orders progress reads with emission so the stream's progress
	// never goes backwards.
	emitMu sync.Mutex
}

func (r *run) send(ev events.Event) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	ev.ExecutionID = r.exec.ID
	ev.ProgressPercent = r.exec.Progress()
	r.emit.Emit(ev)
}

func (r *run) setArtifacts(stepID string, arts []workflow.Artifact) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]workflow.Artifact, len(arts))
	for i, a := range arts {
		if a.StepID == "" {
			a.StepID = stepID
		}
		out[i] = a
	}
	r.artifacts[stepID] = out
}

func (r *run) stepArtifacts(stepID string) []workflow.Artifact {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.artifacts[stepID]
}

// Run executes the plan installed on exec and leaves it in a terminal
// status. It always emits a terminal completed or failed event. The returned
// error is non-nil when the execution failed or was cancelled; partial
// success is not an error.
func (e *Engine) Run(ctx context.Context, exec *workflow.Execution, emit events.Emitter) error {
	if emit == nil {
		emit = events.Discard
	}
	r := &run{exec: exec, emit: emit, artifacts: make(map[string][]workflow.Artifact)}
	start := time.Now()

	if err := advance(exec, workflow.ExecutionExecuting); err != nil {
		return e.fail(ctx, r, err)
	}
	e.persist(ctx, exec)

	steps := exec.StepsSnapshot()
	levels, err := graph.Levels(workflow.StepNodes(steps))
	if err != nil {
		pending := stepIDs(steps)
		var oe *graph.OrderError
		if errors.As(err, &oe) {
			pending = oe.NodeIDs()
		}
		return e.fail(ctx, r, &PlanDeadlockError{Pending: pending, Cause: err})
	}
	e.log.Info(exec.ScopeID, exec.ID, "Execution started", map[string]interface{}{
		"steps":           len(steps),
		"levels":          len(levels),
		"max_parallelism": e.cfg.MaxParallelism,
	})

	if err := e.schedule(ctx, r); err != nil {
		return e.fail(ctx, r, err)
	}

	if err := e.finish(ctx, r); err != nil {
		return err
	}
	e.log.InfoWithDuration(exec.ScopeID, exec.ID, "Execution finished", time.Since(start), map[string]interface{}{
		"status":   string(exec.GetStatus()),
		"progress": exec.Progress(),
	})
	return nil
}

// schedule runs passes until no step is pending.
func (e *Engine) schedule(ctx context.Context, r *run) error {
	exec := r.exec
	for {
		if err := stopCause(ctx, exec); err != nil {
			return err
		}

		e.propagate(ctx, r)

		steps := exec.StepsSnapshot()
		ready, pending := readySet(steps)
		if len(pending) == 0 {
			return nil
		}
		if len(ready) == 0 {
			return &PlanDeadlockError{Pending: pending}
		}

		e.runLevel(ctx, r, ready)
		e.replanFailures(ctx, r)
	}
}

// runLevel runs the ready steps concurrently and waits for all of them.
// Steps not yet started when a stop is requested are cancelled.
func (e *Engine) runLevel(ctx context.Context, r *run, ready []*workflow.Step) {
	var g errgroup.Group
	g.SetLimit(e.cfg.MaxParallelism)

	for _, s := range ready {
		step := s
		g.Go(func() error {
			// A queued step starts only when a running one has finished.
			if stopCause(ctx, r.exec) != nil {
				e.cancelStep(ctx, r, step.ID)
				return nil
			}
			e.runStep(ctx, r, step)
			return nil
		})
	}
	_ = g.Wait()
}

// propagate settles pending steps that can no longer run: a failed or
// skipped dependency skips the step and a cancelled one cancels it.
func (e *Engine) propagate(ctx context.Context, r *run) {
	for {
		changed := false
		steps := r.exec.StepsSnapshot()
		status := make(map[string]workflow.StepStatus, len(steps))
		for _, s := range steps {
			status[s.ID] = s.Status
		}
		for _, s := range steps {
			if s.Status != workflow.StepPending {
				continue
			}
			var next workflow.StepStatus
			var cause string
			for _, dep := range s.DependsOn {
				switch status[dep] {
				case workflow.StepCancelled:
					next, cause = workflow.StepCancelled, dep
				case workflow.StepFailed, workflow.StepSkipped:
					if next == "" {
						next, cause = workflow.StepSkipped, dep
					}
				}
			}
			if next == "" {
				continue
			}
			reason := fmt.Sprintf("dependency %s was %s", cause, status[cause])
			updated, err := r.exec.UpdateStep(s.ID, func(st *workflow.Step) {
				st.Status = next
				st.Error = reason
			})
			if err != nil {
				continue
			}
			changed = true
			e.record(ctx, r.exec, updated)
			e.log.Info(r.exec.ScopeID, r.exec.ID, "Step not run", map[string]interface{}{
				"step_id": s.ID,
				"status":  string(next),
				"reason":  reason,
			})
		}
		if !changed {
			return
		}
	}
}

// replanFailures hands each failed step with retry budget left to the
// replanner and applies the returned fragment.
func (e *Engine) replanFailures(ctx context.Context, r *run) {
	if e.deps.Replanner == nil {
		return
	}
	exec := r.exec
	for _, s := range exec.StepsSnapshot() {
		if s.Status != workflow.StepFailed || s.RetryCount >= s.MaxRetries {
			continue
		}

		frag := e.deps.Replanner.Replan(ctx, replanner.Request{
			ExecutionID:  exec.ID,
			ScopeID:      exec.ScopeID,
			Steps:        exec.StepsSnapshot(),
			FailedStepID: s.ID,
			Reason:       s.Error,
		})
		if frag == nil {
			continue
		}

		applied := 0
		for _, rewritten := range frag.Steps {
			if err := exec.ReplaceStep(rewritten); err != nil {
				e.log.Warn(exec.ScopeID, exec.ID, "Replanned step not applied", map[string]interface{}{
					"step_id": rewritten.ID,
					"error":   err.Error(),
				})
				continue
			}
			applied++
			e.record(ctx, exec, exec.Step(rewritten.ID))
		}

		e.deps.Metrics.Replanned(string(frag.Strategy))
		appendMetadata(exec, "replans", map[string]interface{}{
			"step_id":    s.ID,
			"strategy":   string(frag.Strategy),
			"reasoning":  frag.Reasoning,
			"confidence": frag.Confidence,
			"category":   string(frag.Analysis.Category),
		})
		e.log.Info(exec.ScopeID, exec.ID, "Applied replan", map[string]interface{}{
			"step_id":  s.ID,
			"strategy": string(frag.Strategy),
			"applied":  applied,
		})
	}
}

// finish moves a fully scheduled execution through validation and report
// generation into its final status.
func (e *Engine) finish(ctx context.Context, r *run) error {
	exec := r.exec
	if err := advance(exec, workflow.ExecutionValidating, workflow.ExecutionGeneratingReport); err != nil {
		return e.fail(ctx, r, err)
	}

	report := e.aggregate(ctx, r)
	exec.SetOutcome(report.Results, report.Artifacts, report.Summary)
	exec.SetMetadata("progress_evaluation", report.Progress)

	steps := exec.StepsSnapshot()
	counts := exec.StepCounts()
	status := workflow.ExecutionCompleted
	switch {
	case len(steps) > 0 && counts[workflow.StepCompleted] == 0:
		return e.fail(ctx, r, errors.New("no step completed successfully"))
	case counts[workflow.StepFailed] > 0 || counts[workflow.StepSkipped] > 0 || counts[workflow.StepCancelled] > 0:
		status = workflow.ExecutionCompletedWithErrors
	}
	if err := exec.Transition(status); err != nil {
		return e.fail(ctx, r, err)
	}
	e.persist(ctx, exec)

	msg := fmt.Sprintf("Execution completed: %d of %d steps succeeded", counts[workflow.StepCompleted], len(steps))
	if status == workflow.ExecutionCompletedWithErrors {
		msg = fmt.Sprintf("Execution completed with errors: %d of %d steps succeeded", counts[workflow.StepCompleted], len(steps))
	}
	r.send(events.Event{
		Type:    events.Completed,
		Message: msg,
		Data: map[string]interface{}{
			"status":    string(status),
			"summary":   report.Summary,
			"results":   report.Results,
			"artifacts": report.Artifacts.Count(),
			"progress":  report.Progress,
		},
	})
	return nil
}

// fail settles every unfinished step, moves the execution to failed or
// cancelled and emits the terminal event.
func (e *Engine) fail(ctx context.Context, r *run, cause error) error {
	exec := r.exec
	for _, s := range exec.StepsSnapshot() {
		if !s.Status.IsTerminal() {
			e.cancelStep(ctx, r, s.ID)
		}
	}

	status := workflow.ExecutionFailed
	if errors.Is(cause, ErrCancelled) {
		status = workflow.ExecutionCancelled
	}
	exec.SetError(cause.Error())
	if err := exec.Transition(status); err != nil {
		e.log.Error(exec.ScopeID, exec.ID, "Could not finalize execution", map[string]interface{}{
			"status": string(status),
			"error":  err.Error(),
		})
	}
	e.persist(ctx, exec)

	e.log.Warn(exec.ScopeID, exec.ID, "Execution did not complete", map[string]interface{}{
		"status": string(exec.GetStatus()),
		"error":  cause.Error(),
	})
	r.send(events.Event{
		Type:    events.Failed,
		Message: cause.Error(),
		Data:    map[string]interface{}{"status": string(exec.GetStatus())},
	})
	return cause
}

func (e *Engine) cancelStep(ctx context.Context, r *run, id string) {
	updated, err := r.exec.UpdateStep(id, func(s *workflow.Step) {
		if !s.Status.IsTerminal() {
			s.Status = workflow.StepCancelled
		}
	})
	if err == nil {
		e.record(ctx, r.exec, updated)
	}
}

func (e *Engine) persist(ctx context.Context, exec *workflow.Execution) {
	if e.deps.Recorder == nil {
		return
	}
	if err := e.deps.Recorder.SaveExecution(context.WithoutCancel(ctx), exec); err != nil {
		e.log.Warn(exec.ScopeID, exec.ID, "Failed to persist execution", map[string]interface{}{"error": err.Error()})
	}
}

func (e *Engine) record(ctx context.Context, exec *workflow.Execution, step *workflow.Step) {
	if e.deps.Recorder == nil || step == nil {
		return
	}
	if err := e.deps.Recorder.SaveStep(context.WithoutCancel(ctx), exec.ID, step); err != nil {
		e.log.Warn(exec.ScopeID, exec.ID, "Failed to persist step", map[string]interface{}{
			"step_id": step.ID,
			"error":   err.Error(),
		})
	}
}

// stopCause reports why scheduling must stop, or nil.
func stopCause(ctx context.Context, exec *workflow.Execution) error {
	if exec.CancelRequested() || errors.Is(ctx.Err(), context.Canceled) {
		return ErrCancelled
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		if exec.TimeoutMinutes > 0 {
			return fmt.Errorf("execution exceeded its timeout of %d minutes", exec.TimeoutMinutes)
		}
		return errors.New("execution deadline exceeded")
	}
	return nil
}

// advance walks exec forward through the given statuses, skipping those it
// is already in. A pending execution passes through planning first.
func advance(exec *workflow.Execution, path ...workflow.ExecutionStatus) error {
	for _, to := range path {
		from := exec.GetStatus()
		if from == to {
			continue
		}
		if from == workflow.ExecutionPending && to != workflow.ExecutionPlanning {
			if err := exec.Transition(workflow.ExecutionPlanning); err != nil {
				return err
			}
		}
		if err := exec.Transition(to); err != nil {
			return err
		}
	}
	return nil
}

// readySet returns pending steps whose dependencies have all completed, in
// plan order, and the ids of every pending step.
func readySet(steps []*workflow.Step) (ready []*workflow.Step, pending []string) {
	status := make(map[string]workflow.StepStatus, len(steps))
	for _, s := range steps {
		status[s.ID] = s.Status
	}
	for _, s := range steps {
		if s.Status != workflow.StepPending {
			continue
		}
		pending = append(pending, s.ID)
		ok := true
		for _, dep := range s.DependsOn {
			if status[dep] != workflow.StepCompleted {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, s)
		}
	}
	sort.Strings(pending)
	return ready, pending
}

func stepIDs(steps []*workflow.Step) []string {
	ids := make([]string, len(steps))
	for i, s := range steps {
		ids[i] = s.ID
	}
	return ids
}

func appendMetadata(exec *workflow.Execution, key string, value interface{}) {
	snap := exec.Snapshot()
	list, _ := snap.Metadata[key].([]interface{})
	exec.SetMetadata(key, append(list, value))
}

// outputOf returns the task's output value from a step result, or the whole
// result when the task declares no output key.
func outputOf(task string, result map[string]interface{}) interface{} {
	if key := tasks.OutputKey(task); key != "" {
		if v, ok := result[key]; ok {
			return v
		}
	}
	return result
}
