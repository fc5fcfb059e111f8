// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"lexflow/platform/orchestrator/documents"
	"lexflow/platform/orchestrator/evaluator"
	"lexflow/platform/orchestrator/events"
	"lexflow/platform/orchestrator/feedback"
	"lexflow/platform/orchestrator/tasks"
	"lexflow/platform/orchestrator/tools"
	"lexflow/platform/orchestrator/validator"
	"lexflow/platform/orchestrator/workflow"
)

// verdict is the settled outcome of one step attempt.
type verdict struct {
	status  workflow.StepStatus
	result  map[string]interface{}
	summary string
	err     string
}

// runStep executes one step and records its outcome. The tool call runs on a
// context detached from cancellation so an in-flight step always finishes.
func (e *Engine) runStep(ctx context.Context, r *run, step *workflow.Step) {
	exec := r.exec
	started := time.Now().UTC()

	running, err := exec.UpdateStep(step.ID, func(s *workflow.Step) {
		s.Status = workflow.StepRunning
		s.StartedAt = &started
		s.CompletedAt = nil
		s.Error = ""
	})
	if err != nil {
		return
	}
	e.record(ctx, exec, running)
	r.send(events.Event{
		Type:    events.StepStarted,
		StepID:  step.ID,
		Message: fmt.Sprintf("Running %s", stepLabel(running)),
		Data: map[string]interface{}{
			"tool":        running.ToolName,
			"task":        running.Task,
			"retry_count": running.RetryCount,
		},
	})

	tc := e.toolContext(exec, running)
	res, err := e.deps.Tools.Execute(context.WithoutCancel(ctx), running.ToolName, running.Params, tc)
	if err != nil {
		e.log.Error(exec.ScopeID, exec.ID, "Tool call failed", map[string]interface{}{
			"step_id":    running.ID,
			"tool":       running.ToolName,
			"error":      err.Error(),
			"error_type": fmt.Sprintf("%T", err),
		})
	}
	if res == nil {
		res = tools.Failed("tool %s returned no result", running.ToolName)
	}

	ev := e.deps.Evaluator.Evaluate(running.ID, running.Task, res)
	v := e.judge(ctx, r, running, res, ev)
	if v.status == workflow.StepCompleted {
		r.setArtifacts(running.ID, res.Artifacts)
	}

	completed := time.Now().UTC()
	final, err := exec.UpdateStep(step.ID, func(s *workflow.Step) {
		s.Status = v.status
		s.Result = v.result
		s.Summary = v.summary
		s.Error = v.err
		s.CompletedAt = &completed
		s.Duration = completed.Sub(started)
		s.LLMCalls += res.LLMCalls
		s.TokensUsed += res.TokensUsed
	})
	if err != nil {
		return
	}
	e.record(ctx, exec, final)
	e.deps.Metrics.StepFinished(final.ToolName, string(final.Status), final.Duration)

	data := map[string]interface{}{
		"tool":       final.ToolName,
		"task":       final.Task,
		"evaluation": ev.Map(),
		"duration":   final.Duration.Seconds(),
	}
	if final.Status == workflow.StepCompleted {
		data["summary"] = final.Summary
		r.send(events.Event{
			Type:    events.StepCompleted,
			StepID:  final.ID,
			Message: fmt.Sprintf("Completed %s", stepLabel(final)),
			Data:    data,
		})
		return
	}
	data["error"] = final.Error
	data["retry_count"] = final.RetryCount
	data["retries_left"] = final.MaxRetries - final.RetryCount
	r.send(events.Event{
		Type:    events.StepFailed,
		StepID:  final.ID,
		Message: fmt.Sprintf("%s failed: %s", stepLabel(final), final.Error),
		Data:    data,
	})
}

// judge turns a tool result and its evaluation into the step outcome. A
// finding that fails validation is retried while the budget lasts, then
// goes to a human or is kept marked unvalidated. Low confidence asks a human
// first; otherwise a weak result fails the attempt while the retry budget
// lasts so the replanner can improve it.
func (e *Engine) judge(ctx context.Context, r *run, step *workflow.Step, res *tools.Result, ev *evaluator.Evaluation) verdict {
	if !res.Success {
		return verdict{status: workflow.StepFailed, err: res.Error, result: map[string]interface{}{"evaluation": ev.Map()}}
	}

	result := workflow.CloneMap(res.Data)
	if result == nil {
		result = make(map[string]interface{})
	}
	result["evaluation"] = ev.Map()
	v := verdict{status: workflow.StepCompleted, result: result, summary: res.Summary}
	retriesLeft := e.deps.Replanner != nil && step.RetryCount < step.MaxRetries

	if ev.NeedsValidation {
		if vr := e.validate(ctx, r, step, res, ev); vr != nil {
			result["validation"] = vr.Map()
			if !vr.IsValid {
				switch {
				case retriesLeft:
					v.status = workflow.StepFailed
					if !vr.Evidence.Passed {
						v.err = "finding is not supported by the source documents"
					} else {
						v.err = "finding failed validation: " + strings.Join(vr.Issues, "; ")
					}
					return v
				case e.deps.Feedback != nil:
					return e.review(ctx, r, step, "finding failed validation", vr.Issues, ev, v)
				default:
					result["unvalidated"] = true
				}
			}
		}
	}

	if ev.NeedsHumanReview && e.deps.Feedback != nil {
		reason := fmt.Sprintf("confidence %.2f is below the review threshold", ev.Confidence)
		return e.review(ctx, r, step, reason, ev.Issues, ev, v)
	}

	if ev.NeedsAdaptation && retriesLeft {
		v.status = workflow.StepFailed
		if ev.Confidence < e.deps.Evaluator.Config().AdaptationConfidence {
			v.err = "low confidence result: " + strings.Join(ev.Issues, "; ")
		} else {
			v.err = "incomplete result: " + strings.Join(ev.Issues, "; ")
		}
		v.err = strings.TrimSuffix(v.err, ": ")
	}
	return v
}

// validate runs the multi-level checks on a document-scoped step's finding.
// It returns nil when validation does not apply.
func (e *Engine) validate(ctx context.Context, r *run, step *workflow.Step, res *tools.Result, ev *evaluator.Evaluation) *validator.Result {
	if e.deps.Validator == nil || e.deps.Documents == nil {
		return nil
	}
	h, err := e.deps.Tools.Lookup(step.ToolName)
	if err != nil || !h.Spec().DocumentScoped {
		return nil
	}

	ids := tools.StringsParam(step.Params, "file_ids")
	if len(ids) == 0 {
		ids = r.exec.Snapshot().DocumentIDs
	}
	var sources []*documents.Document
	if len(ids) > 0 {
		sources, err = e.deps.Documents.GetMany(ctx, ids)
		if err != nil {
			e.log.Warn(r.exec.ScopeID, r.exec.ID, "Could not load validation sources", map[string]interface{}{
				"step_id": step.ID,
				"error":   err.Error(),
			})
		}
	}

	if len(sources) == 0 {
		return nil
	}

	finding := validator.FindingFromResult(step.ID, step.Task, outputOf(step.Task, res.Data), ev.Confidence, ev.Completeness)
	var others []validator.Finding
	for _, s := range r.exec.StepsSnapshot() {
		if s.Status != workflow.StepCompleted || s.ID == step.ID || s.Task == step.Task {
			continue
		}
		others = append(others, validator.FindingFromResult(s.ID, s.Task, outputOf(s.Task, s.Result), 0, 0))
	}

	return e.deps.Validator.ValidateFinding(ctx, finding, sources, others, verifyingTask(r.exec, step))
}

// verifyingTask picks the task that checks a finding independently: a plan
// step that consumes it, else the first catalog task built on it.
func verifyingTask(exec *workflow.Execution, step *workflow.Step) string {
	if step.Task == "" {
		return ""
	}
	for _, s := range exec.StepsSnapshot() {
		if s.Task == "" || s.Task == step.Task {
			continue
		}
		for _, dep := range s.DependsOn {
			if dep == step.ID {
				return s.Task
			}
		}
	}
	for _, t := range tasks.All() {
		for _, pre := range t.Prerequisites {
			if pre == step.Task {
				return t.Name
			}
		}
	}
	return ""
}

// review raises a feedback request and blocks the step until a reviewer
// answers or the wait runs out. An unanswered request keeps the result and
// marks it unreviewed.
func (e *Engine) review(ctx context.Context, r *run, step *workflow.Step, reason string, issues []string, ev *evaluator.Evaluation, v verdict) verdict {
	exec := r.exec
	req := e.deps.Feedback.Create(feedback.Request{
		ExecutionID: exec.ID,
		StepID:      step.ID,
		ScopeID:     exec.ScopeID,
		Reason:      reason,
		Question:    fmt.Sprintf("Please review the result of %s. Is it correct and complete?", stepLabel(step)),
		Context: map[string]interface{}{
			"task":       step.Task,
			"summary":    v.summary,
			"issues":     issues,
			"confidence": ev.Confidence,
		},
	})
	e.deps.Metrics.Feedback(feedback.StatusPending)
	r.send(events.Event{
		Type:    events.FeedbackRequested,
		StepID:  step.ID,
		Message: req.Question,
		Data: map[string]interface{}{
			"request_id": req.ID,
			"reason":     req.Reason,
			"expires_at": req.ExpiresAt,
		},
	})

	out, err := e.deps.Feedback.Wait(ctx, req.ID, e.cfg.FeedbackWait)
	if err != nil {
		v.result["unreviewed"] = true
		return v
	}
	e.deps.Metrics.Feedback(out.Status)

	review := map[string]interface{}{
		"request_id": out.ID,
		"status":     out.Status,
	}
	if out.Answer != "" {
		review["answer"] = out.Answer
	}
	if out.ReviewerID != "" {
		review["reviewer_id"] = out.ReviewerID
	}
	v.result["review"] = review

	switch out.Status {
	case feedback.StatusApproved:
		return v
	case feedback.StatusRejected:
		v.status = workflow.StepFailed
		v.err = "human reviewer rejected the result"
		if out.Answer != "" {
			v.err += ": " + out.Answer
		}
		return v
	default:
		v.result["unreviewed"] = true
		return v
	}
}

// toolContext builds what the tool sees: request scope and the results of
// every completed step.
func (e *Engine) toolContext(exec *workflow.Execution, step *workflow.Step) *tools.Context {
	snap := exec.Snapshot()
	prior := make(map[string]tools.Prior)
	for _, s := range snap.Steps {
		if s.Status == workflow.StepCompleted && s.ID != step.ID {
			prior[s.ID] = tools.Prior{StepID: s.ID, Task: s.Task, Data: s.Result}
		}
	}
	return &tools.Context{
		ExecutionID: snap.ID,
		StepID:      step.ID,
		Task:        step.Task,
		ScopeID:     snap.ScopeID,
		UserID:      snap.UserID,
		Query:       snap.Task,
		DocumentIDs: append([]string(nil), snap.DocumentIDs...),
		Prior:       prior,
	}
}

func stepLabel(s *workflow.Step) string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}
