// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"lexflow/platform/orchestrator/cache"
	"lexflow/platform/orchestrator/documents"
	"lexflow/platform/orchestrator/engine"
	"lexflow/platform/orchestrator/events"
	"lexflow/platform/orchestrator/feedback"
	"lexflow/platform/orchestrator/intent"
	"lexflow/platform/orchestrator/metrics"
	"lexflow/platform/orchestrator/planner"
	"lexflow/platform/orchestrator/store"
	"lexflow/platform/orchestrator/workflow"
	"lexflow/platform/shared/logger"
)

// resultCacheTask is the cache key task name of whole-request results.
const resultCacheTask = "execution_result"

var (
	// ErrEmptyTask is returned for a request without task text.
	ErrEmptyTask = errors.New("task is required")
	// ErrNotRunning is returned when cancelling an execution that is not in flight.
	ErrNotRunning = errors.New("execution is not running")
	// ErrShuttingDown is returned when a request arrives after Close.
	ErrShuttingDown = errors.New("coordinator is shutting down")
)

// Request is one analysis request.
type Request struct {
	Task        string   `json:"task"`
	ScopeID     string   `json:"scope_id"`
	UserID      string   `json:"user_id,omitempty"`
	DocumentIDs []string `json:"document_ids,omitempty"`
	// DocumentURIs are imported through the document loader before
	// classification, e.g. s3://bucket/key.
	DocumentURIs   []string               `json:"document_uris,omitempty"`
	DefinitionID   string                 `json:"definition_id,omitempty"`
	Params         map[string]interface{} `json:"params,omitempty"`
	AvailableTools []string               `json:"available_tools,omitempty"`
	TimeoutMinutes int                    `json:"timeout_minutes,omitempty"`
	SkipCache      bool                   `json:"skip_cache,omitempty"`
}

// CoordinatorConfig tunes the coordinator.
type CoordinatorConfig struct {
	// RetryBudget is the max_retries given to steps that declare none.
	RetryBudget int
	// TimeoutMinutes bounds an execution when neither the request nor its
	// definition sets a timeout.
	TimeoutMinutes int
	// ClarificationWait is how long a low-confidence request waits for the
	// user to clarify. Zero completes it with the question right away.
	ClarificationWait time.Duration
	// ResultTTL is the lifetime of cached whole-request results.
	ResultTTL     time.Duration
	PromptVersion string
}

// DefaultCoordinatorConfig returns the standard settings.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		RetryBudget:       3,
		TimeoutMinutes:    30,
		ClarificationWait: 0,
		ResultTTL:         cache.DefaultTTL,
		PromptVersion:     "v1",
	}
}

// CoordinatorDeps are the components the coordinator drives. Cache, Loader,
// Documents, Feedback and Metrics are optional.
type CoordinatorDeps struct {
	Classifier *intent.Classifier
	Planner    *planner.Planner
	Engine     *engine.Engine
	Repository store.Repository
	Hub        *events.Hub
	Cache      cache.Cache
	Feedback   *feedback.Queue
	Documents  documents.Store
	Loader     *documents.Loader
	Metrics    *metrics.Metrics
	Log        *logger.Logger
}

// Coordinator ties classification, planning and execution together. Every
// execution runs on its own goroutine and reports through an event stream.
type Coordinator struct {
	cfg  CoordinatorConfig
	deps CoordinatorDeps
	log  *logger.Logger

	base   context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
	active map[string]*workflow.Execution
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg CoordinatorConfig, deps CoordinatorDeps) *Coordinator {
	def := DefaultCoordinatorConfig()
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = def.RetryBudget
	}
	if cfg.TimeoutMinutes <= 0 {
		cfg.TimeoutMinutes = def.TimeoutMinutes
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = def.ResultTTL
	}
	if cfg.PromptVersion == "" {
		cfg.PromptVersion = def.PromptVersion
	}
	if deps.Hub == nil {
		deps.Hub = events.NewHub(0)
	}
	if deps.Repository == nil {
		deps.Repository = store.NewMemoryRepository()
	}
	if deps.Log == nil {
		deps.Log = logger.New("coordinator")
	}
	base, stop := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:    cfg,
		deps:   deps,
		log:    deps.Log,
		base:   base,
		stop:   stop,
		active: make(map[string]*workflow.Execution),
	}
}

// Start creates an execution for req and runs it in the background. The
// returned stream replays every event from the start, so callers may
// subscribe at any time.
func (c *Coordinator) Start(ctx context.Context, req Request) (*workflow.Execution, *events.Stream, error) {
	req.Task = strings.TrimSpace(req.Task)
	if req.Task == "" {
		return nil, nil, ErrEmptyTask
	}

	var def *workflow.Definition
	if req.DefinitionID != "" {
		d, err := c.deps.Repository.GetDefinition(ctx, req.DefinitionID)
		if err != nil {
			return nil, nil, fmt.Errorf("definition %s: %w", req.DefinitionID, err)
		}
		def = d
	}

	exec := workflow.NewExecution(uuid.New().String(), req.Task, req.ScopeID)
	exec.UserID = req.UserID
	exec.DocumentIDs = append([]string(nil), req.DocumentIDs...)
	exec.TimeoutMinutes = c.timeoutFor(req, def)
	if def != nil {
		exec.DefinitionID = def.ID
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, nil, ErrShuttingDown
	}
	c.active[exec.ID] = exec
	c.wg.Add(1)
	c.mu.Unlock()

	stream := c.deps.Hub.Open(exec.ID)
	c.persist(ctx, exec)
	c.deps.Metrics.ExecutionStarted()
	c.log.Info(exec.ScopeID, exec.ID, "Execution accepted", map[string]interface{}{
		"definition_id":   exec.DefinitionID,
		"documents":       len(exec.DocumentIDs) + len(req.DocumentURIs),
		"timeout_minutes": exec.TimeoutMinutes,
	})
	stream.Emit(events.Event{
		Type:        events.Started,
		ExecutionID: exec.ID,
		Message:     "Execution started",
		Data: map[string]interface{}{
			"task":         exec.Task,
			"scope_id":     exec.ScopeID,
			"document_ids": exec.DocumentIDs,
		},
	})

	snapshot := exec.Snapshot()
	go c.process(exec, stream, req, def)
	return snapshot, stream, nil
}

// Execute runs req to completion and returns the final execution.
func (c *Coordinator) Execute(ctx context.Context, req Request) (*workflow.Execution, error) {
	exec, stream, err := c.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	if _, err := stream.Wait(ctx); err != nil {
		return nil, err
	}
	return c.Get(ctx, exec.ID)
}

// Get returns a snapshot of a running execution or the stored record.
func (c *Coordinator) Get(ctx context.Context, id string) (*workflow.Execution, error) {
	c.mu.Lock()
	exec, ok := c.active[id]
	c.mu.Unlock()
	if ok {
		return exec.Snapshot(), nil
	}
	return c.deps.Repository.GetExecution(ctx, id)
}

// List returns stored executions.
func (c *Coordinator) List(ctx context.Context, opts store.ListOptions) ([]*workflow.Execution, error) {
	return c.deps.Repository.ListExecutions(ctx, opts)
}

// Stream returns the event stream of a running or recently finished execution.
func (c *Coordinator) Stream(id string) (*events.Stream, bool) {
	return c.deps.Hub.Get(id)
}

// Cancel stops dispatching new steps of an execution and releases its
// pending feedback requests. Steps already running finish.
func (c *Coordinator) Cancel(id string) error {
	c.mu.Lock()
	exec, ok := c.active[id]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, id)
	}
	exec.RequestCancel()
	released := 0
	if c.deps.Feedback != nil {
		released = c.deps.Feedback.CancelExecution(id)
	}
	c.log.Info(exec.ScopeID, id, "Cancellation requested", map[string]interface{}{"released_feedback": released})
	return nil
}

// InvalidateScope drops every cached entry of a scope such as "case:42".
func (c *Coordinator) InvalidateScope(ctx context.Context, scope string) error {
	if c.deps.Cache == nil {
		return nil
	}
	return c.deps.Cache.InvalidateScope(ctx, cache.ParseScope(scope))
}

// Active returns the number of executions in flight.
func (c *Coordinator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// Close cancels every running execution and waits for them to settle.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.stop()
	c.wg.Wait()
}

func (c *Coordinator) timeoutFor(req Request, def *workflow.Definition) int {
	switch {
	case req.TimeoutMinutes > 0:
		return req.TimeoutMinutes
	case def != nil && def.TimeoutMinutes > 0:
		return def.TimeoutMinutes
	default:
		return c.cfg.TimeoutMinutes
	}
}

// process runs one execution to a terminal state.
func (c *Coordinator) process(exec *workflow.Execution, stream *events.Stream, req Request, def *workflow.Definition) {
	defer c.wg.Done()
	start := time.Now()

	ctx, cancel := context.WithTimeout(c.base, time.Duration(exec.TimeoutMinutes)*time.Minute)
	defer cancel()

	if err := c.orchestrate(ctx, exec, stream, req, def); err != nil && !stream.Closed() {
		c.abort(ctx, exec, stream, err)
	}

	c.mu.Lock()
	delete(c.active, exec.ID)
	c.mu.Unlock()

	status := exec.GetStatus()
	c.deps.Metrics.ExecutionFinished(string(status), time.Since(start))
	c.log.InfoWithDuration(exec.ScopeID, exec.ID, "Execution settled", time.Since(start), map[string]interface{}{
		"status":   string(status),
		"progress": exec.Progress(),
	})
}

func (c *Coordinator) orchestrate(ctx context.Context, exec *workflow.Execution, stream *events.Stream, req Request, def *workflow.Definition) error {
	if err := exec.Transition(workflow.ExecutionPlanning); err != nil {
		return err
	}
	c.persist(ctx, exec)

	if err := c.importDocuments(ctx, exec, req.DocumentURIs); err != nil {
		return err
	}

	key := c.resultKey(exec)
	if !req.SkipCache {
		if hit := c.cachedResult(ctx, exec, stream, key); hit {
			return nil
		}
	}

	task := exec.Task
	var cls *intent.Classification
	if def == nil {
		cls = c.classify(ctx, exec)
		if cls.RequiresClarification && cls.Label != intent.LabelSimple {
			answer, ok := c.clarify(ctx, exec, stream, cls)
			if !ok {
				return c.completeWithQuestion(ctx, exec, stream, cls)
			}
			task = task + "\n" + answer
		}
	}
	if err := stopCause(ctx, exec); err != nil {
		return err
	}

	plan, err := c.deps.Planner.CreatePlan(ctx, c.planRequest(exec, task, req, def, cls))
	if err != nil {
		if cause := stopCause(ctx, exec); cause != nil {
			return cause
		}
		return fmt.Errorf("planning failed: %w", err)
	}
	exec.ApplyPlan(plan, c.cfg.RetryBudget)
	exec.SetMetadata("plan", map[string]interface{}{
		"plan_id":   plan.ID,
		"task_type": plan.TaskType,
		"source":    plan.Source,
		"reasoning": plan.Reasoning,
	})
	c.persist(ctx, exec)
	if err := stopCause(ctx, exec); err != nil {
		return err
	}

	if err := c.deps.Engine.Run(ctx, exec, stream); err != nil {
		return err
	}
	if !req.SkipCache && exec.GetStatus() == workflow.ExecutionCompleted {
		c.storeResult(ctx, exec, key)
	}
	return nil
}

func (c *Coordinator) planRequest(exec *workflow.Execution, task string, req Request, def *workflow.Definition, cls *intent.Classification) planner.Request {
	snap := exec.Snapshot()
	preq := planner.Request{
		Task:           task,
		ScopeID:        snap.ScopeID,
		ExecutionID:    snap.ID,
		DocumentIDs:    snap.DocumentIDs,
		AvailableTools: req.AvailableTools,
		Template:       def,
		Params:         req.Params,
	}
	if def != nil && len(preq.AvailableTools) == 0 {
		preq.AvailableTools = def.AvailableTools
	}
	if cls != nil {
		preq.SuggestedTasks = cls.SuggestedTasks
		if cls.RecommendedPath == intent.PathRAG {
			preq.TaskType = planner.TypeQuestionAnswering
		}
	}
	return preq
}

func (c *Coordinator) importDocuments(ctx context.Context, exec *workflow.Execution, uris []string) error {
	if len(uris) == 0 {
		return nil
	}
	if c.deps.Loader == nil {
		return fmt.Errorf("%w: no document sources configured", documents.ErrUnsupportedScheme)
	}
	for _, uri := range uris {
		doc, err := c.deps.Loader.Load(ctx, exec.ScopeID, uri)
		if err != nil {
			return fmt.Errorf("failed to import %s: %w", uri, err)
		}
		exec.AddDocuments(doc.ID)
	}
	c.log.Info(exec.ScopeID, exec.ID, "Documents imported", map[string]interface{}{"count": len(uris)})
	return nil
}

func (c *Coordinator) classify(ctx context.Context, exec *workflow.Execution) *intent.Classification {
	snap := exec.Snapshot()
	cc := intent.Context{ScopeID: snap.ScopeID, ExecutionID: snap.ID, DocumentIDs: snap.DocumentIDs}
	if c.deps.Documents != nil && len(snap.DocumentIDs) > 0 {
		if docs, err := c.deps.Documents.GetMany(ctx, snap.DocumentIDs); err == nil {
			for _, d := range docs {
				cc.DocumentNames = append(cc.DocumentNames, d.Name)
			}
		}
	}
	cls := c.deps.Classifier.Classify(ctx, snap.Task, cc)
	exec.SetMetadata("classification", map[string]interface{}{
		"label":                  string(cls.Label),
		"confidence":             cls.Confidence,
		"recommended_path":       string(cls.RecommendedPath),
		"suggested_tasks":        cls.SuggestedTasks,
		"requires_clarification": cls.RequiresClarification,
		"stage":                  string(cls.Stage),
	})
	return cls
}

// clarify asks the user to restate an ambiguous request and waits for the
// answer.
func (c *Coordinator) clarify(ctx context.Context, exec *workflow.Execution, stream *events.Stream, cls *intent.Classification) (string, bool) {
	if c.deps.Feedback == nil || c.cfg.ClarificationWait <= 0 {
		return "", false
	}
	req := c.deps.Feedback.Create(feedback.Request{
		ExecutionID: exec.ID,
		ScopeID:     exec.ScopeID,
		Reason:      fmt.Sprintf("request confidence %.2f is below the clarification threshold", cls.Confidence),
		Question:    clarificationQuestion(cls),
		Context: map[string]interface{}{
			"label":           string(cls.Label),
			"suggested_tasks": cls.SuggestedTasks,
		},
	})
	c.deps.Metrics.Feedback(feedback.StatusPending)
	stream.Emit(events.Event{
		Type:            events.FeedbackRequested,
		ExecutionID:     exec.ID,
		ProgressPercent: exec.Progress(),
		Message:         req.Question,
		Data: map[string]interface{}{
			"request_id": req.ID,
			"reason":     req.Reason,
			"expires_at": req.ExpiresAt,
		},
	})

	out, err := c.deps.Feedback.Wait(ctx, req.ID, c.cfg.ClarificationWait)
	if err != nil {
		return "", false
	}
	c.deps.Metrics.Feedback(out.Status)
	if out.Status != feedback.StatusApproved || strings.TrimSpace(out.Answer) == "" {
		return "", false
	}
	exec.SetMetadata("clarification", out.Answer)
	return strings.TrimSpace(out.Answer), true
}

func clarificationQuestion(cls *intent.Classification) string {
	if len(cls.SuggestedTasks) == 0 {
		return "The request is ambiguous. Which analysis of the documents do you need?"
	}
	return fmt.Sprintf("The request is ambiguous. Do you need the following analysis: %s?", strings.Join(cls.SuggestedTasks, ", "))
}

// completeWithQuestion ends an execution that cannot proceed without the
// user's clarification.
func (c *Coordinator) completeWithQuestion(ctx context.Context, exec *workflow.Execution, stream *events.Stream, cls *intent.Classification) error {
	question := clarificationQuestion(cls)
	exec.SetMetadata("requires_clarification", true)
	exec.SetOutcome(map[string]interface{}{}, workflow.Artifacts{}, question)
	if err := exec.Transition(workflow.ExecutionCompleted); err != nil {
		return err
	}
	c.persist(ctx, exec)
	stream.Emit(events.Event{
		Type:            events.Completed,
		ExecutionID:     exec.ID,
		ProgressPercent: exec.Progress(),
		Message:         question,
		Data: map[string]interface{}{
			"status":                 string(workflow.ExecutionCompleted),
			"requires_clarification": true,
			"confidence":             cls.Confidence,
			"suggested_tasks":        cls.SuggestedTasks,
		},
	})
	return nil
}

func (c *Coordinator) resultKey(exec *workflow.Execution) cache.KeyParts {
	snap := exec.Snapshot()
	task := resultCacheTask
	if snap.DefinitionID != "" {
		task += ":" + snap.DefinitionID
	}
	return cache.KeyParts{
		Query:         snap.Task,
		Task:          task,
		PromptVersion: c.cfg.PromptVersion,
		Scope:         cache.CaseScope(snap.ScopeID),
		DocSetHash:    cache.DocumentSetHash(snap.DocumentIDs),
	}
}

// cachedResult completes exec from a cached result of the same request over
// the same documents.
func (c *Coordinator) cachedResult(ctx context.Context, exec *workflow.Execution, stream *events.Stream, key cache.KeyParts) bool {
	if c.deps.Cache == nil {
		return false
	}
	entry, ok, err := c.deps.Cache.Get(ctx, key)
	if err != nil {
		c.log.Warn(exec.ScopeID, exec.ID, "Result cache lookup failed", map[string]interface{}{"error": err.Error()})
		return false
	}
	c.deps.Metrics.CacheLookup("execution", ok)
	if !ok {
		return false
	}

	results, _ := entry.Value["results"].(map[string]interface{})
	summary, _ := entry.Value["summary"].(string)
	exec.SetOutcome(results, workflow.Artifacts{}, summary)
	exec.SetMetadata("cached", true)
	if err := exec.Transition(workflow.ExecutionCompleted); err != nil {
		return false
	}
	c.persist(ctx, exec)
	c.log.Info(exec.ScopeID, exec.ID, "Served from result cache", nil)
	stream.Emit(events.Event{
		Type:            events.Completed,
		ExecutionID:     exec.ID,
		ProgressPercent: exec.Progress(),
		Message:         "Execution completed from cache",
		Data: map[string]interface{}{
			"status":  string(workflow.ExecutionCompleted),
			"summary": summary,
			"results": results,
			"cached":  true,
		},
	})
	return true
}

func (c *Coordinator) storeResult(ctx context.Context, exec *workflow.Execution, key cache.KeyParts) {
	if c.deps.Cache == nil {
		return
	}
	snap := exec.Snapshot()
	value := map[string]interface{}{
		"results":      snap.Results,
		"summary":      snap.Summary,
		"execution_id": snap.ID,
	}
	if err := c.deps.Cache.Set(context.WithoutCancel(ctx), key, value, c.cfg.ResultTTL); err != nil {
		c.log.Warn(exec.ScopeID, exec.ID, "Failed to cache result", map[string]interface{}{"error": err.Error()})
	}
}

// abort fails or cancels an execution that stopped before the engine took
// over, and emits the terminal event.
func (c *Coordinator) abort(ctx context.Context, exec *workflow.Execution, stream *events.Stream, cause error) {
	status := workflow.ExecutionFailed
	if errors.Is(cause, engine.ErrCancelled) {
		status = workflow.ExecutionCancelled
	}
	exec.SetError(cause.Error())
	if err := exec.Transition(status); err != nil {
		c.log.Error(exec.ScopeID, exec.ID, "Could not finalize execution", map[string]interface{}{
			"status": string(status),
			"error":  err.Error(),
		})
	}
	c.persist(ctx, exec)
	c.log.Warn(exec.ScopeID, exec.ID, "Execution stopped before running", map[string]interface{}{"error": cause.Error()})
	stream.Emit(events.Event{
		Type:            events.Failed,
		ExecutionID:     exec.ID,
		ProgressPercent: exec.Progress(),
		Message:         cause.Error(),
		Data:            map[string]interface{}{"status": string(exec.GetStatus())},
	})
}

func (c *Coordinator) persist(ctx context.Context, exec *workflow.Execution) {
	if err := c.deps.Repository.SaveExecution(context.WithoutCancel(ctx), exec); err != nil {
		c.log.Warn(exec.ScopeID, exec.ID, "Failed to persist execution", map[string]interface{}{"error": err.Error()})
	}
}

// stopCause reports a cancellation or timeout that must end the execution.
func stopCause(ctx context.Context, exec *workflow.Execution) error {
	if exec.CancelRequested() {
		return engine.ErrCancelled
	}
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("execution exceeded its timeout of %d minutes", exec.TimeoutMinutes)
	case ctx.Err() != nil:
		return engine.ErrCancelled
	}
	return nil
}
