// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package tools maps tool names to executable handlers with declared
// parameter contracts. Every invocation returns the same Result envelope,
// including when the handler fails, panics or times out.
package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"lexflow/platform/orchestrator/workflow"
	"lexflow/platform/shared/logger"
)

// DefaultTimeout applies to tools that do not declare one.
const DefaultTimeout = 2 * time.Minute

// ParamType is the declared type of a tool parameter.
type ParamType string

const (
	ParamString     ParamType = "string"
	ParamStringList ParamType = "string_list"
	ParamInt        ParamType = "int"
	ParamNumber     ParamType = "number"
	ParamBool       ParamType = "bool"
	ParamObject     ParamType = "object"
)

// ParamSpec declares one parameter of a tool.
type ParamSpec struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Required    bool      `json:"required"`
	Description string    `json:"description,omitempty"`
}

// Spec is the declared contract of a tool.
type Spec struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Params      []ParamSpec   `json:"params"`
	Timeout     time.Duration `json:"timeout"`
	// DocumentScoped tools operate on the request's documents and receive
	// file_ids from the planner.
	DocumentScoped bool `json:"document_scoped"`
}

// Prior is the output of an earlier step visible to a tool.
type Prior struct {
	StepID string
	Task   string
	Data   map[string]interface{}
}

// Context is what a tool sees about the execution it runs in.
type Context struct {
	ExecutionID string
	StepID      string
	Task        string
	ScopeID     string
	UserID      string
	Query       string
	DocumentIDs []string
	// Prior holds results of completed steps keyed by step id.
	Prior map[string]Prior
}

// PriorWith returns prior outputs carrying the given data key, ordered by
// step id.
func (c *Context) PriorWith(key string) []Prior {
	if c == nil {
		return nil
	}
	var out []Prior
	for _, p := range c.Prior {
		if _, ok := p.Data[key]; ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepID < out[j].StepID })
	return out
}

// Result is the uniform tool envelope.
type Result struct {
	Success    bool                   `json:"success"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Summary    string                 `json:"summary,omitempty"`
	Artifacts  []workflow.Artifact    `json:"artifacts,omitempty"`
	Error      string                 `json:"error,omitempty"`
	LLMCalls   int                    `json:"llm_calls"`
	TokensUsed int                    `json:"tokens_used"`
	Duration   time.Duration          `json:"duration"`
}

// Failed builds a failed envelope.
func Failed(format string, args ...interface{}) *Result {
	return &Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Handler executes one tool.
type Handler interface {
	Spec() Spec
	Execute(ctx context.Context, params map[string]interface{}, tc *Context) (*Result, error)
}

// HandlerFunc adapts a function into a Handler.
type HandlerFunc func(ctx context.Context, params map[string]interface{}, tc *Context) (*Result, error)

type funcHandler struct {
	spec Spec
	fn   HandlerFunc
}

func (h *funcHandler) Spec() Spec { return h.spec }

func (h *funcHandler) Execute(ctx context.Context, params map[string]interface{}, tc *Context) (*Result, error) {
	return h.fn(ctx, params, tc)
}

// New creates a Handler from a spec and function.
func New(spec Spec, fn HandlerFunc) Handler {
	return &funcHandler{spec: spec, fn: fn}
}

// UnknownToolError is returned for names with no registered handler.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool: %s", e.Name)
}

// InvalidParamsError lists parameter contract violations.
type InvalidParamsError struct {
	Tool     string
	Problems []string
}

func (e *InvalidParamsError) Error() string {
	return fmt.Sprintf("invalid params for tool %s: %s", e.Tool, strings.Join(e.Problems, "; "))
}

// Registry holds the registered tools.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	log      *logger.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logger.Logger) *Registry {
	if log == nil {
		log = logger.New("tools")
	}
	return &Registry{handlers: make(map[string]Handler), log: log}
}

// Register adds a handler. Registering a duplicate name is an error.
func (r *Registry) Register(h Handler) error {
	spec := h.Spec()
	if spec.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[spec.Name]; exists {
		return fmt.Errorf("tool %s already registered", spec.Name)
	}
	r.handlers[spec.Name] = h
	return nil
}

// Lookup returns the handler for name.
func (r *Registry) Lookup(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return nil, &UnknownToolError{Name: name}
	}
	return h, nil
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	_, err := r.Lookup(name)
	return err == nil
}

// Specs lists the declared contracts sorted by name.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]Spec, 0, len(r.handlers))
	for _, h := range r.handlers {
		specs = append(specs, h.Spec())
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Names lists registered tool names sorted.
func (r *Registry) Names() []string {
	specs := r.Specs()
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	return names
}

// ValidateParams checks params against the tool's declared contract.
// Parameters the tool does not declare are passed through untouched.
func (r *Registry) ValidateParams(name string, params map[string]interface{}) error {
	h, err := r.Lookup(name)
	if err != nil {
		return err
	}
	var problems []string
	for _, p := range h.Spec().Params {
		v, present := params[p.Name]
		if !present || v == nil {
			if p.Required {
				problems = append(problems, fmt.Sprintf("%s is required", p.Name))
			}
			continue
		}
		if !matchesType(p.Type, v) {
			problems = append(problems, fmt.Sprintf("%s must be %s, got %T", p.Name, p.Type, v))
			continue
		}
		if p.Required && p.Type == ParamString && strings.TrimSpace(v.(string)) == "" {
			problems = append(problems, fmt.Sprintf("%s must not be empty", p.Name))
		}
	}
	if len(problems) > 0 {
		return &InvalidParamsError{Tool: name, Problems: problems}
	}
	return nil
}

// Execute runs the named tool. The returned Result is never nil. The error
// is non-nil only for an unknown tool name; every other failure is reported
// through the envelope.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]interface{}, tc *Context) (*Result, error) {
	h, err := r.Lookup(name)
	if err != nil {
		return &Result{Success: false, Error: err.Error()}, err
	}
	if tc == nil {
		tc = &Context{}
	}

	start := time.Now()
	if err := r.ValidateParams(name, params); err != nil {
		res := &Result{Success: false, Error: err.Error()}
		res.Duration = time.Since(start)
		return res, nil
	}

	timeout := h.Spec().Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan *Result, 1)
	go func() {
		done <- r.invoke(runCtx, h, params, tc)
	}()

	var res *Result
	select {
	case res = <-done:
	case <-runCtx.Done():
		res = Failed("tool %s timed out after %s", name, timeout)
		if ctx.Err() != nil {
			res = Failed("tool %s cancelled: %v", name, ctx.Err())
		}
	}
	res.Duration = time.Since(start)

	if res.Success {
		r.log.Debug(tc.ScopeID, tc.ExecutionID, "Tool completed", map[string]interface{}{
			"tool":        name,
			"step_id":     tc.StepID,
			"duration_ms": res.Duration.Milliseconds(),
		})
	} else {
		r.log.Warn(tc.ScopeID, tc.ExecutionID, "Tool failed", map[string]interface{}{
			"tool":    name,
			"step_id": tc.StepID,
			"error":   res.Error,
		})
	}
	return res, nil
}

func (r *Registry) invoke(ctx context.Context, h Handler, params map[string]interface{}, tc *Context) (res *Result) {
	defer func() {
		if rec := recover(); rec != nil {
			res = Failed("tool %s panicked: %v", h.Spec().Name, rec)
		}
	}()

	out, err := h.Execute(ctx, workflow.CloneMap(params), tc)
	switch {
	case err != nil:
		failed := Failed("%v", err)
		if out != nil {
			failed.LLMCalls = out.LLMCalls
			failed.TokensUsed = out.TokensUsed
		}
		return failed
	case out == nil:
		return Failed("tool %s returned no result", h.Spec().Name)
	case !out.Success && out.Error == "":
		out.Error = "tool reported failure without an error message"
	}
	return out
}

func matchesType(t ParamType, v interface{}) bool {
	switch t {
	case ParamString:
		_, ok := v.(string)
		return ok
	case ParamStringList:
		_, ok := toStrings(v)
		return ok
	case ParamInt:
		_, ok := toInt(v)
		return ok
	case ParamNumber:
		_, ok := toFloat(v)
		return ok
	case ParamBool:
		_, ok := v.(bool)
		return ok
	case ParamObject:
		_, ok := v.(map[string]interface{})
		return ok
	}
	return true
}
