// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package feedback holds human review requests raised while an execution
// runs. The requesting branch blocks in Wait until a reviewer resolves the
// request by id or the wait times out.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"lexflow/platform/shared/logger"
)

// Status of a feedback request.
const (
	StatusPending   = "pending"
	StatusApproved  = "approved"
	StatusRejected  = "rejected"
	StatusExpired   = "expired"
	StatusCancelled = "cancelled"
)

var (
	// ErrNotFound is returned for an unknown request id.
	ErrNotFound = errors.New("feedback request not found")
	// ErrResolved is returned when a request is no longer pending.
	ErrResolved = errors.New("feedback request already resolved")
)

// Request is one pending question for a human reviewer.
type Request struct {
	ID          string                 `json:"request_id"`
	ExecutionID string                 `json:"execution_id"`
	StepID      string                 `json:"step_id,omitempty"`
	ScopeID     string                 `json:"scope_id"`
	Reason      string                 `json:"reason"`
	Question    string                 `json:"question"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Status      string                 `json:"status"`
	Answer      string                 `json:"answer,omitempty"`
	ReviewerID  string                 `json:"reviewer_id,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	ReviewedAt  *time.Time             `json:"reviewed_at,omitempty"`
	ExpiresAt   time.Time              `json:"expires_at"`
}

// Response is a reviewer's decision.
type Response struct {
	Approved   bool   `json:"approved"`
	Answer     string `json:"answer,omitempty"`
	ReviewerID string `json:"reviewer_id,omitempty"`
}

type entry struct {
	req  *Request
	done chan struct{}
}

// Queue is the in-process pending feedback queue.
type Queue struct {
	mu      sync.Mutex
	entries map[string]*entry
	ttl     time.Duration
	log     *logger.Logger
	now     func() time.Time
}

// NewQueue creates a queue whose requests expire after ttl.
func NewQueue(ttl time.Duration, log *logger.Logger) *Queue {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if log == nil {
		log = logger.New("feedback")
	}
	return &Queue{
		entries: make(map[string]*entry),
		ttl:     ttl,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Create registers a pending request and returns a copy with its id set.
func (q *Queue) Create(req Request) *Request {
	now := q.now()
	r := req
	r.ID = uuid.New().String()
	r.Status = StatusPending
	r.CreatedAt = now
	r.ExpiresAt = now.Add(q.ttl)
	r.Answer, r.ReviewerID, r.ReviewedAt = "", "", nil

	q.mu.Lock()
	q.entries[r.ID] = &entry{req: &r, done: make(chan struct{})}
	q.mu.Unlock()

	q.log.Info(r.ScopeID, r.ExecutionID, "Feedback requested", map[string]interface{}{
		"request_id": r.ID,
		"step_id":    r.StepID,
		"reason":     r.Reason,
	})
	c := r
	return &c
}

// Resolve records the reviewer's decision and releases the waiting branch.
func (q *Queue) Resolve(id string, resp Response) (*Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.req.Status != StatusPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrResolved, id, e.req.Status)
	}

	now := q.now()
	e.req.Status = StatusRejected
	if resp.Approved {
		e.req.Status = StatusApproved
	}
	e.req.Answer = resp.Answer
	e.req.ReviewerID = resp.ReviewerID
	e.req.ReviewedAt = &now
	close(e.done)

	q.log.Info(e.req.ScopeID, e.req.ExecutionID, "Feedback resolved", map[string]interface{}{
		"request_id": id,
		"status":     e.req.Status,
	})
	c := *e.req
	return &c, nil
}

// Wait blocks until the request is resolved, the timeout elapses or ctx is
// done. A request that times out is marked expired.
func (q *Queue) Wait(ctx context.Context, id string, timeout time.Duration) (*Request, error) {
	q.mu.Lock()
	e, ok := q.entries[id]
	q.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-e.done:
	case <-timer.C:
		q.finish(e, StatusExpired)
	case <-ctx.Done():
		q.finish(e, StatusCancelled)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	c := *e.req
	return &c, nil
}

// Get returns a copy of the request.
func (q *Queue) Get(id string) (*Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	c := *e.req
	return &c, nil
}

// Pending lists pending requests, oldest first. An empty scope lists all.
func (q *Queue) Pending(scopeID string) []*Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*Request
	for _, e := range q.entries {
		if e.req.Status != StatusPending || (scopeID != "" && e.req.ScopeID != scopeID) {
			continue
		}
		c := *e.req
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// CancelExecution cancels every pending request of an execution and
// returns how many were cancelled.
func (q *Queue) CancelExecution(executionID string) int {
	q.mu.Lock()
	var targets []*entry
	for _, e := range q.entries {
		if e.req.ExecutionID == executionID && e.req.Status == StatusPending {
			targets = append(targets, e)
		}
	}
	q.mu.Unlock()

	n := 0
	for _, e := range targets {
		if q.finish(e, StatusCancelled) {
			n++
		}
	}
	return n
}

// Prune removes resolved requests reviewed before the cutoff.
func (q *Queue) Prune(before time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for id, e := range q.entries {
		if e.req.Status == StatusPending {
			continue
		}
		at := e.req.ExpiresAt
		if e.req.ReviewedAt != nil {
			at = *e.req.ReviewedAt
		}
		if at.Before(before) {
			delete(q.entries, id)
			n++
		}
	}
	return n
}

func (q *Queue) finish(e *entry, status string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e.req.Status != StatusPending {
		return false
	}
	now := q.now()
	e.req.Status = status
	e.req.ReviewedAt = &now
	close(e.done)
	q.log.Warn(e.req.ScopeID, e.req.ExecutionID, "Feedback request closed without review", map[string]interface{}{
		"request_id": e.req.ID,
		"status":     status,
	})
	return true
}
