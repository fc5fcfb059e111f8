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
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lexflow/platform/orchestrator/cache"
	"lexflow/platform/orchestrator/events"
	"lexflow/platform/orchestrator/feedback"
	"lexflow/platform/orchestrator/store"
	"lexflow/platform/orchestrator/workflow"
)

// Handler serves the HTTP surface of the coordinator.
type Handler struct {
	coordinator *Coordinator
	feedback    *feedback.Queue
	repo        store.Repository
	cache       cache.Cache
	gatherer    prometheus.Gatherer
	startedAt   time.Time
}

// NewHandler creates the HTTP handler. Feedback, cache and gatherer may be nil.
func NewHandler(c *Coordinator, q *feedback.Queue, repo store.Repository, cc cache.Cache, gatherer prometheus.Gatherer) *Handler {
	return &Handler{
		coordinator: c,
		feedback:    q,
		repo:        repo,
		cache:       cc,
		gatherer:    gatherer,
		startedAt:   time.Now().UTC(),
	}
}

// RegisterRoutes registers every route on a gorilla/mux router.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods("GET")
	if h.gatherer != nil {
		r.Handle("/prometheus", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}

	// Executions
	r.HandleFunc("/api/v1/executions", h.CreateExecution).Methods("POST")
	r.HandleFunc("/api/v1/executions", h.ListExecutions).Methods("GET")
	r.HandleFunc("/api/v1/executions/{id}", h.GetExecution).Methods("GET")
	r.HandleFunc("/api/v1/executions/{id}/events", h.StreamExecution).Methods("GET")
	r.HandleFunc("/api/v1/executions/{id}/cancel", h.CancelExecution).Methods("POST")

	// Human feedback
	r.HandleFunc("/api/v1/feedback", h.ListFeedback).Methods("GET")
	r.HandleFunc("/api/v1/feedback/{request_id}", h.ResolveFeedback).Methods("POST")

	// Cache
	r.HandleFunc("/api/v1/cache/scopes/{scope}", h.InvalidateScope).Methods("DELETE")
}

// CreateExecution handles POST /api/v1/executions. The response is an SSE
// stream of execution events unless ?stream=false, which returns 202 with
// the execution id.
func (h *Handler) CreateExecution(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	exec, stream, err := h.coordinator.Start(r.Context(), req)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	if r.URL.Query().Get("stream") == "false" {
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"execution_id": exec.ID,
			"status":       exec.Status,
			"events_url":   "/api/v1/executions/" + exec.ID + "/events",
		})
		return
	}
	serveEvents(w, r, stream)
}

// StreamExecution handles GET /api/v1/executions/{id}/events. A late
// subscriber replays the full history.
func (h *Handler) StreamExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	stream, ok := h.coordinator.Stream(id)
	if !ok {
		writeError(w, "No event stream for execution "+id, http.StatusNotFound)
		return
	}
	serveEvents(w, r, stream)
}

// GetExecution handles GET /api/v1/executions/{id}.
func (h *Handler) GetExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	exec, err := h.coordinator.Get(r.Context(), id)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// ListExecutions handles GET /api/v1/executions?scope_id=&status=&limit=&offset=.
func (h *Handler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := store.ListOptions{
		ScopeID: q.Get("scope_id"),
		Status:  workflow.ExecutionStatus(q.Get("status")),
	}
	var err error
	if opts.Limit, err = intQuery(q.Get("limit")); err != nil {
		writeError(w, "Invalid limit", http.StatusBadRequest)
		return
	}
	if opts.Offset, err = intQuery(q.Get("offset")); err != nil {
		writeError(w, "Invalid offset", http.StatusBadRequest)
		return
	}

	execs, err := h.coordinator.List(r.Context(), opts)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"executions": execs,
		"count":      len(execs),
	})
}

// CancelExecution handles POST /api/v1/executions/{id}/cancel.
func (h *Handler) CancelExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.coordinator.Cancel(id); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"execution_id": id,
		"message":      "cancellation requested",
	})
}

// ListFeedback handles GET /api/v1/feedback?scope_id=.
func (h *Handler) ListFeedback(w http.ResponseWriter, r *http.Request) {
	if h.feedback == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"requests": []*feedback.Request{}, "count": 0})
		return
	}
	pending := h.feedback.Pending(r.URL.Query().Get("scope_id"))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"requests": pending,
		"count":    len(pending),
	})
}

// ResolveFeedback handles POST /api/v1/feedback/{request_id}.
func (h *Handler) ResolveFeedback(w http.ResponseWriter, r *http.Request) {
	if h.feedback == nil {
		writeError(w, "Human feedback is not enabled", http.StatusNotFound)
		return
	}
	var resp feedback.Response
	if err := json.NewDecoder(r.Body).Decode(&resp); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req, err := h.feedback.Resolve(mux.Vars(r)["request_id"], resp)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// InvalidateScope handles DELETE /api/v1/cache/scopes/{scope}.
func (h *Handler) InvalidateScope(w http.ResponseWriter, r *http.Request) {
	scope := mux.Vars(r)["scope"]
	if err := h.coordinator.InvalidateScope(r.Context(), scope); err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "healthy"
	components := map[string]interface{}{}
	if h.repo != nil {
		if err := h.repo.Ping(ctx); err != nil {
			status = "degraded"
			components["repository"] = err.Error()
		} else {
			components["repository"] = "ok"
		}
	}
	if h.cache != nil {
		stats, err := h.cache.Stats(ctx)
		if err != nil {
			status = "degraded"
			components["cache"] = err.Error()
		} else {
			components["cache"] = stats
		}
	}
	if h.feedback != nil {
		components["pending_feedback"] = len(h.feedback.Pending(""))
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":            status,
		"service":           "lexflow-orchestrator",
		"timestamp":         time.Now().UTC(),
		"uptime_seconds":    int(time.Since(h.startedAt).Seconds()),
		"active_executions": h.coordinator.Active(),
		"components":        components,
	})
}

// serveEvents writes the stream as Server-Sent Events until the terminal
// event or until the client goes away.
func serveEvents(w http.ResponseWriter, r *http.Request, stream *events.Stream) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Execution-ID", stream.ExecutionID())
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range stream.Subscribe(r.Context()) {
		data, err := json.Marshal(ev)
		if err != nil {
			log.Printf("[SSE] Failed to encode %s event of %s: %v", ev.Type, ev.ExecutionID, err)
			continue
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
			return
		}
		flusher.Flush()
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrEmptyTask):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound), errors.Is(err, feedback.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNotRunning), errors.Is(err, feedback.ErrResolved):
		return http.StatusConflict
	case errors.Is(err, ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func intQuery(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{
		"error":   http.StatusText(status),
		"message": message,
	}); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}
