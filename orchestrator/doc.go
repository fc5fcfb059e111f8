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

/*
Package orchestrator provides the LexFlow Orchestrator service, which
coordinates the analysis agents that work on a case's legal documents.

# Overview

Every request goes through the Coordinator:

	Request → Intent Classifier → Planner → Execution Engine → Event Stream

The stages:

  - The intent classifier labels a request simple, complex or hybrid.
    Simple requests take the retrieval path (semantic search then answer).
  - The planner expands the requested analysis tasks with their
    prerequisites and orders them as a dependency graph.
  - The execution engine runs ready steps in parallel, evaluates each
    result, validates findings against the documents and asks the replanner
    for a new fragment when a step fails.
  - Whole-request results are cached per case scope, keyed by the
    normalized query and a hash of the document set.

# HTTP API

	POST   /api/v1/executions                 - Start an execution (SSE stream, or 202 with ?stream=false)
	GET    /api/v1/executions                 - List executions (scope_id, status, limit, offset)
	GET    /api/v1/executions/{id}            - Get an execution with its steps
	GET    /api/v1/executions/{id}/events     - Replay and follow the event stream
	POST   /api/v1/executions/{id}/cancel     - Request cancellation
	GET    /api/v1/feedback                   - Pending human feedback requests
	POST   /api/v1/feedback/{request_id}      - Resolve a feedback request
	DELETE /api/v1/cache/scopes/{scope}       - Invalidate cached results of a scope
	GET    /health                            - Health check
	GET    /prometheus                        - Prometheus metrics

# Events

The stream of an execution carries started, step_started, step_completed,
step_failed, feedback_requested and exactly one terminal completed or
failed event. Progress never decreases along the stream.

# Metrics

Prometheus metrics are exposed at /prometheus under the
lexflow_orchestrator_ prefix, including executions_total, steps_total,
replans_total, cache_lookups_total and llm_calls_total.
*/
package orchestrator
