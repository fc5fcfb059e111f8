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
Package logger provides structured JSON logging for the orchestration
components.

# Overview

The logger package provides structured logging that outputs JSON to stdout,
making logs easily consumable by CloudWatch, ELK stack, or other log
aggregation systems.

Each log entry includes:
  - Timestamp (RFC3339Nano format)
  - Log level (DEBUG, INFO, WARN, ERROR)
  - Component name (coordinator, engine, classifier, etc.)
  - Instance ID and container name (for distributed tracing)
  - Scope ID (the case scope a request runs against)
  - Execution ID (for execution correlation)
  - Custom fields

# Usage

Create a logger for your component:

	log := logger.New("engine")

Log messages with scope and execution context:

	log.Info("case-123", "exec-456", "Step completed", map[string]interface{}{
	    "step_id": "risk",
	    "tool":    "risk_assessment",
	})

Bind default fields once per component:

	stepLog := log.With(map[string]interface{}{"level_index": 2})

Log errors with status codes:

	log.ErrorWithCode("case-123", "exec-456", "Request failed", 500, err, map[string]interface{}{
	    "endpoint": "/api/v1/executions",
	})

Log with duration tracking:

	start := time.Now()
	// ... do work ...
	log.InfoWithDuration("case-123", "exec-456", "Execution completed",
	    time.Since(start), nil)

# Output Format

Log entries are output as single-line JSON:

	{"timestamp":"2025-01-15T10:30:00.123456789Z","level":"INFO",
	 "component":"engine","instance_id":"i-abc123","container":"orch-xyz",
	 "scope_id":"case-123","execution_id":"exec-456",
	 "message":"Step completed","fields":{"step_id":"risk"}}

# Environment Variables

The logger reads these environment variables:

  - INSTANCE_ID: Deployment instance identifier
  - HOSTNAME: Container hostname (auto-detected)
  - LOG_LEVEL: Minimum level written (DEBUG, INFO, WARN, ERROR; default INFO)

# Thread Safety

Logger instances are safe for concurrent use from multiple goroutines.
*/
package logger
