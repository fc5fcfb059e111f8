// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package store

// schemaStatements create the tables used by PostgresRepository.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS executions (
		id               TEXT PRIMARY KEY,
		definition_id    TEXT,
		task             TEXT NOT NULL,
		scope_id         TEXT NOT NULL,
		user_id          TEXT,
		document_ids     TEXT[] NOT NULL DEFAULT '{}',
		status           TEXT NOT NULL,
		progress_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
		current_step_id  TEXT,
		goals            JSONB NOT NULL DEFAULT '[]',
		results          JSONB NOT NULL DEFAULT '{}',
		artifacts        JSONB NOT NULL DEFAULT '{}',
		summary          TEXT,
		error_message    TEXT,
		metrics          JSONB NOT NULL DEFAULT '{}',
		metadata         JSONB NOT NULL DEFAULT '{}',
		timeout_minutes  INTEGER NOT NULL DEFAULT 0,
		created_at       TIMESTAMPTZ NOT NULL,
		updated_at       TIMESTAMPTZ NOT NULL,
		started_at       TIMESTAMPTZ,
		completed_at     TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_scope ON executions (scope_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_status ON executions (status)`,
	`CREATE TABLE IF NOT EXISTS execution_steps (
		execution_id TEXT NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
		step_id      TEXT NOT NULL,
		position     INTEGER NOT NULL,
		name         TEXT NOT NULL,
		description  TEXT,
		step_type    TEXT NOT NULL,
		task         TEXT,
		tool_name    TEXT NOT NULL,
		tool_params  JSONB NOT NULL DEFAULT '{}',
		depends_on   TEXT[] NOT NULL DEFAULT '{}',
		status       TEXT NOT NULL,
		result       JSONB NOT NULL DEFAULT '{}',
		summary      TEXT,
		error        TEXT,
		retry_count  INTEGER NOT NULL DEFAULT 0,
		max_retries  INTEGER NOT NULL DEFAULT 0,
		started_at   TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		duration_ms  BIGINT NOT NULL DEFAULT 0,
		llm_calls    INTEGER NOT NULL DEFAULT 0,
		tokens_used  INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (execution_id, step_id)
	)`,
	`CREATE TABLE IF NOT EXISTS workflow_definitions (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		category    TEXT,
		owner_id    TEXT,
		is_system   BOOLEAN NOT NULL DEFAULT FALSE,
		is_public   BOOLEAN NOT NULL DEFAULT FALSE,
		published   BOOLEAN NOT NULL DEFAULT FALSE,
		body        JSONB NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL
	)`,
}
