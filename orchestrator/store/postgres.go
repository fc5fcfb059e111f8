// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"lexflow/platform/orchestrator/workflow"
)

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	db *sql.DB
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Connect opens and pings a PostgreSQL pool.
func Connect(ctx context.Context, url string, maxOpen, maxIdle int) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// EnsureSchema creates the tables if they do not exist.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

const upsertExecutionSQL = `
	INSERT INTO executions (
		id, definition_id, task, scope_id, user_id, document_ids,
		status, progress_percent, current_step_id,
		goals, results, artifacts, summary, error_message, metrics, metadata,
		timeout_minutes, created_at, updated_at, started_at, completed_at
	) VALUES (
		$1, $2, $3, $4, $5, $6,
		$7, $8, $9,
		$10, $11, $12, $13, $14, $15, $16,
		$17, $18, $19, $20, $21
	)
	ON CONFLICT (id) DO UPDATE SET
		status = EXCLUDED.status,
		progress_percent = EXCLUDED.progress_percent,
		current_step_id = EXCLUDED.current_step_id,
		goals = EXCLUDED.goals,
		results = EXCLUDED.results,
		artifacts = EXCLUDED.artifacts,
		summary = EXCLUDED.summary,
		error_message = EXCLUDED.error_message,
		metrics = EXCLUDED.metrics,
		metadata = EXCLUDED.metadata,
		updated_at = EXCLUDED.updated_at,
		started_at = EXCLUDED.started_at,
		completed_at = EXCLUDED.completed_at`

const upsertStepSQL = `
	INSERT INTO execution_steps (
		execution_id, step_id, position, name, description, step_type, task, tool_name,
		tool_params, depends_on, status, result, summary, error,
		retry_count, max_retries, started_at, completed_at, duration_ms, llm_calls, tokens_used
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8,
		$9, $10, $11, $12, $13, $14,
		$15, $16, $17, $18, $19, $20, $21
	)
	ON CONFLICT (execution_id, step_id) DO UPDATE SET
		position = EXCLUDED.position,
		name = EXCLUDED.name,
		description = EXCLUDED.description,
		tool_name = EXCLUDED.tool_name,
		tool_params = EXCLUDED.tool_params,
		depends_on = EXCLUDED.depends_on,
		status = EXCLUDED.status,
		result = EXCLUDED.result,
		summary = EXCLUDED.summary,
		error = EXCLUDED.error,
		retry_count = EXCLUDED.retry_count,
		max_retries = EXCLUDED.max_retries,
		started_at = EXCLUDED.started_at,
		completed_at = EXCLUDED.completed_at,
		duration_ms = EXCLUDED.duration_ms,
		llm_calls = EXCLUDED.llm_calls,
		tokens_used = EXCLUDED.tokens_used`

// SaveExecution upserts the execution row and its step rows in one
// transaction. Step rows no longer part of the execution are removed.
func (r *PostgresRepository) SaveExecution(ctx context.Context, exec *workflow.Execution) (err error) {
	if exec == nil || exec.ID == "" {
		return ErrInvalidInput
	}
	snap := exec.Snapshot()

	goals, results, artifacts, metrics, metadata, err := marshalExecution(snap)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, upsertExecutionSQL,
		snap.ID, nullString(snap.DefinitionID), snap.Task, snap.ScopeID, nullString(snap.UserID), pq.Array(nonNil(snap.DocumentIDs)),
		string(snap.Status), snap.ProgressPercent, nullString(snap.CurrentStepID),
		goals, results, artifacts, nullString(snap.Summary), nullString(snap.ErrorMessage), metrics, metadata,
		snap.TimeoutMinutes, snap.CreatedAt, snap.UpdatedAt, snap.StartedAt, snap.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}

	ids := make([]string, len(snap.Steps))
	for i, s := range snap.Steps {
		ids[i] = s.ID
		if err = execStep(ctx, tx, snap.ID, i, s); err != nil {
			return err
		}
	}
	if _, err = tx.ExecContext(ctx,
		`DELETE FROM execution_steps WHERE execution_id = $1 AND NOT (step_id = ANY($2))`,
		snap.ID, pq.Array(ids)); err != nil {
		return fmt.Errorf("failed to prune steps: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit execution: %w", err)
	}
	return nil
}

// SaveStep updates one step row.
func (r *PostgresRepository) SaveStep(ctx context.Context, executionID string, step *workflow.Step) error {
	if step == nil {
		return ErrInvalidInput
	}
	params, result, err := marshalStep(step)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE execution_steps SET
			tool_name = $3, tool_params = $4, depends_on = $5, status = $6, result = $7,
			summary = $8, error = $9, retry_count = $10, started_at = $11, completed_at = $12,
			duration_ms = $13, llm_calls = $14, tokens_used = $15
		WHERE execution_id = $1 AND step_id = $2`,
		executionID, step.ID,
		step.ToolName, params, pq.Array(nonNil(step.DependsOn)), string(step.Status), result,
		nullString(step.Summary), nullString(step.Error), step.RetryCount, step.StartedAt, step.CompletedAt,
		step.Duration.Milliseconds(), step.LLMCalls, step.TokensUsed,
	)
	if err != nil {
		return fmt.Errorf("failed to save step: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to save step: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: step %s of execution %s", ErrNotFound, step.ID, executionID)
	}
	return nil
}

const selectExecutionSQL = `
	SELECT id, definition_id, task, scope_id, user_id, document_ids,
		status, progress_percent, current_step_id,
		goals, results, artifacts, summary, error_message, metrics, metadata,
		timeout_minutes, created_at, updated_at, started_at, completed_at
	FROM executions`

// GetExecution loads an execution with its steps in plan order.
func (r *PostgresRepository) GetExecution(ctx context.Context, id string) (*workflow.Execution, error) {
	exec, err := scanExecution(r.db.QueryRowContext(ctx, selectExecutionSQL+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT step_id, name, description, step_type, task, tool_name,
			tool_params, depends_on, status, result, summary, error,
			retry_count, max_retries, started_at, completed_at, duration_ms, llm_calls, tokens_used
		FROM execution_steps
		WHERE execution_id = $1
		ORDER BY position ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		exec.Steps = append(exec.Steps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating steps: %w", err)
	}

	exec.Recompute()
	return exec, nil
}

// ListExecutions lists executions without steps, newest first.
func (r *PostgresRepository) ListExecutions(ctx context.Context, opts ListOptions) ([]*workflow.Execution, error) {
	query := selectExecutionSQL + `
		WHERE ($1 = '' OR scope_id = $1) AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4`

	rows, err := r.db.QueryContext(ctx, query, opts.ScopeID, string(opts.Status), opts.limit(), opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	out := []*workflow.Execution{}
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		out = append(out, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}
	return out, nil
}

// DeleteExecution removes an execution; its steps cascade.
func (r *PostgresRepository) DeleteExecution(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM executions WHERE id = $1", id); err != nil {
		return fmt.Errorf("failed to delete execution: %w", err)
	}
	return nil
}

// SaveDefinition upserts a definition unless the stored one is published.
func (r *PostgresRepository) SaveDefinition(ctx context.Context, def *workflow.Definition) (err error) {
	if def == nil || def.ID == "" || def.Name == "" {
		return ErrInvalidInput
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var published bool
	err = tx.QueryRowContext(ctx, `SELECT published FROM workflow_definitions WHERE id = $1 FOR UPDATE`, def.ID).Scan(&published)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		err = nil
	case err != nil:
		return fmt.Errorf("failed to read definition: %w", err)
	case published:
		return fmt.Errorf("%w: %s", ErrPublished, def.ID)
	}

	now := time.Now().UTC()
	created := def.CreatedAt
	if created.IsZero() {
		created = now
	}
	body, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal definition: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_definitions (
			id, name, category, owner_id, is_system, is_public, published, body, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			category = EXCLUDED.category,
			owner_id = EXCLUDED.owner_id,
			is_system = EXCLUDED.is_system,
			is_public = EXCLUDED.is_public,
			published = EXCLUDED.published,
			body = EXCLUDED.body,
			updated_at = EXCLUDED.updated_at`,
		def.ID, def.Name, nullString(def.Category), nullString(def.OwnerID),
		def.IsSystem, def.IsPublic, def.Published, body, created, now,
	)
	if err != nil {
		return fmt.Errorf("failed to save definition: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit definition: %w", err)
	}
	return nil
}

// GetDefinition loads a definition.
func (r *PostgresRepository) GetDefinition(ctx context.Context, id string) (*workflow.Definition, error) {
	def, err := scanDefinition(r.db.QueryRowContext(ctx,
		`SELECT body, created_at, updated_at FROM workflow_definitions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get definition: %w", err)
	}
	return def, nil
}

// ListDefinitions lists all definitions by name.
func (r *PostgresRepository) ListDefinitions(ctx context.Context) ([]*workflow.Definition, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT body, created_at, updated_at FROM workflow_definitions ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list definitions: %w", err)
	}
	defer rows.Close()

	out := []*workflow.Definition{}
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan definition: %w", err)
		}
		out = append(out, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating definitions: %w", err)
	}
	return out, nil
}

// Ping checks database connectivity.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(row scanner) (*workflow.Execution, error) {
	exec := &workflow.Execution{}
	var (
		status                                       string
		definitionID, userID, currentStep            sql.NullString
		summary, errorMessage                        sql.NullString
		goals, results, artifacts, metrics, metadata []byte
		startedAt, completedAt                       sql.NullTime
	)
	err := row.Scan(
		&exec.ID, &definitionID, &exec.Task, &exec.ScopeID, &userID, pq.Array(&exec.DocumentIDs),
		&status, &exec.ProgressPercent, &currentStep,
		&goals, &results, &artifacts, &summary, &errorMessage, &metrics, &metadata,
		&exec.TimeoutMinutes, &exec.CreatedAt, &exec.UpdatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	exec.Status = workflow.ExecutionStatus(status)
	exec.DefinitionID = definitionID.String
	exec.UserID = userID.String
	exec.CurrentStepID = currentStep.String
	exec.Summary = summary.String
	exec.ErrorMessage = errorMessage.String
	if startedAt.Valid {
		exec.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		exec.CompletedAt = &completedAt.Time
	}
	if err := unmarshalInto(goals, &exec.Goals); err != nil {
		return nil, fmt.Errorf("goals: %w", err)
	}
	if err := unmarshalInto(results, &exec.Results); err != nil {
		return nil, fmt.Errorf("results: %w", err)
	}
	if err := unmarshalInto(artifacts, &exec.Artifacts); err != nil {
		return nil, fmt.Errorf("artifacts: %w", err)
	}
	if err := unmarshalInto(metrics, &exec.Metrics); err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	if err := unmarshalInto(metadata, &exec.Metadata); err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}
	return exec, nil
}

func scanStep(row scanner) (*workflow.Step, error) {
	s := &workflow.Step{}
	var (
		stepType, status       string
		description, task      sql.NullString
		summary, stepErr       sql.NullString
		params, result         []byte
		startedAt, completedAt sql.NullTime
		durationMs             int64
	)
	err := row.Scan(
		&s.ID, &s.Name, &description, &stepType, &task, &s.ToolName,
		&params, pq.Array(&s.DependsOn), &status, &result, &summary, &stepErr,
		&s.RetryCount, &s.MaxRetries, &startedAt, &completedAt, &durationMs, &s.LLMCalls, &s.TokensUsed,
	)
	if err != nil {
		return nil, err
	}
	s.Type = workflow.StepType(stepType)
	s.Status = workflow.StepStatus(status)
	s.Description = description.String
	s.Task = task.String
	s.Summary = summary.String
	s.Error = stepErr.String
	s.Duration = time.Duration(durationMs) * time.Millisecond
	if startedAt.Valid {
		s.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		s.CompletedAt = &completedAt.Time
	}
	if err := unmarshalInto(params, &s.Params); err != nil {
		return nil, fmt.Errorf("tool_params: %w", err)
	}
	if err := unmarshalInto(result, &s.Result); err != nil {
		return nil, fmt.Errorf("result: %w", err)
	}
	if len(s.Params) == 0 {
		s.Params = nil
	}
	if len(s.Result) == 0 {
		s.Result = nil
	}
	return s, nil
}

func scanDefinition(row scanner) (*workflow.Definition, error) {
	var body []byte
	var created, updated time.Time
	if err := row.Scan(&body, &created, &updated); err != nil {
		return nil, err
	}
	def := &workflow.Definition{}
	if err := json.Unmarshal(body, def); err != nil {
		return nil, fmt.Errorf("definition body: %w", err)
	}
	def.CreatedAt = created
	def.UpdatedAt = updated
	return def, nil
}

func execStep(ctx context.Context, tx *sql.Tx, executionID string, position int, s *workflow.Step) error {
	params, result, err := marshalStep(s)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, upsertStepSQL,
		executionID, s.ID, position, s.Name, nullString(s.Description), string(s.Type), nullString(s.Task), s.ToolName,
		params, pq.Array(nonNil(s.DependsOn)), string(s.Status), result, nullString(s.Summary), nullString(s.Error),
		s.RetryCount, s.MaxRetries, s.StartedAt, s.CompletedAt, s.Duration.Milliseconds(), s.LLMCalls, s.TokensUsed,
	)
	if err != nil {
		return fmt.Errorf("failed to save step %s: %w", s.ID, err)
	}
	return nil
}

func marshalExecution(e *workflow.Execution) (goals, results, artifacts, metrics, metadata []byte, err error) {
	if goals, err = marshalJSON(nonNilGoals(e.Goals)); err != nil {
		return
	}
	if results, err = marshalJSON(e.Results); err != nil {
		return
	}
	if artifacts, err = marshalJSON(e.Artifacts); err != nil {
		return
	}
	if metrics, err = marshalJSON(e.Metrics); err != nil {
		return
	}
	metadata, err = marshalJSON(e.Metadata)
	return
}

func marshalStep(s *workflow.Step) (params, result []byte, err error) {
	if params, err = marshalJSON(s.Params); err != nil {
		return nil, nil, fmt.Errorf("step %s params: %w", s.ID, err)
	}
	if result, err = marshalJSON(s.Result); err != nil {
		return nil, nil, fmt.Errorf("step %s result: %w", s.ID, err)
	}
	return params, result, nil
}

// marshalJSON encodes v, using an empty object for nil maps so jsonb
// columns never receive null.
func marshalJSON(v interface{}) ([]byte, error) {
	if m, ok := v.(map[string]interface{}); ok && m == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal json: %w", err)
	}
	return b, nil
}

func unmarshalInto(raw []byte, dst interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilGoals(g []workflow.Goal) []workflow.Goal {
	if g == nil {
		return []workflow.Goal{}
	}
	return g
}
