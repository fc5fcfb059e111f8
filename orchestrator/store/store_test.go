// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lexflow/platform/orchestrator/workflow"
)

func sampleExecution() *workflow.Execution {
	exec := workflow.NewExecution("exec-1", "Проверь договор на риски", "case-1")
	exec.DocumentIDs = []string{"d1", "d2"}
	exec.ApplyPlan(&workflow.Plan{Steps: []*workflow.Step{
		{ID: "discrepancy", Name: "Discrepancies", Type: workflow.StepTypeToolCall, ToolName: "discrepancy_check",
			Params: map[string]interface{}{"file_ids": []interface{}{"d1", "d2"}}},
		{ID: "risk", Name: "Risks", Type: workflow.StepTypeAnalysis, ToolName: "risk_assessment", DependsOn: []string{"discrepancy"}},
	}}, 3)
	return exec
}

func TestMemoryRepository_Executions(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	exec := sampleExecution()

	require.NoError(t, repo.SaveExecution(ctx, exec))

	got, err := repo.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, workflow.StepPending, got.Steps[0].Status)

	done := got.Steps[0].Clone()
	done.Status = workflow.StepCompleted
	done.Result = map[string]interface{}{"discrepancies": []interface{}{}}
	require.NoError(t, repo.SaveStep(ctx, "exec-1", done))

	got, err = repo.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StepCompleted, got.Steps[0].Status)
	assert.Equal(t, 50.0, got.ProgressPercent)

	assert.ErrorIs(t, repo.SaveStep(ctx, "exec-1", &workflow.Step{ID: "nope"}), ErrNotFound)
	assert.ErrorIs(t, repo.SaveStep(ctx, "missing", done), ErrNotFound)
	assert.ErrorIs(t, repo.SaveExecution(ctx, nil), ErrInvalidInput)

	done.Status = workflow.StepFailed
	got.Steps[0] = done
	assert.Equal(t, workflow.StepCompleted, mustGet(t, repo, "exec-1").Steps[0].Status, "returned copies are detached")

	require.NoError(t, repo.DeleteExecution(ctx, "exec-1"))
	_, err = repo.GetExecution(ctx, "exec-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, repo.DeleteExecution(ctx, "exec-1"))
}

func mustGet(t *testing.T, repo Repository, id string) *workflow.Execution {
	t.Helper()
	exec, err := repo.GetExecution(context.Background(), id)
	require.NoError(t, err)
	return exec
}

func TestMemoryRepository_ListExecutions(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, scope := range []string{"case-1", "case-2", "case-1", "case-1"} {
		e := workflow.NewExecution(string(rune('a'+i)), "task", scope)
		e.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, repo.SaveExecution(ctx, e))
	}

	list, err := repo.ListExecutions(ctx, ListOptions{ScopeID: "case-1"})
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "d", list[0].ID, "newest first")
	assert.Nil(t, list[0].Steps)

	page, err := repo.ListExecutions(ctx, ListOptions{ScopeID: "case-1", Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "c", page[0].ID)

	empty, err := repo.ListExecutions(ctx, ListOptions{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, empty)

	none, err := repo.ListExecutions(ctx, ListOptions{Status: workflow.ExecutionCompleted})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryRepository_DefinitionsAreImmutableOncePublished(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	def := &workflow.Definition{ID: "risk-review", Name: "Risk review", DefaultPlan: []*workflow.Step{{ID: "risk", ToolName: "risk_assessment"}}}

	require.NoError(t, repo.SaveDefinition(ctx, def))
	def.Description = "edited"
	require.NoError(t, repo.SaveDefinition(ctx, def))

	def.Published = true
	require.NoError(t, repo.SaveDefinition(ctx, def))

	def.Description = "after publish"
	assert.ErrorIs(t, repo.SaveDefinition(ctx, def), ErrPublished)

	got, err := repo.GetDefinition(ctx, "risk-review")
	require.NoError(t, err)
	assert.Equal(t, "edited", got.Description)
	assert.True(t, got.Published)

	list, err := repo.ListDefinitions(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = repo.GetDefinition(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, repo.SaveDefinition(ctx, &workflow.Definition{ID: "x"}), ErrInvalidInput)
}

func newMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresRepository(db), mock
}

func TestPostgresRepository_SaveExecution(t *testing.T) {
	repo, mock := newMock(t)
	exec := sampleExecution()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO executions").
		WithArgs(append([]driver.Value{"exec-1"}, anyArgs(20)...)...).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO execution_steps").
		WithArgs(append([]driver.Value{"exec-1", "discrepancy", 0}, anyArgs(18)...)...).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO execution_steps").
		WithArgs(append([]driver.Value{"exec-1", "risk", 1}, anyArgs(18)...)...).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM execution_steps").
		WithArgs("exec-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, repo.SaveExecution(context.Background(), exec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_SaveExecutionRollsBack(t *testing.T) {
	repo, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO executions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO execution_steps").WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	err := repo.SaveExecution(context.Background(), sampleExecution())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deadlock detected")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_SaveStep(t *testing.T) {
	repo, mock := newMock(t)
	step := &workflow.Step{ID: "risk", ToolName: "risk_assessment", Status: workflow.StepRunning}

	mock.ExpectExec(regexp.QuoteMeta("UPDATE execution_steps SET")).
		WithArgs(append([]driver.Value{"exec-1", "risk", "risk_assessment"}, anyArgs(12)...)...).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.SaveStep(context.Background(), "exec-1", step))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE execution_steps SET")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, repo.SaveStep(context.Background(), "exec-1", step), ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

var executionColumns = []string{
	"id", "definition_id", "task", "scope_id", "user_id", "document_ids",
	"status", "progress_percent", "current_step_id",
	"goals", "results", "artifacts", "summary", "error_message", "metrics", "metadata",
	"timeout_minutes", "created_at", "updated_at", "started_at", "completed_at",
}

var stepColumns = []string{
	"step_id", "name", "description", "step_type", "task", "tool_name",
	"tool_params", "depends_on", "status", "result", "summary", "error",
	"retry_count", "max_retries", "started_at", "completed_at", "duration_ms", "llm_calls", "tokens_used",
}

func TestPostgresRepository_GetExecution(t *testing.T) {
	repo, mock := newMock(t)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT (.+) FROM executions WHERE id").
		WithArgs("exec-1").
		WillReturnRows(sqlmock.NewRows(executionColumns).AddRow(
			"exec-1", nil, "Проверь договор", "case-1", "user-9", "{d1,d2}",
			"completed_with_errors", 50.0, nil,
			[]byte(`[{"id":"g1","description":"risks","priority":1}]`), []byte(`{"risks":[]}`), []byte(`{}`),
			"summary text", nil, []byte(`{}`), []byte(`{"intent":"complex"}`),
			30, now, now, now, now,
		))
	mock.ExpectQuery("SELECT (.+) FROM execution_steps").
		WithArgs("exec-1").
		WillReturnRows(sqlmock.NewRows(stepColumns).
			AddRow("discrepancy", "Discrepancies", nil, "tool_call", "discrepancy", "discrepancy_check",
				[]byte(`{"file_ids":["d1"]}`), "{}", "completed", []byte(`{"discrepancies":[]}`), "0 discrepancies", nil,
				0, 3, now, now, int64(1500), 1, 420).
			AddRow("risk", "Risks", nil, "analysis", "risk", "risk_assessment",
				[]byte(`{}`), "{discrepancy}", "failed", []byte(`{}`), nil, "timed out",
				3, 3, now, now, int64(180000), 2, 0))

	exec, err := repo.GetExecution(context.Background(), "exec-1")
	require.NoError(t, err)

	assert.Equal(t, []string{"d1", "d2"}, exec.DocumentIDs)
	assert.Equal(t, workflow.ExecutionCompletedWithErrors, exec.Status)
	assert.Equal(t, "user-9", exec.UserID)
	assert.Equal(t, "complex", exec.Metadata["intent"])
	require.Len(t, exec.Goals, 1)
	require.Len(t, exec.Steps, 2)
	assert.Equal(t, []string{"discrepancy"}, exec.Steps[1].DependsOn)
	assert.Equal(t, 3*time.Minute, exec.Steps[1].Duration)
	assert.Nil(t, exec.Steps[1].Params)
	assert.Equal(t, 50.0, exec.ProgressPercent)
	assert.Equal(t, 3, exec.Metrics.TotalLLMCalls)
	assert.Equal(t, 1, exec.Metrics.TotalStepsFailed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_GetExecutionNotFound(t *testing.T) {
	repo, mock := newMock(t)
	mock.ExpectQuery("SELECT (.+) FROM executions").WillReturnError(sql.ErrNoRows)

	_, err := repo.GetExecution(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresRepository_ListExecutions(t *testing.T) {
	repo, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT (.+) FROM executions").
		WithArgs("case-1", "", 50, 0).
		WillReturnRows(sqlmock.NewRows(executionColumns).AddRow(
			"exec-1", "def-1", "task", "case-1", nil, "{}",
			"executing", 0.0, "risk",
			[]byte(`[]`), []byte(`{}`), []byte(`{}`), nil, nil, []byte(`{}`), []byte(`{}`),
			30, now, now, now, nil,
		))

	list, err := repo.ListExecutions(context.Background(), ListOptions{ScopeID: "case-1"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "def-1", list[0].DefinitionID)
	assert.Equal(t, "risk", list[0].CurrentStepID)
	assert.Nil(t, list[0].CompletedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_SaveDefinition(t *testing.T) {
	def := &workflow.Definition{ID: "risk-review", Name: "Risk review", Published: true}

	t.Run("new definition", func(t *testing.T) {
		repo, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT published FROM workflow_definitions").
			WithArgs("risk-review").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectExec("INSERT INTO workflow_definitions").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, repo.SaveDefinition(context.Background(), def))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("published definition is immutable", func(t *testing.T) {
		repo, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT published FROM workflow_definitions").
			WillReturnRows(sqlmock.NewRows([]string{"published"}).AddRow(true))
		mock.ExpectRollback()

		assert.ErrorIs(t, repo.SaveDefinition(context.Background(), def), ErrPublished)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresRepository_GetDefinition(t *testing.T) {
	repo, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT body, created_at, updated_at FROM workflow_definitions WHERE id").
		WithArgs("risk-review").
		WillReturnRows(sqlmock.NewRows([]string{"body", "created_at", "updated_at"}).
			AddRow([]byte(`{"id":"risk-review","name":"Risk review","default_plan":[{"step_id":"risk","tool_name":"risk_assessment"}]}`), now, now))

	def, err := repo.GetDefinition(context.Background(), "risk-review")
	require.NoError(t, err)
	assert.Equal(t, "Risk review", def.Name)
	require.Len(t, def.DefaultPlan, 1)
	assert.Equal(t, "risk_assessment", def.DefaultPlan[0].ToolName)
	assert.Equal(t, now, def.CreatedAt)
}

func TestPostgresRepository_EnsureSchemaAndDelete(t *testing.T) {
	repo, mock := newMock(t)
	for range schemaStatements {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectExec("DELETE FROM executions").WithArgs("exec-1").WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.EnsureSchema(context.Background()))
	require.NoError(t, repo.DeleteExecution(context.Background(), "exec-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func anyArgs(n int) []driver.Value {
	out := make([]driver.Value, n)
	for i := range out {
		out[i] = sqlmock.AnyArg()
	}
	return out
}
