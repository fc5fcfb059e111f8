// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package store persists executions, their steps and workflow definitions.
// A step owns one row, so concurrent steps of a level never write the same
// record.
package store

import (
	"context"
	"errors"

	"lexflow/platform/orchestrator/workflow"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidInput is returned for nil or incomplete records.
	ErrInvalidInput = errors.New("invalid input")
	// ErrPublished is returned when a published definition would change.
	ErrPublished = errors.New("definition is published and immutable")
)

// ListOptions filters execution listings.
type ListOptions struct {
	ScopeID string
	Status  workflow.ExecutionStatus
	Limit   int
	Offset  int
}

// Repository is the persistence boundary of the orchestrator.
type Repository interface {
	// SaveExecution upserts the execution and all of its steps atomically.
	SaveExecution(ctx context.Context, exec *workflow.Execution) error
	// SaveStep updates one step row of a saved execution.
	SaveStep(ctx context.Context, executionID string, step *workflow.Step) error
	GetExecution(ctx context.Context, id string) (*workflow.Execution, error)
	// ListExecutions returns executions without their steps, newest first.
	ListExecutions(ctx context.Context, opts ListOptions) ([]*workflow.Execution, error)
	DeleteExecution(ctx context.Context, id string) error

	SaveDefinition(ctx context.Context, def *workflow.Definition) error
	GetDefinition(ctx context.Context, id string) (*workflow.Definition, error)
	ListDefinitions(ctx context.Context) ([]*workflow.Definition, error)

	Ping(ctx context.Context) error
}

const defaultListLimit = 50

func (o ListOptions) limit() int {
	if o.Limit <= 0 || o.Limit > 500 {
		return defaultListLimit
	}
	return o.Limit
}
