// Package database defines the SQL execution collaborator of the pipeline and
// the schema snapshot it exposes.
package database

import (
	"context"
	"time"
)

const DefaultRowLimit = 500

// Rows is a successful execution outcome.
type Rows struct {
	Columns   []string      `json:"columns"`
	Rows      [][]any       `json:"rows"`
	RowCount  int           `json:"row_count"`
	Truncated bool          `json:"truncated,omitempty"`
	Duration  time.Duration `json:"-"`
}

// ExecutionError reports SQL that the database refused or failed to run. The
// message is fed back to the model during correction.
type ExecutionError struct {
	SQL     string
	Message string
	Cause   error
}

func (e *ExecutionError) Error() string {
	return e.Message
}

func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

type Database interface {
	// Execute runs sqlText and returns its rows. Failures are *ExecutionError.
	Execute(ctx context.Context, sqlText string) (Rows, error)
	Schema(ctx context.Context) (Schema, error)
	Ping(ctx context.Context) error
}
