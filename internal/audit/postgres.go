// Package audit persists one row per computed pipeline run.
package audit

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/querypilot/querypilot/internal/pipeline"
)

const insertQuery = `
INSERT INTO query_audit (request_id, question, sql_text, provenance, failure_kind, correction_attempts, row_count, elapsed_ms)
VALUES ($1::uuid, $2, NULLIF($3, ''), $4, NULLIF($5, ''), $6, $7, $8)
ON CONFLICT (request_id) DO NOTHING`

type Writer struct {
	db *sql.DB
}

func NewWriter(db *sql.DB) *Writer {
	return &Writer{db: db}
}

func (w *Writer) RecordQuery(ctx context.Context, result pipeline.Result) error {
	failureKind := ""
	if result.Failure != nil {
		failureKind = string(result.Failure.Kind)
	}
	var rowCount sql.NullInt64
	if result.Rows != nil {
		rowCount = sql.NullInt64{Int64: int64(result.Rows.RowCount), Valid: true}
	}
	if _, err := w.db.ExecContext(ctx, insertQuery,
		result.RequestID,
		result.Question,
		result.SQL,
		string(result.Provenance),
		failureKind,
		result.CorrectionAttempts,
		rowCount,
		result.Elapsed.Milliseconds(),
	); err != nil {
		return fmt.Errorf("record query audit: %w", err)
	}
	return nil
}
