package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Query runs sqlText on db and scans every row into generic values. Read
// statements are wrapped so at most rowLimit rows come back; one extra row is
// requested to detect truncation.
func Query(ctx context.Context, db Querier, sqlText string, rowLimit int) (Rows, error) {
	sqlText = StripTrailingSemicolons(sqlText)
	if sqlText == "" {
		return Rows{}, &ExecutionError{Message: "sql is required"}
	}

	start := time.Now()
	statement := sqlText
	if rowLimit > 0 && IsReadStatement(sqlText) {
		statement = fmt.Sprintf("SELECT * FROM (%s\n) AS q LIMIT %d", sqlText, rowLimit+1)
	}

	rows, err := db.QueryContext(ctx, statement)
	if err != nil {
		return Rows{}, &ExecutionError{SQL: sqlText, Message: err.Error(), Cause: err}
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return Rows{}, &ExecutionError{SQL: sqlText, Message: fmt.Sprintf("query columns: %v", err), Cause: err}
	}

	result := Rows{Columns: columns, Rows: make([][]any, 0)}
	for rows.Next() {
		if rowLimit > 0 && len(result.Rows) == rowLimit {
			result.Truncated = true
			break
		}
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return Rows{}, &ExecutionError{SQL: sqlText, Message: fmt.Sprintf("scan row: %v", err), Cause: err}
		}
		result.Rows = append(result.Rows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return Rows{}, &ExecutionError{SQL: sqlText, Message: err.Error(), Cause: err}
	}
	result.RowCount = len(result.Rows)
	result.Duration = time.Since(start)
	return result, nil
}

// IsReadStatement reports whether sqlText starts with SELECT, WITH or VALUES,
// ignoring leading comments and parentheses.
func IsReadStatement(sqlText string) bool {
	fields := strings.Fields(skipLeadingNoise(sqlText))
	if len(fields) == 0 {
		return false
	}
	switch strings.ToUpper(fields[0]) {
	case "SELECT", "WITH", "VALUES":
		return true
	default:
		return false
	}
}

func skipLeadingNoise(text string) string {
	for {
		text = strings.TrimSpace(text)
		switch {
		case strings.HasPrefix(text, "("):
			text = text[1:]
		case strings.HasPrefix(text, "--"):
			idx := strings.IndexByte(text, '\n')
			if idx < 0 {
				return ""
			}
			text = text[idx+1:]
		case strings.HasPrefix(text, "/*"):
			idx := strings.Index(text, "*/")
			if idx < 0 {
				return ""
			}
			text = text[idx+2:]
		default:
			return text
		}
	}
}

func StripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}

func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		case time.Time:
			normalized[i] = typed.UTC().Format(time.RFC3339Nano)
		default:
			normalized[i] = typed
		}
	}
	return normalized
}
