package migrations

import (
	"strings"
	"testing"
)

func TestExampleStoreMigrationContainsRequiredTablesAndIndexes(t *testing.T) {
	tests := []struct {
		file     string
		snippets []string
	}{
		{
			file: "sql/000001_rag_example.up.sql",
			snippets: []string{
				"CREATE EXTENSION IF NOT EXISTS pg_trgm",
				"CREATE TABLE rag_example",
				"sql_text TEXT NOT NULL",
				"CREATE INDEX idx_rag_example_question_trgm",
				"gin_trgm_ops",
			},
		},
		{
			file: "sql/000002_query_audit.up.sql",
			snippets: []string{
				"CREATE TABLE query_audit",
				"request_id UUID PRIMARY KEY",
				"CREATE INDEX idx_query_audit_created",
			},
		},
	}

	for _, tt := range tests {
		body, err := embedded.ReadFile(tt.file)
		if err != nil {
			t.Fatalf("ReadFile(%s) error = %v", tt.file, err)
		}
		sql := string(body)
		for _, snippet := range tt.snippets {
			if !strings.Contains(sql, snippet) {
				t.Fatalf("%s missing required snippet: %s", tt.file, snippet)
			}
		}
	}
}
