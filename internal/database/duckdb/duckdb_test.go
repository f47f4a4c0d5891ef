package duckdb

import (
	"context"
	"errors"
	"testing"

	"github.com/querypilot/querypilot/internal/database"
)

func openSchool(t *testing.T, rowLimit int) *DB {
	t.Helper()
	db, err := Open(context.Background(), Config{RowLimit: rowLimit, MaxOpenConns: 1})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	statements := []string{
		`CREATE TABLE students (id INTEGER PRIMARY KEY, name VARCHAR NOT NULL, grade VARCHAR)`,
		`CREATE TABLE enrollments (id INTEGER PRIMARY KEY, student_id INTEGER REFERENCES students(id), course VARCHAR)`,
		`INSERT INTO students VALUES (1, 'Ada', 'A'), (2, 'Linus', 'B'), (3, 'Grace', 'A')`,
		`INSERT INTO enrollments VALUES (1, 1, 'math'), (2, 3, 'math')`,
	}
	for _, stmt := range statements {
		if _, err := db.db.ExecContext(context.Background(), stmt); err != nil {
			t.Fatalf("ExecContext(%q) error = %v", stmt, err)
		}
	}
	return db
}

func TestExecuteReturnsRows(t *testing.T) {
	db := openSchool(t, 0)

	rows, err := db.Execute(context.Background(), "SELECT COUNT(*) AS c FROM students;")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if rows.RowCount != 1 || len(rows.Columns) != 1 || rows.Columns[0] != "c" {
		t.Fatalf("Execute() = %+v", rows)
	}
	if rows.Rows[0][0] != int64(3) {
		t.Fatalf("count = %#v", rows.Rows[0][0])
	}
}

func TestExecuteAppliesRowLimit(t *testing.T) {
	db := openSchool(t, 2)

	rows, err := db.Execute(context.Background(), "SELECT name FROM students ORDER BY id -- newest last")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if rows.RowCount != 2 || !rows.Truncated {
		t.Fatalf("Execute() = %+v, want 2 truncated rows", rows)
	}
}

func TestExecuteReportsExecutionError(t *testing.T) {
	db := openSchool(t, 0)

	_, err := db.Execute(context.Background(), "SELECT nme FROM students")
	var execErr *database.ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("Execute() error = %v, want *database.ExecutionError", err)
	}
	if execErr.SQL != "SELECT nme FROM students" || execErr.Message == "" {
		t.Fatalf("ExecutionError = %+v", execErr)
	}
}

func TestSchemaIntrospectsColumnsAndKeys(t *testing.T) {
	db := openSchool(t, 0)

	schema, err := db.Schema(context.Background())
	if err != nil {
		t.Fatalf("Schema() error = %v", err)
	}
	students, ok := schema.Table("students")
	if !ok || len(students.Columns) != 3 {
		t.Fatalf("students table = %+v", students)
	}
	if !students.Columns[0].PrimaryKey || students.Columns[1].Nullable {
		t.Fatalf("students columns = %+v", students.Columns)
	}
	if !schema.HasColumn("ENROLLMENTS", "student_id") {
		t.Fatal("expected case-insensitive column lookup")
	}
	if len(schema.ForeignKeys) != 1 {
		t.Fatalf("ForeignKeys = %+v", schema.ForeignKeys)
	}
	fk := schema.ForeignKeys[0]
	if fk.Table != "enrollments" || fk.Column != "student_id" || fk.RefTable != "students" || fk.RefColumn != "id" {
		t.Fatalf("ForeignKey = %+v", fk)
	}
}
