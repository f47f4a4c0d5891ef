package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/querypilot/querypilot/internal/retrieval"
)

func TestTopKOrdersByTrigramDistanceAndDropsZeroScores(t *testing.T) {
	db, mock := newSQLMock(t)
	store := New(db)

	mock.ExpectQuery(regexp.QuoteMeta(topKQuery)).
		WithArgs("students in grade A", 4).
		WillReturnRows(sqlmock.NewRows([]string{"example_id", "question", "sql_text", "explanation", "source", "score"}).
			AddRow(int64(7), "students with grade A", "SELECT name FROM students WHERE grade = 'A'", "", "seed", 0.71).
			AddRow(int64(3), "count students", "SELECT COUNT(*) FROM students", "Counts rows.", "auto", 0.22).
			AddRow(int64(9), "list courses", "SELECT title FROM courses", "", "seed", 0.0))

	examples, err := store.TopK(context.Background(), "students in grade A", 4)
	if err != nil {
		t.Fatalf("TopK() error = %v", err)
	}
	if len(examples) != 2 {
		t.Fatalf("len(examples) = %d, want 2", len(examples))
	}
	if examples[0].ID != "7" || examples[0].Score != 0.71 {
		t.Fatalf("examples[0] = %+v", examples[0])
	}
	if examples[1].Explanation != "Counts rows." || examples[1].Source != retrieval.SourceAuto {
		t.Fatalf("examples[1] = %+v", examples[1])
	}
	assertSQLMock(t, mock)
}

func TestTopKWithoutBudgetSkipsQuery(t *testing.T) {
	db, mock := newSQLMock(t)
	store := New(db)

	examples, err := store.TopK(context.Background(), "students", 0)
	if err != nil {
		t.Fatalf("TopK() error = %v", err)
	}
	if len(examples) != 0 {
		t.Fatalf("len(examples) = %d", len(examples))
	}
	assertSQLMock(t, mock)
}

func TestTopKWrapsQueryError(t *testing.T) {
	db, mock := newSQLMock(t)
	store := New(db)

	mock.ExpectQuery(regexp.QuoteMeta(topKQuery)).
		WithArgs("students", 2).
		WillReturnError(errors.New("function similarity(text, unknown) does not exist"))

	if _, err := store.TopK(context.Background(), "students", 2); err == nil {
		t.Fatal("expected TopK() error")
	}
	assertSQLMock(t, mock)
}

func TestAddInsertsExampleWithDefaultSource(t *testing.T) {
	db, mock := newSQLMock(t)
	store := New(db)

	mock.ExpectQuery(regexp.QuoteMeta(`
INSERT INTO rag_example (question, sql_text, explanation, source)
VALUES ($1, $2, NULLIF($3, ''), $4)
RETURNING example_id`)).
		WithArgs("how many students", "SELECT COUNT(*) FROM students", "", "seed").
		WillReturnRows(sqlmock.NewRows([]string{"example_id"}).AddRow(int64(12)))

	err := store.Add(context.Background(), retrieval.Example{
		Question: "how many students",
		SQL:      "SELECT COUNT(*) FROM students",
	})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	assertSQLMock(t, mock)
}

func TestAddRejectsInvalidExample(t *testing.T) {
	db, mock := newSQLMock(t)
	store := New(db)

	err := store.Add(context.Background(), retrieval.Example{Question: "missing sql"})
	if !errors.Is(err, retrieval.ErrInvalidExample) {
		t.Fatalf("Add() error = %v, want ErrInvalidExample", err)
	}
	assertSQLMock(t, mock)
}

func TestCountAndAll(t *testing.T) {
	db, mock := newSQLMock(t)
	store := New(db)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM rag_example`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(2)))
	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT example_id, question, sql_text, COALESCE(explanation, ''), source
FROM rag_example
ORDER BY example_id ASC`)).
		WillReturnRows(sqlmock.NewRows([]string{"example_id", "question", "sql_text", "explanation", "source"}).
			AddRow(int64(1), "count students", "SELECT COUNT(*) FROM students", "", "seed").
			AddRow(int64(2), "list courses", "SELECT title FROM courses", "", "feedback"))

	count, err := store.Count(context.Background())
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 2 {
		t.Fatalf("Count() = %d", count)
	}
	all, err := store.All(context.Background())
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}
	if len(all) != 2 || all[1].ID != "2" || all[1].Source != retrieval.SourceFeedback {
		t.Fatalf("All() = %+v", all)
	}
	assertSQLMock(t, mock)
}

func newSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func assertSQLMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sqlmock expectations: %v", err)
	}
}
