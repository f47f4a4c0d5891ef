package correction

import (
	"context"
	"errors"
	"testing"

	"github.com/querypilot/querypilot/internal/database"
	"github.com/querypilot/querypilot/internal/llm"
	"github.com/querypilot/querypilot/internal/sqlguard"
)

type scriptedCorrector struct {
	replies []string
	errs    []error
	calls   int
}

func (c *scriptedCorrector) Correct(context.Context, string, string, string, database.Schema) (llm.GenerationAttempt, error) {
	idx := c.calls
	c.calls++
	if idx < len(c.errs) && c.errs[idx] != nil {
		return llm.GenerationAttempt{}, c.errs[idx]
	}
	return llm.GenerationAttempt{SQL: c.replies[idx], Kind: llm.KindCorrect}, nil
}

type fakeExecutor struct {
	failures map[string]string
	executed []string
}

func (e *fakeExecutor) Execute(_ context.Context, sql string) (database.Rows, error) {
	e.executed = append(e.executed, sql)
	if msg, ok := e.failures[sql]; ok {
		return database.Rows{}, &database.ExecutionError{SQL: sql, Message: msg}
	}
	return database.Rows{Columns: []string{"name"}, Rows: [][]any{{"Ada"}}, RowCount: 1}, nil
}

func schoolSchema() database.Schema {
	builder := database.NewSchemaBuilder("test")
	builder.AddColumn("students", database.Column{Name: "id", Type: "INTEGER"})
	builder.AddColumn("students", database.Column{Name: "name", Type: "VARCHAR"})
	return builder.Schema()
}

func input() Input {
	return Input{
		Question: "list student names",
		SQL:      "SELECT s.nmae FROM students s",
		Error:    `column "nmae" not found`,
		Schema:   schoolSchema(),
	}
}

func TestRunSucceedsOnFirstRound(t *testing.T) {
	corrector := &scriptedCorrector{replies: []string{"SELECT s.name FROM students s"}}
	executor := &fakeExecutor{}
	loop := New(corrector, sqlguard.New(), executor, Config{MaxCorrections: 1})

	out := loop.Run(context.Background(), input())
	if out.State != StateSucceeded || out.Attempts != 1 {
		t.Fatalf("Run() = %+v", out)
	}
	if out.SQL != "SELECT s.name FROM students s" || out.Rows == nil || out.Rows.RowCount != 1 {
		t.Fatalf("Run() = %+v", out)
	}
	if out.LastError != "" || len(out.History) != 1 || out.History[0].Result != RoundSucceeded {
		t.Fatalf("Run() = %+v", out)
	}
}

func TestRunExhaustsAfterFailedRounds(t *testing.T) {
	corrector := &scriptedCorrector{replies: []string{"SELECT nam FROM students", "SELECT nm FROM students", "unused"}}
	executor := &fakeExecutor{failures: map[string]string{
		"SELECT nam FROM students": "still broken",
		"SELECT nm FROM students":  "broken again",
	}}
	loop := New(corrector, sqlguard.New(), executor, Config{MaxCorrections: 2})

	out := loop.Run(context.Background(), input())
	if out.State != StateExhausted || out.Attempts != 2 {
		t.Fatalf("Run() = %+v", out)
	}
	if corrector.calls != 2 {
		t.Fatalf("Correct called %d times, want 2", corrector.calls)
	}
	if out.LastError != "broken again" || out.SQL != "SELECT nm FROM students" {
		t.Fatalf("Run() = %+v", out)
	}
}

func TestRunCountsInvalidCandidateAsFailedRound(t *testing.T) {
	corrector := &scriptedCorrector{replies: []string{"DROP TABLE students"}}
	executor := &fakeExecutor{}
	loop := New(corrector, sqlguard.New(), executor, Config{MaxCorrections: 1})

	out := loop.Run(context.Background(), input())
	if out.State != StateExhausted || out.Attempts != 1 {
		t.Fatalf("Run() = %+v", out)
	}
	if len(executor.executed) != 0 {
		t.Fatalf("executed %v, want nothing", executor.executed)
	}
	if out.History[0].Result != RoundInvalid {
		t.Fatalf("History = %+v", out.History)
	}
}

func TestRunCountsCallFailureAsFailedRound(t *testing.T) {
	corrector := &scriptedCorrector{
		replies: []string{"", "SELECT s.name FROM students s"},
		errs:    []error{&llm.CallError{Kind: llm.KindCorrect, Cause: errors.New("timeout")}},
	}
	loop := New(corrector, sqlguard.New(), &fakeExecutor{}, Config{MaxCorrections: 2})

	out := loop.Run(context.Background(), input())
	if out.State != StateSucceeded || out.Attempts != 2 {
		t.Fatalf("Run() = %+v", out)
	}
	if out.History[0].Result != RoundCallFailed {
		t.Fatalf("History = %+v", out.History)
	}
}

func TestRunGivesUpWhenModelDeclines(t *testing.T) {
	corrector := &scriptedCorrector{
		replies: []string{"SELECT nam FROM students", ""},
		errs:    []error{nil, llm.ErrNoCorrection},
	}
	executor := &fakeExecutor{failures: map[string]string{"SELECT nam FROM students": "still broken"}}
	loop := New(corrector, sqlguard.New(), executor, Config{MaxCorrections: 3})

	out := loop.Run(context.Background(), input())
	if out.State != StateGaveUp {
		t.Fatalf("State = %s, want gave-up", out.State)
	}
	if out.Attempts != 1 {
		t.Fatalf("Attempts = %d, want rounds completed before refusal (1)", out.Attempts)
	}
	if out.LastError != "still broken" {
		t.Fatalf("LastError = %q", out.LastError)
	}
}

func TestRunWithZeroBudgetMakesNoCalls(t *testing.T) {
	corrector := &scriptedCorrector{}
	loop := New(corrector, sqlguard.New(), &fakeExecutor{}, Config{MaxCorrections: 0})

	out := loop.Run(context.Background(), input())
	if out.State != StateExhausted || out.Attempts != 0 || corrector.calls != 0 {
		t.Fatalf("Run() = %+v, calls = %d", out, corrector.calls)
	}
	if out.SQL != input().SQL || out.LastError != input().Error {
		t.Fatalf("Run() = %+v", out)
	}
}

func TestRunNeverExceedsBudget(t *testing.T) {
	for budget := 1; budget <= 4; budget++ {
		replies := make([]string, budget+2)
		failures := map[string]string{}
		for i := range replies {
			replies[i] = "SELECT bad FROM students"
		}
		failures["SELECT bad FROM students"] = "no such column"
		corrector := &scriptedCorrector{replies: replies}
		loop := New(corrector, sqlguard.New(), &fakeExecutor{failures: failures}, Config{MaxCorrections: budget})

		out := loop.Run(context.Background(), input())
		if corrector.calls != budget || out.Attempts != budget || out.State != StateExhausted {
			t.Fatalf("budget=%d: calls=%d out=%+v", budget, corrector.calls, out)
		}
	}
}
