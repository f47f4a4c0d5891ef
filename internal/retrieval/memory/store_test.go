package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/querypilot/querypilot/internal/retrieval"
)

func seeded() *Store {
	return New(
		retrieval.Example{Question: "How many students are there?", SQL: "SELECT COUNT(*) FROM students"},
		retrieval.Example{Question: "List students with grade A", SQL: "SELECT name FROM students WHERE grade = 'A'"},
		retrieval.Example{Question: "Average course credits", SQL: "SELECT AVG(credits) FROM courses"},
	)
}

func TestTopKOrdersBySimilarity(t *testing.T) {
	store := seeded()
	got, err := store.TopK(context.Background(), "students in grade A", 2)
	if err != nil {
		t.Fatalf("TopK() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("TopK() = %+v", got)
	}
	if got[0].Question != "List students with grade A" {
		t.Fatalf("best match = %q", got[0].Question)
	}
	if got[0].Score < got[1].Score || got[1].Score <= 0 {
		t.Fatalf("scores = %v, %v", got[0].Score, got[1].Score)
	}
}

func TestTopKSkipsUnrelatedExamples(t *testing.T) {
	got, err := seeded().TopK(context.Background(), "weather forecast tomorrow", 5)
	if err != nil {
		t.Fatalf("TopK() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("TopK() = %+v, want none", got)
	}
}

func TestTopKHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := seeded().TopK(ctx, "students", 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("TopK() error = %v", err)
	}
}

func TestAddAssignsIDsAndCounts(t *testing.T) {
	store := New()
	if err := store.Add(context.Background(), retrieval.Example{Question: "q"}); !errors.Is(err, retrieval.ErrInvalidExample) {
		t.Fatalf("Add() error = %v", err)
	}
	if err := store.Add(context.Background(), retrieval.Example{Question: "q", SQL: "SELECT 1", Source: retrieval.SourceAuto}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	count, _ := store.Count(context.Background())
	all, _ := store.All(context.Background())
	if count != 1 || len(all) != 1 || all[0].ID == "" || all[0].Source != retrieval.SourceAuto {
		t.Fatalf("Count() = %d, All() = %+v", count, all)
	}
}
