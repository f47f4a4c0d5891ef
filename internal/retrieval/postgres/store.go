// Package postgres stores examples in the rag_example table and ranks them by
// pg_trgm trigram similarity of the question text.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/querypilot/querypilot/internal/retrieval"
)

const topKQuery = `
SELECT example_id, question, sql_text, COALESCE(explanation, ''), source, similarity(question, $1) AS score
FROM rag_example
ORDER BY question <-> $1, example_id
LIMIT $2`

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// TopK returns the k nearest questions by trigram distance, dropping rows that
// share no trigram with the query.
func (s *Store) TopK(ctx context.Context, query string, k int) ([]retrieval.Example, error) {
	if k <= 0 || strings.TrimSpace(query) == "" {
		return []retrieval.Example{}, nil
	}
	rows, err := s.db.QueryContext(ctx, topKQuery, query, k)
	if err != nil {
		return nil, fmt.Errorf("query similar examples: %w", err)
	}
	defer func() { _ = rows.Close() }()

	examples := make([]retrieval.Example, 0, k)
	for rows.Next() {
		example, err := scanExample(rows, true)
		if err != nil {
			return nil, err
		}
		if example.Score <= 0 {
			continue
		}
		examples = append(examples, example)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate similar examples: %w", err)
	}
	return examples, nil
}

func (s *Store) Add(ctx context.Context, example retrieval.Example) error {
	if err := example.Validate(); err != nil {
		return err
	}
	source := example.Source
	if source == "" {
		source = retrieval.SourceSeed
	}

	query := `
INSERT INTO rag_example (question, sql_text, explanation, source)
VALUES ($1, $2, NULLIF($3, ''), $4)
RETURNING example_id`
	var id int64
	if err := s.db.QueryRowContext(ctx, query, example.Question, example.SQL, example.Explanation, source).Scan(&id); err != nil {
		return fmt.Errorf("insert example: %w", err)
	}
	return nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rag_example`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count examples: %w", err)
	}
	return count, nil
}

// All returns every stored example, oldest first.
func (s *Store) All(ctx context.Context) ([]retrieval.Example, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT example_id, question, sql_text, COALESCE(explanation, ''), source
FROM rag_example
ORDER BY example_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list examples: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var examples []retrieval.Example
	for rows.Next() {
		example, err := scanExample(rows, false)
		if err != nil {
			return nil, err
		}
		examples = append(examples, example)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate examples: %w", err)
	}
	return examples, nil
}

func scanExample(rows *sql.Rows, withScore bool) (retrieval.Example, error) {
	var (
		id      int64
		example retrieval.Example
	)
	dest := []any{&id, &example.Question, &example.SQL, &example.Explanation, &example.Source}
	if withScore {
		dest = append(dest, &example.Score)
	}
	if err := rows.Scan(dest...); err != nil {
		return retrieval.Example{}, fmt.Errorf("scan example: %w", err)
	}
	example.ID = strconv.FormatInt(id, 10)
	return example, nil
}
