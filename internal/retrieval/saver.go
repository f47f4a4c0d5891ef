package retrieval

import (
	"context"
	"fmt"
	"strings"
)

const nearDuplicateOverlap = 0.9

// Saver adds examples to a store unless an equivalent one is already there.
type Saver struct {
	store Store
}

func NewSaver(store Store) *Saver {
	return &Saver{store: store}
}

// Save stores example and reports whether it was added. Exact duplicates and
// near duplicates (more than 90% of the question's words shared with an
// existing question that has the same SQL) are skipped.
func (s *Saver) Save(ctx context.Context, example Example) (bool, error) {
	if err := example.Validate(); err != nil {
		return false, err
	}
	existing, err := s.store.TopK(ctx, example.Question, 3)
	if err != nil {
		return false, fmt.Errorf("look up similar examples: %w", err)
	}
	for _, candidate := range existing {
		if IsDuplicate(example, candidate) {
			return false, nil
		}
	}
	if err := s.store.Add(ctx, example); err != nil {
		return false, fmt.Errorf("add example: %w", err)
	}
	return true, nil
}

func IsDuplicate(candidate, existing Example) bool {
	sqlA := normalize(candidate.SQL)
	sqlB := normalize(existing.SQL)
	if sqlA != sqlB {
		return false
	}
	if normalize(candidate.Question) == normalize(existing.Question) {
		return true
	}
	return Overlap(Tokens(candidate.Question), Tokens(existing.Question)) > nearDuplicateOverlap
}

func normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}
