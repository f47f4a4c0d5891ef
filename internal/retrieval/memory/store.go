// Package memory is an in-process example store scored by word overlap.
package memory

import (
	"context"
	"math"
	"sort"
	"strconv"
	"sync"

	"github.com/querypilot/querypilot/internal/retrieval"
)

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "of": {}, "in": {}, "on": {}, "for": {}, "to": {},
	"is": {}, "are": {}, "was": {}, "were": {}, "and": {}, "or": {}, "with": {},
	"what": {}, "which": {}, "who": {}, "how": {}, "me": {}, "show": {}, "list": {},
	"give": {}, "all": {}, "there": {}, "do": {}, "does": {}, "by": {},
}

type entry struct {
	example retrieval.Example
	tokens  map[string]struct{}
}

type Store struct {
	mu      sync.RWMutex
	entries []entry
	nextID  int
}

func New(examples ...retrieval.Example) *Store {
	s := &Store{}
	for _, example := range examples {
		_ = s.add(example)
	}
	return s
}

func (s *Store) Add(_ context.Context, example retrieval.Example) error {
	return s.add(example)
}

func (s *Store) add(example retrieval.Example) error {
	if err := example.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	if example.ID == "" {
		example.ID = strconv.Itoa(s.nextID)
	}
	if example.Source == "" {
		example.Source = retrieval.SourceSeed
	}
	example.Score = 0
	s.entries = append(s.entries, entry{example: example, tokens: contentTokens(example.Question)})
	return nil
}

func (s *Store) Count(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}

// All returns every stored example in insertion order.
func (s *Store) All(context.Context) ([]retrieval.Example, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]retrieval.Example, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.example)
	}
	return out, nil
}

// TopK scores every example by the cosine of the content-word sets and
// returns the k best with a positive score. Ties keep insertion order.
func (s *Store) TopK(ctx context.Context, query string, k int) ([]retrieval.Example, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return []retrieval.Example{}, nil
	}
	queryTokens := contentTokens(query)

	s.mu.RLock()
	scored := make([]retrieval.Example, 0, len(s.entries))
	for _, e := range s.entries {
		score := cosine(queryTokens, e.tokens)
		if score <= 0 {
			continue
		}
		example := e.example
		example.Score = score
		scored = append(scored, example)
	}
	s.mu.RUnlock()

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

func contentTokens(text string) map[string]struct{} {
	tokens := retrieval.Tokens(text)
	for word := range tokens {
		if _, stop := stopWords[word]; stop {
			delete(tokens, word)
		}
	}
	return tokens
}

func cosine(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	shared := 0
	for token := range a {
		if _, ok := b[token]; ok {
			shared++
		}
	}
	return float64(shared) / math.Sqrt(float64(len(a))*float64(len(b)))
}
