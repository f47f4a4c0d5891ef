// Package retrieval finds prior question/SQL examples similar to a new
// question. Retrieval is best effort: any failure degrades to no examples.
package retrieval

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const (
	DefaultMaxK               = 5
	DefaultDiversityThreshold = 0.85

	SourceSeed     = "seed"
	SourceAuto     = "auto"
	SourceFeedback = "feedback"
)

var ErrInvalidExample = errors.New("example requires a question and sql")

type Example struct {
	ID          string  `json:"id,omitempty"`
	Question    string  `json:"question"`
	SQL         string  `json:"sql"`
	Explanation string  `json:"explanation,omitempty"`
	Source      string  `json:"source,omitempty"`
	Score       float64 `json:"score,omitempty"`
}

func (e Example) Validate() error {
	if e.Question == "" || e.SQL == "" {
		return ErrInvalidExample
	}
	return nil
}

// SimilaritySearch returns up to k examples ordered by decreasing similarity.
type SimilaritySearch interface {
	TopK(ctx context.Context, query string, k int) ([]Example, error)
}

type Store interface {
	SimilaritySearch
	Add(ctx context.Context, example Example) error
	Count(ctx context.Context) (int, error)
}

type Recorder interface {
	RecordRAG(hit bool)
}

type Options struct {
	MaxK     int
	MinScore float64
	Timeout  time.Duration
	// DiversityThreshold drops an example whose question has at least this
	// Jaccard similarity to an example already selected. Zero uses the default;
	// a value above 1 disables the filter.
	DiversityThreshold float64
	Recorder           Recorder
	Logger             *slog.Logger
}

type Retriever struct {
	search    SimilaritySearch
	maxK      int
	minScore  float64
	timeout   time.Duration
	diversity float64
	recorder  Recorder
	logger    *slog.Logger
}

func New(search SimilaritySearch, opts Options) *Retriever {
	if opts.MaxK <= 0 {
		opts.MaxK = DefaultMaxK
	}
	if opts.DiversityThreshold <= 0 {
		opts.DiversityThreshold = DefaultDiversityThreshold
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Retriever{
		search:    search,
		maxK:      opts.MaxK,
		minScore:  opts.MinScore,
		timeout:   opts.Timeout,
		diversity: opts.DiversityThreshold,
		recorder:  opts.Recorder,
		logger:    opts.Logger,
	}
}

func (r *Retriever) MaxK() int {
	return r.maxK
}

// ClampK bounds k to [0, MaxK].
func (r *Retriever) ClampK(k int) int {
	if k < 0 {
		return 0
	}
	if k > r.maxK {
		return r.maxK
	}
	return k
}

// Retrieve returns at most k examples, most similar first. It never fails:
// store errors, timeouts and an empty store all yield an empty slice.
func (r *Retriever) Retrieve(ctx context.Context, question string, k int) []Example {
	examples := r.retrieve(ctx, question, r.ClampK(k))
	if r.recorder != nil {
		r.recorder.RecordRAG(len(examples) > 0)
	}
	return examples
}

func (r *Retriever) retrieve(ctx context.Context, question string, k int) []Example {
	if k == 0 || r.search == nil {
		return []Example{}
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	// Over-fetch so the score and diversity filters still leave k candidates.
	candidates, err := r.search.TopK(ctx, question, k*2)
	if err != nil {
		r.logger.WarnContext(ctx, "example retrieval failed", slog.Any("error", err))
		return []Example{}
	}

	selected := make([]Example, 0, k)
	selectedTokens := make([]map[string]struct{}, 0, k)
	for _, candidate := range candidates {
		if len(selected) == k {
			break
		}
		if candidate.Score < r.minScore {
			continue
		}
		tokens := Tokens(candidate.Question)
		if r.tooSimilar(tokens, selectedTokens) {
			continue
		}
		selected = append(selected, candidate)
		selectedTokens = append(selectedTokens, tokens)
	}
	return selected
}

func (r *Retriever) tooSimilar(tokens map[string]struct{}, selected []map[string]struct{}) bool {
	if r.diversity > 1 {
		return false
	}
	for _, other := range selected {
		if Jaccard(tokens, other) >= r.diversity {
			return true
		}
	}
	return false
}
