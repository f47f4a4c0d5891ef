// Package pipeline turns a natural-language question into executed SQL:
// cache lookup, example retrieval, generation, validation, execution,
// correction, refinement and explanation.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/querypilot/querypilot/internal/cache"
	"github.com/querypilot/querypilot/internal/correction"
	"github.com/querypilot/querypilot/internal/database"
	"github.com/querypilot/querypilot/internal/llm"
	"github.com/querypilot/querypilot/internal/metrics"
	"github.com/querypilot/querypilot/internal/retrieval"
	"github.com/querypilot/querypilot/internal/sqlguard"
)

var (
	ErrEmptyQuestion     = errors.New("question is empty")
	ErrSchemaUnavailable = errors.New("schema unavailable")
)

type Provenance string

const (
	ProvenanceComputed Provenance = "computed"
	ProvenanceCache    Provenance = "cache"
	ProvenanceShared   Provenance = "shared"
)

type Stage string

const (
	StageGenerate Stage = "generate"
	StageValidate Stage = "validate"
	StageExecute  Stage = "execute"
	StageCorrect  Stage = "correct"
)

type FailureKind string

const (
	FailureValidation          FailureKind = "validation-failed"
	FailureExecution           FailureKind = "execution-failed"
	FailureCorrectionExhausted FailureKind = "correction-exhausted"
	FailureCorrectionDeclined  FailureKind = "correction-declined"
	FailureClarification       FailureKind = "clarification-needed"
)

// Failure describes why a run produced no rows. Reason is set for
// validation failures only.
type Failure struct {
	Stage   Stage           `json:"stage"`
	Kind    FailureKind     `json:"kind"`
	Reason  sqlguard.Reason `json:"reason,omitempty"`
	Message string          `json:"message"`
}

type Question struct {
	Text string `json:"text"`
	// SchemaID selects the schema; empty means the pipeline's database.
	SchemaID string `json:"schema_id,omitempty"`
	// TopK overrides Options.TopK when positive.
	TopK int `json:"top_k,omitempty"`
}

type Options struct {
	UseRAG           bool `json:"use_rag"`
	TopK             int  `json:"top_k"`
	AutoCorrect      bool `json:"auto_correct"`
	AllowMutatingSQL bool `json:"allow_mutating_sql"`
	Refine           bool `json:"refine"`
	Explain          bool `json:"explain"`
}

type Result struct {
	RequestID          string              `json:"request_id"`
	Question           string              `json:"question"`
	SQL                string              `json:"sql"`
	Explanation        string              `json:"explanation,omitempty"`
	Rows               *database.Rows      `json:"rows,omitempty"`
	CorrectionAttempts int                 `json:"correction_attempts"`
	CorrectionState    correction.State    `json:"correction_state,omitempty"`
	Corrections        []correction.Round  `json:"corrections,omitempty"`
	Elapsed            time.Duration       `json:"elapsed"`
	Provenance         Provenance          `json:"provenance"`
	Failure            *Failure            `json:"failure,omitempty"`
	Clarification      string              `json:"clarification,omitempty"`
	Examples           []retrieval.Example `json:"examples,omitempty"`
	Warnings           []string            `json:"warnings,omitempty"`
}

func (r Result) Succeeded() bool {
	return r.Failure == nil
}

// Generator is the model-facing side of the pipeline.
type Generator interface {
	Generate(ctx context.Context, question string, schema database.Schema, examples []retrieval.Example) (llm.GenerationAttempt, error)
	Explain(ctx context.Context, sql, question string) (string, error)
	Correct(ctx context.Context, sql, errMsg, question string, schema database.Schema) (llm.GenerationAttempt, error)
	Refine(ctx context.Context, sql, question string, schema database.Schema) (llm.GenerationAttempt, error)
}

// Auditor receives every computed result. Failures are logged and ignored.
type Auditor interface {
	RecordQuery(ctx context.Context, result Result) error
}

type Config struct {
	SchemaID       string
	MaxCorrections int
	DBTimeout      time.Duration
	RunTimeout     time.Duration
	AutoSave       bool
	SaveTimeout    time.Duration
}

type Dependencies struct {
	Database  database.Database
	Generator Generator
	Retriever *retrieval.Retriever
	Saver     *retrieval.Saver
	Validator *sqlguard.Validator
	Cache     *cache.Cache[Result]
	Metrics   *metrics.Aggregator
	Auditor   Auditor
	Logger    *slog.Logger
}

type Pipeline struct {
	cfg        Config
	db         database.Database
	generator  Generator
	retriever  *retrieval.Retriever
	saver      *retrieval.Saver
	validator  *sqlguard.Validator
	correction *correction.Loop
	cache      *cache.Cache[Result]
	metrics    *metrics.Aggregator
	auditor    Auditor
	logger     *slog.Logger
	flight     singleflight.Group
	newID      func() string
}

func New(cfg Config, deps Dependencies) (*Pipeline, error) {
	if deps.Database == nil {
		return nil, errors.New("pipeline requires a database")
	}
	if deps.Generator == nil {
		return nil, errors.New("pipeline requires a generator")
	}
	if deps.Validator == nil {
		deps.Validator = sqlguard.New()
	}
	if deps.Cache == nil {
		deps.Cache = cache.New[Result](cache.DefaultCapacity)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewAggregator()
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = 2 * time.Second
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 3 * time.Minute
	}

	p := &Pipeline{
		cfg:       cfg,
		db:        deps.Database,
		generator: deps.Generator,
		retriever: deps.Retriever,
		saver:     deps.Saver,
		validator: deps.Validator,
		cache:     deps.Cache,
		metrics:   deps.Metrics,
		auditor:   deps.Auditor,
		logger:    deps.Logger,
		newID:     uuid.NewString,
	}
	p.correction = correction.New(deps.Generator, deps.Validator, executorFunc(p.execute), correction.Config{
		MaxCorrections: cfg.MaxCorrections,
		Logger:         deps.Logger,
	})
	return p, nil
}

// GenerateAndExecute answers one question. Cached results come back with
// provenance "cache"; callers that arrive while an identical request is being
// computed wait for it and receive its result with provenance "shared".
// The computation itself runs detached from every caller, bounded by
// Config.RunTimeout; a caller whose ctx ends stops waiting without aborting
// the run for the others. Generation transport failures and schema failures
// are returned as errors; every other failure is described on the Result.
func (p *Pipeline) GenerateAndExecute(ctx context.Context, question Question, opts Options) (Result, error) {
	text := strings.TrimSpace(question.Text)
	if text == "" {
		return Result{}, ErrEmptyQuestion
	}
	if question.TopK > 0 {
		opts.TopK = question.TopK
	}
	if p.retriever != nil {
		opts.TopK = p.retriever.ClampK(opts.TopK)
	} else if opts.TopK < 0 {
		opts.TopK = 0
	}
	schemaID := question.SchemaID
	if schemaID == "" {
		schemaID = p.cfg.SchemaID
	}

	key := cache.NewKey(cache.KeyInput{
		Question:      text,
		SchemaID:      schemaID,
		UseRAG:        opts.UseRAG,
		TopK:          opts.TopK,
		AutoCorrect:   opts.AutoCorrect,
		AllowMutating: opts.AllowMutatingSQL,
		Refine:        opts.Refine,
		Explain:       opts.Explain,
	})

	started := time.Now()
	if cached, ok := p.lookup(key, started); ok {
		return cached, nil
	}

	// Written inside the flight function, which finishes before its result is
	// delivered on the channel.
	leader := false
	flight := p.flight.DoChan(string(key), func() (any, error) {
		leader = true
		// A flight for this key may have completed between the lookup above
		// and joining the group.
		if cached, ok := p.cache.Peek(key); ok {
			p.metrics.RecordCacheHit()
			cached.RequestID = p.newID()
			cached.Provenance = ProvenanceCache
			cached.Elapsed = time.Since(started)
			return cached, nil
		}
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.RunTimeout)
		defer cancel()
		return p.compute(runCtx, key, question.SchemaID, text, opts)
	})

	var res singleflight.Result
	select {
	case res = <-flight:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	if leader {
		if res.Err != nil {
			return Result{}, res.Err
		}
		return res.Val.(Result), nil
	}

	if res.Err != nil {
		return Result{}, res.Err
	}
	p.metrics.RecordSharedResult()
	shared := res.Val.(Result)
	shared.RequestID = p.newID()
	shared.Provenance = ProvenanceShared
	shared.Elapsed = time.Since(started)
	return shared, nil
}

func (p *Pipeline) lookup(key cache.Key, started time.Time) (Result, bool) {
	cached, ok := p.cache.Get(key)
	if !ok {
		return Result{}, false
	}
	p.metrics.RecordCacheHit()
	cached.RequestID = p.newID()
	cached.Provenance = ProvenanceCache
	cached.Elapsed = time.Since(started)
	return cached, true
}

func (p *Pipeline) MetricsSnapshot() metrics.Snapshot {
	return p.metrics.Snapshot()
}

func (p *Pipeline) ResetMetrics() {
	p.metrics.Reset()
}

func (p *Pipeline) CacheStats() cache.Stats {
	return p.cache.Stats()
}

func (p *Pipeline) PurgeCache() {
	p.cache.Purge()
}

// Schema returns the schema the pipeline generates against.
func (p *Pipeline) Schema(ctx context.Context) (database.Schema, error) {
	schema, err := p.db.Schema(ctx)
	if err != nil {
		return database.Schema{}, errors.Join(ErrSchemaUnavailable, err)
	}
	return schema, nil
}

// SaveExample adds a reviewed question/SQL pair to the example store. The SQL
// must pass validation against the current schema.
func (p *Pipeline) SaveExample(ctx context.Context, example retrieval.Example) (bool, error) {
	if p.saver == nil {
		return false, ErrNoExampleStore
	}
	if err := example.Validate(); err != nil {
		return false, err
	}
	schema, err := p.Schema(ctx)
	if err != nil {
		return false, err
	}
	if verdict := p.validator.Validate(example.SQL, catalogFor(schema), false); !verdict.Valid {
		return false, &InvalidSQLError{Verdict: verdict}
	}
	return p.saver.Save(ctx, example)
}

var ErrNoExampleStore = errors.New("no example store configured")

type InvalidSQLError struct {
	Verdict sqlguard.Verdict
}

func (e *InvalidSQLError) Error() string {
	return "invalid sql: " + e.Verdict.String()
}

type executorFunc func(ctx context.Context, sql string) (database.Rows, error)

func (f executorFunc) Execute(ctx context.Context, sql string) (database.Rows, error) {
	return f(ctx, sql)
}

func catalogFor(schema database.Schema) sqlguard.Catalog {
	if len(schema.Tables) == 0 {
		return nil
	}
	return schema
}
