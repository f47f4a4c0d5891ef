// Package correction repairs a query that failed at execution by asking the
// model for fixes, a bounded number of times.
package correction

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/querypilot/querypilot/internal/database"
	"github.com/querypilot/querypilot/internal/llm"
	"github.com/querypilot/querypilot/internal/observability"
	"github.com/querypilot/querypilot/internal/sqlguard"
)

const DefaultMaxCorrections = 1

type State string

const (
	StateAttempting State = "attempting"
	StateSucceeded  State = "succeeded"
	StateExhausted  State = "exhausted-retries"
	StateGaveUp     State = "gave-up"
)

// RoundResult is how a single correct-validate-execute round ended.
type RoundResult string

const (
	RoundSucceeded       RoundResult = "succeeded"
	RoundDeclined        RoundResult = "declined"
	RoundCallFailed      RoundResult = "call-failed"
	RoundInvalid         RoundResult = "invalid"
	RoundExecutionFailed RoundResult = "execution-failed"
)

type Corrector interface {
	Correct(ctx context.Context, sql, errMsg, question string, schema database.Schema) (llm.GenerationAttempt, error)
}

type Validator interface {
	Validate(sql string, catalog sqlguard.Catalog, allowMutating bool) sqlguard.Verdict
}

type Executor interface {
	Execute(ctx context.Context, sql string) (database.Rows, error)
}

type Round struct {
	Attempt int         `json:"attempt"`
	SQL     string      `json:"sql,omitempty"`
	Result  RoundResult `json:"result"`
	Error   string      `json:"error,omitempty"`
}

type Input struct {
	Question      string
	SQL           string
	Error         string
	Schema        database.Schema
	AllowMutating bool
}

// Outcome is the terminal state of a run. SQL is the last query tried and
// LastError the last failure message; Rows is set only on success.
type Outcome struct {
	State     State
	SQL       string
	Rows      *database.Rows
	LastError string
	Attempts  int
	History   []Round
}

type Config struct {
	MaxCorrections int
	DBTimeout      time.Duration
	Logger         *slog.Logger
}

type Loop struct {
	corrector Corrector
	validator Validator
	executor  Executor
	max       int
	dbTimeout time.Duration
	logger    *slog.Logger
}

func New(corrector Corrector, validator Validator, executor Executor, cfg Config) *Loop {
	if cfg.MaxCorrections < 0 {
		cfg.MaxCorrections = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Loop{
		corrector: corrector,
		validator: validator,
		executor:  executor,
		max:       cfg.MaxCorrections,
		dbTimeout: cfg.DBTimeout,
		logger:    cfg.Logger,
	}
}

func (l *Loop) MaxCorrections() int {
	return l.max
}

// Run drives the loop from Attempting(0) to a terminal state. Each round is
// one Correct call followed, when a candidate came back, by validation and
// execution. Refusal ends the loop immediately; any other failure consumes a
// round. With a zero budget the loop is exhausted before any call is made.
func (l *Loop) Run(ctx context.Context, in Input) Outcome {
	out := Outcome{State: StateAttempting, SQL: in.SQL, LastError: in.Error}
	if l.max == 0 {
		out.State = StateExhausted
		return out
	}

	n := 0
	for out.State == StateAttempting {
		round, rows := l.round(ctx, in, out.SQL, out.LastError, n)
		out.History = append(out.History, round)
		if round.SQL != "" {
			out.SQL = round.SQL
		}
		if round.Error != "" {
			out.LastError = round.Error
		}

		switch round.Result {
		case RoundSucceeded:
			out.State = StateSucceeded
			out.Rows = &rows
			out.LastError = ""
			out.Attempts = n + 1
		case RoundDeclined:
			out.State = StateGaveUp
			out.Attempts = n
		default:
			if n+1 >= l.max {
				out.State = StateExhausted
				out.Attempts = n + 1
			} else {
				n++
			}
		}
	}

	l.logger.InfoContext(ctx, "correction finished",
		slog.String("trace_id", observability.TraceIDFromContext(ctx)),
		slog.String("state", string(out.State)),
		slog.Int("attempts", out.Attempts),
	)
	return out
}

func (l *Loop) round(ctx context.Context, in Input, sql, errMsg string, n int) (Round, database.Rows) {
	ctx, span := observability.StartStageSpan(ctx, "correct", attribute.Int("correction.attempt", n+1))
	round := Round{Attempt: n + 1}

	attempt, err := l.corrector.Correct(ctx, sql, errMsg, in.Question, in.Schema)
	if err != nil {
		if errors.Is(err, llm.ErrNoCorrection) {
			round.Result = RoundDeclined
			observability.EndSpan(span, nil)
			return round, database.Rows{}
		}
		round.Result = RoundCallFailed
		round.Error = err.Error()
		observability.EndSpan(span, err)
		return round, database.Rows{}
	}
	round.SQL = attempt.SQL

	if verdict := l.validator.Validate(attempt.SQL, catalogFor(in.Schema), in.AllowMutating); !verdict.Valid {
		round.Result = RoundInvalid
		round.Error = verdict.String()
		observability.EndSpan(span, nil)
		return round, database.Rows{}
	}

	execCtx := ctx
	if l.dbTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, l.dbTimeout)
		defer cancel()
	}
	rows, err := l.executor.Execute(execCtx, attempt.SQL)
	if err != nil {
		round.Result = RoundExecutionFailed
		round.Error = executionMessage(err)
		observability.EndSpan(span, err)
		return round, database.Rows{}
	}
	round.Result = RoundSucceeded
	observability.EndSpan(span, nil)
	return round, rows
}

// catalogFor skips the schema check when no schema was loaded.
func catalogFor(schema database.Schema) sqlguard.Catalog {
	if len(schema.Tables) == 0 {
		return nil
	}
	return schema
}

func executionMessage(err error) string {
	var execErr *database.ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Message
	}
	return err.Error()
}
