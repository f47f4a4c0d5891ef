package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/querypilot/querypilot/internal/cache"
	"github.com/querypilot/querypilot/internal/correction"
	"github.com/querypilot/querypilot/internal/database"
	"github.com/querypilot/querypilot/internal/metrics"
	"github.com/querypilot/querypilot/internal/observability"
	"github.com/querypilot/querypilot/internal/retrieval"
)

// Failure kinds for runs that ended with a returned error rather than a
// Result. They only appear in metrics.
const (
	errorKindSchema     = "schema-unavailable"
	errorKindGeneration = "generation-call-failed"
)

func (p *Pipeline) compute(ctx context.Context, key cache.Key, schemaID, question string, opts Options) (Result, error) {
	started := time.Now()
	p.metrics.RecordCacheMiss()

	result := Result{
		RequestID:  p.newID(),
		Question:   question,
		Provenance: ProvenanceComputed,
		Examples:   []retrieval.Example{},
	}
	logger := observability.RequestLogger(ctx, p.logger, result.RequestID)

	schema, err := p.loadSchema(ctx, schemaID)
	if err != nil {
		p.metrics.RecordRun(metrics.Run{FailureKind: errorKindSchema, Elapsed: time.Since(started)})
		logger.ErrorContext(ctx, "schema load failed", slog.Any("error", err))
		return Result{}, err
	}

	if opts.UseRAG && p.retriever != nil {
		spanCtx, span := observability.StartStageSpan(ctx, "retrieve", attribute.Int("retrieval.k", opts.TopK))
		result.Examples = p.retriever.Retrieve(spanCtx, question, opts.TopK)
		span.SetAttributes(attribute.Int("retrieval.found", len(result.Examples)))
		observability.EndSpan(span, nil)
	}

	genCtx, span := observability.StartStageSpan(ctx, "generate")
	attempt, err := p.generator.Generate(genCtx, question, schema, result.Examples)
	observability.EndSpan(span, err)
	if err != nil {
		p.metrics.RecordRun(metrics.Run{FailureKind: errorKindGeneration, Elapsed: time.Since(started)})
		logger.ErrorContext(ctx, "sql generation failed", slog.Any("error", err))
		return Result{}, err
	}
	if attempt.Clarification != "" {
		result.Clarification = attempt.Clarification
		result.Failure = &Failure{Stage: StageGenerate, Kind: FailureClarification, Message: attempt.Clarification}
		return p.finish(ctx, logger, key, result, started), nil
	}
	result.SQL = attempt.SQL

	_, span = observability.StartStageSpan(ctx, "validate")
	verdict := p.validator.Validate(result.SQL, catalogFor(schema), opts.AllowMutatingSQL)
	span.SetAttributes(attribute.Bool("validation.valid", verdict.Valid))
	observability.EndSpan(span, nil)
	if !verdict.Valid {
		result.Failure = &Failure{Stage: StageValidate, Kind: FailureValidation, Reason: verdict.Reason, Message: verdict.Detail}
		return p.finish(ctx, logger, key, result, started), nil
	}

	rows, err := p.executeStage(ctx, result.SQL)
	if err != nil {
		message := executionMessage(err)
		if !opts.AutoCorrect {
			result.Failure = &Failure{Stage: StageExecute, Kind: FailureExecution, Message: message}
			return p.finish(ctx, logger, key, result, started), nil
		}

		outcome := p.correction.Run(ctx, correction.Input{
			Question:      question,
			SQL:           result.SQL,
			Error:         message,
			Schema:        schema,
			AllowMutating: opts.AllowMutatingSQL,
		})
		result.SQL = outcome.SQL
		result.CorrectionAttempts = outcome.Attempts
		result.CorrectionState = outcome.State
		result.Corrections = outcome.History
		switch outcome.State {
		case correction.StateSucceeded:
			rows = *outcome.Rows
		case correction.StateGaveUp:
			result.Failure = &Failure{Stage: StageCorrect, Kind: FailureCorrectionDeclined, Message: outcome.LastError}
			return p.finish(ctx, logger, key, result, started), nil
		default:
			result.Failure = &Failure{Stage: StageCorrect, Kind: FailureCorrectionExhausted, Message: outcome.LastError}
			return p.finish(ctx, logger, key, result, started), nil
		}
	}
	result.Rows = &rows

	if opts.Refine {
		p.refine(ctx, &result, schema, opts.AllowMutatingSQL)
	}
	if opts.Explain {
		explainCtx, span := observability.StartStageSpan(ctx, "explain")
		explanation, err := p.generator.Explain(explainCtx, result.SQL, question)
		observability.EndSpan(span, err)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("explanation unavailable: %v", err))
		} else {
			result.Explanation = explanation
		}
	}
	return p.finish(ctx, logger, key, result, started), nil
}

// refine adopts the model's refined query only if it validates and executes;
// otherwise the original query and rows stay and a warning is added.
func (p *Pipeline) refine(ctx context.Context, result *Result, schema database.Schema, allowMutating bool) {
	refineCtx, span := observability.StartStageSpan(ctx, "refine")
	defer span.End()

	attempt, err := p.generator.Refine(refineCtx, result.SQL, result.Question, schema)
	if err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("refinement skipped: %v", err))
		return
	}
	if sameSQL(attempt.SQL, result.SQL) {
		return
	}
	if verdict := p.validator.Validate(attempt.SQL, catalogFor(schema), allowMutating); !verdict.Valid {
		result.Warnings = append(result.Warnings, "refined query rejected: "+verdict.String())
		return
	}
	rows, err := p.execute(refineCtx, attempt.SQL)
	if err != nil {
		result.Warnings = append(result.Warnings, "refined query failed: "+executionMessage(err))
		return
	}
	result.SQL = attempt.SQL
	result.Rows = &rows
}

func (p *Pipeline) finish(ctx context.Context, logger *slog.Logger, key cache.Key, result Result, started time.Time) Result {
	result.Elapsed = time.Since(started)

	failureKind := ""
	if result.Failure != nil {
		failureKind = string(result.Failure.Kind)
	}
	p.metrics.RecordRun(metrics.Run{
		FailureKind:        failureKind,
		CorrectionAttempts: result.CorrectionAttempts,
		Elapsed:            result.Elapsed,
	})

	if result.Succeeded() && len(result.Warnings) == 0 {
		p.cache.Put(key, result)
	}
	if result.Succeeded() && p.cfg.AutoSave {
		p.autoSave(ctx, logger, result)
	}
	if p.auditor != nil {
		if err := p.auditor.RecordQuery(ctx, result); err != nil {
			logger.WarnContext(ctx, "query audit failed", slog.Any("error", err))
		}
	}

	attrs := []any{
		slog.Duration("elapsed", result.Elapsed),
		slog.Int("correction_attempts", result.CorrectionAttempts),
		slog.Int("examples", len(result.Examples)),
		slog.String(observability.AttrQuestion, result.Question),
	}
	if result.SQL != "" {
		attrs = append(attrs, slog.String(observability.AttrSQL, result.SQL))
	}
	if result.Failure != nil {
		attrs = append(attrs,
			slog.String("stage", string(result.Failure.Stage)),
			slog.String("failure", failureKind),
			slog.String("message", result.Failure.Message),
		)
		logger.WarnContext(ctx, "question failed", attrs...)
	} else {
		logger.InfoContext(ctx, "question answered", attrs...)
	}
	return result
}

func (p *Pipeline) autoSave(ctx context.Context, logger *slog.Logger, result Result) {
	if p.saver == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(ctx, p.cfg.SaveTimeout)
	defer cancel()
	saved, err := p.saver.Save(saveCtx, retrieval.Example{
		Question:    result.Question,
		SQL:         result.SQL,
		Explanation: result.Explanation,
		Source:      retrieval.SourceAuto,
	})
	if err != nil {
		logger.WarnContext(ctx, "example auto-save failed", slog.Any("error", err))
		return
	}
	if saved {
		logger.DebugContext(ctx, "example saved")
	}
}

func (p *Pipeline) loadSchema(ctx context.Context, schemaID string) (database.Schema, error) {
	ctx, span := observability.StartStageSpan(ctx, "schema")
	schema, err := p.db.Schema(ctx)
	if err == nil && schemaID != "" && !strings.EqualFold(schemaID, schema.ID) {
		err = fmt.Errorf("unknown schema %q", schemaID)
	}
	observability.EndSpan(span, err)
	if err != nil {
		return database.Schema{}, errors.Join(ErrSchemaUnavailable, err)
	}
	return schema, nil
}

func (p *Pipeline) executeStage(ctx context.Context, sql string) (database.Rows, error) {
	ctx, span := observability.StartStageSpan(ctx, "execute")
	rows, err := p.execute(ctx, sql)
	if err == nil {
		span.SetAttributes(attribute.Int("db.rows", rows.RowCount))
	}
	observability.EndSpan(span, err)
	return rows, err
}

func (p *Pipeline) execute(ctx context.Context, sql string) (database.Rows, error) {
	if p.cfg.DBTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.DBTimeout)
		defer cancel()
	}
	return p.db.Execute(ctx, sql)
}

func executionMessage(err error) string {
	var execErr *database.ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Message
	}
	return err.Error()
}

func sameSQL(a, b string) bool {
	return strings.Join(strings.Fields(a), " ") == strings.Join(strings.Fields(b), " ")
}
