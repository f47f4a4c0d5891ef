// Package llm turns pipeline stages into single rate-limited completion calls.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/querypilot/querypilot/internal/database"
	"github.com/querypilot/querypilot/internal/ratelimit"
	"github.com/querypilot/querypilot/internal/retrieval"
)

const (
	KindGenerate = "generate"
	KindExplain  = "explain"
	KindCorrect  = "correct"
	KindRefine   = "refine"

	DefaultMaxTokens        = 512
	DefaultExplainMaxTokens = 400
)

var (
	// ErrNoCorrection means the model declined to produce a corrected query.
	ErrNoCorrection = errors.New("model declined to correct the query")
	ErrEmptyReply   = errors.New("model returned an empty reply")
)

// Completion is one chat request. System may be empty.
type Completion struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

type Transport interface {
	Complete(ctx context.Context, req Completion) (string, error)
}

type Limiter interface {
	Acquire(ctx context.Context) (ratelimit.Permit, error)
}

type Recorder interface {
	RecordLLMCall(kind string, latency time.Duration, err error)
	RecordRateLimitWait(waited time.Duration)
}

// CallError reports a failed completion: a transport error, a deadline overrun
// or cancellation while waiting for the rate limiter.
type CallError struct {
	Kind  string
	Cause error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("llm %s call failed: %v", e.Kind, e.Cause)
}

func (e *CallError) Unwrap() error {
	return e.Cause
}

// GenerationAttempt is one candidate query produced by the model. When the
// model asked a question back instead, Clarification is set and SQL is empty.
type GenerationAttempt struct {
	SQL           string        `json:"sql"`
	Kind          string        `json:"kind"`
	Temperature   float64       `json:"temperature"`
	Latency       time.Duration `json:"latency"`
	Clarification string        `json:"clarification,omitempty"`
}

type Config struct {
	Timeout             time.Duration
	MaxTokens           int
	ExplainMaxTokens    int
	GenerateTemperature float64
	ExplainTemperature  float64
	CorrectTemperature  float64
	RefineTemperature   float64
}

func DefaultConfig() Config {
	return Config{
		Timeout:             30 * time.Second,
		MaxTokens:           DefaultMaxTokens,
		ExplainMaxTokens:    DefaultExplainMaxTokens,
		GenerateTemperature: 0.1,
		ExplainTemperature:  0.3,
		CorrectTemperature:  0.1,
		RefineTemperature:   0.1,
	}
}

// Gateway issues every outbound model call through one shared limiter. Calls
// are never retried.
type Gateway struct {
	transport Transport
	limiter   Limiter
	recorder  Recorder
	cfg       Config
}

func NewGateway(transport Transport, limiter Limiter, recorder Recorder, cfg Config) *Gateway {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.ExplainMaxTokens <= 0 {
		cfg.ExplainMaxTokens = DefaultExplainMaxTokens
	}
	return &Gateway{transport: transport, limiter: limiter, recorder: recorder, cfg: cfg}
}

func (g *Gateway) Generate(ctx context.Context, question string, schema database.Schema, examples []retrieval.Example) (GenerationAttempt, error) {
	reply, latency, err := g.call(ctx, KindGenerate, Completion{
		System:      generateSystemPrompt,
		Prompt:      generatePrompt(question, schema, examples),
		Temperature: g.cfg.GenerateTemperature,
		MaxTokens:   g.cfg.MaxTokens,
	})
	if err != nil {
		return GenerationAttempt{}, err
	}
	attempt := GenerationAttempt{Kind: KindGenerate, Temperature: g.cfg.GenerateTemperature, Latency: latency}
	if clarification, ok := clarificationRequest(reply); ok {
		attempt.Clarification = clarification
		return attempt, nil
	}
	attempt.SQL = CleanSQL(reply)
	return attempt, nil
}

func (g *Gateway) Explain(ctx context.Context, sql, question string) (string, error) {
	reply, _, err := g.call(ctx, KindExplain, Completion{
		System:      explainSystemPrompt,
		Prompt:      explainPrompt(sql, question),
		Temperature: g.cfg.ExplainTemperature,
		MaxTokens:   g.cfg.ExplainMaxTokens,
	})
	if err != nil {
		return "", err
	}
	explanation := strings.TrimSpace(reply)
	if explanation == "" {
		return "", &CallError{Kind: KindExplain, Cause: ErrEmptyReply}
	}
	return explanation, nil
}

// Correct asks for a fixed version of sql given the database error. A reply
// that is not a query is reported as ErrNoCorrection.
func (g *Gateway) Correct(ctx context.Context, sql, errMsg, question string, schema database.Schema) (GenerationAttempt, error) {
	reply, latency, err := g.call(ctx, KindCorrect, Completion{
		System:      generateSystemPrompt,
		Prompt:      correctPrompt(sql, errMsg, question, schema),
		Temperature: g.cfg.CorrectTemperature,
		MaxTokens:   g.cfg.MaxTokens,
	})
	if err != nil {
		return GenerationAttempt{}, err
	}
	if _, clarify := clarificationRequest(reply); clarify {
		return GenerationAttempt{}, ErrNoCorrection
	}
	corrected := CleanSQL(reply)
	if !LooksLikeSQL(corrected) {
		return GenerationAttempt{}, ErrNoCorrection
	}
	return GenerationAttempt{SQL: corrected, Kind: KindCorrect, Temperature: g.cfg.CorrectTemperature, Latency: latency}, nil
}

// Refine asks the model to review a working query. A reply that is not a
// query returns sql unchanged.
func (g *Gateway) Refine(ctx context.Context, sql, question string, schema database.Schema) (GenerationAttempt, error) {
	reply, latency, err := g.call(ctx, KindRefine, Completion{
		System:      generateSystemPrompt,
		Prompt:      refinePrompt(sql, question, schema),
		Temperature: g.cfg.RefineTemperature,
		MaxTokens:   g.cfg.MaxTokens,
	})
	if err != nil {
		return GenerationAttempt{}, err
	}
	attempt := GenerationAttempt{SQL: sql, Kind: KindRefine, Temperature: g.cfg.RefineTemperature, Latency: latency}
	if refined := CleanSQL(reply); LooksLikeSQL(refined) {
		attempt.SQL = refined
	}
	return attempt, nil
}

func (g *Gateway) call(ctx context.Context, kind string, req Completion) (string, time.Duration, error) {
	if g.limiter != nil {
		permit, err := g.limiter.Acquire(ctx)
		if err != nil {
			return "", 0, &CallError{Kind: kind, Cause: err}
		}
		if g.recorder != nil {
			g.recorder.RecordRateLimitWait(permit.Waited)
		}
	}

	// The deadline starts after the limiter grant so queueing does not eat into it.
	callCtx := ctx
	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}

	started := time.Now()
	reply, err := g.transport.Complete(callCtx, req)
	latency := time.Since(started)
	if err == nil && callCtx.Err() != nil {
		err = callCtx.Err()
	}
	if g.recorder != nil {
		g.recorder.RecordLLMCall(kind, latency, err)
	}
	if err != nil {
		return "", latency, &CallError{Kind: kind, Cause: err}
	}
	return reply, latency, nil
}
