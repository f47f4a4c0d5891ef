package observability

import (
	"context"
	"io"
	"log/slog"
	"unicode/utf8"

	"github.com/querypilot/querypilot/internal/config"
)

type ctxKey string

const traceIDKey ctxKey = "trace_id"

// Attributes carrying user or model text. They are clipped so a pasted
// document or a runaway completion cannot flood the log pipeline.
const (
	AttrQuestion = "question"
	AttrSQL      = "sql"

	maxLoggedText = 512
)

func NewLogger(cfg config.Config, writer io.Writer) *slog.Logger {
	if writer == nil {
		writer = io.Discard
	}
	opts := &slog.HandlerOptions{Level: cfg.Observability.LogLevel, ReplaceAttr: clipText}
	var handler slog.Handler
	if cfg.Observability.LogJSON {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}
	return slog.New(handler).With(
		slog.String("service", cfg.Service.Name),
		slog.String("profile", string(cfg.Profile)),
	)
}

// RequestLogger scopes base to one pipeline run: every line carries the trace
// id of the HTTP request that started it and the run's request id.
func RequestLogger(ctx context.Context, base *slog.Logger, requestID string) *slog.Logger {
	if base == nil {
		base = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger := base.With(slog.String("request_id", requestID))
	if traceID := TraceIDFromContext(ctx); traceID != "" {
		logger = logger.With(slog.String("trace_id", traceID))
	}
	return logger
}

func clipText(_ []string, attr slog.Attr) slog.Attr {
	if attr.Key != AttrQuestion && attr.Key != AttrSQL {
		return attr
	}
	if attr.Value.Kind() != slog.KindString {
		return attr
	}
	return slog.String(attr.Key, clip(attr.Value.String(), maxLoggedText))
}

func clip(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "…"
}

func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

func TraceIDFromContext(ctx context.Context) string {
	value, ok := ctx.Value(traceIDKey).(string)
	if !ok {
		return ""
	}
	return value
}
