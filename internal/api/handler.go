package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/querypilot/querypilot/internal/cache"
	"github.com/querypilot/querypilot/internal/config"
	"github.com/querypilot/querypilot/internal/database"
	"github.com/querypilot/querypilot/internal/metrics"
	"github.com/querypilot/querypilot/internal/observability"
	"github.com/querypilot/querypilot/internal/pipeline"
	"github.com/querypilot/querypilot/internal/retrieval"
)

type ReadinessCheck func(ctx context.Context) error

// Pipeline is the part of *pipeline.Pipeline the handlers use.
type Pipeline interface {
	GenerateAndExecute(ctx context.Context, question pipeline.Question, opts pipeline.Options) (pipeline.Result, error)
	Schema(ctx context.Context) (database.Schema, error)
	SaveExample(ctx context.Context, example retrieval.Example) (bool, error)
	MetricsSnapshot() metrics.Snapshot
	ResetMetrics()
	CacheStats() cache.Stats
	PurgeCache()
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Pipeline          Pipeline
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	protected := http.NewServeMux()
	protected.HandleFunc("POST /v1/ask", func(w http.ResponseWriter, r *http.Request) {
		handleAsk(cfg, deps, w, r)
	})
	protected.HandleFunc("GET /v1/schema", func(w http.ResponseWriter, r *http.Request) {
		handleSchema(deps, w, r)
	})
	protected.HandleFunc("POST /v1/feedback", func(w http.ResponseWriter, r *http.Request) {
		handleFeedback(deps, w, r)
	})
	protected.HandleFunc("GET /v1/metrics/snapshot", func(w http.ResponseWriter, r *http.Request) {
		handleMetricsSnapshot(deps, w, r)
	})
	protected.HandleFunc("POST /v1/metrics/reset", func(w http.ResponseWriter, r *http.Request) {
		handleMetricsReset(deps, w, r)
	})
	protected.HandleFunc("GET /v1/cache/stats", func(w http.ResponseWriter, r *http.Request) {
		handleCacheStats(deps, w, r)
	})
	protected.HandleFunc("DELETE /v1/cache", func(w http.ResponseWriter, r *http.Request) {
		handleCachePurge(deps, w, r)
	})

	var protectedHandler http.Handler = protected
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
			})
		} else {
			protectedHandler = deps.AuthMiddleware(protectedHandler)
		}
	}
	mux.Handle("POST /v1/ask", protectedHandler)
	mux.Handle("GET /v1/schema", protectedHandler)
	mux.Handle("POST /v1/feedback", protectedHandler)
	mux.Handle("GET /v1/metrics/snapshot", protectedHandler)
	mux.Handle("POST /v1/metrics/reset", protectedHandler)
	mux.Handle("GET /v1/cache/stats", protectedHandler)
	mux.Handle("DELETE /v1/cache", protectedHandler)

	middlewares := []func(http.Handler) http.Handler{
		observability.TracingMiddleware(cfg.Service.Name),
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

// CheckDatabase pings the database generated SQL runs against.
func CheckDatabase(db interface{ Ping(context.Context) error }) ReadinessCheck {
	if db == nil {
		return nil
	}
	return func(ctx context.Context) error {
		if err := db.Ping(ctx); err != nil {
			return errors.Join(errors.New("database is not reachable"), err)
		}
		return nil
	}
}

// CheckExampleStore reports the example store as not ready when it cannot be
// counted.
func CheckExampleStore(store interface {
	Count(context.Context) (int, error)
}) ReadinessCheck {
	if store == nil {
		return nil
	}
	return func(ctx context.Context) error {
		if _, err := store.Count(ctx); err != nil {
			return errors.Join(errors.New("example store is not reachable"), err)
		}
		return nil
	}
}

// CheckExampleSchema reports not ready while the example store schema lags the
// migrations this build ships.
func CheckExampleSchema(schema interface{ Verify(context.Context) error }) ReadinessCheck {
	if schema == nil {
		return nil
	}
	return func(ctx context.Context) error {
		if err := schema.Verify(ctx); err != nil {
			return errors.Join(errors.New("example store schema is not current"), err)
		}
		return nil
	}
}

func CheckLLMConfig(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if cfg.AI.BaseURL == "" {
			return errors.New("ai base url is not configured")
		}
		if cfg.AI.APIKey == "" {
			return errors.New("ai api key is not configured")
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
