package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/querypilot/querypilot/internal/auth"
	"github.com/querypilot/querypilot/internal/config"
	"github.com/querypilot/querypilot/internal/correction"
	"github.com/querypilot/querypilot/internal/database"
	"github.com/querypilot/querypilot/internal/llm"
	"github.com/querypilot/querypilot/internal/pipeline"
	"github.com/querypilot/querypilot/internal/retrieval"
)

// askRequest leaves options nil to take the server defaults.
type askRequest struct {
	Question         string `json:"question"`
	SchemaID         string `json:"schema_id"`
	TopK             *int   `json:"top_k"`
	UseRAG           *bool  `json:"use_rag"`
	AutoCorrect      *bool  `json:"auto_correct"`
	AllowMutatingSQL *bool  `json:"allow_mutating_sql"`
	Refine           *bool  `json:"refine"`
	Explain          *bool  `json:"explain"`
}

type askResponse struct {
	RequestID          string              `json:"request_id"`
	Question           string              `json:"question"`
	SQL                string              `json:"sql"`
	Explanation        string              `json:"explanation,omitempty"`
	Columns            []string            `json:"columns,omitempty"`
	Rows               [][]any             `json:"rows,omitempty"`
	RowCount           int                 `json:"row_count"`
	Truncated          bool                `json:"truncated,omitempty"`
	CorrectionAttempts int                 `json:"correction_attempts"`
	CorrectionState    correction.State    `json:"correction_state,omitempty"`
	Corrections        []correction.Round  `json:"corrections,omitempty"`
	Provenance         pipeline.Provenance `json:"provenance"`
	ElapsedMs          int64               `json:"elapsed_ms"`
	Failure            *pipeline.Failure   `json:"failure,omitempty"`
	Clarification      string              `json:"clarification,omitempty"`
	Examples           []retrieval.Example `json:"examples,omitempty"`
	Warnings           []string            `json:"warnings,omitempty"`
}

func handleAsk(cfg config.Config, deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Pipeline == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "PIPELINE_NOT_CONFIGURED", "pipeline is not configured", false, nil)
		return
	}
	if err := auth.RequireRole(r.Context(), auth.RoleQueryReader); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	var request askRequest
	if !decodeBody(w, r, &request) {
		return
	}
	if strings.TrimSpace(request.Question) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "QUESTION_REQUIRED", "question is required", false, nil)
		return
	}

	opts := defaultOptions(cfg)
	if request.TopK != nil {
		if *request.TopK < 0 {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_TOP_K", "top_k must not be negative", false, nil)
			return
		}
		opts.TopK = *request.TopK
	}
	applyBool(request.UseRAG, &opts.UseRAG)
	applyBool(request.AutoCorrect, &opts.AutoCorrect)
	applyBool(request.Refine, &opts.Refine)
	applyBool(request.Explain, &opts.Explain)
	if request.AllowMutatingSQL != nil {
		if *request.AllowMutatingSQL && !cfg.Pipeline.AllowMutatingSQL {
			writeError(r.Context(), w, http.StatusForbidden, "MUTATING_SQL_DISABLED", "mutating sql is disabled on this server", false, nil)
			return
		}
		opts.AllowMutatingSQL = *request.AllowMutatingSQL
	}

	result, err := deps.Pipeline.GenerateAndExecute(r.Context(), pipeline.Question{
		Text:     request.Question,
		SchemaID: request.SchemaID,
	}, opts)
	if err != nil {
		writePipelineError(r.Context(), w, err)
		return
	}

	status := http.StatusOK
	if !result.Succeeded() {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, toAskResponse(result))
}

func defaultOptions(cfg config.Config) pipeline.Options {
	return pipeline.Options{
		UseRAG:           cfg.Pipeline.UseRAG,
		TopK:             cfg.Pipeline.DefaultTopK,
		AutoCorrect:      cfg.Pipeline.AutoCorrect,
		AllowMutatingSQL: cfg.Pipeline.AllowMutatingSQL,
		Refine:           cfg.Pipeline.Refine,
		Explain:          cfg.Pipeline.Explain,
	}
}

func applyBool(value *bool, target *bool) {
	if value != nil {
		*target = *value
	}
}

func toAskResponse(result pipeline.Result) askResponse {
	response := askResponse{
		RequestID:          result.RequestID,
		Question:           result.Question,
		SQL:                result.SQL,
		Explanation:        result.Explanation,
		CorrectionAttempts: result.CorrectionAttempts,
		CorrectionState:    result.CorrectionState,
		Corrections:        result.Corrections,
		Provenance:         result.Provenance,
		ElapsedMs:          result.Elapsed.Milliseconds(),
		Failure:            result.Failure,
		Clarification:      result.Clarification,
		Examples:           result.Examples,
		Warnings:           result.Warnings,
	}
	if result.Rows != nil {
		response.Columns = result.Rows.Columns
		response.Rows = result.Rows.Rows
		response.RowCount = result.Rows.RowCount
		response.Truncated = result.Rows.Truncated
	}
	return response
}

func writePipelineError(ctx context.Context, w http.ResponseWriter, err error) {
	var callErr *llm.CallError
	switch {
	case errors.Is(err, pipeline.ErrEmptyQuestion):
		writeError(ctx, w, http.StatusBadRequest, "QUESTION_REQUIRED", err.Error(), false, nil)
	case errors.As(err, &callErr):
		writeError(ctx, w, http.StatusBadGateway, "LLM_UNAVAILABLE", "language model call failed", true, map[string]any{
			"kind":    callErr.Kind,
			"details": callErr.Error(),
		})
	case errors.Is(err, pipeline.ErrSchemaUnavailable):
		writeError(ctx, w, http.StatusServiceUnavailable, "SCHEMA_UNAVAILABLE", "database schema is unavailable", true, map[string]any{"details": err.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		writeError(ctx, w, http.StatusGatewayTimeout, "TIMEOUT", "request timed out", true, nil)
	case errors.Is(err, context.Canceled):
		writeError(ctx, w, 499, "CANCELLED", "request was cancelled", true, nil)
	default:
		writeError(ctx, w, http.StatusInternalServerError, "INTERNAL", "pipeline failed", true, map[string]any{"details": err.Error()})
	}
}

type feedbackRequest struct {
	Question     string `json:"question"`
	SQL          string `json:"sql"`
	Accepted     bool   `json:"accepted"`
	CorrectedSQL string `json:"corrected_sql"`
	Explanation  string `json:"explanation"`
}

type feedbackResponse struct {
	Saved bool   `json:"saved"`
	SQL   string `json:"sql,omitempty"`
	// Reason is set when nothing was saved.
	Reason string `json:"reason,omitempty"`
}

// handleFeedback stores an accepted pair, or the corrected SQL of a rejected
// one, as a retrieval example.
func handleFeedback(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Pipeline == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "PIPELINE_NOT_CONFIGURED", "pipeline is not configured", false, nil)
		return
	}
	if err := auth.RequireRole(r.Context(), auth.RoleExampleWriter); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	var request feedbackRequest
	if !decodeBody(w, r, &request) {
		return
	}
	question := strings.TrimSpace(request.Question)
	if question == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "QUESTION_REQUIRED", "question is required", false, nil)
		return
	}

	sqlText := strings.TrimSpace(request.CorrectedSQL)
	if sqlText == "" && request.Accepted {
		sqlText = strings.TrimSpace(request.SQL)
	}
	if sqlText == "" {
		if !request.Accepted {
			writeJSON(w, http.StatusOK, feedbackResponse{Reason: "rejected without corrected sql"})
			return
		}
		writeError(r.Context(), w, http.StatusBadRequest, "SQL_REQUIRED", "sql is required", false, nil)
		return
	}

	saved, err := deps.Pipeline.SaveExample(r.Context(), retrieval.Example{
		Question:    question,
		SQL:         llm.CleanSQL(sqlText),
		Explanation: strings.TrimSpace(request.Explanation),
		Source:      retrieval.SourceFeedback,
	})
	if err != nil {
		var invalid *pipeline.InvalidSQLError
		switch {
		case errors.As(err, &invalid):
			writeError(r.Context(), w, http.StatusUnprocessableEntity, "INVALID_SQL", err.Error(), false, map[string]any{
				"reason": invalid.Verdict.Reason,
				"detail": invalid.Verdict.Detail,
			})
		case errors.Is(err, pipeline.ErrNoExampleStore):
			writeError(r.Context(), w, http.StatusNotImplemented, "EXAMPLES_NOT_CONFIGURED", err.Error(), false, nil)
		case errors.Is(err, retrieval.ErrInvalidExample):
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_EXAMPLE", err.Error(), false, nil)
		case errors.Is(err, pipeline.ErrSchemaUnavailable):
			writeError(r.Context(), w, http.StatusServiceUnavailable, "SCHEMA_UNAVAILABLE", "database schema is unavailable", true, map[string]any{"details": err.Error()})
		default:
			writeError(r.Context(), w, http.StatusInternalServerError, "EXAMPLE_SAVE_FAILED", "failed to save example", true, map[string]any{"details": err.Error()})
		}
		return
	}

	response := feedbackResponse{Saved: saved, SQL: llm.CleanSQL(sqlText)}
	if !saved {
		response.Reason = "duplicate"
	}
	writeJSON(w, http.StatusOK, response)
}

func handleSchema(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Pipeline == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "PIPELINE_NOT_CONFIGURED", "pipeline is not configured", false, nil)
		return
	}
	if err := auth.RequireRole(r.Context(), auth.RoleQueryReader); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}
	schema, err := deps.Pipeline.Schema(r.Context())
	if err != nil {
		writeError(r.Context(), w, http.StatusServiceUnavailable, "SCHEMA_UNAVAILABLE", "database schema is unavailable", true, map[string]any{"details": err.Error()})
		return
	}
	if r.URL.Query().Get("format") == "prompt" {
		writeJSON(w, http.StatusOK, map[string]any{"id": schema.ID, "prompt": schema.PromptText()})
		return
	}
	writeJSON(w, http.StatusOK, schemaResponse(schema))
}

func schemaResponse(schema database.Schema) database.Schema {
	if schema.Tables == nil {
		schema.Tables = []database.Table{}
	}
	return schema
}

func decodeBody(w http.ResponseWriter, r *http.Request, target any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid request body", false, map[string]any{"details": err.Error()})
		return false
	}
	return true
}
