package api

import (
	"log/slog"
	"net/http"

	"github.com/querypilot/querypilot/internal/auth"
)

func handleMetricsSnapshot(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireOperator(deps, w, r) {
		return
	}
	writeJSON(w, http.StatusOK, deps.Pipeline.MetricsSnapshot())
}

func handleMetricsReset(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireOperator(deps, w, r) {
		return
	}
	deps.Pipeline.ResetMetrics()
	if deps.Logger != nil {
		deps.Logger.InfoContext(r.Context(), "pipeline metrics reset", principalAttr(r))
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "reset"})
}

func handleCacheStats(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireOperator(deps, w, r) {
		return
	}
	writeJSON(w, http.StatusOK, deps.Pipeline.CacheStats())
}

func handleCachePurge(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireOperator(deps, w, r) {
		return
	}
	before := deps.Pipeline.CacheStats().Entries
	deps.Pipeline.PurgeCache()
	if deps.Logger != nil {
		deps.Logger.InfoContext(r.Context(), "result cache purged", principalAttr(r))
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "purged", "evicted": before})
}

func requireOperator(deps Dependencies, w http.ResponseWriter, r *http.Request) bool {
	if deps.Pipeline == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "PIPELINE_NOT_CONFIGURED", "pipeline is not configured", false, nil)
		return false
	}
	if err := auth.RequireRole(r.Context(), auth.RoleOperator); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return false
	}
	return true
}

func principalAttr(r *http.Request) slog.Attr {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return slog.String("principal", "")
	}
	return slog.String("principal", identity.Principal)
}
