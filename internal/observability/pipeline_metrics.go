package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	cacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querypilot_cache_lookups_total",
			Help: "Result cache lookups by outcome (hit, miss, shared).",
		},
		[]string{"outcome"},
	)
	llmCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querypilot_llm_calls_total",
			Help: "Outbound LLM calls by call kind and status.",
		},
		[]string{"kind", "status"},
	)
	llmCallLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "querypilot_llm_call_latency_seconds",
			Help:    "LLM transport latency by call kind, excluding rate limiter waits.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30},
		},
		[]string{"kind"},
	)
	rateLimitWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "querypilot_rate_limit_wait_seconds",
			Help:    "Time callers spent waiting for the shared LLM rate limiter.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)
	ragLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querypilot_rag_lookups_total",
			Help: "Example retrievals by outcome (hit, miss).",
		},
		[]string{"outcome"},
	)
	correctionAttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "querypilot_correction_attempts_total",
			Help: "Correction rounds performed after execution failures.",
		},
	)
	pipelineRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querypilot_pipeline_runs_total",
			Help: "Computed pipeline runs by outcome (success or failure kind).",
		},
		[]string{"outcome"},
	)
	pipelineDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "querypilot_pipeline_duration_seconds",
			Help:    "End-to-end latency of computed pipeline runs.",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30, 60, 120},
		},
	)
)

func init() {
	prometheus.MustRegister(
		cacheLookupsTotal,
		llmCallsTotal,
		llmCallLatencySeconds,
		rateLimitWaitSeconds,
		ragLookupsTotal,
		correctionAttemptsTotal,
		pipelineRunsTotal,
		pipelineDurationSeconds,
	)
}

func ObserveCacheLookup(outcome string) {
	cacheLookupsTotal.WithLabelValues(outcome).Inc()
}

func ObserveLLMCall(kind string, failed bool, latency time.Duration) {
	status := "ok"
	if failed {
		status = "error"
	}
	llmCallsTotal.WithLabelValues(kind, status).Inc()
	llmCallLatencySeconds.WithLabelValues(kind).Observe(latency.Seconds())
}

func ObserveRateLimitWait(waited time.Duration) {
	rateLimitWaitSeconds.Observe(waited.Seconds())
}

func ObserveRAGLookup(hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	ragLookupsTotal.WithLabelValues(outcome).Inc()
}

func ObservePipelineRun(outcome string, corrections int, elapsed time.Duration) {
	pipelineRunsTotal.WithLabelValues(outcome).Inc()
	if corrections > 0 {
		correctionAttemptsTotal.Add(float64(corrections))
	}
	pipelineDurationSeconds.Observe(elapsed.Seconds())
}
