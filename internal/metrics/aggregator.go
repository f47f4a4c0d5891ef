// Package metrics keeps the in-process counters behind the metrics snapshot
// endpoint. Every update is mirrored to the Prometheus collectors in
// observability; Reset only clears the snapshot counters.
package metrics

import (
	"sync"
	"time"

	"github.com/querypilot/querypilot/internal/observability"
)

type Snapshot struct {
	TotalQueries       int64            `json:"total_queries"`
	CacheHits          int64            `json:"cache_hits"`
	CacheMisses        int64            `json:"cache_misses"`
	LLMCalls           int64            `json:"llm_calls"`
	LLMErrors          int64            `json:"llm_errors"`
	LLMCallsByKind     map[string]int64 `json:"llm_calls_by_kind"`
	CorrectionAttempts int64            `json:"correction_attempts"`
	RAGHits            int64            `json:"rag_hits"`
	RAGMisses          int64            `json:"rag_misses"`
	Successes          int64            `json:"successes"`
	Failures           map[string]int64 `json:"failures"`
	RateLimitWaits     int64            `json:"rate_limit_waits"`
	RateLimitWaitMs    int64            `json:"rate_limit_wait_ms"`
	AvgElapsedMs       float64          `json:"avg_elapsed_ms"`
	MaxElapsedMs       float64          `json:"max_elapsed_ms"`
	CacheHitRate       float64          `json:"cache_hit_rate"`
	SuccessRate        float64          `json:"success_rate"`
	Since              time.Time        `json:"since"`
}

// Run summarizes one computed pipeline run. An empty FailureKind means success.
type Run struct {
	FailureKind        string
	CorrectionAttempts int
	Elapsed            time.Duration
}

type Aggregator struct {
	mu           sync.Mutex
	snap         Snapshot
	totalElapsed time.Duration
	now          func() time.Time
}

func NewAggregator() *Aggregator {
	a := &Aggregator{now: time.Now}
	a.resetLocked()
	return a
}

func (a *Aggregator) RecordCacheHit() {
	a.mu.Lock()
	a.snap.CacheHits++
	a.mu.Unlock()
	observability.ObserveCacheLookup("hit")
}

// RecordSharedResult counts a request that was answered by an identical
// in-flight run. It is reported as a cache hit.
func (a *Aggregator) RecordSharedResult() {
	a.mu.Lock()
	a.snap.CacheHits++
	a.mu.Unlock()
	observability.ObserveCacheLookup("shared")
}

func (a *Aggregator) RecordCacheMiss() {
	a.mu.Lock()
	a.snap.CacheMisses++
	a.mu.Unlock()
	observability.ObserveCacheLookup("miss")
}

func (a *Aggregator) RecordLLMCall(kind string, latency time.Duration, err error) {
	a.mu.Lock()
	a.snap.LLMCalls++
	a.snap.LLMCallsByKind[kind]++
	if err != nil {
		a.snap.LLMErrors++
	}
	a.mu.Unlock()
	observability.ObserveLLMCall(kind, err != nil, latency)
}

func (a *Aggregator) RecordRateLimitWait(waited time.Duration) {
	if waited <= 0 {
		return
	}
	a.mu.Lock()
	a.snap.RateLimitWaits++
	a.snap.RateLimitWaitMs += waited.Milliseconds()
	a.mu.Unlock()
	observability.ObserveRateLimitWait(waited)
}

func (a *Aggregator) RecordRAG(hit bool) {
	a.mu.Lock()
	if hit {
		a.snap.RAGHits++
	} else {
		a.snap.RAGMisses++
	}
	a.mu.Unlock()
	observability.ObserveRAGLookup(hit)
}

func (a *Aggregator) RecordRun(run Run) {
	a.mu.Lock()
	a.snap.TotalQueries++
	a.snap.CorrectionAttempts += int64(run.CorrectionAttempts)
	if run.FailureKind == "" {
		a.snap.Successes++
	} else {
		a.snap.Failures[run.FailureKind]++
	}
	a.totalElapsed += run.Elapsed
	if ms := durationMs(run.Elapsed); ms > a.snap.MaxElapsedMs {
		a.snap.MaxElapsedMs = ms
	}
	a.mu.Unlock()

	outcome := run.FailureKind
	if outcome == "" {
		outcome = "success"
	}
	observability.ObservePipelineRun(outcome, run.CorrectionAttempts, run.Elapsed)
}

// Snapshot returns a consistent copy of every counter.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := a.snap
	snap.LLMCallsByKind = copyCounts(a.snap.LLMCallsByKind)
	snap.Failures = copyCounts(a.snap.Failures)
	if snap.TotalQueries > 0 {
		snap.AvgElapsedMs = durationMs(a.totalElapsed) / float64(snap.TotalQueries)
		snap.SuccessRate = float64(snap.Successes) / float64(snap.TotalQueries)
	}
	if lookups := snap.CacheHits + snap.CacheMisses; lookups > 0 {
		snap.CacheHitRate = float64(snap.CacheHits) / float64(lookups)
	}
	return snap
}

func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetLocked()
}

func (a *Aggregator) resetLocked() {
	a.snap = Snapshot{
		LLMCallsByKind: map[string]int64{},
		Failures:       map[string]int64{},
		Since:          a.now().UTC(),
	}
	a.totalElapsed = 0
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
