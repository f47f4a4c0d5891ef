package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveCacheLookupCountsByOutcome(t *testing.T) {
	before := testutil.ToFloat64(cacheLookupsTotal.WithLabelValues("hit"))
	ObserveCacheLookup("hit")
	ObserveCacheLookup("hit")
	if got := testutil.ToFloat64(cacheLookupsTotal.WithLabelValues("hit")) - before; got != 2 {
		t.Fatalf("hit delta = %v, want 2", got)
	}
}

func TestObserveLLMCallSplitsStatus(t *testing.T) {
	okBefore := testutil.ToFloat64(llmCallsTotal.WithLabelValues("generate", "ok"))
	errBefore := testutil.ToFloat64(llmCallsTotal.WithLabelValues("generate", "error"))
	ObserveLLMCall("generate", false, 10*time.Millisecond)
	ObserveLLMCall("generate", true, 5*time.Millisecond)
	if got := testutil.ToFloat64(llmCallsTotal.WithLabelValues("generate", "ok")) - okBefore; got != 1 {
		t.Fatalf("ok delta = %v", got)
	}
	if got := testutil.ToFloat64(llmCallsTotal.WithLabelValues("generate", "error")) - errBefore; got != 1 {
		t.Fatalf("error delta = %v", got)
	}
}

func TestObservePipelineRunAddsCorrections(t *testing.T) {
	before := testutil.ToFloat64(correctionAttemptsTotal)
	ObservePipelineRun("success", 2, time.Second)
	ObservePipelineRun("validation-failed", 0, time.Second)
	if got := testutil.ToFloat64(correctionAttemptsTotal) - before; got != 2 {
		t.Fatalf("corrections delta = %v, want 2", got)
	}
}

func TestStageSpanHelpersWithoutProvider(t *testing.T) {
	ctx := ContextWithTraceID(context.Background(), "trace-1")
	ctx, span := StartStageSpan(ctx, "generate")
	if ctx == nil || span == nil {
		t.Fatal("expected span")
	}
	EndSpan(span, errors.New("boom"))
}
