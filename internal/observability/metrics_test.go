package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRouteLabelCollapsesUnknownPaths(t *testing.T) {
	cases := map[string]string{
		"/v1/ask":                "/v1/ask",
		"/v1/cache/stats/":       "/v1/cache/stats",
		"/v1/metrics/snapshot":   "/v1/metrics/snapshot",
		"/v1/ask/../../etc":      unmatchedRoute,
		"/wp-login.php":          unmatchedRoute,
		"/v1/schema/enrollments": unmatchedRoute,
	}
	for path, want := range cases {
		if got := routeLabel(path); got != want {
			t.Fatalf("routeLabel(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestMetricsMiddlewareLabelsByRoute(t *testing.T) {
	h := MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := testutil.ToFloat64(httpInFlightRequests.WithLabelValues(routeLabel(r.URL.Path))); got < 1 {
			t.Fatalf("in-flight during request = %v, want >= 1", got)
		}
		w.WriteHeader(http.StatusNotFound)
	}))

	schemaBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/v1/schema", "404"))
	otherBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, unmatchedRoute, "404"))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/schema", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/admin/a", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/admin/b", nil))

	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/v1/schema", "404")) - schemaBefore; got != 1 {
		t.Fatalf("/v1/schema requests = %v, want 1", got)
	}
	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, unmatchedRoute, "404")) - otherBefore; got != 2 {
		t.Fatalf("unmatched requests = %v, want 2", got)
	}
	if got := testutil.ToFloat64(httpInFlightRequests.WithLabelValues("/v1/schema")); got != 0 {
		t.Fatalf("in-flight after request = %v, want 0", got)
	}
}
