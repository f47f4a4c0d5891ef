package observability

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querypilot_http_requests_total",
			Help: "HTTP requests by method, route and status.",
		},
		[]string{"method", "route", "status"},
	)

	// /v1/ask spans LLM round trips, so the buckets reach into minutes.
	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "querypilot_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 180},
		},
		[]string{"method", "route", "status"},
	)

	httpInFlightRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "querypilot_http_in_flight_requests",
			Help: "Requests currently being served, by route.",
		},
		[]string{"route"},
	)
)

const unmatchedRoute = "other"

var knownRoutes = map[string]struct{}{
	"/v1/health":           {},
	"/v1/ready":            {},
	"/v1/metrics":          {},
	"/v1/ask":              {},
	"/v1/schema":           {},
	"/v1/feedback":         {},
	"/v1/metrics/snapshot": {},
	"/v1/metrics/reset":    {},
	"/v1/cache/stats":      {},
	"/v1/cache":            {},
}

// routeLabel keeps the route label bounded: unknown paths collapse into one
// series.
func routeLabel(path string) string {
	path = strings.TrimSuffix(path, "/")
	if _, ok := knownRoutes[path]; ok {
		return path
	}
	return unmatchedRoute
}

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDurationSeconds, httpInFlightRequests)
}
