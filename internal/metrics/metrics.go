// Package metrics holds the Prometheus collectors for phenom-core.
// Collectors register with the default registry and are served by Handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome label values.
const (
	OutcomeOK          = "ok"
	OutcomeUnavailable = "unavailable"
	OutcomeError       = "error"
	OutcomeEmpty       = "empty"
)

var (
	BackendRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "phenom_backend_requests_total",
		Help: "Backend calls by backend and outcome",
	}, []string{"backend", "outcome"})

	BackendLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "phenom_backend_request_duration_seconds",
		Help:    "Backend call latency in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"backend"})

	RouteDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "phenom_route_decisions_total",
		Help: "Routing decisions by mode and preferred backend",
	}, []string{"mode", "preferred"})

	FallbackResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "phenom_fallback_responses_total",
		Help: "Requests answered with a fixed fallback string, by mode",
	}, []string{"mode"})

	WorkersBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "phenom_backend_workers_busy",
		Help: "Backend worker slots currently in use",
	})

	RetrievalSearches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "phenom_retrieval_searches_total",
		Help: "Retrieval searches by outcome",
	}, []string{"outcome"})

	DocumentsAdded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "phenom_retrieval_documents_added_total",
		Help: "Documents successfully added to the retrieval index",
	})

	MemoryFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "phenom_memory_flushes_total",
		Help: "Memory persistence flushes by outcome",
	}, []string{"outcome"})

	MemoryPendingOps = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "phenom_memory_pending_ops",
		Help: "Memory mutations waiting to be persisted",
	})

	MemoryCompactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "phenom_memory_compactions_total",
		Help: "Memory snapshot compactions by outcome",
	}, []string{"outcome"})
)

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
