// Package metrics holds the Prometheus collectors for the gateway.
//
// Collectors are registered on the default registry through promauto, so
// importing the package is enough for them to show up on /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "llmgate"

var (
	// UpstreamRequests counts vendor calls by provider, operation and outcome
	// ("ok" or the apperr kind).
	UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upstream_requests_total",
		Help:      "Vendor API calls by provider, operation and outcome.",
	}, []string{"provider", "operation", "outcome"})

	// UpstreamLatency observes vendor call latency. For streams it measures
	// time to the first chunk being available, not the whole stream.
	UpstreamLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "upstream_request_duration_seconds",
		Help:      "Vendor API call latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"provider", "operation"})

	// StreamChunks counts content chunks forwarded to clients.
	StreamChunks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_chunks_total",
		Help:      "Streamed chunks forwarded to clients.",
	}, []string{"provider"})

	// ModelCache counts model-list cache lookups by result: hit, stale, miss.
	ModelCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "model_cache_lookups_total",
		Help:      "Model list cache lookups by result.",
	}, []string{"result"})

	// VectorOps counts vector store operations by engine, operation and outcome.
	VectorOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "vector_operations_total",
		Help:      "Vector store operations by engine, operation and outcome.",
	}, []string{"engine", "operation", "outcome"})
)

// ObserveUpstream records one vendor call.
func ObserveUpstream(provider, operation, outcome string, started time.Time) {
	UpstreamRequests.WithLabelValues(provider, operation, outcome).Inc()
	UpstreamLatency.WithLabelValues(provider, operation).Observe(time.Since(started).Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
