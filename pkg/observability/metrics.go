// Package observability provides Prometheus metrics and HTTP middleware
// for monitoring the codexgate gateway and its worker.
package observability

import "github.com/prometheus/client_golang/prometheus"

// LLMBuckets defines histogram buckets suited for model turn latencies,
// ranging from 100ms to 120s.
var LLMBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

// RPCBuckets covers worker round trips, which are usually fast except for
// turn/start on a cold worker.
var RPCBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30}

var (
	// RequestsTotal counts all HTTP requests by method, status class, and route.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codexgate_requests_total",
			Help: "Total requests",
		},
		[]string{"method", "status", "route"},
	)

	// RequestDuration records HTTP request duration in seconds by method and route.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "codexgate_request_duration_seconds",
			Help:    "Request duration",
			Buckets: LLMBuckets,
		},
		[]string{"method", "route"},
	)

	// StreamingConnections tracks the number of active SSE streaming connections.
	StreamingConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "codexgate_streaming_connections_active",
			Help: "Active streaming connections",
		},
	)

	// WorkerRPCTotal counts JSON-RPC calls written to the worker by method
	// and outcome (ok, error, timeout).
	WorkerRPCTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codexgate_worker_rpc_total",
			Help: "Worker RPC calls",
		},
		[]string{"method", "status"},
	)

	// WorkerRPCLatency records worker RPC round trip latency in seconds.
	WorkerRPCLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "codexgate_worker_rpc_latency_seconds",
			Help:    "Worker RPC latency",
			Buckets: RPCBuckets,
		},
		[]string{"method"},
	)

	// WorkerActiveRequests tracks request contexts admitted to the worker.
	WorkerActiveRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "codexgate_worker_active_requests",
			Help: "Active worker requests",
		},
	)

	// WorkerBusyRejectedTotal counts requests refused at the concurrency cap.
	WorkerBusyRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "codexgate_worker_busy_rejected_total",
			Help: "Requests rejected because the worker was at capacity",
		},
	)

	// WorkerRestartsTotal counts worker process launches after the first.
	WorkerRestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "codexgate_worker_restarts_total",
			Help: "Worker restarts",
		},
	)

	// TurnLatency records end-to-end turn latency by model and final status.
	TurnLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "codexgate_turn_latency_seconds",
			Help:    "Turn latency",
			Buckets: LLMBuckets,
		},
		[]string{"model", "status"},
	)

	// TokensTotal counts tokens reported by the worker by direction (input/output).
	TokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codexgate_tokens_total",
			Help: "Token count",
		},
		[]string{"model", "direction"},
	)

	// ToolCallsTotal counts tool calls surfaced to clients by source
	// (dynamic, shim, inline, native).
	ToolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codexgate_tool_calls_total",
			Help: "Tool calls",
		},
		[]string{"source"},
	)

	// RateLimitRejectedTotal counts requests rejected by the rate limiter.
	RateLimitRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codexgate_ratelimit_rejected_total",
			Help: "Rate limit rejections",
		},
		[]string{"tier"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		StreamingConnections,
		WorkerRPCTotal,
		WorkerRPCLatency,
		WorkerActiveRequests,
		WorkerBusyRejectedTotal,
		WorkerRestartsTotal,
		TurnLatency,
		TokensTotal,
		ToolCallsTotal,
		RateLimitRejectedTotal,
	)
}
