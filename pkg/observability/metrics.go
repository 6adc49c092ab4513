// Package observability provides Prometheus metrics and HTTP middleware
// for monitoring sandout.
package observability

import "github.com/prometheus/client_golang/prometheus"

// ExecutionBuckets spans sandboxed executions from 50ms to 5 minutes.
var ExecutionBuckets = []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300}

// ByteBuckets spans captured output sizes up to the default char buffer.
var ByteBuckets = []float64{0, 16, 64, 256, 1024, 4096, 10240}

var (
	// RequestsTotal counts HTTP requests by method, status class, and route.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandout_requests_total",
			Help: "Total requests",
		},
		[]string{"method", "status", "route"},
	)

	// RequestDuration records HTTP request duration in seconds.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sandout_request_duration_seconds",
			Help:    "Request duration",
			Buckets: ExecutionBuckets,
		},
		[]string{"method", "route"},
	)

	// RequestsInFlight tracks HTTP requests currently being served.
	RequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandout_requests_in_flight",
			Help: "In-flight HTTP requests",
		},
	)

	// ExecutionsTotal counts finished executions by runtime and final status.
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandout_executions_total",
			Help: "Executions",
		},
		[]string{"runtime", "status"},
	)

	// ExecutionDuration records wall time from sandbox start to result.
	ExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sandout_execution_duration_seconds",
			Help:    "Execution duration",
			Buckets: ExecutionBuckets,
		},
		[]string{"runtime"},
	)

	// ExecutionsActive tracks executions holding a sandbox session.
	ExecutionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandout_executions_active",
			Help: "Active executions",
		},
	)

	// SandboxErrorsTotal counts runtime failures by stage (start, wait, close).
	SandboxErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandout_sandbox_errors_total",
			Help: "Sandbox runtime errors",
		},
		[]string{"runtime", "stage"},
	)

	// CaptureTotal counts capture sessions by terminal outcome.
	CaptureTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandout_capture_total",
			Help: "Output capture sessions",
		},
		[]string{"outcome"},
	)

	// CaptureBytes records raw bytes consumed per capture session.
	CaptureBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sandout_capture_bytes",
			Help:    "Bytes read per capture session",
			Buckets: ByteBuckets,
		},
	)

	// CaptureDuration records capture session duration in seconds.
	CaptureDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sandout_capture_duration_seconds",
			Help:    "Capture duration",
			Buckets: ExecutionBuckets,
		},
		[]string{"outcome"},
	)

	// CaptureBuffersLeased tracks pooled buffers currently checked out.
	CaptureBuffersLeased = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandout_capture_buffers_leased",
			Help: "Leased capture buffers",
		},
	)

	// CaptureAbandonedReads tracks reads left running after cancellation.
	CaptureAbandonedReads = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandout_capture_abandoned_reads",
			Help: "Reads still pending after cancellation",
		},
	)

	// RateLimitRejectedTotal counts requests rejected by the rate limiter.
	RateLimitRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandout_ratelimit_rejected_total",
			Help: "Rate limit rejections",
		},
		[]string{"tier"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		RequestsInFlight,
		ExecutionsTotal,
		ExecutionDuration,
		ExecutionsActive,
		SandboxErrorsTotal,
		CaptureTotal,
		CaptureBytes,
		CaptureDuration,
		CaptureBuffersLeased,
		CaptureAbandonedReads,
		RateLimitRejectedTotal,
	)
}
