package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP API metrics
	HTTPResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "subgen_http_responses_total",
		Help: "Total number of API responses by route, method and status code",
	}, []string{"route", "method", "status_code"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "subgen_http_request_duration_seconds",
		Help:    "Time spent serving API requests in seconds",
		Buckets: prometheus.ExponentialBuckets(0.005, 4, 10), // 5ms to ~22min
	}, []string{"route", "method"})

	HTTPInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "subgen_http_requests_in_flight",
		Help: "Number of API requests currently being served",
	}, []string{"route"})

	// Hardware detection metrics
	DetectionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "subgen_detection_duration_seconds",
		Help:    "Duration of a hardware detection pass in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
	})

	DetectionFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "subgen_detection_failures_total",
		Help: "Total number of failed platform hardware queries",
	})

	DetectedDevices = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "subgen_detected_devices",
		Help: "Number of compute devices found by the last detection pass",
	})

	// Session metrics
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "subgen_active_sessions",
		Help: "Number of processing sessions currently open",
	})

	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "subgen_sessions_total",
		Help: "Total number of processing sessions by backend and outcome",
	}, []string{"backend", "outcome"})

	SessionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "subgen_session_duration_seconds",
		Help:    "Processing duration of a session in seconds",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 14), // 0.5s to ~2h
	}, []string{"backend"})

	SessionSpeedup = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "subgen_session_speedup_ratio",
		Help: "Input duration divided by processing duration for the last session",
	}, []string{"backend"})

	SessionPeakMemoryBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "subgen_session_peak_memory_bytes",
		Help: "Peak memory sampled during the last session",
	}, []string{"backend"})

	// Recovery metrics
	FailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "subgen_failures_total",
		Help: "Total number of classified attempt failures by kind and recovery action",
	}, []string{"kind", "action"})

	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "subgen_requests_total",
		Help: "Total number of processing requests by final state and backend",
	}, []string{"state", "backend"})
)
