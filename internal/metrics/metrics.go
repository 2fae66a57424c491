package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ObservationsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oceantemp_observations_ingested_total",
			Help: "Total observations accepted into the store",
		},
		[]string{"source"},
	)

	ObservationsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oceantemp_observations_rejected_total",
			Help: "Total observations rejected by validation",
		},
		[]string{"source", "reason"},
	)

	JobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oceantemp_job_runs_total",
			Help: "Batch job executions by outcome",
		},
		[]string{"job", "status"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "oceantemp_job_duration_seconds",
			Help:    "Batch job duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 4, 8),
		},
		[]string{"job"},
	)

	CacheEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oceantemp_cache_events_total",
			Help: "API response cache hits and misses",
		},
		[]string{"entity", "event"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oceantemp_http_requests_total",
			Help: "API requests by endpoint and status",
		},
		[]string{"endpoint", "status"},
	)

	HTTPLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "oceantemp_http_request_seconds",
			Help:    "API request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	ForecastsServed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oceantemp_forecasts_served_total",
			Help: "Forecasts produced by the API, by model type",
		},
		[]string{"model"},
	)
)
