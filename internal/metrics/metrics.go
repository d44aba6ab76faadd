package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tradeingest_build_info",
			Help: "Build information of the ingest binary",
		},
		[]string{"version", "commit", "date"},
	)

	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeingest_api_requests_total",
			Help: "Provider request attempts by credential and outcome",
		},
		[]string{"credential", "outcome"},
	)

	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeingest_cache_lookups_total",
			Help: "Response cache lookups by result (hit, miss, expired, corrupt)",
		},
		[]string{"result"},
	)

	Rows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeingest_rows_total",
			Help: "Tariffline rows by outcome (inserted, skipped, rejected)",
		},
		[]string{"outcome"},
	)

	Units = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeingest_units_total",
			Help: "Fetch units by final state",
		},
		[]string{"state"},
	)

	Runs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeingest_runs_total",
			Help: "Import runs by final status",
		},
		[]string{"status"},
	)

	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tradeingest_fetch_duration_seconds",
			Help:    "Duration of provider fetches including retries",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
		[]string{"outcome"},
	)
)
