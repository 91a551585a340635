package remote

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tablefetch_remote_pages_total",
		Help: "Page fetches by table and outcome (success, fatal, exhausted).",
	}, []string{"table", "outcome"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tablefetch_remote_retries_total",
		Help: "Transient failures that triggered a retry, by table.",
	}, []string{"table"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tablefetch_remote_request_duration_seconds",
		Help:    "Remote request latency by table.",
		Buckets: prometheus.DefBuckets,
	}, []string{"table"})
)
