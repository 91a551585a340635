package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	leasesActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tablefetch_store_leases_active",
		Help: "Connection leases currently held, by mode.",
	}, []string{"mode"})

	poolExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tablefetch_store_pool_exhausted_total",
		Help: "Lease acquisitions that failed because the pool was full.",
	})

	rowsUpsertedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tablefetch_store_rows_upserted_total",
		Help: "Rows written to the local store, by table.",
	}, []string{"table"})
)
