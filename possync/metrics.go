package possync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	syncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_sync_runs_total",
		Help: "Completed sync runs by provider and outcome",
	}, []string{"provider", "status"})

	ordersSyncedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_orders_synced_total",
		Help: "Orders upserted per provider",
	}, []string{"provider"})

	ordersSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_orders_skipped_total",
		Help: "Orders skipped due to malformed payloads",
	}, []string{"provider"})

	providerRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pos_provider_request_duration_seconds",
		Help:    "Provider API request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "status"})

	tokenRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_token_refreshes_total",
		Help: "Token refresh attempts by provider and outcome",
	}, []string{"provider", "outcome"})

	reconciliationWarningsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_reconciliation_warnings_total",
		Help: "Orders whose component sum drifted from the provider total beyond one cent",
	}, []string{"provider"})

	syncRunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pos_sync_run_duration_seconds",
		Help:    "Wall time of a single connection sync run",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"provider"})
)
