package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	anomaliesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docpipeline_reconcile_anomalies_total",
		Help: "Anomalies found by reconciliation, by kind and action taken.",
	}, []string{"kind", "action"})

	checkFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docpipeline_reconcile_check_failures_total",
		Help: "Reconciliation checks that could not run.",
	}, []string{"check"})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "docpipeline_reconcile_duration_seconds",
		Help:    "Duration of a full reconciliation pass.",
		Buckets: prometheus.DefBuckets,
	})

	lastRun = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "docpipeline_reconcile_last_run_timestamp_seconds",
		Help: "Unix time of the last completed reconciliation pass.",
	})
)
