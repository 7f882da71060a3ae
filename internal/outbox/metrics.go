package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docpipeline_outbox_dispatch_total",
		Help: "Outbox dispatch attempts by event type and outcome.",
	}, []string{"event_type", "outcome"})

	dispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "docpipeline_outbox_dispatch_duration_seconds",
		Help:    "Handler duration per event type.",
		Buckets: prometheus.DefBuckets,
	}, []string{"event_type"})

	deadLetterTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docpipeline_outbox_dead_letter_total",
		Help: "Outbox rows closed without a successful handler run.",
	}, []string{"event_type"})

	cleanupDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docpipeline_outbox_cleanup_deleted_total",
		Help: "Processed outbox rows removed by the retention sweep.",
	})
)
