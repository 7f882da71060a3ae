package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	processingTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docpipeline_processing_total",
		Help: "Processing runs by outcome (ready, retry, failed, superseded, interrupted).",
	}, []string{"outcome"})

	processingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "docpipeline_processing_duration_seconds",
		Help:    "Wall-clock time of successful processing runs.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	})

	handlerTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docpipeline_ingest_handler_total",
		Help: "Outbox handler results by event type and result (accepted, stale, done).",
	}, []string{"event_type", "result"})
)
