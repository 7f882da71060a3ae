package indexer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	embeddingRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docpipeline_embedding_retries_total",
		Help: "Embedding calls retried after a rate limit or transient error.",
	})

	embeddingSplitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docpipeline_embedding_splits_total",
		Help: "Chunks re-split and averaged after a token limit error.",
	})

	embeddingDimensionMismatchTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docpipeline_embedding_dimension_mismatch_total",
		Help: "Vectors whose length differed from the expected size.",
	})

	indexRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docpipeline_index_retries_total",
		Help: "Vector store calls retried after a transient error.",
	}, []string{"op"})

	orphanCleanupTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docpipeline_index_orphan_cleanup_total",
		Help: "Orphan chunk cleanups by outcome.",
	}, []string{"outcome"})

	chunkTokens = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "docpipeline_chunk_tokens",
		Help:    "Token count per produced chunk.",
		Buckets: []float64{16, 32, 64, 128, 256, 384, 512, 768, 1024},
	})
)
