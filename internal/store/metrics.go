// Prometheus metrics for store operations.
package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// insertsTotal counts document inserts by outcome (ok, error).
	insertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recall",
			Subsystem: "store",
			Name:      "inserts_total",
			Help:      "Total document inserts by outcome",
		},
		[]string{"outcome"},
	)

	// deletesTotal counts document deletes by outcome.
	deletesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recall",
			Subsystem: "store",
			Name:      "deletes_total",
			Help:      "Total document deletes by outcome",
		},
		[]string{"outcome"},
	)

	// queriesTotal counts index queries by mode (lexical, vector).
	queriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recall",
			Subsystem: "store",
			Name:      "queries_total",
			Help:      "Total index queries by mode",
		},
		[]string{"mode"},
	)

	// chunksIndexed tracks chunks written per insert.
	chunksIndexed = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "recall",
			Subsystem: "store",
			Name:      "chunks_per_insert",
			Help:      "Number of chunks produced per document insert",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250},
		},
	)
)

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
