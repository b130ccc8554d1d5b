// Package index provides the two per-partition retrieval indices: a
// lexical inverted index with BM25 scoring and a vector index behind a
// backend-agnostic interface.
//
// Both indices are derived, rebuildable state. The store's chunk table is
// the source of truth; an index can always be reconstructed by replaying
// stored chunks. Indices are not self-synchronizing: the store serializes
// writes and excludes readers during the apply phase with its per-partition
// lock.
package index

import (
	"context"
	"errors"
	"sort"
)

// Sentinel errors for index operations.
var (
	// ErrInvalidConfig indicates invalid index configuration.
	ErrInvalidConfig = errors.New("invalid index configuration")

	// ErrConnectionFailed indicates the external vector backend is
	// unreachable.
	ErrConnectionFailed = errors.New("failed to connect to vector backend")

	// ErrDimensionMismatch indicates a vector whose length differs from
	// the index's established dimensionality.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

// Hit is one scored index result. Ordinal is carried so callers can apply
// the (score desc, ordinal asc, id asc) ordering without a storage lookup.
type Hit struct {
	ID      string
	Ordinal int
	Score   float64
}

// Entry is one chunk as seen by the vector index.
type Entry struct {
	ID      string
	Ordinal int
	Vector  []float32
}

// Metric is the similarity metric of a vector index, fixed at creation.
type Metric string

const (
	MetricCosine Metric = "cosine"
	MetricDot    Metric = "dot"
)

// Vector is a k-nearest-neighbor index over chunk embeddings.
//
// Implementations: Chromem (embedded, rebuilt from the chunk table on
// open) and Qdrant (external, survives restarts).
type Vector interface {
	// Add inserts or overwrites entries. The first Add fixes the index
	// dimensionality; later entries with different lengths are rejected.
	Add(ctx context.Context, entries []Entry) error

	// Remove deletes entries by chunk ID. Unknown IDs are ignored.
	Remove(ctx context.Context, ids []string) error

	// Query returns up to k nearest neighbors of vec, best first.
	Query(ctx context.Context, vec []float32, k int) ([]Hit, error)

	// Persistent reports whether the backend keeps data across restarts.
	// Non-persistent indices are replayed from the chunk table on open.
	Persistent() bool

	// Close releases backend resources.
	Close() error
}

// SortHits orders hits by score descending, breaking ties by lower ordinal
// then lexicographically smaller chunk ID. Every query path uses this same
// ordering so results are deterministic.
func SortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		return HitLess(hits[i], hits[j])
	})
}

// HitLess is the canonical result ordering: score desc, ordinal asc, ID asc.
func HitLess(a, b Hit) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Ordinal != b.Ordinal {
		return a.Ordinal < b.Ordinal
	}
	return a.ID < b.ID
}
