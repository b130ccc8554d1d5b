package index

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	chromem "github.com/philippgille/chromem-go"
)

// Chromem is an embedded, in-memory vector index backed by chromem-go.
//
// chromem-go is a pure-Go vector database with exact cosine search, which
// makes it the default backend: no external service, and rebuilding from
// the chunk table on open is cheap at per-thread corpus sizes.
type Chromem struct {
	collection *chromem.Collection
	dims       int
}

// errPrecomputed guards against chromem ever being asked to embed: this
// index only receives vectors computed upstream.
var errPrecomputed = errors.New("chromem index holds precomputed vectors only")

// NewChromem creates an empty chromem-backed index named after the
// partition it serves.
func NewChromem(name string) (*Chromem, error) {
	db := chromem.NewDB()
	collection, err := db.CreateCollection(name, nil, func(ctx context.Context, text string) ([]float32, error) {
		return nil, errPrecomputed
	})
	if err != nil {
		return nil, fmt.Errorf("creating chromem collection %s: %w", name, err)
	}
	return &Chromem{collection: collection}, nil
}

// Add inserts entries, fixing the index dimensionality on first use.
// chromem normalizes vectors internally, so cosine similarity holds for
// unnormalized input too.
func (c *Chromem) Add(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	docs := make([]chromem.Document, len(entries))
	for i, e := range entries {
		if c.dims == 0 {
			c.dims = len(e.Vector)
		}
		if len(e.Vector) != c.dims {
			return fmt.Errorf("%w: got %d, index has %d", ErrDimensionMismatch, len(e.Vector), c.dims)
		}
		docs[i] = chromem.Document{
			ID:        e.ID,
			Metadata:  map[string]string{"ordinal": strconv.Itoa(e.Ordinal)},
			Embedding: e.Vector,
			// chromem requires content or an embedding; we always have
			// the latter, content lives in the chunk table.
		}
	}

	if err := c.collection.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("adding documents to chromem: %w", err)
	}
	return nil
}

// Remove deletes entries by chunk ID.
func (c *Chromem) Remove(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.collection.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("deleting from chromem: %w", err)
	}
	return nil
}

// Query returns up to k nearest neighbors under cosine similarity.
func (c *Chromem) Query(ctx context.Context, vec []float32, k int) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	count := c.collection.Count()
	if count == 0 {
		return nil, nil
	}
	// chromem requires nResults <= document count.
	if k > count {
		k = count
	}

	results, err := c.collection.QueryEmbedding(ctx, vec, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying chromem: %w", err)
	}

	hits := make([]Hit, len(results))
	for i, r := range results {
		ordinal, _ := strconv.Atoi(r.Metadata["ordinal"])
		hits[i] = Hit{ID: r.ID, Ordinal: ordinal, Score: float64(r.Similarity)}
	}
	SortHits(hits)
	return hits, nil
}

// Persistent reports false: chromem here is memory-only and replayed from
// the chunk table on open.
func (c *Chromem) Persistent() bool { return false }

// Close is a no-op for the in-memory backend.
func (c *Chromem) Close() error { return nil }

var _ Vector = (*Chromem)(nil)
