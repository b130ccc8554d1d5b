package embeddings_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-assistants-lab/recall/internal/embeddings"
)

// countingEmbedder records how many times each text is embedded.
type countingEmbedder struct {
	mu    sync.Mutex
	calls map[string]int
	total atomic.Int64
	dims  int
}

func newCountingEmbedder(dims int) *countingEmbedder {
	return &countingEmbedder{calls: make(map[string]int), dims: dims}
}

func (e *countingEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	e.total.Add(1)
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([][]float32, len(texts))
	for i, t := range texts {
		e.calls[t]++
		out[i] = e.vector(t)
	}
	return out, nil
}

func (e *countingEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *countingEmbedder) vector(text string) []float32 {
	v := make([]float32, e.dims)
	for i, r := range text {
		v[i%e.dims] += float32(r)
	}
	return v
}

func (e *countingEmbedder) callsFor(text string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[text]
}

func TestCacheEmbedsEachHashOnce(t *testing.T) {
	inner := newCountingEmbedder(4)
	cache, err := embeddings.NewCache(inner, embeddings.CacheConfig{Capacity: 16})
	require.NoError(t, err)

	ctx := context.Background()

	// Duplicates inside one batch collapse to one upstream call.
	vecs, err := cache.EmbedDocuments(ctx, []string{"alpha", "alpha", "beta"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, vecs[0], vecs[1])
	assert.Equal(t, 1, inner.callsFor("alpha"))
	assert.Equal(t, 1, inner.callsFor("beta"))

	// Second batch is fully served from cache.
	_, err = cache.EmbedDocuments(ctx, []string{"alpha", "beta"})
	require.NoError(t, err)
	assert.Equal(t, 1, inner.callsFor("alpha"))
	assert.Equal(t, 1, inner.callsFor("beta"))

	// Whitespace-normalized content shares a hash, and therefore a vector.
	_, err = cache.EmbedDocuments(ctx, []string{"alpha "})
	require.NoError(t, err)
	assert.Equal(t, 1, inner.callsFor("alpha"))
}

func TestCacheQueryPath(t *testing.T) {
	inner := newCountingEmbedder(4)
	cache, err := embeddings.NewCache(inner, embeddings.CacheConfig{Capacity: 16})
	require.NoError(t, err)

	ctx := context.Background()
	v1, err := cache.EmbedQuery(ctx, "gamma")
	require.NoError(t, err)
	v2, err := cache.EmbedQuery(ctx, "gamma")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Equal(t, 1, inner.callsFor("gamma"))

	// Document and query paths share the cache.
	_, err = cache.EmbedDocuments(ctx, []string{"gamma"})
	require.NoError(t, err)
	assert.Equal(t, 1, inner.callsFor("gamma"))
}

func TestCacheEvictionStaysCorrect(t *testing.T) {
	inner := newCountingEmbedder(4)
	cache, err := embeddings.NewCache(inner, embeddings.CacheConfig{Capacity: 2})
	require.NoError(t, err)

	ctx := context.Background()
	first, err := cache.EmbedQuery(ctx, "one")
	require.NoError(t, err)

	// Evict "one" by filling the two slots.
	_, err = cache.EmbedDocuments(ctx, []string{"two", "three"})
	require.NoError(t, err)
	assert.Equal(t, 2, cache.Len())

	// The miss re-invokes the embedder and still returns the same vector.
	again, err := cache.EmbedQuery(ctx, "one")
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Equal(t, 2, inner.callsFor("one"))
}

// gatedEmbedder blocks every upstream call until the gate closes, so a
// test can pile up concurrent callers behind one flight.
type gatedEmbedder struct {
	*countingEmbedder
	gate chan struct{}
}

func (e *gatedEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	<-e.gate
	return e.countingEmbedder.EmbedDocuments(ctx, texts)
}

func (e *gatedEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	<-e.gate
	return e.countingEmbedder.EmbedQuery(ctx, text)
}

func TestCacheCoalescesConcurrentSameHash(t *testing.T) {
	inner := &gatedEmbedder{countingEmbedder: newCountingEmbedder(4), gate: make(chan struct{})}
	cache, err := embeddings.NewCache(inner, embeddings.CacheConfig{Capacity: 64})
	require.NoError(t, err)

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.EmbedQuery(ctx, "shared")
			assert.NoError(t, err)
		}()
	}

	// While the gate is shut at most one flight can exist, so every caller
	// that reached the group joins it. A caller that loses the race window
	// between its cache miss and joining the flight re-embeds on its own;
	// that is cost, not incorrectness, and stays far below one call per
	// caller.
	close(inner.gate)
	wg.Wait()
	assert.GreaterOrEqual(t, inner.callsFor("shared"), 1)
	assert.LessOrEqual(t, inner.callsFor("shared"), 4)
}

func TestCacheEmptyInput(t *testing.T) {
	cache, err := embeddings.NewCache(newCountingEmbedder(4), embeddings.CacheConfig{})
	require.NoError(t, err)

	_, err = cache.EmbedDocuments(context.Background(), nil)
	assert.ErrorIs(t, err, embeddings.ErrEmptyInput)

	_, err = cache.EmbedQuery(context.Background(), "")
	assert.ErrorIs(t, err, embeddings.ErrEmptyInput)
}

func TestCacheRequiresInner(t *testing.T) {
	_, err := embeddings.NewCache(nil, embeddings.CacheConfig{})
	assert.ErrorIs(t, err, embeddings.ErrInvalidConfig)
}
