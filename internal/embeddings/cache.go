package embeddings

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/open-assistants-lab/recall/internal/chunk"
)

// DefaultCacheSize bounds the cache when no capacity is configured.
const DefaultCacheSize = 4096

// DefaultFillConcurrency bounds parallel upstream calls for cache misses
// within one batch.
const DefaultFillConcurrency = 8

// Cache is an Embedder that memoizes vectors by content hash.
//
// The cache is a performance optimization, never a correctness dependency:
// an evicted entry simply costs one more call to the upstream embedder.
// Concurrent requests for the same uncached hash are coalesced so the
// upstream service sees at most one in-flight call per distinct hash.
//
// The cache is an explicit, injectable component so tests can construct
// isolated instances; there is no process-wide state.
type Cache struct {
	inner       Embedder
	entries     *lru.Cache[string, []float32]
	group       singleflight.Group
	concurrency int
}

// CacheConfig configures a Cache.
type CacheConfig struct {
	// Capacity is the maximum number of cached vectors before LRU
	// eviction. Defaults to DefaultCacheSize.
	Capacity int `koanf:"capacity"`

	// FillConcurrency bounds parallel upstream calls per batch.
	FillConcurrency int `koanf:"fill_concurrency"`
}

// NewCache wraps inner with a bounded LRU embedding cache.
func NewCache(inner Embedder, cfg CacheConfig) (*Cache, error) {
	if inner == nil {
		return nil, fmt.Errorf("%w: inner embedder is required", ErrInvalidConfig)
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCacheSize
	}
	if cfg.FillConcurrency <= 0 {
		cfg.FillConcurrency = DefaultFillConcurrency
	}

	entries, err := lru.New[string, []float32](cfg.Capacity)
	if err != nil {
		return nil, fmt.Errorf("creating LRU: %w", err)
	}

	return &Cache{
		inner:       inner,
		entries:     entries,
		concurrency: cfg.FillConcurrency,
	}, nil
}

// EmbedDocuments returns one vector per text, serving repeated content from
// the cache. Duplicate texts within the batch are embedded once.
func (c *Cache) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}

	out := make([][]float32, len(texts))

	// Positions grouped by hash: duplicates share one lookup and one fill.
	positions := make(map[string][]int, len(texts))
	hashes := make([]string, len(texts))
	for i, text := range texts {
		h := chunk.ContentHash(text)
		hashes[i] = h
		positions[h] = append(positions[h], i)
	}

	var mu sync.Mutex
	filled := make(map[string][]float32, len(positions))
	var missing []string
	for h := range positions {
		if vec, ok := c.entries.Get(h); ok {
			cacheLookups.WithLabelValues("hit").Inc()
			filled[h] = vec
			continue
		}
		cacheLookups.WithLabelValues("miss").Inc()
		missing = append(missing, h)
	}

	if len(missing) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.concurrency)
		for _, h := range missing {
			h := h
			text := texts[positions[h][0]]
			g.Go(func() error {
				vec, err := c.fill(gctx, h, text)
				if err != nil {
					return err
				}
				mu.Lock()
				filled[h] = vec
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	for i, h := range hashes {
		out[i] = filled[h]
	}
	return out, nil
}

// EmbedQuery embeds one query through the cache.
func (c *Cache) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}

	h := chunk.ContentHash(text)
	if vec, ok := c.entries.Get(h); ok {
		cacheLookups.WithLabelValues("hit").Inc()
		return vec, nil
	}
	cacheLookups.WithLabelValues("miss").Inc()
	return c.fill(ctx, h, text)
}

// fill embeds a single text, coalescing concurrent callers on the same
// hash through singleflight, and stores the result.
func (c *Cache) fill(ctx context.Context, hash, text string) ([]float32, error) {
	v, err, _ := c.group.Do(hash, func() (any, error) {
		vecs, err := c.inner.EmbedDocuments(ctx, []string{text})
		if err != nil {
			return nil, err
		}
		if len(vecs) != 1 {
			return nil, fmt.Errorf("%w: got %d vectors for one text", ErrEmbeddingFailed, len(vecs))
		}
		c.entries.Add(hash, vecs[0])
		return vecs[0], nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

// Len reports the number of cached vectors.
func (c *Cache) Len() int { return c.entries.Len() }

var _ Embedder = (*Cache)(nil)
