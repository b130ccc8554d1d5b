// Package search fuses lexical and vector retrieval into one ranked
// result list.
//
// Both indices are queried with a widened limit, each list is converted
// to rank-based scores so the two scales become comparable, and the
// weighted sum decides the final order. A chunk found by only one index
// scores zero for the other component.
package search

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/open-assistants-lab/recall/internal/chunk"
	"github.com/open-assistants-lab/recall/internal/partition"
	"github.com/open-assistants-lab/recall/internal/store"
)

// Mode selects which indices participate in a search.
type Mode string

const (
	ModeHybrid  Mode = "hybrid"
	ModeLexical Mode = "lexical"
	ModeVector  Mode = "vector"
)

// DefaultLimit is the result count when the caller does not set one.
const DefaultLimit = 10

// defaultFanOut widens the per-index limit so fusion has enough overlap
// candidates to work with.
const defaultFanOut = 2

// Config holds the fusion weights.
type Config struct {
	// LexicalWeight scales the lexical rank component. Defaults to 0.5.
	LexicalWeight float64 `koanf:"lexical_weight"`

	// VectorWeight scales the vector rank component. Defaults to 0.5.
	VectorWeight float64 `koanf:"vector_weight"`

	// FanOut multiplies the caller's limit for the per-index queries.
	// Minimum and default is 2.
	FanOut int `koanf:"fan_out"`
}

// ApplyDefaults sets default values for unset fields. Weights default
// together: setting only one of them is almost always a mistake, so both
// are defaulted only when both are zero.
func (c *Config) ApplyDefaults() {
	if c.LexicalWeight == 0 && c.VectorWeight == 0 {
		c.LexicalWeight = 0.5
		c.VectorWeight = 0.5
	}
	if c.FanOut < defaultFanOut {
		c.FanOut = defaultFanOut
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.LexicalWeight < 0 || c.VectorWeight < 0 {
		return fmt.Errorf("fusion weights must be non-negative, got %g/%g", c.LexicalWeight, c.VectorWeight)
	}
	if c.LexicalWeight == 0 && c.VectorWeight == 0 {
		return fmt.Errorf("at least one fusion weight must be positive")
	}
	return nil
}

// ErrInvalidWeights indicates unusable per-request fusion weights.
var ErrInvalidWeights = errors.New("invalid fusion weights")

// Options are per-request search knobs.
type Options struct {
	// Limit is the maximum number of results. Defaults to DefaultLimit.
	Limit int

	// Mode selects the participating indices. Defaults to ModeHybrid.
	Mode Mode

	// AllChunks disables the per-document dedupe, returning every
	// matching chunk instead of the best one per document.
	AllChunks bool

	// LexicalWeight and VectorWeight override the engine's configured
	// fusion weights for this request. When both are zero the configured
	// weights apply.
	LexicalWeight float64
	VectorWeight  float64
}

// Result is one fused search hit. The component scores are the raw index
// scores, zero when that index did not return the chunk.
type Result struct {
	Chunk        chunk.Chunk
	Score        float64
	LexicalScore float64
	VectorScore  float64
}

// Engine runs searches against one store.
type Engine struct {
	store  *store.Store
	config Config
	logger *zap.Logger
	tracer trace.Tracer
}

// NewEngine creates a search engine over st.
func NewEngine(st *store.Store, config Config, logger *zap.Logger) (*Engine, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:  st,
		config: config,
		logger: logger,
		tracer: otel.Tracer("recall/search"),
	}, nil
}

// Search retrieves up to opts.Limit chunks for the query, best first.
// A blank query returns no results.
func (e *Engine) Search(ctx context.Context, key partition.Key, query string, opts Options) ([]Result, error) {
	ctx, span := e.tracer.Start(ctx, "search",
		trace.WithAttributes(
			attribute.String("partition", key.String()),
			attribute.String("mode", string(opts.Mode))))
	defer span.End()

	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	if opts.Mode == "" {
		opts.Mode = ModeHybrid
	}

	wl, wv := e.config.LexicalWeight, e.config.VectorWeight
	if opts.LexicalWeight != 0 || opts.VectorWeight != 0 {
		wl, wv = opts.LexicalWeight, opts.VectorWeight
	}
	if wl < 0 || wv < 0 {
		return nil, fmt.Errorf("%w: weights must be non-negative, got %g/%g", ErrInvalidWeights, wl, wv)
	}
	if wl == 0 && wv == 0 {
		return nil, fmt.Errorf("%w: at least one weight must be positive", ErrInvalidWeights)
	}
	// Single-index modes rank by that index alone; weights only shape
	// hybrid fusion.
	switch opts.Mode {
	case ModeLexical:
		wl, wv = 1, 0
	case ModeVector:
		wl, wv = 0, 1
	}

	fanOut := opts.Limit * e.config.FanOut

	// A zero-weighted index is not queried at all: its hits would carry a
	// zero fused score, and their presence alone would change dedupe and
	// truncation relative to the pure single-index ranking.
	var lexical, vector []store.Result
	g, gctx := errgroup.WithContext(ctx)
	if opts.Mode == ModeLexical || (opts.Mode == ModeHybrid && wl > 0) {
		g.Go(func() error {
			var err error
			lexical, err = e.store.LexicalQuery(gctx, key, query, fanOut)
			if err != nil {
				return fmt.Errorf("lexical: %w", err)
			}
			return nil
		})
	}
	if opts.Mode == ModeVector || (opts.Mode == ModeHybrid && wv > 0) {
		g.Go(func() error {
			var err error
			vector, err = e.store.VectorQuery(gctx, key, query, fanOut)
			if err != nil {
				return fmt.Errorf("vector: %w", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	results := fuse(lexical, vector, wl, wv)
	if !opts.AllChunks {
		results = bestPerDocument(results)
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}

	span.SetAttributes(attribute.Int("results", len(results)))
	return results, nil
}

// fuse merges the two ranked lists with rank-based normalization: the
// entry at 1-based rank r in a list of n scores (n-r+1)/n, so the best
// entry gets 1 and the worst 1/n. The fused score is the weighted sum of
// the two normalized ranks.
func fuse(lexical, vector []store.Result, wl, wv float64) []Result {
	merged := make(map[string]*Result, len(lexical)+len(vector))

	n := float64(len(lexical))
	for i, r := range lexical {
		merged[r.Chunk.ID] = &Result{
			Chunk:        r.Chunk,
			LexicalScore: r.Score,
			Score:        wl * (n - float64(i)) / n,
		}
	}

	n = float64(len(vector))
	for i, r := range vector {
		norm := wv * (n - float64(i)) / n
		if m, ok := merged[r.Chunk.ID]; ok {
			m.VectorScore = r.Score
			m.Score += norm
			continue
		}
		merged[r.Chunk.ID] = &Result{
			Chunk:       r.Chunk,
			VectorScore: r.Score,
			Score:       norm,
		}
	}

	out := make([]Result, 0, len(merged))
	for _, m := range merged {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return resultLess(out[i], out[j]) })
	return out
}

// resultLess is the canonical ordering: fused score desc, ordinal asc,
// chunk ID asc.
func resultLess(a, b Result) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Chunk.Ordinal != b.Chunk.Ordinal {
		return a.Chunk.Ordinal < b.Chunk.Ordinal
	}
	return a.Chunk.ID < b.Chunk.ID
}

// bestPerDocument keeps the highest-ranked chunk of each document. Input
// order is the fused order, so the first chunk seen per document wins.
func bestPerDocument(results []Result) []Result {
	seen := make(map[string]struct{}, len(results))
	out := results[:0]
	for _, r := range results {
		if _, ok := seen[r.Chunk.DocumentID]; ok {
			continue
		}
		seen[r.Chunk.DocumentID] = struct{}{}
		out = append(out, r)
	}
	return out
}
