// Package store is the partition-scoped document store: durable chunk
// rows in SQLite with a lexical and a vector index per partition layered
// on top.
//
// The chunk table is the single source of truth. Both indices are derived
// state: the lexical index always lives in memory and is replayed on the
// first touch of a partition; the vector index is replayed too unless its
// backend is persistent. A write first commits the SQL transaction, then
// applies the same change to the indices under the partition's write lock.
// If the index apply fails the partition state is discarded so the next
// access rebuilds it from the committed rows.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"database/sql"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/open-assistants-lab/recall/internal/chunk"
	"github.com/open-assistants-lab/recall/internal/embeddings"
	"github.com/open-assistants-lab/recall/internal/index"
	"github.com/open-assistants-lab/recall/internal/partition"
)

// Vector backend names accepted in Config.VectorBackend.
const (
	BackendChromem = "chromem"
	BackendQdrant  = "qdrant"
)

// DefaultPath is the SQLite file used when none is configured.
const DefaultPath = "recall.db"

// Config configures a Store.
type Config struct {
	// Path is the SQLite database file.
	Path string `koanf:"path"`

	// VectorBackend selects the vector index implementation, "chromem"
	// (embedded, default) or "qdrant" (external).
	VectorBackend string `koanf:"vector_backend"`

	// Metric is the similarity metric for vector indices, fixed at store
	// creation.
	Metric index.Metric `koanf:"metric"`

	// Qdrant configures the external backend. Ignored for chromem.
	Qdrant index.QdrantConfig `koanf:"qdrant"`

	// Chunking is the splitting policy applied to inserted documents.
	Chunking chunk.Policy `koanf:"chunking"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if c.VectorBackend == "" {
		c.VectorBackend = BackendChromem
	}
	if c.Metric == "" {
		c.Metric = index.MetricCosine
	}
	if c.Chunking.Strategy == "" {
		c.Chunking = chunk.DefaultPolicy()
	}
	c.Qdrant.Metric = c.Metric
	c.Qdrant.ApplyDefaults()
}

// Validate validates the configuration.
func (c Config) Validate() error {
	switch c.VectorBackend {
	case BackendChromem:
	case BackendQdrant:
		if err := c.Qdrant.Validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown vector backend %q", index.ErrInvalidConfig, c.VectorBackend)
	}
	return c.Chunking.Validate()
}

// Result is one scored, fully hydrated chunk.
type Result struct {
	Chunk chunk.Chunk
	Score float64
}

// partitionState holds the in-memory side of one partition. The RWMutex
// serializes writers and lets readers run concurrently; readers never see
// a half-applied write.
//
// First-touch replay runs under init, not the store-wide lock, so a cold
// partition's rebuild (a full chunk scan, plus backend round-trips for
// Qdrant) only ever blocks callers of the same partition.
type partitionState struct {
	init    sync.Once
	initErr error

	mu      sync.RWMutex
	dims    int
	lexical *index.Lexical
	vector  index.Vector
}

// Store is the partition-scoped document store.
type Store struct {
	db       *sql.DB
	embedder embeddings.Embedder
	config   Config
	logger   *zap.Logger
	tracer   trace.Tracer

	mu         sync.Mutex
	partitions map[partition.Key]*partitionState
	closed     bool
}

// New opens the store at config.Path.
func New(config Config, embedder embeddings.Embedder, logger *zap.Logger) (*Store, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := openDB(config.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageIO, err)
	}

	return &Store{
		db:         db,
		embedder:   embedder,
		config:     config,
		logger:     logger,
		tracer:     otel.Tracer("recall/store"),
		partitions: make(map[partition.Key]*partitionState),
	}, nil
}

// Close releases the database and every partition's vector backend.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for key, ps := range s.partitions {
		// A nil vector means the partition never finished first-touch
		// replay; there is nothing to release.
		if ps.vector == nil {
			continue
		}
		if err := ps.vector.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing vector index %s: %w", key, err))
		}
	}
	s.partitions = nil
	if err := s.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing database: %w", err))
	}
	return errors.Join(errs...)
}

// Insert stores a document in a partition, replacing any previous document
// with the same ID along with all of its chunks. An empty document ID gets
// a generated UUID. Returns the stored document and its chunks.
func (s *Store) Insert(ctx context.Context, key partition.Key, doc chunk.Document) (chunk.Document, []chunk.Chunk, error) {
	ctx, span := s.tracer.Start(ctx, "store.insert",
		trace.WithAttributes(attribute.String("partition", key.String())))
	defer span.End()

	var err error
	defer func() { insertsTotal.WithLabelValues(outcome(err)).Inc() }()

	if key == "" {
		err = fmt.Errorf("%w: empty partition key", ErrInvalidPartition)
		return chunk.Document{}, nil, err
	}
	if verr := doc.Metadata.Validate(); verr != nil {
		err = fmt.Errorf("%w: %v", ErrInvalidDocument, verr)
		return chunk.Document{}, nil, err
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	doc.CreatedAt = time.Now().UTC()

	chunks, serr := chunk.Split(doc, s.config.Chunking)
	if serr != nil {
		err = fmt.Errorf("%w: %v", ErrInvalidDocument, serr)
		return chunk.Document{}, nil, err
	}
	span.SetAttributes(attribute.Int("chunks", len(chunks)))

	// Embedding happens before any lock is taken; only the apply phase
	// runs under the partition write lock.
	dims := 0
	if len(chunks) > 0 {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Content
		}
		vecs, eerr := s.embedder.EmbedDocuments(ctx, texts)
		if eerr != nil {
			err = fmt.Errorf("%w: document %s: %v", ErrEmbeddingFailed, doc.ID, eerr)
			return chunk.Document{}, nil, err
		}
		if len(vecs) != len(chunks) {
			err = fmt.Errorf("%w: got %d vectors for %d chunks", ErrEmbeddingFailed, len(vecs), len(chunks))
			return chunk.Document{}, nil, err
		}
		dims = len(vecs[0])
		for i := range chunks {
			if len(vecs[i]) != dims {
				err = fmt.Errorf("%w: inconsistent vector lengths within one batch", ErrEmbeddingFailed)
				return chunk.Document{}, nil, err
			}
			chunks[i].Embedding = vecs[i]
		}
	}

	ps, perr := s.getPartition(ctx, key)
	if perr != nil {
		err = perr
		return chunk.Document{}, nil, err
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	if dims > 0 && ps.dims > 0 && dims != ps.dims {
		err = fmt.Errorf("%w: partition %s expects %d dimensions, got %d", ErrSchemaMismatch, key, ps.dims, dims)
		return chunk.Document{}, nil, err
	}

	removed, aerr := s.applyInsert(ctx, key, doc, chunks, dims)
	if aerr != nil {
		err = aerr
		return chunk.Document{}, nil, err
	}

	if ierr := s.applyToIndices(ctx, key, ps, removed, chunks); ierr != nil {
		err = ierr
		return chunk.Document{}, nil, err
	}
	if dims > 0 {
		ps.dims = dims
	}

	chunksIndexed.Observe(float64(len(chunks)))
	s.logger.Debug("document inserted",
		zap.String("partition", key.String()),
		zap.String("document_id", doc.ID),
		zap.Int("chunks", len(chunks)),
		zap.Int("replaced_chunks", len(removed)))
	return doc, chunks, nil
}

// applyInsert commits the document replacement in one transaction and
// returns the chunk IDs the document previously had.
func (s *Store) applyInsert(ctx context.Context, key partition.Key, doc chunk.Document, chunks []chunk.Chunk, dims int) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", ErrStorageIO, err)
	}
	defer tx.Rollback()

	removed, err := deleteDocumentTx(ctx, tx, key, doc.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageIO, err)
	}
	if err := insertDocumentTx(ctx, tx, key, doc, chunks); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageIO, err)
	}
	if err := upsertPartitionTx(ctx, tx, key, dims, doc.CreatedAt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageIO, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", ErrStorageIO, err)
	}
	return removed, nil
}

// applyToIndices mirrors a committed write into the partition's indices.
// The caller holds the partition write lock. On vector backend failure the
// partition state is dropped; the committed rows are intact and the next
// access replays them.
func (s *Store) applyToIndices(ctx context.Context, key partition.Key, ps *partitionState, removed []string, chunks []chunk.Chunk) error {
	for _, id := range removed {
		ps.lexical.Remove(id)
	}
	for _, c := range chunks {
		ps.lexical.Add(c.ID, c.Ordinal, c.Content)
	}

	if err := ps.vector.Remove(ctx, removed); err != nil {
		s.dropPartition(key, ps)
		return fmt.Errorf("%w: vector index remove: %v", ErrStorageIO, err)
	}
	entries := make([]index.Entry, len(chunks))
	for i, c := range chunks {
		entries[i] = index.Entry{ID: c.ID, Ordinal: c.Ordinal, Vector: c.Embedding}
	}
	if err := ps.vector.Add(ctx, entries); err != nil {
		s.dropPartition(key, ps)
		return fmt.Errorf("%w: vector index add: %v", ErrStorageIO, err)
	}
	return nil
}

// dropPartition discards in-memory partition state after an index apply
// failure so a later access rebuilds it from the chunk table.
func (s *Store) dropPartition(key partition.Key, ps *partitionState) {
	s.mu.Lock()
	if s.partitions[key] == ps {
		delete(s.partitions, key)
	}
	s.mu.Unlock()

	if err := ps.vector.Close(); err != nil {
		s.logger.Warn("closing vector index after apply failure",
			zap.String("partition", key.String()), zap.Error(err))
	}
}

// Delete removes a document and its chunks. Deleting an absent document is
// a no-op, not an error.
func (s *Store) Delete(ctx context.Context, key partition.Key, documentID string) error {
	ctx, span := s.tracer.Start(ctx, "store.delete",
		trace.WithAttributes(
			attribute.String("partition", key.String()),
			attribute.String("document_id", documentID)))
	defer span.End()

	var err error
	defer func() { deletesTotal.WithLabelValues(outcome(err)).Inc() }()

	if key == "" {
		err = fmt.Errorf("%w: empty partition key", ErrInvalidPartition)
		return err
	}

	ps, perr := s.getPartition(ctx, key)
	if perr != nil {
		err = perr
		return err
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	tx, terr := s.db.BeginTx(ctx, nil)
	if terr != nil {
		err = fmt.Errorf("%w: begin: %v", ErrStorageIO, terr)
		return err
	}
	defer tx.Rollback()

	removed, derr := deleteDocumentTx(ctx, tx, key, documentID)
	if derr != nil {
		err = fmt.Errorf("%w: %v", ErrStorageIO, derr)
		return err
	}
	if cerr := tx.Commit(); cerr != nil {
		err = fmt.Errorf("%w: commit: %v", ErrStorageIO, cerr)
		return err
	}
	if len(removed) == 0 {
		return nil
	}

	for _, id := range removed {
		ps.lexical.Remove(id)
	}
	if verr := ps.vector.Remove(ctx, removed); verr != nil {
		s.dropPartition(key, ps)
		err = fmt.Errorf("%w: vector index remove: %v", ErrStorageIO, verr)
		return err
	}

	s.logger.Debug("document deleted",
		zap.String("partition", key.String()),
		zap.String("document_id", documentID),
		zap.Int("chunks", len(removed)))
	return nil
}

// LexicalQuery scores the partition's chunks against the query terms with
// BM25 and returns up to k hydrated results, best first.
func (s *Store) LexicalQuery(ctx context.Context, key partition.Key, query string, k int) ([]Result, error) {
	ctx, span := s.tracer.Start(ctx, "store.lexical_query",
		trace.WithAttributes(attribute.String("partition", key.String())))
	defer span.End()
	queriesTotal.WithLabelValues("lexical").Inc()

	ps, err := s.getPartition(ctx, key)
	if err != nil {
		return nil, err
	}

	ps.mu.RLock()
	hits := ps.lexical.Query(query, k)
	ps.mu.RUnlock()

	return s.hydrate(ctx, key, hits)
}

// VectorQuery embeds the query text and returns up to k nearest chunks
// under the partition's metric, best first. On a partition with no fixed
// dimensionality yet, the first successful query embedding fixes it; the
// query itself returns no results until chunks are stored.
func (s *Store) VectorQuery(ctx context.Context, key partition.Key, query string, k int) ([]Result, error) {
	ctx, span := s.tracer.Start(ctx, "store.vector_query",
		trace.WithAttributes(attribute.String("partition", key.String())))
	defer span.End()
	queriesTotal.WithLabelValues("vector").Inc()

	ps, err := s.getPartition(ctx, key)
	if err != nil {
		return nil, err
	}

	vec, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %v", ErrEmbeddingFailed, err)
	}

	ps.mu.RLock()
	dims := ps.dims
	ps.mu.RUnlock()
	if dims == 0 {
		ps.mu.Lock()
		if ps.dims == 0 {
			ps.dims = len(vec)
		}
		dims = ps.dims
		ps.mu.Unlock()
	}
	if len(vec) != dims {
		return nil, fmt.Errorf("%w: partition %s expects %d dimensions, query embedded to %d", ErrSchemaMismatch, key, dims, len(vec))
	}

	ps.mu.RLock()
	hits, qerr := ps.vector.Query(ctx, vec, k)
	ps.mu.RUnlock()
	if qerr != nil {
		return nil, fmt.Errorf("%w: vector query: %v", ErrStorageIO, qerr)
	}

	return s.hydrate(ctx, key, hits)
}

// hydrate loads full chunk rows for hits, preserving hit order. Hits whose
// rows vanished between query and load are dropped.
func (s *Store) hydrate(ctx context.Context, key partition.Key, hits []index.Hit) ([]Result, error) {
	if len(hits) == 0 {
		return nil, nil
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	rows, err := loadChunks(ctx, s.db, key, ids)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageIO, err)
	}

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		c, ok := rows[h.ID]
		if !ok {
			continue
		}
		results = append(results, Result{Chunk: c, Score: h.Score})
	}
	return results, nil
}

// getPartition returns the in-memory state for a partition, building it on
// first touch. The store-wide lock only guards the map; the replay itself
// runs inside the partition's init so other partitions stay unblocked.
// A failed replay removes the placeholder, letting a later call retry.
func (s *Store) getPartition(ctx context.Context, key partition.Key) (*partitionState, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: store is closed", ErrStorageIO)
	}
	ps, ok := s.partitions[key]
	if !ok {
		ps = &partitionState{}
		s.partitions[key] = ps
	}
	s.mu.Unlock()

	ps.init.Do(func() {
		ps.initErr = s.loadPartition(ctx, key, ps)
	})
	if ps.initErr != nil {
		s.mu.Lock()
		if s.partitions[key] == ps {
			delete(s.partitions, key)
		}
		s.mu.Unlock()
		return nil, ps.initErr
	}
	return ps, nil
}

// loadPartition reads the persisted dimensionality and replays both
// indices from the chunk table (the vector index only when its backend
// does not persist on its own).
func (s *Store) loadPartition(ctx context.Context, key partition.Key, ps *partitionState) error {
	dims, err := partitionDims(ctx, s.db, key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageIO, err)
	}

	vector, err := s.newVector(key)
	if err != nil {
		return err
	}

	lexical := index.NewLexical()
	replayVectors := !vector.Persistent()
	var entries []index.Entry
	err = scanPartitionChunks(ctx, s.db, key, func(sc storedChunk) error {
		lexical.Add(sc.id, sc.ordinal, sc.content)
		if replayVectors && len(sc.embedding) > 0 {
			entries = append(entries, index.Entry{ID: sc.id, Ordinal: sc.ordinal, Vector: sc.embedding})
		}
		return nil
	})
	if err != nil {
		vector.Close()
		return fmt.Errorf("%w: replaying partition %s: %v", ErrStorageIO, key, err)
	}
	if len(entries) > 0 {
		if err := vector.Add(ctx, entries); err != nil {
			vector.Close()
			return fmt.Errorf("%w: replaying vectors for %s: %v", ErrStorageIO, key, err)
		}
	}

	if lexical.Len() > 0 {
		s.logger.Info("partition loaded",
			zap.String("partition", key.String()),
			zap.Int("chunks", lexical.Len()),
			zap.Int("dims", dims))
	}

	ps.mu.Lock()
	ps.dims = dims
	ps.lexical = lexical
	ps.vector = vector
	ps.mu.Unlock()
	return nil
}

// newVector constructs the configured vector backend for one partition.
func (s *Store) newVector(key partition.Key) (index.Vector, error) {
	switch s.config.VectorBackend {
	case BackendQdrant:
		v, err := index.NewQdrant(s.config.Qdrant, key.String())
		if err != nil {
			return nil, fmt.Errorf("creating qdrant index for %s: %w", key, err)
		}
		return v, nil
	default:
		v, err := index.NewChromem(key.String())
		if err != nil {
			return nil, fmt.Errorf("creating chromem index for %s: %w", key, err)
		}
		return v, nil
	}
}
