package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/open-assistants-lab/recall/internal/chunk"
	"github.com/open-assistants-lab/recall/internal/partition"
)

// schema is applied on every open. All statements are idempotent.
//
// The chunks table is the source of truth; everything the indices hold can
// be replayed from it. Embeddings are stored as JSON arrays of float32,
// which keeps the rows inspectable with the sqlite3 shell.
const schema = `
CREATE TABLE IF NOT EXISTS partitions (
	partition  TEXT PRIMARY KEY,
	dims       INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS documents (
	partition   TEXT NOT NULL,
	document_id TEXT NOT NULL,
	metadata    TEXT NOT NULL DEFAULT '{}',
	created_at  TIMESTAMP NOT NULL,
	PRIMARY KEY (partition, document_id)
);

CREATE TABLE IF NOT EXISTS chunks (
	partition    TEXT NOT NULL,
	chunk_id     TEXT NOT NULL,
	document_id  TEXT NOT NULL,
	ordinal      INTEGER NOT NULL,
	content      TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	metadata     TEXT NOT NULL DEFAULT '{}',
	embedding    TEXT NOT NULL,
	PRIMARY KEY (partition, chunk_id)
);

CREATE INDEX IF NOT EXISTS idx_chunks_document
	ON chunks (partition, document_id);
`

// openDB opens (or creates) the SQLite database and applies the schema.
// WAL keeps readers unblocked during writes; the store additionally holds
// its own per-partition locks, so busy_timeout only matters for external
// processes poking at the same file.
func openDB(path string) (*sql.DB, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return db, nil
}

func encodeMetadata(m chunk.Metadata) (string, error) {
	if m == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encoding metadata: %w", err)
	}
	return string(raw), nil
}

// decodeMetadata parses stored metadata. JSON has one number kind, so
// integer values come back as float64; callers treat metadata as scalars
// and this is documented behavior of the round trip.
func decodeMetadata(raw string) (chunk.Metadata, error) {
	m := chunk.Metadata{}
	if raw == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	return m, nil
}

func encodeEmbedding(vec []float32) (string, error) {
	raw, err := json.Marshal(vec)
	if err != nil {
		return "", fmt.Errorf("encoding embedding: %w", err)
	}
	return string(raw), nil
}

func decodeEmbedding(raw string) ([]float32, error) {
	var vec []float32
	if err := json.Unmarshal([]byte(raw), &vec); err != nil {
		return nil, fmt.Errorf("decoding embedding: %w", err)
	}
	return vec, nil
}

// documentChunkIDs returns the chunk IDs currently stored for a document,
// in ordinal order.
func documentChunkIDs(ctx context.Context, tx *sql.Tx, key partition.Key, documentID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT chunk_id FROM chunks WHERE partition = ? AND document_id = ? ORDER BY ordinal`,
		key.String(), documentID)
	if err != nil {
		return nil, fmt.Errorf("selecting chunk ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning chunk id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// deleteDocumentTx removes a document and its chunks, returning the removed
// chunk IDs so the caller can mirror the deletion into the indices.
func deleteDocumentTx(ctx context.Context, tx *sql.Tx, key partition.Key, documentID string) ([]string, error) {
	ids, err := documentChunkIDs(ctx, tx, key, documentID)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chunks WHERE partition = ? AND document_id = ?`,
		key.String(), documentID); err != nil {
		return nil, fmt.Errorf("deleting chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM documents WHERE partition = ? AND document_id = ?`,
		key.String(), documentID); err != nil {
		return nil, fmt.Errorf("deleting document: %w", err)
	}
	return ids, nil
}

// insertDocumentTx writes the document row and all chunk rows. Existing
// rows for the document must already have been removed.
func insertDocumentTx(ctx context.Context, tx *sql.Tx, key partition.Key, doc chunk.Document, chunks []chunk.Chunk) error {
	docMeta, err := encodeMetadata(doc.Metadata)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO documents (partition, document_id, metadata, created_at) VALUES (?, ?, ?, ?)`,
		key.String(), doc.ID, docMeta, doc.CreatedAt); err != nil {
		return fmt.Errorf("inserting document %s: %w", doc.ID, err)
	}

	for _, c := range chunks {
		meta, err := encodeMetadata(c.Metadata)
		if err != nil {
			return err
		}
		vec, err := encodeEmbedding(c.Embedding)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chunks (partition, chunk_id, document_id, ordinal, content, content_hash, metadata, embedding)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			key.String(), c.ID, c.DocumentID, c.Ordinal, c.Content, c.ContentHash, meta, vec); err != nil {
			return fmt.Errorf("inserting chunk %s: %w", c.ID, err)
		}
	}
	return nil
}

// upsertPartitionTx records the partition and its fixed dimensionality.
// dims is only ever written once per partition; subsequent calls keep the
// existing value when dims is zero.
func upsertPartitionTx(ctx context.Context, tx *sql.Tx, key partition.Key, dims int, createdAt time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO partitions (partition, dims, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(partition) DO UPDATE SET dims = CASE WHEN partitions.dims = 0 THEN excluded.dims ELSE partitions.dims END`,
		key.String(), dims, createdAt)
	if err != nil {
		return fmt.Errorf("upserting partition %s: %w", key, err)
	}
	return nil
}

// partitionDims reads the persisted dimensionality, zero when the partition
// has never seen an embedded chunk.
func partitionDims(ctx context.Context, db *sql.DB, key partition.Key) (int, error) {
	var dims int
	err := db.QueryRowContext(ctx,
		`SELECT dims FROM partitions WHERE partition = ?`, key.String()).Scan(&dims)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading partition %s: %w", key, err)
	}
	return dims, nil
}

// storedChunk is one replayed row, enough to rebuild both indices.
type storedChunk struct {
	id        string
	ordinal   int
	content   string
	embedding []float32
}

// scanPartitionChunks streams every chunk of a partition in chunk ID order
// for index replay.
func scanPartitionChunks(ctx context.Context, db *sql.DB, key partition.Key, fn func(storedChunk) error) error {
	rows, err := db.QueryContext(ctx,
		`SELECT chunk_id, ordinal, content, embedding FROM chunks WHERE partition = ? ORDER BY chunk_id`,
		key.String())
	if err != nil {
		return fmt.Errorf("scanning partition %s: %w", key, err)
	}
	defer rows.Close()

	for rows.Next() {
		var sc storedChunk
		var raw string
		if err := rows.Scan(&sc.id, &sc.ordinal, &sc.content, &raw); err != nil {
			return fmt.Errorf("scanning chunk row: %w", err)
		}
		sc.embedding, err = decodeEmbedding(raw)
		if err != nil {
			return err
		}
		if err := fn(sc); err != nil {
			return err
		}
	}
	return rows.Err()
}

// loadChunks hydrates full chunks by ID. Missing IDs are skipped; the
// caller preserves its own ordering.
func loadChunks(ctx context.Context, db *sql.DB, key partition.Key, ids []string) (map[string]chunk.Chunk, error) {
	out := make(map[string]chunk.Chunk, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	// IN clause built per call; result sets are bounded by the query limit.
	args := make([]any, 0, len(ids)+1)
	args = append(args, key.String())
	placeholders := ""
	for i, id := range ids {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, id)
	}

	rows, err := db.QueryContext(ctx,
		`SELECT chunk_id, document_id, ordinal, content, content_hash, metadata, embedding
		 FROM chunks WHERE partition = ? AND chunk_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("loading chunks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c chunk.Chunk
		var rawMeta, rawVec string
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Ordinal, &c.Content, &c.ContentHash, &rawMeta, &rawVec); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		if c.Metadata, err = decodeMetadata(rawMeta); err != nil {
			return nil, err
		}
		if c.Embedding, err = decodeEmbedding(rawVec); err != nil {
			return nil, err
		}
		out[c.ID] = c
	}
	return out, rows.Err()
}
