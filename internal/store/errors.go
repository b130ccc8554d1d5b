package store

import "errors"

// Sentinel errors for store operations. Callers match with errors.Is; the
// wrapped message carries the partition key and document ID for retry or
// reporting.
var (
	// ErrInvalidPartition indicates unusable partition identifiers.
	ErrInvalidPartition = errors.New("invalid partition identifier")

	// ErrInvalidDocument indicates a document that cannot be ingested
	// (bad metadata, invalid chunk policy).
	ErrInvalidDocument = errors.New("invalid document")

	// ErrSchemaMismatch indicates an embedding whose dimensionality
	// conflicts with the partition's fixed dimensionality.
	ErrSchemaMismatch = errors.New("embedding dimensionality mismatch")

	// ErrDocumentNotFound is reserved for operations that require an
	// existing document. Delete is a no-op on absent IDs and never
	// returns it.
	ErrDocumentNotFound = errors.New("document not found")

	// ErrEmbeddingFailed wraps failures of the external embedding
	// service. Not retried at this layer; retry policy belongs to the
	// caller.
	ErrEmbeddingFailed = errors.New("embedding service failure")

	// ErrStorageIO indicates the durable storage layer failed. The
	// partition is left in its pre- or post-write state, never between.
	ErrStorageIO = errors.New("storage I/O failure")
)
