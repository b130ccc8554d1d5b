// Package embeddings provides embedding generation against a TEI-style
// HTTP service, with an optional content-hash cache in front of it.
package embeddings

import "context"

// Embedder generates vector embeddings from text.
//
// Embeddings are dense numerical representations that capture semantic
// meaning. The store treats the embedding model as an opaque service with a
// fixed output dimensionality per model version.
type Embedder interface {
	// EmbedDocuments generates embeddings for multiple texts, one vector
	// per input, in input order.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery generates an embedding for a single query string.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}
