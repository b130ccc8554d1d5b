// Package chunk defines the document and chunk data model and splits raw
// document text into retrievable units.
package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidMetadata indicates a metadata value of an unsupported kind.
var ErrInvalidMetadata = errors.New("invalid metadata value")

// Metadata is a map of scalar values attached to documents and chunks.
// Only string, bool, int, int64 and float64 values are accepted; anything
// else is rejected at the ingestion boundary so that index and
// serialization code never has to handle arbitrary dynamic structures.
type Metadata map[string]any

// Validate checks that every value is one of the supported scalar kinds.
func (m Metadata) Validate() error {
	for k, v := range m {
		switch v.(type) {
		case string, bool, int, int64, float64:
		default:
			return fmt.Errorf("%w: key %q has kind %T", ErrInvalidMetadata, k, v)
		}
	}
	return nil
}

// Clone returns a shallow copy. Values are scalars, so a shallow copy is a
// full copy.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return Metadata{}
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Document is a logical source unit owned by one partition.
type Document struct {
	// ID is unique within a partition. Caller-supplied or generated.
	ID string

	// Text is the raw document text.
	Text string

	// Metadata is inherited by every chunk of the document.
	Metadata Metadata

	// CreatedAt is set by the store on insert.
	CreatedAt time.Time
}

// Chunk is the unit of retrieval.
type Chunk struct {
	// ID is derived from the document ID and ordinal, stable across
	// re-chunking of identical input.
	ID string

	// DocumentID is a non-owning back-reference to the parent document.
	DocumentID string

	// Ordinal is the position within the document.
	Ordinal int

	// Content is the chunk text.
	Content string

	// ContentHash is the hash of the normalized content, used as the
	// embedding cache key and for exact-duplicate detection.
	ContentHash string

	// Metadata is the parent document's metadata plus chunk-specific
	// fields such as the page number.
	Metadata Metadata

	// Embedding is nil until the chunk passes through the embedder.
	Embedding []float32
}

// ID format: ordinals are zero-padded so lexicographic chunk ID order
// matches ordinal order within one document.
const idFormat = "%s#%05d"

// chunkID builds the stable chunk identifier.
func chunkID(documentID string, ordinal int) string {
	return fmt.Sprintf(idFormat, documentID, ordinal)
}

// ContentHash returns the hex sha256 of the whitespace-normalized content.
// Normalization collapses runs of whitespace to single spaces and trims the
// ends; case is preserved.
func ContentHash(content string) string {
	normalized := strings.Join(strings.Fields(content), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
