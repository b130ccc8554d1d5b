package index

import (
	"math"
	"strings"
)

// BM25 parameters. The usual defaults; k1 controls term-frequency
// saturation, b controls length normalization.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// Lexical is an in-memory inverted index with BM25 relevance scoring.
//
// It holds term postings per chunk and is rebuilt from the chunk table on
// store open. Not self-synchronizing (see package doc).
type Lexical struct {
	// postings maps term -> chunk ID -> term frequency.
	postings map[string]map[string]int

	// chunks maps chunk ID -> per-chunk state needed for scoring.
	chunks map[string]*lexicalEntry

	// totalLength is the sum of token counts across chunks, for the
	// average-length term of BM25.
	totalLength int
}

type lexicalEntry struct {
	ordinal int
	length  int
	terms   []string // distinct terms, for removal
}

// NewLexical creates an empty lexical index.
func NewLexical() *Lexical {
	return &Lexical{
		postings: make(map[string]map[string]int),
		chunks:   make(map[string]*lexicalEntry),
	}
}

// Add indexes one chunk's content. Re-adding an existing chunk ID replaces
// its previous postings.
func (l *Lexical) Add(id string, ordinal int, content string) {
	if _, ok := l.chunks[id]; ok {
		l.Remove(id)
	}

	tokens := Tokenize(content)
	freqs := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		freqs[tok]++
	}

	entry := &lexicalEntry{
		ordinal: ordinal,
		length:  len(tokens),
		terms:   make([]string, 0, len(freqs)),
	}
	for term, tf := range freqs {
		posting, ok := l.postings[term]
		if !ok {
			posting = make(map[string]int)
			l.postings[term] = posting
		}
		posting[id] = tf
		entry.terms = append(entry.terms, term)
	}

	l.chunks[id] = entry
	l.totalLength += entry.length
}

// Remove drops a chunk from the index. Unknown IDs are a no-op.
func (l *Lexical) Remove(id string) {
	entry, ok := l.chunks[id]
	if !ok {
		return
	}
	for _, term := range entry.terms {
		posting := l.postings[term]
		delete(posting, id)
		if len(posting) == 0 {
			delete(l.postings, term)
		}
	}
	l.totalLength -= entry.length
	delete(l.chunks, id)
}

// Len reports the number of indexed chunks.
func (l *Lexical) Len() int { return len(l.chunks) }

// Query scores chunks against the tokenized query with BM25 and returns up
// to k hits, ordered by score desc with the canonical tie-break.
func (l *Lexical) Query(query string, k int) []Hit {
	if k <= 0 || len(l.chunks) == 0 {
		return nil
	}

	queryTerms := Tokenize(query)
	if len(queryTerms) == 0 {
		return nil
	}

	n := float64(len(l.chunks))
	avgLen := float64(l.totalLength) / n

	// Distinct query terms; repeating a term in the query does not double
	// its contribution.
	seen := make(map[string]bool, len(queryTerms))
	scores := make(map[string]float64)
	for _, term := range queryTerms {
		if seen[term] {
			continue
		}
		seen[term] = true

		posting, ok := l.postings[term]
		if !ok {
			continue
		}
		idf := idf(n, float64(len(posting)))
		for id, tf := range posting {
			entry := l.chunks[id]
			norm := 1 - bm25B + bm25B*float64(entry.length)/avgLen
			scores[id] += idf * float64(tf) * (bm25K1 + 1) / (float64(tf) + bm25K1*norm)
		}
	}

	hits := make([]Hit, 0, len(scores))
	for id, score := range scores {
		hits = append(hits, Hit{ID: id, Ordinal: l.chunks[id].ordinal, Score: score})
	}
	SortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// idf is the BM25+ style inverse document frequency, always positive so a
// term matching most chunks still contributes.
func idf(n, df float64) float64 {
	return math.Log(1 + (n-df+0.5)/(df+0.5))
}

// Tokenize lowercases text and splits it on non-alphanumeric boundaries.
// Underscores bind identifiers together, matching the partition character
// set.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_')
	})
}
