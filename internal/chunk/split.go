package chunk

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Strategy selects how a document is split into chunks.
type Strategy string

const (
	// ByParagraph splits on blank-line boundaries.
	ByParagraph Strategy = "paragraph"
	// Fixed splits into windows of Policy.Size runes with Policy.Overlap
	// runes of overlap.
	Fixed Strategy = "fixed"
	// ByPage splits on explicit page-break markers.
	ByPage Strategy = "page"
)

// DefaultPageBreak is the page-break marker used when Policy.PageBreak is
// empty. Form-feed is what PDF-to-text extractors emit.
const DefaultPageBreak = "\f"

// ErrInvalidPolicy indicates an unusable chunking policy.
var ErrInvalidPolicy = errors.New("invalid chunk policy")

// Policy configures the chunker. Strategies are mutually exclusive.
type Policy struct {
	Strategy Strategy `koanf:"strategy"`

	// Size is the window length in runes for the Fixed strategy.
	Size int `koanf:"size"`

	// Overlap is the number of runes shared between consecutive Fixed
	// windows. Must satisfy 0 <= Overlap < Size.
	Overlap int `koanf:"overlap"`

	// PageBreak is the marker for the ByPage strategy. Defaults to
	// DefaultPageBreak.
	PageBreak string `koanf:"page_break"`
}

// DefaultPolicy is paragraph splitting, the conversational default.
func DefaultPolicy() Policy {
	return Policy{Strategy: ByParagraph}
}

// Validate checks the policy before any splitting happens.
func (p Policy) Validate() error {
	switch p.Strategy {
	case ByParagraph, ByPage:
		return nil
	case Fixed:
		if p.Size <= 0 {
			return fmt.Errorf("%w: fixed size must be positive, got %d", ErrInvalidPolicy, p.Size)
		}
		if p.Overlap < 0 || p.Overlap >= p.Size {
			return fmt.Errorf("%w: overlap must satisfy 0 <= overlap < size, got %d/%d", ErrInvalidPolicy, p.Overlap, p.Size)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown strategy %q", ErrInvalidPolicy, p.Strategy)
	}
}

// paragraphBoundary matches one or more blank lines, tolerating trailing
// spaces and CRLF endings.
var paragraphBoundary = regexp.MustCompile(`(?:\r?\n)[ \t]*(?:\r?\n)+`)

// Split divides a document into ordered, unembedded chunks.
//
// Splitting is deterministic: the same text and policy always produce
// byte-identical chunk boundaries and ordinals, which is what makes
// re-ingestion idempotent. Empty document text yields zero chunks.
func Split(doc Document, policy Policy) ([]Chunk, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(doc.Text) == "" {
		return nil, nil
	}

	var segments []segment
	switch policy.Strategy {
	case ByParagraph:
		segments = splitParagraphs(doc.Text)
	case Fixed:
		segments = splitFixed(doc.Text, policy.Size, policy.Overlap)
	case ByPage:
		marker := policy.PageBreak
		if marker == "" {
			marker = DefaultPageBreak
		}
		segments = splitPages(doc.Text, marker)
	}

	chunks := make([]Chunk, 0, len(segments))
	for i, seg := range segments {
		meta := doc.Metadata.Clone()
		if seg.page > 0 {
			meta["page"] = seg.page
		}
		chunks = append(chunks, Chunk{
			ID:          chunkID(doc.ID, i),
			DocumentID:  doc.ID,
			Ordinal:     i,
			Content:     seg.text,
			ContentHash: ContentHash(seg.text),
			Metadata:    meta,
		})
	}
	return chunks, nil
}

// segment is an intermediate split result. page is 1-based for the ByPage
// strategy and zero otherwise.
type segment struct {
	text string
	page int
}

func splitParagraphs(text string) []segment {
	parts := paragraphBoundary.Split(text, -1)
	segments := make([]segment, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		segments = append(segments, segment{text: p})
	}
	return segments
}

func splitFixed(text string, size, overlap int) []segment {
	runes := []rune(text)
	if len(runes) <= size {
		return []segment{{text: text}}
	}

	step := size - overlap
	var segments []segment
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		segments = append(segments, segment{text: string(runes[start:end])})
		if end == len(runes) {
			break
		}
	}
	return segments
}

func splitPages(text, marker string) []segment {
	parts := strings.Split(text, marker)
	segments := make([]segment, 0, len(parts))
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		segments = append(segments, segment{text: p, page: i + 1})
	}
	return segments
}
