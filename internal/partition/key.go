// Package partition derives storage partition keys from workspace and
// thread identifiers.
//
// Partition keys are used as namespaces in the chunk table and in vector
// store collections, which require: ^[a-z0-9_]{1,128}$. This package
// guarantees every derived key conforms.
package partition

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	// MaxComponentLength is the maximum length of one sanitized component
	// (workspace or thread) before hash-suffix truncation kicks in.
	MaxComponentLength = 60

	// hashSuffixLength is the length of the suffix added to truncated
	// components. Format: _<8-char-hash> = 9 characters.
	hashSuffixLength = 9

	// DefaultComponent replaces a component that sanitizes to nothing.
	DefaultComponent = "default"

	// separator joins the workspace and thread components. sanitizeComponent
	// never emits consecutive underscores, so the separator cannot appear
	// inside a component and two distinct (workspace, thread) pairs cannot
	// produce the same key by shifting characters across the boundary.
	separator = "__"
)

// Key is a sanitized partition namespace derived from (workspace, thread).
type Key string

func (k Key) String() string { return string(k) }

// NewKey derives the partition key for a workspace/thread pair.
//
// Each component is sanitized independently:
//   - trimmed and lowercased
//   - runes outside [a-z0-9_] replaced with underscores
//   - runs of underscores collapsed, leading/trailing trimmed
//   - truncated with a sha256 suffix when longer than MaxComponentLength
//   - empty result replaced with "default"
//
// Inputs differing only in case or punctuation within one component collide
// deliberately ("WS-1" and "ws_1" share a partition). Collisions across the
// component boundary are impossible.
func NewKey(workspace, thread string) Key {
	return Key(sanitizeComponent(workspace) + separator + sanitizeComponent(thread))
}

// sanitizeComponent applies the sanitization rules to one identifier.
func sanitizeComponent(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}

	out := b.String()
	for strings.Contains(out, "__") {
		out = strings.ReplaceAll(out, "__", "_")
	}
	out = strings.Trim(out, "_")

	if out == "" {
		return DefaultComponent
	}
	if len(out) > MaxComponentLength {
		out = truncateWithHash(out)
	}
	return out
}

// truncateWithHash shortens a component while keeping it unique: the suffix
// is derived from the full pre-truncation string.
func truncateWithHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	suffix := "_" + hex.EncodeToString(sum[:])[:hashSuffixLength-1]

	truncated := strings.TrimRight(s[:MaxComponentLength-hashSuffixLength], "_")
	return truncated + suffix
}
