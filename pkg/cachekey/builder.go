// Package cachekey builds deterministic cache keys of the form
// namespace:dataset:param1:param2:...
//
// Parameters that look like personal data (anything containing "@" or ",")
// never appear verbatim: they are replaced by "h-" followed by the first 16
// hex characters of their SHA-256 digest. Every other segment is lower-cased
// and stripped to [a-z0-9-]. Segments that end up empty are dropped.
package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	// Separator joins key segments.
	Separator = ":"

	// HashPrefix marks a hashed parameter.
	HashPrefix = "h-"

	hashHexLen = 16
)

// Builder carries a fixed namespace so call sites only name the dataset.
//
// Example usage:
//
//	kb := cachekey.New("practiceops")
//	kb.Key("matters", "jane@firm.example")  // "practiceops:matters:h-3f1c..."
//	kb.DatasetPattern("matters")            // "practiceops:matters:*"
type Builder struct {
	Namespace string
}

// New returns a Builder for the given namespace.
func New(namespace string) Builder {
	return Builder{Namespace: namespace}
}

// Key builds the key for a dataset and its parameters.
func (b Builder) Key(dataset string, params ...string) string {
	return Build(b.Namespace, dataset, params...)
}

// DatasetPattern returns a glob matching every key of the dataset.
func (b Builder) DatasetPattern(dataset string) string {
	return Build(b.Namespace, dataset) + Separator + "*"
}

// LockKey returns the key guarding a protected operation on a dataset.
func (b Builder) LockKey(operation, dataset string, params ...string) string {
	return Build(b.Namespace, "lock", append([]string{operation, dataset}, params...)...)
}

// Build composes namespace, dataset and params into one key.
func Build(namespace, dataset string, params ...string) string {
	segments := make([]string, 0, len(params)+2)
	for _, s := range []string{namespace, dataset} {
		if n := normalize(s); n != "" {
			segments = append(segments, n)
		}
	}
	for _, p := range params {
		if n := normalizeParam(p); n != "" {
			segments = append(segments, n)
		}
	}
	return strings.Join(segments, Separator)
}

// HashParam returns the hashed form of a sensitive parameter.
func HashParam(p string) string {
	sum := sha256.Sum256([]byte(p))
	return HashPrefix + hex.EncodeToString(sum[:])[:hashHexLen]
}

// IsSensitive reports whether a parameter is hashed rather than embedded.
func IsSensitive(p string) bool {
	return strings.ContainsAny(p, "@,")
}

func normalizeParam(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	if IsSensitive(p) {
		return HashParam(p)
	}
	return normalize(p)
}

func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
