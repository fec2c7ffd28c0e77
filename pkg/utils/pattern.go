package utils

// This file implements glob matching for cache keys with the same semantics
// the shared store uses for SCAN MATCH, so a pattern delete behaves the same
// against the in-memory store and the Redis store:
//   - "*"     any run of characters (including ":")
//   - "?"     exactly one character
//   - "[abc]" one character from the class, "[^a]" negated
//   - "\x"    literal x
//
// Design Notes:
//   - Patterns without metacharacters compare exactly (fast path)
//   - "prefix*" patterns use strings.HasPrefix (fast path, the usual shape
//     produced by cachekey.Builder.DatasetPattern)
//   - Everything else compiles to an anchored regexp, cached in a sync.Map

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// regexCache caches compiled globs. Patterns come from a small fixed set of
// dataset prefixes, so it is left unbounded.
var regexCache sync.Map

// MatchPattern reports whether key matches the glob pattern.
func MatchPattern(pattern, key string) (bool, error) {
	if pattern == "" {
		return false, fmt.Errorf("pattern cannot be empty")
	}

	if !hasGlobMeta(pattern) {
		return pattern == key, nil
	}

	if pattern == "*" {
		return true, nil
	}

	if prefix, ok := simplePrefix(pattern); ok {
		return strings.HasPrefix(key, prefix), nil
	}

	re, err := compileGlob(pattern)
	if err != nil {
		return false, err
	}
	return re.MatchString(key), nil
}

// FilterKeys returns all keys matching the given pattern.
func FilterKeys(pattern string, keys []string) ([]string, error) {
	if pattern == "" {
		return nil, fmt.Errorf("pattern cannot be empty")
	}

	result := make([]string, 0)
	for _, key := range keys {
		match, err := MatchPattern(pattern, key)
		if err != nil {
			return nil, err
		}
		if match {
			result = append(result, key)
		}
	}
	return result, nil
}

func hasGlobMeta(pattern string) bool {
	return strings.ContainsAny(pattern, `*?[\`)
}

// simplePrefix recognises "literal*" patterns.
func simplePrefix(pattern string) (string, bool) {
	if !strings.HasSuffix(pattern, "*") {
		return "", false
	}
	prefix := pattern[:len(pattern)-1]
	if hasGlobMeta(prefix) {
		return "", false
	}
	return prefix, true
}

func compileGlob(pattern string) (*regexp.Regexp, error) {
	if cached, ok := regexCache.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}

	expr, err := globToRegex(pattern)
	if err != nil {
		return nil, err
	}
	re, err := regexp.Compile("^" + expr + "$")
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	regexCache.Store(pattern, re)
	return re, nil
}

// globToRegex converts a glob pattern to a regexp body.
//
// Example: "ns:*:h-??" -> "ns:.*:h-.."
func globToRegex(pattern string) (string, error) {
	var result strings.Builder
	result.Grow(len(pattern) * 2)

	for i := 0; i < len(pattern); i++ {
		ch := pattern[i]
		switch ch {
		case '*':
			result.WriteString(".*")
		case '?':
			result.WriteString(".")
		case '\\':
			if i+1 >= len(pattern) {
				return "", fmt.Errorf("invalid pattern %q: trailing escape", pattern)
			}
			i++
			result.WriteString(regexp.QuoteMeta(string(pattern[i])))
		case '[':
			end := strings.IndexByte(pattern[i+1:], ']')
			if end < 0 {
				return "", fmt.Errorf("invalid pattern %q: unterminated class", pattern)
			}
			class := pattern[i+1 : i+1+end]
			negate := strings.HasPrefix(class, "^")
			if negate {
				class = class[1:]
			}
			result.WriteByte('[')
			if negate {
				result.WriteByte('^')
			}
			result.WriteString(strings.ReplaceAll(class, `\`, `\\`))
			result.WriteByte(']')
			i += end + 1
		default:
			result.WriteString(regexp.QuoteMeta(string(ch)))
		}
	}

	return result.String(), nil
}

// ClearRegexCache clears the compiled pattern cache.
func ClearRegexCache() {
	regexCache.Range(func(key, value interface{}) bool {
		regexCache.Delete(key)
		return true
	})
}

// RegexCacheSize returns the number of cached compiled patterns.
func RegexCacheSize() int {
	count := 0
	regexCache.Range(func(key, value interface{}) bool {
		count++
		return true
	})
	return count
}
