// Package models provides the data models shared by the cache layer and the
// services built on it.
//
// Design Philosophy:
// - Entries are immutable once written; a refresh overwrites the whole entry
// - Expiry is carried as whole seconds so it survives any store encoding
// - No Encore imports, so pkg/ stays usable from every service
package models

import (
	"time"
)

// DefaultTTL is used when a caller does not name a TTL.
const DefaultTTL = 15 * time.Minute

// Entry is the envelope ReadThroughCache writes to the shared store.
//
// Key is the unique identity. Value holds the computed payload byte-for-byte;
// the cache never inspects it.
type Entry struct {
	Key        string    `json:"key"`
	Value      []byte    `json:"value"`
	CachedAt   time.Time `json:"cached_at"`
	TTLSeconds int       `json:"ttl_seconds"`
}

// NewEntry creates an entry stamped with the current time.
// Sub-second TTLs round up to one second; zero means DefaultTTL.
func NewEntry(key string, value []byte, ttl time.Duration) *Entry {
	return &Entry{
		Key:        key,
		Value:      value,
		CachedAt:   time.Now().UTC(),
		TTLSeconds: TTLSeconds(ttl),
	}
}

// TTLSeconds converts a TTL into the whole seconds stored on an entry.
func TTLSeconds(ttl time.Duration) int {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	secs := int(ttl / time.Second)
	if ttl%time.Second != 0 {
		secs++
	}
	return secs
}

// TTL returns the entry lifetime.
func (e *Entry) TTL() time.Duration {
	return time.Duration(e.TTLSeconds) * time.Second
}

// ExpiresAt returns the absolute expiration time.
func (e *Entry) ExpiresAt() time.Time {
	return e.CachedAt.Add(e.TTL())
}

// IsExpired checks the entry against now.
// The shared store enforces expiry on its own; this is for local copies.
func (e *Entry) IsExpired(now time.Time) bool {
	return now.After(e.ExpiresAt())
}

// Age returns how long ago the entry was computed.
func (e *Entry) Age(now time.Time) time.Duration {
	if e.CachedAt.IsZero() {
		return 0
	}
	return now.Sub(e.CachedAt)
}
