// Package cachestore provides the shared key/value store behind the cache
// and lock layers.
//
// The store is an optional accelerator. Every failure to reach it surfaces as
// ErrUnavailable, and callers treat that exactly like "absent" for reads and
// "not written" for writes. Nothing above this package depends on the store
// being up.
package cachestore

import (
	"context"
	"errors"
	"time"

	"github.com/lexops/practiceops/pkg/models"
)

var (
	// ErrUnavailable means the store could not be reached or is cooling down
	// after exhausting its reconnect attempts.
	ErrUnavailable = errors.New("cachestore: store unavailable")

	// ErrAuth means the store rejected the presented credential. It is always
	// returned together with ErrUnavailable.
	ErrAuth = errors.New("cachestore: authentication failed")
)

// Store is a TTL key/value store with the two atomic primitives the lock
// layer needs.
type Store interface {
	// Get returns the value and true, or false when the key is absent.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set writes a value. A non-positive ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX writes the value only if the key is absent, atomically with its
	// expiry. It reports whether the write happened.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// CompareAndDelete deletes the key only if it currently holds value.
	CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error)

	// Delete removes keys and returns how many existed.
	Delete(ctx context.Context, keys ...string) (int, error)

	// DeletePattern removes every key matching a glob and returns the count.
	DeletePattern(ctx context.Context, pattern string) (int, error)

	// Healthy reports whether the store is currently reachable.
	Healthy(ctx context.Context) bool

	// Stats returns operation counters.
	Stats() models.StoreStats

	Close() error
}

// ConnState is the connection lifecycle state of a networked store.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateReady
	StateUnhealthy
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateUnhealthy:
		return "unhealthy"
	case StateClosed:
		return "closed"
	default:
		return "disconnected"
	}
}
