// Package distlock serializes rare expensive operations across processes
// using the shared store's atomic set-if-absent.
//
// A lock is SET key token NX EX ttl. Only the holder of token may release it
// early; otherwise the TTL releases it. Contention is not an error: the caller
// is told someone else is doing the work and carries on in a degraded mode.
// When the store itself is down the mutex fails open, because the protected
// operation staying available matters more than strict exclusion while the
// coordination substrate is missing.
package distlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lexops/practiceops/pkg/cachestore"
)

// DefaultTTL replaces a non-positive TTL. A lock without expiry could only
// be released by its holder, so every lock gets one.
const DefaultTTL = time.Minute

// ReasonStoreUnavailable is the Lease reason when the mutex fails open.
const ReasonStoreUnavailable = "lock store unavailable; proceeding without lock"

// Lease is the outcome of an acquire attempt.
type Lease struct {
	Key      string
	Acquired bool
	Reason   string // why the lock was not taken, or why it was taken without the store
	Token    string

	// Release gives the lock back early. It is a no-op when the lease was not
	// acquired or was acquired without the store, and safe to call twice.
	Release func(ctx context.Context) error
}

// Held reports whether the lease is backed by a key in the store.
func (l Lease) Held() bool {
	return l.Acquired && l.Token != ""
}

// Mutex hands out leases on named keys.
type Mutex struct {
	store  cachestore.Store
	logger *slog.Logger
}

// New returns a Mutex backed by store.
func New(store cachestore.Store, logger *slog.Logger) *Mutex {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mutex{store: store, logger: logger.With("component", "distlock")}
}

// Acquire tries once to take the lock. It never blocks waiting for a holder.
func (m *Mutex) Acquire(ctx context.Context, key string, ttl time.Duration) Lease {
	if ttl <= 0 {
		m.logger.Warn("non-positive lock ttl, using default", "key", key, "ttl", ttl, "default", DefaultTTL)
		ttl = DefaultTTL
	}
	token := uuid.NewString()

	ok, err := m.store.SetNX(ctx, key, []byte(token), ttl)
	if err != nil {
		if !errors.Is(err, cachestore.ErrUnavailable) {
			m.logger.Warn("lock attempt failed, proceeding without lock", "key", key, "error", err)
		}
		return Lease{Key: key, Acquired: true, Reason: ReasonStoreUnavailable, Release: noRelease}
	}
	if !ok {
		return Lease{
			Key:      key,
			Acquired: false,
			Reason:   fmt.Sprintf("lock %s is held by another instance", key),
			Release:  noRelease,
		}
	}

	return Lease{
		Key:      key,
		Acquired: true,
		Token:    token,
		Release:  m.releaser(key, token),
	}
}

// Do runs fn only if the lock is acquired, releasing it afterwards. ran is
// false with a reason when another instance holds the lock.
func (m *Mutex) Do(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) (ran bool, reason string, err error) {
	lease := m.Acquire(ctx, key, ttl)
	if !lease.Acquired {
		return false, lease.Reason, nil
	}
	defer func() {
		// Release must still reach the store if ctx was cancelled mid-work.
		if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil {
			m.logger.Warn("lock release failed, waiting for TTL", "key", key, "error", rerr)
		}
	}()
	return true, lease.Reason, fn(ctx)
}

func (m *Mutex) releaser(key, token string) func(context.Context) error {
	var released atomic.Bool
	return func(ctx context.Context) error {
		if !released.CompareAndSwap(false, true) {
			return nil
		}
		ok, err := m.store.CompareAndDelete(ctx, key, []byte(token))
		if err != nil {
			return fmt.Errorf("releasing %s: %w", key, err)
		}
		if !ok {
			m.logger.Debug("lock expired before release", "key", key)
		}
		return nil
	}
}

func noRelease(context.Context) error { return nil }
