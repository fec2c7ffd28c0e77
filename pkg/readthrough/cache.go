// Package readthrough is a generic memoization boundary over a
// cachestore.Store.
//
// GetOrCompute reads the store, and on a miss runs the caller's compute
// function at most once per key per process at a time, writing its result
// back best-effort. The store is optional: any store error degrades to a
// direct compute whose result is returned without caching.
//
// Successful computes are also kept as process-local stale copies for a
// bounded window. When a later compute fails, the stale copy is served with
// Result.Stale set instead of the error.
package readthrough

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/lexops/practiceops/pkg/cachestore"
	"github.com/lexops/practiceops/pkg/models"
	"github.com/lexops/practiceops/pkg/utils"
)

// Compute produces the value for a key on a miss.
type Compute func(ctx context.Context) ([]byte, error)

// Result is a value plus where it came from.
type Result struct {
	Value    []byte
	Cached   bool      // read from the store
	CachedAt time.Time // when the value was computed
	Stale    bool      // compute failed; this is the last good value
}

// Config tunes a Cache.
type Config struct {
	// StaleWindow is how long a computed value stays available as a
	// fallback. Zero disables stale copies.
	StaleWindow time.Duration `mapstructure:"stale_window"`

	// StaleCapacity bounds the number of stale copies kept.
	StaleCapacity uint64 `mapstructure:"stale_capacity"`
}

// DefaultConfig returns the settings used by the services.
func DefaultConfig() Config {
	return Config{
		StaleWindow:   24 * time.Hour,
		StaleCapacity: 1000,
	}
}

type computed struct {
	value []byte
	at    time.Time
}

// Cache is a read-through cache. It is safe for concurrent use; each Cache
// owns its own in-flight registry and stale copies.
type Cache struct {
	store    cachestore.Store
	inflight *InFlightRegistry[computed]
	stale    *ttlcache.Cache[string, computed]
	logger   *slog.Logger

	hits, misses, coalesced, computes    atomic.Uint64
	storeErrors, writeFailures, staleHit atomic.Uint64

	latencyMu sync.Mutex
	latency   models.LatencySummary
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = l
	}
}

// New creates a Cache over store.
func New(store cachestore.Store, cfg Config, opts ...Option) *Cache {
	c := &Cache{
		store:    store,
		inflight: NewInFlightRegistry[computed](),
		logger:   slog.Default(),
	}
	if cfg.StaleWindow > 0 {
		stOpts := []ttlcache.Option[string, computed]{
			ttlcache.WithTTL[string, computed](cfg.StaleWindow),
			ttlcache.WithDisableTouchOnHit[string, computed](),
		}
		if cfg.StaleCapacity > 0 {
			stOpts = append(stOpts, ttlcache.WithCapacity[string, computed](cfg.StaleCapacity))
		}
		c.stale = ttlcache.New(stOpts...)
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "readthrough")
	return c
}

// GetOrCompute returns the cached value for key, or computes, stores and
// returns it. Concurrent misses for the same key share one compute. A caller
// whose store read failed computes on its own and never joins or starts a
// shared flight, so every shared flight writes its result.
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute Compute) (Result, error) {
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.storeErrors.Add(1)
		c.logger.Debug("store read failed, computing without cache", "key", key, "error", err)
		return c.direct(ctx, key, compute)
	}

	if ok {
		entry, err := utils.UnmarshalEntry(raw)
		if err == nil {
			c.hits.Add(1)
			return Result{Value: entry.Value, Cached: true, CachedAt: entry.CachedAt}, nil
		}
		c.logger.Warn("discarding unreadable cache entry", "key", key, "error", err)
	}

	c.misses.Add(1)
	return c.fill(ctx, key, ttl, compute)
}

// Refresh recomputes key without reading the store first and writes the new
// value. It still joins a compute already running for key.
func (c *Cache) Refresh(ctx context.Context, key string, ttl time.Duration, compute Compute) (Result, error) {
	c.misses.Add(1)
	return c.fill(ctx, key, ttl, compute)
}

// fill runs compute through the in-flight registry and writes the result.
func (c *Cache) fill(ctx context.Context, key string, ttl time.Duration, compute Compute) (Result, error) {
	v, shared, err := c.inflight.Do(ctx, key, func() (computed, error) {
		out, err := c.run(ctx, key, compute)
		if err != nil {
			return computed{}, err
		}
		c.write(ctx, key, out, ttl)
		return out, nil
	})
	if shared {
		c.coalesced.Add(1)
	}
	return c.result(key, v, err)
}

// direct runs compute outside the registry and does not write.
func (c *Cache) direct(ctx context.Context, key string, compute Compute) (Result, error) {
	v, err := c.run(ctx, key, compute)
	return c.result(key, v, err)
}

func (c *Cache) run(ctx context.Context, key string, compute Compute) (computed, error) {
	c.computes.Add(1)
	start := time.Now()
	value, err := compute(ctx)
	c.observe(time.Since(start))
	if err != nil {
		return computed{}, err
	}
	out := computed{value: value, at: time.Now()}
	if c.stale != nil {
		c.stale.Set(key, out, ttlcache.DefaultTTL)
	}
	return out, nil
}

// result turns a compute outcome into a Result, serving the stale copy when
// the compute failed.
func (c *Cache) result(key string, v computed, err error) (Result, error) {
	if err != nil {
		if prev, ok := c.staleCopy(key); ok {
			c.staleHit.Add(1)
			c.logger.Warn("compute failed, serving stale value",
				"key", key, "age", time.Since(prev.at).Round(time.Second), "error", err)
			return Result{Value: prev.value, CachedAt: prev.at, Stale: true}, nil
		}
		return Result{}, err
	}
	return Result{Value: v.value, CachedAt: v.at}, nil
}

// write stores a computed value. Failures are logged and counted only.
func (c *Cache) write(ctx context.Context, key string, v computed, ttl time.Duration) {
	entry := &models.Entry{Key: key, Value: v.value, CachedAt: v.at, TTLSeconds: models.TTLSeconds(ttl)}
	data, err := utils.MarshalEntry(entry)
	if err == nil {
		err = c.store.Set(ctx, key, data, entry.TTL())
	}
	if err != nil {
		c.writeFailures.Add(1)
		c.logger.Warn("cache write failed", "key", key, "error", err)
	}
}

func (c *Cache) observe(d time.Duration) {
	c.latencyMu.Lock()
	models.UpdateLatency(&c.latency, d)
	c.latencyMu.Unlock()
}

func (c *Cache) staleCopy(key string) (computed, bool) {
	if c.stale == nil {
		return computed{}, false
	}
	item := c.stale.Get(key)
	if item == nil {
		return computed{}, false
	}
	return item.Value(), true
}

// Forget drops the stale copies of keys.
func (c *Cache) Forget(keys ...string) {
	if c.stale == nil {
		return
	}
	for _, key := range keys {
		c.stale.Delete(key)
	}
}

// ForgetPrefix drops every stale copy whose key starts with prefix and
// returns how many were dropped.
func (c *Cache) ForgetPrefix(prefix string) int {
	if c.stale == nil {
		return 0
	}
	n := 0
	for _, key := range c.stale.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.stale.Delete(key)
			n++
		}
	}
	return n
}

// ForgetPattern drops every stale copy whose key matches a glob.
func (c *Cache) ForgetPattern(pattern string) (int, error) {
	if c.stale == nil {
		return 0, nil
	}
	n := 0
	for _, key := range c.stale.Keys() {
		match, err := utils.MatchPattern(pattern, key)
		if err != nil {
			return n, err
		}
		if match {
			c.stale.Delete(key)
			n++
		}
	}
	return n, nil
}

// Store returns the underlying store.
func (c *Cache) Store() cachestore.Store {
	return c.store
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() models.CacheStats {
	c.latencyMu.Lock()
	latency := c.latency
	c.latencyMu.Unlock()

	s := models.NewCacheStats(
		c.hits.Load(),
		c.misses.Load(),
		c.coalesced.Load(),
		c.computes.Load(),
		c.storeErrors.Load(),
		c.writeFailures.Load(),
		c.staleHit.Load(),
		c.inflight.InFlight(),
	)
	s.ComputeLatency = latency
	return s
}

// GetOrComputeJSON is GetOrCompute for values that round-trip through JSON.
func GetOrComputeJSON[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, compute func(ctx context.Context) (T, error)) (T, Result, error) {
	var out T
	res, err := c.GetOrCompute(ctx, key, ttl, func(ctx context.Context) ([]byte, error) {
		v, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})
	if err != nil {
		return out, res, err
	}
	if err := json.Unmarshal(res.Value, &out); err != nil {
		return out, res, fmt.Errorf("decoding cached value for %s: %w", key, err)
	}
	return out, res, nil
}
