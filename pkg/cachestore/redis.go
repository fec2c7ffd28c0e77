package cachestore

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/lexops/practiceops/pkg/credential"
	"github.com/lexops/practiceops/pkg/models"
)

// releaseScript deletes KEYS[1] only while it still holds ARGV[1].
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore is a Store over a Redis-compatible server.
//
// Connection lifecycle:
//
//	Disconnected ──▶ Connecting ──ping ok──▶ Ready
//	     ▲               │                     │
//	     │        attempts exhausted     transport error
//	     │               ▼                     │
//	     └──cooldown── Unhealthy               │
//	     ▲─────────────────────────────────────┘
//
// Concurrent callers arriving while a connection is being set up wait on that
// single attempt. During the cooldown every operation fails fast with
// ErrUnavailable.
type RedisStore struct {
	cfg     Config
	creds   *credential.Manager
	logger  *slog.Logger
	authLog *rate.Sometimes
	connect singleflight.Group

	mu             sync.Mutex
	client         *redis.Client
	state          ConnState
	unhealthyUntil time.Time

	gets, sets, deletes, failures, connects, authFailures atomic.Uint64
}

// Option configures a RedisStore.
type Option func(*RedisStore)

// WithCredentials authenticates every new connection with the manager's
// current credential: principal as username, secret as password.
func WithCredentials(m *credential.Manager) Option {
	return func(s *RedisStore) {
		s.creds = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *RedisStore) {
		s.logger = l
	}
}

// NewRedisStore creates a store. No connection is opened until first use.
func NewRedisStore(cfg Config, opts ...Option) *RedisStore {
	s := &RedisStore{
		cfg:     cfg.withDefaults(),
		logger:  slog.Default(),
		authLog: &rate.Sometimes{Interval: time.Minute},
		state:   StateDisconnected,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "cachestore", "addr", s.cfg.Addr)
	return s
}

// State returns the connection state.
func (s *RedisStore) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.gets.Add(1)
	var (
		val []byte
		hit bool
	)
	err := s.do(ctx, "get", func(ctx context.Context, c *redis.Client) error {
		b, err := c.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			val, hit = nil, false
			return nil
		}
		if err != nil {
			return err
		}
		val, hit = b, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return val, hit, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.sets.Add(1)
	return s.do(ctx, "set", func(ctx context.Context, c *redis.Client) error {
		return c.Set(ctx, key, value, positive(ttl)).Err()
	})
}

// SetNX issues SET key value NX EX ttl.
func (s *RedisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.sets.Add(1)
	var ok bool
	err := s.do(ctx, "setnx", func(ctx context.Context, c *redis.Client) error {
		var err error
		ok, err = c.SetNX(ctx, key, value, positive(ttl)).Result()
		return err
	})
	return ok, err
}

func (s *RedisStore) CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error) {
	var n int64
	err := s.do(ctx, "compare-and-delete", func(ctx context.Context, c *redis.Client) error {
		var err error
		n, err = releaseScript.Run(ctx, c, []string{key}, value).Int64()
		return err
	})
	if err != nil {
		return false, err
	}
	s.deletes.Add(uint64(n))
	return n > 0, nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	var n int64
	err := s.do(ctx, "delete", func(ctx context.Context, c *redis.Client) error {
		var err error
		n, err = c.Del(ctx, keys...).Result()
		return err
	})
	if err != nil {
		return 0, err
	}
	s.deletes.Add(uint64(n))
	return int(n), nil
}

// DeletePattern collects every key matching pattern with SCAN MATCH, then
// deletes them in batches of ScanBatch keys. The keyspace is not modified
// while the cursor is walking it. Keys written during the walk may survive.
func (s *RedisStore) DeletePattern(ctx context.Context, pattern string) (int, error) {
	if pattern == "" {
		return 0, fmt.Errorf("cachestore: empty pattern")
	}
	var total int64
	err := s.do(ctx, "delete-pattern", func(ctx context.Context, c *redis.Client) error {
		total = 0
		var matched []string
		iter := c.Scan(ctx, 0, pattern, s.cfg.ScanBatch).Iterator()
		for iter.Next(ctx) {
			matched = append(matched, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return err
		}

		batch := int(s.cfg.ScanBatch)
		if batch <= 0 {
			batch = len(matched)
		}
		for start := 0; start < len(matched); start += batch {
			end := min(start+batch, len(matched))
			n, err := c.Del(ctx, matched[start:end]...).Result()
			total += n
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return int(total), err
	}
	s.deletes.Add(uint64(total))
	return int(total), nil
}

func (s *RedisStore) Healthy(ctx context.Context) bool {
	err := s.do(ctx, "ping", func(ctx context.Context, c *redis.Client) error {
		return c.Ping(ctx).Err()
	})
	return err == nil
}

func (s *RedisStore) Stats() models.StoreStats {
	state := s.State()
	return models.StoreStats{
		State:        state.String(),
		Healthy:      state == StateReady,
		Gets:         s.gets.Load(),
		Sets:         s.sets.Load(),
		Deletes:      s.deletes.Load(),
		Errors:       s.failures.Load(),
		Connects:     s.connects.Load(),
		AuthFailures: s.authFailures.Load(),
	}
}

// Close closes the client. Every later operation returns ErrUnavailable.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateClosed
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

// do runs op against a ready client. An authentication failure invalidates
// the credential and the client, then op is retried once on a fresh
// connection. Transport failures drop the client and return ErrUnavailable.
func (s *RedisStore) do(ctx context.Context, name string, op func(context.Context, *redis.Client) error) error {
	for attempt := 0; ; attempt++ {
		c, err := s.conn(ctx)
		if err != nil {
			s.failures.Add(1)
			return err
		}

		opCtx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
		err = op(opCtx, c)
		cancel()
		if err == nil {
			return nil
		}

		if isAuthError(err) {
			s.authFailed(c, err)
			if attempt == 0 {
				continue
			}
			s.failures.Add(1)
			return fmt.Errorf("%w: %w: %s", ErrUnavailable, ErrAuth, name)
		}

		s.failures.Add(1)
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %s: %v", ErrUnavailable, name, ctx.Err())
		}
		var replyErr redis.Error
		if errors.As(err, &replyErr) {
			return fmt.Errorf("cachestore: %s: %w", name, err)
		}
		s.dropClient(c)
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, name, err)
	}
}

// conn returns the ready client, connecting if needed.
func (s *RedisStore) conn(ctx context.Context) (*redis.Client, error) {
	s.mu.Lock()
	switch {
	case s.state == StateClosed:
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: closed", ErrUnavailable)
	case s.state == StateReady && s.client != nil:
		c := s.client
		s.mu.Unlock()
		return c, nil
	case s.state == StateUnhealthy && time.Now().Before(s.unhealthyUntil):
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: cooling down after failed reconnects", ErrUnavailable)
	}
	s.mu.Unlock()

	ch := s.connect.DoChan("connect", s.dial)
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*redis.Client), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
	}
}

// dial opens a new client, retrying with exponential backoff. It runs detached
// from any caller's context because several callers share it.
func (s *RedisStore) dial() (interface{}, error) {
	s.mu.Lock()
	if s.state == StateReady && s.client != nil {
		c := s.client
		s.mu.Unlock()
		return c, nil
	}
	s.state = StateConnecting
	s.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxReconnectAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(s.backoff(attempt))
		}

		c := redis.NewClient(s.options())
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DialTimeout)
		err := c.Ping(ctx).Err()
		cancel()
		if err == nil {
			s.mu.Lock()
			if s.state == StateClosed {
				s.mu.Unlock()
				_ = c.Close()
				return nil, fmt.Errorf("%w: closed", ErrUnavailable)
			}
			s.client = c
			s.state = StateReady
			s.mu.Unlock()
			s.connects.Add(1)
			s.logger.Info("cache store connected", "attempt", attempt+1)
			return c, nil
		}

		if isAuthError(err) {
			s.authFailed(nil, err)
		} else {
			s.logger.Warn("cache store connect failed", "attempt", attempt+1, "error", err)
		}
		_ = c.Close()
		lastErr = err
	}

	s.mu.Lock()
	if s.state != StateClosed {
		s.state = StateUnhealthy
		s.unhealthyUntil = time.Now().Add(s.cfg.ReconnectCooldown)
	}
	s.mu.Unlock()
	s.logger.Error("cache store unavailable, serving without cache",
		"attempts", s.cfg.MaxReconnectAttempts,
		"cooldown", s.cfg.ReconnectCooldown,
		"error", lastErr)

	if isAuthError(lastErr) {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, ErrAuth)
	}
	return nil, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func (s *RedisStore) options() *redis.Options {
	opts := &redis.Options{
		Addr:         s.cfg.Addr,
		Username:     s.cfg.Username,
		DB:           s.cfg.DB,
		DialTimeout:  s.cfg.DialTimeout,
		ReadTimeout:  s.cfg.OperationTimeout,
		WriteTimeout: s.cfg.OperationTimeout,
		MaxRetries:   -1,
	}
	if s.cfg.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if s.creds != nil {
		creds := s.creds
		opts.CredentialsProviderContext = func(ctx context.Context) (string, string, error) {
			cred, err := creds.Get(ctx)
			if err != nil {
				return "", "", err
			}
			return cred.Principal, cred.Secret, nil
		}
	}
	return opts
}

// backoff returns BackoffBase doubled per attempt, capped at BackoffMax, with
// up to 20% jitter.
func (s *RedisStore) backoff(attempt int) time.Duration {
	d := s.cfg.BackoffBase << (attempt - 1)
	if d <= 0 || d > s.cfg.BackoffMax {
		d = s.cfg.BackoffMax
	}
	jitter := time.Duration(rand.Int64N(int64(d)/5 + 1))
	return d - jitter
}

// authFailed invalidates the cached credential and the client. The log line
// is throttled; the retry is not.
func (s *RedisStore) authFailed(c *redis.Client, err error) {
	s.authFailures.Add(1)
	if s.creds != nil {
		s.creds.Invalidate()
	}
	if c != nil {
		s.dropClient(c)
	}
	s.authLog.Do(func() {
		s.logger.Error("cache store rejected credential", "error", err)
	})
}

// dropClient moves Ready to Disconnected if c is still the current client.
func (s *RedisStore) dropClient(c *redis.Client) {
	s.mu.Lock()
	if s.client == c {
		s.client = nil
		if s.state == StateReady {
			s.state = StateDisconnected
		}
	}
	s.mu.Unlock()
	go c.Close()
}

func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.HasPrefix(msg, "WRONGPASS") ||
		strings.HasPrefix(msg, "NOAUTH") ||
		strings.Contains(msg, "invalid username-password")
}

func positive(ttl time.Duration) time.Duration {
	if ttl < 0 {
		return 0
	}
	return ttl
}
