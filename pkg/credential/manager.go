package credential

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle state of a managed credential.
type State int

const (
	StateInvalid State = iota
	StateValid
	StateRefreshing
)

func (s State) String() string {
	switch s {
	case StateValid:
		return "valid"
	case StateRefreshing:
		return "refreshing"
	default:
		return "invalid"
	}
}

// Manager caches one credential from a Provider. Refreshes run in a single
// goroutine owned by the manager; every caller that needs the new value waits
// on that one refresh instead of starting its own.
type Manager struct {
	provider       Provider
	margin         time.Duration
	refreshTimeout time.Duration
	logger         *slog.Logger
	now            func() time.Time

	mu     sync.Mutex
	cred   Credential
	state  State
	flight *refreshCall

	refreshes atomic.Int64
	failures  atomic.Int64
}

type refreshCall struct {
	done chan struct{}
	cred Credential
	err  error
}

// Option configures a Manager.
type Option func(*Manager)

// WithRefreshMargin overrides DefaultRefreshMargin.
func WithRefreshMargin(d time.Duration) Option {
	return func(m *Manager) {
		m.margin = d
	}
}

// WithRefreshTimeout bounds a single provider call.
func WithRefreshTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.refreshTimeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager returns a Manager in the Invalid state. Nothing is fetched until
// the first Get.
func NewManager(p Provider, opts ...Option) *Manager {
	m := &Manager{
		provider:       p,
		margin:         DefaultRefreshMargin,
		refreshTimeout: 30 * time.Second,
		logger:         slog.Default(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "credential")
	return m
}

// Get returns a usable credential. A credential inside the refresh margin but
// not yet expired is returned immediately while a background refresh replaces
// it; an expired or invalidated one blocks until the refresh settles.
func (m *Manager) Get(ctx context.Context) (Credential, error) {
	m.mu.Lock()
	now := m.now()
	if m.state != StateInvalid && !m.cred.Expired(now) && m.cred.Secret != "" {
		if m.cred.NeedsRefresh(now, m.margin) {
			m.startRefreshLocked()
		}
		cred := m.cred
		m.mu.Unlock()
		return cred, nil
	}
	call := m.startRefreshLocked()
	m.mu.Unlock()

	return m.wait(ctx, call)
}

// Refresh discards the cached credential and waits for a new one. Concurrent
// callers share a single provider call.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	if m.flight == nil {
		m.state = StateInvalid
	}
	call := m.startRefreshLocked()
	m.mu.Unlock()

	_, err := m.wait(ctx, call)
	return err
}

// Invalidate marks the cached credential unusable so the next Get fetches a
// new one.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.flight == nil {
		m.state = StateInvalid
	}
	m.cred = Credential{}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Refreshes returns how many provider calls have been made.
func (m *Manager) Refreshes() int64 {
	return m.refreshes.Load()
}

// startRefreshLocked returns the in-flight refresh, starting one if needed.
// Must be called with mu held.
func (m *Manager) startRefreshLocked() *refreshCall {
	if m.flight != nil {
		return m.flight
	}
	call := &refreshCall{done: make(chan struct{})}
	m.flight = call
	m.state = StateRefreshing
	go m.refresh(call)
	return call
}

func (m *Manager) refresh(call *refreshCall) {
	ctx, cancel := context.WithTimeout(context.Background(), m.refreshTimeout)
	defer cancel()

	m.refreshes.Add(1)
	cred, err := m.provider.Fetch(ctx)

	m.mu.Lock()
	if err != nil {
		m.failures.Add(1)
		m.state = StateInvalid
		m.cred = Credential{}
		call.err = fmt.Errorf("refreshing credential: %w", err)
		m.logger.Warn("credential refresh failed", "error", err)
	} else {
		m.state = StateValid
		m.cred = cred
		call.cred = cred
		m.logger.Debug("credential refreshed", "principal", cred.Principal, "expires_at", cred.ExpiresAt)
	}
	m.flight = nil
	m.mu.Unlock()

	close(call.done)
}

func (m *Manager) wait(ctx context.Context, call *refreshCall) (Credential, error) {
	select {
	case <-call.done:
		return call.cred, call.err
	case <-ctx.Done():
		return Credential{}, ctx.Err()
	}
}
