package cachestore

import (
	"bytes"
	"container/list"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lexops/practiceops/pkg/models"
	"github.com/lexops/practiceops/pkg/utils"
)

// DefaultMemoryEntries bounds a MemoryStore created with a non-positive size.
const DefaultMemoryEntries = 10000

type memEntry struct {
	key       string
	value     []byte
	expiresAt time.Time // zero means no expiry
	element   *list.Element
}

func (e *memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore is a process-local Store with LRU eviction and lazy TTL
// expiry. It backs deployments without a shared cache endpoint and tests.
//
// Trade-offs:
//   - A single mutex guards the map and list; fine for the few thousand keys
//     a single instance caches
//   - Expired entries are dropped on access and by the optional janitor
type MemoryStore struct {
	mu         sync.Mutex
	entries    map[string]*memEntry
	lru        *list.List
	maxEntries int
	now        func() time.Time

	gets, sets, deletes, evictions atomic.Uint64

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewMemoryStore creates a store holding at most maxEntries keys.
func NewMemoryStore(maxEntries int) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = DefaultMemoryEntries
	}
	return &MemoryStore{
		entries:    make(map[string]*memEntry, maxEntries),
		lru:        list.New(),
		maxEntries: maxEntries,
		now:        time.Now,
		stopChan:   make(chan struct{}),
	}
}

// WithClock replaces the time source, for tests.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

// StartJanitor removes expired entries every interval until Close.
func (m *MemoryStore) StartJanitor(interval time.Duration) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopChan:
				return
			case <-ticker.C:
				m.CleanupExpired()
			}
		}
	}()
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.gets.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.liveLocked(key)
	if !ok {
		return nil, false, nil
	}
	m.lru.MoveToFront(e.element)
	return bytes.Clone(e.value), true, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return fmt.Errorf("cachestore: empty key")
	}
	m.sets.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(key, value, ttl)
	return nil
}

func (m *MemoryStore) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("cachestore: empty key")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.liveLocked(key); ok {
		return false, nil
	}
	m.sets.Add(1)
	m.setLocked(key, value, ttl)
	return true, nil
}

func (m *MemoryStore) CompareAndDelete(_ context.Context, key string, value []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.liveLocked(key)
	if !ok || !bytes.Equal(e.value, value) {
		return false, nil
	}
	m.deleteLocked(key)
	m.deletes.Add(1)
	return true, nil
}

func (m *MemoryStore) Delete(_ context.Context, keys ...string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, key := range keys {
		if _, ok := m.liveLocked(key); ok {
			m.deleteLocked(key)
			count++
		}
	}
	m.deletes.Add(uint64(count))
	return count, nil
}

// DeletePattern removes keys matching a glob with the same semantics as
// Redis SCAN MATCH.
func (m *MemoryStore) DeletePattern(_ context.Context, pattern string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Collect first so the map is not modified while ranging over it.
	var toDelete []string
	now := m.now()
	for key, e := range m.entries {
		if e.expired(now) {
			continue
		}
		match, err := utils.MatchPattern(pattern, key)
		if err != nil {
			return 0, fmt.Errorf("cachestore: %w", err)
		}
		if match {
			toDelete = append(toDelete, key)
		}
	}

	for _, key := range toDelete {
		m.deleteLocked(key)
	}
	m.deletes.Add(uint64(len(toDelete)))
	return len(toDelete), nil
}

func (m *MemoryStore) Healthy(context.Context) bool {
	select {
	case <-m.stopChan:
		return false
	default:
		return true
	}
}

func (m *MemoryStore) Stats() models.StoreStats {
	healthy := m.Healthy(context.Background())
	state := StateReady
	if !healthy {
		state = StateClosed
	}
	return models.StoreStats{
		State:   state.String(),
		Healthy: healthy,
		Gets:    m.gets.Load(),
		Sets:    m.sets.Load(),
		Deletes: m.deletes.Load(),
	}
}

// Close stops the janitor. The data stays readable.
func (m *MemoryStore) Close() error {
	m.stopOnce.Do(func() { close(m.stopChan) })
	m.wg.Wait()
	return nil
}

// CleanupExpired removes all expired entries and returns how many.
func (m *MemoryStore) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var expired []string
	for key, e := range m.entries {
		if e.expired(now) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		m.deleteLocked(key)
	}
	m.evictions.Add(uint64(len(expired)))
	return len(expired)
}

// Len returns the number of stored entries, expired or not.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Evictions returns how many entries were dropped for capacity or expiry.
func (m *MemoryStore) Evictions() uint64 {
	return m.evictions.Load()
}

// liveLocked returns the entry if present and unexpired, dropping it if it
// has expired. Must be called with mu held.
func (m *MemoryStore) liveLocked(key string) (*memEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if e.expired(m.now()) {
		m.deleteLocked(key)
		m.evictions.Add(1)
		return nil, false
	}
	return e, true
}

// setLocked stores a copy of value, evicting the LRU entry at capacity.
func (m *MemoryStore) setLocked(key string, value []byte, ttl time.Duration) {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = m.now().Add(ttl)
	}

	if e, ok := m.entries[key]; ok {
		e.value = bytes.Clone(value)
		e.expiresAt = expiresAt
		m.lru.MoveToFront(e.element)
		return
	}

	if m.lru.Len() >= m.maxEntries {
		m.evictLRULocked()
	}

	e := &memEntry{key: key, value: bytes.Clone(value), expiresAt: expiresAt}
	e.element = m.lru.PushFront(e)
	m.entries[key] = e
}

func (m *MemoryStore) deleteLocked(key string) {
	e, ok := m.entries[key]
	if !ok {
		return
	}
	m.lru.Remove(e.element)
	delete(m.entries, key)
}

func (m *MemoryStore) evictLRULocked() {
	oldest := m.lru.Back()
	if oldest == nil {
		return
	}
	e := oldest.Value.(*memEntry)
	m.lru.Remove(oldest)
	delete(m.entries, e.key)
	m.evictions.Add(1)
}
