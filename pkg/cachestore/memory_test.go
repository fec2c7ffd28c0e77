package cachestore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestMemoryStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(10)

	if err := s.Set(ctx, "ns:matters", []byte(`{"open":3}`), time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, ok, err := s.Get(ctx, "ns:matters")
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v; want hit", ok, err)
	}
	if string(got) != `{"open":3}` {
		t.Errorf("Get() = %s", got)
	}

	// Returned bytes are a copy.
	got[0] = 'X'
	again, _, _ := s.Get(ctx, "ns:matters")
	if string(again) != `{"open":3}` {
		t.Errorf("stored value mutated through returned slice: %s", again)
	}

	if _, ok, _ := s.Get(ctx, "ns:missing"); ok {
		t.Error("Get() on missing key reported hit")
	}
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := NewMemoryStore(10).WithClock(clock.Now)

	s.Set(ctx, "short", []byte("v"), time.Second)
	s.Set(ctx, "forever", []byte("v"), 0)

	clock.Advance(2 * time.Second)

	if _, ok, _ := s.Get(ctx, "short"); ok {
		t.Error("key with 1s TTL still present after 2s")
	}
	if _, ok, _ := s.Get(ctx, "forever"); !ok {
		t.Error("key without TTL expired")
	}
}

func TestMemoryStore_TTLExpiryRealClock(t *testing.T) {
	if testing.Short() {
		t.Skip("sleeps for two seconds")
	}
	ctx := context.Background()
	s := NewMemoryStore(10)

	s.Set(ctx, "k", []byte("v"), time.Second)
	time.Sleep(2 * time.Second)
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Error("key still present after TTL")
	}
}

func TestMemoryStore_LRUEviction(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(3)

	for i := 0; i < 3; i++ {
		s.Set(ctx, fmt.Sprintf("k%d", i), []byte("v"), time.Minute)
	}
	// Touch k0 so k1 becomes least recently used.
	s.Get(ctx, "k0")
	s.Set(ctx, "k3", []byte("v"), time.Minute)

	if _, ok, _ := s.Get(ctx, "k1"); ok {
		t.Error("k1 should have been evicted")
	}
	for _, k := range []string{"k0", "k2", "k3"} {
		if _, ok, _ := s.Get(ctx, k); !ok {
			t.Errorf("%s should still be present", k)
		}
	}
	if s.Evictions() != 1 {
		t.Errorf("Evictions() = %d, want 1", s.Evictions())
	}
}

func TestMemoryStore_SetNXAndCompareAndDelete(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := NewMemoryStore(10).WithClock(clock.Now)

	ok, _ := s.SetNX(ctx, "lock", []byte("owner-a"), 10*time.Second)
	if !ok {
		t.Fatal("first SetNX should succeed")
	}
	ok, _ = s.SetNX(ctx, "lock", []byte("owner-b"), 10*time.Second)
	if ok {
		t.Fatal("second SetNX should fail while key is held")
	}

	if deleted, _ := s.CompareAndDelete(ctx, "lock", []byte("owner-b")); deleted {
		t.Error("CompareAndDelete with wrong owner deleted the key")
	}
	if deleted, _ := s.CompareAndDelete(ctx, "lock", []byte("owner-a")); !deleted {
		t.Error("CompareAndDelete with owner did not delete the key")
	}

	// Expiry releases the key for the next owner.
	s.SetNX(ctx, "lock", []byte("owner-a"), time.Second)
	clock.Advance(2 * time.Second)
	if ok, _ := s.SetNX(ctx, "lock", []byte("owner-b"), time.Second); !ok {
		t.Error("SetNX should succeed after TTL expiry")
	}
}

func TestMemoryStore_SetNXConcurrent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(10)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, _ := s.SetNX(ctx, "lock", []byte(fmt.Sprint(i)), time.Minute)
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("winners = %d, want 1", winners)
	}
}

func TestMemoryStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(10)
	s.Set(ctx, "a", []byte("1"), time.Minute)
	s.Set(ctx, "b", []byte("2"), time.Minute)

	n, err := s.Delete(ctx, "a", "b", "c")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("Delete() = %d, want 2", n)
	}
}

func TestMemoryStore_DeletePattern(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(10)
	for _, k := range []string{"ns:matters:a", "ns:matters:b", "ns:tasks:a", "ns:matters"} {
		s.Set(ctx, k, []byte("v"), time.Minute)
	}

	n, err := s.DeletePattern(ctx, "ns:matters:*")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("DeletePattern() = %d, want 2", n)
	}
	if _, ok, _ := s.Get(ctx, "ns:tasks:a"); !ok {
		t.Error("unrelated key deleted")
	}
	if _, ok, _ := s.Get(ctx, "ns:matters"); !ok {
		t.Error("bare dataset key should not match ns:matters:*")
	}

	if _, err := s.DeletePattern(ctx, "ns:[bad"); err == nil {
		t.Error("expected error for malformed pattern")
	}
}

func TestMemoryStore_Janitor(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(10)
	s.StartJanitor(10 * time.Millisecond)
	defer s.Close()

	s.Set(ctx, "k", []byte("v"), 20*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after janitor", s.Len())
	}
}

func TestMemoryStore_CloseMarksUnhealthy(t *testing.T) {
	s := NewMemoryStore(10)
	if !s.Healthy(context.Background()) {
		t.Fatal("new store should be healthy")
	}
	s.Close()
	s.Close()
	if s.Healthy(context.Background()) {
		t.Error("closed store should not be healthy")
	}
	if got := s.Stats().State; got != "closed" {
		t.Errorf("Stats().State = %q, want closed", got)
	}
}

func TestOpen_WithoutAddrIsMemory(t *testing.T) {
	s, err := Open(Config{}, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*MemoryStore); !ok {
		t.Errorf("Open() = %T, want *MemoryStore", s)
	}
}

func TestNewCredentials(t *testing.T) {
	tests := []struct {
		name     string
		mode     string
		password string
		wantNil  bool
		wantErr  bool
	}{
		{"none", CredentialNone, "", true, false},
		{"empty mode", "", "", true, false},
		{"static", CredentialStatic, "pw", false, false},
		{"static without password", CredentialStatic, "", true, true},
		{"unknown", "kerberos", "", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewCredentials(Config{CredentialMode: tt.mode}, tt.password)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewCredentials() error = %v, wantErr %v", err, tt.wantErr)
			}
			if (m == nil) != tt.wantNil {
				t.Errorf("NewCredentials() nil = %v, want %v", m == nil, tt.wantNil)
			}
		})
	}
}
