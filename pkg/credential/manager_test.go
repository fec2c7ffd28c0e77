package credential

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// countingProvider returns credentials from a generator and counts calls.
type countingProvider struct {
	calls   atomic.Int64
	release chan struct{}
	next    func(n int64) (Credential, error)
}

func (p *countingProvider) Fetch(ctx context.Context) (Credential, error) {
	n := p.calls.Add(1)
	if p.release != nil {
		<-p.release
	}
	return p.next(n)
}

func TestManager_ConcurrentGetSharesOneRefresh(t *testing.T) {
	p := &countingProvider{
		release: make(chan struct{}),
		next: func(n int64) (Credential, error) {
			return Credential{Secret: "tok", ExpiresAt: time.Now().Add(time.Hour)}, nil
		},
	}
	m := NewManager(p)

	const callers = 20
	var wg sync.WaitGroup
	results := make(chan Credential, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cred, err := m.Get(context.Background())
			if err != nil {
				t.Errorf("Get() error = %v", err)
				return
			}
			results <- cred
		}()
	}

	time.Sleep(50 * time.Millisecond)
	if m.State() != StateRefreshing {
		t.Errorf("State() = %v, want refreshing", m.State())
	}
	close(p.release)
	wg.Wait()
	close(results)

	for cred := range results {
		if cred.Secret != "tok" {
			t.Errorf("Secret = %q, want tok", cred.Secret)
		}
	}
	if got := p.calls.Load(); got != 1 {
		t.Errorf("provider calls = %d, want 1", got)
	}
	if m.State() != StateValid {
		t.Errorf("State() = %v, want valid", m.State())
	}
}

func TestManager_StaticNeverRefreshes(t *testing.T) {
	p := &countingProvider{next: func(int64) (Credential, error) {
		return StaticProvider{Secret: "pw"}.Fetch(context.Background())
	}}
	m := NewManager(p)

	for i := 0; i < 5; i++ {
		cred, err := m.Get(context.Background())
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if !cred.Static() {
			t.Error("expected static credential")
		}
	}
	if got := p.calls.Load(); got != 1 {
		t.Errorf("provider calls = %d, want 1", got)
	}
}

func TestManager_ProactiveRefreshInsideMargin(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	p := &countingProvider{next: func(n int64) (Credential, error) {
		// First token expires inside the margin, the second well outside it.
		if n == 1 {
			return Credential{Secret: "old", ExpiresAt: now.Add(3 * time.Minute)}, nil
		}
		return Credential{Secret: "new", ExpiresAt: now.Add(time.Hour)}, nil
	}}
	m := NewManager(p, WithClock(func() time.Time { return now }))

	cred, err := m.Get(context.Background())
	if err != nil || cred.Secret != "old" {
		t.Fatalf("Get() = %v, %v; want old", cred, err)
	}

	// Still usable, so returned at once while the replacement is fetched.
	cred, err = m.Get(context.Background())
	if err != nil || cred.Secret != "old" {
		t.Fatalf("Get() = %v, %v; want old", cred, err)
	}

	deadline := time.Now().Add(time.Second)
	for m.State() != StateValid || p.calls.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("background refresh did not complete")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cred, _ = m.Get(context.Background())
	if cred.Secret != "new" {
		t.Errorf("Secret = %q, want new", cred.Secret)
	}
}

func TestManager_ExpiredBlocksForRefresh(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	p := &countingProvider{next: func(n int64) (Credential, error) {
		return Credential{Secret: "t", ExpiresAt: now.Add(time.Hour)}, nil
	}}
	var mu sync.Mutex
	m := NewManager(p, WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock()
	}))

	if _, err := m.Get(context.Background()); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	now = now.Add(2 * time.Hour)
	mu.Unlock()

	if _, err := m.Get(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := p.calls.Load(); got != 2 {
		t.Errorf("provider calls = %d, want 2", got)
	}
}

func TestManager_InvalidateAndRefresh(t *testing.T) {
	p := &countingProvider{next: func(n int64) (Credential, error) {
		return Credential{Secret: "t", ExpiresAt: time.Now().Add(time.Hour)}, nil
	}}
	m := NewManager(p)

	if _, err := m.Get(context.Background()); err != nil {
		t.Fatal(err)
	}
	m.Invalidate()
	if m.State() != StateInvalid {
		t.Errorf("State() = %v, want invalid", m.State())
	}
	if _, err := m.Get(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := m.Refreshes(); got != 3 {
		t.Errorf("Refreshes() = %d, want 3", got)
	}
}

func TestManager_RefreshError(t *testing.T) {
	boom := errors.New("idp down")
	p := &countingProvider{next: func(int64) (Credential, error) {
		return Credential{}, boom
	}}
	m := NewManager(p)

	_, err := m.Get(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("Get() error = %v, want %v", err, boom)
	}
	if m.State() != StateInvalid {
		t.Errorf("State() = %v, want invalid", m.State())
	}
}

func TestManager_WaitHonoursContext(t *testing.T) {
	p := &countingProvider{
		release: make(chan struct{}),
		next: func(int64) (Credential, error) {
			return Credential{Secret: "t"}, nil
		},
	}
	defer close(p.release)
	m := NewManager(p)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.Get(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Get() error = %v, want deadline exceeded", err)
	}
}

func TestStaticProvider_Empty(t *testing.T) {
	if _, err := (StaticProvider{}).Fetch(context.Background()); !errors.Is(err, ErrNoCredential) {
		t.Errorf("Fetch() error = %v, want ErrNoCredential", err)
	}
}

func TestCredential_NeedsRefresh(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		cred Credential
		want bool
	}{
		{"static", Credential{Secret: "s"}, false},
		{"far from expiry", Credential{ExpiresAt: now.Add(time.Hour)}, false},
		{"inside margin", Credential{ExpiresAt: now.Add(4 * time.Minute)}, true},
		{"expired", Credential{ExpiresAt: now.Add(-time.Second)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cred.NeedsRefresh(now, DefaultRefreshMargin); got != tt.want {
				t.Errorf("NeedsRefresh() = %v, want %v", got, tt.want)
			}
		})
	}
}
