package models

import (
	"testing"
	"time"
)

func TestNewEntry(t *testing.T) {
	entry := NewEntry("ns:matters", []byte(`{"open":3}`), 90*time.Second)

	if entry.Key != "ns:matters" {
		t.Errorf("Expected key 'ns:matters', got '%s'", entry.Key)
	}
	if string(entry.Value) != `{"open":3}` {
		t.Errorf("Expected value preserved, got '%s'", string(entry.Value))
	}
	if entry.TTLSeconds != 90 {
		t.Errorf("Expected TTLSeconds 90, got %d", entry.TTLSeconds)
	}
	if entry.CachedAt.IsZero() {
		t.Error("Expected CachedAt to be set")
	}
}

func TestTTLSeconds(t *testing.T) {
	tests := []struct {
		name     string
		ttl      time.Duration
		expected int
	}{
		{"whole seconds", 30 * time.Second, 30},
		{"rounds up", 1500 * time.Millisecond, 2},
		{"sub-second", 10 * time.Millisecond, 1},
		{"zero uses default", 0, int(DefaultTTL / time.Second)},
		{"negative uses default", -time.Second, int(DefaultTTL / time.Second)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TTLSeconds(tt.ttl); got != tt.expected {
				t.Errorf("TTLSeconds(%v) = %d, want %d", tt.ttl, got, tt.expected)
			}
		})
	}
}

func TestEntry_IsExpired(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	entry := &Entry{Key: "k", CachedAt: base, TTLSeconds: 3600}

	tests := []struct {
		name     string
		now      time.Time
		expected bool
	}{
		{"not expired", base.Add(30 * time.Minute), false},
		{"exactly at expiry", base.Add(time.Hour), false},
		{"expired", base.Add(2 * time.Hour), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := entry.IsExpired(tt.now); got != tt.expected {
				t.Errorf("IsExpired() = %v, want %v", got, tt.expected)
			}
		})
	}

	if got := entry.ExpiresAt(); !got.Equal(base.Add(time.Hour)) {
		t.Errorf("ExpiresAt() = %v", got)
	}
	if got := entry.Age(base.Add(5 * time.Minute)); got != 5*time.Minute {
		t.Errorf("Age() = %v, want 5m", got)
	}
}
