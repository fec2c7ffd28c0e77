package models

import (
	"testing"
	"time"
)

func TestNewCacheStats_HitRate(t *testing.T) {
	s := NewCacheStats(75, 25, 10, 25, 1, 2, 0, 3)
	if s.HitRate != 0.75 {
		t.Errorf("HitRate = %v, want 0.75", s.HitRate)
	}
	if s.InFlight != 3 {
		t.Errorf("InFlight = %d, want 3", s.InFlight)
	}

	empty := NewCacheStats(0, 0, 0, 0, 0, 0, 0, 0)
	if empty.HitRate != 0 {
		t.Errorf("HitRate with no traffic = %v, want 0", empty.HitRate)
	}
}

func TestUpdateLatency(t *testing.T) {
	var s LatencySummary
	UpdateLatency(&s, 20*time.Millisecond)
	UpdateLatency(&s, 5*time.Millisecond)
	UpdateLatency(&s, 50*time.Millisecond)

	if s.Count != 3 {
		t.Errorf("Count = %d, want 3", s.Count)
	}
	if s.Min != 5*time.Millisecond || s.Max != 50*time.Millisecond {
		t.Errorf("Min/Max = %v/%v", s.Min, s.Max)
	}
	if s.AvgLatency() != 25*time.Millisecond {
		t.Errorf("AvgLatency() = %v, want 25ms", s.AvgLatency())
	}
}
