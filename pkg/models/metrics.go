package models

import "time"

// CacheStats is a point-in-time snapshot of a read-through cache's counters.
type CacheStats struct {
	Timestamp time.Time `json:"timestamp"`

	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Coalesced     uint64 `json:"coalesced"`      // callers that joined an in-flight compute
	Computes      uint64 `json:"computes"`       // compute invocations
	StoreErrors   uint64 `json:"store_errors"`   // reads/writes that degraded to direct compute
	WriteFailures uint64 `json:"write_failures"` // best-effort writes that did not land
	StaleServed   uint64 `json:"stale_served"`
	InFlight      int    `json:"in_flight"`

	HitRate        float64        `json:"hit_rate"`
	ComputeLatency LatencySummary `json:"compute_latency"`
}

// NewCacheStats fills in the derived fields.
func NewCacheStats(hits, misses, coalesced, computes, storeErrors, writeFailures, stale uint64, inFlight int) CacheStats {
	s := CacheStats{
		Timestamp:     time.Now(),
		Hits:          hits,
		Misses:        misses,
		Coalesced:     coalesced,
		Computes:      computes,
		StoreErrors:   storeErrors,
		WriteFailures: writeFailures,
		StaleServed:   stale,
		InFlight:      inFlight,
	}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}

// StoreStats is a snapshot of shared-store client counters.
type StoreStats struct {
	State        string `json:"state"`
	Healthy      bool   `json:"healthy"`
	Gets         uint64 `json:"gets"`
	Sets         uint64 `json:"sets"`
	Deletes      uint64 `json:"deletes"`
	Errors       uint64 `json:"errors"`
	Connects     uint64 `json:"connects"`
	AuthFailures uint64 `json:"auth_failures"`
}

// LatencySummary folds compute latencies into running totals.
//
// Thread Safety: Caller must synchronize access.
type LatencySummary struct {
	Count uint64        `json:"count"`
	Sum   time.Duration `json:"sum"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
}

// UpdateLatency folds one sample into Count, Sum, Min and Max.
func UpdateLatency(summary *LatencySummary, sample time.Duration) {
	if summary.Count == 0 {
		summary.Min = sample
		summary.Max = sample
	} else {
		if sample < summary.Min {
			summary.Min = sample
		}
		if sample > summary.Max {
			summary.Max = sample
		}
	}

	summary.Count++
	summary.Sum += sample
}

// AvgLatency returns the average latency.
func (ls *LatencySummary) AvgLatency() time.Duration {
	if ls.Count == 0 {
		return 0
	}
	return ls.Sum / time.Duration(ls.Count)
}
