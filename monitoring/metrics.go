package monitoring

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	psevents "github.com/lexops/practiceops/pkg/pubsub"
)

// MetricsCollector records refresh and invalidation events.
//
// Design: atomic counters for lifetime totals, a bounded ring buffer for
// refresh durations, and one-second buckets for windowed queries. Buckets
// older than the retention are dropped as new events arrive.
type MetricsCollector struct {
	refreshed     atomic.Int64
	skipped       atomic.Int64
	failed        atomic.Int64
	invalidations atomic.Int64
	keysDeleted   atomic.Int64

	durations  *RingBuffer
	timeSeries *TimeSeries

	mu       sync.RWMutex
	datasets map[string]*DatasetHealth

	now func() time.Time
}

// DatasetHealth is the refresh history of one dataset as seen through
// events from every instance.
type DatasetHealth struct {
	Dataset             string     `json:"dataset"`
	LastStatus          string     `json:"last_status"`
	LastReason          string     `json:"last_reason,omitempty"`
	LastEventAt         time.Time  `json:"last_event_at"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	Refreshes           int64      `json:"refreshes"`
	Failures            int64      `json:"failures"`
	Invalidations       int64      `json:"invalidations"`
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector(config Config) *MetricsCollector {
	return &MetricsCollector{
		durations:  NewRingBuffer(config.DurationSamples),
		timeSeries: NewTimeSeries(config.MetricsRetention),
		datasets:   make(map[string]*DatasetHealth),
		now:        time.Now,
	}
}

// RecordRefresh records one refresh outcome.
func (mc *MetricsCollector) RecordRefresh(ev *psevents.DatasetRefreshedEvent) {
	switch ev.Status {
	case psevents.RefreshStatusRefreshed:
		mc.refreshed.Add(1)
		mc.durations.Add(float64(ev.DurationMs), ev.RefreshedAt)
	case psevents.RefreshStatusSkipped:
		mc.skipped.Add(1)
	case psevents.RefreshStatusFailed:
		mc.failed.Add(1)
	}
	mc.timeSeries.Add(ev.RefreshedAt, func(b *Bucket) {
		switch ev.Status {
		case psevents.RefreshStatusRefreshed:
			b.Refreshed++
			b.Durations = append(b.Durations, float64(ev.DurationMs))
		case psevents.RefreshStatusSkipped:
			b.Skipped++
		case psevents.RefreshStatusFailed:
			b.Failed++
		}
	}, mc.now())

	mc.mu.Lock()
	defer mc.mu.Unlock()
	h := mc.health(ev.Dataset)
	if ev.RefreshedAt.Before(h.LastEventAt) {
		// Late redelivery: counted above, but does not move the dataset's
		// current state backwards.
		return
	}
	h.LastEventAt = ev.RefreshedAt
	h.LastStatus = ev.Status
	h.LastReason = ev.Reason
	switch ev.Status {
	case psevents.RefreshStatusRefreshed:
		at := ev.RefreshedAt
		h.LastSuccessAt = &at
		h.ConsecutiveFailures = 0
		h.Refreshes++
	case psevents.RefreshStatusFailed:
		h.ConsecutiveFailures++
		h.Failures++
	}
}

// RecordInvalidation records one invalidation event.
func (mc *MetricsCollector) RecordInvalidation(ev *psevents.InvalidationEvent) {
	mc.invalidations.Add(1)
	mc.keysDeleted.Add(int64(ev.Deleted))
	mc.timeSeries.Add(ev.TriggeredAt, func(b *Bucket) {
		b.Invalidations++
		b.KeysDeleted += int64(ev.Deleted)
	}, mc.now())

	if ev.Dataset == "" {
		return
	}
	mc.mu.Lock()
	mc.health(ev.Dataset).Invalidations++
	mc.mu.Unlock()
}

// health returns the entry for dataset, creating it. Callers hold mc.mu.
func (mc *MetricsCollector) health(dataset string) *DatasetHealth {
	h, ok := mc.datasets[dataset]
	if !ok {
		h = &DatasetHealth{Dataset: dataset}
		mc.datasets[dataset] = h
	}
	return h
}

// Datasets returns a copy of every dataset's health, sorted by name.
func (mc *MetricsCollector) Datasets() []DatasetHealth {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	out := make([]DatasetHealth, 0, len(mc.datasets))
	for _, h := range mc.datasets {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dataset < out[j].Dataset })
	return out
}

// GetCounters returns lifetime counter values.
func (mc *MetricsCollector) GetCounters() Counters {
	return Counters{
		Refreshed:     mc.refreshed.Load(),
		Skipped:       mc.skipped.Load(),
		Failed:        mc.failed.Load(),
		Invalidations: mc.invalidations.Load(),
		KeysDeleted:   mc.keysDeleted.Load(),
	}
}

// GetDurationStats returns refresh duration statistics over the retained
// samples.
func (mc *MetricsCollector) GetDurationStats() DurationStats {
	return calculateDurationStats(mc.durations.Values())
}

// WindowStats aggregates the buckets of the last window.
func (mc *MetricsCollector) WindowStats(window time.Duration) WindowStats {
	end := mc.now()
	start := end.Add(-window)

	var ws WindowStats
	var durations []float64
	for _, b := range mc.timeSeries.GetRange(start, end) {
		ws.Refreshed += b.Refreshed
		ws.Skipped += b.Skipped
		ws.Failed += b.Failed
		ws.Invalidations += b.Invalidations
		ws.KeysDeleted += b.KeysDeleted
		durations = append(durations, b.Durations...)
	}
	ws.Start = start
	ws.End = end
	ws.Refreshes = ws.Refreshed + ws.Skipped + ws.Failed
	if attempted := ws.Refreshed + ws.Failed; attempted > 0 {
		ws.FailureRate = float64(ws.Failed) / float64(attempted)
	}
	ws.Durations = calculateDurationStats(durations)
	return ws
}

// Counters holds lifetime totals.
type Counters struct {
	Refreshed     int64 `json:"refreshed"`
	Skipped       int64 `json:"skipped"`
	Failed        int64 `json:"failed"`
	Invalidations int64 `json:"invalidations"`
	KeysDeleted   int64 `json:"keys_deleted"`
}

// WindowStats is the aggregate of one time window. FailureRate counts
// skipped refreshes as neither success nor failure.
type WindowStats struct {
	Start         time.Time     `json:"start"`
	End           time.Time     `json:"end"`
	Refreshes     int64         `json:"refreshes"`
	Refreshed     int64         `json:"refreshed"`
	Skipped       int64         `json:"skipped"`
	Failed        int64         `json:"failed"`
	FailureRate   float64       `json:"failure_rate"`
	Invalidations int64         `json:"invalidations"`
	KeysDeleted   int64         `json:"keys_deleted"`
	Durations     DurationStats `json:"durations"`
}

// DurationStats holds refresh duration percentiles in milliseconds.
type DurationStats struct {
	Min   float64 `json:"min_ms"`
	Max   float64 `json:"max_ms"`
	Avg   float64 `json:"avg_ms"`
	P50   float64 `json:"p50_ms"`
	P90   float64 `json:"p90_ms"`
	P95   float64 `json:"p95_ms"`
	P99   float64 `json:"p99_ms"`
	Count int     `json:"count"`
}

// RingBuffer keeps the most recent samples, overwriting the oldest.
type RingBuffer struct {
	mu     sync.Mutex
	buffer []Sample
	next   int
	full   bool
}

// Sample represents a single duration sample.
type Sample struct {
	Value     float64
	Timestamp time.Time
}

// NewRingBuffer creates a new ring buffer.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1
	}
	return &RingBuffer{buffer: make([]Sample, size)}
}

// Add adds a sample to the ring buffer.
func (rb *RingBuffer) Add(value float64, timestamp time.Time) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.buffer[rb.next] = Sample{Value: value, Timestamp: timestamp}
	rb.next = (rb.next + 1) % len(rb.buffer)
	if rb.next == 0 {
		rb.full = true
	}
}

// Values returns every retained sample value, oldest first.
func (rb *RingBuffer) Values() []float64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if !rb.full {
		out := make([]float64, rb.next)
		for i := 0; i < rb.next; i++ {
			out[i] = rb.buffer[i].Value
		}
		return out
	}
	out := make([]float64, 0, len(rb.buffer))
	for i := 0; i < len(rb.buffer); i++ {
		out = append(out, rb.buffer[(rb.next+i)%len(rb.buffer)].Value)
	}
	return out
}

// calculateDurationStats computes percentile statistics.
// Complexity: O(n log n) due to sorting.
func calculateDurationStats(values []float64) DurationStats {
	if len(values) == 0 {
		return DurationStats{}
	}

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	sum := 0.0
	for _, v := range sorted {
		sum += v
	}

	return DurationStats{
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Avg:   sum / float64(len(sorted)),
		P50:   percentile(sorted, 0.50),
		P90:   percentile(sorted, 0.90),
		P95:   percentile(sorted, 0.95),
		P99:   percentile(sorted, 0.99),
		Count: len(sorted),
	}
}

// percentile calculates the p-th percentile of sorted values.
// Assumes values is already sorted.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}

	index := p * float64(len(values)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))

	if lower == upper {
		return values[lower]
	}

	// Linear interpolation
	weight := index - float64(lower)
	return values[lower]*(1-weight) + values[upper]*weight
}

// TimeSeries stores aggregates in one-second buckets for windowed queries.
type TimeSeries struct {
	mu          sync.RWMutex
	buckets     map[int64]*Bucket // Unix timestamp (seconds) -> Bucket
	retention   time.Duration
	lastCleanup time.Time
}

// Bucket holds the events of one second.
type Bucket struct {
	Timestamp     time.Time
	Refreshed     int64
	Skipped       int64
	Failed        int64
	Invalidations int64
	KeysDeleted   int64
	Durations     []float64
}

// NewTimeSeries creates a new time series store.
func NewTimeSeries(retention time.Duration) *TimeSeries {
	return &TimeSeries{
		buckets:   make(map[int64]*Bucket),
		retention: retention,
	}
}

// Add applies update to the bucket of at. Events older than the retention
// are dropped.
func (ts *TimeSeries) Add(at time.Time, update func(*Bucket), now time.Time) {
	if at.IsZero() {
		at = now
	}
	if now.Sub(at) > ts.retention {
		return
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	key := at.Unix()
	bucket, exists := ts.buckets[key]
	if !exists {
		bucket = &Bucket{Timestamp: time.Unix(key, 0)}
		ts.buckets[key] = bucket
	}
	update(bucket)

	if now.Sub(ts.lastCleanup) > time.Minute {
		ts.cleanup(now)
		ts.lastCleanup = now
	}
}

// GetRange returns copies of the buckets within a time range, oldest first.
func (ts *TimeSeries) GetRange(start, end time.Time) []Bucket {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	result := make([]Bucket, 0)
	startKey := start.Unix()
	endKey := end.Unix()

	for key, bucket := range ts.buckets {
		if key >= startKey && key <= endKey {
			b := *bucket
			b.Durations = append([]float64(nil), bucket.Durations...)
			result = append(result, b)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})

	return result
}

// Len returns the number of live buckets.
func (ts *TimeSeries) Len() int {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return len(ts.buckets)
}

// cleanup removes buckets older than retention period.
func (ts *TimeSeries) cleanup(now time.Time) {
	cutoff := now.Add(-ts.retention).Unix()

	for key := range ts.buckets {
		if key < cutoff {
			delete(ts.buckets, key)
		}
	}
}
