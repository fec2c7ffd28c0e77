package warming

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lexops/practiceops/datasets"
	"github.com/lexops/practiceops/pkg/appconfig"
	psevents "github.com/lexops/practiceops/pkg/pubsub"
)

// MockRefresher simulates the datasets service.
type MockRefresher struct {
	mu       sync.Mutex
	calls    map[string]int
	failures map[string]int // dataset -> remaining failures
	skip     map[string]bool
	heavy    []string
	delay    time.Duration
	total    atomic.Int64
}

func NewMockRefresher() *MockRefresher {
	return &MockRefresher{
		calls:    make(map[string]int),
		failures: make(map[string]int),
		skip:     make(map[string]bool),
		heavy:    []string{"revenue-history", "collections-aging"},
	}
}

func (m *MockRefresher) Refresh(ctx context.Context, dataset string) (*datasets.RefreshResponse, error) {
	m.total.Add(1)
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[dataset]++

	if remaining := m.failures[dataset]; remaining > 0 {
		m.failures[dataset]--
		return nil, errors.New("simulated refresh failure")
	}
	if m.skip[dataset] {
		return &datasets.RefreshResponse{Dataset: dataset, Skipped: true, Reason: "refresh already in progress"}, nil
	}
	return &datasets.RefreshResponse{Dataset: dataset, Refreshed: true, Bytes: 42}, nil
}

func (m *MockRefresher) HeavyDatasets(ctx context.Context) ([]string, error) {
	return m.heavy, nil
}

func (m *MockRefresher) Calls(dataset string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[dataset]
}

func (m *MockRefresher) SetFailures(dataset string, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[dataset] = count
}

func testConfig() appconfig.WarmingConfig {
	return appconfig.WarmingConfig{
		Workers:     2,
		QueueSize:   10,
		MaxRetries:  2,
		BackoffBase: time.Millisecond,
		TaskTimeout: time.Second,
		RefreshRate: 1000,
	}
}

func setupTestService(t *testing.T, cfg appconfig.WarmingConfig) (*Service, *MockRefresher) {
	t.Helper()
	refresher := NewMockRefresher()
	svc := newService(cfg, refresher)
	t.Cleanup(svc.Shutdown)
	return svc, refresher
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestService_WarmDatasets_Success(t *testing.T) {
	svc, refresher := setupTestService(t, testConfig())

	resp, err := svc.WarmDatasets(context.Background(), &WarmDatasetsRequest{
		Datasets: []string{"Matters", "revenue-history"},
	})
	if err != nil {
		t.Fatalf("WarmDatasets failed: %v", err)
	}
	if !resp.Success || resp.Queued != 2 {
		t.Errorf("Expected 2 queued with success, got %+v", resp)
	}
	if resp.Datasets[0] != "matters" {
		t.Errorf("Expected normalized name, got %q", resp.Datasets[0])
	}

	waitFor(t, "refreshes", func() bool { return svc.metrics.SuccessTotal.Load() == 2 })
	if refresher.Calls("matters") != 1 || refresher.Calls("revenue-history") != 1 {
		t.Errorf("Expected one refresh each, got %v", refresher.calls)
	}
}

func TestService_WarmDatasets_AllHeavy(t *testing.T) {
	svc, refresher := setupTestService(t, testConfig())

	resp, err := svc.WarmDatasets(context.Background(), &WarmDatasetsRequest{
		Datasets: []string{"revenue-history"},
		AllHeavy: true,
	})
	if err != nil {
		t.Fatalf("WarmDatasets failed: %v", err)
	}
	if resp.Queued != 2 {
		t.Errorf("Expected duplicates collapsed to 2, got %d (%v)", resp.Queued, resp.Datasets)
	}

	waitFor(t, "heavy refreshes", func() bool {
		return refresher.Calls("revenue-history") == 1 && refresher.Calls("collections-aging") == 1
	})
}

func TestService_WarmDatasets_Validation(t *testing.T) {
	svc, _ := setupTestService(t, testConfig())

	tests := []struct {
		name string
		req  *WarmDatasetsRequest
	}{
		{"nil request", nil},
		{"empty", &WarmDatasetsRequest{}},
		{"unknown dataset", &WarmDatasetsRequest{Datasets: []string{"payroll"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.WarmDatasets(context.Background(), tt.req); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestService_SkippedCountsAsDone(t *testing.T) {
	svc, refresher := setupTestService(t, testConfig())
	refresher.skip["trust-balances"] = true

	if _, err := svc.WarmDatasets(context.Background(), &WarmDatasetsRequest{Datasets: []string{"trust-balances"}}); err != nil {
		t.Fatalf("WarmDatasets failed: %v", err)
	}

	waitFor(t, "skip", func() bool { return svc.metrics.SkippedTotal.Load() == 1 })
	if refresher.Calls("trust-balances") != 1 {
		t.Errorf("Skipped refresh must not be retried, got %d calls", refresher.Calls("trust-balances"))
	}
	if svc.metrics.FailureTotal.Load() != 0 {
		t.Error("Skipped refresh must not count as a failure")
	}
}

func TestService_RetryOnFailure(t *testing.T) {
	svc, refresher := setupTestService(t, testConfig())
	refresher.SetFailures("tasks", 2)

	if _, err := svc.WarmDatasets(context.Background(), &WarmDatasetsRequest{Datasets: []string{"tasks"}}); err != nil {
		t.Fatalf("WarmDatasets failed: %v", err)
	}

	waitFor(t, "success after retries", func() bool { return svc.metrics.SuccessTotal.Load() == 1 })
	if got := refresher.Calls("tasks"); got != 3 {
		t.Errorf("Expected 3 attempts, got %d", got)
	}
	if got := svc.metrics.RetriesTotal.Load(); got != 2 {
		t.Errorf("Expected 2 retries, got %d", got)
	}
}

func TestService_RetriesExhausted(t *testing.T) {
	svc, refresher := setupTestService(t, testConfig())
	refresher.SetFailures("calendar", 10)

	if _, err := svc.WarmDatasets(context.Background(), &WarmDatasetsRequest{Datasets: []string{"calendar"}}); err != nil {
		t.Fatalf("WarmDatasets failed: %v", err)
	}

	waitFor(t, "failure", func() bool { return svc.metrics.FailureTotal.Load() == 1 })
	if got := refresher.Calls("calendar"); got != 3 {
		t.Errorf("Expected MaxRetries+1 = 3 attempts, got %d", got)
	}
}

func TestService_Deduplication(t *testing.T) {
	svc, refresher := setupTestService(t, testConfig())
	refresher.delay = 100 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = svc.ExecuteWarmTask(context.Background(), WarmTask{Dataset: "utilization-history"})
		}()
	}
	wg.Wait()

	if got := refresher.Calls("utilization-history"); got != 1 {
		t.Errorf("Expected concurrent tasks to share one refresh, got %d", got)
	}
}

func TestService_RateLimiting(t *testing.T) {
	cfg := testConfig()
	cfg.RefreshRate = 10 // 10/s, burst 10
	svc, _ := setupTestService(t, cfg)

	names := []string{"matters", "tasks", "calendar", "billing-current", "trust-balances", "revenue-history",
		"utilization-history", "collections-aging"}

	start := time.Now()
	for i := 0; i < 3; i++ {
		for _, n := range names {
			if err := svc.ExecuteWarmTask(context.Background(), WarmTask{Dataset: n}); err != nil {
				t.Fatalf("ExecuteWarmTask failed: %v", err)
			}
		}
	}
	// 24 refreshes at 10/s with burst 10 need at least 1.4s.
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("Expected rate limiting to slow refreshes, took %v", elapsed)
	}
}

func TestService_QueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	cfg.QueueSize = 1
	svc, refresher := setupTestService(t, cfg)
	refresher.delay = 200 * time.Millisecond

	resp, err := svc.WarmDatasets(context.Background(), &WarmDatasetsRequest{
		Datasets: []string{"matters", "tasks", "calendar", "billing-current"},
	})
	if err != nil {
		t.Fatalf("WarmDatasets failed: %v", err)
	}
	if resp.Dropped == 0 || resp.Success {
		t.Errorf("Expected dropped tasks, got %+v", resp)
	}
	if resp.Queued+resp.Dropped != 4 {
		t.Errorf("Queued+Dropped should be 4, got %+v", resp)
	}
}

func TestService_GetStatus(t *testing.T) {
	svc, _ := setupTestService(t, testConfig())

	if _, err := svc.WarmDatasets(context.Background(), &WarmDatasetsRequest{Datasets: []string{"matters"}}); err != nil {
		t.Fatalf("WarmDatasets failed: %v", err)
	}
	waitFor(t, "refresh", func() bool { return svc.metrics.SuccessTotal.Load() == 1 })

	now := time.Now()
	svc.recordOutcome(&psevents.DatasetRefreshedEvent{
		Version: psevents.EventVersion1, Dataset: "revenue-history",
		Status: psevents.RefreshStatusFailed, Reason: "timeout", RefreshedAt: now,
	})
	// Older outcomes never replace newer ones.
	svc.recordOutcome(&psevents.DatasetRefreshedEvent{
		Version: psevents.EventVersion1, Dataset: "revenue-history",
		Status: psevents.RefreshStatusRefreshed, RefreshedAt: now.Add(-time.Minute),
	})

	status, err := svc.GetStatus(context.Background())
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if len(status.WorkerStatus) != 2 {
		t.Errorf("Expected 2 workers, got %d", len(status.WorkerStatus))
	}
	if status.Metrics.JobsTotal != 1 || status.Metrics.SuccessRate != 1 {
		t.Errorf("Unexpected metrics: %+v", status.Metrics)
	}
	if got := status.LastOutcomes["revenue-history"]; got.Status != psevents.RefreshStatusFailed {
		t.Errorf("Expected latest outcome failed, got %+v", got)
	}
}

func TestWorkerPool_ShutdownStopsRetries(t *testing.T) {
	cfg := testConfig()
	cfg.BackoffBase = time.Hour
	svc, refresher := setupTestService(t, cfg)
	refresher.SetFailures("matters", 10)

	svc.workerPool.QueueTasks([]WarmTask{{Dataset: "matters"}})
	waitFor(t, "first attempt", func() bool { return refresher.Calls("matters") == 1 })

	done := make(chan struct{})
	go func() {
		svc.workerPool.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Shutdown blocked on retry backoff")
	}

	for _, w := range svc.workerPool.GetWorkerStatus() {
		if w.State != "stopped" {
			t.Errorf("worker %d state = %s, want stopped", w.ID, w.State)
		}
	}
}

func TestBackoff(t *testing.T) {
	base := 10 * time.Millisecond
	for attempt := 0; attempt < 4; attempt++ {
		lo := base << uint(attempt)
		got := backoff(base, attempt)
		if got < lo || got > lo+lo/2 {
			t.Errorf("attempt %d: backoff %v outside [%v, %v]", attempt, got, lo, lo+lo/2)
		}
	}
	if backoff(0, 3) != 0 {
		t.Error("zero base should not wait")
	}
}
