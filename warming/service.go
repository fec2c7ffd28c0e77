// Package warming keeps heavy datasets warm by refreshing them before
// clients ask.
//
// Design Philosophy:
//   - An hourly cron queues every heavy dataset; a manual endpoint queues
//     any dataset on demand.
//   - Each task calls the datasets service's forced refresh, which takes a
//     distributed lock, so N instances running the same cron do the work
//     once. A refresh skipped because another instance holds the lock
//     counts as done.
//   - A bounded worker pool with per-task retry and exponential backoff
//     protects the data sources; a rate limiter caps refreshes per second.
//   - Concurrent tasks for the same dataset are deduplicated in-process.
package warming

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"encore.dev/beta/errs"
	"encore.dev/rlog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/lexops/practiceops/datasets"
	"github.com/lexops/practiceops/pkg/appconfig"
	psevents "github.com/lexops/practiceops/pkg/pubsub"
)

//encore:service
type Service struct {
	config      appconfig.WarmingConfig
	refresher   Refresher
	workerPool  *WorkerPool
	metrics     *Metrics
	rateLimiter *rate.Limiter
	deduper     singleflight.Group

	mu          sync.RWMutex
	lastOutcome map[string]Outcome
}

// Refresher abstracts the datasets service for warming.
type Refresher interface {
	Refresh(ctx context.Context, dataset string) (*datasets.RefreshResponse, error)
	HeavyDatasets(ctx context.Context) ([]string, error)
}

// Metrics tracks warming service performance.
type Metrics struct {
	JobsTotal     atomic.Int64
	SuccessTotal  atomic.Int64
	SkippedTotal  atomic.Int64
	FailureTotal  atomic.Int64
	RetriesTotal  atomic.Int64
	RateLimitHits atomic.Int64
	Dropped       atomic.Int64
	TotalDuration atomic.Int64 // Cumulative milliseconds
}

// Outcome is the most recent refresh result seen for a dataset, from any
// instance.
type Outcome struct {
	Status      string    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	DurationMs  int64     `json:"duration_ms"`
	RefreshedAt time.Time `json:"refreshed_at"`
}

// Request and response types

type WarmDatasetsRequest struct {
	Datasets []string `json:"datasets,omitempty"`
	// AllHeavy queues every heavy dataset in addition to Datasets.
	AllHeavy bool `json:"all_heavy,omitempty"`
}

type WarmDatasetsResponse struct {
	Success  bool     `json:"success"`
	Queued   int      `json:"queued"`
	Dropped  int      `json:"dropped"`
	Datasets []string `json:"datasets"`
}

type StatusResponse struct {
	ActiveJobs   int                `json:"active_jobs"`
	QueuedTasks  int                `json:"queued_tasks"`
	WorkerStatus []WorkerStatus     `json:"worker_status"`
	Metrics      MetricsSnapshot    `json:"metrics"`
	LastOutcomes map[string]Outcome `json:"last_outcomes"`
}

type WorkerStatus struct {
	ID          int        `json:"id"`
	State       string     `json:"state"` // "idle", "busy", "stopped"
	CurrentTask string     `json:"current_task,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
}

type MetricsSnapshot struct {
	JobsTotal     int64   `json:"jobs_total"`
	SuccessTotal  int64   `json:"success_total"`
	SkippedTotal  int64   `json:"skipped_total"`
	FailureTotal  int64   `json:"failure_total"`
	RetriesTotal  int64   `json:"retries_total"`
	SuccessRate   float64 `json:"success_rate"`
	RateLimitHits int64   `json:"rate_limit_hits"`
	Dropped       int64   `json:"dropped"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

// Global service instance
var svc *Service

// initService initializes the warming service from the shared configuration.
func initService() (*Service, error) {
	cfg, err := appconfig.Load()
	if err != nil {
		return nil, err
	}
	return newService(cfg.Warming, datasetsClient{}), nil
}

func init() {
	var err error
	svc, err = initService()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize warming service: %v", err))
	}
}

func newService(config appconfig.WarmingConfig, refresher Refresher) *Service {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.RefreshRate <= 0 {
		config.RefreshRate = 1
	}
	burst := int(config.RefreshRate)
	if burst < 1 {
		burst = 1
	}

	s := &Service{
		config:      config,
		refresher:   refresher,
		metrics:     &Metrics{},
		rateLimiter: rate.NewLimiter(rate.Limit(config.RefreshRate), burst),
		lastOutcome: make(map[string]Outcome),
	}
	s.workerPool = NewWorkerPool(s, config.Workers, config.QueueSize)
	return s
}

// datasetsClient calls the datasets service.
type datasetsClient struct{}

func (datasetsClient) Refresh(ctx context.Context, dataset string) (*datasets.RefreshResponse, error) {
	return datasets.RefreshDataset(ctx, dataset, &datasets.RefreshRequest{})
}

func (datasetsClient) HeavyDatasets(ctx context.Context) ([]string, error) {
	reg, err := datasets.GetRegistry(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, d := range reg.Datasets {
		if d.Class == string(datasets.Heavy) {
			out = append(out, d.Name)
		}
	}
	return out, nil
}

// WarmDatasets queues datasets for a forced refresh.
//
//encore:api public method=POST path=/warm/datasets
func WarmDatasets(ctx context.Context, req *WarmDatasetsRequest) (*WarmDatasetsResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.WarmDatasets(ctx, req)
}

func (s *Service) WarmDatasets(ctx context.Context, req *WarmDatasetsRequest) (*WarmDatasetsResponse, error) {
	if req == nil || (len(req.Datasets) == 0 && !req.AllHeavy) {
		return nil, errs.B().Code(errs.InvalidArgument).Msg("datasets cannot be empty").Err()
	}

	names := make([]string, 0, len(req.Datasets))
	for _, name := range req.Datasets {
		id, err := datasets.ParseDatasetID(name)
		if err != nil {
			return nil, errs.B().Code(errs.InvalidArgument).Msg(err.Error()).Err()
		}
		names = append(names, string(id))
	}
	if req.AllHeavy {
		heavy, err := s.refresher.HeavyDatasets(ctx)
		if err != nil {
			return nil, errs.B().Code(errs.Unavailable).Cause(err).Msg("dataset registry unavailable").Err()
		}
		names = append(names, heavy...)
	}
	names = dedupe(names)

	tasks := make([]WarmTask, len(names))
	now := time.Now()
	for i, name := range names {
		tasks[i] = WarmTask{Dataset: name, QueuedAt: now}
	}
	queued := s.workerPool.QueueTasks(tasks)
	dropped := len(tasks) - queued

	s.metrics.JobsTotal.Add(int64(queued))
	s.metrics.Dropped.Add(int64(dropped))
	if dropped > 0 {
		rlog.Warn("warming queue full, tasks dropped", "dropped", dropped)
	}

	return &WarmDatasetsResponse{
		Success:  dropped == 0,
		Queued:   queued,
		Dropped:  dropped,
		Datasets: names,
	}, nil
}

// GetStatus returns current warming service status and metrics.
//
//encore:api public method=GET path=/warm/status
func GetStatus(ctx context.Context) (*StatusResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.GetStatus(ctx)
}

func (s *Service) GetStatus(ctx context.Context) (*StatusResponse, error) {
	jobs := s.metrics.JobsTotal.Load()
	success := s.metrics.SuccessTotal.Load()
	skipped := s.metrics.SkippedTotal.Load()

	successRate := 0.0
	if jobs > 0 {
		successRate = float64(success+skipped) / float64(jobs)
	}
	avgDuration := 0.0
	if done := success + skipped; done > 0 {
		avgDuration = float64(s.metrics.TotalDuration.Load()) / float64(done)
	}

	s.mu.RLock()
	outcomes := make(map[string]Outcome, len(s.lastOutcome))
	for k, v := range s.lastOutcome {
		outcomes[k] = v
	}
	s.mu.RUnlock()

	return &StatusResponse{
		ActiveJobs:   s.workerPool.ActiveCount(),
		QueuedTasks:  s.workerPool.QueueSize(),
		WorkerStatus: s.workerPool.GetWorkerStatus(),
		LastOutcomes: outcomes,
		Metrics: MetricsSnapshot{
			JobsTotal:     jobs,
			SuccessTotal:  success,
			SkippedTotal:  skipped,
			FailureTotal:  s.metrics.FailureTotal.Load(),
			RetriesTotal:  s.metrics.RetriesTotal.Load(),
			SuccessRate:   successRate,
			RateLimitHits: s.metrics.RateLimitHits.Load(),
			Dropped:       s.metrics.Dropped.Load(),
			AvgDurationMs: avgDuration,
		},
	}, nil
}

// ExecuteWarmTask refreshes one dataset. Concurrent tasks for the same
// dataset share one refresh.
func (s *Service) ExecuteWarmTask(ctx context.Context, task WarmTask) error {
	startTime := time.Now()

	v, err, _ := s.deduper.Do(task.Dataset, func() (interface{}, error) {
		return s.refresh(ctx, task)
	})
	if err != nil {
		return err
	}

	s.metrics.TotalDuration.Add(time.Since(startTime).Milliseconds())
	resp := v.(*datasets.RefreshResponse)
	if resp.Skipped {
		s.metrics.SkippedTotal.Add(1)
		rlog.Info("warm task skipped", "dataset", task.Dataset, "reason", resp.Reason)
		return nil
	}
	s.metrics.SuccessTotal.Add(1)
	return nil
}

func (s *Service) refresh(ctx context.Context, task WarmTask) (*datasets.RefreshResponse, error) {
	if err := s.rateLimiter.Wait(ctx); err != nil {
		s.metrics.RateLimitHits.Add(1)
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	resp, err := s.refresher.Refresh(ctx, task.Dataset)
	if err != nil {
		return nil, fmt.Errorf("refresh %s: %w", task.Dataset, err)
	}
	return resp, nil
}

// recordOutcome keeps the latest refresh outcome per dataset.
func (s *Service) recordOutcome(ev *psevents.DatasetRefreshedEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.lastOutcome[ev.Dataset]; ok && prev.RefreshedAt.After(ev.RefreshedAt) {
		return
	}
	s.lastOutcome[ev.Dataset] = Outcome{
		Status:      ev.Status,
		Reason:      ev.Reason,
		DurationMs:  ev.DurationMs,
		RefreshedAt: ev.RefreshedAt,
	}
}

// dedupe drops repeated names, keeping first-seen order.
func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := names[:0]
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

// Shutdown stops the worker pool.
func (s *Service) Shutdown() {
	s.workerPool.Shutdown()
}
