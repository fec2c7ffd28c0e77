// Package monitoring watches dataset operations across every instance.
//
// Design Philosophy:
//   - Event-driven ingestion: refresh outcomes and invalidations arrive over
//     Pub/Sub, so the view covers work done by any instance.
//   - Bounded memory: one-second buckets expire after the retention and
//     duration samples live in a fixed ring buffer.
//   - Alerts are evaluated on a timer and resolve on their own once the
//     condition clears.
package monitoring

import (
	"context"
	"errors"
	"time"

	"encore.dev/pubsub"

	cachemanager "github.com/lexops/practiceops/cache-manager"
	"github.com/lexops/practiceops/datasets"
	psevents "github.com/lexops/practiceops/pkg/pubsub"
)

//encore:service
type Service struct {
	collector *MetricsCollector
	alertMgr  *AlertManager
	config    Config
}

// Config holds monitoring service configuration.
type Config struct {
	MetricsRetention  time.Duration // How long windowed buckets are kept
	AlertEvalInterval time.Duration // How often to evaluate alerts
	AlertWindow       time.Duration // Window the rate rules look at
	DurationSamples   int           // Refresh durations kept for percentiles

	FailureStreak        int           // Consecutive failures before a dataset alert
	FailureRateThreshold float64       // Windowed failure share that alerts
	MinRefreshes         int           // Attempts needed before the rate is judged
	SlowRefreshMs        float64       // P95 refresh duration that alerts
	FreshnessLimit       time.Duration // Age of the last success that alerts
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		MetricsRetention:     24 * time.Hour,
		AlertEvalInterval:    30 * time.Second,
		AlertWindow:          15 * time.Minute,
		DurationSamples:      1000,
		FailureStreak:        3,
		FailureRateThreshold: 0.25,
		MinRefreshes:         4,
		SlowRefreshMs:        120000,
		FreshnessLimit:       3 * time.Hour,
	}
}

// Request and response types

type GetMetricsRequest struct {
	// WindowSeconds selects the window; zero means the last minute.
	WindowSeconds int `query:"window_seconds"`
}

type GetMetricsResponse struct {
	Timestamp time.Time     `json:"timestamp"`
	Window    WindowStats   `json:"window"`
	Lifetime  Counters      `json:"lifetime"`
	Durations DurationStats `json:"durations"`
}

type GetAlertsResponse struct {
	ActiveAlerts []Alert    `json:"active_alerts"`
	RecentAlerts []Alert    `json:"recent_alerts"` // Last 10 resolved alerts
	AlertStats   AlertStats `json:"alert_stats"`
}

type AlertStats struct {
	TotalTriggered int64   `json:"total_triggered"`
	TotalResolved  int64   `json:"total_resolved"`
	ActiveCount    int     `json:"active_count"`
	AvgDuration    float64 `json:"avg_duration_seconds"`
}

type GetDatasetsResponse struct {
	Datasets []DatasetHealth `json:"datasets"`
}

// Global service instance
var svc *Service

// initService initializes the monitoring service.
func initService() (*Service, error) {
	s := newService(DefaultConfig())
	s.alertMgr.Start()
	return s, nil
}

func init() {
	var err error
	svc, err = initService()
	if err != nil {
		panic(err)
	}
}

func newService(config Config) *Service {
	collector := NewMetricsCollector(config)
	return &Service{
		collector: collector,
		alertMgr:  NewAlertManager(collector, config),
		config:    config,
	}
}

// GetMetrics returns refresh and invalidation metrics for a time window.
//
//encore:api public method=GET path=/monitoring/metrics
func GetMetrics(ctx context.Context, req *GetMetricsRequest) (*GetMetricsResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.GetMetrics(ctx, req)
}

func (s *Service) GetMetrics(ctx context.Context, req *GetMetricsRequest) (*GetMetricsResponse, error) {
	window := time.Minute
	if req != nil && req.WindowSeconds > 0 {
		window = time.Duration(req.WindowSeconds) * time.Second
	}
	if window > s.config.MetricsRetention {
		window = s.config.MetricsRetention
	}

	return &GetMetricsResponse{
		Timestamp: s.collector.now(),
		Window:    s.collector.WindowStats(window),
		Lifetime:  s.collector.GetCounters(),
		Durations: s.collector.GetDurationStats(),
	}, nil
}

// GetAlerts returns current active alerts and alert statistics.
//
//encore:api public method=GET path=/monitoring/alerts
func GetAlerts(ctx context.Context) (*GetAlertsResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.GetAlerts(ctx)
}

func (s *Service) GetAlerts(ctx context.Context) (*GetAlertsResponse, error) {
	return &GetAlertsResponse{
		ActiveAlerts: s.alertMgr.GetActiveAlerts(),
		RecentAlerts: s.alertMgr.GetRecentResolvedAlerts(10),
		AlertStats:   s.alertMgr.GetStats(),
	}, nil
}

// GetDatasets returns the refresh health of every dataset seen so far.
//
//encore:api public method=GET path=/monitoring/datasets
func GetDatasets(ctx context.Context) (*GetDatasetsResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return &GetDatasetsResponse{Datasets: svc.collector.Datasets()}, nil
}

// Pub/Sub subscriptions

var _ = pubsub.NewSubscription(
	datasets.DatasetRefreshedTopic,
	"monitoring-refresh-outcomes",
	pubsub.SubscriptionConfig[*psevents.DatasetRefreshedEvent]{
		Handler: HandleRefreshed,
	},
)

// HandleRefreshed records a refresh outcome.
func HandleRefreshed(ctx context.Context, event *psevents.DatasetRefreshedEvent) error {
	if svc == nil {
		return nil
	}
	if err := event.Validate(); err != nil {
		return nil
	}
	svc.collector.RecordRefresh(event)
	return nil
}

var _ = pubsub.NewSubscription(
	cachemanager.DatasetInvalidateTopic,
	"monitoring-invalidations",
	pubsub.SubscriptionConfig[*psevents.InvalidationEvent]{
		Handler: HandleInvalidation,
	},
)

// HandleInvalidation records an invalidation.
func HandleInvalidation(ctx context.Context, event *psevents.InvalidationEvent) error {
	if svc == nil {
		return nil
	}
	if err := event.Validate(); err != nil {
		return nil
	}
	svc.collector.RecordInvalidation(event)
	return nil
}

// Shutdown gracefully stops the monitoring service.
func (s *Service) Shutdown() {
	s.alertMgr.Stop()
}
