package monitoring

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"encore.dev/rlog"
)

// AlertManager manages alert evaluation, triggering, and resolution.
//
// Design: Periodically evaluates alert rules against the current window and
// per-dataset health. An active alert resolves on the first evaluation in
// which its rule no longer reports it.
type AlertManager struct {
	collector *MetricsCollector
	config    Config

	rules []AlertRule

	mu             sync.RWMutex
	activeAlerts   map[string]*Alert
	resolvedAlerts []Alert

	stats AlertManagerStats

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// AlertManagerStats tracks alert manager statistics.
type AlertManagerStats struct {
	TotalTriggered atomic.Int64
	TotalResolved  atomic.Int64
	TotalDuration  atomic.Int64 // Cumulative milliseconds
}

// Alert represents an active or resolved alert.
type Alert struct {
	ID           string     `json:"id"`
	Rule         string     `json:"rule"`
	Type         AlertType  `json:"type"`
	Severity     string     `json:"severity"`
	Dataset      string     `json:"dataset,omitempty"`
	CurrentValue float64    `json:"current_value"`
	Threshold    float64    `json:"threshold"`
	Message      string     `json:"message"`
	TriggeredAt  time.Time  `json:"triggered_at"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
	Duration     float64    `json:"duration_seconds,omitempty"`
	Resolved     bool       `json:"resolved"`
}

// AlertType represents the category of alert.
type AlertType string

const (
	AlertRefreshFailing  AlertType = "refresh_failing"
	AlertHighFailureRate AlertType = "high_failure_rate"
	AlertSlowRefresh     AlertType = "slow_refresh"
	AlertDatasetNotFresh AlertType = "dataset_not_fresh"
)

// EvalInput is what rules evaluate.
type EvalInput struct {
	Now      time.Time
	Window   WindowStats
	Datasets []DatasetHealth
}

// AlertRule reports the alerts its condition currently holds for. Alert IDs
// must be stable across evaluations.
type AlertRule interface {
	ID() string
	Evaluate(in EvalInput) []*Alert
}

// NewAlertManager creates a new alert manager with the default rules.
func NewAlertManager(collector *MetricsCollector, config Config) *AlertManager {
	return &AlertManager{
		collector:      collector,
		config:         config,
		activeAlerts:   make(map[string]*Alert),
		resolvedAlerts: make([]Alert, 0),
		stopChan:       make(chan struct{}),
		rules: []AlertRule{
			NewRefreshFailingRule(config.FailureStreak),
			NewHighFailureRateRule(config.FailureRateThreshold, config.MinRefreshes),
			NewSlowRefreshRule(config.SlowRefreshMs),
			NewNotFreshRule(config.FreshnessLimit),
		},
	}
}

// Start runs the evaluation loop until Stop.
func (am *AlertManager) Start() {
	am.wg.Add(1)
	go am.run()
}

func (am *AlertManager) run() {
	defer am.wg.Done()

	ticker := time.NewTicker(am.config.AlertEvalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-am.stopChan:
			return
		case <-ticker.C:
			am.Evaluate()
		}
	}
}

// Evaluate runs every rule once.
func (am *AlertManager) Evaluate() {
	in := EvalInput{
		Now:      am.collector.now(),
		Window:   am.collector.WindowStats(am.config.AlertWindow),
		Datasets: am.collector.Datasets(),
	}

	for _, rule := range am.rules {
		firing := make(map[string]bool)
		for _, alert := range rule.Evaluate(in) {
			alert.Rule = rule.ID()
			firing[alert.ID] = true
			am.triggerAlert(alert, in.Now)
		}
		am.resolveMissing(rule.ID(), firing, in.Now)
	}
}

// triggerAlert activates an alert or updates an existing one.
func (am *AlertManager) triggerAlert(alert *Alert, now time.Time) {
	am.mu.Lock()
	defer am.mu.Unlock()

	if existing, exists := am.activeAlerts[alert.ID]; exists {
		existing.CurrentValue = alert.CurrentValue
		existing.Severity = alert.Severity
		existing.Message = alert.Message
		return
	}

	alert.TriggeredAt = now
	am.activeAlerts[alert.ID] = alert
	am.stats.TotalTriggered.Add(1)
	rlog.Warn("alert triggered", "alert", alert.ID, "severity", alert.Severity, "message", alert.Message)
}

// resolveMissing resolves the active alerts of rule that are not firing.
func (am *AlertManager) resolveMissing(rule string, firing map[string]bool, now time.Time) {
	am.mu.Lock()
	defer am.mu.Unlock()

	for id, alert := range am.activeAlerts {
		if alert.Rule != rule || firing[id] {
			continue
		}

		resolvedAt := now
		alert.ResolvedAt = &resolvedAt
		alert.Duration = now.Sub(alert.TriggeredAt).Seconds()
		alert.Resolved = true

		am.resolvedAlerts = append(am.resolvedAlerts, *alert)
		delete(am.activeAlerts, id)

		am.stats.TotalResolved.Add(1)
		am.stats.TotalDuration.Add(now.Sub(alert.TriggeredAt).Milliseconds())
		rlog.Info("alert resolved", "alert", id)
	}

	// Keep only last 100 resolved alerts
	if len(am.resolvedAlerts) > 100 {
		am.resolvedAlerts = am.resolvedAlerts[len(am.resolvedAlerts)-100:]
	}
}

// GetActiveAlerts returns all currently active alerts sorted by ID.
func (am *AlertManager) GetActiveAlerts() []Alert {
	am.mu.RLock()
	defer am.mu.RUnlock()

	alerts := make([]Alert, 0, len(am.activeAlerts))
	for _, alert := range am.activeAlerts {
		alerts = append(alerts, *alert)
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].ID < alerts[j].ID })
	return alerts
}

// GetRecentResolvedAlerts returns the N most recent resolved alerts, newest
// first.
func (am *AlertManager) GetRecentResolvedAlerts(n int) []Alert {
	am.mu.RLock()
	defer am.mu.RUnlock()

	if n > len(am.resolvedAlerts) {
		n = len(am.resolvedAlerts)
	}

	result := make([]Alert, n)
	for i := 0; i < n; i++ {
		result[i] = am.resolvedAlerts[len(am.resolvedAlerts)-1-i]
	}
	return result
}

// GetStats returns alert manager statistics.
func (am *AlertManager) GetStats() AlertStats {
	triggered := am.stats.TotalTriggered.Load()
	resolved := am.stats.TotalResolved.Load()
	totalDuration := am.stats.TotalDuration.Load()

	avgDuration := 0.0
	if resolved > 0 {
		avgDuration = float64(totalDuration) / float64(resolved) / 1000.0 // Convert to seconds
	}

	am.mu.RLock()
	activeCount := len(am.activeAlerts)
	am.mu.RUnlock()

	return AlertStats{
		TotalTriggered: triggered,
		TotalResolved:  resolved,
		ActiveCount:    activeCount,
		AvgDuration:    avgDuration,
	}
}

// Stop stops the evaluation loop.
func (am *AlertManager) Stop() {
	am.stopOnce.Do(func() { close(am.stopChan) })
	am.wg.Wait()
}

// Concrete Alert Rules

// RefreshFailingRule fires per dataset after a streak of failed refreshes.
type RefreshFailingRule struct {
	streak int
}

func NewRefreshFailingRule(streak int) *RefreshFailingRule {
	if streak < 1 {
		streak = 1
	}
	return &RefreshFailingRule{streak: streak}
}

func (r *RefreshFailingRule) ID() string { return string(AlertRefreshFailing) }

func (r *RefreshFailingRule) Evaluate(in EvalInput) []*Alert {
	var alerts []*Alert
	for _, h := range in.Datasets {
		if h.ConsecutiveFailures < r.streak {
			continue
		}
		severity := "warning"
		if h.ConsecutiveFailures >= 2*r.streak {
			severity = "critical"
		}
		alerts = append(alerts, &Alert{
			ID:           r.ID() + ":" + h.Dataset,
			Type:         AlertRefreshFailing,
			Severity:     severity,
			Dataset:      h.Dataset,
			CurrentValue: float64(h.ConsecutiveFailures),
			Threshold:    float64(r.streak),
			Message:      fmt.Sprintf("%s failed %d refreshes in a row: %s", h.Dataset, h.ConsecutiveFailures, h.LastReason),
		})
	}
	return alerts
}

// HighFailureRateRule fires when the share of failed refreshes in the alert
// window exceeds the threshold.
type HighFailureRateRule struct {
	threshold float64
	minimum   int64
}

func NewHighFailureRateRule(threshold float64, minimum int) *HighFailureRateRule {
	return &HighFailureRateRule{threshold: threshold, minimum: int64(minimum)}
}

func (r *HighFailureRateRule) ID() string { return string(AlertHighFailureRate) }

func (r *HighFailureRateRule) Evaluate(in EvalInput) []*Alert {
	w := in.Window
	if w.Refreshed+w.Failed < r.minimum || w.FailureRate <= r.threshold {
		return nil
	}
	return []*Alert{{
		ID:           r.ID(),
		Type:         AlertHighFailureRate,
		Severity:     "critical",
		CurrentValue: w.FailureRate,
		Threshold:    r.threshold,
		Message:      fmt.Sprintf("Refresh failure rate %.2f%% exceeds threshold %.2f%%", w.FailureRate*100, r.threshold*100),
	}}
}

// SlowRefreshRule fires when the windowed P95 refresh duration exceeds the
// threshold.
type SlowRefreshRule struct {
	thresholdMs float64
}

func NewSlowRefreshRule(thresholdMs float64) *SlowRefreshRule {
	return &SlowRefreshRule{thresholdMs: thresholdMs}
}

func (r *SlowRefreshRule) ID() string { return string(AlertSlowRefresh) }

func (r *SlowRefreshRule) Evaluate(in EvalInput) []*Alert {
	p95 := in.Window.Durations.P95
	if r.thresholdMs <= 0 || in.Window.Durations.Count == 0 || p95 <= r.thresholdMs {
		return nil
	}
	severity := "warning"
	if p95 > r.thresholdMs*2 {
		severity = "critical"
	}
	return []*Alert{{
		ID:           r.ID(),
		Type:         AlertSlowRefresh,
		Severity:     severity,
		CurrentValue: p95,
		Threshold:    r.thresholdMs,
		Message:      fmt.Sprintf("P95 refresh duration %.0fms exceeds threshold %.0fms", p95, r.thresholdMs),
	}}
}

// NotFreshRule fires per dataset when its last successful refresh is older
// than the limit. Datasets never seen are not judged.
type NotFreshRule struct {
	limit time.Duration
}

func NewNotFreshRule(limit time.Duration) *NotFreshRule {
	return &NotFreshRule{limit: limit}
}

func (r *NotFreshRule) ID() string { return string(AlertDatasetNotFresh) }

func (r *NotFreshRule) Evaluate(in EvalInput) []*Alert {
	if r.limit <= 0 {
		return nil
	}
	var alerts []*Alert
	for _, h := range in.Datasets {
		if h.LastSuccessAt == nil {
			continue
		}
		age := in.Now.Sub(*h.LastSuccessAt)
		if age <= r.limit {
			continue
		}
		alerts = append(alerts, &Alert{
			ID:           r.ID() + ":" + h.Dataset,
			Type:         AlertDatasetNotFresh,
			Severity:     "warning",
			Dataset:      h.Dataset,
			CurrentValue: age.Seconds(),
			Threshold:    r.limit.Seconds(),
			Message:      fmt.Sprintf("%s last refreshed %s ago", h.Dataset, age.Round(time.Second)),
		})
	}
	return alerts
}
