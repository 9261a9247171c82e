package queue

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
)

type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
	HealthUnknown  HealthStatus = "unknown"
)

type HealthCategory string

const (
	CategoryMemory      HealthCategory = "memory"
	CategoryPerformance HealthCategory = "performance"
	CategoryActivity    HealthCategory = "activity"
	CategoryErrors      HealthCategory = "errors"
	CategoryDeadlocks   HealthCategory = "deadlocks"
	CategorySystem      HealthCategory = "system"
)

type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityError    AlertSeverity = "error"
	SeverityCritical AlertSeverity = "critical"
)

// MonitorLevel controls check cadence. INTENSIVE halves the interval.
type MonitorLevel string

const (
	LevelNormal    MonitorLevel = "normal"
	LevelIntensive MonitorLevel = "intensive"
)

type HealthThresholds struct {
	CheckInterval       time.Duration
	MemoryWarningMB     float64
	MemoryCriticalMB    float64
	DeadlockWarning     time.Duration
	DeadlockCritical    time.Duration
	DeadlockThreshold   time.Duration // recovery trigger
	InactivityWarning   time.Duration
	InactivityCritical  time.Duration
	ErrorRateWarning    float64
	ErrorRateCritical   float64
	SuccessRateWarning  float64
	SuccessRateCritical float64
	CPUWarningPercent   float64
	CPUCriticalPercent  float64
	AlertThreshold      int
	DeescalateAfter     time.Duration
}

func DefaultHealthThresholds() HealthThresholds {
	return HealthThresholds{
		CheckInterval:       15 * time.Second,
		MemoryWarningMB:     384,
		MemoryCriticalMB:    512,
		DeadlockWarning:     30 * time.Second,
		DeadlockCritical:    60 * time.Second,
		DeadlockThreshold:   300 * time.Second,
		InactivityWarning:   30 * time.Second,
		InactivityCritical:  60 * time.Second,
		ErrorRateWarning:    0.1,
		ErrorRateCritical:   0.2,
		SuccessRateWarning:  0.8,
		SuccessRateCritical: 0.5,
		CPUWarningPercent:   80,
		CPUCriticalPercent:  90,
		AlertThreshold:      5,
		DeescalateAfter:     5 * time.Minute,
	}
}

// Alert is one active or historical monitoring event.
type Alert struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	Category   HealthCategory `json:"category"`
	Severity   AlertSeverity  `json:"severity"`
	Message    string         `json:"message"`
	Resolved   bool           `json:"resolved"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
}

// alertManager tracks active alerts and keeps a bounded history.
type alertManager struct {
	mu         sync.Mutex
	maxHistory int
	active     map[string]*Alert
	history    []*Alert
	counts     map[AlertSeverity]int
}

func newAlertManager(maxHistory int) *alertManager {
	return &alertManager{
		maxHistory: maxHistory,
		active:     make(map[string]*Alert),
		counts:     make(map[AlertSeverity]int),
	}
}

func (a *alertManager) raise(category HealthCategory, severity AlertSeverity, message string, now time.Time) *Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, existing := range a.active {
		if existing.Category == category && existing.Severity == severity {
			existing.Message = message
			return existing
		}
	}
	alert := &Alert{
		ID:        fmt.Sprintf("%s_%s", category, uuid.NewString()[:8]),
		Timestamp: now,
		Category:  category,
		Severity:  severity,
		Message:   message,
	}
	a.active[alert.ID] = alert
	a.counts[severity]++
	a.history = append(a.history, alert)
	if len(a.history) > a.maxHistory {
		a.history = a.history[1:]
	}
	return alert
}

// resolveCategory clears every active alert in a category once its check
// comes back healthy.
func (a *alertManager) resolveCategory(category HealthCategory, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, alert := range a.active {
		if alert.Category == category {
			alert.Resolved = true
			t := now
			alert.ResolvedAt = &t
			delete(a.active, id)
		}
	}
}

func (a *alertManager) activeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.active)
}

// AlertStats is the alert view exposed through the status API.
type AlertStats struct {
	ActiveAlerts int                   `json:"active_alerts"`
	TotalAlerts  int                   `json:"total_alerts"`
	Counts       map[AlertSeverity]int `json:"alert_counts"`
	Recent       []*Alert              `json:"recent_alerts"`
}

func (a *alertManager) stats() AlertStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	counts := make(map[AlertSeverity]int, len(a.counts))
	for k, v := range a.counts {
		counts[k] = v
	}
	recent := a.history
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}
	out := make([]*Alert, len(recent))
	for i, al := range recent {
		cp := *al
		out[i] = &cp
	}
	return AlertStats{
		ActiveAlerts: len(a.active),
		TotalAlerts:  len(a.history),
		Counts:       counts,
		Recent:       out,
	}
}

// HealthCheckResult is one category's verdict from one tick.
type HealthCheckResult struct {
	Category  HealthCategory `json:"category"`
	Status    HealthStatus   `json:"status"`
	Message   string         `json:"message"`
	Value     float64        `json:"value"`
	Timestamp time.Time      `json:"timestamp"`
}

// healthHistory retains recent results and tracks critical events.
type healthHistory struct {
	mu        sync.Mutex
	max       int
	results   []HealthCheckResult
	criticals []HealthCheckResult
}

func (h *healthHistory) add(r HealthCheckResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.results = append(h.results, r)
	if len(h.results) > h.max {
		h.results = h.results[1:]
	}
	if r.Status == HealthCritical {
		h.criticals = append(h.criticals, r)
		if len(h.criticals) > h.max {
			h.criticals = h.criticals[1:]
		}
	}
}

// HealthReport is the full health view for the API.
type HealthReport struct {
	Timestamp time.Time           `json:"timestamp"`
	Overall   HealthStatus        `json:"overall_status"`
	Level     MonitorLevel        `json:"monitoring_level"`
	Checks    []HealthCheckResult `json:"checks"`
}

// Monitor samples queue and process health on a timer, raises alerts, and
// hands stuck items to the recovery manager. The loop never exits on error.
type Monitor struct {
	thresholds HealthThresholds
	alerts     *alertManager
	recovery   *Recovery
	history    *healthHistory
	logger     *slog.Logger
	proc       *process.Process

	// subprocess teardown hook for emergency recovery
	cleanup func(url string)

	mu           sync.Mutex
	level        MonitorLevel
	lastAllClear time.Time
	lastGC       time.Time
	latestChecks []HealthCheckResult
}

func NewMonitor(thresholds HealthThresholds, recovery *Recovery, cleanup func(url string), logger *slog.Logger) *Monitor {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn("Process handle unavailable, memory checks disabled", "error", err)
	}
	return &Monitor{
		thresholds: thresholds,
		alerts:     newAlertManager(1000),
		recovery:   recovery,
		history:    &healthHistory{max: 1000},
		logger:     logger,
		proc:       proc,
		cleanup:    cleanup,
		level:      LevelNormal,
	}
}

func (mon *Monitor) AlertStats() AlertStats { return mon.alerts.stats() }

func (mon *Monitor) Report() HealthReport {
	mon.mu.Lock()
	checks := append([]HealthCheckResult(nil), mon.latestChecks...)
	level := mon.level
	mon.mu.Unlock()

	overall := HealthHealthy
	for _, c := range checks {
		if c.Status == HealthCritical {
			overall = HealthCritical
			break
		}
		if c.Status == HealthWarning {
			overall = HealthWarning
		}
	}
	return HealthReport{
		Timestamp: time.Now().UTC(),
		Overall:   overall,
		Level:     level,
		Checks:    checks,
	}
}

func (mon *Monitor) interval() time.Duration {
	mon.mu.Lock()
	defer mon.mu.Unlock()
	if mon.level == LevelIntensive {
		return mon.thresholds.CheckInterval / 2
	}
	return mon.thresholds.CheckInterval
}

// Start runs the monitoring loop until the context is cancelled.
func (mon *Monitor) Start(ctx context.Context, m *Manager) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(mon.interval()):
				mon.tick(ctx, m)
			}
		}
	}()
	mon.logger.Info("Queue monitoring started", "interval", mon.thresholds.CheckInterval)
}

func (mon *Monitor) tick(ctx context.Context, m *Manager) {
	defer func() {
		if r := recover(); r != nil {
			mon.logger.Error("Monitor tick panic recovered", "panic", r)
		}
	}()

	now := m.now()
	var checks []HealthCheckResult

	checks = append(checks, mon.checkMemory(m, now))
	checks = append(checks, mon.checkPerformance(m, now))
	checks = append(checks, mon.checkActivity(ctx, m, now))
	checks = append(checks, mon.checkDeadlocks(ctx, m, now))
	checks = append(checks, mon.checkErrorRate(m, now))
	checks = append(checks, mon.checkSystem(now))

	for _, c := range checks {
		mon.history.add(c)
	}
	mon.mu.Lock()
	mon.latestChecks = checks
	mon.mu.Unlock()

	mon.adjustLevel(now)
}

func (mon *Monitor) checkMemory(m *Manager, now time.Time) HealthCheckResult {
	result := HealthCheckResult{Category: CategoryMemory, Status: HealthUnknown, Timestamp: now}
	if mon.proc == nil {
		result.Message = "process handle unavailable"
		return result
	}
	mem, err := mon.proc.MemoryInfo()
	if err != nil {
		result.Message = fmt.Sprintf("memory sample failed: %v", err)
		return result
	}
	rssMB := float64(mem.RSS) / 1024 / 1024

	if rssMB > mon.thresholds.MemoryCriticalMB {
		// Nudge the collector once per five minutes, then re-sample.
		mon.mu.Lock()
		gcDue := now.Sub(mon.lastGC) > 5*time.Minute
		if gcDue {
			mon.lastGC = now
		}
		mon.mu.Unlock()
		if gcDue {
			runtime.GC()
			if mem, err = mon.proc.MemoryInfo(); err == nil {
				rssMB = float64(mem.RSS) / 1024 / 1024
			}
		}
	}
	m.metrics.UpdateMemoryUsage(rssMB)
	result.Value = rssMB

	switch {
	case rssMB > mon.thresholds.MemoryCriticalMB:
		result.Status = HealthCritical
		result.Message = fmt.Sprintf("Critical memory usage: %.1fMB", rssMB)
		mon.alerts.raise(CategoryMemory, SeverityCritical, result.Message, now)
	case rssMB > mon.thresholds.MemoryWarningMB:
		result.Status = HealthWarning
		result.Message = fmt.Sprintf("High memory usage: %.1fMB", rssMB)
		mon.alerts.raise(CategoryMemory, SeverityWarning, result.Message, now)
	default:
		result.Status = HealthHealthy
		result.Message = fmt.Sprintf("Normal memory usage: %.1fMB", rssMB)
		mon.alerts.resolveCategory(CategoryMemory, now)
	}
	return result
}

func (mon *Monitor) checkPerformance(m *Manager, now time.Time) HealthCheckResult {
	snap := m.metrics.Snapshot()
	result := HealthCheckResult{Category: CategoryPerformance, Timestamp: now, Value: snap.SuccessRate}
	if snap.TotalProcessed == 0 {
		result.Status = HealthHealthy
		result.Message = "no attempts yet"
		return result
	}
	switch {
	case snap.SuccessRate < mon.thresholds.SuccessRateCritical:
		result.Status = HealthCritical
		result.Message = fmt.Sprintf("Critical performance: %.1f%% success rate", snap.SuccessRate*100)
		mon.alerts.raise(CategoryPerformance, SeverityCritical, result.Message, now)
	case snap.SuccessRate < mon.thresholds.SuccessRateWarning:
		result.Status = HealthWarning
		result.Message = fmt.Sprintf("Degraded performance: %.1f%% success rate", snap.SuccessRate*100)
		mon.alerts.raise(CategoryPerformance, SeverityWarning, result.Message, now)
	default:
		result.Status = HealthHealthy
		result.Message = fmt.Sprintf("Normal performance: %.1f%% success rate", snap.SuccessRate*100)
		mon.alerts.resolveCategory(CategoryPerformance, now)
	}
	return result
}

func (mon *Monitor) checkActivity(ctx context.Context, m *Manager, now time.Time) HealthCheckResult {
	result := HealthCheckResult{Category: CategoryActivity, Timestamp: now, Status: HealthHealthy}
	if m.processingCount() == 0 {
		result.Message = "idle"
		mon.alerts.resolveCategory(CategoryActivity, now)
		return result
	}
	idle := now.Sub(m.metrics.LastActivity())
	result.Value = idle.Seconds()
	switch {
	case idle > mon.thresholds.InactivityCritical:
		result.Status = HealthCritical
		result.Message = fmt.Sprintf("Queue appears to be hung (inactive %.0fs)", idle.Seconds())
		mon.alerts.raise(CategoryActivity, SeverityError, result.Message, now)
		mon.recovery.EmergencyRecoverAll(ctx, m, mon.cleanup)
		m.metrics.MarkActivity(m.now())
	case idle > mon.thresholds.InactivityWarning:
		result.Status = HealthWarning
		result.Message = fmt.Sprintf("Low queue activity (inactive %.0fs)", idle.Seconds())
		mon.alerts.raise(CategoryActivity, SeverityWarning, result.Message, now)
	default:
		result.Message = "active"
		mon.alerts.resolveCategory(CategoryActivity, now)
	}
	return result
}

func (mon *Monitor) checkDeadlocks(ctx context.Context, m *Manager, now time.Time) HealthCheckResult {
	result := HealthCheckResult{Category: CategoryDeadlocks, Timestamp: now, Status: HealthHealthy, Message: "no stuck items"}

	warn := m.processingOlderThan(mon.thresholds.DeadlockWarning)
	critical := m.processingOlderThan(mon.thresholds.DeadlockCritical)
	stuck := m.processingOlderThan(mon.thresholds.DeadlockThreshold)
	result.Value = float64(len(warn))

	switch {
	case len(critical) > 0:
		result.Status = HealthCritical
		result.Message = fmt.Sprintf("Potential deadlock: %d items stuck", len(critical))
		mon.alerts.raise(CategoryDeadlocks, SeverityCritical, result.Message, now)
	case len(warn) > 0:
		result.Status = HealthWarning
		result.Message = fmt.Sprintf("%d slow items in processing", len(warn))
		mon.alerts.raise(CategoryDeadlocks, SeverityWarning, result.Message, now)
	default:
		mon.alerts.resolveCategory(CategoryDeadlocks, now)
	}

	if len(stuck) > 0 {
		mon.recovery.RecoverStuck(ctx, m, stuck, mon.cleanup)
	}
	return result
}

func (mon *Monitor) checkErrorRate(m *Manager, now time.Time) HealthCheckResult {
	snap := m.metrics.Snapshot()
	result := HealthCheckResult{Category: CategoryErrors, Timestamp: now, Status: HealthHealthy}
	if snap.TotalProcessed == 0 {
		result.Message = "no attempts yet"
		return result
	}
	rate := float64(snap.TotalFailed) / float64(snap.TotalProcessed)
	result.Value = rate
	switch {
	case rate > mon.thresholds.ErrorRateCritical:
		result.Status = HealthCritical
		result.Message = fmt.Sprintf("High error rate: %.1f%%", rate*100)
		mon.alerts.raise(CategoryErrors, SeverityError, result.Message, now)
	case rate > mon.thresholds.ErrorRateWarning:
		result.Status = HealthWarning
		result.Message = fmt.Sprintf("Elevated error rate: %.1f%%", rate*100)
		mon.alerts.raise(CategoryErrors, SeverityWarning, result.Message, now)
	default:
		result.Message = fmt.Sprintf("Normal error rate: %.1f%%", rate*100)
		mon.alerts.resolveCategory(CategoryErrors, now)
	}
	return result
}

func (mon *Monitor) checkSystem(now time.Time) HealthCheckResult {
	result := HealthCheckResult{Category: CategorySystem, Timestamp: now, Status: HealthUnknown}
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		result.Message = "cpu sample unavailable"
		return result
	}
	pct := percents[0]
	result.Value = pct
	switch {
	case pct > mon.thresholds.CPUCriticalPercent:
		result.Status = HealthCritical
		result.Message = fmt.Sprintf("Critical CPU usage: %.0f%%", pct)
		mon.alerts.raise(CategorySystem, SeverityCritical, result.Message, now)
	case pct > mon.thresholds.CPUWarningPercent:
		result.Status = HealthWarning
		result.Message = fmt.Sprintf("High CPU usage: %.0f%%", pct)
		mon.alerts.raise(CategorySystem, SeverityWarning, result.Message, now)
	default:
		result.Status = HealthHealthy
		result.Message = fmt.Sprintf("Normal CPU usage: %.0f%%", pct)
		mon.alerts.resolveCategory(CategorySystem, now)
	}
	return result
}

// adjustLevel escalates to INTENSIVE once active alerts cross the
// threshold and de-escalates after a sustained all-clear.
func (mon *Monitor) adjustLevel(now time.Time) {
	active := mon.alerts.activeCount()
	mon.mu.Lock()
	defer mon.mu.Unlock()

	if active > 0 {
		mon.lastAllClear = time.Time{}
	} else if mon.lastAllClear.IsZero() {
		mon.lastAllClear = now
	}

	switch mon.level {
	case LevelNormal:
		if active >= mon.thresholds.AlertThreshold {
			mon.level = LevelIntensive
			mon.logger.Warn("Escalating monitoring to intensive", "active_alerts", active)
		}
	case LevelIntensive:
		if active == 0 && !mon.lastAllClear.IsZero() && now.Sub(mon.lastAllClear) >= mon.thresholds.DeescalateAfter {
			mon.level = LevelNormal
			mon.logger.Info("De-escalating monitoring to normal")
		}
	}
}
