package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// RecoveryStrategy is what we do with one stuck item.
type RecoveryStrategy string

const (
	RecoveryRetry     RecoveryStrategy = "retry"
	RecoveryFail      RecoveryStrategy = "fail"
	RecoveryRequeue   RecoveryStrategy = "requeue"
	RecoveryEmergency RecoveryStrategy = "emergency"
)

// RecoveryPolicy tunes how eagerly stuck items are retried.
type RecoveryPolicy string

const (
	PolicyAggressive   RecoveryPolicy = "aggressive"
	PolicyConservative RecoveryPolicy = "conservative"
	PolicyBalanced     RecoveryPolicy = "balanced"
)

type RecoveryThresholds struct {
	MaxRetries              int
	DeadlockThreshold       time.Duration
	EmergencyThreshold      time.Duration
	BackoffBase             time.Duration
	MaxConcurrentRecoveries int
}

func DefaultRecoveryThresholds() RecoveryThresholds {
	return RecoveryThresholds{
		MaxRetries:              3,
		DeadlockThreshold:       300 * time.Second,
		EmergencyThreshold:      600 * time.Second,
		BackoffBase:             5 * time.Second,
		MaxConcurrentRecoveries: 5,
	}
}

// RecoveryResult records one recovery operation for the tracker.
type RecoveryResult struct {
	URL        string           `json:"url"`
	Strategy   RecoveryStrategy `json:"strategy"`
	Success    bool             `json:"success"`
	Error      string           `json:"error,omitempty"`
	RetryCount int              `json:"retry_count"`
	Timestamp  time.Time        `json:"timestamp"`
}

// recoveryTracker keeps a bounded history of recovery operations plus
// per-URL counters.
type recoveryTracker struct {
	mu         sync.Mutex
	maxHistory int
	history    []RecoveryResult
	active     map[string]struct{}
	counts     map[string]int
	errors     map[string]int
}

func newRecoveryTracker(maxHistory int) *recoveryTracker {
	return &recoveryTracker{
		maxHistory: maxHistory,
		active:     make(map[string]struct{}),
		counts:     make(map[string]int),
		errors:     make(map[string]int),
	}
}

func (t *recoveryTracker) record(r RecoveryResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.history = append(t.history, r)
	if len(t.history) > t.maxHistory {
		t.history = t.history[1:]
	}
	t.counts[r.URL]++
	if !r.Success {
		t.errors[r.URL]++
	}
}

func (t *recoveryTracker) start(url string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[url]; ok {
		return false
	}
	t.active[url] = struct{}{}
	return true
}

func (t *recoveryTracker) end(url string) {
	t.mu.Lock()
	delete(t.active, url)
	t.mu.Unlock()
}

func (t *recoveryTracker) activeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// RecoveryStats is the tracker view exposed through the status API.
type RecoveryStats struct {
	Policy           RecoveryPolicy   `json:"policy"`
	TotalRecoveries  int              `json:"total_recoveries"`
	ActiveRecoveries int              `json:"active_recoveries"`
	ErrorCounts      map[string]int   `json:"error_counts"`
	Recent           []RecoveryResult `json:"recent"`
}

// Recovery moves stuck processing items back into circulation or fails
// them. Operations are serialized by a single lock and bounded by
// MaxConcurrentRecoveries.
type Recovery struct {
	policy     RecoveryPolicy
	thresholds RecoveryThresholds
	tracker    *recoveryTracker
	logger     *slog.Logger

	mu sync.Mutex
}

func NewRecovery(policy RecoveryPolicy, thresholds RecoveryThresholds, logger *slog.Logger) *Recovery {
	if policy == "" {
		policy = PolicyBalanced
	}
	return &Recovery{
		policy:     policy,
		thresholds: thresholds,
		tracker:    newRecoveryTracker(1000),
		logger:     logger,
	}
}

func (r *Recovery) Stats() RecoveryStats {
	r.tracker.mu.Lock()
	defer r.tracker.mu.Unlock()
	recent := r.tracker.history
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}
	errCounts := make(map[string]int, len(r.tracker.errors))
	for k, v := range r.tracker.errors {
		errCounts[k] = v
	}
	return RecoveryStats{
		Policy:           r.policy,
		TotalRecoveries:  len(r.tracker.history),
		ActiveRecoveries: len(r.tracker.active),
		ErrorCounts:      errCounts,
		Recent:           append([]RecoveryResult(nil), recent...),
	}
}

// ShouldRecover reports whether a processing item has been stuck past the
// deadlock threshold.
func (r *Recovery) ShouldRecover(item *Item, now time.Time) bool {
	if item.StartTime == nil {
		return false
	}
	return now.Sub(*item.StartTime) > r.thresholds.DeadlockThreshold
}

// determineStrategy picks the action for one stuck item.
func (r *Recovery) determineStrategy(item *Item, now time.Time) RecoveryStrategy {
	if item.RetryCount >= r.thresholds.MaxRetries {
		return RecoveryFail
	}
	var age time.Duration
	if item.StartTime != nil {
		age = now.Sub(*item.StartTime)
	}
	if age > r.thresholds.EmergencyThreshold {
		return RecoveryEmergency
	}
	switch r.policy {
	case PolicyAggressive:
		return RecoveryRetry
	case PolicyConservative:
		return RecoveryRequeue
	default:
		if item.RetryCount < r.thresholds.MaxRetries/2 {
			return RecoveryRetry
		}
		return RecoveryRequeue
	}
}

// RecoverStuck runs the recovery strategy for each stuck item. cleanup is
// invoked for EMERGENCY items before requeueing so any orphaned
// subprocesses are torn down.
func (r *Recovery) RecoverStuck(ctx context.Context, m *Manager, stuck []*Item, cleanup func(url string)) (recovered, failed int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, item := range stuck {
		if r.tracker.activeCount() >= r.thresholds.MaxConcurrentRecoveries {
			r.logger.Warn("Max concurrent recoveries reached, deferring", "remaining", len(stuck)-recovered-failed)
			break
		}
		if !r.tracker.start(item.URL) {
			continue
		}

		strategy := r.determineStrategy(item, m.now())
		ok := r.execute(ctx, m, item, strategy, cleanup)
		if ok {
			recovered++
		} else {
			failed++
		}

		r.tracker.record(RecoveryResult{
			URL:        item.URL,
			Strategy:   strategy,
			Success:    ok,
			RetryCount: item.RetryCount,
			Timestamp:  m.now(),
		})
		r.tracker.end(item.URL)
	}

	if recovered+failed > 0 {
		r.logger.Info("Recovery complete", "recovered", recovered, "failed", failed)
	}
	return recovered, failed
}

func (r *Recovery) execute(ctx context.Context, m *Manager, item *Item, strategy RecoveryStrategy, cleanup func(url string)) bool {
	switch strategy {
	case RecoveryFail:
		r.logger.Warn("Moving stuck item to failed", "url", item.URL)
		m.failStuck(item, "Timeout: exceeded maximum retries after being stuck")
		return false

	case RecoveryRetry:
		r.logger.Info("Recovering stuck item for retry", "url", item.URL)
		m.requeueStuck(item, stuckRequeue{priorityDelta: -2})
		return true

	case RecoveryRequeue:
		// retry_count increments on requeue, so the delay doubles per pass
		backoff := r.thresholds.BackoffBase << uint(item.RetryCount)
		if backoff > 60*time.Second {
			backoff = 60 * time.Second
		}
		r.logger.Info("Requeueing stuck item", "url", item.URL, "backoff", backoff)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		m.requeueStuck(item, stuckRequeue{resetPriority: true})
		return true

	default: // EMERGENCY
		r.logger.Warn("Emergency recovery", "url", item.URL)
		if cleanup != nil {
			cleanup(item.URL)
		}
		m.requeueStuck(item, stuckRequeue{resetRetries: true, forcePriority: 10})
		return true
	}
}

// EmergencyRecoverAll resets every processing item. Triggered when the
// activity check declares the queue hung.
func (r *Recovery) EmergencyRecoverAll(ctx context.Context, m *Manager, cleanup func(url string)) {
	r.logger.Warn("Performing emergency recovery of all processing items")
	stuck := m.processingOlderThan(0)
	r.RecoverStuck(ctx, m, stuck, cleanup)
}

type stuckRequeue struct {
	priorityDelta int
	resetPriority bool
	forcePriority int
	resetRetries  bool
}

// requeueStuck moves a stuck processing item back to pending, cancelling
// the worker that still holds it so its eventual result is dropped. No-op
// if a worker finalized the item in the meantime.
func (m *Manager) requeueStuck(item *Item, opts stuckRequeue) {
	m.cancelItem(item.URL)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.processing[item.URL] != item {
		return
	}
	delete(m.processing, item.URL)

	switch {
	case opts.resetRetries:
		item.RetryCount = 0
		item.Priority = opts.forcePriority
	case opts.resetPriority:
		item.RetryCount++
		item.Priority = 0
	default:
		item.RetryCount++
		item.Priority += opts.priorityDelta
		if item.Priority < 0 {
			item.Priority = 0
		}
	}
	item.resetForRetry(m.now())
	m.insertSortedLocked(item)
	m.dirty = true
	m.cond.Signal()
}

// failStuck moves a stuck processing item straight to failed.
func (m *Manager) failStuck(item *Item, errMsg string) {
	m.cancelItem(item.URL)
	now := m.now()
	m.mu.Lock()
	if m.processing[item.URL] != item {
		m.mu.Unlock()
		return
	}
	delete(m.processing, item.URL)
	item.finishProcessing(now, false, errMsg)
	item.Status = StatusFailed
	m.failed[item.URL] = item
	m.removeFromIndicesLocked(item)
	m.dirty = true
	m.mu.Unlock()

	m.metrics.Update(float64(item.ProcessingTime), false, errMsg, now)
}
