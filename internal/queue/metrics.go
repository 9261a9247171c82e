package queue

import (
	"strings"
	"sync"
	"time"
)

// Metrics tracks queue throughput and health. Update is called once per
// terminal handler invocation, so totals count attempts, not items.
type Metrics struct {
	mu sync.Mutex

	TotalProcessed        int64
	TotalFailed           int64
	AvgProcessingTime     float64
	SuccessRate           float64
	ErrorsByType          map[string]int64
	LastError             string
	LastErrorTime         *time.Time
	PeakMemoryUsage       float64 // MB
	CompressionFailures   int64
	HardwareAccelFailures int64

	processingTimes  []float64 // sliding window, last 100
	lastActivityTime time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{
		ErrorsByType:     make(map[string]int64),
		lastActivityTime: time.Now(),
	}
}

// Update records the outcome of one processing attempt.
func (m *Metrics) Update(processingTime float64, success bool, errMsg string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TotalProcessed++
	if !success {
		m.TotalFailed++
		if errMsg != "" {
			m.LastError = errMsg
			t := now
			m.LastErrorTime = &t
			m.ErrorsByType[errorKind(errMsg)]++

			lower := strings.ToLower(errMsg)
			if strings.Contains(lower, "compression") {
				m.CompressionFailures++
			} else if strings.Contains(lower, "hardware accel") {
				m.HardwareAccelFailures++
			}
		}
	}

	m.processingTimes = append(m.processingTimes, processingTime)
	if len(m.processingTimes) > 100 {
		m.processingTimes = m.processingTimes[len(m.processingTimes)-100:]
	}

	var sum float64
	for _, t := range m.processingTimes {
		sum += t
	}
	if len(m.processingTimes) > 0 {
		m.AvgProcessingTime = sum / float64(len(m.processingTimes))
	}

	if m.TotalProcessed > 0 {
		m.SuccessRate = float64(m.TotalProcessed-m.TotalFailed) / float64(m.TotalProcessed)
	}
}

// errorKind extracts the taxonomy prefix from "Kind: detail" messages.
func errorKind(errMsg string) string {
	if idx := strings.Index(errMsg, ":"); idx > 0 {
		return strings.TrimSpace(errMsg[:idx])
	}
	return errMsg
}

func (m *Metrics) MarkActivity(now time.Time) {
	m.mu.Lock()
	m.lastActivityTime = now
	m.mu.Unlock()
}

func (m *Metrics) LastActivity() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActivityTime
}

// RecordHardwareAccelFailure counts a hardware encode attempt that fell
// back to software, independent of item outcome.
func (m *Metrics) RecordHardwareAccelFailure() {
	m.mu.Lock()
	m.HardwareAccelFailures++
	m.mu.Unlock()
}

// RecordCompressionFailure counts a transcode that failed or could not fit
// the size cap.
func (m *Metrics) RecordCompressionFailure() {
	m.mu.Lock()
	m.CompressionFailures++
	m.mu.Unlock()
}

// UpdateMemoryUsage keeps the high-water mark of sampled RSS.
func (m *Metrics) UpdateMemoryUsage(mb float64) {
	m.mu.Lock()
	if mb > m.PeakMemoryUsage {
		m.PeakMemoryUsage = mb
	}
	m.mu.Unlock()
}

// MetricsSnapshot is an immutable copy handed to callers.
type MetricsSnapshot struct {
	TotalProcessed        int64            `json:"total_processed"`
	TotalFailed           int64            `json:"total_failed"`
	AvgProcessingTime     float64          `json:"avg_processing_time"`
	SuccessRate           float64          `json:"success_rate"`
	ErrorsByType          map[string]int64 `json:"errors_by_type"`
	LastError             string           `json:"last_error,omitempty"`
	LastErrorTime         *time.Time       `json:"last_error_time,omitempty"`
	PeakMemoryUsage       float64          `json:"peak_memory_usage"`
	CompressionFailures   int64            `json:"compression_failures"`
	HardwareAccelFailures int64            `json:"hardware_accel_failures"`
	LastActivity          time.Time        `json:"last_activity"`
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	errs := make(map[string]int64, len(m.ErrorsByType))
	for k, v := range m.ErrorsByType {
		errs[k] = v
	}
	return MetricsSnapshot{
		TotalProcessed:        m.TotalProcessed,
		TotalFailed:           m.TotalFailed,
		AvgProcessingTime:     m.AvgProcessingTime,
		SuccessRate:           m.SuccessRate,
		ErrorsByType:          errs,
		LastError:             m.LastError,
		LastErrorTime:         m.LastErrorTime,
		PeakMemoryUsage:       m.PeakMemoryUsage,
		CompressionFailures:   m.CompressionFailures,
		HardwareAccelFailures: m.HardwareAccelFailures,
		LastActivity:          m.lastActivityTime,
	}
}

// restore reloads persisted totals after a restart.
func (m *Metrics) restore(s persistedMetrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalProcessed = s.TotalProcessed
	m.TotalFailed = s.TotalFailed
	m.AvgProcessingTime = s.AvgProcessingTime
	m.SuccessRate = s.SuccessRate
	if s.ErrorsByType != nil {
		m.ErrorsByType = s.ErrorsByType
	}
	m.LastError = s.LastError
	m.LastErrorTime = s.LastErrorTime
	m.CompressionFailures = s.CompressionFailures
	m.HardwareAccelFailures = s.HardwareAccelFailures
}
