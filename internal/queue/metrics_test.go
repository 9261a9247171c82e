package queue

import (
	"testing"
	"time"
)

func TestMetricsCountsAttempts(t *testing.T) {
	m := NewMetrics()
	now := time.Now()

	m.Update(1.0, true, "", now)
	m.Update(2.0, false, "DownloadFailed: boom", now)
	m.Update(3.0, false, "DownloadFailed: boom again", now)

	snap := m.Snapshot()
	if snap.TotalProcessed != 3 {
		t.Errorf("TotalProcessed = %d, want 3", snap.TotalProcessed)
	}
	if snap.TotalFailed != 2 {
		t.Errorf("TotalFailed = %d, want 2", snap.TotalFailed)
	}
	if snap.ErrorsByType["DownloadFailed"] != 2 {
		t.Errorf("ErrorsByType = %v", snap.ErrorsByType)
	}
	if snap.SuccessRate < 0.33 || snap.SuccessRate > 0.34 {
		t.Errorf("SuccessRate = %v, want 1/3", snap.SuccessRate)
	}
	if snap.AvgProcessingTime != 2.0 {
		t.Errorf("AvgProcessingTime = %v, want 2.0", snap.AvgProcessingTime)
	}
	if snap.LastError != "DownloadFailed: boom again" {
		t.Errorf("LastError = %q", snap.LastError)
	}
}

func TestErrorKindExtraction(t *testing.T) {
	cases := map[string]string{
		"DownloadFailed: network":      "DownloadFailed",
		"CompressionError: too big":    "CompressionError",
		"bare message without a colon": "bare message without a colon",
	}
	for in, want := range cases {
		if got := errorKind(in); got != want {
			t.Errorf("errorKind(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRollingWindowCapsAt100(t *testing.T) {
	m := NewMetrics()
	now := time.Now()
	for i := 0; i < 150; i++ {
		m.Update(float64(i), true, "", now)
	}
	snap := m.Snapshot()
	// Window holds 50..149; mean is 99.5.
	if snap.AvgProcessingTime != 99.5 {
		t.Errorf("AvgProcessingTime = %v, want 99.5", snap.AvgProcessingTime)
	}
}

func TestPeakMemoryHighWaterMark(t *testing.T) {
	m := NewMetrics()
	m.UpdateMemoryUsage(100)
	m.UpdateMemoryUsage(250)
	m.UpdateMemoryUsage(180)
	if got := m.Snapshot().PeakMemoryUsage; got != 250 {
		t.Errorf("PeakMemoryUsage = %v, want 250", got)
	}
}

func TestFailureClassCounters(t *testing.T) {
	m := NewMetrics()
	now := time.Now()
	m.Update(1, false, "CompressionError: output exceeds limit after compression", now)
	m.Update(1, false, "HardwareAccelFailed: hardware accel rejected input", now)
	m.RecordHardwareAccelFailure()
	m.RecordCompressionFailure()

	snap := m.Snapshot()
	if snap.CompressionFailures != 2 {
		t.Errorf("CompressionFailures = %d, want 2", snap.CompressionFailures)
	}
	if snap.HardwareAccelFailures != 2 {
		t.Errorf("HardwareAccelFailures = %d, want 2", snap.HardwareAccelFailures)
	}
}

func TestMetricsRestore(t *testing.T) {
	m := NewMetrics()
	m.restore(persistedMetrics{
		TotalProcessed: 42,
		TotalFailed:    7,
		SuccessRate:    0.83,
		ErrorsByType:   map[string]int64{"UploadFailed": 7},
	})
	snap := m.Snapshot()
	if snap.TotalProcessed != 42 || snap.TotalFailed != 7 {
		t.Errorf("Restored totals = %d/%d", snap.TotalProcessed, snap.TotalFailed)
	}
	if snap.ErrorsByType["UploadFailed"] != 7 {
		t.Errorf("Restored histogram = %v", snap.ErrorsByType)
	}

	// Restored totals keep accumulating.
	m.Update(1, false, "UploadFailed: again", time.Now())
	if got := m.Snapshot().TotalProcessed; got != 43 {
		t.Errorf("TotalProcessed after update = %d, want 43", got)
	}
}
