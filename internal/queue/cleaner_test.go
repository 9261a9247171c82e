package queue

import (
	"testing"
	"time"
)

func addHistoryItem(m *Manager, url string, guildID int64, status Status, age time.Duration) *Item {
	item := &Item{
		URL:     url,
		GuildID: guildID,
		AddedAt: time.Now().Add(-age),
		Status:  status,
	}
	m.mu.Lock()
	switch status {
	case StatusCompleted:
		m.completed[url] = item
	case StatusFailed:
		m.failed[url] = item
	}
	m.mu.Unlock()
	return item
}

func TestHistoryCleanupByAge(t *testing.T) {
	m := newTestManager(t, Config{})
	cfg := DefaultCleanerConfig()
	c := NewCleaner(cfg, testLogger())

	addHistoryItem(m, "old_done", 1, StatusCompleted, 24*time.Hour)
	addHistoryItem(m, "old_failed", 1, StatusFailed, 24*time.Hour)
	addHistoryItem(m, "fresh_done", 1, StatusCompleted, time.Minute)

	cleaned := c.CleanHistory(m)
	if cleaned != 2 {
		t.Errorf("Cleaned %d items, want 2", cleaned)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.completed["fresh_done"]; !ok {
		t.Error("Fresh item should survive")
	}
	if _, ok := m.completed["old_done"]; ok {
		t.Error("Old completed item should be evicted")
	}
	if _, ok := m.failed["old_failed"]; ok {
		t.Error("Old failed item should be evicted")
	}
}

func TestHistoryRetentionFloor(t *testing.T) {
	m := newTestManager(t, Config{})
	cfg := DefaultCleanerConfig()
	cfg.MaxHistoryAge = time.Second // would evict everything without the floor
	c := NewCleaner(cfg, testLogger())

	addHistoryItem(m, "young", 1, StatusCompleted, 30*time.Minute)

	if cleaned := c.CleanHistory(m); cleaned != 0 {
		t.Errorf("Cleaned %d items, want 0 (younger than min retention)", cleaned)
	}
}

func TestHistoryCleanupBySize(t *testing.T) {
	m := newTestManager(t, Config{})
	cfg := DefaultCleanerConfig()
	cfg.Policy = PolicySize
	cfg.SizeThreshold = 3 * 1024 // keep roughly three base-size items
	c := NewCleaner(cfg, testLogger())

	// Higher retry counts estimate larger; they should be evicted first.
	for i, url := range []string{"a", "b", "c", "d"} {
		item := addHistoryItem(m, url, 1, StatusCompleted, 2*time.Hour)
		item.RetryCount = i
	}

	c.CleanHistory(m)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.completed["d"]; ok {
		t.Error("Largest item should be evicted first under size policy")
	}
	if _, ok := m.completed["a"]; !ok {
		t.Error("Smallest item should survive")
	}
}

func TestTrackingReconciliation(t *testing.T) {
	m := newTestManager(t, Config{})
	c := NewCleaner(DefaultCleanerConfig(), testLogger())

	submitN(t, m, "live_url", 1, 0)

	// Poison the indices with entries no collection owns.
	m.mu.Lock()
	m.guildIndex[1]["ghost_url"] = struct{}{}
	m.channelIndex[99] = map[string]struct{}{"ghost_url2": {}}
	m.mu.Unlock()

	removed := c.CleanTracking(m)
	if removed != 2 {
		t.Errorf("Removed %d entries, want 2", removed)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.guildIndex[1]["live_url"]; !ok {
		t.Error("Live URL must stay indexed")
	}
	if _, ok := m.channelIndex[99]; ok {
		t.Error("Emptied channel entry should be dropped")
	}
}

func TestTrackingConservativeHonorsRatio(t *testing.T) {
	m := newTestManager(t, Config{})
	cfg := DefaultCleanerConfig()
	cfg.Strategy = CleanupConservative
	c := NewCleaner(cfg, testLogger())

	// Three live, one ghost: 25% invalid, below the 50% ratio.
	submitN(t, m, "u1", 1, 0)
	submitN(t, m, "u2", 1, 0)
	submitN(t, m, "u3", 1, 0)
	m.mu.Lock()
	m.guildIndex[1]["ghost"] = struct{}{}
	m.mu.Unlock()

	if removed := c.CleanTracking(m); removed != 0 {
		t.Errorf("Conservative strategy removed %d entries below ratio, want 0", removed)
	}
}

func TestClearGuildGraceful(t *testing.T) {
	m := newTestManager(t, Config{})
	cfg := DefaultCleanerConfig()
	c := NewCleaner(cfg, testLogger())

	submitN(t, m, "recent", 1, 0)
	// Back-date one pending item past the grace period.
	m.mu.Lock()
	old := &Item{URL: "stale", GuildID: 1, ChannelID: 10, AddedAt: time.Now().Add(-time.Hour), Status: StatusPending}
	m.insertSortedLocked(old)
	m.addToIndicesLocked(old)
	m.mu.Unlock()

	cleared := c.ClearGuild(m, 1, GuildGraceful)
	if cleared != 1 {
		t.Errorf("Cleared %d items, want 1", cleared)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pendingSet["recent"]; !ok {
		t.Error("Item inside grace period should survive")
	}
	if _, ok := m.pendingSet["stale"]; ok {
		t.Error("Item past grace period should be cleared")
	}
}

func TestClearGuildSelectivePreservesHistory(t *testing.T) {
	m := newTestManager(t, Config{})
	c := NewCleaner(DefaultCleanerConfig(), testLogger())

	submitN(t, m, "pending_url", 1, 0)
	addHistoryItem(m, "done_url", 1, StatusCompleted, time.Hour)

	cleared := c.ClearGuild(m, 1, GuildSelective)
	if cleared != 1 {
		t.Errorf("Cleared %d items, want 1 (pending only)", cleared)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.completed["done_url"]; !ok {
		t.Error("Selective clear must preserve completed history")
	}
}
