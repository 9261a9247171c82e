package queue

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// CleanupPolicy selects what qualifies history items for eviction.
type CleanupPolicy string

const (
	PolicyAge    CleanupPolicy = "age"
	PolicySize   CleanupPolicy = "size"
	PolicyHybrid CleanupPolicy = "hybrid"
)

// CleanupStrategy tunes how the hybrid policy combines its inputs and how
// aggressively tracking entries are revalidated.
type CleanupStrategy string

const (
	CleanupAggressive   CleanupStrategy = "aggressive"
	CleanupConservative CleanupStrategy = "conservative"
	CleanupBalanced     CleanupStrategy = "balanced"
)

// GuildCleanupStrategy selects how Clear removes a guild's items.
type GuildCleanupStrategy string

const (
	GuildFull      GuildCleanupStrategy = "full"
	GuildSelective GuildCleanupStrategy = "selective"
	GuildGraceful  GuildCleanupStrategy = "graceful"
)

type CleanerConfig struct {
	Interval           time.Duration
	MaxHistoryAge      time.Duration
	MinRetentionTime   time.Duration
	SizeThreshold      int64 // bytes of estimated history footprint
	BatchSize          int
	EmergencyThreshold int
	GracePeriod        time.Duration
	MaxInvalidRatio    float64
	Policy             CleanupPolicy
	Strategy           CleanupStrategy
}

func DefaultCleanerConfig() CleanerConfig {
	return CleanerConfig{
		Interval:           1800 * time.Second,
		MaxHistoryAge:      43200 * time.Second,
		MinRetentionTime:   3600 * time.Second,
		SizeThreshold:      100 * 1024 * 1024,
		BatchSize:          100,
		EmergencyThreshold: 10000,
		GracePeriod:        300 * time.Second,
		MaxInvalidRatio:    0.5,
		Policy:             PolicyHybrid,
		Strategy:           CleanupBalanced,
	}
}

// CleanupResult records one cleanup pass for the tracker.
type CleanupResult struct {
	Timestamp    time.Time     `json:"timestamp"`
	Phase        string        `json:"phase"`
	ItemsCleaned int           `json:"items_cleaned"`
	SpaceFreed   int64         `json:"space_freed"`
	Duration     time.Duration `json:"duration"`
}

type cleanupTracker struct {
	mu           sync.Mutex
	maxHistory   int
	history      []CleanupResult
	totalCleaned int
	totalFreed   int64
	lastCleanup  time.Time
}

func (t *cleanupTracker) record(r CleanupResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.history = append(t.history, r)
	if len(t.history) > t.maxHistory {
		t.history = t.history[1:]
	}
	t.totalCleaned += r.ItemsCleaned
	t.totalFreed += r.SpaceFreed
	t.lastCleanup = r.Timestamp
}

// CleanupStats is the tracker view exposed through the status API.
type CleanupStats struct {
	TotalCleanups int             `json:"total_cleanups"`
	TotalCleaned  int             `json:"total_items_cleaned"`
	TotalFreed    int64           `json:"total_space_freed"`
	LastCleanup   time.Time       `json:"last_cleanup"`
	Recent        []CleanupResult `json:"recent"`
}

// Cleaner bounds queue memory: history eviction, index reconciliation, and
// guild clears. Each phase takes the queue lock separately so workers are
// never blocked for long.
type Cleaner struct {
	cfg     CleanerConfig
	tracker *cleanupTracker
	logger  *slog.Logger

	mu            sync.Mutex
	lastEmergency time.Time
}

func NewCleaner(cfg CleanerConfig, logger *slog.Logger) *Cleaner {
	if cfg.Interval <= 0 {
		cfg = DefaultCleanerConfig()
	}
	return &Cleaner{
		cfg:     cfg,
		tracker: &cleanupTracker{maxHistory: 1000},
		logger:  logger,
	}
}

func (c *Cleaner) Stats() CleanupStats {
	c.tracker.mu.Lock()
	defer c.tracker.mu.Unlock()
	recent := c.tracker.history
	if len(recent) > 5 {
		recent = recent[len(recent)-5:]
	}
	return CleanupStats{
		TotalCleanups: len(c.tracker.history),
		TotalCleaned:  c.tracker.totalCleaned,
		TotalFreed:    c.tracker.totalFreed,
		LastCleanup:   c.tracker.lastCleanup,
		Recent:        append([]CleanupResult(nil), recent...),
	}
}

// Start runs scheduled cleanup until the context is cancelled. An
// oversized pending queue triggers an emergency pass, at most once per
// five minutes.
func (c *Cleaner) Start(ctx context.Context, m *Manager) {
	go func() {
		ticker := time.NewTicker(c.cfg.Interval)
		emergencyTicker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		defer emergencyTicker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.run(m)
			case <-emergencyTicker.C:
				if m.pendingCount() <= c.cfg.EmergencyThreshold {
					continue
				}
				c.mu.Lock()
				due := time.Since(c.lastEmergency) > 5*time.Minute
				if due {
					c.lastEmergency = time.Now()
				}
				c.mu.Unlock()
				if due {
					c.logger.Warn("Emergency cleanup triggered", "pending", m.pendingCount())
					c.run(m)
				}
			}
		}
	}()
	c.logger.Info("Queue cleanup started", "interval", c.cfg.Interval)
}

func (c *Cleaner) run(m *Manager) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Cleanup panic recovered", "panic", r)
		}
	}()
	c.CleanHistory(m)
	c.CleanTracking(m)
}

// estimateItemSize approximates an item's memory footprint.
func estimateItemSize(item *Item) int64 {
	const base = 1024
	return base * int64(item.RetryCount+1)
}

// cutoff computes the age threshold, honoring the retention floor.
func (c *Cleaner) cutoff(now time.Time) time.Time {
	age := c.cfg.MaxHistoryAge
	switch c.cfg.Strategy {
	case CleanupAggressive:
		age = age / 2
	case CleanupConservative:
		age = age * 2
	}
	if age < c.cfg.MinRetentionTime {
		age = c.cfg.MinRetentionTime
	}
	return now.Add(-age)
}

// CleanHistory evicts old completed and failed entries.
func (c *Cleaner) CleanHistory(m *Manager) int {
	start := time.Now()
	m.mu.Lock()
	now := m.now()
	cut := c.cutoff(now)
	floor := now.Add(-c.cfg.MinRetentionTime)

	cleaned := 0
	var freed int64
	for _, collection := range []map[string]*Item{m.completed, m.failed} {
		for _, url := range c.selectHistory(collection, cut, floor) {
			freed += estimateItemSize(collection[url])
			delete(collection, url)
			cleaned++
		}
	}
	if cleaned > 0 {
		m.dirty = true
	}
	m.mu.Unlock()

	c.tracker.record(CleanupResult{
		Timestamp:    now,
		Phase:        "history",
		ItemsCleaned: cleaned,
		SpaceFreed:   freed,
		Duration:     time.Since(start),
	})
	if cleaned > 0 {
		c.logger.Debug("Cleaned history items", "count", cleaned)
	}
	return cleaned
}

// selectHistory applies the policy. The retention floor always wins: items
// younger than MinRetentionTime are never evicted.
func (c *Cleaner) selectHistory(items map[string]*Item, cut, floor time.Time) []string {
	byAge := make(map[string]struct{})
	for url, item := range items {
		if item.AddedAt.Before(cut) && item.AddedAt.Before(floor) {
			byAge[url] = struct{}{}
		}
	}

	bySize := make(map[string]struct{})
	if c.cfg.Policy == PolicySize || c.cfg.Policy == PolicyHybrid {
		type sized struct {
			url  string
			size int64
		}
		var all []sized
		var total int64
		for url, item := range items {
			s := estimateItemSize(item)
			all = append(all, sized{url, s})
			total += s
		}
		sort.Slice(all, func(i, j int) bool { return all[i].size > all[j].size })
		for _, s := range all {
			if total <= c.cfg.SizeThreshold {
				break
			}
			if items[s.url].AddedAt.Before(floor) {
				bySize[s.url] = struct{}{}
				total -= s.size
			}
		}
	}

	var selected map[string]struct{}
	switch c.cfg.Policy {
	case PolicySize:
		selected = bySize
	case PolicyHybrid:
		switch c.cfg.Strategy {
		case CleanupAggressive: // union
			selected = byAge
			for url := range bySize {
				selected[url] = struct{}{}
			}
		case CleanupConservative: // intersection
			selected = make(map[string]struct{})
			for url := range byAge {
				if _, ok := bySize[url]; ok {
					selected[url] = struct{}{}
				}
			}
		default: // balanced: age only
			selected = byAge
		}
	default:
		selected = byAge
	}

	out := make([]string, 0, len(selected))
	for url := range selected {
		out = append(out, url)
	}
	return out
}

// CleanTracking reconciles the guild and channel indices against the live
// pending and processing sets.
func (c *Cleaner) CleanTracking(m *Manager) int {
	start := time.Now()
	m.mu.Lock()
	now := m.now()

	live := make(map[string]struct{}, len(m.pending)+len(m.processing))
	for _, item := range m.pending {
		live[item.URL] = struct{}{}
	}
	for url := range m.processing {
		live[url] = struct{}{}
	}

	removed := 0
	for _, index := range []map[int64]map[string]struct{}{m.guildIndex, m.channelIndex} {
		for id, urls := range index {
			invalid := 0
			for url := range urls {
				if _, ok := live[url]; !ok {
					invalid++
				}
			}
			if invalid == 0 {
				continue
			}
			if c.cfg.Strategy == CleanupConservative {
				if float64(invalid)/float64(len(urls)) <= c.cfg.MaxInvalidRatio {
					continue
				}
			}
			for url := range urls {
				if _, ok := live[url]; !ok {
					delete(urls, url)
					removed++
				}
			}
			if len(urls) == 0 {
				delete(index, id)
			}
		}
	}
	m.mu.Unlock()

	c.tracker.record(CleanupResult{
		Timestamp:    now,
		Phase:        "tracking",
		ItemsCleaned: removed,
		Duration:     time.Since(start),
	})
	if removed > 0 {
		c.logger.Debug("Reconciled tracking indices", "removed", removed)
	}
	return removed
}

// ClearGuild removes a guild's items on demand. FULL delegates to the
// manager's clear; GRACEFUL only touches items older than the grace
// period; SELECTIVE preserves history collections. Work proceeds in
// batches with the lock released between them.
func (c *Cleaner) ClearGuild(m *Manager, guildID int64, strategy GuildCleanupStrategy) int {
	start := time.Now()
	var cleared int
	switch strategy {
	case GuildGraceful:
		cleared = c.clearGuildFiltered(m, guildID, false, func(item *Item) bool {
			return m.now().Sub(item.AddedAt) > c.cfg.GracePeriod
		})
	case GuildSelective:
		cleared = c.clearGuildFiltered(m, guildID, true, func(item *Item) bool { return true })
	default:
		cleared = m.Clear(guildID)
	}

	c.tracker.record(CleanupResult{
		Timestamp:    m.now(),
		Phase:        "guild",
		ItemsCleaned: cleared,
		Duration:     time.Since(start),
	})
	return cleared
}

func (c *Cleaner) clearGuildFiltered(m *Manager, guildID int64, preserveHistory bool, match func(*Item) bool) int {
	cleared := 0

	m.mu.Lock()
	kept := m.pending[:0]
	for _, item := range m.pending {
		if item.GuildID == guildID && match(item) {
			delete(m.pendingSet, item.URL)
			m.removeFromIndicesLocked(item)
			cleared++
			continue
		}
		kept = append(kept, item)
	}
	m.pending = kept

	var cancelURLs []string
	for url, item := range m.processing {
		if item.GuildID == guildID && match(item) {
			delete(m.processing, url)
			m.removeFromIndicesLocked(item)
			cancelURLs = append(cancelURLs, url)
			cleared++
		}
	}
	m.dirty = cleared > 0 || m.dirty
	m.mu.Unlock()

	if !preserveHistory {
		// History can be large; delete in batches so workers can slip in
		// between lock holds.
		for _, collection := range []map[string]*Item{m.completed, m.failed} {
			for {
				m.mu.Lock()
				batch := 0
				for url, item := range collection {
					if item.GuildID == guildID && match(item) {
						delete(collection, url)
						cleared++
						batch++
						if batch >= c.cfg.BatchSize {
							break
						}
					}
				}
				m.mu.Unlock()
				if batch < c.cfg.BatchSize {
					break
				}
			}
		}
	}

	for _, url := range cancelURLs {
		m.cancelItem(url)
	}
	return cleared
}
