package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

var (
	ErrQueueFull = errors.New("queue is full")
	ErrDuplicate = errors.New("url already queued")
	ErrShutdown  = errors.New("queue manager is shutting down")
)

// Handler processes one claimed item. It returns whether the attempt
// succeeded and, on failure, an error string of the form "Kind: detail".
type Handler func(ctx context.Context, item *Item) (bool, string)

// cancelEntry wraps a worker's cancel func; pointer identity tells a
// finishing worker whether the registration is still its own.
type cancelEntry struct {
	cancel context.CancelFunc
}

type Config struct {
	MaxRetries          int
	MaxQueueSize        int
	ConcurrentDownloads int
	PersistInterval     time.Duration
}

func (c *Config) withDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 1000
	}
	if c.ConcurrentDownloads <= 0 {
		c.ConcurrentDownloads = 3
	}
	if c.ConcurrentDownloads > 5 {
		c.ConcurrentDownloads = 5
	}
	if c.PersistInterval <= 0 {
		c.PersistInterval = 60 * time.Second
	}
}

// Manager owns the four item collections and their derived indices.
// Every mutation happens under a single mutex, held briefly; the handler
// runs with no lock held.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics
	persist *Persistence

	mu           sync.Mutex
	cond         *sync.Cond
	pending      []*Item
	pendingSet   map[string]*Item
	processing   map[string]*Item
	completed    map[string]*Item
	failed       map[string]*Item
	guildIndex   map[int64]map[string]struct{}
	channelIndex map[int64]map[string]struct{}
	shuttingDown bool
	dirty        bool

	cancelMu sync.Mutex
	cancels  map[string]*cancelEntry

	wg  sync.WaitGroup
	now func() time.Time
}

func NewManager(cfg Config, persist *Persistence, logger *slog.Logger) *Manager {
	cfg.withDefaults()
	m := &Manager{
		cfg:          cfg,
		logger:       logger,
		metrics:      NewMetrics(),
		persist:      persist,
		pendingSet:   make(map[string]*Item),
		processing:   make(map[string]*Item),
		completed:    make(map[string]*Item),
		failed:       make(map[string]*Item),
		guildIndex:   make(map[int64]map[string]struct{}),
		channelIndex: make(map[int64]map[string]struct{}),
		cancels:      make(map[string]*cancelEntry),
		now:          time.Now,
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *Manager) Metrics() *Metrics { return m.metrics }

// LoadState restores persisted state. Items that were mid-flight when the
// previous process died have no owning worker anymore, so they rejoin the
// pending queue. Indices are always rebuilt, never trusted from disk.
func (m *Manager) LoadState() error {
	if m.persist == nil {
		return nil
	}
	state, err := m.persist.Load()
	if err != nil {
		return err
	}
	if state == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, item := range state.Queue {
		item.Status = StatusPending
		m.insertSortedLocked(item)
	}
	recovered := 0
	for _, item := range state.Processing {
		item.Status = StatusPending
		item.StartTime = nil
		m.insertSortedLocked(item)
		recovered++
	}
	for url, item := range state.Completed {
		item.Status = StatusCompleted
		m.completed[url] = item
	}
	for url, item := range state.Failed {
		item.Status = StatusFailed
		m.failed[url] = item
	}
	m.metrics.restore(state.Metrics)

	for _, item := range m.pending {
		m.addToIndicesLocked(item)
	}

	m.logger.Info("Loaded persisted queue state",
		"pending", len(m.pending),
		"recovered_inflight", recovered,
		"completed", len(m.completed),
		"failed", len(m.failed))
	return nil
}

// Submit enqueues a URL for archiving. Duplicates still pending or in
// flight are rejected; completed and failed URLs may be resubmitted.
func (m *Manager) Submit(url string, messageID, channelID, guildID, authorID int64, priority int) error {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return ErrShutdown
	}
	if len(m.pending) >= m.cfg.MaxQueueSize {
		m.mu.Unlock()
		return ErrQueueFull
	}
	if _, ok := m.pendingSet[url]; ok {
		m.mu.Unlock()
		return ErrDuplicate
	}
	if _, ok := m.processing[url]; ok {
		m.mu.Unlock()
		return ErrDuplicate
	}

	now := m.now()
	item := &Item{
		URL:       url,
		MessageID: messageID,
		ChannelID: channelID,
		GuildID:   guildID,
		AuthorID:  authorID,
		Priority:  priority,
		AddedAt:   now,
		Status:    StatusPending,
	}
	// A resubmitted URL leaves the history, so it stays in one collection.
	delete(m.completed, url)
	delete(m.failed, url)
	m.insertSortedLocked(item)
	m.addToIndicesLocked(item)
	m.metrics.MarkActivity(now)
	m.cond.Signal()

	var state *State
	if m.persist != nil {
		state = m.snapshotLocked()
	}
	m.mu.Unlock()

	if state != nil {
		if err := m.persist.Save(state); err != nil {
			m.logger.Error("Failed to persist queue state on submit", "error", err)
		}
	}

	m.logger.Info("Added to queue", "url", url, "guild", guildID, "priority", priority)
	return nil
}

// Run starts the worker pool. Workers claim items until shutdown. The call
// returns immediately; use Shutdown to drain.
func (m *Manager) Run(ctx context.Context, handler Handler) {
	for i := 0; i < m.cfg.ConcurrentDownloads; i++ {
		m.wg.Add(1)
		go m.worker(ctx, handler)
	}
	go func() {
		<-ctx.Done()
		m.stopClaiming()
	}()
	m.logger.Info("Queue workers started", "count", m.cfg.ConcurrentDownloads)
}

func (m *Manager) worker(ctx context.Context, handler Handler) {
	defer m.wg.Done()
	for {
		item := m.claim()
		if item == nil {
			return
		}

		itemCtx, cancel := context.WithCancel(ctx)
		entry := &cancelEntry{cancel: cancel}
		m.cancelMu.Lock()
		m.cancels[item.URL] = entry
		m.cancelMu.Unlock()

		ok, errMsg := m.invoke(itemCtx, handler, item)

		// A recovered-and-reclaimed URL may own a newer entry by now;
		// only remove our own registration.
		m.cancelMu.Lock()
		if m.cancels[item.URL] == entry {
			delete(m.cancels, item.URL)
		}
		m.cancelMu.Unlock()
		cancel()

		m.finalize(item, ok, errMsg)
	}
}

// invoke runs the handler with panic containment so a bad item cannot
// poison the pool.
func (m *Manager) invoke(ctx context.Context, handler Handler, item *Item) (ok bool, errMsg string) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Worker panic recovered", "url", item.URL, "panic", r)
			ok = false
			errMsg = fmt.Sprintf("panic: %v", r)
		}
	}()
	return handler(ctx, item)
}

// claim blocks until an item is available or shutdown begins, then moves
// the head of the pending queue into processing.
func (m *Manager) claim() *Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.pending) == 0 && !m.shuttingDown {
		m.cond.Wait()
	}
	if m.shuttingDown {
		return nil
	}
	item := m.pending[0]
	m.pending = m.pending[1:]
	delete(m.pendingSet, item.URL)
	item.startProcessing(m.now())
	m.processing[item.URL] = item
	m.metrics.MarkActivity(m.now())
	return item
}

// finalize applies the outcome of one attempt: completed on success,
// retry with decayed priority while attempts remain, failed otherwise.
func (m *Manager) finalize(item *Item, ok bool, errMsg string) {
	now := m.now()

	m.mu.Lock()
	if m.processing[item.URL] != item {
		// Cleared or recovered out from under the worker; drop the result
		// without touching the item, which may be live again elsewhere.
		m.mu.Unlock()
		return
	}
	item.finishProcessing(now, ok, errMsg)
	delete(m.processing, item.URL)

	target := StatusCompleted
	if !ok {
		if item.RetryCount < m.cfg.MaxRetries {
			target = StatusPending
		} else {
			target = StatusFailed
		}
	}
	if !canTransition(item.Status, target) {
		m.logger.Error("Invalid state transition", "url", item.URL, "from", item.Status, "to", target)
	}

	switch {
	case ok:
		item.Status = StatusCompleted
		m.completed[item.URL] = item
		m.removeFromIndicesLocked(item)
		m.logger.Info("Successfully processed", "url", item.URL, "seconds", float64(item.ProcessingTime))
	case item.RetryCount < m.cfg.MaxRetries:
		item.RetryCount++
		if item.Priority > 0 {
			item.Priority--
		}
		item.resetForRetry(now)
		m.insertSortedLocked(item)
		m.cond.Signal()
		m.logger.Warn("Retrying item", "url", item.URL, "attempt", item.RetryCount, "error", errMsg)
	default:
		item.Status = StatusFailed
		m.failed[item.URL] = item
		m.removeFromIndicesLocked(item)
		m.logger.Error("Failed after max retries", "url", item.URL, "error", errMsg)
	}
	m.dirty = true
	m.mu.Unlock()

	m.metrics.Update(float64(item.ProcessingTime), ok, errMsg, now)
	m.metrics.MarkActivity(now)
}

// StatusReport is a point-in-time view for one guild.
type StatusReport struct {
	Pending    int             `json:"pending"`
	Processing int             `json:"processing"`
	Completed  int             `json:"completed"`
	Failed     int             `json:"failed"`
	Metrics    MetricsSnapshot `json:"metrics"`
}

func (m *Manager) Status(guildID int64) StatusReport {
	m.mu.Lock()
	var r StatusReport
	for _, item := range m.pending {
		if item.GuildID == guildID {
			r.Pending++
		}
	}
	for _, item := range m.processing {
		if item.GuildID == guildID {
			r.Processing++
		}
	}
	for _, item := range m.completed {
		if item.GuildID == guildID {
			r.Completed++
		}
	}
	for _, item := range m.failed {
		if item.GuildID == guildID {
			r.Failed++
		}
	}
	m.mu.Unlock()
	r.Metrics = m.metrics.Snapshot()
	return r
}

// Clear removes every item for a guild across all collections. In-flight
// downloads are cancelled; their results are dropped when the workers
// finalize.
func (m *Manager) Clear(guildID int64) int {
	m.mu.Lock()
	cleared := 0
	var cancelURLs []string

	kept := m.pending[:0]
	for _, item := range m.pending {
		if item.GuildID == guildID {
			delete(m.pendingSet, item.URL)
			m.removeFromIndicesLocked(item)
			cleared++
			continue
		}
		kept = append(kept, item)
	}
	m.pending = kept

	for url, item := range m.processing {
		if item.GuildID == guildID {
			delete(m.processing, url)
			m.removeFromIndicesLocked(item)
			cancelURLs = append(cancelURLs, url)
			cleared++
		}
	}
	for url, item := range m.completed {
		if item.GuildID == guildID {
			delete(m.completed, url)
			cleared++
		}
	}
	for url, item := range m.failed {
		if item.GuildID == guildID {
			delete(m.failed, url)
			cleared++
		}
	}
	m.dirty = true
	m.mu.Unlock()

	for _, url := range cancelURLs {
		m.cancelItem(url)
	}

	m.logger.Info("Cleared guild items", "guild", guildID, "count", cleared)
	return cleared
}

func (m *Manager) stopClaiming() {
	m.mu.Lock()
	m.shuttingDown = true
	m.cond.Broadcast()
	m.mu.Unlock()
}

// cancelItem cancels the in-flight handler for one URL, if any.
func (m *Manager) cancelItem(url string) {
	m.cancelMu.Lock()
	if entry, ok := m.cancels[url]; ok {
		entry.cancel()
	}
	m.cancelMu.Unlock()
}

func (m *Manager) cancelAll() {
	m.cancelMu.Lock()
	for _, entry := range m.cancels {
		entry.cancel()
	}
	m.cancelMu.Unlock()
}

// Shutdown stops intake, drains workers within the timeout, force-cancels
// stragglers, then returns in-flight items to pending (or failed once out
// of retries) and writes a final snapshot.
func (m *Manager) Shutdown(timeout time.Duration) error {
	m.stopClaiming()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		m.logger.Warn("Shutdown timeout exceeded, force-cancelling workers")
		m.cancelAll()
		select {
		case <-done:
		case <-time.After(500 * time.Millisecond):
			m.logger.Error("Workers did not exit after force-cancel")
		}
	}

	m.mu.Lock()
	for url, item := range m.processing {
		delete(m.processing, url)
		if item.RetryCount < m.cfg.MaxRetries {
			item.RetryCount++
			item.resetForRetry(m.now())
			m.insertSortedLocked(item)
		} else {
			item.Status = StatusFailed
			item.StartTime = nil
			m.failed[url] = item
			m.removeFromIndicesLocked(item)
		}
	}
	var state *State
	if m.persist != nil {
		state = m.snapshotLocked()
	}
	m.mu.Unlock()

	if state != nil {
		if err := m.persist.Save(state); err != nil {
			return fmt.Errorf("final state snapshot: %w", err)
		}
	}
	m.logger.Info("Queue manager shut down")
	return nil
}

// StartSnapshotter persists state periodically while it is dirty.
func (m *Manager) StartSnapshotter(ctx context.Context) {
	if m.persist == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(m.cfg.PersistInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.mu.Lock()
				if !m.dirty {
					m.mu.Unlock()
					continue
				}
				m.dirty = false
				state := m.snapshotLocked()
				m.mu.Unlock()
				if err := m.persist.Save(state); err != nil {
					m.logger.Error("Periodic snapshot failed", "error", err)
					m.mu.Lock()
					m.dirty = true
					m.mu.Unlock()
				}
			}
		}
	}()
}

// --- internal helpers, callers hold m.mu ---

func (m *Manager) insertSortedLocked(item *Item) {
	item.Status = StatusPending
	idx := sort.Search(len(m.pending), func(j int) bool {
		return item.before(m.pending[j])
	})
	m.pending = append(m.pending, nil)
	copy(m.pending[idx+1:], m.pending[idx:])
	m.pending[idx] = item
	m.pendingSet[item.URL] = item
}

func (m *Manager) addToIndicesLocked(item *Item) {
	if m.guildIndex[item.GuildID] == nil {
		m.guildIndex[item.GuildID] = make(map[string]struct{})
	}
	m.guildIndex[item.GuildID][item.URL] = struct{}{}
	if m.channelIndex[item.ChannelID] == nil {
		m.channelIndex[item.ChannelID] = make(map[string]struct{})
	}
	m.channelIndex[item.ChannelID][item.URL] = struct{}{}
}

func (m *Manager) removeFromIndicesLocked(item *Item) {
	if urls, ok := m.guildIndex[item.GuildID]; ok {
		delete(urls, item.URL)
		if len(urls) == 0 {
			delete(m.guildIndex, item.GuildID)
		}
	}
	if urls, ok := m.channelIndex[item.ChannelID]; ok {
		delete(urls, item.URL)
		if len(urls) == 0 {
			delete(m.channelIndex, item.ChannelID)
		}
	}
}

// snapshotLocked copies the collections into a persistable document.
func (m *Manager) snapshotLocked() *State {
	state := &State{
		Version:    stateVersion,
		Timestamp:  m.now().UTC(),
		Queue:      make([]*Item, 0, len(m.pending)),
		Processing: make(map[string]*Item, len(m.processing)),
		Completed:  make(map[string]*Item, len(m.completed)),
		Failed:     make(map[string]*Item, len(m.failed)),
	}
	for _, item := range m.pending {
		cp := *item
		state.Queue = append(state.Queue, &cp)
	}
	for url, item := range m.processing {
		cp := *item
		state.Processing[url] = &cp
	}
	for url, item := range m.completed {
		cp := *item
		state.Completed[url] = &cp
	}
	for url, item := range m.failed {
		cp := *item
		state.Failed[url] = &cp
	}

	ms := m.metrics.Snapshot()
	state.Metrics = persistedMetrics{
		TotalProcessed:        ms.TotalProcessed,
		TotalFailed:           ms.TotalFailed,
		AvgProcessingTime:     ms.AvgProcessingTime,
		SuccessRate:           ms.SuccessRate,
		ErrorsByType:          ms.ErrorsByType,
		LastError:             ms.LastError,
		LastErrorTime:         ms.LastErrorTime,
		CompressionFailures:   ms.CompressionFailures,
		HardwareAccelFailures: ms.HardwareAccelFailures,
	}
	return state
}

// PendingSnapshot returns copies of the pending queue in claim order, for
// queue-position display.
func (m *Manager) PendingSnapshot() []Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Item, len(m.pending))
	for i, item := range m.pending {
		out[i] = *item
	}
	return out
}

// processingOlderThan returns the live processing items whose attempt has
// run longer than the threshold. Used by the monitor's deadlock check.
func (m *Manager) processingOlderThan(threshold time.Duration) []*Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var stuck []*Item
	for _, item := range m.processing {
		if item.StartTime != nil && now.Sub(*item.StartTime) > threshold {
			stuck = append(stuck, item)
		}
	}
	return stuck
}

func (m *Manager) processingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.processing)
}

func (m *Manager) pendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
