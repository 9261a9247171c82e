package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	json "github.com/goccy/go-json"
)

// Overrides are process-level settings read from an optional JSON file.
// The file is watched and re-read on change; Watcher.Current returns the
// latest values. The daemon reads them once at startup, so edited
// thresholds take effect on the next start.
type Overrides struct {
	DataDir             string  `json:"data_dir,omitempty"`
	LogLevel            string  `json:"log_level,omitempty"`
	APIPort             int     `json:"api_port,omitempty"`
	ConcurrentDownloads int     `json:"concurrent_downloads,omitempty"`
	MaxQueueSize        int     `json:"max_queue_size,omitempty"`
	MaxRetries          int     `json:"max_retries,omitempty"`
	PersistIntervalSec  int     `json:"persist_interval_sec,omitempty"`
	CheckIntervalSec    int     `json:"check_interval_sec,omitempty"`
	CleanupIntervalSec  int     `json:"cleanup_interval_sec,omitempty"`
	MaxHistoryAgeSec    int     `json:"max_history_age_sec,omitempty"`
	DeadlockSec         int     `json:"deadlock_threshold_sec,omitempty"`
	RecoveryPolicy      string  `json:"recovery_policy,omitempty"`
	MemoryCriticalMB    float64 `json:"memory_critical_mb,omitempty"`
}

// Watcher holds the current overrides and refreshes them when the file
// changes on disk.
type Watcher struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	current Overrides

	onChange func(Overrides)
}

// NewWatcher reads the file once (a missing file yields zero overrides)
// and begins watching its directory. onChange, if set, fires after every
// successful reload triggered by a change on disk; the initial read does
// not fire it.
func NewWatcher(path string, logger *slog.Logger, onChange func(Overrides)) (*Watcher, error) {
	w := &Watcher{path: path, logger: logger}
	w.reload()
	w.onChange = onChange

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors replace files via rename, which drops a
	// watch on the file itself.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}

	go func() {
		defer fsw.Close()
		for {
			select {
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					w.reload()
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				logger.Warn("Settings watch error", "error", err)
			}
		}
	}()

	return w, nil
}

func (w *Watcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Warn("Failed to read settings file", "path", w.path, "error", err)
		}
		return
	}
	var o Overrides
	if err := json.Unmarshal(data, &o); err != nil {
		w.logger.Warn("Ignoring malformed settings file", "path", w.path, "error", err)
		return
	}
	w.mu.Lock()
	w.current = o
	w.mu.Unlock()
	w.logger.Info("Settings file loaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(o)
	}
}

// Current returns the latest overrides.
func (w *Watcher) Current() Overrides {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}
