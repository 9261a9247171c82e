package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
)

const stateVersion = 1

// persistedMetrics mirrors the metrics block of the state document.
type persistedMetrics struct {
	TotalProcessed        int64            `json:"total_processed"`
	TotalFailed           int64            `json:"total_failed"`
	AvgProcessingTime     float64          `json:"avg_processing_time"`
	SuccessRate           float64          `json:"success_rate"`
	ErrorsByType          map[string]int64 `json:"errors_by_type"`
	LastError             string           `json:"last_error,omitempty"`
	LastErrorTime         *time.Time       `json:"last_error_time,omitempty"`
	CompressionFailures   int64            `json:"compression_failures"`
	HardwareAccelFailures int64            `json:"hardware_accel_failures"`
}

// State is the versioned on-disk snapshot document.
type State struct {
	Version    int              `json:"version"`
	Timestamp  time.Time        `json:"timestamp"`
	Queue      []*Item          `json:"queue"`
	Processing map[string]*Item `json:"processing"`
	Completed  map[string]*Item `json:"completed"`
	Failed     map[string]*Item `json:"failed"`
	Metrics    persistedMetrics `json:"metrics"`
}

// Persistence writes atomic snapshots of queue state and restores them on
// startup. Snapshots go to a temp file, are fsynced, then renamed over the
// primary. An advisory lock on <path>.lock serializes access across
// processes. Timestamped backups are taken periodically and pruned.
type Persistence struct {
	path           string
	backupInterval time.Duration
	maxBackups     int
	lastBackup     time.Time
	logger         *slog.Logger
}

func NewPersistence(path string, backupInterval time.Duration, maxBackups int, logger *slog.Logger) *Persistence {
	if backupInterval <= 0 {
		backupInterval = time.Hour
	}
	if maxBackups <= 0 {
		maxBackups = 24
	}
	return &Persistence{
		path:           path,
		backupInterval: backupInterval,
		maxBackups:     maxBackups,
		logger:         logger,
	}
}

func (p *Persistence) lockFile() (*os.File, error) {
	f, err := os.OpenFile(p.path+".lock", os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func unlock(f *os.File) {
	syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	f.Close()
}

// Save snapshots the state atomically.
func (p *Persistence) Save(state *State) error {
	state.Version = stateVersion

	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	lock, err := p.lockFile()
	if err != nil {
		return fmt.Errorf("acquire state lock: %w", err)
	}
	defer unlock(lock)

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	tmp := p.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write state: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync state: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return fmt.Errorf("rename state file: %w", err)
	}

	if time.Since(p.lastBackup) >= p.backupInterval {
		if err := p.createBackup(state.Timestamp); err != nil {
			p.logger.Error("Failed to create state backup", "error", err)
		} else {
			p.lastBackup = time.Now()
		}
	}
	return nil
}

func (p *Persistence) createBackup(ts time.Time) error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return err
	}
	backupPath := fmt.Sprintf("%s.bak.%s", p.path, ts.UTC().Format("20060102_150405"))
	if err := os.WriteFile(backupPath, data, 0o644); err != nil {
		return err
	}
	p.pruneBackups()
	return nil
}

func (p *Persistence) backupFiles() []string {
	dir := filepath.Dir(p.path)
	prefix := filepath.Base(p.path) + ".bak."
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var backups []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix) {
			backups = append(backups, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(backups)
	return backups
}

func (p *Persistence) pruneBackups() {
	backups := p.backupFiles()
	for len(backups) > p.maxBackups {
		old := backups[0]
		backups = backups[1:]
		if err := os.Remove(old); err != nil {
			p.logger.Warn("Failed to remove old backup", "path", old, "error", err)
		}
	}
}

// Load restores the most recent readable state. A primary that fails to
// parse is moved aside to <path>.corrupted.<unix> and the newest backup is
// tried instead. Returns (nil, nil) when no state exists yet.
func (p *Persistence) Load() (*State, error) {
	if _, err := os.Stat(p.path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	lock, err := p.lockFile()
	if err != nil {
		return nil, fmt.Errorf("acquire state lock: %w", err)
	}
	defer unlock(lock)

	state, err := p.decodeFile(p.path)
	if err == nil {
		return state, nil
	}

	corrupted := fmt.Sprintf("%s.corrupted.%d", p.path, time.Now().Unix())
	if renameErr := os.Rename(p.path, corrupted); renameErr == nil {
		p.logger.Warn("Moved corrupted state file aside", "path", corrupted, "error", err)
	}

	backups := p.backupFiles()
	for i := len(backups) - 1; i >= 0; i-- {
		state, berr := p.decodeFile(backups[i])
		if berr == nil {
			p.logger.Info("Loaded state from backup", "path", backups[i])
			return state, nil
		}
		p.logger.Warn("Backup unreadable", "path", backups[i], "error", berr)
	}

	return nil, fmt.Errorf("load queue state: %w", err)
}

func (p *Persistence) decodeFile(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	if state.Processing == nil {
		state.Processing = make(map[string]*Item)
	}
	if state.Completed == nil {
		state.Completed = make(map[string]*Item)
	}
	if state.Failed == nil {
		state.Failed = make(map[string]*Item)
	}
	// Drop entries that lost their key field; a partial document is still
	// better than refusing the whole file.
	pending := state.Queue[:0]
	for _, item := range state.Queue {
		if item != nil && item.URL != "" {
			pending = append(pending, item)
		}
	}
	state.Queue = pending
	for _, m := range []map[string]*Item{state.Processing, state.Completed, state.Failed} {
		for url, item := range m {
			if item == nil || item.URL == "" {
				delete(m, url)
			}
		}
	}
	return &state, nil
}
