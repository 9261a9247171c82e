package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"clipvault/internal/api"
	"clipvault/internal/archive"
	"clipvault/internal/chat"
	"clipvault/internal/config"
	"clipvault/internal/downloader"
	"clipvault/internal/ffmpeg"
	"clipvault/internal/logger"
	"clipvault/internal/processor"
	"clipvault/internal/queue"
)

const unloadTimeout = 30 * time.Second

func main() {
	dataDir := flag.String("data", defaultDataDir(), "data directory (state, archive db, logs, downloads)")
	configPath := flag.String("config", "", "optional settings file (watched for changes)")
	apiPort := flag.Int("port", 4446, "loopback status API port")
	flag.Parse()

	log, err := logger.New(filepath.Join(*dataDir, "logs"), os.Stdout, slog.LevelInfo)
	if err != nil {
		println("Error initializing logger:", err.Error())
		os.Exit(1)
	}

	if err := run(*dataDir, *configPath, *apiPort, log); err != nil {
		log.Error("Fatal error", "error", err)
		os.Exit(1)
	}
}

func defaultDataDir() string {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return "./clipvault-data"
	}
	return filepath.Join(cfgDir, "clipvault")
}

func run(dataDir, configPath string, apiPort int, log *slog.Logger) error {
	store, err := archive.Open(filepath.Join(dataDir, "archive.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	cfg := config.NewManager(store)

	var overrides config.Overrides
	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, log, func(o config.Overrides) {
			log.Info("Settings overrides reloaded; they apply at next start", "path", configPath)
		})
		if err != nil {
			log.Warn("Settings watch unavailable", "error", err)
		} else {
			overrides = watcher.Current()
		}
	}
	if overrides.APIPort > 0 {
		apiPort = overrides.APIPort
	}

	// Encoder toolchain is mandatory; ErrToolMissing aborts startup.
	tools, err := ffmpeg.NewManager(filepath.Join(dataDir, "bin"), log)
	if err != nil {
		return err
	}

	dl, err := downloader.NewYTDLP(filepath.Join(dataDir, "bin"), tools, downloader.Options{
		MaxHeight:    cfg.GetMaxVideoHeight(),
		Format:       cfg.GetVideoFormat(),
		EnabledSites: cfg.GetEnabledSites(),
	}, log)
	if err != nil {
		return err
	}

	qcfg := queue.Config{
		ConcurrentDownloads: cfg.GetConcurrentDownloads(),
		MaxQueueSize:        cfg.GetMaxQueueSize(),
	}
	if overrides.ConcurrentDownloads > 0 {
		qcfg.ConcurrentDownloads = overrides.ConcurrentDownloads
	}
	if overrides.MaxQueueSize > 0 {
		qcfg.MaxQueueSize = overrides.MaxQueueSize
	}
	if overrides.MaxRetries > 0 {
		qcfg.MaxRetries = overrides.MaxRetries
	}
	if overrides.PersistIntervalSec > 0 {
		qcfg.PersistInterval = time.Duration(overrides.PersistIntervalSec) * time.Second
	}

	persist := queue.NewPersistence(filepath.Join(dataDir, "queue_state.json"), time.Hour, 24, log)
	manager := queue.NewManager(qcfg, persist, log)
	if err := manager.LoadState(); err != nil {
		log.Error("Failed to load persisted state, starting fresh", "error", err)
	}

	adapter := chat.NewLocalAdapter(filepath.Join(dataDir, "archive"), log)
	downloadDir := filepath.Join(dataDir, "downloads")
	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return err
	}

	proc := processor.New(
		adapter,
		chat.DefaultReactions(),
		chat.DefaultFormatter{},
		dl,
		store,
		tools,
		cfg,
		manager.Metrics(),
		downloadDir,
		qcfg.MaxRetries,
		log,
	)

	recoveryThresholds := queue.DefaultRecoveryThresholds()
	if qcfg.MaxRetries > 0 {
		recoveryThresholds.MaxRetries = qcfg.MaxRetries
	}
	policy := queue.RecoveryPolicy(overrides.RecoveryPolicy)
	recovery := queue.NewRecovery(policy, recoveryThresholds, log)

	healthThresholds := queue.DefaultHealthThresholds()
	if overrides.CheckIntervalSec > 0 {
		healthThresholds.CheckInterval = time.Duration(overrides.CheckIntervalSec) * time.Second
	}
	if overrides.DeadlockSec > 0 {
		healthThresholds.DeadlockThreshold = time.Duration(overrides.DeadlockSec) * time.Second
	}
	if overrides.MemoryCriticalMB > 0 {
		healthThresholds.MemoryCriticalMB = overrides.MemoryCriticalMB
	}
	monitor := queue.NewMonitor(healthThresholds, recovery, proc.CleanupFor, log)

	cleanerCfg := queue.DefaultCleanerConfig()
	if overrides.CleanupIntervalSec > 0 {
		cleanerCfg.Interval = time.Duration(overrides.CleanupIntervalSec) * time.Second
	}
	if overrides.MaxHistoryAgeSec > 0 {
		cleanerCfg.MaxHistoryAge = time.Duration(overrides.MaxHistoryAgeSec) * time.Second
	}
	cleaner := queue.NewCleaner(cleanerCfg, log)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	manager.Run(ctx, proc.Handle)
	manager.StartSnapshotter(ctx)
	monitor.Start(ctx, manager)
	cleaner.Start(ctx, manager)

	// Progress entries ride along with the cleaner cadence.
	go func() {
		ticker := time.NewTicker(cleanerCfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				proc.Progress().Prune()
			}
		}
	}()

	// Queue-position ladders on waiting origin messages.
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				proc.UpdateQueuePositions(ctx, manager.PendingSnapshot())
			}
		}
	}()

	if cfg.GetUpdateCheck() {
		go func() {
			rel, err := dl.CheckForUpdates()
			if err != nil {
				log.Debug("Downloader update check failed", "error", err)
				return
			}
			if rel != nil {
				log.Info("A newer yt-dlp release is available", "tag", rel.TagName, "url", rel.HTMLURL)
			}
		}()
	}

	server := api.NewStatusServer(manager, monitor, recovery, cleaner, proc, store, log)
	server.Start(apiPort)

	// Block until an OS signal, then drain.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("Signal received, shutting down", "signal", sig.String())

	stop()
	if err := manager.Shutdown(unloadTimeout); err != nil {
		log.Error("Shutdown incomplete", "error", err)
	}
	tools.KillAll()
	return nil
}
