package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"clipvault/internal/archive"
	"clipvault/internal/chat"
	"clipvault/internal/config"
	"clipvault/internal/downloader"
	"clipvault/internal/ffmpeg"
	"clipvault/internal/queue"
)

const (
	uploadRetryAttempts = 3
	uploadRetryDelay    = 2 * time.Second
)

// Processor runs the per-item pipeline: archive-index short circuit,
// download, size policy, upload, index, reactions. It owns an item only
// while the item is in processing and never touches queue internals.
type Processor struct {
	chat       chat.Adapter
	reactions  chat.Reactions
	formatter  chat.Formatter
	dl         downloader.Downloader
	index      *archive.Store
	tools      *ffmpeg.Manager
	cfg        *config.Manager
	metrics    *queue.Metrics
	progress   *Tracker
	logger     *slog.Logger
	tmpDir     string
	maxRetries int

	// Reaction edits are chat-API rate limited; one shared limiter paces
	// them across all workers.
	reactionLimiter *rate.Limiter
}

func New(
	adapter chat.Adapter,
	reactions chat.Reactions,
	formatter chat.Formatter,
	dl downloader.Downloader,
	index *archive.Store,
	tools *ffmpeg.Manager,
	cfg *config.Manager,
	metrics *queue.Metrics,
	tmpDir string,
	maxRetries int,
	logger *slog.Logger,
) *Processor {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Processor{
		chat:            adapter,
		reactions:       reactions,
		formatter:       formatter,
		dl:              dl,
		index:           index,
		tools:           tools,
		cfg:             cfg,
		metrics:         metrics,
		progress:        NewTracker(),
		logger:          logger,
		tmpDir:          tmpDir,
		maxRetries:      maxRetries,
		reactionLimiter: rate.NewLimiter(rate.Every(400*time.Millisecond), 4),
	}
}

func (p *Processor) Progress() *Tracker { return p.progress }

// Handle is the queue.Handler. Every exit path cleans up scratch files
// and reflects the outcome on the origin message.
func (p *Processor) Handle(ctx context.Context, item *queue.Item) (ok bool, errMsg string) {
	// 1. Idempotency short-circuit.
	rec, err := p.index.Get(item.URL)
	if err != nil {
		p.fail(ctx, item)
		return false, fmt.Sprintf("IndexError: %v", err)
	}
	if rec != nil {
		p.logger.Info("Video already archived", "url", item.URL)
		p.setReactions(ctx, item, []string{p.reactions.Archived}, []string{p.reactions.Queued})
		p.reply(ctx, item, fmt.Sprintf("This video was already archived. You can find it here: %s", rec.ArchiveURL))
		return true, ""
	}

	// 2. Pre-checks.
	if !p.cfg.GetGuildEnabled(item.GuildID) {
		p.fail(ctx, item)
		return false, fmt.Sprintf("ConfigMissing: archiving not enabled for guild %d", item.GuildID)
	}
	archiveChannel := p.cfg.GetChannel(item.GuildID, "archive")
	if archiveChannel == 0 {
		p.fail(ctx, item)
		return false, fmt.Sprintf("ConfigMissing: no archive channel for guild %d", item.GuildID)
	}

	// 3. Mark processing.
	p.setReactions(ctx, item, []string{p.reactions.Processing}, []string{p.reactions.Queued})
	p.progress.UpdateDownload(item.URL, func(d *DownloadProgress) {
		d.Active = true
		d.Retries = item.RetryCount
	})

	// 4. Download.
	filePath, err := p.download(ctx, item)
	if err != nil {
		p.fail(ctx, item)
		switch {
		case ctx.Err() != nil:
			return false, fmt.Sprintf("Shutdown: %v", ctx.Err())
		case errors.Is(err, downloader.ErrUnsupportedURL):
			return false, fmt.Sprintf("UnsupportedURL: %v", err)
		case errors.Is(err, ffmpeg.ErrVerificationFailed):
			return false, fmt.Sprintf("VerificationFailed: %v", err)
		default:
			return false, fmt.Sprintf("DownloadFailed: %v", err)
		}
	}
	scratchDir := filepath.Dir(filePath)
	defer os.RemoveAll(scratchDir)

	// 5. Size policy.
	filePath, err = p.applySizePolicy(ctx, item, filePath)
	if err != nil {
		p.fail(ctx, item)
		if errors.Is(err, ffmpeg.ErrVerificationFailed) {
			return false, fmt.Sprintf("VerificationFailed: %v", err)
		}
		return false, fmt.Sprintf("CompressionError: %v", err)
	}

	// 6. Upload.
	result, err := p.upload(ctx, item, archiveChannel, filePath)
	if err != nil {
		p.fail(ctx, item)
		return false, fmt.Sprintf("UploadFailed: %v", err)
	}

	// 7. Index.
	if _, err := p.index.Put(item.URL, result.AttachmentURL, result.MessageID, archiveChannel, item.GuildID); err != nil {
		p.fail(ctx, item)
		return false, fmt.Sprintf("IndexError: %v", err)
	}
	p.logger.Info("Added video to archive index", "url", item.URL, "archive_url", result.AttachmentURL)

	// 8. Finalize.
	p.setReactions(ctx, item, []string{p.reactions.Success}, []string{p.reactions.Processing})
	p.progress.CompleteDownload(item.URL)
	return true, ""
}

func (p *Processor) download(ctx context.Context, item *queue.Item) (string, error) {
	if info, err := p.dl.Probe(ctx, item.URL); err == nil {
		p.progress.UpdateDownload(item.URL, func(d *DownloadProgress) {
			d.Title = info.Title
			d.Extractor = info.Extractor
			d.Format = info.Format
			d.Resolution = fmt.Sprintf("%dx%d", info.Width, info.Height)
			d.FPS = info.FPS
		})
	} else {
		return "", err
	}

	lastLadderStep := -1
	progressCb := func(u downloader.ProgressUpdate) {
		p.progress.UpdateDownload(item.URL, func(d *DownloadProgress) {
			d.Percent = u.Percent
			d.Speed = u.Speed
			d.ETA = u.ETA
			if u.BytesDone > 0 {
				d.BytesDone = u.BytesDone
			}
			if u.BytesTotal > 0 {
				d.BytesTotal = u.BytesTotal
			}
		})
		// Step the download ladder without flooding the chat API.
		step := int(u.Percent / 100 * float64(len(p.reactions.Download)-1))
		if step != lastLadderStep && p.reactionLimiter.Allow() {
			lastLadderStep = step
			glyph := chat.ProgressGlyph(u.Percent/100, p.reactions.Download)
			go p.chat.EditReactions(context.WithoutCancel(ctx), item.ChannelID, item.MessageID,
				[]string{glyph}, p.reactions.Download)
		}
	}

	path, err := p.dl.Download(ctx, item.URL, p.tmpDir, progressCb)
	if err != nil {
		p.progress.IncrementRetries(item.URL)
		return "", err
	}
	if fi, statErr := os.Stat(path); statErr == nil {
		item.SizeBytes = fi.Size()
	}
	return path, nil
}

// applySizePolicy transcodes oversized files down to the cap. The original
// is securely deleted once a compliant compressed copy exists.
func (p *Processor) applySizePolicy(ctx context.Context, item *queue.Item, filePath string) (string, error) {
	limit := int64(p.cfg.GetMaxFileSizeMB()) * 1024 * 1024
	fi, err := os.Stat(filePath)
	if err != nil {
		return "", err
	}
	if fi.Size() <= limit {
		return filePath, nil
	}

	item.CompressionAttempted = true
	useHW := p.tools.GPU.Any()
	item.HardwareAccelAttempted = useHW

	outPath := filepath.Join(filepath.Dir(filePath), "compressed_"+filepath.Base(filePath))
	p.progress.UpdateCompression(filePath, func(c *CompressionProgress) {
		c.InputSize = fi.Size()
		c.TargetSize = limit
		c.HardwareAccel = useHW
	})

	result, err := p.tools.Transcode(ctx, filePath, outPath, limit, item.URL, func(pct float64) {
		p.progress.UpdateCompression(filePath, func(c *CompressionProgress) {
			c.Percent = pct
			if cur, err := os.Stat(outPath); err == nil {
				c.CurrentSize = cur.Size()
			}
		})
	})
	p.progress.CompleteCompression(filePath)
	if err != nil {
		p.metrics.RecordCompressionFailure()
		return "", err
	}
	if useHW && !result.HardwareAccel {
		p.metrics.RecordHardwareAccelFailure()
	}
	p.progress.UpdateCompression(filePath, func(c *CompressionProgress) {
		c.Codec = result.Encoder
		c.CurrentSize = result.OutputSize
	})

	if result.OutputSize > limit {
		p.metrics.RecordCompressionFailure()
		os.Remove(outPath)
		return "", fmt.Errorf("compressed output still exceeds limit: %d > %d", result.OutputSize, limit)
	}

	if err := secureDelete(filePath); err != nil {
		p.logger.Warn("Failed to delete original after compression", "path", filePath, "error", err)
	}
	item.SizeBytes = result.OutputSize
	return outPath, nil
}

func (p *Processor) upload(ctx context.Context, item *queue.Item, channelID int64, filePath string) (chat.SendResult, error) {
	origin, err := p.chat.FetchMessage(ctx, item.ChannelID, item.MessageID)
	if err != nil {
		p.logger.Warn("Origin message unavailable", "url", item.URL, "error", err)
	}
	content := p.formatter.FormatArchiveMessage(origin, item.URL)

	var lastErr error
	for attempt := 0; attempt < uploadRetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return chat.SendResult{}, ctx.Err()
			case <-time.After(uploadRetryDelay):
			}
		}
		result, err := p.chat.SendFile(ctx, channelID, content, filePath)
		if err == nil {
			return result, nil
		}
		lastErr = err
		p.logger.Warn("Upload attempt failed", "url", item.URL, "attempt", attempt+1, "error", err)
	}
	return chat.SendResult{}, lastErr
}

// UpdateQueuePositions refreshes the numeric position ladder on the first
// few queued origin messages. Invoked from a timer, not the hot path.
func (p *Processor) UpdateQueuePositions(ctx context.Context, pending []queue.Item) {
	for position, item := range pending {
		if position >= len(p.reactions.Numbers) {
			return
		}
		if !p.reactionLimiter.Allow() {
			return
		}
		p.chat.EditReactions(ctx, item.ChannelID, item.MessageID,
			[]string{p.reactions.Numbers[position]}, p.reactions.Numbers)
	}
}

// CleanupFor tears down any subprocesses still working for a URL; wired
// into emergency recovery.
func (p *Processor) CleanupFor(url string) {
	p.tools.KillTag(url)
}

// fail reflects a terminal failure on the origin message. An attempt the
// manager will retry keeps its processing indicator instead.
func (p *Processor) fail(ctx context.Context, item *queue.Item) {
	if item.RetryCount < p.maxRetries {
		return
	}
	p.setReactions(ctx, item, []string{p.reactions.Error}, []string{p.reactions.Processing})
}

func (p *Processor) setReactions(ctx context.Context, item *queue.Item, add, remove []string) {
	if err := p.reactionLimiter.Wait(ctx); err != nil {
		return
	}
	if err := p.chat.EditReactions(ctx, item.ChannelID, item.MessageID, add, remove); err != nil {
		p.logger.Debug("Reaction update failed", "url", item.URL, "error", err)
	}
}

func (p *Processor) reply(ctx context.Context, item *queue.Item, content string) {
	if err := p.chat.Reply(ctx, item.ChannelID, item.MessageID, content); err != nil {
		p.logger.Debug("Reply failed", "url", item.URL, "error", err)
	}
}
