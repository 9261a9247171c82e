package downloader

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	json "github.com/goccy/go-json"

	"clipvault/internal/ffmpeg"
)

var ErrUnsupportedURL = errors.New("url not supported")

const (
	maxAttempts = 5
	retryBase   = 10 * time.Second
)

// ProgressUpdate is one download progress sample.
type ProgressUpdate struct {
	Percent    float64
	Speed      string
	ETA        string
	BytesDone  int64
	BytesTotal int64
}

// ProgressFunc receives download progress samples.
type ProgressFunc func(ProgressUpdate)

// MediaInfo is the probe result for a URL, extracted without downloading.
type MediaInfo struct {
	Title      string  `json:"title"`
	Extractor  string  `json:"extractor"`
	Format     string  `json:"format"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	FPS        float64 `json:"fps"`
	Duration   float64 `json:"duration"`
	Filesize   int64   `json:"filesize,omitempty"`
}

// Downloader is the capability surface the processor depends on.
type Downloader interface {
	// Probe extracts metadata without transferring bytes; it also answers
	// whether the URL is handled at all.
	Probe(ctx context.Context, url string) (*MediaInfo, error)

	// Download fetches the video into destDir and returns the file path.
	Download(ctx context.Context, url, destDir string, progress ProgressFunc) (string, error)
}

// Options tune the fetch.
type Options struct {
	MaxHeight    int
	Format       string   // container, e.g. "mp4"
	EnabledSites []string // extractor allow-list; empty allows all
}

// YTDLP shells out to yt-dlp. Each download gets up to five attempts with
// exponential backoff; every produced file is verified with ffprobe before
// being accepted.
type YTDLP struct {
	binPath string
	tools   *ffmpeg.Manager
	opts    Options
	logger  *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func NewYTDLP(binDir string, tools *ffmpeg.Manager, opts Options, logger *slog.Logger) (*YTDLP, error) {
	path, err := exec.LookPath("yt-dlp")
	if err != nil && binDir != "" {
		path, err = exec.LookPath(filepath.Join(binDir, "yt-dlp"))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: yt-dlp not found", ffmpeg.ErrToolMissing)
	}
	if opts.Format == "" {
		opts.Format = "mp4"
	}
	if opts.MaxHeight <= 0 {
		opts.MaxHeight = 1080
	}
	return &YTDLP{
		binPath: path,
		tools:   tools,
		opts:    opts,
		logger:  logger,
		sleep:   sleepCtx,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Probe runs a simulated extraction. No media bytes are transferred.
func (y *YTDLP) Probe(ctx context.Context, url string) (*MediaInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, y.binPath,
		"--simulate",
		"--dump-json",
		"--no-playlist",
		url,
	)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedURL, url)
	}
	var info MediaInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return nil, fmt.Errorf("parse probe output: %w", err)
	}

	if len(y.opts.EnabledSites) > 0 {
		extractor := strings.ToLower(info.Extractor)
		allowed := false
		for _, site := range y.opts.EnabledSites {
			if strings.Contains(extractor, strings.ToLower(site)) {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, fmt.Errorf("%w: site %q not in enabled list", ErrUnsupportedURL, info.Extractor)
		}
	}
	return &info, nil
}

// RetryDelay is the wait before attempt k+1 (k zero-based).
func RetryDelay(attempt int) time.Duration {
	return retryBase*(1<<uint(attempt)) + time.Duration(attempt*2)*time.Second
}

// Download runs the attempt loop. A file that downloads but fails
// verification counts as a failed attempt.
func (y *YTDLP) Download(ctx context.Context, url, destDir string, progress ProgressFunc) (string, error) {
	if _, err := y.Probe(ctx, url); err != nil {
		return "", err
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if attempt > 0 {
			delay := RetryDelay(attempt - 1)
			y.logger.Warn("Download attempt failed, backing off",
				"url", url, "attempt", attempt, "delay", delay, "error", lastErr)
			if err := y.sleep(ctx, delay); err != nil {
				return "", err
			}
		}

		path, err := y.downloadOnce(ctx, url, destDir, progress)
		if err != nil {
			lastErr = err
			continue
		}

		vctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		verr := y.tools.Verify(vctx, path)
		cancel()
		if verr != nil {
			lastErr = fmt.Errorf("downloaded file failed verification: %w", verr)
			os.Remove(path)
			continue
		}
		return path, nil
	}
	return "", fmt.Errorf("all %d download attempts failed: %w", maxAttempts, lastErr)
}

// progressRe matches yt-dlp's default progress lines, e.g.
// "[download]  42.5% of 10.00MiB at 1.20MiB/s ETA 00:05".
var progressRe = regexp.MustCompile(`\[download\]\s+([\d.]+)%(?:\s+of\s+~?\s*([\d.]+\w+))?(?:\s+at\s+(\S+))?(?:\s+ETA\s+(\S+))?`)

func (y *YTDLP) downloadOnce(ctx context.Context, url, destDir string, progress ProgressFunc) (string, error) {
	// Per-attempt scratch directory, owner-only, removed whatever happens.
	scratch := filepath.Join(destDir, "dl_"+uuid.NewString()[:8])
	if err := os.MkdirAll(scratch, 0o700); err != nil {
		return "", err
	}
	success := false
	defer func() {
		if !success {
			os.RemoveAll(scratch)
		}
	}()

	format := fmt.Sprintf("bestvideo[height<=%d]+bestaudio/best[height<=%d]", y.opts.MaxHeight, y.opts.MaxHeight)
	outTemplate := filepath.Join(scratch, "%(id)s.%(ext)s")

	cmd := exec.CommandContext(ctx, y.binPath,
		"--newline",
		"--no-playlist",
		"--no-part",
		"-f", format,
		"--merge-output-format", y.opts.Format,
		"-o", outTemplate,
		url,
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", err
	}
	cmd.Stderr = cmd.Stdout // interleave; yt-dlp logs errors to stderr

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start yt-dlp: %w", err)
	}

	var tail []string
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()
		tail = append(tail, line)
		if len(tail) > 20 {
			tail = tail[1:]
		}
		if progress == nil {
			continue
		}
		if mm := progressRe.FindStringSubmatch(line); mm != nil {
			pct, _ := strconv.ParseFloat(mm[1], 64)
			progress(ProgressUpdate{
				Percent: pct,
				Speed:   mm[3],
				ETA:     mm[4],
			})
		}
	}

	if err := cmd.Wait(); err != nil {
		return "", fmt.Errorf("yt-dlp exited: %v: %s", err, strings.Join(tail, " | "))
	}

	entries, err := os.ReadDir(scratch)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if !e.IsDir() {
			success = true
			return filepath.Join(scratch, e.Name()), nil
		}
	}
	return "", errors.New("yt-dlp produced no output file")
}
