package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// ProgressFunc receives transcode progress in [0,100].
type ProgressFunc func(percent float64)

// TranscodeResult reports which encoder produced the output.
type TranscodeResult struct {
	Encoder       string
	HardwareAccel bool
	OutputSize    int64
}

// Transcode re-encodes input to fit targetSizeBytes. When a hardware
// encoder is enabled it is tried first; any failure falls back to a
// single libx264 retry. The returned error carries both attempts' tails.
func (m *Manager) Transcode(ctx context.Context, inputPath, outputPath string, targetSizeBytes int64, tag string, progress ProgressFunc) (*TranscodeResult, error) {
	info, err := m.Analyze(ctx, inputPath)
	if err != nil {
		return nil, fmt.Errorf("analyze input: %w", err)
	}

	useHW := m.GPU.Any()
	params := m.BuildParams(info, targetSizeBytes, useHW)

	var hwErr error
	if useHW {
		hwErr = m.runTranscode(ctx, inputPath, outputPath, params, info.Duration, tag, progress)
		if hwErr == nil {
			if err := m.Verify(ctx, outputPath); err == nil {
				return m.result(outputPath, params), nil
			}
			hwErr = fmt.Errorf("hardware output failed verification")
		}
		m.logger.Warn("Hardware encode failed, falling back to libx264", "input", inputPath, "error", hwErr)
		os.Remove(outputPath)
		params = SoftwareFallback(params)
	}

	if err := m.runTranscode(ctx, inputPath, outputPath, params, info.Duration, tag, progress); err != nil {
		if hwErr != nil {
			return nil, fmt.Errorf("hardware attempt: %v; software attempt: %w", hwErr, err)
		}
		return nil, err
	}
	if err := m.Verify(ctx, outputPath); err != nil {
		return nil, fmt.Errorf("output failed verification: %w", err)
	}
	return m.result(outputPath, params), nil
}

func (m *Manager) result(outputPath string, params Params) *TranscodeResult {
	var size int64
	if fi, err := os.Stat(outputPath); err == nil {
		size = fi.Size()
	}
	codec := params["c:v"]
	return &TranscodeResult{
		Encoder:       codec,
		HardwareAccel: codec != "libx264",
		OutputSize:    size,
	}
}

// runTranscode executes one ffmpeg pass, parsing -progress output into
// the callback.
func (m *Manager) runTranscode(ctx context.Context, inputPath, outputPath string, params Params, duration float64, tag string, progress ProgressFunc) error {
	args := []string{"-hide_banner", "-loglevel", "error", "-i", inputPath}
	args = append(args, params.Args()...)
	args = append(args, "-progress", "pipe:1", "-y", outputPath)

	cmd := exec.CommandContext(ctx, m.FFmpegPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}
	m.track(cmd, tag)
	defer m.untrack(cmd)

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()
		if pct, ok := parseProgressLine(line, duration); ok && progress != nil {
			progress(pct)
		}
	}

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg exited: %v: %s", err, tailOf(stderr.String(), 500))
	}
	if progress != nil {
		progress(100)
	}
	return nil
}

// parseProgressLine handles "out_time_ms=N" lines from -progress pipe:1.
// The value is in microseconds despite the name.
func parseProgressLine(line string, duration float64) (float64, bool) {
	const prefix = "out_time_ms="
	if !strings.HasPrefix(line, prefix) || duration <= 0 {
		return 0, false
	}
	us, err := strconv.ParseInt(strings.TrimSpace(line[len(prefix):]), 10, 64)
	if err != nil {
		return 0, false
	}
	pct := float64(us) / 1e6 / duration * 100
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}
	return pct, true
}

func tailOf(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
