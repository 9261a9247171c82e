package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// VideoInfo is the analyzed shape of an input file, driving encoder
// parameter selection.
type VideoInfo struct {
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	FPS             float64 `json:"fps"`
	Duration        float64 `json:"duration"`
	Bitrate         float64 `json:"bitrate"`
	HasHighMotion   bool    `json:"has_high_motion"`
	HasDarkScenes   bool    `json:"has_dark_scenes"`
	HasSharpEdges   bool    `json:"has_sharp_edges"`
	HasFilmGrain    bool    `json:"has_film_grain"`
	AudioBitrate    int     `json:"audio_bitrate"`
	AudioChannels   int     `json:"audio_channels"`
	AudioSampleRate int     `json:"audio_sample_rate"`
}

type probeOutput struct {
	Streams []probeStream `json:"streams"`
	Format  probeFormat   `json:"format"`
}

type probeStream struct {
	CodecType    string `json:"codec_type"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	RFrameRate   string `json:"r_frame_rate"`
	AvgFrameRate string `json:"avg_frame_rate"`
	BitRate      string `json:"bit_rate"`
	Channels     int    `json:"channels"`
	SampleRate   string `json:"sample_rate"`
}

type probeFormat struct {
	Duration string `json:"duration"`
	BitRate  string `json:"bit_rate"`
}

// Analyze probes the input and derives the content flags used by the
// parameter planner.
func (m *Manager) Analyze(ctx context.Context, inputPath string) (*VideoInfo, error) {
	probe, err := m.probe(ctx, inputPath)
	if err != nil {
		return nil, err
	}

	var video *probeStream
	var audio *probeStream
	for i := range probe.Streams {
		s := &probe.Streams[i]
		switch s.CodecType {
		case "video":
			if video == nil {
				video = s
			}
		case "audio":
			if audio == nil {
				audio = s
			}
		}
	}
	if video == nil {
		return nil, fmt.Errorf("no video stream in %s", inputPath)
	}

	fps := parseRate(video.RFrameRate, 30)
	avgFPS := parseRate(video.AvgFrameRate, fps)

	info := &VideoInfo{
		Width:    video.Width,
		Height:   video.Height,
		FPS:      fps,
		Duration: parseFloat(probe.Format.Duration),
		Bitrate:  parseFloat(probe.Format.BitRate),
		// Significant divergence between average and nominal frame rate
		// indicates variable-rate, high-motion material.
		HasHighMotion:   absFloat(avgFPS-fps) > 5,
		AudioChannels:   2,
		AudioSampleRate: 48000,
	}
	if audio != nil {
		info.AudioBitrate = int(parseFloat(audio.BitRate))
		if audio.Channels > 0 {
			info.AudioChannels = audio.Channels
		}
		if sr := int(parseFloat(audio.SampleRate)); sr > 0 {
			info.AudioSampleRate = sr
		}
	}

	stats := m.analyzeFrames(ctx, inputPath)
	info.HasDarkScenes = stats.darkScenes
	info.HasSharpEdges = stats.sharpEdges
	info.HasFilmGrain = stats.filmGrain
	return info, nil
}

func (m *Manager) probe(ctx context.Context, inputPath string) (*probeOutput, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, m.FFprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		inputPath,
	)
	m.track(cmd, "")
	out, err := cmd.Output()
	m.untrack(cmd)
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed for %s: %w", inputPath, err)
	}
	var probe probeOutput
	if err := json.Unmarshal(out, &probe); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}
	return &probe, nil
}

type frameStats struct {
	darkScenes bool
	sharpEdges bool
	filmGrain  bool
}

// Luma-entropy boundaries separating cel-style flat regions from grainy
// live action. Typical live footage sits between the two.
const (
	flatEntropyMax  = 6.5
	grainEntropyMin = 7.6
)

// analyzeFrames samples I-frame signal stats and luma entropy in one pass.
// A video counts as dark when more than 20% of its I-frames average below
// 40. Low mean entropy marks the flat, hard-edged look of animation; very
// high mean entropy marks film grain.
func (m *Manager) analyzeFrames(ctx context.Context, inputPath string) frameStats {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, m.FFmpegPath,
		"-hide_banner",
		"-i", inputPath,
		"-vf", "select='eq(pict_type,I)',signalstats,entropy,metadata=print",
		"-f", "null", "-",
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	m.track(cmd, "")
	err := cmd.Run()
	m.untrack(cmd)
	if err != nil {
		return frameStats{}
	}
	return parseFrameStats(&stderr)
}

func parseFrameStats(r io.Reader) frameStats {
	dark, lumaFrames := 0, 0
	var entropySum float64
	entropyFrames := 0

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if luma, ok := metadataValue(line, "signalstats.YAVG"); ok {
			lumaFrames++
			if luma < 40 {
				dark++
			}
			continue
		}
		if ent, ok := metadataValue(line, "entropy.entropy.normal.Y"); ok {
			entropySum += ent
			entropyFrames++
		}
	}

	var stats frameStats
	stats.darkScenes = lumaFrames > 0 && float64(dark)/float64(lumaFrames) > 0.2
	if entropyFrames > 0 {
		mean := entropySum / float64(entropyFrames)
		stats.sharpEdges = mean < flatEntropyMax
		stats.filmGrain = mean > grainEntropyMin
	}
	return stats
}

// metadataValue extracts the float from a "lavfi.<key>=<value>" print line.
func metadataValue(line, key string) (float64, bool) {
	idx := strings.Index(line, key)
	if idx < 0 {
		return 0, false
	}
	rest := line[idx+len(key):]
	if !strings.HasPrefix(rest, "=") {
		return 0, false
	}
	val := strings.TrimSpace(rest[1:])
	if end := strings.IndexAny(val, " \t"); end > 0 {
		val = val[:end]
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Verify checks that a finished file is a playable video: ffprobe
// succeeds, at least one video stream exists, and duration is positive.
func (m *Manager) Verify(ctx context.Context, path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: output unreadable: %v", ErrVerificationFailed, err)
	}
	if fi.Size() == 0 {
		return fmt.Errorf("%w: output file is empty: %s", ErrVerificationFailed, path)
	}
	probe, err := m.probe(ctx, path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	hasVideo := false
	for _, s := range probe.Streams {
		if s.CodecType == "video" {
			hasVideo = true
			break
		}
	}
	if !hasVideo {
		return fmt.Errorf("%w: no video stream in %s", ErrVerificationFailed, path)
	}
	if parseFloat(probe.Format.Duration) <= 0 {
		return fmt.Errorf("%w: zero duration in %s", ErrVerificationFailed, path)
	}
	return nil
}

func parseRate(rate string, def float64) float64 {
	if rate == "" {
		return def
	}
	parts := strings.SplitN(rate, "/", 2)
	num := parseFloat(parts[0])
	if len(parts) == 1 {
		if num > 0 {
			return num
		}
		return def
	}
	den := parseFloat(parts[1])
	if den == 0 || num == 0 {
		return def
	}
	return num / den
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
