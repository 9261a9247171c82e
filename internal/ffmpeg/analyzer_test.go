package ffmpeg

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseFrameStatsDarkScenes(t *testing.T) {
	// Three of four I-frames below the luma threshold.
	out := strings.Join([]string{
		"[Parsed_metadata_3 @ 0x1] lavfi.signalstats.YAVG=25.1",
		"[Parsed_metadata_3 @ 0x1] lavfi.signalstats.YAVG=30.8",
		"[Parsed_metadata_3 @ 0x1] lavfi.signalstats.YAVG=120.0",
		"[Parsed_metadata_3 @ 0x1] lavfi.signalstats.YAVG=12.4",
	}, "\n")

	stats := parseFrameStats(strings.NewReader(out))
	if !stats.darkScenes {
		t.Error("75% dark I-frames should flag dark scenes")
	}
}

func TestParseFrameStatsEntropyClasses(t *testing.T) {
	flat := strings.Join([]string{
		"lavfi.entropy.entropy.normal.Y=5.10",
		"lavfi.entropy.entropy.normal.Y=5.40",
	}, "\n")
	stats := parseFrameStats(strings.NewReader(flat))
	if !stats.sharpEdges || stats.filmGrain {
		t.Errorf("Low entropy should read as flat/sharp-edged, got %+v", stats)
	}

	grainy := strings.Join([]string{
		"lavfi.entropy.entropy.normal.Y=7.85",
		"lavfi.entropy.entropy.normal.Y=7.92",
	}, "\n")
	stats = parseFrameStats(strings.NewReader(grainy))
	if stats.sharpEdges || !stats.filmGrain {
		t.Errorf("High entropy should read as film grain, got %+v", stats)
	}

	live := "lavfi.entropy.entropy.normal.Y=7.00"
	stats = parseFrameStats(strings.NewReader(live))
	if stats.sharpEdges || stats.filmGrain {
		t.Errorf("Mid entropy should set neither flag, got %+v", stats)
	}
}

func TestParseFrameStatsIgnoresNoise(t *testing.T) {
	out := strings.Join([]string{
		"frame=  42 fps=0.0 q=-0.0 size=N/A",
		"lavfi.signalstats.YAVG=garbage",
		"lavfi.entropy.entropy.normal.Y=",
		"[info] something unrelated",
	}, "\n")
	stats := parseFrameStats(strings.NewReader(out))
	if stats.darkScenes || stats.sharpEdges || stats.filmGrain {
		t.Errorf("Unparseable input should yield zero stats, got %+v", stats)
	}
}

func TestVerifyFailuresCarrySentinel(t *testing.T) {
	m := testManager(GPUInfo{})

	// Missing and empty files fail verification before any subprocess runs.
	err := m.Verify(context.Background(), filepath.Join(t.TempDir(), "missing.mp4"))
	if !errors.Is(err, ErrVerificationFailed) {
		t.Errorf("Missing file error = %v, want ErrVerificationFailed", err)
	}

	empty := filepath.Join(t.TempDir(), "empty.mp4")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	err = m.Verify(context.Background(), empty)
	if !errors.Is(err, ErrVerificationFailed) {
		t.Errorf("Empty file error = %v, want ErrVerificationFailed", err)
	}
}

func TestMetadataValue(t *testing.T) {
	v, ok := metadataValue("lavfi.signalstats.YAVG=44.25", "signalstats.YAVG")
	if !ok || v != 44.25 {
		t.Errorf("metadataValue = (%v, %v), want (44.25, true)", v, ok)
	}
	if _, ok := metadataValue("lavfi.signalstats.YMIN=1", "signalstats.YAVG"); ok {
		t.Error("Mismatched key should not parse")
	}
}
