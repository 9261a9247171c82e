package ffmpeg

import (
	"io"
	"log/slog"
	"strconv"
	"testing"
)

func testManager(gpu GPUInfo) *Manager {
	return &Manager{
		FFmpegPath:  "ffmpeg",
		FFprobePath: "ffprobe",
		GPU:         gpu,
		CPUCores:    8,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestBitratePlanRespectsTarget(t *testing.T) {
	m := testManager(GPUInfo{})
	info := &VideoInfo{
		Duration:        60,
		Bitrate:         8_000_000,
		AudioChannels:   2,
		AudioSampleRate: 48000,
	}
	target := int64(8 * 1024 * 1024) // 8 MB

	params := m.BuildParams(info, target, false)

	total := float64(target*8) / info.Duration
	video, err := strconv.Atoi(params["b:v"])
	if err != nil {
		t.Fatalf("b:v not numeric: %q", params["b:v"])
	}
	if float64(video) >= total {
		t.Errorf("Video bitrate %d should be below total budget %.0f", video, total)
	}

	maxrate, _ := strconv.Atoi(params["maxrate"])
	bufsize, _ := strconv.Atoi(params["bufsize"])
	if diff := maxrate - video*3/2; diff < -2 || diff > 2 {
		t.Errorf("maxrate = %d, want ~1.5x video %d", maxrate, video)
	}
	if diff := bufsize - video*2; diff < -2 || diff > 2 {
		t.Errorf("bufsize = %d, want ~2x video %d", bufsize, video)
	}

	if params["c:a"] != "aac" || params["ac"] != "2" || params["ar"] != "48000" {
		t.Errorf("Audio params wrong: c:a=%s ac=%s ar=%s", params["c:a"], params["ac"], params["ar"])
	}
}

func TestVideoBitrateFloor(t *testing.T) {
	m := testManager(GPUInfo{})
	// Tiny budget over a long duration forces the floor.
	info := &VideoInfo{Duration: 3600, AudioChannels: 2, AudioSampleRate: 48000}
	params := m.BuildParams(info, 1024*1024, false)

	video, _ := strconv.Atoi(params["b:v"])
	if video != minVideoBitrate {
		t.Errorf("b:v = %d, want floor %d", video, minVideoBitrate)
	}
}

func TestAudioBitrateClamped(t *testing.T) {
	m := testManager(GPUInfo{})
	// Huge budget: audio share must cap at max per channel.
	info := &VideoInfo{Duration: 10, AudioChannels: 2, AudioSampleRate: 48000}
	params := m.BuildParams(info, 1024*1024*1024, false)

	audioK, err := strconv.Atoi(params["b:a"][:len(params["b:a"])-1])
	if err != nil {
		t.Fatalf("b:a not parseable: %q", params["b:a"])
	}
	if audioK*1000 > maxAudioPerChan*2 {
		t.Errorf("Audio bitrate %dk exceeds cap for 2 channels", audioK)
	}
}

func TestCRFNudgedByCompressionRatio(t *testing.T) {
	m := testManager(GPUInfo{})
	target := int64(8 * 1024 * 1024)

	// Extreme input bitrate: ratio > 4 → CRF 26, faster.
	heavy := &VideoInfo{Duration: 60, Bitrate: 50_000_000, AudioChannels: 2, AudioSampleRate: 48000}
	params := m.BuildParams(heavy, target, false)
	if params["crf"] != "26" || params["preset"] != "faster" {
		t.Errorf("Heavy ratio: crf=%s preset=%s, want 26/faster", params["crf"], params["preset"])
	}

	// Mild input bitrate: ratio <= 2 → CRF 20, slow.
	light := &VideoInfo{Duration: 60, Bitrate: 1_200_000, AudioChannels: 2, AudioSampleRate: 48000}
	params = m.BuildParams(light, target, false)
	if params["crf"] != "20" || params["preset"] != "slow" {
		t.Errorf("Light ratio: crf=%s preset=%s, want 20/slow", params["crf"], params["preset"])
	}
}

func TestDarkSceneCRFBias(t *testing.T) {
	m := testManager(GPUInfo{})
	info := &VideoInfo{
		Duration: 60, Bitrate: 1_200_000,
		AudioChannels: 2, AudioSampleRate: 48000,
		HasDarkScenes: true,
	}
	params := m.BuildParams(info, 8*1024*1024, false)
	if params["crf"] != "18" {
		t.Errorf("crf = %s, want 18 (20 with dark-scene bias)", params["crf"])
	}
}

func TestHardwareParamsSelectVendorEncoder(t *testing.T) {
	m := testManager(GPUInfo{NVIDIA: true})
	info := &VideoInfo{Duration: 60, AudioChannels: 2, AudioSampleRate: 48000}

	params := m.BuildParams(info, 8*1024*1024, true)
	if params["c:v"] != "h264_nvenc" {
		t.Errorf("c:v = %s, want h264_nvenc", params["c:v"])
	}
	if _, ok := params["x264opts"]; ok {
		t.Error("x264opts must be stripped for hardware encoders")
	}
}

func TestSoftwareFallbackStripsHardwareFlags(t *testing.T) {
	m := testManager(GPUInfo{NVIDIA: true})
	info := &VideoInfo{Duration: 60, AudioChannels: 2, AudioSampleRate: 48000}
	hw := m.BuildParams(info, 8*1024*1024, true)

	sw := SoftwareFallback(hw)
	if sw["c:v"] != "libx264" {
		t.Errorf("c:v = %s, want libx264", sw["c:v"])
	}
	for _, key := range hardwareOnlyKeys {
		if _, ok := sw[key]; ok {
			t.Errorf("Hardware flag %q survived fallback", key)
		}
	}
	if sw["preset"] == "p7" {
		t.Error("NVENC preset must be rewritten for libx264")
	}
}

func TestContentTypeDetection(t *testing.T) {
	if got := detectContentType(&VideoInfo{HasHighMotion: true, FPS: 60}); got != "gaming" {
		t.Errorf("High-motion 60fps = %s, want gaming", got)
	}
	if got := detectContentType(&VideoInfo{FPS: 24, HasSharpEdges: true}); got != "animation" {
		t.Errorf("Sharp-edged flat content = %s, want animation", got)
	}
	if got := detectContentType(&VideoInfo{FPS: 24, HasSharpEdges: true, HasFilmGrain: true}); got != "film" {
		t.Errorf("Grainy content = %s, want film (grain rules out cel look)", got)
	}
	if got := detectContentType(&VideoInfo{FPS: 24}); got != "film" {
		t.Errorf("Default = %s, want film", got)
	}
}

func TestAnimationPresetApplied(t *testing.T) {
	m := testManager(GPUInfo{})
	info := &VideoInfo{
		Duration: 60, FPS: 24,
		HasSharpEdges:   true,
		AudioChannels:   2,
		AudioSampleRate: 48000,
	}
	params := m.BuildParams(info, 8*1024*1024, false)
	if params["tune"] != "animation" {
		t.Errorf("tune = %s, want animation", params["tune"])
	}
}

func TestArgsRendersPairs(t *testing.T) {
	p := Params{"c:v": "libx264", "crf": "23"}
	args := p.Args()
	if len(args) != 4 {
		t.Fatalf("Args length = %d, want 4", len(args))
	}
	// Every flag must precede its value.
	for i := 0; i < len(args); i += 2 {
		if args[i][0] != '-' {
			t.Errorf("args[%d] = %q, want flag", i, args[i])
		}
	}
}
