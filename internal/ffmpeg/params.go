package ffmpeg

import (
	"fmt"
	"strconv"
)

// Bitrate floors and ceilings.
const (
	minVideoBitrate = 500_000 // 500 Kbps
	minAudioPerChan = 64_000  // 64 Kbps per channel
	maxAudioPerChan = 192_000 // 192 Kbps per channel
)

// qualityPresets tunes x264 per content type.
var qualityPresets = map[string]map[string]string{
	"gaming": {
		"crf":      "20",
		"preset":   "fast",
		"tune":     "zerolatency",
		"x264opts": "rc-lookahead=20:me=hex:subme=6:ref=3:b-adapt=1:direct=spatial",
	},
	"animation": {
		"crf":      "18",
		"preset":   "slow",
		"tune":     "animation",
		"x264opts": "rc-lookahead=60:me=umh:subme=9:ref=6:b-adapt=2:direct=auto:deblock=-1,-1",
	},
	"film": {
		"crf":      "22",
		"preset":   "medium",
		"tune":     "film",
		"x264opts": "rc-lookahead=50:me=umh:subme=8:ref=4:b-adapt=2:direct=auto",
	},
}

// Params is a flat ffmpeg flag map; Args renders it in a stable order.
type Params map[string]string

// BuildParams computes encoding parameters for a target output size.
// useHardware selects the vendor encoder when one is enabled; on failure
// Transcode rewrites the result with SoftwareFallback for a libx264 retry.
func (m *Manager) BuildParams(info *VideoInfo, targetSizeBytes int64, useHardware bool) Params {
	params := m.baseParams()

	contentType := detectContentType(info)
	for k, v := range qualityPresets[contentType] {
		params[k] = v
	}

	if info.HasHighMotion {
		params["tune"] = "grain"
		params["x264opts"] = "rc-lookahead=60:me=umh:subme=7:ref=4:b-adapt=2:direct=auto:deblock=-1,-1:psy-rd=1.0:aq-strength=0.8"
	}
	if info.HasDarkScenes {
		params["x264opts"] += ":aq-mode=3:aq-strength=1.0"
		if !info.HasHighMotion {
			params["tune"] = "film"
		}
	}

	if useHardware {
		for k, v := range m.hardwareParams() {
			params[k] = v
		}
		// x264-private options would be rejected by the vendor encoders.
		delete(params, "x264opts")
		delete(params, "tune")
	}

	m.applyBitratePlan(params, info, targetSizeBytes)
	return params
}

func (m *Manager) baseParams() Params {
	return Params{
		"c:v":        "libx264",
		"threads":    strconv.Itoa(m.CPUCores),
		"preset":     "medium",
		"crf":        "23",
		"movflags":   "+faststart",
		"profile:v":  "high",
		"level":      "4.1",
		"pix_fmt":    "yuv420p",
		"x264opts":   "rc-lookahead=60:me=umh:subme=7:ref=4:b-adapt=2:direct=auto",
		"tune":       "film",
	}
}

func (m *Manager) hardwareParams() Params {
	switch {
	case m.GPU.NVIDIA:
		return Params{
			"c:v":         "h264_nvenc",
			"preset":      "p7",
			"rc:v":        "vbr",
			"cq:v":        "19",
			"spatial-aq":  "1",
			"temporal-aq": "1",
		}
	case m.GPU.AMD:
		return Params{
			"c:v":     "h264_amf",
			"quality": "quality",
			"rc":      "vbr_peak",
			"vbaq":    "1",
		}
	case m.GPU.Intel:
		return Params{
			"c:v":            "h264_qsv",
			"preset":         "veryslow",
			"look_ahead":     "1",
			"global_quality": "23",
		}
	}
	return nil
}

// applyBitratePlan derives video/audio bitrates from the size budget and
// nudges CRF by the compression ratio.
func (m *Manager) applyBitratePlan(params Params, info *VideoInfo, targetSizeBytes int64) {
	if info.Duration <= 0 {
		// Without a duration there is no budget math; CRF mode carries it.
		params["c:a"] = "aac"
		params["b:a"] = "128k"
		params["ar"] = "48000"
		params["ac"] = "2"
		return
	}

	totalBitrate := float64(targetSizeBytes*8) / info.Duration

	channels := info.AudioChannels
	if channels <= 0 {
		channels = 2
	}
	audioBitrate := totalBitrate * 0.15
	if min := float64(minAudioPerChan * channels); audioBitrate < min {
		audioBitrate = min
	}
	if max := float64(maxAudioPerChan * channels); audioBitrate > max {
		audioBitrate = max
	}

	videoBitrate := totalBitrate - audioBitrate
	if videoBitrate < minVideoBitrate {
		videoBitrate = minVideoBitrate
	}

	params["b:v"] = strconv.Itoa(int(videoBitrate))
	params["maxrate"] = strconv.Itoa(int(videoBitrate * 1.5))
	params["bufsize"] = strconv.Itoa(int(videoBitrate * 2))

	params["c:a"] = "aac"
	params["b:a"] = fmt.Sprintf("%dk", int(audioBitrate/1000))
	params["ar"] = strconv.Itoa(info.AudioSampleRate)
	params["ac"] = strconv.Itoa(channels)

	if info.Bitrate > 0 {
		ratio := info.Bitrate / videoBitrate
		switch {
		case ratio > 4:
			params["crf"] = "26"
			params["preset"] = "faster"
		case ratio > 2:
			params["crf"] = "23"
			params["preset"] = "medium"
		default:
			params["crf"] = "20"
			params["preset"] = "slow"
		}
	}

	if info.HasDarkScenes {
		if crf, err := strconv.Atoi(params["crf"]); err == nil && crf >= 2 {
			params["crf"] = strconv.Itoa(crf - 2)
		}
	}
}

func detectContentType(info *VideoInfo) string {
	if info.HasHighMotion && info.FPS >= 60 {
		return "gaming"
	}
	if info.HasSharpEdges && !info.HasFilmGrain {
		return "animation"
	}
	return "film"
}

// hardwareOnlyKeys are ignored by libx264; strip them before a CPU retry.
var hardwareOnlyKeys = []string{"rc:v", "cq:v", "spatial-aq", "temporal-aq", "quality", "rc", "vbaq", "look_ahead", "global_quality"}

// SoftwareFallback rewrites params for the libx264 retry path.
func SoftwareFallback(params Params) Params {
	out := make(Params, len(params))
	for k, v := range params {
		out[k] = v
	}
	out["c:v"] = "libx264"
	if _, ok := qualityPresets[out["preset"]]; !ok {
		switch out["preset"] {
		case "p1", "p2", "p3", "p4", "p5", "p6", "p7", "veryslow":
			out["preset"] = "medium"
		}
	}
	for _, k := range hardwareOnlyKeys {
		delete(out, k)
	}
	return out
}

// Args renders the flag map as an ffmpeg argument list in a stable order.
func (p Params) Args() []string {
	order := []string{
		"c:v", "threads", "preset", "tune", "crf",
		"b:v", "maxrate", "bufsize",
		"profile:v", "level", "pix_fmt", "x264opts",
		"rc:v", "cq:v", "spatial-aq", "temporal-aq",
		"quality", "rc", "vbaq", "look_ahead", "global_quality",
		"c:a", "b:a", "ar", "ac",
		"movflags",
	}
	args := make([]string, 0, len(p)*2)
	seen := make(map[string]bool, len(p))
	for _, k := range order {
		if v, ok := p[k]; ok {
			args = append(args, "-"+k, v)
			seen[k] = true
		}
	}
	for k, v := range p {
		if !seen[k] {
			args = append(args, "-"+k, v)
		}
	}
	return args
}
