package ffmpeg

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// GPUInfo flags the hardware encoders that are actually usable: a vendor
// is enabled only when a physical device is present AND its encoder
// survives a test transcode.
type GPUInfo struct {
	NVIDIA bool `json:"nvidia"`
	AMD    bool `json:"amd"`
	Intel  bool `json:"intel"`
}

// Encoder returns the vendor encoder name, preferring NVIDIA.
func (g GPUInfo) Encoder() string {
	switch {
	case g.NVIDIA:
		return "h264_nvenc"
	case g.AMD:
		return "h264_amf"
	case g.Intel:
		return "h264_qsv"
	}
	return ""
}

func (g GPUInfo) Any() bool {
	return g.NVIDIA || g.AMD || g.Intel
}

// DetectGPU probes physical devices and verifies the matching encoders.
func DetectGPU(m *Manager, logger *slog.Logger) GPUInfo {
	physical := detectPhysicalGPUs()

	info := GPUInfo{}
	if physical.NVIDIA && m.encoderAvailable("h264_nvenc") && testEncoder(m, "h264_nvenc") {
		info.NVIDIA = true
	}
	if physical.AMD && m.encoderAvailable("h264_amf") && testEncoder(m, "h264_amf") {
		info.AMD = true
	}
	if physical.Intel && m.encoderAvailable("h264_qsv") && testEncoder(m, "h264_qsv") {
		info.Intel = true
	}

	if info.Any() {
		logger.Info("Hardware encoders enabled", "nvidia", info.NVIDIA, "amd", info.AMD, "intel", info.Intel)
	} else {
		logger.Info("No GPU acceleration available")
	}
	return info
}

func detectPhysicalGPUs() GPUInfo {
	switch runtime.GOOS {
	case "windows":
		return detectWindowsGPU()
	case "darwin":
		return detectMacGPU()
	default:
		return detectLinuxGPU()
	}
}

func detectLinuxGPU() GPUInfo {
	var info GPUInfo

	ctx, cancel := context.WithTimeout(context.Background(), verifyTimeout)
	if err := exec.CommandContext(ctx, "nvidia-smi").Run(); err == nil {
		info.NVIDIA = true
	}
	cancel()

	if _, err := os.Stat("/dev/dri"); err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), verifyTimeout)
		out, err := exec.CommandContext(ctx, "lspci", "-v").CombinedOutput()
		cancel()
		if err == nil {
			lower := strings.ToLower(string(out))
			info.AMD = strings.Contains(lower, "amd") || strings.Contains(lower, "radeon") ||
				strings.Contains(lower, "advanced micro devices")
			info.Intel = strings.Contains(lower, "intel") && strings.Contains(lower, "graphics")
		}
	}

	if !info.Intel {
		// i915 render nodes show up even when lspci is absent.
		matches, _ := filepath.Glob("/sys/class/drm/*i915*")
		info.Intel = len(matches) > 0
	}
	return info
}

func detectWindowsGPU() GPUInfo {
	ctx, cancel := context.WithTimeout(context.Background(), verifyTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "powershell", "-Command",
		"Get-WmiObject Win32_VideoController | Select-Object Name").CombinedOutput()
	if err != nil {
		return GPUInfo{}
	}
	lower := strings.ToLower(string(out))
	return GPUInfo{
		NVIDIA: strings.Contains(lower, "nvidia"),
		AMD:    strings.Contains(lower, "amd") || strings.Contains(lower, "radeon"),
		Intel:  strings.Contains(lower, "intel"),
	}
}

func detectMacGPU() GPUInfo {
	ctx, cancel := context.WithTimeout(context.Background(), verifyTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "system_profiler", "SPDisplaysDataType").CombinedOutput()
	if err != nil {
		return GPUInfo{}
	}
	lower := strings.ToLower(string(out))
	return GPUInfo{
		NVIDIA: strings.Contains(lower, "nvidia"),
		AMD:    strings.Contains(lower, "amd") || strings.Contains(lower, "radeon"),
		Intel:  strings.Contains(lower, "intel"),
	}
}

// testEncoder transcodes one second of synthetic video through the
// candidate encoder. Listing an encoder proves nothing about driver
// state; only a real encode does.
func testEncoder(m *Manager, encoder string) bool {
	tmp, err := os.CreateTemp("", "encprobe_*.mp4")
	if err != nil {
		return false
	}
	tmp.Close()
	defer os.Remove(tmp.Name())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, m.FFmpegPath,
		"-hide_banner", "-loglevel", "error",
		"-f", "lavfi", "-i", "testsrc=duration=1:size=320x240:rate=30",
		"-c:v", encoder,
		"-y", tmp.Name(),
	)
	m.track(cmd, "")
	err = cmd.Run()
	m.untrack(cmd)
	if err != nil {
		return false
	}
	fi, err := os.Stat(tmp.Name())
	return err == nil && fi.Size() > 0
}
