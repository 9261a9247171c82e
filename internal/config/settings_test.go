package config

import (
	"testing"

	"clipvault/internal/archive"
)

func setupManager(t *testing.T) *Manager {
	t.Helper()
	s, err := archive.OpenMemory()
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewManager(s)
}

func TestDefaults(t *testing.T) {
	c := setupManager(t)

	if got := c.GetConcurrentDownloads(); got != 3 {
		t.Errorf("ConcurrentDownloads default = %d, want 3", got)
	}
	if got := c.GetMaxFileSizeMB(); got != 8 {
		t.Errorf("MaxFileSizeMB default = %d, want 8", got)
	}
	if got := c.GetMaxQueueSize(); got != 1000 {
		t.Errorf("MaxQueueSize default = %d, want 1000", got)
	}
	if got := c.GetVideoFormat(); got != "mp4" {
		t.Errorf("VideoFormat default = %s, want mp4", got)
	}
	if !c.GetUpdateCheck() {
		t.Error("UpdateCheck should default to true")
	}
	if sites := c.GetEnabledSites(); sites != nil {
		t.Errorf("EnabledSites default = %v, want nil (all sites)", sites)
	}
}

func TestConcurrencyClamp(t *testing.T) {
	c := setupManager(t)

	if err := c.SetConcurrentDownloads(99); err != nil {
		t.Fatal(err)
	}
	if got := c.GetConcurrentDownloads(); got != 5 {
		t.Errorf("ConcurrentDownloads = %d, want clamp to 5", got)
	}

	if err := c.SetConcurrentDownloads(0); err != nil {
		t.Fatal(err)
	}
	if got := c.GetConcurrentDownloads(); got != 1 {
		t.Errorf("ConcurrentDownloads = %d, want clamp to 1", got)
	}
}

func TestEnabledSitesRoundTrip(t *testing.T) {
	c := setupManager(t)

	if err := c.SetEnabledSites([]string{"youtube", "vimeo"}); err != nil {
		t.Fatal(err)
	}
	sites := c.GetEnabledSites()
	if len(sites) != 2 || sites[0] != "youtube" || sites[1] != "vimeo" {
		t.Errorf("EnabledSites = %v", sites)
	}
}

func TestGuildChannels(t *testing.T) {
	c := setupManager(t)
	const guild = int64(42)

	if got := c.GetChannel(guild, "archive"); got != 0 {
		t.Errorf("Unset archive channel = %d, want 0", got)
	}

	if err := c.SetChannel(guild, "archive", 1234); err != nil {
		t.Fatal(err)
	}
	if err := c.SetChannel(guild, "log", 5678); err != nil {
		t.Fatal(err)
	}
	if got := c.GetChannel(guild, "archive"); got != 1234 {
		t.Errorf("Archive channel = %d, want 1234", got)
	}
	if got := c.GetChannel(guild, "log"); got != 5678 {
		t.Errorf("Log channel = %d, want 5678", got)
	}
	// Other guilds are unaffected.
	if got := c.GetChannel(43, "archive"); got != 0 {
		t.Errorf("Other guild archive channel = %d, want 0", got)
	}

	if err := c.SetChannel(guild, "bogus", 1); err == nil {
		t.Error("Unknown channel kind should error")
	}
}

func TestGuildEnableDisable(t *testing.T) {
	c := setupManager(t)

	if c.GetGuildEnabled(1) {
		t.Error("Guilds should start disabled")
	}
	if err := c.SetGuildEnabled(1, true); err != nil {
		t.Fatal(err)
	}
	if !c.GetGuildEnabled(1) {
		t.Error("Guild should be enabled after set")
	}
}

func TestMonitoredChannels(t *testing.T) {
	c := setupManager(t)

	if got := c.GetMonitoredChannels(1); got != nil {
		t.Errorf("Default monitored channels = %v, want nil", got)
	}
	if err := c.SetMonitoredChannels(1, []int64{11, 22}); err != nil {
		t.Fatal(err)
	}
	got := c.GetMonitoredChannels(1)
	if len(got) != 2 || got[0] != 11 || got[1] != 22 {
		t.Errorf("Monitored channels = %v", got)
	}
}
