package config

import (
	"fmt"
	"strconv"
	"strings"

	"clipvault/internal/archive"
)

// Keys for AppSettings in DB. Per-guild keys are prefixed with the guild ID.
const (
	KeyConcurrentDownloads = "concurrent_downloads"
	KeyMaxFileSizeMB       = "max_file_size_mb"
	KeyMaxQueueSize        = "max_queue_size"
	KeyVideoFormat         = "video_format"
	KeyMaxVideoHeight      = "max_video_height"
	KeyEnabledSites        = "enabled_sites"
	KeyUpdateCheck         = "update_check"

	keyGuildEnabled         = "enabled"
	keyGuildArchiveChannel  = "archive_channel"
	keyGuildNotifyChannel   = "notification_channel"
	keyGuildLogChannel      = "log_channel"
	keyGuildMonitoredPrefix = "monitored_channels"
)

// Manager wraps the settings table with typed getters and defaults.
type Manager struct {
	store *archive.Store
}

func NewManager(s *archive.Store) *Manager {
	return &Manager{store: s}
}

func (c *Manager) getInt(key string, def int) int {
	valStr, err := c.store.GetString(key)
	if err != nil || valStr == "" {
		return def
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return def
	}
	return val
}

func (c *Manager) setInt(key string, val int) error {
	return c.store.SetString(key, strconv.Itoa(val))
}

func (c *Manager) getBool(key string, def bool) bool {
	val, err := c.store.GetString(key)
	if err != nil || val == "" {
		return def
	}
	return val == "true"
}

func (c *Manager) setBool(key string, enabled bool) error {
	val := "false"
	if enabled {
		val = "true"
	}
	return c.store.SetString(key, val)
}

func guildKey(guildID int64, key string) string {
	return fmt.Sprintf("guild_%d_%s", guildID, key)
}

func (c *Manager) GetConcurrentDownloads() int {
	n := c.getInt(KeyConcurrentDownloads, 3)
	if n < 1 {
		n = 1
	}
	if n > 5 {
		n = 5
	}
	return n
}

func (c *Manager) SetConcurrentDownloads(n int) error {
	return c.setInt(KeyConcurrentDownloads, n)
}

// GetMaxFileSizeMB is the upload size cap; larger downloads are transcoded
// down to fit.
func (c *Manager) GetMaxFileSizeMB() int {
	return c.getInt(KeyMaxFileSizeMB, 8)
}

func (c *Manager) SetMaxFileSizeMB(mb int) error {
	return c.setInt(KeyMaxFileSizeMB, mb)
}

func (c *Manager) GetMaxQueueSize() int {
	return c.getInt(KeyMaxQueueSize, 1000)
}

func (c *Manager) GetVideoFormat() string {
	val, err := c.store.GetString(KeyVideoFormat)
	if err != nil || val == "" {
		return "mp4"
	}
	return val
}

func (c *Manager) SetVideoFormat(format string) error {
	return c.store.SetString(KeyVideoFormat, format)
}

func (c *Manager) GetMaxVideoHeight() int {
	return c.getInt(KeyMaxVideoHeight, 1080)
}

// GetEnabledSites returns the extractor allow-list; empty means all sites.
func (c *Manager) GetEnabledSites() []string {
	val, err := c.store.GetString(KeyEnabledSites)
	if err != nil || val == "" {
		return nil
	}
	parts := strings.Split(val, ",")
	sites := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			sites = append(sites, p)
		}
	}
	return sites
}

func (c *Manager) SetEnabledSites(sites []string) error {
	return c.store.SetString(KeyEnabledSites, strings.Join(sites, ","))
}

func (c *Manager) GetUpdateCheck() bool {
	return c.getBool(KeyUpdateCheck, true)
}

func (c *Manager) SetUpdateCheck(enabled bool) error {
	return c.setBool(KeyUpdateCheck, enabled)
}

// --- per-guild settings ---

func (c *Manager) GetGuildEnabled(guildID int64) bool {
	return c.getBool(guildKey(guildID, keyGuildEnabled), false)
}

func (c *Manager) SetGuildEnabled(guildID int64, enabled bool) error {
	return c.setBool(guildKey(guildID, keyGuildEnabled), enabled)
}

// GetChannel returns the configured channel of the given kind
// (archive, notification, log) for a guild, 0 if unset.
func (c *Manager) GetChannel(guildID int64, kind string) int64 {
	var key string
	switch kind {
	case "archive":
		key = keyGuildArchiveChannel
	case "notification":
		key = keyGuildNotifyChannel
	case "log":
		key = keyGuildLogChannel
	default:
		return 0
	}
	valStr, err := c.store.GetString(guildKey(guildID, key))
	if err != nil || valStr == "" {
		return 0
	}
	id, err := strconv.ParseInt(valStr, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func (c *Manager) SetChannel(guildID int64, kind string, channelID int64) error {
	var key string
	switch kind {
	case "archive":
		key = keyGuildArchiveChannel
	case "notification":
		key = keyGuildNotifyChannel
	case "log":
		key = keyGuildLogChannel
	default:
		return fmt.Errorf("unknown channel kind %q", kind)
	}
	return c.store.SetString(guildKey(guildID, key), strconv.FormatInt(channelID, 10))
}

// GetMonitoredChannels returns the channels watched for video URLs; empty
// means all channels in the guild.
func (c *Manager) GetMonitoredChannels(guildID int64) []int64 {
	val, err := c.store.GetString(guildKey(guildID, keyGuildMonitoredPrefix))
	if err != nil || val == "" {
		return nil
	}
	var ids []int64
	for _, p := range strings.Split(val, ",") {
		if id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

func (c *Manager) SetMonitoredChannels(guildID int64, channels []int64) error {
	parts := make([]string, len(channels))
	for i, id := range channels {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return c.store.SetString(guildKey(guildID, keyGuildMonitoredPrefix), strings.Join(parts, ","))
}
