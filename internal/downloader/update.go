package downloader

import (
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

const latestReleaseURL = "https://api.github.com/repos/yt-dlp/yt-dlp/releases/latest"

// Release is the subset of a GitHub release the update check reads.
type Release struct {
	TagName string `json:"tag_name"`
	Body    string `json:"body"`
	HTMLURL string `json:"html_url"`
}

// InstalledVersion reports the local yt-dlp version string.
func (y *YTDLP) InstalledVersion() (string, error) {
	out, err := exec.Command(y.binPath, "--version").Output()
	if err != nil {
		return "", fmt.Errorf("query yt-dlp version: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// CheckForUpdates compares the installed yt-dlp against the latest GitHub
// release. Returns the release when the versions differ, nil when current.
func (y *YTDLP) CheckForUpdates() (*Release, error) {
	current, err := y.InstalledVersion()
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodGet, latestReleaseURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "clipvault-updater")

	resp, err := (&http.Client{Timeout: 10 * time.Second}).Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("release check returned %d", resp.StatusCode)
	}

	var rel Release
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return nil, fmt.Errorf("decode release: %w", err)
	}

	if strings.TrimPrefix(rel.TagName, "v") == strings.TrimPrefix(current, "v") {
		return nil, nil
	}
	return &rel, nil
}
