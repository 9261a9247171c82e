package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"clipvault/internal/archive"
	"clipvault/internal/chat"
	"clipvault/internal/config"
	"clipvault/internal/downloader"
	"clipvault/internal/ffmpeg"
	"clipvault/internal/queue"
)

type fakeAdapter struct {
	mu        sync.Mutex
	reactions [][2][]string // add, remove pairs
	replies   []string
	sendCalls int
	sendErr   error
}

func (f *fakeAdapter) SendFile(ctx context.Context, channelID int64, content, filePath string) (chat.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++
	if f.sendErr != nil {
		return chat.SendResult{}, f.sendErr
	}
	return chat.SendResult{MessageID: 999, AttachmentURL: "a://uploaded"}, nil
}

func (f *fakeAdapter) EditReactions(ctx context.Context, channelID, messageID int64, add, remove []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, [2][]string{add, remove})
	return nil
}

func (f *fakeAdapter) Reply(ctx context.Context, channelID, messageID int64, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, content)
	return nil
}

func (f *fakeAdapter) FetchMessage(ctx context.Context, channelID, messageID int64) (*chat.Message, error) {
	return &chat.Message{ID: messageID, ChannelID: channelID}, nil
}

func (f *fakeAdapter) added() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, pair := range f.reactions {
		out = append(out, pair[0]...)
	}
	return out
}

type fakeDownloader struct {
	mu         sync.Mutex
	probeCalls int
	dlCalls    int
	dlErr      error
}

func (f *fakeDownloader) Probe(ctx context.Context, url string) (*downloader.MediaInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probeCalls++
	return &downloader.MediaInfo{Title: "t", Extractor: "youtube"}, nil
}

func (f *fakeDownloader) Download(ctx context.Context, url, destDir string, progress downloader.ProgressFunc) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dlCalls++
	return "", f.dlErr
}

func setupProcessor(t *testing.T) (*Processor, *fakeAdapter, *fakeDownloader, *archive.Store, *config.Manager) {
	t.Helper()
	store, err := archive.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	adapter := &fakeAdapter{}
	dl := &fakeDownloader{}
	cfg := config.NewManager(store)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	p := New(
		adapter,
		chat.DefaultReactions(),
		chat.DefaultFormatter{},
		dl,
		store,
		nil, // tool orchestrator unused on these paths
		cfg,
		queue.NewMetrics(),
		t.TempDir(),
		3,
		logger,
	)
	return p, adapter, dl, store, cfg
}

func testItem(url string) *queue.Item {
	now := time.Now()
	start := now
	return &queue.Item{
		URL:       url,
		MessageID: 1,
		ChannelID: 10,
		GuildID:   42,
		AuthorID:  7,
		AddedAt:   now,
		Status:    queue.StatusProcessing,
		StartTime: &start,
	}
}

func TestArchiveHitShortCircuits(t *testing.T) {
	p, adapter, dl, store, _ := setupProcessor(t)

	if _, err := store.Put("https://example.com/v", "a://1", 1, 2, 42); err != nil {
		t.Fatal(err)
	}

	ok, errMsg := p.Handle(context.Background(), testItem("https://example.com/v"))
	if !ok || errMsg != "" {
		t.Fatalf("Handle = (%v, %q), want success", ok, errMsg)
	}

	if dl.probeCalls != 0 || dl.dlCalls != 0 {
		t.Error("Short-circuit must not touch the downloader")
	}

	found := false
	for _, r := range adapter.replies {
		if strings.Contains(r, "a://1") {
			found = true
		}
	}
	if !found {
		t.Errorf("Reply should point at the existing archive, got %v", adapter.replies)
	}

	archived := false
	for _, glyph := range adapter.added() {
		if glyph == p.reactions.Archived {
			archived = true
		}
	}
	if !archived {
		t.Error("Origin message should get the archived reaction")
	}
}

func TestMissingGuildConfigFails(t *testing.T) {
	p, _, dl, _, _ := setupProcessor(t)

	ok, errMsg := p.Handle(context.Background(), testItem("https://example.com/v"))
	if ok {
		t.Fatal("Handle should fail without guild config")
	}
	if !strings.HasPrefix(errMsg, "ConfigMissing") {
		t.Errorf("Error = %q, want ConfigMissing kind", errMsg)
	}
	if dl.dlCalls != 0 {
		t.Error("No download should start without config")
	}
}

func TestEnabledGuildWithoutArchiveChannelFails(t *testing.T) {
	p, _, _, _, cfg := setupProcessor(t)
	if err := cfg.SetGuildEnabled(42, true); err != nil {
		t.Fatal(err)
	}

	ok, errMsg := p.Handle(context.Background(), testItem("https://example.com/v"))
	if ok || !strings.HasPrefix(errMsg, "ConfigMissing") {
		t.Errorf("Handle = (%v, %q), want ConfigMissing", ok, errMsg)
	}
}

func TestDownloadFailureIsRetriable(t *testing.T) {
	p, adapter, dl, _, cfg := setupProcessor(t)
	if err := cfg.SetGuildEnabled(42, true); err != nil {
		t.Fatal(err)
	}
	if err := cfg.SetChannel(42, "archive", 555); err != nil {
		t.Fatal(err)
	}
	dl.dlErr = errors.New("network sad")

	item := testItem("https://example.com/v")
	ok, errMsg := p.Handle(context.Background(), item)
	if ok {
		t.Fatal("Handle should fail when download fails")
	}
	if !strings.HasPrefix(errMsg, "DownloadFailed") {
		t.Errorf("Error = %q, want DownloadFailed kind", errMsg)
	}

	// First attempt of three: the processing indicator stays, no error glyph.
	for _, glyph := range adapter.added() {
		if glyph == p.reactions.Error {
			t.Error("Retriable failure must not set the error reaction")
		}
	}
}

func TestVerificationFailureHasOwnErrorKind(t *testing.T) {
	p, _, dl, _, cfg := setupProcessor(t)
	if err := cfg.SetGuildEnabled(42, true); err != nil {
		t.Fatal(err)
	}
	if err := cfg.SetChannel(42, "archive", 555); err != nil {
		t.Fatal(err)
	}
	dl.dlErr = fmt.Errorf("all 5 download attempts failed: %w", ffmpeg.ErrVerificationFailed)

	ok, errMsg := p.Handle(context.Background(), testItem("https://example.com/v"))
	if ok {
		t.Fatal("Handle should fail on verification failure")
	}
	if !strings.HasPrefix(errMsg, "VerificationFailed") {
		t.Errorf("Error = %q, want VerificationFailed kind", errMsg)
	}
}

func TestFinalAttemptSetsErrorReaction(t *testing.T) {
	p, adapter, dl, _, cfg := setupProcessor(t)
	if err := cfg.SetGuildEnabled(42, true); err != nil {
		t.Fatal(err)
	}
	if err := cfg.SetChannel(42, "archive", 555); err != nil {
		t.Fatal(err)
	}
	dl.dlErr = errors.New("network sad")

	item := testItem("https://example.com/v")
	item.RetryCount = 3 // out of retries
	ok, _ := p.Handle(context.Background(), item)
	if ok {
		t.Fatal("Handle should fail")
	}

	found := false
	for _, glyph := range adapter.added() {
		if glyph == p.reactions.Error {
			found = true
		}
	}
	if !found {
		t.Error("Terminal failure should set the error reaction")
	}
}

func TestTrackerLifecycle(t *testing.T) {
	tr := NewTracker()

	tr.UpdateDownload("u1", func(d *DownloadProgress) { d.Percent = 40 })
	tr.UpdateCompression("f1", func(c *CompressionProgress) { c.Percent = 10 })

	downloads, compressions := tr.Snapshot()
	if downloads["u1"].Percent != 40 || !downloads["u1"].Active {
		t.Errorf("Download entry = %+v", downloads["u1"])
	}
	if compressions["f1"].Percent != 10 {
		t.Errorf("Compression entry = %+v", compressions["f1"])
	}

	tr.CompleteDownload("u1")
	tr.CompleteCompression("f1")
	downloads, _ = tr.Snapshot()
	if downloads["u1"].Active {
		t.Error("Completed download should be inactive")
	}

	if removed := tr.Prune(); removed != 2 {
		t.Errorf("Prune removed %d, want 2", removed)
	}
	downloads, compressions = tr.Snapshot()
	if len(downloads)+len(compressions) != 0 {
		t.Error("Prune should drop inactive entries")
	}
}
