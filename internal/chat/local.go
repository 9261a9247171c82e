package chat

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
)

// LocalAdapter is a filesystem-backed Adapter used when the daemon runs
// without a chat client: uploads land in a directory per channel and
// reactions and replies go to the log. Hosts embedding the pipeline
// provide their own Adapter instead.
type LocalAdapter struct {
	dir    string
	logger *slog.Logger
	nextID atomic.Int64
}

func NewLocalAdapter(dir string, logger *slog.Logger) *LocalAdapter {
	a := &LocalAdapter{dir: dir, logger: logger}
	a.nextID.Store(1)
	return a
}

func (a *LocalAdapter) SendFile(ctx context.Context, channelID int64, content, filePath string) (SendResult, error) {
	channelDir := filepath.Join(a.dir, strconv.FormatInt(channelID, 10))
	if err := os.MkdirAll(channelDir, 0o755); err != nil {
		return SendResult{}, err
	}
	dst := filepath.Join(channelDir, filepath.Base(filePath))

	in, err := os.Open(filePath)
	if err != nil {
		return SendResult{}, err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return SendResult{}, err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return SendResult{}, err
	}
	if err := out.Close(); err != nil {
		return SendResult{}, err
	}

	id := a.nextID.Add(1)
	a.logger.Info("Archived file locally", "channel", channelID, "path", dst, "content", content)
	return SendResult{
		MessageID:     id,
		AttachmentURL: "file://" + dst,
	}, nil
}

func (a *LocalAdapter) EditReactions(ctx context.Context, channelID, messageID int64, add, remove []string) error {
	a.logger.Debug("Reactions updated", "channel", channelID, "message", messageID, "add", add, "remove", remove)
	return nil
}

func (a *LocalAdapter) Reply(ctx context.Context, channelID, messageID int64, content string) error {
	a.logger.Info("Reply posted", "channel", channelID, "message", messageID, "content", content)
	return nil
}

func (a *LocalAdapter) FetchMessage(ctx context.Context, channelID, messageID int64) (*Message, error) {
	return &Message{ID: messageID, ChannelID: channelID}, nil
}

// DefaultFormatter renders a plain archive caption.
type DefaultFormatter struct{}

func (DefaultFormatter) FormatArchiveMessage(m *Message, sourceURL string) string {
	if m == nil {
		return fmt.Sprintf("Archived from %s", sourceURL)
	}
	return fmt.Sprintf("Archived from %s (posted by <@%d> in <#%d>)", sourceURL, m.AuthorID, m.ChannelID)
}
