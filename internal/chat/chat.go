package chat

import "context"

// Message is the subset of an origin message the pipeline cares about.
type Message struct {
	ID        int64
	ChannelID int64
	GuildID   int64
	AuthorID  int64
	Content   string
}

// SendResult describes a delivered file upload.
type SendResult struct {
	MessageID     int64
	AttachmentURL string
}

// Adapter is the capability surface the hosting chat client must provide.
// Transient-error retries are the host's responsibility unless a call is
// documented otherwise.
type Adapter interface {
	// SendFile uploads the file to a channel with accompanying content and
	// returns the created message plus its attachment URL.
	SendFile(ctx context.Context, channelID int64, content, filePath string) (SendResult, error)

	// EditReactions atomically adds and removes the given reactions on a
	// message.
	EditReactions(ctx context.Context, channelID, messageID int64, add, remove []string) error

	// Reply posts a reply to an existing message.
	Reply(ctx context.Context, channelID, messageID int64, content string) error

	// FetchMessage retrieves a message, nil if it no longer exists.
	FetchMessage(ctx context.Context, channelID, messageID int64) (*Message, error)
}

// Formatter renders the archive-channel text for an uploaded video.
type Formatter interface {
	FormatArchiveMessage(m *Message, sourceURL string) string
}
