package archive

// Record maps a submitted URL to its archived copy. One row per source
// URL; inserts are idempotent on the primary key.
type Record struct {
	SourceURL        string `gorm:"primaryKey" json:"source_url"`
	ArchiveURL       string `json:"archive_url"`
	ArchiveMessageID int64  `json:"archive_message_id"`
	ArchiveChannelID int64  `json:"archive_channel_id"`
	GuildID          int64  `gorm:"index" json:"guild_id"`
	ArchivedAt       string `json:"archived_at"` // ISO 8601 UTC
}

// TableName specifies the table name for Record
func (Record) TableName() string {
	return "archived_videos"
}

// AppSetting stores key-value application settings
type AppSetting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

// TableName specifies the table name for AppSetting
func (AppSetting) TableName() string {
	return "app_settings"
}
