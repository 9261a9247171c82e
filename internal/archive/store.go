package archive

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Store is the durable archive index plus the settings KV table.
type Store struct {
	DB *gorm.DB
}

// Open creates or opens the sqlite database at path and migrates the
// schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open archive db: %w", err)
	}

	db.Exec("PRAGMA journal_mode=WAL;")

	if err := db.AutoMigrate(&Record{}, &AppSetting{}); err != nil {
		return nil, fmt.Errorf("migrate archive db: %w", err)
	}

	return &Store{DB: db}, nil
}

// OpenMemory opens an in-memory store, used by tests.
func OpenMemory() (*Store, error) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Record{}, &AppSetting{}); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Put inserts a record, idempotently: a second put for the same source URL
// leaves the first record unchanged and returns it.
func (s *Store) Put(sourceURL, archiveURL string, messageID, channelID, guildID int64) (*Record, error) {
	rec := Record{
		SourceURL:        sourceURL,
		ArchiveURL:       archiveURL,
		ArchiveMessageID: messageID,
		ArchiveChannelID: channelID,
		GuildID:          guildID,
		ArchivedAt:       time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.DB.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error; err != nil {
		return nil, err
	}
	return s.Get(sourceURL)
}

// Get returns the record for a source URL, or nil if not archived.
func (s *Store) Get(sourceURL string) (*Record, error) {
	var rec Record
	err := s.DB.First(&rec, "source_url = ?", sourceURL).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Has reports whether a source URL is already archived.
func (s *Store) Has(sourceURL string) (bool, error) {
	var count int64
	if err := s.DB.Model(&Record{}).Where("source_url = ?", sourceURL).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// CountByGuild returns how many videos a guild has archived.
func (s *Store) CountByGuild(guildID int64) (int64, error) {
	var count int64
	err := s.DB.Model(&Record{}).Where("guild_id = ?", guildID).Count(&count).Error
	return count, err
}

// GetString retrieves a single string value from settings
func (s *Store) GetString(key string) (string, error) {
	var setting AppSetting
	err := s.DB.First(&setting, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return setting.Value, nil
}

// SetString stores a single string value in settings
func (s *Store) SetString(key, val string) error {
	setting := AppSetting{Key: key, Value: val}
	return s.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&setting).Error
}
