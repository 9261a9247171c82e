package archive

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemory()
	require.NoError(t, err, "open in-memory store")
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetHas(t *testing.T) {
	s := setupTestStore(t)

	rec, err := s.Put("https://example.com/v", "a://1", 111, 222, 333)
	require.NoError(t, err)
	require.Equal(t, "a://1", rec.ArchiveURL)
	require.Equal(t, int64(333), rec.GuildID)
	require.NotEmpty(t, rec.ArchivedAt)

	got, err := s.Get("https://example.com/v")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, int64(111), got.ArchiveMessageID)

	has, err := s.Has("https://example.com/v")
	require.NoError(t, err)
	require.True(t, has)

	has, err = s.Has("https://example.com/other")
	require.NoError(t, err)
	require.False(t, has)
}

func TestPutIsIdempotentOnSourceURL(t *testing.T) {
	s := setupTestStore(t)

	first, err := s.Put("https://example.com/v", "a://1", 1, 2, 3)
	require.NoError(t, err)

	// Second put with different values must leave the first record.
	second, err := s.Put("https://example.com/v", "a://999", 9, 9, 9)
	require.NoError(t, err)
	require.Equal(t, first.ArchiveURL, second.ArchiveURL)
	require.Equal(t, int64(1), second.ArchiveMessageID)

	var count int64
	require.NoError(t, s.DB.Model(&Record{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestGetMissingReturnsNil(t *testing.T) {
	s := setupTestStore(t)
	rec, err := s.Get("https://example.com/nope")
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestCountByGuild(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.Put("u1", "a://1", 1, 2, 100)
	require.NoError(t, err)
	_, err = s.Put("u2", "a://2", 1, 2, 100)
	require.NoError(t, err)
	_, err = s.Put("u3", "a://3", 1, 2, 200)
	require.NoError(t, err)

	count, err := s.CountByGuild(100)
	require.NoError(t, err)
	require.Equal(t, int64(2), count)
}

func TestSettingsKV(t *testing.T) {
	s := setupTestStore(t)

	val, err := s.GetString("missing")
	require.NoError(t, err)
	require.Equal(t, "", val)

	require.NoError(t, s.SetString("k", "v1"))
	val, err = s.GetString("k")
	require.NoError(t, err)
	require.Equal(t, "v1", val)

	// Upsert overwrites.
	require.NoError(t, s.SetString("k", "v2"))
	val, err = s.GetString("k")
	require.NoError(t, err)
	require.Equal(t, "v2", val)
}
