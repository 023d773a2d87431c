package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/openrcs/ftengine/internal/storage"
	"github.com/openrcs/ftengine/internal/xfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRepo(t *testing.T) *ResumeRepository {
	t.Helper()

	db, err := InitDB(filepath.Join(t.TempDir(), "transfers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewResumeRepository(db)
}

func sampleRecord(id string) *storage.ResumeRecord {
	return &storage.ResumeRecord{
		TransferID: id,
		Direction:  xfer.DirectionUpload,
		Contact:    "+33612345678",
		ChatID:     "chat-1",
		Content: xfer.ContentDescriptor{
			Locator:     "payloads/photo.jpg",
			MimeType:    "image/jpeg",
			SizeBytes:   2048,
			FileName:    "photo.jpg",
			Disposition: xfer.DispositionRender,
		},
		Thumbnail: &xfer.Thumbnail{
			Locator:   "payloads/photo-thumb.jpg",
			MimeType:  "image/jpeg",
			SizeBytes: 128,
			ExpiresAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		},
		TID:             "tid-1",
		LocalInstanceID: "host-1234-cafebabe",
	}
}

func TestResumeRepository_CreateGetDelete(t *testing.T) {
	repo := newRepo(t)

	require.NoError(t, repo.Create(sampleRecord("t-1")))

	rec, err := repo.Get("t-1")
	require.NoError(t, err)

	assert.Equal(t, xfer.DirectionUpload, rec.Direction)
	assert.Equal(t, "+33612345678", rec.Contact)
	assert.Equal(t, xfer.DispositionRender, rec.Content.Disposition)
	assert.Equal(t, int64(2048), rec.Content.SizeBytes)
	require.NotNil(t, rec.Thumbnail)
	assert.Equal(t, int64(128), rec.Thumbnail.SizeBytes)
	assert.True(t, rec.Thumbnail.ExpiresAt.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)))
	assert.Equal(t, "host-1234-cafebabe", rec.LocalInstanceID)
	assert.False(t, rec.CreatedAt.IsZero())

	require.NoError(t, repo.Delete("t-1"))

	_, err = repo.Get("t-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestResumeRepository_Updates(t *testing.T) {
	repo := newRepo(t)
	require.NoError(t, repo.Create(sampleRecord("t-2")))

	require.NoError(t, repo.UpdateTID("t-2", "tid-fresh"))
	require.NoError(t, repo.UpdateServerURI("t-2", "https://content.example.com/u"))
	require.NoError(t, repo.AttachDownloadInfo("t-2", []byte("<file/>")))

	rec, err := repo.Get("t-2")
	require.NoError(t, err)

	assert.Equal(t, "tid-fresh", rec.TID)
	assert.Equal(t, "https://content.example.com/u", rec.ServerURI)
	assert.Equal(t, []byte("<file/>"), rec.DownloadInfo)
}

func TestResumeRepository_UpdateMissing(t *testing.T) {
	repo := newRepo(t)

	assert.ErrorIs(t, repo.UpdateTID("nope", "tid"), storage.ErrNotFound)
}

func TestResumeRepository_QueryAllOrdered(t *testing.T) {
	repo := newRepo(t)

	first := sampleRecord("t-old")
	first.CreatedAt = time.Now().Add(-time.Hour)
	second := sampleRecord("t-new")
	second.Direction = xfer.DirectionDownload
	second.Thumbnail = nil

	require.NoError(t, repo.Create(first))
	require.NoError(t, repo.Create(second))

	records, err := repo.QueryAll()
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "t-old", records[0].TransferID)
	assert.Equal(t, "t-new", records[1].TransferID)
	assert.Nil(t, records[1].Thumbnail)
}
