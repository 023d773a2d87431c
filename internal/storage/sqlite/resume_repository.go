package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/openrcs/ftengine/internal/storage"
	"github.com/openrcs/ftengine/internal/xfer"
)

// ResumeRepository is the SQLite-backed storage.ResumeStore.
type ResumeRepository struct {
	db *sql.DB
}

func NewResumeRepository(dbConn *sql.DB) *ResumeRepository {
	return &ResumeRepository{db: dbConn}
}

func (r *ResumeRepository) Create(rec *storage.ResumeRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	var (
		thumbLocator, thumbMime sql.NullString
		thumbSize               sql.NullInt64
		thumbExpires            sql.NullString
	)

	if rec.Thumbnail != nil {
		thumbLocator = sql.NullString{String: rec.Thumbnail.Locator, Valid: true}
		thumbMime = sql.NullString{String: rec.Thumbnail.MimeType, Valid: true}
		thumbSize = sql.NullInt64{Int64: rec.Thumbnail.SizeBytes, Valid: true}
		thumbExpires = sql.NullString{String: rec.Thumbnail.ExpiresAt.UTC().Format(time.RFC3339), Valid: true}
	}

	_, err := r.db.Exec(`
		INSERT INTO transfers (
			transfer_id, direction, contact, chat_id, is_group,
			file_locator, file_name, mime_type, size_bytes, disposition, playing_length,
			thumb_locator, thumb_mime_type, thumb_size_bytes, thumb_expires_at,
			server_uri, tid, remote_instance_id, local_instance_id, download_info, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transfer_id) DO UPDATE SET
			server_uri = excluded.server_uri,
			tid = excluded.tid
	`,
		rec.TransferID, string(rec.Direction), rec.Contact, rec.ChatID, rec.IsGroup,
		rec.Content.Locator, rec.Content.FileName, rec.Content.MimeType,
		rec.Content.SizeBytes, string(rec.Content.Disposition), rec.Content.PlayingLength,
		thumbLocator, thumbMime, thumbSize, thumbExpires,
		rec.ServerURI, rec.TID, rec.RemoteInstanceID, rec.LocalInstanceID, rec.DownloadInfo,
		rec.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create resume record: %w", err)
	}

	return nil
}

func (r *ResumeRepository) UpdateTID(transferID, tid string) error {
	return r.update(transferID, `UPDATE transfers SET tid = ? WHERE transfer_id = ?`, tid)
}

func (r *ResumeRepository) UpdateServerURI(transferID, serverURI string) error {
	return r.update(transferID, `UPDATE transfers SET server_uri = ? WHERE transfer_id = ?`, serverURI)
}

func (r *ResumeRepository) AttachDownloadInfo(transferID string, doc []byte) error {
	return r.update(transferID, `UPDATE transfers SET download_info = ? WHERE transfer_id = ?`, doc)
}

func (r *ResumeRepository) update(transferID, query string, value any) error {
	res, err := r.db.Exec(query, value, transferID)
	if err != nil {
		return fmt.Errorf("failed to update resume record: %w", err)
	}

	affected, _ := res.RowsAffected()
	if affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

func (r *ResumeRepository) Get(transferID string) (*storage.ResumeRecord, error) {
	row := r.db.QueryRow(selectColumns+` WHERE transfer_id = ?`, transferID)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return rec, nil
}

func (r *ResumeRepository) QueryAll() ([]*storage.ResumeRecord, error) {
	rows, err := r.db.Query(selectColumns + ` ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*storage.ResumeRecord

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}

		records = append(records, rec)
	}

	return records, rows.Err()
}

func (r *ResumeRepository) Delete(transferID string) error {
	_, err := r.db.Exec(`DELETE FROM transfers WHERE transfer_id = ?`, transferID)

	return err
}

const selectColumns = `SELECT
	transfer_id, direction, contact, chat_id, is_group,
	file_locator, file_name, mime_type, size_bytes, disposition, playing_length,
	thumb_locator, thumb_mime_type, thumb_size_bytes, thumb_expires_at,
	server_uri, tid, remote_instance_id, local_instance_id, download_info, created_at
FROM transfers`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*storage.ResumeRecord, error) {
	var (
		rec          storage.ResumeRecord
		direction    string
		disposition  string
		thumbLocator sql.NullString
		thumbMime    sql.NullString
		thumbSize    sql.NullInt64
		thumbExpires sql.NullString
		serverURI    sql.NullString
		tid          sql.NullString
		remoteID     sql.NullString
		localID      sql.NullString
		createdAt    string
	)

	err := row.Scan(
		&rec.TransferID, &direction, &rec.Contact, &rec.ChatID, &rec.IsGroup,
		&rec.Content.Locator, &rec.Content.FileName, &rec.Content.MimeType,
		&rec.Content.SizeBytes, &disposition, &rec.Content.PlayingLength,
		&thumbLocator, &thumbMime, &thumbSize, &thumbExpires,
		&serverURI, &tid, &remoteID, &localID, &rec.DownloadInfo, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Direction = xfer.Direction(direction)
	rec.Content.Disposition = xfer.Disposition(disposition)
	rec.ServerURI = serverURI.String
	rec.TID = tid.String
	rec.RemoteInstanceID = remoteID.String
	rec.LocalInstanceID = localID.String

	if thumbLocator.Valid {
		rec.Thumbnail = &xfer.Thumbnail{
			Locator:   thumbLocator.String,
			MimeType:  thumbMime.String,
			SizeBytes: thumbSize.Int64,
		}
		if ts, err := time.Parse(time.RFC3339, thumbExpires.String); err == nil {
			rec.Thumbnail.ExpiresAt = ts
		}
	}

	if ts, err := time.Parse(time.RFC3339, createdAt); err == nil {
		rec.CreatedAt = ts
	}

	return &rec, nil
}
