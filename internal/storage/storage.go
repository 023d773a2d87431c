// Package storage defines the durable resume-record store consulted at
// process start to relaunch interrupted transfers.
package storage

import (
	"errors"
	"time"

	"github.com/openrcs/ftengine/internal/xfer"
)

// ErrNotFound is returned when no record exists for a transfer id.
var ErrNotFound = errors.New("resume record not found")

// ResumeRecord is the durable metadata of one in-flight transfer. A record is
// created when the transfer starts network I/O, updated as the TID and server
// address become known, and deleted on terminal success or explicit abandon.
type ResumeRecord struct {
	TransferID       string
	Direction        xfer.Direction
	Contact          string
	ChatID           string
	IsGroup          bool
	Content          xfer.ContentDescriptor
	Thumbnail        *xfer.Thumbnail
	ServerURI        string
	TID              string
	RemoteInstanceID string
	LocalInstanceID  string // engine instance that created the record
	DownloadInfo     []byte // serialized info document, once known
	CreatedAt        time.Time
}

// ResumeStore is the abstract resume-record store. The registry reads it at
// process start; sessions and engines mutate it as a transfer progresses.
type ResumeStore interface {
	Create(rec *ResumeRecord) error
	UpdateTID(transferID, tid string) error
	UpdateServerURI(transferID, serverURI string) error
	AttachDownloadInfo(transferID string, doc []byte) error
	Get(transferID string) (*ResumeRecord, error)
	QueryAll() ([]*ResumeRecord, error)
	Delete(transferID string) error
}
