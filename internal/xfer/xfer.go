// Package xfer holds the core data model shared by the upload and download
// engines: content descriptors, transfer direction and the failure taxonomy.
package xfer

import "time"

// Direction indicates whether a transfer pushes bytes to the content server
// or pulls them from it.
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

// Disposition tells the receiving endpoint how the file should be handled.
type Disposition string

const (
	// DispositionAttach marks the file as a plain attachment.
	DispositionAttach Disposition = "attachment"
	// DispositionRender asks the receiver to render the file inline.
	DispositionRender Disposition = "render"
)

// ContentDescriptor describes the payload of one transfer. The descriptor is
// immutable once the transfer starts, except for Locator which is rewritten
// to the final local or remote location once resolved.
type ContentDescriptor struct {
	Locator       string
	MimeType      string
	SizeBytes     int64
	FileName      string
	Disposition   Disposition
	PlayingLength int // seconds, 0 when not applicable
}

// Thumbnail describes the optional preview attached to a transfer.
type Thumbnail struct {
	Locator   string
	MimeType  string
	SizeBytes int64
	ExpiresAt time.Time
}
