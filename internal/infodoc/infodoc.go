// Package infodoc encodes and decodes the XML descriptor exchanged with the
// content server: the file's location, size, type and expiration, plus an
// optional thumbnail entry. The wire shape must match existing content
// servers byte-for-byte.
package infodoc

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
	"time"

	"github.com/openrcs/ftengine/internal/xfer"
)

// ExpirationFallback is substituted when a document carries an expiration
// that cannot be parsed in any supported encoding. A short validity keeps an
// undecodable date from turning into an immortal link.
const ExpirationFallback = 5 * time.Minute

const (
	infoTypeFile      = "file"
	infoTypeThumbnail = "thumbnail"
)

// Document is the wire-level descriptor for one uploaded file.
type Document struct {
	Content   xfer.ContentDescriptor
	ExpiresAt time.Time
	Thumbnail *xfer.Thumbnail
}

type fileXML struct {
	XMLName xml.Name      `xml:"file"`
	Infos   []fileInfoXML `xml:"file-info"`
}

type fileInfoXML struct {
	Type          string  `xml:"type,attr"`
	Disposition   string  `xml:"file-disposition,attr,omitempty"`
	Size          int64   `xml:"file-size"`
	Name          string  `xml:"file-name,omitempty"`
	ContentType   string  `xml:"content-type"`
	PlayingLength *int    `xml:"playing-length,omitempty"`
	Data          dataXML `xml:"data"`
}

type dataXML struct {
	URL   string `xml:"url,attr"`
	Until string `xml:"until,attr"`
}

// Decode parses a document received from the content server. Unparseable
// expirations never fail the document; they decode to now+ExpirationFallback.
func Decode(data []byte) (*Document, error) {
	var raw fileXML
	if err := xml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("malformed file-info document: %w", err)
	}

	doc := &Document{}
	seenFile := false

	for _, info := range raw.Infos {
		switch info.Type {
		case infoTypeFile:
			doc.Content = xfer.ContentDescriptor{
				Locator:     info.Data.URL,
				MimeType:    info.ContentType,
				SizeBytes:   info.Size,
				FileName:    info.Name,
				Disposition: parseDisposition(info.Disposition),
			}
			if info.PlayingLength != nil {
				doc.Content.PlayingLength = *info.PlayingLength
			}
			doc.ExpiresAt = parseUntil(info.Data.Until)
			seenFile = true
		case infoTypeThumbnail:
			doc.Thumbnail = &xfer.Thumbnail{
				Locator:   info.Data.URL,
				MimeType:  info.ContentType,
				SizeBytes: info.Size,
				ExpiresAt: parseUntil(info.Data.Until),
			}
		}
	}

	if !seenFile {
		return nil, fmt.Errorf("file-info document has no %q entry", infoTypeFile)
	}

	return doc, nil
}

// Encode is the structural inverse of Decode. Expirations collapse to second
// granularity.
func Encode(doc *Document) ([]byte, error) {
	raw := fileXML{}

	if doc.Thumbnail != nil {
		raw.Infos = append(raw.Infos, fileInfoXML{
			Type:        infoTypeThumbnail,
			Size:        doc.Thumbnail.SizeBytes,
			ContentType: doc.Thumbnail.MimeType,
			Data: dataXML{
				URL:   doc.Thumbnail.Locator,
				Until: formatUntil(doc.Thumbnail.ExpiresAt),
			},
		})
	}

	fileInfo := fileInfoXML{
		Type:        infoTypeFile,
		Disposition: string(doc.Content.Disposition),
		Size:        doc.Content.SizeBytes,
		Name:        doc.Content.FileName,
		ContentType: doc.Content.MimeType,
		Data: dataXML{
			URL:   doc.Content.Locator,
			Until: formatUntil(doc.ExpiresAt),
		},
	}
	if doc.Content.PlayingLength > 0 {
		length := doc.Content.PlayingLength
		fileInfo.PlayingLength = &length
	}
	raw.Infos = append(raw.Infos, fileInfo)

	var buf bytes.Buffer
	buf.WriteString(xml.Header)

	enc := xml.NewEncoder(&buf)
	if err := enc.Encode(raw); err != nil {
		return nil, fmt.Errorf("failed to encode file-info document: %w", err)
	}

	return buf.Bytes(), nil
}

func parseDisposition(s string) xfer.Disposition {
	if s == string(xfer.DispositionRender) {
		return xfer.DispositionRender
	}
	return xfer.DispositionAttach
}

// parseUntil accepts both supported encodings: a protocol date and a raw
// integer epoch. On total failure it substitutes now+ExpirationFallback
// instead of failing the document.
func parseUntil(s string) time.Time {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts
	}

	if epoch, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(epoch, 0).UTC()
	}

	return time.Now().Add(ExpirationFallback)
}

func formatUntil(ts time.Time) string {
	return ts.UTC().Truncate(time.Second).Format(time.RFC3339)
}
