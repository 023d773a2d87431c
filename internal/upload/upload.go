// Package upload drives the two-phase HTTP upload protocol against the
// content server: an empty negotiation POST (which may demand digest auth or
// schedule a retry), then an authenticated multipart POST streaming the
// thumbnail and payload. Interrupted uploads resume through the tid-scoped
// upload-info query and a ranged PUT.
package upload

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/openrcs/ftengine/internal/channel"
	"github.com/openrcs/ftengine/internal/content"
	"github.com/openrcs/ftengine/internal/digest"
	"github.com/openrcs/ftengine/internal/infodoc"
	"github.com/openrcs/ftengine/internal/logctx"
	"github.com/openrcs/ftengine/internal/xfer"
)

// maxRetries is the ceiling of retried attempts for any retryable condition
// at a given phase, on top of the initial attempt.
const maxRetries = 3

// defaultRetryAfter is the sleep before retrying a 503 that carried no
// Retry-After header.
const defaultRetryAfter = 2 * time.Second

const (
	partNameTID       = "tid"
	partNameThumbnail = "Thumbnail"
	partNameFile      = "File"
)

// Engine pushes one payload (and optional thumbnail) to the content server
// and obtains the signed info document for the recipient.
type Engine struct {
	ch    *channel.Channel
	store content.Store

	desc  xfer.ContentDescriptor
	thumb *xfer.Thumbnail

	tid  string
	auth *digest.Session
}

// Option configures an Engine.
type Option func(*Engine)

// WithTID reuses a previously issued transfer identifier. Resumed uploads
// must keep the TID the server already correlated with the first attempt.
func WithTID(tid string) Option {
	return func(e *Engine) {
		if tid != "" {
			e.tid = tid
		}
	}
}

// NewEngine creates an upload engine. A fresh transfer identifier is minted
// unless WithTID provides one.
func NewEngine(ch *channel.Channel, store content.Store, desc xfer.ContentDescriptor, thumb *xfer.Thumbnail, opts ...Option) *Engine {
	e := &Engine{
		ch:    ch,
		store: store,
		desc:  desc,
		thumb: thumb,
		tid:   uuid.NewString(),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// TID returns the transfer identifier correlating the negotiation POST with
// the multipart body and any later resume queries.
func (e *Engine) TID() string {
	return e.tid
}

// Upload runs the full two-phase protocol and returns the info document on
// success.
func (e *Engine) Upload(ctx context.Context) (*infodoc.Document, error) {
	if err := e.negotiate(ctx); err != nil {
		return nil, err
	}

	return e.sendContent(ctx, true)
}

// negotiate issues the empty-body POST. 401 captures the digest challenge,
// 204 proceeds without auth, 503 sleeps and retries up to the ceiling.
func (e *Engine) negotiate(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	var lastStatus int

	for attempt := 0; attempt <= maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.ch.ServerURL().String(), http.NoBody)
		if err != nil {
			return fmt.Errorf("failed to build negotiation request: %w", err)
		}
		req.Header.Set("Connection", "Keep-Alive")

		resp, err := e.ch.Do(req)
		if err != nil {
			return &xfer.NetworkError{Operation: "negotiate", Err: err}
		}

		status := resp.StatusCode
		lastStatus = status

		switch status {
		case http.StatusUnauthorized:
			header := resp.Header.Get("WWW-Authenticate")
			channel.DrainAndClose(resp)

			ch, err := digest.ParseChallenge(header)
			if err != nil {
				return &xfer.ProtocolError{Operation: "negotiate", StatusCode: status, Reason: err.Error()}
			}

			username, password := e.ch.Credentials()
			e.auth = digest.NewSession(ch, username, password)

			return nil
		case http.StatusNoContent:
			channel.DrainAndClose(resp)

			return nil
		case http.StatusServiceUnavailable:
			delay := retryAfter(resp)
			channel.DrainAndClose(resp)

			logger.Debug("upload negotiation throttled", "retry_after", delay, "attempt", attempt)

			if err := sleep(ctx, delay); err != nil {
				return err
			}
		default:
			channel.DrainAndClose(resp)

			return &xfer.ProtocolError{Operation: "negotiate", StatusCode: status, Reason: "unexpected status"}
		}
	}

	return &xfer.ProtocolError{Operation: "negotiate", StatusCode: lastStatus, Reason: "retry ceiling exceeded"}
}

// sendContent posts the multipart body. includeTID is false on the restart
// path of a resumed upload whose TID already exists server-side.
func (e *Engine) sendContent(ctx context.Context, includeTID bool) (*infodoc.Document, error) {
	logger := logctx.LoggerFromContext(ctx)

	var lastStatus int

	for attempt := 0; attempt <= maxRetries; attempt++ {
		resp, err := e.postMultipart(ctx, includeTID)
		if err != nil {
			return nil, e.classifyTransport("send content", err)
		}

		status := resp.StatusCode
		lastStatus = status

		switch status {
		case http.StatusOK:
			body, err := io.ReadAll(resp.Body)
			channel.DrainAndClose(resp)
			if err != nil {
				return nil, e.classifyTransport("send content", err)
			}

			doc, err := infodoc.Decode(body)
			if err != nil {
				return nil, &xfer.ProtocolError{Operation: "send content", StatusCode: status, Reason: err.Error()}
			}

			return doc, nil
		case http.StatusServiceUnavailable:
			delay := retryAfter(resp)
			channel.DrainAndClose(resp)

			logger.Debug("upload throttled, resending multipart body", "retry_after", delay, "attempt", attempt)

			if err := sleep(ctx, delay); err != nil {
				return nil, err
			}
		default:
			channel.DrainAndClose(resp)

			return nil, &xfer.ProtocolError{Operation: "send content", StatusCode: status, Reason: "unexpected status"}
		}
	}

	return nil, &xfer.ProtocolError{Operation: "send content", StatusCode: lastStatus, Reason: "retry ceiling exceeded"}
}

// postMultipart streams the multipart body through a pipe so the payload is
// never buffered whole. The writer goroutine aborts the pipe on cancel or
// pause without emitting the terminating boundary: the server must see a
// malformed request rather than a well-formed cancelled one.
func (e *Engine) postMultipart(ctx context.Context, includeTID bool) (*http.Response, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	werrc := make(chan error, 1)

	go func() {
		werrc <- e.writeParts(mw, pw, includeTID)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.ch.ServerURL().String(), pr)
	if err != nil {
		pr.CloseWithError(err)
		<-werrc

		return nil, err
	}

	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Connection", "Keep-Alive")

	if e.auth != nil {
		req.Header.Set("Authorization", e.auth.Authorize(http.MethodPost, req.URL.RequestURI()))
	}

	e.ch.ReportStarted()

	resp, doErr := e.ch.Do(req)
	werr := <-werrc

	if doErr != nil {
		if werr != nil {
			return nil, werr
		}

		return nil, doErr
	}

	if werr != nil {
		channel.DrainAndClose(resp)

		return nil, werr
	}

	return resp, nil
}

// writeParts emits the tid, thumbnail and file parts in that order. The file
// part is streamed in fixed chunks with per-chunk progress and flag checks.
func (e *Engine) writeParts(mw *multipart.Writer, pw *io.PipeWriter, includeTID bool) error {
	abort := func(err error) error {
		pw.CloseWithError(err)

		return err
	}

	if includeTID {
		field, err := mw.CreateFormField(partNameTID)
		if err != nil {
			return abort(err)
		}

		if _, err := field.Write([]byte(e.tid)); err != nil {
			return abort(err)
		}
	}

	if e.thumb != nil {
		if err := e.writeThumbnail(mw); err != nil {
			return abort(err)
		}
	}

	src, err := e.store.Open(e.desc.Locator)
	if err != nil {
		return abort(accessError(e.desc.Locator, err))
	}
	defer src.Close()

	part, err := mw.CreatePart(partHeader(partNameFile, e.desc.FileName, e.desc.MimeType))
	if err != nil {
		return abort(err)
	}

	buf := make([]byte, channel.ChunkSize)
	var sent int64

	for {
		if e.ch.Cancelled() {
			return abort(xfer.ErrCancelled)
		}

		if e.ch.PausedByUser() {
			return abort(xfer.ErrPausedByUser)
		}

		if e.ch.PausedBySystem() {
			return abort(xfer.ErrPausedBySystem)
		}

		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := part.Write(buf[:n]); werr != nil {
				return abort(werr)
			}

			sent += int64(n)
			e.ch.ReportProgress(sent, e.desc.SizeBytes)
		}

		if rerr == io.EOF {
			break
		}

		if rerr != nil {
			return abort(accessError(e.desc.Locator, rerr))
		}
	}

	// Complete transfer: emit the terminating boundary.
	if err := mw.Close(); err != nil {
		return abort(err)
	}

	return pw.Close()
}

// writeThumbnail buffers the thumbnail fully; it must precede the payload
// part and is small.
func (e *Engine) writeThumbnail(mw *multipart.Writer) error {
	src, err := e.store.Open(e.thumb.Locator)
	if err != nil {
		return accessError(e.thumb.Locator, err)
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		return accessError(e.thumb.Locator, err)
	}

	part, err := mw.CreatePart(partHeader(partNameThumbnail, thumbnailFileName(e.desc.FileName), e.thumb.MimeType))
	if err != nil {
		return err
	}

	_, err = part.Write(data)

	return err
}

func thumbnailFileName(fileName string) string {
	return "thumb_" + fileName
}

func partHeader(name, fileName, mimeType string) textproto.MIMEHeader {
	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, name, fileName))
	h.Set("Content-Type", mimeType)

	return h
}

// classifyTransport maps a transport failure from the multipart phase onto
// the engine's outcome taxonomy. Access-denied failures are reported
// distinctly and never auto-pause; anything else I/O-shaped becomes a system
// pause, which is the resumability contract: a network blip pauses rather
// than aborts.
func (e *Engine) classifyTransport(operation string, err error) error {
	if e.ch.Cancelled() || errors.Is(err, xfer.ErrCancelled) {
		return xfer.ErrCancelled
	}

	var denied *xfer.AccessDeniedError
	if errors.As(err, &denied) {
		return denied
	}

	if e.ch.PausedByUser() || errors.Is(err, xfer.ErrPausedByUser) {
		return xfer.ErrPausedByUser
	}

	if errors.Is(err, xfer.ErrPausedBySystem) {
		e.ch.PauseBySystem()

		return err
	}

	e.ch.PauseBySystem()

	return fmt.Errorf("%w: %s: %s", xfer.ErrPausedBySystem, operation, err)
}

func accessError(locator string, err error) error {
	if errors.Is(err, os.ErrPermission) || errors.Is(err, os.ErrNotExist) {
		return &xfer.AccessDeniedError{Locator: locator, Err: err}
	}

	return err
}

func retryAfter(resp *http.Response) time.Duration {
	if header := resp.Header.Get("Retry-After"); header != "" {
		if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
			return time.Duration(seconds) * time.Second
		}
	}

	return defaultRetryAfter
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// resumeInfo is the server's answer to the upload-info query: the byte range
// it has already acknowledged and the URI accepting the remainder.
type resumeInfo struct {
	XMLName xml.Name `xml:"file-resume-info"`
	Range   struct {
		Start int64 `xml:"start,attr"`
		End   int64 `xml:"end,attr"`
	} `xml:"file-range"`
	Data struct {
		URL string `xml:"url,attr"`
	} `xml:"data"`
}

// Resume continues an interrupted upload. It asks the server which bytes it
// already holds; if everything arrived, it skips straight to the
// download-info fetch. Otherwise it PUTs only the remaining range. If the
// upload-info query itself fails, the whole protocol restarts from the
// negotiation POST.
func (e *Engine) Resume(ctx context.Context) (*infodoc.Document, error) {
	logger := logctx.LoggerFromContext(ctx)

	e.ch.ResetForResume()
	e.ch.ReportResumed()

	info, err := e.uploadInfo(ctx)
	if err != nil {
		logger.Warn("upload-info query failed, restarting upload from scratch", "err", err)

		// Full restart. The tid part is omitted here: the identifier
		// already exists server-side from the first attempt.
		if err := e.negotiate(ctx); err != nil {
			return nil, err
		}

		return e.sendContent(ctx, false)
	}

	// Idempotence at the boundary: the server already holds the last byte.
	if info.Range.End+1 >= e.desc.SizeBytes-1 {
		logger.Debug("upload already complete server-side", "acknowledged_end", info.Range.End)

		return e.downloadInfo(ctx)
	}

	if err := e.putRemainder(ctx, info); err != nil {
		return nil, err
	}

	return e.downloadInfo(ctx)
}

// uploadInfo queries the acknowledged byte range, retrying once with fresh
// credentials on a fresh 401.
func (e *Engine) uploadInfo(ctx context.Context) (*resumeInfo, error) {
	body, err := e.sideQuery(ctx, "get_upload_info", true)
	if err != nil {
		return nil, err
	}

	var info resumeInfo
	if err := xml.Unmarshal(body, &info); err != nil {
		return nil, &xfer.ProtocolError{Operation: "upload info", Reason: err.Error()}
	}

	return &info, nil
}

// downloadInfo fetches the signed info document for an upload the server has
// fully received.
func (e *Engine) downloadInfo(ctx context.Context) (*infodoc.Document, error) {
	body, err := e.sideQuery(ctx, "get_download_info", false)
	if err != nil {
		return nil, err
	}

	doc, err := infodoc.Decode(body)
	if err != nil {
		return nil, &xfer.ProtocolError{Operation: "download info", Reason: err.Error()}
	}

	return doc, nil
}

// sideQuery performs a tid-scoped GET (`...?tid=<tid>&<query>`). When
// allowReauth is set, a 401 answer refreshes the digest session once and the
// request is replayed.
func (e *Engine) sideQuery(ctx context.Context, query string, allowReauth bool) ([]byte, error) {
	u := e.ch.ServerURL()
	u.RawQuery = "tid=" + e.tid + "&" + query

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
		if err != nil {
			return nil, err
		}

		if e.auth != nil {
			req.Header.Set("Authorization", e.auth.Authorize(http.MethodGet, req.URL.RequestURI()))
		}

		resp, err := e.ch.Do(req)
		if err != nil {
			return nil, &xfer.NetworkError{Operation: query, Err: err}
		}

		if resp.StatusCode == http.StatusUnauthorized && allowReauth && attempt == 0 {
			header := resp.Header.Get("WWW-Authenticate")
			channel.DrainAndClose(resp)

			ch, err := digest.ParseChallenge(header)
			if err != nil {
				return nil, &xfer.ProtocolError{Operation: query, StatusCode: http.StatusUnauthorized, Reason: err.Error()}
			}

			username, password := e.ch.Credentials()
			e.auth = digest.NewSession(ch, username, password)

			continue
		}

		if resp.StatusCode != http.StatusOK {
			status := resp.StatusCode
			channel.DrainAndClose(resp)

			return nil, &xfer.ProtocolError{Operation: query, StatusCode: status, Reason: "unexpected status"}
		}

		body, err := io.ReadAll(resp.Body)
		channel.DrainAndClose(resp)
		if err != nil {
			return nil, &xfer.NetworkError{Operation: query, Err: err}
		}

		return body, nil
	}
}

// putRemainder PUTs the bytes the server has not acknowledged yet, reusing
// the digest context obtained during negotiation.
func (e *Engine) putRemainder(ctx context.Context, info *resumeInfo) error {
	start := info.Range.End + 1
	total := e.desc.SizeBytes

	target := info.Data.URL
	if target == "" {
		target = e.ch.ServerURL().String()
	}

	src, err := e.store.Open(e.desc.Locator)
	if err != nil {
		return accessError(e.desc.Locator, err)
	}
	defer src.Close()

	if seeker, ok := src.(io.Seeker); ok {
		if _, err := seeker.Seek(start, io.SeekStart); err != nil {
			return fmt.Errorf("failed to seek to resume offset: %w", err)
		}
	} else {
		if _, err := io.CopyN(io.Discard, src, start); err != nil {
			return accessError(e.desc.Locator, err)
		}
	}

	pr, pw := io.Pipe()
	werrc := make(chan error, 1)

	go func() {
		werrc <- e.streamRange(pw, src, start, total)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, pr)
	if err != nil {
		pr.CloseWithError(err)
		<-werrc

		return err
	}

	req.Header.Set("Content-Type", e.desc.MimeType)
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, total-1, total))
	req.Header.Set("Connection", "Keep-Alive")

	if e.auth != nil {
		req.Header.Set("Authorization", e.auth.Authorize(http.MethodPut, req.URL.RequestURI()))
	}

	e.ch.ReportStarted()

	resp, doErr := e.ch.Do(req)
	werr := <-werrc

	if doErr != nil || werr != nil {
		err := doErr
		if werr != nil {
			err = werr
		}

		return e.classifyTransport("resume put", err)
	}

	status := resp.StatusCode
	channel.DrainAndClose(resp)

	if status != http.StatusOK && status != http.StatusCreated && status != http.StatusNoContent {
		return &xfer.ProtocolError{Operation: "resume put", StatusCode: status, Reason: "unexpected status"}
	}

	return nil
}

// streamRange copies [start, total) in fixed chunks with the same per-chunk
// flag checks as the multipart path.
func (e *Engine) streamRange(pw *io.PipeWriter, src io.Reader, start, total int64) error {
	abort := func(err error) error {
		pw.CloseWithError(err)

		return err
	}

	buf := make([]byte, channel.ChunkSize)
	sent := start

	for sent < total {
		if e.ch.Cancelled() {
			return abort(xfer.ErrCancelled)
		}

		if e.ch.PausedByUser() {
			return abort(xfer.ErrPausedByUser)
		}

		if e.ch.PausedBySystem() {
			return abort(xfer.ErrPausedBySystem)
		}

		want := int64(len(buf))
		if remaining := total - sent; remaining < want {
			want = remaining
		}

		n, rerr := src.Read(buf[:want])
		if n > 0 {
			if _, werr := pw.Write(buf[:n]); werr != nil {
				return abort(werr)
			}

			sent += int64(n)
			e.ch.ReportProgress(sent, total)
		}

		if rerr == io.EOF {
			break
		}

		if rerr != nil {
			return abort(accessError(e.desc.Locator, rerr))
		}
	}

	return pw.Close()
}
