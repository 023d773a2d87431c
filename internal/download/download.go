// Package download fetches the bytes named by a content locator into local
// storage, in fixed chunks with cooperative cancel/pause checks, partial-file
// resume through Range requests, and a bounded retry loop.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openrcs/ftengine/internal/channel"
	"github.com/openrcs/ftengine/internal/content"
	"github.com/openrcs/ftengine/internal/logctx"
	"github.com/openrcs/ftengine/internal/xfer"
)

// maxRetries is the number of retried GET attempts after the initial one for
// failures that are not cancel/pause.
const maxRetries = 3

// retryDelay spaces out retried attempts.
const retryDelay = time.Second

// Engine pulls one payload from the content server into the local store.
type Engine struct {
	ch    *channel.Channel
	store content.Store

	desc xfer.ContentDescriptor
	dest string
}

// NewEngine creates a download engine writing to dest in the local store.
func NewEngine(ch *channel.Channel, store content.Store, desc xfer.ContentDescriptor, dest string) *Engine {
	return &Engine{
		ch:    ch,
		store: store,
		desc:  desc,
		dest:  dest,
	}
}

// Dest returns the local destination locator.
func (e *Engine) Dest() string {
	return e.dest
}

// Download fetches the payload from offset zero (or from wherever a prior
// attempt left the local file, when the server answers 206).
func (e *Engine) Download(ctx context.Context) error {
	return e.run(ctx, false)
}

// Resume clears the cancel/pause flags and reissues the GET with a Range
// header starting at the durably flushed local offset.
func (e *Engine) Resume(ctx context.Context) error {
	e.ch.ResetForResume()
	e.ch.ReportResumed()

	return e.run(ctx, true)
}

func (e *Engine) run(ctx context.Context, withRange bool) error {
	logger := logctx.LoggerFromContext(ctx)

	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := e.attempt(ctx, withRange)
		if err == nil {
			return nil
		}

		// Cancel and pause short-circuit the retry loop: user intent and
		// system pauses are outcomes, not failures to retry.
		if errors.Is(err, xfer.ErrCancelled) || xfer.IsPause(err) {
			return err
		}

		lastErr = err
		logger.Warn("download attempt failed", "attempt", attempt, "err", err)

		if attempt < maxRetries {
			if serr := sleep(ctx, retryDelay); serr != nil {
				return serr
			}
		}
	}

	return lastErr
}

// attempt performs one GET and streams the body to the local file. Transport
// failures mid-stream become a system pause; failures before the stream opens
// bubble up for the retry loop.
func (e *Engine) attempt(ctx context.Context, withRange bool) error {
	logger := logctx.LoggerFromContext(ctx)

	offset, err := e.store.Size(e.dest)
	if err != nil {
		return fmt.Errorf("failed to stat local file: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.desc.Locator, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to build download request: %w", err)
	}

	if withRange && offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, e.desc.SizeBytes))
	}

	resp, err := e.ch.Do(req)
	if err != nil {
		return &xfer.NetworkError{Operation: "get", Err: err}
	}
	defer channel.DrainAndClose(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		// Full body from offset zero; discard any stale partial data.
		offset = 0
	case http.StatusPartialContent:
		// Partial-content semantics already honored by a prior attempt;
		// keep appending at the current local length.
	default:
		return &xfer.ProtocolError{Operation: "get", StatusCode: resp.StatusCode, Reason: "unexpected status"}
	}

	out, err := e.store.OpenAppend(e.dest)
	if err != nil {
		return fmt.Errorf("failed to open local file: %w", err)
	}

	if resp.StatusCode == http.StatusOK {
		if err := out.Truncate(0); err != nil {
			out.Close()

			return fmt.Errorf("failed to reset local file: %w", err)
		}
	}

	logger.Debug("downloading",
		"dest", e.dest,
		"offset", offset,
		"file_size", humanize.Bytes(uint64(e.desc.SizeBytes)))

	e.ch.ReportStarted()

	err = e.stream(resp.Body, out, offset)

	closeErr := out.Close()

	if err != nil {
		if errors.Is(err, xfer.ErrCancelled) {
			e.discardPartial(ctx)
		}

		return err
	}

	if closeErr != nil {
		return fmt.Errorf("failed to close local file: %w", closeErr)
	}

	// Success only counts if neither cancelled nor paused: a flag set on
	// the final chunk still wins.
	if e.ch.Cancelled() {
		e.discardPartial(ctx)

		return xfer.ErrCancelled
	}

	if e.ch.PausedByUser() {
		return xfer.ErrPausedByUser
	}

	if e.ch.PausedBySystem() {
		return xfer.ErrPausedBySystem
	}

	return nil
}

// stream copies the response body in fixed chunks, reporting progress and
// checking the flags after every chunk.
func (e *Engine) stream(body io.Reader, out content.File, offset int64) error {
	buf := make([]byte, channel.ChunkSize)
	transferred := offset

	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return fmt.Errorf("failed to write local file: %w", werr)
			}

			transferred += int64(n)
			e.ch.ReportProgress(transferred, e.desc.SizeBytes)
		}

		if e.ch.Cancelled() {
			return xfer.ErrCancelled
		}

		if e.ch.PausedByUser() {
			// Partial data stays on disk for resumption.
			_ = out.Sync()

			return xfer.ErrPausedByUser
		}

		if e.ch.PausedBySystem() {
			_ = out.Sync()

			return xfer.ErrPausedBySystem
		}

		if rerr == io.EOF {
			return out.Sync()
		}

		if rerr != nil {
			// Transport loss mid-stream pauses rather than aborts; the
			// local partial file is the resume point.
			_ = out.Sync()
			e.ch.PauseBySystem()

			return fmt.Errorf("%w: %s", xfer.ErrPausedBySystem, rerr)
		}
	}
}

func (e *Engine) discardPartial(ctx context.Context) {
	if err := e.store.Delete(e.dest); err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to delete partial download", "dest", e.dest, "err", err)
	}
}

// FetchThumbnail is a one-shot buffered GET for the preview: cancellable but
// not resumable, no Range support.
func (e *Engine) FetchThumbnail(ctx context.Context, thumb *xfer.Thumbnail, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, thumb.Locator, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to build thumbnail request: %w", err)
	}

	resp, err := e.ch.Do(req)
	if err != nil {
		return &xfer.NetworkError{Operation: "thumbnail", Err: err}
	}
	defer channel.DrainAndClose(resp)

	if resp.StatusCode != http.StatusOK {
		return &xfer.ProtocolError{Operation: "thumbnail", StatusCode: resp.StatusCode, Reason: "unexpected status"}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &xfer.NetworkError{Operation: "thumbnail", Err: err}
	}

	if e.ch.Cancelled() {
		return xfer.ErrCancelled
	}

	if err := e.store.Write(dest, data); err != nil {
		return fmt.Errorf("failed to store thumbnail: %w", err)
	}

	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
