// Package channel provides the shared HTTP transport primitive used by the
// upload and download engines: one logical client bound to a server locator,
// optional credentials, cooperative cancel/pause flags and a listener.
package channel

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ChunkSize is the fixed unit of transfer. It bounds memory per transfer and
// gives frequent checkpoints for progress reporting and cancellation.
const ChunkSize = 10 * 1024

// DefaultReadTimeout bounds how long a read on a dead connection can hang
// before it is converted into a system pause.
const DefaultReadTimeout = 5 * time.Second

// Listener receives transfer events from the channel. All callbacks run
// synchronously on the I/O goroutine, so ordering relative to other callbacks
// from the same operation is preserved. Callbacks must not block.
type Listener interface {
	OnTransferStarted()
	OnTransferProgress(transferred, total int64)
	OnTransferPausedByUser()
	OnTransferPausedBySystem()
	OnTransferResumed()
}

type nopListener struct{}

func (nopListener) OnTransferStarted()            {}
func (nopListener) OnTransferProgress(_, _ int64) {}
func (nopListener) OnTransferPausedByUser()       {}
func (nopListener) OnTransferPausedBySystem()     {}
func (nopListener) OnTransferResumed()            {}

// Channel wraps one logical HTTP connection to a content server. The cancel
// and pause flags are cooperative: the engine's I/O loop checks them at chunk
// boundaries, so a window of one chunk between flag-set and observed effect
// is expected.
type Channel struct {
	client    *http.Client
	serverURL *url.URL
	username  string
	password  string
	userAgent string
	listener  Listener

	cancelled      atomic.Bool
	pausedByUser   atomic.Bool
	pausedBySystem atomic.Bool
}

// Option configures a Channel.
type Option func(*Channel)

// WithCredentials sets the credentials used to answer a digest challenge.
func WithCredentials(username, password string) Option {
	return func(c *Channel) {
		c.username = username
		c.password = password
	}
}

// WithListener sets the transfer event listener.
func WithListener(l Listener) Option {
	return func(c *Channel) {
		if l != nil {
			c.listener = l
		}
	}
}

// WithUserAgent overrides the User-Agent header sent on every request.
func WithUserAgent(ua string) Option {
	return func(c *Channel) {
		c.userAgent = ua
	}
}

// WithHTTPClient replaces the default instrumented HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Channel) {
		if client != nil {
			c.client = client
		}
	}
}

// WithReadTimeout sets the response header timeout of the default client.
func WithReadTimeout(d time.Duration) Option {
	return func(c *Channel) {
		c.client.Transport = newTransport(d)
	}
}

func newTransport(readTimeout time.Duration) http.RoundTripper {
	return otelhttp.NewTransport(&http.Transport{
		ResponseHeaderTimeout: readTimeout,
	})
}

// New creates a channel bound to serverURL. A malformed server URL is an
// unrecoverable configuration error and fails fast here.
func New(serverURL string, opts ...Option) (*Channel, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url %q: %w", serverURL, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid server url %q: unsupported scheme %q", serverURL, u.Scheme)
	}

	c := &Channel{
		client:    &http.Client{Transport: newTransport(DefaultReadTimeout)},
		serverURL: u,
		userAgent: "ftengine",
		listener:  nopListener{},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// ServerURL returns a copy of the server locator.
func (c *Channel) ServerURL() *url.URL {
	u := *c.serverURL
	return &u
}

// Credentials returns the configured username and password.
func (c *Channel) Credentials() (string, string) {
	return c.username, c.password
}

// UserAgent returns the configured User-Agent value.
func (c *Channel) UserAgent() string {
	return c.userAgent
}

// Listener returns the configured listener, never nil.
func (c *Channel) Listener() Listener {
	return c.listener
}

// Do executes an HTTP request on the channel's client, stamping the
// User-Agent header.
func (c *Channel) Do(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", c.userAgent)
	return c.client.Do(req)
}

// DrainAndClose consumes whatever is left of the response body before closing
// it. Some content servers buffer the response on the request thread, so an
// interrupted operation must still drain the connection to leave the socket
// in a defined state.
func DrainAndClose(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

// Interrupt sets the cancelled flag. Subsequent reads and writes observe it
// at the next chunk boundary and unwind without invoking success callbacks.
func (c *Channel) Interrupt() {
	c.cancelled.Store(true)
}

// PauseByUser marks the transfer paused by explicit user action and notifies
// the listener.
func (c *Channel) PauseByUser() {
	c.pausedByUser.Store(true)
	c.listener.OnTransferPausedByUser()
}

// PauseBySystem marks the transfer paused by an infrastructure failure and
// notifies the listener. A system pause is expected to be auto-resumable.
func (c *Channel) PauseBySystem() {
	c.pausedBySystem.Store(true)
	c.listener.OnTransferPausedBySystem()
}

// ResetForResume clears the cancel and pause flags so a derived operation can
// run again.
func (c *Channel) ResetForResume() {
	c.cancelled.Store(false)
	c.pausedByUser.Store(false)
	c.pausedBySystem.Store(false)
}

// Cancelled reports whether the transfer was interrupted.
func (c *Channel) Cancelled() bool {
	return c.cancelled.Load()
}

// PausedByUser reports whether the user paused the transfer.
func (c *Channel) PausedByUser() bool {
	return c.pausedByUser.Load()
}

// PausedBySystem reports whether the system paused the transfer.
func (c *Channel) PausedBySystem() bool {
	return c.pausedBySystem.Load()
}

// Paused reports whether either pause flag is set.
func (c *Channel) Paused() bool {
	return c.pausedByUser.Load() || c.pausedBySystem.Load()
}

// Halted reports whether the I/O loop should stop writing further bytes.
func (c *Channel) Halted() bool {
	return c.Cancelled() || c.Paused()
}

// ReportStarted notifies the listener that network transport became active.
func (c *Channel) ReportStarted() {
	c.listener.OnTransferStarted()
}

// ReportProgress notifies the listener of transferred bytes. Called on the
// I/O goroutine once per chunk.
func (c *Channel) ReportProgress(transferred, total int64) {
	c.listener.OnTransferProgress(transferred, total)
}

// ReportResumed notifies the listener that a paused transfer restarted.
func (c *Channel) ReportResumed() {
	c.listener.OnTransferResumed()
}
