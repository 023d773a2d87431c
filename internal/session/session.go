// Package session layers the transfer state machine on top of the upload and
// download engines: one session per file transfer, tracking PENDING →
// ESTABLISHED, exposing pause/resume/cancel/terminate, and notifying
// subscribers of lifecycle events.
package session

import (
	"context"
	"errors"
	"fmt"
	"path"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/openrcs/ftengine/internal/channel"
	"github.com/openrcs/ftengine/internal/content"
	"github.com/openrcs/ftengine/internal/download"
	"github.com/openrcs/ftengine/internal/infodoc"
	"github.com/openrcs/ftengine/internal/logctx"
	"github.com/openrcs/ftengine/internal/storage"
	"github.com/openrcs/ftengine/internal/upload"
	"github.com/openrcs/ftengine/internal/xfer"
)

// OriginKind tells a session which protocol sequence it drives.
type OriginKind int

const (
	// OriginatingFresh uploads a local payload negotiated by this endpoint.
	OriginatingFresh OriginKind = iota
	// TerminatingFresh downloads a payload offered by the remote endpoint.
	TerminatingFresh
	// ResumedUpload continues an upload interrupted by a process restart.
	ResumedUpload
	// ResumedDownload continues a download interrupted by a process restart.
	ResumedDownload
	// ResumedGroupUpload continues an interrupted upload bound to a group chat.
	ResumedGroupUpload
)

func (k OriginKind) String() string {
	switch k {
	case OriginatingFresh:
		return "originating"
	case TerminatingFresh:
		return "terminating"
	case ResumedUpload:
		return "resumed_upload"
	case ResumedDownload:
		return "resumed_download"
	case ResumedGroupUpload:
		return "resumed_group_upload"
	default:
		return "unknown"
	}
}

// State is the session's monotonic lifecycle state.
type State int32

const (
	// StatePending means the invitation/negotiation is not yet confirmed.
	StatePending State = iota
	// StateEstablished means network transport is active or completed.
	StateEstablished
)

func (s State) String() string {
	if s == StateEstablished {
		return "established"
	}
	return "pending"
}

// TerminateReason classifies why a session is being torn down.
type TerminateReason int

const (
	// ReasonUser covers explicit user rejection or abort.
	ReasonUser TerminateReason = iota
	// ReasonRemote covers cancellation by the remote party.
	ReasonRemote
	// ReasonTimeout covers an invitation that expired unanswered.
	ReasonTimeout
	// ReasonSystem covers infrastructure failures: network loss, system pause.
	ReasonSystem
)

// ChatProvider is the chat/IM collaborator carrying delivery reports.
type ChatProvider interface {
	SendDeliveryStatus(ctx context.Context, contact, chatID, transferID, status string) error
	IsMediaEstablished(chatID string) bool
}

// Settings is the configuration collaborator: server address, credentials
// and acceptance policy.
type Settings interface {
	ServerURL() string
	ServerCredentials() (username, password string)
	UserAgent() string
	ReadTimeout() time.Duration

	AutoAccept() bool
	AutoAcceptInRoaming() bool
	Roaming() bool
	WarnSizeBytes() int64
	MaxSizeBytes() int64
	DeliveryReports() bool
	AcceptanceWindow() time.Duration
}

// Deps are the collaborators a session needs. All are explicitly constructed
// and passed in; sessions hold no global state.
type Deps struct {
	Store    storage.ResumeStore
	Content  content.Store
	Chat     ChatProvider
	Settings Settings
}

// Invite is the terminating-side transfer offer produced by the external
// negotiator.
type Invite struct {
	TransferID       string
	Contact          string
	ChatID           string
	IsGroup          bool
	RemoteInstanceID string
	Doc              *infodoc.Document
}

// Session owns exactly one engine (upload xor download) for its lifetime.
type Session struct {
	id               string
	origin           OriginKind
	contact          string
	chatID           string
	isGroup          bool
	remoteInstanceID string
	localInstanceID  string

	desc  xfer.ContentDescriptor
	thumb *xfer.Thumbnail
	doc   *infodoc.Document

	ch   *channel.Channel
	up   *upload.Engine
	down *download.Engine

	deps Deps

	state    atomic.Int32
	accepted chan struct{}
	rejected chan struct{}

	acceptOnce sync.Once
	rejectOnce sync.Once

	mu          sync.Mutex
	subscribers []Subscriber
}

// NewOriginating builds a fresh upload session for a local payload.
func NewOriginating(deps Deps, contact, chatID string, isGroup bool, desc xfer.ContentDescriptor, thumb *xfer.Thumbnail) (*Session, error) {
	if desc.MimeType == "" {
		if sniffer, ok := deps.Content.(interface{ DetectMime(string) string }); ok {
			desc.MimeType = sniffer.DetectMime(desc.Locator)
		}
	}

	s := newSession(deps, uuid.NewString(), OriginatingFresh, contact, chatID, isGroup, desc, thumb)

	ch, err := s.newChannel(deps.Settings.ServerURL())
	if err != nil {
		return nil, err
	}

	s.ch = ch
	s.up = upload.NewEngine(ch, deps.Content, desc, thumb)

	return s, nil
}

// NewTerminating builds a fresh download session from an invitation.
func NewTerminating(deps Deps, invite Invite) (*Session, error) {
	if invite.Doc == nil {
		return nil, errors.New("invite carries no info document")
	}

	id := invite.TransferID
	if id == "" {
		id = uuid.NewString()
	}

	s := newSession(deps, id, TerminatingFresh, invite.Contact, invite.ChatID, invite.IsGroup, invite.Doc.Content, invite.Doc.Thumbnail)
	s.doc = invite.Doc
	s.remoteInstanceID = invite.RemoteInstanceID

	ch, err := s.newChannel(invite.Doc.Content.Locator)
	if err != nil {
		return nil, err
	}

	s.ch = ch
	s.down = download.NewEngine(ch, deps.Content, invite.Doc.Content, downloadDest(id, invite.Doc.Content.FileName))

	return s, nil
}

// NewResumed reconstructs a session from a durable resume record. The
// session starts paused-by-system: the process cannot have been writing when
// it died.
func NewResumed(deps Deps, rec *storage.ResumeRecord) (*Session, error) {
	var origin OriginKind

	switch rec.Direction {
	case xfer.DirectionUpload:
		origin = ResumedUpload
		if rec.IsGroup {
			origin = ResumedGroupUpload
		}
	case xfer.DirectionDownload:
		origin = ResumedDownload
	default:
		return nil, fmt.Errorf("resume record %s has unknown direction %q", rec.TransferID, rec.Direction)
	}

	s := newSession(deps, rec.TransferID, origin, rec.Contact, rec.ChatID, rec.IsGroup, rec.Content, rec.Thumbnail)
	s.remoteInstanceID = rec.RemoteInstanceID

	serverURL := rec.ServerURI
	if serverURL == "" {
		serverURL = deps.Settings.ServerURL()
	}
	if origin == ResumedDownload {
		serverURL = rec.Content.Locator
	}

	ch, err := s.newChannel(serverURL)
	if err != nil {
		return nil, err
	}

	s.ch = ch

	switch origin {
	case ResumedDownload:
		s.down = download.NewEngine(ch, deps.Content, rec.Content, downloadDest(rec.TransferID, rec.Content.FileName))
		// The invitation was necessarily accepted before the restart.
		s.markAccepted()
	default:
		s.up = upload.NewEngine(ch, deps.Content, rec.Content, rec.Thumbnail, upload.WithTID(rec.TID))
	}

	// Network transport had started before the restart.
	s.state.Store(int32(StateEstablished))
	s.ch.PauseBySystem()

	return s, nil
}

func newSession(deps Deps, id string, origin OriginKind, contact, chatID string, isGroup bool, desc xfer.ContentDescriptor, thumb *xfer.Thumbnail) *Session {
	return &Session{
		id:       id,
		origin:   origin,
		contact:  contact,
		chatID:   chatID,
		isGroup:  isGroup,
		desc:     desc,
		thumb:    thumb,
		deps:     deps,
		accepted: make(chan struct{}),
		rejected: make(chan struct{}),
	}
}

func (s *Session) newChannel(serverURL string) (*channel.Channel, error) {
	username, password := s.deps.Settings.ServerCredentials()

	return channel.New(serverURL,
		channel.WithCredentials(username, password),
		channel.WithUserAgent(s.deps.Settings.UserAgent()),
		channel.WithReadTimeout(s.deps.Settings.ReadTimeout()),
		channel.WithListener(s),
	)
}

func downloadDest(transferID, fileName string) string {
	if fileName == "" {
		fileName = "payload.bin"
	}

	return path.Join(transferID, fileName)
}

// ID returns the transfer identifier.
func (s *Session) ID() string { return s.id }

// Origin returns the session's origin kind.
func (s *Session) Origin() OriginKind { return s.origin }

// Contact returns the remote party.
func (s *Session) Contact() string { return s.contact }

// ChatID returns the owning chat session id.
func (s *Session) ChatID() string { return s.chatID }

// Content returns the transferred content descriptor.
func (s *Session) Content() xfer.ContentDescriptor { return s.desc }

// Direction derives the transfer direction from the origin kind.
func (s *Session) Direction() xfer.Direction {
	switch s.origin {
	case TerminatingFresh, ResumedDownload:
		return xfer.DirectionDownload
	default:
		return xfer.DirectionUpload
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// PausedByUser reports whether the user paused this transfer.
func (s *Session) PausedByUser() bool { return s.ch.PausedByUser() }

// PausedBySystem reports whether the system paused this transfer.
func (s *Session) PausedBySystem() bool { return s.ch.PausedBySystem() }

// Subscribe registers a lifecycle subscriber. Events are delivered
// synchronously; subscribers must not block.
func (s *Session) Subscribe(fn Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscribers = append(s.subscribers, fn)
}

func (s *Session) emit(ev Event) {
	ev.TransferID = s.id
	ev.Direction = s.Direction()

	s.mu.Lock()
	subs := make([]Subscriber, len(s.subscribers))
	copy(subs, s.subscribers)
	s.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}

// Channel listener contract: callbacks arrive on the engine's I/O goroutine.

func (s *Session) OnTransferStarted() {
	if s.state.CompareAndSwap(int32(StatePending), int32(StateEstablished)) {
		s.emit(Event{Kind: EventStarted, Total: s.desc.SizeBytes})
	}
}

func (s *Session) OnTransferProgress(transferred, total int64) {
	s.emit(Event{Kind: EventProgress, Transferred: transferred, Total: total})
}

func (s *Session) OnTransferPausedByUser() {
	s.emit(Event{Kind: EventPausedByUser})
}

func (s *Session) OnTransferPausedBySystem() {
	s.emit(Event{Kind: EventPausedBySystem})
}

func (s *Session) OnTransferResumed() {
	s.emit(Event{Kind: EventResumed})
}

// Accept confirms a terminating invitation.
func (s *Session) Accept() {
	s.markAccepted()
}

func (s *Session) markAccepted() {
	s.acceptOnce.Do(func() { close(s.accepted) })
}

// Reject declines a terminating invitation.
func (s *Session) Reject() {
	s.rejectOnce.Do(func() { close(s.rejected) })
}

func (s *Session) isAccepted() bool {
	select {
	case <-s.accepted:
		return true
	default:
		return false
	}
}

// Run is the session entry point; the caller gives it a dedicated goroutine.
// Unexpected faults are caught here and converted into an error event rather
// than killing the goroutine silently.
func (s *Session) Run(ctx context.Context) {
	ctx = logctx.WithTransfer(ctx, s.id)
	logger := logctx.LoggerFromContext(ctx)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("transfer run panic", "panic", r, "stack", string(debug.Stack()))
			s.emit(Event{Kind: EventError, Err: fmt.Errorf("unexpected fault: %v", r)})
		}
	}()

	logger.Info("transfer session starting",
		"origin", s.origin.String(),
		"contact", s.contact,
		"file_name", s.desc.FileName,
		"size_bytes", s.desc.SizeBytes,
	)

	switch s.origin {
	case OriginatingFresh:
		s.runUpload(ctx, false)
	case ResumedUpload, ResumedGroupUpload:
		s.runUpload(ctx, true)
	case TerminatingFresh:
		s.runDownload(ctx, false)
	case ResumedDownload:
		s.runDownload(ctx, true)
	}
}

func (s *Session) runUpload(ctx context.Context, resumed bool) {
	if !resumed {
		if err := s.createRecord(xfer.DirectionUpload); err != nil {
			s.emit(Event{Kind: EventError, Err: fmt.Errorf("failed to persist resume record: %w", err)})

			return
		}
	}

	var (
		doc *infodoc.Document
		err error
	)

	if resumed {
		doc, err = s.up.Resume(ctx)
	} else {
		doc, err = s.up.Upload(ctx)
	}

	s.completeUpload(ctx, doc, err)
}

func (s *Session) completeUpload(ctx context.Context, doc *infodoc.Document, err error) {
	logger := logctx.LoggerFromContext(ctx)

	if err != nil {
		s.handleEngineOutcome(ctx, err)

		return
	}

	if encoded, encErr := infodoc.Encode(doc); encErr == nil {
		if dbErr := s.deps.Store.AttachDownloadInfo(s.id, encoded); dbErr != nil && !errors.Is(dbErr, storage.ErrNotFound) {
			logger.Warn("failed to persist download info", "err", dbErr)
		}
	}

	logger.Info("upload complete, download info available", "locator", doc.Content.Locator)

	s.emit(Event{Kind: EventTransferred, Transferred: s.desc.SizeBytes, Total: s.desc.SizeBytes, Doc: doc})

	s.deleteRecord(ctx)
}

func (s *Session) runDownload(ctx context.Context, resumed bool) {
	if !resumed {
		s.emit(Event{Kind: EventInvited, Total: s.desc.SizeBytes})

		if !s.awaitAcceptance(ctx) {
			return
		}

		if err := s.createRecord(xfer.DirectionDownload); err != nil {
			s.emit(Event{Kind: EventError, Err: fmt.Errorf("failed to persist resume record: %w", err)})

			return
		}
	}

	var err error
	if resumed {
		err = s.down.Resume(ctx)
	} else {
		err = s.down.Download(ctx)
	}

	if err != nil {
		s.handleEngineOutcome(ctx, err)

		return
	}

	s.completeDownload(ctx)
}

// completeDownload is the single success path for downloads, fresh or
// resumed: locator rewrite, delivery report, record cleanup.
func (s *Session) completeDownload(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	// Rewrite the locator to the final local location.
	s.desc.Locator = s.down.Dest()

	logger.Info("download complete", "dest", s.down.Dest())

	s.emit(Event{Kind: EventTransferred, Transferred: s.desc.SizeBytes, Total: s.desc.SizeBytes})

	if s.deps.Settings.DeliveryReports() && s.deps.Chat != nil {
		if err := s.deps.Chat.SendDeliveryStatus(ctx, s.contact, s.chatID, s.id, "displayed"); err != nil {
			logger.Warn("failed to send displayed report", "err", err)
		}
	}

	s.deleteRecord(ctx)
}

// awaitAcceptance handles the invitation phase: expiry, size policy,
// thumbnail preview, auto-accept, and the bounded wait for an answer.
// It reports whether the download may start.
func (s *Session) awaitAcceptance(ctx context.Context) bool {
	logger := logctx.LoggerFromContext(ctx)

	validity := time.Until(s.doc.ExpiresAt)

	// An invitation that arrives already expired is rejected before the
	// engine ever starts.
	if validity <= 0 {
		logger.Info("invitation already expired", "expired_at", s.doc.ExpiresAt)
		s.emit(Event{Kind: EventRejectedByTimeout})

		return false
	}

	if max := s.deps.Settings.MaxSizeBytes(); max > 0 && s.desc.SizeBytes > max {
		logger.Info("file exceeds maximum transfer size", "size_bytes", s.desc.SizeBytes, "max_bytes", max)
		s.emit(Event{Kind: EventRejectedBySize})

		return false
	}

	if s.thumb != nil {
		if err := s.down.FetchThumbnail(ctx, s.thumb, path.Join(s.id, "thumbnail")); err != nil {
			logger.Warn("thumbnail fetch failed", "err", err)
		}
	}

	if s.autoAcceptable() {
		s.markAccepted()
		s.emit(Event{Kind: EventAutoAccepted})

		return true
	}

	// The wait is bounded by the remaining validity, but never shorter
	// than the minimum acceptance window.
	window := validity
	if min := s.deps.Settings.AcceptanceWindow(); window < min {
		window = min
	}

	timer := time.NewTimer(window)
	defer timer.Stop()

	select {
	case <-s.accepted:
		return true
	case <-s.rejected:
		s.emit(Event{Kind: EventRejectedByUser})

		return false
	case <-ctx.Done():
		s.emit(Event{Kind: EventRejectedByTimeout})

		return false
	case <-timer.C:
		// A transfer paused in the interim needs no further action.
		if s.ch.Paused() {
			return false
		}

		logger.Info("invitation timed out unanswered", "window", window)
		s.emit(Event{Kind: EventRejectedByTimeout})

		return false
	}
}

func (s *Session) autoAcceptable() bool {
	settings := s.deps.Settings

	if !settings.AutoAccept() {
		return false
	}

	if settings.Roaming() && !settings.AutoAcceptInRoaming() {
		return false
	}

	if warn := settings.WarnSizeBytes(); warn > 0 && s.desc.SizeBytes >= warn {
		return false
	}

	return true
}

// handleEngineOutcome maps an engine failure onto the session's observable
// outcome. User cancellation and pauses never surface as errors.
func (s *Session) handleEngineOutcome(ctx context.Context, err error) {
	logger := logctx.LoggerFromContext(ctx)

	switch {
	case errors.Is(err, xfer.ErrCancelled):
		logger.Info("transfer cancelled")
		s.deleteRecord(ctx)
		s.emit(Event{Kind: EventAborted})
	case xfer.IsPause(err):
		// Resume record retained; the pause event already reached
		// subscribers through the channel listener.
		logger.Info("transfer paused", "err", err)
		s.syncRecord(ctx)
	default:
		var denied *xfer.AccessDeniedError
		if errors.As(err, &denied) {
			logger.Error("payload not accessible", "err", err)
		} else {
			logger.Error("transfer failed", "err", err)
		}

		s.deleteRecord(ctx)
		s.emit(Event{Kind: EventError, Err: err})
	}
}

func (s *Session) createRecord(direction xfer.Direction) error {
	rec := &storage.ResumeRecord{
		TransferID:       s.id,
		Direction:        direction,
		Contact:          s.contact,
		ChatID:           s.chatID,
		IsGroup:          s.isGroup,
		Content:          s.desc,
		Thumbnail:        s.thumb,
		RemoteInstanceID: s.remoteInstanceID,
		LocalInstanceID:  s.localInstanceID,
	}

	if direction == xfer.DirectionUpload {
		rec.TID = s.up.TID()
		rec.ServerURI = s.deps.Settings.ServerURL()
	}

	return s.deps.Store.Create(rec)
}

// syncRecord pushes the latest TID/server address into the resume record so
// a restart can reconstruct the transfer.
func (s *Session) syncRecord(ctx context.Context) {
	if s.up == nil {
		return
	}

	if err := s.deps.Store.UpdateTID(s.id, s.up.TID()); err != nil && !errors.Is(err, storage.ErrNotFound) {
		logctx.LoggerFromContext(ctx).Warn("failed to update resume record", "err", err)
	}
}

func (s *Session) deleteRecord(ctx context.Context) {
	if err := s.deps.Store.Delete(s.id); err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to delete resume record", "err", err)
	}
}

// Pause requests a user pause. It runs on its own goroutine so a UI action
// never blocks on network I/O.
func (s *Session) Pause() {
	go s.guarded("pause", func() {
		if s.ch.Paused() || s.ch.Cancelled() {
			return
		}

		s.ch.PauseByUser()
	})
}

// Resume restarts a paused transfer from the last acknowledged offset, on
// its own goroutine.
func (s *Session) Resume(ctx context.Context) {
	go s.guarded("resume", func() {
		if !s.ch.Paused() {
			return
		}

		ctx := logctx.WithTransfer(ctx, s.id)

		if s.up != nil {
			doc, err := s.up.Resume(ctx)
			s.completeUpload(ctx, doc, err)

			return
		}

		err := s.down.Resume(ctx)
		if err != nil {
			s.handleEngineOutcome(ctx, err)

			return
		}

		s.completeDownload(ctx)
	})
}

// Cancel interrupts the transfer; the engine observes the flag at the next
// chunk boundary.
func (s *Session) Cancel() {
	s.ch.Interrupt()
}

// Terminate maps a termination cause onto an observable outcome. A
// system-induced termination of an established, resumable transfer is a
// system pause; anything else aborts (established) or rejects (pending).
func (s *Session) Terminate(reason TerminateReason) {
	go s.guarded("terminate", func() {
		established := s.State() == StateEstablished

		switch {
		case reason == ReasonSystem && established && s.resumable():
			s.ch.PauseBySystem()
		case established:
			s.ch.Interrupt()
			s.deleteRecord(context.Background())
			s.emit(Event{Kind: EventAborted})
		default:
			s.ch.Interrupt()
			s.deleteRecord(context.Background())

			switch reason {
			case ReasonTimeout:
				s.emit(Event{Kind: EventRejectedByTimeout})
			case ReasonRemote:
				s.emit(Event{Kind: EventRejectedByRemote})
			default:
				s.emit(Event{Kind: EventRejectedByUser})
			}
		}
	})
}

// resumable reports whether enough state exists to continue after a system
// pause: a TID for uploads, an accepted invitation for downloads.
func (s *Session) resumable() bool {
	if s.up != nil {
		return s.up.TID() != ""
	}

	return s.isAccepted()
}

// guarded runs fn with panic containment, converting faults into error
// events.
func (s *Session) guarded(operation string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.emit(Event{Kind: EventError, Err: fmt.Errorf("%s fault: %v", operation, r)})
		}
	}()

	fn()
}
