package session

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrcs/ftengine/internal/content"
	"github.com/openrcs/ftengine/internal/infodoc"
	"github.com/openrcs/ftengine/internal/storage"
	"github.com/openrcs/ftengine/internal/xfer"
)

// memStore is an in-memory resume store for session tests.
type memStore struct {
	mu      sync.Mutex
	records map[string]*storage.ResumeRecord
	deletes int
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*storage.ResumeRecord)}
}

func (m *memStore) Create(rec *storage.ResumeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records[rec.TransferID] = rec

	return nil
}

func (m *memStore) UpdateTID(transferID, tid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[transferID]
	if !ok {
		return storage.ErrNotFound
	}

	rec.TID = tid

	return nil
}

func (m *memStore) UpdateServerURI(transferID, serverURI string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[transferID]
	if !ok {
		return storage.ErrNotFound
	}

	rec.ServerURI = serverURI

	return nil
}

func (m *memStore) AttachDownloadInfo(transferID string, doc []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[transferID]
	if !ok {
		return storage.ErrNotFound
	}

	rec.DownloadInfo = doc

	return nil
}

func (m *memStore) Get(transferID string) (*storage.ResumeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[transferID]
	if !ok {
		return nil, storage.ErrNotFound
	}

	return rec, nil
}

func (m *memStore) QueryAll() ([]*storage.ResumeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*storage.ResumeRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}

	return out, nil
}

func (m *memStore) Delete(transferID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.records, transferID)
	m.deletes++

	return nil
}

func (m *memStore) has(transferID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.records[transferID]

	return ok
}

// stubSettings satisfies Settings with fixed values.
type stubSettings struct {
	serverURL        string
	autoAccept       bool
	roaming          bool
	roamingOK        bool
	warnSize         int64
	maxSize          int64
	reports          bool
	acceptanceWindow time.Duration
}

func (s *stubSettings) ServerURL() string                   { return s.serverURL }
func (s *stubSettings) ServerCredentials() (string, string) { return "alice", "secret" }
func (s *stubSettings) UserAgent() string                   { return "ftengine-test" }
func (s *stubSettings) ReadTimeout() time.Duration          { return 5 * time.Second }
func (s *stubSettings) AutoAccept() bool                    { return s.autoAccept }
func (s *stubSettings) AutoAcceptInRoaming() bool           { return s.roamingOK }
func (s *stubSettings) Roaming() bool                       { return s.roaming }
func (s *stubSettings) WarnSizeBytes() int64                { return s.warnSize }
func (s *stubSettings) MaxSizeBytes() int64                 { return s.maxSize }
func (s *stubSettings) DeliveryReports() bool               { return s.reports }
func (s *stubSettings) AcceptanceWindow() time.Duration     { return s.acceptanceWindow }

// collector gathers events thread-safely.
type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) fn(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.events = append(c.events, ev)
}

func (c *collector) kinds() []EventKind {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]EventKind, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Kind
	}

	return out
}

func (c *collector) seen(kind EventKind) bool {
	for _, k := range c.kinds() {
		if k == kind {
			return true
		}
	}

	return false
}

func waitFor(t *testing.T, c *collector, kind EventKind) {
	t.Helper()

	require.Eventually(t, func() bool { return c.seen(kind) },
		5*time.Second, 10*time.Millisecond, "expected event %s", kind)
}

func testDeps(t *testing.T, settings *stubSettings) (Deps, *memStore) {
	t.Helper()

	store, err := content.NewFSStore(t.TempDir())
	require.NoError(t, err)

	mem := newMemStore()

	return Deps{Store: mem, Content: store, Settings: settings}, mem
}

func invite(locator string, size int64, expiresIn time.Duration) Invite {
	return Invite{
		TransferID: "t-1",
		Contact:    "tel:+14155550101",
		ChatID:     "chat-1",
		Doc: &infodoc.Document{
			Content: xfer.ContentDescriptor{
				Locator:     locator,
				MimeType:    "image/jpeg",
				SizeBytes:   size,
				FileName:    "holiday.jpg",
				Disposition: xfer.DispositionAttach,
			},
			ExpiresAt: time.Now().Add(expiresIn),
		},
	}
}

func TestTerminating_ExpiredInviteIsRejectedWithoutIO(t *testing.T) {
	var requests atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
	}))
	defer srv.Close()

	deps, mem := testDeps(t, &stubSettings{serverURL: srv.URL, autoAccept: true})

	s, err := NewTerminating(deps, invite(srv.URL, 1024, -time.Minute))
	require.NoError(t, err)

	c := &collector{}
	s.Subscribe(c.fn)

	s.Run(context.Background())

	waitFor(t, c, EventRejectedByTimeout)

	assert.Equal(t, []EventKind{EventInvited, EventRejectedByTimeout}, c.kinds())
	assert.Zero(t, requests.Load(), "expired invitation must never touch the network")
	assert.False(t, mem.has("t-1"))
}

func TestTerminating_OversizedInviteIsRejected(t *testing.T) {
	deps, _ := testDeps(t, &stubSettings{serverURL: "http://content.example.com", autoAccept: true, maxSize: 512})

	s, err := NewTerminating(deps, invite("http://content.example.com/f", 1024, time.Hour))
	require.NoError(t, err)

	c := &collector{}
	s.Subscribe(c.fn)

	s.Run(context.Background())

	waitFor(t, c, EventRejectedBySize)
}

func TestTerminating_AutoAcceptedDownloadCompletes(t *testing.T) {
	payload := []byte("the whole holiday picture")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	deps, mem := testDeps(t, &stubSettings{serverURL: srv.URL, autoAccept: true})

	s, err := NewTerminating(deps, invite(srv.URL, int64(len(payload)), time.Hour))
	require.NoError(t, err)

	c := &collector{}
	s.Subscribe(c.fn)

	go s.Run(context.Background())

	waitFor(t, c, EventTransferred)

	assert.True(t, c.seen(EventAutoAccepted))
	assert.True(t, c.seen(EventStarted))
	assert.Equal(t, StateEstablished, s.State())

	// Resume record cleaned up after the terminal outcome.
	assert.False(t, mem.has("t-1"))

	// Payload landed in the local store under the transfer's directory.
	size, err := deps.Content.Size("t-1/holiday.jpg")
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), size)

	// The descriptor now points at the local copy.
	assert.Equal(t, "t-1/holiday.jpg", s.Content().Locator)
}

func TestTerminating_RoamingBlocksAutoAccept(t *testing.T) {
	deps, _ := testDeps(t, &stubSettings{
		serverURL:        "http://content.example.com",
		autoAccept:       true,
		roaming:          true,
		acceptanceWindow: 50 * time.Millisecond,
	})

	s, err := NewTerminating(deps, invite("http://content.example.com/f", 100, 30*time.Millisecond))
	require.NoError(t, err)

	c := &collector{}
	s.Subscribe(c.fn)

	s.Run(context.Background())

	// Not auto-accepted, nobody answered: the bounded wait times out.
	waitFor(t, c, EventRejectedByTimeout)
	assert.False(t, c.seen(EventAutoAccepted))
}

func TestTerminating_UserRejection(t *testing.T) {
	deps, _ := testDeps(t, &stubSettings{
		serverURL:        "http://content.example.com",
		autoAccept:       false,
		acceptanceWindow: 5 * time.Second,
	})

	s, err := NewTerminating(deps, invite("http://content.example.com/f", 100, time.Hour))
	require.NoError(t, err)

	c := &collector{}
	s.Subscribe(c.fn)

	go s.Run(context.Background())

	waitFor(t, c, EventInvited)

	s.Reject()

	waitFor(t, c, EventRejectedByUser)
}

// recordingChat captures delivery status reports.
type recordingChat struct {
	mu    sync.Mutex
	calls []string
}

func (c *recordingChat) SendDeliveryStatus(_ context.Context, contact, chatID, transferID, status string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, status)

	return nil
}

func (c *recordingChat) IsMediaEstablished(string) bool { return true }

func (c *recordingChat) statuses() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, len(c.calls))
	copy(out, c.calls)

	return out
}

func TestTerminating_DownloadSendsDisplayedReport(t *testing.T) {
	payload := []byte("the whole holiday picture")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	deps, _ := testDeps(t, &stubSettings{serverURL: srv.URL, autoAccept: true, reports: true})

	chat := &recordingChat{}
	deps.Chat = chat

	s, err := NewTerminating(deps, invite(srv.URL, int64(len(payload)), time.Hour))
	require.NoError(t, err)

	c := &collector{}
	s.Subscribe(c.fn)

	go s.Run(context.Background())

	waitFor(t, c, EventTransferred)

	require.Eventually(t, func() bool { return len(chat.statuses()) == 1 },
		time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"displayed"}, chat.statuses())
}

func TestResumedDownload_SendsDisplayedReport(t *testing.T) {
	payload := []byte("half of this clip survived the restart on disk already")
	offset := len(payload) / 2

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		require.True(t, strings.HasPrefix(rng, "bytes="))

		from, err := strconv.Atoi(strings.TrimPrefix(strings.SplitN(rng, "-", 2)[0], "bytes="))
		require.NoError(t, err)

		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", from, len(payload)-1, len(payload)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(payload[from:])
	}))
	defer srv.Close()

	deps, mem := testDeps(t, &stubSettings{serverURL: srv.URL, reports: true})

	chat := &recordingChat{}
	deps.Chat = chat

	rec := &storage.ResumeRecord{
		TransferID: "dl-1",
		Direction:  xfer.DirectionDownload,
		Contact:    "tel:+14155550101",
		ChatID:     "chat-1",
		Content: xfer.ContentDescriptor{
			Locator:   srv.URL,
			MimeType:  "video/mp4",
			SizeBytes: int64(len(payload)),
			FileName:  "clip.mp4",
		},
	}
	require.NoError(t, mem.Create(rec))
	require.NoError(t, deps.Content.Write("dl-1/clip.mp4", payload[:offset]))

	s, err := NewResumed(deps, rec)
	require.NoError(t, err)

	c := &collector{}
	s.Subscribe(c.fn)

	s.Resume(context.Background())

	waitFor(t, c, EventTransferred)

	// A resumed download reports exactly like a fresh one.
	require.Eventually(t, func() bool { return len(chat.statuses()) == 1 },
		time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"displayed"}, chat.statuses())

	require.Eventually(t, func() bool { return !mem.has("dl-1") },
		time.Second, 10*time.Millisecond)
}

func TestResumed_SessionStartsPausedAndEstablished(t *testing.T) {
	deps, mem := testDeps(t, &stubSettings{serverURL: "http://content.example.com"})

	rec := &storage.ResumeRecord{
		TransferID: "up-1",
		Direction:  xfer.DirectionUpload,
		Contact:    "tel:+14155550101",
		Content:    xfer.ContentDescriptor{Locator: "payload.bin", SizeBytes: 2048, FileName: "payload.bin"},
		ServerURI:  "http://content.example.com/upload",
		TID:        "tid-42",
	}
	require.NoError(t, mem.Create(rec))

	s, err := NewResumed(deps, rec)
	require.NoError(t, err)

	assert.Equal(t, StateEstablished, s.State())
	assert.True(t, s.PausedBySystem())
	assert.Equal(t, ResumedUpload, s.Origin())
	assert.Equal(t, xfer.DirectionUpload, s.Direction())
}

func TestResumed_GroupUploadOrigin(t *testing.T) {
	deps, _ := testDeps(t, &stubSettings{serverURL: "http://content.example.com"})

	rec := &storage.ResumeRecord{
		TransferID: "up-2",
		Direction:  xfer.DirectionUpload,
		IsGroup:    true,
		Content:    xfer.ContentDescriptor{Locator: "payload.bin", SizeBytes: 1, FileName: "payload.bin"},
	}

	s, err := NewResumed(deps, rec)
	require.NoError(t, err)

	assert.Equal(t, ResumedGroupUpload, s.Origin())
}

func TestTerminate_SystemPausesEstablishedResumableTransfer(t *testing.T) {
	deps, mem := testDeps(t, &stubSettings{serverURL: "http://content.example.com"})

	rec := &storage.ResumeRecord{
		TransferID: "up-1",
		Direction:  xfer.DirectionUpload,
		Content:    xfer.ContentDescriptor{Locator: "payload.bin", SizeBytes: 2048, FileName: "payload.bin"},
		TID:        "tid-42",
	}
	require.NoError(t, mem.Create(rec))

	s, err := NewResumed(deps, rec)
	require.NoError(t, err)

	c := &collector{}
	s.Subscribe(c.fn)

	s.Terminate(ReasonSystem)

	waitFor(t, c, EventPausedBySystem)

	// The record survives: a system termination of a resumable transfer
	// is a pause, not an abort.
	assert.True(t, mem.has("up-1"))
	assert.False(t, c.seen(EventAborted))
}

func TestTerminate_PendingSessionMapsReasonToRejection(t *testing.T) {
	tests := []struct {
		name   string
		reason TerminateReason
		want   EventKind
	}{
		{name: "remote", reason: ReasonRemote, want: EventRejectedByRemote},
		{name: "timeout", reason: ReasonTimeout, want: EventRejectedByTimeout},
		{name: "user", reason: ReasonUser, want: EventRejectedByUser},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps, _ := testDeps(t, &stubSettings{serverURL: "http://content.example.com"})

			s, err := NewTerminating(deps, invite("http://content.example.com/f", 100, time.Hour))
			require.NoError(t, err)

			c := &collector{}
			s.Subscribe(c.fn)

			s.Terminate(tt.reason)

			waitFor(t, c, tt.want)
		})
	}
}

func TestManager_TracksUntilTerminalEvent(t *testing.T) {
	deps, _ := testDeps(t, &stubSettings{serverURL: "http://content.example.com", autoAccept: true})

	mgr := NewManager(deps)

	global := &collector{}
	mgr.Subscribe(global.fn)

	s, err := mgr.StartTerminating(context.Background(), invite("http://content.example.com/f", 100, -time.Minute))
	require.NoError(t, err)

	waitFor(t, global, EventRejectedByTimeout)

	require.Eventually(t, func() bool { return mgr.Len() == 0 },
		time.Second, 10*time.Millisecond)

	_, ok := mgr.Get(s.ID())
	assert.False(t, ok)
}

func TestManager_StampsInstanceIDOnResumeRecords(t *testing.T) {
	// Hold the negotiation open so the record outlives the assertions.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	deps, mem := testDeps(t, &stubSettings{serverURL: srv.URL})

	require.NoError(t, deps.Content.Write("payload.bin", []byte("payload")))

	mgr := NewManager(deps)
	require.NotEmpty(t, mgr.InstanceID())

	desc := xfer.ContentDescriptor{Locator: "payload.bin", SizeBytes: 7, FileName: "payload.bin"}

	s, err := mgr.StartOriginating(context.Background(), "tel:+14155550101", "chat-1", false, desc, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return mem.has(s.ID()) },
		5*time.Second, 10*time.Millisecond)

	rec, err := mem.Get(s.ID())
	require.NoError(t, err)
	assert.Equal(t, mgr.InstanceID(), rec.LocalInstanceID)
}

func TestManager_AdoptRecordDoesNotStartIO(t *testing.T) {
	deps, mem := testDeps(t, &stubSettings{serverURL: "http://content.example.com"})

	rec := &storage.ResumeRecord{
		TransferID: "up-9",
		Direction:  xfer.DirectionUpload,
		Content:    xfer.ContentDescriptor{Locator: "payload.bin", SizeBytes: 10, FileName: "payload.bin"},
		TID:        "tid-9",
	}
	require.NoError(t, mem.Create(rec))

	mgr := NewManager(deps)

	s, err := mgr.AdoptRecord(rec)
	require.NoError(t, err)

	assert.Equal(t, 1, mgr.Len())
	assert.True(t, s.PausedBySystem())

	got, ok := mgr.Get("up-9")
	require.True(t, ok)
	assert.Same(t, s, got)
}
