package registry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrcs/ftengine/internal/content"
	"github.com/openrcs/ftengine/internal/infodoc"
	"github.com/openrcs/ftengine/internal/session"
	"github.com/openrcs/ftengine/internal/storage"
	"github.com/openrcs/ftengine/internal/xfer"
)

type memStore struct {
	mu      sync.Mutex
	records map[string]*storage.ResumeRecord
	deleted []string
}

func newMemStore(records ...*storage.ResumeRecord) *memStore {
	m := &memStore{records: make(map[string]*storage.ResumeRecord)}
	for _, rec := range records {
		m.records[rec.TransferID] = rec
	}

	return m
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
	m.deleted = append(m.deleted, transferID)

	return nil
}

func (m *memStore) has(transferID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.records[transferID]

	return ok
}

type stubSettings struct {
	serverURL string
}

func (s *stubSettings) ServerURL() string                   { return s.serverURL }
func (s *stubSettings) ServerCredentials() (string, string) { return "alice", "secret" }
func (s *stubSettings) UserAgent() string                   { return "ftengine-test" }
func (s *stubSettings) ReadTimeout() time.Duration          { return 5 * time.Second }
func (s *stubSettings) AutoAccept() bool                    { return true }
func (s *stubSettings) AutoAcceptInRoaming() bool           { return false }
func (s *stubSettings) Roaming() bool                       { return false }
func (s *stubSettings) WarnSizeBytes() int64                { return 0 }
func (s *stubSettings) MaxSizeBytes() int64                 { return 0 }
func (s *stubSettings) DeliveryReports() bool               { return false }
func (s *stubSettings) AcceptanceWindow() time.Duration     { return time.Second }

func newFixtures(t *testing.T, serverURL string, mem *memStore) (*session.Manager, *content.FSStore) {
	t.Helper()

	store, err := content.NewFSStore(t.TempDir())
	require.NoError(t, err)

	mgr := session.NewManager(session.Deps{
		Store:    mem,
		Content:  store,
		Settings: &stubSettings{serverURL: serverURL},
	})

	return mgr, store
}

func TestDrain_EmptyStoreIsNoOp(t *testing.T) {
	mem := newMemStore()
	mgr, _ := newFixtures(t, "http://content.example.com", mem)

	reg := New(mem, mgr)

	require.NoError(t, reg.Drain(context.Background()))
	assert.Zero(t, mgr.Len())
}

func TestDrain_ResumesDownloadToCompletion(t *testing.T) {
	payload := []byte("half of this clip already made it to disk before the restart")
	offset := len(payload) / 2

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		require.True(t, strings.HasPrefix(rng, "bytes="), "resumed download must be ranged")

		from, err := strconv.Atoi(strings.TrimPrefix(strings.SplitN(rng, "-", 2)[0], "bytes="))
		require.NoError(t, err)

		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", from, len(payload)-1, len(payload)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(payload[from:])
	}))
	defer srv.Close()

	rec := &storage.ResumeRecord{
		TransferID: "dl-1",
		Direction:  xfer.DirectionDownload,
		Contact:    "tel:+14155550101",
		Content: xfer.ContentDescriptor{
			Locator:   srv.URL,
			MimeType:  "video/mp4",
			SizeBytes: int64(len(payload)),
			FileName:  "clip.mp4",
		},
	}

	mem := newMemStore(rec)
	mgr, store := newFixtures(t, srv.URL, mem)

	require.NoError(t, store.Write("dl-1/clip.mp4", payload[:offset]))

	reg := New(mem, mgr)

	require.NoError(t, reg.Drain(context.Background()))

	require.Eventually(t, func() bool { return !mem.has("dl-1") },
		5*time.Second, 10*time.Millisecond, "record should be deleted after completion")

	got, err := store.Open("dl-1/clip.mp4")
	require.NoError(t, err)
	defer got.Close()

	data, err := io.ReadAll(got)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestDrain_CompletesInterruptedUpload(t *testing.T) {
	payload := []byte("already fully received by the server")

	infoDoc, err := infodoc.Encode(&infodoc.Document{
		Content: xfer.ContentDescriptor{
			Locator:   "https://cdn.example.com/done",
			MimeType:  "image/jpeg",
			SizeBytes: int64(len(payload)),
			FileName:  "holiday.jpg",
		},
		ExpiresAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.RawQuery, "get_upload_info"):
			require.Contains(t, r.URL.RawQuery, "tid=tid-42")
			fmt.Fprintf(w, `<?xml version="1.0"?><file-resume-info><file-range start="0" end="%d"/></file-resume-info>`, len(payload)-1)
		case strings.Contains(r.URL.RawQuery, "get_download_info"):
			w.Write(infoDoc)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	mem := newMemStore(&storage.ResumeRecord{
		TransferID: "up-1",
		Direction:  xfer.DirectionUpload,
		Contact:    "tel:+14155550101",
		Content: xfer.ContentDescriptor{
			Locator:   "payload.bin",
			MimeType:  "image/jpeg",
			SizeBytes: int64(len(payload)),
			FileName:  "holiday.jpg",
		},
		ServerURI: srv.URL,
		TID:       "tid-42",
	})
	mgr, store := newFixtures(t, srv.URL, mem)

	require.NoError(t, store.Write("payload.bin", payload))

	reg := New(mem, mgr)

	require.NoError(t, reg.Drain(context.Background()))

	require.Eventually(t, func() bool { return !mem.has("up-1") },
		5*time.Second, 10*time.Millisecond, "record should be deleted after completion")
}

func TestDrain_DropsUnusableRecord(t *testing.T) {
	mem := newMemStore(&storage.ResumeRecord{
		TransferID: "bad-1",
		Direction:  xfer.Direction("sideways"),
		Content:    xfer.ContentDescriptor{Locator: "x", SizeBytes: 1},
	})
	mgr, _ := newFixtures(t, "http://content.example.com", mem)

	reg := New(mem, mgr)

	require.NoError(t, reg.Drain(context.Background()))

	assert.False(t, mem.has("bad-1"), "unusable record must not replay on the next start")
	assert.Zero(t, mgr.Len())
}

func TestDrain_StopsOnContextCancel(t *testing.T) {
	mem := newMemStore(&storage.ResumeRecord{
		TransferID: "up-1",
		Direction:  xfer.DirectionUpload,
		Content:    xfer.ContentDescriptor{Locator: "missing.bin", SizeBytes: 10},
		ServerURI:  "http://content.example.com",
		TID:        "tid-1",
	})
	mgr, _ := newFixtures(t, "http://content.example.com", mem)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reg := New(mem, mgr)

	require.ErrorIs(t, reg.Drain(ctx), context.Canceled)
}

var _ storage.ResumeStore = (*memStore)(nil)
