package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/openrcs/ftengine/internal/logctx"
	"github.com/openrcs/ftengine/internal/storage"
	"github.com/openrcs/ftengine/internal/xfer"
)

// Manager tracks active sessions by transfer id and fans their lifecycle
// events out to process-wide subscribers. Sessions drop out of the active
// set when a terminal event fires.
type Manager struct {
	deps Deps

	// instanceID identifies this engine process; resume records carry it so
	// records left behind by a previous instance are recognizable.
	instanceID string

	mu          sync.RWMutex
	sessions    map[string]*Session
	subscribers []Subscriber
}

func NewManager(deps Deps) *Manager {
	return &Manager{
		deps:       deps,
		instanceID: GenerateInstanceID(),
		sessions:   make(map[string]*Session),
	}
}

// InstanceID returns the engine instance identifier minted for this process.
func (m *Manager) InstanceID() string { return m.instanceID }

// Subscribe registers a process-wide subscriber receiving events from every
// session the manager starts.
func (m *Manager) Subscribe(fn Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.subscribers = append(m.subscribers, fn)
}

// StartOriginating creates an upload session and runs it on its own
// goroutine.
func (m *Manager) StartOriginating(ctx context.Context, contact, chatID string, isGroup bool, desc xfer.ContentDescriptor, thumb *xfer.Thumbnail) (*Session, error) {
	s, err := NewOriginating(m.deps, contact, chatID, isGroup, desc, thumb)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload session: %w", err)
	}

	s.localInstanceID = m.instanceID
	m.track(s)

	go s.Run(ctx)

	return s, nil
}

// StartTerminating creates a download session from an invitation and runs it
// on its own goroutine. The session waits for Accept/Reject (or auto-accept)
// before touching the network.
func (m *Manager) StartTerminating(ctx context.Context, invite Invite) (*Session, error) {
	s, err := NewTerminating(m.deps, invite)
	if err != nil {
		return nil, fmt.Errorf("failed to create download session: %w", err)
	}

	s.localInstanceID = m.instanceID
	m.track(s)

	go s.Run(ctx)

	return s, nil
}

// AdoptRecord reconstructs a paused session from a resume record and tracks
// it without starting any I/O. The caller decides when to call Resume.
func (m *Manager) AdoptRecord(rec *storage.ResumeRecord) (*Session, error) {
	s, err := NewResumed(m.deps, rec)
	if err != nil {
		return nil, fmt.Errorf("failed to reconstruct session %s: %w", rec.TransferID, err)
	}

	s.localInstanceID = m.instanceID
	m.track(s)

	return s, nil
}

func (m *Manager) track(s *Session) {
	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	s.Subscribe(func(ev Event) {
		if ev.Kind.Terminal() {
			m.mu.Lock()
			delete(m.sessions, ev.TransferID)
			m.mu.Unlock()
		}

		m.mu.RLock()
		subs := make([]Subscriber, len(m.subscribers))
		copy(subs, m.subscribers)
		m.mu.RUnlock()

		for _, fn := range subs {
			fn(ev)
		}
	})
}

// Get returns the active session with the given transfer id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]

	return s, ok
}

// List returns a snapshot of the active sessions.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}

	return out
}

// Len returns the number of active sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.sessions)
}

// TerminateAll tears down every active session with the given reason. Used
// on shutdown: system terminations of established transfers become pauses,
// leaving their resume records in place.
func (m *Manager) TerminateAll(ctx context.Context, reason TerminateReason) {
	logger := logctx.LoggerFromContext(ctx)

	for _, s := range m.List() {
		logger.Info("terminating transfer", "transfer_id", s.ID(), "reason", int(reason))
		s.Terminate(reason)
	}
}
