// Package publish implements the upload-session state machine behind
// package publication: INITIATED/OPEN creation, in-memory byte staging,
// READY validation, and COMPLETED/INVALID/EXPIRED resolution, plus the
// periodic reaper that drops stale in-memory sessions.
package publish

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gsmlg-opt/repub-sub000/internal/domain"
)

// State is one position in the upload-session state machine.
type State string

const (
	StateOpen      State = "open"
	StateReady     State = "ready"
	StateCompleted State = "completed"
	StateInvalid   State = "invalid"
	StateExpired   State = "expired"
)

// MaxUploadBytes is the default maximum archive size accepted by Upload.
const MaxUploadBytes = 100 * 1 << 20 // 100 MiB

// session is the single in-memory record backing one upload: bytes and
// state live only here, never in the metadata store, per the pipeline's
// "combined map of {bytes, created_at}" shape.
type session struct {
	id          string
	state       State
	bytes       []byte
	createdAt   time.Time
	finalizing  bool
	ownerUserID string
	hasToken    bool
}

// Manager owns every in-flight upload session, guarded by a single mutex
// since session volume is bounded by concurrent publishers, not by archive
// size.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session

	maxUploadBytes int64
}

func NewManager() *Manager {
	return &Manager{
		sessions:       make(map[string]*session),
		maxUploadBytes: MaxUploadBytes,
	}
}

// WithMaxUploadBytes overrides the configured upload size ceiling.
func (m *Manager) WithMaxUploadBytes(n int64) *Manager {
	m.maxUploadBytes = n
	return m
}

// Create starts a new session in OPEN, returning its id. hasToken/userID
// record who created it so Finalize can apply ownership checks later even
// though only one token is resolved at finalize time per the spec; this
// records the token presence observed at creation for defense-in-depth,
// the authoritative scope check still happens at finalize.
func (m *Manager) Create(hasToken bool, ownerUserID string) domain.UploadSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	s := &session{
		id:          uuid.NewString(),
		state:       StateOpen,
		createdAt:   now,
		hasToken:    hasToken,
		ownerUserID: ownerUserID,
	}
	m.sessions[s.id] = s

	return domain.UploadSession{ID: s.id, CreatedAt: now}
}

var (
	errSessionNotFound = newPublishError("session_not_found", "upload session not found or expired")
	errSessionNotOpen  = newPublishError("invalid_session_state", "upload session is not accepting bytes")
	errEmptyUpload     = newPublishError("empty_upload", "upload body was empty")
	errTooLarge        = newPublishError("upload_too_large", "upload exceeds the configured size limit")
)

// PublishError is a typed, code-carrying error the HTTP layer maps
// directly onto a status + error code in the response envelope.
type PublishError struct {
	Code    string
	Message string
}

func (e *PublishError) Error() string { return e.Message }

func newPublishError(code, msg string) *PublishError { return &PublishError{Code: code, Message: msg} }

// Upload stages data against session id, transitioning OPEN -> READY.
func (m *Manager) Upload(id string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return errSessionNotFound
	}
	if time.Since(s.createdAt) > domain.UploadSessionTTL {
		return errSessionNotFound
	}
	if s.state != StateOpen {
		return errSessionNotOpen
	}
	if len(data) == 0 {
		return errEmptyUpload
	}
	if int64(len(data)) > m.maxUploadBytes {
		return errTooLarge
	}

	s.bytes = data
	s.state = StateReady
	return nil
}

// get fetches the session without mutating it; returns (nil, false) if
// absent.
func (m *Manager) get(id string) (*session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// beginFinalize marks a READY session as finalizing, enforcing at most
// one concurrent finalize per session id; a second concurrent call is
// rejected rather than queued.
func (m *Manager) beginFinalize(id string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, errSessionNotFound
	}
	if time.Since(s.createdAt) > domain.UploadSessionTTL {
		return nil, errSessionNotFound
	}
	if s.state != StateReady {
		return nil, errSessionNotOpen
	}
	if s.finalizing {
		return nil, newPublishError("finalize_in_progress", "finalize already running for this session")
	}
	s.finalizing = true
	return s, nil
}

func (m *Manager) resolve(id string, final State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return
	}
	s.finalizing = false
	s.state = final

	if final == StateCompleted || final == StateInvalid {
		// In-memory bytes are no longer needed once the outcome is decided;
		// the session record itself is kept briefly for reporting.
		s.bytes = nil
	}
}

// Reap drops every session whose createdAt is older than
// domain.UploadSessionTTL, regardless of state.
func (m *Manager) Reap() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().UTC().Add(-domain.UploadSessionTTL)
	dropped := 0
	for id, s := range m.sessions {
		if s.createdAt.Before(cutoff) {
			delete(m.sessions, id)
			dropped++
		}
	}
	return dropped
}

// RunReaper ticks Reap every interval until stop is closed.
func (m *Manager) RunReaper(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Reap()
		case <-stop:
			return
		}
	}
}
