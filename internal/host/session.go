package host

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is the per-connection state of one inbound client. It is never
// reused across reconnects.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu              sync.RWMutex
	protocolVersion string
	clientName      string
	clientVersion   string
	initialized     bool
}

// NewSession creates a session with a fresh UUID.
func NewSession() *Session {
	return &Session{ID: uuid.NewString(), CreatedAt: time.Now()}
}

func (s *Session) setClient(version, name, clientVersion string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.protocolVersion = version
	s.clientName = name
	s.clientVersion = clientVersion
}

func (s *Session) markInitialized() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = true
}

// Initialized reports whether notifications/initialized was received.
func (s *Session) Initialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}

func (s *Session) ProtocolVersion() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.protocolVersion
}

// Client returns "name/version" of the connected client, or "unknown".
func (s *Session) Client() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.clientName == "" {
		return "unknown"
	}
	if s.clientVersion == "" {
		return s.clientName
	}
	return s.clientName + "/" + s.clientVersion
}

// sessionStore tracks the live HTTP sessions by id.
type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]*Session)}
}

// getOrCreate returns the session for id, creating a new one when id is
// blank or unknown.
func (s *sessionStore) getOrCreate(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok && id != "" {
		return sess, false
	}
	sess := NewSession()
	s.sessions[sess.ID] = sess
	return sess, true
}

func (s *sessionStore) remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	return ok
}

func (s *sessionStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *sessionStore) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]*Session)
}
