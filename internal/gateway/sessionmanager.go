package gateway

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"rlm/internal/proto"
)

// defaultSessionIdleTimeout matches the engine's "destroyed on explicit close
// or idle expiry" note in §3.
const defaultSessionIdleTimeout = 30 * time.Minute

// sessionEntry pairs a session with the mutex that guards concurrent tool
// calls against it (§5: "sessions are guarded by a per-session mutex") and
// its last-touched time for idle expiry.
type sessionEntry struct {
	mu         sync.Mutex
	session    *proto.Session
	lastActive time.Time
}

// SessionManager owns every live retrieval-gateway session. It is itself
// safe for concurrent use; each session's own mutex serializes the tool
// calls made against that one session.
type SessionManager struct {
	mu          sync.Mutex
	sessions    map[string]*sessionEntry
	idleTimeout time.Duration
	now         func() time.Time
}

// NewSessionManager constructs an empty manager. idleTimeout<=0 applies
// defaultSessionIdleTimeout.
func NewSessionManager(idleTimeout time.Duration) *SessionManager {
	if idleTimeout <= 0 {
		idleTimeout = defaultSessionIdleTimeout
	}
	return &SessionManager{
		sessions:    make(map[string]*sessionEntry),
		idleTimeout: idleTimeout,
		now:         time.Now,
	}
}

// Create starts a new session with rootPrompt and returns its id.
func (m *SessionManager) Create(rootPrompt string) *proto.Session {
	id := uuid.NewString()
	sess := proto.NewSession(id, rootPrompt, m.now())

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[id] = &sessionEntry{session: sess, lastActive: m.now()}
	return sess
}

// Close destroys a session; it reports whether id was found.
func (m *SessionManager) Close(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return false
	}
	delete(m.sessions, id)
	return true
}

// With locks the named session's own mutex and invokes fn with it, touching
// its last-active timestamp. It is the serialization point every tool
// handler goes through.
func (m *SessionManager) With(id string, fn func(*proto.Session) (any, error)) (any, error) {
	entry, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.lastActive = m.now()
	return fn(entry.session)
}

func (m *SessionManager) lookup(id string) (*sessionEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("gateway: no session %q (closed or expired)", id)
	}
	return entry, nil
}

// ReapIdle closes every session whose last activity is older than the
// configured idle timeout, returning the ids it closed.
func (m *SessionManager) ReapIdle() []string {
	cutoff := m.now().Add(-m.idleTimeout)
	m.mu.Lock()
	defer m.mu.Unlock()
	var closed []string
	for id, entry := range m.sessions {
		entry.mu.Lock()
		idle := entry.lastActive.Before(cutoff)
		entry.mu.Unlock()
		if idle {
			delete(m.sessions, id)
			closed = append(closed, id)
		}
	}
	return closed
}

// Count reports the number of live sessions.
func (m *SessionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
