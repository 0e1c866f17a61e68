package mcp

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/HyphaGroup/drawbridge/internal/logger"
	"github.com/HyphaGroup/drawbridge/internal/metrics"
)

// ErrUnknownSession is returned when a presented token resolves to nothing,
// either because it never existed or because the session idled out.
var ErrUnknownSession = errors.New("unknown or expired session")

// ErrNotBound rejects tool routing before the connect handshake has
// supplied a channel id.
var ErrNotBound = errors.New("not bound to a channel: call join_channel first")

// Session is one caller's stateful conversation on the protocol surface.
// It starts unbound; a join_channel handshake binds it to a channel; idle
// TTL or explicit termination evicts it.
type Session struct {
	Token      string
	CreatedAt  time.Time
	RemoteAddr string

	mu           sync.RWMutex
	lastActivity time.Time
	channelID    string
	handler      *ProtocolHandler
}

// Touch updates the last-activity time.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the last-activity time.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// Bind records the channel id supplied by the connect handshake.
func (s *Session) Bind(channelID string) {
	s.mu.Lock()
	s.channelID = channelID
	s.mu.Unlock()
}

// ChannelID returns the bound channel id, empty while unbound.
func (s *Session) ChannelID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channelID
}

// Handler returns the session's protocol-handler instance.
func (s *Session) Handler() *ProtocolHandler {
	return s.handler
}

// Manager maps session tokens to sessions and enforces the idle TTL.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	ttl      time.Duration
	deps     HandlerDeps
}

// NewManager creates a session manager. Sessions idle longer than ttl are
// evicted by Sweep regardless of pending calls.
func NewManager(ttl time.Duration, deps HandlerDeps) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		deps:     deps,
	}
}

// Create allocates a fresh session with a newly generated token, no bound
// channel, and a fresh protocol-handler instance.
func (m *Manager) Create(remoteAddr string) *Session {
	now := time.Now()
	sess := &Session{
		Token:        uuid.NewString(),
		CreatedAt:    now,
		RemoteAddr:   remoteAddr,
		lastActivity: now,
	}
	sess.handler = NewProtocolHandler(sess, m.deps)

	m.mu.Lock()
	m.sessions[sess.Token] = sess
	metrics.SessionsActive.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	logger.Info("Session %s created for %s", sess.Token, remoteAddr)
	return sess
}

// NewDetached builds a session that is not tracked by the manager and so
// never idles out. Used by the stdio serving mode, where the transport's
// lifetime is the session's lifetime.
func (m *Manager) NewDetached(remoteAddr string) *Session {
	now := time.Now()
	sess := &Session{
		Token:        uuid.NewString(),
		CreatedAt:    now,
		RemoteAddr:   remoteAddr,
		lastActivity: now,
	}
	sess.handler = NewProtocolHandler(sess, m.deps)
	return sess
}

// Resolve returns the session for token or ErrUnknownSession. A missing
// token is not resolved here: at the HTTP layer it signals "create a new
// session".
func (m *Manager) Resolve(token string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[token]
	if !ok {
		return nil, ErrUnknownSession
	}
	return sess, nil
}

// Touch updates the session's last-activity time if it exists.
func (m *Manager) Touch(token string) {
	m.mu.RLock()
	sess := m.sessions[token]
	m.mu.RUnlock()
	if sess != nil {
		sess.Touch()
	}
}

// Terminate removes the session. Returns false if the token was unknown.
func (m *Manager) Terminate(token string) bool {
	m.mu.Lock()
	_, ok := m.sessions[token]
	if ok {
		delete(m.sessions, token)
		metrics.SessionsActive.Set(float64(len(m.sessions)))
	}
	m.mu.Unlock()

	if ok {
		logger.Info("Session %s terminated", token)
	}
	return ok
}

// Sweep evicts every session idle past the TTL. Invoked opportunistically
// at the start of each routed request rather than on a dedicated timer, so
// eviction is best-effort rather than strictly periodic.
func (m *Manager) Sweep() int {
	cutoff := time.Now().Add(-m.ttl)

	m.mu.Lock()
	var evicted []string
	for token, sess := range m.sessions {
		if sess.LastActivity().Before(cutoff) {
			delete(m.sessions, token)
			evicted = append(evicted, token)
		}
	}
	if len(evicted) > 0 {
		metrics.SessionsActive.Set(float64(len(m.sessions)))
	}
	m.mu.Unlock()

	for _, token := range evicted {
		logger.Info("Session %s evicted after idle TTL", token)
	}
	return len(evicted)
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
