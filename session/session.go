// Package session is the connection registry: pure bookkeeping of live
// connections, their room membership, viewer role and controlled-entity
// binding. It owns no combat state.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/wfunc/vttserver/network"
	"github.com/wfunc/vttserver/protocol"
)

// ErrDuplicateSession is returned when a connection id is already
// registered.
var ErrDuplicateSession = errors.New("duplicate session id")

// Session is one live connection. Destroyed on disconnect; the combatant it
// controls persists in the room until the arbiter removes it.
type Session struct {
	ID   string
	Conn network.Connection

	RoomID string
	Role   protocol.Role
	// ControlledEntityID is the character this participant drives; empty
	// for the arbiter and for spectating participants.
	ControlledEntityID string

	CreatedAt  time.Time
	lastActive time.Time
	mutex      sync.Mutex
}

func NewSession(id string, conn network.Connection) *Session {
	now := time.Now()
	return &Session{
		ID:         id,
		Conn:       conn,
		CreatedAt:  now,
		lastActive: now,
	}
}

func (s *Session) Send(msgID uint16, data []byte) error {
	s.Touch()
	return s.Conn.Send(msgID, data)
}

func (s *Session) SendJSON(msgID uint16, v any) error {
	s.Touch()
	return s.Conn.SendJSON(msgID, v)
}

// Touch records activity; the heartbeat sweep uses it to find dead peers.
func (s *Session) Touch() {
	s.mutex.Lock()
	s.lastActive = time.Now()
	s.mutex.Unlock()
}

func (s *Session) LastActive() time.Time {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.lastActive
}

func (s *Session) GetID() string {
	return s.ID
}

func (s *Session) Close() error {
	return s.Conn.Close()
}

// Manager is the registry. The only validation it performs is connection-id
// uniqueness; everything else is the caller's business.
type Manager struct {
	sessions map[string]*Session
	mutex    sync.RWMutex
}

func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
	}
}

func (m *Manager) Add(session *Session) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, exists := m.sessions[session.ID]; exists {
		return false
	}
	m.sessions[session.ID] = session
	return true
}

func (m *Manager) Remove(sessionID string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.sessions, sessionID)
}

func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	session, exists := m.sessions[sessionID]
	return session, exists
}

// ListRoom returns every session registered to a room.
func (m *Manager) ListRoom(roomID string) []*Session {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var result []*Session
	for _, session := range m.sessions {
		if session.RoomID == roomID {
			result = append(result, session)
		}
	}
	return result
}

// CountRoom reports how many connections a room still has.
func (m *Manager) CountRoom(roomID string) int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	n := 0
	for _, session := range m.sessions {
		if session.RoomID == roomID {
			n++
		}
	}
	return n
}

// Stale returns sessions idle longer than maxIdle. Lost connections are
// removed lazily by this sweep rather than eagerly on send failure.
func (m *Manager) Stale(maxIdle time.Duration) []*Session {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	cutoff := time.Now().Add(-maxIdle)
	var result []*Session
	for _, session := range m.sessions {
		if session.LastActive().Before(cutoff) {
			result = append(result, session)
		}
	}
	return result
}
