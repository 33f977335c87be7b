package room

import (
	"context"
	"sync"
	"time"

	"github.com/wfunc/vttserver/broadcast"
	"github.com/wfunc/vttserver/logger"
	"github.com/wfunc/vttserver/persistence"
	"github.com/wfunc/vttserver/protocol"
	"github.com/wfunc/vttserver/services"
	"github.com/wfunc/vttserver/session"
	"github.com/wfunc/vttserver/timer"
)

// RoomObserver is notified as rooms come and go, for gauge bookkeeping.
type RoomObserver interface {
	IncActiveRooms()
	DecActiveRooms()
}

// Manager creates rooms on first join and retires them once they have sat
// empty past the grace period. A rejoin inside the grace window cancels
// retirement and finds combat exactly where it was left.
type Manager struct {
	mutex sync.RWMutex
	rooms map[string]*Room

	sessions    *session.Manager
	broadcaster broadcast.Broadcaster
	roster      *services.RosterService
	store       persistence.Store
	timers      *timer.Manager
	observer    RoomObserver

	gracePeriod time.Duration
	graceTimers map[string]int64
}

func NewManager(sessions *session.Manager, b broadcast.Broadcaster,
	roster *services.RosterService, store persistence.Store,
	timers *timer.Manager, observer RoomObserver, gracePeriod time.Duration) *Manager {
	return &Manager{
		rooms:       make(map[string]*Room),
		sessions:    sessions,
		broadcaster: b,
		roster:      roster,
		store:       store,
		timers:      timers,
		observer:    observer,
		gracePeriod: gracePeriod,
		graceTimers: make(map[string]int64),
	}
}

func (m *Manager) Get(roomID string) (*Room, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return r, nil
}

// GetOrCreate returns the live room, restoring a persisted combat snapshot
// when the room is being woken up after a server restart.
func (m *Manager) GetOrCreate(ctx context.Context, roomID string) (*Room, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if r, ok := m.rooms[roomID]; ok {
		return r, nil
	}

	r := NewRoom(roomID, m.sessions, m.broadcaster, m.roster, m.store)
	snap, err := m.store.LoadCombatSnapshot(ctx, roomID)
	switch err {
	case nil:
		r.RestoreSnapshot(snap)
		logger.Log.Infow("room restored from snapshot", "room", roomID, "round", snap.Round)
	case persistence.ErrRecordNotFound:
		// Fresh room.
	default:
		r.Close()
		return nil, err
	}

	m.rooms[roomID] = r
	if m.observer != nil {
		m.observer.IncActiveRooms()
	}
	logger.Log.Infow("room created", "room", roomID)
	return r, nil
}

// Join attaches a connected session to its room: registers it, cancels any
// pending retirement, announces the arrival, and seeds the client with a
// filtered snapshot.
func (m *Manager) Join(ctx context.Context, sess *session.Session) (*Room, error) {
	var r *Room
	for {
		var err error
		r, err = m.GetOrCreate(ctx, sess.RoomID)
		if err != nil {
			return nil, err
		}

		// Registration happens under the same lock retireIfEmpty takes
		// for its emptiness check, so the grace timer cannot retire a
		// room out from under a joiner mid-attach.
		m.mutex.Lock()
		if cur := m.rooms[sess.RoomID]; cur != r {
			// Retirement won the race; start over against a fresh room.
			m.mutex.Unlock()
			continue
		}
		if id, ok := m.graceTimers[sess.RoomID]; ok {
			m.timers.Cancel(id)
			delete(m.graceTimers, sess.RoomID)
			logger.Log.Debugw("room retirement cancelled", "room", sess.RoomID)
		}
		added := m.sessions.Add(sess)
		m.mutex.Unlock()
		if !added {
			return nil, session.ErrDuplicateSession
		}
		break
	}

	notice := &protocol.UserNotice{ConnectionID: sess.ID, Role: sess.Role}
	if err := m.broadcaster.PublishToRoom(sess.RoomID, protocol.MsgTypeUserConnected, notice, sess.ID); err != nil {
		logger.Log.Debugw("join notice skipped", "room", sess.RoomID, "error", err)
	}
	if err := r.SendSnapshot(sess); err != nil {
		logger.Log.Warnw("initial snapshot failed", "session", sess.ID, "error", err)
	}
	return r, nil
}

// Leave detaches a session. The last connection out arms the grace timer
// rather than tearing the room down, so a flapping websocket does not
// destroy a running encounter.
func (m *Manager) Leave(sess *session.Session) {
	m.sessions.Remove(sess.ID)

	notice := &protocol.UserNotice{ConnectionID: sess.ID, Role: sess.Role}
	if err := m.broadcaster.PublishToRoom(sess.RoomID, protocol.MsgTypeUserDisconnected, notice, sess.ID); err != nil {
		logger.Log.Debugw("leave notice skipped", "room", sess.RoomID, "error", err)
	}

	if m.sessions.CountRoom(sess.RoomID) > 0 {
		return
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.rooms[sess.RoomID]; !ok {
		return
	}
	if _, armed := m.graceTimers[sess.RoomID]; armed {
		return
	}
	roomID := sess.RoomID
	m.graceTimers[roomID] = m.timers.Schedule(m.gracePeriod, 0, func() {
		m.retireIfEmpty(roomID)
	})
	logger.Log.Infow("room retirement scheduled", "room", roomID, "grace", m.gracePeriod)
}

func (m *Manager) retireIfEmpty(roomID string) {
	m.mutex.Lock()
	delete(m.graceTimers, roomID)
	if m.sessions.CountRoom(roomID) > 0 {
		m.mutex.Unlock()
		return
	}
	r, ok := m.rooms[roomID]
	if ok {
		delete(m.rooms, roomID)
	}
	m.mutex.Unlock()
	if !ok {
		return
	}
	m.finishRetire(roomID, r)
}

// Retire persists a final snapshot and shuts the room goroutine down.
func (m *Manager) Retire(roomID string) error {
	m.mutex.Lock()
	r, ok := m.rooms[roomID]
	if ok {
		delete(m.rooms, roomID)
	}
	delete(m.graceTimers, roomID)
	m.mutex.Unlock()
	if !ok {
		return ErrRoomNotFound
	}
	m.finishRetire(roomID, r)
	return nil
}

func (m *Manager) finishRetire(roomID string, r *Room) {
	snap, err := r.Snapshot()
	if err == nil && snap.Active {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if saveErr := m.store.SaveCombatSnapshot(ctx, roomID, snap); saveErr != nil {
			logger.Log.Warnw("final snapshot save failed", "room", roomID, "error", saveErr)
		}
		cancel()
	}

	r.Close()
	if m.observer != nil {
		m.observer.DecActiveRooms()
	}
	logger.Log.Infow("room retired", "room", roomID)
}

// RoomIDs lists live rooms, for the admin surface.
func (m *Manager) RoomIDs() []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	ids := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown retires every room, flushing active combats to the store.
func (m *Manager) Shutdown() {
	for _, id := range m.RoomIDs() {
		if err := m.Retire(id); err != nil {
			logger.Log.Warnw("shutdown retire failed", "room", id, "error", err)
		}
	}
}
