// Package broadcast fans state changes out to the connections of a room.
// Delivery is fire and forget: a failed send is dropped (and counted), never
// queued for redelivery, and never blocks delivery to other connections.
package broadcast

import (
	"encoding/json"
	"errors"

	"github.com/wfunc/vttserver/combat"
	"github.com/wfunc/vttserver/logger"
	"github.com/wfunc/vttserver/protocol"
	"github.com/wfunc/vttserver/session"
	"github.com/wfunc/vttserver/visibility"
)

var ErrNoRecipients = errors.New("no matching recipients")

// DropCounter is what the router reports failed sends to; the prometheus
// monitor satisfies it.
type DropCounter interface {
	IncDroppedSends()
}

// Broadcaster is the delivery seam the room manager publishes through.
type Broadcaster interface {
	// PublishDelta delivers a transition delta to every connection in the
	// room, filtered per viewer against the snapshots taken before and
	// after the transition.
	PublishDelta(roomID string, delta *combat.Delta, prev, snap *combat.Snapshot) error
	// PublishToRoom delivers an unfiltered message to every connection in
	// the room, optionally excluding one connection id.
	PublishToRoom(roomID string, msgID uint16, v any, excludeConnID string) error
	// PublishTargeted delivers only to the listed connection ids,
	// bypassing the room broadcast entirely.
	PublishTargeted(msgID uint16, v any, recipientConnIDs []string) error
}

// RoomBroadcaster delivers through the connection registry.
type RoomBroadcaster struct {
	sessions *session.Manager
	drops    DropCounter
}

func NewRoomBroadcaster(sessions *session.Manager, drops DropCounter) *RoomBroadcaster {
	return &RoomBroadcaster{sessions: sessions, drops: drops}
}

// viewerKey groups connections that provably receive identical bytes:
// filtering is a pure function of (state, role, controlledEntityID), so one
// filter pass per distinct key covers every connection sharing it.
type viewerKey struct {
	role       protocol.Role
	controlled string
}

func (b *RoomBroadcaster) PublishDelta(roomID string, delta *combat.Delta, prev, snap *combat.Snapshot) error {
	groups := make(map[viewerKey][]*session.Session)
	for _, s := range b.sessions.ListRoom(roomID) {
		key := viewerKey{role: s.Role, controlled: s.ControlledEntityID}
		groups[key] = append(groups[key], s)
	}

	for key, members := range groups {
		filtered := visibility.Delta(delta, prev, snap, key.role, key.controlled)
		data, err := json.Marshal(filtered)
		if err != nil {
			return err
		}
		for _, s := range members {
			if err := s.Send(protocol.MsgTypeStateDelta, data); err != nil {
				b.dropped(s, err)
			}
		}
	}
	return nil
}

func (b *RoomBroadcaster) PublishToRoom(roomID string, msgID uint16, v any, excludeConnID string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	for _, s := range b.sessions.ListRoom(roomID) {
		if s.ID == excludeConnID {
			continue
		}
		if err := s.Send(msgID, data); err != nil {
			b.dropped(s, err)
		}
	}
	return nil
}

func (b *RoomBroadcaster) PublishTargeted(msgID uint16, v any, recipientConnIDs []string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	delivered := false
	for _, id := range recipientConnIDs {
		s, exists := b.sessions.Get(id)
		if !exists {
			continue
		}
		if err := s.Send(msgID, data); err != nil {
			b.dropped(s, err)
			continue
		}
		delivered = true
	}
	if !delivered {
		return ErrNoRecipients
	}
	return nil
}

func (b *RoomBroadcaster) dropped(s *session.Session, err error) {
	logger.Log.Debugw("dropping message for connection", "session", s.ID, "error", err)
	if b.drops != nil {
		b.drops.IncDroppedSends()
	}
}
