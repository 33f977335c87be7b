// Package protocol defines the wire-level message vocabulary shared by the
// server, the router and the test client. Packets keep the classic framing:
// 2-byte message id, 2-byte length, JSON body.
package protocol

// Role is a viewer's capability level inside a room.
type Role string

const (
	// RoleArbiter sees and controls everything in the room.
	RoleArbiter Role = "arbiter"
	// RoleParticipant is bound to at most one controlled combatant and
	// gets a filtered view.
	RoleParticipant Role = "participant"
)

func (r Role) Valid() bool {
	return r == RoleArbiter || r == RoleParticipant
}

// Message ids.
const (
	MsgTypeHeartbeat uint16 = 1

	MsgTypeJoinRoom uint16 = 101
	MsgTypeSnapshot uint16 = 102

	MsgTypeCombatAction uint16 = 201
	MsgTypeChatMessage  uint16 = 202
	MsgTypeDiceRoll     uint16 = 203

	MsgTypeStateDelta uint16 = 301
	MsgTypeTargeted   uint16 = 302

	MsgTypeError uint16 = 400

	MsgTypeUserConnected    uint16 = 501
	MsgTypeUserDisconnected uint16 = 502
)
