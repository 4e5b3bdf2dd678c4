// Package chat implements the room resolution and message pipeline: the
// find-or-create protocol, message persistence and fan-out, and the
// per-room unread-count state machine.
package chat

import (
	"github.com/simpasskr/chatgate/internal/identity"
	"github.com/simpasskr/chatgate/internal/store"
	"github.com/simpasskr/chatgate/pkg/protocol"
)

// ValidationError reports a malformed action payload. Non-fatal: the
// session controller answers with an error event and keeps the connection.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// viewerSide is the counter an identity reads as its own badge: retailers
// watch partner_unread_count, operators watch agent_unread_count.
func viewerSide(role identity.Role) store.Side {
	if role.IsRetailer() {
		return store.PartnerSide
	}
	return store.AgentSide
}

// receiverSide is the counter incremented when the role sends a message:
// always the other party's viewer side.
func receiverSide(role identity.Role) store.Side {
	if role.IsRetailer() {
		return store.AgentSide
	}
	return store.PartnerSide
}

// senderID returns the room participant matching the role.
func senderID(room *protocol.Room, role identity.Role) string {
	if role.IsRetailer() {
		return room.PartnerCode
	}
	return room.AgentCode
}

// counterpartyID returns the room participant opposite the role.
func counterpartyID(room *protocol.Room, role identity.Role) string {
	if role.IsRetailer() {
		return room.AgentCode
	}
	return room.PartnerCode
}

// sideCode returns the participant id owning the given counter side.
func sideCode(room *protocol.Room, side store.Side) string {
	if side == store.AgentSide {
		return room.AgentCode
	}
	return room.PartnerCode
}
